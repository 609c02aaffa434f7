// Package catalog maintains the SQLite index over the archive tree plus the
// valorization job queue. Everything in it is derived state: losing the
// catalog costs nothing that a rebuild from the archives cannot restore.
package catalog

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Catalog wraps the SQLite database holding document rows and jobs.
type Catalog struct {
	db *sql.DB
}

// Open opens (or creates) the catalog database at path and runs pending
// migrations. Pass ":memory:" for an in-memory database (used by tests).
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging catalog: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return c, nil
}

// Close closes the underlying database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (c *Catalog) migrate() error {
	if _, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := c.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := c.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// --- Documents ---

// Upsert inserts or replaces the catalog row for a document.
func (c *Catalog) Upsert(d Document) error {
	valorizedAt := sql.NullString{}
	if !d.ValorizedAt.IsZero() {
		valorizedAt = sql.NullString{String: d.ValorizedAt.UTC().Format(time.RFC3339), Valid: true}
	}
	ingestedAt := d.IngestedAt
	if ingestedAt.IsZero() {
		ingestedAt = time.Now()
	}
	_, err := c.db.Exec(`
		INSERT INTO documents (key, content_hash, title, first_author, year, doi, page_count, archive_path, ingested_at, valorized_at, inconsistent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			content_hash = excluded.content_hash,
			title = excluded.title,
			first_author = excluded.first_author,
			year = excluded.year,
			doi = excluded.doi,
			page_count = excluded.page_count,
			archive_path = excluded.archive_path,
			ingested_at = excluded.ingested_at,
			valorized_at = excluded.valorized_at,
			inconsistent = excluded.inconsistent`,
		d.Key, d.ContentHash, d.Title, d.FirstAuthor, d.Year, d.DOI, d.PageCount,
		d.ArchivePath, ingestedAt.UTC().Format(time.RFC3339), valorizedAt, boolToInt(d.Inconsistent),
	)
	return err
}

// GetByKey returns the document row for key.
func (c *Catalog) GetByKey(key string) (Document, error) {
	row := c.db.QueryRow(docColumns+" FROM documents WHERE key = ?", key)
	return scanDocument(row)
}

// KeyForContentHash reports which key, if any, already holds the given
// content hash. It implements the archive store's dedup check.
func (c *Catalog) KeyForContentHash(hash string) (string, bool, error) {
	var key string
	err := c.db.QueryRow("SELECT key FROM documents WHERE content_hash = ?", hash).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return key, true, nil
}

// List returns all document rows ordered by key.
func (c *Catalog) List() ([]Document, error) {
	rows, err := c.db.Query(docColumns + " FROM documents ORDER BY key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Delete removes the catalog row for key.
func (c *Catalog) Delete(key string) error {
	res, err := c.db.Exec("DELETE FROM documents WHERE key = ?", key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAll clears every document row. Used by full rebuilds before
// repopulating from the archive tree.
func (c *Catalog) DeleteAll() error {
	_, err := c.db.Exec("DELETE FROM documents")
	return err
}

// MarkValorized stamps the document's valorization time.
func (c *Catalog) MarkValorized(key string, at time.Time) error {
	res, err := c.db.Exec("UPDATE documents SET valorized_at = ? WHERE key = ?",
		at.UTC().Format(time.RFC3339), key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetInconsistent flags or clears the consistency marker on a document row.
func (c *Catalog) SetInconsistent(key string, flag bool) error {
	res, err := c.db.Exec("UPDATE documents SET inconsistent = ? WHERE key = ?", boolToInt(flag), key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats returns the library summary counts.
func (c *Catalog) Stats() (Stats, error) {
	var s Stats
	err := c.db.QueryRow(`
		SELECT COUNT(*),
		       COUNT(valorized_at),
		       COALESCE(SUM(inconsistent), 0)
		FROM documents`).Scan(&s.Archived, &s.Valorized, &s.Inconsistent)
	if err != nil {
		return Stats{}, err
	}
	err = c.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status IN ('pending', 'running')`).Scan(&s.Pending)
	if err != nil {
		return Stats{}, err
	}
	return s, nil
}

const docColumns = `SELECT key, content_hash, title, first_author, year, doi, page_count, archive_path, ingested_at, valorized_at, inconsistent`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var ingestedAt string
	var valorizedAt sql.NullString
	var inconsistent int
	err := row.Scan(&d.Key, &d.ContentHash, &d.Title, &d.FirstAuthor, &d.Year, &d.DOI,
		&d.PageCount, &d.ArchivePath, &ingestedAt, &valorizedAt, &inconsistent)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if d.IngestedAt, err = time.Parse(time.RFC3339, ingestedAt); err != nil {
		return Document{}, fmt.Errorf("parsing ingested_at for %s: %w", d.Key, err)
	}
	if valorizedAt.Valid {
		if d.ValorizedAt, err = time.Parse(time.RFC3339, valorizedAt.String); err != nil {
			return Document{}, fmt.Errorf("parsing valorized_at for %s: %w", d.Key, err)
		}
	}
	d.Inconsistent = inconsistent != 0
	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Jobs ---

// EnqueueValorize queues a valorization job for key. Enqueueing is
// idempotent: if a pending or running valorize job for the same key already
// exists, the call is a no-op.
func (c *Catalog) EnqueueValorize(key string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := c.db.Exec(`
		INSERT OR IGNORE INTO jobs (id, type, key, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, 3, ?, ?, ?)`,
		uuid.NewString(), JobTypeValorize, key, now, now, now,
	)
	return err
}

// ClaimNextJob atomically claims the oldest runnable job, returning nil when
// none is due.
func (c *Catalog) ClaimNextJob() (*Job, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := c.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt string
	var lastError sql.NullString
	err = tx.QueryRow(`
		SELECT id, type, key, status, attempts, max_attempts, run_after, created_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, now).Scan(
		&j.ID, &j.Type, &j.Key, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &lastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	j.UpdatedAt = time.Now().UTC()
	return &j, nil
}

// CompleteJob marks a claimed job as done.
func (c *Catalog) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := c.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is rescheduled with exponential
// backoff until max_attempts, then marked failed.
func (c *Catalog) FailJob(id string, errMsg string) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteJobsForKey removes all jobs, live or finished, that reference key.
// Used when a document is removed from the library.
func (c *Catalog) DeleteJobsForKey(key string) error {
	_, err := c.db.Exec("DELETE FROM jobs WHERE key = ?", key)
	return err
}

// ResetRunningJobs returns any jobs left in the running state to pending.
// Called on startup so jobs orphaned by a crash get retried.
func (c *Catalog) ResetRunningJobs() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := c.db.Exec(`UPDATE jobs SET status = 'pending', updated_at = ? WHERE status = 'running'`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
