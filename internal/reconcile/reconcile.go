// Package reconcile regenerates the catalog and vector index from the
// archive tree, and repairs the traces left by interrupted ingest commits.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/folio/internal/archive"
	"github.com/kalambet/folio/internal/bibrec"
	"github.com/kalambet/folio/internal/catalog"
	"github.com/kalambet/folio/internal/vectorindex"
)

// ScopeAll rebuilds every archive; any other scope is a single key.
const ScopeAll = "all"

// Result reports what a rebuild pass touched.
type Result struct {
	CatalogRows   int `json:"catalog_rows"`
	VectorEntries int `json:"vector_entries"`
	MissingChunks int `json:"missing_chunks"`
	Inconsistent  int `json:"inconsistent"`
	Corrupt       int `json:"corrupt"`
}

// Reconciler rebuilds derived stores from archives.
type Reconciler struct {
	archives *archive.Store
	cat      *catalog.Catalog
	index    vectorindex.Index
	records  *bibrec.Store
	logger   *slog.Logger
}

// New returns a Reconciler. records may be nil, in which case the
// record-versus-archive audit is skipped.
func New(archives *archive.Store, cat *catalog.Catalog, index vectorindex.Index, records *bibrec.Store) *Reconciler {
	return &Reconciler{
		archives: archives,
		cat:      cat,
		index:    index,
		records:  records,
		logger:   slog.Default(),
	}
}

// Rebuild regenerates catalog rows and vector index entries from archives.
// scope is either ScopeAll or a single document key. The pass is re-entrant:
// running it twice produces identical derived state. Embeddings are never
// recomputed, only copied out of archives; archives without chunks are
// counted and left for the valorization worker.
func (r *Reconciler) Rebuild(scope string) (Result, error) {
	var keys []string
	if scope == ScopeAll {
		var err error
		keys, err = r.archives.List()
		if err != nil {
			return Result{}, fmt.Errorf("listing archives: %w", err)
		}
	} else {
		if !r.archives.Exists(scope) {
			return Result{}, fmt.Errorf("archive for %s: %w", scope, archive.ErrNotFound)
		}
		keys = []string{scope}
	}

	if scope == ScopeAll {
		// Full rebuild starts from scratch so rows for removed archives
		// do not survive.
		if err := r.cat.DeleteAll(); err != nil {
			return Result{}, fmt.Errorf("clearing catalog: %w", err)
		}
		if err := r.index.DeleteAll(); err != nil {
			return Result{}, fmt.Errorf("clearing vector index: %w", err)
		}
	}

	var res Result
	rebuilt := make(map[string]bool, len(keys))
	for _, key := range keys {
		if err := r.rebuildOne(key, &res); err != nil {
			var corrupt *archive.CorruptError
			if errors.As(err, &corrupt) {
				r.logger.Error("corrupt archive", "key", key, "path", corrupt.Path, "reason", corrupt.Reason)
				res.Corrupt++
				continue
			}
			return res, err
		}
		rebuilt[key] = true
	}

	if r.records != nil && scope == ScopeAll {
		n, err := r.auditRecords(rebuilt)
		if err != nil {
			return res, err
		}
		res.Inconsistent = n
	}
	return res, nil
}

func (r *Reconciler) rebuildOne(key string, res *Result) error {
	a, err := r.archives.Open(key)
	if err != nil {
		return err
	}
	defer a.Close()

	meta, err := a.Meta()
	if err != nil {
		return err
	}
	chunks, err := a.Chunks()
	if err != nil {
		return err
	}

	doc := catalog.Document{
		Key:         meta.Key,
		ContentHash: meta.ContentHash,
		Title:       meta.Title,
		FirstAuthor: meta.FirstAuthor,
		Year:        meta.Year,
		DOI:         meta.DOI,
		PageCount:   meta.PageCount,
		ArchivePath: a.Path(),
	}
	if meta.IngestedAt != "" {
		if t, err := time.Parse(time.RFC3339, meta.IngestedAt); err == nil {
			doc.IngestedAt = t
		}
	}
	if len(chunks) > 0 {
		doc.ValorizedAt = time.Now()
	}
	if err := r.cat.Upsert(doc); err != nil {
		return fmt.Errorf("upserting catalog row for %s: %w", key, err)
	}
	res.CatalogRows++

	if len(chunks) == 0 {
		res.MissingChunks++
		return nil
	}

	entries := make([]vectorindex.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = vectorindex.Entry{
			ID:        fmt.Sprintf("%s#%d", key, c.Index),
			Key:       key,
			Page:      c.Page,
			CharStart: c.CharStart,
			CharEnd:   c.CharEnd,
			Text:      c.Text,
			Vector:    c.Embedding,
		}
	}
	// Single-key rebuilds skip the full DeleteAll, so drop whatever the
	// index currently holds for this key before writing fresh entries.
	if err := r.index.DeleteKey(key); err != nil {
		return fmt.Errorf("clearing stale vectors for %s: %w", key, err)
	}
	if err := r.index.Upsert(entries); err != nil {
		return fmt.Errorf("indexing vectors for %s: %w", key, err)
	}
	res.VectorEntries += len(entries)
	return nil
}

// auditRecords walks the bibliographic ledger and reconciles it against the
// rebuilt archives. A record with no archive is a half-committed ingest:
// it is flagged inconsistent for operator attention, never deleted. Records
// whose archive reappeared get the flag cleared.
func (r *Reconciler) auditRecords(rebuilt map[string]bool) (int, error) {
	records, err := r.records.List()
	if err != nil {
		return 0, fmt.Errorf("listing records: %w", err)
	}

	inconsistent := 0
	for _, rec := range records {
		if rec.HasFlag(bibrec.FlagPlaceholder) {
			continue
		}
		if rebuilt[rec.Key] {
			if rec.HasFlag(bibrec.FlagInconsistent) {
				if err := r.records.SetFlag(rec.Key, bibrec.FlagInconsistent, false); err != nil {
					return inconsistent, err
				}
			}
			continue
		}
		inconsistent++
		if !rec.HasFlag(bibrec.FlagInconsistent) {
			r.logger.Warn("record has no archive", "key", rec.Key)
			if err := r.records.SetFlag(rec.Key, bibrec.FlagInconsistent, true); err != nil {
				return inconsistent, err
			}
		}
		// Mirror the flag on the catalog row when one exists.
		if _, err := r.cat.GetByKey(rec.Key); err == nil {
			if err := r.cat.SetInconsistent(rec.Key, true); err != nil {
				return inconsistent, err
			}
		}
	}
	return inconsistent, nil
}
