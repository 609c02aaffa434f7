// Package archive implements the per-document .folio archive files.
//
// Each archive is a standalone SQLite database holding everything known about
// one document: identity attributes, the bibliographic record, extracted page
// text, and the chunk/embedding table written during valorization. The file
// is self-describing; the catalog and vector index can both be rebuilt from
// archives alone.
package archive

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/kalambet/folio/internal/f32"
)

// FormatVersion is the current archive layout, recorded in PRAGMA
// user_version. Version 1 files lack the char offset columns on chunks and
// are upgraded in place on first write.
const FormatVersion = 2

// Attribute names stored in the attrs table. These are readable without
// touching the metadata JSON, so a scan can identify a file cheaply.
const (
	attrKey            = "key"
	attrContentHash    = "content_hash"
	attrEmbeddingModel = "embedding_model"
	attrEmbeddingDim   = "embedding_dim"
	attrCreatedAt      = "created_at"
)

// Chunk is one valorization unit: a text span tied back to its page and
// character range, with the embedding vector alongside.
type Chunk struct {
	Index     int
	Text      string
	Page      int
	CharStart int
	CharEnd   int
	Embedding []float32
}

// Archive is an open handle on one .folio file.
type Archive struct {
	db      *sql.DB
	path    string
	version int
}

const schema = `
CREATE TABLE attrs (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	json TEXT NOT NULL
);
CREATE TABLE pages (
	page INTEGER PRIMARY KEY,
	text TEXT NOT NULL
);
CREATE TABLE chunks (
	idx INTEGER PRIMARY KEY,
	text TEXT NOT NULL,
	page INTEGER NOT NULL,
	char_start INTEGER NOT NULL DEFAULT 0,
	char_end INTEGER NOT NULL DEFAULT 0,
	embedding BLOB
);
`

func openFile(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func create(path string, meta Metadata, pages []string, model string, dim int) (*Archive, error) {
	db, err := openFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating archive schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", FormatVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting archive version: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, err
	}
	defer tx.Rollback()

	attrs := map[string]string{
		attrKey:            meta.Key,
		attrContentHash:    meta.ContentHash,
		attrEmbeddingModel: model,
		attrEmbeddingDim:   fmt.Sprintf("%d", dim),
		attrCreatedAt:      nowUTC(),
	}
	for name, value := range attrs {
		if _, err := tx.Exec("INSERT INTO attrs (name, value) VALUES (?, ?)", name, value); err != nil {
			db.Close()
			return nil, fmt.Errorf("writing archive attrs: %w", err)
		}
	}

	doc, err := meta.marshal()
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := tx.Exec("INSERT INTO meta (id, json) VALUES (1, ?)", doc); err != nil {
		db.Close()
		return nil, fmt.Errorf("writing archive metadata: %w", err)
	}

	for i, text := range pages {
		if _, err := tx.Exec("INSERT INTO pages (page, text) VALUES (?, ?)", i+1, text); err != nil {
			db.Close()
			return nil, fmt.Errorf("writing page %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		db.Close()
		return nil, fmt.Errorf("committing archive: %w", err)
	}
	return &Archive{db: db, path: path, version: FormatVersion}, nil
}

// Open opens an existing archive and verifies it is a well-formed folio file.
// Unreadable or structurally wrong files surface as CorruptError with the
// file left in place.
func Open(path string) (*Archive, error) {
	db, err := openFile(path)
	if err != nil {
		return nil, err
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		db.Close()
		return nil, &CorruptError{Path: path, Reason: fmt.Sprintf("not a SQLite database: %v", err)}
	}
	if version < 1 || version > FormatVersion {
		db.Close()
		return nil, &CorruptError{Path: path, Reason: fmt.Sprintf("unsupported format version %d", version)}
	}

	var key string
	err = db.QueryRow("SELECT value FROM attrs WHERE name = ?", attrKey).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) || key == "" {
		db.Close()
		return nil, &CorruptError{Path: path, Reason: "missing key attribute"}
	}
	if err != nil {
		db.Close()
		return nil, &CorruptError{Path: path, Reason: fmt.Sprintf("reading attrs: %v", err)}
	}

	return &Archive{db: db, path: path, version: version}, nil
}

// Close releases the underlying database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Path returns the archive file location.
func (a *Archive) Path() string { return a.path }

// Version reports the on-disk format version of the file as opened.
func (a *Archive) Version() int { return a.version }

// Key returns the document key from the attrs table.
func (a *Archive) Key() (string, error) {
	return a.attr(attrKey)
}

// ContentHash returns the source PDF's content hash from the attrs table.
func (a *Archive) ContentHash() (string, error) {
	return a.attr(attrContentHash)
}

// EmbeddingModel returns the model name the chunk embeddings were produced
// with, empty if the archive has not been valorized.
func (a *Archive) EmbeddingModel() (string, error) {
	model, err := a.attr(attrEmbeddingModel)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return model, err
}

func (a *Archive) attr(name string) (string, error) {
	var value string
	err := a.db.QueryRow("SELECT value FROM attrs WHERE name = ?", name).Scan(&value)
	return value, err
}

func (a *Archive) setAttr(name, value string) error {
	_, err := a.db.Exec(
		"INSERT INTO attrs (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value",
		name, value)
	return err
}

// Meta returns the document metadata record.
func (a *Archive) Meta() (Metadata, error) {
	var doc string
	if err := a.db.QueryRow("SELECT json FROM meta WHERE id = 1").Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Metadata{}, &CorruptError{Path: a.path, Reason: "missing metadata record"}
		}
		return Metadata{}, fmt.Errorf("reading metadata: %w", err)
	}
	return unmarshalMeta(doc)
}

// PatchMetadata applies field corrections to the metadata record and writes
// it back atomically.
func (a *Archive) PatchMetadata(fields map[string]any) (Metadata, error) {
	meta, err := a.Meta()
	if err != nil {
		return Metadata{}, err
	}
	if err := meta.Patch(fields); err != nil {
		return Metadata{}, err
	}
	doc, err := meta.marshal()
	if err != nil {
		return Metadata{}, err
	}
	if _, err := a.db.Exec("UPDATE meta SET json = ? WHERE id = 1", doc); err != nil {
		return Metadata{}, fmt.Errorf("updating metadata: %w", err)
	}
	return meta, nil
}

// PageCount reports the number of stored pages.
func (a *Archive) PageCount() (int, error) {
	var n int
	err := a.db.QueryRow("SELECT COUNT(*) FROM pages").Scan(&n)
	return n, err
}

// ReadPage returns the text of one page. Pages are 1-indexed; out of range
// requests return ErrNotFound.
func (a *Archive) ReadPage(page int) (string, error) {
	var text string
	err := a.db.QueryRow("SELECT text FROM pages WHERE page = ?", page).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("page %d: %w", page, ErrNotFound)
	}
	return text, err
}

// Pages returns all page texts in order.
func (a *Archive) Pages() ([]string, error) {
	rows, err := a.db.Query("SELECT text FROM pages ORDER BY page")
	if err != nil {
		return nil, fmt.Errorf("reading pages: %w", err)
	}
	defer rows.Close()

	var pages []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		pages = append(pages, text)
	}
	return pages, rows.Err()
}

// ChunkCount reports the number of stored chunks; zero means the archive has
// not been valorized.
func (a *Archive) ChunkCount() (int, error) {
	var n int
	err := a.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&n)
	return n, err
}

// Chunks returns all chunks in index order, embeddings included.
func (a *Archive) Chunks() ([]Chunk, error) {
	var rows *sql.Rows
	var err error
	if a.version >= 2 {
		rows, err = a.db.Query(
			"SELECT idx, text, page, char_start, char_end, embedding FROM chunks ORDER BY idx")
	} else {
		rows, err = a.db.Query("SELECT idx, text, page, embedding FROM chunks ORDER BY idx")
	}
	if err != nil {
		return nil, fmt.Errorf("reading chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var blob []byte
		if a.version >= 2 {
			err = rows.Scan(&c.Index, &c.Text, &c.Page, &c.CharStart, &c.CharEnd, &blob)
		} else {
			err = rows.Scan(&c.Index, &c.Text, &c.Page, &blob)
		}
		if err != nil {
			return nil, err
		}
		if len(blob) > 0 {
			c.Embedding, err = f32.Decode(blob)
			if err != nil {
				return nil, fmt.Errorf("chunk %d: %w", c.Index, err)
			}
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// WriteChunks replaces the chunk table with the given set, recording the
// embedding model used. The write is idempotent: re-running valorization with
// the same chunks leaves the archive unchanged, and any stale rows beyond the
// new set are removed. Version 1 files are upgraded in place first.
func (a *Archive) WriteChunks(chunks []Chunk, model string, dim int) error {
	if err := a.upgrade(); err != nil {
		return err
	}

	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, c := range chunks {
		var blob []byte
		if len(c.Embedding) > 0 {
			blob = f32.Encode(c.Embedding)
		}
		_, err := tx.Exec(
			`INSERT INTO chunks (idx, text, page, char_start, char_end, embedding)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(idx) DO UPDATE SET
			   text = excluded.text, page = excluded.page,
			   char_start = excluded.char_start, char_end = excluded.char_end,
			   embedding = excluded.embedding`,
			i, c.Text, c.Page, c.CharStart, c.CharEnd, blob)
		if err != nil {
			return fmt.Errorf("writing chunk %d: %w", i, err)
		}
	}
	if _, err := tx.Exec("DELETE FROM chunks WHERE idx >= ?", len(chunks)); err != nil {
		return fmt.Errorf("trimming stale chunks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing chunks: %w", err)
	}

	if err := a.setAttr(attrEmbeddingModel, model); err != nil {
		return err
	}
	return a.setAttr(attrEmbeddingDim, fmt.Sprintf("%d", dim))
}

// upgrade brings a version 1 file to the current layout: chunk char offsets
// default to zero until the next valorization fills them in. Readers of old
// files work without upgrading; only writes trigger it.
func (a *Archive) upgrade() error {
	if a.version >= FormatVersion {
		return nil
	}
	stmts := []string{
		"ALTER TABLE chunks ADD COLUMN char_start INTEGER NOT NULL DEFAULT 0",
		"ALTER TABLE chunks ADD COLUMN char_end INTEGER NOT NULL DEFAULT 0",
		fmt.Sprintf("PRAGMA user_version = %d", FormatVersion),
	}
	for _, stmt := range stmts {
		if _, err := a.db.Exec(stmt); err != nil {
			return fmt.Errorf("upgrading archive format: %w", err)
		}
	}
	a.version = FormatVersion
	return nil
}
