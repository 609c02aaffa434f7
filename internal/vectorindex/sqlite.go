package vectorindex

import (
	"container/heap"
	"database/sql"
	"fmt"
	"math"

	_ "modernc.org/sqlite"

	"github.com/kalambet/folio/internal/f32"
)

// Compile-time check that SQLiteIndex implements Index.
var _ Index = (*SQLiteIndex)(nil)

// SQLiteIndex is the default Index backend: a single SQLite file scanned
// brute-force per query. At a few hundred documents with a few hundred
// chunks each, a full scan stays well under query latency anyone notices.
type SQLiteIndex struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS vectors (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL,
	page INTEGER NOT NULL,
	char_start INTEGER NOT NULL,
	char_end INTEGER NOT NULL,
	text TEXT NOT NULL,
	embedding BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vectors_key ON vectors(key);
`

// Open opens (or creates) the vector index at path. Pass ":memory:" for an
// in-memory index (used by tests).
func Open(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening vector index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging vector index: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vector schema: %w", err)
	}
	return &SQLiteIndex{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

// Upsert writes entries in one transaction, replacing rows with matching IDs.
func (s *SQLiteIndex) Upsert(entries []Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO vectors (id, key, page, char_start, char_end, text, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			key = excluded.key, page = excluded.page,
			char_start = excluded.char_start, char_end = excluded.char_end,
			text = excluded.text, embedding = excluded.embedding`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		blob := f32.Encode(e.Vector)
		if _, err := stmt.Exec(e.ID, e.Key, e.Page, e.CharStart, e.CharEnd, e.Text, blob); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting entry %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// idScore holds only the ID and score during the scan phase of Query. Full
// rows are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Query performs brute-force cosine similarity search, returning the top-K
// most similar entries.
func (s *SQLiteIndex) Query(vector []float32, topK int, filter Filter) ([]ScoredEntry, error) {
	queryNorm := norm(vector)
	if queryNorm == 0 || topK <= 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	scan := "SELECT id, embedding FROM vectors"
	var args []any
	if filter.Key != "" {
		scan += " WHERE key = ?"
		args = append(args, filter.Key)
	}
	rows, err := s.db.Query(scan, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = f32.DecodeInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full rows only for the winners, best first.
	results := make([]ScoredEntry, h.Len())
	for i := h.Len() - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		e, err := s.get(item.ID)
		if err != nil {
			return nil, err
		}
		results[i] = ScoredEntry{Entry: e, Score: item.Score}
	}
	return results, nil
}

func (s *SQLiteIndex) get(id string) (Entry, error) {
	var e Entry
	var blob []byte
	err := s.db.QueryRow(`
		SELECT id, key, page, char_start, char_end, text, embedding
		FROM vectors WHERE id = ?`, id,
	).Scan(&e.ID, &e.Key, &e.Page, &e.CharStart, &e.CharEnd, &e.Text, &blob)
	if err != nil {
		return Entry{}, fmt.Errorf("fetching entry %s: %w", id, err)
	}
	if e.Vector, err = f32.Decode(blob); err != nil {
		return Entry{}, fmt.Errorf("decoding embedding for %s: %w", id, err)
	}
	return e, nil
}

// DeleteKey removes every entry belonging to key.
func (s *SQLiteIndex) DeleteKey(key string) error {
	_, err := s.db.Exec("DELETE FROM vectors WHERE key = ?", key)
	return err
}

// DeleteAll clears the index.
func (s *SQLiteIndex) DeleteAll() error {
	_, err := s.db.Exec("DELETE FROM vectors")
	return err
}

// CountByKey returns the number of entries stored for key.
func (s *SQLiteIndex) CountByKey(key string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM vectors WHERE key = ?", key).Scan(&n)
	return n, err
}

// Count returns the total number of entries.
func (s *SQLiteIndex) Count() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM vectors").Scan(&n)
	return n, err
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * bNorm) with aNorm precomputed.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score, used to track top-K
// candidates during the scan phase.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
