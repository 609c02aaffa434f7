// Package vectorindex stores chunk embeddings and answers similarity
// queries. Like the catalog it is derived state, rebuildable from the
// archive tree.
package vectorindex

// Index is the interface for embedding storage and similarity search
// backends. The default implementation uses SQLite with brute-force cosine
// similarity, which is comfortable at personal-library scale; an
// ANN-capable backend can replace it behind this interface if the library
// outgrows that.
type Index interface {
	// Upsert writes entries, replacing any existing entries with the same ID.
	Upsert(entries []Entry) error

	// Query returns the top-K entries most similar to vector, optionally
	// restricted by filter.
	Query(vector []float32, topK int, filter Filter) ([]ScoredEntry, error)

	// DeleteKey removes every entry belonging to a document key.
	DeleteKey(key string) error

	// DeleteAll clears the index. Used by full rebuilds.
	DeleteAll() error

	// CountByKey returns the number of entries stored for a document key.
	CountByKey(key string) (int, error)

	// Count returns the total number of entries.
	Count() (int, error)

	Close() error
}

// Entry is one indexed chunk. ID is "<key>#<chunk index>" so rebuilds and
// re-valorizations overwrite in place.
type Entry struct {
	ID        string
	Key       string
	Page      int
	CharStart int
	CharEnd   int
	Text      string
	Vector    []float32
}

// ScoredEntry is an Entry with a cosine similarity score attached.
type ScoredEntry struct {
	Entry
	Score float32
}

// Filter narrows a query. Zero values mean no restriction.
type Filter struct {
	Key string // restrict to one document
}
