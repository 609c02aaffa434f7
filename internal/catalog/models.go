package catalog

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document is one catalog row. The row is derived from the document's
// archive; a rebuild regenerates all of them from the archive tree.
type Document struct {
	Key          string
	ContentHash  string
	Title        string
	FirstAuthor  string
	Year         int
	DOI          string
	PageCount    int
	ArchivePath  string
	IngestedAt   time.Time
	ValorizedAt  time.Time // zero until the first valorization completes
	Inconsistent bool
}

// Valorized reports whether the document's chunks and embeddings have been
// written.
func (d Document) Valorized() bool {
	return !d.ValorizedAt.IsZero()
}

// JobTypeValorize is the background job that chunks and embeds a document.
const JobTypeValorize = "valorize"

type Job struct {
	ID          string
	Type        string
	Key         string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Stats summarizes the library for the stats surfaces.
type Stats struct {
	Archived     int `json:"archived"`
	Valorized    int `json:"valorized"`
	Pending      int `json:"pending"`
	Inconsistent int `json:"inconsistent"`
}
