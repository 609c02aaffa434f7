package archive

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no archive exists for a key.
var ErrNotFound = errors.New("archive not found")

// ErrExists is returned by Create when an archive for the key already exists.
var ErrExists = errors.New("archive already exists")

// DuplicateContentError is returned by Create when another archive already
// holds the same content hash under a different key. The same source document
// must never be stored twice.
type DuplicateContentError struct {
	ContentHash string
	ExistingKey string
}

func (e *DuplicateContentError) Error() string {
	return fmt.Sprintf("content hash %s already archived under key %q; no new archive was created",
		shortHash(e.ContentHash), e.ExistingKey)
}

// CorruptError marks an archive file that exists but cannot be read as a
// versioned archive. Corrupt archives are surfaced, never deleted.
type CorruptError struct {
	Path   string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("archive %s is corrupt: %s (file left in place for inspection)", e.Path, e.Reason)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
