package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/folio/internal/filelock"
	"github.com/kalambet/folio/internal/keys"
)

// Ext is the archive file extension.
const Ext = ".folio"

// HashIndex answers whether a content hash is already archived. The catalog
// implements it; the indirection keeps the store free of catalog imports.
type HashIndex interface {
	KeyForContentHash(hash string) (string, bool, error)
}

// Store manages the archive directory tree: one .folio file per document,
// sharded by the first character of the key.
type Store struct {
	root   string
	hashes HashIndex
}

// NewStore returns a store rooted at dir. hashes may be nil, in which case
// content dedup checks are skipped (used by rebuild, which trusts the files).
func NewStore(dir string, hashes HashIndex) *Store {
	return &Store{root: dir, hashes: hashes}
}

// Path returns where the archive for key lives, whether or not it exists.
func (s *Store) Path(key string) string {
	return filepath.Join(s.root, keys.Shard(key), key+Ext)
}

// Exists reports whether an archive file is present for key.
func (s *Store) Exists(key string) bool {
	_, err := os.Stat(s.Path(key))
	return err == nil
}

// Create writes a new archive for the document. It refuses to overwrite an
// existing key (ErrExists) and rejects content already archived under another
// key (DuplicateContentError). The file is assembled under a temporary name
// and renamed into place so a crash never leaves a half-written archive at
// the final path.
func (s *Store) Create(meta Metadata, pages []string) (*Archive, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	path := s.Path(meta.Key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating shard directory: %w", err)
	}

	lock, err := filelock.Acquire(path, filelock.Options{})
	if err != nil {
		return nil, fmt.Errorf("locking archive: %w", err)
	}
	defer lock.Release()

	// Existence and dedup checks run under the lock, so a concurrent
	// creator of the same key cannot slip past them and replace the
	// archive the first writer just renamed into place.
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("archive for %s: %w", meta.Key, ErrExists)
	}
	if s.hashes != nil {
		existing, found, err := s.hashes.KeyForContentHash(meta.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("checking content hash: %w", err)
		}
		if found && existing != meta.Key {
			return nil, &DuplicateContentError{ContentHash: meta.ContentHash, ExistingKey: existing}
		}
	}

	tmp := path + ".tmp"
	os.Remove(tmp)
	a, err := create(tmp, meta, pages, "", 0)
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := a.Close(); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("placing archive: %w", err)
	}
	return Open(path)
}

// Open opens the archive for key, returning ErrNotFound when no file exists.
func (s *Store) Open(key string) (*Archive, error) {
	path := s.Path(key)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("archive for %s: %w", key, ErrNotFound)
	}
	return Open(path)
}

// WriteChunks opens the archive for key under its write lock and replaces
// its chunk table.
func (s *Store) WriteChunks(key string, chunks []Chunk, model string, dim int) error {
	path := s.Path(key)
	lock, err := filelock.Acquire(path, filelock.Options{})
	if err != nil {
		return fmt.Errorf("locking archive: %w", err)
	}
	defer lock.Release()

	a, err := s.Open(key)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.WriteChunks(chunks, model, dim)
}

// Remove deletes the archive file for key under its write lock. Missing
// files are ErrNotFound.
func (s *Store) Remove(key string) error {
	path := s.Path(key)
	lock, err := filelock.Acquire(path, filelock.Options{})
	if err != nil {
		return fmt.Errorf("locking archive: %w", err)
	}
	defer lock.Release()

	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("archive for %s: %w", key, ErrNotFound)
	}
	return err
}

// List walks the archive tree and returns every document key found, in no
// particular order. Files that do not carry the archive extension are
// ignored, as are leftover temp files.
func (s *Store) List() ([]string, error) {
	var found []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), Ext) {
			return nil
		}
		found = append(found, strings.TrimSuffix(d.Name(), Ext))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking archive tree: %w", err)
	}
	return found, nil
}
