// Package bibrec keeps the human-readable bibliographic ledger, a YAML file
// at the vault root. It is the durability checkpoint of ingest: once a
// record is written, the document is considered part of the library even if
// a later step of the commit fails.
package bibrec

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/folio/internal/filelock"
)

// Flags a record can carry.
const (
	// FlagInconsistent marks a record whose archive is missing or unreadable.
	// Cleared when a rebuild finds the archive again.
	FlagInconsistent = "inconsistent"

	// FlagPlaceholder marks a record written at the start of a commit that
	// did not finish. A retry of the same document reuses the key.
	FlagPlaceholder = "placeholder"
)

// Record is one bibliographic entry.
type Record struct {
	Key         string   `yaml:"key"`
	ContentHash string   `yaml:"content_hash"`
	Title       string   `yaml:"title"`
	Authors     []string `yaml:"authors,omitempty"`
	Year        int      `yaml:"year,omitempty"`
	Journal     string   `yaml:"journal,omitempty"`
	DOI         string   `yaml:"doi,omitempty"`
	IngestedAt  string   `yaml:"ingested_at,omitempty"`
	Flags       []string `yaml:"flags,omitempty"`
}

// HasFlag reports whether the record carries flag.
func (r Record) HasFlag(flag string) bool {
	return slices.Contains(r.Flags, flag)
}

// Store reads and writes the records file. Every mutation loads the file,
// applies the change, and writes the whole file back under a lock via a
// temp-and-rename, so the file on disk is always complete YAML.
type Store struct {
	path string
}

// NewStore returns a store over the records file at path. The file does not
// need to exist yet.
func NewStore(path string) *Store {
	return &Store{path: path}
}

type recordsFile struct {
	Records map[string]Record `yaml:"records"`
}

func (s *Store) load() (recordsFile, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return recordsFile{Records: map[string]Record{}}, nil
	}
	if err != nil {
		return recordsFile{}, fmt.Errorf("reading records file: %w", err)
	}
	var f recordsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return recordsFile{}, fmt.Errorf("parsing records file: %w", err)
	}
	if f.Records == nil {
		f.Records = map[string]Record{}
	}
	return f, nil
}

func (s *Store) save(f recordsFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding records file: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing records file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("placing records file: %w", err)
	}
	return nil
}

// mutate runs fn against the loaded records under the file lock and saves
// the result if fn reports a change.
func (s *Store) mutate(fn func(records map[string]Record) (bool, error)) error {
	lock, err := filelock.Acquire(s.path, filelock.Options{})
	if err != nil {
		return fmt.Errorf("locking records file: %w", err)
	}
	defer lock.Release()

	f, err := s.load()
	if err != nil {
		return err
	}
	changed, err := fn(f.Records)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return s.save(f)
}

// Write inserts or replaces the record for its key.
func (s *Store) Write(rec Record) error {
	if strings.TrimSpace(rec.Key) == "" {
		return fmt.Errorf("record has empty key")
	}
	if rec.IngestedAt == "" {
		rec.IngestedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return s.mutate(func(records map[string]Record) (bool, error) {
		records[rec.Key] = rec
		return true, nil
	})
}

// Get returns the record for key, with found false when it does not exist.
func (s *Store) Get(key string) (Record, bool, error) {
	f, err := s.load()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := f.Records[key]
	return rec, ok, nil
}

// List returns all records sorted by key.
func (s *Store) List() ([]Record, error) {
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(f.Records))
	for _, rec := range f.Records {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b Record) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out, nil
}

// SetFlag adds or removes a flag on the record for key.
func (s *Store) SetFlag(key, flag string, on bool) error {
	return s.mutate(func(records map[string]Record) (bool, error) {
		rec, ok := records[key]
		if !ok {
			return false, fmt.Errorf("no record for %s", key)
		}
		has := rec.HasFlag(flag)
		if has == on {
			return false, nil
		}
		if on {
			rec.Flags = append(rec.Flags, flag)
		} else {
			rec.Flags = slices.DeleteFunc(rec.Flags, func(f string) bool { return f == flag })
			if len(rec.Flags) == 0 {
				rec.Flags = nil
			}
		}
		records[key] = rec
		return true, nil
	})
}

// Delete removes the record for key, a no-op when absent.
func (s *Store) Delete(key string) error {
	return s.mutate(func(records map[string]Record) (bool, error) {
		if _, ok := records[key]; !ok {
			return false, nil
		}
		delete(records, key)
		return true, nil
	})
}
