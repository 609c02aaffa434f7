package reconcile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalambet/folio/internal/archive"
	"github.com/kalambet/folio/internal/bibrec"
	"github.com/kalambet/folio/internal/catalog"
	"github.com/kalambet/folio/internal/vectorindex"
)

type fixture struct {
	archives   *archive.Store
	cat        *catalog.Catalog
	index      *vectorindex.SQLiteIndex
	records    *bibrec.Store
	reconciler *Reconciler
	archiveDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })

	idx, err := vectorindex.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })

	dir := t.TempDir()
	archives := archive.NewStore(dir, nil)
	records := bibrec.NewStore(filepath.Join(t.TempDir(), "records.yaml"))

	return &fixture{
		archives:   archives,
		cat:        cat,
		index:      idx,
		records:    records,
		reconciler: New(archives, cat, idx, records),
		archiveDir: dir,
	}
}

// createArchive writes an archive with the given number of valorized chunks
// (0 means not yet valorized) and a matching bibliographic record.
func (f *fixture) createArchive(t *testing.T, key string, chunkCount int) {
	t.Helper()
	meta := archive.Metadata{
		Key: key, ContentHash: "hash-" + key, Title: "Title " + key,
		FirstAuthor: "Doe, Jane", Year: 2024, PageCount: 1,
		IngestedAt: time.Now().UTC().Format(time.RFC3339),
	}
	a, err := f.archives.Create(meta, []string{"page text for " + key})
	if err != nil {
		t.Fatal(err)
	}
	a.Close()

	if chunkCount > 0 {
		chunks := make([]archive.Chunk, chunkCount)
		for i := range chunks {
			chunks[i] = archive.Chunk{
				Index: i, Text: fmt.Sprintf("chunk %d", i), Page: 1,
				Embedding: []float32{float32(i), 1, 2},
			}
		}
		if err := f.archives.WriteChunks(key, chunks, "test-model", 3); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.records.Write(bibrec.Record{Key: key, ContentHash: "hash-" + key, Title: "Title " + key}); err != nil {
		t.Fatal(err)
	}
}

func TestRebuildAllFromArchives(t *testing.T) {
	f := newFixture(t)
	f.createArchive(t, "doe2024study", 3)
	f.createArchive(t, "smith2023work", 0)

	res, err := f.reconciler.Rebuild(ScopeAll)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if res.CatalogRows != 2 || res.VectorEntries != 3 || res.MissingChunks != 1 {
		t.Errorf("Result = %+v", res)
	}

	doc, err := f.cat.GetByKey("doe2024study")
	if err != nil {
		t.Fatalf("catalog row missing: %v", err)
	}
	if doc.ContentHash != "hash-doe2024study" || !doc.Valorized() {
		t.Errorf("doc = %+v", doc)
	}
	unvalorized, err := f.cat.GetByKey("smith2023work")
	if err != nil {
		t.Fatal(err)
	}
	if unvalorized.Valorized() {
		t.Error("chunkless archive marked valorized")
	}

	if n, _ := f.index.CountByKey("doe2024study"); n != 3 {
		t.Errorf("index entries = %d, want 3", n)
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.createArchive(t, "doe2024study", 4)

	first, err := f.reconciler.Rebuild(ScopeAll)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.reconciler.Rebuild(ScopeAll)
	if err != nil {
		t.Fatal(err)
	}
	if first.CatalogRows != second.CatalogRows || first.VectorEntries != second.VectorEntries {
		t.Errorf("passes differ: %+v vs %+v", first, second)
	}

	stats, err := f.cat.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Archived != 1 {
		t.Errorf("Archived = %d after double rebuild", stats.Archived)
	}
	if n, _ := f.index.Count(); n != 4 {
		t.Errorf("index count = %d after double rebuild, want 4", n)
	}
}

func TestRebuildRestoresDeletedDerivedState(t *testing.T) {
	f := newFixture(t)
	f.createArchive(t, "doe2024study", 5)

	if _, err := f.reconciler.Rebuild(ScopeAll); err != nil {
		t.Fatal(err)
	}
	before, err := f.cat.GetByKey("doe2024study")
	if err != nil {
		t.Fatal(err)
	}

	// Wipe both derived stores entirely.
	if err := f.cat.DeleteAll(); err != nil {
		t.Fatal(err)
	}
	if err := f.index.DeleteAll(); err != nil {
		t.Fatal(err)
	}

	if _, err := f.reconciler.Rebuild(ScopeAll); err != nil {
		t.Fatal(err)
	}
	after, err := f.cat.GetByKey("doe2024study")
	if err != nil {
		t.Fatalf("row not restored: %v", err)
	}
	if after.Key != before.Key || after.ContentHash != before.ContentHash || after.PageCount != before.PageCount {
		t.Errorf("restored row differs: %+v vs %+v", after, before)
	}
	if n, _ := f.index.CountByKey("doe2024study"); n != 5 {
		t.Errorf("index entries = %d, want 5", n)
	}
}

func TestRebuildSingleKey(t *testing.T) {
	f := newFixture(t)
	f.createArchive(t, "doe2024study", 2)
	f.createArchive(t, "smith2023work", 2)

	res, err := f.reconciler.Rebuild("doe2024study")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if res.CatalogRows != 1 || res.VectorEntries != 2 {
		t.Errorf("Result = %+v", res)
	}
	// The other key was untouched.
	if _, err := f.cat.GetByKey("smith2023work"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("unexpected row for untouched key: %v", err)
	}

	if _, err := f.reconciler.Rebuild("missing2020key"); !errors.Is(err, archive.ErrNotFound) {
		t.Errorf("missing scope err = %v", err)
	}
}

func TestRebuildSingleKeyDropsStaleEntries(t *testing.T) {
	f := newFixture(t)
	f.createArchive(t, "doe2024study", 2)

	// Index entries from a longer, earlier chunking of the same document.
	extra := make([]vectorindex.Entry, 3)
	for i := range extra {
		extra[i] = vectorindex.Entry{
			ID:     fmt.Sprintf("doe2024study#%d", 2+i),
			Key:    "doe2024study",
			Text:   "stale",
			Vector: []float32{0, 1, 2},
		}
	}
	if err := f.index.Upsert(extra); err != nil {
		t.Fatal(err)
	}

	res, err := f.reconciler.Rebuild("doe2024study")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if res.VectorEntries != 2 {
		t.Errorf("Result = %+v", res)
	}
	if n, _ := f.index.CountByKey("doe2024study"); n != 2 {
		t.Errorf("index entries = %d after single-key rebuild, want 2", n)
	}
}

func TestRebuildFlagsRecordWithoutArchive(t *testing.T) {
	f := newFixture(t)
	f.createArchive(t, "doe2024study", 1)

	// A half-committed ingest: record written, archive never created.
	if err := f.records.Write(bibrec.Record{Key: "lost2022paper", ContentHash: "h2", Title: "Lost"}); err != nil {
		t.Fatal(err)
	}

	res, err := f.reconciler.Rebuild(ScopeAll)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inconsistent != 1 {
		t.Errorf("Inconsistent = %d, want 1", res.Inconsistent)
	}

	rec, _, err := f.records.Get("lost2022paper")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.HasFlag(bibrec.FlagInconsistent) {
		t.Error("orphan record not flagged")
	}
	// The record itself was not deleted.
	if _, found, _ := f.records.Get("lost2022paper"); !found {
		t.Error("orphan record was removed")
	}
}

func TestRebuildClearsFlagWhenArchiveReturns(t *testing.T) {
	f := newFixture(t)

	if err := f.records.Write(bibrec.Record{Key: "doe2024study", ContentHash: "hash-doe2024study", Title: "T"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reconciler.Rebuild(ScopeAll); err != nil {
		t.Fatal(err)
	}
	rec, _, _ := f.records.Get("doe2024study")
	if !rec.HasFlag(bibrec.FlagInconsistent) {
		t.Fatal("record without archive not flagged")
	}

	// The archive shows up (e.g. restored from backup); the flag clears.
	meta := archive.Metadata{Key: "doe2024study", ContentHash: "hash-doe2024study", Title: "T"}
	a, err := f.archives.Create(meta, []string{"page"})
	if err != nil {
		t.Fatal(err)
	}
	a.Close()

	if _, err := f.reconciler.Rebuild(ScopeAll); err != nil {
		t.Fatal(err)
	}
	rec, _, _ = f.records.Get("doe2024study")
	if rec.HasFlag(bibrec.FlagInconsistent) {
		t.Error("flag not cleared after archive returned")
	}
}

func TestRebuildSkipsCorruptArchive(t *testing.T) {
	f := newFixture(t)
	f.createArchive(t, "doe2024study", 1)

	// Drop a garbage file into the tree under a valid name.
	badPath := filepath.Join(f.archiveDir, "x", "xu2020bad.folio")
	if err := os.MkdirAll(filepath.Dir(badPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(badPath, []byte("not a database"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := f.reconciler.Rebuild(ScopeAll)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if res.Corrupt != 1 || res.CatalogRows != 1 {
		t.Errorf("Result = %+v", res)
	}
	// The corrupt file is surfaced, never deleted.
	if _, err := os.Stat(badPath); err != nil {
		t.Errorf("corrupt archive removed: %v", err)
	}
}

func TestFullRebuildDropsStaleRows(t *testing.T) {
	f := newFixture(t)
	f.createArchive(t, "doe2024study", 1)

	// A stale catalog row pointing at an archive that no longer exists.
	if err := f.cat.Upsert(catalog.Document{
		Key: "gone2019paper", ContentHash: "h9", Title: "Gone",
		ArchivePath: "/nowhere", IngestedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.reconciler.Rebuild(ScopeAll); err != nil {
		t.Fatal(err)
	}
	if _, err := f.cat.GetByKey("gone2019paper"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("stale row survived full rebuild: %v", err)
	}
}
