package archive

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/folio/internal/filelock"
)

func testMeta(key string) Metadata {
	return Metadata{
		Key:         key,
		ContentHash: "hash-" + key,
		Title:       "A Study of " + key,
		Authors:     []string{"Doe, Jane"},
		FirstAuthor: "Doe, Jane",
		Year:        2024,
		PageCount:   2,
	}
}

type fakeHashes map[string]string

func (f fakeHashes) KeyForContentHash(hash string) (string, bool, error) {
	key, ok := f[hash]
	return key, ok, nil
}

func TestStoreCreateAndRead(t *testing.T) {
	store := NewStore(t.TempDir(), nil)

	a, err := store.Create(testMeta("doe2024study"), []string{"first page", "second page"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer a.Close()

	key, err := a.Key()
	if err != nil || key != "doe2024study" {
		t.Errorf("Key() = %q, %v", key, err)
	}
	meta, err := a.Meta()
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if meta.Title != "A Study of doe2024study" {
		t.Errorf("Title = %q", meta.Title)
	}
	if n, _ := a.PageCount(); n != 2 {
		t.Errorf("PageCount = %d, want 2", n)
	}
	text, err := a.ReadPage(2)
	if err != nil || text != "second page" {
		t.Errorf("ReadPage(2) = %q, %v", text, err)
	}
	if _, err := a.ReadPage(3); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadPage(3) err = %v, want ErrNotFound", err)
	}
	if a.Version() != FormatVersion {
		t.Errorf("Version = %d, want %d", a.Version(), FormatVersion)
	}
}

func TestStoreCreateShardsPath(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, nil)

	if _, err := store.Create(testMeta("doe2024study"), []string{"p"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := filepath.Join(dir, "d", "doe2024study.folio")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("archive not at %s: %v", want, err)
	}
}

func TestStoreCreateExistingKey(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	if _, err := store.Create(testMeta("doe2024study"), []string{"p"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := store.Create(testMeta("doe2024study"), []string{"p"})
	if !errors.Is(err, ErrExists) {
		t.Errorf("second Create err = %v, want ErrExists", err)
	}
}

func TestStoreCreateExistingKeyUnderContention(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	path := store.Path("doe2024study")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}

	// Hold the archive lock as a first creator would.
	lock, err := filelock.Acquire(path, filelock.Options{})
	if err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := store.Create(testMeta("doe2024study"), []string{"p"})
		errc <- err
	}()

	// The first creator lands its archive at the final path, then releases.
	a, err := create(path, testMeta("doe2024study"), []string{"original page"}, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	a.Close()
	lock.Release()

	// The second creator sees the file once it holds the lock.
	if err := <-errc; !errors.Is(err, ErrExists) {
		t.Errorf("contended Create err = %v, want ErrExists", err)
	}
	survivor, err := Open(path)
	if err != nil {
		t.Fatalf("first creator's archive gone: %v", err)
	}
	defer survivor.Close()
	pages, err := survivor.Pages()
	if err != nil || len(pages) != 1 || pages[0] != "original page" {
		t.Errorf("archive pages = %v, %v", pages, err)
	}
}

func TestStoreCreateDuplicateContent(t *testing.T) {
	hashes := fakeHashes{"hash-doe2024study": "doe2024study"}
	store := NewStore(t.TempDir(), hashes)

	meta := testMeta("smith2024other")
	meta.ContentHash = "hash-doe2024study"
	_, err := store.Create(meta, []string{"p"})

	var dup *DuplicateContentError
	if !errors.As(err, &dup) {
		t.Fatalf("Create err = %v, want DuplicateContentError", err)
	}
	if dup.ExistingKey != "doe2024study" {
		t.Errorf("ExistingKey = %q", dup.ExistingKey)
	}
}

func TestStoreOpenMissing(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	if _, err := store.Open("nope2024gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open err = %v, want ErrNotFound", err)
	}
}

func TestOpenCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.folio")
	if err := os.WriteFile(path, []byte("this is not a database"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path)
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Open err = %v, want CorruptError", err)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Errorf("corrupt file was removed: %v", statErr)
	}
}

func TestWriteChunksIdempotent(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	if _, err := store.Create(testMeta("doe2024study"), []string{"p1", "p2"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	chunks := []Chunk{
		{Text: "alpha", Page: 1, CharStart: 0, CharEnd: 5, Embedding: []float32{0.1, 0.2}},
		{Text: "beta", Page: 2, CharStart: 0, CharEnd: 4, Embedding: []float32{0.3, 0.4}},
	}
	for run := 0; run < 2; run++ {
		if err := store.WriteChunks("doe2024study", chunks, "test-model", 2); err != nil {
			t.Fatalf("WriteChunks run %d: %v", run, err)
		}
	}

	a, err := store.Open("doe2024study")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	got, err := a.Chunks()
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(got))
	}
	if got[0].Text != "alpha" || got[0].Page != 1 || got[0].CharEnd != 5 {
		t.Errorf("chunk 0 = %+v", got[0])
	}
	if len(got[1].Embedding) != 2 || got[1].Embedding[1] != 0.4 {
		t.Errorf("chunk 1 embedding = %v", got[1].Embedding)
	}
	if model, _ := a.EmbeddingModel(); model != "test-model" {
		t.Errorf("EmbeddingModel = %q", model)
	}
}

func TestWriteChunksTrimsStale(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	if _, err := store.Create(testMeta("doe2024study"), []string{"p1"}); err != nil {
		t.Fatal(err)
	}

	three := []Chunk{{Text: "a", Page: 1}, {Text: "b", Page: 1}, {Text: "c", Page: 1}}
	if err := store.WriteChunks("doe2024study", three, "m", 2); err != nil {
		t.Fatal(err)
	}
	one := []Chunk{{Text: "only", Page: 1}}
	if err := store.WriteChunks("doe2024study", one, "m", 2); err != nil {
		t.Fatal(err)
	}

	a, err := store.Open("doe2024study")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if n, _ := a.ChunkCount(); n != 1 {
		t.Errorf("ChunkCount = %d, want 1", n)
	}
}

func TestPatchMetadata(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	a, err := store.Create(testMeta("doe2024study"), []string{"p"})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	meta, err := a.PatchMetadata(map[string]any{"title": "Corrected Title", "year": 2023})
	if err != nil {
		t.Fatalf("PatchMetadata: %v", err)
	}
	if meta.Title != "Corrected Title" || meta.Year != 2023 {
		t.Errorf("patched meta = %+v", meta)
	}

	reread, err := a.Meta()
	if err != nil {
		t.Fatal(err)
	}
	if reread.Title != "Corrected Title" {
		t.Errorf("title not persisted: %q", reread.Title)
	}

	if _, err := a.PatchMetadata(map[string]any{"key": "other"}); err == nil {
		t.Error("patching key should fail")
	}
	if _, err := a.PatchMetadata(map[string]any{"title": "  "}); err == nil {
		t.Error("blanking title should fail")
	}
}

// writeV1Archive builds a file in the old layout: no char offset columns on
// chunks, user_version 1.
func writeV1Archive(t *testing.T, path string, meta Metadata) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	stmts := []string{
		"CREATE TABLE attrs (name TEXT PRIMARY KEY, value TEXT NOT NULL)",
		"CREATE TABLE meta (id INTEGER PRIMARY KEY CHECK (id = 1), json TEXT NOT NULL)",
		"CREATE TABLE pages (page INTEGER PRIMARY KEY, text TEXT NOT NULL)",
		"CREATE TABLE chunks (idx INTEGER PRIMARY KEY, text TEXT NOT NULL, page INTEGER NOT NULL, embedding BLOB)",
		"PRAGMA user_version = 1",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatal(err)
		}
	}
	doc, err := meta.marshal()
	if err != nil {
		t.Fatal(err)
	}
	mustExec(t, db, "INSERT INTO attrs (name, value) VALUES ('key', ?)", meta.Key)
	mustExec(t, db, "INSERT INTO attrs (name, value) VALUES ('content_hash', ?)", meta.ContentHash)
	mustExec(t, db, "INSERT INTO meta (id, json) VALUES (1, ?)", doc)
	mustExec(t, db, "INSERT INTO pages (page, text) VALUES (1, 'old page')")
	mustExec(t, db, "INSERT INTO chunks (idx, text, page) VALUES (0, 'old chunk', 1)")
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("%s: %v", query, err)
	}
}

func TestV1ArchiveReadsWithoutUpgrade(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "d", "doe2020old.folio")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	writeV1Archive(t, path, testMeta("doe2020old"))

	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open v1: %v", err)
	}
	defer a.Close()

	if a.Version() != 1 {
		t.Fatalf("Version = %d, want 1", a.Version())
	}
	chunks, err := a.Chunks()
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Text != "old chunk" {
		t.Errorf("chunks = %+v", chunks)
	}
	if chunks[0].CharStart != 0 || chunks[0].CharEnd != 0 {
		t.Errorf("v1 chunk offsets = %d..%d, want 0..0", chunks[0].CharStart, chunks[0].CharEnd)
	}
}

func TestV1ArchiveUpgradesOnWrite(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, nil)
	path := store.Path("doe2020old")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	writeV1Archive(t, path, testMeta("doe2020old"))

	chunks := []Chunk{{Text: "new chunk", Page: 1, CharStart: 3, CharEnd: 12, Embedding: []float32{1, 2}}}
	if err := store.WriteChunks("doe2020old", chunks, "m", 2); err != nil {
		t.Fatalf("WriteChunks on v1: %v", err)
	}

	a, err := store.Open("doe2020old")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if a.Version() != FormatVersion {
		t.Errorf("Version after write = %d, want %d", a.Version(), FormatVersion)
	}
	got, err := a.Chunks()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].CharStart != 3 || got[0].CharEnd != 12 {
		t.Errorf("upgraded chunks = %+v", got)
	}
}

func TestStoreList(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	for _, key := range []string{"doe2024study", "smith2023work", "_2022misc"} {
		meta := testMeta(key)
		if _, err := store.Create(meta, []string{"p"}); err != nil {
			t.Fatalf("Create %s: %v", key, err)
		}
	}

	found, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(found) != 3 {
		t.Fatalf("List = %v, want 3 keys", found)
	}
	seen := map[string]bool{}
	for _, k := range found {
		seen[k] = true
	}
	for _, want := range []string{"doe2024study", "smith2023work", "_2022misc"} {
		if !seen[want] {
			t.Errorf("List missing %s", want)
		}
	}
}

func TestStoreListEmptyRoot(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "never-created"), nil)
	found, err := store.List()
	if err != nil {
		t.Fatalf("List on missing root: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("List = %v, want empty", found)
	}
}

func TestStoreRemove(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	if _, err := store.Create(testMeta("doe2024study"), []string{"p"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Remove("doe2024study"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if store.Exists("doe2024study") {
		t.Error("archive still present after Remove")
	}
	if err := store.Remove("doe2024study"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove err = %v, want ErrNotFound", err)
	}
}

func TestDuplicateContentErrorMessage(t *testing.T) {
	err := &DuplicateContentError{ContentHash: "abcdef1234567890", ExistingKey: "doe2024study"}
	msg := err.Error()
	if msg == "" {
		t.Fatal("empty message")
	}
	if want := "doe2024study"; !strings.Contains(msg, want) {
		t.Errorf("message %q does not mention %q", msg, want)
	}
}
