package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kalambet/folio/internal/archive"
	"github.com/kalambet/folio/internal/bibrec"
	"github.com/kalambet/folio/internal/catalog"
	"github.com/kalambet/folio/internal/extract"
	"github.com/kalambet/folio/internal/lookup"
)

// fakeLookup returns a canned registry answer and remembers the query.
type fakeLookup struct {
	res   lookup.Result
	found bool
	err   error
	query string
}

func (f *fakeLookup) Lookup(_ context.Context, query string) (lookup.Result, bool, error) {
	f.query = query
	return f.res, f.found, f.err
}

// fakeExtractor returns canned pages regardless of the file content.
type fakeExtractor struct {
	doc extract.Document
	err error
}

func (f *fakeExtractor) ExtractFile(path string) (extract.Document, error) {
	if f.err != nil {
		return extract.Document{}, f.err
	}
	return f.doc, nil
}

type fixture struct {
	pipeline *Pipeline
	archives *archive.Store
	cat      *catalog.Catalog
	records  *bibrec.Store
	vault    string
}

func newFixture(t *testing.T, ex extract.Extractor) *fixture {
	t.Helper()
	vault := t.TempDir()
	staging := filepath.Join(vault, "staging")
	pdfDir := filepath.Join(vault, "pdf")
	for _, dir := range []string{staging, pdfDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })

	archives := archive.NewStore(filepath.Join(vault, "archive"), cat)
	records := bibrec.NewStore(filepath.Join(vault, "records.yaml"))

	return &fixture{
		pipeline: New(staging, pdfDir, ex, archives, cat, records, nil),
		archives: archives,
		cat:      cat,
		records:  records,
		vault:    vault,
	}
}

func writeSource(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paper.pdf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func standardExtractor() *fakeExtractor {
	return &fakeExtractor{doc: extract.Document{
		Title:  "Reconciliation of Deep Archives",
		Author: "Jane Doe",
		Year:   2024,
		Pages:  []string{"First page text.", "Second page text."},
	}}
}

func TestProposeStagesAndSuggests(t *testing.T) {
	f := newFixture(t, standardExtractor())

	prop, err := f.pipeline.Propose(context.Background(), writeSource(t, "pdf-bytes"))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if prop.SuggestedKey != "doe2024reconciliation" {
		t.Errorf("SuggestedKey = %q", prop.SuggestedKey)
	}
	if prop.ContentHash == "" || prop.PageCount != 2 {
		t.Errorf("proposal = %+v", prop)
	}
	if prop.ExistingKey != "" {
		t.Errorf("ExistingKey = %q for fresh content", prop.ExistingKey)
	}

	// Staged source and proposal are on disk.
	dir := filepath.Join(f.vault, "staging", prop.ID)
	for _, name := range []string{"source.pdf", "proposal.json", "pages.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("staging missing %s: %v", name, err)
		}
	}

	// The original source was not consumed.
	staged, err := f.pipeline.ListStaged()
	if err != nil || len(staged) != 1 {
		t.Errorf("ListStaged = %v, %v", staged, err)
	}
}

func TestProposeEnrichesFromRegistry(t *testing.T) {
	// Extraction got the title but neither author nor year.
	f := newFixture(t, &fakeExtractor{doc: extract.Document{
		Title: "Reconciliation of Deep Archives",
		Pages: []string{"First page text."},
	}})
	lk := &fakeLookup{found: true, res: lookup.Result{
		Title:   "Reconciliation of Deep Archives",
		Authors: []string{"Doe, Jane", "Smith, Alex"},
		Year:    2024,
		Journal: "Journal of Library Systems",
		DOI:     "10.1000/jls.2024.17",
	}}
	f.pipeline.lookup = lk

	prop, err := f.pipeline.Propose(context.Background(), writeSource(t, "pdf-bytes"))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if lk.query != "Reconciliation of Deep Archives" {
		t.Errorf("lookup query = %q", lk.query)
	}
	if prop.Author != "Doe, Jane" || prop.Year != 2024 {
		t.Errorf("proposal not enriched: %+v", prop)
	}
	if prop.Journal != "Journal of Library Systems" || prop.DOI != "10.1000/jls.2024.17" {
		t.Errorf("proposal = %+v", prop)
	}
	// The key suggestion uses the enriched author and year.
	if prop.SuggestedKey != "doe2024reconciliation" {
		t.Errorf("SuggestedKey = %q", prop.SuggestedKey)
	}

	// Registry fields flow through commit into the bibliographic record.
	key, err := f.pipeline.Commit(context.Background(), prop.ID, CommitInput{})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	rec, found, err := f.records.Get(key)
	if err != nil || !found {
		t.Fatalf("record for %s: %v, %v", key, found, err)
	}
	if rec.Journal != "Journal of Library Systems" || rec.DOI != "10.1000/jls.2024.17" {
		t.Errorf("record = %+v", rec)
	}
}

func TestProposeKeepsExtractedFieldsOverRegistry(t *testing.T) {
	f := newFixture(t, standardExtractor())
	lk := &fakeLookup{found: true, res: lookup.Result{
		Title:   "Reconciliation of Deep Archives",
		Authors: []string{"Wrong, Name"},
		Year:    1999,
	}}
	f.pipeline.lookup = lk

	prop, err := f.pipeline.Propose(context.Background(), writeSource(t, "pdf-bytes"))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if prop.Author != "Jane Doe" || prop.Year != 2024 {
		t.Errorf("registry overwrote extracted fields: %+v", prop)
	}
}

func TestProposeToleratesRegistryFailure(t *testing.T) {
	f := newFixture(t, standardExtractor())
	f.pipeline.lookup = &fakeLookup{err: errors.New("registry unreachable")}

	prop, err := f.pipeline.Propose(context.Background(), writeSource(t, "pdf-bytes"))
	if err != nil {
		t.Fatalf("Propose with failing registry: %v", err)
	}
	if prop.SuggestedKey != "doe2024reconciliation" {
		t.Errorf("SuggestedKey = %q", prop.SuggestedKey)
	}
}

func TestProposeCleansUpOnExtractFailure(t *testing.T) {
	f := newFixture(t, &fakeExtractor{err: errors.New("unreadable")})

	_, err := f.pipeline.Propose(context.Background(), writeSource(t, "pdf-bytes"))
	if err == nil {
		t.Fatal("expected extraction error")
	}
	entries, _ := os.ReadDir(filepath.Join(f.vault, "staging"))
	if len(entries) != 0 {
		t.Errorf("staging not cleaned: %v", entries)
	}
}

func TestDiscard(t *testing.T) {
	f := newFixture(t, standardExtractor())
	prop, err := f.pipeline.Propose(context.Background(), writeSource(t, "pdf-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.pipeline.Discard(prop.ID); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := f.pipeline.Load(prop.ID); !errors.Is(err, ErrProposalNotFound) {
		t.Errorf("Load after discard: %v", err)
	}
	if err := f.pipeline.Discard(prop.ID); !errors.Is(err, ErrProposalNotFound) {
		t.Errorf("second Discard: %v", err)
	}
}

func TestCommitHappyPath(t *testing.T) {
	f := newFixture(t, standardExtractor())
	prop, err := f.pipeline.Propose(context.Background(), writeSource(t, "pdf-bytes"))
	if err != nil {
		t.Fatal(err)
	}

	key, err := f.pipeline.Commit(context.Background(), prop.ID, CommitInput{})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if key != "doe2024reconciliation" {
		t.Errorf("key = %q", key)
	}

	// Archive exists and is readable.
	a, err := f.archives.Open(key)
	if err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	defer a.Close()
	if n, _ := a.PageCount(); n != 2 {
		t.Errorf("PageCount = %d", n)
	}
	if n, _ := a.ChunkCount(); n != 0 {
		t.Errorf("fresh archive has %d chunks", n)
	}

	// Catalog row exists.
	row, err := f.cat.GetByKey(key)
	if err != nil {
		t.Fatalf("catalog row missing: %v", err)
	}
	if row.ContentHash != prop.ContentHash || row.PageCount != 2 {
		t.Errorf("row = %+v", row)
	}

	// Bibliographic record exists without the placeholder flag.
	rec, found, err := f.records.Get(key)
	if err != nil || !found {
		t.Fatalf("record missing: %v", err)
	}
	if rec.HasFlag(bibrec.FlagPlaceholder) {
		t.Error("committed record still flagged placeholder")
	}

	// The PDF landed in permanent storage, staging is gone.
	pdfPath := filepath.Join(f.vault, "pdf", "d", key+".pdf")
	if _, err := os.Stat(pdfPath); err != nil {
		t.Errorf("pdf not placed: %v", err)
	}
	if _, err := f.pipeline.Load(prop.ID); !errors.Is(err, ErrProposalNotFound) {
		t.Errorf("staging survived commit: %v", err)
	}

	// A valorization job is queued.
	job, err := f.cat.ClaimNextJob()
	if err != nil || job == nil || job.Key != key {
		t.Errorf("job = %+v, %v", job, err)
	}
}

func TestCommitDuplicateContent(t *testing.T) {
	f := newFixture(t, standardExtractor())

	first, err := f.pipeline.Propose(context.Background(), writeSource(t, "same-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.pipeline.Commit(context.Background(), first.ID, CommitInput{}); err != nil {
		t.Fatal(err)
	}

	// Byte-identical file under a different key.
	second, err := f.pipeline.Propose(context.Background(), writeSource(t, "same-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if second.ExistingKey != "doe2024reconciliation" {
		t.Errorf("proposal should surface existing key, got %q", second.ExistingKey)
	}

	_, err = f.pipeline.Commit(context.Background(), second.ID, CommitInput{Key: "doe2024reconciliationb"})
	var dup *archive.DuplicateContentError
	if !errors.As(err, &dup) {
		t.Fatalf("Commit err = %v, want DuplicateContentError", err)
	}
	if dup.ExistingKey != "doe2024reconciliation" {
		t.Errorf("ExistingKey = %q", dup.ExistingKey)
	}
	if f.archives.Exists("doe2024reconciliationb") {
		t.Error("duplicate content created an archive")
	}
}

func TestCommitDuplicateKey(t *testing.T) {
	f := newFixture(t, standardExtractor())

	first, err := f.pipeline.Propose(context.Background(), writeSource(t, "bytes-one"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.pipeline.Commit(context.Background(), first.ID, CommitInput{Key: "doe2024paper"}); err != nil {
		t.Fatal(err)
	}

	second, err := f.pipeline.Propose(context.Background(), writeSource(t, "bytes-two"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.pipeline.Commit(context.Background(), second.ID, CommitInput{Key: "doe2024paper"})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("Commit err = %v, want ErrDuplicateKey", err)
	}
}

func TestCommitReusesPlaceholder(t *testing.T) {
	f := newFixture(t, standardExtractor())

	// A placeholder record reserves the key ahead of time.
	if err := f.records.Write(bibrec.Record{
		Key:   "doe2024reconciliation",
		Title: "reserved",
		Flags: []string{bibrec.FlagPlaceholder},
	}); err != nil {
		t.Fatal(err)
	}

	prop, err := f.pipeline.Propose(context.Background(), writeSource(t, "pdf-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	key, err := f.pipeline.Commit(context.Background(), prop.ID, CommitInput{})
	if err != nil {
		t.Fatalf("Commit over placeholder: %v", err)
	}
	rec, _, err := f.records.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if rec.HasFlag(bibrec.FlagPlaceholder) || rec.Title == "reserved" {
		t.Errorf("placeholder not replaced: %+v", rec)
	}
}

func TestCommitOverridesMetadata(t *testing.T) {
	f := newFixture(t, standardExtractor())
	prop, err := f.pipeline.Propose(context.Background(), writeSource(t, "pdf-bytes"))
	if err != nil {
		t.Fatal(err)
	}

	key, err := f.pipeline.Commit(context.Background(), prop.ID, CommitInput{
		Key:     "custom2024key",
		Title:   "An Overridden Title",
		Authors: []string{"Roe, Riley", "Doe, Jane"},
		Year:    2023,
		DOI:     "10.1000/custom",
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if key != "custom2024key" {
		t.Errorf("key = %q", key)
	}

	a, err := f.archives.Open(key)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	meta, err := a.Meta()
	if err != nil {
		t.Fatal(err)
	}
	if meta.Title != "An Overridden Title" || meta.Year != 2023 || meta.FirstAuthor != "Roe, Riley" {
		t.Errorf("meta = %+v", meta)
	}
}

func TestCommitUnknownProposal(t *testing.T) {
	f := newFixture(t, standardExtractor())
	_, err := f.pipeline.Commit(context.Background(), "not-a-real-id", CommitInput{})
	if !errors.Is(err, ErrProposalNotFound) {
		t.Errorf("err = %v, want ErrProposalNotFound", err)
	}
}
