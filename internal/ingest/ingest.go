// Package ingest implements the two-phase propose/commit pipeline that turns
// a source PDF into a committed archive, catalog row, and queued
// valorization job.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/folio/internal/archive"
	"github.com/kalambet/folio/internal/bibrec"
	"github.com/kalambet/folio/internal/catalog"
	"github.com/kalambet/folio/internal/extract"
	"github.com/kalambet/folio/internal/keys"
	"github.com/kalambet/folio/internal/lookup"
)

// ErrDuplicateKey is returned by Commit when the chosen key already belongs
// to another document and is not a reusable placeholder.
var ErrDuplicateKey = errors.New("key already in use")

// ErrProposalNotFound is returned when a proposal ID has no staging
// directory, typically because it was already committed or discarded.
var ErrProposalNotFound = errors.New("proposal not found")

// Lookup resolves bibliographic metadata from an external registry, queried
// by DOI or title. found is false when the registry has no plausible match.
// The indirection keeps the pipeline testable without network access.
type Lookup interface {
	Lookup(ctx context.Context, query string) (lookup.Result, bool, error)
}

// Proposal is the side-effect-free result of Propose. Everything it
// references lives under one staging directory; discarding it removes that
// directory and nothing else.
type Proposal struct {
	ID           string          `json:"id"`
	SourceName   string          `json:"source_name"`
	ContentHash  string          `json:"content_hash"`
	SuggestedKey string          `json:"suggested_key"`
	Title        string          `json:"title,omitempty"`
	Author       string          `json:"author,omitempty"`
	Year         int             `json:"year,omitempty"`
	Journal      string          `json:"journal,omitempty"`
	DOI          string          `json:"doi,omitempty"`
	PageCount    int             `json:"page_count"`
	Quality      extract.Quality `json:"quality"`

	// ExistingKey is set when the same content is already archived; commit
	// will refuse, this lets the caller see it up front.
	ExistingKey string `json:"existing_key,omitempty"`
}

// CommitInput carries the user-confirmed identity for a proposal. Zero
// fields fall back to the proposal's extracted values.
type CommitInput struct {
	Key     string
	Title   string
	Authors []string
	Year    int
	Journal string
	DOI     string
	Tags    []string
}

// Pipeline wires the collaborators of ingest together.
type Pipeline struct {
	stagingDir string
	pdfDir     string
	extractor  extract.Extractor
	archives   *archive.Store
	cat        *catalog.Catalog
	records    *bibrec.Store
	lookup     Lookup
}

// New returns a Pipeline. stagingDir and pdfDir must exist. lookup may be
// nil, in which case proposals carry only extracted metadata.
func New(stagingDir, pdfDir string, extractor extract.Extractor, archives *archive.Store, cat *catalog.Catalog, records *bibrec.Store, lookup Lookup) *Pipeline {
	return &Pipeline{
		stagingDir: stagingDir,
		pdfDir:     pdfDir,
		extractor:  extractor,
		archives:   archives,
		cat:        cat,
		records:    records,
		lookup:     lookup,
	}
}

const (
	stagedSource   = "source.pdf"
	stagedProposal = "proposal.json"
	stagedPages    = "pages.json"
)

// Propose stages a source PDF: copies it into a fresh staging directory,
// extracts text and metadata hints, and records a proposal the caller can
// later commit or discard. The original file is not touched.
func (p *Pipeline) Propose(ctx context.Context, sourcePath string) (Proposal, error) {
	if err := ctx.Err(); err != nil {
		return Proposal{}, err
	}

	id := uuid.NewString()
	dir := filepath.Join(p.stagingDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Proposal{}, fmt.Errorf("creating staging directory: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	hash, err := copyAndHash(sourcePath, filepath.Join(dir, stagedSource))
	if err != nil {
		cleanup()
		return Proposal{}, fmt.Errorf("staging source: %w", err)
	}

	doc, err := p.extractor.ExtractFile(filepath.Join(dir, stagedSource))
	if err != nil {
		cleanup()
		return Proposal{}, fmt.Errorf("extracting source: %w", err)
	}

	prop := Proposal{
		ID:          id,
		SourceName:  filepath.Base(sourcePath),
		ContentHash: hash,
		Title:       doc.Title,
		Author:      doc.Author,
		Year:        doc.Year,
		PageCount:   doc.PageCount(),
		Quality:     doc.Quality,
	}
	p.enrich(ctx, &prop)
	prop.SuggestedKey = keys.Make(keys.Surname(prop.Author), prop.Year, prop.Title)

	if existing, found, err := p.cat.KeyForContentHash(hash); err != nil {
		cleanup()
		return Proposal{}, fmt.Errorf("checking content hash: %w", err)
	} else if found {
		prop.ExistingKey = existing
	}

	if err := writeJSON(filepath.Join(dir, stagedPages), doc.Pages); err != nil {
		cleanup()
		return Proposal{}, err
	}
	if err := writeJSON(filepath.Join(dir, stagedProposal), prop); err != nil {
		cleanup()
		return Proposal{}, err
	}
	return prop, nil
}

// enrich asks the external registry about the extracted title and fills the
// proposal's gaps from the answer. The registry is optional and best effort:
// a failed or empty lookup leaves the proposal as extracted.
func (p *Pipeline) enrich(ctx context.Context, prop *Proposal) {
	if p.lookup == nil || prop.Title == "" {
		return
	}
	res, found, err := p.lookup.Lookup(ctx, prop.Title)
	if err != nil {
		slog.Warn("metadata lookup failed", "title", prop.Title, "error", err)
		return
	}
	if !found {
		return
	}
	if prop.Author == "" && len(res.Authors) > 0 {
		prop.Author = res.Authors[0]
	}
	if prop.Year == 0 {
		prop.Year = res.Year
	}
	prop.Journal = res.Journal
	prop.DOI = res.DOI
}

// Load returns a previously staged proposal by ID.
func (p *Pipeline) Load(id string) (Proposal, error) {
	var prop Proposal
	if err := readJSON(filepath.Join(p.stagingDir, id, stagedProposal), &prop); err != nil {
		if os.IsNotExist(err) {
			return Proposal{}, fmt.Errorf("proposal %s: %w", id, ErrProposalNotFound)
		}
		return Proposal{}, err
	}
	return prop, nil
}

// ListStaged returns all proposals currently in staging.
func (p *Pipeline) ListStaged() ([]Proposal, error) {
	entries, err := os.ReadDir(p.stagingDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading staging directory: %w", err)
	}
	var props []Proposal
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		prop, err := p.Load(entry.Name())
		if err != nil {
			continue // half-written or foreign directory, skip
		}
		props = append(props, prop)
	}
	return props, nil
}

// Discard removes a staged proposal and everything under its directory.
func (p *Pipeline) Discard(id string) error {
	dir := filepath.Join(p.stagingDir, id)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("proposal %s: %w", id, ErrProposalNotFound)
	}
	return os.RemoveAll(dir)
}

// Commit turns a staged proposal into a durable document. Steps run in a
// fixed order so any crash leaves a state reconciliation can repair:
// bibliographic record first (the durability checkpoint), then archive,
// catalog row, PDF placement, valorization enqueue, and staging cleanup.
// Errors report which of those steps had already persisted.
func (p *Pipeline) Commit(ctx context.Context, id string, input CommitInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	prop, err := p.Load(id)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(p.stagingDir, id)

	key := keys.Sanitize(strings.TrimSpace(input.Key))
	if key == "" {
		key = prop.SuggestedKey
	}
	if key == "" {
		return "", fmt.Errorf("no key given and none could be suggested")
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = prop.Title
	}
	if title == "" {
		return "", fmt.Errorf("no title given and none was extracted")
	}
	authors := input.Authors
	if len(authors) == 0 && prop.Author != "" {
		authors = []string{prop.Author}
	}
	year := input.Year
	if year == 0 {
		year = prop.Year
	}
	journal := input.Journal
	if journal == "" {
		journal = prop.Journal
	}
	doi := input.DOI
	if doi == "" {
		doi = prop.DOI
	}

	// Step 1: content dedup.
	if existing, found, err := p.cat.KeyForContentHash(prop.ContentHash); err != nil {
		return "", fmt.Errorf("checking content hash: %w", err)
	} else if found && existing != key {
		return "", &archive.DuplicateContentError{ContentHash: prop.ContentHash, ExistingKey: existing}
	}

	// Step 2: key availability. A placeholder record reserves the key for
	// exactly this kind of retry, anything else is a conflict.
	if rec, found, err := p.records.Get(key); err != nil {
		return "", fmt.Errorf("checking records: %w", err)
	} else if found && !rec.HasFlag(bibrec.FlagPlaceholder) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	if p.archives.Exists(key) {
		return "", fmt.Errorf("%w: %s has an archive", ErrDuplicateKey, key)
	}

	// Step 3: bibliographic record, the durability checkpoint.
	rec := bibrec.Record{
		Key:         key,
		ContentHash: prop.ContentHash,
		Title:       title,
		Authors:     authors,
		Year:        year,
		Journal:     journal,
		DOI:         doi,
	}
	if err := p.records.Write(rec); err != nil {
		return "", fmt.Errorf("writing bibliographic record: %w", err)
	}

	// Step 4: archive.
	var pages []string
	if err := readJSON(filepath.Join(dir, stagedPages), &pages); err != nil {
		return "", commitErr(key, "bibliographic record written, archive not created", err)
	}
	meta := archive.Metadata{
		Key:         key,
		ContentHash: prop.ContentHash,
		Title:       title,
		Authors:     authors,
		Year:        year,
		Journal:     journal,
		DOI:         doi,
		PageCount:   len(pages),
		Tags:        input.Tags,
	}
	if len(authors) > 0 {
		meta.FirstAuthor = authors[0]
	}
	a, err := p.archives.Create(meta, pages)
	if err != nil {
		return "", commitErr(key, "bibliographic record written, archive not created", err)
	}
	a.Close()

	// Step 5: catalog row.
	row := catalog.Document{
		Key:         key,
		ContentHash: prop.ContentHash,
		Title:       title,
		FirstAuthor: meta.FirstAuthor,
		Year:        year,
		DOI:         doi,
		PageCount:   len(pages),
		ArchivePath: p.archives.Path(key),
	}
	if err := p.cat.Upsert(row); err != nil {
		return "", commitErr(key, "archive created, catalog row not written; run rebuild to repair", err)
	}

	// Step 6: place the PDF.
	pdfPath := filepath.Join(p.pdfDir, keys.Shard(key), key+".pdf")
	if err := os.MkdirAll(filepath.Dir(pdfPath), 0o755); err != nil {
		return "", commitErr(key, "archive and catalog written, source PDF still in staging", err)
	}
	if err := moveFile(filepath.Join(dir, stagedSource), pdfPath); err != nil {
		return "", commitErr(key, "archive and catalog written, source PDF still in staging", err)
	}

	// Step 7: queue valorization. A failure here is not fatal, the startup
	// scan re-enqueues anything without chunks.
	if err := p.cat.EnqueueValorize(key); err != nil {
		os.RemoveAll(dir)
		return key, commitErr(key, "document fully stored, valorization not queued; it will be picked up by the next scan", err)
	}

	// Step 8: staging cleanup.
	os.RemoveAll(dir)
	return key, nil
}

// commitErr wraps a commit step failure together with a statement of what
// has and has not been persisted for the key.
func commitErr(key, state string, err error) error {
	return fmt.Errorf("committing %s: %w (%s)", key, err, state)
}

// copyAndHash copies src to dst, returning the hex SHA-256 of the content.
func copyAndHash(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		return "", err
	}
	if err := out.Sync(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// moveFile renames src to dst, falling back to copy-and-delete when they sit
// on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}
