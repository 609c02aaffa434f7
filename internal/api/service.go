// Package api exposes the library over HTTP and MCP. Both surfaces share
// one Service so tool handlers and route handlers stay thin.
package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kalambet/folio/internal/archive"
	"github.com/kalambet/folio/internal/bibrec"
	"github.com/kalambet/folio/internal/catalog"
	"github.com/kalambet/folio/internal/embed"
	"github.com/kalambet/folio/internal/inbox"
	"github.com/kalambet/folio/internal/ingest"
	"github.com/kalambet/folio/internal/keys"
	"github.com/kalambet/folio/internal/reconcile"
	"github.com/kalambet/folio/internal/vectorindex"
)

// SearchHit is one semantic search result.
type SearchHit struct {
	Key       string  `json:"key"`
	Title     string  `json:"title,omitempty"`
	Page      int     `json:"page"`
	CharStart int     `json:"char_start"`
	CharEnd   int     `json:"char_end"`
	Text      string  `json:"text"`
	Score     float32 `json:"score"`
}

// InboxLister provides a snapshot of PDFs waiting in the inbox.
type InboxLister interface {
	List() []inbox.Entry
}

// Service bundles the library components the surfaces operate on.
type Service struct {
	Archives *archive.Store
	Catalog  *catalog.Catalog
	Index    vectorindex.Index
	Records  *bibrec.Store
	Embedder embed.Embedder
	Ingest   *ingest.Pipeline
	Rebuild  *reconcile.Reconciler
	Inbox    InboxLister // optional
	PDFDir   string
}

// Search embeds the query and returns the top-K most similar chunks,
// optionally restricted to one document key.
func (s *Service) Search(ctx context.Context, query string, topK int, key string) ([]SearchHit, error) {
	if topK <= 0 {
		topK = 5
	}
	if topK > 50 {
		topK = 50
	}
	vec, err := s.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	entries, err := s.Index.Query(vec, topK, vectorindex.Filter{Key: key})
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	titles := map[string]string{}
	hits := make([]SearchHit, len(entries))
	for i, e := range entries {
		title, ok := titles[e.Key]
		if !ok {
			if doc, err := s.Catalog.GetByKey(e.Key); err == nil {
				title = doc.Title
			}
			titles[e.Key] = title
		}
		hits[i] = SearchHit{
			Key:       e.Key,
			Title:     title,
			Page:      e.Page,
			CharStart: e.CharStart,
			CharEnd:   e.CharEnd,
			Text:      e.Text,
			Score:     e.Score,
		}
	}
	return hits, nil
}

// Page returns the text of one page of a document.
func (s *Service) Page(key string, page int) (string, error) {
	a, err := s.Archives.Open(key)
	if err != nil {
		return "", err
	}
	defer a.Close()
	return a.ReadPage(page)
}

// Stats returns the library summary counts.
func (s *Service) Stats() (catalog.Stats, error) {
	return s.Catalog.Stats()
}

// RunRebuild regenerates derived stores for the given scope.
func (s *Service) RunRebuild(scope string) (reconcile.Result, error) {
	if scope == "" {
		scope = reconcile.ScopeAll
	}
	return s.Rebuild.Rebuild(scope)
}

// Remove deletes a document everywhere: archive, catalog row, vector
// entries, jobs, bibliographic record, and the stored PDF. The archive is
// removed last among the stores holding content, so a failure partway
// through never orphans derived state that a rebuild cannot fix.
func (s *Service) Remove(key string) error {
	if !s.Archives.Exists(key) {
		if _, err := s.Catalog.GetByKey(key); errors.Is(err, catalog.ErrNotFound) {
			return fmt.Errorf("document %s: %w", key, archive.ErrNotFound)
		}
	}

	if err := s.Index.DeleteKey(key); err != nil {
		return fmt.Errorf("removing vector entries: %w", err)
	}
	if err := s.Catalog.DeleteJobsForKey(key); err != nil {
		return fmt.Errorf("removing jobs: %w", err)
	}
	if err := s.Catalog.Delete(key); err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("removing catalog row: %w", err)
	}
	if err := s.Records.Delete(key); err != nil {
		return fmt.Errorf("removing record: %w", err)
	}
	if err := s.Archives.Remove(key); err != nil && !errors.Is(err, archive.ErrNotFound) {
		return fmt.Errorf("removing archive: %w", err)
	}

	pdf := filepath.Join(s.PDFDir, keys.Shard(key), key+".pdf")
	if err := os.Remove(pdf); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing pdf: %w", err)
	}
	return nil
}
