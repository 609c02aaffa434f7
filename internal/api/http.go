package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/folio/internal/archive"
	"github.com/kalambet/folio/internal/catalog"
	"github.com/kalambet/folio/internal/inbox"
)

// NewHTTPHandler builds the HTTP surface. All routes except /health require
// the bearer token.
func NewHTTPHandler(svc *Service, token string) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(token))

		r.Get("/stats", handleStats(svc))
		r.Get("/inbox", handleInbox(svc))
		r.Get("/search", handleSearch(svc))
		r.Get("/documents", handleListDocuments(svc))
		r.Get("/documents/{key}/pages/{page}", handlePage(svc))
		r.Delete("/documents/{key}", handleRemove(svc))
		r.Post("/rebuild", handleRebuild(svc))
	})

	return r
}

func handleStats(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read stats: %v", err)
			return
		}
		writeJSON(w, stats)
	}
}

func handleInbox(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc.Inbox == nil {
			writeJSON(w, []inbox.Entry{})
			return
		}
		entries := svc.Inbox.List()
		if entries == nil {
			entries = []inbox.Entry{}
		}
		writeJSON(w, entries)
	}
}

func handleSearch(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := parseIntParam(r, "limit", 5, 50)
		key := r.URL.Query().Get("key")

		hits, err := svc.Search(r.Context(), query, limit, key)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		if hits == nil {
			hits = []SearchHit{}
		}
		writeJSON(w, hits)
	}
}

func handleListDocuments(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := svc.Catalog.List()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		type docResult struct {
			Key         string `json:"key"`
			Title       string `json:"title"`
			FirstAuthor string `json:"first_author,omitempty"`
			Year        int    `json:"year,omitempty"`
			DOI         string `json:"doi,omitempty"`
			PageCount   int    `json:"page_count"`
			Valorized   bool   `json:"valorized"`
		}
		results := make([]docResult, len(docs))
		for i, d := range docs {
			results[i] = docResult{
				Key:         d.Key,
				Title:       d.Title,
				FirstAuthor: d.FirstAuthor,
				Year:        d.Year,
				DOI:         d.DOI,
				PageCount:   d.PageCount,
				Valorized:   d.Valorized(),
			}
		}
		writeJSON(w, results)
	}
}

func handlePage(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		page, err := strconv.Atoi(chi.URLParam(r, "page"))
		if err != nil || page < 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "page must be a positive integer")
			return
		}

		text, err := svc.Page(key, page)
		if errors.Is(err, archive.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no such document or page")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read page: %v", err)
			return
		}
		writeJSON(w, map[string]any{"key": key, "page": page, "text": text})
	}
}

func handleRemove(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		err := svc.Remove(key)
		if errors.Is(err, archive.ErrNotFound) || errors.Is(err, catalog.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to remove document: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "removed"})
	}
}

type rebuildRequest struct {
	Scope string `json:"scope"`
}

func handleRebuild(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req rebuildRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		res, err := svc.RunRebuild(req.Scope)
		if errors.Is(err, archive.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no archive for scope %q", req.Scope)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "rebuild failed: %v", err)
			return
		}
		writeJSON(w, res)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
