package main

import (
	"fmt"

	"github.com/kalambet/folio/internal/api"
	"github.com/kalambet/folio/internal/archive"
	"github.com/kalambet/folio/internal/bibrec"
	"github.com/kalambet/folio/internal/catalog"
	"github.com/kalambet/folio/internal/config"
	"github.com/kalambet/folio/internal/embed"
	"github.com/kalambet/folio/internal/extract"
	"github.com/kalambet/folio/internal/ingest"
	"github.com/kalambet/folio/internal/lookup"
	"github.com/kalambet/folio/internal/reconcile"
	"github.com/kalambet/folio/internal/vectorindex"
)

// vault holds the opened library components. CLI commands operate on the
// vault directly; the serve command additionally exposes it over HTTP/MCP.
type vault struct {
	cfg      config.Config
	cat      *catalog.Catalog
	index    *vectorindex.SQLiteIndex
	archives *archive.Store
	records  *bibrec.Store
	embedder *embed.OllamaEmbedder
}

var openVault = func() (*vault, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	cat, err := catalog.Open(cfg.CatalogPath())
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	index, err := vectorindex.Open(cfg.VectorPath())
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("opening vector index: %w", err)
	}

	return &vault{
		cfg:      cfg,
		cat:      cat,
		index:    index,
		archives: archive.NewStore(cfg.ArchiveDir(), cat),
		records:  bibrec.NewStore(cfg.RecordsPath()),
		embedder: embed.NewOllama(cfg.Embed.OllamaURL, cfg.Embed.Model, cfg.Embed.Dim),
	}, nil
}

func (v *vault) Close() {
	v.index.Close()
	v.cat.Close()
}

func (v *vault) service() *api.Service {
	return &api.Service{
		Archives: v.archives,
		Catalog:  v.cat,
		Index:    v.index,
		Records:  v.records,
		Embedder: v.embedder,
		Ingest:   v.pipeline(),
		Rebuild:  reconcile.New(v.archives, v.cat, v.index, v.records),
		PDFDir:   v.cfg.PDFDir(),
	}
}

func (v *vault) pipeline() *ingest.Pipeline {
	var lk ingest.Lookup
	if v.cfg.Lookup.Enabled {
		lk = lookup.NewCrossref(v.cfg.Lookup.BaseURL)
	}
	return ingest.New(v.cfg.StagingDir(), v.cfg.PDFDir(), extract.NewPDFExtractor(), v.archives, v.cat, v.records, lk)
}
