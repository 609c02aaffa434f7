// Package valorize runs the background work that makes archived documents
// searchable: chunking page text, embedding the chunks, writing them back
// into the archive, and upserting the vectors into the index.
package valorize

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/folio/internal/archive"
	"github.com/kalambet/folio/internal/catalog"
	"github.com/kalambet/folio/internal/chunk"
	"github.com/kalambet/folio/internal/embed"
	"github.com/kalambet/folio/internal/vectorindex"
)

// JobQueue abstracts the catalog's job operations.
type JobQueue interface {
	ClaimNextJob() (*catalog.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	EnqueueValorize(key string) error
	MarkValorized(key string, at time.Time) error
}

// Worker drains valorization jobs from the queue.
type Worker struct {
	queue    JobQueue
	archives *archive.Store
	embedder embed.Embedder
	index    vectorindex.Index
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies. If pollInterval is
// <= 0, it defaults to 500ms.
func NewWorker(queue JobQueue, archives *archive.Store, embedder embed.Embedder, index vectorindex.Index, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		queue:    queue,
		archives: archives,
		embedder: embedder,
		index:    index,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNextJob()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.Valorize(ctx, job.Key); err != nil {
		w.logger.Warn("valorization failed", "key", job.Key, "error", err)
		if failErr := w.queue.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.queue.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// Valorize computes chunks and embeddings for a key and indexes them. The
// archive write happens before the index write, so a lost vector index never
// loses computed embeddings. When the archive already holds chunks, the
// embedding step is skipped and only the index is brought up to date.
func (w *Worker) Valorize(ctx context.Context, key string) error {
	a, err := w.archives.Open(key)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}

	chunks, err := a.Chunks()
	if err != nil {
		a.Close()
		return fmt.Errorf("reading chunks: %w", err)
	}

	if len(chunks) == 0 || missingEmbeddings(chunks) {
		pages, err := a.Pages()
		a.Close()
		if err != nil {
			return fmt.Errorf("reading pages: %w", err)
		}

		pieces := chunk.Document(pages)
		texts := make([]string, len(pieces))
		for i, c := range pieces {
			texts[i] = c.Text
		}
		vectors, err := embed.Batch(ctx, w.embedder, texts)
		if err != nil {
			return fmt.Errorf("embedding %d chunks: %w", len(texts), err)
		}

		chunks = make([]archive.Chunk, len(pieces))
		for i, c := range pieces {
			chunks[i] = archive.Chunk{
				Index:     i,
				Text:      c.Text,
				Page:      c.Page,
				CharStart: c.CharStart,
				CharEnd:   c.CharEnd,
				Embedding: vectors[i],
			}
		}
		if err := w.archives.WriteChunks(key, chunks, w.embedder.Model(), w.embedder.Dim()); err != nil {
			return fmt.Errorf("writing chunks: %w", err)
		}
	} else {
		a.Close()
	}

	entries := make([]vectorindex.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = vectorindex.Entry{
			ID:        fmt.Sprintf("%s#%d", key, i),
			Key:       key,
			Page:      c.Page,
			CharStart: c.CharStart,
			CharEnd:   c.CharEnd,
			Text:      c.Text,
			Vector:    c.Embedding,
		}
	}
	// Clear any entries left from a previous valorization so the index
	// never holds more rows for a key than the archive has chunks.
	if err := w.index.DeleteKey(key); err != nil {
		return fmt.Errorf("clearing stale vectors: %w", err)
	}
	if err := w.index.Upsert(entries); err != nil {
		return fmt.Errorf("indexing vectors: %w", err)
	}

	if err := w.queue.MarkValorized(key, time.Now()); err != nil {
		return fmt.Errorf("marking valorized: %w", err)
	}
	return nil
}

func missingEmbeddings(chunks []archive.Chunk) bool {
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return true
		}
	}
	return false
}
