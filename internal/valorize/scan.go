package valorize

import (
	"fmt"
	"log/slog"

	"github.com/kalambet/folio/internal/archive"
	"github.com/kalambet/folio/internal/vectorindex"
)

// ScanResult summarizes one startup scan pass.
type ScanResult struct {
	Scanned  int
	Enqueued int
}

// Scan enumerates all archives and enqueues any whose chunks are absent or
// whose chunk count disagrees with the vector index's entry count for that
// key. It detects interrupted valorization and index loss. Safe to run
// concurrently with live ingest feeding the same queue, since enqueue is
// idempotent. Unreadable archives are logged and skipped, never deleted.
func Scan(archives *archive.Store, index vectorindex.Index, queue JobQueue) (ScanResult, error) {
	keys, err := archives.List()
	if err != nil {
		return ScanResult{}, fmt.Errorf("listing archives: %w", err)
	}

	var res ScanResult
	for _, key := range keys {
		res.Scanned++

		needs, err := needsValorization(archives, index, key)
		if err != nil {
			slog.Warn("scan skipping archive", "key", key, "error", err)
			continue
		}
		if !needs {
			continue
		}
		if err := queue.EnqueueValorize(key); err != nil {
			return res, fmt.Errorf("enqueueing %s: %w", key, err)
		}
		res.Enqueued++
	}
	return res, nil
}

func needsValorization(archives *archive.Store, index vectorindex.Index, key string) (bool, error) {
	a, err := archives.Open(key)
	if err != nil {
		return false, err
	}
	defer a.Close()

	chunkCount, err := a.ChunkCount()
	if err != nil {
		return false, err
	}
	if chunkCount == 0 {
		return true, nil
	}
	indexed, err := index.CountByKey(key)
	if err != nil {
		return false, err
	}
	return indexed != chunkCount, nil
}
