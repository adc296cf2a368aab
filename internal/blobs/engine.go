// Package blobs moves all content-addressed media from the source to
// the destination server with bounded parallelism, then runs a
// best-effort reconciliation pass for anything the destination reports
// missing. The engine is partial-failure tolerant: it completes even
// when some blobs never transfer, recording every failed ID.
package blobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skymigrate/pds-migrator/internal/retry"
	"github.com/skymigrate/pds-migrator/pkg/types"
)

const listPageSize = 500

// Source provides blob listing and download on the old server.
type Source interface {
	ListBlobs(ctx context.Context, did, cursor string, limit int) ([]string, string, error)
	GetBlob(ctx context.Context, did, cid string) (io.ReadCloser, int64, error)
}

// Destination provides blob upload and migration bookkeeping on the
// new server.
type Destination interface {
	UploadBlob(ctx context.Context, blob io.ReadSeeker, contentType string) error
	ListMissingBlobs(ctx context.Context, cursor string, limit int) ([]string, string, error)
	ExpectedVsImported(ctx context.Context) (expected, imported int, err error)
}

// Checkpointer persists the progress map mid-transfer.
type Checkpointer func(ctx context.Context, progress types.ProgressData) error

// Engine transfers blobs for one migration.
type Engine struct {
	source          Source
	dest            Destination
	scratchDir      string
	workers         int
	retries         int
	checkpointEvery int
	retryBase       time.Duration

	mu       sync.Mutex
	progress *types.ProgressData
}

// Config holds the engine's tunables.
type Config struct {
	ScratchDir      string
	Workers         int
	Retries         int
	CheckpointEvery int

	// RetryBase overrides the per-blob backoff base, for tests.
	RetryBase time.Duration
}

// NewEngine creates a transfer engine.
func NewEngine(source Source, dest Destination, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 10
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &Engine{
		source:          source,
		dest:            dest,
		scratchDir:      cfg.ScratchDir,
		workers:         cfg.Workers,
		retries:         cfg.Retries,
		checkpointEvery: cfg.CheckpointEvery,
		retryBase:       cfg.RetryBase,
	}
}

// Transfer runs the bulk pass and then reconciliation. The passed
// progress is mutated in place and checkpointed at a fixed cadence.
// Per-blob failures never fail the transfer; only an unusable listing
// or context cancellation does.
func (e *Engine) Transfer(ctx context.Context, did string, progress *types.ProgressData, checkpoint Checkpointer) error {
	ids, err := e.listAll(ctx, did)
	if err != nil {
		return fmt.Errorf("failed to list blobs: %w", err)
	}

	e.mu.Lock()
	e.progress = progress
	if progress.Blobs == nil {
		progress.Blobs = make(map[string]types.BlobProgress)
	}
	progress.TotalBlobs = len(ids)

	// Idempotent re-entry: skip blobs a previous run already moved.
	pending := make([]string, 0, len(ids))
	for _, id := range ids {
		if transferred(progress.Blobs[id]) {
			continue
		}
		pending = append(pending, id)
	}
	progress.CompletedBlobs = len(ids) - len(pending)
	e.mu.Unlock()

	e.runPool(ctx, did, pending, checkpoint)
	e.reconcile(ctx, did, checkpoint)

	e.mu.Lock()
	sort.Strings(progress.FailedBlobs)
	e.mu.Unlock()

	if err := checkpoint(ctx, *progress); err != nil {
		return fmt.Errorf("failed to checkpoint blob progress: %w", err)
	}
	return ctx.Err()
}

func (e *Engine) listAll(ctx context.Context, did string) ([]string, error) {
	var ids []string
	cursor := ""
	for {
		page, next, err := e.source.ListBlobs(ctx, did, cursor, listPageSize)
		if err != nil {
			return nil, err
		}
		ids = append(ids, page...)
		if next == "" {
			return ids, nil
		}
		cursor = next
	}
}

// runPool fans the pending IDs out to a fixed worker pool. Order is
// unconstrained.
func (e *Engine) runPool(ctx context.Context, did string, pending []string, checkpoint Checkpointer) {
	queue := make(chan string)
	var wg sync.WaitGroup

	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range queue {
				e.transferWithRetry(ctx, did, id, checkpoint)
			}
		}()
	}

	for _, id := range pending {
		select {
		case queue <- id:
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			return
		}
	}
	close(queue)
	wg.Wait()
}

// transferWithRetry moves one blob, retrying transient failures. After
// exhausting retries the ID joins the failure set and the worker moves
// on.
func (e *Engine) transferWithRetry(ctx context.Context, did, id string, checkpoint Checkpointer) {
	err := retry.WithRetry(ctx, retry.Config{
		MaxAttempts: e.retries,
		BaseDelay:   e.retryBase,
	}, func() error {
		return e.transferOne(ctx, did, id)
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"did":  did,
			"blob": id,
		}).WithError(err).Warn("Blob transfer failed after retries")
		e.progress.FailedBlobs = appendUnique(e.progress.FailedBlobs, id)
		return
	}

	e.progress.CompletedBlobs++
	e.progress.FailedBlobs = removeID(e.progress.FailedBlobs, id)

	if e.progress.CompletedBlobs%e.checkpointEvery == 0 {
		if err := checkpoint(ctx, *e.progress); err != nil {
			logrus.WithError(err).Warn("Failed to checkpoint blob progress")
		}
	}
}

// transferOne streams one blob through scratch storage: download,
// re-upload, delete the scratch file.
func (e *Engine) transferOne(ctx context.Context, did, id string) error {
	body, size, err := e.source.GetBlob(ctx, did, id)
	if err != nil {
		return fmt.Errorf("failed to fetch blob %s: %w", id, err)
	}
	defer func() {
		_ = body.Close() // Close errors are not critical
	}()

	scratch, err := os.CreateTemp(e.scratchDir, "blob-*")
	if err != nil {
		return fmt.Errorf("failed to create scratch file: %w", err)
	}
	scratchPath := scratch.Name()
	defer func() {
		_ = scratch.Close()        // Close errors are not critical
		_ = os.Remove(scratchPath) // Cleanup errors are not critical
	}()

	written, err := io.Copy(scratch, body)
	if err != nil {
		return fmt.Errorf("failed to download blob %s: %w", id, err)
	}
	if size > 0 && written != size {
		return fmt.Errorf("blob %s incomplete: got %d bytes, expected %d", id, written, size)
	}

	e.mu.Lock()
	e.progress.Blobs[id] = types.BlobProgress{
		ID:               id,
		TotalSize:        written,
		BytesTransferred: 0,
		LastUpdate:       time.Now(),
	}
	e.mu.Unlock()

	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind scratch file: %w", err)
	}
	if err := e.dest.UploadBlob(ctx, scratch, "application/octet-stream"); err != nil {
		return fmt.Errorf("failed to upload blob %s: %w", id, err)
	}

	e.mu.Lock()
	e.progress.Blobs[id] = types.BlobProgress{
		ID:               id,
		TotalSize:        written,
		BytesTransferred: written,
		LastUpdate:       time.Now(),
	}
	e.progress.BytesTransferred += written
	e.mu.Unlock()

	return nil
}

// reconcile queries the destination's expected-vs-imported counts and
// refetches exactly the IDs it still reports missing. Reconciliation is
// advisory: any error here is recorded, never propagated.
func (e *Engine) reconcile(ctx context.Context, did string, checkpoint Checkpointer) {
	e.mu.Lock()
	e.progress.Reconciliation = &types.ReconciliationStats{}
	stats := e.progress.Reconciliation
	e.mu.Unlock()

	expected, imported, err := e.dest.ExpectedVsImported(ctx)
	if err != nil {
		e.mu.Lock()
		stats.Error = err.Error()
		e.mu.Unlock()
		logrus.WithError(err).Warn("Reconciliation status query failed")
		return
	}

	e.mu.Lock()
	stats.ExpectedBlobs = expected
	stats.ImportedBlobs = imported
	e.mu.Unlock()

	if expected == imported {
		return
	}

	missing, err := e.listMissing(ctx)
	if err != nil {
		e.mu.Lock()
		stats.Error = err.Error()
		e.mu.Unlock()
		logrus.WithError(err).Warn("Reconciliation missing-list query failed")
		return
	}

	for _, id := range missing {
		// The destination can report a blob missing that the bulk pass
		// already counted; a successful refetch must not count it twice.
		e.mu.Lock()
		counted := transferred(e.progress.Blobs[id])
		e.mu.Unlock()

		err := retry.WithRetry(ctx, retry.Config{
			MaxAttempts: e.retries,
			BaseDelay:   e.retryBase,
		}, func() error {
			return e.transferOne(ctx, did, id)
		})

		e.mu.Lock()
		stats.Refetched = append(stats.Refetched, id)
		if err != nil {
			stats.StillMissing = append(stats.StillMissing, id)
			e.progress.FailedBlobs = appendUnique(e.progress.FailedBlobs, id)
		} else {
			if !counted {
				e.progress.CompletedBlobs++
			}
			e.progress.FailedBlobs = removeID(e.progress.FailedBlobs, id)
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	snapshot := *e.progress
	e.mu.Unlock()
	if err := checkpoint(ctx, snapshot); err != nil {
		logrus.WithError(err).Warn("Failed to checkpoint reconciliation progress")
	}
}

func (e *Engine) listMissing(ctx context.Context) ([]string, error) {
	var ids []string
	cursor := ""
	for {
		page, next, err := e.dest.ListMissingBlobs(ctx, cursor, listPageSize)
		if err != nil {
			return nil, err
		}
		ids = append(ids, page...)
		if next == "" {
			return ids, nil
		}
		cursor = next
	}
}

// transferred reports whether a blob's progress entry records a full
// transfer.
func transferred(p types.BlobProgress) bool {
	return p.TotalSize > 0 && p.BytesTransferred >= p.TotalSize
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeID(ids []string, id string) []string {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
