package blobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skymigrate/pds-migrator/pkg/types"
)

// fakeSource serves in-memory blobs and can be told to fail specific
// IDs unconditionally.
type fakeSource struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	failIDs  map[string]bool
	getCalls map[string]int
}

func newFakeSource(blobs map[string][]byte) *fakeSource {
	return &fakeSource{
		blobs:    blobs,
		failIDs:  map[string]bool{},
		getCalls: map[string]int{},
	}
}

func (s *fakeSource) ListBlobs(ctx context.Context, did, cursor string, limit int) ([]string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Two pages to exercise cursor handling.
	ids := make([]string, 0, len(s.blobs))
	for id := range s.blobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if cursor == "" && len(ids) > 1 {
		return ids[:1], "more", nil
	}
	if cursor == "more" {
		return ids[1:], "", nil
	}
	return ids, "", nil
}

func (s *fakeSource) GetBlob(ctx context.Context, did, cid string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls[cid]++
	if s.failIDs[cid] {
		return nil, 0, fmt.Errorf("failed to fetch blob %s: connection reset", cid)
	}
	data, ok := s.blobs[cid]
	if !ok {
		return nil, 0, errors.New("blob not found")
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// fakeDest collects uploads and reports reconciliation counts.
type fakeDest struct {
	mu       sync.Mutex
	uploaded [][]byte

	expected   int
	imported   int
	statusErr  error
	missing    []string
	missingErr error
}

func (d *fakeDest) UploadBlob(ctx context.Context, blob io.ReadSeeker, contentType string) error {
	data, err := io.ReadAll(blob)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uploaded = append(d.uploaded, data)
	return nil
}

func (d *fakeDest) ExpectedVsImported(ctx context.Context) (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.statusErr != nil {
		return 0, 0, d.statusErr
	}
	if d.imported == 0 {
		return d.expected, len(d.uploaded), nil
	}
	return d.expected, d.imported, nil
}

func (d *fakeDest) ListMissingBlobs(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.missingErr != nil {
		return nil, "", d.missingErr
	}
	return d.missing, "", nil
}

func fastConfig(t *testing.T) Config {
	return Config{
		ScratchDir:      t.TempDir(),
		Workers:         3,
		Retries:         3,
		CheckpointEvery: 2,
		RetryBase:       time.Millisecond,
	}
}

func nopCheckpoint(ctx context.Context, progress types.ProgressData) error { return nil }

func TestTransfer_AllBlobsSucceed(t *testing.T) {
	source := newFakeSource(map[string][]byte{
		"cid1": []byte("one"),
		"cid2": []byte("twotwo"),
		"cid3": []byte("three"),
	})
	dest := &fakeDest{expected: 3}
	engine := NewEngine(source, dest, fastConfig(t))

	var progress types.ProgressData
	err := engine.Transfer(context.Background(), "did:plc:a", &progress, nopCheckpoint)
	require.NoError(t, err)

	assert.Equal(t, 3, progress.TotalBlobs)
	assert.Equal(t, 3, progress.CompletedBlobs)
	assert.Empty(t, progress.FailedBlobs)
	assert.Equal(t, int64(len("one")+len("twotwo")+len("three")), progress.BytesTransferred)
	assert.Len(t, dest.uploaded, 3)
}

func TestTransfer_PartialFailureStillCompletes(t *testing.T) {
	source := newFakeSource(map[string][]byte{
		"cid1": []byte("one"),
		"cid2": []byte("two"),
		"cid3": []byte("three"),
	})
	source.failIDs["cid2"] = true
	dest := &fakeDest{expected: 3, imported: 2}
	engine := NewEngine(source, dest, fastConfig(t))

	var progress types.ProgressData
	err := engine.Transfer(context.Background(), "did:plc:a", &progress, nopCheckpoint)
	require.NoError(t, err, "a strict-subset failure must not fail the transfer")

	assert.Equal(t, 3, source.getCalls["cid2"], "failing blob retried to exhaustion")
	assert.Equal(t, 2, progress.CompletedBlobs)
	assert.Equal(t, []string{"cid2"}, progress.FailedBlobs, "failure set contains exactly the failed ID")
}

func TestTransfer_ResumeSkipsCompletedBlobs(t *testing.T) {
	source := newFakeSource(map[string][]byte{
		"cid1": []byte("one"),
		"cid2": []byte("two"),
	})
	dest := &fakeDest{expected: 2}
	engine := NewEngine(source, dest, fastConfig(t))

	progress := types.ProgressData{
		Blobs: map[string]types.BlobProgress{
			"cid1": {ID: "cid1", TotalSize: 3, BytesTransferred: 3},
		},
	}
	err := engine.Transfer(context.Background(), "did:plc:a", &progress, nopCheckpoint)
	require.NoError(t, err)

	assert.Zero(t, source.getCalls["cid1"], "already-transferred blob must not be refetched")
	assert.Equal(t, 1, source.getCalls["cid2"])
	assert.Equal(t, 2, progress.CompletedBlobs)
}

func TestTransfer_CheckpointCadence(t *testing.T) {
	blobsData := map[string][]byte{}
	for i := 0; i < 6; i++ {
		blobsData[fmt.Sprintf("cid%d", i)] = []byte("data")
	}
	source := newFakeSource(blobsData)
	dest := &fakeDest{expected: 6}

	cfg := fastConfig(t)
	cfg.Workers = 1
	cfg.CheckpointEvery = 2
	engine := NewEngine(source, dest, cfg)

	var checkpoints int
	checkpoint := func(ctx context.Context, progress types.ProgressData) error {
		checkpoints++
		return nil
	}

	var progress types.ProgressData
	require.NoError(t, engine.Transfer(context.Background(), "did:plc:a", &progress, checkpoint))

	// 3 cadence checkpoints (after blobs 2, 4, 6) plus the final one.
	assert.Equal(t, 4, checkpoints)
}

func TestReconcile_OnlyRunsRefetchOnCountMismatch(t *testing.T) {
	source := newFakeSource(map[string][]byte{"cid1": []byte("one")})
	dest := &fakeDest{expected: 1, imported: 1}
	engine := NewEngine(source, dest, fastConfig(t))

	var progress types.ProgressData
	require.NoError(t, engine.Transfer(context.Background(), "did:plc:a", &progress, nopCheckpoint))

	require.NotNil(t, progress.Reconciliation)
	assert.Empty(t, progress.Reconciliation.Refetched, "matching counts must not trigger a refetch")
}

func TestReconcile_RefetchesExactlyMissingIDs(t *testing.T) {
	source := newFakeSource(map[string][]byte{
		"cid1": []byte("one"),
		"cid2": []byte("two"),
		"cid3": []byte("three"),
	})
	// The destination claims only 1 of 3 imported and reports cid2 and
	// cid3 missing; cid3 fails every refetch attempt.
	source.failIDs["cid3"] = true
	dest := &fakeDest{expected: 3, imported: 1, missing: []string{"cid2", "cid3"}}
	engine := NewEngine(source, dest, fastConfig(t))

	var progress types.ProgressData
	require.NoError(t, engine.Transfer(context.Background(), "did:plc:a", &progress, nopCheckpoint))

	stats := progress.Reconciliation
	require.NotNil(t, stats)
	assert.Equal(t, 3, stats.ExpectedBlobs)
	assert.Equal(t, 1, stats.ImportedBlobs)
	assert.Equal(t, []string{"cid2", "cid3"}, stats.Refetched)
	assert.Equal(t, []string{"cid3"}, stats.StillMissing)
	assert.Contains(t, progress.FailedBlobs, "cid3", "still-missing IDs join the overall failure set")
	assert.NotContains(t, progress.FailedBlobs, "cid2")
	// cid2 was counted by the bulk pass already; the refetch must not
	// count it again.
	assert.Equal(t, 2, progress.CompletedBlobs)
}

func TestReconcile_RefetchOfCountedBlobKeepsCountStable(t *testing.T) {
	source := newFakeSource(map[string][]byte{
		"cid1": []byte("one"),
		"cid2": []byte("two"),
	})
	// Every blob transfers in the bulk pass, yet the destination still
	// claims cid2 is missing.
	dest := &fakeDest{expected: 2, imported: 1, missing: []string{"cid2"}}
	engine := NewEngine(source, dest, fastConfig(t))

	var progress types.ProgressData
	require.NoError(t, engine.Transfer(context.Background(), "did:plc:a", &progress, nopCheckpoint))

	assert.Equal(t, []string{"cid2"}, progress.Reconciliation.Refetched)
	assert.Equal(t, 2, source.getCalls["cid2"], "reported-missing blob is refetched")
	assert.Equal(t, 2, progress.TotalBlobs)
	assert.Equal(t, 2, progress.CompletedBlobs, "completed count must never exceed the total")
}

func TestReconcile_StatusQueryErrorIsAdvisory(t *testing.T) {
	source := newFakeSource(map[string][]byte{"cid1": []byte("one")})
	dest := &fakeDest{statusErr: errors.New("status endpoint down")}
	engine := NewEngine(source, dest, fastConfig(t))

	var progress types.ProgressData
	err := engine.Transfer(context.Background(), "did:plc:a", &progress, nopCheckpoint)
	require.NoError(t, err, "reconciliation errors must never fail the migration")

	require.NotNil(t, progress.Reconciliation)
	assert.Contains(t, progress.Reconciliation.Error, "status endpoint down")
}

func TestTransfer_ListFailureIsFatal(t *testing.T) {
	engine := NewEngine(&failingLister{}, &fakeDest{}, fastConfig(t))

	var progress types.ProgressData
	err := engine.Transfer(context.Background(), "did:plc:a", &progress, nopCheckpoint)
	assert.Error(t, err)
}

type failingLister struct{}

func (f *failingLister) ListBlobs(ctx context.Context, did, cursor string, limit int) ([]string, string, error) {
	return nil, "", errors.New("listing unavailable")
}

func (f *failingLister) GetBlob(ctx context.Context, did, cid string) (io.ReadCloser, int64, error) {
	return nil, 0, errors.New("unreachable")
}
