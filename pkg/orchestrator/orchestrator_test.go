package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beam-cloud/larc/pkg/common"
	"github.com/stretchr/testify/require"
)

// fakeEngine counts concurrent and total calls, optionally blocking on a
// gate channel so tests can observe in-flight state.
type fakeEngine struct {
	mu         sync.Mutex
	calls      int32
	concurrent int32
	maxSeen    int32
	gate       chan struct{} // if non-nil, ExtractArchive blocks until closed
	result     common.ExtractionResult
	err        error
}

func (f *fakeEngine) ExtractArchive(ctx context.Context, archivePath, targetDir, workspaceID string) (common.ExtractionResult, error) {
	atomic.AddInt32(&f.calls, 1)
	n := atomic.AddInt32(&f.concurrent, 1)
	defer atomic.AddInt32(&f.concurrent, -1)

	f.mu.Lock()
	if n > f.maxSeen {
		f.maxSeen = n
	}
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return common.ExtractionResult{}, ctx.Err()
		}
	}
	return f.result, f.err
}

func TestExtractArchive_BoundsConcurrency(t *testing.T) {
	gate := make(chan struct{})
	eng := &fakeEngine{gate: gate, result: common.ExtractionResult{TotalFiles: 1}}
	o := New(eng, 2)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = o.ExtractArchive(context.Background(), archivePathFor(i), "/tmp/out", "ws1")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.LessOrEqual(t, eng.maxSeen, int32(2))
	require.Equal(t, int32(5), eng.calls)
}

func archivePathFor(i int) string {
	return "/archives/" + string(rune('a'+i)) + ".zip"
}

func TestExtractArchive_DeduplicatesConcurrentRequestsForSamePath(t *testing.T) {
	gate := make(chan struct{})
	eng := &fakeEngine{gate: gate, result: common.ExtractionResult{TotalFiles: 7}}
	o := New(eng, 4)

	var wg sync.WaitGroup
	results := make([]common.ExtractionResult, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := o.ExtractArchive(context.Background(), "/archives/same.zip", "/tmp/out", "ws1")
			require.NoError(t, err)
			results[i] = res
		}(i)
	}

	time.Sleep(30 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.Equal(t, int32(1), eng.calls, "three requests for the same archive path must share one Engine run")
	for _, r := range results {
		require.Equal(t, 7, r.TotalFiles)
	}
}

func TestExtractArchive_RejectsAlreadyCancelledContext(t *testing.T) {
	eng := &fakeEngine{}
	o := New(eng, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.ExtractArchive(ctx, "/archives/a.zip", "/tmp/out", "ws1")
	require.Error(t, err)
	require.Equal(t, int32(0), eng.calls, "a request cancelled before acquiring a permit must never reach the Engine")
}

func TestCancelAll_StopsInFlightRun(t *testing.T) {
	gate := make(chan struct{})
	eng := &fakeEngine{gate: gate}
	o := New(eng, 1)

	done := make(chan error, 1)
	go func() {
		_, err := o.ExtractArchive(context.Background(), "/archives/a.zip", "/tmp/out", "ws1")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	o.CancelAll()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected CancelAll to unblock the in-flight extraction")
	}
}

func TestExtractArchive_SequentialCallsForSamePathEachRunOnce(t *testing.T) {
	eng := &fakeEngine{result: common.ExtractionResult{TotalFiles: 2}}
	o := New(eng, 2)

	_, err := o.ExtractArchive(context.Background(), "/archives/x.zip", "/tmp/out", "ws1")
	require.NoError(t, err)
	_, err = o.ExtractArchive(context.Background(), "/archives/x.zip", "/tmp/out", "ws1")
	require.NoError(t, err)

	require.Equal(t, int32(2), eng.calls, "a completed run must not be deduplicated against a later, independent request")
}
