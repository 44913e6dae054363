package monitor_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"build_monitor/pkg/gitrefs"
	"build_monitor/pkg/monitor"
)

type testDispatcher struct {
	*monitor.Dispatcher
	seen    *monitor.Seen
	started chan string
	release chan struct{}
}

func newTestDispatcher(t *testing.T, maxConcurrent int) *testDispatcher {
	seen := monitor.NewSeen()
	d, err := monitor.NewDispatcher(zaptest.NewLogger(t), maxConcurrent, seen)
	require.NoError(t, err)

	return &testDispatcher{
		Dispatcher: d,
		seen:       seen,
		started:    make(chan string, 16),
		release:    make(chan struct{}),
	}
}

// blocking is a build that reports its start and then waits for the test to
// release it or for cancellation.
func (td *testDispatcher) blocking(ctx context.Context, ref gitrefs.Ref) error {
	td.started <- ref.Object.SHA
	select {
	case <-td.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (td *testDispatcher) stop(t *testing.T) {
	td.Shutdown()
	goleak.VerifyNone(t)
}

func (td *testDispatcher) expectStart(t *testing.T, sha string) {
	t.Helper()
	select {
	case got := <-td.started:
		require.Equal(t, sha, got)
	case <-time.After(time.Second):
		t.Fatalf("build for %s did not start", sha)
	}
}

func (td *testDispatcher) expectNoStart(t *testing.T) {
	t.Helper()
	select {
	case got := <-td.started:
		t.Fatalf("unexpected build start for %s", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewDispatcher_RejectsNonPositiveCap(t *testing.T) {
	log := zaptest.NewLogger(t)
	for _, limit := range []int{0, -1} {
		_, err := monitor.NewDispatcher(log, limit, monitor.NewSeen())
		require.Error(t, err, "cap %d", limit)
	}
}

func TestDispatcher_LaunchesInSubmitOrder(t *testing.T) {
	td := newTestDispatcher(t, 1)
	defer td.stop(t)

	for i := 0; i < 3; i++ {
		td.Submit(ref(fmt.Sprintf("refs/heads/branch-%d", i), sha(i)), td.blocking)
	}
	require.Equal(t, 1, td.Stats().Running)
	require.Equal(t, 2, td.Stats().Queued)

	td.expectStart(t, sha(0))
	close(td.release)
	td.expectStart(t, sha(1))
	td.expectStart(t, sha(2))

	require.Eventually(t, func() bool { return td.Stats().Completed == 3 }, time.Second, time.Millisecond)
}

func TestDispatcher_SubmitMarksSeen(t *testing.T) {
	td := newTestDispatcher(t, 1)
	defer td.stop(t)

	td.Submit(ref("refs/heads/main", sha(0)), td.blocking)
	td.Submit(ref("refs/heads/dev", sha(1)), td.blocking)

	assert.True(t, td.seen.Contains(sha(0)))
	assert.True(t, td.seen.Contains(sha(1))) // queued builds are seen too
	close(td.release)
}

func TestDispatcher_DuplicateSHADropped(t *testing.T) {
	td := newTestDispatcher(t, 2)
	defer td.stop(t)

	td.Submit(ref("refs/heads/main", sha(0)), td.blocking)
	td.Submit(ref("refs/tags/v1.0", sha(0)), td.blocking)

	require.Equal(t, 1, td.Stats().Launched)
	close(td.release)
}

func TestDispatcher_CancelQueuedNeverStarts(t *testing.T) {
	td := newTestDispatcher(t, 1)
	defer td.stop(t)

	td.Submit(ref("refs/heads/branch-0", sha(0)), td.blocking)
	td.Submit(ref("refs/heads/branch-1", sha(1)), td.blocking)
	td.expectStart(t, sha(0))

	td.Cancel(sha(1))
	require.Equal(t, 0, td.Stats().Queued)

	close(td.release)
	td.expectNoStart(t)

	require.Eventually(t, func() bool { return td.Stats().Completed == 1 }, time.Second, time.Millisecond)
	// A dropped queued build never launched, so it is not a cancellation.
	assert.Equal(t, 0, td.Stats().Cancelled)
	assert.Equal(t, 1, td.Stats().Launched)
}

func TestDispatcher_CancelRunningPromotesImmediately(t *testing.T) {
	td := newTestDispatcher(t, 1)
	defer td.stop(t)

	td.Submit(ref("refs/heads/branch-0", sha(0)), td.blocking)
	td.Submit(ref("refs/heads/branch-1", sha(1)), td.blocking)
	td.expectStart(t, sha(0))

	// Promotion happens at cancellation time, before the cancelled build's
	// goroutine has observed its context.
	td.Cancel(sha(0))
	td.expectStart(t, sha(1))

	s := td.Stats()
	assert.Equal(t, 1, s.Cancelled)
	assert.Equal(t, 1, s.Running)
	close(td.release)
}

func TestDispatcher_CancelUnknownSHAIsNoop(t *testing.T) {
	td := newTestDispatcher(t, 1)
	defer td.stop(t)

	td.Cancel(sha(42))
	assert.Equal(t, monitor.Stats{}, td.Stats())
}

func TestDispatcher_BuildErrorsAreSwallowed(t *testing.T) {
	td := newTestDispatcher(t, 1)
	defer td.stop(t)

	failing := func(ctx context.Context, ref gitrefs.Ref) error {
		return fmt.Errorf("compiler exploded")
	}
	td.Submit(ref("refs/heads/branch-0", sha(0)), failing)
	td.Submit(ref("refs/heads/branch-1", sha(1)), td.blocking)

	// The failure frees the slot and the queued build is promoted.
	td.expectStart(t, sha(1))
	require.Eventually(t, func() bool { return td.Stats().Failed == 1 }, time.Second, time.Millisecond)

	// The failed SHA stays seen; resubmission is dropped.
	td.Submit(ref("refs/heads/branch-0", sha(0)), td.blocking)
	assert.Equal(t, 2, td.Stats().Launched)
	close(td.release)
}

func TestDispatcher_ActiveRefs(t *testing.T) {
	td := newTestDispatcher(t, 2)
	defer td.stop(t)

	td.Submit(ref("refs/heads/branch-0", sha(0)), td.blocking)
	td.Submit(ref("refs/heads/branch-1", sha(1)), td.blocking)

	// Both builds run at once in their own goroutines, so their starts may
	// be observed in either order.
	var started []string
	for i := 0; i < 2; i++ {
		select {
		case got := <-td.started:
			started = append(started, got)
		case <-time.After(time.Second):
			t.Fatal("build did not start")
		}
	}
	require.ElementsMatch(t, []string{sha(0), sha(1)}, started)

	active := td.ActiveRefs()
	shas := make(map[string]string, len(active))
	for _, a := range active {
		shas[a.SHA] = a.RefName
	}
	assert.Equal(t, map[string]string{
		sha(0): "refs/heads/branch-0",
		sha(1): "refs/heads/branch-1",
	}, shas)
	close(td.release)
}

func TestDispatcher_ShutdownCancelsEverythingAndRefusesSubmits(t *testing.T) {
	td := newTestDispatcher(t, 1)

	td.Submit(ref("refs/heads/branch-0", sha(0)), td.blocking)
	td.Submit(ref("refs/heads/branch-1", sha(1)), td.blocking)
	td.expectStart(t, sha(0))

	td.Shutdown()
	s := td.Stats()
	assert.Equal(t, 0, s.Running)
	assert.Equal(t, 0, s.Queued)
	assert.Equal(t, 1, s.Cancelled)

	td.Submit(ref("refs/heads/branch-2", sha(2)), td.blocking)
	td.expectNoStart(t)
	assert.Equal(t, 1, td.Stats().Launched)

	goleak.VerifyNone(t)
}
