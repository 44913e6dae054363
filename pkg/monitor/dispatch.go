package monitor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"build_monitor/pkg/gitrefs"
)

// BuildFunc runs one build to termination. Cancellation arrives through ctx.
type BuildFunc func(ctx context.Context, ref gitrefs.Ref) error

// Stats is a point-in-time view of the dispatcher's counters.
type Stats struct {
	Launched  int `json:"launched"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Running   int `json:"running"`
	Queued    int `json:"queued"`
}

type activeBuild struct {
	sha     string
	refName string
	cancel  context.CancelFunc
}

type queuedBuild struct {
	ref gitrefs.Ref
	run BuildFunc
}

// Dispatcher runs up to maxConcurrent builds at once and queues the rest in
// FIFO order. One mutex covers the seen set, the queue and the active map:
// the scheduling invariants tie all three together, so they move as a unit.
type Dispatcher struct {
	logger *zap.Logger
	max    int

	mu     sync.Mutex
	seen   *Seen
	queue  []queuedBuild
	active map[string]*activeBuild
	stats  Stats
	shut   bool
}

func NewDispatcher(l *zap.Logger, maxConcurrent int, seen *Seen) (*Dispatcher, error) {
	if maxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent builds must be positive, got %d", maxConcurrent)
	}
	return &Dispatcher{
		logger: l,
		max:    maxConcurrent,
		seen:   seen,
		active: make(map[string]*activeBuild),
	}, nil
}

// Submit schedules a build for ref. The ref's SHA is marked seen at
// submission time. A SHA that is already seen is dropped, so a snapshot
// carrying duplicate SHAs launches exactly one build for them.
func (d *Dispatcher) Submit(ref gitrefs.Ref, run BuildFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shut {
		return
	}
	sha := ref.Object.SHA
	if d.seen.Contains(sha) {
		d.logger.Debug("duplicate submission dropped", zap.String("sha", sha))
		return
	}
	d.seen.Add(sha)

	if len(d.active) < d.max {
		d.startLocked(ref, run)
		return
	}
	d.queue = append(d.queue, queuedBuild{ref: ref, run: run})
	d.logger.Debug("build queued", zap.String("ref", ref.Name), zap.String("sha", sha))
}

// Cancel stops the build for sha. A queued build is dropped before it ever
// starts; a running build has its cancel token fired and is counted
// terminated immediately, without waiting for the underlying activity to
// stop. Unknown SHAs are ignored.
func (d *Dispatcher) Cancel(sha string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ab, ok := d.active[sha]; ok {
		delete(d.active, sha)
		ab.cancel()
		d.stats.Cancelled++
		d.logger.Debug("build cancelled", zap.String("ref", ab.refName), zap.String("sha", sha))
		d.promoteLocked()
		return
	}

	for i, q := range d.queue {
		if q.ref.Object.SHA == sha {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			d.logger.Debug("queued build dropped", zap.String("ref", q.ref.Name), zap.String("sha", sha))
			return
		}
	}
}

// ActiveRefs returns the builds currently running.
func (d *Dispatcher) ActiveRefs() []ActiveRef {
	d.mu.Lock()
	defer d.mu.Unlock()

	refs := make([]ActiveRef, 0, len(d.active))
	for _, ab := range d.active {
		refs = append(refs, ActiveRef{SHA: ab.sha, RefName: ab.refName})
	}
	return refs
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.stats
	s.Running = len(d.active)
	s.Queued = len(d.queue)
	return s
}

// Shutdown cancels every queued and running build and refuses further
// submissions.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shut {
		return
	}
	d.shut = true
	for sha, ab := range d.active {
		delete(d.active, sha)
		ab.cancel()
		d.stats.Cancelled++
	}
	d.queue = nil
	d.logger.Info("dispatcher shut down")
}

// startLocked launches ref's build. Caller holds d.mu and has checked the
// concurrency cap.
func (d *Dispatcher) startLocked(ref gitrefs.Ref, run BuildFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sha := ref.Object.SHA
	d.active[sha] = &activeBuild{sha: sha, refName: ref.Name, cancel: cancel}
	d.stats.Launched++
	d.logger.Info("build started", zap.String("ref", ref.Name), zap.String("sha", sha))

	go func() {
		err := run(ctx, ref)
		d.finish(ref, err)
	}()
}

// finish records a build's terminal outcome and promotes the queue head.
// A build that was cancelled has already been accounted for and removed.
func (d *Dispatcher) finish(ref gitrefs.Ref, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sha := ref.Object.SHA
	ab, ok := d.active[sha]
	if !ok {
		return
	}
	delete(d.active, sha)
	ab.cancel()

	if err != nil {
		d.stats.Failed++
		d.logger.Warn("build failed", zap.String("ref", ref.Name), zap.String("sha", sha), zap.Error(err))
	} else {
		d.stats.Completed++
		d.logger.Info("build completed", zap.String("ref", ref.Name), zap.String("sha", sha))
	}
	d.promoteLocked()
}

func (d *Dispatcher) promoteLocked() {
	for !d.shut && len(d.active) < d.max && len(d.queue) > 0 {
		q := d.queue[0]
		d.queue = d.queue[1:]
		d.startLocked(q.ref, q.run)
	}
}
