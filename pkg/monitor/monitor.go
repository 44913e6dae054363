package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"build_monitor/pkg/gitrefs"
)

// FetchFunc returns the current ref listing of the watched repository.
type FetchFunc func(ctx context.Context) (gitrefs.Snapshot, error)

// RunFunc runs the build command for ref and blocks until it terminates.
// cmdWithArgs is threaded through from configuration; the monitor never
// inspects it.
type RunFunc func(ctx context.Context, cmdWithArgs []string, ref gitrefs.Ref) error

type Config struct {
	// FetchRefs and RunBuild may be swapped after construction with
	// SetFetchRefs / SetRunBuild; the polling loop reads them fresh on
	// every tick.
	FetchRefs FetchFunc
	RunBuild  RunFunc

	// Clock defaults to the real clock when nil.
	Clock clockwork.Clock

	CmdWithArgs   []string
	MaxConcurrent int
	PollInterval  time.Duration
}

type state int

const (
	stateIdle state = iota
	statePolling
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case statePolling:
		return "polling"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Monitor polls the upstream ref listing on every PollInterval and keeps the
// dispatcher in sync with it: every SHA not built before gets a build, and
// every running build whose SHA has left the listing gets cancelled.
type Monitor struct {
	logger       *zap.Logger
	clock        clockwork.Clock
	cmd          []string
	pollInterval time.Duration

	seen *Seen
	disp *Dispatcher

	mu        sync.Mutex
	fetchRefs FetchFunc
	runBuild  RunFunc
	state     state
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(l *zap.Logger, cfg Config) (*Monitor, error) {
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %v", cfg.PollInterval)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	seen := NewSeen()
	disp, err := NewDispatcher(l, cfg.MaxConcurrent, seen)
	if err != nil {
		return nil, err
	}

	return &Monitor{
		logger:       l,
		clock:        clock,
		cmd:          cfg.CmdWithArgs,
		pollInterval: cfg.PollInterval,
		seen:         seen,
		disp:         disp,
		fetchRefs:    cfg.FetchRefs,
		runBuild:     cfg.RunBuild,
	}, nil
}

// Seed preloads SHAs that must never be built, typically the history of a
// previous run. Legal only before Start.
func (m *Monitor) Seed(shas []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != stateIdle {
		return errors.New("seen set can only be seeded before the monitor starts")
	}
	m.seen.AddAll(shas)
	return nil
}

func (m *Monitor) SetFetchRefs(fetch FetchFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchRefs = fetch
}

func (m *Monitor) SetRunBuild(run RunFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runBuild = run
}

// Start enters the polling state. The first poll fires one PollInterval
// after Start, not immediately. Idempotent; a no-op after Dispose.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != stateIdle {
		return
	}
	m.state = statePolling

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
	m.logger.Info("monitor started", zap.Duration("poll_interval", m.pollInterval))
}

// Dispose stops polling and cancels every queued and running build.
// Idempotent.
func (m *Monitor) Dispose() {
	m.mu.Lock()
	if m.state == stateStopped {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = stateStopped
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if prev == statePolling {
		cancel()
		<-done
	}
	m.disp.Shutdown()
	m.logger.Info("monitor stopped")
}

func (m *Monitor) Stats() Stats {
	return m.disp.Stats()
}

func (m *Monitor) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.String()
}

// SeenSHAs returns the seen set in sorted order. Meant for persisting build
// history at shutdown; call after Dispose.
func (m *Monitor) SeenSHAs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen.SHAs()
}

type fetchResult struct {
	snapshot gitrefs.Snapshot
	err      error
}

// run is the supervisor loop. All scheduling decisions happen on this
// goroutine: ticks start at most one fetch, fetch results are diffed against
// the seen set and the active builds, and the resulting cancels and submits
// are applied before the next tick can be observed. A tick that fires while
// a fetch is still in flight is skipped, not queued.
func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := m.clock.NewTicker(m.pollInterval)
	defer ticker.Stop()

	results := make(chan fetchResult, 1)
	inFlight := false

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.Chan():
			if inFlight {
				m.logger.Debug("previous poll still in flight, skipping tick")
				continue
			}
			fetch := m.currentFetch()
			if fetch == nil {
				m.logger.Error("no ref fetcher configured, skipping tick")
				continue
			}
			inFlight = true
			go func() {
				snapshot, err := fetch(ctx)
				results <- fetchResult{snapshot: snapshot, err: err}
			}()

		case res := <-results:
			inFlight = false
			if res.err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn("ref fetch failed", zap.Error(res.err))
				continue
			}
			m.apply(res.snapshot)
		}
	}
}

// apply reconciles one snapshot: cancellations first, launches second, in
// snapshot order.
func (m *Monitor) apply(snapshot gitrefs.Snapshot) {
	run := m.currentRun()
	if run == nil {
		m.logger.Error("no builder configured, skipping snapshot")
		return
	}

	toLaunch, toCancel := Diff(snapshot, m.seen, m.disp.ActiveRefs())

	for _, a := range toCancel {
		m.logger.Info("ref no longer points at commit, cancelling build",
			zap.String("ref", a.RefName), zap.String("sha", a.SHA))
		m.disp.Cancel(a.SHA)
	}

	for _, r := range toLaunch {
		m.disp.Submit(r, func(ctx context.Context, ref gitrefs.Ref) error {
			return run(ctx, m.cmd, ref)
		})
	}
}

func (m *Monitor) currentFetch() FetchFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchRefs
}

func (m *Monitor) currentRun() RunFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runBuild
}
