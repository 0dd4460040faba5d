package shapesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/shapesync/internal/mirror"
)

const defaultReadyTimeout = 3 * time.Second

type syncState int

const (
	stateLiveActive syncState = iota
	stateSwitching
	stateFallbackActive
)

type OrchestratorOptions struct {
	Runtime      *Runtime
	Live         *LiveAdapter
	Fallback     *FallbackAdapter
	ReadyTimeout time.Duration
	Reporter     *Reporter
	Logger       *zap.SugaredLogger
}

// Orchestrator arbitrates between live push delivery and REST polling for
// one collection. It starts live unless the shared runtime is already
// fallback-locked, arms a readiness timeout, and on failure or timeout locks
// the runtime so every collection over the same source degrades together.
// Fallback is terminal: there is no promotion back to live within a session.
type Orchestrator struct {
	runtime      *Runtime
	live         *LiveAdapter
	fallback     *FallbackAdapter
	readyTimeout time.Duration
	reporter     *Reporter
	logger       *zap.SugaredLogger

	mu               sync.Mutex
	state            syncState
	started          bool
	cleaned          bool
	timer            *time.Timer
	unregisterSwitch func()
	unregisterReady  func()
	ctx              context.Context
	sink             mirror.Sink
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	readyTimeout := opts.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = NewReporter(ReporterOptions{})
	}
	return &Orchestrator{
		runtime:      opts.Runtime,
		live:         opts.Live,
		fallback:     opts.Fallback,
		readyTimeout: readyTimeout,
		reporter:     reporter,
		logger:       logger,
	}
}

// Sync starts the collection's sync session against sink.
func (o *Orchestrator) Sync(ctx context.Context, sink mirror.Sink) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrSyncActive
	}
	o.started = true
	o.ctx = ctx
	o.sink = sink
	o.mu.Unlock()

	if o.runtime.FallbackLocked() {
		o.mu.Lock()
		o.state = stateFallbackActive
		o.mu.Unlock()
		o.fallback.Start(ctx, sink)
		return nil
	}

	o.mu.Lock()
	o.state = stateLiveActive
	o.unregisterReady = sink.OnFirstReady(func() {
		o.stopTimer()
	})
	o.timer = time.AfterFunc(o.readyTimeout, func() {
		if sink.IsReady() {
			return
		}
		err := fmt.Errorf("shape %s did not reach ready within %s", o.runtime.Key(), o.readyTimeout)
		if o.reporter.ShouldReport(err.Error()) {
			o.logger.Warnw("live sync readiness timeout", "source", o.runtime.Key(), "error", err)
		}
		o.switchToFallback()
	})
	o.mu.Unlock()

	// Another collection on this source may lock fallback at any time.
	unregister := o.runtime.OnSwitch(func() {
		o.switchToFallback()
	})
	o.mu.Lock()
	o.unregisterSwitch = unregister
	o.mu.Unlock()

	o.live.Start(ctx, sink)
	return nil
}

// switchToFallback performs the one-way live to fallback transition. Safe to
// invoke from the timeout, the live adapter's unavailability signal, and the
// cross-collection broadcast; only the first caller acts.
func (o *Orchestrator) switchToFallback() {
	o.mu.Lock()
	if o.cleaned || o.state != stateLiveActive {
		o.mu.Unlock()
		return
	}
	o.state = stateSwitching
	ctx := o.ctx
	sink := o.sink
	o.stopTimerLocked()
	o.mu.Unlock()

	o.live.Stop()
	if o.runtime.LockFallback() {
		o.logger.Infow("source locked to fallback polling", "source", o.runtime.Key())
	}

	o.mu.Lock()
	if o.cleaned {
		o.mu.Unlock()
		return
	}
	o.state = stateFallbackActive
	o.mu.Unlock()
	o.fallback.Start(ctx, sink)
}

// Cleanup cancels whichever adapter is active, clears the readiness timer,
// and deregisters from the runtime. The collection cache entry and the
// fallback latch survive cleanup.
func (o *Orchestrator) Cleanup() {
	o.mu.Lock()
	if o.cleaned {
		o.mu.Unlock()
		return
	}
	o.cleaned = true
	o.stopTimerLocked()
	unregisterSwitch := o.unregisterSwitch
	unregisterReady := o.unregisterReady
	state := o.state
	o.mu.Unlock()

	if unregisterSwitch != nil {
		unregisterSwitch()
	}
	if unregisterReady != nil {
		unregisterReady()
	}
	if state == stateFallbackActive {
		o.fallback.Stop()
	} else {
		o.live.Stop()
		o.fallback.Stop()
	}
}

func (o *Orchestrator) stopTimer() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopTimerLocked()
}

func (o *Orchestrator) stopTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}
