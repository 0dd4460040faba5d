package shapesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/shapesync/internal/mirror"
)

const defaultPollInterval = 30 * time.Second

type FallbackAdapterOptions struct {
	BaseURL    string
	Shape      Shape
	Params     map[string]string
	Tokens     TokenProvider
	HTTPClient *http.Client
	Snapshots  *SnapshotCache
	Runtime    *Runtime
	Reporter   *Reporter
	Logger     *zap.SugaredLogger
	Interval   time.Duration
}

// FallbackAdapter polls the REST listing endpoint for a source and
// rehydrates the sink as an atomic replace. Refreshes are coalesced per
// source: every adapter sharing a Runtime collapses concurrent refreshes to
// a single listing fetch, and each adapter hydrates its own sink from the
// shared result. On the first activation it hydrates synchronously from the
// cached snapshot when one exists, so consumers are never blank while the
// initial refresh runs.
type FallbackAdapter struct {
	client    *apiClient
	shape     Shape
	params    map[string]string
	snapshots *SnapshotCache
	runtime   *Runtime
	reporter  *Reporter
	logger    *zap.SugaredLogger
	interval  time.Duration

	mu                sync.Mutex
	cleaned           bool
	inFlight          bool
	cancel            context.CancelFunc
	unregisterRefresh func()
	wg                sync.WaitGroup
}

func NewFallbackAdapter(opts FallbackAdapterOptions) *FallbackAdapter {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = NewReporter(ReporterOptions{})
	}
	snapshots := opts.Snapshots
	if snapshots == nil {
		snapshots = NewSnapshotCache(SnapshotCacheOptions{Logger: logger})
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &FallbackAdapter{
		client:    newAPIClient(opts.BaseURL, opts.HTTPClient, opts.Tokens),
		shape:     opts.Shape,
		params:    opts.Params,
		snapshots: snapshots,
		runtime:   opts.Runtime,
		reporter:  reporter,
		logger:    logger,
		interval:  interval,
	}
}

func (a *FallbackAdapter) Start(ctx context.Context, sink mirror.Sink) {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	if a.cleaned {
		a.mu.Unlock()
		cancel()
		return
	}
	a.cancel = cancel
	// Reserve the poll loop slot before releasing the mutex so a concurrent
	// Stop blocks in wg.Wait until the synchronous hydrate below and the
	// loop itself have both finished.
	a.wg.Add(1)
	a.mu.Unlock()

	if snap, ok := a.snapshots.Get(a.sourceKey()); ok {
		a.hydrate(sink, snap.Rows)
	}

	a.mu.Lock()
	if !a.cleaned && a.runtime != nil {
		a.unregisterRefresh = a.runtime.OnRefresh(func() {
			a.mu.Lock()
			if a.cleaned {
				a.mu.Unlock()
				return
			}
			a.wg.Add(1)
			a.mu.Unlock()
			go func() {
				defer a.wg.Done()
				a.Refresh(runCtx, sink)
			}()
		})
	}
	a.mu.Unlock()

	go a.pollLoop(runCtx, sink)
}

// Stop cancels polling, waits for any in-flight refresh, and deregisters the
// on-demand refresh subscription. No sink writes happen after Stop returns.
func (a *FallbackAdapter) Stop() {
	a.mu.Lock()
	if a.cleaned {
		a.mu.Unlock()
		return
	}
	a.cleaned = true
	cancel := a.cancel
	unregister := a.unregisterRefresh
	a.mu.Unlock()
	if unregister != nil {
		unregister()
	}
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

func (a *FallbackAdapter) pollLoop(ctx context.Context, sink mirror.Sink) {
	defer a.wg.Done()
	a.Refresh(ctx, sink)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Refresh(ctx, sink)
		}
	}
}

// Refresh fetches the full row-set and replaces the sink contents. A refresh
// requested while one is already in flight for the same source does not hit
// the network again; it waits for the in-flight fetch and hydrates from its
// fresher-or-equal result.
func (a *FallbackAdapter) Refresh(ctx context.Context, sink mirror.Sink) {
	if a.stopped() {
		return
	}

	if a.runtime != nil {
		fetcher, wait := a.runtime.joinRefresh()
		if !fetcher {
			select {
			case <-ctx.Done():
			case outcome := <-wait:
				a.deliver(ctx, sink, outcome, false)
			}
			return
		}
		rows, err := a.fetchRows(ctx)
		a.runtime.finishRefresh(refreshOutcome{rows: rows, err: err})
		a.deliver(ctx, sink, refreshOutcome{rows: rows, err: err}, true)
		return
	}

	// No shared runtime, so coalesce locally.
	a.mu.Lock()
	if a.inFlight {
		a.mu.Unlock()
		return
	}
	a.inFlight = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.inFlight = false
		a.mu.Unlock()
	}()
	rows, err := a.fetchRows(ctx)
	a.deliver(ctx, sink, refreshOutcome{rows: rows, err: err}, true)
}

// deliver applies one refresh outcome to this adapter's sink. Only the
// adapter that performed the fetch reports failures and stores the snapshot.
func (a *FallbackAdapter) deliver(ctx context.Context, sink mirror.Sink, outcome refreshOutcome, fetched bool) {
	if outcome.err != nil {
		if isAbort(outcome.err) {
			return
		}
		if fetched && a.reporter.ShouldReport(outcome.err.Error()) {
			a.logger.Warnw("fallback refresh failed", "table", a.shape.Table, "error", outcome.err)
		}
		// A failed refresh is retried on the next tick; readiness
		// must not wait for it.
		if !a.stopped() && !sink.IsReady() {
			sink.MarkReady()
		}
		return
	}
	if ctx.Err() != nil || a.stopped() {
		return
	}
	a.hydrate(sink, outcome.rows)
	if fetched {
		a.snapshots.Put(a.sourceKey(), outcome.rows)
	}
}

func (a *FallbackAdapter) fetchRows(ctx context.Context) ([]Row, error) {
	query := url.Values{}
	for name, value := range a.params {
		query.Set(name, value)
	}
	var payload map[string]json.RawMessage
	if err := a.client.doJSON(ctx, http.MethodGet, a.shape.ListPath, query, nil, &payload); err != nil {
		return nil, err
	}
	raw, ok := payload[a.shape.Table]
	if !ok {
		return []Row{}, nil
	}
	var rows []Row
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// hydrate applies rows as one atomic replace: begin, truncate, insert each
// row, commit, mark ready.
func (a *FallbackAdapter) hydrate(sink mirror.Sink, rows []Row) {
	sink.Begin()
	sink.Truncate()
	for _, row := range rows {
		sink.Write(mirror.Write{Type: mirror.WriteInsert, Key: RowKey(row), Value: row})
	}
	sink.Commit()
	if !sink.IsReady() {
		sink.MarkReady()
	}
}

func (a *FallbackAdapter) sourceKey() string {
	if a.runtime != nil {
		return a.runtime.Key()
	}
	return SourceKey(a.shape.Table, a.params)
}

func (a *FallbackAdapter) stopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cleaned
}
