package shapesync

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/shapesync/internal/mirror"
)

type SyncContextOptions struct {
	BaseURL         string
	HTTPClient      *http.Client
	Tokens          TokenProvider
	SnapshotDSN     string
	ReadyTimeout    time.Duration
	PollInterval    time.Duration
	ReportBaseDelay time.Duration
	ReportMaxDelay  time.Duration
	Logger          *zap.SugaredLogger
}

// SyncContext is the composition root for one sync scope: it owns the
// source-runtime registry, the snapshot cache, the error debouncer, and the
// collection cache. Independent contexts share nothing.
type SyncContext struct {
	baseURL      string
	httpClient   *http.Client
	tokens       TokenProvider
	readyTimeout time.Duration
	pollInterval time.Duration
	logger       *zap.SugaredLogger

	registry  *Registry
	snapshots *SnapshotCache
	reporter  *Reporter

	mu          sync.Mutex
	collections map[string]*Collection
}

func NewSyncContext(opts SyncContextOptions) (*SyncContext, error) {
	if opts.Tokens == nil {
		return nil, fmt.Errorf("token provider is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	backend, err := BuildSnapshotBackendFromDSN(opts.SnapshotDSN)
	if err != nil {
		return nil, err
	}
	return &SyncContext{
		baseURL:      strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		httpClient:   opts.HTTPClient,
		tokens:       opts.Tokens,
		readyTimeout: opts.ReadyTimeout,
		pollInterval: opts.PollInterval,
		logger:       logger,
		registry:     NewRegistry(),
		snapshots:    NewSnapshotCache(SnapshotCacheOptions{Backend: backend, Logger: logger}),
		reporter: NewReporter(ReporterOptions{
			BaseDelay: opts.ReportBaseDelay,
			MaxDelay:  opts.ReportMaxDelay,
		}),
		collections: map[string]*Collection{},
	}, nil
}

// Registry exposes the context's source-runtime registry.
func (sc *SyncContext) Registry() *Registry {
	return sc.registry
}

// Snapshots exposes the context's snapshot cache.
func (sc *SyncContext) Snapshots() *SnapshotCache {
	return sc.snapshots
}

// Close releases the snapshot backend, if any.
func (sc *SyncContext) Close() error {
	return sc.snapshots.Close()
}

// Collection returns the cached collection for (table, params, mutation
// capability), building it on first reference. A read-only mirror and a
// mutation-enabled mirror of the same source cache separately but share one
// source runtime.
func (sc *SyncContext) Collection(table string, params map[string]string, spec *MutationSpec) (*Collection, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, fmt.Errorf("table is required")
	}
	id := CollectionID(table, params, spec != nil)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if existing, ok := sc.collections[id]; ok {
		return existing, nil
	}

	shape := shapeForTable(table, params)
	sourceKey := SourceKey(table, params)
	runtime := sc.registry.Runtime(sourceKey)

	coll := &Collection{
		id:        id,
		sourceKey: sourceKey,
		shape:     shape,
		params:    cloneParams(params),
		runtime:   runtime,
		sc:        sc,
	}
	if spec != nil {
		coll.gateway = NewGateway(GatewayOptions{
			BaseURL:    sc.baseURL,
			Shape:      shape,
			Spec:       *spec,
			Tokens:     sc.tokens,
			HTTPClient: sc.httpClient,
			Runtime:    runtime,
			Snapshots:  sc.snapshots,
			Logger:     sc.logger,
		})
	}
	sc.collections[id] = coll
	return coll, nil
}

// Collection is a local reactive mirror of one source. Sync sessions may be
// started and cleaned up repeatedly as consumers mount and unmount; the
// collection itself stays cached for the lifetime of its SyncContext.
type Collection struct {
	id        string
	sourceKey string
	shape     Shape
	params    map[string]string
	runtime   *Runtime
	sc        *SyncContext
	gateway   *Gateway

	mu     sync.Mutex
	active *Orchestrator
}

func (c *Collection) ID() string {
	return c.id
}

func (c *Collection) SourceKey() string {
	return c.sourceKey
}

func (c *Collection) Mutable() bool {
	return c.gateway != nil
}

// Mode reports the shared source's current delivery mode.
func (c *Collection) Mode() Mode {
	return c.runtime.Mode()
}

// Sync starts a sync session into sink. Only one session per collection may
// be active at a time.
func (c *Collection) Sync(ctx context.Context, sink mirror.Sink) error {
	sc := c.sc
	var orch *Orchestrator
	live := NewLiveAdapter(LiveAdapterOptions{
		BaseURL:    sc.baseURL,
		Shape:      c.shape,
		Params:     c.params,
		Tokens:     sc.tokens,
		HTTPClient: sc.httpClient,
		Reporter:   sc.reporter,
		Logger:     sc.logger,
		OnUnavailable: func(err error) {
			orch.switchToFallback()
		},
	})
	orch = NewOrchestrator(OrchestratorOptions{
		Runtime: c.runtime,
		Live:    live,
		Fallback: NewFallbackAdapter(FallbackAdapterOptions{
			BaseURL:    sc.baseURL,
			Shape:      c.shape,
			Params:     c.params,
			Tokens:     sc.tokens,
			HTTPClient: sc.httpClient,
			Snapshots:  sc.snapshots,
			Runtime:    c.runtime,
			Reporter:   sc.reporter,
			Logger:     sc.logger,
			Interval:   sc.pollInterval,
		}),
		ReadyTimeout: sc.readyTimeout,
		Reporter:     sc.reporter,
		Logger:       sc.logger,
	})

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return ErrSyncActive
	}
	c.active = orch
	c.mu.Unlock()

	return orch.Sync(ctx, sink)
}

// Cleanup tears down the active sync session. The fallback latch on the
// shared runtime survives, so a rebuilt session on an unreliable source goes
// straight to polling.
func (c *Collection) Cleanup() {
	c.mu.Lock()
	active := c.active
	c.active = nil
	c.mu.Unlock()
	if active != nil {
		active.Cleanup()
	}
}

// Mutate routes intents through the mutation gateway. It fails for read-only
// collections.
func (c *Collection) Mutate(ctx context.Context, intents ...MutationIntent) (*MutationResult, error) {
	if c.gateway == nil {
		return nil, ErrNotMutable
	}
	return c.gateway.Apply(ctx, intents)
}

func cloneParams(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	clone := make(map[string]string, len(params))
	for k, v := range params {
		clone[k] = v
	}
	return clone
}
