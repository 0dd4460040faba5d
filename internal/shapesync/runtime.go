package shapesync

import (
	"sort"
	"sync"
)

type Mode int

const (
	ModeLive Mode = iota
	ModeFallback
)

func (m Mode) String() string {
	if m == ModeFallback {
		return "fallback"
	}
	return "live"
}

// Runtime is the shared coordination state for one source, observed by every
// collection built over the same source key. The fallback lock is a one-way
// latch for the lifetime of the registry: once a source has proven push
// delivery unreliable, no collection retries it in this session.
type Runtime struct {
	mu             sync.Mutex
	key            string
	fallbackLocked bool
	refreshers     map[int]func()
	switchers      map[int]func()
	nextID         int

	refreshInFlight bool
	refreshWaiters  []chan refreshOutcome
}

// refreshOutcome is the result of one shared listing fetch, fanned out to
// every session that coalesced onto it.
type refreshOutcome struct {
	rows []Row
	err  error
}

func newRuntime(key string) *Runtime {
	return &Runtime{
		key:        key,
		refreshers: map[int]func(){},
		switchers:  map[int]func(){},
	}
}

func (rt *Runtime) Key() string {
	return rt.key
}

func (rt *Runtime) FallbackLocked() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.fallbackLocked
}

func (rt *Runtime) Mode() Mode {
	if rt.FallbackLocked() {
		return ModeFallback
	}
	return ModeLive
}

// LockFallback flips the latch and broadcasts to all registered switch
// callbacks. Idempotent: only the first caller flips and broadcasts; the
// return value reports whether this call did.
func (rt *Runtime) LockFallback() bool {
	rt.mu.Lock()
	if rt.fallbackLocked {
		rt.mu.Unlock()
		return false
	}
	rt.fallbackLocked = true
	callbacks := rt.snapshotLocked(rt.switchers)
	rt.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
	return true
}

// OnSwitch registers a callback invoked when the source locks to fallback.
// If the latch is already set the callback fires immediately.
func (rt *Runtime) OnSwitch(fn func()) (unregister func()) {
	if fn == nil {
		return func() {}
	}
	rt.mu.Lock()
	if rt.fallbackLocked {
		rt.mu.Unlock()
		fn()
		return func() {}
	}
	id := rt.nextID
	rt.nextID++
	rt.switchers[id] = fn
	rt.mu.Unlock()
	return func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		delete(rt.switchers, id)
	}
}

// OnRefresh registers a callback invoked when an on-demand fallback refresh
// is requested for this source.
func (rt *Runtime) OnRefresh(fn func()) (unregister func()) {
	if fn == nil {
		return func() {}
	}
	rt.mu.Lock()
	id := rt.nextID
	rt.nextID++
	rt.refreshers[id] = fn
	rt.mu.Unlock()
	return func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		delete(rt.refreshers, id)
	}
}

// RequestRefresh invokes every registered refresh callback.
func (rt *Runtime) RequestRefresh() {
	rt.mu.Lock()
	callbacks := rt.snapshotLocked(rt.refreshers)
	rt.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
}

// joinRefresh coalesces concurrent refreshes for this source. The first
// caller becomes the fetcher and must call finishRefresh with the outcome;
// every later caller gets a channel that receives the fetcher's outcome.
func (rt *Runtime) joinRefresh() (fetcher bool, wait <-chan refreshOutcome) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.refreshInFlight {
		rt.refreshInFlight = true
		return true, nil
	}
	ch := make(chan refreshOutcome, 1)
	rt.refreshWaiters = append(rt.refreshWaiters, ch)
	return false, ch
}

func (rt *Runtime) finishRefresh(outcome refreshOutcome) {
	rt.mu.Lock()
	waiters := rt.refreshWaiters
	rt.refreshWaiters = nil
	rt.refreshInFlight = false
	rt.mu.Unlock()
	for _, ch := range waiters {
		ch <- outcome
	}
}

func (rt *Runtime) snapshotLocked(set map[int]func()) []func() {
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	callbacks := make([]func(), 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, set[id])
	}
	return callbacks
}

// Registry maps source keys to their shared runtimes. It is owned by the
// SyncContext, not by the package, so independent contexts never share
// fallback state.
type Registry struct {
	mu       sync.Mutex
	runtimes map[string]*Runtime
}

func NewRegistry() *Registry {
	return &Registry{runtimes: map[string]*Runtime{}}
}

// Runtime returns the runtime for key, creating it on first reference.
func (reg *Registry) Runtime(key string) *Runtime {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rt, ok := reg.runtimes[key]
	if !ok {
		rt = newRuntime(key)
		reg.runtimes[key] = rt
	}
	return rt
}
