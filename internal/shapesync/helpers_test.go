package shapesync

import (
	"context"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", message)
}

type fakeTokenProvider struct {
	mu         sync.Mutex
	token      string
	refreshed  string
	refreshErr error
	refreshes  int
	hooks      ShapeHooks
	hasHooks   bool
}

func (p *fakeTokenProvider) Token(ctx context.Context) (string, error) {
	_ = ctx
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token, nil
}

func (p *fakeTokenProvider) TriggerRefresh(ctx context.Context) error {
	_ = ctx
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	if p.refreshErr != nil {
		return p.refreshErr
	}
	if p.refreshed != "" {
		p.token = p.refreshed
	}
	return nil
}

func (p *fakeTokenProvider) RegisterShape(hooks ShapeHooks) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = hooks
	p.hasHooks = true
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.hasHooks = false
	}
}

func (p *fakeTokenProvider) refreshCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

func (p *fakeTokenProvider) pause() {
	p.mu.Lock()
	hooks := p.hooks
	p.mu.Unlock()
	if hooks.Pause != nil {
		hooks.Pause()
	}
}

func (p *fakeTokenProvider) resume() {
	p.mu.Lock()
	hooks := p.hooks
	p.mu.Unlock()
	if hooks.Resume != nil {
		hooks.Resume()
	}
}
