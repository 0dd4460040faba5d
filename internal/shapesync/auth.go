package shapesync

import (
	"context"
	"strings"
	"sync"
)

// ShapeHooks are invoked by the auth collaborator around token refresh and
// logout/login: Pause before tokens become unusable, Resume once requests
// may go out again.
type ShapeHooks struct {
	Pause  func()
	Resume func()
}

// TokenProvider is the boundary to the external auth subsystem.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	TriggerRefresh(ctx context.Context) error
	RegisterShape(hooks ShapeHooks) (unregister func())
}

// StaticTokenProvider serves one fixed token, never pauses, and cannot
// refresh. Used by the demo binary and tests.
type StaticTokenProvider struct {
	token string
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: strings.TrimSpace(token)}
}

func (p *StaticTokenProvider) Token(ctx context.Context) (string, error) {
	_ = ctx
	return p.token, nil
}

func (p *StaticTokenProvider) TriggerRefresh(ctx context.Context) error {
	_ = ctx
	return &HTTPError{StatusCode: 401, Message: "static token cannot be refreshed"}
}

func (p *StaticTokenProvider) RegisterShape(hooks ShapeHooks) func() {
	_ = hooks
	return func() {}
}

// pauseGate tracks the paused state driven by the auth collaborator's shape
// hooks.
type pauseGate struct {
	mu     sync.Mutex
	paused bool
}

func (g *pauseGate) hooks() ShapeHooks {
	return ShapeHooks{
		Pause: func() {
			g.mu.Lock()
			g.paused = true
			g.mu.Unlock()
		},
		Resume: func() {
			g.mu.Lock()
			g.paused = false
			g.mu.Unlock()
		},
	}
}

func (g *pauseGate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}
