package shapesync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/shapesync/internal/mirror"
)

const (
	headerShapeOffset  = "electric-offset"
	headerShapeHandle  = "electric-handle"
	headerShapeCursor  = "electric-cursor"
	controlUpToDate    = "up-to-date"
	controlMustRefetch = "must-refetch"
	initialShapeOffset = "-1"
	pausedRetryDelay   = 250 * time.Millisecond
	liveRetryBaseDelay = 100 * time.Millisecond
	liveRetryMaxDelay  = 2 * time.Second
	operationInsert    = "insert"
	operationUpdate    = "update"
	operationDelete    = "delete"
)

type shapeMessage struct {
	Key     string         `json:"key"`
	Value   map[string]any `json:"value"`
	Headers struct {
		Operation string `json:"operation"`
		Control   string `json:"control"`
	} `json:"headers"`
}

type LiveAdapterOptions struct {
	BaseURL       string
	Shape         Shape
	Params        map[string]string
	Tokens        TokenProvider
	HTTPClient    *http.Client
	Reporter      *Reporter
	Logger        *zap.SugaredLogger
	OnUnavailable func(err error)
}

// LiveAdapter drives a shape long-poll subscription into the store sink:
// bearer-token injection per request, pause/resume from the auth
// collaborator, 401-triggered token refresh, and failure classification.
// When push delivery proves unavailable it signals OnUnavailable exactly
// once and stops.
type LiveAdapter struct {
	baseURL       string
	shape         Shape
	params        map[string]string
	tokens        TokenProvider
	httpClient    *http.Client
	reporter      *Reporter
	logger        *zap.SugaredLogger
	onUnavailable func(error)

	gate            pauseGate
	unregisterHooks func()

	mu      sync.Mutex
	cleaned bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	offset string
	handle string
	cursor string
	live   bool
}

func NewLiveAdapter(opts LiveAdapterOptions) *LiveAdapter {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = NewReporter(ReporterOptions{})
	}
	return &LiveAdapter{
		baseURL:       strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		shape:         opts.Shape,
		params:        opts.Params,
		tokens:        opts.Tokens,
		httpClient:    httpClient,
		reporter:      reporter,
		logger:        logger,
		onUnavailable: opts.OnUnavailable,
		offset:        initialShapeOffset,
	}
}

func (a *LiveAdapter) Start(ctx context.Context, sink mirror.Sink) {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	if a.cleaned {
		a.mu.Unlock()
		cancel()
		return
	}
	a.cancel = cancel
	if a.tokens != nil {
		a.unregisterHooks = a.tokens.RegisterShape(a.gate.hooks())
	}
	// The loop slot must be reserved under the mutex: a concurrent Stop
	// either sees cleaned first and this Start is a no-op, or it waits in
	// wg.Wait for the loop to exit.
	a.wg.Add(1)
	a.mu.Unlock()
	go a.run(runCtx, sink)
}

// Stop cancels the subscription and waits for the loop to exit. No sink
// writes happen after Stop returns.
func (a *LiveAdapter) Stop() {
	a.mu.Lock()
	if a.cleaned {
		a.mu.Unlock()
		return
	}
	a.cleaned = true
	cancel := a.cancel
	unregister := a.unregisterHooks
	a.mu.Unlock()
	if unregister != nil {
		unregister()
	}
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

func (a *LiveAdapter) run(ctx context.Context, sink mirror.Sink) {
	err := a.loop(ctx, sink)
	a.wg.Done()
	if err == nil || isAbort(err) {
		return
	}
	a.report(err)
	if a.onUnavailable != nil {
		a.onUnavailable(err)
	}
}

// loop long-polls until the context is canceled or push delivery proves
// unavailable; the latter is the only non-nil return.
func (a *LiveAdapter) loop(ctx context.Context, sink mirror.Sink) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := a.fetchOnce(ctx, sink)
		switch {
		case err == nil:
			attempt = 0
		case errors.Is(err, ErrAuthPaused):
			if sleepContext(ctx, pausedRetryDelay) != nil {
				return ctx.Err()
			}
		case isAbort(err):
			return err
		case triggersFallback(err):
			return err
		default:
			a.report(err)
			attempt++
			if sleepContext(ctx, backoffDelay(liveRetryBaseDelay, liveRetryMaxDelay, attempt)) != nil {
				return ctx.Err()
			}
		}
	}
}

func (a *LiveAdapter) fetchOnce(ctx context.Context, sink mirror.Sink) error {
	if a.gate.isPaused() {
		return ErrAuthPaused
	}
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return ErrAuthPaused
	}
	if strings.TrimSpace(token) == "" {
		return ErrAuthPaused
	}

	messages, err := a.request(ctx, token)
	var httpErr *HTTPError
	if err != nil && errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
		if refreshErr := a.tokens.TriggerRefresh(ctx); refreshErr != nil {
			return err
		}
		refreshed, tokenErr := a.tokens.Token(ctx)
		if tokenErr != nil || strings.TrimSpace(refreshed) == "" {
			return err
		}
		messages, err = a.request(ctx, refreshed)
	}
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	a.apply(sink, messages)
	return nil
}

func (a *LiveAdapter) request(ctx context.Context, token string) ([]shapeMessage, error) {
	shapeURL, err := a.shape.URL(a.params)
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("offset", a.offset)
	if a.handle != "" {
		query.Set("handle", a.handle)
	}
	if a.cursor != "" {
		query.Set("cursor", a.cursor)
	}
	if a.live {
		query.Set("live", "true")
	}
	for name, value := range a.params {
		query.Set(name, value)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+shapeURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, httpErrorFromResponse(resp.StatusCode, payload)
	}

	if offset := resp.Header.Get(headerShapeOffset); offset != "" {
		a.offset = offset
	}
	if handle := resp.Header.Get(headerShapeHandle); handle != "" {
		a.handle = handle
	}
	a.cursor = resp.Header.Get(headerShapeCursor)

	if len(payload) == 0 {
		return nil, nil
	}
	var messages []shapeMessage
	if err := json.Unmarshal(payload, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// apply stages one batch of change messages as a single sink transaction.
// The first up-to-date control marks the store ready and switches the loop
// into live long-polling.
func (a *LiveAdapter) apply(sink mirror.Sink, messages []shapeMessage) {
	upToDate := false
	sink.Begin()
	for _, msg := range messages {
		switch msg.Headers.Control {
		case controlUpToDate:
			upToDate = true
			continue
		case controlMustRefetch:
			sink.Truncate()
			a.offset = initialShapeOffset
			a.handle = ""
			a.live = false
			continue
		}
		key := msg.Key
		if key == "" {
			key = RowKey(msg.Value)
		}
		switch msg.Headers.Operation {
		case operationInsert:
			sink.Write(mirror.Write{Type: mirror.WriteInsert, Key: key, Value: msg.Value})
		case operationUpdate:
			sink.Write(mirror.Write{Type: mirror.WriteUpdate, Key: key, Value: msg.Value})
		case operationDelete:
			sink.Write(mirror.Write{Type: mirror.WriteDelete, Key: key, Value: msg.Value})
		}
	}
	sink.Commit()
	if upToDate {
		a.live = true
		if !sink.IsReady() {
			sink.MarkReady()
		}
	}
}

func (a *LiveAdapter) report(err error) {
	if err == nil || isAbort(err) {
		return
	}
	if a.reporter.ShouldReport(err.Error()) {
		a.logger.Warnw("shape subscription error", "shape", a.shape.Name, "error", err)
	}
}
