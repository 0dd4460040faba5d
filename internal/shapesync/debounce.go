package shapesync

import (
	"sync"
	"time"
)

const (
	defaultReportBaseDelay = time.Second
	defaultReportMaxDelay  = 30 * time.Second
)

type ReporterOptions struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Now       func() time.Time
}

// Reporter rate-limits repeated identical error messages. The suppression
// window for a repeated message doubles on every consecutive repeat, capped
// at MaxDelay. A different message resets the counter and is always reported.
type Reporter struct {
	mu         sync.Mutex
	baseDelay  time.Duration
	maxDelay   time.Duration
	now        func() time.Time
	lastMsg    string
	lastReport time.Time
	repeats    int
	seen       bool
}

func NewReporter(opts ReporterOptions) *Reporter {
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultReportBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultReportMaxDelay
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reporter{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		now:       now,
	}
}

func (r *Reporter) ShouldReport(message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if !r.seen || message != r.lastMsg {
		r.seen = true
		r.lastMsg = message
		r.lastReport = now
		r.repeats = 0
		return true
	}
	window := r.window()
	r.repeats++
	if now.Sub(r.lastReport) >= window {
		r.lastReport = now
		return true
	}
	return false
}

// window is base * 2^repeats capped at max.
func (r *Reporter) window() time.Duration {
	window := r.baseDelay
	for i := 0; i < r.repeats; i++ {
		window *= 2
		if window >= r.maxDelay {
			return r.maxDelay
		}
	}
	if window > r.maxDelay {
		return r.maxDelay
	}
	return window
}
