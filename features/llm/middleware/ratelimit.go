// Package middleware provides chat.Client middlewares such as adaptive rate
// limiting.
package middleware

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/chat"
	"goa.design/goa-llm/runtime/llm/stream"
	"goa.design/goa-llm/runtime/llm/telemetry"
	"goa.design/pulse/rmap"
)

// DefaultTPM is the tokens-per-minute budget used when none is configured.
const DefaultTPM = 60000

type (
	// Options configures a RateLimiter.
	Options struct {
		// InitialTPM is the starting tokens-per-minute budget. Defaults to
		// DefaultTPM.
		InitialTPM float64
		// MaxTPM caps the budget reached by successive probes. Values below
		// InitialTPM are clamped to it.
		MaxTPM float64
		// Cluster, when set together with Key, shares the budget across
		// processes through a Pulse replicated map.
		Cluster *rmap.Map
		// Key names the shared budget in Cluster, typically the provider and
		// model.
		Key string
		// Logger records budget changes.
		Logger telemetry.Logger
	}

	// RateLimiter applies an AIMD adaptive token bucket in front of a
	// chat.Client. Each request is charged an estimate of its prompt tokens;
	// the budget halves when the provider answers HTTP 429 and recovers
	// linearly on success.
	RateLimiter struct {
		mu      sync.Mutex
		limiter *rate.Limiter
		logger  telemetry.Logger

		tpm  float64
		min  float64
		max  float64
		step float64

		// onBackoff and onProbe propagate local changes to the cluster.
		onBackoff func()
		onProbe   func()
	}

	limitedClient struct {
		next    chat.Client
		limiter *RateLimiter
	}

	// clusterMap is the subset of rmap.Map used to share the budget.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}
)

// NewRateLimiter returns a limiter configured with opts. The cluster
// subscription, when any, stops with ctx.
func NewRateLimiter(ctx context.Context, opts Options) *RateLimiter {
	var cm clusterMap
	if opts.Cluster != nil {
		cm = opts.Cluster
	}
	return newRateLimiter(ctx, cm, opts)
}

func newLocalLimiter(opts Options) *RateLimiter {
	initial := opts.InitialTPM
	if initial <= 0 {
		initial = DefaultTPM
	}
	ceiling := opts.MaxTPM
	if ceiling < initial {
		ceiling = initial
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(initial/60.0), int(initial)),
		logger:  logger,
		tpm:     initial,
		min:     atLeastOne(initial * 0.1),
		max:     ceiling,
		step:    atLeastOne(initial * 0.05),
	}
}

func newRateLimiter(ctx context.Context, m clusterMap, opts Options) *RateLimiter {
	if m == nil || opts.Key == "" {
		return newLocalLimiter(opts)
	}
	key := opts.Key
	seed := opts.InitialTPM
	if seed <= 0 {
		seed = DefaultTPM
	}
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(seed))); err != nil {
			l := newLocalLimiter(opts)
			l.logger.Warn(ctx, "shared rate budget unavailable, using local budget", "key", key, "err", err)
			return l
		}
	}
	if v, ok := parseTPM(m, key); ok {
		opts.InitialTPM = v
		if opts.MaxTPM < seed {
			opts.MaxTPM = seed
		}
	}
	l := newLocalLimiter(opts)
	floor, ceiling, step := l.min, l.max, l.step
	l.onBackoff = func() { go shareBackoff(m, key, floor) }
	l.onProbe = func() { go shareProbe(m, key, step, ceiling) }

	ch := m.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if v, ok := parseTPM(m, key); ok {
					l.set(v)
				}
			}
		}
	}()
	return l
}

// Wrap returns a client that enforces the limiter before delegating to next.
func (l *RateLimiter) Wrap(next chat.Client) chat.Client {
	return &limitedClient{next: next, limiter: l}
}

// TPM returns the current tokens-per-minute budget.
func (l *RateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tpm
}

func (c *limitedClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(ctx, err)
	return resp, err
}

func (c *limitedClient) Stream(ctx context.Context, req *llm.Request, opts chat.StreamOptions) (*stream.Call, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	call, err := c.next.Stream(ctx, req, opts)
	c.limiter.observe(ctx, err)
	return call, err
}

func (l *RateLimiter) wait(ctx context.Context, req *llm.Request) error {
	n := estimateTokens(req)
	l.mu.Lock()
	// WaitN fails immediately when n exceeds the burst, clamp to the budget.
	if burst := l.limiter.Burst(); n > burst && burst > 0 {
		n = burst
	}
	l.mu.Unlock()
	return l.limiter.WaitN(ctx, n)
}

func (l *RateLimiter) observe(ctx context.Context, err error) {
	switch {
	case err == nil:
		if l.update(func(tpm float64) float64 { return tpm + l.step }) && l.onProbe != nil {
			l.onProbe()
		}
	case llm.IsRateLimited(err):
		if l.update(func(tpm float64) float64 { return tpm * 0.5 }) {
			l.logger.Info(ctx, "rate limit backoff", "tpm", l.TPM())
			if l.onBackoff != nil {
				l.onBackoff()
			}
		}
	}
}

// update applies next to the budget and reports whether it changed.
func (l *RateLimiter) update(next func(tpm float64) float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.setLocked(next(l.tpm))
}

func (l *RateLimiter) set(tpm float64) {
	l.mu.Lock()
	l.setLocked(tpm)
	l.mu.Unlock()
}

// setLocked clamps tpm to [min, max] and applies it. It reports whether the
// budget changed.
func (l *RateLimiter) setLocked(tpm float64) bool {
	tpm = min(max(tpm, l.min), l.max)
	if tpm == l.tpm {
		return false
	}
	l.tpm = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	return true
}

// estimateTokens approximates the prompt size of req at one token per three
// characters plus a fixed allowance for framing.
func estimateTokens(req *llm.Request) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
		for _, call := range m.ToolCalls {
			chars += len(call.Name) + len(call.Arguments)
		}
	}
	for _, t := range req.Tools {
		chars += len(t.Name) + len(t.Description) + len(t.Parameters)
	}
	return chars/3 + 500
}

func parseTPM(m clusterMap, key string) (float64, bool) {
	cur, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(cur, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func shareBackoff(m clusterMap, key string, floor float64) {
	shareUpdate(m, key, func(cur float64) (float64, bool) {
		return max(cur*0.5, floor), true
	})
}

func shareProbe(m clusterMap, key string, step, ceiling float64) {
	shareUpdate(m, key, func(cur float64) (float64, bool) {
		if cur >= ceiling {
			return 0, false
		}
		return min(cur+step, ceiling), true
	})
}

// shareUpdate applies next to the shared budget with optimistic concurrency,
// giving up after a few lost races.
func shareUpdate(m clusterMap, key string, next func(float64) (float64, bool)) {
	const attempts = 3

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for range attempts {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		v, ok := next(cur)
		if !ok {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(v)))
		if err != nil || prev == curStr {
			return
		}
	}
}

func atLeastOne(v float64) float64 {
	return max(v, 1)
}
