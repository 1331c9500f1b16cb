// Package ratelimit wraps a collab.ModelStreamer with an adaptive
// tokens-per-minute budget, so a single noisy tenant cannot starve the
// model-streaming step for everyone else sharing the process.
package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowcore/runengine/collab"
	"goa.design/pulse/rmap"
)

// ErrRateLimited is returned by observe's caller convention when the
// provider signals backpressure; collab.ModelStreamer implementations that
// detect a 429-equivalent should wrap it so the limiter backs off.
var ErrRateLimited = errors.New("ratelimit: provider signalled rate limit")

// Limiter applies an AIMD-style adaptive token bucket in front of a
// collab.ModelStreamer. It estimates the token cost of each prompt, blocks
// the caller until budget is available, and shrinks or grows its effective
// tokens-per-minute ceiling in response to observed provider backpressure.
type Limiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64

	onBackoff func(newTPM float64)
	onProbe   func(newTPM float64)
}

type limitedStreamer struct {
	next    collab.ModelStreamer
	limiter *Limiter
}

// clusterMap is the subset of rmap.Map the cluster-aware limiter needs.
type clusterMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
	Subscribe() <-chan rmap.EventKind
}

type rmapClusterMap struct{ m *rmap.Map }

// New constructs a Limiter with a tokens-per-minute budget. When m is
// non-nil, the budget is coordinated across every process in the cluster via
// a Pulse replicated map keyed by key; otherwise the limiter is process-local
// (§6.4 GLOBAL_CONCURRENCY governs run admission, this governs model spend).
func New(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *Limiter {
	var cm clusterMap
	if m != nil {
		cm = &rmapClusterMap{m: m}
	}
	return newClusterLimiter(ctx, cm, key, initialTPM, maxTPM)
}

func newLocalLimiter(initialTPM, maxTPM float64) *Limiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &Limiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wrap returns a collab.ModelStreamer that enforces l's budget before
// delegating to next.
func (l *Limiter) Wrap(next collab.ModelStreamer) collab.ModelStreamer {
	if next == nil {
		return nil
	}
	return &limitedStreamer{next: next, limiter: l}
}

func (s *limitedStreamer) Stream(ctx context.Context, prompt string) (<-chan collab.StreamChunk, error) {
	if err := s.limiter.wait(ctx, prompt); err != nil {
		return nil, err
	}
	ch, err := s.next.Stream(ctx, prompt)
	s.limiter.observe(err)
	return ch, err
}

func (l *Limiter) wait(ctx context.Context, prompt string) error {
	return l.limiter.WaitN(ctx, estimateTokens(prompt))
}

func (l *Limiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, ErrRateLimited) {
		l.backoff()
	}
}

func (l *Limiter) backoff() {
	l.mu.Lock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onBackoff
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

func (l *Limiter) probe() {
	l.mu.Lock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onProbe
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

// estimateTokens is a cheap heuristic: characters over a fixed ratio, plus a
// buffer for system-prompt and provider framing overhead.
func estimateTokens(prompt string) int {
	if len(prompt) <= 0 {
		return 500
	}
	tokens := len(prompt) / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

func (l *Limiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	l.mu.Unlock()
}

func (l *Limiter) setClusterCallbacks(onBackoff, onProbe func(newTPM float64)) {
	l.mu.Lock()
	l.onBackoff = onBackoff
	l.onProbe = onProbe
	l.mu.Unlock()
}

func (m *rmapClusterMap) Get(key string) (string, bool) { return m.m.Get(key) }

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind { return m.m.Subscribe() }

func newClusterLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *Limiter {
	if key == "" || m == nil {
		return newLocalLimiter(initialTPM, maxTPM)
	}

	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			return newLocalLimiter(initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}

	l := newLocalLimiter(sharedTPM, maxTPM)
	min, max, step := l.minTPM, l.maxTPM, l.recoveryRate

	l.setClusterCallbacks(
		func(_ float64) { go globalBackoff(context.Background(), m, key, min) },
		func(_ float64) { go globalProbe(context.Background(), m, key, step, max) },
	)

	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
				l.replaceTPM(v)
			}
		}
	}()

	return l
}

func globalBackoff(ctx context.Context, m clusterMap, key string, floor float64) {
	const maxAttempts = 3
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}

func globalProbe(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	const maxAttempts = 3
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 || cur >= ceiling {
			return
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}
