package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowcore/runengine/collab"
	"github.com/flowcore/runengine/collab/ratelimit"
)

type stubStreamer struct {
	err error
}

func (s *stubStreamer) Stream(context.Context, string) (<-chan collab.StreamChunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan collab.StreamChunk, 1)
	ch <- collab.StreamChunk{Final: true}
	close(ch)
	return ch, nil
}

func TestLimiterWrapDelegatesOnSuccess(t *testing.T) {
	limiter := ratelimit.New(context.Background(), nil, "", 600000, 600000)
	wrapped := limiter.Wrap(&stubStreamer{})

	ch, err := wrapped.Stream(context.Background(), "hello there")
	require.NoError(t, err)
	chunk := <-ch
	require.True(t, chunk.Final)
}

func TestLimiterWrapPropagatesRateLimitError(t *testing.T) {
	limiter := ratelimit.New(context.Background(), nil, "", 600000, 600000)
	wrapped := limiter.Wrap(&stubStreamer{err: ratelimit.ErrRateLimited})

	_, err := wrapped.Stream(context.Background(), "hi")
	require.ErrorIs(t, err, ratelimit.ErrRateLimited)
}

func TestLimiterWrapNilStreamerReturnsNil(t *testing.T) {
	limiter := ratelimit.New(context.Background(), nil, "", 60000, 60000)
	require.Nil(t, limiter.Wrap(nil))
}

func TestLimiterBlocksWhenBudgetExhausted(t *testing.T) {
	// A tiny per-minute budget with a matching burst means the first prompt
	// nearly exhausts it, leaving too little for a second call to proceed
	// within a short deadline.
	limiter := ratelimit.New(context.Background(), nil, "", 600, 600)
	wrapped := limiter.Wrap(&stubStreamer{})

	prompt := string(make([]byte, 150)) // ~550 estimated tokens, just under the 600 burst

	_, err := wrapped.Stream(context.Background(), prompt)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = wrapped.Stream(ctx, prompt)
	require.Error(t, err)
}
