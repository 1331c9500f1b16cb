// Package anthropic provides the one illustrative collab.ModelStreamer
// adapter wired for demo/dev use (§1), backed by the Anthropic Claude
// Messages API via github.com/anthropics/anthropic-sdk-go. Production
// deployments are expected to supply their own collab.ModelStreamer; this
// adapter exists so the pipeline runs end to end out of the box.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/flowcore/runengine/collab"
)

// MessagesClient captures the subset of the Anthropic SDK client this
// adapter needs, so tests can substitute a fake without a live API key.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the streamer's default request parameters.
type Options struct {
	Model       string
	MaxTokens   int64
	Temperature float64
}

// Streamer implements collab.ModelStreamer on top of Anthropic Claude.
type Streamer struct {
	msg  MessagesClient
	opts Options
}

// New builds a Streamer from msg and opts.
func New(msg MessagesClient, opts Options) (*Streamer, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &Streamer{msg: msg, opts: opts}, nil
}

// NewFromAPIKey constructs a Streamer using the Anthropic SDK's default HTTP
// client, configured from apiKey.
func NewFromAPIKey(apiKey, model string) (*Streamer, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, Options{Model: model})
}

// Stream implements collab.ModelStreamer. It issues a single streaming
// Messages.New request and translates Anthropic's SSE text deltas into
// collab.StreamChunk, closing the returned channel when the model signals
// message_stop or the stream errors.
func (s *Streamer) Stream(ctx context.Context, prompt string) (<-chan collab.StreamChunk, error) {
	params := sdk.MessageNewParams{
		Model:       sdk.Model(s.opts.Model),
		MaxTokens:   s.opts.MaxTokens,
		Temperature: sdk.Float(s.opts.Temperature),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}

	stream := s.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: start stream: %w", err)
	}

	out := make(chan collab.StreamChunk, 32)
	go s.pump(stream, out)
	return out, nil
}

func (s *Streamer) pump(stream *ssestream.Stream[sdk.MessageStreamEventUnion], out chan<- collab.StreamChunk) {
	defer close(out)
	defer stream.Close()

	var costUsed float64
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				out <- collab.StreamChunk{Text: delta.Text}
			}
		case sdk.MessageDeltaEvent:
			if ev.Usage.OutputTokens > 0 {
				costUsed = float64(ev.Usage.OutputTokens) * tokenCost
			}
		case sdk.MessageStopEvent:
			out <- collab.StreamChunk{Final: true, CostUsed: costUsed}
			return
		}
	}
}

// tokenCost is an illustrative per-output-token cost unit; production
// deployments should source real pricing from their billing configuration.
const tokenCost = 0.000015
