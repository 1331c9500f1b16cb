package redisqueue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/runengine/event"
)

func TestEnqueueRefusesNonToolRequestedEvent(t *testing.T) {
	p := NewProducer(nil) // never touches rdb: the type check fails first
	err := p.Enqueue(context.Background(), event.Event{Type: event.TypeRunStarted})
	require.Error(t, err)
}

func TestIsBusyGroupErr(t *testing.T) {
	require.True(t, isBusyGroupErr(errBusyGroup))
	require.False(t, isBusyGroupErr(nil))
	require.False(t, isBusyGroupErr(errOther))
}

func TestDecodeMessageRoundTrips(t *testing.T) {
	ev := event.Event{RunID: "run1", Type: event.TypeToolRequested, Data: map[string]any{"request_id": "req1"}}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	msg := redis.XMessage{ID: "1-1", Values: map[string]any{"event": string(payload)}}
	decoded, err := decodeMessage(msg)
	require.NoError(t, err)
	require.Equal(t, "run1", decoded.RunID)
	require.Equal(t, event.TypeToolRequested, decoded.Type)
}

func TestDecodeMessageMissingPayload(t *testing.T) {
	_, err := decodeMessage(redis.XMessage{ID: "1-1", Values: map[string]any{}})
	require.Error(t, err)
}

var (
	errBusyGroup = &testErr{"BUSYGROUP Consumer Group name already exists"}
	errOther     = &testErr{"connection refused"}
)

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }
