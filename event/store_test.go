package event_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/event/memlog"
)

func TestStoreAppendPersistsBeforeBroadcast(t *testing.T) {
	log := memlog.New()
	bus := memlog.NewBus()
	store := event.NewStore(log, bus, nil)

	ev, err := store.Append(context.Background(), "run1", event.TypeRunStarted, map[string]any{"message": "hi"})
	require.NoError(t, err)
	require.Equal(t, int64(1), ev.Seq)

	hist, err := store.History(context.Background(), "run1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, event.TypeRunStarted, hist[0].Type)
}

func TestStoreSubscribeReplaysThenTails(t *testing.T) {
	log := memlog.New()
	bus := memlog.NewBus()
	store := event.NewStore(log, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := store.Append(ctx, "run1", event.TypeRunStarted, nil)
	require.NoError(t, err)

	ch, stop, err := store.Subscribe(ctx, "run1")
	require.NoError(t, err)
	defer stop()

	first := <-ch
	require.Equal(t, int64(1), first.Seq)
	require.Equal(t, event.TypeRunStarted, first.Type)

	_, err = store.Append(ctx, "run1", event.TypeRunCompleted, nil)
	require.NoError(t, err)

	select {
	case second, ok := <-ch:
		require.True(t, ok)
		require.Equal(t, int64(2), second.Seq)
		require.Equal(t, event.TypeRunCompleted, second.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}

	// Channel closes on its own once a terminal event is observed.
	_, ok := <-ch
	require.False(t, ok)
}

func TestStoreSubscribeNoDuplicateAcrossReplayAndLive(t *testing.T) {
	log := memlog.New()
	bus := memlog.NewBus()
	store := event.NewStore(log, bus, nil)
	ctx := context.Background()

	_, err := store.Append(ctx, "run1", event.TypeRunStarted, nil)
	require.NoError(t, err)
	_, err = store.Append(ctx, "run1", event.TypeNodeStarted, nil)
	require.NoError(t, err)

	ch, stop, err := store.Subscribe(ctx, "run1")
	require.NoError(t, err)
	defer stop()

	var seqs []int64
	for i := 0; i < 2; i++ {
		seqs = append(seqs, (<-ch).Seq)
	}
	require.Equal(t, []int64{1, 2}, seqs)
}

func TestMemlogAppendRequiresRunID(t *testing.T) {
	log := memlog.New()
	_, err := log.Append(context.Background(), "", event.TypeRunStarted, nil)
	require.Error(t, err)
}

func TestMemlogHistoryIsDefensiveCopy(t *testing.T) {
	log := memlog.New()
	ctx := context.Background()
	_, err := log.Append(ctx, "run1", event.TypeRunStarted, nil)
	require.NoError(t, err)

	hist, err := log.History(ctx, "run1")
	require.NoError(t, err)
	hist[0].Type = event.TypeRunFailed

	hist2, err := log.History(ctx, "run1")
	require.NoError(t, err)
	require.Equal(t, event.TypeRunStarted, hist2[0].Type)
}
