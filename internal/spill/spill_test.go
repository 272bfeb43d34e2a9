package spill

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"owntracks/db-bridge/internal/model"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()

	q, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "spill.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, q.Close()) })
	return q
}

func record(user string, tst int64) *model.EventRecord {
	vel := 12.5
	return &model.EventRecord{
		User:      user,
		Device:    "phone1",
		Latitude:  45.5,
		Longitude: -122.6,
		Timestamp: time.Unix(tst, 0).UTC(),
		Velocity:  &vel,
		Raw:       map[string]any{"_type": "location", "lat": 45.5},
	}
}

func TestQueue_AppendAndReplay(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Append(ctx, record("alice", 100), errors.New("db down")))
	require.NoError(t, q.Append(ctx, record("bob", 200), errors.New("db down")))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pending)

	var replayed []*model.EventRecord
	n, err := q.Replay(ctx, func(_ context.Context, rec *model.EventRecord) error {
		replayed = append(replayed, rec)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Oldest first, fields intact after the round trip.
	require.Len(t, replayed, 2)
	require.Equal(t, "alice", replayed[0].User)
	require.Equal(t, "bob", replayed[1].User)
	require.Equal(t, 45.5, replayed[0].Latitude)
	require.Equal(t, time.Unix(100, 0).UTC(), replayed[0].Timestamp)
	require.NotNil(t, replayed[0].Velocity)
	require.Equal(t, 12.5, *replayed[0].Velocity)
	require.Equal(t, map[string]any{"_type": "location", "lat": 45.5}, replayed[0].Raw)

	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
}

func TestQueue_ReplayStopsOnError(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Append(ctx, record("alice", 100), errors.New("db down")))
	require.NoError(t, q.Append(ctx, record("bob", 200), errors.New("db down")))

	calls := 0
	n, err := q.Replay(ctx, func(_ context.Context, _ *model.EventRecord) error {
		calls++
		if calls == 2 {
			return errors.New("still down")
		}
		return nil
	})
	require.Error(t, err)
	require.Equal(t, 1, n)

	// Only the successfully replayed row is gone.
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestQueue_ReplayEmpty(t *testing.T) {
	q := openTestQueue(t)

	n, err := q.Replay(context.Background(), func(_ context.Context, _ *model.EventRecord) error {
		t.Fatal("fn must not be called for an empty queue")
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, n)
}
