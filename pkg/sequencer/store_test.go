package sequencer

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMemorySnapshotStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySnapshotStore()

	_, err := store.Load(ctx, "missing")
	require.True(t, errors.Is(err, ErrSnapshotNotFound))

	state := State{DebateID: "d1", Status: StatusPaused, PartialContent: "half"}
	require.Error(t, store.Save(ctx, State{}), "snapshot without debate id is rejected")
	require.NoError(t, store.Save(ctx, state))

	got, err := store.Load(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, StatusPaused, got.Status)
	require.Equal(t, "half", got.PartialContent)

	// Load returns a copy, not a handle into the store.
	got.PartialContent = "mutated"
	again, err := store.Load(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, "half", again.PartialContent)

	require.NoError(t, store.Delete(ctx, "d1"))
	_, err = store.Load(ctx, "d1")
	require.True(t, errors.Is(err, ErrSnapshotNotFound))
}
