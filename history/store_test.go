package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, limit int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), limit)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(n int) Entry {
	return Entry{
		AgentID:       "dictate",
		AgentName:     "Dictate",
		Transcription: fmt.Sprintf("transcript %d", n),
		Response:      fmt.Sprintf("response %d", n),
		AudioPath:     fmt.Sprintf("/audio/%d.flac", n),
		Duration:      2 * time.Second,
	}
}

func TestAppendAndList(t *testing.T) {
	s := openTestStore(t, 10)
	ctx := context.Background()

	id, purged, err := s.Append(ctx, entry(1))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Empty(t, purged)

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "transcript 1", entries[0].Transcription)
	assert.Equal(t, "Dictate", entries[0].AgentName)
	assert.Equal(t, 2*time.Second, entries[0].Duration)
	assert.False(t, entries[0].Partial())
	assert.WithinDuration(t, time.Now(), entries[0].CreatedAt, 5*time.Second)
}

func TestPartialEntry(t *testing.T) {
	s := openTestStore(t, 10)
	e := entry(1)
	e.Response = ""
	_, _, err := s.Append(context.Background(), e)
	require.NoError(t, err)

	entries, err := s.List(context.Background())
	require.NoError(t, err)
	assert.True(t, entries[0].Partial())
}

func TestAppendPurgesOldestAtomically(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, purged, err := s.Append(ctx, entry(i))
		require.NoError(t, err)
		assert.Empty(t, purged)
	}

	// Fourth append purges entry 1 and reports its artifact.
	_, purged, err := s.Append(ctx, entry(4))
	require.NoError(t, err)
	assert.Equal(t, []string{"/audio/1.flac"}, purged)

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "transcript 4", entries[0].Transcription) // newest first
	assert.Equal(t, "transcript 2", entries[2].Transcription)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t, 10)
	ctx := context.Background()
	id, _, err := s.Append(ctx, entry(1))
	require.NoError(t, err)

	path, err := s.Delete(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/audio/1.flac", path)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.Delete(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClear(t *testing.T) {
	s := openTestStore(t, 10)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, _, err := s.Append(ctx, entry(i))
		require.NoError(t, err)
	}

	paths, err := s.Clear(ctx)
	require.NoError(t, err)
	assert.Len(t, paths, 3)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPlanLimitReportsExactCount(t *testing.T) {
	s := openTestStore(t, 100)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, _, err := s.Append(ctx, entry(i))
		require.NoError(t, err)
	}

	// 5 entries, limit 100 -> 3: exactly 2 would go.
	n, err := s.PlanLimit(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.PlanLimit(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSetLimitRequiresConfirmation(t *testing.T) {
	s := openTestStore(t, 100)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, _, err := s.Append(ctx, entry(i))
		require.NoError(t, err)
	}

	_, err := s.SetLimit(ctx, 3, false)
	var confirmErr *ErrConfirmRequired
	require.True(t, errors.As(err, &confirmErr))
	assert.Equal(t, 2, confirmErr.DeleteCount)

	// Canceling (not confirming) leaves history unchanged.
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 100, s.Limit())

	// Confirming purges the two oldest and their artifacts.
	purged, err := s.SetLimit(ctx, 3, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"/audio/1.flac", "/audio/2.flac"}, purged)
	assert.Equal(t, 3, s.Limit())

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "transcript 3", entries[2].Transcription)
}

func TestSetLimitIncreaseNeedsNoConfirm(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, _, err := s.Append(ctx, entry(i))
		require.NoError(t, err)
	}

	purged, err := s.SetLimit(ctx, 50, false)
	require.NoError(t, err)
	assert.Empty(t, purged)
	assert.Equal(t, 50, s.Limit())
}
