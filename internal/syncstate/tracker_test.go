package syncstate

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"testing/synctest"
	"time"

	"github.com/alexjbarnes/alertsync/internal/alert"
	"github.com/alexjbarnes/alertsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const testChannel = "sijua_cd"

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenAt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// --- Get / Set ---

func TestGet_ZeroForUnknownChannel(t *testing.T) {
	tr, err := Load(testStore(t), time.Second, testLogger)
	require.NoError(t, err)

	assert.Equal(t, alert.SyncState{}, tr.Get("never_there"))
}

func TestSet_Get_RoundTrip(t *testing.T) {
	tr, err := Load(testStore(t), time.Second, testLogger)
	require.NoError(t, err)

	want := alert.SyncState{HighestContiguousSequence: 5, HighestSeenSequence: 5, TotalReceived: 9}
	tr.Set(testChannel, want)
	assert.Equal(t, want, tr.Get(testChannel))
}

func TestSet_DoesNotPersistUntilFlush(t *testing.T) {
	st := testStore(t)
	tr, err := Load(st, time.Second, testLogger)
	require.NoError(t, err)

	tr.Set(testChannel, alert.SyncState{HighestContiguousSequence: 3})

	persisted, err := st.GetSyncState(testChannel)
	require.NoError(t, err)
	assert.Equal(t, alert.SyncState{}, persisted)
}

// --- Flush / ForceSave ---

func TestFlush_PersistsDirtyEntries(t *testing.T) {
	st := testStore(t)
	tr, err := Load(st, time.Second, testLogger)
	require.NoError(t, err)

	want := alert.SyncState{HighestContiguousSequence: 3, HighestSeenSequence: 3}
	tr.Set(testChannel, want)
	tr.Flush()

	persisted, err := st.GetSyncState(testChannel)
	require.NoError(t, err)
	assert.Equal(t, want, persisted)
}

func TestForceSave_SurvivesReload(t *testing.T) {
	st := testStore(t)
	tr1, err := Load(st, time.Second, testLogger)
	require.NoError(t, err)

	want := alert.SyncState{HighestContiguousSequence: 10, HighestSeenSequence: 10, TotalReceived: 12}
	tr1.Set(testChannel, want)
	tr1.ForceSave()

	tr2, err := Load(st, time.Second, testLogger)
	require.NoError(t, err)
	assert.Equal(t, want, tr2.Get(testChannel))
}

// --- All / Clear ---

func TestAll_ReturnsSnapshot(t *testing.T) {
	tr, err := Load(testStore(t), time.Second, testLogger)
	require.NoError(t, err)

	tr.Set("a_x", alert.SyncState{HighestContiguousSequence: 1})
	tr.Set("b_y", alert.SyncState{HighestContiguousSequence: 2})

	all := tr.All()
	require.Len(t, all, 2)

	// Mutating the snapshot must not touch the tracker.
	all["a_x"] = alert.SyncState{HighestContiguousSequence: 99}
	assert.Equal(t, int64(1), tr.Get("a_x").HighestContiguousSequence)
}

func TestClear_RemovesMemoryAndDisk(t *testing.T) {
	st := testStore(t)
	tr, err := Load(st, time.Second, testLogger)
	require.NoError(t, err)

	tr.Set(testChannel, alert.SyncState{HighestContiguousSequence: 4})
	tr.Flush()
	require.NoError(t, tr.Clear(testChannel))

	assert.Equal(t, alert.SyncState{}, tr.Get(testChannel))

	persisted, err := st.GetSyncState(testChannel)
	require.NoError(t, err)
	assert.Equal(t, alert.SyncState{}, persisted)
}

func TestClearAll_WipesEveryChannel(t *testing.T) {
	st := testStore(t)
	tr, err := Load(st, time.Second, testLogger)
	require.NoError(t, err)

	tr.Set("a_x", alert.SyncState{HighestContiguousSequence: 1})
	tr.Set("b_y", alert.SyncState{HighestContiguousSequence: 2})
	tr.Flush()
	require.NoError(t, tr.ClearAll())

	assert.Empty(t, tr.All())

	all, err := st.AllSyncStates()
	require.NoError(t, err)
	assert.Empty(t, all)
}

// --- Run (synctest) ---

func TestRun_FlushesOnInterval(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		st := testStore(t)
		tr, err := Load(st, 2*time.Second, testLogger)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- tr.Run(ctx) }()

		tr.Set(testChannel, alert.SyncState{HighestContiguousSequence: 7})

		time.Sleep(3 * time.Second)
		synctest.Wait()

		persisted, err := st.GetSyncState(testChannel)
		require.NoError(t, err)
		assert.Equal(t, int64(7), persisted.HighestContiguousSequence)

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestRun_FinalFlushOnCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		st := testStore(t)
		tr, err := Load(st, time.Hour, testLogger)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- tr.Run(ctx) }()

		tr.Set(testChannel, alert.SyncState{HighestContiguousSequence: 11})

		// Cancel long before the first tick; the shutdown flush must
		// still persist the pending write.
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)

		persisted, err := st.GetSyncState(testChannel)
		require.NoError(t, err)
		assert.Equal(t, int64(11), persisted.HighestContiguousSequence)
	})
}
