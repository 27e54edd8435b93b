package optimistic

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartsync/cartsync/internal/core/backup"
	"github.com/cartsync/cartsync/internal/core/broadcast"
	"github.com/cartsync/cartsync/internal/core/conflict"
	"github.com/cartsync/cartsync/internal/core/gateway"
	"github.com/cartsync/cartsync/internal/core/models"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BackupInterval = 0
	return cfg
}

func newTestStore(t *testing.T, gw gateway.Gateway, mutate ...func(*Options)) *Store {
	t.Helper()
	opts := Options{Config: testConfig(), Gateway: gw}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seeded(t *testing.T, items ...models.Item) (*Store, *gateway.MemoryGateway) {
	t.Helper()
	gw := gateway.NewMemory(items...)
	s := newTestStore(t, gw)
	require.NoError(t, s.Resync(context.Background()))
	return s, gw
}

func TestInsertConfirmsInPlace(t *testing.T) {
	s, gw := seeded(t,
		models.Item{ID: "a", Fields: models.Fields{"name": "milk"}},
		models.Item{ID: "b", Fields: models.Fields{"name": "bread"}},
	)

	release := gw.BlockAll()
	result := make(chan models.Item, 1)
	go func() {
		item, err := s.Insert(context.Background(), models.Fields{"name": "eggs"})
		if err == nil {
			result <- item
		}
	}()

	// The provisional row appears immediately, at the end, under a temp id.
	require.Eventually(t, func() bool { return len(s.Items()) == 3 }, time.Second, time.Millisecond)
	provisional := s.Items()[2]
	assert.True(t, strings.HasPrefix(provisional.ID, "tmp-"))
	assert.Equal(t, 1, s.PendingCount())
	assert.True(t, s.IsLoading())
	assert.True(t, s.IsOperationPending(provisional.ID))

	release()
	select {
	case item := <-result:
		assert.Equal(t, "srv-1", item.ID)
	case <-time.After(time.Second):
		t.Fatal("insert did not settle")
	}

	// The authoritative record replaced the provisional row in place.
	items := s.Items()
	require.Len(t, items, 3)
	assert.Equal(t, []string{"a", "b", "srv-1"}, []string{items[0].ID, items[1].ID, items[2].ID})
	assert.Equal(t, 0, s.PendingCount())
	assert.False(t, s.IsLoading())
	assert.NoError(t, s.Err())
}

func TestSequentialInsertsPreserveOrder(t *testing.T) {
	gw := gateway.NewMemory()
	s := newTestStore(t, gw)

	names := []string{"milk", "bread", "eggs"}
	for _, name := range names {
		_, err := s.Insert(context.Background(), models.Fields{"name": name})
		require.NoError(t, err)
	}

	// Confirmation happens in place, so issuance order survives settlement.
	items := s.Items()
	require.Len(t, items, 3)
	assert.Equal(t, []string{"srv-1", "srv-2", "srv-3"},
		[]string{items[0].ID, items[1].ID, items[2].ID})
	for i, name := range names {
		assert.Equal(t, name, items[i].Fields["name"])
	}
}

func TestInsertRollsBackOnRemoteRejection(t *testing.T) {
	gw := gateway.NewMemory()
	gw.FailNext(&gateway.Error{Code: "validation", Message: "name required"})
	s := newTestStore(t, gw)

	_, err := s.Insert(context.Background(), models.Fields{})
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)

	assert.Empty(t, s.Items())
	assert.Equal(t, 0, s.PendingCount())

	// The failure stays visible until explicitly cleared.
	require.Error(t, s.Err())
	s.ClearError()
	assert.NoError(t, s.Err())
}

func TestUpdateRestoresExactPriorValue(t *testing.T) {
	prior := models.Fields{"name": "milk", "qty": float64(2), "note": "2%"}
	s, gw := seeded(t, models.Item{ID: "a", Fields: prior})

	gw.FailNext(&gateway.Error{Code: "conflict"})
	_, err := s.Update(context.Background(), "a", models.Fields{"qty": 9, "note": "oat"})
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)

	got, ok := s.GetItem("a")
	require.True(t, ok)
	assert.True(t, got.Fields.Equal(prior))
	assert.Equal(t, "a", s.Items()[0].ID)
}

func TestUpdateMissingIDIsNoOp(t *testing.T) {
	s, _ := seeded(t, models.Item{ID: "a", Fields: models.Fields{"n": float64(1)}})

	_, err := s.Update(context.Background(), "ghost", models.Fields{"n": 2})
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "ghost", notFound.ID)

	// No pending operation, no shared error, no state change.
	assert.Equal(t, 0, s.PendingCount())
	assert.NoError(t, s.Err())
	require.Len(t, s.Items(), 1)
}

func TestDeleteRollsBackOnFailure(t *testing.T) {
	s, gw := seeded(t,
		models.Item{ID: "a", Fields: models.Fields{"name": "milk"}},
		models.Item{ID: "b", Fields: models.Fields{"name": "bread"}},
	)

	gw.FailNext(&gateway.Error{Code: "forbidden"})
	err := s.Delete(context.Background(), "a")
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)

	// The row is restored; position is not guaranteed, presence is.
	got, ok := s.GetItem("a")
	require.True(t, ok)
	assert.Equal(t, "milk", got.Fields["name"])
	require.Len(t, s.Items(), 2)
}

func TestDeleteMissingIDIsNoOp(t *testing.T) {
	s, _ := seeded(t, models.Item{ID: "a", Fields: models.Fields{"n": float64(1)}})

	err := s.Delete(context.Background(), "ghost")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, 0, s.PendingCount())
	assert.NoError(t, s.Err())
}

func TestTimeoutRollsBackAndDiscardsLateResult(t *testing.T) {
	gw := gateway.NewMemory()
	release := gw.BlockAll()
	defer release()

	s := newTestStore(t, gw, func(o *Options) {
		o.Config.RollbackWindow = 30 * time.Millisecond
	})

	_, err := s.Insert(context.Background(), models.Fields{"name": "eggs"})
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 30*time.Millisecond, timeoutErr.After)

	assert.Empty(t, s.Items())
	require.Error(t, s.Err())

	// The network call is still running. Releasing it lets the backend
	// commit, but the stale result must not resurrect the rolled-back row.
	release()
	require.Eventually(t, func() bool { return len(gw.Records()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.Items())
}

func TestPendingCountTracksInFlightOperations(t *testing.T) {
	gw := gateway.NewMemory()
	release := gw.BlockAll()
	defer release()
	s := newTestStore(t, gw)

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.Insert(context.Background(), models.Fields{"n": 1})
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return s.PendingCount() == n }, time.Second, time.Millisecond)
	assert.True(t, s.IsLoading())
	assert.Len(t, s.PendingOperations(), n)

	s.RollbackAll()

	assert.Equal(t, 0, s.PendingCount())
	assert.False(t, s.IsLoading())
	for i := 0; i < n; i++ {
		assert.ErrorIs(t, <-errs, ErrCancelled)
	}
	assert.Empty(t, s.Items())
}

func TestRollbackOperationByID(t *testing.T) {
	gw := gateway.NewMemory()
	release := gw.BlockAll()
	defer release()
	s := newTestStore(t, gw)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Insert(context.Background(), models.Fields{"n": 1})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return s.PendingCount() == 1 }, time.Second, time.Millisecond)

	ops := s.PendingOperations()
	require.Len(t, ops, 1)
	require.NoError(t, s.RollbackOperation(ops[0].ID))
	assert.ErrorIs(t, <-errCh, ErrCancelled)
	assert.Empty(t, s.Items())

	assert.ErrorIs(t, s.RollbackOperation("nope"), ErrUnknownOperation)
}

func TestCallerCancellationRollsBack(t *testing.T) {
	gw := gateway.NewMemory()
	release := gw.BlockAll()
	defer release()
	s := newTestStore(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Insert(ctx, models.Fields{"n": 1})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return s.PendingCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Empty(t, s.Items())
	assert.Equal(t, 0, s.PendingCount())
}

func TestSyncPreservesPendingEdits(t *testing.T) {
	s, gw := seeded(t, models.Item{ID: "a", Fields: models.Fields{"name": "milk", "qty": float64(1)}})

	release := gw.BlockAll()
	go func() {
		_, _ = s.Update(context.Background(), "a", models.Fields{"qty": 5})
	}()
	require.Eventually(t, func() bool { return s.PendingCount() == 1 }, time.Second, time.Millisecond)

	// Another session renamed the item and a snapshot arrives mid-flight.
	s.SyncWithRemote([]models.Item{
		{ID: "a", Fields: models.Fields{"name": "whole milk", "qty": float64(1)}},
		{ID: "b", Fields: models.Fields{"name": "bread"}},
	})

	got, ok := s.GetItem("a")
	require.True(t, ok)
	// The in-flight field keeps the local value; the rest converges.
	assert.Equal(t, 5, got.Fields["qty"])
	assert.Equal(t, "whole milk", got.Fields["name"])
	_, ok = s.GetItem("b")
	assert.True(t, ok)
	assert.GreaterOrEqual(t, s.SyncState().ConflictCount, int64(1))
	assert.NotNil(t, s.SyncState().LastSync)

	release()
}

func TestResolveConflictsUsesCallback(t *testing.T) {
	remoteWins := func(_ context.Context, _, remote models.Fields) (conflict.Resolution, models.Fields, error) {
		return conflict.RemoteWins, nil, nil
	}

	s, _ := seeded(t, models.Item{ID: "a", Fields: models.Fields{"name": "milk"}})
	s.resolver = remoteWins

	records, err := s.ResolveConflicts(context.Background(), []models.Item{
		{ID: "a", Fields: models.Fields{"name": "oat milk"}},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)

	got, _ := s.GetItem("a")
	assert.Equal(t, "oat milk", got.Fields["name"])
}

func TestResolveConflictsRequiresResolver(t *testing.T) {
	s, _ := seeded(t)
	_, err := s.ResolveConflicts(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoResolver)
}

func TestWarmStartFromBackup(t *testing.T) {
	kv := backup.NewMemoryKV()
	bs := backup.NewStore(kv, nil)
	require.NoError(t, bs.Backup([]models.Item{
		{ID: "a", Fields: models.Fields{"name": "milk"}},
	}))

	gw := gateway.NewMemory()
	s := newTestStore(t, gw, func(o *Options) { o.Backup = bs })

	require.Len(t, s.Items(), 1)
	assert.NotNil(t, s.SyncState().LastSync)
}

func TestBroadcastHintTriggersPeerResync(t *testing.T) {
	bus := broadcast.NewLocalBus()
	defer bus.Close()
	gw := gateway.NewMemory()

	mkStore := func() *Store {
		return newTestStore(t, gw, func(o *Options) {
			o.Broadcaster = bus
			o.Config.ResyncOnBroadcast = true
		})
	}
	a := mkStore()
	b := mkStore()

	_, err := a.Insert(context.Background(), models.Fields{"name": "milk"})
	require.NoError(t, err)

	// The peer picks up the change through the hint alone.
	require.Eventually(t, func() bool { return len(b.Items()) == 1 }, time.Second, 5*time.Millisecond)
	got := b.Items()[0]
	assert.Equal(t, "srv-1", got.ID)
}

func TestCloseDuringPeerHintsIsSafe(t *testing.T) {
	bus := broadcast.NewLocalBus()
	defer bus.Close()
	s := newTestStore(t, gateway.NewMemory(), func(o *Options) {
		o.Broadcaster = bus
		o.Config.ResyncOnBroadcast = true
	})

	// Hammer the store with resync hints while it tears down. Close must
	// not lose the race between its Wait and a hint-launched goroutine.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = bus.Broadcast(broadcast.Message{
				Type:     broadcast.TypeResyncHint,
				SenderID: "peer",
			})
		}
	}()

	require.NoError(t, s.Close())
	<-done
}

func TestCloseRejectsFurtherMutations(t *testing.T) {
	s := newTestStore(t, gateway.NewMemory())
	require.NoError(t, s.Close())

	_, err := s.Insert(context.Background(), models.Fields{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Update(context.Background(), "a", models.Fields{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Delete(context.Background(), "a"), ErrClosed)
}
