package horus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSyncRunOfflineIsIdle(t *testing.T) {
	store := newMemStore("notes")
	remote := newFakeRemote()
	enqueueNotes(t, store, 1)

	cfg := DefaultSyncConfig()
	cfg.Network = NetworkMonitorFunc(func(context.Context) bool { return false })
	m := NewSyncManager(store, newMemLocal(), remote, cfg)

	report, err := m.TrySynchronizeData(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunIdle, report.Status)
	require.Zero(t, remote.pushCalls)
	require.Zero(t, remote.pullCalls)
	require.Zero(t, remote.validateCalls)
	require.Equal(t, 1, store.pendingCount())
}

func TestSyncRunPushThenPullThenReconcile(t *testing.T) {
	ctx := context.Background()
	store := newMemStore("notes")
	local := newMemLocal()
	remote := newFakeRemote()
	remote.put(note("r1", "remote"))
	remote.log = []Action{{ID: 100, Type: ActionInsert, Entity: "notes", RecordID: "r1", Payload: map[string]Value{"title": StringValue("remote")}, Timestamp: 1900}}

	w := NewWriter(WriterConfig{Store: store, Local: local})
	_, err := w.Insert(ctx, "notes", "l1", []Attribute{{Name: "title", Value: StringValue("local")}})
	require.NoError(t, err)
	remote.put(note("l1", "local"))

	var stages []string
	cfg := DefaultSyncConfig()
	cfg.StageMetrics = StageMetricsRecorderFunc(func(_ context.Context, st StageTiming) { stages = append(stages, st.Stage) })
	m := NewSyncManager(store, local, remote, cfg)

	report, err := m.TrySynchronizeData(ctx)
	require.NoError(t, err)
	require.Equal(t, RunSucceeded, report.Status)
	require.Equal(t, 1, report.Push.Pushed)
	require.Equal(t, 1, report.Pull.Applied)
	require.Empty(t, report.Reconcile.Divergences)
	require.Equal(t, []string{MetricsStagePush, MetricsStagePull, MetricsStageReconcile, MetricsStageTotal}, stages)

	require.Zero(t, store.pendingCount())
	cp, _ := store.LastCheckpoint(ctx)
	require.Equal(t, int64(1900), cp)
	n, _ := local.Count(ctx, "notes")
	require.Equal(t, 2, n)
}

func TestSyncRunStopsAtFirstFailedStage(t *testing.T) {
	store := newMemStore("notes")
	remote := newFakeRemote()
	remote.pushErr = NotAuthorizedError("push actions", errors.New("401"))
	enqueueNotes(t, store, 1)

	bus := NewEventBus()
	var failed []Event
	bus.Subscribe(EventSyncFailed, func(ev Event) { failed = append(failed, ev) })

	cfg := DefaultSyncConfig()
	cfg.Bus = bus
	m := NewSyncManager(store, newMemLocal(), remote, cfg)

	report, err := m.TrySynchronizeData(context.Background())
	require.ErrorIs(t, err, ErrNotAuthorized)
	require.Equal(t, RunFailed, report.Status)
	require.Equal(t, MetricsStagePush, report.FailedStage)
	require.Zero(t, remote.pullCalls)
	require.Zero(t, remote.validateCalls)

	require.Len(t, failed, 1)
	require.ErrorIs(t, failed[0].Err, ErrNotAuthorized)
}

func TestSyncRunKeepsEarlierStages(t *testing.T) {
	store := newMemStore("notes")
	remote := newFakeRemote()
	remote.pullErr = TransportError("pull actions", errors.New("timeout"))
	enqueueNotes(t, store, 2)

	m := NewSyncManager(store, newMemLocal(), remote, nil)
	report, err := m.TrySynchronizeData(context.Background())
	require.ErrorIs(t, err, ErrTransport)
	require.Equal(t, MetricsStagePull, report.FailedStage)
	require.Zero(t, store.pendingCount(), "pushed actions stay completed after a pull failure")
}

// blockingRemote holds push requests until released.
type blockingRemote struct {
	*fakeRemote
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (r *blockingRemote) PushActions(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	r.calls.Add(1)
	r.entered <- struct{}{}
	<-r.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.fakeRemote.PushActions(ctx, req)
}

func TestSyncRunIsSingleFlight(t *testing.T) {
	store := newMemStore("notes")
	enqueueNotes(t, store, 1)
	remote := &blockingRemote{fakeRemote: newFakeRemote(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := NewSyncManager(store, newMemLocal(), remote, nil)

	var wg sync.WaitGroup
	reports := make([]RunReport, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], _ = m.TrySynchronizeData(context.Background())
	}()
	<-remote.entered

	for i := 1; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], _ = m.TrySynchronizeData(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(remote.release)
	wg.Wait()

	require.Equal(t, int32(1), remote.calls.Load())
	for _, r := range reports {
		require.Equal(t, RunSucceeded, r.Status)
	}
}

func TestCanceledCallerDoesNotCancelJoinedRun(t *testing.T) {
	store := newMemStore("notes")
	enqueueNotes(t, store, 1)
	remote := &blockingRemote{fakeRemote: newFakeRemote(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := NewSyncManager(store, newMemLocal(), remote, nil)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := m.TrySynchronizeData(leaderCtx)
		leaderErr <- err
	}()
	<-remote.entered

	joined := make(chan RunReport, 1)
	joinedErr := make(chan error, 1)
	go func() {
		report, err := m.TrySynchronizeData(context.Background())
		joined <- report
		joinedErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-leaderErr, context.Canceled)

	close(remote.release)
	report := <-joined
	require.NoError(t, <-joinedErr)
	require.Equal(t, RunSucceeded, report.Status)
	require.True(t, report.Shared)
	require.Equal(t, 1, report.Push.Pushed)
	require.Zero(t, store.pendingCount())

	_, err := m.TrySynchronizeData(leaderCtx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNotifyActionCreatedWaitsForThreshold(t *testing.T) {
	store := newMemStore("notes")
	remote := newFakeRemote()
	cfg := DefaultSyncConfig()
	cfg.Trigger = &TriggerConfig{BatchThreshold: 3, MaxInterval: time.Hour}
	m := NewSyncManager(store, newMemLocal(), remote, cfg)

	m.Notify(TriggerActionCreated)
	m.Notify(TriggerActionCreated)
	m.Wait()
	require.Zero(t, remote.pullCalls)

	m.Notify(TriggerActionCreated)
	m.Wait()
	require.Equal(t, 1, remote.pullCalls)

	m.Notify(TriggerAppResumed)
	m.Wait()
	require.Equal(t, 2, remote.pullCalls)
}

func TestStartRunsOnIntervalAfterWrites(t *testing.T) {
	ctx := context.Background()
	store := newMemStore("notes")
	local := newMemLocal()
	remote := newFakeRemote()
	bus := NewEventBus()

	completed := make(chan struct{}, 4)
	bus.Subscribe(EventSyncCompleted, func(Event) { completed <- struct{}{} })

	cfg := DefaultSyncConfig()
	cfg.Bus = bus
	cfg.Trigger = &TriggerConfig{BatchThreshold: 100, MaxInterval: 20 * time.Millisecond}
	m := NewSyncManager(store, local, remote, cfg)
	m.Start(ctx)
	defer m.Stop()

	w := NewWriter(WriterConfig{Store: store, Local: local, Bus: bus})
	_, err := w.Insert(ctx, "notes", "n1", nil)
	require.NoError(t, err)

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("interval trigger did not start a run")
	}
	m.Stop()
	require.Zero(t, store.pendingCount())
}
