package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/studypath/calsync/internal/provider"
	"github.com/studypath/calsync/internal/store"
	"github.com/studypath/calsync/internal/sync"
)

func setupTestStore(t *testing.T) (*store.Store, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calsync-scheduler-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	st, err := store.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	cleanup := func() {
		st.Close()
		os.RemoveAll(tempDir)
	}

	return st, cleanup
}

func createTestAccount(t *testing.T, st *store.Store, email string) *store.CalendarAccount {
	t.Helper()

	account := &store.CalendarAccount{
		UserID:       "user-1",
		Email:        email,
		RefreshToken: "encrypted-token",
		SyncEnabled:  true,
	}
	if err := st.CreateAccount(account); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}

	mapping := &store.CalendarMapping{
		AccountID:        account.ID,
		RemoteCalendarID: "primary",
		Direction:        store.SyncDirectionBoth,
	}
	if err := st.CreateMapping(mapping); err != nil {
		t.Fatalf("failed to create mapping: %v", err)
	}

	return account
}

// blockingClient parks the first listing call until released, so tests can
// observe scheduler state while a run is active.
type blockingClient struct {
	started chan struct{}
	release chan struct{}

	mu        stdsync.Mutex
	listCalls int
}

func newBlockingClient() *blockingClient {
	return &blockingClient{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (c *blockingClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listCalls
}

func (c *blockingClient) ListEvents(ctx context.Context, _ string, _ provider.ListOptions) (*provider.EventPage, error) {
	c.mu.Lock()
	c.listCalls++
	first := c.listCalls == 1
	c.mu.Unlock()

	if first {
		close(c.started)
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &provider.EventPage{NextSyncToken: "tok-1"}, nil
}

func (c *blockingClient) GetEvent(_ context.Context, _, _ string) (*provider.RemoteEvent, error) {
	return &provider.RemoteEvent{}, nil
}

func (c *blockingClient) InsertEvent(_ context.Context, _ string, event *provider.RemoteEvent) (*provider.RemoteEvent, error) {
	created := *event
	created.ID = "created-1"
	return &created, nil
}

func (c *blockingClient) UpdateEvent(_ context.Context, _ string, event *provider.RemoteEvent) (*provider.RemoteEvent, error) {
	return event, nil
}

func (c *blockingClient) DeleteEvent(_ context.Context, _, _ string) error { return nil }

func (c *blockingClient) Watch(_ context.Context, _ string, cfg provider.WatchConfig) (*provider.Channel, error) {
	return &provider.Channel{ChannelID: cfg.ChannelID, ResourceID: "res-1", Expiration: time.Now().Add(24 * time.Hour)}, nil
}

func (c *blockingClient) StopWatch(_ context.Context, _, _ string) error { return nil }

type testFactory struct {
	client provider.RemoteCalendarClient
}

func (f *testFactory) ClientFor(_ context.Context, _ string) (provider.RemoteCalendarClient, error) {
	return f.client, nil
}

func newTestScheduler(st *store.Store, client provider.RemoteCalendarClient) *Scheduler {
	return newTestSchedulerWorkers(st, client, 2)
}

func newTestSchedulerWorkers(st *store.Store, client provider.RemoteCalendarClient, workers int) *Scheduler {
	orch := sync.NewOrchestrator(st, &testFactory{client: client}, sync.OrchestratorConfig{
		Owner:         "test-worker",
		LeaseTTL:      time.Minute,
		ProviderRPS:   1000,
		ProviderBurst: 1000,
	})
	return New(st, orch, nil, Config{
		Workers:      workers,
		SyncInterval: time.Hour,
	})
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func terminalRuns(t *testing.T, st *store.Store, accountID string) []*store.SyncLog {
	t.Helper()

	logs, err := st.GetRecentSyncLogs(accountID, 20)
	if err != nil {
		t.Fatalf("failed to list sync logs: %v", err)
	}
	var done []*store.SyncLog
	for _, l := range logs {
		if l.Status.IsTerminal() {
			done = append(done, l)
		}
	}
	return done
}

func TestTriggerAndCoalescing(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	account := createTestAccount(t, st, "scheduler@example.com")
	client := newBlockingClient()

	s := newTestScheduler(st, client)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	syncID, err := s.TriggerSync(account.ID, store.SyncModeFull)
	if err != nil {
		t.Fatalf("TriggerSync failed: %v", err)
	}
	if syncID == "" {
		t.Fatal("expected a sync ID")
	}

	// Wait until the run is parked inside the provider call.
	<-client.started

	// A direct trigger against a locked account is refused outright.
	if _, err := s.TriggerSync(account.ID, store.SyncModeFull); !errors.Is(err, sync.ErrAccountLocked) {
		t.Errorf("expected ErrAccountLocked while a run is active, got %v", err)
	}

	// Coalescing: a burst of change notifications folds into one follow-up.
	s.NotifyChange(account.ID)
	s.NotifyChange(account.ID)
	s.NotifyChange(account.ID)

	close(client.release)

	// The active run finishes, then exactly one follow-up runs.
	waitFor(t, "both runs to finish", func() bool {
		return s.ActiveRuns() == 0 && len(terminalRuns(t, st, account.ID)) == 2
	})

	runs := terminalRuns(t, st, account.ID)
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs (initial + coalesced follow-up), got %d", len(runs))
	}
	for _, run := range runs {
		if run.Status != store.SyncRunCompleted {
			t.Errorf("expected completed run, got %s (%s)", run.Status, run.ErrorMessage)
		}
	}
}

func TestNotifyChangeDispatchesWhenIdle(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	account := createTestAccount(t, st, "scheduler@example.com")
	client := newBlockingClient()
	close(client.release) // nothing blocks in this test

	s := newTestScheduler(st, client)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	s.NotifyChange(account.ID)

	waitFor(t, "the run to finish", func() bool {
		return s.ActiveRuns() == 0 && len(terminalRuns(t, st, account.ID)) == 1
	})

	runs := terminalRuns(t, st, account.ID)
	if runs[0].Mode != store.SyncModeIncremental {
		t.Errorf("change notifications dispatch incremental runs, got %s", runs[0].Mode)
	}
}

func TestNotifyChangeIgnoresDisabledAccount(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	account := createTestAccount(t, st, "scheduler@example.com")
	if err := st.DisableAccountSync(account.ID, "authentication failed"); err != nil {
		t.Fatalf("failed to disable account: %v", err)
	}

	s := newTestScheduler(st, newBlockingClient())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	s.NotifyChange(account.ID)

	logs, err := st.GetRecentSyncLogs(account.ID, 10)
	if err != nil {
		t.Fatalf("failed to list sync logs: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("disabled account must not be synced, got %d runs", len(logs))
	}
}

func TestCancelAccountStopsActiveRun(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	account := createTestAccount(t, st, "scheduler@example.com")
	client := newBlockingClient()

	s := newTestScheduler(st, client)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	syncID, err := s.TriggerSync(account.ID, store.SyncModeFull)
	if err != nil {
		t.Fatalf("TriggerSync failed: %v", err)
	}
	<-client.started

	// Fold in a pending trigger, then cancel; the cancellation must clear
	// the pending follow-up along with the active run.
	s.NotifyChange(account.ID)
	s.CancelAccount(account.ID)

	waitFor(t, "the run to stop", func() bool {
		return s.ActiveRuns() == 0
	})

	logRow, err := st.GetSyncLog(syncID)
	if err != nil {
		t.Fatalf("failed to load sync log: %v", err)
	}
	if logRow.Status != store.SyncRunCancelled {
		t.Errorf("expected cancelled run, got %s", logRow.Status)
	}

	runs := terminalRuns(t, st, account.ID)
	if len(runs) != 1 {
		t.Errorf("cancellation must drop the pending follow-up, got %d runs", len(runs))
	}
}

func TestStopDrainsWorkers(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	account := createTestAccount(t, st, "scheduler@example.com")
	client := newBlockingClient()

	s := newTestScheduler(st, client)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := s.TriggerSync(account.ID, store.SyncModeFull); err != nil {
		t.Fatalf("TriggerSync failed: %v", err)
	}
	<-client.started

	// Stop cancels the parked run at its page boundary and waits it out.
	s.Stop()

	runs := terminalRuns(t, st, account.ID)
	if len(runs) != 1 || runs[0].Status != store.SyncRunCancelled {
		t.Errorf("expected one cancelled run after shutdown, got %+v", runs)
	}
}

func TestStopAbandonsQueuedRuns(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	parked := createTestAccount(t, st, "parked@example.com")
	waiting := createTestAccount(t, st, "waiting@example.com")
	client := newBlockingClient()

	s := newTestSchedulerWorkers(st, client, 1)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := s.TriggerSync(parked.ID, store.SyncModeFull); err != nil {
		t.Fatalf("TriggerSync failed: %v", err)
	}
	<-client.started

	// The only worker is busy, so this run stays on the queue.
	queuedID, err := s.TriggerSync(waiting.ID, store.SyncModeFull)
	if err != nil {
		t.Fatalf("TriggerSync failed: %v", err)
	}

	s.Stop()

	// Shutdown leaves no run non-terminal and no lease behind, whether the
	// queued run was picked up and cancelled or abandoned on the queue.
	logRow, err := st.GetSyncLog(queuedID)
	if err != nil {
		t.Fatalf("failed to load sync log: %v", err)
	}
	if !logRow.Status.IsTerminal() {
		t.Errorf("expected queued run terminal after shutdown, got %s", logRow.Status)
	}

	for _, account := range []*store.CalendarAccount{parked, waiting} {
		if _, err := st.GetLease(account.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected lease for %s released after shutdown, got %v", account.Email, err)
		}
	}
}
