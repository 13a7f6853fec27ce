// Package scheduler runs sync jobs for multiple accounts on a bounded
// worker pool. Webhook and timer triggers share one path; a trigger
// arriving while an account's run is active coalesces into a single
// pending follow-up instead of queueing duplicate runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	stdsync "sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/studypath/calsync/internal/store"
	"github.com/studypath/calsync/internal/sync"
)

var ErrQueueFull = errors.New("sync queue is full")

const queueDepth = 128

// Config holds scheduler tunables.
type Config struct {
	Workers      int
	SyncInterval time.Duration // periodic incremental sync per account
	LogRetention time.Duration // terminal sync logs older than this are deleted
}

// Scheduler owns the worker pool, the periodic triggers and the trigger
// coalescing state.
type Scheduler struct {
	store *store.Store
	orch  *sync.Orchestrator
	watch *sync.WatchManager
	cfg   Config

	mu      stdsync.Mutex
	running map[string]bool           // accounts with an active run in this process
	pending map[string]store.SyncMode // coalesced follow-up triggers, last write wins
	cancels map[string]context.CancelFunc
	started bool

	queue  chan *sync.Run
	cron   *cron.Cron
	wg     stdsync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler.
func New(st *store.Store, orch *sync.Orchestrator, watch *sync.WatchManager, cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Minute
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = 30 * 24 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:   st,
		orch:    orch,
		watch:   watch,
		cfg:     cfg,
		running: make(map[string]bool),
		pending: make(map[string]store.SyncMode),
		cancels: make(map[string]context.CancelFunc),
		queue:   make(chan *sync.Run, queueDepth),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker pool and the periodic triggers.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.SyncInterval), s.triggerAll); err != nil {
		return fmt.Errorf("failed to schedule periodic sync: %w", err)
	}
	if _, err := s.cron.AddFunc("@daily", s.cleanupOldLogs); err != nil {
		return fmt.Errorf("failed to schedule log cleanup: %w", err)
	}
	if _, err := s.cron.AddFunc("@hourly", s.renewWatches); err != nil {
		return fmt.Errorf("failed to schedule watch renewal: %w", err)
	}
	s.cron.Start()

	log.Printf("Scheduler started with %d workers, sync interval %v", s.cfg.Workers, s.cfg.SyncInterval)
	return nil
}

// Stop cancels active runs at their next page boundary and waits for the
// workers to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	if s.cron != nil {
		cronCtx := s.cron.Stop()
		<-cronCtx.Done()
	}

	s.cancel()
	s.wg.Wait()
	s.drainQueue()
	log.Println("Scheduler stopped")
}

// drainQueue abandons runs that were queued but never reached a worker, so
// their sync logs land in a terminal state and their leases are freed
// instead of lingering until TTL expiry.
func (s *Scheduler) drainQueue() {
	for {
		select {
		case run := <-s.queue:
			s.orch.Abandon(run)
		default:
			return
		}
	}
}

// TriggerSync starts a sync run for the account, returning its sync ID.
// Fails with sync.ErrAccountLocked when a run is already active.
func (s *Scheduler) TriggerSync(accountID string, mode store.SyncMode) (string, error) {
	run, err := s.orch.Prepare(accountID, mode)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.running[accountID] = true
	s.mu.Unlock()

	select {
	case s.queue <- run:
		return run.SyncID, nil
	default:
		s.mu.Lock()
		delete(s.running, accountID)
		s.mu.Unlock()
		s.orch.Abandon(run)
		return "", ErrQueueFull
	}
}

// NotifyChange is the coalescing trigger path shared by webhooks and
// timers. If a run is active for the account the trigger is folded into a
// single pending follow-up; otherwise an incremental run is dispatched.
func (s *Scheduler) NotifyChange(accountID string) {
	s.mu.Lock()
	if s.running[accountID] {
		s.pending[accountID] = store.SyncModeIncremental
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if _, err := s.TriggerSync(accountID, store.SyncModeIncremental); err != nil {
		if errors.Is(err, sync.ErrAccountLocked) {
			// A live run holds the lease; fold into a follow-up.
			s.mu.Lock()
			s.pending[accountID] = store.SyncModeIncremental
			s.mu.Unlock()
			return
		}
		if !errors.Is(err, sync.ErrSyncDisabled) {
			log.Printf("Failed to trigger sync for account %s: %v", accountID, err)
		}
	}
}

// CancelAccount stops the account's active run, if any, at its next page
// boundary. Used when an account is unlinked mid-run.
func (s *Scheduler) CancelAccount(accountID string) {
	s.mu.Lock()
	cancel := s.cancels[accountID]
	delete(s.pending, accountID)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// ActiveRuns returns the number of runs currently executing in this process.
func (s *Scheduler) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case run := <-s.queue:
			s.execute(run)
		}
	}
}

func (s *Scheduler) execute(run *sync.Run) {
	runCtx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.cancels[run.AccountID] = cancel
	s.mu.Unlock()

	if err := s.orch.Execute(runCtx, run); err != nil {
		log.Printf("Sync run %s for account %s failed: %v", run.SyncID, run.AccountID, err)
	}
	cancel()

	s.mu.Lock()
	delete(s.running, run.AccountID)
	delete(s.cancels, run.AccountID)
	mode, hasPending := s.pending[run.AccountID]
	if hasPending {
		delete(s.pending, run.AccountID)
	}
	s.mu.Unlock()

	// A trigger observed during the run is serviced now that it finished.
	if hasPending && s.ctx.Err() == nil {
		if _, err := s.TriggerSync(run.AccountID, mode); err != nil && !errors.Is(err, sync.ErrAccountLocked) {
			log.Printf("Failed to dispatch follow-up sync for account %s: %v", run.AccountID, err)
		}
	}
}

// triggerAll fires the periodic incremental sync for every enabled account.
func (s *Scheduler) triggerAll() {
	accounts, err := s.store.ListSyncEnabledAccounts()
	if err != nil {
		log.Printf("Failed to list accounts for periodic sync: %v", err)
		return
	}
	for _, account := range accounts {
		s.NotifyChange(account.ID)
	}
}

// cleanupOldLogs deletes terminal sync logs past retention, plus any
// expired webhook channel rows.
func (s *Scheduler) cleanupOldLogs() {
	cutoff := time.Now().UTC().Add(-s.cfg.LogRetention)
	deleted, err := s.store.CleanOldSyncLogs(cutoff)
	if err != nil {
		log.Printf("Failed to clean old sync logs: %v", err)
	} else if deleted > 0 {
		log.Printf("Cleaned %d old sync logs", deleted)
	}

	expired, err := s.store.DeleteExpiredWebhookChannels(time.Now().UTC())
	if err != nil {
		log.Printf("Failed to delete expired webhook channels: %v", err)
	} else if expired > 0 {
		log.Printf("Deleted %d expired webhook channels", expired)
	}
}

// renewWatches re-registers push channels approaching expiration.
func (s *Scheduler) renewWatches() {
	if s.watch == nil {
		return
	}
	s.watch.EnsureAll(s.ctx)
}
