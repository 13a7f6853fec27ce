package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/studypath/calsync/internal/provider"
	"github.com/studypath/calsync/internal/store"
)

var (
	ErrAccountLocked = errors.New("a sync run is already active for this account")
	ErrSyncDisabled  = errors.New("sync is disabled for this account")
)

// Error codes written to SyncLog rows and the account's sync_error field.
const (
	errCodeAuth      = "auth"
	errCodeTransient = "transient"
	errCodeCancelled = "cancelled"
	errCodeInternal  = "internal"
)

// OrchestratorConfig holds the tunables of a sync run.
type OrchestratorConfig struct {
	Owner         string        // worker identity; lease owners are derived per run
	LeaseTTL      time.Duration // lease expiry; renewed at each page boundary
	PageSize      int64
	ProviderRPS   float64 // client-side limit on provider calls per run
	ProviderBurst int
	Matcher       *DuplicateMatcher
}

// Run is a prepared sync run: lease held, log row created. Execute consumes it.
type Run struct {
	SyncID    string
	AccountID string
	Mode      store.SyncMode

	// owner is the lease owner for this run. It includes the sync ID so two
	// runs are never interchangeable, even inside one worker process.
	owner string
}

// Orchestrator drives a sync run end to end: fetch, diff, detect, apply.
// It owns the sync-log lifecycle and guarantees at most one active run per
// account via the store-backed lease.
type Orchestrator struct {
	store    *store.Store
	clients  ClientFactory
	detector *ConflictDetector
	cfg      OrchestratorConfig
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(st *store.Store, clients ClientFactory, cfg OrchestratorConfig) *Orchestrator {
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 250
	}
	if cfg.ProviderRPS == 0 {
		cfg.ProviderRPS = 5
	}
	if cfg.ProviderBurst == 0 {
		cfg.ProviderBurst = 10
	}
	return &Orchestrator{
		store:    st,
		clients:  clients,
		detector: NewConflictDetector(st),
		cfg:      cfg,
	}
}

// Prepare acquires the account lease and creates the sync log. It fails with
// ErrAccountLocked if a run is already active for the account. The returned
// run must be passed to Execute (or Abandon, on dispatch failure).
func (o *Orchestrator) Prepare(accountID string, mode store.SyncMode) (*Run, error) {
	if !mode.IsValid() {
		return nil, fmt.Errorf("invalid sync mode %q", mode)
	}

	account, err := o.store.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if !account.SyncEnabled {
		return nil, fmt.Errorf("%w: %s", ErrSyncDisabled, account.SyncError)
	}

	run := &Run{
		SyncID:    uuid.New().String(),
		AccountID: accountID,
		Mode:      mode,
	}
	run.owner = fmt.Sprintf("%s/%s", o.cfg.Owner, run.SyncID)

	if err := o.store.AcquireLease(accountID, run.owner, o.cfg.LeaseTTL); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return nil, ErrAccountLocked
		}
		return nil, err
	}

	logRow := &store.SyncLog{
		SyncID:    run.SyncID,
		AccountID: accountID,
		Mode:      mode,
		Status:    store.SyncRunFetching,
	}
	if err := o.store.CreateSyncLog(logRow); err != nil {
		o.releaseLease(run)
		return nil, err
	}

	return run, nil
}

// Abandon releases a prepared run that was never executed.
func (o *Orchestrator) Abandon(run *Run) {
	if err := o.store.FinishSyncLog(run.SyncID, store.SyncRunFailed, errCodeInternal, "run was never dispatched"); err != nil {
		log.Printf("Failed to abandon sync log %s: %v", run.SyncID, err)
	}
	o.releaseLease(run)
}

// Execute drives a prepared run to a terminal state. A failed run always
// leaves each mapping's stored cursor at the last page successfully applied.
func (o *Orchestrator) Execute(ctx context.Context, run *Run) error {
	defer o.releaseLease(run)

	client, err := o.clients.ClientFor(ctx, run.AccountID)
	if err != nil {
		o.finish(run, store.SyncRunFailed, errCodeInternal, err.Error())
		return err
	}

	limiter := rate.NewLimiter(rate.Limit(o.cfg.ProviderRPS), o.cfg.ProviderBurst)
	retry := NewRetryScheduler(limiter)

	mappings, err := o.store.GetMappingsByAccount(run.AccountID)
	if err != nil {
		o.finish(run, store.SyncRunFailed, errCodeInternal, err.Error())
		return err
	}

	for _, mapping := range mappings {
		if err := o.syncMapping(ctx, run, mapping, client, retry); err != nil {
			return o.failRun(run, err)
		}
	}

	now := time.Now().UTC()
	if err := o.store.MarkAccountSynced(run.AccountID, now); err != nil {
		log.Printf("Failed to mark account %s synced: %v", run.AccountID, err)
	}
	o.finish(run, store.SyncRunCompleted, "", "")
	return nil
}

// failRun maps an execution error onto a failure category and records it.
func (o *Orchestrator) failRun(run *Run, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		// Clean stop; the preserved cursor lets the next run resume.
		o.finish(run, store.SyncRunCancelled, errCodeCancelled, "")
		return nil
	case provider.IsAuthError(err):
		// Retries cannot fix an invalid credential: disable auto-sync and
		// surface the failure to the account owner.
		reason := fmt.Sprintf("authentication failed: %v", err)
		if derr := o.store.DisableAccountSync(run.AccountID, reason); derr != nil {
			log.Printf("Failed to disable sync for account %s: %v", run.AccountID, derr)
		}
		o.finish(run, store.SyncRunFailed, errCodeAuth, reason)
		return err
	case errors.Is(err, ErrRetriesExhausted):
		o.finish(run, store.SyncRunFailed, errCodeTransient, err.Error())
		return err
	default:
		o.finish(run, store.SyncRunFailed, errCodeInternal, err.Error())
		return err
	}
}

// syncMapping pages through one remote calendar, moving each page through
// Diffing and Applying before the next page is fetched. After each applied
// page the mapping's cursor is persisted; that write is the resumability
// boundary.
func (o *Orchestrator) syncMapping(ctx context.Context, run *Run, mapping *store.CalendarMapping, client provider.RemoteCalendarClient, retry *RetryScheduler) error {
	lastSync := time.Time{}
	if mapping.LastSyncedAt != nil {
		lastSync = *mapping.LastSyncedAt
	}

	syncToken := ""
	if run.Mode == store.SyncModeIncremental {
		syncToken = mapping.SyncToken
	}
	pageToken := mapping.PageToken // non-empty when resuming an interrupted run

	linked, err := o.store.GetLinkedEvents(mapping.ID)
	if err != nil {
		return err
	}
	linkedByRemoteID := make(map[string]*store.CalendarEvent, len(linked))
	for _, ev := range linked {
		linkedByRemoteID[ev.RemoteEventID] = ev
	}

	unlinked, err := o.store.GetUnlinkedEvents(mapping.ID)
	if err != nil {
		return err
	}

	builder := NewChangeSetBuilder(lastSync, unlinked, o.cfg.Matcher)
	fellBack := false

	for {
		// Cancellation takes effect here, never mid-apply of a page.
		if err := ctx.Err(); err != nil {
			return err
		}

		o.setStatus(run, store.SyncRunFetching)

		var page *provider.EventPage
		err := retry.Do(ctx, "list events", func(ctx context.Context) error {
			var listErr error
			page, listErr = client.ListEvents(ctx, mapping.RemoteCalendarID, provider.ListOptions{
				SyncToken:  syncToken,
				PageToken:  pageToken,
				MaxResults: o.cfg.PageSize,
			})
			return listErr
		})
		if err != nil {
			if provider.IsTokenExpired(err) && !fellBack {
				// Recoverable: the provider no longer honors our cursor.
				// Drop it and restart this mapping as a full listing.
				log.Printf("Sync token expired for mapping %s, falling back to full sync", mapping.ID)
				if serr := o.store.SaveMappingCursor(mapping.ID, "", ""); serr != nil {
					return serr
				}
				syncToken, pageToken = "", ""
				fellBack = true
				continue
			}
			return err
		}

		o.setStatus(run, store.SyncRunDiffing)
		cs := builder.BuildPage(page.Events, linkedByRemoteID)

		o.setStatus(run, store.SyncRunApplying)
		counts, err := o.applyPage(ctx, run, mapping, client, retry, cs, lastSync)
		if err != nil {
			return err
		}
		counts.processed = len(page.Events)

		if err := o.store.AddSyncLogCounts(run.SyncID, counts.processed, counts.created, counts.updated, counts.deleted, counts.conflicts); err != nil {
			log.Printf("Failed to update counters for run %s: %v", run.SyncID, err)
		}

		// Resumability boundary: the cursor is persisted only after this
		// page's local writes are durable, so a crash after this point never
		// re-applies the page.
		if page.NextPageToken != "" {
			if err := o.store.SaveMappingCursor(mapping.ID, syncToken, page.NextPageToken); err != nil {
				return err
			}
			pageToken = page.NextPageToken
		} else {
			if err := o.store.SaveMappingCursor(mapping.ID, page.NextSyncToken, ""); err != nil {
				return err
			}
		}

		if err := o.store.RenewLease(run.AccountID, run.owner, o.cfg.LeaseTTL); err != nil {
			return fmt.Errorf("lost sync lease mid-run: %w", err)
		}

		if page.NextPageToken == "" {
			break
		}
	}

	// Local-side changes the listing could not show: never-synced locals
	// become remote creates, and locally modified events absent from an
	// incremental delta become remote pushes.
	tail := builder.LocalOnly()
	tail = append(tail, builder.UnseenLocalChanges(linkedByRemoteID)...)
	if len(tail) > 0 {
		cs := &ChangeSet{Changes: tail}
		counts, err := o.applyPage(ctx, run, mapping, client, retry, cs, lastSync)
		if err != nil {
			return err
		}
		if err := o.store.AddSyncLogCounts(run.SyncID, len(tail), counts.created, counts.updated, counts.deleted, counts.conflicts); err != nil {
			log.Printf("Failed to update counters for run %s: %v", run.SyncID, err)
		}
	}

	// The baseline is stamped at completion so rows written from remote
	// during this run do not read as local modifications next run.
	return o.store.MarkMappingSynced(mapping.ID, time.Now().UTC())
}

type pageCounts struct {
	processed int
	created   int
	updated   int
	deleted   int
	conflicts int
}

// applyPage persists the page's conflicts and applies its non-conflicting
// changes, filtered by the mapping's sync direction.
func (o *Orchestrator) applyPage(ctx context.Context, run *Run, mapping *store.CalendarMapping, client provider.RemoteCalendarClient, retry *RetryScheduler, cs *ChangeSet, lastSync time.Time) (pageCounts, error) {
	var counts pageCounts

	for _, div := range cs.Divergent {
		conflict, err := o.detector.Detect(div, run.SyncID, mapping, lastSync)
		if err != nil {
			return counts, err
		}
		if conflict == nil {
			continue
		}
		if err := o.store.CreateConflict(conflict); err != nil {
			return counts, err
		}
		counts.conflicts++
	}

	for _, change := range cs.Changes {
		if !directionAllows(mapping.Direction, change.Kind) {
			continue
		}
		if err := o.applyChange(ctx, mapping, client, retry, change, &counts); err != nil {
			return counts, err
		}
	}

	return counts, nil
}

// directionAllows filters writes by the mapping's configured direction.
func directionAllows(direction store.SyncDirection, kind ChangeKind) bool {
	switch kind {
	case ChangeCreateLocal, ChangeUpdateLocal, ChangeDeleteLocal:
		return direction == store.SyncDirectionPull || direction == store.SyncDirectionBoth
	case ChangeCreateRemote, ChangeUpdateRemote, ChangeDeleteRemote:
		return direction == store.SyncDirectionPush || direction == store.SyncDirectionBoth
	}
	return false
}

func (o *Orchestrator) applyChange(ctx context.Context, mapping *store.CalendarMapping, client provider.RemoteCalendarClient, retry *RetryScheduler, change Change, counts *pageCounts) error {
	switch change.Kind {
	case ChangeCreateLocal:
		if err := o.createLocal(mapping, change.Remote); err != nil {
			return err
		}
		counts.created++

	case ChangeUpdateLocal:
		if err := o.updateLocal(change.Local, change.Remote); err != nil {
			return err
		}
		counts.updated++

	case ChangeDeleteLocal:
		if err := o.store.TombstoneEvent(change.Local.ID, time.Now().UTC()); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		counts.deleted++

	case ChangeCreateRemote:
		if err := o.createRemote(ctx, mapping, client, retry, change.Local); err != nil {
			return err
		}
		counts.created++

	case ChangeUpdateRemote:
		if err := o.updateRemote(ctx, client, retry, change.Local, change.Remote); err != nil {
			return err
		}
		counts.updated++

	case ChangeDeleteRemote:
		err := retry.Do(ctx, "delete remote event", func(ctx context.Context) error {
			return client.DeleteEvent(ctx, change.Local.RemoteCalendarID, change.Local.RemoteEventID)
		})
		if err != nil {
			return err
		}
		counts.deleted++
	}

	return nil
}

// createLocal materializes a remote event locally. An identity collision is
// resolved by upsert rather than failing the run.
func (o *Orchestrator) createLocal(mapping *store.CalendarMapping, remote *provider.RemoteEvent) error {
	remoteUpdated := remote.UpdatedAt
	event := &store.CalendarEvent{
		AccountID:        mapping.AccountID,
		MappingID:        mapping.ID,
		RemoteEventID:    remote.ID,
		RemoteCalendarID: remote.CalendarID,
		Title:            remote.Title,
		Description:      remote.Description,
		Location:         remote.Location,
		StartsAt:         remote.StartsAt,
		EndsAt:           remote.EndsAt,
		AllDay:           remote.AllDay,
		Etag:             remote.Etag,
		RemoteUpdatedAt:  &remoteUpdated,
		LocalUpdatedAt:   time.Now().UTC(),
	}

	err := o.store.CreateEvent(event)
	if errors.Is(err, store.ErrDuplicate) {
		err = o.store.UpsertEventByRemoteIdentity(event)
	}
	if err != nil {
		return err
	}

	// Recurrence exceptions point at their original through the link table.
	if remote.RecurringEventID != "" {
		if original, lerr := o.store.GetEventByRemoteIdentity(remote.RecurringEventID, remote.CalendarID); lerr == nil {
			if lerr := o.store.LinkOriginalEvent(event.ID, original.ID); lerr != nil {
				log.Printf("Failed to link recurrence exception %s: %v", event.ID, lerr)
			}
		}
	}

	return nil
}

func (o *Orchestrator) updateLocal(local *store.CalendarEvent, remote *provider.RemoteEvent) error {
	remoteUpdated := remote.UpdatedAt
	updated := *local
	updated.Title = remote.Title
	updated.Description = remote.Description
	updated.Location = remote.Location
	updated.StartsAt = remote.StartsAt
	updated.EndsAt = remote.EndsAt
	updated.AllDay = remote.AllDay
	updated.Etag = remote.Etag
	updated.RemoteUpdatedAt = &remoteUpdated
	updated.LocalUpdatedAt = time.Now().UTC()

	return o.store.UpdateEventFromRemote(&updated)
}

func (o *Orchestrator) createRemote(ctx context.Context, mapping *store.CalendarMapping, client provider.RemoteCalendarClient, retry *RetryScheduler, local *store.CalendarEvent) error {
	push := &provider.RemoteEvent{
		CalendarID:  mapping.RemoteCalendarID,
		Title:       local.Title,
		Description: local.Description,
		Location:    local.Location,
		StartsAt:    local.StartsAt,
		EndsAt:      local.EndsAt,
		AllDay:      local.AllDay,
	}

	var created *provider.RemoteEvent
	err := retry.Do(ctx, "insert remote event", func(ctx context.Context) error {
		var callErr error
		created, callErr = client.InsertEvent(ctx, mapping.RemoteCalendarID, push)
		return callErr
	})
	if err != nil {
		return err
	}

	err = o.store.LinkEventToRemote(local.ID, created.ID, mapping.RemoteCalendarID, created.Etag, created.UpdatedAt)
	if errors.Is(err, store.ErrDuplicate) {
		// Another local row already claims this identity; converge on it.
		remoteUpdated := created.UpdatedAt
		return o.store.UpsertEventByRemoteIdentity(&store.CalendarEvent{
			AccountID:        mapping.AccountID,
			MappingID:        mapping.ID,
			RemoteEventID:    created.ID,
			RemoteCalendarID: mapping.RemoteCalendarID,
			Title:            local.Title,
			Description:      local.Description,
			Location:         local.Location,
			StartsAt:         local.StartsAt,
			EndsAt:           local.EndsAt,
			AllDay:           local.AllDay,
			Etag:             created.Etag,
			RemoteUpdatedAt:  &remoteUpdated,
			LocalUpdatedAt:   time.Now().UTC(),
		})
	}
	return err
}

func (o *Orchestrator) updateRemote(ctx context.Context, client provider.RemoteCalendarClient, retry *RetryScheduler, local *store.CalendarEvent, remote *provider.RemoteEvent) error {
	if remote == nil {
		// Incremental deltas omit unchanged remote events; fetch the current
		// state for its sequence number before pushing.
		err := retry.Do(ctx, "get remote event", func(ctx context.Context) error {
			var getErr error
			remote, getErr = client.GetEvent(ctx, local.RemoteCalendarID, local.RemoteEventID)
			return getErr
		})
		if err != nil {
			return err
		}
	}

	push := &provider.RemoteEvent{
		ID:          local.RemoteEventID,
		CalendarID:  local.RemoteCalendarID,
		Title:       local.Title,
		Description: local.Description,
		Location:    local.Location,
		StartsAt:    local.StartsAt,
		EndsAt:      local.EndsAt,
		AllDay:      local.AllDay,
		Sequence:    remote.Sequence + 1,
	}

	var pushed *provider.RemoteEvent
	err := retry.Do(ctx, "update remote event", func(ctx context.Context) error {
		var callErr error
		pushed, callErr = client.UpdateEvent(ctx, local.RemoteCalendarID, push)
		return callErr
	})
	if err != nil {
		return err
	}

	return o.store.UpdateEventRemoteState(local.ID, pushed.Etag, pushed.UpdatedAt)
}

func (o *Orchestrator) setStatus(run *Run, status store.SyncRunStatus) {
	if err := o.store.SetSyncLogStatus(run.SyncID, status); err != nil {
		log.Printf("Failed to set run %s status to %s: %v", run.SyncID, status, err)
	}
}

func (o *Orchestrator) finish(run *Run, status store.SyncRunStatus, code, message string) {
	if err := o.store.FinishSyncLog(run.SyncID, status, code, message); err != nil {
		log.Printf("Failed to finish sync log %s: %v", run.SyncID, err)
	}
}

func (o *Orchestrator) releaseLease(run *Run) {
	if err := o.store.ReleaseLease(run.AccountID, run.owner); err != nil {
		log.Printf("Failed to release lease for account %s: %v", run.AccountID, err)
	}
}
