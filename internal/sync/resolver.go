package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/studypath/calsync/internal/provider"
	"github.com/studypath/calsync/internal/store"
)

var ErrInvalidResolution = errors.New("invalid resolution")

// AppliedChange describes what a resolution actually wrote.
type AppliedChange struct {
	ConflictID  string           `json:"conflict_id"`
	Resolution  store.Resolution `json:"resolution"`
	LocalWrite  bool             `json:"local_write"`
	RemoteWrite bool             `json:"remote_write"`
	NoOp        bool             `json:"no_op"` // already resolved with the same decision
}

// BulkResult summarizes a resolveAll pass.
type BulkResult struct {
	Resolved int      `json:"resolved"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// ConflictResolver applies a resolution policy to persisted conflicts,
// independent of any particular sync run. The four policies form a closed
// set; resolve dispatches over them exhaustively.
type ConflictResolver struct {
	store   *store.Store
	clients ClientFactory
	retry   *RetryScheduler
}

// NewConflictResolver creates a resolver.
func NewConflictResolver(st *store.Store, clients ClientFactory, retry *RetryScheduler) *ConflictResolver {
	return &ConflictResolver{store: st, clients: clients, retry: retry}
}

// Resolve applies one resolution to one conflict. Resolving an
// already-resolved conflict with the same decision is a no-op; with a
// different decision it fails with store.ErrAlreadyResolved.
func (r *ConflictResolver) Resolve(ctx context.Context, conflictID string, resolution store.Resolution) (*AppliedChange, error) {
	if !resolution.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	conflict, err := r.store.GetConflict(conflictID)
	if err != nil {
		return nil, err
	}

	if conflict.IsResolved() {
		if conflict.Resolution == resolution {
			return &AppliedChange{ConflictID: conflictID, Resolution: resolution, NoOp: true}, nil
		}
		return nil, store.ErrAlreadyResolved
	}

	local, remote, err := unmarshalSnapshots(conflict)
	if err != nil {
		return nil, err
	}

	applied := &AppliedChange{ConflictID: conflictID, Resolution: resolution}

	switch resolution {
	case store.ResolutionKeepRemote:
		err = r.applyKeepRemote(conflict, local, remote, applied)
	case store.ResolutionKeepLocal:
		err = r.applyKeepLocal(ctx, conflict, local, remote, applied)
	case store.ResolutionMerge:
		// Same field split as keep_remote; recorded distinctly for audit.
		err = r.applyKeepRemote(conflict, local, remote, applied)
	case store.ResolutionSkip:
		// No write to either side; the conflict just stops reappearing.
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}
	if err != nil {
		return nil, err
	}

	if err := r.store.MarkConflictResolved(conflictID, resolution, time.Now().UTC()); err != nil {
		return nil, err
	}

	return applied, nil
}

// ResolveAll applies one policy to every unresolved conflict for the
// account, one row at a time, so a failure on one conflict does not block
// the others.
func (r *ConflictResolver) ResolveAll(ctx context.Context, accountID string, resolution store.Resolution) (*BulkResult, error) {
	if !resolution.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	conflicts, err := r.store.ListUnresolvedConflicts(accountID)
	if err != nil {
		return nil, err
	}

	result := &BulkResult{}
	for _, conflict := range conflicts {
		if _, err := r.Resolve(ctx, conflict.ID, resolution); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", conflict.ID, err))
			log.Printf("Failed to resolve conflict %s: %v", conflict.ID, err)
			continue
		}
		result.Resolved++
	}

	return result, nil
}

// applyKeepRemote overwrites the local mutable fields from the remote
// snapshot. Local-only fields (task linkage, subject linkage, study
// duration) are untouched by construction: the store write never includes
// them. A remote cancellation tombstones the local copy.
func (r *ConflictResolver) applyKeepRemote(conflict *store.SyncConflict, local *store.CalendarEvent, remote *provider.RemoteEvent, applied *AppliedChange) error {
	if local == nil || local.ID == "" {
		return nil
	}

	if remote.IsCancelled() {
		if err := r.store.TombstoneEvent(local.ID, time.Now().UTC()); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		applied.LocalWrite = true
		return nil
	}

	if conflict.Kind == store.ConflictDuplicate && !local.IsLinked() {
		// Adopting the remote for a duplicate pair also links the identity.
		err := r.store.LinkEventToRemote(local.ID, remote.ID, remote.CalendarID, remote.Etag, remote.UpdatedAt)
		if err != nil && !errors.Is(err, store.ErrDuplicate) {
			return err
		}
	}

	updated := *local
	updated.Title = remote.Title
	updated.Description = remote.Description
	updated.Location = remote.Location
	updated.StartsAt = remote.StartsAt
	updated.EndsAt = remote.EndsAt
	updated.AllDay = remote.AllDay
	updated.Etag = remote.Etag
	remoteUpdated := remote.UpdatedAt
	updated.RemoteUpdatedAt = &remoteUpdated
	updated.LocalUpdatedAt = time.Now().UTC()

	if err := r.store.UpdateEventFromRemote(&updated); err != nil {
		return err
	}
	applied.LocalWrite = true
	return nil
}

// applyKeepLocal pushes the local snapshot to the provider, bumping the
// sequence past the remote's per its optimistic-concurrency contract. The
// local record is otherwise unchanged.
func (r *ConflictResolver) applyKeepLocal(ctx context.Context, conflict *store.SyncConflict, local *store.CalendarEvent, remote *provider.RemoteEvent, applied *AppliedChange) error {
	if local == nil {
		return nil
	}

	client, err := r.clients.ClientFor(ctx, conflict.AccountID)
	if err != nil {
		return err
	}

	calendarID := conflict.RemoteCalendarID
	if calendarID == "" && remote != nil {
		calendarID = remote.CalendarID
	}

	if local.IsTombstoned() {
		err := r.retry.Do(ctx, "delete remote event", func(ctx context.Context) error {
			return client.DeleteEvent(ctx, calendarID, conflict.RemoteEventID)
		})
		if err != nil {
			return err
		}
		applied.RemoteWrite = true
		return nil
	}

	push := &provider.RemoteEvent{
		ID:          conflict.RemoteEventID,
		CalendarID:  calendarID,
		Title:       local.Title,
		Description: local.Description,
		Location:    local.Location,
		StartsAt:    local.StartsAt,
		EndsAt:      local.EndsAt,
		AllDay:      local.AllDay,
	}
	if remote != nil {
		push.Sequence = remote.Sequence + 1
	}

	var pushed *provider.RemoteEvent
	err = r.retry.Do(ctx, "update remote event", func(ctx context.Context) error {
		var callErr error
		if push.ID == "" {
			pushed, callErr = client.InsertEvent(ctx, calendarID, push)
		} else {
			pushed, callErr = client.UpdateEvent(ctx, calendarID, push)
		}
		return callErr
	})
	if err != nil {
		return err
	}
	applied.RemoteWrite = true

	// Record the provider's new etag so the next run sees the pair converged.
	if local.ID != "" {
		if !local.IsLinked() && pushed != nil {
			if err := r.store.LinkEventToRemote(local.ID, pushed.ID, calendarID, pushed.Etag, pushed.UpdatedAt); err != nil && !errors.Is(err, store.ErrDuplicate) {
				return err
			}
		} else if pushed != nil {
			if err := r.store.UpdateEventRemoteState(local.ID, pushed.Etag, pushed.UpdatedAt); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
	}

	return nil
}

func unmarshalSnapshots(conflict *store.SyncConflict) (*store.CalendarEvent, *provider.RemoteEvent, error) {
	var local *store.CalendarEvent
	if conflict.LocalSnapshot != "" && conflict.LocalSnapshot != "null" {
		local = &store.CalendarEvent{}
		if err := json.Unmarshal([]byte(conflict.LocalSnapshot), local); err != nil {
			return nil, nil, fmt.Errorf("failed to decode local snapshot: %w", err)
		}
	}

	var remote *provider.RemoteEvent
	if conflict.RemoteSnapshot != "" && conflict.RemoteSnapshot != "null" {
		remote = &provider.RemoteEvent{}
		if err := json.Unmarshal([]byte(conflict.RemoteSnapshot), remote); err != nil {
			return nil, nil, fmt.Errorf("failed to decode remote snapshot: %w", err)
		}
	}

	return local, remote, nil
}
