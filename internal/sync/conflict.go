package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/studypath/calsync/internal/provider"
	"github.com/studypath/calsync/internal/store"
)

// ConflictIndex is the slice of the store the detector needs: scanning the
// user's other events for schedule-level overlap and checking whether a
// divergence was already resolved.
type ConflictIndex interface {
	FindOverlappingEvents(accountID string, start, end time.Time, excludeID string) ([]*store.CalendarEvent, error)
	GetLatestConflictForEvent(eventID string) (*store.SyncConflict, error)
}

// ConflictDetector classifies divergent event pairs into one of four
// mutually exclusive kinds and builds the persisted conflict record with
// both sides' full snapshots.
type ConflictDetector struct {
	index ConflictIndex
}

// NewConflictDetector creates a detector backed by the given store slice.
func NewConflictDetector(index ConflictIndex) *ConflictDetector {
	return &ConflictDetector{index: index}
}

// Classify assigns exactly one conflict kind to a divergent pair. The kinds
// are tested in order: a remote cancellation always classifies as
// deleted_both; an identity-linked pair where both sides moved is
// modified_both unless the sole divergence is a schedule change landing on a
// third event, which is the secondary time_overlap kind; a heuristic-matched
// pair with no identity link is a duplicate.
func (d *ConflictDetector) Classify(div Divergence, lastSync time.Time) (store.ConflictKind, error) {
	local, remote := div.Local, div.Remote

	if remote.IsCancelled() {
		return store.ConflictDeletedBoth, nil
	}

	if !div.Linked {
		return store.ConflictDuplicate, nil
	}

	timesDiverge := !remote.StartsAt.Equal(local.StartsAt) || !remote.EndsAt.Equal(local.EndsAt)
	if timesDiverge {
		overlap, err := d.overlapsThirdEvent(local, remote)
		if err != nil {
			return "", err
		}
		if overlap {
			return store.ConflictTimeOverlap, nil
		}
	}

	return store.ConflictModifiedBoth, nil
}

// overlapsThirdEvent reports whether the remote's proposed interval lands on
// another event the user already has scheduled.
func (d *ConflictDetector) overlapsThirdEvent(local *store.CalendarEvent, remote *provider.RemoteEvent) (bool, error) {
	others, err := d.index.FindOverlappingEvents(local.AccountID, remote.StartsAt, remote.EndsAt, local.ID)
	if err != nil {
		return false, fmt.Errorf("failed to scan for overlapping events: %w", err)
	}
	return len(others) > 0, nil
}

// Detect classifies a divergence and materializes the SyncConflict row to
// persist. It returns (nil, nil) when the divergence is covered by an
// earlier resolution: a resolved conflict is only re-opened if either side
// changed after the resolution timestamp.
func (d *ConflictDetector) Detect(div Divergence, syncID string, mapping *store.CalendarMapping, lastSync time.Time) (*store.SyncConflict, error) {
	local, remote := div.Local, div.Remote

	if local != nil && local.ID != "" {
		prior, err := d.index.GetLatestConflictForEvent(local.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if prior != nil && coveredByResolution(prior, local, remote) {
			return nil, nil
		}
		if prior != nil && !prior.IsResolved() {
			// An open conflict for this pair already awaits resolution.
			return nil, nil
		}
	}

	kind, err := d.Classify(div, lastSync)
	if err != nil {
		return nil, err
	}

	localSnap, err := json.Marshal(local)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot local event: %w", err)
	}
	remoteSnap, err := json.Marshal(remote)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot remote event: %w", err)
	}

	conflict := &store.SyncConflict{
		SyncID:         syncID,
		AccountID:      mapping.AccountID,
		MappingID:      mapping.ID,
		Kind:           kind,
		LocalSnapshot:  string(localSnap),
		RemoteSnapshot: string(remoteSnap),
		DetectedAt:     time.Now().UTC(),
	}
	if local != nil {
		conflict.EventID = local.ID
	}
	if remote != nil {
		conflict.RemoteEventID = remote.ID
		conflict.RemoteCalendarID = remote.CalendarID
	}

	return conflict, nil
}

// coveredByResolution reports whether a prior resolved conflict still covers
// the current divergence: true unless either side moved after resolution.
func coveredByResolution(prior *store.SyncConflict, local *store.CalendarEvent, remote *provider.RemoteEvent) bool {
	if !prior.IsResolved() {
		return false
	}
	resolvedAt := *prior.ResolvedAt
	if local != nil && local.LocalUpdatedAt.After(resolvedAt) {
		return false
	}
	if remote != nil && remote.UpdatedAt.After(resolvedAt) {
		return false
	}
	return true
}
