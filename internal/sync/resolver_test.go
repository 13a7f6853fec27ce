package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/studypath/calsync/internal/provider"
	"github.com/studypath/calsync/internal/store"
)

// createTestConflict snapshots a real local event and a remote event into a
// persisted conflict row.
func createTestConflict(t *testing.T, st *store.Store, kind store.ConflictKind, local *store.CalendarEvent, remote *provider.RemoteEvent) *store.SyncConflict {
	t.Helper()

	localSnap, err := json.Marshal(local)
	if err != nil {
		t.Fatalf("failed to marshal local snapshot: %v", err)
	}
	remoteSnap, err := json.Marshal(remote)
	if err != nil {
		t.Fatalf("failed to marshal remote snapshot: %v", err)
	}

	conflict := &store.SyncConflict{
		SyncID:           "sync-1",
		AccountID:        local.AccountID,
		MappingID:        local.MappingID,
		EventID:          local.ID,
		RemoteEventID:    remote.ID,
		RemoteCalendarID: remote.CalendarID,
		Kind:             kind,
		LocalSnapshot:    string(localSnap),
		RemoteSnapshot:   string(remoteSnap),
		DetectedAt:       time.Now().UTC(),
	}
	if err := st.CreateConflict(conflict); err != nil {
		t.Fatalf("failed to create test conflict: %v", err)
	}
	return conflict
}

func newTestResolver(st *store.Store, client *fakeClient) *ConflictResolver {
	retry, _ := newTestRetry()
	return NewConflictResolver(st, &fakeFactory{client: client}, retry)
}

func TestResolveKeepRemote(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	account := createTestAccount(t, st, "resolver@example.com")
	mapping := createTestMapping(t, st, account.ID, store.SyncDirectionBoth)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	event := &store.CalendarEvent{
		AccountID:        account.ID,
		MappingID:        mapping.ID,
		RemoteEventID:    "r1",
		RemoteCalendarID: "primary",
		Title:            "Local title",
		StartsAt:         start,
		EndsAt:           start.Add(time.Hour),
		TaskID:           "task-1",
		StudyMinutes:     45,
		Etag:             "e1",
	}
	if err := st.CreateEvent(event); err != nil {
		t.Fatalf("failed to create event: %v", err)
	}

	remote := remoteEvent("r1", "Remote title", "e2", start.Add(30*time.Minute))
	conflict := createTestConflict(t, st, store.ConflictModifiedBoth, event, &remote)

	client := &fakeClient{}
	resolver := newTestResolver(st, client)

	applied, err := resolver.Resolve(context.Background(), conflict.ID, store.ResolutionKeepRemote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !applied.LocalWrite || applied.RemoteWrite || applied.NoOp {
		t.Errorf("expected a local-only write, got %+v", applied)
	}
	if len(client.updated) != 0 || len(client.inserted) != 0 || len(client.deleted) != 0 {
		t.Error("keep_remote must not touch the provider")
	}

	got, err := st.GetEvent(event.ID)
	if err != nil {
		t.Fatalf("failed to reload event: %v", err)
	}
	if got.Title != "Remote title" {
		t.Errorf("expected remote title adopted, got %q", got.Title)
	}
	if !got.StartsAt.Equal(remote.StartsAt) {
		t.Errorf("expected remote start adopted, got %v", got.StartsAt)
	}
	if got.Etag != "e2" {
		t.Errorf("expected remote etag recorded, got %q", got.Etag)
	}
	if got.TaskID != "task-1" || got.StudyMinutes != 45 {
		t.Errorf("local-only fields must survive keep_remote: %+v", got)
	}

	t.Run("same decision again is a no-op", func(t *testing.T) {
		applied, err := resolver.Resolve(context.Background(), conflict.ID, store.ResolutionKeepRemote)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if !applied.NoOp {
			t.Errorf("expected no-op, got %+v", applied)
		}
	})

	t.Run("different decision is rejected", func(t *testing.T) {
		_, err := resolver.Resolve(context.Background(), conflict.ID, store.ResolutionKeepLocal)
		if !errors.Is(err, store.ErrAlreadyResolved) {
			t.Errorf("expected ErrAlreadyResolved, got %v", err)
		}
	})
}

func TestResolveKeepRemoteCancellationTombstones(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	account := createTestAccount(t, st, "resolver@example.com")
	mapping := createTestMapping(t, st, account.ID, store.SyncDirectionBoth)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	event := createTestEvent(t, st, account.ID, mapping.ID, "Doomed", start)

	cancelled := remoteEvent("r1", "Doomed", "e2", start)
	cancelled.Status = provider.EventStatusCancelled
	conflict := createTestConflict(t, st, store.ConflictDeletedBoth, event, &cancelled)

	resolver := newTestResolver(st, &fakeClient{})
	applied, err := resolver.Resolve(context.Background(), conflict.ID, store.ResolutionKeepRemote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !applied.LocalWrite {
		t.Errorf("expected a local write, got %+v", applied)
	}

	got, err := st.GetEvent(event.ID)
	if err != nil {
		t.Fatalf("failed to reload event: %v", err)
	}
	if !got.IsTombstoned() {
		t.Error("expected local event tombstoned")
	}
}

func TestResolveKeepRemoteLinksDuplicate(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	account := createTestAccount(t, st, "resolver@example.com")
	mapping := createTestMapping(t, st, account.ID, store.SyncDirectionBoth)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	event := createTestEvent(t, st, account.ID, mapping.ID, "Study: Math", start)

	remote := remoteEvent("r1", "study: math", "e1", start.Add(2*time.Minute))
	conflict := createTestConflict(t, st, store.ConflictDuplicate, event, &remote)

	resolver := newTestResolver(st, &fakeClient{})
	if _, err := resolver.Resolve(context.Background(), conflict.ID, store.ResolutionKeepRemote); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	got, err := st.GetEvent(event.ID)
	if err != nil {
		t.Fatalf("failed to reload event: %v", err)
	}
	if got.RemoteEventID != "r1" || got.RemoteCalendarID != "primary" {
		t.Errorf("expected duplicate local linked to remote identity, got %+v", got)
	}
}

func TestResolveKeepLocal(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	account := createTestAccount(t, st, "resolver@example.com")
	mapping := createTestMapping(t, st, account.ID, store.SyncDirectionBoth)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	event := &store.CalendarEvent{
		AccountID:        account.ID,
		MappingID:        mapping.ID,
		RemoteEventID:    "r1",
		RemoteCalendarID: "primary",
		Title:            "Local title",
		StartsAt:         start,
		EndsAt:           start.Add(time.Hour),
		Etag:             "e1",
	}
	if err := st.CreateEvent(event); err != nil {
		t.Fatalf("failed to create event: %v", err)
	}

	remote := remoteEvent("r1", "Remote title", "e2", start)
	remote.Sequence = 7
	conflict := createTestConflict(t, st, store.ConflictModifiedBoth, event, &remote)

	client := &fakeClient{}
	resolver := newTestResolver(st, client)

	applied, err := resolver.Resolve(context.Background(), conflict.ID, store.ResolutionKeepLocal)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !applied.RemoteWrite {
		t.Errorf("expected a remote write, got %+v", applied)
	}

	if len(client.updated) != 1 {
		t.Fatalf("expected 1 remote update, got %d", len(client.updated))
	}
	pushed := client.updated[0]
	if pushed.Title != "Local title" {
		t.Errorf("expected local title pushed, got %q", pushed.Title)
	}
	if pushed.Sequence != remote.Sequence+1 {
		t.Errorf("expected sequence bumped to %d, got %d", remote.Sequence+1, pushed.Sequence)
	}

	// The new remote state lands on the local row so the next run converges.
	got, err := st.GetEvent(event.ID)
	if err != nil {
		t.Fatalf("failed to reload event: %v", err)
	}
	if got.Etag != pushed.Etag {
		t.Errorf("expected pushed etag %q recorded, got %q", pushed.Etag, got.Etag)
	}
}

func TestResolveKeepLocalDeletesTombstoned(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	account := createTestAccount(t, st, "resolver@example.com")
	mapping := createTestMapping(t, st, account.ID, store.SyncDirectionBoth)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	event := &store.CalendarEvent{
		AccountID:        account.ID,
		MappingID:        mapping.ID,
		RemoteEventID:    "r1",
		RemoteCalendarID: "primary",
		Title:            "Removed locally",
		StartsAt:         start,
		EndsAt:           start.Add(time.Hour),
	}
	if err := st.CreateEvent(event); err != nil {
		t.Fatalf("failed to create event: %v", err)
	}
	if err := st.TombstoneEvent(event.ID, time.Now().UTC()); err != nil {
		t.Fatalf("failed to tombstone event: %v", err)
	}
	reloaded, err := st.GetEvent(event.ID)
	if err != nil {
		t.Fatalf("failed to reload event: %v", err)
	}

	remote := remoteEvent("r1", "Removed locally", "e2", start)
	conflict := createTestConflict(t, st, store.ConflictDeletedBoth, reloaded, &remote)

	client := &fakeClient{}
	resolver := newTestResolver(st, client)
	if _, err := resolver.Resolve(context.Background(), conflict.ID, store.ResolutionKeepLocal); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "r1" {
		t.Errorf("expected remote r1 deleted, got %v", client.deleted)
	}
}

func TestResolveSkipAndInvalid(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	account := createTestAccount(t, st, "resolver@example.com")
	mapping := createTestMapping(t, st, account.ID, store.SyncDirectionBoth)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	event := createTestEvent(t, st, account.ID, mapping.ID, "Disputed", start)
	remote := remoteEvent("r1", "Disputed", "e1", start)
	conflict := createTestConflict(t, st, store.ConflictModifiedBoth, event, &remote)

	client := &fakeClient{}
	resolver := newTestResolver(st, client)

	t.Run("invalid resolution rejected", func(t *testing.T) {
		_, err := resolver.Resolve(context.Background(), conflict.ID, store.Resolution("punt"))
		if !errors.Is(err, ErrInvalidResolution) {
			t.Errorf("expected ErrInvalidResolution, got %v", err)
		}
	})

	t.Run("unknown conflict", func(t *testing.T) {
		_, err := resolver.Resolve(context.Background(), "missing", store.ResolutionSkip)
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("skip writes nothing", func(t *testing.T) {
		applied, err := resolver.Resolve(context.Background(), conflict.ID, store.ResolutionSkip)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if applied.LocalWrite || applied.RemoteWrite {
			t.Errorf("skip must write nothing, got %+v", applied)
		}
		if len(client.updated) != 0 || len(client.deleted) != 0 {
			t.Error("skip must not touch the provider")
		}

		got, err := st.GetConflict(conflict.ID)
		if err != nil {
			t.Fatalf("failed to reload conflict: %v", err)
		}
		if !got.IsResolved() || got.Resolution != store.ResolutionSkip {
			t.Errorf("expected conflict resolved as skip, got %+v", got)
		}
	})
}

func TestResolveAll(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	account := createTestAccount(t, st, "resolver@example.com")
	mapping := createTestMapping(t, st, account.ID, store.SyncDirectionBoth)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, title := range []string{"One", "Two", "Three"} {
		event := createTestEvent(t, st, account.ID, mapping.ID, title, start.Add(time.Duration(i)*time.Hour))
		remote := remoteEvent("r"+title, title, "e1", event.StartsAt)
		createTestConflict(t, st, store.ConflictModifiedBoth, event, &remote)
	}

	resolver := newTestResolver(st, &fakeClient{})
	result, err := resolver.ResolveAll(context.Background(), account.ID, store.ResolutionSkip)
	if err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}
	if result.Resolved != 3 || result.Failed != 0 {
		t.Errorf("expected 3 resolved, got %+v", result)
	}

	remaining, err := st.ListUnresolvedConflicts(account.ID)
	if err != nil {
		t.Fatalf("failed to list conflicts: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected no unresolved conflicts, got %d", len(remaining))
	}
}
