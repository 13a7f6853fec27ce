package sync

import (
	"testing"
	"time"

	"github.com/studypath/calsync/internal/provider"
	"github.com/studypath/calsync/internal/store"
)

// fakeIndex is an in-memory ConflictIndex.
type fakeIndex struct {
	overlaps []*store.CalendarEvent
	prior    *store.SyncConflict
}

func (f *fakeIndex) FindOverlappingEvents(_ string, _, _ time.Time, _ string) ([]*store.CalendarEvent, error) {
	return f.overlaps, nil
}

func (f *fakeIndex) GetLatestConflictForEvent(_ string) (*store.SyncConflict, error) {
	if f.prior == nil {
		return nil, store.ErrNotFound
	}
	return f.prior, nil
}

func TestClassify(t *testing.T) {
	lastSync := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	local := linkedEvent("l1", "r1", "e1", start, lastSync.Add(time.Hour))
	sameTimes := remoteEvent("r1", "Lecture", "e2", start)

	t.Run("remote cancellation of modified local is deleted_both", func(t *testing.T) {
		cancelled := sameTimes
		cancelled.Status = provider.EventStatusCancelled
		d := NewConflictDetector(&fakeIndex{})

		kind, err := d.Classify(Divergence{Local: local, Remote: &cancelled, Linked: true}, lastSync)
		if err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
		if kind != store.ConflictDeletedBoth {
			t.Errorf("expected deleted_both, got %s", kind)
		}
	})

	t.Run("heuristic match is duplicate", func(t *testing.T) {
		d := NewConflictDetector(&fakeIndex{})
		kind, err := d.Classify(Divergence{Local: local, Remote: &sameTimes, Linked: false}, lastSync)
		if err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
		if kind != store.ConflictDuplicate {
			t.Errorf("expected duplicate, got %s", kind)
		}
	})

	t.Run("linked pair with matching times is modified_both", func(t *testing.T) {
		d := NewConflictDetector(&fakeIndex{})
		kind, err := d.Classify(Divergence{Local: local, Remote: &sameTimes, Linked: true}, lastSync)
		if err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
		if kind != store.ConflictModifiedBoth {
			t.Errorf("expected modified_both, got %s", kind)
		}
	})

	t.Run("diverging times without collision is modified_both", func(t *testing.T) {
		moved := remoteEvent("r1", "Lecture", "e2", start.Add(2*time.Hour))
		d := NewConflictDetector(&fakeIndex{})
		kind, err := d.Classify(Divergence{Local: local, Remote: &moved, Linked: true}, lastSync)
		if err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
		if kind != store.ConflictModifiedBoth {
			t.Errorf("expected modified_both, got %s", kind)
		}
	})

	t.Run("diverging times landing on a third event is time_overlap", func(t *testing.T) {
		moved := remoteEvent("r1", "Lecture", "e2", start.Add(2*time.Hour))
		third := localEvent("l9", "Exam", start.Add(2*time.Hour), lastSync)
		d := NewConflictDetector(&fakeIndex{overlaps: []*store.CalendarEvent{third}})

		kind, err := d.Classify(Divergence{Local: local, Remote: &moved, Linked: true}, lastSync)
		if err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
		if kind != store.ConflictTimeOverlap {
			t.Errorf("expected time_overlap, got %s", kind)
		}
	})
}

func TestDetect(t *testing.T) {
	lastSync := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	mapping := &store.CalendarMapping{ID: "m1", AccountID: "a1"}

	local := linkedEvent("l1", "r1", "e1", start, lastSync.Add(time.Hour))
	remote := remoteEvent("r1", "Lecture", "e2", start)
	div := Divergence{Local: local, Remote: &remote, Linked: true}

	t.Run("materializes conflict with both snapshots", func(t *testing.T) {
		d := NewConflictDetector(&fakeIndex{})
		conflict, err := d.Detect(div, "sync-1", mapping, lastSync)
		if err != nil {
			t.Fatalf("Detect failed: %v", err)
		}
		if conflict == nil {
			t.Fatal("expected a conflict")
		}
		if conflict.Kind != store.ConflictModifiedBoth {
			t.Errorf("expected modified_both, got %s", conflict.Kind)
		}
		if conflict.SyncID != "sync-1" || conflict.AccountID != "a1" || conflict.MappingID != "m1" {
			t.Errorf("conflict not attributed to run and mapping: %+v", conflict)
		}
		if conflict.EventID != "l1" || conflict.RemoteEventID != "r1" {
			t.Errorf("conflict missing event identities: %+v", conflict)
		}
		if conflict.LocalSnapshot == "" || conflict.RemoteSnapshot == "" {
			t.Error("expected both snapshots captured")
		}
	})

	t.Run("open prior conflict suppresses re-detection", func(t *testing.T) {
		d := NewConflictDetector(&fakeIndex{prior: &store.SyncConflict{ID: "c1", EventID: "l1"}})
		conflict, err := d.Detect(div, "sync-2", mapping, lastSync)
		if err != nil {
			t.Fatalf("Detect failed: %v", err)
		}
		if conflict != nil {
			t.Errorf("expected suppression while conflict c1 is open, got %+v", conflict)
		}
	})

	t.Run("resolution covers divergence until a side moves again", func(t *testing.T) {
		resolvedAt := lastSync.Add(2 * time.Hour)
		prior := &store.SyncConflict{
			ID:         "c1",
			EventID:    "l1",
			Resolution: store.ResolutionKeepRemote,
			ResolvedAt: &resolvedAt,
		}
		d := NewConflictDetector(&fakeIndex{prior: prior})

		// Neither side changed after the resolution.
		settledRemote := remote
		settledRemote.UpdatedAt = lastSync
		conflict, err := d.Detect(Divergence{Local: local, Remote: &settledRemote, Linked: true}, "sync-3", mapping, lastSync)
		if err != nil {
			t.Fatalf("Detect failed: %v", err)
		}
		if conflict != nil {
			t.Errorf("expected resolved conflict to cover the divergence, got %+v", conflict)
		}

		// The remote side moved after the resolution; detect again.
		movedRemote := remote
		movedRemote.UpdatedAt = resolvedAt.Add(time.Hour)
		conflict, err = d.Detect(Divergence{Local: local, Remote: &movedRemote, Linked: true}, "sync-4", mapping, lastSync)
		if err != nil {
			t.Fatalf("Detect failed: %v", err)
		}
		if conflict == nil {
			t.Fatal("expected re-detection after remote moved past the resolution")
		}
	})

	t.Run("local edit after resolution re-opens", func(t *testing.T) {
		resolvedAt := lastSync.Add(2 * time.Hour)
		prior := &store.SyncConflict{
			ID:         "c1",
			EventID:    "l1",
			Resolution: store.ResolutionKeepLocal,
			ResolvedAt: &resolvedAt,
		}
		d := NewConflictDetector(&fakeIndex{prior: prior})

		editedLocal := linkedEvent("l1", "r1", "e1", start, resolvedAt.Add(time.Hour))
		conflict, err := d.Detect(Divergence{Local: editedLocal, Remote: &remote, Linked: true}, "sync-5", mapping, lastSync)
		if err != nil {
			t.Fatalf("Detect failed: %v", err)
		}
		if conflict == nil {
			t.Fatal("expected re-detection after local edit past the resolution")
		}
	})
}
