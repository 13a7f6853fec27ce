package sync

import (
	"errors"
	"testing"
	"time"

	"github.com/studypath/calsync/internal/store"
)

// fakeTrigger records coalesced trigger requests.
type fakeTrigger struct {
	notified []string
}

func (f *fakeTrigger) NotifyChange(accountID string) {
	f.notified = append(f.notified, accountID)
}

func registerTestChannel(t *testing.T, st *store.Store, accountID, mappingID string, expiration time.Time) *store.WebhookChannel {
	t.Helper()

	channel := &store.WebhookChannel{
		AccountID:  accountID,
		MappingID:  mappingID,
		ChannelID:  "chan-1",
		ResourceID: "res-1",
		Expiration: expiration,
	}
	if err := st.CreateWebhookChannel(channel); err != nil {
		t.Fatalf("failed to create webhook channel: %v", err)
	}
	return channel
}

func TestWebhookIngest(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	account := createTestAccount(t, st, "webhook@example.com")
	mapping := createTestMapping(t, st, account.ID, store.SyncDirectionBoth)
	registerTestChannel(t, st, account.ID, mapping.ID, time.Now().UTC().Add(24*time.Hour))

	t.Run("valid notification triggers the owning account", func(t *testing.T) {
		triggers := &fakeTrigger{}
		ingestor := NewWebhookIngestor(st, triggers)

		err := ingestor.Ingest(Notification{ChannelID: "chan-1", ResourceID: "res-1", ResourceState: "exists"})
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
		if len(triggers.notified) != 1 || triggers.notified[0] != account.ID {
			t.Errorf("expected trigger for %s, got %v", account.ID, triggers.notified)
		}
	})

	t.Run("registration handshake is acknowledged without a trigger", func(t *testing.T) {
		triggers := &fakeTrigger{}
		ingestor := NewWebhookIngestor(st, triggers)

		err := ingestor.Ingest(Notification{ChannelID: "chan-1", ResourceID: "res-1", ResourceState: "sync"})
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
		if len(triggers.notified) != 0 {
			t.Errorf("handshake must not trigger a sync, got %v", triggers.notified)
		}
	})

	t.Run("unknown channel is rejected", func(t *testing.T) {
		triggers := &fakeTrigger{}
		ingestor := NewWebhookIngestor(st, triggers)

		err := ingestor.Ingest(Notification{ChannelID: "chan-9", ResourceID: "res-1", ResourceState: "exists"})
		if !errors.Is(err, ErrUnknownChannel) {
			t.Errorf("expected ErrUnknownChannel, got %v", err)
		}
		if len(triggers.notified) != 0 {
			t.Errorf("rejected notification must not trigger, got %v", triggers.notified)
		}
	})

	t.Run("mismatched resource id is rejected", func(t *testing.T) {
		ingestor := NewWebhookIngestor(st, &fakeTrigger{})

		err := ingestor.Ingest(Notification{ChannelID: "chan-1", ResourceID: "res-9", ResourceState: "exists"})
		if !errors.Is(err, ErrUnknownChannel) {
			t.Errorf("expected ErrUnknownChannel, got %v", err)
		}
	})

	t.Run("missing identifiers are rejected", func(t *testing.T) {
		ingestor := NewWebhookIngestor(st, &fakeTrigger{})

		err := ingestor.Ingest(Notification{ResourceID: "res-1"})
		if !errors.Is(err, ErrBadNotification) {
			t.Errorf("expected ErrBadNotification, got %v", err)
		}
	})
}

func TestWebhookIngestExpiredChannel(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	account := createTestAccount(t, st, "webhook@example.com")
	mapping := createTestMapping(t, st, account.ID, store.SyncDirectionBoth)
	registerTestChannel(t, st, account.ID, mapping.ID, time.Now().UTC().Add(-time.Minute))

	triggers := &fakeTrigger{}
	ingestor := NewWebhookIngestor(st, triggers)

	err := ingestor.Ingest(Notification{ChannelID: "chan-1", ResourceID: "res-1", ResourceState: "exists"})
	if !errors.Is(err, ErrChannelExpired) {
		t.Errorf("expected ErrChannelExpired, got %v", err)
	}
	if len(triggers.notified) != 0 {
		t.Errorf("expired channel must not trigger, got %v", triggers.notified)
	}
}
