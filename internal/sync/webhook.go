package sync

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/studypath/calsync/internal/store"
)

var (
	ErrUnknownChannel  = errors.New("notification does not match a registered channel")
	ErrChannelExpired  = errors.New("notification channel has expired")
	ErrBadNotification = errors.New("malformed notification")
)

// Resource states the provider sends. "sync" is the registration handshake
// ping, not a change signal.
const (
	resourceStateSync = "sync"
)

// TriggerSink receives coalesced incremental-sync triggers. Implemented by
// the scheduler.
type TriggerSink interface {
	NotifyChange(accountID string)
}

// Notification is an inbound push notification, already stripped to the
// provider headers the engine cares about.
type Notification struct {
	ChannelID     string
	ResourceID    string
	ResourceState string
}

// WebhookIngestor validates inbound push notifications against registered
// watch channels and enqueues incremental sync triggers. It never writes
// sync cursors itself; that is the orchestrator's job, under the lease.
type WebhookIngestor struct {
	store    *store.Store
	triggers TriggerSink
}

// NewWebhookIngestor creates an ingestor.
func NewWebhookIngestor(st *store.Store, triggers TriggerSink) *WebhookIngestor {
	return &WebhookIngestor{store: st, triggers: triggers}
}

// Ingest validates a notification and triggers an incremental sync for the
// owning account. Mismatched or expired notifications return an error for
// the caller to log; they are never propagated to the provider.
func (w *WebhookIngestor) Ingest(n Notification) error {
	if n.ChannelID == "" || n.ResourceID == "" {
		return fmt.Errorf("%w: missing channel or resource id", ErrBadNotification)
	}

	channel, err := w.store.GetWebhookChannel(n.ChannelID, n.ResourceID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: channel=%s resource=%s", ErrUnknownChannel, n.ChannelID, n.ResourceID)
	}
	if err != nil {
		return err
	}

	if channel.IsExpired(time.Now().UTC()) {
		return fmt.Errorf("%w: channel=%s expired=%s", ErrChannelExpired, n.ChannelID, channel.Expiration.Format(time.RFC3339))
	}

	if n.ResourceState == resourceStateSync {
		// Registration handshake; nothing changed yet.
		log.Printf("Watch channel %s confirmed for mapping %s", channel.ChannelID, channel.MappingID)
		return nil
	}

	w.triggers.NotifyChange(channel.AccountID)
	return nil
}
