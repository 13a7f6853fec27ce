package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/studypath/calsync/internal/provider"
	"github.com/studypath/calsync/internal/store"
)

// renewalWindow is how far before expiration a channel gets re-registered.
const renewalWindow = 12 * time.Hour

// WatchManager keeps push-notification channels registered for every
// sync-enabled mapping and tears them down on unlink.
type WatchManager struct {
	store      *store.Store
	clients    ClientFactory
	webhookURL string // public address of the webhook endpoint
}

// NewWatchManager creates a watch manager.
func NewWatchManager(st *store.Store, clients ClientFactory, webhookURL string) *WatchManager {
	return &WatchManager{store: st, clients: clients, webhookURL: webhookURL}
}

// EnsureWatch registers a watch channel for the mapping unless a live one
// exists outside the renewal window.
func (m *WatchManager) EnsureWatch(ctx context.Context, mapping *store.CalendarMapping) error {
	existing, err := m.store.GetWebhookChannelForMapping(mapping.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil && existing.Expiration.After(time.Now().UTC().Add(renewalWindow)) {
		return nil
	}

	client, err := m.clients.ClientFor(ctx, mapping.AccountID)
	if err != nil {
		return err
	}

	channel, err := client.Watch(ctx, mapping.RemoteCalendarID, provider.WatchConfig{
		ChannelID: uuid.New().String(),
		Address:   m.webhookURL,
	})
	if err != nil {
		return fmt.Errorf("failed to register watch for mapping %s: %w", mapping.ID, err)
	}

	record := &store.WebhookChannel{
		AccountID:  mapping.AccountID,
		MappingID:  mapping.ID,
		ChannelID:  channel.ChannelID,
		ResourceID: channel.ResourceID,
		Expiration: channel.Expiration,
	}
	if err := m.store.CreateWebhookChannel(record); err != nil {
		return err
	}

	// Drop the superseded registration once the new one is durable.
	if existing != nil {
		if err := client.StopWatch(ctx, existing.ChannelID, existing.ResourceID); err != nil {
			log.Printf("Failed to stop superseded watch channel %s: %v", existing.ChannelID, err)
		}
		if err := m.store.DeleteWebhookChannel(existing.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	log.Printf("Registered watch channel %s for mapping %s (expires %s)",
		channel.ChannelID, mapping.ID, channel.Expiration.Format(time.RFC3339))
	return nil
}

// EnsureAll renews channels for every sync-enabled account's mappings.
func (m *WatchManager) EnsureAll(ctx context.Context) {
	accounts, err := m.store.ListSyncEnabledAccounts()
	if err != nil {
		log.Printf("Failed to list accounts for watch renewal: %v", err)
		return
	}

	for _, account := range accounts {
		mappings, err := m.store.GetMappingsByAccount(account.ID)
		if err != nil {
			log.Printf("Failed to list mappings for account %s: %v", account.ID, err)
			continue
		}
		for _, mapping := range mappings {
			if err := m.EnsureWatch(ctx, mapping); err != nil {
				log.Printf("Failed to ensure watch for mapping %s: %v", mapping.ID, err)
			}
		}
	}
}

// StopAccount tears down all channels for an account, e.g. on unlink.
func (m *WatchManager) StopAccount(ctx context.Context, accountID string) error {
	mappings, err := m.store.GetMappingsByAccount(accountID)
	if err != nil {
		return err
	}

	client, err := m.clients.ClientFor(ctx, accountID)
	if err != nil {
		return err
	}

	for _, mapping := range mappings {
		channel, err := m.store.GetWebhookChannelForMapping(mapping.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := client.StopWatch(ctx, channel.ChannelID, channel.ResourceID); err != nil {
			log.Printf("Failed to stop watch channel %s: %v", channel.ChannelID, err)
		}
		if err := m.store.DeleteWebhookChannel(channel.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	return nil
}
