package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/studypath/calsync/internal/provider"
	"github.com/studypath/calsync/internal/store"
)

// setupTestStore creates a temporary test database.
func setupTestStore(t *testing.T) (*store.Store, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calsync-sync-test-*")
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
		t.Fatalf("failed to create test account: %v", err)
	}
	return account
}

func createTestMapping(t *testing.T, st *store.Store, accountID string, direction store.SyncDirection) *store.CalendarMapping {
	t.Helper()

	mapping := &store.CalendarMapping{
		AccountID:        accountID,
		RemoteCalendarID: "primary",
		Direction:        direction,
	}
	if err := st.CreateMapping(mapping); err != nil {
		t.Fatalf("failed to create test mapping: %v", err)
	}
	return mapping
}

func createTestEvent(t *testing.T, st *store.Store, accountID, mappingID, title string, start time.Time) *store.CalendarEvent {
	t.Helper()

	event := &store.CalendarEvent{
		AccountID: accountID,
		MappingID: mappingID,
		Title:     title,
		StartsAt:  start,
		EndsAt:    start.Add(time.Hour),
	}
	if err := st.CreateEvent(event); err != nil {
		t.Fatalf("failed to create test event: %v", err)
	}
	return event
}

// fakeClient is a scriptable RemoteCalendarClient. list drives listing
// behavior per test; writes are recorded for assertions.
type fakeClient struct {
	list func(opts provider.ListOptions) (*provider.EventPage, error)

	listCalls []provider.ListOptions
	inserted  []*provider.RemoteEvent
	updated   []*provider.RemoteEvent
	deleted   []string
	fetched   map[string]*provider.RemoteEvent

	insertErr error
	updateErr error
	deleteErr error

	nextID int
}

func (c *fakeClient) ListEvents(_ context.Context, _ string, opts provider.ListOptions) (*provider.EventPage, error) {
	c.listCalls = append(c.listCalls, opts)
	if c.list == nil {
		return &provider.EventPage{NextSyncToken: "sync-token-1"}, nil
	}
	return c.list(opts)
}

func (c *fakeClient) GetEvent(_ context.Context, _ string, eventID string) (*provider.RemoteEvent, error) {
	if remote, ok := c.fetched[eventID]; ok {
		return remote, nil
	}
	return nil, &provider.Error{Code: 404, Err: provider.ErrNotFound}
}

func (c *fakeClient) InsertEvent(_ context.Context, calendarID string, event *provider.RemoteEvent) (*provider.RemoteEvent, error) {
	if c.insertErr != nil {
		return nil, c.insertErr
	}
	c.nextID++
	created := *event
	created.ID = fmt.Sprintf("created-%d", c.nextID)
	created.CalendarID = calendarID
	created.Etag = fmt.Sprintf("etag-created-%d", c.nextID)
	created.UpdatedAt = time.Now().UTC()
	c.inserted = append(c.inserted, &created)
	return &created, nil
}

func (c *fakeClient) UpdateEvent(_ context.Context, calendarID string, event *provider.RemoteEvent) (*provider.RemoteEvent, error) {
	if c.updateErr != nil {
		return nil, c.updateErr
	}
	pushed := *event
	pushed.CalendarID = calendarID
	pushed.Etag = fmt.Sprintf("etag-pushed-%s-%d", event.ID, event.Sequence)
	pushed.UpdatedAt = time.Now().UTC()
	c.updated = append(c.updated, &pushed)
	return &pushed, nil
}

func (c *fakeClient) DeleteEvent(_ context.Context, _ string, eventID string) error {
	if c.deleteErr != nil {
		return c.deleteErr
	}
	c.deleted = append(c.deleted, eventID)
	return nil
}

func (c *fakeClient) Watch(_ context.Context, _ string, cfg provider.WatchConfig) (*provider.Channel, error) {
	return &provider.Channel{
		ChannelID:  cfg.ChannelID,
		ResourceID: "resource-1",
		Expiration: time.Now().UTC().Add(7 * 24 * time.Hour),
	}, nil
}

func (c *fakeClient) StopWatch(_ context.Context, _, _ string) error {
	return nil
}

// fakeFactory hands every account the same fake client.
type fakeFactory struct {
	client *fakeClient
	err    error
}

func (f *fakeFactory) ClientFor(_ context.Context, _ string) (provider.RemoteCalendarClient, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}
