package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a temporary test database.
func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calsync-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	st, err := New(dbPath)
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

// createTestAccount creates a test account and returns it.
func createTestAccount(t *testing.T, st *Store, email string) *CalendarAccount {
	t.Helper()

	account := &CalendarAccount{
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

// createTestMapping creates a mapping for an account.
func createTestMapping(t *testing.T, st *Store, accountID, remoteCalendarID string) *CalendarMapping {
	t.Helper()

	mapping := &CalendarMapping{
		AccountID:        accountID,
		RemoteCalendarID: remoteCalendarID,
		Direction:        SyncDirectionBoth,
	}
	if err := st.CreateMapping(mapping); err != nil {
		t.Fatalf("failed to create test mapping: %v", err)
	}
	return mapping
}

// createTestEvent creates an event under a mapping.
func createTestEvent(t *testing.T, st *Store, accountID, mappingID, title string, start time.Time) *CalendarEvent {
	t.Helper()

	event := &CalendarEvent{
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
