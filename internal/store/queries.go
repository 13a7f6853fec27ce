package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAccount creates a new calendar account.
func (s *Store) CreateAccount(account *CalendarAccount) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	account.CreatedAt = time.Now().UTC()
	account.UpdatedAt = account.CreatedAt

	query := `INSERT INTO calendar_accounts (id, user_id, email, refresh_token, sync_enabled, sync_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.conn.Exec(query, account.ID, account.UserID, account.Email,
		nullString(account.RefreshToken), account.SyncEnabled, nullString(account.SyncError),
		account.CreatedAt, account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// GetAccount returns an account by its ID.
func (s *Store) GetAccount(id string) (*CalendarAccount, error) {
	query := `SELECT id, user_id, email, sync_enabled, sync_error, last_sync_at, created_at, updated_at
		FROM calendar_accounts WHERE id = ?`

	row := s.conn.QueryRow(query, id)

	account := &CalendarAccount{}
	var syncError sql.NullString
	var lastSyncAt sql.NullTime
	err := row.Scan(&account.ID, &account.UserID, &account.Email, &account.SyncEnabled,
		&syncError, &lastSyncAt, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	account.SyncError = syncError.String
	if lastSyncAt.Valid {
		account.LastSyncAt = &lastSyncAt.Time
	}

	return account, nil
}

// ListSyncEnabledAccounts returns all accounts with sync enabled.
func (s *Store) ListSyncEnabledAccounts() ([]*CalendarAccount, error) {
	query := `SELECT id, user_id, email, sync_enabled, sync_error, last_sync_at, created_at, updated_at
		FROM calendar_accounts WHERE sync_enabled = 1`

	rows, err := s.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*CalendarAccount
	for rows.Next() {
		account := &CalendarAccount{}
		var syncError sql.NullString
		var lastSyncAt sql.NullTime
		err := rows.Scan(&account.ID, &account.UserID, &account.Email, &account.SyncEnabled,
			&syncError, &lastSyncAt, &account.CreatedAt, &account.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		account.SyncError = syncError.String
		if lastSyncAt.Valid {
			account.LastSyncAt = &lastSyncAt.Time
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// GetAccountRefreshToken returns the stored (encrypted) refresh token for
// an account. Kept out of the general account queries so the ciphertext
// never rides along in API responses.
func (s *Store) GetAccountRefreshToken(id string) (string, error) {
	row := s.conn.QueryRow(`SELECT refresh_token FROM calendar_accounts WHERE id = ?`, id)

	var token sql.NullString
	err := row.Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get refresh token: %w", err)
	}

	return token.String, nil
}

// UpdateAccountRefreshToken replaces the stored refresh token and
// re-enables sync, clearing any recorded credential error.
func (s *Store) UpdateAccountRefreshToken(id, token string) error {
	query := `UPDATE calendar_accounts SET refresh_token = ?, sync_enabled = 1, sync_error = NULL, updated_at = ? WHERE id = ?`

	result, err := s.conn.Exec(query, token, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update refresh token: %w", err)
	}

	return checkAffected(result)
}

// DisableAccountSync disables automatic sync for an account and records the
// reason. Used when the provider rejects the account's credential.
func (s *Store) DisableAccountSync(id, reason string) error {
	now := time.Now().UTC()
	query := `UPDATE calendar_accounts SET sync_enabled = 0, sync_error = ?, updated_at = ? WHERE id = ?`

	result, err := s.conn.Exec(query, reason, now, id)
	if err != nil {
		return fmt.Errorf("failed to disable account sync: %w", err)
	}

	return checkAffected(result)
}

// MarkAccountSynced records a successful sync and clears any previous error.
func (s *Store) MarkAccountSynced(id string, at time.Time) error {
	query := `UPDATE calendar_accounts SET last_sync_at = ?, sync_error = NULL, updated_at = ? WHERE id = ?`

	result, err := s.conn.Exec(query, at, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark account synced: %w", err)
	}

	return checkAffected(result)
}

// DeleteAccount deletes an account; mappings, events and conflicts cascade.
func (s *Store) DeleteAccount(id string) error {
	result, err := s.conn.Exec(`DELETE FROM calendar_accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}

	return checkAffected(result)
}

// CreateMapping creates a new calendar mapping.
func (s *Store) CreateMapping(mapping *CalendarMapping) error {
	if mapping.ID == "" {
		mapping.ID = uuid.New().String()
	}
	if mapping.Direction == "" {
		mapping.Direction = SyncDirectionBoth
	}
	if mapping.DefaultResolution == "" {
		mapping.DefaultResolution = ResolutionKeepRemote
	}
	mapping.CreatedAt = time.Now().UTC()
	mapping.UpdatedAt = mapping.CreatedAt

	query := `INSERT INTO calendar_mappings (
		id, account_id, remote_calendar_id, direction, default_resolution, link_tasks,
		sync_token, page_token, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.conn.Exec(query, mapping.ID, mapping.AccountID, mapping.RemoteCalendarID,
		mapping.Direction, mapping.DefaultResolution, mapping.LinkTasks,
		nullString(mapping.SyncToken), nullString(mapping.PageToken),
		mapping.CreatedAt, mapping.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create mapping: %w", err)
	}

	return nil
}

// GetMapping returns a mapping by its ID.
func (s *Store) GetMapping(id string) (*CalendarMapping, error) {
	query := mappingSelect + ` WHERE id = ?`
	return scanMapping(s.conn.QueryRow(query, id))
}

// GetMappingsByAccount returns all mappings for an account.
func (s *Store) GetMappingsByAccount(accountID string) ([]*CalendarMapping, error) {
	query := mappingSelect + ` WHERE account_id = ? ORDER BY remote_calendar_id`

	rows, err := s.conn.Query(query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*CalendarMapping
	for rows.Next() {
		mapping, err := scanMappingFromRows(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, mapping)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}

	return mappings, nil
}

// SaveMappingCursor persists the mapping's page/sync tokens. This is the
// resumability boundary: it must be called only after the corresponding
// page's local writes are durable.
func (s *Store) SaveMappingCursor(id, syncToken, pageToken string) error {
	query := `UPDATE calendar_mappings SET sync_token = ?, page_token = ?, updated_at = ? WHERE id = ?`

	result, err := s.conn.Exec(query, nullString(syncToken), nullString(pageToken), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to save mapping cursor: %w", err)
	}

	return checkAffected(result)
}

// MarkMappingSynced records the completion time of a successful run for the
// mapping. The timestamp becomes the baseline for modified-since-last-sync
// comparisons in the next run.
func (s *Store) MarkMappingSynced(id string, at time.Time) error {
	query := `UPDATE calendar_mappings SET last_synced_at = ?, updated_at = ? WHERE id = ?`

	result, err := s.conn.Exec(query, at, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark mapping synced: %w", err)
	}

	return checkAffected(result)
}

const mappingSelect = `SELECT id, account_id, remote_calendar_id, direction, default_resolution,
	link_tasks, sync_token, page_token, last_synced_at, created_at, updated_at
	FROM calendar_mappings`

func scanMapping(row *sql.Row) (*CalendarMapping, error) {
	mapping := &CalendarMapping{}
	var syncToken, pageToken sql.NullString
	var lastSyncedAt sql.NullTime

	err := row.Scan(&mapping.ID, &mapping.AccountID, &mapping.RemoteCalendarID,
		&mapping.Direction, &mapping.DefaultResolution, &mapping.LinkTasks,
		&syncToken, &pageToken, &lastSyncedAt, &mapping.CreatedAt, &mapping.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan mapping: %w", err)
	}

	mapping.SyncToken = syncToken.String
	mapping.PageToken = pageToken.String
	if lastSyncedAt.Valid {
		mapping.LastSyncedAt = &lastSyncedAt.Time
	}

	return mapping, nil
}

func scanMappingFromRows(rows *sql.Rows) (*CalendarMapping, error) {
	mapping := &CalendarMapping{}
	var syncToken, pageToken sql.NullString
	var lastSyncedAt sql.NullTime

	err := rows.Scan(&mapping.ID, &mapping.AccountID, &mapping.RemoteCalendarID,
		&mapping.Direction, &mapping.DefaultResolution, &mapping.LinkTasks,
		&syncToken, &pageToken, &lastSyncedAt, &mapping.CreatedAt, &mapping.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan mapping: %w", err)
	}

	mapping.SyncToken = syncToken.String
	mapping.PageToken = pageToken.String
	if lastSyncedAt.Valid {
		mapping.LastSyncedAt = &lastSyncedAt.Time
	}

	return mapping, nil
}

// CreateEvent creates a new calendar event.
func (s *Store) CreateEvent(event *CalendarEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	event.CreatedAt = now
	event.UpdatedAt = now
	if event.LocalUpdatedAt.IsZero() {
		event.LocalUpdatedAt = now
	}

	query := `INSERT INTO calendar_events (
		id, account_id, mapping_id, remote_event_id, remote_calendar_id,
		title, description, location, starts_at, ends_at, all_day,
		task_id, subject_id, study_minutes, etag, remote_updated_at,
		local_updated_at, deleted_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.conn.Exec(query,
		event.ID, event.AccountID, event.MappingID,
		nullString(event.RemoteEventID), nullString(event.RemoteCalendarID),
		event.Title, event.Description, event.Location,
		event.StartsAt, event.EndsAt, event.AllDay,
		nullString(event.TaskID), nullString(event.SubjectID), event.StudyMinutes,
		nullString(event.Etag), nullTime(event.RemoteUpdatedAt),
		event.LocalUpdatedAt, nullTime(event.DeletedAt), event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create event: %w", err)
	}

	return nil
}

// GetEvent returns an event by its ID.
func (s *Store) GetEvent(id string) (*CalendarEvent, error) {
	query := eventSelect + ` WHERE id = ?`

	rows, err := s.conn.Query(query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get event: %w", err)
		}
		return nil, ErrNotFound
	}

	return scanEvent(rows)
}

// GetEventByRemoteIdentity returns the event linked to the given remote
// identity, if any.
func (s *Store) GetEventByRemoteIdentity(remoteEventID, remoteCalendarID string) (*CalendarEvent, error) {
	query := eventSelect + ` WHERE remote_event_id = ? AND remote_calendar_id = ?`

	rows, err := s.conn.Query(query, remoteEventID, remoteCalendarID)
	if err != nil {
		return nil, fmt.Errorf("failed to query event by remote identity: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get event by remote identity: %w", err)
		}
		return nil, ErrNotFound
	}

	return scanEvent(rows)
}

// GetLinkedEvents returns all events linked to remote events under a
// mapping, tombstoned rows included (deletion propagation needs them).
func (s *Store) GetLinkedEvents(mappingID string) ([]*CalendarEvent, error) {
	query := eventSelect + ` WHERE mapping_id = ? AND remote_event_id IS NOT NULL`
	return s.queryEvents(query, mappingID)
}

// GetUnlinkedEvents returns live local-only events for a mapping that have
// never been pushed to the provider.
func (s *Store) GetUnlinkedEvents(mappingID string) ([]*CalendarEvent, error) {
	query := eventSelect + ` WHERE mapping_id = ? AND remote_event_id IS NULL AND deleted_at IS NULL`
	return s.queryEvents(query, mappingID)
}

// FindOverlappingEvents returns live events for the account whose [starts_at,
// ends_at) interval overlaps the given window, excluding excludeID.
func (s *Store) FindOverlappingEvents(accountID string, start, end time.Time, excludeID string) ([]*CalendarEvent, error) {
	query := eventSelect + ` WHERE account_id = ? AND id != ? AND deleted_at IS NULL
		AND starts_at < ? AND ends_at > ?`
	return s.queryEvents(query, accountID, excludeID, end, start)
}

// UpdateEventFromRemote overwrites the event's mutable fields from remote
// state. Local-only fields (task_id, subject_id, study_minutes) are never
// touched here. localUpdatedAt is stamped so the row does not read as a
// local modification in the next run.
func (s *Store) UpdateEventFromRemote(event *CalendarEvent) error {
	now := time.Now().UTC()
	query := `UPDATE calendar_events SET
		title = ?, description = ?, location = ?, starts_at = ?, ends_at = ?, all_day = ?,
		etag = ?, remote_updated_at = ?, local_updated_at = ?, deleted_at = NULL, updated_at = ?
		WHERE id = ?`

	result, err := s.conn.Exec(query,
		event.Title, event.Description, event.Location, event.StartsAt, event.EndsAt, event.AllDay,
		nullString(event.Etag), nullTime(event.RemoteUpdatedAt), event.LocalUpdatedAt, now, event.ID)
	if err != nil {
		return fmt.Errorf("failed to update event from remote: %w", err)
	}

	return checkAffected(result)
}

// LinkEventToRemote attaches a remote identity to a local event after a
// successful push.
func (s *Store) LinkEventToRemote(id, remoteEventID, remoteCalendarID, etag string, remoteUpdatedAt time.Time) error {
	query := `UPDATE calendar_events SET
		remote_event_id = ?, remote_calendar_id = ?, etag = ?, remote_updated_at = ?, updated_at = ?
		WHERE id = ?`

	result, err := s.conn.Exec(query, remoteEventID, remoteCalendarID, nullString(etag),
		remoteUpdatedAt, time.Now().UTC(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to link event to remote: %w", err)
	}

	return checkAffected(result)
}

// UpdateEventRemoteState records the provider's etag/updated stamp after a
// push, without touching event content.
func (s *Store) UpdateEventRemoteState(id, etag string, remoteUpdatedAt time.Time) error {
	query := `UPDATE calendar_events SET etag = ?, remote_updated_at = ?, updated_at = ? WHERE id = ?`

	result, err := s.conn.Exec(query, nullString(etag), remoteUpdatedAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update event remote state: %w", err)
	}

	return checkAffected(result)
}

// TombstoneEvent soft-deletes an event. The row survives for delete
// propagation and conflict detection.
func (s *Store) TombstoneEvent(id string, at time.Time) error {
	query := `UPDATE calendar_events SET deleted_at = ?, local_updated_at = ?, updated_at = ? WHERE id = ?`

	result, err := s.conn.Exec(query, at, at, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to tombstone event: %w", err)
	}

	return checkAffected(result)
}

// UpsertEventByRemoteIdentity resolves a unique-constraint collision on the
// remote identity by updating the existing row instead of failing the run.
func (s *Store) UpsertEventByRemoteIdentity(event *CalendarEvent) error {
	existing, err := s.GetEventByRemoteIdentity(event.RemoteEventID, event.RemoteCalendarID)
	if errors.Is(err, ErrNotFound) {
		return s.CreateEvent(event)
	}
	if err != nil {
		return err
	}

	event.ID = existing.ID
	return s.UpdateEventFromRemote(event)
}

// LinkOriginalEvent records that eventID is a recurrence exception of
// originalEventID.
func (s *Store) LinkOriginalEvent(eventID, originalEventID string) error {
	query := `INSERT INTO event_links (event_id, original_event_id) VALUES (?, ?)
		ON CONFLICT(event_id) DO UPDATE SET original_event_id = excluded.original_event_id`

	_, err := s.conn.Exec(query, eventID, originalEventID)
	if err != nil {
		return fmt.Errorf("failed to link original event: %w", err)
	}

	return nil
}

// GetOriginalEventID returns the original event a recurrence exception
// points at, or ErrNotFound.
func (s *Store) GetOriginalEventID(eventID string) (string, error) {
	var originalID string
	err := s.conn.QueryRow(`SELECT original_event_id FROM event_links WHERE event_id = ?`, eventID).Scan(&originalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get original event: %w", err)
	}
	return originalID, nil
}

const eventSelect = `SELECT id, account_id, mapping_id, remote_event_id, remote_calendar_id,
	title, description, location, starts_at, ends_at, all_day,
	task_id, subject_id, study_minutes, etag, remote_updated_at,
	local_updated_at, deleted_at, created_at, updated_at
	FROM calendar_events`

func (s *Store) queryEvents(query string, args ...any) ([]*CalendarEvent, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*CalendarEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

func scanEvent(rows *sql.Rows) (*CalendarEvent, error) {
	event := &CalendarEvent{}
	var remoteEventID, remoteCalendarID, taskID, subjectID, etag sql.NullString
	var remoteUpdatedAt, deletedAt sql.NullTime

	err := rows.Scan(
		&event.ID, &event.AccountID, &event.MappingID, &remoteEventID, &remoteCalendarID,
		&event.Title, &event.Description, &event.Location, &event.StartsAt, &event.EndsAt, &event.AllDay,
		&taskID, &subjectID, &event.StudyMinutes, &etag, &remoteUpdatedAt,
		&event.LocalUpdatedAt, &deletedAt, &event.CreatedAt, &event.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.RemoteEventID = remoteEventID.String
	event.RemoteCalendarID = remoteCalendarID.String
	event.TaskID = taskID.String
	event.SubjectID = subjectID.String
	event.Etag = etag.String
	if remoteUpdatedAt.Valid {
		event.RemoteUpdatedAt = &remoteUpdatedAt.Time
	}
	if deletedAt.Valid {
		event.DeletedAt = &deletedAt.Time
	}

	return event, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func checkAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
