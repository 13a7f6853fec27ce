package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrLeaseHeld       = errors.New("sync lease held by another owner")
	ErrAlreadyResolved = errors.New("conflict already resolved")
	ErrLogTerminal     = errors.New("sync log already terminal")
)

// CreateSyncLog creates a sync log row at run start.
func (s *Store) CreateSyncLog(log *SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.SyncID == "" {
		log.SyncID = uuid.New().String()
	}
	if log.StartedAt.IsZero() {
		log.StartedAt = time.Now().UTC()
	}
	if log.Status == "" {
		log.Status = SyncRunFetching
	}

	query := `INSERT INTO sync_logs (id, sync_id, account_id, mode, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.conn.Exec(query, log.ID, log.SyncID, log.AccountID, log.Mode, log.Status, log.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}

	return nil
}

// GetSyncLog returns the sync log for a run.
func (s *Store) GetSyncLog(syncID string) (*SyncLog, error) {
	query := `SELECT id, sync_id, account_id, mode, status, events_processed, events_created,
		events_updated, events_deleted, conflicts_found, error_code, error_message, started_at, finished_at
		FROM sync_logs WHERE sync_id = ?`

	row := s.conn.QueryRow(query, syncID)

	log := &SyncLog{}
	var errorCode, errorMessage sql.NullString
	var finishedAt sql.NullTime
	err := row.Scan(&log.ID, &log.SyncID, &log.AccountID, &log.Mode, &log.Status,
		&log.EventsProcessed, &log.EventsCreated, &log.EventsUpdated, &log.EventsDeleted,
		&log.ConflictsFound, &errorCode, &errorMessage, &log.StartedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync log: %w", err)
	}

	log.ErrorCode = errorCode.String
	log.ErrorMessage = errorMessage.String
	if finishedAt.Valid {
		log.FinishedAt = &finishedAt.Time
	}

	return log, nil
}

// SetSyncLogStatus moves a non-terminal run to a new phase.
func (s *Store) SetSyncLogStatus(syncID string, status SyncRunStatus) error {
	query := `UPDATE sync_logs SET status = ? WHERE sync_id = ? AND finished_at IS NULL`

	result, err := s.conn.Exec(query, status, syncID)
	if err != nil {
		return fmt.Errorf("failed to set sync log status: %w", err)
	}

	if err := checkAffected(result); errors.Is(err, ErrNotFound) {
		return ErrLogTerminal
	} else if err != nil {
		return err
	}

	return nil
}

// AddSyncLogCounts adds page counters to a run's totals.
func (s *Store) AddSyncLogCounts(syncID string, processed, created, updated, deleted, conflicts int) error {
	query := `UPDATE sync_logs SET
		events_processed = events_processed + ?,
		events_created = events_created + ?,
		events_updated = events_updated + ?,
		events_deleted = events_deleted + ?,
		conflicts_found = conflicts_found + ?
		WHERE sync_id = ? AND finished_at IS NULL`

	result, err := s.conn.Exec(query, processed, created, updated, deleted, conflicts, syncID)
	if err != nil {
		return fmt.Errorf("failed to add sync log counts: %w", err)
	}

	if err := checkAffected(result); errors.Is(err, ErrNotFound) {
		return ErrLogTerminal
	} else if err != nil {
		return err
	}

	return nil
}

// FinishSyncLog marks a run terminal. A terminal row is never updated again.
func (s *Store) FinishSyncLog(syncID string, status SyncRunStatus, errorCode, errorMessage string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish requires a terminal status, got %q", status)
	}

	query := `UPDATE sync_logs SET status = ?, error_code = ?, error_message = ?, finished_at = ?
		WHERE sync_id = ? AND finished_at IS NULL`

	result, err := s.conn.Exec(query, status, nullString(errorCode), nullString(errorMessage),
		time.Now().UTC(), syncID)
	if err != nil {
		return fmt.Errorf("failed to finish sync log: %w", err)
	}

	if err := checkAffected(result); errors.Is(err, ErrNotFound) {
		return ErrLogTerminal
	} else if err != nil {
		return err
	}

	return nil
}

// GetRecentSyncLogs returns the most recent runs for an account.
func (s *Store) GetRecentSyncLogs(accountID string, limit int) ([]*SyncLog, error) {
	query := `SELECT id, sync_id, account_id, mode, status, events_processed, events_created,
		events_updated, events_deleted, conflicts_found, error_code, error_message, started_at, finished_at
		FROM sync_logs WHERE account_id = ? ORDER BY started_at DESC LIMIT ?`

	rows, err := s.conn.Query(query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log := &SyncLog{}
		var errorCode, errorMessage sql.NullString
		var finishedAt sql.NullTime
		err := rows.Scan(&log.ID, &log.SyncID, &log.AccountID, &log.Mode, &log.Status,
			&log.EventsProcessed, &log.EventsCreated, &log.EventsUpdated, &log.EventsDeleted,
			&log.ConflictsFound, &errorCode, &errorMessage, &log.StartedAt, &finishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		log.ErrorCode = errorCode.String
		log.ErrorMessage = errorMessage.String
		if finishedAt.Valid {
			log.FinishedAt = &finishedAt.Time
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}

	return logs, nil
}

// CleanOldSyncLogs deletes terminal sync logs older than the given time.
func (s *Store) CleanOldSyncLogs(olderThan time.Time) (int64, error) {
	query := `DELETE FROM sync_logs WHERE started_at < ? AND finished_at IS NOT NULL`

	result, err := s.conn.Exec(query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

// CreateConflict persists a detected conflict with both side snapshots.
func (s *Store) CreateConflict(conflict *SyncConflict) error {
	if conflict.ID == "" {
		conflict.ID = uuid.New().String()
	}
	if conflict.DetectedAt.IsZero() {
		conflict.DetectedAt = time.Now().UTC()
	}

	query := `INSERT INTO sync_conflicts (
		id, sync_id, account_id, mapping_id, event_id, remote_event_id, remote_calendar_id,
		kind, local_snapshot, remote_snapshot, detected_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.conn.Exec(query, conflict.ID, conflict.SyncID, conflict.AccountID, conflict.MappingID,
		nullString(conflict.EventID), nullString(conflict.RemoteEventID), nullString(conflict.RemoteCalendarID),
		conflict.Kind, conflict.LocalSnapshot, conflict.RemoteSnapshot, conflict.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to create conflict: %w", err)
	}

	return nil
}

// GetConflict returns a conflict by its ID.
func (s *Store) GetConflict(id string) (*SyncConflict, error) {
	query := conflictSelect + ` WHERE id = ?`

	rows, err := s.conn.Query(query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get conflict: %w", err)
		}
		return nil, ErrNotFound
	}

	return scanConflict(rows)
}

// ListUnresolvedConflicts returns all unresolved conflicts for an account,
// oldest first.
func (s *Store) ListUnresolvedConflicts(accountID string) ([]*SyncConflict, error) {
	query := conflictSelect + ` WHERE account_id = ? AND resolved_at IS NULL ORDER BY detected_at`

	rows, err := s.conn.Query(query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*SyncConflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, conflict)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}

	return conflicts, nil
}

// GetLatestConflictForEvent returns the most recently detected conflict
// touching the given local event, resolved or not.
func (s *Store) GetLatestConflictForEvent(eventID string) (*SyncConflict, error) {
	query := conflictSelect + ` WHERE event_id = ? ORDER BY detected_at DESC LIMIT 1`

	rows, err := s.conn.Query(query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict for event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get conflict for event: %w", err)
		}
		return nil, ErrNotFound
	}

	return scanConflict(rows)
}

// MarkConflictResolved records the resolution exactly once. A second attempt
// returns ErrAlreadyResolved regardless of the decision.
func (s *Store) MarkConflictResolved(id string, resolution Resolution, at time.Time) error {
	query := `UPDATE sync_conflicts SET resolution = ?, resolved_at = ?
		WHERE id = ? AND resolved_at IS NULL`

	result, err := s.conn.Exec(query, resolution, at, id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish missing row from already-resolved row.
		if _, err := s.GetConflict(id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadyResolved
	}

	return nil
}

const conflictSelect = `SELECT id, sync_id, account_id, mapping_id, event_id, remote_event_id,
	remote_calendar_id, kind, local_snapshot, remote_snapshot, detected_at, resolution, resolved_at
	FROM sync_conflicts`

func scanConflict(rows *sql.Rows) (*SyncConflict, error) {
	conflict := &SyncConflict{}
	var eventID, remoteEventID, remoteCalendarID, resolution sql.NullString
	var resolvedAt sql.NullTime

	err := rows.Scan(&conflict.ID, &conflict.SyncID, &conflict.AccountID, &conflict.MappingID,
		&eventID, &remoteEventID, &remoteCalendarID, &conflict.Kind,
		&conflict.LocalSnapshot, &conflict.RemoteSnapshot, &conflict.DetectedAt,
		&resolution, &resolvedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}

	conflict.EventID = eventID.String
	conflict.RemoteEventID = remoteEventID.String
	conflict.RemoteCalendarID = remoteCalendarID.String
	conflict.Resolution = Resolution(resolution.String)
	if resolvedAt.Valid {
		conflict.ResolvedAt = &resolvedAt.Time
	}

	return conflict, nil
}

// CreateWebhookChannel registers a watch channel.
func (s *Store) CreateWebhookChannel(channel *WebhookChannel) error {
	if channel.ID == "" {
		channel.ID = uuid.New().String()
	}
	channel.CreatedAt = time.Now().UTC()

	query := `INSERT INTO webhook_channels (id, account_id, mapping_id, channel_id, resource_id, expiration, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.conn.Exec(query, channel.ID, channel.AccountID, channel.MappingID,
		channel.ChannelID, channel.ResourceID, channel.Expiration, channel.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create webhook channel: %w", err)
	}

	return nil
}

// GetWebhookChannel looks up a registration by its (channel, resource) pair.
func (s *Store) GetWebhookChannel(channelID, resourceID string) (*WebhookChannel, error) {
	query := `SELECT id, account_id, mapping_id, channel_id, resource_id, expiration, created_at
		FROM webhook_channels WHERE channel_id = ? AND resource_id = ?`

	row := s.conn.QueryRow(query, channelID, resourceID)

	channel := &WebhookChannel{}
	err := row.Scan(&channel.ID, &channel.AccountID, &channel.MappingID,
		&channel.ChannelID, &channel.ResourceID, &channel.Expiration, &channel.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook channel: %w", err)
	}

	return channel, nil
}

// GetWebhookChannelForMapping returns the registration for a mapping, if any.
func (s *Store) GetWebhookChannelForMapping(mappingID string) (*WebhookChannel, error) {
	query := `SELECT id, account_id, mapping_id, channel_id, resource_id, expiration, created_at
		FROM webhook_channels WHERE mapping_id = ? ORDER BY expiration DESC LIMIT 1`

	row := s.conn.QueryRow(query, mappingID)

	channel := &WebhookChannel{}
	err := row.Scan(&channel.ID, &channel.AccountID, &channel.MappingID,
		&channel.ChannelID, &channel.ResourceID, &channel.Expiration, &channel.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook channel for mapping: %w", err)
	}

	return channel, nil
}

// DeleteWebhookChannel removes a registration.
func (s *Store) DeleteWebhookChannel(id string) error {
	result, err := s.conn.Exec(`DELETE FROM webhook_channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook channel: %w", err)
	}

	return checkAffected(result)
}

// DeleteExpiredWebhookChannels removes registrations past their expiration.
func (s *Store) DeleteExpiredWebhookChannels(now time.Time) (int64, error) {
	result, err := s.conn.Exec(`DELETE FROM webhook_channels WHERE expiration <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired webhook channels: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

// AcquireLease takes the account's sync lease for ttl. Returns ErrLeaseHeld
// if another live owner holds it. Re-acquiring one's own lease extends it.
func (s *Store) AcquireLease(accountID, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	query := `INSERT INTO sync_leases (account_id, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE sync_leases.expires_at <= ? OR sync_leases.owner = excluded.owner`

	result, err := s.conn.Exec(query, accountID, owner, expiresAt, now)
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrLeaseHeld
	}

	return nil
}

// RenewLease extends a lease the owner already holds.
func (s *Store) RenewLease(accountID, owner string, ttl time.Duration) error {
	expiresAt := time.Now().UTC().Add(ttl)

	query := `UPDATE sync_leases SET expires_at = ? WHERE account_id = ? AND owner = ?`

	result, err := s.conn.Exec(query, expiresAt, accountID, owner)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}

	if err := checkAffected(result); errors.Is(err, ErrNotFound) {
		return ErrLeaseHeld
	} else if err != nil {
		return err
	}

	return nil
}

// ReleaseLease drops the lease if still held by owner.
func (s *Store) ReleaseLease(accountID, owner string) error {
	_, err := s.conn.Exec(`DELETE FROM sync_leases WHERE account_id = ? AND owner = ?`, accountID, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}

	return nil
}

// GetLease returns the current lease row for an account, expired or not.
func (s *Store) GetLease(accountID string) (*SyncLease, error) {
	row := s.conn.QueryRow(`SELECT account_id, owner, expires_at FROM sync_leases WHERE account_id = ?`, accountID)

	lease := &SyncLease{}
	err := row.Scan(&lease.AccountID, &lease.Owner, &lease.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	return lease, nil
}

// SyncStats is an aggregate snapshot for the dashboard endpoint.
type SyncStats struct {
	TotalAccounts       int `json:"total_accounts"`
	SyncEnabledAccounts int `json:"sync_enabled_accounts"`
	RunsToday           int `json:"runs_today"`
	FailedRunsToday     int `json:"failed_runs_today"`
	UnresolvedConflicts int `json:"unresolved_conflicts"`
}

// GetSyncStats aggregates account, run and conflict counts.
func (s *Store) GetSyncStats() (*SyncStats, error) {
	stats := &SyncStats{}
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)

	row := s.conn.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM calendar_accounts),
			(SELECT COUNT(*) FROM calendar_accounts WHERE sync_enabled = 1),
			(SELECT COUNT(*) FROM sync_logs WHERE started_at >= ?),
			(SELECT COUNT(*) FROM sync_logs WHERE started_at >= ? AND status = ?),
			(SELECT COUNT(*) FROM sync_conflicts WHERE resolved_at IS NULL)
	`, dayStart, dayStart, SyncRunFailed)

	err := row.Scan(&stats.TotalAccounts, &stats.SyncEnabledAccounts,
		&stats.RunsToday, &stats.FailedRunsToday, &stats.UnresolvedConflicts)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync stats: %w", err)
	}

	return stats, nil
}
