package store

import (
	"time"
)

// SyncMode selects how a sync run lists remote events.
type SyncMode string

const (
	SyncModeFull        SyncMode = "full"        // Ignore stored sync token, list everything
	SyncModeIncremental SyncMode = "incremental" // Supply the mapping's stored sync token
)

// ValidSyncModes contains all valid sync mode values.
var ValidSyncModes = map[SyncMode]bool{
	SyncModeFull:        true,
	SyncModeIncremental: true,
}

// IsValid returns true if the sync mode is a known valid value.
func (m SyncMode) IsValid() bool {
	return ValidSyncModes[m]
}

// SyncRunStatus represents the phase of a sync run.
type SyncRunStatus string

const (
	SyncRunFetching  SyncRunStatus = "fetching"
	SyncRunDiffing   SyncRunStatus = "diffing"
	SyncRunApplying  SyncRunStatus = "applying"
	SyncRunCompleted SyncRunStatus = "completed"
	SyncRunFailed    SyncRunStatus = "failed"
	SyncRunCancelled SyncRunStatus = "cancelled"
)

// IsTerminal returns true once a run can no longer change state.
func (s SyncRunStatus) IsTerminal() bool {
	return s == SyncRunCompleted || s == SyncRunFailed || s == SyncRunCancelled
}

// ConflictKind classifies an unresolved divergence between a local and remote event.
type ConflictKind string

const (
	ConflictDeletedBoth  ConflictKind = "deleted_both"
	ConflictModifiedBoth ConflictKind = "modified_both"
	ConflictDuplicate    ConflictKind = "duplicate"
	ConflictTimeOverlap  ConflictKind = "time_overlap"
)

// ValidConflictKinds contains all valid conflict kind values.
var ValidConflictKinds = map[ConflictKind]bool{
	ConflictDeletedBoth:  true,
	ConflictModifiedBoth: true,
	ConflictDuplicate:    true,
	ConflictTimeOverlap:  true,
}

// IsValid returns true if the conflict kind is a known valid value.
func (k ConflictKind) IsValid() bool {
	return ValidConflictKinds[k]
}

// Resolution is the policy used to converge a conflicting pair.
type Resolution string

const (
	ResolutionKeepRemote Resolution = "keep_remote"
	ResolutionKeepLocal  Resolution = "keep_local"
	ResolutionMerge      Resolution = "merge"
	ResolutionSkip       Resolution = "skip"
)

// ValidResolutions contains all valid resolution values.
var ValidResolutions = map[Resolution]bool{
	ResolutionKeepRemote: true,
	ResolutionKeepLocal:  true,
	ResolutionMerge:      true,
	ResolutionSkip:       true,
}

// IsValid returns true if the resolution is a known valid value.
func (r Resolution) IsValid() bool {
	return ValidResolutions[r]
}

// SyncDirection represents which sides a mapping is allowed to write.
type SyncDirection string

const (
	SyncDirectionPull SyncDirection = "pull" // Remote -> local only
	SyncDirectionPush SyncDirection = "push" // Local -> remote only
	SyncDirectionBoth SyncDirection = "both" // Bidirectional
)

// ValidSyncDirections contains all valid sync direction values.
var ValidSyncDirections = map[SyncDirection]bool{
	SyncDirectionPull: true,
	SyncDirectionPush: true,
	SyncDirectionBoth: true,
}

// IsValid returns true if the sync direction is a known valid value.
func (d SyncDirection) IsValid() bool {
	return ValidSyncDirections[d]
}

// CalendarAccount is one external-provider identity owned by a user.
// Disabled (SyncEnabled=false, SyncError set) on auth failure; deleted on
// unlink, cascading to mappings and events.
type CalendarAccount struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	// RefreshToken holds the AES-GCM ciphertext, never the raw credential.
	RefreshToken string     `json:"-"`
	SyncEnabled  bool       `json:"sync_enabled"`
	SyncError    string     `json:"sync_error,omitempty"`
	LastSyncAt   *time.Time `json:"last_sync_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CalendarMapping is the per-remote-calendar sync configuration under an
// account. Unique per (account, remote calendar). SyncToken and PageToken
// hold the resumability cursor; they are only ever written by the
// orchestrator that holds the account lease.
type CalendarMapping struct {
	ID                string        `json:"id"`
	AccountID         string        `json:"account_id"`
	RemoteCalendarID  string        `json:"remote_calendar_id"`
	Direction         SyncDirection `json:"direction"`
	DefaultResolution Resolution    `json:"default_resolution"`
	LinkTasks         bool          `json:"link_tasks"`
	SyncToken         string        `json:"sync_token,omitempty"`
	PageToken         string        `json:"page_token,omitempty"`
	LastSyncedAt      *time.Time    `json:"last_synced_at"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// CalendarEvent is the canonical local record. RemoteEventID/RemoteCalendarID
// link it to the remote event and are unique as a pair when both are set.
// TaskID, SubjectID and StudyMinutes are local-only and must survive any
// remote-driven overwrite. DeletedAt is a tombstone; rows are never hard
// deleted by the engine.
type CalendarEvent struct {
	ID               string     `json:"id"`
	AccountID        string     `json:"account_id"`
	MappingID        string     `json:"mapping_id"`
	RemoteEventID    string     `json:"remote_event_id,omitempty"`
	RemoteCalendarID string     `json:"remote_calendar_id,omitempty"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Location         string     `json:"location"`
	StartsAt         time.Time  `json:"starts_at"`
	EndsAt           time.Time  `json:"ends_at"`
	AllDay           bool       `json:"all_day"`
	TaskID           string     `json:"task_id,omitempty"`
	SubjectID        string     `json:"subject_id,omitempty"`
	StudyMinutes     int        `json:"study_minutes"`
	Etag             string     `json:"etag,omitempty"`
	RemoteUpdatedAt  *time.Time `json:"remote_updated_at"`
	LocalUpdatedAt   time.Time  `json:"local_updated_at"`
	DeletedAt        *time.Time `json:"deleted_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsLinked returns true if the event carries a remote identity.
func (e *CalendarEvent) IsLinked() bool {
	return e.RemoteEventID != "" && e.RemoteCalendarID != ""
}

// IsTombstoned returns true if the event has been soft-deleted.
func (e *CalendarEvent) IsTombstoned() bool {
	return e.DeletedAt != nil
}

// SyncLog is one row per sync run, keyed by SyncID. Phase counters are
// updated at each page boundary; the row is immutable once terminal.
type SyncLog struct {
	ID              string        `json:"id"`
	SyncID          string        `json:"sync_id"`
	AccountID       string        `json:"account_id"`
	Mode            SyncMode      `json:"mode"`
	Status          SyncRunStatus `json:"status"`
	EventsProcessed int           `json:"events_processed"`
	EventsCreated   int           `json:"events_created"`
	EventsUpdated   int           `json:"events_updated"`
	EventsDeleted   int           `json:"events_deleted"`
	ConflictsFound  int           `json:"conflicts_found"`
	ErrorCode       string        `json:"error_code,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      *time.Time    `json:"finished_at"`
}

// SyncConflict is one unresolved divergence between a local and remote event.
// Both full field snapshots are captured at detection time so resolution does
// not require re-fetching. Write-once: Resolution/ResolvedAt are set exactly
// once; a resolved conflict is only re-detected if the underlying events
// diverge again after ResolvedAt.
type SyncConflict struct {
	ID               string       `json:"id"`
	SyncID           string       `json:"sync_id"`
	AccountID        string       `json:"account_id"`
	MappingID        string       `json:"mapping_id"`
	EventID          string       `json:"event_id,omitempty"`
	RemoteEventID    string       `json:"remote_event_id,omitempty"`
	RemoteCalendarID string       `json:"remote_calendar_id,omitempty"`
	Kind             ConflictKind `json:"kind"`
	LocalSnapshot    string       `json:"local_snapshot"`  // JSON CalendarEvent
	RemoteSnapshot   string       `json:"remote_snapshot"` // JSON remote event
	DetectedAt       time.Time    `json:"detected_at"`
	Resolution       Resolution   `json:"resolution,omitempty"`
	ResolvedAt       *time.Time   `json:"resolved_at"`
}

// IsResolved returns true once a resolution has been recorded.
func (c *SyncConflict) IsResolved() bool {
	return c.ResolvedAt != nil
}

// WebhookChannel is a registered push-notification subscription. A
// notification is only accepted if its (channel, resource) pair matches a
// row whose Expiration is in the future.
type WebhookChannel struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	MappingID  string    `json:"mapping_id"`
	ChannelID  string    `json:"channel_id"`
	ResourceID string    `json:"resource_id"`
	Expiration time.Time `json:"expiration"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsExpired returns true if the channel registration is past its expiration.
func (w *WebhookChannel) IsExpired(now time.Time) bool {
	return !w.Expiration.After(now)
}

// SyncLease is the account-scoped lock enforcing at most one active run per
// account across worker processes. A crashed worker's lease expires at
// ExpiresAt rather than wedging the account.
type SyncLease struct {
	AccountID string    `json:"account_id"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}
