// Package provider abstracts the external calendar API the engine syncs
// against. The engine only depends on RemoteCalendarClient; the Google
// Calendar adapter in google.go is the single concrete implementation.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

var (
	ErrTransient    = errors.New("transient provider error")
	ErrRateLimited  = errors.New("provider rate limited")
	ErrAuthFailed   = errors.New("provider authentication failed")
	ErrTokenExpired = errors.New("sync token expired")
	ErrNotFound     = errors.New("remote resource not found")
	ErrGone         = errors.New("remote resource gone")
)

// EventStatusCancelled is the remote status of a deleted/cancelled event.
const EventStatusCancelled = "cancelled"

// RemoteEvent is the provider-neutral view of one remote calendar event.
type RemoteEvent struct {
	ID               string    `json:"id"`
	CalendarID       string    `json:"calendar_id"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Location         string    `json:"location"`
	StartsAt         time.Time `json:"starts_at"`
	EndsAt           time.Time `json:"ends_at"`
	AllDay           bool      `json:"all_day"`
	Status           string    `json:"status"`
	Etag             string    `json:"etag"`
	Sequence         int64     `json:"sequence"`
	UpdatedAt        time.Time `json:"updated_at"`
	RecurringEventID string    `json:"recurring_event_id,omitempty"`
}

// IsCancelled returns true if the remote side reports the event deleted.
func (e *RemoteEvent) IsCancelled() bool {
	return e.Status == EventStatusCancelled
}

// EventPage is one page of a listing call. Exactly one of NextPageToken and
// NextSyncToken is set on success: a page token mid-listing, a sync token on
// the final page.
type EventPage struct {
	Events        []RemoteEvent
	NextPageToken string
	NextSyncToken string
}

// ListOptions carries the cursor for a listing call. SyncToken and PageToken
// are mutually exclusive.
type ListOptions struct {
	SyncToken  string
	PageToken  string
	MaxResults int64
}

// WatchConfig configures a push-notification channel registration.
type WatchConfig struct {
	ChannelID string
	Address   string // webhook endpoint URL
	Token     string // opaque verification token echoed in notifications
}

// Channel is a registered watch channel as acknowledged by the provider.
type Channel struct {
	ChannelID  string
	ResourceID string
	Expiration time.Time
}

// RemoteCalendarClient is the provider event API the engine consumes.
type RemoteCalendarClient interface {
	ListEvents(ctx context.Context, calendarID string, opts ListOptions) (*EventPage, error)
	GetEvent(ctx context.Context, calendarID, eventID string) (*RemoteEvent, error)
	InsertEvent(ctx context.Context, calendarID string, event *RemoteEvent) (*RemoteEvent, error)
	UpdateEvent(ctx context.Context, calendarID string, event *RemoteEvent) (*RemoteEvent, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	Watch(ctx context.Context, calendarID string, cfg WatchConfig) (*Channel, error)
	StopWatch(ctx context.Context, channelID, resourceID string) error
}

// TokenProvider supplies a valid access token for an account. Refresh is the
// provider's problem; an auth failure from the remote client after this has
// supplied a token is final.
type TokenProvider interface {
	TokenSource(ctx context.Context, accountID string) (oauth2.TokenSource, error)
}

// Error wraps a provider API failure with enough detail for the retry
// scheduler to classify it.
type Error struct {
	Code       int           // HTTP status code, 0 if unknown
	Reason     string        // provider reason string, if any
	RetryAfter time.Duration // from Retry-After, 0 if absent
	Err        error         // sentinel: ErrTransient, ErrRateLimited, ...
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("provider error %d (%s): %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("provider error %d: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns true for failures that backoff-and-retry can fix.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}

// IsAuthError returns true for credential failures; retries cannot fix these.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthFailed)
}

// IsTokenExpired returns true when the provider rejected the stored sync
// token; the caller should fall back to a full sync.
func IsTokenExpired(err error) bool {
	return errors.Is(err, ErrTokenExpired)
}

// IsGone returns true when the remote resource was permanently deleted.
func IsGone(err error) bool {
	return errors.Is(err, ErrGone)
}

// RetryAfter extracts a provider-supplied retry hint, or 0.
func RetryAfter(err error) time.Duration {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.RetryAfter
	}
	return 0
}
