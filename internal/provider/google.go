package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	defaultPageSize = 250
	watchChannelTTL = 7 * 24 * time.Hour
)

// GoogleClient implements RemoteCalendarClient over the Google Calendar API.
type GoogleClient struct {
	svc *calendar.Service
}

// NewGoogleClient builds a client authenticated by the given token source.
func NewGoogleClient(ctx context.Context, ts oauth2.TokenSource) (*GoogleClient, error) {
	svc, err := calendar.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &GoogleClient{svc: svc}, nil
}

// ListEvents fetches one page of events. With a sync token it returns only
// changes since that token; cancelled events are included so deletions
// propagate.
func (c *GoogleClient) ListEvents(ctx context.Context, calendarID string, opts ListOptions) (*EventPage, error) {
	call := c.svc.Events.List(calendarID).
		Context(ctx).
		ShowDeleted(true).
		SingleEvents(true)

	maxResults := opts.MaxResults
	if maxResults == 0 {
		maxResults = defaultPageSize
	}
	call = call.MaxResults(maxResults)

	if opts.SyncToken != "" {
		call = call.SyncToken(opts.SyncToken)
	}
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classifyListError(err)
	}

	page := &EventPage{
		Events:        make([]RemoteEvent, 0, len(resp.Items)),
		NextPageToken: resp.NextPageToken,
		NextSyncToken: resp.NextSyncToken,
	}
	for _, item := range resp.Items {
		page.Events = append(page.Events, fromGoogleEvent(calendarID, item))
	}

	return page, nil
}

// GetEvent fetches a single event.
func (c *GoogleClient) GetEvent(ctx context.Context, calendarID, eventID string) (*RemoteEvent, error) {
	item, err := c.svc.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogleError(err)
	}
	ev := fromGoogleEvent(calendarID, item)
	return &ev, nil
}

// InsertEvent creates a remote event and returns the provider's view of it.
func (c *GoogleClient) InsertEvent(ctx context.Context, calendarID string, event *RemoteEvent) (*RemoteEvent, error) {
	item, err := c.svc.Events.Insert(calendarID, toGoogleEvent(event)).Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogleError(err)
	}
	ev := fromGoogleEvent(calendarID, item)
	return &ev, nil
}

// UpdateEvent overwrites a remote event. The provider bumps sequence/etag on
// success; callers must persist the returned remote state.
func (c *GoogleClient) UpdateEvent(ctx context.Context, calendarID string, event *RemoteEvent) (*RemoteEvent, error) {
	item, err := c.svc.Events.Update(calendarID, event.ID, toGoogleEvent(event)).Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogleError(err)
	}
	ev := fromGoogleEvent(calendarID, item)
	return &ev, nil
}

// DeleteEvent deletes a remote event. Already-gone events are not an error:
// Google answers 404 for unknown IDs and 410 for already-deleted ones.
func (c *GoogleClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := c.svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		classified := classifyGoogleError(err)
		if errors.Is(classified, ErrNotFound) || errors.Is(classified, ErrGone) {
			return nil
		}
		return classified
	}
	return nil
}

// Watch registers a push-notification channel for the calendar.
func (c *GoogleClient) Watch(ctx context.Context, calendarID string, cfg WatchConfig) (*Channel, error) {
	req := &calendar.Channel{
		Id:      cfg.ChannelID,
		Type:    "web_hook",
		Address: cfg.Address,
		Token:   cfg.Token,
		Params: map[string]string{
			"ttl": strconv.FormatInt(int64(watchChannelTTL.Seconds()), 10),
		},
	}

	resp, err := c.svc.Events.Watch(calendarID, req).Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogleError(err)
	}

	return &Channel{
		ChannelID:  resp.Id,
		ResourceID: resp.ResourceId,
		Expiration: time.UnixMilli(resp.Expiration).UTC(),
	}, nil
}

// StopWatch tears down a push-notification channel.
func (c *GoogleClient) StopWatch(ctx context.Context, channelID, resourceID string) error {
	err := c.svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	if err != nil {
		classified := classifyGoogleError(err)
		if errors.Is(classified, ErrNotFound) {
			return nil
		}
		return classified
	}
	return nil
}

// fromGoogleEvent maps a Google event to the provider-neutral shape.
func fromGoogleEvent(calendarID string, item *calendar.Event) RemoteEvent {
	ev := RemoteEvent{
		ID:               item.Id,
		CalendarID:       calendarID,
		Title:            item.Summary,
		Description:      item.Description,
		Location:         item.Location,
		Status:           item.Status,
		Etag:             item.Etag,
		Sequence:         item.Sequence,
		RecurringEventID: item.RecurringEventId,
	}

	if item.Updated != "" {
		if t, err := time.Parse(time.RFC3339, item.Updated); err == nil {
			ev.UpdatedAt = t.UTC()
		}
	}

	ev.StartsAt, ev.AllDay = parseEventTime(item.Start)
	ev.EndsAt, _ = parseEventTime(item.End)

	return ev
}

// toGoogleEvent maps back to the wire shape for insert/update calls.
func toGoogleEvent(ev *RemoteEvent) *calendar.Event {
	item := &calendar.Event{
		Id:          ev.ID,
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Sequence:    ev.Sequence,
	}

	if ev.AllDay {
		item.Start = &calendar.EventDateTime{Date: ev.StartsAt.Format("2006-01-02")}
		item.End = &calendar.EventDateTime{Date: ev.EndsAt.Format("2006-01-02")}
	} else {
		item.Start = &calendar.EventDateTime{DateTime: ev.StartsAt.Format(time.RFC3339)}
		item.End = &calendar.EventDateTime{DateTime: ev.EndsAt.Format(time.RFC3339)}
	}

	return item
}

// parseEventTime handles both timed (DateTime) and all-day (Date) values.
func parseEventTime(edt *calendar.EventDateTime) (time.Time, bool) {
	if edt == nil {
		return time.Time{}, false
	}
	if edt.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, edt.DateTime); err == nil {
			return t.UTC(), false
		}
		return time.Time{}, false
	}
	if edt.Date != "" {
		if t, err := time.Parse("2006-01-02", edt.Date); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// classifyGoogleError maps a googleapi failure onto the engine's error
// taxonomy.
func classifyGoogleError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		// Network-level failure, no HTTP status.
		return &Error{Err: fmt.Errorf("%w: %w", ErrTransient, err)}
	}

	reason := ""
	if len(gerr.Errors) > 0 {
		reason = gerr.Errors[0].Reason
	}

	perr := &Error{
		Code:       gerr.Code,
		Reason:     reason,
		RetryAfter: parseRetryAfter(gerr.Header),
	}

	switch {
	case gerr.Code == http.StatusGone:
		perr.Err = fmt.Errorf("%w: %w", ErrGone, gerr)
	case gerr.Code == http.StatusNotFound:
		perr.Err = fmt.Errorf("%w: %w", ErrNotFound, gerr)
	case gerr.Code == http.StatusTooManyRequests:
		perr.Err = fmt.Errorf("%w: %w", ErrRateLimited, gerr)
	case gerr.Code == http.StatusForbidden && isRateLimitReason(reason):
		perr.Err = fmt.Errorf("%w: %w", ErrRateLimited, gerr)
	case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
		perr.Err = fmt.Errorf("%w: %w", ErrAuthFailed, gerr)
	case gerr.Code >= 500:
		perr.Err = fmt.Errorf("%w: %w", ErrTransient, gerr)
	default:
		perr.Err = gerr
	}

	return perr
}

// classifyListError reclassifies a 410 as an expired sync token. Only
// listing calls carry a sync token, so only they get this mapping; a 410
// elsewhere means the resource itself is gone.
func classifyListError(err error) error {
	classified := classifyGoogleError(err)
	var perr *Error
	if errors.As(classified, &perr) && errors.Is(perr.Err, ErrGone) {
		perr.Err = fmt.Errorf("%w: %w", ErrTokenExpired, err)
	}
	return classified
}

// isRateLimitReason distinguishes quota 403s from permission 403s.
func isRateLimitReason(reason string) bool {
	switch reason {
	case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
		return true
	}
	return false
}

// parseRetryAfter reads a Retry-After header in either seconds or HTTP-date
// form.
func parseRetryAfter(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
