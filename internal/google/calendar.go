// Package google is the Google Calendar backend.
package google

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"orgcal/internal/models"
	"orgcal/internal/remote"
)

// Private extended property keys.
const (
	idProperty         = "X-ORGCAL-ID"
	categoriesProperty = "X-ORGCAL-CATEGORIES"
	idPrefix           = "orgcal:"
)

var eventIDEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// CalendarClient is a remote.Adapter for one Google calendar.
type CalendarClient struct {
	service    *calendar.Service
	calendarID string
	logger     *slog.Logger

	mu  sync.Mutex
	ids map[string]string // identifier -> Google event id, learned from listings
}

var _ remote.Adapter = (*CalendarClient)(nil)

// NewClient creates a client for calendarID using the stored token of
// accountName. It handles loading credentials and setting up an authenticated
// HTTP client.
func NewClient(ctx context.Context, logger *slog.Logger, auth AuthConfig, accountName, calendarID string) (*CalendarClient, error) {
	config, err := getOAuthConfig(auth)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	tokenFile := auth.TokenFile(accountName)
	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, missingToken(auth, accountName, err)
	}

	client := config.Client(ctx, token)
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return NewWithService(logger, service, calendarID), nil
}

// NewWithService wraps an existing calendar service.
func NewWithService(logger *slog.Logger, service *calendar.Service, calendarID string) *CalendarClient {
	return &CalendarClient{
		service:    service,
		calendarID: calendarID,
		logger:     logger,
		ids:        make(map[string]string),
	}
}

func (c *CalendarClient) Name() string { return "google" }

// SupportsRecurrence is true: Google expands RRULEs.
func (c *CalendarClient) SupportsRecurrence() bool { return true }

// EventID maps an identifier to a valid Google event id (base32hex, lowercase).
func EventID(id string) string {
	return strings.ToLower(eventIDEncoding.EncodeToString([]byte(idPrefix + id)))
}

// List returns every event in the calendar. Events created by this tool report
// their identifier and fingerprint; others report their Google id.
func (c *CalendarClient) List(ctx context.Context) ([]remote.Item, error) {
	ids := make(map[string]string)
	var items []remote.Item

	call := c.service.Events.List(c.calendarID).ShowDeleted(false).MaxResults(2500)
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, ev := range page.Items {
			item := remote.Item{ID: ev.Id}
			if ev.ExtendedProperties != nil && ev.ExtendedProperties.Private != nil {
				if id := ev.ExtendedProperties.Private[idProperty]; id != "" {
					item.ID = id
					item.Fingerprint = ev.ExtendedProperties.Private[remote.FingerprintProperty]
				}
			}
			if _, dup := ids[item.ID]; dup {
				continue
			}
			ids[item.ID] = ev.Id
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("failed to list events: %w", err))
	}

	c.mu.Lock()
	c.ids = ids
	c.mu.Unlock()
	c.logger.Debug("Listed Google calendar", "calendarID", c.calendarID, "events", len(items))
	return items, nil
}

// Create inserts occ. Google keeps the ids of deleted events, so an id conflict
// turns into an update that revives the event.
func (c *CalendarClient) Create(ctx context.Context, occ models.Occurrence, fp string) error {
	ev := toEvent(occ, fp)
	_, err := c.service.Events.Insert(c.calendarID, ev).Context(ctx).Do()
	if isStatus(err, http.StatusConflict) {
		c.logger.Warn("Event id already taken, updating instead", "id", occ.ID)
		return c.Update(ctx, occ, fp)
	}
	if err != nil {
		return classify(ctx, fmt.Errorf("failed to insert event %s: %w", occ.ID, err))
	}
	return nil
}

func (c *CalendarClient) Update(ctx context.Context, occ models.Occurrence, fp string) error {
	ev := toEvent(occ, fp)
	gid := c.eventID(occ.ID)
	ev.Id = gid
	if _, err := c.service.Events.Update(c.calendarID, gid, ev).Context(ctx).Do(); err != nil {
		return classify(ctx, fmt.Errorf("failed to update event %s: %w", occ.ID, err))
	}
	return nil
}

func (c *CalendarClient) Delete(ctx context.Context, id string) error {
	err := c.service.Events.Delete(c.calendarID, c.eventID(id)).Context(ctx).Do()
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
		return remote.Permanent(gerr.Code, remote.ErrNotFound)
	}
	if err != nil {
		return classify(ctx, fmt.Errorf("failed to delete event %s: %w", id, err))
	}
	c.mu.Lock()
	delete(c.ids, id)
	c.mu.Unlock()
	return nil
}

func (c *CalendarClient) eventID(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gid, ok := c.ids[id]; ok {
		return gid
	}
	return EventID(id)
}

// toEvent converts an occurrence to the Google Calendar representation.
func toEvent(occ models.Occurrence, fp string) *calendar.Event {
	ev := &calendar.Event{
		Id:          EventID(occ.ID),
		Summary:     occ.Title,
		Description: occ.Description,
		Status:      "confirmed",
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				idProperty:                 occ.ID,
				remote.FingerprintProperty: fp,
			},
		},
	}
	if len(occ.Categories) > 0 {
		ev.ExtendedProperties.Private[categoriesProperty] = strings.Join(occ.Categories, ",")
	}

	if occ.AllDay {
		end := occ.End
		if !end.After(occ.Start) {
			end = occ.Start.AddDate(0, 0, 1)
		}
		ev.Start = &calendar.EventDateTime{Date: occ.Start.Format(time.DateOnly)}
		ev.End = &calendar.EventDateTime{Date: end.Format(time.DateOnly)}
	} else {
		end := occ.End
		if end.IsZero() {
			end = occ.Start
		}
		zone := zoneName(occ.Start)
		ev.Start = &calendar.EventDateTime{DateTime: occ.Start.Format(time.RFC3339), TimeZone: zone}
		ev.End = &calendar.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: zone}
	}

	if occ.Recurrence != "" {
		ev.Recurrence = []string{"RRULE:" + occ.Recurrence}
	}
	return ev
}

func zoneName(t time.Time) string {
	if name := t.Location().String(); name != "Local" {
		return name
	}
	return ""
}

func isStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

// classify maps Google API failures onto remote error kinds. Rate limiting is
// reported as 403 with a rate-limit reason and is retryable.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return remote.Transient(0, err)
	}
	for _, item := range gerr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return remote.Transient(gerr.Code, err)
		}
	}
	return remote.FromStatus(gerr.Code, err)
}
