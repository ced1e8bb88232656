// Package caldav is the CalDAV calendar backend.
package caldav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"orgcal/internal/models"
	"orgcal/internal/remote"
)

const (
	userAgent = "orgcal/1.0"
	productID = "-//orgcal//EN"
)

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Username != "" || t.Password != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}
	req.Header.Set("User-Agent", userAgent)
	return t.Transport.RoundTrip(req)
}

// Config locates the calendar collection.
type Config struct {
	URL      string
	Username string
	Password string
	// Calendar is a display name, or a collection path if it starts with "/".
	Calendar string
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// Client is a remote.Adapter for one CalDAV calendar collection.
type Client struct {
	caldav       *caldav.Client
	http         *http.Client
	logger       *slog.Logger
	origin       string // scheme://host of the endpoint
	calendarPath string

	mu    sync.Mutex
	paths map[string]string // UID -> object path, learned from listings
}

var _ remote.Adapter = (*Client)(nil)

// NewClient connects to the server and resolves the configured calendar.
func NewClient(ctx context.Context, logger *slog.Logger, cfg Config) (*Client, error) {
	endpoint, err := url.Parse(cfg.URL)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid caldav url %q", cfg.URL)
	}
	rt := cfg.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	httpClient := &http.Client{Transport: &customTransport{
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: rt,
	}}

	caldavClient, err := caldav.NewClient(httpClient, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	c := &Client{
		caldav: caldavClient,
		http:   httpClient,
		logger: logger,
		origin: endpoint.Scheme + "://" + endpoint.Host,
		paths:  make(map[string]string),
	}

	if strings.HasPrefix(cfg.Calendar, "/") {
		c.calendarPath = cfg.Calendar
	} else {
		logger.Info("Finding calendar", "calendarName", cfg.Calendar)
		if c.calendarPath, err = c.findCalendar(ctx, cfg.Calendar); err != nil {
			return nil, fmt.Errorf("could not find calendar '%s': %w", cfg.Calendar, err)
		}
	}
	if !strings.HasSuffix(c.calendarPath, "/") {
		c.calendarPath += "/"
	}
	logger.Info("Using calendar", "path", c.calendarPath)
	return c, nil
}

func (c *Client) Name() string { return "caldav" }

// SupportsRecurrence is true: CalDAV servers expand RRULEs.
func (c *Client) SupportsRecurrence() bool { return true }

// List returns the UID and stored fingerprint of every event in the collection.
func (c *Client) List(ctx context.Context) ([]remote.Item, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name:  ical.CompEvent,
				Props: []string{ical.PropUID, remote.FingerprintProperty},
			}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent}},
		},
	}
	objects, err := c.caldav.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return nil, remote.Transient(0, fmt.Errorf("failed to query calendar: %w", err))
	}

	paths := make(map[string]string, len(objects))
	items := make([]remote.Item, 0, len(objects))
	for _, obj := range objects {
		uid, fp := eventIdentity(obj.Data)
		if uid == "" {
			c.logger.Debug("Skipping calendar object without UID", "path", obj.Path)
			continue
		}
		if _, dup := paths[uid]; dup {
			continue
		}
		paths[uid] = obj.Path
		items = append(items, remote.Item{ID: uid, Fingerprint: fp})
	}

	c.mu.Lock()
	c.paths = paths
	c.mu.Unlock()
	c.logger.Debug("Listed calendar", "objects", len(items))
	return items, nil
}

func eventIdentity(cal *ical.Calendar) (uid, fp string) {
	if cal == nil {
		return "", ""
	}
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if p := child.Props.Get(ical.PropUID); p != nil {
			uid = p.Value
		}
		if p := child.Props.Get(remote.FingerprintProperty); p != nil {
			fp = p.Value
		}
		return uid, fp
	}
	return "", ""
}

// Create uploads occ as a new object. If an object with the same name already
// exists it is overwritten, since identifiers are owned by this tool.
func (c *Client) Create(ctx context.Context, occ models.Occurrence, fp string) error {
	err := c.put(ctx, occ, fp, true)
	var rerr *remote.Error
	if errors.As(err, &rerr) && rerr.Status == http.StatusPreconditionFailed {
		c.logger.Warn("Object already exists remotely, overwriting", "id", occ.ID)
		return c.put(ctx, occ, fp, false)
	}
	return err
}

func (c *Client) Update(ctx context.Context, occ models.Occurrence, fp string) error {
	return c.put(ctx, occ, fp, false)
}

func (c *Client) Delete(ctx context.Context, id string) error {
	target := c.objectPath(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.origin+target, nil)
	if err != nil {
		return remote.Permanent(0, err)
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return remote.Permanent(resp.StatusCode, remote.ErrNotFound)
	case resp.StatusCode/100 != 2:
		return statusError(http.MethodDelete, target, resp)
	}

	c.mu.Lock()
	delete(c.paths, id)
	c.mu.Unlock()
	return nil
}

func (c *Client) put(ctx context.Context, occ models.Occurrence, fp string, create bool) error {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(toCalendar(occ, fp, time.Now())); err != nil {
		return remote.Permanent(0, fmt.Errorf("failed to encode event to iCal format: %w", err))
	}

	target := c.objectPath(occ.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.origin+target, &buf)
	if err != nil {
		return remote.Permanent(0, err)
	}
	req.Header.Set("Content-Type", ical.MIMEType+"; charset=utf-8")
	if create {
		req.Header.Set("If-None-Match", "*")
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError(http.MethodPut, target, resp)
	}
	c.logger.Debug("Stored event", "id", occ.ID, "path", target, "status", resp.StatusCode)
	return nil
}

func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, remote.Transient(0, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err))
	}
	return resp, nil
}

// objectPath returns the path of the object with UID id: the one seen in the
// last listing, or <calendar>/<id>.ics.
func (c *Client) objectPath(id string) string {
	c.mu.Lock()
	p, ok := c.paths[id]
	c.mu.Unlock()
	if ok {
		return p
	}
	return c.calendarPath + url.PathEscape(id) + ".ics"
}

func statusError(method, target string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg != "" {
		return remote.FromStatus(resp.StatusCode, fmt.Errorf("%s %s: %s: %s", method, target, resp.Status, msg))
	}
	return remote.FromStatus(resp.StatusCode, fmt.Errorf("%s %s: %s", method, target, resp.Status))
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (c *Client) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldav.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldav.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no calendar found with name '%s'", name)
}
