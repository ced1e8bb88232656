// Package org reads schedule entries from org-mode files.
package org

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"orgcal/internal/models"
)

var (
	DefaultTodoKeywords = []string{"TODO", "NEXT", "RUNNING", "PAUSED", "WAIT", "DELEGATED"}
	DefaultDoneKeywords = []string{"DONE", "CANCELLED"}
)

// ArchiveTag excludes a subtree from syncing.
const ArchiveTag = "ARCHIVE"

var (
	headlineRe = regexp.MustCompile(`^(\*+)\s+(.*?)\s*$`)
	tagsRe     = regexp.MustCompile(`^(.*?)\s+(:(?:[^\s:]+:)+)$`)
	priorityRe = regexp.MustCompile(`^\[#[A-Za-z0-9]\]\s*`)
	planningRe = regexp.MustCompile(`(SCHEDULED|DEADLINE|CLOSED):\s*(<[^>]*>(?:--<[^>]*>)?|\[[^\]]*\](?:--\[[^\]]*\])?)`)
	drawerRe   = regexp.MustCompile(`^:([A-Za-z0-9_-]+):$`)
	propertyRe = regexp.MustCompile(`^:([^\s:]+):(?:\s+(.*))?$`)
	clockRe    = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?:-(\d{1,2}):(\d{2}))?$`)
	repeaterRe = regexp.MustCompile(`^(\+\+|\.\+|\+)(\d+)([hdwmy])$`)
	warningRe  = regexp.MustCompile(`^--?\d+[hdwmy]$`)
)

// Options configures a Parser.
type Options struct {
	TodoKeywords []string
	DoneKeywords []string
	// Location applies to org timestamps, which carry no zone.
	Location *time.Location
	Logger   *slog.Logger
}

// Parser turns org text into schedule entries.
type Parser struct {
	opts Options
}

// NewParser creates a Parser. Empty options fall back to the defaults and UTC.
func NewParser(opts Options) *Parser {
	if len(opts.TodoKeywords) == 0 {
		opts.TodoKeywords = DefaultTodoKeywords
	}
	if len(opts.DoneKeywords) == 0 {
		opts.DoneKeywords = DefaultDoneKeywords
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Parser{opts: opts}
}

type heading struct {
	line      int
	level     int
	title     string
	state     string
	tags      []string
	props     map[string]string
	scheduled string
	deadline  string
	body      []string
	drawer    string
}

type ancestor struct {
	level int
	tags  []string
}

// Parse reads one org document. Headings with a SCHEDULED or DEADLINE timestamp
// become entries. Malformed headings are reported as *models.ValidationError and
// left out; the rest of the document is still returned.
func (p *Parser) Parse(r io.Reader, file string) ([]models.ScheduleEntry, []error) {
	var (
		entries  []models.ScheduleEntry
		problems []error
		fileTags []string
		stack    []ancestor
		cur      *heading
		inherit  []string
		lineNo   int
	)
	keywords := make(map[string]bool)
	for _, k := range p.opts.TodoKeywords {
		keywords[k] = true
	}
	for _, k := range p.opts.DoneKeywords {
		keywords[k] = true
	}

	flush := func() {
		if cur == nil {
			return
		}
		e, err := p.build(cur, inherit, file)
		switch {
		case err != nil:
			problems = append(problems, err)
		case e != nil:
			entries = append(entries, *e)
		}
		cur = nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), " \t\r")
		trimmed := strings.TrimSpace(line)

		if m := headlineRe.FindStringSubmatch(line); m != nil {
			flush()
			level := len(m[1])
			h := &heading{line: lineNo, level: level, props: make(map[string]string)}
			h.title, h.state, h.tags = splitHeadline(m[2], keywords)

			for len(stack) > 0 && stack[len(stack)-1].level >= level {
				stack = stack[:len(stack)-1]
			}
			inherit = append([]string(nil), fileTags...)
			for _, a := range stack {
				inherit = append(inherit, a.tags...)
			}
			stack = append(stack, ancestor{level: level, tags: h.tags})
			cur = h
			continue
		}

		if key, value, ok := keywordLine(trimmed); ok {
			switch key {
			case "FILETAGS":
				fileTags = append(fileTags, splitTags(value)...)
			case "TODO", "SEQ_TODO", "TYP_TODO":
				for _, k := range fileKeywords(value) {
					keywords[k] = true
				}
			}
			continue
		}

		if cur == nil {
			continue
		}

		if cur.drawer != "" {
			if strings.EqualFold(trimmed, ":END:") {
				cur.drawer = ""
			} else if cur.drawer == "PROPERTIES" {
				if m := propertyRe.FindStringSubmatch(trimmed); m != nil {
					cur.props[strings.ToUpper(m[1])] = strings.TrimSpace(m[2])
				}
			}
			continue
		}
		if m := drawerRe.FindStringSubmatch(trimmed); m != nil && !strings.EqualFold(m[1], "END") {
			cur.drawer = strings.ToUpper(m[1])
			continue
		}
		if len(cur.body) == 0 {
			if ms := planningRe.FindAllStringSubmatch(trimmed, -1); ms != nil && strings.HasPrefix(trimmed, ms[0][1]) {
				for _, m := range ms {
					switch m[1] {
					case "SCHEDULED":
						cur.scheduled = m[2]
					case "DEADLINE":
						cur.deadline = m[2]
					}
				}
				continue
			}
			if trimmed == "" {
				continue
			}
		}
		cur.body = append(cur.body, line)
	}
	flush()

	if err := scanner.Err(); err != nil {
		problems = append(problems, fmt.Errorf("failed to read %s: %w", file, err))
	}
	return entries, problems
}

func (p *Parser) build(h *heading, inherited []string, file string) (*models.ScheduleEntry, error) {
	if h.scheduled == "" && h.deadline == "" {
		return nil, nil
	}
	tags := mergeTags(inherited, h.tags)
	if slices.Contains(tags, ArchiveTag) {
		return nil, nil
	}

	e := &models.ScheduleEntry{
		ID:          h.props["ID"],
		Title:       h.title,
		Description: strings.TrimSpace(strings.Join(dedent(h.body), "\n")),
		Tags:        tags,
		State:       h.state,
		Source:      models.SourceLocation{File: file, Line: h.line},
	}
	invalid := func(err error) error {
		return &models.ValidationError{ID: e.ID, Entry: e.Source, Title: e.Title, Err: err}
	}

	if h.scheduled != "" {
		ts, rec, err := p.parseTimestamp(h.scheduled)
		if err != nil {
			return nil, invalid(fmt.Errorf("SCHEDULED: %w", err))
		}
		if effort, ok := h.props["EFFORT"]; ok && !ts.AllDay && ts.IsPoint() {
			d, err := parseEffort(effort)
			if err != nil {
				return nil, invalid(err)
			}
			ts.End = ts.Start.Add(d)
		}
		e.Scheduled = &ts
		e.Recurrence = rec
	}
	if h.deadline != "" {
		ts, rec, err := p.parseTimestamp(h.deadline)
		if err != nil {
			return nil, invalid(fmt.Errorf("DEADLINE: %w", err))
		}
		if rec != nil {
			// Deadlines are synced once, at their next due date.
			p.opts.Logger.Debug("Ignoring repeater on DEADLINE", "title", e.Title, "source", e.Source)
		}
		e.Deadline = &ts
	}
	return e, nil
}

// splitHeadline separates the TODO keyword, priority cookie and tags from the
// heading text.
func splitHeadline(text string, keywords map[string]bool) (title, state string, tags []string) {
	if m := tagsRe.FindStringSubmatch(text); m != nil && m[1] != "" {
		text = m[1]
		tags = splitTags(m[2])
	}
	if word, rest, _ := strings.Cut(text, " "); keywords[word] {
		state = word
		text = strings.TrimSpace(rest)
	}
	text = priorityRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text), state, tags
}

func splitTags(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == ' ' })
}

func mergeTags(inherited, own []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range append(append([]string(nil), inherited...), own...) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// dedent removes the indentation shared by all non-blank lines.
func dedent(lines []string) []string {
	common := -1
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		n := len(l) - len(strings.TrimLeft(l, " \t"))
		if common < 0 || n < common {
			common = n
		}
	}
	if common <= 0 {
		return lines
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		if len(l) >= common {
			out[i] = l[common:]
		}
	}
	return out
}

// keywordLine matches "#+KEY: value" lines.
func keywordLine(s string) (string, string, bool) {
	if !strings.HasPrefix(s, "#+") {
		return "", "", false
	}
	key, value, ok := strings.Cut(s[2:], ":")
	if !ok {
		return "", "", false
	}
	return strings.ToUpper(key), strings.TrimSpace(value), true
}

// fileKeywords reads a "#+TODO: A B | C" line; fast-access keys like "TODO(t)" are
// stripped.
func fileKeywords(value string) []string {
	var out []string
	for _, f := range strings.Fields(value) {
		if f == "|" {
			continue
		}
		if i := strings.IndexByte(f, '('); i > 0 {
			f = f[:i]
		}
		out = append(out, f)
	}
	return out
}

type stamp struct {
	date       time.Time
	start, end *clock
	repeat     *models.Recurrence
}

type clock struct{ hour, minute int }

func (p *Parser) parseTimestamp(raw string) (models.Timestamp, *models.Recurrence, error) {
	first, second, isRange := raw, "", false
	for _, sep := range []string{">--<", "]--["} {
		if i := strings.Index(raw, sep); i >= 0 {
			first, second, isRange = raw[:i+1], raw[i+3:], true
			break
		}
	}

	a, err := p.parseStamp(first)
	if err != nil {
		return models.Timestamp{}, nil, err
	}
	if !isRange {
		ts := models.Timestamp{Start: a.at(a.start, p.opts.Location)}
		switch {
		case a.start == nil:
			ts.AllDay = true
		case a.end != nil:
			ts.End = a.at(a.end, p.opts.Location)
			if ts.End.Before(ts.Start) {
				return models.Timestamp{}, nil, fmt.Errorf("time range %s ends before it starts", raw)
			}
		}
		return ts, a.repeat, nil
	}

	b, err := p.parseStamp(second)
	if err != nil {
		return models.Timestamp{}, nil, err
	}
	ts := models.Timestamp{
		Start:  a.at(a.start, p.opts.Location),
		End:    b.at(b.start, p.opts.Location),
		AllDay: a.start == nil && b.start == nil,
	}
	if ts.End.Before(ts.Start) {
		return models.Timestamp{}, nil, fmt.Errorf("range %s ends before it starts", raw)
	}
	return ts, a.repeat, nil
}

func (s stamp) at(c *clock, loc *time.Location) time.Time {
	y, m, d := s.date.Date()
	if c == nil {
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	return time.Date(y, m, d, c.hour, c.minute, 0, 0, loc)
}

// parseStamp reads "<2024-01-10 Wed 09:00-10:30 +1w -2d>".
func (p *Parser) parseStamp(raw string) (stamp, error) {
	var s stamp
	raw = strings.TrimSpace(raw)
	if len(raw) < 2 || !(raw[0] == '<' && raw[len(raw)-1] == '>' || raw[0] == '[' && raw[len(raw)-1] == ']') {
		return s, fmt.Errorf("malformed timestamp %q", raw)
	}
	fields := strings.Fields(raw[1 : len(raw)-1])
	if len(fields) == 0 {
		return s, fmt.Errorf("empty timestamp %q", raw)
	}
	date, err := time.Parse("2006-01-02", fields[0])
	if err != nil {
		return s, fmt.Errorf("malformed date in %q: %w", raw, err)
	}
	s.date = date

	for i, f := range fields[1:] {
		if m := clockRe.FindStringSubmatch(f); m != nil && s.start == nil {
			if s.start, err = newClock(m[1], m[2]); err != nil {
				return s, fmt.Errorf("%q: %w", raw, err)
			}
			if m[3] != "" {
				if s.end, err = newClock(m[3], m[4]); err != nil {
					return s, fmt.Errorf("%q: %w", raw, err)
				}
			}
			continue
		}
		if m := repeaterRe.FindStringSubmatch(f); m != nil {
			n, _ := strconv.Atoi(m[2])
			s.repeat = &models.Recurrence{Interval: n, Unit: units[m[3]]}
			continue
		}
		if warningRe.MatchString(f) {
			continue
		}
		if i == 0 && isDayName(f) {
			continue
		}
		return s, fmt.Errorf("unexpected %q in timestamp %q", f, raw)
	}
	return s, nil
}

var units = map[string]models.Unit{
	"h": models.UnitHour,
	"d": models.UnitDay,
	"w": models.UnitWeek,
	"m": models.UnitMonth,
	"y": models.UnitYear,
}

func newClock(h, m string) (*clock, error) {
	hour, _ := strconv.Atoi(h)
	minute, _ := strconv.Atoi(m)
	if hour > 23 || minute > 59 {
		return nil, fmt.Errorf("invalid time %s:%s", h, m)
	}
	return &clock{hour: hour, minute: minute}, nil
}

func isDayName(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' || r == '+' || r == '-' || r == ':' {
			return false
		}
	}
	return true
}

var errBadEffort = errors.New("malformed EFFORT property")

// parseEffort accepts "H:MM" or a plain number of minutes.
func parseEffort(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if h, m, ok := strings.Cut(s, ":"); ok {
		hours, err1 := strconv.Atoi(h)
		minutes, err2 := strconv.Atoi(m)
		if err1 != nil || err2 != nil || hours < 0 || minutes < 0 || minutes > 59 {
			return 0, fmt.Errorf("%w: %q", errBadEffort, s)
		}
		return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute, nil
	}
	minutes, err := strconv.Atoi(s)
	if err != nil || minutes < 0 {
		return 0, fmt.Errorf("%w: %q", errBadEffort, s)
	}
	return time.Duration(minutes) * time.Minute, nil
}
