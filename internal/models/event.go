package models

import "time"

// Role says which part of an entry an occurrence was derived from.
type Role string

const (
	RolePrimary  Role = "primary"
	RoleDeadline Role = "deadline"
	RoleInstance Role = "instance"
)

// Occurrence represents one concrete calendar object derived from a ScheduleEntry.
// This is an internal representation, independent of any specific calendar provider.
type Occurrence struct {
	ID          string         // Unique identifier of the remote object
	EntryID     string         // Identifier of the entry it was derived from
	Role        Role           // Primary, deadline or recurrence instance
	Title       string         // Summary or title of the event
	Description string         // Body text of the heading
	Start       time.Time      // Start time of the event
	End         time.Time      // End time; equal to Start for point events, exclusive for all-day
	AllDay      bool           // Start and End are dates
	Categories  []string       // Sorted tags, state and role markers
	Recurrence  string         // RRULE value when the remote expands recurrence natively
	Source      SourceLocation // Where the entry came from
}

// IsPoint reports whether the occurrence is a point-in-time event.
// All-day points cover exactly one day.
func (o *Occurrence) IsPoint() bool {
	return o.End.IsZero() || o.End.Equal(o.Start)
}
