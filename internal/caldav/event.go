package caldav

import (
	"time"

	"github.com/emersion/go-ical"

	"orgcal/internal/models"
	"orgcal/internal/remote"
)

// toCalendar wraps occ in a VCALENDAR with a single VEVENT.
func toCalendar(occ models.Occurrence, fp string, now time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, toEvent(occ, fp, now))
	return cal
}

// toEvent converts an occurrence to a VEVENT. Point-in-time occurrences have no
// DTEND; all-day occurrences use DATE values with an exclusive end.
func toEvent(occ models.Occurrence, fp string, now time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, occ.ID)
	ve.Props.SetText(ical.PropSummary, occ.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())

	if occ.AllDay {
		ve.Props.SetDate(ical.PropDateTimeStart, occ.Start)
		if occ.End.After(occ.Start) {
			ve.Props.SetDate(ical.PropDateTimeEnd, occ.End)
		}
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, occ.Start)
		if !occ.IsPoint() {
			ve.Props.SetDateTime(ical.PropDateTimeEnd, occ.End)
		}
	}

	if occ.Description != "" {
		ve.Props.SetText(ical.PropDescription, occ.Description)
	}
	if len(occ.Categories) > 0 {
		p := ical.NewProp(ical.PropCategories)
		p.SetTextList(occ.Categories)
		ve.Props.Set(p)
	}
	if occ.Recurrence != "" {
		// RRULE is a structured value; SetText would escape its separators.
		p := ical.NewProp(ical.PropRecurrenceRule)
		p.Value = occ.Recurrence
		ve.Props.Set(p)
	}
	ve.Props.SetText(remote.FingerprintProperty, fp)
	return ve
}
