package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"orgcal/internal/google"
	"orgcal/internal/reconcile"
	"orgcal/internal/state"
	"orgcal/internal/syncer"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	createStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	updateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	deleteStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	mutedStyle  = lipgloss.NewStyle().Faint(true)
)

func actionStyle(a reconcile.Action) lipgloss.Style {
	switch a {
	case reconcile.ActionCreate:
		return createStyle
	case reconcile.ActionUpdate:
		return updateStyle
	case reconcile.ActionDelete:
		return deleteStyle
	default:
		return mutedStyle
	}
}

func renderOperation(w io.Writer, op reconcile.Operation) {
	style := actionStyle(op.Action)
	line := op.Action.Symbol() + " " + op.Title()
	detail := op.Reason
	if op.Occurrence != nil {
		detail = op.Occurrence.Start.Format("2006-01-02 15:04") + ", " + detail
	}
	fmt.Fprintf(w, "  %s %s\n", style.Render(line), mutedStyle.Render("("+detail+")"))
}

func renderPlan(w io.Writer, report *syncer.Report, all bool) {
	plan := report.Plan
	fmt.Fprintln(w, headerStyle.Render("Calendar "+report.Namespace))
	for _, op := range plan.Operations() {
		renderOperation(w, op)
	}
	if all {
		for _, op := range plan.Skips {
			renderOperation(w, op)
		}
	}
	if plan.Empty() {
		fmt.Fprintln(w, mutedStyle.Render("  nothing to do"))
	}

	summary := []string{
		createStyle.Render(fmt.Sprintf("%d to create", plan.Count(reconcile.ActionCreate))),
		updateStyle.Render(fmt.Sprintf("%d to update", plan.Count(reconcile.ActionUpdate))),
		deleteStyle.Render(fmt.Sprintf("%d to delete", plan.Count(reconcile.ActionDelete))),
		fmt.Sprintf("%d unchanged", plan.Count(reconcile.ActionSkip)),
	}
	if report.Invalid > 0 {
		summary = append(summary, fmt.Sprintf("%d skipped entries", report.Invalid))
	}
	if len(plan.Foreign) > 0 {
		summary = append(summary, fmt.Sprintf("%d foreign objects left alone", len(plan.Foreign)))
	}
	fmt.Fprintf(w, "  %s\n\n", strings.Join(summary, ", "))
}

func renderLedger(w io.Writer, namespace string, snap *state.Snapshot, ids bool) {
	fmt.Fprintln(w, headerStyle.Render("Calendar "+namespace))
	fmt.Fprintf(w, "  %d identifiers assigned, %d objects synced", len(snap.Ledger), len(snap.Records))
	if !snap.SavedAt.IsZero() {
		fmt.Fprint(w, mutedStyle.Render(", last saved "+snap.SavedAt.Local().Format("2006-01-02 15:04:05")))
	}
	fmt.Fprintln(w)
	if ids {
		for _, id := range snap.Ledger {
			fmt.Fprintln(w, "  "+id)
		}
	}
	fmt.Fprintln(w)
}

func renderCalendars(w io.Writer, account string, calendars []google.CalendarInfo) {
	fmt.Fprintln(w, headerStyle.Render("Writable calendars of "+account))
	for _, cal := range calendars {
		line := "  " + cal.ID + "  " + cal.Summary
		if cal.Primary {
			line += mutedStyle.Render(" (primary)")
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w, mutedStyle.Render("Use one of these ids as google_calendar_id."))
}
