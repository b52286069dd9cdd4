// Package ics renders schedule items as an iCalendar feed so staff can
// subscribe to the facility roster from a phone calendar.
package ics

import (
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"carecal/internal/schedule"
)

const prodID = "-//carecal//schedule feed//JA"

// Export builds an ICS document from the given items. Cancelled entries are
// carried through with STATUS:CANCELLED so subscribed calendars strike them
// out instead of dropping them.
func Export(items []schedule.ScheduleItem, generatedAt time.Time) []byte {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(prodID)

	for _, item := range items {
		ev := cal.AddEvent(uidFor(item))
		ev.SetDtStampTime(generatedAt.UTC())
		ev.SetStartAt(item.Start.UTC())
		ev.SetEndAt(item.End.UTC())
		ev.SetSummary(summaryFor(item))

		if item.LocationName != "" {
			ev.SetLocation(item.LocationName)
		}
		if item.StatusReason != "" {
			ev.SetDescription(item.StatusReason)
		}
		if !item.UpdatedAt.IsZero() {
			ev.SetModifiedAt(item.UpdatedAt.UTC())
		}

		switch item.Status {
		case schedule.StatusCancelled:
			ev.SetStatus(ical.ObjectStatusCancelled)
		case schedule.StatusPostponed:
			ev.SetStatus(ical.ObjectStatusTentative)
		default:
			ev.SetStatus(ical.ObjectStatusConfirmed)
		}
	}

	return []byte(cal.Serialize())
}

// uidFor derives a stable per-entry UID. The entry hash wins when present so
// re-imported duplicates collapse to one event.
func uidFor(item schedule.ScheduleItem) string {
	if item.EntryHash != "" {
		return item.EntryHash + "@carecal"
	}
	return item.ID + "@carecal"
}

// summaryFor prefixes the service type when it is not already in the title.
func summaryFor(item schedule.ScheduleItem) string {
	if item.ServiceType == "" || strings.Contains(item.Title, item.ServiceType) {
		return item.Title
	}
	return fmt.Sprintf("[%s] %s", item.ServiceType, item.Title)
}
