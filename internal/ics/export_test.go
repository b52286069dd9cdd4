package ics

import (
	"strings"
	"testing"
	"time"

	"carecal/internal/schedule"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func sampleItems() []schedule.ScheduleItem {
	return []schedule.ScheduleItem{
		{
			ID:          "1",
			Title:       "訪問介護（午前）",
			Start:       ts("2026-01-15T09:00:00Z"),
			End:         ts("2026-01-15T10:30:00Z"),
			ServiceType: "訪問介護",
			Status:      schedule.StatusPlanned,
			EntryHash:   "abc123",
		},
		{
			ID:           "2",
			Title:        "送迎",
			Start:        ts("2026-01-15T13:00:00Z"),
			End:          ts("2026-01-15T14:00:00Z"),
			Status:       schedule.StatusCancelled,
			StatusReason: "車両点検",
			LocationName: "第二駐車場",
		},
	}
}

func TestExportProducesFeed(t *testing.T) {
	out := string(Export(sampleItems(), ts("2026-01-14T00:00:00Z")))

	for _, want := range []string{
		"BEGIN:VCALENDAR",
		"METHOD:PUBLISH",
		"BEGIN:VEVENT",
		"UID:abc123@carecal",
		"UID:2@carecal",
		"STATUS:CONFIRMED",
		"STATUS:CANCELLED",
		"LOCATION:第二駐車場",
		"DESCRIPTION:車両点検",
		"END:VCALENDAR",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("feed missing %q", want)
		}
	}

	if got := strings.Count(out, "BEGIN:VEVENT"); got != 2 {
		t.Errorf("feed has %d events, want 2", got)
	}
}

func TestSummaryPrefixesServiceType(t *testing.T) {
	tests := []struct {
		name string
		item schedule.ScheduleItem
		want string
	}{
		{"prefix added", schedule.ScheduleItem{Title: "午前の予定", ServiceType: "訪問介護"}, "[訪問介護] 午前の予定"},
		{"already in title", schedule.ScheduleItem{Title: "訪問介護（午前）", ServiceType: "訪問介護"}, "訪問介護（午前）"},
		{"no service type", schedule.ScheduleItem{Title: "運営会議"}, "運営会議"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := summaryFor(tt.item); got != tt.want {
				t.Errorf("summaryFor = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPostponedExportsAsTentative(t *testing.T) {
	items := []schedule.ScheduleItem{{
		ID:     "3",
		Title:  "送迎（延期）",
		Start:  ts("2026-01-15T13:00:00Z"),
		End:    ts("2026-01-15T14:00:00Z"),
		Status: schedule.StatusPostponed,
	}}
	out := string(Export(items, ts("2026-01-14T00:00:00Z")))
	if !strings.Contains(out, "STATUS:TENTATIVE") {
		t.Fatal("postponed entries must export as tentative")
	}
}
