package memory

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	appLog "carecal/internal/log"
	"carecal/internal/schedule"
)

func newID() string {
	return uuid.New().String()
}

// seedScenario returns the working set for a named demo scenario.
func seedScenario(name string) []schedule.ScheduleItem {
	switch name {
	case "empty":
		return nil
	case "weekly":
		return seedWeekly()
	case "", "default":
		return seedDefault()
	default:
		appLog.Warn("memory: unknown scenario; seeding default", "scenario", name)
		return seedDefault()
	}
}

// seedDefault is a small, fixed dataset covering every category, status and
// visibility so the demo UI exercises all rendering paths.
func seedDefault() []schedule.ScheduleItem {
	day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	now := day.Add(-7 * 24 * time.Hour)

	items := []schedule.ScheduleItem{
		{
			ID:          "demo-0001",
			Title:       "訪問介護（午前）",
			Start:       day,
			End:         day.Add(2 * time.Hour),
			Category:    schedule.CategoryUser,
			Visibility:  schedule.VisibilityOrg,
			Status:      schedule.StatusPlanned,
			ServiceType: "訪問介護",
			UserID:      "user-101",
			OwnerUserID: "staff-owner",
		},
		{
			ID:              "demo-0002",
			Title:           "スタッフ研修",
			Start:           day.Add(26 * time.Hour),
			End:             day.Add(28 * time.Hour),
			Category:        schedule.CategoryStaff,
			Visibility:      schedule.VisibilityTeam,
			Status:          schedule.StatusPlanned,
			AssignedStaffID: "staff-201",
			OwnerUserID:     "staff-201",
		},
		{
			ID:           "demo-0003",
			Title:        "送迎（延期）",
			Start:        day.Add(50 * time.Hour),
			End:          day.Add(51 * time.Hour),
			Category:     schedule.CategoryUser,
			Visibility:   schedule.VisibilityOrg,
			Status:       schedule.StatusPostponed,
			StatusReason: "車両点検のため",
			ServiceType:  "送迎",
			UserID:       "user-102",
			VehicleID:    "vehicle-7",
			OwnerUserID:  "staff-owner",
		},
		{
			ID:          "demo-0004",
			Title:       "運営会議",
			Start:       day.Add(72 * time.Hour),
			End:         day.Add(73 * time.Hour),
			Category:    schedule.CategoryOrg,
			Visibility:  schedule.VisibilityPrivate,
			Status:      schedule.StatusPlanned,
			OwnerUserID: "admin-1",
		},
	}

	for i := range items {
		items[i].CreatedAt = now
		items[i].UpdatedAt = now
		items[i].ETag = fmt.Sprintf("W/\"seed-%d\"", i+1)
		items[i].EntryHash = schedule.EntryHash(schedule.CreateScheduleInput{
			Title:           items[i].Title,
			Start:           items[i].Start,
			End:             items[i].End,
			Category:        items[i].Category,
			Status:          items[i].Status,
			ServiceType:     items[i].ServiceType,
			UserID:          items[i].UserID,
			AssignedStaffID: items[i].AssignedStaffID,
		})
	}
	return items
}

// seedWeekly expands a weekly recurrence rule into concrete visits, the way
// a real facility roster repeats: Mon/Wed/Fri morning care over four weeks.
func seedWeekly() []schedule.ScheduleItem {
	dtstart := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	r, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.WEEKLY,
		Byweekday: []rrule.Weekday{rrule.MO, rrule.WE, rrule.FR},
		Dtstart:   dtstart,
		Until:     dtstart.AddDate(0, 0, 28),
	})
	if err != nil {
		appLog.Error("memory: weekly seed rrule failed; seeding default", err)
		return seedDefault()
	}

	items := make([]schedule.ScheduleItem, 0)
	for i, start := range r.All() {
		in := schedule.CreateScheduleInput{
			Title:       "訪問介護（定期）",
			Start:       start,
			End:         start.Add(90 * time.Minute),
			Category:    schedule.CategoryUser,
			Status:      schedule.StatusPlanned,
			ServiceType: "訪問介護",
			UserID:      "user-101",
		}
		items = append(items, schedule.ScheduleItem{
			ID:          fmt.Sprintf("demo-weekly-%04d", i+1),
			Title:       in.Title,
			Start:       in.Start,
			End:         in.End,
			Category:    in.Category,
			Visibility:  schedule.VisibilityOrg,
			Status:      in.Status,
			ServiceType: in.ServiceType,
			UserID:      in.UserID,
			EntryHash:   schedule.EntryHash(in),
			CreatedAt:   dtstart,
			UpdatedAt:   dtstart,
			ETag:        fmt.Sprintf("W/\"seed-weekly-%d\"", i+1),
		})
	}
	return items
}
