package schedule

import (
	"time"

	appLog "carecal/internal/log"
)

// ValidateCreate checks a construction payload. Category determines the
// required identity: User entries need a user id, Staff entries a staff id,
// Org entries neither.
func ValidateCreate(in CreateScheduleInput) error {
	if in.Title == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if in.Start.IsZero() || in.End.IsZero() {
		return &ValidationError{Field: "start/end", Reason: "both must be set"}
	}

	switch in.Category {
	case CategoryUser:
		if in.UserID == "" {
			return &ValidationError{Field: "userId", Reason: "required for User entries"}
		}
	case CategoryStaff:
		if in.AssignedStaffID == "" {
			return &ValidationError{Field: "assignedStaffId", Reason: "required for Staff entries"}
		}
	case CategoryOrg:
		// No identity required.
	default:
		return &ValidationError{Field: "category", Reason: "must be User, Staff or Org"}
	}

	switch in.Visibility {
	case "", VisibilityOrg, VisibilityTeam, VisibilityPrivate:
	default:
		return &ValidationError{Field: "visibility", Reason: "must be org, team or private"}
	}

	return nil
}

// ValidateUpdate checks an update payload. Etag presence is a backend
// concern (demo entries carry none), so it is not enforced here.
func ValidateUpdate(in UpdateScheduleInput) error {
	if in.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	return ValidateCreate(in.CreateScheduleInput)
}

// NormalizeRange swaps a reversed start/end pair rather than rejecting it.
// Drifted list rows and hand-edited fixtures are data we must display.
func NormalizeRange(start, end time.Time) (time.Time, time.Time) {
	if end.Before(start) {
		appLog.Warn("schedule entry has end before start; swapping",
			"start", start.Format(time.RFC3339),
			"end", end.Format(time.RFC3339),
		)
		return end, start
	}
	return start, end
}

// DefaultVisibility fills the package default when a backend omits the field.
func DefaultVisibility(v Visibility) Visibility {
	if v == "" {
		return VisibilityOrg
	}
	return v
}
