// Package schedule defines the schedule entity family and the repository
// contract every backend implements. Backends live in internal/memory,
// internal/liststore and internal/calapi; selection happens in internal/repo.
package schedule

import (
	"context"
	"sort"
	"time"
)

// Category describes whose schedule an entry belongs to.
type Category string

const (
	CategoryUser  Category = "User"
	CategoryStaff Category = "Staff"
	CategoryOrg   Category = "Org"
)

// Visibility controls who may see an entry.
type Visibility string

const (
	VisibilityOrg     Visibility = "org"
	VisibilityTeam    Visibility = "team"
	VisibilityPrivate Visibility = "private"
)

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusPlanned   Status = "Planned"
	StatusPostponed Status = "Postponed"
	StatusCancelled Status = "Cancelled"
)

// ScheduleItem is the synchronized entity.
//
// ETag is an opaque concurrency token, mandatory for entities whose backend
// supports optimistic locking; empty for read-only or demo-originated items.
type ScheduleItem struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	Category   Category   `json:"category"`
	Visibility Visibility `json:"visibility"`

	Status       Status `json:"status"`
	StatusReason string `json:"statusReason,omitempty"`

	// ServiceType is an open string enum (e.g. "訪問介護").
	ServiceType  string `json:"serviceType,omitempty"`
	LocationName string `json:"locationName,omitempty"`

	UserID          string `json:"userId,omitempty"`
	AssignedStaffID string `json:"assignedStaffId,omitempty"`
	VehicleID       string `json:"vehicleId,omitempty"`

	AcceptedOn   *time.Time `json:"acceptedOn,omitempty"`
	AcceptedBy   string     `json:"acceptedBy,omitempty"`
	AcceptedNote string     `json:"acceptedNote,omitempty"`

	OwnerUserID string `json:"ownerUserId,omitempty"`

	// EntryHash is a content fingerprint used by callers for de-duplication.
	EntryHash string `json:"entryHash,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`

	ETag string `json:"etag,omitempty"`
}

// DateRange is a half-open window [From, To).
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Overlaps reports whether an item's [start, end) intersects the range:
// start < To AND end >= From.
func (r DateRange) Overlaps(item ScheduleItem) bool {
	return item.Start.Before(r.To) && !item.End.Before(r.From)
}

// CreateScheduleInput is the construction payload for new entries.
type CreateScheduleInput struct {
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	Category   Category   `json:"category"`
	Visibility Visibility `json:"visibility,omitempty"`

	Status       Status `json:"status,omitempty"`
	StatusReason string `json:"statusReason,omitempty"`
	ServiceType  string `json:"serviceType,omitempty"`
	LocationName string `json:"locationName,omitempty"`

	UserID          string `json:"userId,omitempty"`
	AssignedStaffID string `json:"assignedStaffId,omitempty"`
	VehicleID       string `json:"vehicleId,omitempty"`

	OwnerUserID string `json:"ownerUserId,omitempty"`
}

// UpdateScheduleInput extends CreateScheduleInput with the target id and the
// last-known concurrency token.
type UpdateScheduleInput struct {
	CreateScheduleInput

	ID string `json:"id"`

	// ETag is required for backends with optimistic locking; a stale value
	// yields a ConflictError, never a silent overwrite.
	ETag string `json:"etag,omitempty"`
}

// Repository is the contract all schedule backends implement.
//
// List returns items overlapping the range, ordered ascending by start time
// with ties broken by id. Retry policy lives inside individual
// implementations; callers must not assume retries happened.
type Repository interface {
	List(ctx context.Context, r DateRange) ([]ScheduleItem, error)
	Create(ctx context.Context, in CreateScheduleInput) (ScheduleItem, error)
	Update(ctx context.Context, in UpdateScheduleInput) (ScheduleItem, error)
	Remove(ctx context.Context, id string) error
}

// SortItems orders items ascending by start time, ties broken by id.
func SortItems(items []ScheduleItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].Start.Equal(items[j].Start) {
			return items[i].Start.Before(items[j].Start)
		}
		return items[i].ID < items[j].ID
	})
}

// FilterVisible applies the repository-boundary visibility rule: private
// items are visible only to their owner; org/team items are always visible.
func FilterVisible(items []ScheduleItem, ownerUserID string) []ScheduleItem {
	out := make([]ScheduleItem, 0, len(items))
	for _, it := range items {
		if it.Visibility == VisibilityPrivate && it.OwnerUserID != ownerUserID {
			continue
		}
		out = append(out, it)
	}
	return out
}
