// Package memory is the deterministic in-process schedule backend used for
// demos and tests. It seeds from a named scenario and honors an external
// fixture override that fully supersedes its state.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	appLog "carecal/internal/log"
	"carecal/internal/schedule"
)

// FixtureEnv names the environment variable pointing at a JSON fixture file.
// When the file exists, its items fully replace the repository's working set
// for that List call.
const FixtureEnv = "CARECAL_FIXTURES"

// Repository is an in-memory schedule.Repository.
type Repository struct {
	ownerUserID string

	mu    sync.Mutex
	items map[string]schedule.ScheduleItem
	seq   int64
}

// New constructs a repository seeded from the named scenario ("default",
// "empty", "weekly"); an unknown name falls back to the default dataset.
// ownerUserID identifies the requesting user for visibility filtering.
func New(scenario, ownerUserID string) *Repository {
	r := &Repository{
		ownerUserID: ownerUserID,
		items:       make(map[string]schedule.ScheduleItem),
	}
	for _, it := range seedScenario(scenario) {
		r.items[it.ID] = it
	}
	return r
}

// List returns seeded (or fixture-injected) items overlapping the range.
func (r *Repository) List(ctx context.Context, rng schedule.DateRange) ([]schedule.ScheduleItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if fixtures, ok := loadFixtures(); ok {
		return r.filter(fixtures, rng), nil
	}

	r.mu.Lock()
	all := make([]schedule.ScheduleItem, 0, len(r.items))
	for _, it := range r.items {
		all = append(all, it)
	}
	r.mu.Unlock()

	return r.filter(all, rng), nil
}

func (r *Repository) filter(items []schedule.ScheduleItem, rng schedule.DateRange) []schedule.ScheduleItem {
	out := make([]schedule.ScheduleItem, 0, len(items))
	for _, it := range items {
		if rng.Overlaps(it) {
			out = append(out, it)
		}
	}
	out = schedule.FilterVisible(out, r.ownerUserID)
	schedule.SortItems(out)
	return out
}

// Create assigns an id and etag, computes the entry hash and stores the item.
func (r *Repository) Create(ctx context.Context, in schedule.CreateScheduleInput) (schedule.ScheduleItem, error) {
	if err := ctx.Err(); err != nil {
		return schedule.ScheduleItem{}, err
	}
	if err := schedule.ValidateCreate(in); err != nil {
		return schedule.ScheduleItem{}, err
	}

	now := time.Now().UTC()
	start, end := schedule.NormalizeRange(in.Start, in.End)

	item := schedule.ScheduleItem{
		ID:              newID(),
		Title:           in.Title,
		Start:           start,
		End:             end,
		Category:        in.Category,
		Visibility:      schedule.DefaultVisibility(in.Visibility),
		Status:          defaultStatus(in.Status),
		StatusReason:    in.StatusReason,
		ServiceType:     in.ServiceType,
		UserID:          in.UserID,
		AssignedStaffID: in.AssignedStaffID,
		VehicleID:       in.VehicleID,
		OwnerUserID:     in.OwnerUserID,
		EntryHash:       schedule.EntryHash(in),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	item.ETag = r.nextETag()

	r.mu.Lock()
	r.items[item.ID] = item
	r.mu.Unlock()

	appLog.Debug("memory: created entry", "id", item.ID, "hash", item.EntryHash)
	return item, nil
}

// Update replaces the stored fields and always issues a fresh etag, even
// when nothing changed, so etag progression is strictly monotonic.
func (r *Repository) Update(ctx context.Context, in schedule.UpdateScheduleInput) (schedule.ScheduleItem, error) {
	if err := ctx.Err(); err != nil {
		return schedule.ScheduleItem{}, err
	}
	if err := schedule.ValidateUpdate(in); err != nil {
		return schedule.ScheduleItem{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.items[in.ID]
	if !ok {
		return schedule.ScheduleItem{}, &schedule.NotFoundError{ID: in.ID}
	}
	if stored.ETag != "" && in.ETag != stored.ETag {
		return schedule.ScheduleItem{}, &schedule.ConflictError{ID: in.ID}
	}

	start, end := schedule.NormalizeRange(in.Start, in.End)

	stored.Title = in.Title
	stored.Start = start
	stored.End = end
	stored.Category = in.Category
	stored.Visibility = schedule.DefaultVisibility(in.Visibility)
	stored.Status = defaultStatus(in.Status)
	stored.StatusReason = in.StatusReason
	stored.ServiceType = in.ServiceType
	stored.UserID = in.UserID
	stored.AssignedStaffID = in.AssignedStaffID
	stored.VehicleID = in.VehicleID
	stored.OwnerUserID = in.OwnerUserID
	stored.EntryHash = schedule.EntryHash(in.CreateScheduleInput)
	stored.UpdatedAt = time.Now().UTC()
	stored.ETag = r.nextETag()

	r.items[in.ID] = stored
	return stored, nil
}

// Remove deletes the entry; removing an unknown id is an error.
func (r *Repository) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return &schedule.NotFoundError{ID: id}
	}
	delete(r.items, id)
	return nil
}

// nextETag derives a fresh etag from the clock plus a sequence number so two
// updates within the same tick still differ.
func (r *Repository) nextETag() string {
	seq := atomic.AddInt64(&r.seq, 1)
	return fmt.Sprintf("W/\"%d-%d\"", time.Now().UnixNano(), seq)
}

func defaultStatus(s schedule.Status) schedule.Status {
	if s == "" {
		return schedule.StatusPlanned
	}
	return s
}

// loadFixtures reads the external fixture file, if configured. Items missing
// an etag receive a synthesized one so concurrency tests behave uniformly.
func loadFixtures() ([]schedule.ScheduleItem, bool) {
	path := os.Getenv(FixtureEnv)
	if path == "" {
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		appLog.Error("memory: fixture file unreadable; ignoring", err, "path", path)
		return nil, false
	}

	var items []schedule.ScheduleItem
	if err := json.Unmarshal(data, &items); err != nil {
		appLog.Error("memory: fixture file is not a JSON entry array; ignoring", err, "path", path)
		return nil, false
	}

	for i := range items {
		if items[i].ETag == "" {
			items[i].ETag = fmt.Sprintf("W/\"fixture-%d\"", i)
		}
		if items[i].Category == "" {
			items[i].Category = schedule.CategoryOrg
		}
		items[i].Visibility = schedule.DefaultVisibility(items[i].Visibility)
	}

	appLog.Debug("memory: fixture override active", "path", path, "count", len(items))
	return items, true
}
