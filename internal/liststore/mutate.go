package liststore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	appLog "carecal/internal/log"
	"carecal/internal/schedule"
)

// ensureWritable gates every mutation on the write-enable flag and the
// one-shot existence probe.
func (r *Repository) ensureWritable(ctx context.Context) (string, fieldMap, error) {
	if !r.opts.WritesEnabled {
		return "", fieldMap{}, schedule.ErrWriteDisabled
	}
	name, fields, exists := r.resolveList(ctx)
	if !exists {
		return "", fieldMap{}, fmt.Errorf("list %q unreachable: %w", name, schedule.ErrWriteDisabled)
	}
	return name, fields, nil
}

// Create posts a normalized payload. Absent optional fields are dropped; a
// small set is kept explicitly null so the server clears any column default.
func (r *Repository) Create(ctx context.Context, in schedule.CreateScheduleInput) (schedule.ScheduleItem, error) {
	if err := schedule.ValidateCreate(in); err != nil {
		return schedule.ScheduleItem{}, err
	}
	name, fields, err := r.ensureWritable(ctx)
	if err != nil {
		return schedule.ScheduleItem{}, err
	}

	body, err := json.Marshal(r.createPayload(in, fields))
	if err != nil {
		return schedule.ScheduleItem{}, err
	}

	resp, err := r.do(ctx, http.MethodPost, r.itemsURL(name), bytes.NewReader(body), nil)
	if err != nil {
		return schedule.ScheduleItem{}, err
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return schedule.ScheduleItem{}, &schedule.NetworkError{Op: "read create response", Err: readErr}
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return schedule.ScheduleItem{}, &schedule.HTTPError{Status: resp.StatusCode, URL: r.itemsURL(name), Body: truncate(string(data), 1000)}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return schedule.ScheduleItem{}, fmt.Errorf("decode created row: %w", err)
	}
	item, err := mapRow(raw, fields)
	if err != nil {
		return schedule.ScheduleItem{}, fmt.Errorf("map created row: %w", err)
	}

	appLog.Info("liststore: created entry", "id", item.ID, "list", name)
	return item, nil
}

// createPayload normalizes the outgoing row. StatusReason and VehicleId are
// sent as explicit nulls when empty to signal "cleared"; other empty
// optionals are dropped entirely.
func (r *Repository) createPayload(in schedule.CreateScheduleInput, fields fieldMap) map[string]any {
	start, end := schedule.NormalizeRange(in.Start, in.End)

	p := map[string]any{
		fields.title: in.Title,
		fields.start: start.UTC().Format("2006-01-02T15:04:05Z"),
		"Category":   string(in.Category),
		"Status":     string(defaultStatusString(in.Status)),
		"Visibility": string(schedule.DefaultVisibility(in.Visibility)),
		"EntryHash":  schedule.EntryHash(in),
	}
	if !fields.singleDate {
		p[fields.end] = end.UTC().Format("2006-01-02T15:04:05Z")
	}

	// Cleared-on-empty columns.
	p["StatusReason"] = nullable(in.StatusReason)
	p["VehicleId"] = nullable(in.VehicleID)

	setIfPresent(p, fields.serviceType, in.ServiceType)
	setIfPresent(p, fields.locationName, in.LocationName)
	setIfPresent(p, "UserCode", in.UserID)
	setIfPresent(p, "StaffId", in.AssignedStaffID)
	setIfPresent(p, "OwnerUserId", in.OwnerUserID)
	return p
}

// Update merges the payload under an If-Match precondition. A 412 response
// means someone else changed the entry first and is promoted to a
// ConflictError carrying the id.
func (r *Repository) Update(ctx context.Context, in schedule.UpdateScheduleInput) (schedule.ScheduleItem, error) {
	if err := schedule.ValidateUpdate(in); err != nil {
		return schedule.ScheduleItem{}, err
	}
	if in.ETag == "" {
		return schedule.ScheduleItem{}, &schedule.ValidationError{Field: "etag", Reason: "required for list-store updates"}
	}
	name, fields, err := r.ensureWritable(ctx)
	if err != nil {
		return schedule.ScheduleItem{}, err
	}

	itemURL, err := r.itemURL(name, in.ID)
	if err != nil {
		return schedule.ScheduleItem{}, err
	}

	body, err := json.Marshal(r.createPayload(in.CreateScheduleInput, fields))
	if err != nil {
		return schedule.ScheduleItem{}, err
	}

	resp, err := r.do(ctx, http.MethodPatch, itemURL, bytes.NewReader(body), map[string]string{
		"If-Match": in.ETag,
	})
	if err != nil {
		return schedule.ScheduleItem{}, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusPreconditionFailed:
		return schedule.ScheduleItem{}, &schedule.ConflictError{ID: in.ID}
	case http.StatusNotFound:
		return schedule.ScheduleItem{}, &schedule.NotFoundError{ID: in.ID}
	case http.StatusNoContent, http.StatusOK:
		// Merge responses carry no row; re-fetch for the fresh etag.
		return r.fetchItem(ctx, name, fields, in.ID)
	default:
		return schedule.ScheduleItem{}, &schedule.HTTPError{Status: resp.StatusCode, URL: itemURL, Body: truncate(string(data), 1000)}
	}
}

// Remove deletes by numeric id.
func (r *Repository) Remove(ctx context.Context, id string) error {
	name, _, err := r.ensureWritable(ctx)
	if err != nil {
		return err
	}

	itemURL, err := r.itemURL(name, id)
	if err != nil {
		return err
	}

	resp, err := r.do(ctx, http.MethodDelete, itemURL, nil, map[string]string{
		"If-Match": "*",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return &schedule.NotFoundError{ID: id}
	default:
		return &schedule.HTTPError{Status: resp.StatusCode, URL: itemURL, Body: truncate(string(data), 1000)}
	}
}

// fetchItem retrieves a single row by id.
func (r *Repository) fetchItem(ctx context.Context, name string, fields fieldMap, id string) (schedule.ScheduleItem, error) {
	itemURL, err := r.itemURL(name, id)
	if err != nil {
		return schedule.ScheduleItem{}, err
	}

	resp, err := r.do(ctx, http.MethodGet, itemURL, nil, nil)
	if err != nil {
		return schedule.ScheduleItem{}, err
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return schedule.ScheduleItem{}, &schedule.NetworkError{Op: "read item response", Err: readErr}
	}
	if resp.StatusCode == http.StatusNotFound {
		return schedule.ScheduleItem{}, &schedule.NotFoundError{ID: id}
	}
	if resp.StatusCode != http.StatusOK {
		return schedule.ScheduleItem{}, &schedule.HTTPError{Status: resp.StatusCode, URL: itemURL, Body: truncate(string(data), 1000)}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return schedule.ScheduleItem{}, fmt.Errorf("decode item row: %w", err)
	}
	return mapRow(raw, fields)
}

// itemURL addresses one row; list ids are numeric.
func (r *Repository) itemURL(name, id string) (string, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return "", &schedule.ValidationError{Field: "id", Reason: "list-store ids are numeric"}
	}
	return fmt.Sprintf("%s(%d)", r.itemsURL(name), n), nil
}

func defaultStatusString(s schedule.Status) schedule.Status {
	if s == "" {
		return schedule.StatusPlanned
	}
	return s
}

func setIfPresent(p map[string]any, key, val string) {
	if key == "" || val == "" {
		return
	}
	p[key] = val
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
