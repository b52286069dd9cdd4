package liststore

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	appLog "carecal/internal/log"
	"carecal/internal/schedule"
)

// statusTable normalizes backend status strings, covering both English and
// localized labels. Unrecognized values default to Planned (logged, not
// rejected).
var statusTable = map[string]schedule.Status{
	"planned":   schedule.StatusPlanned,
	"予定":        schedule.StatusPlanned,
	"確定":        schedule.StatusPlanned,
	"postponed": schedule.StatusPostponed,
	"延期":        schedule.StatusPostponed,
	"cancelled": schedule.StatusCancelled,
	"canceled":  schedule.StatusCancelled,
	"中止":        schedule.StatusCancelled,
	"キャンセル":     schedule.StatusCancelled,
}

func normalizeStatus(raw string) schedule.Status {
	if raw == "" {
		return schedule.StatusPlanned
	}
	if st, ok := statusTable[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return st
	}
	appLog.Warn("liststore: unrecognized status label; defaulting to Planned", "status", raw)
	return schedule.StatusPlanned
}

// mapRow converts one raw list row into a ScheduleItem. The schema is
// permissive: unknown columns are ignored, and both current and legacy
// column names are tolerated.
func mapRow(raw map[string]json.RawMessage, fields fieldMap) (schedule.ScheduleItem, error) {
	id := rowString(raw, "Id", "ID", "id")
	if id == "" {
		return schedule.ScheduleItem{}, errors.New("row has no id")
	}

	start, ok := rowTime(raw, fields.start, "VisitStart", "EventDate")
	if !ok {
		return schedule.ScheduleItem{}, errors.New("row has no parsable start date")
	}

	end, ok := rowTime(raw, fields.end, "VisitEnd", "EndDate")
	if !ok || fields.singleDate {
		// Legacy signal entries are instants.
		end = start
	}
	start, end = schedule.NormalizeRange(start, end)

	item := schedule.ScheduleItem{
		ID:              id,
		Title:           rowString(raw, fields.title, "Title"),
		Start:           start,
		End:             end,
		Status:          normalizeStatus(rowString(raw, "Status")),
		StatusReason:    rowString(raw, "StatusReason"),
		ServiceType:     rowString(raw, fields.serviceType, "ServiceType"),
		LocationName:    rowString(raw, fields.locationName, "LocationName", "Location"),
		UserID:          rowString(raw, "UserCode"),
		AssignedStaffID: rowString(raw, "StaffId"),
		VehicleID:       rowString(raw, "VehicleId"),
		OwnerUserID:     rowString(raw, "OwnerUserId"),
		AcceptedBy:      rowString(raw, "AcceptedBy"),
		AcceptedNote:    rowString(raw, "AcceptedNote"),
		EntryHash:       rowString(raw, "EntryHash"),
		ETag:            rowETag(raw),
	}

	item.Category = inferCategory(raw, item)
	item.Visibility = schedule.DefaultVisibility(schedule.Visibility(rowString(raw, "Visibility")))

	if t, ok := rowTime(raw, "AcceptedOn"); ok {
		item.AcceptedOn = &t
	}
	if t, ok := rowTime(raw, "Created"); ok {
		item.CreatedAt = t
	}
	if t, ok := rowTime(raw, "Modified"); ok {
		item.UpdatedAt = t
	}

	return item, nil
}

// inferCategory uses the explicit column when present and valid, else falls
// back on which identity the row carries: a user code means a User entry, a
// staff id a Staff entry, anything else Org.
func inferCategory(raw map[string]json.RawMessage, item schedule.ScheduleItem) schedule.Category {
	switch schedule.Category(rowString(raw, "Category")) {
	case schedule.CategoryUser:
		return schedule.CategoryUser
	case schedule.CategoryStaff:
		return schedule.CategoryStaff
	case schedule.CategoryOrg:
		return schedule.CategoryOrg
	}

	if item.UserID != "" {
		return schedule.CategoryUser
	}
	if item.AssignedStaffID != "" {
		return schedule.CategoryStaff
	}
	return schedule.CategoryOrg
}

// rowETag pulls the concurrency token from whichever key this deployment's
// OData dialect uses.
func rowETag(raw map[string]json.RawMessage) string {
	if v := rowString(raw, "@odata.etag", "odata.etag"); v != "" {
		return v
	}
	// Verbose dialect nests it under __metadata.
	if meta, ok := raw["__metadata"]; ok {
		var m struct {
			ETag string `json:"etag"`
		}
		if err := json.Unmarshal(meta, &m); err == nil {
			return m.ETag
		}
	}
	return ""
}

// rowString returns the first present key decoded as a string. Numbers are
// accepted too: list ids arrive as JSON numbers.
func rowString(raw map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

// rowTime returns the first present key parsed as a timestamp. The store
// emits RFC3339 or a bare "2006-01-02T15:04:05" local form.
func rowTime(raw map[string]json.RawMessage, keys ...string) (time.Time, bool) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil || s == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
