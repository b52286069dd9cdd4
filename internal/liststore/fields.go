package liststore

// fieldMap names the list columns this client reads. Column names vary by
// deployment: current-schema lists use the Visit* columns, while the legacy
// signal list only carries a single date column (start and end are the same
// field there).
type fieldMap struct {
	title        string
	start        string
	end          string
	serviceType  string
	locationName string

	// singleDate marks the legacy signal list; entries there are instants.
	singleDate bool
}

var currentFields = fieldMap{
	title:        "Title",
	start:        "VisitStart",
	end:          "VisitEnd",
	serviceType:  "ServiceType",
	locationName: "LocationName",
}

var legacySignalFields = fieldMap{
	title:        "Title",
	start:        "EventDate",
	end:          "EventDate",
	serviceType:  "Category",
	locationName: "Location",
	singleDate:   true,
}

// fullSelect is the stage-1 selection: everything the mapper understands.
func (f fieldMap) fullSelect() []string {
	sel := []string{
		"Id", f.title, f.start, f.end, f.serviceType, f.locationName,
		"Category", "Visibility", "Status", "StatusReason",
		"UserCode", "StaffId", "VehicleId", "OwnerUserId",
		"AcceptedOn", "AcceptedBy", "AcceptedNote",
		"EntryHash", "Created", "Modified",
	}
	return dedupe(sel)
}

// reducedSelect is the stage-2/3 selection: just enough to render entries.
func (f fieldMap) reducedSelect() []string {
	return dedupe([]string{"Id", f.title, f.start, f.end})
}

// minimalSelect is the stage-4 probe selection.
func (f fieldMap) minimalSelect() []string {
	return []string{"Id", "Title"}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
