package schedule

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// EntryHash computes a content fingerprint over the normalized identity of
// an entry: title, who it is for, the time window, service type and status.
// Two entries with the same hash describe the same real-world visit, which
// lets callers de-duplicate imports.
func EntryHash(in CreateScheduleInput) string {
	// Reversed pairs are swapped inline: hashing is a pure computation and
	// must not emit the normalization warning.
	start, end := in.Start, in.End
	if end.Before(start) {
		start, end = end, start
	}

	parts := []string{
		strings.TrimSpace(in.Title),
		in.UserID,
		in.AssignedStaffID,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
		strings.TrimSpace(in.ServiceType),
		string(in.Status),
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:16])
}
