// Package faults maps arbitrary repository failures into a closed taxonomy
// the UI can act on, and decides when to fall back to read-only mode.
package faults

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"carecal/internal/schedule"
)

// Kind is the closed classification taxonomy. Anything unrecognized is
// KindUnknown.
type Kind string

const (
	KindWriteDisabled    Kind = "WRITE_DISABLED"
	KindAuthRequired     Kind = "AUTH_REQUIRED"
	KindListMissing      Kind = "LIST_MISSING"
	KindContractMismatch Kind = "CONTRACT_MISMATCH"
	KindThrottled        Kind = "THROTTLED"
	KindNetworkError     Kind = "NETWORK_ERROR"
	KindUnknown          Kind = "UNKNOWN"
)

// Classification carries the user-facing presentation of a failure.
type Classification struct {
	Kind    Kind   `json:"kind"`
	Title   string `json:"title"`
	Message string `json:"message"`
	// Action is an optional suggested next step ("reload", "contact_admin",
	// "retry"); empty when there is nothing useful to suggest.
	Action string `json:"action,omitempty"`
}

// IsCancelled reports whether err is a cooperative cancellation rather than
// a failure. Cancelled requests are not user-facing errors and must not be
// classified.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Classify maps any repository error into the closed taxonomy.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown}
	}

	if errors.Is(err, schedule.ErrWriteDisabled) || errors.Is(err, schedule.ErrWriterNotConfigured) {
		return Classification{
			Kind:    KindWriteDisabled,
			Title:   "Editing unavailable",
			Message: "Schedule changes are disabled for this workspace.",
			Action:  "contact_admin",
		}
	}

	if errors.Is(err, schedule.ErrContractMismatch) {
		return Classification{
			Kind:    KindContractMismatch,
			Title:   "Schedule list changed",
			Message: "The schedule list's columns no longer match this app.",
			Action:  "contact_admin",
		}
	}

	var netErr *schedule.NetworkError
	if errors.As(err, &netErr) {
		return Classification{
			Kind:    KindNetworkError,
			Title:   "Connection problem",
			Message: "Could not reach the schedule service. Check your connection.",
			Action:  "retry",
		}
	}

	var httpErr *schedule.HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTP(httpErr)
	}

	if looksLikeListMissing(err.Error()) {
		return listMissing()
	}

	return Classification{
		Kind:    KindUnknown,
		Title:   "Something went wrong",
		Message: "An unexpected error occurred while syncing the schedule.",
		Action:  "retry",
	}
}

func classifyHTTP(e *schedule.HTTPError) Classification {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return Classification{
			Kind:    KindAuthRequired,
			Title:   "Sign-in required",
			Message: "Your session has expired or lacks access to the schedule.",
			Action:  "reload",
		}
	case http.StatusNotFound:
		return listMissing()
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return Classification{
			Kind:    KindThrottled,
			Title:   "Service busy",
			Message: "The schedule service is busy. Try again in a moment.",
			Action:  "retry",
		}
	}

	if looksLikeListMissing(e.Body) {
		return listMissing()
	}

	return Classification{
		Kind:    KindUnknown,
		Title:   "Something went wrong",
		Message: "The schedule service returned an unexpected response.",
		Action:  "retry",
	}
}

func listMissing() Classification {
	return Classification{
		Kind:    KindListMissing,
		Title:   "Schedule list not found",
		Message: "The configured schedule list does not exist on the server.",
		Action:  "contact_admin",
	}
}

func looksLikeListMissing(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "list not found") ||
		strings.Contains(m, "list does not exist") ||
		strings.Contains(m, "cannot find the list")
}

// ReadOnly decides, from the classification alone, whether the consumer
// should fall back to read-only mode. Transient kinds stay read-write and
// invite a manual retry instead.
func ReadOnly(k Kind) bool {
	switch k {
	case KindWriteDisabled, KindAuthRequired, KindListMissing, KindContractMismatch:
		return true
	default:
		return false
	}
}
