package calapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	appLog "carecal/internal/log"
	"carecal/internal/schedule"
)

// fetchRange queries the calendar API for one window, retrying throttled and
// server-side failures with Retry-After-aware backoff.
func (r *Repository) fetchRange(ctx context.Context, rng schedule.DateRange) ([]schedule.ScheduleItem, error) {
	u, err := r.queryURL(rng)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		items, retryAfter, err := r.fetchOnce(ctx, u)
		if err == nil {
			return items, nil
		}
		lastErr = err

		if !retryable(err) {
			return nil, err
		}

		if attempt == r.opts.MaxRetries {
			break
		}

		delay := retryAfter
		if delay <= 0 {
			delay = backoffDelay(attempt, r.opts.BackoffCeiling)
		}
		appLog.Warn("calapi: retrying after failure",
			"attempt", attempt+1, "delay", delay.String(), "reason", err.Error())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("calendar service unavailable after %d attempts: %w", r.opts.MaxRetries+1, lastErr)
}

// fetchOnce performs a single request. On throttled/server failures the
// server's Retry-After hint (seconds or HTTP-date) is returned alongside the
// error.
func (r *Repository) fetchOnce(ctx context.Context, u string) ([]schedule.ScheduleItem, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	if r.opts.TokenProvider != nil {
		token, err := r.opts.TokenProvider(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("acquire token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &schedule.NetworkError{Op: "calendar query", Err: err}
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, 0, &schedule.NetworkError{Op: "read calendar response", Err: readErr}
	}

	if resp.StatusCode != http.StatusOK {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), r.now())
		return nil, retryAfter, &schedule.HTTPError{Status: resp.StatusCode, URL: u, Body: truncate(string(data), 1000)}
	}

	return mapEvents(data)
}

func (r *Repository) queryURL(rng schedule.DateRange) (string, error) {
	base, err := url.Parse(r.opts.Endpoint)
	if err != nil {
		return "", fmt.Errorf("calendar endpoint: %w", err)
	}
	q := base.Query()
	q.Set("startDateTime", rng.From.UTC().Format(time.RFC3339))
	q.Set("endDateTime", rng.To.UTC().Format(time.RFC3339))
	q.Set("$top", strconv.Itoa(defaultTop))
	q.Set("$orderby", "start/dateTime")
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// retryable reports whether a failure is worth another attempt: throttling,
// server-side errors, or transport-level failures.
func retryable(err error) bool {
	var httpErr *schedule.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusTooManyRequests || httpErr.Status >= 500
	}
	var netErr *schedule.NetworkError
	return errors.As(err, &netErr)
}

// backoffDelay is exponential from 500ms, capped at the configured ceiling.
func backoffDelay(attempt int, ceiling time.Duration) time.Duration {
	d := 500 * time.Millisecond
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// parseRetryAfter accepts either a delay in seconds or an HTTP-date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// calendarEvent is the wire shape of one event in a calendar view response.
type calendarEvent struct {
	ID      string `json:"id"`
	ETag    string `json:"@odata.etag"`
	Subject string `json:"subject"`
	Start   struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	} `json:"start"`
	End struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	} `json:"end"`
	Location struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	IsCancelled bool `json:"isCancelled"`
}

func mapEvents(data []byte) ([]schedule.ScheduleItem, time.Duration, error) {
	var payload struct {
		Value []calendarEvent `json:"value"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, 0, fmt.Errorf("decode calendar response: %w", err)
	}

	items := make([]schedule.ScheduleItem, 0, len(payload.Value))
	for _, ev := range payload.Value {
		start, ok1 := parseEventTime(ev.Start.DateTime, ev.Start.TimeZone)
		end, ok2 := parseEventTime(ev.End.DateTime, ev.End.TimeZone)
		if !ok1 || !ok2 {
			appLog.Warn("calapi: skipping event with unparsable times", "id", ev.ID)
			continue
		}
		start, end = schedule.NormalizeRange(start, end)

		status := schedule.StatusPlanned
		if ev.IsCancelled {
			status = schedule.StatusCancelled
		}

		items = append(items, schedule.ScheduleItem{
			ID:           ev.ID,
			Title:        ev.Subject,
			Start:        start,
			End:          end,
			Category:     schedule.CategoryOrg,
			Visibility:   schedule.VisibilityOrg,
			Status:       status,
			LocationName: ev.Location.DisplayName,
			ETag:         ev.ETag,
		})
	}
	return items, 0, nil
}

// parseEventTime handles both zoned RFC3339 and the split
// dateTime+timeZone form calendar APIs emit.
func parseEventTime(value, tz string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}

	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	for _, layout := range []string{"2006-01-02T15:04:05.0000000", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
