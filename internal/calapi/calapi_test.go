package calapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"carecal/internal/schedule"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

var (
	rangeA = schedule.DateRange{From: ts("2026-01-15T00:00:00Z"), To: ts("2026-01-16T00:00:00Z")}
	rangeB = schedule.DateRange{From: ts("2026-02-01T00:00:00Z"), To: ts("2026-02-02T00:00:00Z")}
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func respondEvents(w http.ResponseWriter, events ...map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"value": events})
}

func sampleEvent(id string) map[string]any {
	return map[string]any{
		"id":          id,
		"@odata.etag": `W/"7"`,
		"subject":     "利用者面談",
		"start":       map[string]string{"dateTime": "2026-01-15T10:00:00Z"},
		"end":         map[string]string{"dateTime": "2026-01-15T11:00:00Z"},
		"location":    map[string]string{"displayName": "相談室A"},
	}
}

func newTestRepo(t *testing.T, handler http.HandlerFunc, mutate func(*Options)) *Repository {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts := Options{
		Endpoint:       srv.URL + "/calendarview",
		TTL:            time.Minute,
		MaxRetries:     2,
		BackoffCeiling: time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

func TestCacheHitWithinTTL(t *testing.T) {
	var calls atomic.Int64
	repo := newTestRepo(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		respondEvents(w, sampleEvent("ev-1"))
	}, nil)

	clock := &fakeClock{t: ts("2026-01-15T00:00:00Z")}
	repo.now = clock.now

	for i := 0; i < 2; i++ {
		items, err := repo.List(context.Background(), rangeA)
		if err != nil {
			t.Fatalf("list %d failed: %v", i, err)
		}
		if len(items) != 1 || items[0].ID != "ev-1" {
			t.Fatalf("list %d: unexpected items %+v", i, items)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("made %d requests within TTL, want 1", n)
	}

	clock.advance(2 * time.Minute)
	if _, err := repo.List(context.Background(), rangeA); err != nil {
		t.Fatalf("list after expiry failed: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("made %d requests after TTL expiry, want 2", n)
	}
}

func TestCacheHitServesNormalizedItems(t *testing.T) {
	var calls atomic.Int64
	repo := newTestRepo(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		late := sampleEvent("ev-late")
		early := sampleEvent("ev-early")
		early["start"] = map[string]string{"dateTime": "2026-01-15T08:00:00Z"}
		early["end"] = map[string]string{"dateTime": "2026-01-15T09:00:00Z"}
		// Server responds newest-first; the repository must not.
		respondEvents(w, late, early)
	}, func(o *Options) {
		o.OwnerUserID = "staff-1"
	})

	clock := &fakeClock{t: ts("2026-01-15T00:00:00Z")}
	repo.now = clock.now

	for i := 0; i < 2; i++ {
		items, err := repo.List(context.Background(), rangeA)
		if err != nil {
			t.Fatalf("list %d failed: %v", i, err)
		}
		if len(items) != 2 {
			t.Fatalf("list %d: got %d items, want 2", i, len(items))
		}
		if items[0].ID != "ev-early" || items[1].ID != "ev-late" {
			t.Fatalf("list %d not ordered by start: %s before %s", i, items[0].ID, items[1].ID)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("made %d requests, want 1 (second read must be a cache hit)", n)
	}
}

func TestConcurrentReadsShareOneFetch(t *testing.T) {
	var calls atomic.Int64
	arrived := make(chan struct{})
	release := make(chan struct{})

	repo := newTestRepo(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		close(arrived)
		<-release
		respondEvents(w, sampleEvent("ev-1"))
	}, nil)

	type result struct {
		items []schedule.ScheduleItem
		err   error
	}
	results := make(chan result, 2)

	go func() {
		items, err := repo.List(context.Background(), rangeA)
		results <- result{items, err}
	}()
	<-arrived
	go func() {
		items, err := repo.List(context.Background(), rangeA)
		results <- result{items, err}
	}()

	// Give the second caller time to join the flight before releasing.
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("caller %d failed: %v", i, res.err)
		}
		if len(res.items) != 1 {
			t.Fatalf("caller %d got %d items, want 1", i, len(res.items))
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("made %d requests for one shared range, want 1", n)
	}
}

func TestNewerRangeCancelsOlderFetch(t *testing.T) {
	arrivedA := make(chan struct{})

	repo := newTestRepo(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("startDateTime") == rangeA.From.Format(time.RFC3339) {
			close(arrivedA)
			<-r.Context().Done()
			return
		}
		respondEvents(w, sampleEvent("ev-b"))
	}, nil)

	errA := make(chan error, 1)
	go func() {
		_, err := repo.List(context.Background(), rangeA)
		errA <- err
	}()
	<-arrivedA

	items, err := repo.List(context.Background(), rangeB)
	if err != nil {
		t.Fatalf("newer range failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != "ev-b" {
		t.Fatalf("unexpected items for newer range: %+v", items)
	}

	select {
	case err := <-errA:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("superseded caller got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("superseded caller never unblocked")
	}

	// The cancelled fetch must not have populated the cache.
	repo.mu.Lock()
	_, cached := repo.cache[rangeKey(rangeA)]
	repo.mu.Unlock()
	if cached {
		t.Fatal("cancelled fetch populated the cache")
	}
}

func TestRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	repo := newTestRepo(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		respondEvents(w, sampleEvent("ev-1"))
	}, nil)

	items, err := repo.List(context.Background(), rangeA)
	if err != nil {
		t.Fatalf("list failed after retries: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("made %d requests, want 3 (two failures + success)", n)
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int64
	repo := newTestRepo(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}, nil)

	_, err := repo.List(context.Background(), rangeA)
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	var httpErr *schedule.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusTooManyRequests {
		t.Fatalf("got %v, want wrapped HTTPError 429", err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("made %d requests, want 3 (MaxRetries=2)", n)
	}
}

func TestClientErrorsDoNotRetry(t *testing.T) {
	var calls atomic.Int64
	repo := newTestRepo(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}, nil)

	_, err := repo.List(context.Background(), rangeA)
	var httpErr *schedule.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusForbidden {
		t.Fatalf("got %v, want HTTPError 403", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("made %d requests, want 1 (4xx must not retry)", n)
	}
}

func TestCancelledContextShortCircuits(t *testing.T) {
	repo := newTestRepo(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for a cancelled context")
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := repo.List(ctx, rangeA); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestMutationsRequireWriter(t *testing.T) {
	repo := newTestRepo(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for unconfigured mutations")
	}, nil)

	in := schedule.CreateScheduleInput{
		Title:    "運営会議",
		Start:    ts("2026-01-15T09:00:00Z"),
		End:      ts("2026-01-15T10:00:00Z"),
		Category: schedule.CategoryOrg,
	}

	if _, err := repo.Create(context.Background(), in); !errors.Is(err, schedule.ErrWriterNotConfigured) {
		t.Errorf("Create: got %v, want ErrWriterNotConfigured", err)
	}
	if _, err := repo.Update(context.Background(), schedule.UpdateScheduleInput{CreateScheduleInput: in, ID: "1"}); !errors.Is(err, schedule.ErrWriterNotConfigured) {
		t.Errorf("Update: got %v, want ErrWriterNotConfigured", err)
	}
	if err := repo.Remove(context.Background(), "1"); !errors.Is(err, schedule.ErrWriterNotConfigured) {
		t.Errorf("Remove: got %v, want ErrWriterNotConfigured", err)
	}
}

func TestEventMapping(t *testing.T) {
	repo := newTestRepo(t, func(w http.ResponseWriter, r *http.Request) {
		cancelled := sampleEvent("ev-2")
		cancelled["isCancelled"] = true
		cancelled["start"] = map[string]string{"dateTime": "2026-01-15T08:00:00Z"}
		cancelled["end"] = map[string]string{"dateTime": "2026-01-15T09:00:00Z"}

		// Split dateTime+timeZone form, no zone suffix.
		zoned := sampleEvent("ev-3")
		zoned["start"] = map[string]string{"dateTime": "2026-01-15T18:00:00", "timeZone": "Asia/Tokyo"}
		zoned["end"] = map[string]string{"dateTime": "2026-01-15T19:00:00", "timeZone": "Asia/Tokyo"}

		respondEvents(w, sampleEvent("ev-1"), cancelled, zoned)
	}, nil)

	items, err := repo.List(context.Background(), rangeA)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}

	// Sorted by start: ev-2 (08:00), ev-3 (09:00 UTC), ev-1 (10:00).
	if items[0].ID != "ev-2" || items[1].ID != "ev-3" || items[2].ID != "ev-1" {
		t.Fatalf("items not sorted by start: %s %s %s", items[0].ID, items[1].ID, items[2].ID)
	}
	if items[0].Status != schedule.StatusCancelled {
		t.Errorf("cancelled event status = %s, want Cancelled", items[0].Status)
	}
	if items[2].LocationName != "相談室A" {
		t.Errorf("location not mapped: %q", items[2].LocationName)
	}
	if !items[1].Start.Equal(ts("2026-01-15T09:00:00Z")) {
		t.Errorf("zoned time not converted: %s", items[1].Start)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := ts("2026-01-15T00:00:00Z")
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"-2", 0},
		{"garbage", 0},
		{now.Add(30 * time.Second).UTC().Format(http.TimeFormat), 30 * time.Second},
		{now.Add(-30 * time.Second).UTC().Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.value, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %s, want %s", tt.value, got, tt.want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	ceiling := 8 * time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{10, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.attempt, ceiling); got != tt.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
