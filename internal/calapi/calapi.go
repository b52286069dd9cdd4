// Package calapi talks to a remote calendar query API. Reads are cached per
// range with a TTL, concurrent reads for the same range share one in-flight
// request, and a newer range cancels every older in-flight request: only the
// most recently requested range matters to the caller.
package calapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	appLog "carecal/internal/log"
	"carecal/internal/schedule"
)

const (
	defaultTTL        = time.Minute
	defaultMaxRetries = 3
	defaultTop        = 200
)

// TokenProvider supplies a bearer token per request.
type TokenProvider func(ctx context.Context) (string, error)

// Options configures a calendar-API repository.
type Options struct {
	// Endpoint is the calendar view URL, queried with
	// startDateTime/endDateTime parameters.
	Endpoint string

	TokenProvider TokenProvider

	// OwnerUserID identifies the requesting user for visibility filtering.
	OwnerUserID string

	// TTL is how long a fetched range stays fresh.
	TTL time.Duration

	// MaxRetries bounds retry attempts on 429/5xx responses.
	MaxRetries int

	// BackoffCeiling caps exponential backoff delays.
	BackoffCeiling time.Duration

	// Writer handles mutations. The calendar API is read-only by default;
	// calling a mutation without a Writer is a programming error.
	Writer schedule.Repository

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

type cacheEntry struct {
	at    time.Time
	items []schedule.ScheduleItem
}

// flight is one shared in-flight fetch for a range key.
type flight struct {
	done   chan struct{}
	cancel context.CancelFunc
	items  []schedule.ScheduleItem
	err    error
}

// Repository is a schedule.Repository backed by the calendar query API.
type Repository struct {
	opts   Options
	client *http.Client

	mu      sync.Mutex
	cache   map[string]cacheEntry
	flights map[string]*flight

	// now is the clock; swapped in TTL tests.
	now func() time.Time
}

// New constructs a calendar-API repository.
func New(opts Options) *Repository {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BackoffCeiling <= 0 {
		opts.BackoffCeiling = 8 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &Repository{
		opts:    opts,
		client:  client,
		cache:   make(map[string]cacheEntry),
		flights: make(map[string]*flight),
		now:     time.Now,
	}
}

func rangeKey(rng schedule.DateRange) string {
	return rng.From.UTC().Format(time.RFC3339) + "_" + rng.To.UTC().Format(time.RFC3339)
}

// List returns items overlapping the range, from cache when fresh, else via
// a (possibly shared) network fetch.
func (r *Repository) List(ctx context.Context, rng schedule.DateRange) ([]schedule.ScheduleItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := rangeKey(rng)

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok && r.now().Sub(entry.at) < r.opts.TTL {
		items := append([]schedule.ScheduleItem(nil), entry.items...)
		r.mu.Unlock()
		return items, nil
	}

	if fl, ok := r.flights[key]; ok {
		// Same range already being fetched; share its result.
		r.mu.Unlock()
		return r.await(ctx, fl)
	}

	// A different range supersedes everything else in flight.
	for k, fl := range r.flights {
		appLog.Debug("calapi: cancelling superseded request", "key", k)
		fl.cancel()
	}

	fetchCtx, cancel := context.WithCancel(context.Background())
	fl := &flight{done: make(chan struct{}), cancel: cancel}
	r.flights[key] = fl
	r.mu.Unlock()

	go r.runFlight(fetchCtx, key, rng, fl)

	return r.await(ctx, fl)
}

// runFlight performs the fetch and settles the flight. A cancelled fetch
// must not populate the cache. Items are filtered and sorted here, before
// they reach the cache, so hit and miss paths serve identical views.
func (r *Repository) runFlight(ctx context.Context, key string, rng schedule.DateRange, fl *flight) {
	items, err := r.fetchRange(ctx, rng)
	if err == nil {
		items = schedule.FilterVisible(items, r.opts.OwnerUserID)
		schedule.SortItems(items)
	}

	r.mu.Lock()
	delete(r.flights, key)
	if err == nil && ctx.Err() == nil {
		r.cache[key] = cacheEntry{at: r.now(), items: items}
	}
	r.mu.Unlock()

	if err != nil && ctx.Err() != nil {
		// Superseded: surface the cancellation, not a user-facing error.
		err = context.Canceled
	}

	fl.items, fl.err = items, err
	close(fl.done)
}

// await blocks on a shared flight, honoring the caller's own cancellation.
func (r *Repository) await(ctx context.Context, fl *flight) ([]schedule.ScheduleItem, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-fl.done:
	}
	if fl.err != nil {
		return nil, fl.err
	}
	return append([]schedule.ScheduleItem(nil), fl.items...), nil
}

// Create is intentionally unconfigured by default; see Options.Writer.
func (r *Repository) Create(ctx context.Context, in schedule.CreateScheduleInput) (schedule.ScheduleItem, error) {
	if r.opts.Writer == nil {
		return schedule.ScheduleItem{}, schedule.ErrWriterNotConfigured
	}
	return r.opts.Writer.Create(ctx, in)
}

func (r *Repository) Update(ctx context.Context, in schedule.UpdateScheduleInput) (schedule.ScheduleItem, error) {
	if r.opts.Writer == nil {
		return schedule.ScheduleItem{}, schedule.ErrWriterNotConfigured
	}
	return r.opts.Writer.Update(ctx, in)
}

func (r *Repository) Remove(ctx context.Context, id string) error {
	if r.opts.Writer == nil {
		return schedule.ErrWriterNotConfigured
	}
	return r.opts.Writer.Remove(ctx, id)
}
