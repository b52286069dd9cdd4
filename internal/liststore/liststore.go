// Package liststore talks to a remote OData-like list store. Deployments
// drift: column names vary between the current and legacy schemas, and some
// sites still carry a single-date signal list. The repository tolerates that
// drift with a staged fallback query ladder and a permissive row mapper.
package liststore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	appLog "carecal/internal/log"
	"carecal/internal/schedule"
)

const defaultTop = 500

// rangeBuffer widens the server-side window to defend against timezone and
// all-day-event edge cases; results are trimmed client-side afterwards.
const rangeBuffer = 24 * time.Hour

// TokenProvider supplies a bearer token per request.
type TokenProvider func(ctx context.Context) (string, error)

// Options configures a list-store repository.
type Options struct {
	// BaseURL is the site root, e.g. "https://tenant.example.com/sites/ops".
	BaseURL string

	// ListName is the display name of the schedule list. LegacyListName is
	// tried when ListName does not resolve.
	ListName       string
	LegacyListName string

	TokenProvider TokenProvider

	// OwnerUserID identifies the requesting user for visibility filtering.
	OwnerUserID string

	// WritesEnabled gates all mutations.
	WritesEnabled bool

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client

	// Top bounds page size; defaults to 500.
	Top int
}

// Repository is a schedule.Repository backed by the remote list store.
type Repository struct {
	opts   Options
	client *http.Client

	// Resolved once per session.
	resolveOnce sync.Once
	listName    string
	fields      fieldMap
	listExists  bool
}

// New constructs a list-store repository. The list name and field map are
// resolved lazily on first use.
func New(opts Options) *Repository {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if opts.Top <= 0 {
		opts.Top = defaultTop
	}
	return &Repository{opts: opts, client: client}
}

// List queries items overlapping the range through the fallback ladder,
// then trims, visibility-filters and sorts client-side.
func (r *Repository) List(ctx context.Context, rng schedule.DateRange) ([]schedule.ScheduleItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name, fields, _ := r.resolveList(ctx)

	rows, stage, err := r.runQueryLadder(ctx, name, fields, rng)
	if err != nil {
		return nil, err
	}
	if stage > 0 {
		appLog.Warn("liststore: query succeeded on fallback stage", "stage", stage, "list", name)
	}

	items := make([]schedule.ScheduleItem, 0, len(rows))
	for _, raw := range rows {
		item, err := mapRow(raw, fields)
		if err != nil {
			appLog.Warn("liststore: skipping unmappable row", "reason", err.Error())
			continue
		}
		// Client-side trim: the server filter was widened by the buffer.
		if !rng.Overlaps(item) {
			continue
		}
		items = append(items, item)
	}

	items = schedule.FilterVisible(items, r.opts.OwnerUserID)
	schedule.SortItems(items)
	return items, nil
}

// resolveList picks the active list and its field map once per session:
// the configured name when it exists, else the legacy name. The legacy
// signal list only has a single date column.
func (r *Repository) resolveList(ctx context.Context) (string, fieldMap, bool) {
	r.resolveOnce.Do(func() {
		r.listName = r.opts.ListName
		r.fields = currentFields

		if r.probeList(ctx, r.opts.ListName) {
			r.listExists = true
			return
		}
		if r.opts.LegacyListName != "" && r.probeList(ctx, r.opts.LegacyListName) {
			appLog.Info("liststore: falling back to legacy list", "list", r.opts.LegacyListName)
			r.listName = r.opts.LegacyListName
			r.fields = legacySignalFields
			r.listExists = true
			return
		}
		// Neither resolved. Keep the primary name so read errors carry it;
		// the probe result gates writes only.
		appLog.Warn("liststore: configured list not found", "list", r.opts.ListName)
	})
	return r.listName, r.fields, r.listExists
}

// probeList is the lightweight one-shot existence check: a list metadata
// fetch. "Not found" is an expected answer and returns false, not an error.
func (r *Repository) probeList(ctx context.Context, name string) bool {
	u := r.listURL(name) + "?$select=Title"
	resp, err := r.do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		appLog.Warn("liststore: existence probe failed", "list", name, "reason", err.Error())
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (r *Repository) listURL(name string) string {
	return fmt.Sprintf("%s/_api/web/lists/getbytitle('%s')",
		strings.TrimRight(r.opts.BaseURL, "/"), url.PathEscape(name))
}

func (r *Repository) itemsURL(name string) string {
	return r.listURL(name) + "/items"
}

// do issues one HTTP request, wrapping transport failures as NetworkError.
// Non-2xx handling is the caller's job (the ladder needs status + body).
func (r *Repository) do(ctx context.Context, method, rawURL string, body io.Reader, hdr map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json;odata=nometadata")
	if body != nil {
		req.Header.Set("Content-Type", "application/json;odata=nometadata")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}

	if r.opts.TokenProvider != nil {
		token, err := r.opts.TokenProvider(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &schedule.NetworkError{Op: method + " " + redactHost(rawURL), Err: err}
	}
	return resp, nil
}

// redactHost trims a URL down to its host for log lines.
func redactHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "list-store"
	}
	return u.Host
}
