package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"carecal/internal/config"
	"carecal/internal/memory"
	"carecal/internal/repo"
	"carecal/internal/schedule"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *memory.Repository) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Backend = config.BackendDemo
	if mutate != nil {
		mutate(cfg)
	}

	mem := memory.New("default", cfg.OwnerUserID)
	provider := repo.NewProvider(cfg)
	provider.Override(mem)

	return NewServer(cfg, provider, nil), mem
}

func do(t *testing.T, s *Server, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", rec.Code)
	}
}

func TestListWithRange(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/api/schedule?from=2026-01-15T00:00:00Z&to=2026-01-16T00:00:00Z", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d, want 200: %s", rec.Code, rec.Body)
	}

	var resp struct {
		Items []schedule.ScheduleItem `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad list body: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Title != "訪問介護（午前）" {
		t.Fatalf("unexpected items: %+v", resp.Items)
	}
}

func TestListRejectsBadRange(t *testing.T) {
	s, _ := newTestServer(t, nil)

	if rec := do(t, s, http.MethodGet, "/api/schedule?from=yesterday", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed from = %d, want 400", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/schedule?from=2026-01-16T00:00:00Z&to=2026-01-15T00:00:00Z", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("reversed range = %d, want 400", rec.Code)
	}
}

func TestCreateAndPatchRoundtrip(t *testing.T) {
	s, _ := newTestServer(t, nil)

	body := `{"title":"臨時会議","start":"2026-01-20T09:00:00Z","end":"2026-01-20T10:00:00Z","category":"Org"}`
	rec := do(t, s, http.MethodPost, "/api/schedule", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d, want 201: %s", rec.Code, rec.Body)
	}

	var created schedule.ScheduleItem
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("bad create body: %v", err)
	}
	if created.ID == "" || created.ETag == "" {
		t.Fatalf("created entry lacks identity: %+v", created)
	}

	patch := `{"title":"臨時会議（変更）","start":"2026-01-20T09:00:00Z","end":"2026-01-20T11:00:00Z","category":"Org"}`
	rec = do(t, s, http.MethodPatch, "/api/schedule/"+created.ID, patch, map[string]string{"If-Match": created.ETag})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch = %d, want 200: %s", rec.Code, rec.Body)
	}

	var updated schedule.ScheduleItem
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("bad patch body: %v", err)
	}
	if updated.ETag == created.ETag {
		t.Fatal("patch must advance the etag")
	}
}

func TestStaleEtagPatchReturnsConflict(t *testing.T) {
	s, _ := newTestServer(t, nil)

	patch := `{"title":"上書き","start":"2026-01-15T00:00:00Z","end":"2026-01-15T02:00:00Z","category":"Org"}`
	rec := do(t, s, http.MethodPatch, "/api/schedule/demo-0001", patch, map[string]string{"If-Match": `W/"stale"`})
	if rec.Code != http.StatusConflict {
		t.Fatalf("stale patch = %d, want 409: %s", rec.Code, rec.Body)
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad conflict body: %v", err)
	}
	if resp.ID != "demo-0001" {
		t.Fatalf("conflict id = %q, want demo-0001", resp.ID)
	}
}

func TestDeleteEntry(t *testing.T) {
	s, _ := newTestServer(t, nil)

	if rec := do(t, s, http.MethodDelete, "/api/schedule/demo-0003", "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d, want 204", rec.Code)
	}
	if rec := do(t, s, http.MethodDelete, "/api/schedule/demo-0003", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete = %d, want 404", rec.Code)
	}
}

func TestInvalidCreateReturnsBadRequest(t *testing.T) {
	s, _ := newTestServer(t, nil)

	body := `{"title":"","start":"2026-01-20T09:00:00Z","end":"2026-01-20T10:00:00Z","category":"Org"}`
	if rec := do(t, s, http.MethodPost, "/api/schedule", body, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid create = %d, want 400", rec.Code)
	}
}

func TestFeedServesCalendar(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/api/schedule.ics?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("feed = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("feed content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "BEGIN:VEVENT") {
		t.Error("feed has no events")
	}
}

func TestStatusReportsReadOnly(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.WritesEnabled = false
	})

	rec := do(t, s, http.MethodGet, "/api/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		ReadOnly bool `json:"readOnly"`
		Fault    *struct {
			Kind string `json:"kind"`
		} `json:"fault"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad status body: %v", err)
	}
	if !resp.ReadOnly {
		t.Fatal("status must report read-only when writes are disabled")
	}
	if resp.Fault == nil || resp.Fault.Kind == "" {
		t.Fatal("read-only status must carry a classification")
	}
}

func TestStatusWritable(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/api/status", "", nil)
	var resp struct {
		ReadOnly bool `json:"readOnly"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad status body: %v", err)
	}
	if resp.ReadOnly {
		t.Fatal("status must not report read-only by default")
	}
}

// timeoutRepo simulates a backend that hit its own deadline while the
// client connection is still alive.
type timeoutRepo struct{}

func (timeoutRepo) List(ctx context.Context, rng schedule.DateRange) ([]schedule.ScheduleItem, error) {
	return nil, context.DeadlineExceeded
}

func (timeoutRepo) Create(ctx context.Context, in schedule.CreateScheduleInput) (schedule.ScheduleItem, error) {
	return schedule.ScheduleItem{}, context.DeadlineExceeded
}

func (timeoutRepo) Update(ctx context.Context, in schedule.UpdateScheduleInput) (schedule.ScheduleItem, error) {
	return schedule.ScheduleItem{}, context.DeadlineExceeded
}

func (timeoutRepo) Remove(ctx context.Context, id string) error {
	return context.DeadlineExceeded
}

func TestBackendTimeoutReturnsGatewayTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	provider := repo.NewProvider(cfg)
	provider.Override(timeoutRepo{})
	s := NewServer(cfg, provider, nil)

	rec := do(t, s, http.MethodGet, "/api/schedule?from=2026-01-15T00:00:00Z&to=2026-01-16T00:00:00Z", "", nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("backend timeout = %d, want 504", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("timeout response must carry a body")
	}
}

func TestOwnerParamRescopesVisibility(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backend = config.BackendDemo
	s := NewServer(cfg, repo.NewProvider(cfg), nil)

	// demo-0004 is a private entry owned by admin-1.
	list := func(owner string) []schedule.ScheduleItem {
		t.Helper()
		target := "/api/schedule?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z&owner=" + owner
		rec := do(t, s, http.MethodGet, target, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("list as %s = %d, want 200: %s", owner, rec.Code, rec.Body)
		}
		var resp struct {
			Items []schedule.ScheduleItem `json:"items"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("bad list body: %v", err)
		}
		return resp.Items
	}

	hasPrivate := func(items []schedule.ScheduleItem) bool {
		for _, it := range items {
			if it.ID == "demo-0004" {
				return true
			}
		}
		return false
	}

	if !hasPrivate(list("admin-1")) {
		t.Fatal("owner must see their private entry")
	}
	if hasPrivate(list("staff-201")) {
		t.Fatal("non-owner must not see a private entry")
	}
}

func TestBasicAuthGuardsAPIButNotHealth(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.BasicAuth = &config.BasicAuthConfig{Username: "ops", Password: "secret"}
	})

	if rec := do(t, s, http.MethodGet, "/api/status", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated api = %d, want 401", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("health behind auth = %d, want 200", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("ops", "secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated api = %d, want 200", rec.Code)
	}
}
