package liststore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	appLog "carecal/internal/log"
	"carecal/internal/schedule"
)

// queryStage describes one rung of the fallback ladder. Stages run strictly
// in order; a stage is only attempted after the previous one failed with a
// schema-shaped error.
type queryStage struct {
	name        string
	fullSelect  bool
	orderBy     bool
	filter      bool
	probeTopOne bool
}

// queryLadder is the fixed fallback order: full query, reduced fields,
// no server-side ordering, and finally a minimal unfiltered diagnostic probe.
var queryLadder = []queryStage{
	{name: "full", fullSelect: true, orderBy: true, filter: true},
	{name: "reduced-select", orderBy: true, filter: true},
	{name: "no-orderby", filter: true},
	{name: "probe", probeTopOne: true},
}

// StageDiagnostic records why one ladder stage failed.
type StageDiagnostic struct {
	Stage  string
	Status int
	URL    string
	Body   string
}

// ExhaustedError aggregates per-stage diagnostics when every ladder stage
// failed with a schema-shaped error.
type ExhaustedError struct {
	List   string
	Stages []StageDiagnostic
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all %d query stages failed against list %q:", len(e.Stages), e.List)
	for _, d := range e.Stages {
		fmt.Fprintf(&b, "\n  [%s] status=%d url=%s body=%s", d.Stage, d.Status, d.URL, truncate(d.Body, 300))
	}
	return b.String()
}

// Is lets errors.Is(err, schedule.ErrContractMismatch) match exhaustion.
func (e *ExhaustedError) Is(target error) bool {
	return target == schedule.ErrContractMismatch
}

// runQueryLadder walks the stages until one succeeds. A schema-shaped
// failure (HTTP 400, or a recognizable "field does not exist" message)
// advances to the next stage; any other failure aborts immediately.
func (r *Repository) runQueryLadder(ctx context.Context, list string, fields fieldMap, rng schedule.DateRange) ([]map[string]json.RawMessage, int, error) {
	diags := make([]StageDiagnostic, 0, len(queryLadder))

	for i, stage := range queryLadder {
		if err := ctx.Err(); err != nil {
			return nil, i, err
		}

		u := r.stageURL(list, fields, rng, stage)

		rows, status, body, err := r.fetchRows(ctx, u)
		if err != nil {
			return nil, i, err
		}
		if status == http.StatusOK {
			if stage.probeTopOne {
				// The probe proves connectivity, not usable data. Reaching
				// it means every data-bearing stage failed.
				diags = append(diags, StageDiagnostic{Stage: stage.name, Status: status, URL: u, Body: "probe succeeded; selection stages all failed"})
				break
			}
			return rows, i, nil
		}

		if !schemaShaped(status, body) {
			return nil, i, &schedule.HTTPError{Status: status, URL: u, Body: truncate(body, 1000)}
		}

		appLog.Warn("liststore: stage failed with schema-shaped error; trying next",
			"stage", stage.name, "status", status, "list", list)
		diags = append(diags, StageDiagnostic{Stage: stage.name, Status: status, URL: u, Body: truncate(body, 1000)})
	}

	return nil, len(queryLadder), &ExhaustedError{List: list, Stages: diags}
}

// stageURL builds the query URL for one ladder stage.
func (r *Repository) stageURL(list string, fields fieldMap, rng schedule.DateRange, stage queryStage) string {
	q := url.Values{}

	top := r.opts.Top
	sel := fields.reducedSelect()
	if stage.fullSelect {
		sel = fields.fullSelect()
	}
	if stage.probeTopOne {
		top = 1
		sel = fields.minimalSelect()
	}

	q.Set("$top", fmt.Sprint(top))
	q.Set("$select", strings.Join(sel, ","))
	if stage.orderBy {
		q.Set("$orderby", fields.start+" asc,Id asc")
	}
	if stage.filter {
		q.Set("$filter", rangeFilter(fields, rng))
	}

	return r.itemsURL(list) + "?" + q.Encode()
}

// rangeFilter builds "start < to AND end >= from" with the window widened by
// the timezone safety buffer on both sides.
func rangeFilter(fields fieldMap, rng schedule.DateRange) string {
	from := rng.From.UTC().Add(-rangeBuffer)
	to := rng.To.UTC().Add(rangeBuffer)
	return fmt.Sprintf("(%s lt datetime'%s') and (%s ge datetime'%s')",
		fields.start, from.Format("2006-01-02T15:04:05Z"),
		fields.end, to.Format("2006-01-02T15:04:05Z"))
}

// fetchRows performs one stage request. Transport errors are returned as
// errors; HTTP-level failures come back as (status, body) so the ladder can
// decide whether the failure is schema-shaped.
func (r *Repository) fetchRows(ctx context.Context, u string) ([]map[string]json.RawMessage, int, string, error) {
	resp, err := r.do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, 0, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, "", &schedule.NetworkError{Op: "read list response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, string(data), nil
	}

	var payload struct {
		Value []map[string]json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, 0, "", fmt.Errorf("decode list response: %w", err)
	}
	return payload.Value, resp.StatusCode, "", nil
}

// schemaShaped reports whether a failure looks like schema drift rather
// than auth/throttling/outage.
func schemaShaped(status int, body string) bool {
	if status == http.StatusBadRequest {
		return true
	}
	m := strings.ToLower(body)
	return strings.Contains(m, "does not exist") ||
		strings.Contains(m, "no such field") ||
		strings.Contains(m, "invalid column")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
