// Package poller drives the pull-based refresh loop: on a cron schedule it
// lists the current window from the active backend (and the calendar read
// path when configured), keeping caches warm and recording the latest
// failure classification for /api/status.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "carecal/internal/log"
	"carecal/internal/schedule"
	"carecal/internal/schedule/faults"
)

// windowAhead is how far past "now" each refresh looks.
const windowAhead = 14 * 24 * time.Hour

// windowBehind covers recently finished entries still being reconciled.
const windowBehind = 24 * time.Hour

// Poller periodically refreshes the schedule window.
type Poller struct {
	primary  schedule.Repository
	calendar schedule.Repository // optional

	cron *cron.Cron

	mu   sync.Mutex
	last *faults.Classification
}

// New constructs a poller over the primary backend and an optional calendar
// read path.
func New(primary, calendar schedule.Repository) *Poller {
	return &Poller{
		primary:  primary,
		calendar: calendar,
		cron:     cron.New(),
	}
}

// Start registers the refresh job under the given cron expression and starts
// the scheduler. The job stops when ctx is cancelled.
func (p *Poller) Start(ctx context.Context, spec string) error {
	_, err := p.cron.AddFunc(spec, func() {
		refreshCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		p.refresh(refreshCtx)
	})
	if err != nil {
		return err
	}

	p.cron.Start()
	go func() {
		<-ctx.Done()
		p.cron.Stop()
	}()

	appLog.Info("poller: started", "cron", spec)
	return nil
}

// refresh lists the current window once per backend.
func (p *Poller) refresh(ctx context.Context) {
	now := time.Now().UTC()
	rng := schedule.DateRange{From: now.Add(-windowBehind), To: now.Add(windowAhead)}

	items, err := p.primary.List(ctx, rng)
	p.record(err)
	if err != nil {
		if !faults.IsCancelled(err) {
			appLog.Error("poller: primary refresh failed", err)
		}
	} else {
		appLog.Debug("poller: primary window refreshed", "count", len(items))
	}

	if p.calendar == nil {
		return
	}
	calItems, err := p.calendar.List(ctx, rng)
	if err != nil {
		if !faults.IsCancelled(err) {
			appLog.Error("poller: calendar refresh failed", err)
		}
		return
	}
	appLog.Debug("poller: calendar window refreshed", "count", len(calItems))
}

// record keeps the most recent primary-path classification for /api/status.
func (p *Poller) record(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil || faults.IsCancelled(err) {
		p.last = nil
		return
	}
	c := faults.Classify(err)
	p.last = &c
}

// LastFault returns the latest primary-path classification, or nil when the
// last refresh succeeded.
func (p *Poller) LastFault() *faults.Classification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
