package poller

import (
	"context"
	"testing"

	"carecal/internal/schedule"
	"carecal/internal/schedule/faults"
)

// failingRepo fails every read with a fixed error.
type failingRepo struct {
	err error
}

func (f *failingRepo) List(ctx context.Context, rng schedule.DateRange) ([]schedule.ScheduleItem, error) {
	return nil, f.err
}

func (f *failingRepo) Create(ctx context.Context, in schedule.CreateScheduleInput) (schedule.ScheduleItem, error) {
	return schedule.ScheduleItem{}, f.err
}

func (f *failingRepo) Update(ctx context.Context, in schedule.UpdateScheduleInput) (schedule.ScheduleItem, error) {
	return schedule.ScheduleItem{}, f.err
}

func (f *failingRepo) Remove(ctx context.Context, id string) error {
	return f.err
}

// okRepo serves empty windows.
type okRepo struct{}

func (okRepo) List(ctx context.Context, rng schedule.DateRange) ([]schedule.ScheduleItem, error) {
	return nil, nil
}

func (okRepo) Create(ctx context.Context, in schedule.CreateScheduleInput) (schedule.ScheduleItem, error) {
	return schedule.ScheduleItem{}, schedule.ErrWriterNotConfigured
}

func (okRepo) Update(ctx context.Context, in schedule.UpdateScheduleInput) (schedule.ScheduleItem, error) {
	return schedule.ScheduleItem{}, schedule.ErrWriterNotConfigured
}

func (okRepo) Remove(ctx context.Context, id string) error {
	return schedule.ErrWriterNotConfigured
}

func TestRefreshRecordsFault(t *testing.T) {
	p := New(&failingRepo{err: &schedule.HTTPError{Status: 401, URL: "https://x", Body: ""}}, nil)

	p.refresh(context.Background())

	c := p.LastFault()
	if c == nil {
		t.Fatal("failed refresh must record a classification")
	}
	if c.Kind != faults.KindAuthRequired {
		t.Fatalf("fault kind = %s, want AUTH_REQUIRED", c.Kind)
	}
}

func TestRefreshClearsFaultOnRecovery(t *testing.T) {
	p := New(&failingRepo{err: &schedule.NetworkError{Op: "list"}}, nil)
	p.refresh(context.Background())
	if p.LastFault() == nil {
		t.Fatal("expected a recorded fault")
	}

	p.primary = okRepo{}
	p.refresh(context.Background())
	if p.LastFault() != nil {
		t.Fatal("recovered refresh must clear the fault")
	}
}

func TestCancelledRefreshLeavesNoFault(t *testing.T) {
	p := New(&failingRepo{err: context.Canceled}, nil)
	p.refresh(context.Background())

	if p.LastFault() != nil {
		t.Fatal("a cancelled refresh is not a fault")
	}
}

func TestStartRejectsBadCronSpec(t *testing.T) {
	p := New(okRepo{}, nil)
	if err := p.Start(context.Background(), "not a cron spec"); err == nil {
		t.Fatal("invalid cron spec must be rejected")
	}
}
