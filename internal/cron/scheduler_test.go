package cron_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/basket/kaihost/internal/cron"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_RunOnStartFires(t *testing.T) {
	var runs atomic.Int32
	sched := cron.NewScheduler(cron.Config{Logger: testLogger(), Interval: 20 * time.Millisecond})
	if err := sched.Add(cron.Job{
		Name:       "report",
		Schedule:   "@every 6h",
		RunOnStart: true,
		Run:        func(context.Context) error { runs.Add(1); return nil },
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 })
	// The next run is six hours out; further ticks must not fire it.
	time.Sleep(100 * time.Millisecond)
	if runs.Load() != 1 {
		t.Fatalf("expected exactly one run, got %d", runs.Load())
	}
}

func TestScheduler_DueJobFires(t *testing.T) {
	var runs atomic.Int32
	sched := cron.NewScheduler(cron.Config{Logger: testLogger(), Interval: 20 * time.Millisecond})
	if err := sched.Add(cron.Job{
		Name:     "fast",
		Schedule: "@every 1s",
		Run:      func(context.Context) error { runs.Add(1); return nil },
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()
	waitFor(t, 3*time.Second, func() bool { return runs.Load() >= 1 })
}

func TestScheduler_RecordsFailure(t *testing.T) {
	boom := errors.New("boom")
	sched := cron.NewScheduler(cron.Config{Logger: testLogger(), Interval: 20 * time.Millisecond})
	if err := sched.Add(cron.Job{
		Name: "failing", Schedule: "@daily", RunOnStart: true,
		Run: func(context.Context) error { return boom },
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	sched.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool {
		st := sched.Status()
		return len(st) == 1 && st[0].Runs == 1
	})
	sched.Stop()
	st := sched.Status()[0]
	if !errors.Is(st.LastErr, boom) || !st.NextRun.After(time.Now()) {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestScheduler_AddRejectsBadSchedule(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{Logger: testLogger()})
	if err := sched.Add(cron.Job{Name: "bad", Schedule: "not a cron", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected parse error")
	}
	if err := sched.Add(cron.Job{Name: "nil", Schedule: "@daily"}); err == nil {
		t.Fatal("expected error for missing run func")
	}
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{})
	sched.Stop()
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/5 * * * *", time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC)},
		{"0 12 * * *", time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
		{"@every 6h", base.Add(6 * time.Hour)},
	}
	for _, tc := range tests {
		got, err := cron.NextRunTime(tc.expr, base)
		if err != nil {
			t.Fatalf("%s: %v", tc.expr, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.expr, got, tc.want)
		}
	}
	if _, err := cron.NextRunTime("bogus", base); err == nil {
		t.Fatal("expected error for bogus expression")
	}
}
