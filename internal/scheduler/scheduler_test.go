package scheduler

import (
	"context"
	"testing"
	"time"
)

func fixedScheduler(t *testing.T, at string) *Scheduler {
	t.Helper()
	parsed, err := time.ParseInLocation("2006-01-02 15:04:05", at, time.UTC)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	s := New(nil, nil, 90)
	s.now = func() time.Time { return parsed }
	return s
}

func TestNextMidnight(t *testing.T) {
	s := fixedScheduler(t, "2026-03-10 17:45:00")
	want := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if got := s.nextMidnight(); !got.Equal(want) {
		t.Errorf("nextMidnight = %v, want %v", got, want)
	}
}

func TestNextMonthStart(t *testing.T) {
	s := fixedScheduler(t, "2026-12-31 23:59:00")
	want := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := s.nextMonthStart(); !got.Equal(want) {
		t.Errorf("nextMonthStart = %v, want %v", got, want)
	}
}

func TestNextHour(t *testing.T) {
	s := fixedScheduler(t, "2026-03-10 17:45:31")
	want := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	if got := s.nextHour(); !got.Equal(want) {
		t.Errorf("nextHour = %v, want %v", got, want)
	}
}

func TestNextSundayCleanup(t *testing.T) {
	tests := []struct {
		name string
		at   string
		want time.Time
	}{
		{
			// 2026-03-10 is a Tuesday.
			name: "midweek",
			at:   "2026-03-10 17:00:00",
			want: time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC),
		},
		{
			// Sunday before 02:00 still fires the same day.
			name: "sunday early",
			at:   "2026-03-15 01:00:00",
			want: time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC),
		},
		{
			// Sunday after 02:00 rolls over a full week.
			name: "sunday late",
			at:   "2026-03-15 03:00:00",
			want: time.Date(2026, 3, 22, 2, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := fixedScheduler(t, tt.at)
			if got := s.nextSundayCleanup(); !got.Equal(tt.want) {
				t.Errorf("nextSundayCleanup = %v, want %v", got, tt.want)
			}
		})
	}
}

type panicResetter struct{ calls int }

func (p *panicResetter) ResetDaily(context.Context)        { p.calls++; panic("boom") }
func (p *panicResetter) ResetMonthly(context.Context)      {}
func (p *panicResetter) ReviveExpired()                    {}
func (p *panicResetter) CheckMonthlyStale(context.Context) {}

func TestRunJobRecoversPanic(t *testing.T) {
	resetter := &panicResetter{}
	s := New(resetter, nil, 0)

	// Must not propagate the panic.
	s.runJob(context.Background(), "daily_reset", func(ctx context.Context) {
		resetter.ResetDaily(ctx)
	})

	if resetter.calls != 1 {
		t.Errorf("job ran %d times, want 1", resetter.calls)
	}
}
