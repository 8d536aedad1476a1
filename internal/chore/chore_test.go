package chore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"
)

var kst = time.FixedZone("KST", 9*60*60)

func at(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, kst)
}

func TestRemainingDays_Boundary(t *testing.T) {
	c := New(kst, DefaultBoundaryHour)

	before := c.RemainingDays("2024-01-10", 7, at(2024, 1, 17, 5, 59))
	asOf16 := c.RemainingDays("2024-01-10", 7, at(2024, 1, 16, 12, 0))
	if before != asOf16 {
		t.Errorf("05:59 on the 17th = %d, want same as the 16th (%d)", before, asOf16)
	}
	if before != -1 {
		t.Errorf("05:59 on the 17th = %d, want -1", before)
	}

	after := c.RemainingDays("2024-01-10", 7, at(2024, 1, 17, 6, 1))
	if after != 0 {
		t.Errorf("06:01 on the 17th = %d, want 0 (due today)", after)
	}
}

func TestRemainingDays_Arithmetic(t *testing.T) {
	c := New(kst, DefaultBoundaryHour)
	now := at(2024, 3, 20, 9, 0)

	tests := []struct {
		name        string
		lastChecked string
		cycle       int
		want        int
	}{
		{"six days ago", c.AddDays(now, -6), 7, -1},
		{"eight days ago", c.AddDays(now, -8), 7, 1},
		{"checked today", c.AddDays(now, 0), 1, -1},
		{"yesterday daily", c.AddDays(now, -1), 1, 0},
		{"empty", "", 7, NeverChecked},
		{"garbage", "not a date", 7, NeverChecked},
		{"invalid calendar date", "2024-02-31", 7, NeverChecked},
		{"timestamp after boundary", "2024-03-19T07:00:00+09:00", 1, 0},
		{"timestamp before boundary", "2024-03-19T05:00:00+09:00", 1, 1},
		{"utc timestamp", "2024-03-18T22:00:00Z", 1, 0},
		{"local datetime", "2024-03-13T08:30", 7, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.RemainingDays(tt.lastChecked, tt.cycle, now); got != tt.want {
				t.Errorf("RemainingDays(%q, %d) = %d, want %d", tt.lastChecked, tt.cycle, got, tt.want)
			}
		})
	}
}

func TestRemainingDays_DST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	c := New(ny, DefaultBoundaryHour)

	// 2024-03-10 is 23 hours long in New York.
	now := time.Date(2024, 3, 11, 6, 30, 0, 0, ny)
	if got := c.RemainingDays("2024-03-10", 1, now); got != 0 {
		t.Errorf("across spring-forward = %d, want 0", got)
	}
	// 2024-11-03 is 25 hours long.
	now = time.Date(2024, 11, 4, 6, 0, 0, 0, ny)
	if got := c.RemainingDays("2024-11-03", 1, now); got != 0 {
		t.Errorf("across fall-back = %d, want 0", got)
	}
}

func TestLogicalDay(t *testing.T) {
	c := New(kst, DefaultBoundaryHour)
	tests := []struct {
		in   time.Time
		want string
	}{
		{at(2024, 1, 1, 0, 0), "2023-12-31"},
		{at(2024, 1, 1, 5, 59), "2023-12-31"},
		{at(2024, 1, 1, 6, 0), "2024-01-01"},
		{at(2024, 1, 1, 23, 59), "2024-01-01"},
		{at(2024, 3, 1, 3, 0), "2024-02-29"},
	}
	for _, tt := range tests {
		if got := c.Today(tt.in); got != tt.want {
			t.Errorf("Today(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}

	// Converted into the calculator's zone first.
	utc := time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC) // 05:00 KST on the 2nd
	if got := c.Today(utc); got != "2024-01-01" {
		t.Errorf("Today(utc) = %s, want 2024-01-01", got)
	}
}

func TestCalculator_CustomBoundary(t *testing.T) {
	c := New(kst, 4)
	if got := c.Today(at(2024, 5, 5, 4, 30)); got != "2024-05-05" {
		t.Errorf("Today = %s with a 04:00 boundary", got)
	}
	if got := c.Today(at(2024, 5, 5, 3, 59)); got != "2024-05-04" {
		t.Errorf("Today = %s with a 04:00 boundary", got)
	}
}

func TestCalculator_MidnightBoundary(t *testing.T) {
	c := New(kst, 0)
	if got := c.Today(at(2024, 5, 5, 0, 30)); got != "2024-05-05" {
		t.Errorf("Today = %s with a 00:00 boundary", got)
	}
	if got := c.Today(at(2024, 5, 4, 23, 59)); got != "2024-05-04" {
		t.Errorf("Today = %s with a 00:00 boundary", got)
	}
	if got := New(kst, 24).Today(at(2024, 5, 5, 5, 0)); got != "2024-05-04" {
		t.Errorf("out-of-range boundary should fall back to %d:00, Today = %s", DefaultBoundaryHour, got)
	}
}

func TestIsUpcoming(t *testing.T) {
	c := New(kst, DefaultBoundaryHour)
	for remaining, want := range map[int]bool{
		5: true, 0: true, -3: true, -4: false, NeverChecked: false,
	} {
		if got := c.IsUpcoming(remaining); got != want {
			t.Errorf("IsUpcoming(%d) = %v, want %v", remaining, got, want)
		}
	}
}

func TestSameLogicalDay(t *testing.T) {
	c := New(kst, DefaultBoundaryHour)
	now := at(2024, 6, 2, 2, 0) // logical 2024-06-01
	if !c.SameLogicalDay("2024-06-01", now) {
		t.Error("2024-06-01 should be today before the boundary")
	}
	if !c.SameLogicalDay("2024-06-01T23:00:00+09:00", now) {
		t.Error("late evening timestamp should be today")
	}
	if c.SameLogicalDay("2024-06-02", now) {
		t.Error("2024-06-02 has not started yet")
	}
	if c.SameLogicalDay("", now) {
		t.Error("empty date is never today")
	}
}

func TestNextBoundary(t *testing.T) {
	c := New(kst, DefaultBoundaryHour)
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{at(2024, 1, 1, 5, 0), at(2024, 1, 1, 6, 0)},
		{at(2024, 1, 1, 6, 0), at(2024, 1, 2, 6, 0)},
		{at(2024, 1, 1, 23, 0), at(2024, 1, 2, 6, 0)},
		{at(2024, 12, 31, 7, 0), at(2025, 1, 1, 6, 0)},
	}
	for _, tt := range tests {
		if got := c.NextBoundary(tt.now); !got.Equal(tt.want) {
			t.Errorf("NextBoundary(%s) = %s, want %s", tt.now, got, tt.want)
		}
	}
}

// fakeClock drives the scheduler without sleeping.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits chan time.Duration
	fire  chan time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now, waits: make(chan time.Duration, 10), fire: make(chan time.Time)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.waits <- d
	ch := make(chan time.Time, 1)
	go func() {
		t := <-f.fire
		f.mu.Lock()
		f.now = t
		f.mu.Unlock()
		ch <- t
	}()
	return ch
}

func TestScheduler_FiresAtEachBoundary(t *testing.T) {
	c := New(kst, DefaultBoundaryHour)
	clock := newFakeClock(at(2024, 1, 1, 22, 0))

	runs := make(chan time.Time, 10)
	s := NewScheduler(c, func(ctx context.Context, when time.Time) error {
		runs <- when
		return errors.New("logged and ignored")
	}, &SchedulerConfig{RunOnStart: true, Now: clock.Now, After: clock.After})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	if got := <-runs; !got.Equal(at(2024, 1, 1, 22, 0)) {
		t.Errorf("initial run at %s", got)
	}

	if d := <-clock.waits; d != 8*time.Hour {
		t.Errorf("first wait = %s, want 8h", d)
	}
	clock.fire <- at(2024, 1, 2, 6, 0)
	if got := <-runs; !got.Equal(at(2024, 1, 2, 6, 0)) {
		t.Errorf("run at %s, want 2024-01-02 06:00", got)
	}

	if d := <-clock.waits; d != 24*time.Hour {
		t.Errorf("second wait = %s, want 24h", d)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
