package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/tutorbot/tutorbot/internal/tutor"
)

func fixedClock(d *DailyTotals, now *time.Time) {
	d.now = func() time.Time { return *now }
}

func TestDailyTotals_Record(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	d := NewDailyTotals(time.UTC)
	fixedClock(d, &now)

	d.Record(tutor.TurnEvent{InputTokens: 100, OutputTokens: 200, Outcome: tutor.OutcomeFinal})
	d.Record(tutor.TurnEvent{InputTokens: 50, OutputTokens: 75, Outcome: tutor.OutcomeExceeded})

	want := DayTotals{Date: "2026-03-01", InputTokens: 150, OutputTokens: 275, Turns: 2, Exceeded: 1}
	if got := d.Today(); got != want {
		t.Errorf("Today = %+v, want %+v", got, want)
	}
}

func TestDailyTotals_Concurrent(t *testing.T) {
	d := NewDailyTotals(time.UTC)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Record(tutor.TurnEvent{InputTokens: 10, OutputTokens: 20})
		}()
	}
	wg.Wait()

	got := d.Today()
	if got.InputTokens != 1000 || got.OutputTokens != 2000 || got.Turns != 100 {
		t.Errorf("Today = %+v, want 1000/2000/100", got)
	}
}

func TestDailyTotals_DateChange(t *testing.T) {
	tests := []struct {
		name  string
		loc   *time.Location
		start time.Time
		later time.Duration
		reset bool
	}{
		{"past midnight", time.UTC, time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC), 2 * time.Minute, true},
		{"same day", time.UTC, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), 10 * time.Hour, false},
		// Same day of year, one year later.
		{"next year", time.UTC, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), 365 * 24 * time.Hour, true},
		{"local midnight", time.FixedZone("UTC-5", -5*3600), time.Date(2026, 3, 2, 4, 59, 0, 0, time.UTC), 2 * time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := tt.start
			d := NewDailyTotals(tt.loc)
			fixedClock(d, &now)
			d.Record(tutor.TurnEvent{InputTokens: 10, OutputTokens: 10})

			now = now.Add(tt.later)
			got := d.Today()
			if reset := got.Turns == 0; reset != tt.reset {
				t.Errorf("Today = %+v, reset = %v, want %v", got, reset, tt.reset)
			}
			if want := now.In(tt.loc).Format(time.DateOnly); got.Date != want {
				t.Errorf("Date = %s, want %s", got.Date, want)
			}
		})
	}
}
