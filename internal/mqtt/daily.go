package mqtt

import (
	"sync"
	"time"

	"github.com/tutorbot/tutorbot/internal/tutor"
)

// DayTotals are the turn counters of one calendar date.
type DayTotals struct {
	Date         string // YYYY-MM-DD in the counter's location
	InputTokens  int64
	OutputTokens int64
	Turns        int64
	// Exceeded counts turns that hit the retrieval pass ceiling.
	Exceeded int64
}

// DailyTotals accumulates completed turns for the current local date
// and starts over when the date changes.
type DailyTotals struct {
	loc *time.Location
	now func() time.Time

	mu  sync.Mutex
	cur DayTotals
}

// NewDailyTotals returns counters keyed by dates in loc (time.Local if
// nil).
func NewDailyTotals(loc *time.Location) *DailyTotals {
	if loc == nil {
		loc = time.Local
	}
	return &DailyTotals{loc: loc, now: time.Now}
}

// Record counts one completed turn.
func (d *DailyTotals) Record(ev tutor.TurnEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	d.cur.InputTokens += int64(ev.InputTokens)
	d.cur.OutputTokens += int64(ev.OutputTokens)
	d.cur.Turns++
	if ev.Outcome == tutor.OutcomeExceeded {
		d.cur.Exceeded++
	}
}

// Today returns the totals of the current date.
func (d *DailyTotals) Today() DayTotals {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	return d.cur
}

func (d *DailyTotals) rollover() {
	if date := d.now().In(d.loc).Format(time.DateOnly); date != d.cur.Date {
		d.cur = DayTotals{Date: date}
	}
}
