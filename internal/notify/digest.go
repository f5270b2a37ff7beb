package notify

import (
	"strings"
	"time"
)

// digestBatch accumulates deferred notification ids until the flush
// boundary passes.
type digestBatch struct {
	ids     []string
	flushAt time.Time
}

func newDigestBatch() *digestBatch {
	return &digestBatch{}
}

// add queues a deferred notification. The earliest boundary among queued
// items wins, so a reconfiguration mid-window never postpones a flush
// already due.
func (b *digestBatch) add(id string, flushAt time.Time) {
	if len(b.ids) == 0 || flushAt.Before(b.flushAt) {
		b.flushAt = flushAt
	}
	b.ids = append(b.ids, id)
}

// due drains and returns the batch once the boundary has passed.
func (b *digestBatch) due(now time.Time) []string {
	if len(b.ids) == 0 || now.Before(b.flushAt) {
		return nil
	}
	ids := b.ids
	b.ids = nil
	return ids
}

// Pending returns the number of queued deferred notifications.
func (b *digestBatch) pending() int {
	return len(b.ids)
}

// nextFlushAt computes the delivery boundary for a notification deferred
// at time t: the end of the quiet window for immediate frequency, or the
// next day/week start in the user's timezone for daily/weekly digests.
func (e *Engine) nextFlushAt(t time.Time) time.Time {
	loc, err := e.prefs.QuietHours.Location()
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)

	switch e.prefs.DigestFrequency {
	case DigestDaily:
		return startOfDay(local).AddDate(0, 0, 1)
	case DigestWeekly:
		return startOfWeek(local).AddDate(0, 0, 7)
	default:
		return quietWindowEnd(local, e.prefs.QuietHours)
	}
}

// quietWindowEnd returns the next instant the quiet window ends after t.
func quietWindowEnd(t time.Time, q QuietHours) time.Time {
	endMinute, err := minuteOfDay(q.End)
	if err != nil {
		// Misconfigured window; flush on the next dispatch tick.
		return t
	}
	end := startOfDay(t).Add(time.Duration(endMinute) * time.Minute)
	if !end.After(t) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// startOfWeek returns the most recent Monday midnight at or before t.
func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
	return day.AddDate(0, 0, -offset)
}

func digestMessage(titles []string) string {
	const maxListed = 10
	listed := titles
	if len(listed) > maxListed {
		listed = listed[:maxListed]
	}
	msg := strings.Join(listed, "; ")
	if len(titles) > maxListed {
		msg += "; …"
	}
	return msg
}
