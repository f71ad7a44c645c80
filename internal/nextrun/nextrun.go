// Package nextrun predicts when the OS scheduler will next fire a job.
//
// Timing itself belongs to launchd/systemd; this is only used for display and
// for the "next" command.
package nextrun

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"clockwork/internal/job"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Next returns the first fire time strictly after now. ok is false when the
// schedule has no predictable next fire: run-once jobs, and from-load intervals
// that have never run.
func Next(s job.Schedule, now time.Time, lastRun *time.Time) (time.Time, bool) {
	switch v := s.(type) {
	case job.Interval:
		if v.Aligned() {
			hours := v.AnchorHours()
			slots := make([]slot, len(hours))
			for i, h := range hours {
				slots[i] = slot{hour: h}
			}
			return fromSpec(hourlySpec(hours), now, slots)
		}
		return fromLoad(v.Every(), now, lastRun)
	case job.Calendar:
		return fromSpec(calendarSpec(v), now, []slot{{hour: v.Hour, minute: v.Minute, weekday: v.Weekday}})
	default:
		return time.Time{}, false
	}
}

// ForJob is Next for enabled jobs; disabled jobs never fire.
func ForJob(j job.Job, now time.Time, lastRun *time.Time) (time.Time, bool) {
	if !j.Enabled {
		return time.Time{}, false
	}
	return Next(j.Schedule, now, lastRun)
}

// fromLoad steps lastRun forward by whole periods until it passes now. Fires missed
// while the machine slept coalesce, so the cadence stays anchored to lastRun.
func fromLoad(every time.Duration, now time.Time, lastRun *time.Time) (time.Time, bool) {
	if lastRun == nil || every <= 0 {
		return time.Time{}, false
	}
	next := lastRun.In(now.Location()).Add(every)
	if next.After(now) {
		return next, true
	}
	steps := now.Sub(next)/every + 1
	next = next.Add(steps * every)
	if !next.After(now) {
		next = next.Add(every)
	}
	return next, true
}

func hourlySpec(hours []int) string {
	hs := make([]string, len(hours))
	for i, h := range hours {
		hs[i] = strconv.Itoa(h)
	}
	return "0 " + strings.Join(hs, ",") + " * * *"
}

func calendarSpec(c job.Calendar) string {
	dow := "*"
	if c.Weekday != nil {
		dow = strconv.Itoa(int(*c.Weekday))
	}
	return fmt.Sprintf("%d %d * * %s", c.Minute, c.Hour, dow)
}

// slot is one wall-clock fire time of a calendar-like schedule.
type slot struct {
	hour, minute int
	weekday      *time.Weekday
}

// fromSpec evaluates spec in now's location. cron's Next already rounds up to the
// next whole second, so the result is strictly after now.
func fromSpec(spec string, now time.Time, slots []slot) (time.Time, bool) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return time.Time{}, false
	}
	next := sched.Next(now)
	if next.IsZero() {
		return time.Time{}, false
	}
	return gapFire(slots, now, next), true
}

// gapFire returns the earliest slot between now and next whose wall time is
// skipped by a DST change on its day, or next when there is none. cron drops
// those slots; launchd and systemd fire them at the shifted instant.
func gapFire(slots []slot, now, next time.Time) time.Time {
	loc := now.Location()
	y, m, d := now.Date()
	for i := 0; !time.Date(y, m, d+i, 0, 0, 0, 0, loc).After(next); i++ {
		day := time.Date(y, m, d+i, 12, 0, 0, 0, loc)
		for _, s := range slots {
			if s.weekday != nil && day.Weekday() != *s.weekday {
				continue
			}
			t := time.Date(y, m, d+i, s.hour, s.minute, 0, 0, loc)
			if t.Hour() == s.hour && t.Minute() == s.minute {
				continue
			}
			// read the wall time in the day's earlier offset: 02:30 EST is 03:30 EDT
			_, off := time.Date(y, m, d+i, 0, 0, 0, 0, loc).Zone()
			t = time.Date(y, m, d+i, s.hour, s.minute, 0, 0, time.FixedZone("", off)).In(loc)
			if t.After(now) && t.Before(next) {
				next = t
			}
		}
	}
	return next
}

// Countdown renders the time left until next as "in 1h 05m", "in 3m 07s" or "in 12s".
func Countdown(next, now time.Time) string {
	remaining := next.Sub(now)
	if remaining <= 0 {
		return "any moment..."
	}
	total := int(remaining / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	switch {
	case h > 0:
		return fmt.Sprintf("in %dh %02dm", h, m)
	case m > 0:
		return fmt.Sprintf("in %dm %02ds", m, s)
	default:
		return fmt.Sprintf("in %ds", s)
	}
}
