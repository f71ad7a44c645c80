package job

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

type Kind string

const (
	KindInterval Kind = "interval"
	KindCalendar Kind = "calendar"
	KindOnce     Kind = "once"
)

// Schedule is one of Interval, Calendar or Once.
type Schedule interface {
	Kind() Kind
	Summary() string
	isSchedule()
}

type Unit string

const (
	Minutes Unit = "minutes"
	Hours   Unit = "hours"
)

func (u Unit) Duration() time.Duration {
	if u == Hours {
		return time.Hour
	}
	return time.Minute
}

type Alignment string

const (
	FromLoad  Alignment = "from_load"
	OnTheHour Alignment = "on_the_hour"
)

// Interval fires every Count units. Count is capped at a year of minutes so
// Every never overflows.
//
// OnTheHour only applies to Hours: it fires at the anchor hours 0, N, 2N, ... < 24.
type Interval struct {
	Count int       `validate:"min=1,max=525600"`
	Unit  Unit      `validate:"oneof=minutes hours"`
	Align Alignment `validate:"oneof=from_load on_the_hour"`
}

func (Interval) Kind() Kind  { return KindInterval }
func (Interval) isSchedule() {}

// Every is the fixed period between fires.
func (i Interval) Every() time.Duration {
	return time.Duration(i.Count) * i.Unit.Duration()
}

// Aligned reports whether the interval fires on the hour grid.
func (i Interval) Aligned() bool {
	return i.Align == OnTheHour && i.Unit == Hours
}

// AnchorHours expands an on-the-hour interval into the hours of the day it fires at.
func (i Interval) AnchorHours() []int {
	return AnchorHours(i.Count)
}

// AnchorHours returns {0, step, 2*step, ...} below 24 with step clamped to 1..24.
func AnchorHours(step int) []int {
	if step < 1 {
		step = 1
	}
	if step > 24 {
		step = 24
	}
	hours := make([]int, 0, 24/step)
	for h := 0; h < 24; h += step {
		hours = append(hours, h)
	}
	return hours
}

func (i Interval) Summary() string {
	unit := string(i.Unit)
	if i.Count == 1 {
		unit = unit[:len(unit)-1]
	}
	s := fmt.Sprintf("Every %d %s", i.Count, unit)
	if i.Aligned() {
		s += " (on the hour)"
	}
	return s
}

// Calendar fires at Hour:Minute, every day or on Weekday only.
type Calendar struct {
	Hour    int           `validate:"min=0,max=23"`
	Minute  int           `validate:"min=0,max=59"`
	Weekday *time.Weekday `validate:"omitempty"`
}

func (Calendar) Kind() Kind  { return KindCalendar }
func (Calendar) isSchedule() {}

// Daily returns a calendar schedule firing every day.
func Daily(hour, minute int) Calendar { return Calendar{Hour: hour, Minute: minute} }

// Weekly returns a calendar schedule firing on one weekday.
func Weekly(day time.Weekday, hour, minute int) Calendar {
	return Calendar{Hour: hour, Minute: minute, Weekday: &day}
}

func (c Calendar) Summary() string {
	day := "Daily"
	if c.Weekday != nil {
		day = c.Weekday.String()[:3]
	}
	return fmt.Sprintf("%s %02d:%02d", day, c.Hour, c.Minute)
}

// Once has no recurrence and fires when the job is activated.
type Once struct{}

func (Once) Kind() Kind      { return KindOnce }
func (Once) isSchedule()     {}
func (Once) Summary() string { return "Run once" }

// scheduleJSON is the on-disk envelope. Only the fields of the active variant are set.
type scheduleJSON struct {
	Type    Kind      `json:"type"`
	Count   int       `json:"count,omitempty"`
	Unit    Unit      `json:"unit,omitempty"`
	Align   Alignment `json:"align,omitempty"`
	Hour    *int      `json:"hour,omitempty"`
	Minute  *int      `json:"minute,omitempty"`
	Weekday *int      `json:"weekday,omitempty"`
}

func encodeSchedule(s Schedule) (scheduleJSON, error) {
	switch v := s.(type) {
	case Interval:
		return scheduleJSON{Type: KindInterval, Count: v.Count, Unit: v.Unit, Align: v.Align}, nil
	case Calendar:
		h, m := v.Hour, v.Minute
		out := scheduleJSON{Type: KindCalendar, Hour: &h, Minute: &m}
		if v.Weekday != nil {
			wd := int(*v.Weekday)
			out.Weekday = &wd
		}
		return out, nil
	case Once:
		return scheduleJSON{Type: KindOnce}, nil
	case nil:
		return scheduleJSON{}, errors.New("schedule is not set")
	default:
		return scheduleJSON{}, errors.Newf("unknown schedule type %T", s)
	}
}

func (s scheduleJSON) decode() (Schedule, error) {
	switch s.Type {
	case KindInterval:
		align := s.Align
		if align == "" {
			align = FromLoad
		}
		return Interval{Count: s.Count, Unit: s.Unit, Align: align}, nil
	case KindCalendar:
		c := Calendar{}
		if s.Hour != nil {
			c.Hour = *s.Hour
		}
		if s.Minute != nil {
			c.Minute = *s.Minute
		}
		if s.Weekday != nil {
			wd := time.Weekday(*s.Weekday)
			c.Weekday = &wd
		}
		return c, nil
	case KindOnce:
		return Once{}, nil
	default:
		return nil, errors.Newf("unknown schedule type %q", s.Type)
	}
}
