package nextrun

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clockwork/internal/job"
)

func at(day, hour, min, sec int) time.Time {
	return time.Date(2024, time.January, day, hour, min, sec, 0, time.UTC)
}

func TestNext(t *testing.T) {
	t.Parallel()
	last := at(1, 10, 0, 0)
	tests := []struct {
		name    string
		sched   job.Schedule
		now     time.Time
		lastRun *time.Time
		want    time.Time
		ok      bool
	}{
		{
			name:    "from load adds one period",
			sched:   job.Interval{Count: 30, Unit: job.Minutes, Align: job.FromLoad},
			now:     at(1, 10, 5, 0),
			lastRun: &last,
			want:    at(1, 10, 30, 0),
			ok:      true,
		},
		{
			name:    "from load steps past missed fires",
			sched:   job.Interval{Count: 1, Unit: job.Hours, Align: job.FromLoad},
			now:     at(1, 13, 20, 0),
			lastRun: &last,
			want:    at(1, 14, 0, 0),
			ok:      true,
		},
		{
			name:    "from load exactly on a fire moves to the next",
			sched:   job.Interval{Count: 1, Unit: job.Hours, Align: job.FromLoad},
			now:     at(1, 11, 0, 0),
			lastRun: &last,
			want:    at(1, 12, 0, 0),
			ok:      true,
		},
		{
			name:  "from load without history",
			sched: job.Interval{Count: 1, Unit: job.Hours, Align: job.FromLoad},
			now:   at(1, 10, 0, 0),
		},
		{
			name:  "on the hour picks next anchor",
			sched: job.Interval{Count: 6, Unit: job.Hours, Align: job.OnTheHour},
			now:   at(1, 13, 30, 0),
			want:  at(1, 18, 0, 0),
			ok:    true,
		},
		{
			name:  "on the hour wraps to tomorrow",
			sched: job.Interval{Count: 6, Unit: job.Hours, Align: job.OnTheHour},
			now:   at(1, 19, 0, 0),
			want:  at(2, 0, 0, 0),
			ok:    true,
		},
		{
			name:  "on the hour at an anchor is strictly after",
			sched: job.Interval{Count: 6, Unit: job.Hours, Align: job.OnTheHour},
			now:   at(1, 12, 0, 0),
			want:  at(1, 18, 0, 0),
			ok:    true,
		},
		{
			name:    "on the hour ignored for minutes",
			sched:   job.Interval{Count: 15, Unit: job.Minutes, Align: job.OnTheHour},
			now:     at(1, 10, 1, 0),
			lastRun: &last,
			want:    at(1, 10, 15, 0),
			ok:      true,
		},
		{
			name:  "daily later today",
			sched: job.Daily(9, 0),
			now:   at(1, 8, 59, 0),
			want:  at(1, 9, 0, 0),
			ok:    true,
		},
		{
			name:  "daily just passed",
			sched: job.Daily(9, 0),
			now:   at(1, 9, 0, 1),
			want:  at(2, 9, 0, 0),
			ok:    true,
		},
		{
			name:  "weekly",
			sched: job.Weekly(time.Wednesday, 18, 30),
			now:   at(1, 12, 0, 0), // Monday
			want:  at(3, 18, 30, 0),
			ok:    true,
		},
		{
			name:  "weekly same day but passed",
			sched: job.Weekly(time.Monday, 9, 0),
			now:   at(1, 10, 0, 0),
			want:  at(8, 9, 0, 0),
			ok:    true,
		},
		{
			name:    "once",
			sched:   job.Once{},
			now:     at(1, 10, 0, 0),
			lastRun: &last,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Next(tt.sched, tt.now, tt.lastRun)
			require.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
			assert.True(t, got.After(tt.now))
		})
	}
}

func TestNextKeepsLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	now := time.Date(2024, time.January, 1, 8, 0, 0, 0, loc)
	got, ok := Next(job.Daily(9, 0), now, nil)
	require.True(t, ok)
	assert.Equal(t, 9, got.Hour())
	assert.Equal(t, loc, got.Location())
}

func TestNextFiresOnSpringForwardDay(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 2024-03-10 02:00-03:00 does not exist in New York.
	now := time.Date(2024, time.March, 9, 12, 0, 0, 0, ny)
	got, ok := Next(job.Weekly(time.Sunday, 2, 30), now, nil)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2024, time.March, 10, 3, 30, 0, 0, ny)), got.String())

	now = time.Date(2024, time.March, 10, 1, 0, 0, 0, ny)
	got, ok = Next(job.Interval{Count: 2, Unit: job.Hours, Align: job.OnTheHour}, now, nil)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2024, time.March, 10, 3, 0, 0, 0, ny)), got.String())

	// a normal week is unaffected
	now = time.Date(2024, time.March, 16, 12, 0, 0, 0, ny)
	got, ok = Next(job.Weekly(time.Sunday, 2, 30), now, nil)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2024, time.March, 17, 2, 30, 0, 0, ny)), got.String())
}

func TestForJobDisabled(t *testing.T) {
	t.Parallel()
	j := job.New("x")
	j.Schedule = job.Daily(9, 0)
	_, ok := ForJob(j, at(1, 0, 0, 0), nil)
	assert.True(t, ok)

	j.Enabled = false
	_, ok = ForJob(j, at(1, 0, 0, 0), nil)
	assert.False(t, ok)
}

func TestCountdown(t *testing.T) {
	t.Parallel()
	now := at(1, 10, 0, 0)
	assert.Equal(t, "in 1h 05m", Countdown(now.Add(65*time.Minute), now))
	assert.Equal(t, "in 3m 07s", Countdown(now.Add(3*time.Minute+7*time.Second), now))
	assert.Equal(t, "in 12s", Countdown(now.Add(12*time.Second), now))
	assert.Equal(t, "any moment...", Countdown(now, now))
	assert.Equal(t, "any moment...", Countdown(now.Add(-time.Minute), now))
}
