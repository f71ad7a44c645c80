package cli

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"clockwork/internal/job"
)

// jobFlags are shared by add and edit. Only flags the user set are applied.
type jobFlags struct {
	prompt, promptFile string
	dir                string
	model              string
	permission         string
	tools              string
	maxTurns           int
	output             string
	appendSystem       string

	every     string
	onTheHour bool
	at        string
	weekday   string
	once      bool
	disabled  bool
}

func (f *jobFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.prompt, "prompt", "p", "", "prompt text")
	fl.StringVar(&f.promptFile, "prompt-file", "", "read the prompt from a file")
	fl.StringVarP(&f.dir, "dir", "C", "", "working directory (default: current directory)")
	fl.StringVarP(&f.model, "model", "m", "", "model alias or id (opus, sonnet, haiku, ...)")
	fl.StringVar(&f.permission, "permission", "", "readonly, standard, full, yolo or custom")
	fl.StringVar(&f.tools, "tools", "", "allowed tools for --permission custom")
	fl.IntVar(&f.maxTurns, "max-turns", 0, "maximum agent turns")
	fl.StringVar(&f.output, "output", "", "agent output format: text or json")
	fl.StringVar(&f.appendSystem, "append-system-prompt", "", "text appended to the system prompt")
	fl.StringVar(&f.every, "every", "", "interval, e.g. 30m or 6h")
	fl.BoolVar(&f.onTheHour, "on-the-hour", false, "align an hourly interval to the clock (0, N, 2N, ... o'clock)")
	fl.StringVar(&f.at, "at", "", "calendar time HH:MM")
	fl.StringVar(&f.weekday, "weekday", "", "weekday for --at (sun..sat); daily when omitted")
	fl.BoolVar(&f.once, "once", false, "run once when loaded")
	fl.BoolVar(&f.disabled, "disabled", false, "save without installing")
	cmd.MarkFlagsMutuallyExclusive("prompt", "prompt-file")
	cmd.MarkFlagsMutuallyExclusive("every", "at", "once")
}

// apply copies every changed flag onto j.
func (f *jobFlags) apply(cmd *cobra.Command, j *job.Job) error {
	changed := cmd.Flags().Changed
	if changed("prompt") {
		j.Prompt = f.prompt
	}
	if changed("prompt-file") {
		b, err := os.ReadFile(f.promptFile)
		if err != nil {
			return errors.Wrap(err, "read prompt file")
		}
		j.Prompt = strings.TrimRight(string(b), "\n")
	}
	if changed("dir") {
		dir, err := absPath(f.dir)
		if err != nil {
			return err
		}
		j.Directory = dir
	}
	if changed("model") {
		j.Profile.Model = strings.TrimSpace(f.model)
	}
	if changed("permission") {
		j.Profile.Permission = job.Permission(strings.ToLower(f.permission))
	}
	if changed("tools") {
		j.Profile.CustomTools = f.tools
	}
	if changed("max-turns") {
		j.Profile.MaxTurns = f.maxTurns
	}
	if changed("output") {
		j.Profile.OutputFormat = job.OutputFormat(strings.ToLower(f.output))
	}
	if changed("append-system-prompt") {
		j.Profile.AppendSystemPrompt = f.appendSystem
	}
	if changed("disabled") {
		j.Enabled = !f.disabled
	}

	s, ok, err := f.schedule(cmd)
	if err != nil {
		return err
	}
	if ok {
		j.Schedule = s
	}
	return nil
}

func (f *jobFlags) schedule(cmd *cobra.Command) (job.Schedule, bool, error) {
	changed := cmd.Flags().Changed
	switch {
	case changed("once") && f.once:
		return job.Once{}, true, nil
	case changed("every"):
		iv, err := parseEvery(f.every)
		if err != nil {
			return nil, false, err
		}
		if f.onTheHour {
			iv.Align = job.OnTheHour
		}
		return iv, true, nil
	case changed("at"):
		c, err := parseAt(f.at, f.weekday)
		return c, err == nil, err
	case changed("on-the-hour") || changed("weekday"):
		return nil, false, errors.WithHint(errors.New("--on-the-hour needs --every and --weekday needs --at"),
			"pass the full schedule, e.g. --every 6h --on-the-hour or --at 09:00 --weekday mon")
	}
	return nil, false, nil
}

// parseEvery accepts Go durations that are whole minutes or whole hours.
func parseEvery(s string) (job.Interval, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return job.Interval{}, errors.WithHint(errors.Newf("invalid --every %q", s), "use a duration such as 15m, 2h or 24h")
	}
	switch {
	case d%time.Hour == 0:
		return job.Interval{Count: int(d / time.Hour), Unit: job.Hours, Align: job.FromLoad}, nil
	case d%time.Minute == 0:
		return job.Interval{Count: int(d / time.Minute), Unit: job.Minutes, Align: job.FromLoad}, nil
	default:
		return job.Interval{}, errors.Newf("--every %q must be whole minutes", s)
	}
}

func parseAt(at, weekday string) (job.Calendar, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(at), ":")
	h, herr := strconv.Atoi(hh)
	m, merr := strconv.Atoi(mm)
	if !ok || herr != nil || merr != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return job.Calendar{}, errors.WithHint(errors.Newf("invalid --at %q", at), "use 24h HH:MM, e.g. 09:00")
	}
	if strings.TrimSpace(weekday) == "" {
		return job.Daily(h, m), nil
	}
	wd, err := parseWeekday(weekday)
	if err != nil {
		return job.Calendar{}, err
	}
	return job.Weekly(wd, h, m), nil
}

func parseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(key); err == nil && n >= 0 && n <= 6 {
		return time.Weekday(n), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if key == name || (len(key) >= 3 && strings.HasPrefix(name, key)) {
			return d, nil
		}
	}
	return 0, errors.WithHint(errors.Newf("invalid --weekday %q", s), "use sun, mon, tue, wed, thu, fri, sat or 0-6")
}
