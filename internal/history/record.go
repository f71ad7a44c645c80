package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// StemLayout is the timestamp format the job script uses to name run files.
const StemLayout = "2006-01-02_15-04-05"

const (
	logSuffix      = ".log"
	errLogSuffix   = ".err.log"
	exitCodeSuffix = ".exitcode"
)

// RunRecord is one past run, rebuilt from the files sharing its stem.
type RunRecord struct {
	JobName     string
	Stem        string
	Timestamp   time.Time
	Output      string
	ErrorOutput *string
	ExitCode    *int
	// Duration is the exit marker's mtime minus Timestamp, kept only when positive.
	Duration *time.Duration
	Archived bool
}

func (r RunRecord) ID() string { return r.JobName + "_" + r.Stem }

// Succeeded is true only when an exit code was recorded and it is zero.
func (r RunRecord) Succeeded() bool { return r.ExitCode != nil && *r.ExitCode == 0 }

// Failed is true when an exit code was recorded and it is not zero.
func (r RunRecord) Failed() bool { return r.ExitCode != nil && *r.ExitCode != 0 }

func (r RunRecord) DisplayTimestamp() string { return r.Timestamp.Format("2006-01-02 15:04:05") }

// DisplayDuration renders "5s", "2m 3s", "2m", "1h 4m" or "1h"; "-" without a duration.
func (r RunRecord) DisplayDuration() string {
	if r.Duration == nil {
		return "-"
	}
	secs := int(r.Duration.Seconds())
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		m, s := secs/60, secs%60
		if s > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%dm", m)
	default:
		h, m := secs/3600, (secs%3600)/60
		if m > 0 {
			return fmt.Sprintf("%dh %dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
}

// Preview is the first line of the trimmed output, at most 80 runes.
func (r RunRecord) Preview() string {
	out := strings.TrimSpace(r.Output)
	if out == "" {
		return "No output"
	}
	line, _, _ := strings.Cut(out, "\n")
	if rs := []rune(line); len(rs) > 80 {
		return string(rs[:80])
	}
	return line
}

// Reconstruct lists dir and rebuilds the records of job, newest first.
// Files whose names do not parse as a run stem are skipped; a missing or
// unreadable dir yields nil.
func Reconstruct(dir, jobName string) []RunRecord {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []RunRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, logSuffix) || strings.HasSuffix(name, errLogSuffix) {
			continue
		}
		stem := strings.TrimSuffix(name, logSuffix)
		ts, err := time.ParseInLocation(StemLayout, stem, time.Local)
		if err != nil {
			continue
		}
		out = append(out, readRecord(dir, jobName, stem, ts))
	}
	sortNewestFirst(out)
	return out
}

func readRecord(dir, jobName, stem string, ts time.Time) RunRecord {
	rec := RunRecord{JobName: jobName, Stem: stem, Timestamp: ts}
	if b, err := os.ReadFile(filepath.Join(dir, stem+logSuffix)); err == nil {
		rec.Output = string(b)
	}
	if b, err := os.ReadFile(filepath.Join(dir, stem+errLogSuffix)); err == nil {
		s := string(b)
		rec.ErrorOutput = &s
	}
	marker := filepath.Join(dir, stem+exitCodeSuffix)
	if b, err := os.ReadFile(marker); err == nil {
		if code, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil {
			rec.ExitCode = &code
		}
	}
	if fi, err := os.Stat(marker); err == nil {
		if d := fi.ModTime().Sub(ts); d > 0 {
			rec.Duration = &d
		}
	}
	return rec
}

// sortNewestFirst orders by timestamp, then job name for runs sharing a second.
func sortNewestFirst(recs []RunRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].Timestamp.After(recs[j].Timestamp)
		}
		return recs[i].JobName < recs[j].JobName
	})
}
