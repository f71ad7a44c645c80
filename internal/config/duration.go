package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// durations parses the duration fields of one Resolve pass and keeps the
// first error, so callers check once at the end.
type durations struct{ err error }

// or parses raw; empty or zero yields def. Negative values are rejected.
func (d *durations) or(field, raw string, def time.Duration) time.Duration {
	s := strings.TrimSpace(raw)
	if d.err != nil || s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	switch {
	case err != nil:
		d.err = errors.WithHint(errors.Wrapf(err, "%s: invalid duration %q", field, raw),
			`use Go duration syntax such as "500ms", "5s" or "2m"`)
	case v < 0:
		d.err = errors.Newf("%s: duration must not be negative", field)
	case v > 0:
		return v
	}
	return def
}
