package storage

import (
	"context"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"

	logx "clockwork/pkg/logx"
)

// Store persists audit entries.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns matching entries, newest first.
	RecentAudit(ctx context.Context, q Query) ([]AuditEntry, error)
	Close() error
}

type opener func(Config, logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Drivers lists the accepted driver names, "none" excluded.
func Drivers() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open returns the store selected by cfg.Driver, or (nil, nil) when storage
// is off.
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, errors.WithHint(errors.Newf("unknown storage driver %q", cfg.Driver),
			"use one of: none, "+strings.Join(Drivers(), ", "))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.With(logx.String("driver", name)))
}
