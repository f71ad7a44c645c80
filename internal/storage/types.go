package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one action taken against the OS scheduler or history.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"`
	Job    string    `json:"job,omitempty"`
	Label  string    `json:"label,omitempty"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"took_ms,omitempty"`
	Source string    `json:"source,omitempty"`
}

// Query narrows RecentAudit. Zero values match everything.
type Query struct {
	Job   string
	Limit int
}

func (q Query) match(e AuditEntry) bool {
	return q.Job == "" || e.Job == q.Job
}
