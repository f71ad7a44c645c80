package app

import (
	"context"
	"time"

	"clockwork/internal/eventbus"
	"clockwork/internal/storage"
	logx "clockwork/pkg/logx"
)

const auditTimeout = 2 * time.Second

// auditBus forwards events and appends the ones that change state to the audit
// store before Publish returns, so one-shot CLI commands are recorded too.
type auditBus struct {
	eventbus.Bus
	store  storage.Store
	source string
	log    logx.Logger
}

func auditable(t eventbus.Type) bool {
	switch t {
	case eventbus.StatusChanged, eventbus.HistoryChanged, eventbus.OutputChanged:
		return false
	}
	return true
}

func (b *auditBus) Publish(e eventbus.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.Bus.Publish(e)
	if b.store == nil || !auditable(e.Type) {
		return
	}
	entry := storage.AuditEntry{
		At:     e.Time.UTC(),
		Action: string(e.Type),
		Job:    e.Job,
		Label:  e.Label,
		OK:     e.OK(),
		Source: b.source,
	}
	if e.Err != nil {
		entry.Error = e.Err.Error()
	}
	b.append(entry)
}

func (b *auditBus) append(e storage.AuditEntry) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := b.store.AppendAudit(ctx, e); err != nil {
		b.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}
