/*
events.go - Change notification and audit boundary

PURPOSE:
  Every successful mutating ledger operation hands off an immutable event
  record to two collaborators:
    - an AuditRecorder (durable, queryable history), and
    - a SyncNotifier (live change feed other observers subscribe to, e.g. a
      second terminal's balance view).

DELIVERY CONTRACT:
  Notification is best-effort and decoupled from the ledger write. A failing
  or unreachable collaborator is logged as a degraded warning; it never
  rolls back a transaction that is already durably recorded.

SEE ALSO:
  - notify/hub.go: in-process SyncNotifier implementation
  - store/sqlite: durable AuditRecorder implementation
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// EVENTS
// =============================================================================

type EventKind string

const (
	EventRegisterCreated    EventKind = "register_created"
	EventRegisterOpened     EventKind = "register_opened"
	EventRegisterClosed     EventKind = "register_closed"
	EventRegisterReconciled EventKind = "register_reconciled"
	EventRegisterDeleted    EventKind = "register_deleted"
	EventTransactionApplied EventKind = "transaction_applied"
)

// Event is the immutable record handed to collaborators after a successful
// mutating operation.
type Event struct {
	ID         string
	Kind       EventKind
	RegisterID RegisterID
	ActorID    string
	Timestamp  time.Time
	Payload    map[string]any
}

// =============================================================================
// CONSUMED INTERFACES
// =============================================================================

// SyncNotifier fans an event out to live observers. Implementations must not
// block the caller; slow subscribers see dropped events, not a stuck ledger.
type SyncNotifier interface {
	Publish(e Event)
}

// AuditRecorder is a write-only sink for the durable audit trail.
type AuditRecorder interface {
	Record(ctx context.Context, e Event) error
}

// AuditLog extends the sink with querying, for audit review surfaces.
type AuditLog interface {
	AuditRecorder
	QueryAudit(ctx context.Context, filter AuditFilter) ([]Event, error)
}

type AuditFilter struct {
	RegisterID *RegisterID
	ActorID    *string
	Kinds      []EventKind
	From       *time.Time
	To         *time.Time
	Limit      int
}

// =============================================================================
// NO-OP IMPLEMENTATIONS - for embedders that don't wire collaborators
// =============================================================================

type NopNotifier struct{}

func (NopNotifier) Publish(Event) {}

type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Event) error { return nil }
