package store

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("store disabled")

// Config configures the durable store.
//
// Driver values:
//   - "file": dependency-free backend (blob file + jsonl audit)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled and Open returns
// (nil, nil); callers must treat a nil Store as "no persistence".
type Config struct {
	Driver string
	Path   string

	// Session keys the credential material so multiple relay instances can
	// share a storage root. Defaults to "default".
	Session string

	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one per-recipient dispatch outcome. Keep it compact and
// schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	AlertID   string    `json:"alert_id"`
	Recipient string    `json:"recipient"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	TookMS    int64     `json:"took_ms"`
}

// Store is the minimal persistence API used by the relay core.
//
// The credential blob is opaque transport material: stored, loaded, and
// deleted, never parsed.
type Store interface {
	PutCredential(ctx context.Context, blob []byte) error
	GetCredential(ctx context.Context) ([]byte, bool, error)
	DeleteCredential(ctx context.Context) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	PruneAudit(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}
