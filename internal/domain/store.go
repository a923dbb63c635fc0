package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	Event  string // audit event name; empty matches all
}

// OrderReader exposes order lookups to the admin surface.
type OrderReader interface {
	GetByID(ctx context.Context, id string) (Order, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Source is a marketplace an order originated from.
type Source struct {
	ID     int
	Domain string
}

// SourceStore persists the source registry.
type SourceStore interface {
	GetOrCreate(ctx context.Context, domain string) (Source, error)
	List(ctx context.Context) ([]Source, error)
}

// SyncCursor is the last block fully processed by the log syncer.
type SyncCursor struct {
	Name      string
	Block     uint64
	UpdatedAt time.Time
}

// SyncStateStore persists log syncer progress.
type SyncStateStore interface {
	GetCursor(ctx context.Context, name string) (SyncCursor, error)
	SetCursor(ctx context.Context, name string, block uint64) error
}

// FillStore persists decoded sales.
type FillStore interface {
	InsertFill(ctx context.Context, fill FillEvent) (bool, error)
	ListByOrder(ctx context.Context, orderID string) ([]FillEvent, error)
}
