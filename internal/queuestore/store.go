// Package queuestore is the durable FIFO of mutating requests awaiting
// replay. It is deliberately separate from the response cache so that cache
// garbage collection can never drop a pending mutation.
package queuestore

import (
	"context"
	"net/http"
	"time"
)

// Record is a serialized mutating request. Records are immutable once
// appended; ID is assigned by the store and strictly increases.
type Record struct {
	ID         int64
	URL        string
	Method     string
	Header     http.Header
	Body       []byte
	EnqueuedAt time.Time
}

// Store is implemented by SQLite and Memory. Safe for concurrent use.
type Store interface {
	// Append persists rec (its ID is ignored) and returns the assigned ID.
	Append(ctx context.Context, rec Record) (int64, error)
	// List returns every record in FIFO order.
	List(ctx context.Context) ([]Record, error)
	// Delete removes a record. Deleting a missing ID is not an error.
	Delete(ctx context.Context, id int64) error
	Len(ctx context.Context) (int, error)
}
