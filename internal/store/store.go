// Package store holds the process state of the payment flows: the pay-as-you-go
// usage ledger and the stream table. The flows depend only on the interfaces so a
// durable backend can replace the in-memory one.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/tokenflow/internal/domain"
)

var ErrNotFound = errors.New("not found")

// UsageStore is an append-only usage ledger keyed by service.
type UsageStore interface {
	Append(ctx context.Context, rec domain.UsageRecord) error
	// List returns the records of serviceID with Timestamp >= from, oldest first.
	// A zero from returns every record.
	List(ctx context.Context, serviceID string, from time.Time) ([]domain.UsageRecord, error)
	// Remove deletes the given records and reports how many were removed.
	Remove(ctx context.Context, serviceID string, ids []string) (int, error)
	DeleteAll(ctx context.Context) error
}

// StreamStore keeps stream state by id. Get returns ErrNotFound for unknown ids.
type StreamStore interface {
	Get(ctx context.Context, id string) (*domain.StreamState, error)
	Put(ctx context.Context, s *domain.StreamState) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.StreamState, error)
}
