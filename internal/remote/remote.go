// Package remote defines the contract between the synchronization layer and
// the relational data service that owns the source of truth.
package remote

import (
	"context"
	"time"
)

// Standard row fields every backend populates.
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
)

// Row is a flat mapping from column name to a scalar value (string, number,
// bool, nil or an ISO-8601 date/time string).
type Row map[string]any

// ID returns the row's opaque identifier, or "" if it has none.
func (r Row) ID() string {
	id, _ := r[FieldID].(string)
	return id
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Filter is a set of equality constraints combined with AND.
type Filter map[string]any

// Matches reports whether row satisfies every constraint in f.
func (f Filter) Matches(row Row) bool {
	for k, want := range f {
		got, ok := row[k]
		if !ok || !ScalarEqual(got, want) {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy of the filter.
func (f Filter) Clone() Filter {
	if f == nil {
		return nil
	}
	out := make(Filter, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Order describes the sort applied to a query.
type Order struct {
	Field     string
	Ascending bool
}

// NewestFirst orders rows by creation time, most recent first.
var NewestFirst = Order{Field: FieldCreatedAt, Ascending: false}

// Query selects rows from a table.
type Query struct {
	Table  string
	Filter Filter
	Order  Order
	// Columns restricts the returned fields. Empty selects every column;
	// id and created_at are always included.
	Columns []string
}

// EventKind is the kind of change a notification describes.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
	// EventAny is used by backends that only know that something changed.
	EventAny EventKind = "*"
)

// Valid reports whether k is one of the known kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventInsert, EventUpdate, EventDelete, EventAny:
		return true
	}
	return false
}

// Event is a typed change notification for one table.
type Event struct {
	Kind  EventKind `json:"kind"`
	Table string    `json:"table"`
	At    time.Time `json:"at,omitempty"`
}

// Subscription is a live change-event channel bound to one table.
type Subscription interface {
	// Unsubscribe closes the channel. It is safe to call more than once.
	Unsubscribe() error
	// Done is closed once the subscription is unsubscribed or dropped.
	Done() <-chan struct{}
	// Err is nil after a caller-initiated Unsubscribe and wraps
	// ErrSubscriptionDropped when the channel was lost.
	Err() error
}

// Service is the table-oriented data service consumed by the stores.
type Service interface {
	// Query returns the rows matching q in q.Order.
	Query(ctx context.Context, q Query) ([]Row, error)
	// Insert stores row and returns it with server-assigned id and created_at.
	Insert(ctx context.Context, table string, row Row) (Row, error)
	// Update merges patch into the row with the given id. It fails with
	// ErrNotFound if no such row exists.
	Update(ctx context.Context, table, id string, patch Row) (Row, error)
	// Delete removes the row with the given id. It fails with ErrNotFound if
	// no such row exists.
	Delete(ctx context.Context, table, id string) error
	// Count returns the number of rows matching filter.
	Count(ctx context.Context, table string, filter Filter) (int, error)
	// Subscribe registers fn for every change to table.
	Subscribe(ctx context.Context, table string, fn func(Event)) (Subscription, error)
	// Close releases any resources held by the service.
	Close() error
}
