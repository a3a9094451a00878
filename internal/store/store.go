// Package store defines the durable event repository contract (§4.7): the
// transactional boundary the core depends on for insertion, deletion
// tombstoning, replaceable-kind supersession, and filter-driven historical
// retrieval. Grounded on the teacher's interfaces/store.I composition
// (store_interface.go), narrowed to the operations this specification
// actually names -- the teacher's Importer/Exporter/Rescanner/Accountant
// surface is not part of the admission pipeline or the wire protocol and
// is not carried over (see DESIGN.md).
package store

import (
	"context"
	"errors"

	"novarelay.dev/internal/event"
	"novarelay.dev/internal/filter"
)

// Outcome is the result of attempting to store an event.
type Outcome int

const (
	Stored Outcome = iota
	Duplicate
)

// ErrClosed is the error for operations attempted after Close. The postgres
// store does not return it; after Close its calls fail with the driver's
// own closed-pool error.
var ErrClosed = errors.New("store: closed")

// I is the transactional contract the admission pipeline and the REQ
// handler depend on. Every method must behave atomically with respect to
// concurrent callers (§4.7: "atomically per call").
type I interface {
	// Store inserts ev. Duplicate ids are a no-op returning Duplicate, not
	// an error. Replaceable/parameterized-replaceable supersession and
	// kind-5 deletion tombstoning happen within the same transaction as
	// the insert.
	Store(ctx context.Context, ev *event.E) (Outcome, error)

	// Query returns non-tombstoned events matching f, newest first,
	// truncated to min(f.Limit, maxLimit).
	Query(ctx context.Context, f *filter.F, maxLimit int) ([]*event.E, error)

	// DeleteAll wipes every row. Administrative; never exposed on the wire
	// (§4.7).
	DeleteAll(ctx context.Context) error

	// Close releases the store's resources (e.g. the connection pool).
	Close() error
}
