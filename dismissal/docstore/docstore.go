// Package docstore is a small transactional document-store interface with
// Firestore and Badger backends.
//
// Documents live in flat collections and are addressed by (collection, id).
// Values are Go structs carrying matching `firestore` and `json` tags.
package docstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")

	// ErrConflict is returned when a read-write transaction could not be
	// committed within the backend's retry budget.
	ErrConflict = errors.New("transaction conflict")
)

// Filter is a constraint on a document field.  Path uses dots to reach into
// nested maps, e.g. "transportation.carNumber".
type Filter struct {
	Path  string
	Op    string
	Value any
}

// Filter operators, spelled as Firestore spells them.
const (
	OpEq = "=="
	OpLt = "<"
)

// Eq builds an equality Filter.
func Eq(path string, value any) Filter {
	return Filter{Path: path, Op: OpEq, Value: value}
}

// Lt matches documents whose field is less than value.  Numbers, strings and
// times are ordered.
func Lt(path string, value any) Filter {
	return Filter{Path: path, Op: OpLt, Value: value}
}

// Snapshot is a document returned from a query.
type Snapshot interface {
	ID() string
	DataTo(dst any) error
}

// Txn is the view of the store inside a transaction.
//
// Firestore requires every read in a transaction to happen before the first
// write, so callers must do all Get and Query calls up front.
type Txn interface {
	// Get loads the document into dst, returning ErrNotFound if it doesn't
	// exist.
	Get(collection, id string, dst any) error

	// Query returns every document in collection matching all filters.
	Query(collection string, filters ...Filter) ([]Snapshot, error)

	// Create writes a new document, failing with ErrAlreadyExists if one is
	// already present.
	Create(collection, id string, src any) error

	// Set creates or overwrites a document.
	Set(collection, id string, src any) error

	// Delete removes a document.  Deleting a missing document is not an
	// error.
	Delete(collection, id string) error
}

// TxnFunc is the body of a transaction.  It may run more than once, so it
// must not have side effects outside the Txn beyond resetting captured
// results.
type TxnFunc func(ctx context.Context, txn Txn) error

type Store interface {
	// RunTransaction runs fn in a serializable read-write transaction,
	// retrying on contention.
	RunTransaction(ctx context.Context, fn TxnFunc) error

	// View runs fn in a read-only transaction.  Writes fail.
	View(ctx context.Context, fn TxnFunc) error

	// NewID returns a fresh document ID for the collection.
	NewID(collection string) string

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Get is a convenience wrapper running a single read in a View.
func Get(ctx context.Context, s Store, collection, id string, dst any) error {
	return s.View(ctx, func(ctx context.Context, txn Txn) error {
		return txn.Get(collection, id, dst)
	})
}

// QueryAll decodes every document matching filters into a fresh T.
func QueryAll[T any](txn Txn, collection string, filters ...Filter) ([]*T, error) {
	snaps, err := txn.Query(collection, filters...)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(snaps))
	for _, snap := range snaps {
		v := new(T)
		if err := snap.DataTo(v); err != nil {
			return nil, fmt.Errorf("while decoding %s/%s: %w", collection, snap.ID(), err)
		}
		out = append(out, v)
	}
	return out, nil
}
