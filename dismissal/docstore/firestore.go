package docstore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const tracerName = "carline/dismissal/docstore"

// FirestoreStore is the production backend.
type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client: client,
	}
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) NewID(collection string) string {
	return s.client.Collection(collection).NewDoc().ID
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	// Any cheap round trip will do.  A missing document is still a
	// successful read.
	_, err := s.client.Collection("Health").Doc("ping").Get(ctx)
	if err != nil && status.Code(err) != grpccodes.NotFound {
		return fmt.Errorf("while pinging firestore: %w", err)
	}
	return nil
}

func (s *FirestoreStore) RunTransaction(ctx context.Context, fn TxnFunc) error {
	return s.runTransaction(ctx, "FirestoreStore.RunTransaction", fn)
}

func (s *FirestoreStore) View(ctx context.Context, fn TxnFunc) error {
	return s.runTransaction(ctx, "FirestoreStore.View", fn, firestore.ReadOnly)
}

func (s *FirestoreStore) runTransaction(ctx context.Context, spanName string, fn TxnFunc, opts ...firestore.TransactionOption) error {
	tracer := otel.Tracer(tracerName)
	var span trace.Span
	ctx, span = tracer.Start(ctx, spanName)
	defer span.End()

	attempts := 0
	err := s.client.RunTransaction(ctx, func(ctx context.Context, txn *firestore.Transaction) error {
		attempts++
		return fn(ctx, &firestoreTxn{client: s.client, txn: txn})
	}, opts...)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		err = mapFirestoreError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// mapFirestoreError translates gRPC status codes into this package's
// sentinels, keeping the original error in the chain.
func mapFirestoreError(err error) error {
	switch status.Code(err) {
	case grpccodes.NotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case grpccodes.AlreadyExists:
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case grpccodes.Aborted:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

type firestoreTxn struct {
	client *firestore.Client
	txn    *firestore.Transaction
}

func (t *firestoreTxn) Get(collection, id string, dst any) error {
	snap, err := t.txn.Get(t.client.Collection(collection).Doc(id))
	if status.Code(err) == grpccodes.NotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("while reading %s/%s: %w", collection, id, err)
	}
	if err := snap.DataTo(dst); err != nil {
		return fmt.Errorf("while unmarshaling %s/%s: %w", collection, id, err)
	}
	return nil
}

func (t *firestoreTxn) Query(collection string, filters ...Filter) ([]Snapshot, error) {
	q := t.client.Collection(collection).Query
	for _, f := range filters {
		q = q.Where(f.Path, f.Op, f.Value)
	}

	snaps, err := t.txn.Documents(q).GetAll()
	if err != nil {
		return nil, fmt.Errorf("while querying %s: %w", collection, err)
	}

	out := make([]Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, firestoreSnapshot{snap: snap})
	}
	return out, nil
}

func (t *firestoreTxn) Create(collection, id string, src any) error {
	if err := t.txn.Create(t.client.Collection(collection).Doc(id), src); err != nil {
		return fmt.Errorf("while creating %s/%s: %w", collection, id, err)
	}
	return nil
}

func (t *firestoreTxn) Set(collection, id string, src any) error {
	if err := t.txn.Set(t.client.Collection(collection).Doc(id), src); err != nil {
		return fmt.Errorf("while writing %s/%s: %w", collection, id, err)
	}
	return nil
}

func (t *firestoreTxn) Delete(collection, id string) error {
	if err := t.txn.Delete(t.client.Collection(collection).Doc(id)); err != nil {
		return fmt.Errorf("while deleting %s/%s: %w", collection, id, err)
	}
	return nil
}

type firestoreSnapshot struct {
	snap *firestore.DocumentSnapshot
}

func (s firestoreSnapshot) ID() string {
	return s.snap.Ref.ID
}

func (s firestoreSnapshot) DataTo(dst any) error {
	return s.snap.DataTo(dst)
}
