package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// BadgerStore keeps documents as JSON values in an embedded Badger database,
// keyed by "<collection>/<id>".
//
// Badger's optimistic transactions give the same guarantee the Firestore
// backend relies on: a read-write transaction that read a key which another
// transaction committed in the meantime fails with badger.ErrConflict, and is
// retried from scratch.
type BadgerStore struct {
	db          *badger.DB
	maxAttempts int
}

type BadgerOpt func(*BadgerStore)

// WithMaxAttempts bounds how many times a conflicting transaction is retried.
func WithMaxAttempts(n int) BadgerOpt {
	return func(s *BadgerStore) {
		s.maxAttempts = n
	}
}

// OpenBadger opens (creating if needed) a Badger database in dataDir.
func OpenBadger(dataDir string, opts ...BadgerOpt) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dataDir))
	if err != nil {
		return nil, xerrors.Errorf("while opening badger kv dir %q: %w", dataDir, err)
	}

	s := &BadgerStore{
		db:          db,
		maxAttempts: 64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return xerrors.Errorf("while closing database: %w", err)
	}
	return nil
}

func (s *BadgerStore) NewID(collection string) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	return s.db.View(func(txn *badger.Txn) error { return nil })
}

func (s *BadgerStore) RunTransaction(ctx context.Context, fn TxnFunc) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.db.Update(func(txn *badger.Txn) error {
			return fn(ctx, &badgerTxn{txn: txn})
		})
		if xerrors.Is(err, badger.ErrConflict) {
			if attempt >= s.maxAttempts {
				return xerrors.Errorf("after %d attempts: %w", attempt, ErrConflict)
			}
			slog.DebugContext(ctx, "Transaction conflict, retrying", slog.Int("attempt", attempt))
			continue
		}
		return err
	}
}

func (s *BadgerStore) View(ctx context.Context, fn TxnFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(ctx, &badgerTxn{txn: txn})
	})
}

func documentKey(collection, id string) []byte {
	return []byte(collection + "/" + id)
}

func collectionPrefix(collection string) []byte {
	return []byte(collection + "/")
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) Get(collection, id string, dst any) error {
	item, err := t.txn.Get(documentKey(collection, id))
	if xerrors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return xerrors.Errorf("while reading %s/%s: %w", collection, id, err)
	}

	data, err := item.ValueCopy(nil)
	if err != nil {
		return xerrors.Errorf("while copying value of %s/%s: %w", collection, id, err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return xerrors.Errorf("while unmarshaling %s/%s: %w", collection, id, err)
	}
	return nil
}

func (t *badgerTxn) Query(collection string, filters ...Filter) ([]Snapshot, error) {
	wants := make([]any, len(filters))
	for i, f := range filters {
		if f.Op != OpEq && f.Op != OpLt {
			return nil, xerrors.Errorf("unsupported operator %q in filter on %q", f.Op, f.Path)
		}
		w, err := normalize(f.Value)
		if err != nil {
			return nil, xerrors.Errorf("while normalizing filter on %q: %w", f.Path, err)
		}
		wants[i] = w
	}

	prefix := collectionPrefix(collection)
	it := t.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []Snapshot
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()

		data, err := item.ValueCopy(nil)
		if err != nil {
			return nil, xerrors.Errorf("while copying value of %q: %w", item.Key(), err)
		}

		doc := map[string]any{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, xerrors.Errorf("while unmarshaling %q: %w", item.Key(), err)
		}

		matched := true
		for i, f := range filters {
			got, ok := lookupPath(doc, f.Path)
			if !ok || !matches(f.Op, got, wants[i]) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}

		out = append(out, &badgerSnapshot{
			id:   string(bytes.TrimPrefix(item.KeyCopy(nil), prefix)),
			data: data,
		})
	}

	return out, nil
}

func (t *badgerTxn) Create(collection, id string, src any) error {
	key := documentKey(collection, id)
	_, err := t.txn.Get(key)
	if err == nil {
		return ErrAlreadyExists
	}
	if !xerrors.Is(err, badger.ErrKeyNotFound) {
		return xerrors.Errorf("while checking for existing %s/%s: %w", collection, id, err)
	}
	return t.Set(collection, id, src)
}

func (t *badgerTxn) Set(collection, id string, src any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return xerrors.Errorf("while marshaling %s/%s: %w", collection, id, err)
	}
	if err := t.txn.Set(documentKey(collection, id), data); err != nil {
		return xerrors.Errorf("while writing %s/%s: %w", collection, id, err)
	}
	return nil
}

func (t *badgerTxn) Delete(collection, id string) error {
	if err := t.txn.Delete(documentKey(collection, id)); err != nil {
		return xerrors.Errorf("while deleting %s/%s: %w", collection, id, err)
	}
	return nil
}

type badgerSnapshot struct {
	id   string
	data []byte
}

func (s *badgerSnapshot) ID() string {
	return s.id
}

func (s *badgerSnapshot) DataTo(dst any) error {
	return json.Unmarshal(s.data, dst)
}

// normalize round-trips v through JSON so it compares equal to the same value
// decoded from a stored document.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func matches(op string, got, want any) bool {
	if op == OpLt {
		return less(got, want)
	}
	return reflect.DeepEqual(got, want)
}

// less orders decoded JSON values.  Times arrive as RFC 3339 strings, which
// don't sort lexically when fractional seconds vary, so they are parsed.
func less(got, want any) bool {
	switch g := got.(type) {
	case float64:
		w, ok := want.(float64)
		return ok && g < w
	case string:
		w, ok := want.(string)
		if !ok {
			return false
		}
		gt, gerr := time.Parse(time.RFC3339Nano, g)
		wt, werr := time.Parse(time.RFC3339Nano, w)
		if gerr == nil && werr == nil {
			return gt.Before(wt)
		}
		return g < w
	}
	return false
}

func lookupPath(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
