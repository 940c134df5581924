package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bdb "github.com/dgraph-io/badger/v4"

	"github.com/loykin/mender/internal/store"
)

// DB implements store.Store on an embedded Badger key-value database.
// Path is a directory; ":memory:" keeps everything in memory.
//
// Keys:
//
//	stack\x00<project>                 -> stackRecord JSON
//	msg\x00<project>\x00<id uint64 BE> -> store.Message JSON
type DB struct {
	db  *bdb.DB
	seq *bdb.Sequence
}

var (
	stackPrefix = []byte("stack\x00")
	msgPrefix   = []byte("msg\x00")
	msgSeqKey   = []byte("seq\x00messages")
)

const defaultMessageLimit = 200

type stackRecord struct {
	Stack     json.RawMessage `json:"stack"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty badger path")
	}
	opts := bdb.DefaultOptions(p).WithLogger(nil)
	if p == ":memory:" {
		opts = bdb.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	d, err := bdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", p, err)
	}
	seq, err := d.GetSequence(msgSeqKey, 64)
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	return &DB{db: d, seq: seq}, nil
}

// EnsureSchema is a no-op; Badger needs no schema.
func (s *DB) EnsureSchema(context.Context) error { return nil }

func (s *DB) Close() error {
	return errors.Join(s.seq.Release(), s.db.Close())
}

func stackKey(project string) []byte {
	return append(append([]byte(nil), stackPrefix...), project...)
}

func messagePrefix(project string) []byte {
	k := append(append([]byte(nil), msgPrefix...), project...)
	return append(k, 0)
}

func messageKey(project string, id uint64) []byte {
	return binary.BigEndian.AppendUint64(messagePrefix(project), id)
}

func (s *DB) LoadStack(_ context.Context, project string) (store.Row, error) {
	var rec stackRecord
	err := s.db.View(func(txn *bdb.Txn) error {
		item, err := txn.Get(stackKey(project))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) })
	})
	if errors.Is(err, bdb.ErrKeyNotFound) {
		return store.Row{}, store.ErrNotFound
	}
	if err != nil {
		return store.Row{}, err
	}
	return store.Row{Project: project, StackJSON: []byte(rec.Stack), UpdatedAt: rec.UpdatedAt}, nil
}

func (s *DB) SaveStack(_ context.Context, project string, stack []byte) error {
	if !json.Valid(stack) {
		return errors.New("badger: stack is not valid JSON")
	}
	b, err := json.Marshal(stackRecord{Stack: stack, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *bdb.Txn) error { return txn.Set(stackKey(project), b) })
}

func (s *DB) DeleteStack(_ context.Context, project string) error {
	return s.db.Update(func(txn *bdb.Txn) error { return txn.Delete(stackKey(project)) })
}

func (s *DB) Projects(context.Context) ([]string, error) {
	out := make([]string, 0)
	err := s.db.View(func(txn *bdb.Txn) error {
		opts := bdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = stackPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(stackPrefix); it.ValidForPrefix(stackPrefix); it.Next() {
			out = append(out, string(it.Item().Key()[len(stackPrefix):]))
		}
		return nil
	})
	return out, err
}

func (s *DB) AppendMessage(_ context.Context, msg store.Message) (store.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	n, err := s.seq.Next()
	if err != nil {
		return store.Message{}, err
	}
	// Sequences start at zero; ids start at one like the SQL stores.
	msg.ID = int64(n) + 1
	b, err := json.Marshal(msg)
	if err != nil {
		return store.Message{}, err
	}
	if err := s.db.Update(func(txn *bdb.Txn) error {
		return txn.Set(messageKey(msg.Project, uint64(msg.ID)), b)
	}); err != nil {
		return store.Message{}, err
	}
	return msg, nil
}

// Messages returns the newest limit messages in insertion order.
func (s *DB) Messages(_ context.Context, project string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	prefix := messagePrefix(project)
	out := make([]store.Message, 0)
	err := s.db.View(func(txn *bdb.Txn) error {
		opts := bdb.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		seek := append(append([]byte(nil), prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var m store.Message
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
