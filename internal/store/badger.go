package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/whisper/groupchat/internal/chat"
)

// Badger stores messages under "<collection>:<created_at %020d>:<seq %020d>:<id>".
// The zero padding makes a prefix scan return messages by ascending
// created_at, and the sequence breaks ties in insertion order.
type Badger struct {
	db         *badger.DB
	collection string
	seq        *badger.Sequence
	ownsDB     bool
}

// OpenBadger opens (or creates) a database at path.
func OpenBadger(path, collection string) (*Badger, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}
	b, err := NewBadger(db, collection)
	if err != nil {
		db.Close()
		return nil, err
	}
	b.ownsDB = true
	return b, nil
}

// NewBadger returns a store over an already open database.
func NewBadger(db *badger.DB, collection string) (*Badger, error) {
	seq, err := db.GetSequence([]byte("__seq:"+collection), 100)
	if err != nil {
		return nil, fmt.Errorf("store: badger sequence: %w", err)
	}
	return &Badger{db: db, collection: collection, seq: seq}, nil
}

func (b *Badger) prefix() []byte {
	return []byte(b.collection + ":")
}

func (b *Badger) key(createdAt int64, seq uint64, id string) []byte {
	return []byte(fmt.Sprintf("%s:%020d:%020d:%s", b.collection, createdAt, seq, id))
}

func (b *Badger) Append(_ context.Context, msg chat.Message) (string, error) {
	seq, err := b.seq.Next()
	if err != nil {
		return "", unavailable("next seq", err)
	}

	msg.ID = uuid.NewString()
	value, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("store: marshal message: %w", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(msg.CreatedAt, seq, msg.ID), value)
	})
	if err != nil {
		return "", unavailable("append", err)
	}
	return msg.ID, nil
}

func (b *Badger) ListOrdered(_ context.Context) ([]chat.Message, error) {
	var msgs []chat.Message
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.prefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var m chat.Message
				if err := json.Unmarshal(val, &m); err != nil {
					return fmt.Errorf("decode message: %w", err)
				}
				msgs = append(msgs, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list", err)
	}
	return msgs, nil
}

func (b *Badger) DeleteOlderThan(_ context.Context, cutoff int64) (int, error) {
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.prefix()
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			createdAt, ok := b.createdAt(key)
			if !ok {
				continue
			}
			// Keys are ordered by created_at.
			if createdAt >= cutoff {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("select expired", err)
	}

	deleted := 0
	var errs []error
	for _, key := range keys {
		err := b.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			errs = append(errs, unavailable("delete "+string(key), err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

func (b *Badger) createdAt(key []byte) (int64, bool) {
	rest := strings.TrimPrefix(string(key), b.collection+":")
	field, _, found := strings.Cut(rest, ":")
	if !found {
		return 0, false
	}
	v, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Close releases the sequence lease and closes the database if this store
// opened it.
func (b *Badger) Close() error {
	err := b.seq.Release()
	if b.ownsDB {
		err = errors.Join(err, b.db.Close())
	}
	return err
}
