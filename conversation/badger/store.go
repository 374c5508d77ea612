// Package badger stores conversations in an embedded Badger database, one
// key per message so appends never rewrite earlier turns.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/howardjong/AgentPrice-sub003/conversation"
	"github.com/howardjong/AgentPrice-sub003/types"
)

const maxTxnRetries = 5

type Store struct {
	db *badger.DB
}

type Option func(*badger.Options)

// WithInMemory keeps the database in memory only; dir is ignored.
func WithInMemory() Option {
	return func(o *badger.Options) {
		*o = o.WithInMemory(true).WithDir("").WithValueDir("")
	}
}

func New(dir string, opts ...Option) (*Store, error) {
	options := badger.DefaultOptions(strings.TrimSpace(dir)).
		WithLoggingLevel(badger.ERROR)
	for _, opt := range opts {
		opt(&options)
	}
	if !options.InMemory && options.Dir == "" {
		return nil, fmt.Errorf("badger dir is required")
	}
	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg types.Message) error {
	msg, err := conversation.Prepare(conversationID, msg, time.Now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			seq, err := nextSeq(txn, conversationID)
			if err != nil {
				return err
			}
			if err := txn.Set(messageKey(conversationID, seq), data); err != nil {
				return err
			}
			return txn.Set(seqKey(conversationID), encodeSeq(seq))
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// History walks the conversation backwards so only the requested tail is
// decoded.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := messagePrefix(conversationID)
	out := make([]types.Message, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(slices.Clone(prefix), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var msg types.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			out = append(out, msg)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nextSeq(txn *badger.Txn, conversationID string) (uint64, error) {
	item, err := txn.Get(seqKey(conversationID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt sequence for conversation %q", conversationID)
		}
		seq = binary.BigEndian.Uint64(val)
		return nil
	})
	return seq + 1, err
}

func messagePrefix(conversationID string) []byte {
	return []byte("msg\x00" + conversationID + "\x00")
}

// messageKey sorts by sequence because the suffix is big-endian.
func messageKey(conversationID string, seq uint64) []byte {
	return append(messagePrefix(conversationID), encodeSeq(seq)...)
}

func seqKey(conversationID string) []byte {
	return []byte("seq\x00" + conversationID)
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

var _ conversation.Store = (*Store)(nil)
