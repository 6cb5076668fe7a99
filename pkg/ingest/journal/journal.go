package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/tinypipe/tinypipe/pkg/sample"
)

// Journal is a crash-safe copy of the ingestion save queue, kept in a
// badger append log keyed by sequence number. Entries are appended as
// readings are queued, trimmed after a successful drain, and replayed
// into the queue at startup so queued-but-unpersisted readings survive
// a restart.
type Journal struct {
	db   *badger.DB
	next atomic.Uint64
}

// Config holds journal configuration.
type Config struct {
	Path string

	// InMemory mode (for testing).
	InMemory bool
}

// Open opens or creates the journal and positions the sequence counter
// after the highest existing entry.
func Open(cfg Config) (*Journal, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{db: db}

	// Seek the last key to resume the sequence.
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true})
		defer it.Close()
		it.Seek([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
		if it.Valid() {
			j.next.Store(binary.BigEndian.Uint64(it.Item().Key()) + 1)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("scan journal: %w", err)
	}

	return j, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Append stores one reading and returns its sequence number.
func (j *Journal) Append(r sample.Reading) (uint64, error) {
	seq := j.next.Add(1) - 1

	value, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("encode journal entry: %w", err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(seqKey(seq), value)
	})
	if err != nil {
		return 0, fmt.Errorf("append journal entry %d: %w", seq, err)
	}
	return seq, nil
}

// Delete removes one entry, used when the queue drops its oldest.
func (j *Journal) Delete(seq uint64) error {
	err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(seqKey(seq))
	})
	if err != nil {
		return fmt.Errorf("delete journal entry %d: %w", seq, err)
	}
	return nil
}

// Trim removes every entry with sequence <= upTo, used after a
// successful drain.
func (j *Journal) Trim(upTo uint64) error {
	var keys [][]byte
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			seq := binary.BigEndian.Uint64(it.Item().Key())
			if seq > upTo {
				break
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan journal for trim: %w", err)
	}

	wb := j.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("trim journal: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush journal trim: %w", err)
	}
	return nil
}

// Replay streams surviving entries in sequence order, oldest first.
func (j *Journal) Replay(fn func(seq uint64, r sample.Reading) error) error {
	return j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			seq := binary.BigEndian.Uint64(item.Key())
			err := item.Value(func(value []byte) error {
				var r sample.Reading
				if err := json.Unmarshal(value, &r); err != nil {
					return fmt.Errorf("decode journal entry %d: %w", seq, err)
				}
				return fn(seq, r)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// RunGC runs one badger value-log GC pass. Badger returns an error when
// nothing needed rewriting; callers treat that as success.
func (j *Journal) RunGC(discardRatio float64) error {
	return j.db.RunValueLogGC(discardRatio)
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
