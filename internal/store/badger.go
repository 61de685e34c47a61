package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/store"
)

// ErrBadgerDirRequired is returned when an on-disk badger store has no directory.
var ErrBadgerDirRequired = errors.New("badger store directory is required unless in-memory")

// BadgerConfig configures a badger-backed store.
type BadgerConfig struct {
	Config

	// Dir holds the badger data files.
	Dir string

	// InMemory runs badger without disk persistence.
	InMemory bool
}

// OpenBadger opens a store backed by BadgerDB and recovers its accounting.
func OpenBadger(cfg BadgerConfig) (*Store, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, ErrBadgerDirRequired
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir).WithLogger(badgerLogger{log: log})
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := newStore(cfg.Config, &badgerBackend{db: db})
	if err := s.Recover(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Keys are prefixed with the record kind so that scans stay cheap.
func badgerKey(kind store.Kind, key string) []byte {
	return []byte(kind.String() + ":" + key)
}

func kindPrefix(kind store.Kind) []byte {
	return []byte(kind.String() + ":")
}

type badgerBackend struct {
	db *badger.DB
}

func (b *badgerBackend) apply(ops []op) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, o := range ops {
			if o.delete {
				// The kind of a deleted key is unknown here; clear them all.
				for _, kind := range allKinds {
					if err := txn.Delete(badgerKey(kind, o.key)); err != nil {
						return err
					}
				}
				continue
			}
			val, err := encodeRecord(o.rec)
			if err != nil {
				return fmt.Errorf("encode %q: %w", o.key, err)
			}
			for _, kind := range allKinds {
				if kind == o.rec.Kind {
					continue
				}
				if err := txn.Delete(badgerKey(kind, o.key)); err != nil {
					return err
				}
			}
			if err := txn.Set(badgerKey(o.rec.Kind, o.key), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerBackend) get(key string) (store.Record, bool, error) {
	var (
		rec   store.Record
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		for _, kind := range allKinds {
			item, err := txn.Get(badgerKey(kind, key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err = decodeRecord(val)
			found = err == nil
			return err
		}
		return nil
	})
	return rec, found, err
}

func (b *badgerBackend) scan(kind store.Kind, fn func(store.Record) bool) error {
	prefix := kindPrefix(kind)
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodeRecord(val)
			if err != nil {
				return fmt.Errorf("decode %q: %w", it.Item().Key(), err)
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
}

func (b *badgerBackend) close() error {
	return b.db.Close()
}

var allKinds = []store.Kind{store.KindMessage, store.KindReference, store.KindRetained, store.KindTombstone, store.KindSubscription}

// badgerLogger routes badger's printf logging to slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

var _ badger.Logger = badgerLogger{}
