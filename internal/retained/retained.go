// Package retained keeps the last retained message published on each topic.
//
// Updates are ordered by message timestamp: an update older than the entry
// it would replace is refused with ErrOldTimestamp. A retained publish with
// an empty payload leaves a tombstone that carries the timestamp forward
// until it expires, so that a late older update from another cluster member
// cannot resurrect the topic.
package retained

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/store"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/topic"
)

var (
	// ErrOldTimestamp is returned when an update is older than the current entry.
	ErrOldTimestamp = errors.New("retained message is older than the current one")
	// ErrNotRetained is returned for a message without the retain flag.
	ErrNotRetained = errors.New("message is not retained")
)

// Key is the store key of the retained record for a topic.
func Key(topicName string) string {
	return "ret/" + topicName
}

// Entry is the retained state of one topic.
type Entry struct {
	Topic     string
	Message   *message.Message
	Timestamp time.Time
	Tombstone bool
	Expiry    time.Time
}

func (e *Entry) expired(now time.Time) bool {
	if e.Tombstone {
		return !now.Before(e.Expiry)
	}
	return e.Message.Expired(now)
}

// Store holds retained entries keyed by topic.
type Store struct {
	log *slog.Logger
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty retained store.
func New(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		log:     log,
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
}

// Update records msg as the retained message for its topic. With a
// transaction the change is written to the transaction's store stream and
// applied on commit; without one it applies at once. tombstoneExpiry is
// how long a null-retained tombstone is kept; zero or negative leaves an
// already expired tombstone.
func (s *Store) Update(ctx context.Context, tx delivery.Tx, msg *message.Message, tombstoneExpiry time.Duration) error {
	if !msg.Retain {
		return ErrNotRetained
	}

	s.mu.RLock()
	cur, ok := s.entries[msg.Topic]
	s.mu.RUnlock()
	if ok && cur.Timestamp.After(msg.Timestamp) {
		return fmt.Errorf("topic %q: %w", msg.Topic, ErrOldTimestamp)
	}

	e := &Entry{Topic: msg.Topic, Timestamp: msg.Timestamp}
	if msg.IsNullRetained() {
		e.Tombstone = true
		e.Expiry = s.now().Add(tombstoneExpiry)
		if tombstoneExpiry <= 0 {
			e.Expiry = s.now().Add(-time.Nanosecond)
		}
	} else {
		e.Message = msg.Copy()
		e.Message.Retain = true
	}

	if tx != nil && tx.Stream() != nil && (msg.IsPersistent() || e.Tombstone || ok) {
		if err := s.writeRecord(ctx, tx.Stream(), e, msg); err != nil {
			return err
		}
	}

	if tx == nil {
		s.apply(e)
		return nil
	}
	tx.OnCommit(func() { s.apply(e) })
	return nil
}

func (s *Store) writeRecord(ctx context.Context, st store.Stream, e *Entry, msg *message.Message) error {
	if !e.Tombstone && !msg.IsPersistent() {
		// A non-persistent retained message replaces a persistent one; the
		// old record must not survive a restart.
		return st.Delete(ctx, Key(e.Topic))
	}
	rec := store.Record{Kind: store.KindRetained, Key: Key(e.Topic), MessageID: msg.ID, Message: e.Message}
	if e.Tombstone {
		rec = store.Record{Kind: store.KindTombstone, Key: Key(e.Topic), MessageID: msg.ID}
	}
	if err := st.Write(ctx, rec); err != nil {
		return fmt.Errorf("retained %q: %w", e.Topic, err)
	}
	return nil
}

// apply installs e unless a newer entry got there first.
func (s *Store) apply(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[e.Topic]; ok && cur.Timestamp.After(e.Timestamp) {
		return
	}
	s.entries[e.Topic] = e
}

// Get returns the live retained message for topicName.
func (s *Store) Get(topicName string) (*message.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[topicName]
	if !ok || e.Tombstone || e.expired(s.now()) {
		return nil, false
	}
	return e.Message, true
}

// Match returns the live retained messages whose topics match pattern,
// ordered by topic. The messages are shared; copy before mutating.
func (s *Store) Match(pattern string, strictSystem bool) []*message.Message {
	now := s.now()
	s.mu.RLock()
	var out []*message.Message
	for name, e := range s.entries {
		if e.Tombstone || e.expired(now) {
			continue
		}
		if topic.Match(pattern, name, strictSystem) {
			out = append(out, e.Message)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Expire drops expired entries and returns how many were dropped.
func (s *Store) Expire() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for name, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, name)
			n++
		}
	}
	return n
}

// Len returns the number of live retained messages.
func (s *Store) Len() int {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if !e.Tombstone && !e.expired(now) {
			n++
		}
	}
	return n
}

// Scanner is the part of a persistent store Load needs.
type Scanner interface {
	Scan(ctx context.Context, kind store.Kind, fn func(store.Record) bool) error
}

// Load restores retained messages from a persistent store.
func (s *Store) Load(ctx context.Context, sc Scanner) (int, error) {
	loaded := 0
	err := sc.Scan(ctx, store.KindRetained, func(rec store.Record) bool {
		if rec.Message == nil {
			return true
		}
		rec.Message.Retain = true
		s.apply(&Entry{Topic: rec.Message.Topic, Message: rec.Message, Timestamp: rec.Message.Timestamp})
		loaded++
		return true
	})
	if err != nil {
		return loaded, fmt.Errorf("load retained messages: %w", err)
	}
	s.log.Info("retained: loaded from store", "count", loaded)
	return loaded, nil
}
