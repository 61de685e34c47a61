// Package store provides the persistent store used by the fan-out engine:
// capacity reservations, transactional streams and record lookup for
// recovery. Two backends share the accounting: an in-memory map and BadgerDB.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/store"
)

var (
	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = fmt.Errorf("store %w", rc.ErrClosed)
	// ErrPendingWrites is returned by CancelReservation when the stream
	// has uncommitted writes.
	ErrPendingWrites = errors.New("stream has pending writes")
	// ErrEmptyKey is returned for records without a key.
	ErrEmptyKey = errors.New("record key cannot be empty")
)

// Config configures a Store.
type Config struct {
	// CapacityBytes bounds committed plus reserved bytes; 0 is unlimited.
	CapacityBytes int64
	// MaxRefs bounds committed plus reserved references; 0 is unlimited.
	MaxRefs int

	Logger *slog.Logger
}

type op struct {
	key    string
	rec    store.Record
	delete bool
}

type usage struct {
	bytes int64
	refs  int
	kind  store.Kind
	msgID string
}

func usageOf(rec store.Record) usage {
	u := usage{refs: rec.RefCount(), kind: rec.Kind, msgID: rec.MessageID}
	if rec.Message != nil {
		u.bytes = rec.Message.Size()
	}
	return u
}

// backend persists committed operations.
type backend interface {
	apply(ops []op) error
	get(key string) (store.Record, bool, error)
	scan(kind store.Kind, fn func(store.Record) bool) error
	close() error
}

// Store implements store.Store over a backend.
type Store struct {
	cfg     Config
	log     *slog.Logger
	backend backend

	mu            sync.Mutex
	usedBytes     int64
	usedRefs      int
	reservedBytes int64
	reservedRefs  int
	sizes         map[string]usage
	msgRefs       map[string]int
	commits       int64
	rollbacks     int64
	closed        bool
}

func newStore(cfg Config, b backend) *Store {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		cfg:     cfg,
		log:     log,
		backend: b,
		sizes:   make(map[string]usage),
		msgRefs: make(map[string]int),
	}
}

// NewStream opens a stream. Streams are not safe for concurrent use.
func (s *Store) NewStream() store.Stream {
	return &stream{s: s}
}

// Stats returns a usage snapshot.
func (s *Store) Stats() store.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.Stats{
		CapacityBytes: s.cfg.CapacityBytes,
		UsedBytes:     s.usedBytes,
		ReservedBytes: s.reservedBytes,
		ReservedRefs:  s.reservedRefs,
		Records:       int64(len(s.sizes)),
		Commits:       s.commits,
		Rollbacks:     s.rollbacks,
	}
}

// Get returns the committed record stored under key.
func (s *Store) Get(ctx context.Context, key string) (store.Record, error) {
	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return store.Record{}, ctx.Err()
	default:
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return store.Record{}, ErrStoreClosed
	}

	rec, ok, err := s.backend.get(key)
	if err != nil {
		return store.Record{}, fmt.Errorf("get %q: %w", key, err)
	}
	if !ok {
		return store.Record{}, fmt.Errorf("record %q: %w", key, rc.ErrNotFound)
	}
	return rec, nil
}

// Scan calls fn for every committed record of kind until fn returns false.
func (s *Store) Scan(ctx context.Context, kind store.Kind, fn func(store.Record) bool) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStoreClosed
	}
	return s.backend.scan(kind, fn)
}

// Recover rebuilds the usage accounting from the backend. Call it once
// after opening a store over existing data.
func (s *Store) Recover(ctx context.Context) error {
	sizes := make(map[string]usage)
	for _, kind := range allKinds {
		err := s.Scan(ctx, kind, func(rec store.Record) bool {
			sizes[rec.Key] = usageOf(rec)
			return true
		})
		if err != nil {
			return fmt.Errorf("recover %s records: %w", kind, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = sizes
	s.msgRefs = make(map[string]int)
	s.usedBytes, s.usedRefs = 0, 0
	for _, u := range sizes {
		s.usedBytes += u.bytes
		s.usedRefs += u.refs
		if u.kind == store.KindReference {
			s.msgRefs[u.msgID]++
		}
	}
	s.log.Info("store: recovered", "records", len(sizes), "bytes", s.usedBytes)
	return nil
}

// Close closes the backend. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.backend.close()
}

func (s *Store) reserve(bytes int64, refs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if s.cfg.CapacityBytes > 0 && s.usedBytes+s.reservedBytes+bytes > s.cfg.CapacityBytes {
		return store.ErrInsufficientSpace
	}
	if s.cfg.MaxRefs > 0 && s.usedRefs+s.reservedRefs+refs > s.cfg.MaxRefs {
		return store.ErrInsufficientSpace
	}
	s.reservedBytes += bytes
	s.reservedRefs += refs
	return nil
}

func (s *Store) unreserve(bytes int64, refs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreserveLocked(bytes, refs)
}

func (s *Store) unreserveLocked(bytes int64, refs int) {
	s.reservedBytes -= bytes
	s.reservedRefs -= refs
	if s.reservedBytes < 0 || s.reservedRefs < 0 {
		rc.Violation("store", "reservation underflow: %d bytes, %d refs", s.reservedBytes, s.reservedRefs)
	}
}

func (s *Store) commit(ops []op, resBytes int64, resRefs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.unreserveLocked(resBytes, resRefs)
	if s.closed {
		return ErrStoreClosed
	}
	if len(ops) == 0 {
		return nil
	}
	ops = append(ops, s.orphansLocked(ops)...)

	if err := s.backend.apply(ops); err != nil {
		s.rollbacks++
		return err
	}
	for _, o := range ops {
		if old, ok := s.sizes[o.key]; ok {
			s.usedBytes -= old.bytes
			s.usedRefs -= old.refs
			if old.kind == store.KindReference {
				s.dropRefLocked(old.msgID)
			}
			delete(s.sizes, o.key)
		}
		if o.delete {
			continue
		}
		u := usageOf(o.rec)
		s.sizes[o.key] = u
		s.usedBytes += u.bytes
		s.usedRefs += u.refs
		if u.kind == store.KindReference {
			s.msgRefs[u.msgID]++
		}
	}
	s.commits++
	return nil
}

func (s *Store) dropRefLocked(msgID string) {
	if s.msgRefs[msgID]--; s.msgRefs[msgID] <= 0 {
		delete(s.msgRefs, msgID)
	}
}

// orphansLocked returns deletes for the message bodies that no reference
// record will name once ops are applied.
func (s *Store) orphansLocked(ops []op) []op {
	refs := make(map[string]int)
	state := make(map[string]usage)
	lookup := func(key string) (usage, bool) {
		if u, ok := state[key]; ok {
			return u, u.kind != deletedKind
		}
		u, ok := s.sizes[key]
		return u, ok
	}

	for _, o := range ops {
		if old, ok := lookup(o.key); ok && old.kind == store.KindReference {
			if _, seen := refs[old.msgID]; !seen {
				refs[old.msgID] = s.msgRefs[old.msgID]
			}
			refs[old.msgID]--
		}
		if o.delete {
			state[o.key] = usage{kind: deletedKind}
			continue
		}
		u := usageOf(o.rec)
		state[o.key] = u
		switch u.kind {
		case store.KindReference:
			if _, seen := refs[u.msgID]; !seen {
				refs[u.msgID] = s.msgRefs[u.msgID]
			}
			refs[u.msgID]++
		case store.KindMessage:
			if _, seen := refs[u.msgID]; !seen {
				refs[u.msgID] = s.msgRefs[u.msgID]
			}
		}
	}

	var out []op
	for id, n := range refs {
		if n > 0 {
			continue
		}
		if _, ok := lookup(store.MessageKey(id)); ok {
			out = append(out, op{key: store.MessageKey(id), delete: true})
		}
	}
	slices.SortFunc(out, func(a, b op) int { return strings.Compare(a.key, b.key) })
	return out
}

// deletedKind marks a key deleted earlier in the same batch.
const deletedKind store.Kind = -1

func (s *Store) rollback(hadOps bool, resBytes int64, resRefs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreserveLocked(resBytes, resRefs)
	if hadOps {
		s.rollbacks++
	}
}

// stream implements store.Stream.
type stream struct {
	s *Store

	reserved  bool
	resBytes  int64
	resRefs   int
	usedBytes int64
	usedRefs  int
	ops       []op
}

func (st *stream) Reserve(ctx context.Context, bytes int64, refs int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if bytes < 0 || refs < 0 {
		return fmt.Errorf("%w: negative reservation", rc.ErrValidation)
	}
	if err := st.s.reserve(bytes, refs); err != nil {
		return err
	}
	st.reserved = true
	st.resBytes += bytes
	st.resRefs += refs
	return nil
}

func (st *stream) Write(ctx context.Context, rec store.Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if rec.Key == "" {
		return ErrEmptyKey
	}
	if !st.reserved {
		return store.ErrNoReservation
	}
	u := usageOf(rec)
	if rec.Kind == store.KindMessage && st.usedBytes+u.bytes > st.resBytes {
		return store.ErrReservationExceeded
	}
	if st.usedRefs+u.refs > st.resRefs {
		return store.ErrReservationExceeded
	}
	st.usedBytes += u.bytes
	st.usedRefs += u.refs
	st.ops = append(st.ops, op{key: rec.Key, rec: rec})
	return nil
}

func (st *stream) Delete(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if key == "" {
		return ErrEmptyKey
	}
	st.ops = append(st.ops, op{key: key, delete: true})
	return nil
}

func (st *stream) PendingOps() int {
	return len(st.ops)
}

func (st *stream) Commit(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	err := st.s.commit(st.ops, st.resBytes, st.resRefs)
	st.reset()
	if err != nil {
		st.s.log.Error("store: commit failed", "error", err)
	}
	return err
}

func (st *stream) Rollback(_ context.Context) error {
	st.s.rollback(len(st.ops) > 0, st.resBytes, st.resRefs)
	st.reset()
	return nil
}

func (st *stream) CancelReservation(_ context.Context) error {
	if len(st.ops) > 0 {
		return ErrPendingWrites
	}
	st.s.unreserve(st.resBytes, st.resRefs)
	st.reset()
	return nil
}

func (st *stream) reset() {
	clear(st.ops)
	st.ops = st.ops[:0]
	st.reserved = false
	st.resBytes, st.resRefs = 0, 0
	st.usedBytes, st.usedRefs = 0, 0
}

// Verify that Store implements the store.Store interface at compile time
var _ store.Store = (*Store)(nil)
