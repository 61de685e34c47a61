// Package txn implements the engine transaction used by publish.
//
// A Transaction keeps a soft log of work to run at commit and at rollback,
// supports savepoints so that a nested operation can undo only its own work,
// and wraps an optional store stream for persistent records.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/store"
)

var (
	// ErrRollbackOnly is returned by Commit for a transaction that was
	// marked rollback-only; the transaction has been rolled back.
	ErrRollbackOnly = errors.New("transaction is rollback-only")
	// ErrNotActive is returned when a completed transaction is used again.
	ErrNotActive = errors.New("transaction not active")
	// ErrBadSavepoint is returned for a savepoint from another transaction
	// or one that is no longer on the stack.
	ErrBadSavepoint = errors.New("invalid savepoint")
)

// State is the transaction lifecycle state.
type State int

const (
	Active State = iota
	Committed
	RolledBack
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// Savepoint marks a position in the soft log.
type Savepoint struct {
	tx        *Transaction
	depth     int
	commits   int
	rollbacks int
}

// Transaction is a unit of work spanning queue puts and store writes.
type Transaction struct {
	id     string
	stream store.Stream
	log    *slog.Logger

	mu           sync.Mutex
	state        State
	rollbackOnly bool
	commitFns    []func()
	rollbackFns  []func()
	savepoints   int
}

// Option configures a Transaction.
type Option func(*Transaction)

// WithStream attaches a store stream; Commit and Rollback drive it.
func WithStream(s store.Stream) Option {
	return func(t *Transaction) { t.stream = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transaction) { t.log = l }
}

// New starts a transaction.
func New(opts ...Option) *Transaction {
	t := &Transaction{
		id:  uuid.NewString(),
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the transaction id.
func (t *Transaction) ID() string {
	return t.id
}

// Stream returns the store stream, or nil.
func (t *Transaction) Stream() store.Stream {
	return t.stream
}

// State returns the lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnCommit registers fn to run after a successful commit.
func (t *Transaction) OnCommit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commitFns = append(t.commitFns, fn)
}

// OnRollback registers fn to run on rollback, in reverse registration order.
func (t *Transaction) OnRollback(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollbackFns = append(t.rollbackFns, fn)
}

// MarkRollbackOnly makes any later Commit roll back instead.
func (t *Transaction) MarkRollbackOnly() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollbackOnly = true
}

// RollbackOnly reports whether the transaction was marked rollback-only.
func (t *Transaction) RollbackOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbackOnly
}

// Savepoint marks the current end of the soft log.
func (t *Transaction) Savepoint() Savepoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.savepoints++
	return Savepoint{
		tx:        t,
		depth:     t.savepoints,
		commits:   len(t.commitFns),
		rollbacks: len(t.rollbackFns),
	}
}

// ReleaseSavepoint keeps the work done since sp.
func (t *Transaction) ReleaseSavepoint(sp Savepoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkSavepointLocked(sp); err != nil {
		return err
	}
	t.savepoints = sp.depth - 1
	return nil
}

// RollbackToSavepoint undoes the soft log back to sp, running the rollback
// work registered since then. Store writes cannot be undone piecemeal, so
// if any are pending the transaction is also marked rollback-only.
func (t *Transaction) RollbackToSavepoint(sp Savepoint) error {
	t.mu.Lock()
	if err := t.checkSavepointLocked(sp); err != nil {
		t.mu.Unlock()
		return err
	}
	undo := t.rollbackFns[sp.rollbacks:]
	t.rollbackFns = t.rollbackFns[:sp.rollbacks:sp.rollbacks]
	t.commitFns = t.commitFns[:sp.commits:sp.commits]
	t.savepoints = sp.depth - 1
	if t.stream != nil && t.stream.PendingOps() > 0 {
		t.rollbackOnly = true
	}
	t.mu.Unlock()

	runReverse(undo)
	return nil
}

func (t *Transaction) checkSavepointLocked(sp Savepoint) error {
	if t.state != Active {
		return fmt.Errorf("savepoint on %s transaction %s: %w", t.state, t.id, ErrNotActive)
	}
	if sp.tx != t || sp.depth < 1 || sp.depth > t.savepoints {
		return ErrBadSavepoint
	}
	return nil
}

// Commit commits the store stream, then runs the commit work. A failed
// store commit rolls the whole transaction back.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.state != Active {
		t.mu.Unlock()
		return fmt.Errorf("commit of %s transaction %s: %w", t.state, t.id, ErrNotActive)
	}
	if t.rollbackOnly {
		t.mu.Unlock()
		if err := t.Rollback(ctx); err != nil {
			return errors.Join(ErrRollbackOnly, err)
		}
		return ErrRollbackOnly
	}
	t.mu.Unlock()

	if t.stream != nil {
		if err := t.stream.Commit(ctx); err != nil {
			t.log.Warn("txn: store commit failed, rolling back", "tx", t.id, "error", err)
			if rbErr := t.Rollback(ctx); rbErr != nil {
				return errors.Join(err, rbErr)
			}
			return fmt.Errorf("commit transaction %s: %w", t.id, err)
		}
	}

	t.mu.Lock()
	t.state = Committed
	fns := t.commitFns
	t.commitFns, t.rollbackFns = nil, nil
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

// Rollback discards store writes and runs the rollback work.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	if t.state != Active {
		t.mu.Unlock()
		return fmt.Errorf("rollback of %s transaction %s: %w", t.state, t.id, ErrNotActive)
	}
	t.state = RolledBack
	fns := t.rollbackFns
	t.commitFns, t.rollbackFns = nil, nil
	t.mu.Unlock()

	var err error
	if t.stream != nil {
		err = t.stream.Rollback(ctx)
	}
	runReverse(fns)
	return err
}

func runReverse(fns []func()) {
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

var _ delivery.Tx = (*Transaction)(nil)
