package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/store"
)

type storeFactory struct {
	name string
	open func(t *testing.T, cfg Config) *Store
}

func factories() []storeFactory {
	return []storeFactory{
		{"memory", func(t *testing.T, cfg Config) *Store {
			return NewMemory(cfg)
		}},
		{"badger", func(t *testing.T, cfg Config) *Store {
			s, err := OpenBadger(BadgerConfig{Config: cfg, InMemory: true})
			require.NoError(t, err)
			return s
		}},
	}
}

func persistentMessage(topic string) *message.Message {
	m := message.NewWithProperties(topic, []byte("payload"), map[string]any{"Colour": "BLUE", "n": int64(7)})
	m.Persistence = message.Persistent
	m.Reliability = message.AtLeastOnce
	return m
}

// TestStore_CommitAndGet tests a reserved write becoming visible on commit
func TestStore_CommitAndGet(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t, Config{})
			defer s.Close()
			ctx := context.Background()

			msg := persistentMessage("orders/1")
			st := s.NewStream()
			require.NoError(t, st.Reserve(ctx, msg.Size(), 2))
			require.NoError(t, st.Write(ctx, store.Record{Kind: store.KindMessage, Key: "msg/" + msg.ID, MessageID: msg.ID, Message: msg}))
			require.NoError(t, st.Write(ctx, store.Record{Kind: store.KindReference, Key: "ref/q1/" + msg.ID, Owner: "q1", MessageID: msg.ID}))
			assert.Equal(t, 2, st.PendingOps())

			_, err := s.Get(ctx, "msg/"+msg.ID)
			assert.ErrorIs(t, err, rc.ErrNotFound, "writes are invisible before commit")

			require.NoError(t, st.Commit(ctx))
			assert.Equal(t, 0, st.PendingOps())

			rec, err := s.Get(ctx, "msg/"+msg.ID)
			require.NoError(t, err)
			assert.Equal(t, store.KindMessage, rec.Kind)
			require.NotNil(t, rec.Message)
			assert.Equal(t, msg.ID, rec.Message.ID)
			assert.Equal(t, "orders/1", rec.Message.Topic)
			assert.Equal(t, []byte("payload"), rec.Message.Payload)
			assert.Equal(t, "BLUE", rec.Message.Properties["Colour"])
			assert.Equal(t, int64(7), rec.Message.Properties["n"])
			assert.Equal(t, message.AtLeastOnce, rec.Message.Reliability)
			assert.Equal(t, int32(1), rec.Message.Usage())

			stats := s.Stats()
			assert.Equal(t, int64(2), stats.Records)
			assert.Equal(t, int64(1), stats.Commits)
			assert.Zero(t, stats.ReservedBytes)
			assert.Zero(t, stats.ReservedRefs)
			assert.Equal(t, msg.Size(), stats.UsedBytes)
		})
	}
}

// TestStore_Rollback tests that rolled back writes and reservations vanish
func TestStore_Rollback(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t, Config{})
			defer s.Close()
			ctx := context.Background()

			st := s.NewStream()
			require.NoError(t, st.Reserve(ctx, 100, 1))
			require.NoError(t, st.Write(ctx, store.Record{Kind: store.KindReference, Key: "ref/a", Owner: "a"}))
			require.NoError(t, st.Rollback(ctx))

			_, err := s.Get(ctx, "ref/a")
			assert.ErrorIs(t, err, rc.ErrNotFound)
			stats := s.Stats()
			assert.Zero(t, stats.ReservedBytes)
			assert.Equal(t, int64(1), stats.Rollbacks)
		})
	}
}

// TestStore_ReservationLimits tests capacity and reservation accounting
func TestStore_ReservationLimits(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(Config{CapacityBytes: 100, MaxRefs: 2})
	defer s.Close()

	a := s.NewStream()
	require.NoError(t, a.Reserve(ctx, 60, 1))

	b := s.NewStream()
	err := b.Reserve(ctx, 50, 0)
	assert.ErrorIs(t, err, store.ErrInsufficientSpace)
	assert.ErrorIs(t, err, rc.ErrResourceExhausted)
	assert.ErrorIs(t, b.Reserve(ctx, 10, 2), store.ErrInsufficientSpace)

	assert.ErrorIs(t, b.Write(ctx, store.Record{Kind: store.KindReference, Key: "k"}), store.ErrNoReservation)

	require.NoError(t, a.Write(ctx, store.Record{Kind: store.KindReference, Key: "r1"}))
	assert.ErrorIs(t, a.Write(ctx, store.Record{Kind: store.KindReference, Key: "r2"}), store.ErrReservationExceeded)

	assert.ErrorIs(t, a.CancelReservation(ctx), ErrPendingWrites)
	require.NoError(t, a.Rollback(ctx))

	require.NoError(t, b.Reserve(ctx, 100, 2))
	require.NoError(t, b.CancelReservation(ctx))
	assert.Zero(t, s.Stats().ReservedBytes)
}

// TestStore_Delete tests that deletes release accounted usage
func TestStore_Delete(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t, Config{})
			defer s.Close()
			ctx := context.Background()

			msg := persistentMessage("retained/topic")
			st := s.NewStream()
			require.NoError(t, st.Reserve(ctx, msg.Size(), 1))
			require.NoError(t, st.Write(ctx, store.Record{Kind: store.KindRetained, Key: "ret/retained/topic", Message: msg}))
			require.NoError(t, st.Commit(ctx))
			assert.Equal(t, int64(1), s.Stats().Records)

			require.NoError(t, st.Delete(ctx, "ret/retained/topic"))
			require.NoError(t, st.Commit(ctx))

			_, err := s.Get(ctx, "ret/retained/topic")
			assert.ErrorIs(t, err, rc.ErrNotFound)
			stats := s.Stats()
			assert.Zero(t, stats.Records)
			assert.Zero(t, stats.UsedBytes)
		})
	}
}

// TestStore_MessageBodyFollowsReferences tests that a message body lives
// exactly as long as some reference record names it
func TestStore_MessageBodyFollowsReferences(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t, Config{})
			defer s.Close()
			ctx := context.Background()
			body := func(msg *message.Message) store.Record {
				return store.Record{Kind: store.KindMessage, Key: store.MessageKey(msg.ID), MessageID: msg.ID, Message: msg}
			}
			ref := func(owner string, msg *message.Message) store.Record {
				return store.Record{Kind: store.KindReference, Key: "ref/" + owner + "/" + msg.ID, Owner: owner, MessageID: msg.ID}
			}

			msg := persistentMessage("orders/1")
			st := s.NewStream()
			require.NoError(t, st.Reserve(ctx, msg.Size(), 2))
			require.NoError(t, st.Write(ctx, body(msg)))
			require.NoError(t, st.Write(ctx, ref("q1", msg)))
			require.NoError(t, st.Write(ctx, ref("q2", msg)))
			require.NoError(t, st.Commit(ctx))

			require.NoError(t, st.Delete(ctx, "ref/q1/"+msg.ID))
			require.NoError(t, st.Commit(ctx))
			_, err := s.Get(ctx, store.MessageKey(msg.ID))
			require.NoError(t, err, "one reference still holds the body")

			require.NoError(t, s.Recover(ctx))
			require.NoError(t, st.Delete(ctx, "ref/q2/"+msg.ID))
			require.NoError(t, st.Commit(ctx))
			_, err = s.Get(ctx, store.MessageKey(msg.ID))
			assert.ErrorIs(t, err, rc.ErrNotFound)
			assert.Zero(t, s.Stats().Records)
			assert.Zero(t, s.Stats().UsedBytes)

			// A body nobody references is not kept past its own commit.
			lonely := persistentMessage("orders/2")
			require.NoError(t, st.Reserve(ctx, lonely.Size(), 0))
			require.NoError(t, st.Write(ctx, body(lonely)))
			require.NoError(t, st.Commit(ctx))
			_, err = s.Get(ctx, store.MessageKey(lonely.ID))
			assert.ErrorIs(t, err, rc.ErrNotFound)
			assert.Zero(t, s.Stats().UsedBytes)
		})
	}
}

// TestStore_SubscriptionRecord tests durable subscription definitions
func TestStore_SubscriptionRecord(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t, Config{})
			defer s.Close()
			ctx := context.Background()

			def := &store.Subscription{
				ClientID:    "c1",
				Name:        "orders",
				Pattern:     "orders/#",
				QoS:         message.AtLeastOnce,
				Options:     3,
				Selector:    `.amount > 10`,
				MaxMessages: 50,
			}
			key := store.SubscriptionKey("c1", "orders")
			st := s.NewStream()
			require.NoError(t, st.Reserve(ctx, 0, 1))
			require.NoError(t, st.Write(ctx, store.Record{Kind: store.KindSubscription, Key: key, Owner: "c1", Subscription: def}))
			require.NoError(t, st.Commit(ctx))

			var got []store.Record
			require.NoError(t, s.Scan(ctx, store.KindSubscription, func(rec store.Record) bool {
				got = append(got, rec)
				return true
			}))
			require.Len(t, got, 1)
			require.NotNil(t, got[0].Subscription)
			assert.Equal(t, *def, *got[0].Subscription)
		})
	}
}

// TestStore_Scan tests iterating committed records of one kind
func TestStore_Scan(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t, Config{})
			defer s.Close()
			ctx := context.Background()

			st := s.NewStream()
			require.NoError(t, st.Reserve(ctx, 0, 3))
			for _, key := range []string{"ret/a", "ret/b"} {
				require.NoError(t, st.Write(ctx, store.Record{Kind: store.KindRetained, Key: key, Message: message.New(key, []byte("x"))}))
			}
			require.NoError(t, st.Write(ctx, store.Record{Kind: store.KindTombstone, Key: "ret/c"}))
			require.NoError(t, st.Commit(ctx))

			var keys []string
			require.NoError(t, s.Scan(ctx, store.KindRetained, func(rec store.Record) bool {
				keys = append(keys, rec.Key)
				return true
			}))
			assert.ElementsMatch(t, []string{"ret/a", "ret/b"}, keys)

			// Overwriting a key with another kind replaces it.
			require.NoError(t, st.Reserve(ctx, 0, 1))
			require.NoError(t, st.Write(ctx, store.Record{Kind: store.KindTombstone, Key: "ret/a"}))
			require.NoError(t, st.Commit(ctx))
			keys = nil
			require.NoError(t, s.Scan(ctx, store.KindRetained, func(rec store.Record) bool {
				keys = append(keys, rec.Key)
				return true
			}))
			assert.Equal(t, []string{"ret/b"}, keys)
			assert.Equal(t, int64(3), s.Stats().Records)
		})
	}
}

// TestStore_Close tests idempotent close and use after close
func TestStore_Close(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(Config{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.NewStream().Reserve(ctx, 1, 1)
	assert.True(t, errors.Is(err, ErrStoreClosed))
	assert.ErrorIs(t, err, rc.ErrClosed)

	_, err = OpenBadger(BadgerConfig{})
	assert.ErrorIs(t, err, ErrBadgerDirRequired)
}

// TestStore_ContextCancelled tests context cancellation handling
func TestStore_ContextCancelled(t *testing.T) {
	s := NewMemory(Config{})
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.NewStream().Reserve(ctx, 1, 1), context.Canceled)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
