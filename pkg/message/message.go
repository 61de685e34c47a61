package message

import (
	"maps"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

// Reliability is the delivery guarantee requested by the publisher.
type Reliability int

const (
	// AtMostOnce messages may be lost.
	AtMostOnce Reliability = iota
	// AtLeastOnce messages may be duplicated.
	AtLeastOnce
	// ExactlyOnce messages are delivered once.
	ExactlyOnce
)

// String returns the reliability name.
func (r Reliability) String() string {
	switch r {
	case AtMostOnce:
		return "at-most-once"
	case AtLeastOnce:
		return "at-least-once"
	case ExactlyOnce:
		return "exactly-once"
	default:
		return "unknown"
	}
}

// Persistence states whether the message must survive a restart.
type Persistence int

const (
	NonPersistent Persistence = iota
	Persistent
)

// Message is a published message. The usage count starts at one, held by the
// publisher, and is raised by one for every queue that holds the message.
// A Message must not be copied by value once published.
type Message struct {
	ID           string
	Topic        string
	Payload      []byte
	Properties   map[string]any
	Reliability  Reliability
	Persistence  Persistence
	Retain       bool
	OriginServer string
	Timestamp    time.Time
	Expiry       time.Time

	usage atomic.Int32
}

// New creates a message for topic. The payload is copied.
func New(topic string, payload []byte) *Message {
	m := &Message{
		ID:         uuid.New().String(),
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		Properties: make(map[string]any),
		Timestamp:  time.Now().UTC(),
	}
	m.usage.Store(1)
	return m
}

// NewWithProperties creates a message carrying a copy of properties.
func NewWithProperties(topic string, payload []byte, properties map[string]any) *Message {
	m := New(topic, payload)
	maps.Copy(m.Properties, properties)
	return m
}

// Unreliable reports whether the message is at-most-once.
func (m *Message) Unreliable() bool {
	return m.Reliability == AtMostOnce
}

// IsPersistent reports whether the message must be written to the store.
func (m *Message) IsPersistent() bool {
	return m.Persistence == Persistent
}

// IsNullRetained reports whether this is a retained publish that clears the
// retained message for its topic.
func (m *Message) IsNullRetained() bool {
	return m.Retain && len(m.Payload) == 0
}

// Expired reports whether the message expiry has passed at now.
func (m *Message) Expired(now time.Time) bool {
	return !m.Expiry.IsZero() && !now.Before(m.Expiry)
}

// Size approximates the stored size of the message in bytes.
func (m *Message) Size() int64 {
	size := int64(len(m.ID) + len(m.Topic) + len(m.Payload) + len(m.OriginServer))
	for k := range m.Properties {
		size += int64(len(k)) + 16
	}
	return size
}

// Usage returns the current usage count.
func (m *Message) Usage() int32 {
	return m.usage.Load()
}

// AddUsage adjusts the usage count by n and returns the new value. It is used
// by the fan-out engine to pre-increment for candidate recipients and to give
// back the share of skipped ones.
func (m *Message) AddUsage(n int32) int32 {
	v := m.usage.Add(n)
	if v < 0 {
		rc.Violation("message", "usage count of %s underflowed to %d", m.ID, v)
	}
	return v
}

// Acquire takes one reference.
func (m *Message) Acquire() {
	m.usage.Add(1)
}

// Release drops one reference and reports whether it was the last.
func (m *Message) Release() bool {
	return m.AddUsage(-1) == 0
}

// Copy returns a deep copy with a fresh usage count of one. The ID is kept,
// so a copy for remote servers is still the same logical message.
func (m *Message) Copy() *Message {
	c := &Message{
		ID:           m.ID,
		Topic:        m.Topic,
		Payload:      append([]byte(nil), m.Payload...),
		Properties:   maps.Clone(m.Properties),
		Reliability:  m.Reliability,
		Persistence:  m.Persistence,
		Retain:       m.Retain,
		OriginServer: m.OriginServer,
		Timestamp:    m.Timestamp,
		Expiry:       m.Expiry,
	}
	if c.Properties == nil {
		c.Properties = make(map[string]any)
	}
	c.usage.Store(1)
	return c
}
