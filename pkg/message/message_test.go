package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

func TestNew_CopiesPayload(t *testing.T) {
	payload := []byte("hello")
	m := New("a/b", payload)
	payload[0] = 'j'

	assert.Equal(t, "hello", string(m.Payload))
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, int32(1), m.Usage())
	assert.False(t, m.Timestamp.IsZero())
}

func TestNewWithProperties_CopiesMap(t *testing.T) {
	props := map[string]any{"Colour": "BLUE"}
	m := NewWithProperties("a", nil, props)
	props["Colour"] = "RED"

	assert.Equal(t, "BLUE", m.Properties["Colour"])
}

func TestMessage_UsageCounting(t *testing.T) {
	m := New("a", []byte("x"))
	m.AddUsage(3)
	require.Equal(t, int32(4), m.Usage())

	m.AddUsage(-2)
	assert.False(t, m.Release())
	assert.True(t, m.Release())
}

func TestMessage_UsageUnderflowPanics(t *testing.T) {
	m := New("a", nil)
	m.Release()

	defer func() {
		r := recover()
		require.NotNil(t, r)
		_, ok := r.(*rc.ConsistencyError)
		assert.True(t, ok, "expected *rc.ConsistencyError, got %T", r)
	}()
	m.Release()
}

func TestMessage_Classification(t *testing.T) {
	m := New("a", nil)
	assert.True(t, m.Unreliable())
	assert.False(t, m.IsPersistent())
	assert.False(t, m.IsNullRetained())

	m.Retain = true
	assert.True(t, m.IsNullRetained())

	m.Reliability = ExactlyOnce
	m.Persistence = Persistent
	assert.False(t, m.Unreliable())
	assert.True(t, m.IsPersistent())
	assert.Equal(t, "exactly-once", m.Reliability.String())
}

func TestMessage_Expired(t *testing.T) {
	m := New("a", nil)
	now := time.Now()
	assert.False(t, m.Expired(now))

	m.Expiry = now.Add(-time.Second)
	assert.True(t, m.Expired(now))
}

func TestMessage_Copy(t *testing.T) {
	m := NewWithProperties("a", []byte("x"), map[string]any{"k": 1})
	m.AddUsage(5)

	c := m.Copy()
	assert.Equal(t, m.ID, c.ID)
	assert.Equal(t, int32(1), c.Usage())
	c.Payload[0] = 'y'
	c.Properties["k"] = 2
	assert.Equal(t, "x", string(m.Payload))
	assert.Equal(t, 1, m.Properties["k"])
}
