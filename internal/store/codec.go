package store

import (
	"bytes"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/store"
)

type encodedMessage struct {
	ID           string         `msgpack:"id"`
	Topic        string         `msgpack:"topic"`
	Payload      []byte         `msgpack:"payload,omitempty"`
	Properties   map[string]any `msgpack:"props,omitempty"`
	Reliability  int            `msgpack:"rel"`
	Persistence  int            `msgpack:"pers"`
	Retain       bool           `msgpack:"retain,omitempty"`
	OriginServer string         `msgpack:"origin,omitempty"`
	Timestamp    time.Time      `msgpack:"ts"`
	Expiry       time.Time      `msgpack:"exp,omitempty"`
}

type encodedSubscription struct {
	ClientID    string `msgpack:"client"`
	Name        string `msgpack:"name"`
	Pattern     string `msgpack:"pattern"`
	QoS         int    `msgpack:"qos"`
	Options     uint32 `msgpack:"opts"`
	Selector    string `msgpack:"sel,omitempty"`
	MaxMessages int    `msgpack:"max,omitempty"`
}

type encodedRecord struct {
	Kind         int                  `msgpack:"kind"`
	Key          string               `msgpack:"key"`
	Owner        string               `msgpack:"owner,omitempty"`
	MessageID    string               `msgpack:"mid,omitempty"`
	Message      *encodedMessage      `msgpack:"msg,omitempty"`
	Subscription *encodedSubscription `msgpack:"sub,omitempty"`
}

func encodeRecord(rec store.Record) ([]byte, error) {
	e := encodedRecord{
		Kind:      int(rec.Kind),
		Key:       rec.Key,
		Owner:     rec.Owner,
		MessageID: rec.MessageID,
	}
	if m := rec.Message; m != nil {
		e.Message = &encodedMessage{
			ID:           m.ID,
			Topic:        m.Topic,
			Payload:      m.Payload,
			Properties:   m.Properties,
			Reliability:  int(m.Reliability),
			Persistence:  int(m.Persistence),
			Retain:       m.Retain,
			OriginServer: m.OriginServer,
			Timestamp:    m.Timestamp,
			Expiry:       m.Expiry,
		}
	}
	if sub := rec.Subscription; sub != nil {
		e.Subscription = &encodedSubscription{
			ClientID:    sub.ClientID,
			Name:        sub.Name,
			Pattern:     sub.Pattern,
			QoS:         int(sub.QoS),
			Options:     sub.Options,
			Selector:    sub.Selector,
			MaxMessages: sub.MaxMessages,
		}
	}
	return msgpack.Marshal(&e)
}

func decodeRecord(data []byte) (store.Record, error) {
	var e encodedRecord
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	// Loose decoding gives int64/uint64/float64 for numeric properties.
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&e); err != nil {
		return store.Record{}, err
	}

	rec := store.Record{
		Kind:      store.Kind(e.Kind),
		Key:       e.Key,
		Owner:     e.Owner,
		MessageID: e.MessageID,
	}
	if em := e.Message; em != nil {
		m := message.NewWithProperties(em.Topic, em.Payload, em.Properties)
		m.ID = em.ID
		m.Reliability = message.Reliability(em.Reliability)
		m.Persistence = message.Persistence(em.Persistence)
		m.Retain = em.Retain
		m.OriginServer = em.OriginServer
		m.Timestamp = em.Timestamp
		m.Expiry = em.Expiry
		rec.Message = m
	}
	if es := e.Subscription; es != nil {
		rec.Subscription = &store.Subscription{
			ClientID:    es.ClientID,
			Name:        es.Name,
			Pattern:     es.Pattern,
			QoS:         message.Reliability(es.QoS),
			Options:     es.Options,
			Selector:    es.Selector,
			MaxMessages: es.MaxMessages,
		}
	}
	return rec, nil
}
