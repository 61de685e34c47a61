package cluster

import (
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

// Field names of the forwarded message payload.
const (
	fieldID          = "id"
	fieldTopic       = "topic"
	fieldPayload     = "payload"
	fieldProperties  = "properties"
	fieldReliability = "reliability"
	fieldPersistence = "persistence"
	fieldRetain      = "retain"
	fieldOrigin      = "origin"
	fieldTimestamp   = "timestamp"
	fieldExpiry      = "expiry"

	fieldNode    = "node"
	fieldPattern = "pattern"
	fieldAdd     = "add"
)

// encodeMessage converts msg to the wire struct. Property values that have
// no JSON form are sent as their string rendering.
func encodeMessage(msg *message.Message, origin string) *structpb.Struct {
	props := make(map[string]*structpb.Value, len(msg.Properties))
	for k, v := range msg.Properties {
		if t, ok := v.(time.Time); ok {
			v = t.Format(time.RFC3339Nano)
		}
		pv, err := structpb.NewValue(v)
		if err != nil {
			pv = structpb.NewStringValue(fmt.Sprint(v))
		}
		props[k] = pv
	}

	fields := map[string]*structpb.Value{
		fieldID:          structpb.NewStringValue(msg.ID),
		fieldTopic:       structpb.NewStringValue(msg.Topic),
		fieldPayload:     structpb.NewStringValue(base64.StdEncoding.EncodeToString(msg.Payload)),
		fieldProperties:  structpb.NewStructValue(&structpb.Struct{Fields: props}),
		fieldReliability: structpb.NewNumberValue(float64(msg.Reliability)),
		fieldPersistence: structpb.NewNumberValue(float64(msg.Persistence)),
		fieldRetain:      structpb.NewBoolValue(msg.Retain),
		fieldOrigin:      structpb.NewStringValue(origin),
		fieldTimestamp:   structpb.NewStringValue(msg.Timestamp.Format(time.RFC3339Nano)),
	}
	if !msg.Expiry.IsZero() {
		fields[fieldExpiry] = structpb.NewStringValue(msg.Expiry.Format(time.RFC3339Nano))
	}
	return &structpb.Struct{Fields: fields}
}

// decodeMessage rebuilds a message from the wire struct. Numeric property
// values arrive as float64.
func decodeMessage(s *structpb.Struct) (*message.Message, error) {
	f := s.GetFields()
	topicName := f[fieldTopic].GetStringValue()
	id := f[fieldID].GetStringValue()
	if topicName == "" || id == "" {
		return nil, fmt.Errorf("%w: forwarded message needs an id and a topic", rc.ErrValidation)
	}

	payload, err := base64.StdEncoding.DecodeString(f[fieldPayload].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("%w: forwarded payload: %v", rc.ErrValidation, err)
	}

	msg := message.NewWithProperties(topicName, payload, f[fieldProperties].GetStructValue().AsMap())
	msg.ID = id
	msg.Reliability = message.Reliability(f[fieldReliability].GetNumberValue())
	msg.Persistence = message.Persistence(f[fieldPersistence].GetNumberValue())
	msg.Retain = f[fieldRetain].GetBoolValue()
	msg.OriginServer = f[fieldOrigin].GetStringValue()

	if ts := f[fieldTimestamp].GetStringValue(); ts != "" {
		if msg.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("%w: forwarded timestamp: %v", rc.ErrValidation, err)
		}
	}
	if exp := f[fieldExpiry].GetStringValue(); exp != "" {
		if msg.Expiry, err = time.Parse(time.RFC3339Nano, exp); err != nil {
			return nil, fmt.Errorf("%w: forwarded expiry: %v", rc.ErrValidation, err)
		}
	}
	return msg, nil
}

// Interest is a member's change of interest in a pattern.
type Interest struct {
	Node    string
	Pattern string
	Add     bool
}

func encodeInterest(in Interest) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldNode:    structpb.NewStringValue(in.Node),
		fieldPattern: structpb.NewStringValue(in.Pattern),
		fieldAdd:     structpb.NewBoolValue(in.Add),
	}}
}

func decodeInterest(s *structpb.Struct) (Interest, error) {
	f := s.GetFields()
	in := Interest{
		Node:    f[fieldNode].GetStringValue(),
		Pattern: f[fieldPattern].GetStringValue(),
		Add:     f[fieldAdd].GetBoolValue(),
	}
	if in.Node == "" || in.Pattern == "" {
		return Interest{}, fmt.Errorf("%w: interest update needs a node and a pattern", rc.ErrValidation)
	}
	return in, nil
}
