package bridge

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/user/rover-link/engine"
)

// Envelope is a decoded event published on the bus
type Envelope struct {
	Rover string
	Kind  engine.Kind
	Seq   uint64
	At    time.Time
	Data  map[string]interface{}
}

// EncodeEnvelope wraps ev as protojson of a structpb.Struct. Numbers in
// Data come back as float64 after decoding.
func EncodeEnvelope(roverID string, seq uint64, ev engine.Event) ([]byte, error) {
	data, err := structpb.NewStruct(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("event data: %w", err)
	}
	at := timestamppb.New(ev.At)
	if err := at.CheckValid(); err != nil {
		return nil, fmt.Errorf("event time: %w", err)
	}

	env := &structpb.Struct{Fields: map[string]*structpb.Value{
		"rover": structpb.NewStringValue(roverID),
		"kind":  structpb.NewStringValue(string(ev.Kind)),
		"seq":   structpb.NewNumberValue(float64(seq)),
		"at":    structpb.NewStringValue(at.AsTime().Format(time.RFC3339Nano)),
		"data":  structpb.NewStructValue(data),
	}}
	return protojson.Marshal(env)
}

// DecodeEnvelope parses a message produced by EncodeEnvelope
func DecodeEnvelope(b []byte) (Envelope, error) {
	var s structpb.Struct
	if err := protojson.Unmarshal(b, &s); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	f := s.GetFields()
	env := Envelope{
		Rover: f["rover"].GetStringValue(),
		Kind:  engine.Kind(f["kind"].GetStringValue()),
		Seq:   uint64(f["seq"].GetNumberValue()),
		Data:  f["data"].GetStructValue().AsMap(),
	}
	if raw := f["at"].GetStringValue(); raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Envelope{}, fmt.Errorf("envelope time: %w", err)
		}
		env.At = at
	}
	if env.Rover == "" || env.Kind == "" {
		return Envelope{}, fmt.Errorf("envelope missing rover or kind")
	}
	return env, nil
}
