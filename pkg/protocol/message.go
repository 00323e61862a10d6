// Package protocol defines the arena wire events and their binary encoding.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire event names exchanged with the arena server.
const (
	EventFindMatch  = "find_match"
	EventStartGame  = "start_game"
	EventGameEnded  = "game_ended"
	EventLeaveMatch = "leave_match"
	EventSession    = "session"
	EventNotice     = "message"
	EventChat       = "chat_message"
)

// Payload keys used by the arena events.
const (
	KeySID     = "sid"
	KeyMessage = "message"
	KeySkill   = "skill"
	KeyInMatch = "in_match"
	KeyMatchID = "match_id"
	KeyPlayers = "players"
	KeyReason  = "reason"
	KeyData    = "data"
)

var ErrMissingEvent = errors.New("envelope has no event name")

// Payload is the JSON-like body of an event. Values must be representable
// as a google.protobuf.Value: nil, bool, numbers, string, []any or
// map[string]any.
type Payload map[string]any

// String returns the string stored under key, or "" when absent or not a string.
func (p Payload) String(key string) string {
	v, ok := p[key].(string)
	if !ok {
		return ""
	}
	return v
}

// Bool returns the bool stored under key, or false.
func (p Payload) Bool(key string) bool {
	v, ok := p[key].(bool)
	return ok && v
}

// Strings returns the string elements of the list stored under key.
func (p Payload) Strings(key string) []string {
	list, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a shallow copy so consumers cannot mutate a shared payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Envelope is a single named event on the wire.
type Envelope struct {
	Event string
	Data  Payload
}

// Encode encodes the envelope into bytes using protobuf
func (e *Envelope) Encode() ([]byte, error) {
	pbMsg, err := e.toProto()
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	data, err := proto.Marshal(pbMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode decodes bytes into an envelope using protobuf
func (e *Envelope) Decode(data []byte) error {
	pbMsg := &structpb.Struct{}
	if err := proto.Unmarshal(data, pbMsg); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}
	return e.fromProto(pbMsg)
}

// toProto converts the Envelope to a protobuf Struct of the form
// {"event": <name>, "data": {...}}.
func (e *Envelope) toProto() (*structpb.Struct, error) {
	if strings.TrimSpace(e.Event) == "" {
		return nil, ErrMissingEvent
	}
	var data map[string]any
	if e.Data != nil {
		data = map[string]any(e.Data)
	} else {
		data = map[string]any{}
	}
	return structpb.NewStruct(map[string]any{
		"event": e.Event,
		"data":  data,
	})
}

// fromProto populates the Envelope from a protobuf Struct.
// A missing or non-object data field decodes to an empty payload.
func (e *Envelope) fromProto(pbMsg *structpb.Struct) error {
	fields := pbMsg.GetFields()
	e.Event = fields["event"].GetStringValue()
	if e.Event == "" {
		return ErrMissingEvent
	}
	e.Data = Payload{}
	if data := fields["data"].GetStructValue(); data != nil {
		e.Data = Payload(data.AsMap())
	}
	return nil
}
