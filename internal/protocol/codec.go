package protocol

import (
	"encoding/json"
	"fmt"
)

// Codec serializes tunnel messages to and from transport payload bytes.
type Codec interface {
	Encode(msg *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
}

// JSONCodec is the default wire codec. Binary payloads in Arg travel as
// base64 strings, which is what encoding/json does for byte slices.
type JSONCodec struct{}

// Encode serializes a Message for transmission.
func (JSONCodec) Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode tunnel message: %w", err)
	}
	return data, nil
}

// Decode deserializes transport payload bytes into a Message. Only structural
// validity is checked here — event values are validated at dispatch time so
// the receiving endpoint decides how an unrecognized event is treated.
func (JSONCodec) Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode tunnel message: %w", err)
	}
	if msg.TunnelID == "" {
		return nil, fmt.Errorf("decode tunnel message: missing tunnelId")
	}
	return &msg, nil
}
