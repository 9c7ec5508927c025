package message

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/c360/eventrelay/errors"
)

// Message is one decoded event from the stream or the webhook. Numbers are
// kept as json.Number so 64-bit ids survive a decode/encode round trip.
type Message map[string]any

// Decode parses a single JSON object. Anything that is not an object,
// including null, is rejected.
func Decode(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "Message", "Decode", "decode json")
	}
	if msg == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Message", "Decode", "decode json object")
	}
	if dec.More() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: trailing data", errors.ErrParsingFailed), "Message", "Decode", "decode json")
	}
	return msg, nil
}

// Encode serializes the message back to compact JSON.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Message", "Encode", "encode json")
	}
	return data, nil
}

// Has reports whether key is present, regardless of its value.
func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// ID returns the message id as a string, preferring id_str over id.
// Empty when the message carries neither.
func (m Message) ID() string {
	if s, ok := m["id_str"].(string); ok && s != "" {
		return s
	}
	return scalarString(m["id"])
}

// Str returns the string found by walking nested objects along path.
func (m Message) Str(path ...string) string {
	v, ok := m.lookup(path...)
	if !ok {
		return ""
	}
	return scalarString(v)
}

// Object returns the nested object found along path, or nil.
func (m Message) Object(path ...string) Message {
	v, ok := m.lookup(path...)
	if !ok {
		return nil
	}
	return asObject(v)
}

// Objects returns the elements of the array found along path that are objects.
func (m Message) Objects(path ...string) []Message {
	v, ok := m.lookup(path...)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(items))
	for _, item := range items {
		if obj := asObject(item); obj != nil {
			out = append(out, obj)
		}
	}
	return out
}

func (m Message) lookup(path ...string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	var cur any = m
	for _, key := range path {
		obj := asObject(cur)
		if obj == nil {
			return nil, false
		}
		next, ok := obj[key]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func asObject(v any) Message {
	switch o := v.(type) {
	case Message:
		return o
	case map[string]any:
		return Message(o)
	default:
		return nil
	}
}

func scalarString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return fmt.Sprintf("%.0f", s)
	case bool, int, int64:
		return fmt.Sprint(s)
	default:
		return ""
	}
}
