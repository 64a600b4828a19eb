package mapi

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotObject is returned when a payload is valid JSON but not an object.
	ErrNotObject = errors.New("payload is not a JSON object")
	// ErrMissingApp is returned when the envelope has no string "app".
	ErrMissingApp = errors.New("envelope has no app")
)

// Envelope is a decoded MAPI message body.
type Envelope struct {
	App    PeerID
	Fields map[string]any
}

// Decode parses raw into an Envelope. A missing or non-string "app" yields
// ErrMissingApp together with the decoded fields.
func Decode(raw []byte) (Envelope, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	fields, ok := v.(map[string]any)
	if !ok {
		return Envelope{}, ErrNotObject
	}

	env := Envelope{Fields: fields}
	app, ok := fields["app"].(string)
	if !ok || app == "" {
		return env, ErrMissingApp
	}
	env.App = PeerID(app)
	return env, nil
}

// Bool returns a boolean field and whether it was present with that type.
func (e Envelope) Bool(key string) (bool, bool) {
	b, ok := e.Fields[key].(bool)
	return b, ok
}

// Float returns a numeric field and whether it was present as a number.
func (e Envelope) Float(key string) (float64, bool) {
	f, ok := e.Fields[key].(float64)
	return f, ok
}

// Marshal encodes an outbound message from app with the extra fields.
func Marshal(app PeerID, fields map[string]any) ([]byte, error) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["app"] = string(app)
	return json.Marshal(body)
}
