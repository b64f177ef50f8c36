// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the realtime wire format shared by the event client,
// the progress routers and the dev backend. The backend pushes JSON text frames
// tagged with a "type" and an optional coarser "channel"; everything else in a
// frame is feature payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Reserved frame types.
const (
	// Wildcard subscribes a listener to every frame.
	Wildcard = "*"

	// TypeConnected and TypeDisconnected are synthesized by the client, never sent by the backend.
	TypeConnected    = "connected"
	TypeDisconnected = "disconnected"

	// TypePing is sent by the client as an application keepalive, TypePong is the reply.
	TypePing = "ping"
	TypePong = "pong"
)

// Well-known frame fields.
const (
	FieldType    = "type"
	FieldChannel = "channel"
	FieldPhase   = "phase"
	FieldStatus  = "status"
	FieldDetail  = "detail"
	FieldError   = "error"
	FieldResult  = "result"
)

// ErrNotObject is returned for frames that are valid JSON but not an object.
var ErrNotObject = errors.New("frame is not a JSON object")

// Frame is one parsed inbound message. It is handed to listeners unchanged.
type Frame map[string]any

// ParseFrame decodes a text frame. Anything other than a JSON object is an error.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrNotObject
	}
	return f, nil
}

// NewFrame builds a frame of the given type, mostly for synthesized events and tests.
func NewFrame(typ string) Frame {
	return Frame{FieldType: typ}
}

// Type returns the frame's type tag, or "" when absent or not a string.
func (f Frame) Type() string {
	return f.String(FieldType)
}

// Channel returns the optional channel field.
func (f Frame) Channel() string {
	return f.String(FieldChannel)
}

// RoutingKey prefers the channel and falls back to the type.
func (f Frame) RoutingKey() string {
	if ch := f.Channel(); ch != "" {
		return ch
	}
	return f.Type()
}

// String returns a string-valued field, or "" when missing or of another type.
func (f Frame) String(key string) string {
	if s, ok := f[key].(string); ok {
		return s
	}
	return ""
}

// Object returns an object-valued field, or nil.
func (f Frame) Object(key string) map[string]any {
	if m, ok := f[key].(map[string]any); ok {
		return m
	}
	return nil
}

// ErrorMessage flattens the error field. Backends send either a plain string or
// an object with a "message"/"detail" member.
func (f Frame) ErrorMessage() string {
	switch v := f[FieldError].(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		for _, k := range []string{"message", "detail"} {
			if s, ok := v[k].(string); ok && s != "" {
				return s
			}
		}
		b, _ := json.Marshal(v)
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}

// ResultString reads result.<key> as a string. Numeric ids are formatted without
// an exponent.
func (f Frame) ResultString(key string) string {
	result := f.Object(FieldResult)
	if result == nil {
		return ""
	}
	switch v := result[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
