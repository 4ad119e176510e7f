// Package envelope defines the frames exchanged over the broadcast bus and
// the client websocket: pixel and meta envelopes plus the diagnostic error
// frame.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"place-canvas/internal/store"
)

// Kind tags an envelope payload.
type Kind string

const (
	KindPixel Kind = "pixel"
	KindMeta  Kind = "meta"
)

// MalformedInput is the message sent before closing a connection that sent
// something other than JSON.
const MalformedInput = "data must be in json format"

// Envelope is the wire shape {"type": ..., "data": ...}.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// PixelView is the client-facing rendering of a pixel.
type PixelView struct {
	ID           int64     `json:"id"`
	X            int       `json:"x"`
	Y            int       `json:"y"`
	Color        string    `json:"color"`
	ModifyTimes  int       `json:"modify_times"`
	LastModified time.Time `json:"last_modified"`
}

// Meta carries presence information.
type Meta struct {
	Online     int64 `json:"online"`
	CanvasSize int   `json:"canvas_size"`
}

// ErrorMessage is the diagnostic frame.
type ErrorMessage struct {
	Message string `json:"message"`
}

// View converts a stored pixel, rendering its timestamp in loc (UTC when nil).
func View(p store.Pixel, loc *time.Location) PixelView {
	if loc == nil {
		loc = time.UTC
	}
	return PixelView{
		ID:           p.ID,
		X:            p.X,
		Y:            p.Y,
		Color:        p.Color,
		ModifyTimes:  p.ModifyTimes,
		LastModified: p.LastModified.In(loc),
	}
}

// NewPixel encodes a pixel envelope.
func NewPixel(p store.Pixel, loc *time.Location) ([]byte, error) {
	return encode(KindPixel, View(p, loc))
}

// NewMeta encodes a meta envelope.
func NewMeta(online int64, canvasSize int) ([]byte, error) {
	return encode(KindMeta, Meta{Online: online, CanvasSize: canvasSize})
}

func encode(kind Kind, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %s: %w", kind, err)
	}
	return json.Marshal(Envelope{Type: kind, Data: data})
}

// Decode parses an envelope without interpreting its payload.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode: %w", err)
	}
	if env.Type != KindPixel && env.Type != KindMeta {
		return Envelope{}, fmt.Errorf("envelope: unknown type %q", env.Type)
	}
	return env, nil
}

// DecodeMeta parses a meta envelope.
func DecodeMeta(b []byte) (Meta, error) {
	env, err := Decode(b)
	if err != nil {
		return Meta{}, err
	}
	if env.Type != KindMeta {
		return Meta{}, fmt.Errorf("envelope: want meta, got %s", env.Type)
	}
	var m Meta
	if err := json.Unmarshal(env.Data, &m); err != nil {
		return Meta{}, fmt.Errorf("envelope: decode meta: %w", err)
	}
	return m, nil
}

// DecodePixel parses a pixel envelope.
func DecodePixel(b []byte) (PixelView, error) {
	env, err := Decode(b)
	if err != nil {
		return PixelView{}, err
	}
	if env.Type != KindPixel {
		return PixelView{}, fmt.Errorf("envelope: want pixel, got %s", env.Type)
	}
	var p PixelView
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return PixelView{}, fmt.Errorf("envelope: decode pixel: %w", err)
	}
	return p, nil
}

// ErrorFrame encodes a diagnostic message.
func ErrorFrame(msg string) []byte {
	b, _ := json.Marshal(ErrorMessage{Message: msg})
	return b
}

// Valid reports whether a client frame is structured input. Frames are
// relayed as websocket text, so they must also be valid UTF-8.
func Valid(b []byte) bool {
	return utf8.Valid(b) && json.Valid(b)
}
