// Package codec encodes broker messages. The content type travels with each
// payload so producers and consumers can disagree on their default codec
// without losing messages.
package codec

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Codec marshals typed messages to bytes and back.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

type jsonCodec struct{}

// JSON returns the default codec.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string                { return ContentTypeJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Registry maps content types to codecs.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Codec
}

// NewRegistry returns a registry holding JSON and CBOR.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(mustCBOR())
	return r
}

// Register adds or replaces a codec.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	r.byType[c.ContentType()] = c
	r.mu.Unlock()
}

// Get returns the codec for contentType, or nil.
func (r *Registry) Get(contentType string) Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[contentType]
}

// Decode unmarshals data with the codec registered for contentType.
func (r *Registry) Decode(contentType string, data []byte, v any) error {
	c := r.Get(contentType)
	if c == nil {
		return fmt.Errorf("codec: unknown content type %q", contentType)
	}
	return c.Unmarshal(data, v)
}

// ForName resolves a config name ("json" or "cbor") to a codec.
func ForName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON(), nil
	case "cbor":
		return CBOR()
	default:
		return nil, fmt.Errorf("codec: unknown codec %q (want json or cbor)", name)
	}
}
