package redisbroker

import (
	"fmt"
	"strings"
)

// Pub/Sub carries a single string, so the content type is written on the
// first line ahead of the encoded payload.

func (b *Broker) encode(v any) (string, error) {
	payload, err := b.codec.Marshal(v)
	if err != nil {
		return "", err
	}
	return b.codec.ContentType() + "\n" + string(payload), nil
}

func (b *Broker) decode(msg string, v any) error {
	ct, payload, ok := strings.Cut(msg, "\n")
	if !ok {
		return fmt.Errorf("missing content type header")
	}
	return b.registry.Decode(ct, []byte(payload), v)
}
