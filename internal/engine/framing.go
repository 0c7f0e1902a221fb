package engine

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the largest result accepted from an engine (16 MiB).
const MaxFrameSize = 16 << 20

// Framing names.
const (
	FramingBraces = "braces"
	FramingFramed = "framed"
)

// frameReader yields one raw result per call.
type frameReader interface {
	Next() ([]byte, error)
}

func newFrameReader(framing string, r io.Reader) (frameReader, error) {
	switch framing {
	case "", FramingBraces:
		return &braceReader{r: r, buf: make([]byte, 0, 4096)}, nil
	case FramingFramed:
		return &lengthPrefixReader{r: bufio.NewReader(r)}, nil
	default:
		return nil, fmt.Errorf("unknown framing %q (want %s or %s)", framing, FramingBraces, FramingFramed)
	}
}

// braceReader extracts self-delimited JSON objects from a byte stream that
// may also carry prompts or log noise between them. Bytes before the first
// '{' are discarded; bytes after a complete object are kept for the next
// call.
type braceReader struct {
	r   io.Reader
	buf []byte
}

func (b *braceReader) Next() ([]byte, error) {
	chunk := make([]byte, 4096)
	for {
		obj, rest, ok := extractObject(b.buf)
		if ok {
			b.buf = append(b.buf[:0], rest...)
			return obj, nil
		}
		b.buf = rest
		if len(b.buf) > MaxFrameSize {
			return nil, fmt.Errorf("engine output exceeds %d bytes without a complete object", MaxFrameSize)
		}

		n, err := b.r.Read(chunk)
		b.buf = append(b.buf, chunk[:n]...)
		if err != nil {
			if n > 0 {
				continue
			}
			return nil, err
		}
	}
}

// extractObject scans buf for the first complete top-level JSON object,
// tracking string literals and escapes so braces inside strings do not
// count. When an object is found it returns a copy of it and the bytes that
// follow. Otherwise it returns the unconsumed tail, starting at the first
// '{', so leading noise is dropped.
func extractObject(buf []byte) (obj, rest []byte, ok bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, c := range buf {
		if start < 0 {
			if c == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				out := make([]byte, i+1-start)
				copy(out, buf[start:i+1])
				return out, buf[i+1:], true
			}
		}
	}

	if start < 0 {
		return nil, buf[:0], false
	}
	return nil, buf[start:], false
}

// lengthPrefixReader reads frames of a 4-byte big-endian length followed by
// that many payload bytes.
type lengthPrefixReader struct {
	r io.Reader
}

func (l *lengthPrefixReader) Next() ([]byte, error) {
	return ReadFrame(l.r)
}

// WriteFrame writes payload as one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", len(payload), MaxFrameSize)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d", length, MaxFrameSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}
