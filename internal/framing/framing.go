// Package framing reads and writes length-prefixed msgpack messages:
// a 4-byte big-endian payload length followed by the msgpack payload.
// The same framing carries detector requests over a pipe and recorded
// frames on disk.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxMessageSize rejects corrupt length prefixes before allocating.
const MaxMessageSize = 64 << 20

// ErrTooLarge is returned for a length prefix above MaxMessageSize.
var ErrTooLarge = errors.New("framed message too large")

// Write encodes v and writes it as one framed message.
func Write(w io.Writer, v any) (int, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return 0, ErrTooLarge
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	n, err := w.Write(buf)
	if err != nil {
		return n, fmt.Errorf("failed to write framed message: %w", err)
	}
	return n, nil
}

// Read reads one framed message into v. It returns io.EOF when the stream
// ends cleanly between messages.
func Read(r io.Reader, v any) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	size := binary.BigEndian.Uint32(lengthBuf[:])
	if size > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}

	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}
