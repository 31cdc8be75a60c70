package wire

import "fmt"

// Body is a handle onto one response's payload bytes. It tracks how many
// bytes remain so that every read operation can refuse to overrun the
// frame, and so the receive loop can detect and reject a response whose
// handler didn't consume it fully.
type Body struct {
	r         *Reader
	remaining int
}

// ReadResponse reads the {tag, length} header of one Response frame and
// returns the tag and a Body positioned at the start of the payload. The
// caller must consume exactly Remaining() bytes from Body (directly, or
// via Finish after reading only a prefix it understands).
func ReadResponse(r *Reader) (tag byte, body *Body, err error) {
	tag, err = r.ReadU8()
	if err != nil {
		return 0, nil, err
	}
	length, err := r.ReadU32BE()
	if err != nil {
		return 0, nil, err
	}
	if length < 4 {
		return 0, nil, fmt.Errorf("pgwire: response too short")
	}
	return tag, &Body{r: r, remaining: int(length - 4)}, nil
}

// Remaining returns the number of unread payload bytes.
func (b *Body) Remaining() int {
	return b.remaining
}

func (b *Body) take(n int) error {
	if n > b.remaining {
		return fmt.Errorf("pgwire: response too short")
	}
	b.remaining -= n
	return nil
}

// ReadU8 consumes one byte from the body.
func (b *Body) ReadU8() (byte, error) {
	if err := b.take(1); err != nil {
		return 0, err
	}
	return b.r.ReadU8()
}

// ReadU16BE consumes a big-endian uint16 from the body.
func (b *Body) ReadU16BE() (uint16, error) {
	if err := b.take(2); err != nil {
		return 0, err
	}
	return b.r.ReadU16BE()
}

// ReadU32BE consumes a big-endian uint32 from the body.
func (b *Body) ReadU32BE() (uint32, error) {
	if err := b.take(4); err != nil {
		return 0, err
	}
	return b.r.ReadU32BE()
}

// ReadExact consumes exactly n bytes from the body.
func (b *Body) ReadExact(n int) ([]byte, error) {
	if err := b.take(n); err != nil {
		return nil, err
	}
	return b.r.ReadExact(n)
}

// ReadCStringUTF8 consumes a null-terminated string from the body.
func (b *Body) ReadCStringUTF8() (string, error) {
	s, err := b.r.ReadCStringUTF8()
	if err != nil {
		return "", err
	}
	if err := b.take(len(s) + 1); err != nil {
		return "", err
	}
	return s, nil
}

// ReadUTF8 consumes exactly n bytes from the body as a UTF-8 string.
func (b *Body) ReadUTF8(n int) (string, error) {
	if err := b.take(n); err != nil {
		return "", err
	}
	return b.r.ReadUTF8(n)
}

// Finish verifies the entire body was consumed, per the protocol rule
// that every Response body must be fully read before returning to the
// receive loop. Excess or deficient bytes are protocol errors; this
// method only reports the deficient case (a caller that over-read would
// already have failed a ReadExact/take call).
func (b *Body) Finish() error {
	if b.remaining != 0 {
		return fmt.Errorf("pgwire: response too long: %d unread bytes", b.remaining)
	}
	return nil
}

// Discard consumes and throws away all remaining bytes in the body.
func (b *Body) Discard() error {
	if b.remaining == 0 {
		return nil
	}
	n := b.remaining
	b.remaining = 0
	return b.r.Discard(n)
}
