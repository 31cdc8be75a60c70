package wire

import (
	"encoding/binary"
	"net"
)

// Builder assembles a message body in memory. All Put* methods append to
// the internal buffer; nothing is written to the socket until the body is
// passed to WriteRequest.
type Builder struct {
	body []byte
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// PutByte appends a single byte.
func (b *Builder) PutByte(v byte) *Builder {
	b.body = append(b.body, v)
	return b
}

// PutU16BE appends a big-endian uint16.
func (b *Builder) PutU16BE(v uint16) *Builder {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	b.body = append(b.body, buf[:]...)
	return b
}

// PutU32BE appends a big-endian uint32.
func (b *Builder) PutU32BE(v uint32) *Builder {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.body = append(b.body, buf[:]...)
	return b
}

// PutCString appends s followed by a zero terminator.
func (b *Builder) PutCString(s string) *Builder {
	b.body = append(b.body, s...)
	b.body = append(b.body, 0)
	return b
}

// PutBytes appends raw bytes with no framing.
func (b *Builder) PutBytes(p []byte) *Builder {
	b.body = append(b.body, p...)
	return b
}

// PutCountedBytes appends u32(len(p)) followed by p, or u32(0xFFFFFFFF)
// with no following bytes when p is nil (the SQL NULL encoding).
func (b *Builder) PutCountedBytes(p []byte) *Builder {
	if p == nil {
		return b.PutU32BE(0xFFFFFFFF)
	}
	b.PutU32BE(uint32(len(p)))
	return b.PutBytes(p)
}

// Bytes returns the assembled body.
func (b *Builder) Bytes() []byte {
	return b.body
}

// WriteRequest emits a single framed Request to conn: if tag is non-zero,
// the tag byte is written, then u32_be(len(body)+4), then body, as a
// single socket write. A zero tag means "untagged" (used only for the
// very first StartupMessage / SSLRequest, which precede protocol
// negotiation and thus carry no tag byte).
func WriteRequest(conn net.Conn, tag byte, body []byte) error {
	var buf []byte
	if tag != 0 {
		buf = make([]byte, 0, 1+4+len(body))
		buf = append(buf, tag)
	} else {
		buf = make([]byte, 0, 4+len(body))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)+4))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, body...)
	_, err := conn.Write(buf)
	return err
}
