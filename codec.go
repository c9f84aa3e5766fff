package qinet

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Codec reads and writes the primitive wire types of §4.6 into/out of a
// Buffer: bool, i8/u8, i16/u16, i32/u32, i64/u64, f32/f64, string, and the
// length-prefixed sequence/map containers built on top of them. Byte order
// is little-endian throughout, matching MessageHeader. Aggregate types
// walked by signature string are an external collaborator and are not
// implemented here (spec.md §1, §4.6).
type Codec struct {
	buf *Buffer
	pos int
}

// NewEncoder returns a Codec that appends encoded values to buf.
func NewEncoder(buf *Buffer) *Codec {
	if buf == nil {
		buf = NewBuffer(0)
	}
	return &Codec{buf: buf}
}

// NewDecoder returns a Codec that reads encoded values out of buf, starting
// at offset 0.
func NewDecoder(buf *Buffer) *Codec {
	if buf == nil {
		buf = NewBuffer(0)
	}
	return &Codec{buf: buf}
}

// Buffer returns the underlying buffer (for handing an encoder's output to
// a Message, or inspecting a decoder's remaining bytes).
func (c *Codec) Buffer() *Buffer { return c.buf }

// Remaining returns the number of unread bytes left in a decoder.
func (c *Codec) Remaining() int { return c.buf.Len() - c.pos }

var errShortBuffer = fmt.Errorf("qinet: codec: %w", ErrProtocolCorrupt)

func (c *Codec) take(n int) ([]byte, error) {
	if c.Remaining() < n {
		return nil, errShortBuffer
	}
	b := c.buf.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// WriteBool appends a one-byte boolean (0 or 1).
func (c *Codec) WriteBool(v bool) {
	if v {
		c.buf.Append([]byte{1})
	} else {
		c.buf.Append([]byte{0})
	}
}

// ReadBool reads a one-byte boolean.
func (c *Codec) ReadBool() (bool, error) {
	b, err := c.take(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// WriteI8 appends a signed byte.
func (c *Codec) WriteI8(v int8) { c.buf.Append([]byte{byte(v)}) }

// ReadI8 reads a signed byte.
func (c *Codec) ReadI8() (int8, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

// WriteU8 appends an unsigned byte.
func (c *Codec) WriteU8(v uint8) { c.buf.Append([]byte{v}) }

// ReadU8 reads an unsigned byte.
func (c *Codec) ReadU8() (uint8, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteU16 appends a little-endian uint16.
func (c *Codec) WriteU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	c.buf.Append(b[:])
}

// ReadU16 reads a little-endian uint16.
func (c *Codec) ReadU16() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// WriteI16 appends a little-endian int16.
func (c *Codec) WriteI16(v int16) { c.WriteU16(uint16(v)) }

// ReadI16 reads a little-endian int16.
func (c *Codec) ReadI16() (int16, error) {
	v, err := c.ReadU16()
	return int16(v), err
}

// WriteU32 appends a little-endian uint32.
func (c *Codec) WriteU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	c.buf.Append(b[:])
}

// ReadU32 reads a little-endian uint32.
func (c *Codec) ReadU32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteI32 appends a little-endian int32.
func (c *Codec) WriteI32(v int32) { c.WriteU32(uint32(v)) }

// ReadI32 reads a little-endian int32.
func (c *Codec) ReadI32() (int32, error) {
	v, err := c.ReadU32()
	return int32(v), err
}

// WriteU64 appends a little-endian uint64.
func (c *Codec) WriteU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	c.buf.Append(b[:])
}

// ReadU64 reads a little-endian uint64.
func (c *Codec) ReadU64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteI64 appends a little-endian int64.
func (c *Codec) WriteI64(v int64) { c.WriteU64(uint64(v)) }

// ReadI64 reads a little-endian int64.
func (c *Codec) ReadI64() (int64, error) {
	v, err := c.ReadU64()
	return int64(v), err
}

// WriteF32 appends a little-endian IEEE-754 float32.
func (c *Codec) WriteF32(v float32) { c.WriteU32(math.Float32bits(v)) }

// ReadF32 reads a little-endian IEEE-754 float32.
func (c *Codec) ReadF32() (float32, error) {
	v, err := c.ReadU32()
	return math.Float32frombits(v), err
}

// WriteF64 appends a little-endian IEEE-754 float64.
func (c *Codec) WriteF64(v float64) { c.WriteU64(math.Float64bits(v)) }

// ReadF64 reads a little-endian IEEE-754 float64.
func (c *Codec) ReadF64() (float64, error) {
	v, err := c.ReadU64()
	return math.Float64frombits(v), err
}

// WriteString appends a u32 length followed by the raw UTF-8 bytes, no
// terminator.
func (c *Codec) WriteString(v string) {
	c.WriteU32(uint32(len(v)))
	c.buf.Append([]byte(v))
}

// ReadString reads a u32-length-prefixed UTF-8 string.
func (c *Codec) ReadString() (string, error) {
	n, err := c.ReadU32()
	if err != nil {
		return "", err
	}
	b, err := c.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteContainer writes a u32 count followed by n calls to write, one per
// element. write is responsible for encoding a single element.
func WriteContainer(c *Codec, n int, write func(i int)) {
	c.WriteU32(uint32(n))
	for i := 0; i < n; i++ {
		write(i)
	}
}

// ReadContainer reads a u32 count, then invokes read that many times. read
// is responsible for decoding a single element.
func ReadContainer(c *Codec, read func() error) (int, error) {
	n, err := c.ReadU32()
	if err != nil {
		return 0, err
	}
	for i := uint32(0); i < n; i++ {
		if err := read(); err != nil {
			return int(i), err
		}
	}
	return int(n), nil
}

// WriteStrings encodes an ordered sequence of strings.
func (c *Codec) WriteStrings(ss []string) {
	WriteContainer(c, len(ss), func(i int) { c.WriteString(ss[i]) })
}

// ReadStrings decodes an ordered sequence of strings.
func (c *Codec) ReadStrings() ([]string, error) {
	var out []string
	_, err := ReadContainer(c, func() error {
		s, err := c.ReadString()
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}
