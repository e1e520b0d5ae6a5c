// Package protocol implements the BeatSync binary wire protocol: a
// little-endian, ULEB-128 length-prefixed encoding with tagged command
// variants for both directions of the client/server connection.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Protocol errors. Any of these kills the session that produced them.
var (
	ErrShortPayload  = errors.New("unexpected end of payload")
	ErrStringTooLong = errors.New("string exceeds length cap")
	ErrInvalidUTF8   = errors.New("string is not valid UTF-8")
	ErrInvalidRoomID = errors.New("invalid room id")
)

// Reader decodes wire primitives from a single frame payload.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining reports how many bytes are left unread.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || len(r.buf)-r.pos < n {
		return nil, ErrShortPayload
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) Byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrShortPayload
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) Bool() (bool, error) {
	b, err := r.Byte()
	if err != nil {
		return false, err
	}
	return b == 1, nil
}

func (r *Reader) U8() (uint8, error) { return r.Byte() }

func (r *Reader) I8() (int8, error) {
	b, err := r.Byte()
	return int8(b), err
}

func (r *Reader) U16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) U32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) I32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

func (r *Reader) U64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) I64() (int64, error) {
	v, err := r.U64()
	return int64(v), err
}

func (r *Reader) F32() (float32, error) {
	v, err := r.U32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// ULEB reads an unsigned LEB-128 value. Shifts past 63 bits are a
// protocol error rather than silent truncation.
func (r *Reader) ULEB() (uint64, error) {
	var v uint64
	var shift uint
	for {
		b, err := r.Byte()
		if err != nil {
			return 0, err
		}
		if shift >= 64 {
			return 0, fmt.Errorf("uleb-128 value overflows 64 bits")
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
	}
}

// String reads a ULEB length followed by that many UTF-8 bytes.
func (r *Reader) String() (string, error) {
	return r.Varchar(math.MaxInt32)
}

// Varchar reads a string whose declared length must not exceed maxLen
// bytes. The bytes must be valid UTF-8.
func (r *Reader) Varchar(maxLen int) (string, error) {
	n, err := r.ULEB()
	if err != nil {
		return "", err
	}
	if n > uint64(maxLen) {
		return "", ErrStringTooLong
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

// UUID reads sixteen bytes laid out as low u64 then high u64.
func (r *Reader) UUID() (uuid.UUID, error) {
	low, err := r.U64()
	if err != nil {
		return uuid.UUID{}, err
	}
	high, err := r.U64()
	if err != nil {
		return uuid.UUID{}, err
	}
	var u uuid.UUID
	binary.LittleEndian.PutUint64(u[0:8], high)
	binary.LittleEndian.PutUint64(u[8:16], low)
	return u, nil
}

func (r *Reader) F16() (float32, error) {
	bits, err := r.U16()
	if err != nil {
		return 0, err
	}
	return F16ToF32(bits), nil
}

// Writer encodes wire primitives into a growing buffer.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the encoded payload. The slice aliases the writer's
// internal buffer.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Byte(b byte)      { w.buf = append(w.buf, b) }
func (w *Writer) Raw(b []byte)     { w.buf = append(w.buf, b...) }
func (w *Writer) U8(v uint8)       { w.Byte(v) }
func (w *Writer) I8(v int8)        { w.Byte(byte(v)) }
func (w *Writer) U16(v uint16)     { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *Writer) U32(v uint32)     { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) I32(v int32)      { w.U32(uint32(v)) }
func (w *Writer) U64(v uint64)     { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *Writer) I64(v int64)      { w.U64(uint64(v)) }
func (w *Writer) F32(v float32)    { w.U32(math.Float32bits(v)) }
func (w *Writer) F16Bits(v uint16) { w.U16(v) }

func (w *Writer) Bool(v bool) {
	if v {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

func (w *Writer) ULEB(v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.Byte(b)
		if v == 0 {
			return
		}
	}
}

func (w *Writer) String(s string) {
	w.ULEB(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// UUID writes sixteen bytes as low u64 then high u64.
func (w *Writer) UUID(u uuid.UUID) {
	w.U64(binary.LittleEndian.Uint64(u[8:16]))
	w.U64(binary.LittleEndian.Uint64(u[0:8]))
}
