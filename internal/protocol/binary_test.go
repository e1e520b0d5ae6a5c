package protocol

import (
	"bytes"
	"math"
	"testing"

	"github.com/google/uuid"
)

func TestULEBRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 16383, 16384, 1<<32 - 1, math.MaxUint64}
	for _, v := range values {
		w := NewWriter()
		w.ULEB(v)
		r := NewReader(w.Bytes())
		got, err := r.ULEB()
		if err != nil {
			t.Fatalf("ULEB(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("ULEB round trip: got %d, want %d", got, v)
		}
		if r.Remaining() != 0 {
			t.Fatalf("ULEB(%d): %d bytes left over", v, r.Remaining())
		}
	}
}

func TestULEBKnownEncodings(t *testing.T) {
	w := NewWriter()
	w.ULEB(300)
	if !bytes.Equal(w.Bytes(), []byte{0xac, 0x02}) {
		t.Fatalf("ULEB(300) = % x, want ac 02", w.Bytes())
	}
}

func TestULEBOverflow(t *testing.T) {
	// Eleven continuation bytes push the shift past 64 bits.
	buf := bytes.Repeat([]byte{0x80}, 10)
	buf = append(buf, 0x01)
	if _, err := NewReader(buf).ULEB(); err == nil {
		t.Fatal("expected overflow error")
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "héllo", "日本語", "room-01_X"} {
		w := NewWriter()
		w.String(s)
		got, err := NewReader(w.Bytes()).String()
		if err != nil {
			t.Fatalf("String(%q): %v", s, err)
		}
		if got != s {
			t.Fatalf("String round trip: got %q, want %q", got, s)
		}
	}
}

func TestVarcharRejectsOverlong(t *testing.T) {
	w := NewWriter()
	w.String("toolongvalue")
	if _, err := NewReader(w.Bytes()).Varchar(4); err != ErrStringTooLong {
		t.Fatalf("got %v, want ErrStringTooLong", err)
	}
}

func TestVarcharRejectsInvalidUTF8(t *testing.T) {
	w := NewWriter()
	w.ULEB(2)
	w.Raw([]byte{0xff, 0xfe})
	if _, err := NewReader(w.Bytes()).Varchar(32); err != ErrInvalidUTF8 {
		t.Fatalf("got %v, want ErrInvalidUTF8", err)
	}
}

func TestStringTruncatedPayload(t *testing.T) {
	w := NewWriter()
	w.ULEB(10)
	w.Raw([]byte("short"))
	if _, err := NewReader(w.Bytes()).String(); err != ErrShortPayload {
		t.Fatalf("got %v, want ErrShortPayload", err)
	}
}

func TestScalarRoundTrip(t *testing.T) {
	w := NewWriter()
	w.Bool(true)
	w.Bool(false)
	w.I8(-5)
	w.U16(0xbeef)
	w.I32(-123456)
	w.U32(0xdeadbeef)
	w.I64(-1 << 40)
	w.U64(math.MaxUint64)
	w.F32(3.5)

	r := NewReader(w.Bytes())
	if v, _ := r.Bool(); !v {
		t.Fatal("bool true")
	}
	if v, _ := r.Bool(); v {
		t.Fatal("bool false")
	}
	if v, _ := r.I8(); v != -5 {
		t.Fatalf("i8 = %d", v)
	}
	if v, _ := r.U16(); v != 0xbeef {
		t.Fatalf("u16 = %#x", v)
	}
	if v, _ := r.I32(); v != -123456 {
		t.Fatalf("i32 = %d", v)
	}
	if v, _ := r.U32(); v != 0xdeadbeef {
		t.Fatalf("u32 = %#x", v)
	}
	if v, _ := r.I64(); v != -1<<40 {
		t.Fatalf("i64 = %d", v)
	}
	if v, _ := r.U64(); v != math.MaxUint64 {
		t.Fatalf("u64 = %d", v)
	}
	if v, _ := r.F32(); v != 3.5 {
		t.Fatalf("f32 = %v", v)
	}
	if r.Remaining() != 0 {
		t.Fatalf("%d bytes left over", r.Remaining())
	}
}

func TestUUIDRoundTrip(t *testing.T) {
	u := uuid.MustParse("0102030405060708090a0b0c0d0e0f10")
	w := NewWriter()
	w.UUID(u)

	// Raw UUID bytes, low half (bytes 8..15) before high (bytes 0..7);
	// reading each half as a little-endian u64 leaves the bytes as-is.
	want := []byte{
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	}
	if !bytes.Equal(w.Bytes(), want) {
		t.Fatalf("uuid encoding = % x, want % x", w.Bytes(), want)
	}

	got, err := NewReader(w.Bytes()).UUID()
	if err != nil {
		t.Fatal(err)
	}
	if got != u {
		t.Fatalf("uuid round trip: got %s, want %s", got, u)
	}
}

func TestF16RoundTrip(t *testing.T) {
	// Every binary16 value except NaN must survive a decode/encode pair.
	for bits := 0; bits <= 0xffff; bits++ {
		b := uint16(bits)
		f := F16ToF32(b)
		if math.IsNaN(float64(f)) {
			if b&0x7c00 != 0x7c00 || b&0x03ff == 0 {
				t.Fatalf("%#04x decoded to NaN", b)
			}
			continue
		}
		if got := F32ToF16(f); got != b {
			t.Fatalf("f16 %#04x -> %v -> %#04x", b, f, got)
		}
	}
}

func TestF16Conversions(t *testing.T) {
	cases := []struct {
		f    float32
		bits uint16
	}{
		{0, 0x0000},
		{1, 0x3c00},
		{-2, 0xc000},
		{0.5, 0x3800},
		{65504, 0x7bff}, // largest finite binary16
		{float32(math.Inf(1)), 0x7c00},
		{float32(math.Inf(-1)), 0xfc00},
		{5.960464477539063e-08, 0x0001}, // smallest positive denormal
	}
	for _, c := range cases {
		if got := F32ToF16(c.f); got != c.bits {
			t.Errorf("F32ToF16(%v) = %#04x, want %#04x", c.f, got, c.bits)
		}
		if got := F16ToF32(c.bits); got != c.f {
			t.Errorf("F16ToF32(%#04x) = %v, want %v", c.bits, got, c.f)
		}
	}
}

func TestF16Saturation(t *testing.T) {
	if got := F32ToF16(1e6); got != 0x7c00 {
		t.Fatalf("overflow = %#04x, want +inf", got)
	}
	if got := F32ToF16(-1e6); got != 0xfc00 {
		t.Fatalf("overflow = %#04x, want -inf", got)
	}
	if got := F32ToF16(1e-10); got != 0x0000 {
		t.Fatalf("underflow = %#04x, want +0", got)
	}
	nan := F32ToF16(float32(math.NaN()))
	if nan&0x7c00 != 0x7c00 || nan&0x03ff == 0 {
		t.Fatalf("NaN mapped to %#04x, which is not a binary16 NaN", nan)
	}
}

func TestRoomIDValidation(t *testing.T) {
	valid := []string{"a", "Room-1", "under_score", "ABCDEFGHIJKLMNOPQRST"}
	for _, s := range valid {
		if !ValidRoomID(s) {
			t.Errorf("ValidRoomID(%q) = false", s)
		}
	}
	invalid := []string{"", "ABCDEFGHIJKLMNOPQRSTU", "has space", "emoji😀", "dot.dot", "slash/"}
	for _, s := range invalid {
		if ValidRoomID(s) {
			t.Errorf("ValidRoomID(%q) = true", s)
		}
	}
}
