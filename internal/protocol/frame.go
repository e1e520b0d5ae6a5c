package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameLen caps a single frame payload at 1 MiB.
const MaxFrameLen = 1 << 20

// ErrFrameTooLarge is returned when a frame's declared or actual length
// exceeds MaxFrameLen.
var ErrFrameTooLarge = errors.New("frame exceeds size cap")

// ReadFrame reads one length-prefixed frame from rd. The prefix is a
// little-endian u32 byte count, not including itself.
func ReadFrame(rd io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(rd, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload to wr with its length prefix in a single
// Write call, so concurrent callers never interleave partial frames.
func WriteFrame(wr io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := wr.Write(buf)
	return err
}

// AppendFrame appends payload with its length prefix to dst, for
// batching several frames into one write.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameLen {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}
