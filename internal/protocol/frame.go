package protocol

import (
	"encoding/binary"
	"fmt"
)

// DefaultMaxFrameSize bounds the payload of a single frame. A peer declaring
// a larger frame is misbehaving and the stream is failed before any bytes of
// that frame are buffered.
const DefaultMaxFrameSize = 512_000

const frameHeaderSize = 4

// FrameSizeError is returned when a frame header declares a payload larger
// than the configured maximum. It is fatal to the stream.
type FrameSizeError struct {
	Declared int
	Max      int
}

func (e *FrameSizeError) Error() string {
	return fmt.Sprintf("frame length %d exceeds maximum %d", e.Declared, e.Max)
}

// EncodeFrame wraps a JSON payload with a 4-byte big-endian length prefix.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > DefaultMaxFrameSize {
		return nil, &FrameSizeError{Declared: len(payload), Max: DefaultMaxFrameSize}
	}
	out := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[frameHeaderSize:], payload)
	return out, nil
}

// FrameDecoder reassembles length-prefixed frames from an arbitrarily
// chunked byte stream. Partial frames are preserved across Feed calls.
type FrameDecoder struct {
	maxSize int
	buf     []byte
	failed  bool
}

// NewFrameDecoder returns a decoder with the given frame size limit.
// A non-positive limit selects DefaultMaxFrameSize.
func NewFrameDecoder(maxSize int) *FrameDecoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameDecoder{maxSize: maxSize}
}

// Feed appends a chunk to the decoder and returns every complete frame
// payload it now holds, zero or more. Once Feed has returned an error the
// decoder is poisoned and all further calls fail.
func (d *FrameDecoder) Feed(chunk []byte) ([][]byte, error) {
	if d.failed {
		return nil, fmt.Errorf("frame decoder already failed")
	}

	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for {
		if len(d.buf) < frameHeaderSize {
			break
		}
		declared := int(binary.BigEndian.Uint32(d.buf))
		if declared > d.maxSize {
			d.failed = true
			return frames, &FrameSizeError{Declared: declared, Max: d.maxSize}
		}
		if len(d.buf) < frameHeaderSize+declared {
			break
		}
		payload := make([]byte, declared)
		copy(payload, d.buf[frameHeaderSize:frameHeaderSize+declared])
		frames = append(frames, payload)
		d.buf = d.buf[frameHeaderSize+declared:]
	}

	return frames, nil
}

// Pending reports how many buffered bytes are waiting for the rest of a
// partial frame.
func (d *FrameDecoder) Pending() int {
	return len(d.buf)
}
