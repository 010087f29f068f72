package proto

import (
	"encoding/binary"
	"fmt"
)

// FrameDecoder reassembles length-prefixed frames from chunks of any size and
// passes each decoded message to the handler in arrival order. Input chunks
// are copied; callers may reuse them after Write returns.
type FrameDecoder struct {
	codec  *Codec
	handle func(Message) error
	max    int64

	// OnBadFrame, when set, receives per-frame decode errors (unknown type,
	// malformed fields) and decoding continues with the next frame. When nil
	// such errors fail Write.
	OnBadFrame func(error)

	lenBuf [LengthSize]byte
	lenN   int
	frame  []byte
	fill   int
}

// NewFrameDecoder; maxFrame <= 0 = DefaultMaxFrameSize.
func NewFrameDecoder(c *Codec, maxFrame int64, handle func(Message) error) *FrameDecoder {
	return &FrameDecoder{codec: c, handle: handle, max: FrameLimit(maxFrame)}
}

func (d *FrameDecoder) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		if d.frame == nil {
			k := copy(d.lenBuf[d.lenN:], p)
			d.lenN += k
			p = p[k:]
			if d.lenN < LengthSize {
				break
			}
			size := binary.BigEndian.Uint64(d.lenBuf[:])
			if size < FrameHeaderSize {
				return total - len(p), fmt.Errorf("%w: length prefix %d", ErrInvalidFrame, size)
			}
			if size > uint64(d.max) {
				return total - len(p), fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, d.max)
			}
			d.frame = make([]byte, size)
			d.fill = copy(d.frame, d.lenBuf[:])
		}
		k := copy(d.frame[d.fill:], p)
		d.fill += k
		p = p[k:]
		if d.fill < len(d.frame) {
			break
		}

		frame := d.frame
		d.frame, d.fill, d.lenN = nil, 0, 0
		m, err := d.codec.Decode(frame)
		if err != nil {
			if d.OnBadFrame == nil {
				return total - len(p), err
			}
			d.OnBadFrame(err)
			continue
		}
		if err := d.handle(m); err != nil {
			return total - len(p), err
		}
	}
	return total, nil
}

// Pending reports whether a frame is partially assembled.
func (d *FrameDecoder) Pending() bool {
	return d.lenN > 0
}
