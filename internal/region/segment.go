package region

import "io"

// SegmentBuffer is a fixed-capacity staging buffer reused across cipher
// segments. It never grows: it is a Channel that reports "full" once the
// current limit is reached.
type SegmentBuffer struct {
	buf   []byte
	limit int
	w     int // filled
	r     int // flushed
}

func NewSegmentBuffer(capacity int) *SegmentBuffer {
	return &SegmentBuffer{buf: make([]byte, capacity), limit: capacity}
}

// Reset empties the buffer and caps how much it accepts (limit <= Cap()).
func (s *SegmentBuffer) Reset(limit int) {
	if limit > len(s.buf) || limit < 0 {
		limit = len(s.buf)
	}
	s.limit = limit
	s.w, s.r = 0, 0
}

func (s *SegmentBuffer) Cap() int   { return len(s.buf) }
func (s *SegmentBuffer) Limit() int { return s.limit }
func (s *SegmentBuffer) Len() int   { return s.w }
func (s *SegmentBuffer) Full() bool { return s.w >= s.limit }

// Bytes returns everything filled since the last Reset.
func (s *SegmentBuffer) Bytes() []byte { return s.buf[:s.w] }

// Spare returns the unfilled space up to the limit; its capacity is capped so
// appends cannot spill past the limit. Commit with Advance.
func (s *SegmentBuffer) Spare() []byte { return s.buf[s.w:s.w:s.limit] }

// Advance marks n more bytes as filled.
func (s *SegmentBuffer) Advance(n int) {
	if s.w+n > s.limit {
		panic("region: segment buffer advance past limit")
	}
	s.w += n
}

func (s *SegmentBuffer) Write(p []byte) (int, error) {
	n := copy(s.buf[s.w:s.limit], p)
	s.w += n
	return n, nil
}

func (s *SegmentBuffer) ReadAtFrom(r io.ReaderAt, off, n int64) (int64, error) {
	if space := int64(s.limit - s.w); n > space {
		n = space
	}
	if n == 0 {
		return 0, nil
	}
	m, err := r.ReadAt(s.buf[s.w:s.w+int(n)], off)
	s.w += m
	if err == io.EOF {
		if int64(m) == n {
			err = nil
		} else {
			err = io.ErrUnexpectedEOF
		}
	}
	return int64(m), err
}

// Unflushed returns the filled bytes not yet flushed.
func (s *SegmentBuffer) Unflushed() int { return s.w - s.r }

// FlushTo writes unflushed bytes to ch and returns how many it took.
func (s *SegmentBuffer) FlushTo(ch Channel) (int64, error) {
	if s.r >= s.w {
		return 0, nil
	}
	n, err := ch.Write(s.buf[s.r:s.w])
	s.r += n
	return int64(n), err
}
