package region

// Buffer is an in-memory region.
type Buffer struct {
	RefCount
	data []byte
	off  int
}

// NewBuffer wraps b without copying. The caller must not modify b afterwards.
func NewBuffer(b []byte) *Buffer {
	r := &Buffer{data: b}
	r.Init(nil)
	return r
}

func (b *Buffer) Count() int64       { return int64(len(b.data)) }
func (b *Buffer) Transferred() int64 { return int64(b.off) }

// Bytes returns the part not yet transferred.
func (b *Buffer) Bytes() []byte { return b.data[b.off:] }

func (b *Buffer) TransferTo(ch Channel) (int64, error) {
	if b.off >= len(b.data) {
		return 0, ErrAlreadyComplete
	}
	n, err := ch.Write(b.data[b.off:])
	b.off += n
	return int64(n), err
}
