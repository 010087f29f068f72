package region

import (
	"fmt"
	"io"
	"os"
	"sync"
)

const copyBufferSize = 64 << 10

var copyPool = sync.Pool{
	New: func() any {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

// File is a region over [offset, offset+length) of an open file. The file is
// closed when the last reference is released.
type File struct {
	RefCount
	f      *os.File
	offset int64
	length int64
	done   int64
}

// NewFile wraps a range of f and takes ownership of f.
func NewFile(f *os.File, offset, length int64) *File {
	r := &File{f: f, offset: offset, length: length}
	r.Init(f.Close)
	return r
}

// OpenFile opens path and wraps [offset, offset+length). length < 0 means up to EOF.
func OpenFile(path string, offset, length int64) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if length < 0 {
		length = st.Size() - offset
	}
	if offset < 0 || length < 0 || offset+length > st.Size() {
		f.Close()
		return nil, fmt.Errorf("region: range [%d,+%d) outside %s (size %d)", offset, length, path, st.Size())
	}
	return NewFile(f, offset, length), nil
}

func (r *File) Count() int64       { return r.length }
func (r *File) Transferred() int64 { return r.done }

// TransferTo prefers sendfile to raw sockets, then direct fill of
// ReaderAtFrom sinks, then a pooled read+write loop.
func (r *File) TransferTo(ch Channel) (int64, error) {
	if r.done >= r.length {
		return 0, ErrAlreadyComplete
	}
	pos := r.offset + r.done
	remain := r.length - r.done
	if n, handled, err := sendFile(ch, r.f, pos, remain); handled {
		r.done += n
		if err == io.ErrUnexpectedEOF {
			err = r.truncated()
		}
		return n, err
	}
	if sink, ok := ch.(ReaderAtFrom); ok {
		n, err := sink.ReadAtFrom(r.f, pos, remain)
		r.done += n
		if err == io.ErrUnexpectedEOF {
			err = r.truncated()
		}
		return n, err
	}
	return r.copyTo(ch, pos, remain)
}

func (r *File) copyTo(ch Channel, pos, remain int64) (int64, error) {
	bp := copyPool.Get().(*[]byte)
	defer copyPool.Put(bp)
	buf := *bp

	var total int64
	for remain > 0 {
		chunk := buf
		if int64(len(chunk)) > remain {
			chunk = chunk[:remain]
		}
		nr, rerr := r.f.ReadAt(chunk, pos)
		if nr == 0 {
			if rerr == nil || rerr == io.EOF {
				rerr = r.truncated()
			}
			return total, rerr
		}
		nw, werr := ch.Write(chunk[:nr])
		total += int64(nw)
		r.done += int64(nw)
		pos += int64(nw)
		remain -= int64(nw)
		if werr != nil {
			return total, werr
		}
		if nw < nr {
			// channel full; the unwritten tail is re-read next call
			return total, nil
		}
		if rerr != nil && rerr != io.EOF {
			return total, rerr
		}
	}
	return total, nil
}

func (r *File) truncated() error {
	return fmt.Errorf("region: %s shorter than declared range: %w", r.f.Name(), io.ErrUnexpectedEOF)
}
