//go:build linux

package region

import (
	"errors"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

const maxSendfileChunk = 4 << 20

// sendFile pushes file bytes to a raw socket with sendfile(2). handled is false
// when ch is not a socket or the kernel refuses the fd pair.
func sendFile(ch Channel, f *os.File, pos, remain int64) (written int64, handled bool, err error) {
	sc, ok := ch.(syscall.Conn)
	if !ok {
		return 0, false, nil
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, false, nil
	}
	n := remain
	if n > maxSendfileChunk {
		n = maxSendfileChunk
	}
	src := int(f.Fd())

	var serr error
	err = rc.Write(func(fd uintptr) bool {
		off := pos
		m, e := unix.Sendfile(int(fd), src, &off, int(n))
		if m > 0 {
			written = int64(m)
		}
		if e == unix.EAGAIN || e == unix.EINTR {
			// wait for writability only if nothing went out yet
			return written > 0
		}
		serr = e
		return true
	})
	if err == nil {
		err = serr
	}
	if err != nil {
		if written == 0 && (errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EOPNOTSUPP)) {
			return 0, false, nil
		}
		return written, true, os.NewSyscallError("sendfile", err)
	}
	if written == 0 {
		return 0, true, io.ErrUnexpectedEOF
	}
	return written, true, nil
}
