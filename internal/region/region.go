// Package region: payloads that push themselves to a channel in pieces (zero-copy where possible).
package region

import (
	"errors"
	"io"
)

var (
	// ErrAlreadyComplete: TransferTo called after Transferred() == Count().
	ErrAlreadyComplete = errors.New("region: transfer already complete")
	// ErrReleased: Release called on a region whose count already hit zero.
	ErrReleased = errors.New("region: released more times than retained")
)

// Channel is a non-blocking byte sink. Write may take fewer than len(p) bytes
// and return a nil error when the sink is momentarily full; 0 is valid.
type Channel interface {
	Write(p []byte) (n int, err error)
}

// ReaderAtFrom is implemented by sinks that can fill themselves straight from a
// positional reader (file-backed regions skip their bounce buffer).
type ReaderAtFrom interface {
	ReadAtFrom(r io.ReaderAt, off, n int64) (int64, error)
}

// Region is a byte payload of fixed size moved to a Channel incrementally.
//
// TransferTo moves as much as the channel takes without blocking and returns
// the bytes moved by this call, summed over all internal steps. Transferred
// never decreases and Count is fixed at construction.
//
// Regions are reference counted: a new region holds one reference, Retain adds
// one and Release drops one. The region frees its resources when the count
// reaches zero.
type Region interface {
	Count() int64
	Transferred() int64
	TransferTo(ch Channel) (int64, error)
	Retain()
	Release() error
}

// Remaining returns the bytes of r not yet transferred.
func Remaining(r Region) int64 {
	return r.Count() - r.Transferred()
}

// Done reports whether r has been fully transferred.
func Done(r Region) bool {
	return r.Transferred() >= r.Count()
}
