package region

import "go.uber.org/atomic"

// RefCount is embedded by regions; dealloc runs once when the count drops to zero.
type RefCount struct {
	refs    atomic.Int32
	dealloc func() error
}

// Init sets the count to one. Must be called before the region is shared.
func (rc *RefCount) Init(dealloc func() error) {
	rc.refs.Store(1)
	rc.dealloc = dealloc
}

// Retain adds a reference. Retaining a freed region is a bug and panics.
func (rc *RefCount) Retain() {
	if rc.refs.Inc() <= 1 {
		panic("region: retain after release")
	}
}

// Release drops a reference and frees the region on the last one.
func (rc *RefCount) Release() error {
	n := rc.refs.Dec()
	if n < 0 {
		rc.refs.Inc()
		return ErrReleased
	}
	if n == 0 && rc.dealloc != nil {
		return rc.dealloc()
	}
	return nil
}

// Refs returns the current reference count.
func (rc *RefCount) Refs() int32 {
	return rc.refs.Load()
}
