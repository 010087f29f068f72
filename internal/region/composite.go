package region

// Composite stitches an eagerly built header to a body region without copying
// the body. Header bytes always go out before any body byte.
type Composite struct {
	RefCount
	header []byte
	off    int
	body   Region
}

// NewComposite takes ownership of the body's reference.
func NewComposite(header []byte, body Region) *Composite {
	c := &Composite{header: header, body: body}
	c.Init(nil)
	return c
}

// Body returns the wrapped body region.
func (c *Composite) Body() Region { return c.body }

func (c *Composite) Count() int64 {
	return int64(len(c.header)) + c.body.Count()
}

func (c *Composite) Transferred() int64 {
	return int64(c.off) + c.body.Transferred()
}

func (c *Composite) TransferTo(ch Channel) (int64, error) {
	if Done(c) {
		return 0, ErrAlreadyComplete
	}
	var total int64
	if c.off < len(c.header) {
		n, err := ch.Write(c.header[c.off:])
		c.off += n
		total += int64(n)
		if err != nil || c.off < len(c.header) {
			return total, err
		}
	}
	if Done(c.body) {
		return total, nil
	}
	n, err := c.body.TransferTo(ch)
	return total + n, err
}

// Retain forwards to the body so it lives as long as the composite.
func (c *Composite) Retain() {
	c.RefCount.Retain()
	c.body.Retain()
}

// Release forwards to the body.
func (c *Composite) Release() error {
	if err := c.RefCount.Release(); err != nil {
		return err
	}
	return c.body.Release()
}
