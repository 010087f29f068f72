package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"

	"dev.c0redev.blockwire/internal/region"
)

// Decryptor reverses one cipher stream. Write accepts chunks of any size and
// copies what it needs; each verified plaintext segment is written to the
// downstream writer at once and is only valid for the duration of that call.
// Any failure is sticky.
type Decryptor struct {
	params Params
	out    io.Writer

	lenBuf [LengthPrefixSize]byte
	lenN   int
	header []byte
	hdrN   int

	expected int64
	read     int64
	aead     cipher.AEAD
	nonce    [nonceSize]byte
	seg      uint32
	staged   *region.SegmentBuffer
	plain    []byte
	done     bool
	err      error
}

func NewDecryptor(p Params, out io.Writer) (*Decryptor, error) {
	p, err := p.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Decryptor{
		params: p,
		out:    out,
		header: make([]byte, p.HeaderLen()),
		staged: region.NewSegmentBuffer(p.SegmentSize),
		plain:  make([]byte, 0, p.PlaintextSegmentSize()),
	}, nil
}

// Write consumes all of p or fails. Bytes past the end of the stream fail
// with ErrLengthOverrun.
func (d *Decryptor) Write(p []byte) (int, error) {
	n, err := d.consume(p)
	if err == nil && n < len(p) {
		err = d.fail(fmt.Errorf("%w: %d extra bytes", ErrLengthOverrun, len(p)-n))
	}
	return n, err
}

// Done reports whether the whole stream has been verified and emitted.
func (d *Decryptor) Done() bool { return d.done }

// Remaining is how many more bytes the stream accepts, or -1 while the length
// prefix is still incomplete.
func (d *Decryptor) Remaining() int64 {
	if d.lenN < LengthPrefixSize {
		return -1
	}
	return d.expected - d.read
}

// Close drops stream state. It reports ErrIncompleteStream if a stream was
// started and not finished.
func (d *Decryptor) Close() error {
	mid := d.lenN > 0 && !d.done && d.err == nil
	d.reset()
	d.err = ErrIncompleteStream
	if mid {
		return ErrIncompleteStream
	}
	return nil
}

func (d *Decryptor) reset() {
	d.lenN, d.hdrN = 0, 0
	d.expected, d.read = 0, 0
	d.aead = nil
	d.seg = 0
	d.staged.Reset(0)
	d.done = false
	d.err = nil
}

func (d *Decryptor) fail(err error) error {
	d.err = err
	return err
}

// consume takes bytes up to the end of the current stream and returns how
// many it used.
func (d *Decryptor) consume(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	used := 0
	for len(p) > 0 && !d.done {
		switch {
		case d.lenN < LengthPrefixSize:
			k := copy(d.lenBuf[d.lenN:], p)
			d.lenN += k
			used += k
			p = p[k:]
			if d.lenN < LengthPrefixSize {
				break
			}
			d.expected = int64(binary.BigEndian.Uint64(d.lenBuf[:]))
			d.read = LengthPrefixSize
			if d.expected < 0 || !d.params.validLength(d.expected) {
				return used, d.fail(fmt.Errorf("%w: declared length %d", ErrAuthenticationSetup, d.expected))
			}

		case d.hdrN < len(d.header):
			k := copy(d.header[d.hdrN:], p)
			d.hdrN += k
			d.read += int64(k)
			used += k
			p = p[k:]
			if d.hdrN < len(d.header) {
				break
			}
			if err := d.setup(); err != nil {
				return used, d.fail(err)
			}

		default:
			k, _ := d.staged.Write(p[:min(int64(len(p)), d.expected-d.read)])
			d.read += int64(k)
			used += k
			p = p[k:]
			if !d.staged.Full() {
				break
			}
			if err := d.openSegment(); err != nil {
				return used, err
			}
		}
	}
	return used, nil
}

func (d *Decryptor) setup() error {
	h := d.header
	if int(h[0]) != len(h) {
		return fmt.Errorf("%w: header length %d, want %d", ErrAuthenticationSetup, h[0], len(h))
	}
	keyLen := len(d.params.Key)
	key, err := segmentKey(d.params.Key, h[1:1+keyLen], aadFor(d.expected))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationSetup, err)
	}
	if d.aead, err = d.params.Suite.newAEAD(key); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationSetup, err)
	}
	d.staged.Reset(d.nextSegmentLen())
	return nil
}

func (d *Decryptor) nextSegmentLen() int {
	return int(min(int64(d.staged.Cap()), d.expected-d.read))
}

func (d *Decryptor) openSegment() error {
	last := d.read == d.expected
	putNonce(&d.nonce, d.header[1+len(d.params.Key):], d.seg, last)
	pt, err := d.aead.Open(d.plain[:0], d.nonce[:], d.staged.Bytes(), nil)
	if err != nil {
		return d.fail(fmt.Errorf("%w: segment %d", ErrAuthenticationFailure, d.seg))
	}
	d.seg++
	if last {
		d.done = true
	} else {
		d.staged.Reset(d.nextSegmentLen())
	}
	if _, err := d.out.Write(pt); err != nil {
		return d.fail(err)
	}
	return nil
}

// Chain decrypts back-to-back cipher streams on one inbound connection,
// starting a fresh stream state after each one completes.
type Chain struct {
	dec     *Decryptor
	streams int
}

func NewChain(p Params, out io.Writer) (*Chain, error) {
	d, err := NewDecryptor(p, out)
	if err != nil {
		return nil, err
	}
	return &Chain{dec: d}, nil
}

func (c *Chain) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n, err := c.dec.consume(p)
		total += n
		p = p[n:]
		if err != nil {
			return total, err
		}
		if c.dec.done {
			c.streams++
			c.dec.reset()
		}
	}
	return total, nil
}

// Streams returns the number of completed streams.
func (c *Chain) Streams() int { return c.streams }

// Close reports ErrIncompleteStream when a stream was cut short.
func (c *Chain) Close() error { return c.dec.Close() }
