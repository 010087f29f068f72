package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"dev.c0redev.blockwire/internal/region"
)

// Encryptor turns plaintext regions into cipher streams. It owns one
// plaintext and one ciphertext segment buffer and serves one region at a time,
// so an outbound connection needs exactly one.
type Encryptor struct {
	params Params
	plain  *region.SegmentBuffer
	sealed *region.SegmentBuffer
	active *EncryptedRegion
}

func NewEncryptor(p Params) (*Encryptor, error) {
	p, err := p.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Encryptor{
		params: p,
		plain:  region.NewSegmentBuffer(p.PlaintextSegmentSize()),
		sealed: region.NewSegmentBuffer(p.SegmentSize),
	}, nil
}

// Params returns the effective parameters.
func (e *Encryptor) Params() Params { return e.params }

// Encrypt wraps src in a region that emits [length][header][segments]. It
// takes over the caller's reference to src. A fresh salt and nonce prefix
// are drawn per call.
func (e *Encryptor) Encrypt(src region.Region) (*EncryptedRegion, error) {
	if a := e.active; a != nil && !region.Done(a) && a.Refs() > 0 {
		return nil, ErrEncryptorBusy
	}
	p := e.params
	n := region.Remaining(src)
	if segs := (n + int64(p.PlaintextSegmentSize()) - 1) / int64(p.PlaintextSegmentSize()); segs > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d plaintext bytes need %d segments", ErrInvalidParams, n, segs)
	}
	total := p.ExpectedCiphertextSize(n)

	prefix := make([]byte, LengthPrefixSize+p.HeaderLen())
	binary.BigEndian.PutUint64(prefix, uint64(total))
	hdr := prefix[LengthPrefixSize:]
	hdr[0] = byte(p.HeaderLen())
	if _, err := io.ReadFull(p.Rand, hdr[1:]); err != nil {
		return nil, fmt.Errorf("crypto: stream header: %w", err)
	}
	salt, noncePrefix := hdr[1:1+len(p.Key)], hdr[1+len(p.Key):]

	key, err := segmentKey(p.Key, salt, aadFor(total))
	if err != nil {
		return nil, err
	}
	aead, err := p.Suite.newAEAD(key)
	if err != nil {
		return nil, err
	}

	e.plain.Reset(int(min(n, int64(e.plain.Cap()))))
	e.sealed.Reset(0)
	r := &EncryptedRegion{
		enc:         e,
		src:         src,
		aead:        aead,
		prefix:      prefix,
		noncePrefix: noncePrefix,
		count:       total,
	}
	r.Init(func() error {
		if e.active == r {
			e.active = nil
		}
		return nil
	})
	e.active = r
	return r, nil
}

// EncryptedRegion is the ciphertext view of a plaintext region. At most one
// sealed segment is buffered between calls; the source is read once, in order.
type EncryptedRegion struct {
	region.RefCount
	enc         *Encryptor
	src         region.Region
	aead        cipher.AEAD
	prefix      []byte // length prefix + header
	prefixOff   int
	noncePrefix []byte
	nonce       [nonceSize]byte
	seg         uint32
	sealedLast  bool
	count       int64
	done        int64
}

func (r *EncryptedRegion) Count() int64       { return r.count }
func (r *EncryptedRegion) Transferred() int64 { return r.done }

// Source returns the wrapped plaintext region.
func (r *EncryptedRegion) Source() region.Region { return r.src }

func (r *EncryptedRegion) TransferTo(ch region.Channel) (int64, error) {
	if region.Done(r) {
		return 0, region.ErrAlreadyComplete
	}
	var total int64
	for {
		n, more, err := r.step(ch)
		total += n
		if err != nil || !more {
			return total, err
		}
	}
}

// step moves one unit of work and reports whether another may follow
// without waiting on ch or the source.
func (r *EncryptedRegion) step(ch region.Channel) (int64, bool, error) {
	if r.prefixOff < len(r.prefix) {
		n, err := ch.Write(r.prefix[r.prefixOff:])
		r.prefixOff += n
		r.done += int64(n)
		return int64(n), err == nil && r.prefixOff == len(r.prefix), err
	}

	out := r.enc.sealed
	if out.Unflushed() > 0 {
		n, err := out.FlushTo(ch)
		r.done += n
		return n, err == nil && out.Unflushed() == 0 && !r.sealedLast, err
	}
	if r.sealedLast {
		return 0, false, nil
	}

	in := r.enc.plain
	if !in.Full() {
		if _, err := r.src.TransferTo(in); err != nil {
			return 0, false, fmt.Errorf("crypto: read plaintext: %w", err)
		}
		if !in.Full() {
			return 0, false, nil
		}
	}

	last := region.Done(r.src)
	putNonce(&r.nonce, r.noncePrefix, r.seg, last)
	out.Reset(in.Len() + TagSize)
	sealed := r.aead.Seal(out.Spare(), r.nonce[:], in.Bytes(), nil)
	out.Advance(len(sealed))
	r.seg++
	r.sealedLast = last
	in.Reset(int(min(region.Remaining(r.src), int64(in.Cap()))))
	return 0, true, nil
}

// Retain keeps the source alive with the ciphertext stream.
func (r *EncryptedRegion) Retain() {
	r.RefCount.Retain()
	r.src.Retain()
}

func (r *EncryptedRegion) Release() error {
	if err := r.RefCount.Release(); err != nil {
		return err
	}
	return r.src.Release()
}
