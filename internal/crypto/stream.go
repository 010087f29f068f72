package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidParams = errors.New("crypto: invalid stream parameters")
	// ErrAuthenticationSetup: bad length prefix or stream header.
	ErrAuthenticationSetup = errors.New("crypto: stream setup failed")
	// ErrAuthenticationFailure: a segment did not verify.
	ErrAuthenticationFailure = errors.New("crypto: segment authentication failed")
	// ErrLengthOverrun: bytes received past the declared stream length.
	ErrLengthOverrun = errors.New("crypto: data past declared stream length")
	// ErrIncompleteStream: decryptor closed in the middle of a stream.
	ErrIncompleteStream = errors.New("crypto: stream closed before its declared length")
	// ErrEncryptorBusy: Encrypt called while the previous region is still in flight.
	ErrEncryptorBusy = errors.New("crypto: previous encrypted region still in flight")
)

const (
	TagSize            = 16
	NoncePrefixSize    = 7
	LengthPrefixSize   = 8
	DefaultSegmentSize = 32 << 10
	MaxSegmentSize     = 1 << 24
	nonceSize          = NoncePrefixSize + 4 + 1
)

// Params configure one direction of a cipher stream.
type Params struct {
	Key   []byte
	Suite Suite
	// SegmentSize is the ciphertext size of every non-final segment, tag included.
	SegmentSize int
	// Rand supplies salts and nonce prefixes; nil = crypto/rand.
	Rand io.Reader
}

func (p Params) withDefaults() (Params, error) {
	if p.SegmentSize == 0 {
		p.SegmentSize = DefaultSegmentSize
	}
	if p.Rand == nil {
		p.Rand = rand.Reader
	}
	if !p.Suite.keySizeOK(len(p.Key)) {
		return p, fmt.Errorf("%w: %d-byte key for %s", ErrInvalidParams, len(p.Key), p.Suite)
	}
	if p.SegmentSize <= TagSize || p.SegmentSize > MaxSegmentSize {
		return p, fmt.Errorf("%w: segment size %d", ErrInvalidParams, p.SegmentSize)
	}
	return p, nil
}

// HeaderLen is 1 + salt (key length) + nonce prefix.
func (p Params) HeaderLen() int { return 1 + len(p.Key) + NoncePrefixSize }

// PlaintextSegmentSize is the plaintext carried by every non-final segment.
func (p Params) PlaintextSegmentSize() int { return p.segmentSize() - TagSize }

func (p Params) segmentSize() int {
	if p.SegmentSize == 0 {
		return DefaultSegmentSize
	}
	return p.SegmentSize
}

// ExpectedCiphertextSize is the full wire size of a stream carrying n
// plaintext bytes: length prefix, header, segments and their tags.
func (p Params) ExpectedCiphertextSize(n int64) int64 {
	ps := int64(p.PlaintextSegmentSize())
	segs := (n + ps - 1) / ps
	if segs < 1 {
		segs = 1
	}
	return LengthPrefixSize + int64(p.HeaderLen()) + n + TagSize*segs
}

// validLength reports whether total can be produced by ExpectedCiphertextSize.
func (p Params) validLength(total int64) bool {
	body := total - LengthPrefixSize - int64(p.HeaderLen())
	if body < TagSize {
		return false
	}
	seg := int64(p.segmentSize())
	full, rem := body/seg, body%seg
	switch {
	case rem == 0:
		return full > 0
	case rem < TagSize:
		return false
	case rem == TagSize:
		return full == 0
	}
	return true
}

func aadFor(total int64) []byte {
	var aad [8]byte
	binary.BigEndian.PutUint64(aad[:], uint64(total))
	return aad[:]
}

// segmentKey = HKDF-SHA256(key, salt, aad).
func segmentKey(key, salt, aad []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, key, salt, aad)
	k := make([]byte, len(key))
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return k, nil
}

func putNonce(dst *[nonceSize]byte, prefix []byte, seg uint32, last bool) {
	copy(dst[:NoncePrefixSize], prefix)
	binary.BigEndian.PutUint32(dst[NoncePrefixSize:], seg)
	dst[nonceSize-1] = 0
	if last {
		dst[nonceSize-1] = 1
	}
}
