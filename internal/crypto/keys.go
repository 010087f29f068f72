package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

const protocolInfo = "blockwire-v1"

func deriveKey(secret []byte, info string, size int) ([]byte, error) {
	h := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, size)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// DeriveDirectionalKeys expands a pre-shared secret into independent
// client-to-server and server-to-client keys of the given size.
func DeriveDirectionalKeys(secret []byte, info string, size int) (c2s, s2c []byte, err error) {
	if info == "" {
		info = protocolInfo
	}
	c2s, err = deriveKey(secret, info+"|c2s", size)
	if err != nil {
		return nil, nil, err
	}
	s2c, err = deriveKey(secret, info+"|s2c", size)
	if err != nil {
		return nil, nil, err
	}
	return c2s, s2c, nil
}

// KeyRing holds one connection side's send and receive keys in locked memory.
type KeyRing struct {
	send, recv  *memguard.LockedBuffer
	suite       Suite
	segmentSize int
}

// NewKeyRing derives both directions from secret. The server sends with the
// s2c key and receives with c2s; the client does the opposite.
func NewKeyRing(secret []byte, server bool, suite Suite, segmentSize int) (*KeyRing, error) {
	size := 32
	c2s, s2c, err := DeriveDirectionalKeys(secret, "", size)
	if err != nil {
		return nil, err
	}
	send, recv := c2s, s2c
	if server {
		send, recv = s2c, c2s
	}
	kr := &KeyRing{
		send:        memguard.NewBufferFromBytes(send),
		recv:        memguard.NewBufferFromBytes(recv),
		suite:       suite,
		segmentSize: segmentSize,
	}
	if _, err := kr.SendParams().withDefaults(); err != nil {
		kr.Destroy()
		return nil, err
	}
	return kr, nil
}

// SendParams: Key aliases locked memory and is valid until Destroy.
func (k *KeyRing) SendParams() Params {
	return Params{Key: k.send.Bytes(), Suite: k.suite, SegmentSize: k.segmentSize}
}

func (k *KeyRing) RecvParams() Params {
	return Params{Key: k.recv.Bytes(), Suite: k.suite, SegmentSize: k.segmentSize}
}

// Destroy wipes both keys.
func (k *KeyRing) Destroy() {
	k.send.Destroy()
	k.recv.Destroy()
}
