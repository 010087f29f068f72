package crypto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"dev.c0redev.blockwire/internal/region"
)

// seqRand is a deterministic byte source.
type seqRand struct{ n byte }

func (r *seqRand) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.n
		r.n = r.n*31 + 7
	}
	return len(p), nil
}

type trickle struct {
	buf bytes.Buffer
	max int
}

func (t *trickle) Write(p []byte) (int, error) {
	if len(p) > t.max {
		p = p[:t.max]
	}
	return t.buf.Write(p)
}

func testParams(suite Suite, segment int) Params {
	key := bytes.Repeat([]byte{0x42}, 32)
	return Params{Key: key, Suite: suite, SegmentSize: segment, Rand: &seqRand{n: 1}}
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func encrypt(t *testing.T, p Params, plain []byte, ch region.Channel) *EncryptedRegion {
	t.Helper()
	e, err := NewEncryptor(p)
	require.NoError(t, err)
	r, err := e.Encrypt(region.NewBuffer(plain))
	require.NoError(t, err)
	var last int64
	for !region.Done(r) {
		n, err := r.TransferTo(ch)
		require.NoError(t, err)
		require.Equal(t, last+n, r.Transferred())
		last = r.Transferred()
	}
	return r
}

func seal(t *testing.T, p Params, plain []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	r := encrypt(t, p, plain, &out)
	require.NoError(t, r.Release())
	return out.Bytes()
}

func TestRoundTripSizes(t *testing.T) {
	for _, suite := range []Suite{SuiteAESGCM, SuiteChaCha20Poly1305} {
		for _, segment := range []int{64, DefaultSegmentSize} {
			p := testParams(suite, segment)
			ps := p.PlaintextSegmentSize()
			for _, n := range []int{0, 1, ps - 1, ps, ps + 1, 10 * ps} {
				t.Run(fmt.Sprintf("%s/%d/%d", suite, segment, n), func(t *testing.T) {
					plain := payload(n)
					ct := seal(t, p, plain)
					require.Equal(t, p.ExpectedCiphertextSize(int64(n)), int64(len(ct)))
					require.Equal(t, uint64(len(ct)), binary.BigEndian.Uint64(ct))
					require.Equal(t, byte(p.HeaderLen()), ct[LengthPrefixSize])

					var out bytes.Buffer
					d, err := NewDecryptor(p, &out)
					require.NoError(t, err)
					written, err := d.Write(ct)
					require.NoError(t, err)
					require.Equal(t, len(ct), written)
					require.True(t, d.Done())
					require.Equal(t, int64(0), d.Remaining())
					require.Equal(t, plain, out.Bytes())
					require.NoError(t, d.Close())
				})
			}
		}
	}
}

func TestExpectedCiphertextSize(t *testing.T) {
	p := testParams(SuiteAESGCM, 0)
	h := int64(p.HeaderLen())
	require.Equal(t, int64(1+32+7), h)
	ps := int64(DefaultSegmentSize - TagSize)
	require.Equal(t, 8+h+16, p.ExpectedCiphertextSize(0))
	require.Equal(t, 8+h+ps+16, p.ExpectedCiphertextSize(ps))
	require.Equal(t, 8+h+ps+1+32, p.ExpectedCiphertextSize(ps+1))
	for _, n := range []int64{0, 1, ps, ps + 1, 5*ps + 3} {
		require.True(t, p.validLength(p.ExpectedCiphertextSize(n)), n)
	}
	require.False(t, p.validLength(8+h+15))
	require.False(t, p.validLength(8+h+DefaultSegmentSize+16))
}

func TestSlowChannelIsByteIdentical(t *testing.T) {
	plain := payload(1000)
	bulk := seal(t, testParams(SuiteAESGCM, 64), plain)

	ch := &trickle{max: 1}
	r := encrypt(t, testParams(SuiteAESGCM, 64), plain, ch)
	require.NoError(t, r.Release())
	require.Equal(t, bulk, ch.buf.Bytes())
}

func TestStalledChannelMakesNoProgress(t *testing.T) {
	e, err := NewEncryptor(testParams(SuiteChaCha20Poly1305, 64))
	require.NoError(t, err)
	r, err := e.Encrypt(region.NewBuffer(payload(200)))
	require.NoError(t, err)
	defer r.Release()

	stalled := &trickle{max: 0}
	n, err := r.TransferTo(stalled)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, r.Transferred())

	var out bytes.Buffer
	for !region.Done(r) {
		_, err := r.TransferTo(&out)
		require.NoError(t, err)
	}
	_, err = r.TransferTo(&out)
	require.ErrorIs(t, err, region.ErrAlreadyComplete)
	require.Equal(t, r.Count(), int64(out.Len()))
}

func TestDecryptSplitAnywhere(t *testing.T) {
	p := testParams(SuiteAESGCM, 64)
	plain := payload(3*p.PlaintextSegmentSize() + 5)
	ct := seal(t, p, plain)

	for split := 0; split <= len(ct); split++ {
		var out bytes.Buffer
		d, err := NewDecryptor(p, &out)
		require.NoError(t, err)
		_, err = d.Write(ct[:split])
		require.NoError(t, err)
		_, err = d.Write(ct[split:])
		require.NoError(t, err)
		require.True(t, d.Done())
		require.Equal(t, plain, out.Bytes(), "split %d", split)
	}

	var out bytes.Buffer
	d, err := NewDecryptor(p, &out)
	require.NoError(t, err)
	for i := range ct {
		_, err := d.Write(ct[i : i+1])
		require.NoError(t, err)
	}
	require.Equal(t, plain, out.Bytes())
}

func TestDecryptEmitsSegmentsAsTheyVerify(t *testing.T) {
	p := testParams(SuiteAESGCM, 64)
	ps := p.PlaintextSegmentSize()
	plain := payload(4 * ps)
	ct := seal(t, p, plain)
	first := LengthPrefixSize + p.HeaderLen() + p.SegmentSize

	var out bytes.Buffer
	d, err := NewDecryptor(p, &out)
	require.NoError(t, err)
	_, err = d.Write(ct[:first-1])
	require.NoError(t, err)
	require.Zero(t, out.Len())
	_, err = d.Write(ct[first-1 : first])
	require.NoError(t, err)
	require.Equal(t, plain[:ps], out.Bytes())
}

func TestTamperedSegmentFails(t *testing.T) {
	for _, suite := range []Suite{SuiteAESGCM, SuiteChaCha20Poly1305} {
		p := testParams(suite, 64)
		ps := p.PlaintextSegmentSize()
		plain := payload(4*ps + 5)
		sealed := seal(t, p, plain)
		body := LengthPrefixSize + p.HeaderLen()
		segments := (len(sealed) - body + p.SegmentSize - 1) / p.SegmentSize
		require.Equal(t, 5, segments)

		for i := 0; i < segments; i++ {
			start := body + i*p.SegmentSize
			end := min(start+p.SegmentSize, len(sealed))
			// first ciphertext bit, a middle bit and the last bit of the tag
			for _, bit := range []int{start * 8, (start+end)*4 + 3, end*8 - 1} {
				t.Run(fmt.Sprintf("%s/segment%d/bit%d", suite, i, bit), func(t *testing.T) {
					ct := bytes.Clone(sealed)
					ct[bit/8] ^= 1 << (bit % 8)

					var out bytes.Buffer
					d, err := NewDecryptor(p, &out)
					require.NoError(t, err)
					_, err = d.Write(ct)
					require.ErrorIs(t, err, ErrAuthenticationFailure)
					require.Equal(t, plain[:i*ps], out.Bytes())

					_, err = d.Write([]byte{0})
					require.ErrorIs(t, err, ErrAuthenticationFailure)
					require.Equal(t, i*ps, out.Len())
				})
			}
		}
	}
}

func TestTruncationIsDetected(t *testing.T) {
	p := testParams(SuiteAESGCM, 64)
	ct := seal(t, p, payload(3*p.PlaintextSegmentSize()))

	// shorten the declared length by one whole segment: the key changes with it
	cut := append([]byte(nil), ct[:len(ct)-p.SegmentSize]...)
	binary.BigEndian.PutUint64(cut, uint64(len(cut)))
	d, err := NewDecryptor(p, &bytes.Buffer{})
	require.NoError(t, err)
	_, err = d.Write(cut)
	require.ErrorIs(t, err, ErrAuthenticationFailure)
}

func TestWrongKeyFails(t *testing.T) {
	p := testParams(SuiteAESGCM, 64)
	ct := seal(t, p, payload(10))
	other := p
	other.Key = bytes.Repeat([]byte{0x43}, 32)
	d, err := NewDecryptor(other, &bytes.Buffer{})
	require.NoError(t, err)
	_, err = d.Write(ct)
	require.ErrorIs(t, err, ErrAuthenticationFailure)
}

func TestLengthOverrun(t *testing.T) {
	p := testParams(SuiteAESGCM, 64)
	plain := payload(100)
	ct := seal(t, p, plain)

	var out bytes.Buffer
	d, err := NewDecryptor(p, &out)
	require.NoError(t, err)
	n, err := d.Write(append(ct, 1, 2, 3))
	require.ErrorIs(t, err, ErrLengthOverrun)
	require.Equal(t, len(ct), n)
	require.Equal(t, plain, out.Bytes())
}

func TestSetupErrors(t *testing.T) {
	p := testParams(SuiteAESGCM, 64)
	ct := seal(t, p, payload(100))

	badHeader := append([]byte(nil), ct...)
	badHeader[LengthPrefixSize] = 3
	d, err := NewDecryptor(p, &bytes.Buffer{})
	require.NoError(t, err)
	_, err = d.Write(badHeader)
	require.ErrorIs(t, err, ErrAuthenticationSetup)

	badLength := append([]byte(nil), ct...)
	binary.BigEndian.PutUint64(badLength, 10)
	d, err = NewDecryptor(p, &bytes.Buffer{})
	require.NoError(t, err)
	_, err = d.Write(badLength)
	require.ErrorIs(t, err, ErrAuthenticationSetup)
}

func TestCloseMidStream(t *testing.T) {
	p := testParams(SuiteAESGCM, 64)
	ct := seal(t, p, payload(100))
	d, err := NewDecryptor(p, &bytes.Buffer{})
	require.NoError(t, err)
	_, err = d.Write(ct[:20])
	require.NoError(t, err)
	require.Equal(t, int64(len(ct)-20), d.Remaining())
	require.ErrorIs(t, d.Close(), ErrIncompleteStream)

	fresh, err := NewDecryptor(p, &bytes.Buffer{})
	require.NoError(t, err)
	require.Equal(t, int64(-1), fresh.Remaining())
	require.NoError(t, fresh.Close())
}

func TestStagingMemoryBound(t *testing.T) {
	p := testParams(SuiteAESGCM, 0)
	e, err := NewEncryptor(p)
	require.NoError(t, err)
	require.LessOrEqual(t, e.plain.Cap()+e.sealed.Cap(), 2*DefaultSegmentSize)

	d, err := NewDecryptor(p, &bytes.Buffer{})
	require.NoError(t, err)
	require.LessOrEqual(t, d.staged.Cap()+cap(d.plain), 2*DefaultSegmentSize)
}

func TestEncryptFileSource(t *testing.T) {
	p := testParams(SuiteAESGCM, 4096)
	plain := payload(50_000)
	path := filepath.Join(t.TempDir(), "blk")
	require.NoError(t, os.WriteFile(path, plain, 0o600))

	src, err := region.OpenFile(path, 0, -1)
	require.NoError(t, err)
	e, err := NewEncryptor(p)
	require.NoError(t, err)
	r, err := e.Encrypt(src)
	require.NoError(t, err)

	ch := &trickle{max: 1000}
	for !region.Done(r) {
		_, err := r.TransferTo(ch)
		require.NoError(t, err)
	}
	require.NoError(t, r.Release())
	require.Equal(t, p.ExpectedCiphertextSize(int64(len(plain))), int64(ch.buf.Len()))

	var out bytes.Buffer
	d, err := NewDecryptor(p, &out)
	require.NoError(t, err)
	_, err = d.Write(ch.buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, plain, out.Bytes())
}

func TestEncryptedRegionForwardsRefs(t *testing.T) {
	e, err := NewEncryptor(testParams(SuiteAESGCM, 64))
	require.NoError(t, err)
	src := region.NewBuffer(payload(10))
	r, err := e.Encrypt(src)
	require.NoError(t, err)

	r.Retain()
	require.Equal(t, int32(2), src.Refs())
	require.NoError(t, r.Release())
	require.Equal(t, int32(1), src.Refs())

	_, err = e.Encrypt(region.NewBuffer(nil))
	require.ErrorIs(t, err, ErrEncryptorBusy)

	require.NoError(t, r.Release())
	require.Zero(t, src.Refs())
	require.ErrorIs(t, r.Release(), region.ErrReleased)

	next, err := e.Encrypt(region.NewBuffer(nil))
	require.NoError(t, err)
	require.NoError(t, next.Release())
}

func TestChainBackToBackStreams(t *testing.T) {
	p := testParams(SuiteAESGCM, 64)
	a, b := payload(130), payload(7)
	stream := append(seal(t, p, a), seal(t, p, b)...)

	for _, step := range []int{1, 5, 61, len(stream)} {
		var out bytes.Buffer
		c, err := NewChain(p, &out)
		require.NoError(t, err)
		for off := 0; off < len(stream); off += step {
			_, err := c.Write(stream[off:min(off+step, len(stream))])
			require.NoError(t, err)
		}
		require.Equal(t, 2, c.Streams())
		require.Equal(t, append(append([]byte(nil), a...), b...), out.Bytes())
		require.NoError(t, c.Close())
	}

	c, err := NewChain(p, &bytes.Buffer{})
	require.NoError(t, err)
	_, err = c.Write(stream[:len(stream)-1])
	require.NoError(t, err)
	require.ErrorIs(t, c.Close(), ErrIncompleteStream)
}

func TestInvalidParams(t *testing.T) {
	_, err := NewEncryptor(Params{Key: make([]byte, 20)})
	require.ErrorIs(t, err, ErrInvalidParams)
	_, err = NewDecryptor(Params{Key: make([]byte, 16), Suite: SuiteChaCha20Poly1305}, &bytes.Buffer{})
	require.ErrorIs(t, err, ErrInvalidParams)
	_, err = NewEncryptor(Params{Key: make([]byte, 32), SegmentSize: TagSize})
	require.ErrorIs(t, err, ErrInvalidParams)
	_, err = ParseSuite("rot13")
	require.ErrorIs(t, err, ErrInvalidParams)
	s, err := ParseSuite("ChaCha20-Poly1305")
	require.NoError(t, err)
	require.Equal(t, SuiteChaCha20Poly1305, s)
}

// stutterSource hands out at most step bytes per call and nothing on every
// other call, like a source whose data arrives late.
type stutterSource struct {
	data  []byte
	off   int
	step  int
	calls int
}

func (s *stutterSource) Count() int64       { return int64(len(s.data)) }
func (s *stutterSource) Transferred() int64 { return int64(s.off) }
func (s *stutterSource) Retain()            {}
func (s *stutterSource) Release() error     { return nil }

func (s *stutterSource) TransferTo(ch region.Channel) (int64, error) {
	s.calls++
	if s.calls%2 == 0 {
		return 0, nil
	}
	n, err := ch.Write(s.data[s.off:min(s.off+s.step, len(s.data))])
	s.off += n
	return int64(n), err
}

func TestShortSourceReadsAreByteIdentical(t *testing.T) {
	for _, n := range []int{0, 1, 49, 48 * 3, 1000} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			plain := payload(n)
			bulk := seal(t, testParams(SuiteAESGCM, 64), plain)

			e, err := NewEncryptor(testParams(SuiteAESGCM, 64))
			require.NoError(t, err)
			src := &stutterSource{data: plain, step: 7}
			r, err := e.Encrypt(src)
			require.NoError(t, err)

			var out bytes.Buffer
			var last int64
			stalls := 0
			for !region.Done(r) {
				moved, err := r.TransferTo(&out)
				require.NoError(t, err)
				require.Equal(t, last+moved, r.Transferred())
				require.Equal(t, r.Transferred(), int64(out.Len()))
				if moved == 0 {
					stalls++
				}
				last = r.Transferred()
			}
			require.NoError(t, r.Release())
			require.Equal(t, bulk, out.Bytes())
			if n > src.step {
				require.Positive(t, stalls)
			}
		})
	}
}
