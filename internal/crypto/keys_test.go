package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveDirectionalKeys(t *testing.T) {
	secret := []byte("correct horse battery staple")
	c2s, s2c, err := DeriveDirectionalKeys(secret, "", 32)
	require.NoError(t, err)
	require.Len(t, c2s, 32)
	require.NotEqual(t, c2s, s2c)

	again, _, err := DeriveDirectionalKeys(secret, "", 32)
	require.NoError(t, err)
	require.Equal(t, c2s, again)

	other, _, err := DeriveDirectionalKeys(secret, "other-app", 32)
	require.NoError(t, err)
	require.NotEqual(t, c2s, other)
}

func TestKeyRingDirections(t *testing.T) {
	secret := []byte("shared")
	srv, err := NewKeyRing(bytes.Clone(secret), true, SuiteChaCha20Poly1305, 0)
	require.NoError(t, err)
	defer srv.Destroy()
	cli, err := NewKeyRing(bytes.Clone(secret), false, SuiteChaCha20Poly1305, 0)
	require.NoError(t, err)
	defer cli.Destroy()

	require.Equal(t, srv.SendParams().Key, cli.RecvParams().Key)
	require.Equal(t, cli.SendParams().Key, srv.RecvParams().Key)
	require.NotEqual(t, srv.SendParams().Key, srv.RecvParams().Key)

	plain := payload(500)
	sp := srv.SendParams()
	sp.SegmentSize = 128
	ct := seal(t, sp, plain)
	rp := cli.RecvParams()
	rp.SegmentSize = 128
	var out bytes.Buffer
	d, err := NewDecryptor(rp, &out)
	require.NoError(t, err)
	_, err = d.Write(ct)
	require.NoError(t, err)
	require.Equal(t, plain, out.Bytes())
}
