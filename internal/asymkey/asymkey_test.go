package asymkey

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	pair, err := Generate()
	require.NoError(t, err)

	symKey := make([]byte, 32)
	_, err = rand.Read(symKey)
	require.NoError(t, err)

	wrapped, err := Wrap(symKey, pair.Public)
	require.NoError(t, err)
	require.Equal(t, Bits/8, len(wrapped), "wrapped key must be exactly one RSA block")

	got, err := Unwrap(wrapped, pair.Private)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(symKey, got))
}

func TestUnwrapWithWrongPrivateKey(t *testing.T) {
	alice, err := Generate()
	require.NoError(t, err)
	mallory, err := Generate()
	require.NoError(t, err)

	wrapped, err := Wrap([]byte("0123456789abcdef0123456789abcdef"), alice.Public)
	require.NoError(t, err)

	_, err = Unwrap(wrapped, mallory.Private)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKeyMismatch))
}

func TestExportImportPublic(t *testing.T) {
	pair, err := Generate()
	require.NoError(t, err)

	der, err := ExportPublic(pair.Public)
	require.NoError(t, err)

	pub, err := ImportPublic(der)
	require.NoError(t, err)
	assert.Equal(t, pair.Public.N, pub.N)
	assert.Equal(t, pair.Public.E, pub.E)

	// A key wrapped under the re-imported public key unwraps with the
	// original private key.
	wrapped, err := Wrap([]byte("conversation-key-32-bytes-long!!"), pub)
	require.NoError(t, err)
	got, err := Unwrap(wrapped, pair.Private)
	require.NoError(t, err)
	assert.Equal(t, []byte("conversation-key-32-bytes-long!!"), got)
}

func TestExportImportPrivate(t *testing.T) {
	pair, err := Generate()
	require.NoError(t, err)

	der, err := ExportPrivate(pair.Private)
	require.NoError(t, err)

	priv, err := ImportPrivate(der)
	require.NoError(t, err)

	wrapped, err := Wrap([]byte("round and round"), pair.Public)
	require.NoError(t, err)
	got, err := Unwrap(wrapped, priv)
	require.NoError(t, err)
	assert.Equal(t, []byte("round and round"), got)
}

func TestWrapRejectsOversizedPayload(t *testing.T) {
	pair, err := Generate()
	require.NoError(t, err)

	big := make([]byte, 512)
	_, err = Wrap(big, pair.Public)
	assert.Error(t, err)
}

func TestImportPublicRejectsGarbage(t *testing.T) {
	_, err := ImportPublic([]byte("not DER"))
	assert.Error(t, err)
}
