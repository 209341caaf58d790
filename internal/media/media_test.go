package media

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealchat/sealchat/internal/symcipher"
	"github.com/sealchat/sealchat/pkg/envelope"
	"github.com/sealchat/sealchat/pkg/store"
)

func newTestCodec(t *testing.T) (*Codec, *store.MemoryBlobs, []byte) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	blobs := store.NewMemoryBlobs()
	key, err := symcipher.NewKey()
	require.NoError(t, err)
	return NewCodec(blobs, NewCache(8), log), blobs, key
}

func TestSealOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	codec, blobs, key := newTestCodec(t)

	payload := bytes.Repeat([]byte("jpeg-ish payload "), 512)
	env, err := codec.Seal(ctx, payload, "image/jpeg", key)
	require.NoError(t, err)
	require.True(t, env.HasIV())
	require.NotEmpty(t, env.BlobPath)
	assert.Equal(t, "image/jpeg", env.MimeType)
	assert.Empty(t, env.Ciphertext, "media ciphertext lives in the blob store, not the record")

	// The stored blob is ciphertext: the plaintext must not appear in it.
	stored, err := blobs.Get(ctx, env.BlobPath)
	require.NoError(t, err)
	assert.NotContains(t, string(stored), "jpeg-ish")

	item, err := codec.Open(ctx, "msg-1", env, key)
	require.NoError(t, err)
	assert.Equal(t, payload, item.Data)
	assert.Equal(t, "image/jpeg", item.MimeType)
}

func TestOpenPopulatesCache(t *testing.T) {
	ctx := context.Background()
	codec, blobs, key := newTestCodec(t)

	env, err := codec.Seal(ctx, []byte("cache me"), "image/png", key)
	require.NoError(t, err)

	_, err = codec.Open(ctx, "msg-1", env, key)
	require.NoError(t, err)

	// Delete the blob; the cached copy must still serve.
	require.NoError(t, blobs.Delete(ctx, env.BlobPath))
	item, err := codec.Open(ctx, "msg-1", env, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("cache me"), item.Data)
}

func TestOpenFallsBackToSignedFetch(t *testing.T) {
	ctx := context.Background()
	codec, blobs, key := newTestCodec(t)

	env, err := codec.Seal(ctx, []byte("via signed url"), "image/png", key)
	require.NoError(t, err)

	blobs.FailDirectGet = true
	item, err := codec.Open(ctx, "msg-1", env, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("via signed url"), item.Data)
}

func TestOpenMissingBlobIsNotRetriedViaSignedURL(t *testing.T) {
	ctx := context.Background()
	codec, _, key := newTestCodec(t)

	env := envelope.SealDetached(make([]byte, envelope.IVSize), "image/png", "media/never-uploaded")
	_, err := codec.Open(ctx, "msg-1", env, key)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestOpenLegacyFormat(t *testing.T) {
	ctx := context.Background()
	codec, _, key := newTestCodec(t)

	cases := map[string]envelope.Envelope{
		"no iv":        {BlobPath: "media/old", MimeType: "image/gif"},
		"no blob path": {IV: "AAAAAAAAAAAAAAAA", MimeType: "image/gif"},
		"empty":        {},
	}
	for name, env := range cases {
		_, err := codec.Open(ctx, "msg-"+name, env, key)
		assert.ErrorIs(t, err, ErrLegacyFormat, name)
	}
}

func TestOpenTamperedBlobFailsAuthentication(t *testing.T) {
	ctx := context.Background()
	codec, blobs, key := newTestCodec(t)

	env, err := codec.Seal(ctx, []byte("integrity matters"), "image/png", key)
	require.NoError(t, err)

	stored, err := blobs.Get(ctx, env.BlobPath)
	require.NoError(t, err)
	stored[0] ^= 0x01
	require.NoError(t, blobs.Put(ctx, env.BlobPath, stored))

	_, err = codec.Open(ctx, "msg-1", env, key)
	require.ErrorIs(t, err, symcipher.ErrAuthentication)
}

func TestOpenWrongKeyFailsAuthentication(t *testing.T) {
	ctx := context.Background()
	codec, _, key := newTestCodec(t)

	env, err := codec.Seal(ctx, []byte("secret"), "image/png", key)
	require.NoError(t, err)

	other, err := symcipher.NewKey()
	require.NoError(t, err)
	_, err = codec.Open(ctx, "msg-1", env, other)
	require.ErrorIs(t, err, symcipher.ErrAuthentication)
}

func TestSealUsesUniqueBlobPaths(t *testing.T) {
	ctx := context.Background()
	codec, _, key := newTestCodec(t)

	seen := map[string]bool{}
	for i := 0; i < 16; i++ {
		env, err := codec.Seal(ctx, []byte("same payload"), "image/png", key)
		require.NoError(t, err)
		assert.False(t, seen[env.BlobPath], "blob path reused: %s", env.BlobPath)
		seen[env.BlobPath] = true
	}
}
