// Package media encrypts and decrypts media blobs. Payloads are compressed,
// sealed with the conversation key, and written to the blob store at a
// randomized opaque path so blob names cannot be enumerated; the envelope's
// IV and a MIME-type hint travel as metadata in the message record. Decrypted
// payloads go through a bounded cache keyed by message id.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"

	"github.com/sealchat/sealchat/internal/symcipher"
	"github.com/sealchat/sealchat/pkg/envelope"
	"github.com/sealchat/sealchat/pkg/store"
)

// ErrLegacyFormat indicates a media record from before encryption was
// introduced: there is no IV and no key material that could ever decrypt it.
// Surfaced to the user as "please resend"; never retried.
var ErrLegacyFormat = errors.New("media: unsupported pre-encryption media format")

// Codec seals and opens media blobs for one session.
type Codec struct {
	blobs store.BlobStore
	cache *Cache
	log   *logrus.Logger
}

// NewCodec builds a codec over the session's blob store and cache.
func NewCodec(blobs store.BlobStore, cache *Cache, log *logrus.Logger) *Codec {
	if log == nil {
		log = logrus.New()
	}
	return &Codec{blobs: blobs, cache: cache, log: log}
}

// Seal compresses and encrypts data under key, uploads the ciphertext to a
// randomized path, and returns the envelope to embed in the message record.
func (c *Codec) Seal(ctx context.Context, data []byte, mimeType string, key []byte) (envelope.Envelope, error) {
	compressed, err := compressLzma(data)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("compress media: %w", err)
	}

	ciphertext, iv, err := symcipher.Encrypt(compressed, key)
	if err != nil {
		return envelope.Envelope{}, err
	}

	path := randomBlobPath()
	if err := c.blobs.Put(ctx, path, ciphertext); err != nil {
		return envelope.Envelope{}, fmt.Errorf("upload media blob: %w", err)
	}

	return envelope.SealDetached(iv, mimeType, path), nil
}

// Open returns the decrypted media for a message record, via the cache when
// possible. Cache misses download the ciphertext blob (direct authenticated
// fetch first, signed-URL fetch when that fails), then decrypt, decompress,
// and populate the cache.
func (c *Codec) Open(ctx context.Context, messageID string, env envelope.Envelope, key []byte) (Item, error) {
	if item, ok := c.cache.Get(messageID); ok {
		return item, nil
	}

	if !env.HasIV() || env.BlobPath == "" {
		return Item{}, ErrLegacyFormat
	}
	iv, err := env.DecodeIV()
	if err != nil {
		return Item{}, err
	}

	ciphertext, err := c.fetch(ctx, env.BlobPath)
	if err != nil {
		return Item{}, err
	}

	compressed, err := symcipher.Decrypt(ciphertext, key, iv)
	if err != nil {
		return Item{}, err
	}
	data, err := decompressLzma(compressed)
	if err != nil {
		return Item{}, fmt.Errorf("decompress media: %w", err)
	}

	item := Item{Data: data, MimeType: env.MimeType}
	c.cache.Add(messageID, item, nil)
	return item, nil
}

// fetch is the documented two-step download: direct authenticated fetch
// first, signed-URL fetch as the fallback for transient authorization or
// network failures.
func (c *Codec) fetch(ctx context.Context, path string) ([]byte, error) {
	data, err := c.blobs.Get(ctx, path)
	if err == nil {
		return data, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("media blob %s: %w", path, err)
	}

	c.log.WithFields(logrus.Fields{
		"path": path,
	}).Warnf("direct blob fetch failed, retrying via signed URL: %v", err)

	data, signedErr := c.blobs.GetSigned(ctx, path)
	if signedErr != nil {
		return nil, fmt.Errorf("fetch media blob %s: direct: %v, signed: %w", path, err, signedErr)
	}
	return data, nil
}

// randomBlobPath returns an unguessable storage path. Paths carry no user or
// conversation information.
func randomBlobPath() string {
	return "media/" + uuid.NewString()
}

func compressLzma(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLzma(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
