package sealchat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sealchat/sealchat/internal/media"
	"github.com/sealchat/sealchat/pkg/store"
)

// DecryptedMedia is what ReceiveMedia hands the UI layer. Failed media items
// render inline, like failed text; Err distinguishes tampered data from
// legacy pre-encryption uploads that can only be resent.
type DecryptedMedia struct {
	Data     []byte
	MimeType string
	Failed   bool
	Err      error
}

// SendMedia encrypts a binary payload under the conversation key, writes the
// ciphertext blob at a randomized path, and appends a record whose envelope
// carries the IV, the MIME hint, and the blob path.
func (s *Session) SendMedia(ctx context.Context, conversationID string, data []byte, mimeType string) (store.Record, error) {
	if err := s.ready(); err != nil {
		return store.Record{}, err
	}

	key, err := s.resolver.EnsureConversationKey(ctx, conversationID, s.identity)
	if err != nil {
		return store.Record{}, err
	}

	env, err := s.mediaCodec.Seal(ctx, data, mimeType, key)
	if err != nil {
		return store.Record{}, err
	}

	rec := store.Record{
		ID:       uuid.NewString(),
		Sender:   s.identity.UserID,
		SentAt:   time.Now().UTC(),
		Type:     store.RecordMedia,
		Envelope: env,
	}
	if err := s.config.Messages.Append(ctx, conversationID, rec); err != nil {
		return store.Record{}, fmt.Errorf("append media record: %w", err)
	}
	return rec, nil
}

// ReceiveMedia returns the decrypted media for a record, serving repeat views
// from the bounded in-memory cache. Like text, per-item failures come back as
// inline markers.
func (s *Session) ReceiveMedia(ctx context.Context, conversationID string, rec store.Record) (DecryptedMedia, error) {
	if err := s.ready(); err != nil {
		return DecryptedMedia{}, err
	}

	key, err := s.resolver.EnsureConversationKey(ctx, conversationID, s.identity)
	if err != nil {
		if errors.Is(err, ErrStorageUnavailable) {
			return DecryptedMedia{}, err
		}
		return s.failedMedia(conversationID, rec.ID, err), nil
	}

	item, err := s.mediaCodec.Open(ctx, rec.ID, rec.Envelope, key)
	if err != nil {
		return s.failedMedia(conversationID, rec.ID, err), nil
	}

	return DecryptedMedia{Data: item.Data, MimeType: item.MimeType}, nil
}

// MediaCacheLen reports how many decrypted media items are currently cached.
func (s *Session) MediaCacheLen() int {
	if s.mediaCache == nil {
		return 0
	}
	return s.mediaCache.Len()
}

func (s *Session) failedMedia(conversationID, messageID string, err error) DecryptedMedia {
	level := s.log.WithField("conversation", conversationID).WithField("message", messageID)
	if errors.Is(err, media.ErrLegacyFormat) {
		level.Warn("media predates encryption, asking for resend")
	} else {
		level.Warnf("media decryption failed: %v", err)
	}
	return DecryptedMedia{Failed: true, Err: err}
}
