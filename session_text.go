package sealchat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sealchat/sealchat/internal/symcipher"
	"github.com/sealchat/sealchat/pkg/envelope"
	"github.com/sealchat/sealchat/pkg/store"
)

// DecryptedText is what ReceiveText hands the UI layer. When decryption is
// impossible (missing key, tampered ciphertext) Failed is set and Err holds
// the kind, so the conversation view renders an inline error state for this
// one message instead of aborting.
type DecryptedText struct {
	Text   string
	Failed bool
	Err    error
}

// SendText encrypts plaintext under the conversation key (resolving or
// creating it as needed) and appends the ciphertext envelope to the message
// store. Returns the persisted record.
func (s *Session) SendText(ctx context.Context, conversationID, plaintext string) (store.Record, error) {
	if err := s.ready(); err != nil {
		return store.Record{}, err
	}

	key, err := s.resolver.EnsureConversationKey(ctx, conversationID, s.identity)
	if err != nil {
		return store.Record{}, err
	}

	ciphertext, iv, err := symcipher.Encrypt([]byte(plaintext), key)
	if err != nil {
		return store.Record{}, err
	}

	rec := store.Record{
		ID:       uuid.NewString(),
		Sender:   s.identity.UserID,
		SentAt:   time.Now().UTC(),
		Type:     store.RecordText,
		Envelope: envelope.Seal(ciphertext, iv, ""),
	}
	if err := s.config.Messages.Append(ctx, conversationID, rec); err != nil {
		return store.Record{}, fmt.Errorf("append message: %w", err)
	}
	return rec, nil
}

// ReceiveText decrypts one message record. Decryption failures come back as
// an inline marker, not an error; only infrastructure failures (vault
// unavailable, session closed) surface as errors.
func (s *Session) ReceiveText(ctx context.Context, conversationID string, rec store.Record) (DecryptedText, error) {
	if err := s.ready(); err != nil {
		return DecryptedText{}, err
	}

	key, err := s.resolver.EnsureConversationKey(ctx, conversationID, s.identity)
	if err != nil {
		if errors.Is(err, ErrStorageUnavailable) {
			return DecryptedText{}, err
		}
		return s.failedText(conversationID, rec.ID, err), nil
	}

	ciphertext, iv, err := rec.Envelope.Open()
	if err != nil {
		return s.failedText(conversationID, rec.ID, err), nil
	}

	plaintext, err := symcipher.Decrypt(ciphertext, key, iv)
	if err != nil {
		return s.failedText(conversationID, rec.ID, err), nil
	}

	return DecryptedText{Text: string(plaintext)}, nil
}

func (s *Session) failedText(conversationID, messageID string, err error) DecryptedText {
	s.log.WithField("conversation", conversationID).
		WithField("message", messageID).
		Warnf("message decryption failed: %v", err)
	return DecryptedText{Failed: true, Err: err}
}
