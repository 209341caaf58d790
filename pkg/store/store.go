// Package store declares the external collaborators the crypto core talks
// to: the identity directory, the conversation metadata store, the message
// store, and the blob store. The core only ever hands these opaque ciphertext
// and base64-encoded key material; a backend-as-a-service adapter implements
// the interfaces, and the in-memory implementations in this package back the
// tests.
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sealchat/sealchat/pkg/envelope"
)

// ErrNotFound indicates the requested entry does not exist in the backing
// store.
var ErrNotFound = errors.New("store: not found")

// IdentityDirectory publishes and resolves users' public identity keys,
// keyed by normalized user id.
type IdentityDirectory interface {
	// GetPublicKey returns the PKIX DER public key for a user, or ErrNotFound.
	GetPublicKey(ctx context.Context, userID string) ([]byte, error)
	// SetPublicKey publishes a user's PKIX DER public key.
	SetPublicKey(ctx context.Context, userID string, der []byte) error
}

// ConversationMeta is the shared per-conversation document. Everything in it
// is visible to the server; the only secrets it may carry are wrapped key
// packages and, for conversations predating encryption, a legacy plaintext
// key that was never confidential.
type ConversationMeta struct {
	Participants []string `json:"participants"`
	// KeyPackages maps recipient user id to the conversation key wrapped
	// under that recipient's public key, base64-encoded. At most one package
	// per recipient.
	KeyPackages map[string]string `json:"keyPackages,omitempty"`
	// EncryptionEnabled marks conversations whose key has been distributed.
	EncryptionEnabled bool `json:"encryptionEnabled,omitempty"`
	// LegacyPlaintextKey is the pre-E2E migration path: a base64 conversation
	// key stored in the clear.
	LegacyPlaintextKey string `json:"legacyPlaintextKey,omitempty"`
}

// ConversationStore reads and writes conversation metadata documents.
type ConversationStore interface {
	// GetMeta returns the conversation document, or ErrNotFound when the
	// conversation has no metadata yet.
	GetMeta(ctx context.Context, conversationID string) (ConversationMeta, error)
	// PutMeta replaces the conversation document.
	PutMeta(ctx context.Context, conversationID string, meta ConversationMeta) error
	// AddKeyPackages merges wrapped packages into the document without
	// touching unrelated fields, optionally setting the encryption marker.
	AddKeyPackages(ctx context.Context, conversationID string, packages map[string][]byte, markEnabled bool) error
}

// RecordType distinguishes message payload kinds.
type RecordType string

const (
	RecordText  RecordType = "text"
	RecordMedia RecordType = "media"
)

// Record is one ordered message entry: a ciphertext envelope plus the
// non-secret routing fields the server is allowed to see.
type Record struct {
	ID       string            `json:"id"`
	Sender   string            `json:"sender"`
	SentAt   time.Time         `json:"sentAt"`
	Type     RecordType        `json:"type"`
	Envelope envelope.Envelope `json:"envelope"`
}

// MessageStore appends and reads ordered message records. Display ordering is
// the store's timestamp ordering, not something the crypto core provides.
type MessageStore interface {
	Append(ctx context.Context, conversationID string, rec Record) error
	List(ctx context.Context, conversationID string) ([]Record, error)
}

// BlobStore holds encrypted media at randomized opaque paths. Get is the
// direct authenticated fetch; GetSigned is the signed-URL style fallback used
// when the direct fetch hits a transient authorization or network failure.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	GetSigned(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// NormalizeUserID canonicalizes a user identifier the way the identity
// directory keys it: trimmed and lowercased.
func NormalizeUserID(userID string) string {
	return strings.ToLower(strings.TrimSpace(userID))
}

// KeyMaterialKind classifies what key material a conversation document holds
// for a given reader.
type KeyMaterialKind int

const (
	// KindNone: the document holds no key material at all.
	KindNone KeyMaterialKind = iota
	// KindWrappedForMe: a key package addressed to the reader exists.
	KindWrappedForMe
	// KindWrappedForOthers: packages exist, but none addressed to the reader.
	KindWrappedForOthers
	// KindLegacyPlaintext: only a pre-E2E plaintext key is present.
	KindLegacyPlaintext
)

func (k KeyMaterialKind) String() string {
	switch k {
	case KindWrappedForMe:
		return "wrapped-for-me"
	case KindWrappedForOthers:
		return "wrapped-for-others"
	case KindLegacyPlaintext:
		return "legacy-plaintext"
	default:
		return "none"
	}
}

// KeyMaterial is the decoded-once view of a conversation document's key
// fields. The dynamic document shape (optional packages, optional legacy key)
// is resolved into this variant at the data-model boundary so the resolver
// never re-parses base64 or re-checks map membership.
type KeyMaterial struct {
	Kind KeyMaterialKind
	// Wrapped is the package addressed to the reader, decoded. Set only for
	// KindWrappedForMe.
	Wrapped []byte
	// LegacyKey is the decoded plaintext key, set whenever the document
	// carries one regardless of Kind.
	LegacyKey []byte
	// HasPackages reports whether any package exists, addressed to anyone.
	HasPackages bool
	// EncryptionEnabled mirrors the document marker.
	EncryptionEnabled bool
}

// KeyMaterial decodes the document's key fields from the point of view of
// userID.
func (m ConversationMeta) KeyMaterial(userID string) (KeyMaterial, error) {
	userID = NormalizeUserID(userID)
	km := KeyMaterial{
		Kind:              KindNone,
		HasPackages:       len(m.KeyPackages) > 0,
		EncryptionEnabled: m.EncryptionEnabled,
	}

	if m.LegacyPlaintextKey != "" {
		legacy, err := base64.StdEncoding.DecodeString(m.LegacyPlaintextKey)
		if err != nil {
			return km, fmt.Errorf("store: invalid legacy key encoding: %w", err)
		}
		km.LegacyKey = legacy
		km.Kind = KindLegacyPlaintext
	}

	if km.HasPackages {
		km.Kind = KindWrappedForOthers
		if b64, ok := m.KeyPackages[userID]; ok {
			wrapped, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return km, fmt.Errorf("store: invalid key package encoding for %s: %w", userID, err)
			}
			km.Wrapped = wrapped
			km.Kind = KindWrappedForMe
		}
	}

	return km, nil
}
