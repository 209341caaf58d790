// Package sealchat is the client-side crypto core of an end-to-end-encrypted
// chat application. It owns key generation, storage, exchange, and use:
// RSA-OAEP identity keypairs, per-conversation AES-256-GCM keys wrapped for
// each participant, a durable local-only key vault, and the codecs that turn
// plaintext messages and media into the ciphertext envelopes persisted by the
// surrounding application. The server only ever sees opaque ciphertext and
// wrapped key material.
package sealchat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sealchat/sealchat/internal/asymkey"
	"github.com/sealchat/sealchat/internal/exchange"
	"github.com/sealchat/sealchat/internal/identity"
	"github.com/sealchat/sealchat/internal/media"
	"github.com/sealchat/sealchat/internal/symcipher"
	"github.com/sealchat/sealchat/internal/vault"
	"github.com/sealchat/sealchat/pkg/store"
)

// Error kinds surfaced by the core. They are aliases of the sentinels owned
// by the packages that raise them, re-exported here so callers only need this
// package for errors.Is checks.
var (
	// ErrKeyNotFound: no usable key yet; recoverable, triggers key exchange.
	ErrKeyNotFound = exchange.ErrKeyNotFound
	// ErrKeyMismatch: wrapped key package does not match our private key.
	ErrKeyMismatch = asymkey.ErrKeyMismatch
	// ErrAuthentication: ciphertext failed AEAD verification.
	ErrAuthentication = symcipher.ErrAuthentication
	// ErrLegacyFormat: pre-encryption media; the sender must resend.
	ErrLegacyFormat = media.ErrLegacyFormat
	// ErrStorageUnavailable: the local vault is inaccessible.
	ErrStorageUnavailable = vault.ErrUnavailable

	ErrNotStarted = errors.New("sealchat: session not started")
	ErrClosed     = errors.New("sealchat: session closed")
)

// Config configures a session. Directory, Conversations, Messages, and Blobs
// are the external collaborators (the backend adapter); everything else is
// local.
type Config struct {
	// DataDir is the local data directory holding the vault.
	DataDir string `yaml:"dataDir"`
	// Profile namespaces local state per device profile.
	Profile string `yaml:"profile"`
	// UserID is the authenticated user's identifier (email-equivalent). It is
	// normalized before use.
	UserID string `yaml:"userID"`
	// MediaCacheEntries bounds the decrypted-media cache. Zero means default.
	MediaCacheEntries int `yaml:"mediaCacheEntries"`
	// MinimumFreeMB refuses to open the vault below this free-space mark.
	// Zero disables the check.
	MinimumFreeMB uint64 `yaml:"minimumFreeMB"`
	// Logger is an optional structured logger. If nil, a default is used.
	Logger *logrus.Logger `yaml:"-"`

	Directory     store.IdentityDirectory `yaml:"-"`
	Conversations store.ConversationStore `yaml:"-"`
	Messages      store.MessageStore      `yaml:"-"`
	Blobs         store.BlobStore         `yaml:"-"`
}

// Session is the handle UI and service code talk to. One session per
// logged-in user per process; caches and coalescing state are owned by the
// session, so logout tears everything down cleanly and tests can run
// sessions in parallel.
type Session struct {
	log    *logrus.Logger
	config Config

	vault      *vault.Vault
	identity   *identity.Identity
	resolver   *exchange.Resolver
	mediaCodec *media.Codec
	mediaCache *media.Cache

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs a session handle. New does not touch disk or network; call
// Start to open the vault and load the identity.
func New(config Config) (*Session, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("sealchat: DataDir must be set")
	}
	if config.UserID == "" {
		return nil, fmt.Errorf("sealchat: UserID must be set")
	}
	if config.Directory == nil || config.Conversations == nil || config.Messages == nil || config.Blobs == nil {
		return nil, fmt.Errorf("sealchat: all four stores must be provided")
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	return &Session{
		log:    config.Logger,
		config: config,
	}, nil
}

// Start opens the local vault, loads or creates the identity keypair, and
// publishes the public key if the directory does not hold it yet. Safe to
// call multiple times; only the first call has effect.
func (s *Session) Start(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		v, err := vault.Open(vault.Config{
			Path:          s.config.DataDir,
			Profile:       s.config.Profile,
			MinimumFreeMB: s.config.MinimumFreeMB,
			Logger:        s.log,
		})
		if err != nil {
			startErr = err
			return
		}

		id, err := identity.Load(ctx, v, s.config.Directory, s.config.UserID, s.log)
		if err != nil {
			v.Close()
			startErr = err
			return
		}

		s.vault = v
		s.identity = id
		s.resolver = exchange.NewResolver(v, s.config.Conversations, s.config.Directory, s.log)
		s.mediaCache = media.NewCache(s.config.MediaCacheEntries)
		s.mediaCodec = media.NewCodec(s.config.Blobs, s.mediaCache, s.log)
		s.started.Store(true)

		s.log.WithFields(logrus.Fields{
			"user":    id.UserID,
			"profile": s.config.Profile,
		}).Info("session started")
	})
	return startErr
}

// UserID returns the normalized identifier of the session's user.
func (s *Session) UserID() string {
	if s.identity == nil {
		return store.NormalizeUserID(s.config.UserID)
	}
	return s.identity.UserID
}

// EnsureConversationKey resolves the symmetric key for a conversation,
// running key exchange when no key exists anywhere yet.
func (s *Session) EnsureConversationKey(ctx context.Context, conversationID string) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.resolver.EnsureConversationKey(ctx, conversationID, s.identity)
}

// WaitDistributions blocks until every key distribution this session kicked
// off has been published. Sends return as soon as the key is local; the
// wrapped packages for other participants fan out in the background, so a
// caller that needs the packages visible to others settles here first.
func (s *Session) WaitDistributions() {
	if s.resolver == nil {
		return
	}
	s.resolver.WaitDistributions()
}

// CreateConversation writes the metadata document for a new conversation.
// Key material is created lazily by the first participant who sends.
func (s *Session) CreateConversation(ctx context.Context, conversationID string, participants []string) error {
	if err := s.ready(); err != nil {
		return err
	}
	normalized := make([]string, 0, len(participants))
	for _, p := range participants {
		if n := store.NormalizeUserID(p); n != "" {
			normalized = append(normalized, n)
		}
	}
	return s.config.Conversations.PutMeta(ctx, conversationID, store.ConversationMeta{
		Participants: normalized,
	})
}

// ExportKeys returns the whole-vault backup object: conversation id to
// base64 key. Intended for manual migration between devices.
func (s *Session) ExportKeys() (map[string]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.vault.ExportAll()
}

// ImportKeys loads a backup produced by ExportKeys. Idempotent.
func (s *Session) ImportKeys(backup map[string]string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.vault.ImportAll(backup)
}

// Keys lists the conversation ids with a local key.
func (s *Session) Keys() ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.vault.ListAll()
}

// Logout purges every local secret: in-flight distributions are drained, the
// decrypted-media cache is released, and the vault is wiped. The session is
// closed afterwards.
func (s *Session) Logout() error {
	if err := s.ready(); err != nil {
		return err
	}
	s.resolver.WaitDistributions()
	s.mediaCache.Purge()
	if err := s.vault.Wipe(); err != nil {
		return err
	}
	return s.Close()
}

// Close drains background work and releases the vault. Safe to call multiple
// times.
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if !s.started.Load() {
			return
		}
		s.resolver.WaitDistributions()
		s.mediaCache.Purge()
		closeErr = s.vault.Close()
		s.log.Info("session closed")
	})
	return closeErr
}

func (s *Session) ready() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.started.Load() {
		return ErrNotStarted
	}
	return nil
}
