// Package exchange implements the per-conversation key lifecycle: finding
// where the usable symmetric key currently lives (wrapped package, local
// vault, or legacy plaintext metadata), reconciling state, and lazily
// generating and distributing a fresh key when none exists anywhere.
//
// Resolution is an explicit state machine evaluated in strict priority order;
// each state's transition is its own function so the branches can be tested
// in isolation. Concurrent resolutions for the same conversation are
// coalesced so that two racing callers can never mint two different keys for
// one conversation.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/sealchat/sealchat/internal/asymkey"
	"github.com/sealchat/sealchat/internal/identity"
	"github.com/sealchat/sealchat/internal/symcipher"
	"github.com/sealchat/sealchat/internal/vault"
	"github.com/sealchat/sealchat/pkg/store"
)

// ErrKeyNotFound indicates no usable key exists yet for a conversation. It is
// recoverable: the next resolution attempt triggers key exchange again.
var ErrKeyNotFound = errors.New("exchange: no usable conversation key")

// resolveState enumerates the resolver's priority-ordered states.
type resolveState int

const (
	stateWrappedPackage resolveState = iota
	stateVault
	stateLegacy
	stateGenerate
	stateDone
)

func (s resolveState) String() string {
	switch s {
	case stateWrappedPackage:
		return "wrapped-package"
	case stateVault:
		return "vault"
	case stateLegacy:
		return "legacy-plaintext"
	case stateGenerate:
		return "generate"
	default:
		return "done"
	}
}

// Resolver owns one session's key resolution. All fields are required.
type Resolver struct {
	vault         *vault.Vault
	conversations store.ConversationStore
	directory     store.IdentityDirectory
	log           *logrus.Logger

	flights singleflight.Group

	distributions sync.WaitGroup
}

// NewResolver builds a resolver over the session's vault and stores.
func NewResolver(v *vault.Vault, conversations store.ConversationStore, directory store.IdentityDirectory, log *logrus.Logger) *Resolver {
	if log == nil {
		log = logrus.New()
	}
	return &Resolver{
		vault:         v,
		conversations: conversations,
		directory:     directory,
		log:           log,
	}
}

// WaitDistributions blocks until every in-flight asynchronous key
// distribution has finished. Called on session teardown; tests use it to
// observe the published packages deterministically.
func (r *Resolver) WaitDistributions() {
	r.distributions.Wait()
}

// EnsureConversationKey returns the conversation's symmetric key, running the
// resolution state machine if the key is not already local. Concurrent calls
// for the same conversation share a single in-flight resolution; an abandoned
// caller's resolution still completes and populates the vault, which is safe
// because every step is idempotent.
func (r *Resolver) EnsureConversationKey(ctx context.Context, conversationID string, id *identity.Identity) ([]byte, error) {
	v, err, _ := r.flights.Do(conversationID, func() (interface{}, error) {
		return r.resolve(ctx, conversationID, id)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (r *Resolver) resolve(ctx context.Context, conversationID string, id *identity.Identity) ([]byte, error) {
	meta, err := r.conversations.GetMeta(ctx, conversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load conversation metadata: %w", err)
	}
	km, err := meta.KeyMaterial(id.UserID)
	if err != nil {
		// A malformed document never blocks resolution; the material in it is
		// simply not usable.
		r.log.WithFields(logrus.Fields{
			"conversation": conversationID,
		}).Warnf("undecodable key material in metadata: %v", err)
		km = store.KeyMaterial{Kind: store.KindNone}
	}

	var key []byte
	state := stateWrappedPackage
	for state != stateDone {
		prev := state
		switch state {
		case stateWrappedPackage:
			key, state, err = r.fromWrappedPackage(conversationID, id, km)
		case stateVault:
			key, state, err = r.fromVault(conversationID, km)
		case stateLegacy:
			key, state, err = r.fromLegacy(conversationID, km)
		case stateGenerate:
			key, state, err = r.generate(conversationID, id, meta)
		}
		if err != nil {
			return nil, err
		}
		r.log.WithFields(logrus.Fields{
			"conversation": conversationID,
			"state":        prev.String(),
			"next":         state.String(),
		}).Debug("key resolution transition")
	}

	if key == nil {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// fromWrappedPackage consumes the package addressed to us. Packages are never
// deleted after consumption, so once the vault holds the key this state defers
// to it instead of paying an RSA decrypt on every resolution. An unwrap
// failure, typically a package wrapped for an older install's keypair, falls
// through instead of failing the whole resolution.
func (r *Resolver) fromWrappedPackage(conversationID string, id *identity.Identity, km store.KeyMaterial) ([]byte, resolveState, error) {
	if km.Kind != store.KindWrappedForMe {
		return nil, stateVault, nil
	}
	cached, err := r.vault.Has(conversationID)
	if err != nil {
		return nil, stateDone, err
	}
	if cached {
		return nil, stateVault, nil
	}

	key, err := asymkey.Unwrap(km.Wrapped, id.Private)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"conversation": conversationID,
			"user":         id.UserID,
		}).Warnf("key package unwrap failed, falling back: %v", err)
		return nil, stateVault, nil
	}
	if len(key) != symcipher.KeySize {
		r.log.WithFields(logrus.Fields{
			"conversation": conversationID,
		}).Warnf("unwrapped key has invalid length %d, falling back", len(key))
		return nil, stateVault, nil
	}

	if err := r.vault.Put(conversationID, key); err != nil {
		return nil, stateDone, err
	}
	return key, stateDone, nil
}

// fromVault returns the locally cached key, unless the entry looks orphaned:
// packages exist for other participants, none is addressed to us, and the
// conversation was never marked encrypted. That combination means our cached
// key cannot be the one the group converged on, so the entry is purged and
// resolution falls through.
//
// The heuristic assumes a non-adversarial server; a server that withholds our
// package could force a purge here.
func (r *Resolver) fromVault(conversationID string, km store.KeyMaterial) ([]byte, resolveState, error) {
	key, err := r.vault.Get(conversationID)
	if err != nil {
		return nil, stateDone, err
	}
	if key == nil {
		return nil, stateLegacy, nil
	}

	if km.HasPackages && km.Kind != store.KindWrappedForMe && !km.EncryptionEnabled {
		r.log.WithFields(logrus.Fields{
			"conversation": conversationID,
		}).Warn("purging orphaned vault key: packages exist but none is addressed to us")
		if err := r.vault.Delete(conversationID); err != nil {
			return nil, stateDone, err
		}
		return nil, stateLegacy, nil
	}

	return key, stateDone, nil
}

// fromLegacy imports a plaintext key left over from the pre-E2E scheme. The
// key was stored in the clear on the server, so confidentiality for this
// conversation is already gone; the warning is deliberately loud.
func (r *Resolver) fromLegacy(conversationID string, km store.KeyMaterial) ([]byte, resolveState, error) {
	if len(km.LegacyKey) == 0 {
		return nil, stateGenerate, nil
	}
	if len(km.LegacyKey) != symcipher.KeySize {
		r.log.WithFields(logrus.Fields{
			"conversation": conversationID,
		}).Warnf("legacy key has invalid length %d, ignoring", len(km.LegacyKey))
		return nil, stateGenerate, nil
	}

	r.log.WithFields(logrus.Fields{
		"conversation": conversationID,
	}).Warn("importing LEGACY PLAINTEXT conversation key: this key was stored unencrypted on the server and was never confidential")

	if err := r.vault.Put(conversationID, km.LegacyKey); err != nil {
		return nil, stateDone, err
	}
	return km.LegacyKey, stateDone, nil
}

// generate mints a fresh conversation key, persists it locally, and kicks off
// the asynchronous fan-out that wraps it for every participant. The caller
// gets the key immediately; distribution failures for individual recipients
// are logged and left for that recipient's own next resolution to repair.
func (r *Resolver) generate(conversationID string, id *identity.Identity, meta store.ConversationMeta) ([]byte, resolveState, error) {
	key, err := symcipher.NewKey()
	if err != nil {
		return nil, stateDone, err
	}
	if err := r.vault.Put(conversationID, key); err != nil {
		return nil, stateDone, err
	}

	r.log.WithFields(logrus.Fields{
		"conversation": conversationID,
		"participants": len(meta.Participants),
	}).Info("generated new conversation key")

	r.distributions.Add(1)
	go r.distribute(conversationID, id, participantsOf(meta, id), key)

	return key, stateDone, nil
}

// distribute wraps key for each participant's published public key and
// publishes the packages, marking the conversation encryption-enabled.
// Runs detached from the resolving caller: an abandoned resolution still
// finishes distributing.
func (r *Resolver) distribute(conversationID string, id *identity.Identity, participants []string, key []byte) {
	defer r.distributions.Done()
	ctx := context.Background()

	packages := make(map[string][]byte, len(participants))
	for _, userID := range participants {
		wrapped, err := r.wrapFor(ctx, userID, key)
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"conversation": conversationID,
				"recipient":    userID,
			}).Errorf("key distribution failed for recipient: %v", err)
			continue
		}
		packages[userID] = wrapped
	}

	// The encryption marker is set even when some recipients failed: the key
	// exists and the conversation is encrypted from here on. Missing
	// recipients converge through their own resolution.
	if err := r.conversations.AddKeyPackages(ctx, conversationID, packages, true); err != nil {
		r.log.WithFields(logrus.Fields{
			"conversation": conversationID,
		}).Errorf("publishing key packages failed: %v", err)
		return
	}

	r.log.WithFields(logrus.Fields{
		"conversation": conversationID,
		"packages":     len(packages),
	}).Info("conversation key distributed")
}

func (r *Resolver) wrapFor(ctx context.Context, userID string, key []byte) ([]byte, error) {
	der, err := r.directory.GetPublicKey(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("public key lookup: %w", err)
	}
	pub, err := asymkey.ImportPublic(der)
	if err != nil {
		return nil, err
	}
	return asymkey.Wrap(key, pub)
}

// participantsOf returns the normalized participant set, always including the
// resolving user. A conversation without metadata yet has only its creator.
func participantsOf(meta store.ConversationMeta, id *identity.Identity) []string {
	seen := map[string]bool{id.UserID: true}
	out := []string{id.UserID}
	for _, p := range meta.Participants {
		p = store.NormalizeUserID(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
