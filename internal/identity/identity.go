// Package identity manages the user's identity keypair lifecycle: load it
// from the local vault, create it on first login, and make sure the public
// half is published in the shared directory. The keypair is immutable once
// created; there is no rotation.
package identity

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sealchat/sealchat/internal/asymkey"
	"github.com/sealchat/sealchat/internal/vault"
	"github.com/sealchat/sealchat/pkg/store"
)

// Identity is the authenticated user's keypair plus their normalized id.
type Identity struct {
	UserID  string
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// Load returns the device's identity for userID, generating and persisting a
// fresh keypair on first login. The public key is (re)published to the
// directory whenever it is missing there, so a failed publish on a previous
// session heals on the next one.
func Load(ctx context.Context, v *vault.Vault, dir store.IdentityDirectory, userID string, log *logrus.Logger) (*Identity, error) {
	userID = store.NormalizeUserID(userID)
	if userID == "" {
		return nil, fmt.Errorf("identity: empty user id")
	}

	priv, created, err := loadOrCreatePrivate(v)
	if err != nil {
		return nil, err
	}
	if created {
		log.WithFields(logrus.Fields{"user": userID}).Info("generated identity keypair")
	}

	id := &Identity{UserID: userID, Public: &priv.PublicKey, Private: priv}

	if err := publishIfMissing(ctx, dir, id); err != nil {
		return nil, err
	}
	return id, nil
}

func loadOrCreatePrivate(v *vault.Vault) (*rsa.PrivateKey, bool, error) {
	der, err := v.GetIdentity()
	if err != nil {
		return nil, false, err
	}
	if der != nil {
		priv, err := asymkey.ImportPrivate(der)
		if err != nil {
			return nil, false, fmt.Errorf("identity: stored private key unreadable: %w", err)
		}
		return priv, false, nil
	}

	pair, err := asymkey.Generate()
	if err != nil {
		return nil, false, err
	}
	privDER, err := asymkey.ExportPrivate(pair.Private)
	if err != nil {
		return nil, false, err
	}
	if err := v.PutIdentity(privDER); err != nil {
		return nil, false, err
	}
	return pair.Private, true, nil
}

func publishIfMissing(ctx context.Context, dir store.IdentityDirectory, id *Identity) error {
	_, err := dir.GetPublicKey(ctx, id.UserID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("identity: directory lookup for %s: %w", id.UserID, err)
	}

	pubDER, err := asymkey.ExportPublic(id.Public)
	if err != nil {
		return err
	}
	if err := dir.SetPublicKey(ctx, id.UserID, pubDER); err != nil {
		return fmt.Errorf("identity: publish public key for %s: %w", id.UserID, err)
	}
	return nil
}
