// Package vault is the durable local-only key store. It holds the user's
// identity private key and one raw symmetric key per conversation, backed by
// an embedded Badger database namespaced per device profile. Nothing in this
// package ever touches the network; the vault is never synchronized to any
// server.
package vault

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const (
	prefixConvKey      = "convkey:"
	identityPrivateKey = "identity:private"
)

// ErrUnavailable indicates the local vault could not be opened or accessed.
// This is fatal for the operation that hit it and is surfaced to the caller.
var ErrUnavailable = errors.New("vault: local key store unavailable")

// Config configures a vault instance.
type Config struct {
	// Path is the data directory. The vault lives in a per-profile
	// subdirectory beneath it.
	Path string
	// Profile namespaces the vault per device profile. Defaults to "default".
	Profile string
	// MinimumFreeMB is a free-space threshold checked on open. Zero disables
	// the check.
	MinimumFreeMB uint64
	// Logger is an optional structured logger.
	Logger *logrus.Logger
}

// Vault is a handle to the embedded key store.
type Vault struct {
	db  *badger.DB
	log *logrus.Logger
}

// Open validates the configuration and opens the profile's Badger store.
// Storage problems (missing directory, no disk space, badger failure) come
// back as ErrUnavailable.
func Open(config Config) (*Vault, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.Path == "" {
		return nil, fmt.Errorf("%w: no path provided in configuration", ErrUnavailable)
	}
	if config.Profile == "" {
		config.Profile = "default"
	}

	dir := filepath.Join(config.Path, "vault", config.Profile)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrUnavailable, dir, err)
	}

	if err := checkFreeSpace(dir, config.MinimumFreeMB, config.Logger); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger at %s: %v", ErrUnavailable, dir, err)
	}

	config.Logger.WithFields(logrus.Fields{
		"path":    dir,
		"profile": config.Profile,
	}).Debug("vault opened")

	return &Vault{db: db, log: config.Logger}, nil
}

// Put stores the raw symmetric key for a conversation. Last write wins.
func (v *Vault) Put(conversationID string, rawKey []byte) error {
	return v.set(prefixConvKey+conversationID, rawKey)
}

// Get returns the raw key for a conversation, or nil when the vault has no
// entry for it.
func (v *Vault) Get(conversationID string) ([]byte, error) {
	return v.get(prefixConvKey + conversationID)
}

// Has reports whether the vault holds a key for the conversation.
func (v *Vault) Has(conversationID string) (bool, error) {
	key, err := v.Get(conversationID)
	if err != nil {
		return false, err
	}
	return key != nil, nil
}

// Delete removes the conversation's key. Deleting an absent entry is not an
// error.
func (v *Vault) Delete(conversationID string) error {
	err := v.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixConvKey + conversationID))
	})
	if err != nil {
		return fmt.Errorf("%w: delete key for %s: %v", ErrUnavailable, conversationID, err)
	}
	return nil
}

// ListAll returns the conversation ids that have a vault entry.
func (v *Vault) ListAll() ([]string, error) {
	var ids []string
	err := v.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixConvKey)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefixConvKey):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list keys: %v", ErrUnavailable, err)
	}
	return ids, nil
}

// ExportAll returns the whole conversation-key set as conversationID to
// base64 key, the portable backup format for manual migration between
// devices. The identity private key is deliberately not part of the export.
func (v *Vault) ExportAll() (map[string]string, error) {
	out := make(map[string]string)
	err := v.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixConvKey)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(prefixConvKey):])
			if err := item.Value(func(val []byte) error {
				out[id] = base64.StdEncoding.EncodeToString(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: export keys: %v", ErrUnavailable, err)
	}
	return out, nil
}

// ImportAll loads a backup produced by ExportAll. Importing is idempotent:
// re-importing an existing conversation id overwrites the entry.
func (v *Vault) ImportAll(backup map[string]string) error {
	for id, b64 := range backup {
		rawKey, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return fmt.Errorf("vault: invalid base64 key for conversation %s: %w", id, err)
		}
		if err := v.Put(id, rawKey); err != nil {
			return err
		}
	}
	return nil
}

// PutIdentity stores the device's identity private key (PKCS8 DER).
func (v *Vault) PutIdentity(der []byte) error {
	return v.set(identityPrivateKey, der)
}

// GetIdentity returns the stored identity private key, or nil when the device
// has none yet.
func (v *Vault) GetIdentity() ([]byte, error) {
	return v.get(identityPrivateKey)
}

// Wipe removes every entry, conversation keys and identity alike. This is the
// explicit vault-clear operation behind logout.
func (v *Vault) Wipe() error {
	err := v.db.DropAll()
	if err != nil {
		return fmt.Errorf("%w: wipe: %v", ErrUnavailable, err)
	}
	v.log.Warn("vault wiped")
	return nil
}

// Close releases the underlying store.
func (v *Vault) Close() error {
	return v.db.Close()
}

func (v *Vault) set(key string, value []byte) error {
	err := v.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (v *Vault) get(key string) ([]byte, error) {
	var value []byte
	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, key, err)
	}
	return value, nil
}
