package identity

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealchat/sealchat/internal/asymkey"
	"github.com/sealchat/sealchat/internal/vault"
	"github.com/sealchat/sealchat/pkg/store"
)

func openTestVault(t *testing.T, path string) *vault.Vault {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	v, err := vault.Open(vault.Config{Path: path, Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestLoadCreatesAndPublishesOnFirstLogin(t *testing.T) {
	ctx := context.Background()
	v := openTestVault(t, t.TempDir())
	dir := store.NewMemoryDirectory()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	id, err := Load(ctx, v, dir, "  Alice ", log)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	require.NotNil(t, id.Private)

	// Private key persisted locally.
	der, err := v.GetIdentity()
	require.NoError(t, err)
	require.NotNil(t, der)

	// Public key published to the directory, matching the private half.
	pubDER, err := dir.GetPublicKey(ctx, "alice")
	require.NoError(t, err)
	pub, err := asymkey.ImportPublic(pubDER)
	require.NoError(t, err)
	assert.True(t, pub.Equal(id.Public))
}

func TestLoadReusesExistingKeypair(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir()
	dir := store.NewMemoryDirectory()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	v := openTestVault(t, path)
	first, err := Load(ctx, v, dir, "alice", log)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	v2 := openTestVault(t, path)
	second, err := Load(ctx, v2, dir, "alice", log)
	require.NoError(t, err)

	assert.True(t, first.Private.Equal(second.Private), "second login must reuse the stored keypair")
}

func TestLoadRepublishesWhenDirectoryEntryMissing(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	v := openTestVault(t, path)
	id, err := Load(ctx, v, store.NewMemoryDirectory(), "alice", log)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	// Fresh directory simulates a publish that never landed.
	dir := store.NewMemoryDirectory()
	v2 := openTestVault(t, path)
	_, err = Load(ctx, v2, dir, "alice", log)
	require.NoError(t, err)

	pubDER, err := dir.GetPublicKey(ctx, "alice")
	require.NoError(t, err)
	pub, err := asymkey.ImportPublic(pubDER)
	require.NoError(t, err)
	assert.True(t, pub.Equal(id.Public))
}

func TestLoadDoesNotOverwritePublishedKey(t *testing.T) {
	ctx := context.Background()
	v := openTestVault(t, t.TempDir())
	dir := store.NewMemoryDirectory()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	pair, err := asymkey.Generate()
	require.NoError(t, err)
	existing, err := asymkey.ExportPublic(pair.Public)
	require.NoError(t, err)
	require.NoError(t, dir.SetPublicKey(ctx, "alice", existing))

	_, err = Load(ctx, v, dir, "alice", log)
	require.NoError(t, err)

	got, err := dir.GetPublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, existing, got, "existing directory entry must be left alone")
}

func TestLoadRejectsEmptyUserID(t *testing.T) {
	v := openTestVault(t, t.TempDir())
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	_, err := Load(context.Background(), v, store.NewMemoryDirectory(), "   ", log)
	require.Error(t, err)
}
