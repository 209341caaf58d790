package store

import (
	"context"
	"encoding/base64"
	"errors"
	"sort"
	"sync"
)

// errTransient simulates a transient authorization or network failure on the
// direct fetch path.
var errTransient = errors.New("store: transient fetch failure")

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// MemoryDirectory is an in-memory IdentityDirectory.
type MemoryDirectory struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{keys: make(map[string][]byte)}
}

func (d *MemoryDirectory) GetPublicKey(_ context.Context, userID string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	der, ok := d.keys[NormalizeUserID(userID)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), der...), nil
}

func (d *MemoryDirectory) SetPublicKey(_ context.Context, userID string, der []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[NormalizeUserID(userID)] = append([]byte(nil), der...)
	return nil
}

// MemoryConversations is an in-memory ConversationStore.
type MemoryConversations struct {
	mu    sync.RWMutex
	metas map[string]ConversationMeta
}

func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{metas: make(map[string]ConversationMeta)}
}

func (c *MemoryConversations) GetMeta(_ context.Context, conversationID string) (ConversationMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, ok := c.metas[conversationID]
	if !ok {
		return ConversationMeta{}, ErrNotFound
	}
	return meta.clone(), nil
}

func (c *MemoryConversations) PutMeta(_ context.Context, conversationID string, meta ConversationMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metas[conversationID] = meta.clone()
	return nil
}

func (c *MemoryConversations) AddKeyPackages(_ context.Context, conversationID string, packages map[string][]byte, markEnabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta := c.metas[conversationID].clone()
	if meta.KeyPackages == nil {
		meta.KeyPackages = make(map[string]string, len(packages))
	}
	for userID, wrapped := range packages {
		meta.KeyPackages[NormalizeUserID(userID)] = encodeBase64(wrapped)
	}
	if markEnabled {
		meta.EncryptionEnabled = true
	}
	c.metas[conversationID] = meta
	return nil
}

func (m ConversationMeta) clone() ConversationMeta {
	out := m
	out.Participants = append([]string(nil), m.Participants...)
	if m.KeyPackages != nil {
		out.KeyPackages = make(map[string]string, len(m.KeyPackages))
		for k, v := range m.KeyPackages {
			out.KeyPackages[k] = v
		}
	}
	return out
}

// MemoryMessages is an in-memory MessageStore that lists records in timestamp
// order.
type MemoryMessages struct {
	mu      sync.RWMutex
	records map[string][]Record
}

func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{records: make(map[string][]Record)}
}

func (m *MemoryMessages) Append(_ context.Context, conversationID string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[conversationID] = append(m.records[conversationID], rec)
	return nil
}

func (m *MemoryMessages) List(_ context.Context, conversationID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]Record(nil), m.records[conversationID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

// MemoryBlobs is an in-memory BlobStore. FailDirectGet makes Get fail so
// tests can exercise the signed-URL fallback path.
type MemoryBlobs struct {
	mu    sync.RWMutex
	blobs map[string][]byte

	FailDirectGet bool
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: make(map[string][]byte)}
}

func (b *MemoryBlobs) Put(_ context.Context, path string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[path] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBlobs) Get(_ context.Context, path string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.FailDirectGet {
		return nil, errTransient
	}
	return b.fetch(path)
}

func (b *MemoryBlobs) GetSigned(_ context.Context, path string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fetch(path)
}

func (b *MemoryBlobs) Delete(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, path)
	return nil
}

func (b *MemoryBlobs) fetch(path string) ([]byte, error) {
	data, ok := b.blobs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}
