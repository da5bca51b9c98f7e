package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryObjectStore keeps blobs in-process. Used by tests and local runs.
type MemoryObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// Failure injection for tests.
	FailPut    error
	FailDelete error
}

// NewMemoryObjectStore initializes an empty in-memory blob store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

// Put stores the blob, streaming through a progress reader.
func (m *MemoryObjectStore) Put(ctx context.Context, key string, r io.Reader, size int64, _ string, onProgress ProgressFunc) error {
	if m.FailPut != nil {
		return m.FailPut
	}
	reader := NewProgressReader(r, size, onProgress)
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return err
	}
	reader.Finish()
	m.mu.Lock()
	m.objects[key] = buf.Bytes()
	m.mu.Unlock()
	return nil
}

// GetURL returns a synthetic retrieval URL for the key.
func (m *MemoryObjectStore) GetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	m.mu.Lock()
	_, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return "", errors.New("object not found")
	}
	return fmt.Sprintf("memory://%s", key), nil
}

// Delete removes the blob; removing an absent key succeeds.
func (m *MemoryObjectStore) Delete(_ context.Context, key string) error {
	if m.FailDelete != nil {
		return m.FailDelete
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Has reports whether a blob exists (test helper).
func (m *MemoryObjectStore) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}
