package store

import (
	"context"
	"sync"
	"time"

	"securedocs/pkg/domain"
)

// MemoryStore keeps records in-process. Used by tests and local runs.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]domain.User
	email  map[string]string // email -> user ID
	docs   map[string]domain.Document
	order  []string // document insertion order
	audits []domain.AuditEvent
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]domain.User),
		email: make(map[string]string),
		docs:  make(map[string]domain.Document),
	}
}

// SaveUser stores or replaces an identity record.
// Verified flags are write-once-true: a save can set them but never clear them.
func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[u.ID]; ok {
		u.EmailVerified = u.EmailVerified || existing.EmailVerified
		u.PhoneVerified = u.PhoneVerified || existing.PhoneVerified
		delete(m.email, existing.Email)
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// GetUserByID returns an identity record by ID.
func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByEmail returns an identity record by email.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// HasUserEmail checks whether email exists.
func (m *MemoryStore) HasUserEmail(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

// UpdateUserFields applies a partial update keyed by column name.
func (m *MemoryStore) UpdateUserFields(_ context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	for k, v := range fields {
		switch k {
		case "full_name":
			u.FullName, _ = v.(string)
		case "username":
			u.Username, _ = v.(string)
		case "phone":
			u.Phone, _ = v.(string)
		case "dob":
			u.DOB, _ = v.(string)
		case "gender":
			u.Gender, _ = v.(string)
		case "photo_url":
			u.PhotoURL, _ = v.(string)
		}
	}
	u.UpdatedAt = time.Now().UTC()
	m.users[id] = u
	return nil
}

// MarkEmailVerified flips email_verified to true.
func (m *MemoryStore) MarkEmailVerified(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.EmailVerified = true
		u.UpdatedAt = time.Now().UTC()
		m.users[id] = u
	}
	return nil
}

// MarkPhoneVerified flips phone_verified to true.
func (m *MemoryStore) MarkPhoneVerified(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.PhoneVerified = true
		u.UpdatedAt = time.Now().UTC()
		m.users[id] = u
	}
	return nil
}

// SaveDocument stores a document record and tracks insertion order.
func (m *MemoryStore) SaveDocument(_ context.Context, d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[d.ID]; !exists {
		m.order = append(m.order, d.ID)
	}
	if d.SharedWith == nil {
		d.SharedWith = []string{}
	}
	m.docs[d.ID] = d
	return nil
}

// GetDocument returns a document record by ID.
func (m *MemoryStore) GetDocument(_ context.Context, id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	return d, ok, nil
}

// DeleteDocument removes a document record.
func (m *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

// AddShare unions the grantee into sharedWith.
func (m *MemoryStore) AddShare(_ context.Context, id, granteeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil
	}
	if d.SharedWithContains(granteeID) {
		return nil
	}
	d.SharedWith = append(d.SharedWith, granteeID)
	m.docs[id] = d
	return nil
}

// ListDocumentsByOwner returns owned documents in insertion order.
func (m *MemoryStore) ListDocumentsByOwner(_ context.Context, ownerID string) ([]domain.Document, error) {
	return m.listDocuments(func(d domain.Document) bool { return d.OwnerID == ownerID }), nil
}

// ListDocumentsSharedWith returns documents shared with the grantee.
func (m *MemoryStore) ListDocumentsSharedWith(_ context.Context, granteeID string) ([]domain.Document, error) {
	return m.listDocuments(func(d domain.Document) bool { return d.SharedWithContains(granteeID) }), nil
}

func (m *MemoryStore) listDocuments(match func(domain.Document) bool) []domain.Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0, len(m.order))
	for _, id := range m.order {
		if d, ok := m.docs[id]; ok && match(d) {
			res = append(res, d)
		}
	}
	return res
}

// AppendAudit records a security event.
func (m *MemoryStore) AppendAudit(_ context.Context, event domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, event)
	return nil
}

// Audits returns a copy of recorded audit events (test helper).
func (m *MemoryStore) Audits() []domain.AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.AuditEvent, len(m.audits))
	copy(out, m.audits)
	return out
}
