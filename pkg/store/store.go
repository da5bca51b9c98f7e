package store

import (
	"context"

	"securedocs/pkg/domain"
)

// Store defines persistence operations for identity records, documents,
// and the audit log.
type Store interface {
	// identity records
	SaveUser(ctx context.Context, u domain.User) error
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	HasUserEmail(ctx context.Context, email string) (bool, error)
	UpdateUserFields(ctx context.Context, id string, fields map[string]any) error
	// MarkEmailVerified and MarkPhoneVerified flip the flag to true.
	// The flags are write-once-true; no store path ever reverts them.
	MarkEmailVerified(ctx context.Context, id string) error
	MarkPhoneVerified(ctx context.Context, id string) error

	// documents
	SaveDocument(ctx context.Context, d domain.Document) error
	GetDocument(ctx context.Context, id string) (domain.Document, bool, error)
	DeleteDocument(ctx context.Context, id string) error
	// AddShare unions the grantee into sharedWith; duplicates are no-ops.
	AddShare(ctx context.Context, id, granteeID string) error
	ListDocumentsByOwner(ctx context.Context, ownerID string) ([]domain.Document, error)
	ListDocumentsSharedWith(ctx context.Context, granteeID string) ([]domain.Document, error)

	// audit
	AppendAudit(ctx context.Context, event domain.AuditEvent) error
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}
