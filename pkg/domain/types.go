package domain

import "time"

// DocumentCategory is the closed set of document categories.
type DocumentCategory string

const (
	CategoryFile      DocumentCategory = "File"
	CategoryPAN       DocumentCategory = "PAN"
	CategoryPassport  DocumentCategory = "Passport"
	CategoryEducation DocumentCategory = "Education"
	CategoryHealth    DocumentCategory = "Health"
)

// ParseDocumentCategory validates a category string.
func ParseDocumentCategory(raw string) (DocumentCategory, bool) {
	switch DocumentCategory(raw) {
	case CategoryFile, CategoryPAN, CategoryPassport, CategoryEducation, CategoryHealth:
		return DocumentCategory(raw), true
	default:
		return "", false
	}
}

// User is the identity record for one registered principal.
// AadhaarMasked is derived at registration from the raw national id;
// the raw value is never persisted or transmitted past that derivation.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	FullName      string    `json:"fullName"`
	Username      string    `json:"username"`
	AadhaarMasked string    `json:"aadhaarMasked"`
	DOB           string    `json:"dob,omitempty"`
	Gender        string    `json:"gender,omitempty"`
	Phone         string    `json:"phone"`
	EmailVerified bool      `json:"emailVerified"`
	PhoneVerified bool      `json:"phoneVerified"`
	PhotoURL      string    `json:"photoURL,omitempty"`
	PasswordHash  string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Document is one custodied file's metadata record.
// SharedWith holds grantee user ids; it grows via sharing and never
// contains the owner id. There is no unshare operation.
type Document struct {
	ID           string           `json:"id"`
	OwnerID      string           `json:"ownerId"`
	FileName     string           `json:"fileName"`
	OriginalName string           `json:"originalName"`
	FileType     string           `json:"fileType"` // MIME type as supplied by the source
	Category     DocumentCategory `json:"category"`
	FileURL      string           `json:"fileUrl"`
	StoragePath  string           `json:"storagePath"`
	SizeBytes    int64            `json:"sizeBytes"`
	PageCount    int              `json:"pageCount,omitempty"`
	SharedWith   []string         `json:"sharedWith"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// SharedWithContains reports whether the grantee already holds access.
func (d Document) SharedWithContains(granteeID string) bool {
	for _, id := range d.SharedWith {
		if id == granteeID {
			return true
		}
	}
	return false
}

// AuditEvent is a best-effort security log entry.
type AuditEvent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"uid"`
	Action    string    `json:"action"`
	Meta      string    `json:"meta,omitempty"`
	CreatedAt time.Time `json:"timestamp"`
}

// Audit action names recorded by the service.
const (
	ActionRegister       = "REGISTER"
	ActionLogin          = "LOGIN"
	ActionLogout         = "LOGOUT"
	ActionVerifyEmail    = "VERIFY_EMAIL"
	ActionVerifyPhone    = "VERIFY_PHONE"
	ActionUploadDocument = "UPLOAD_DOCUMENT"
	ActionDeleteDocument = "DELETE_DOCUMENT"
	ActionShareDocument  = "SHARE_DOCUMENT"
)

// MaskAadhaar derives the display form of a raw aadhaar number.
// Only the last four digits survive.
func MaskAadhaar(raw string) string {
	if len(raw) < 4 {
		return "XXXX-XXXX-XXXX"
	}
	return "XXXX-XXXX-" + raw[len(raw)-4:]
}
