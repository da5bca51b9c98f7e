package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"securedocs/pkg/domain"
)

const migrateLockID int64 = 52815281

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &DocumentModel{}, &AuditEventModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		// GIN index makes shared_with containment queries usable at scale.
		if err := tx.Exec(`
			CREATE INDEX IF NOT EXISTS idx_document_models_shared_with
			ON document_models USING GIN (shared_with jsonb_path_ops)
		`).Error; err != nil {
			return fmt.Errorf("create shared_with index: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates an identity record.
// Verified flags are deliberately excluded from the conflict update set so
// that a stale in-memory user can never revert a write-once-true flag.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"email", "full_name", "username", "aadhaar_masked", "dob", "gender",
			"phone", "photo_url", "password_hash", "updated_at",
		}),
	}).Create(&model).Error
}

// GetUserByID returns an identity record by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByEmail looks up an identity record by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateUserFields applies an atomic partial update to an identity record.
func (s *GormStore) UpdateUserFields(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	updates := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["updated_at"] = time.Now().UTC()
	return s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", id).Updates(updates).Error
}

// MarkEmailVerified flips email_verified to true (never back).
func (s *GormStore) MarkEmailVerified(ctx context.Context, id string) error {
	return s.markVerified(ctx, id, "email_verified")
}

// MarkPhoneVerified flips phone_verified to true (never back).
func (s *GormStore) MarkPhoneVerified(ctx context.Context, id string) error {
	return s.markVerified(ctx, id, "phone_verified")
}

func (s *GormStore) markVerified(ctx context.Context, id, column string) error {
	return s.db.WithContext(ctx).Model(&UserModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			column:       true,
			"updated_at": time.Now().UTC(),
		}).Error
}

// SaveDocument stores a document record.
func (s *GormStore) SaveDocument(ctx context.Context, d domain.Document) error {
	model, err := documentToModel(d)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetDocument retrieves a document record.
func (s *GormStore) GetDocument(ctx context.Context, id string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	doc, err := documentFromModel(model)
	if err != nil {
		return domain.Document{}, false, err
	}
	return doc, true, nil
}

// DeleteDocument removes a document record.
func (s *GormStore) DeleteDocument(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&DocumentModel{}, "id = ?", id).Error
}

// AddShare unions the grantee into shared_with under a row lock.
// A duplicate grant leaves the set unchanged.
func (s *GormStore) AddShare(ctx context.Context, id, granteeID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model DocumentModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error; err != nil {
			return err
		}
		var shared []string
		if len(model.SharedWith) > 0 {
			if err := json.Unmarshal(model.SharedWith, &shared); err != nil {
				return fmt.Errorf("decode shared_with: %w", err)
			}
		}
		for _, existing := range shared {
			if existing == granteeID {
				return nil
			}
		}
		shared = append(shared, granteeID)
		raw, err := json.Marshal(shared)
		if err != nil {
			return fmt.Errorf("encode shared_with: %w", err)
		}
		return tx.Model(&DocumentModel{}).Where("id = ?", id).
			Update("shared_with", raw).Error
	})
}

// ListDocumentsByOwner returns the owner's documents, oldest first.
func (s *GormStore) ListDocumentsByOwner(ctx context.Context, ownerID string) ([]domain.Document, error) {
	return s.listDocuments(ctx, "owner_id = ?", ownerID)
}

// ListDocumentsSharedWith returns documents whose shared_with contains the grantee.
func (s *GormStore) ListDocumentsSharedWith(ctx context.Context, granteeID string) ([]domain.Document, error) {
	pred, err := json.Marshal([]string{granteeID})
	if err != nil {
		return nil, err
	}
	return s.listDocuments(ctx, "shared_with @> ?", string(pred))
}

func (s *GormStore) listDocuments(ctx context.Context, cond string, arg any) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.WithContext(ctx).Where(cond, arg).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	docs := make([]domain.Document, 0, len(models))
	for _, m := range models {
		doc, err := documentFromModel(m)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// AppendAudit records a security event.
func (s *GormStore) AppendAudit(ctx context.Context, event domain.AuditEvent) error {
	model := AuditEventModel{
		ID:        event.ID,
		UserID:    event.UserID,
		Action:    event.Action,
		Meta:      event.Meta,
		CreatedAt: event.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:            u.ID,
		Email:         u.Email,
		FullName:      u.FullName,
		Username:      u.Username,
		AadhaarMasked: u.AadhaarMasked,
		DOB:           u.DOB,
		Gender:        u.Gender,
		Phone:         u.Phone,
		EmailVerified: u.EmailVerified,
		PhoneVerified: u.PhoneVerified,
		PhotoURL:      u.PhotoURL,
		PasswordHash:  u.PasswordHash,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:            m.ID,
		Email:         m.Email,
		FullName:      m.FullName,
		Username:      m.Username,
		AadhaarMasked: m.AadhaarMasked,
		DOB:           m.DOB,
		Gender:        m.Gender,
		Phone:         m.Phone,
		EmailVerified: m.EmailVerified,
		PhoneVerified: m.PhoneVerified,
		PhotoURL:      m.PhotoURL,
		PasswordHash:  m.PasswordHash,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func documentToModel(d domain.Document) (DocumentModel, error) {
	shared := d.SharedWith
	if shared == nil {
		shared = []string{}
	}
	raw, err := json.Marshal(shared)
	if err != nil {
		return DocumentModel{}, fmt.Errorf("encode shared_with: %w", err)
	}
	return DocumentModel{
		ID:           d.ID,
		OwnerID:      d.OwnerID,
		FileName:     d.FileName,
		OriginalName: d.OriginalName,
		FileType:     d.FileType,
		Category:     string(d.Category),
		FileURL:      d.FileURL,
		StoragePath:  d.StoragePath,
		SizeBytes:    d.SizeBytes,
		PageCount:    d.PageCount,
		SharedWith:   raw,
		CreatedAt:    d.CreatedAt,
	}, nil
}

func documentFromModel(m DocumentModel) (domain.Document, error) {
	var shared []string
	if len(m.SharedWith) > 0 {
		if err := json.Unmarshal(m.SharedWith, &shared); err != nil {
			return domain.Document{}, fmt.Errorf("decode shared_with: %w", err)
		}
	}
	if shared == nil {
		shared = []string{}
	}
	return domain.Document{
		ID:           m.ID,
		OwnerID:      m.OwnerID,
		FileName:     m.FileName,
		OriginalName: m.OriginalName,
		FileType:     m.FileType,
		Category:     domain.DocumentCategory(m.Category),
		FileURL:      m.FileURL,
		StoragePath:  m.StoragePath,
		SizeBytes:    m.SizeBytes,
		PageCount:    m.PageCount,
		SharedWith:   shared,
		CreatedAt:    m.CreatedAt,
	}, nil
}
