package docs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"

	"securedocs/internal/util"
	"securedocs/pkg/domain"
	"securedocs/pkg/storage"
	"securedocs/pkg/store"
	"securedocs/pkg/watch"
)

// MaxFileSize is the upload ceiling.
const MaxFileSize = 5 << 20

// blockedExtensions are rejected outright, with or without transfer.
var blockedExtensions = map[string]struct{}{
	"exe": {}, "apk": {}, "bat": {}, "cmd": {}, "sh": {},
}

var unsafeNameChars = regexp.MustCompile(`[^\w.-]`)

// SanitizeFileName rewrites a client-supplied name into a storage-safe
// one. Every character outside word, dot and dash becomes underscore.
func SanitizeFileName(name string) string {
	name = path.Base(strings.TrimSpace(name))
	return unsafeNameChars.ReplaceAllString(name, "_")
}

// Engine owns document custody: uploads, deletion, sharing and live
// queries. All access-control decisions for documents live here.
type Engine struct {
	store  store.Store
	blobs  storage.ObjectStore
	bus    watch.Bus
	urlTTL time.Duration
}

func NewEngine(s store.Store, blobs storage.ObjectStore, bus watch.Bus) *Engine {
	return &Engine{
		store:  s,
		blobs:  blobs,
		bus:    bus,
		urlTTL: 7 * 24 * time.Hour,
	}
}

// Blobs exposes the underlying object store for adjacent blob
// concerns such as profile photos.
func (e *Engine) Blobs() storage.ObjectStore { return e.blobs }

// UploadInput is one upload request.
type UploadInput struct {
	OwnerID     string
	FileName    string
	Size        int64
	ContentType string
	Category    domain.DocumentCategory
	Body        io.Reader
	OnProgress  storage.ProgressFunc
}

// Upload validates, streams the blob and creates the record. Validation
// failures happen before any byte is transferred and before any
// progress is reported. The record is written only after the blob write
// succeeded, so a failed transfer leaves no dangling record.
func (e *Engine) Upload(ctx context.Context, in UploadInput) (domain.Document, error) {
	if in.Body == nil {
		return domain.Document{}, ErrMissingFile
	}
	if _, ok := domain.ParseDocumentCategory(string(in.Category)); !ok {
		return domain.Document{}, ErrInvalidCategory
	}
	ext := fileExtension(in.FileName)
	if _, blocked := blockedExtensions[ext]; blocked {
		return domain.Document{}, ErrUnsupportedExtension
	}
	if in.Size <= 0 {
		return domain.Document{}, ErrMissingFile
	}
	if in.Size > MaxFileSize {
		return domain.Document{}, ErrFileTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(in.Body, MaxFileSize+1))
	if err != nil {
		return domain.Document{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return domain.Document{}, ErrFileTooLarge
	}

	safeName := SanitizeFileName(in.FileName)
	storagePath := fmt.Sprintf("documents/%s/%s", in.OwnerID, safeName)
	if err := e.blobs.Put(ctx, storagePath, bytes.NewReader(data), int64(len(data)), in.ContentType, in.OnProgress); err != nil {
		return domain.Document{}, fmt.Errorf("store blob: %w", err)
	}
	fileURL, err := e.blobs.GetURL(ctx, storagePath, e.urlTTL)
	if err != nil {
		_ = e.blobs.Delete(ctx, storagePath)
		return domain.Document{}, fmt.Errorf("resolve blob url: %w", err)
	}

	doc := domain.Document{
		ID:           util.NewID(),
		OwnerID:      in.OwnerID,
		FileName:     safeName,
		OriginalName: in.FileName,
		FileType:     in.ContentType,
		Category:     in.Category,
		FileURL:      fileURL,
		StoragePath:  storagePath,
		SizeBytes:    int64(len(data)),
		PageCount:    pageCount(ext, in.ContentType, data),
		SharedWith:   []string{},
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.store.SaveDocument(ctx, doc); err != nil {
		_ = e.blobs.Delete(ctx, storagePath)
		return domain.Document{}, fmt.Errorf("save document record: %w", err)
	}
	e.notify(ctx, in.OwnerID)
	return doc, nil
}

// Remove deletes blob first, record second. A blob failure aborts and
// keeps the record; an already-absent blob counts as deleted.
func (e *Engine) Remove(ctx context.Context, actorID, docID string) error {
	doc, ok, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return ErrDocumentNotFound
	}
	if doc.OwnerID != actorID {
		return ErrNotOwner
	}
	if err := e.blobs.Delete(ctx, doc.StoragePath); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	if err := e.store.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("delete document record: %w", err)
	}
	e.notify(ctx, append([]string{doc.OwnerID}, doc.SharedWith...)...)
	return nil
}

// Share grants read access to another principal. Grants are additive
// set-unions; duplicates no-op; there is no unshare. The grantee is not
// validated against existing principals, but the owner can never be a
// grantee of their own document.
func (e *Engine) Share(ctx context.Context, actorID, docID, granteeID string) error {
	granteeID = strings.TrimSpace(granteeID)
	if granteeID == "" {
		return ErrMissingGrantee
	}
	doc, ok, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return ErrDocumentNotFound
	}
	if doc.OwnerID != actorID {
		return ErrNotOwner
	}
	if granteeID == doc.OwnerID {
		return ErrShareWithOwner
	}
	if err := e.store.AddShare(ctx, docID, granteeID); err != nil {
		return fmt.Errorf("add share: %w", err)
	}
	e.notify(ctx, doc.OwnerID, granteeID)
	return nil
}

// ListOwned returns the caller's documents under the requested view.
func (e *Engine) ListOwned(ctx context.Context, ownerID string, v View) ([]domain.Document, error) {
	docs, err := e.store.ListDocumentsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list owned documents: %w", err)
	}
	return ApplyView(docs, v), nil
}

// ListShared returns documents granted to the caller under the view.
func (e *Engine) ListShared(ctx context.Context, granteeID string, v View) ([]domain.Document, error) {
	docs, err := e.store.ListDocumentsSharedWith(ctx, granteeID)
	if err != nil {
		return nil, fmt.Errorf("list shared documents: %w", err)
	}
	return ApplyView(docs, v), nil
}

func (e *Engine) notify(ctx context.Context, uids ...string) {
	for _, uid := range uids {
		_ = e.bus.Publish(ctx, userTopic(uid))
	}
}

func userTopic(uid string) string { return "documents:user:" + uid }

func fileExtension(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	return ext
}
