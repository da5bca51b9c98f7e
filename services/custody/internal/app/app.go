package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"securedocs/internal/util"
	"securedocs/pkg/auth"
	"securedocs/pkg/docs"
	"securedocs/pkg/domain"
	"securedocs/pkg/emailverify"
	"securedocs/pkg/otp"
	"securedocs/pkg/session"
	"securedocs/pkg/storage"
	"securedocs/pkg/store"
	"securedocs/pkg/watch"
	"securedocs/services/custody/internal/security"
)

// MaxPhotoSize caps profile photo uploads.
const MaxPhotoSize = 5 << 20

// Config holds runtime configuration for the core application.
// Nil implementations get production defaults built from the
// connection settings; tests inject in-memory ones.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	SessionTTL    time.Duration
	JWTSecret     string
	PublicBaseURL string

	Store          store.Store
	Sessions       store.SessionStore
	Blobs          storage.ObjectStore
	Bus            watch.Bus
	Mailer         emailverify.Sender
	SMS            otp.Sender
	AuditPublisher security.Publisher
	Logger         *slog.Logger
}

// App wires the custody core: identity, session resolution, the two
// verification protocols, and the document engine.
type App struct {
	store    store.Store
	sessions store.SessionStore
	resolver *session.Resolver
	email    *emailverify.Protocol
	docs     *docs.Engine
	audit    *security.Auditor
	logger   *slog.Logger

	challenges  *otp.ChallengeStore
	sms         otp.Sender
	newVerifier func() (otp.Verifier, error)

	otpMu        sync.Mutex
	otpProtocols map[string]*otp.Protocol
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redisAddr is required for jwt+redis session strategy")
		}
		revoker := store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
		jwtStore, err := store.NewJWTSessionStore(cfg.JWTSecret, cfg.SessionTTL, revoker, store.JWTOptions{})
		if err != nil {
			return nil, fmt.Errorf("init jwt session store: %w", err)
		}
		sessionStore = jwtStore
	}

	blobs := cfg.Blobs
	if blobs == nil {
		return nil, fmt.Errorf("object store is required")
	}
	bus := cfg.Bus
	if bus == nil {
		var err error
		bus, err = watch.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword, "")
		if err != nil {
			return nil, fmt.Errorf("init watch bus: %w", err)
		}
	}
	mailer := cfg.Mailer
	if mailer == nil {
		mailer = &emailverify.LogSender{Logger: logger}
	}
	smsSender := cfg.SMS
	if smsSender == nil {
		smsSender = &otp.LogSender{Logger: logger}
	}

	resolver := session.NewResolver(dataStore)
	emailProto, err := emailverify.NewProtocol(dataStore, resolver, mailer, cfg.RedisAddr, cfg.RedisPassword, cfg.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("init email verification: %w", err)
	}
	challenges, err := otp.NewChallengeStore(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return nil, fmt.Errorf("init otp challenge store: %w", err)
	}

	redisAddr, redisPassword := cfg.RedisAddr, cfg.RedisPassword
	return &App{
		store:    dataStore,
		sessions: sessionStore,
		resolver: resolver,
		email:    emailProto,
		docs:     docs.NewEngine(dataStore, blobs, bus),
		audit:    security.NewAuditor(dataStore, cfg.AuditPublisher, logger),
		logger:   logger,

		challenges: challenges,
		sms:        smsSender,
		newVerifier: func() (otp.Verifier, error) {
			return otp.NewRedisVerifier(redisAddr, redisPassword)
		},
		otpProtocols: make(map[string]*otp.Protocol),
	}, nil
}

// Resolver exposes the session resolver for gating and watch streams.
func (a *App) Resolver() *session.Resolver { return a.resolver }

// SnapshotFor realigns the session snapshot to the given principal and
// returns it. Request-scoped decisions gate on the returned value, not
// on a later read of the shared stream, so a concurrent realignment to
// another principal cannot leak into this caller's request.
func (a *App) SnapshotFor(ctx context.Context, uid string) (session.Snapshot, error) {
	return a.resolver.Dispatch(ctx, session.AuthEvent{Kind: session.EventTokenRefresh, UserID: uid})
}

// RegisterInput is the full registration form.
type RegisterInput struct {
	FullName string
	Username string
	Email    string
	Password string
	Aadhaar  string
	DOB      string
	Gender   string
	Phone    string
}

// Register creates the principal and its identity record, signs the
// session in, mails the verification link and issues a session token.
// The raw aadhaar value is masked here and discarded; only the mask is
// ever stored or returned.
func (a *App) Register(ctx context.Context, in RegisterInput) (domain.User, string, error) {
	fullName := strings.TrimSpace(in.FullName)
	username := strings.TrimSpace(in.Username)
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if fullName == "" || username == "" || email == "" || in.Password == "" || in.Aadhaar == "" || in.Phone == "" {
		return domain.User{}, "", ErrMissingFields
	}
	if len(in.Password) < 8 {
		return domain.User{}, "", ErrWeakPassword
	}
	aadhaar := digitsOnly(in.Aadhaar)
	if len(aadhaar) != 12 {
		return domain.User{}, "", ErrInvalidAadhaar
	}
	phone := digitsOnly(in.Phone)
	if len(phone) != 10 {
		return domain.User{}, "", ErrInvalidPhone
	}

	exists, err := a.store.HasUserEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, "", ErrEmailAlreadyExists
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:            util.NewID(),
		Email:         email,
		FullName:      fullName,
		Username:      username,
		AadhaarMasked: domain.MaskAadhaar(aadhaar),
		DOB:           strings.TrimSpace(in.DOB),
		Gender:        strings.TrimSpace(in.Gender),
		Phone:         phone,
		PasswordHash:  hash,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.store.SaveUser(ctx, user); err != nil {
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}

	if _, err := a.resolver.Dispatch(ctx, session.AuthEvent{Kind: session.EventSignedIn, UserID: user.ID}); err != nil {
		return domain.User{}, "", fmt.Errorf("resolve session: %w", err)
	}
	if err := a.email.Send(ctx, user.ID, user.Email); err != nil {
		a.logger.Warn("verification email not sent", "err", err)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session token: %w", err)
	}
	a.audit.LogAction(ctx, user.ID, domain.ActionRegister, nil)
	return user, token, nil
}

// Login validates credentials and issues a session token. An account
// whose password checks out but whose email is unverified is refused.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, "", ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	if !user.EmailVerified {
		return domain.User{}, "", ErrEmailNotVerified
	}
	if _, err := a.resolver.Dispatch(ctx, session.AuthEvent{Kind: session.EventSignedIn, UserID: user.ID}); err != nil {
		return domain.User{}, "", fmt.Errorf("resolve session: %w", err)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session token: %w", err)
	}
	a.audit.LogAction(ctx, user.ID, domain.ActionLogin, nil)
	return user, token, nil
}

// Logout revokes the session token and signs the session out.
func (a *App) Logout(ctx context.Context, token string) error {
	uid, ok, _ := a.sessions.GetUserIDByToken(token)
	if err := a.sessions.DeleteSession(token); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if _, err := a.resolver.Dispatch(ctx, session.AuthEvent{Kind: session.EventSignedOut}); err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	if ok {
		a.audit.LogAction(ctx, uid, domain.ActionLogout, nil)
	}
	return nil
}

// Authenticate resolves a bearer token to a principal id.
func (a *App) Authenticate(token string) (string, bool) {
	uid, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return "", false
	}
	return uid, true
}

// Session refreshes and returns the snapshot for a valid token.
func (a *App) Session(ctx context.Context, token string) (session.Snapshot, error) {
	uid, ok := a.Authenticate(token)
	if !ok {
		return session.Snapshot{}, ErrNotSignedIn
	}
	return a.SnapshotFor(ctx, uid)
}

// Profile returns the caller's identity record.
func (a *App) Profile(ctx context.Context, uid string) (domain.User, error) {
	user, ok, err := a.store.GetUserByID(ctx, uid)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

// ProfileUpdate carries the mutable profile fields. Nil means keep.
type ProfileUpdate struct {
	FullName *string
	Username *string
	DOB      *string
	Gender   *string
}

// UpdateProfile edits the caller's own record and refreshes the
// snapshot so gating sees the change immediately.
func (a *App) UpdateProfile(ctx context.Context, uid string, in ProfileUpdate) (domain.User, error) {
	fields := make(map[string]any)
	if in.FullName != nil {
		fields["full_name"] = strings.TrimSpace(*in.FullName)
	}
	if in.Username != nil {
		fields["username"] = strings.TrimSpace(*in.Username)
	}
	if in.DOB != nil {
		fields["dob"] = strings.TrimSpace(*in.DOB)
	}
	if in.Gender != nil {
		fields["gender"] = strings.TrimSpace(*in.Gender)
	}
	if len(fields) > 0 {
		if err := a.store.UpdateUserFields(ctx, uid, fields); err != nil {
			return domain.User{}, fmt.Errorf("update user: %w", err)
		}
	}
	if _, err := a.resolver.Dispatch(ctx, session.AuthEvent{Kind: session.EventTokenRefresh, UserID: uid}); err != nil {
		return domain.User{}, err
	}
	return a.Profile(ctx, uid)
}

// UpdatePhoto replaces the profile photo. The superseded blob is
// orphan-cleaned best-effort; a cleanup failure never fails the update.
func (a *App) UpdatePhoto(ctx context.Context, uid, fileName, contentType string, size int64, body io.Reader) (string, error) {
	if body == nil || size <= 0 {
		return "", ErrPhotoRequired
	}
	if size > MaxPhotoSize {
		return "", ErrPhotoTooLarge
	}
	user, err := a.Profile(ctx, uid)
	if err != nil {
		return "", err
	}

	ext := strings.TrimPrefix(strings.ToLower(path.Ext(fileName)), ".")
	if ext == "" {
		ext = "jpg"
	}
	key := fmt.Sprintf("profile-pictures/%s/profile.%s", uid, ext)
	if err := a.docs.Blobs().Put(ctx, key, body, size, contentType, nil); err != nil {
		return "", fmt.Errorf("store photo: %w", err)
	}
	url, err := a.docs.Blobs().GetURL(ctx, key, 7*24*time.Hour)
	if err != nil {
		return "", fmt.Errorf("resolve photo url: %w", err)
	}

	if oldKey := photoStorageKey(user.PhotoURL); oldKey != "" && oldKey != key {
		if err := a.docs.Blobs().Delete(ctx, oldKey); err != nil {
			a.logger.Warn("superseded photo not cleaned", "key", oldKey, "err", err)
		}
	}
	if err := a.store.UpdateUserFields(ctx, uid, map[string]any{"photo_url": url}); err != nil {
		return "", fmt.Errorf("update photo url: %w", err)
	}
	a.resolver.MergeLocal(uid, func(u *session.SessionUser) { u.PhotoURL = url })
	return url, nil
}

// ResendVerificationEmail mails a fresh link to the caller's address.
func (a *App) ResendVerificationEmail(ctx context.Context, uid string) (int, error) {
	return a.email.Resend(ctx, uid)
}

// CheckEmailVerification reloads the caller's record and syncs a
// completed verification into the session.
func (a *App) CheckEmailVerification(ctx context.Context, uid string) error {
	if err := a.email.CheckNow(ctx, uid); err != nil {
		return err
	}
	a.audit.LogAction(ctx, uid, domain.ActionVerifyEmail, nil)
	return nil
}

// ConfirmEmail redeems a verification-link token.
func (a *App) ConfirmEmail(ctx context.Context, token string) error {
	uid, err := a.email.Confirm(ctx, token)
	if err != nil {
		return err
	}
	a.audit.LogAction(ctx, uid, domain.ActionVerifyEmail, nil)
	return nil
}

// StartEmailPolling runs the passive 5s verification poller until the
// context ends or the email verifies.
func (a *App) StartEmailPolling(ctx context.Context) {
	a.email.StartPolling(ctx)
}

// SendPhoneChallenge dispatches an OTP to the caller's phone.
func (a *App) SendPhoneChallenge(ctx context.Context, uid string) (int, error) {
	snap, err := a.SnapshotFor(ctx, uid)
	if err != nil {
		return 0, err
	}
	user := snap.UserCopy()
	if user == nil {
		return 0, ErrNotSignedIn
	}
	return a.otpProtocol(uid).SendChallenge(ctx, user)
}

// VerifyPhone redeems an OTP code and links the caller's phone
// credential.
func (a *App) VerifyPhone(ctx context.Context, uid, code string) error {
	snap, err := a.SnapshotFor(ctx, uid)
	if err != nil {
		return err
	}
	user := snap.UserCopy()
	if user == nil {
		return ErrNotSignedIn
	}
	if err := a.otpProtocol(uid).Redeem(ctx, user, code); err != nil {
		return err
	}
	a.audit.LogAction(ctx, uid, domain.ActionVerifyPhone, nil)
	return nil
}

// otpProtocol returns the linking protocol for a principal, creating
// it on first use. One protocol per principal keeps redeem mutual
// exclusion and the once-built verifier scoped correctly.
func (a *App) otpProtocol(uid string) *otp.Protocol {
	a.otpMu.Lock()
	defer a.otpMu.Unlock()
	p, ok := a.otpProtocols[uid]
	if !ok {
		p = otp.NewProtocol(a.store, a.resolver, a.challenges, a.sms, a.newVerifier)
		a.otpProtocols[uid] = p
	}
	return p
}

// UploadDocument stores a document for the owner.
func (a *App) UploadDocument(ctx context.Context, in docs.UploadInput) (domain.Document, error) {
	doc, err := a.docs.Upload(ctx, in)
	if err != nil {
		return domain.Document{}, err
	}
	a.audit.LogAction(ctx, in.OwnerID, domain.ActionUploadDocument, map[string]any{
		"documentId": doc.ID,
		"fileName":   doc.FileName,
	})
	return doc, nil
}

// DeleteDocument removes an owned document, blob first.
func (a *App) DeleteDocument(ctx context.Context, uid, docID string) error {
	if err := a.docs.Remove(ctx, uid, docID); err != nil {
		return err
	}
	a.audit.LogAction(ctx, uid, domain.ActionDeleteDocument, map[string]any{"documentId": docID})
	return nil
}

// ShareDocument grants read access on an owned document.
func (a *App) ShareDocument(ctx context.Context, uid, docID, granteeID string) error {
	if err := a.docs.Share(ctx, uid, docID, granteeID); err != nil {
		return err
	}
	a.audit.LogAction(ctx, uid, domain.ActionShareDocument, map[string]any{
		"documentId": docID,
		"granteeId":  granteeID,
	})
	return nil
}

// OwnedDocuments lists the caller's documents under a view.
func (a *App) OwnedDocuments(ctx context.Context, uid string, v docs.View) ([]domain.Document, error) {
	return a.docs.ListOwned(ctx, uid, v)
}

// SharedDocuments lists documents granted to the caller under a view.
func (a *App) SharedDocuments(ctx context.Context, uid string, v docs.View) ([]domain.Document, error) {
	return a.docs.ListShared(ctx, uid, v)
}

// WatchOwned opens a live query over the caller's documents.
func (a *App) WatchOwned(ctx context.Context, uid string, v docs.View) (*docs.LiveList, error) {
	return a.docs.ListenOwned(ctx, uid, v)
}

// WatchShared opens a live query over documents granted to the caller.
func (a *App) WatchShared(ctx context.Context, uid string, v docs.View) (*docs.LiveList, error) {
	return a.docs.ListenShared(ctx, uid, v)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// photoStorageKey recovers the storage key embedded in a photo URL.
// Works for both presigned object URLs and the in-memory scheme.
func photoStorageKey(photoURL string) string {
	idx := strings.Index(photoURL, "profile-pictures/")
	if idx < 0 {
		return ""
	}
	key := photoURL[idx:]
	if q := strings.IndexByte(key, '?'); q >= 0 {
		key = key[:q]
	}
	return key
}
