package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"securedocs/internal/ratelimit"
	"securedocs/internal/util"
	"securedocs/pkg/docs"
	"securedocs/pkg/domain"
	"securedocs/pkg/emailverify"
	"securedocs/pkg/otp"
	"securedocs/pkg/session"
	"securedocs/services/custody/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App        *app.App
	CORSOrigin string

	RegisterLimiter *ratelimit.FixedWindowLimiter
	LoginLimiter    *ratelimit.FixedWindowLimiter
	ResendLimiter   *ratelimit.FixedWindowLimiter
}

// Server exposes HTTP endpoints for the custody service.
type Server struct {
	app        *app.App
	mux        *http.ServeMux
	corsOrigin string

	registerLimiter *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
	resendLimiter   *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		corsOrigin:      cfg.CORSOrigin,
		registerLimiter: cfg.RegisterLimiter,
		loginLimiter:    cfg.LoginLimiter,
		resendLimiter:   cfg.ResendLimiter,
	}
	s.routes()
	return s
}

// Router returns the configured handler behind the middleware chain.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.corsOrigin, h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog("custody", h)
	h = util.WithRequestID(h)
	return h
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/auth/register", s.handleRegister)
	s.mux.HandleFunc("/auth/login", s.handleLogin)
	s.mux.HandleFunc("/auth/logout", s.handleLogout)
	s.mux.HandleFunc("/auth/session", s.handleSession)

	// email verification
	s.mux.Handle("/auth/email/resend", s.inState(session.StateNeedsEmail, s.handleEmailResend))
	s.mux.Handle("/auth/email/check", s.inState(session.StateNeedsEmail, s.handleEmailCheck))
	s.mux.HandleFunc("/auth/email/confirm", s.handleEmailConfirm)

	// phone linking
	s.mux.Handle("/auth/otp/send", s.inState(session.StateNeedsPhone, s.handleOTPSend))
	s.mux.Handle("/auth/otp/verify", s.inState(session.StateNeedsPhone, s.handleOTPVerify))

	// route guard decisions
	s.mux.HandleFunc("/routes/decide", s.handleDecide)

	// profile
	s.mux.Handle("/profile", s.active(s.handleProfile))
	s.mux.Handle("/profile/photo", s.active(s.handleProfilePhoto))

	// documents
	s.mux.Handle("/documents", s.active(s.handleDocuments))
	s.mux.Handle("/documents/shared", s.active(s.handleSharedDocuments))
	s.mux.Handle("/documents/watch", s.active(s.handleWatchOwned))
	s.mux.Handle("/documents/shared/watch", s.active(s.handleWatchShared))
	s.mux.Handle("/documents/", s.active(s.handleDocumentByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authHandler serves a request on behalf of an authenticated principal.
type authHandler func(http.ResponseWriter, *http.Request, string)

// authorize resolves the bearer token and returns the caller's own
// snapshot. Gating always uses this value; a concurrent request from
// another principal may move the shared stream, but never this
// request's decision.
func (s *Server) authorize(r *http.Request) (string, session.Snapshot, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return "", session.Snapshot{}, false
	}
	uid, ok := s.app.Authenticate(token)
	if !ok {
		return "", session.Snapshot{}, false
	}
	snap, err := s.app.SnapshotFor(r.Context(), uid)
	if err != nil {
		return "", session.Snapshot{}, false
	}
	return uid, snap, true
}

// active admits only a fully verified session.
func (s *Server) active(next authHandler) http.Handler {
	return s.inState(session.StateActive, next)
}

// inState admits only callers in exactly the given screen state.
func (s *Server) inState(want session.ScreenState, next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, snap, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		state := session.Resolve(snap)
		if state != want {
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "not allowed in this verification state",
				"state": string(state),
			})
			return
		}
		next(w, r, uid)
	})
}

// auth handlers

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !allow(s.registerLimiter, clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "too many registration attempts")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Register(r.Context(), app.RegisterInput{
		FullName: req.FullName,
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Aadhaar:  req.Aadhaar,
		DOB:      req.DOB,
		Gender:   req.Gender,
		Phone:    req.Phone,
	})
	if err != nil {
		writeError(w, statusForAuthError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{
		Token:    token,
		User:     user,
		Redirect: redirectFor(user),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !allow(s.loginLimiter, clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, app.ErrEmailNotVerified) {
			status = http.StatusForbidden
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, authResponse{
		Token:    token,
		User:     user,
		Redirect: redirectFor(user),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(r.Context(), token); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	snap, err := s.app.Session(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Snapshot: snap,
		State:    session.Resolve(snap),
	})
}

// email verification handlers

func (s *Server) handleEmailResend(w http.ResponseWriter, r *http.Request, uid string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !allow(s.resendLimiter, clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "too many resend attempts")
		return
	}
	resendIn, err := s.app.ResendVerificationEmail(r.Context(), uid)
	if err != nil {
		if errors.Is(err, emailverify.ErrResendCooldown) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resendIn": resendIn})
}

func (s *Server) handleEmailCheck(w http.ResponseWriter, r *http.Request, uid string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.CheckEmailVerification(r.Context(), uid); err != nil {
		if errors.Is(err, emailverify.ErrNotYetVerified) {
			writeJSON(w, http.StatusOK, map[string]bool{"verified": false})
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (s *Server) handleEmailConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if err := s.app.ConfirmEmail(r.Context(), r.URL.Query().Get("token")); err != nil {
		if errors.Is(err, emailverify.ErrInvalidToken) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

// phone linking handlers

func (s *Server) handleOTPSend(w http.ResponseWriter, r *http.Request, uid string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !allow(s.resendLimiter, clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "too many resend attempts")
		return
	}
	resendIn, err := s.app.SendPhoneChallenge(r.Context(), uid)
	if err != nil {
		writeError(w, statusForOTPError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resendIn": resendIn})
}

func (s *Server) handleOTPVerify(w http.ResponseWriter, r *http.Request, uid string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req otpVerifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.app.VerifyPhone(r.Context(), uid, strings.TrimSpace(req.Code)); err != nil {
		writeError(w, statusForOTPError(err), err.Error())
		return
	}
	// The gate admitted needs_phone, so a linked phone makes the caller
	// active.
	writeJSON(w, http.StatusOK, map[string]any{
		"verified": true,
		"redirect": session.HomeTarget(session.StateActive),
	})
}

// route guard decisions

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	// A missing or invalid token is simply a signed-out decision; a
	// valid one decides on the caller's own snapshot.
	var snap session.Snapshot
	if token, ok := bearerToken(r); ok {
		if uid, ok := s.app.Authenticate(token); ok {
			snap, _ = s.app.SnapshotFor(r.Context(), uid)
		} else {
			snap, _ = s.app.Resolver().Dispatch(r.Context(), session.AuthEvent{Kind: session.EventSignedOut})
		}
	} else {
		snap, _ = s.app.Resolver().Dispatch(r.Context(), session.AuthEvent{Kind: session.EventSignedOut})
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		path = session.PathRoot
	}
	writeJSON(w, http.StatusOK, session.Decide(path, snap))
}

// profile handlers

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, uid string) {
	switch r.Method {
	case http.MethodGet:
		user, err := s.app.Profile(r.Context(), uid)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		var req profileUpdateRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		user, err := s.app.UpdateProfile(r.Context(), uid, app.ProfileUpdate{
			FullName: req.FullName,
			Username: req.Username,
			DOB:      req.DOB,
			Gender:   req.Gender,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, user)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleProfilePhoto(w http.ResponseWriter, r *http.Request, uid string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	file, header, err := s.formFile(r, "photo")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer file.Close()
	url, err := s.app.UpdatePhoto(r.Context(), uid, header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"photoURL": url})
}

// document handlers

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, uid string) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.app.OwnedDocuments(r.Context(), uid, viewFromQuery(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, documentList{Items: list, Count: len(list)})
	case http.MethodPost:
		s.handleUpload(w, r, uid)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, uid string) {
	file, header, err := s.formFile(r, "file")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer file.Close()

	category := r.FormValue("category")
	if category == "" {
		category = string(domain.CategoryFile)
	}
	doc, err := s.app.UploadDocument(r.Context(), docs.UploadInput{
		OwnerID:     uid,
		FileName:    header.Filename,
		Size:        header.Size,
		ContentType: header.Header.Get("Content-Type"),
		Category:    domain.DocumentCategory(category),
		Body:        file,
	})
	if err != nil {
		writeError(w, statusForDocsError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleSharedDocuments(w http.ResponseWriter, r *http.Request, uid string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	list, err := s.app.SharedDocuments(r.Context(), uid, viewFromQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, documentList{Items: list, Count: len(list)})
}

func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request, uid string) {
	rest := strings.TrimPrefix(r.URL.Path, "/documents/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/share"); ok {
		s.handleShare(w, r, uid, id)
		return
	}
	if strings.Contains(rest, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteDocument(r.Context(), uid, rest); err != nil {
		writeError(w, statusForDocsError(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, uid, docID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req shareRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.app.ShareDocument(r.Context(), uid, docID, req.GranteeID); err != nil {
		writeError(w, statusForDocsError(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// live watch handlers

func (s *Server) handleWatchOwned(w http.ResponseWriter, r *http.Request, uid string) {
	s.serveWatch(w, r, func() (*docs.LiveList, error) {
		return s.app.WatchOwned(r.Context(), uid, viewFromQuery(r))
	})
}

func (s *Server) handleWatchShared(w http.ResponseWriter, r *http.Request, uid string) {
	s.serveWatch(w, r, func() (*docs.LiveList, error) {
		return s.app.WatchShared(r.Context(), uid, viewFromQuery(r))
	})
}

// serveWatch streams live-query snapshots as server-sent events until
// the client disconnects. The subscription is always released.
func (s *Server) serveWatch(w http.ResponseWriter, r *http.Request, open func() (*docs.LiveList, error)) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	live, err := open()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer live.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot, ok := <-live.C:
			if !ok {
				return
			}
			payload, err := json.Marshal(documentList{Items: snapshot, Count: len(snapshot)})
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// helpers

func (s *Server) formFile(r *http.Request, field string) (multipart.File, *multipart.FileHeader, error) {
	if err := r.ParseMultipartForm(docs.MaxFileSize + (1 << 20)); err != nil {
		return nil, nil, errors.New("invalid multipart body")
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, nil, errors.New(field + " is required")
	}
	return file, header, nil
}

// redirectFor derives the post-auth landing path from the caller's own
// record, independent of the shared snapshot stream.
func redirectFor(user domain.User) string {
	snap := session.Snapshot{AuthChecked: true, User: session.MergeUser(user)}
	return session.HomeTarget(session.Resolve(snap))
}

func viewFromQuery(r *http.Request) docs.View {
	return docs.View{
		Category: r.URL.Query().Get("category"),
		Search:   r.URL.Query().Get("search"),
		Sort:     docs.SortMode(r.URL.Query().Get("sort")),
	}
}

func allow(l *ratelimit.FixedWindowLimiter, key string) bool {
	if l == nil {
		return true
	}
	return l.Allow(key)
}

func clientKey(r *http.Request) string {
	return util.ClientIP(r, nil)
}

func statusForAuthError(err error) int {
	switch {
	case errors.Is(err, app.ErrEmailAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, app.ErrMissingFields),
		errors.Is(err, app.ErrWeakPassword),
		errors.Is(err, app.ErrInvalidAadhaar),
		errors.Is(err, app.ErrInvalidPhone):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func statusForOTPError(err error) int {
	switch {
	case errors.Is(err, otp.ErrResendCooldown), errors.Is(err, otp.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, otp.ErrInvalidCode), errors.Is(err, otp.ErrCodeRedemption), errors.Is(err, otp.ErrMissingPhone):
		return http.StatusBadRequest
	case errors.Is(err, otp.ErrRedeemInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func statusForDocsError(err error) int {
	switch {
	case errors.Is(err, docs.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, docs.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, docs.ErrUnsupportedExtension),
		errors.Is(err, docs.ErrFileTooLarge),
		errors.Is(err, docs.ErrInvalidCategory),
		errors.Is(err, docs.ErrShareWithOwner),
		errors.Is(err, docs.ErrMissingGrantee),
		errors.Is(err, docs.ErrMissingFile):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type registerRequest struct {
	FullName string `json:"fullName"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Aadhaar  string `json:"aadhaar"`
	DOB      string `json:"dob"`
	Gender   string `json:"gender"`
	Phone    string `json:"phone"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token    string      `json:"token"`
	User     domain.User `json:"user"`
	Redirect string      `json:"redirect"`
}

type sessionResponse struct {
	Snapshot session.Snapshot    `json:"snapshot"`
	State    session.ScreenState `json:"state"`
}

type otpVerifyRequest struct {
	Code string `json:"code"`
}

type profileUpdateRequest struct {
	FullName *string `json:"fullName"`
	Username *string `json:"username"`
	DOB      *string `json:"dob"`
	Gender   *string `json:"gender"`
}

type shareRequest struct {
	GranteeID string `json:"granteeId"`
}

type documentList struct {
	Items []domain.Document `json:"items"`
	Count int               `json:"count"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		slog.Warn("empty bearer token", "path", r.URL.Path)
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
