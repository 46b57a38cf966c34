// Package api provides the HTTP API and middleware for the server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amurg-ai/parley/internal/auth"
	"github.com/amurg-ai/parley/internal/config"
	"github.com/amurg-ai/parley/internal/messaging"
	"github.com/amurg-ai/parley/internal/presence"
	"github.com/amurg-ai/parley/internal/store"
)

// Deps are the collaborators the API serves.
type Deps struct {
	Store         store.Store
	AuthProvider  auth.Provider
	LoginProvider auth.LoginProvider // nil when accounts are managed externally
	Messages      *messaging.Service
	Presence      presence.Tracker
	ChatHandler   http.HandlerFunc    // WebSocket entry point
	Gatherer      prometheus.Gatherer // nil disables /metrics
}

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	messages      *messaging.Service
	presence      presence.Tracker
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server.
func NewServer(deps Deps, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         deps.Store,
		authProvider:  deps.AuthProvider,
		loginProvider: deps.LoginProvider,
		messages:      deps.Messages,
		presence:      deps.Presence,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	if deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Account routes only exist for local accounts.
	if deps.LoginProvider != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.Group(func(r chi.Router) {
			r.Use(rateLimitBy(srv.loginRL, clientIP, "too many login attempts"))
			r.Post("/api/auth/signup", srv.handleSignup)
			r.Post("/api/auth/sign-in", srv.handleSignIn)
		})
	}

	// WebSocket route (auth handled inside)
	if deps.ChatHandler != nil {
		mux.Get("/ws/chat", deps.ChatHandler)
	}

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitBy(srv.rl, identityUserID, "rate limit exceeded"))

		r.Get("/api/me", srv.handleGetMe)
		r.Post("/api/messages", srv.handleSendMessage)
		r.Post("/api/messages/{messageID}/read", srv.handleMarkRead)
		r.Post("/api/mark-as-read", srv.handleMarkRead)
		r.Get("/api/conversations", srv.handleListConversations)
		r.Get("/api/conversations/{partnerID}/messages", srv.handleGetThread)
		r.Get("/api/presence", srv.handleListPresence)
		r.Get("/api/presence/{userID}", srv.handleGetPresence)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

type userOut struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	CreatedAt time.Time `json:"created_at"`
}

func toUserOut(u *store.User) userOut {
	return userOut{ID: u.ID, Email: u.Email, FirstName: u.FirstName, LastName: u.LastName, CreatedAt: u.CreatedAt}
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req)
	switch {
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusBadRequest, "email already registered")
		return
	case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("signup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	s.audit(r.Context(), "user.signup", user.ID, nil)
	writeJSON(w, http.StatusCreated, toUserOut(user))
}

// handleSignIn accepts an OAuth2-style password form (username, password) or
// the same fields as JSON. The username is the account email.
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(s.maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			writeError(w, http.StatusBadRequest, "invalid form body")
			return
		}
		req.Username = r.PostFormValue("username")
		req.Password = r.PostFormValue("password")
	default:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Username == "" {
		req.Username = req.Email
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Error("login failed", "error", err)
		}
		s.audit(r.Context(), "login.failed", "", map[string]string{"username": req.Username})
		writeError(w, http.StatusUnauthorized, "incorrect username or password")
		return
	}

	userID := ""
	if user, _ := s.store.GetUserByEmail(r.Context(), req.Username); user != nil {
		userID = user.ID
	}
	s.audit(r.Context(), "login.success", userID, nil)

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	user, err := s.store.GetUserByID(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, toUserOut(user))
}

// --- Message handlers ---

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		ReceiverID string `json:"receiver_id"`
		Content    string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := s.messages.Send(r.Context(), identity.UserID, req.ReceiverID, req.Content)
	switch {
	case errors.Is(err, messaging.ErrRecipientNotFound):
		writeError(w, http.StatusNotFound, "recipient not found")
		return
	case errors.Is(err, messaging.ErrEmptyContent), errors.Is(err, messaging.ErrContentTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("send message failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	msgs, err := s.messages.Conversations(r.Context(), identity.UserID)
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	partnerID := chi.URLParam(r, "partnerID")

	q := store.ThreadQuery{Before: r.URL.Query().Get("before")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}

	msgs, err := s.messages.Thread(r.Context(), identity.UserID, partnerID, q)
	if err != nil {
		s.logger.Error("get thread failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	messageID := chi.URLParam(r, "messageID")
	if messageID == "" {
		messageID = r.URL.Query().Get("id")
	}
	if messageID == "" {
		writeError(w, http.StatusBadRequest, "message id is required")
		return
	}

	res, err := s.messages.MarkRead(r.Context(), messageID, identity.UserID)
	switch {
	case errors.Is(err, messaging.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "message not found")
		return
	case errors.Is(err, messaging.ErrForbidden):
		writeError(w, http.StatusForbidden, "not authorized to update this message")
		return
	case err != nil:
		s.logger.Error("mark read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to mark message read")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      messageID,
		"is_read": true,
		"detail":  res.Detail(),
	})
}

// --- Presence handlers ---

func (s *Server) handleListPresence(w http.ResponseWriter, r *http.Request) {
	records, err := s.presence.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list presence")
		return
	}
	if records == nil {
		records = []presence.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	rec, err := s.presence.Get(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get presence")
		return
	}

	resp := map[string]any{"user_id": userID, "online": rec != nil}
	if rec != nil {
		resp["connected_at"] = rec.ConnectedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) audit(ctx context.Context, action, userID string, detail map[string]string) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	if err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID: uuid.New().String(), Action: action, UserID: userID, Detail: raw, CreatedAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
