package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"faqdesk/internal/app"
	"faqdesk/internal/ratelimit"
	"faqdesk/internal/util"
	"faqdesk/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Gate           *ratelimit.Gate
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the knowledge-base assistant.
type Server struct {
	app     *app.App
	gate    *ratelimit.Gate
	trusted *util.TrustedProxies
	mux     *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	s := &Server{
		app:     cfg.App,
		gate:    cfg.Gate,
		trusted: cfg.TrustedProxies,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	var handler http.Handler = s.mux
	handler = s.withRateGate(handler)
	handler = util.WithRequestLog(handler)
	handler = util.WithRequestID(handler)
	handler = util.WithCORS(handler)
	return util.WithSecurityHeaders(handler)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.Handle("/api/users/me", s.authenticated(s.handleMe))

	// articles
	s.mux.HandleFunc("/api/articles", s.handleArticles)
	s.mux.HandleFunc("/api/articles/", s.handleArticleByID)

	// chat & feedback (auth required)
	s.mux.Handle("/api/chat", s.authenticated(s.handleChat))
	s.mux.Handle("/api/chat/sessions", s.authenticated(s.handleChatSessions))
	s.mux.Handle("/api/chat/sessions/", s.authenticated(s.handleChatSessionMessages))
	s.mux.Handle("/api/feedback", s.authenticated(s.handleFeedback))

	// admin
	s.mux.Handle("/api/admin/stats", s.adminOnly(s.handleAdminStats))
}

// withRateGate applies per-client fixed-window throttling by route class.
// Non-API paths pass through untouched.
func (s *Server) withRateGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket, limited := ratelimit.BucketForPath(r.URL.Path)
		if limited && s.gate != nil {
			key := util.ClientIP(r, s.trusted)
			if !s.gate.TryConsume(bucket, key) {
				s.audit(r, "ratelimit.deny", "rate_limited", "bucket", string(bucket))
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "Too Many Requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			s.audit(r, "authorize", "fail")
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) adminOnly(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			s.audit(r, "admin.authorize", "fail", "reason", "unauthenticated")
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if user.Role != domain.RoleAdmin {
			s.audit(r, "admin.authorize", "fail", "user_id", user.ID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, "Forbidden")
			return
		}
		next(w, r, user)
	})
}

// authorize resolves the caller from the bearer token. Missing or invalid
// tokens are treated identically to anonymous requests.
func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	return s.app.UserFromToken(token)
}

// auth handlers
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.SignUp(req.Email, req.Password, req.Name)
	if err != nil {
		s.audit(r, "signup", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "signup", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		s.audit(r, "login", "fail", "reason", "invalid_credentials")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.audit(r, "login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// /api/articles
func (s *Server) handleArticles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListArticles(w, r)
	case http.MethodPost:
		s.adminOnly(s.handleCreateArticle).ServeHTTP(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListArticles(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page := parseIntParam(query.Get("page"), 1)
	limit := parseIntParam(query.Get("limit"), 10)
	filter := domain.ArticleFilter{
		Search:        query.Get("search"),
		PublishedOnly: query.Get("published") == "true",
	}
	articles, pagination, err := s.app.ListArticles(filter, page, limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"articles":   articles,
		"pagination": pagination,
	})
}

func (s *Server) handleCreateArticle(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req createArticleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, err := s.app.CreateArticle(r.Context(), user, req.Title, req.Content, req.IsPublished)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "article.create", "success", "user_id", user.ID, "article_id", id)
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "Article created successfully",
		"articleId": id,
	})
}

// /api/articles/{id}
func (s *Server) handleArticleByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/articles/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		article, err := s.app.GetArticle(id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, article)
	case http.MethodPut:
		s.adminOnly(func(w http.ResponseWriter, r *http.Request, user domain.User) {
			s.handleUpdateArticle(w, r, user, id)
		}).ServeHTTP(w, r)
	case http.MethodDelete:
		s.adminOnly(func(w http.ResponseWriter, r *http.Request, user domain.User) {
			s.handleDeleteArticle(w, r, user, id)
		}).ServeHTTP(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpdateArticle(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	var req updateArticleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	update := domain.ArticleUpdate{
		Title:       req.Title,
		Content:     req.Content,
		IsPublished: req.IsPublished,
	}
	if err := s.app.UpdateArticle(r.Context(), user, id, update); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "article.update", "success", "user_id", user.ID, "article_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Article updated successfully"})
}

func (s *Server) handleDeleteArticle(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if err := s.app.DeleteArticle(user, id); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "article.delete", "success", "user_id", user.ID, "article_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Article deleted successfully"})
}

// /api/chat
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.app.Ask(r.Context(), user, req.Question, req.SessionID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// /api/chat/sessions
func (s *Server) handleChatSessions(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := parseIntParam(r.URL.Query().Get("limit"), 0)
	sessions, err := s.app.ListSessions(user, limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// /api/chat/sessions/{id}/messages
func (s *Server) handleChatSessionMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/chat/sessions/")
	parts := strings.SplitN(path, "/", 2)
	if parts[0] == "" || len(parts) != 2 || parts[1] != "messages" {
		http.NotFound(w, r)
		return
	}
	messages, err := s.app.SessionMessages(user, parts[0])
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"count":    len(messages),
	})
}

// /api/feedback
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.app.SubmitFeedback(user, req.MessageID, domain.Rating(req.Rating), req.Comment); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Feedback saved successfully"})
}

// /api/admin/stats
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.Stats(user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeAppError maps application errors onto the HTTP error taxonomy.
// Unrecognized errors are logged and surface as a generic 500 so provider
// and database details never leak to callers.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	if ve, ok := app.AsValidationError(err); ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Validation error",
			"details": ve.Details,
		})
		return
	}
	switch {
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, app.ErrArticleNotFound):
		writeError(w, http.StatusNotFound, "Article not found")
	case errors.Is(err, app.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "Message not found")
	case errors.Is(err, app.ErrSessionNotFound):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Validation error",
			"details": map[string]string{"sessionId": "session not found"},
		})
	default:
		util.LoggerFromContext(r.Context()).Error("request failed",
			"path", r.URL.Path,
			"method", r.Method,
			"err", err,
		)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type createArticleRequest struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	IsPublished bool   `json:"isPublished"`
}

type updateArticleRequest struct {
	Title       *string `json:"title"`
	Content     *string `json:"content"`
	IsPublished *bool   `json:"isPublished"`
}

type chatRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"sessionId"`
}

type feedbackRequest struct {
	MessageID string `json:"messageId"`
	Rating    string `json:"rating"`
	Comment   string `json:"comment"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

// decodeJSON decodes a capped request body and rejects unknown fields, so
// update payloads stay a closed set.
func decodeJSON(r *http.Request, out any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func parseIntParam(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}
