package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"faqdesk/pkg/ai"
	"faqdesk/pkg/auth"
	"faqdesk/pkg/domain"
	"faqdesk/pkg/store"
)

const (
	maxQuestionLen     = 1000
	maxTitleLen        = 200
	maxCommentLen      = 500
	sessionTitleLen    = 50
	retrievalLimit     = 3
	statsTopArticles   = 5
	fallbackSummary    = "Summary could not be generated."
	minPasswordLength  = 8
	defaultSessionTTL  = 24 * time.Hour
	sessionListDefault = 50
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL     string
	Store           store.Store
	Sessions        store.SessionTokenStore
	JWTSecret       string
	SessionTTL      time.Duration
	Generator       ai.TextGenerator
	GeminiAPIKey    string
	GenerationModel string
}

// App wires storage, session tokens, and the answer generator together.
type App struct {
	store     store.Store
	sessions  store.SessionTokenStore
	assistant *ai.Assistant

	// signupMu serializes the email-exists / user-count / save sequence so
	// concurrent signups cannot both claim the bootstrap admin role. A
	// duplicate racing in from another process still surfaces as
	// store.ErrEmailTaken from the unique index.
	signupMu sync.Mutex
}

// New constructs the application with database-backed storage.
func New(cfg Config) (*App, error) {
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

	sessions := cfg.Sessions
	if sessions == nil {
		ttl := cfg.SessionTTL
		if ttl <= 0 {
			ttl = defaultSessionTTL
		}
		var err error
		sessions, err = store.NewJWTSessionStore(cfg.JWTSecret, ttl)
		if err != nil {
			return nil, fmt.Errorf("init session store: %w", err)
		}
	}

	generator := cfg.Generator
	if generator == nil {
		var err error
		generator, err = ai.NewGeminiClient(cfg.GeminiAPIKey, cfg.GenerationModel)
		if err != nil {
			return nil, err
		}
	}

	return &App{
		store:     dataStore,
		sessions:  sessions,
		assistant: ai.NewAssistant(generator),
	}, nil
}

// SignUp registers a new user and issues a session token.
// The first registered user becomes admin.
func (a *App) SignUp(email, password, name string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	details := map[string]string{}
	if email == "" || !strings.Contains(email, "@") {
		details["email"] = "a valid email is required"
	}
	if utf8.RuneCountInString(password) < minPasswordLength {
		details["password"] = fmt.Sprintf("password must be at least %d characters", minPasswordLength)
	}
	if len(details) > 0 {
		return domain.User{}, "", &ValidationError{Details: details}
	}
	a.signupMu.Lock()
	defer a.signupMu.Unlock()
	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, "", newValidationError("email", "email already registered")
	}
	role := domain.RoleUser
	count, err := a.store.UserCount()
	if err != nil {
		return domain.User{}, "", fmt.Errorf("count users: %w", err)
	}
	if count == 0 {
		role = domain.RoleAdmin
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return domain.User{}, "", newValidationError("email", "email already registered")
		}
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}
	token, err := a.sessions.NewSession(user.ID, user.Role)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// Login validates credentials and issues a session token.
func (a *App) Login(email, password string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", errors.New("invalid credentials")
	}
	token, err := a.sessions.NewSession(user.ID, user.Role)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// UserFromToken resolves a user from a session token. Any verification or
// lookup failure is treated as anonymous.
func (a *App) UserFromToken(token string) (domain.User, bool) {
	claims, err := a.sessions.VerifySession(token)
	if err != nil {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(claims.UserID)
	if err != nil || !found {
		return domain.User{}, false
	}
	return user, true
}

// Pagination describes one page of a listing.
type Pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
	Pages int64 `json:"pages"`
}

// ListArticles returns one page of articles plus pagination metadata.
func (a *App) ListArticles(filter domain.ArticleFilter, page, limit int) ([]domain.Article, Pagination, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	items, total, err := a.store.ListArticles(filter, page, limit)
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("list articles: %w", err)
	}
	pages := total / int64(limit)
	if total%int64(limit) != 0 {
		pages++
	}
	return items, Pagination{Page: page, Limit: limit, Total: total, Pages: pages}, nil
}

// GetArticle fetches an article and bumps its view counter. The increment is
// a single atomic statement issued off the request path; a read never waits
// on it.
func (a *App) GetArticle(id string) (domain.Article, error) {
	article, ok, err := a.store.GetArticle(id)
	if err != nil {
		return domain.Article{}, fmt.Errorf("get article: %w", err)
	}
	if !ok {
		return domain.Article{}, ErrArticleNotFound
	}
	go func() {
		if err := a.store.IncrementArticleViews(id); err != nil {
			slog.Error("failed to increment view count", "article_id", id, "err", err)
		}
	}()
	return article, nil
}

// CreateArticle stores a new article authored by an admin. Tags and summary
// come from the assistant; when it fails the article is still created with
// empty tags and a placeholder summary.
func (a *App) CreateArticle(ctx context.Context, caller domain.User, title, content string, published bool) (string, error) {
	if caller.Role != domain.RoleAdmin {
		return "", ErrForbidden
	}
	if err := validateArticleFields(&title, &content); err != nil {
		return "", err
	}
	tags, summary := a.enrichContent(ctx, content)
	now := time.Now().UTC()
	article := domain.Article{
		ID:          uuid.NewString(),
		Title:       title,
		Content:     content,
		Summary:     summary,
		Tags:        tags,
		AuthorID:    caller.ID,
		IsPublished: published,
		ViewCount:   0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.CreateArticle(article); err != nil {
		return "", fmt.Errorf("save article: %w", err)
	}
	return article.ID, nil
}

// UpdateArticle applies a partial update. A content change regenerates tags
// and summary with the same degradation policy as creation.
func (a *App) UpdateArticle(ctx context.Context, caller domain.User, id string, update domain.ArticleUpdate) error {
	if caller.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	if err := validateArticleFields(update.Title, update.Content); err != nil {
		return err
	}
	var tags []string
	var summary *string
	if update.Content != nil {
		newTags, newSummary := a.enrichContent(ctx, *update.Content)
		tags = newTags
		summary = &newSummary
	}
	ok, err := a.store.UpdateArticle(id, update, tags, summary)
	if err != nil {
		return fmt.Errorf("update article: %w", err)
	}
	if !ok {
		return ErrArticleNotFound
	}
	return nil
}

// DeleteArticle removes an article.
func (a *App) DeleteArticle(caller domain.User, id string) error {
	if caller.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	ok, err := a.store.DeleteArticle(id)
	if err != nil {
		return fmt.Errorf("delete article: %w", err)
	}
	if !ok {
		return ErrArticleNotFound
	}
	return nil
}

// enrichContent generates tags and summary in parallel. Tag failures already
// degrade to an empty list inside the assistant; summary failures degrade to
// a placeholder here so AI outages never block content creation.
func (a *App) enrichContent(ctx context.Context, content string) ([]string, string) {
	var (
		tags    []string
		summary string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tags = a.assistant.GenerateTags(gctx, content)
		return nil
	})
	g.Go(func() error {
		generated, err := a.assistant.GenerateSummary(gctx, content)
		if err != nil {
			slog.Warn("summary generation failed, using placeholder", "err", err)
			summary = fallbackSummary
			return nil
		}
		summary = generated
		return nil
	})
	_ = g.Wait()
	if tags == nil {
		tags = []string{}
	}
	return tags, summary
}

// Ask runs the retrieval and answer pipeline for one question and records the
// exchange.
func (a *App) Ask(ctx context.Context, caller domain.User, question, sessionID string) (domain.ChatResult, error) {
	question = strings.TrimSpace(question)
	if question == "" || utf8.RuneCountInString(question) > maxQuestionLen {
		return domain.ChatResult{}, newValidationError("question", fmt.Sprintf("question must be 1-%d characters", maxQuestionLen))
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID != "" {
		if _, err := uuid.Parse(sessionID); err != nil {
			return domain.ChatResult{}, newValidationError("sessionId", "invalid session id")
		}
		// Ownership is checked up front so a rejected session never costs a
		// generation call or strands a recorded message.
		_, ok, err := a.store.GetChatSessionForUser(sessionID, caller.ID)
		if err != nil {
			return domain.ChatResult{}, fmt.Errorf("load session: %w", err)
		}
		if !ok {
			return domain.ChatResult{}, ErrSessionNotFound
		}
	}

	articles, err := a.store.SearchPublishedArticles(question, retrievalLimit)
	if err != nil {
		return domain.ChatResult{}, fmt.Errorf("search articles: %w", err)
	}
	snippets := make([]string, 0, len(articles))
	refs := make([]domain.ArticleRef, 0, len(articles))
	articleIDs := make([]string, 0, len(articles))
	for _, article := range articles {
		snippets = append(snippets, article.Title+"\n"+article.Content)
		refs = append(refs, domain.ArticleRef{ID: article.ID, Title: article.Title})
		articleIDs = append(articleIDs, article.ID)
	}

	answer, err := a.assistant.GenerateAnswer(ctx, question, snippets)
	if err != nil {
		return domain.ChatResult{}, fmt.Errorf("%w: %s", ErrGenerationFailed, err)
	}

	now := time.Now().UTC()
	message := domain.ChatMessage{
		ID:         uuid.NewString(),
		UserID:     caller.ID,
		Question:   question,
		Answer:     answer,
		ArticleIDs: articleIDs,
		IsFavorite: false,
		CreatedAt:  now,
	}
	if err := a.store.AppendChatMessage(message); err != nil {
		return domain.ChatResult{}, fmt.Errorf("save message: %w", err)
	}

	if sessionID != "" {
		ok, err := a.store.AppendToChatSession(sessionID, caller.ID, message.ID)
		if err != nil {
			return domain.ChatResult{}, fmt.Errorf("append to session: %w", err)
		}
		if !ok {
			return domain.ChatResult{}, ErrSessionNotFound
		}
	} else {
		session := domain.ChatSession{
			ID:         uuid.NewString(),
			UserID:     caller.ID,
			Title:      sessionTitle(question),
			MessageIDs: []string{message.ID},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := a.store.CreateChatSession(session); err != nil {
			return domain.ChatResult{}, fmt.Errorf("create session: %w", err)
		}
		sessionID = session.ID
	}

	return domain.ChatResult{
		MessageID:        message.ID,
		SessionID:        sessionID,
		Answer:           answer,
		RelevantArticles: refs,
		CreatedAt:        now,
	}, nil
}

// ListSessions returns the caller's recent chat sessions.
func (a *App) ListSessions(caller domain.User, limit int) ([]domain.ChatSession, error) {
	if limit <= 0 || limit > 100 {
		limit = sessionListDefault
	}
	sessions, err := a.store.ListChatSessionsByUser(caller.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// SessionMessages returns the messages of one of the caller's sessions in
// conversation order.
func (a *App) SessionMessages(caller domain.User, sessionID string) ([]domain.ChatMessage, error) {
	session, ok, err := a.store.GetChatSessionForUser(sessionID, caller.ID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	messages, err := a.store.ListChatMessagesByIDs(session.MessageIDs)
	if err != nil {
		return nil, fmt.Errorf("list session messages: %w", err)
	}
	return messages, nil
}

// SubmitFeedback records one rating per (message, caller) pair; resubmission
// overwrites the previous rating and comment.
func (a *App) SubmitFeedback(caller domain.User, messageID string, rating domain.Rating, comment string) error {
	details := map[string]string{}
	if strings.TrimSpace(messageID) == "" {
		details["messageId"] = "messageId is required"
	}
	if rating != domain.RatingPositive && rating != domain.RatingNegative {
		details["rating"] = "rating must be positive or negative"
	}
	if utf8.RuneCountInString(comment) > maxCommentLen {
		details["comment"] = fmt.Sprintf("comment must be at most %d characters", maxCommentLen)
	}
	if len(details) > 0 {
		return &ValidationError{Details: details}
	}
	_, ok, err := a.store.GetChatMessageForUser(messageID, caller.ID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if !ok {
		return ErrMessageNotFound
	}
	now := time.Now().UTC()
	return a.store.UpsertFeedback(domain.Feedback{
		ID:        uuid.NewString(),
		MessageID: messageID,
		UserID:    caller.ID,
		Rating:    rating,
		Comment:   comment,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Stats aggregates usage counters for the admin dashboard.
func (a *App) Stats(caller domain.User) (domain.UsageStats, error) {
	if caller.Role != domain.RoleAdmin {
		return domain.UsageStats{}, ErrForbidden
	}
	stats, err := a.store.UsageStats(statsTopArticles)
	if err != nil {
		return domain.UsageStats{}, fmt.Errorf("load stats: %w", err)
	}
	return stats, nil
}

func validateArticleFields(title, content *string) error {
	details := map[string]string{}
	if title != nil {
		trimmed := strings.TrimSpace(*title)
		if trimmed == "" || utf8.RuneCountInString(trimmed) > maxTitleLen {
			details["title"] = fmt.Sprintf("title must be 1-%d characters", maxTitleLen)
		} else {
			*title = trimmed
		}
	}
	if content != nil && strings.TrimSpace(*content) == "" {
		details["content"] = "content is required"
	}
	if len(details) > 0 {
		return &ValidationError{Details: details}
	}
	return nil
}

// sessionTitle derives a session title from the first question, truncated to
// 50 characters with an ellipsis.
func sessionTitle(question string) string {
	runes := []rune(question)
	if len(runes) <= sessionTitleLen {
		return question
	}
	return string(runes[:sessionTitleLen]) + "..."
}
