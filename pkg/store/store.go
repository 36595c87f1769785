package store

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"faqdesk/pkg/domain"
)

// ErrEmailTaken is returned by SaveUser when another user already holds the
// email address.
var ErrEmailTaken = errors.New("email already registered")

// Store defines persistence operations for users, articles, chats, and feedback.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	UserCount() (int64, error)

	// articles
	CreateArticle(domain.Article) error
	ListArticles(filter domain.ArticleFilter, page, limit int) ([]domain.Article, int64, error)
	GetArticle(id string) (domain.Article, bool, error)
	IncrementArticleViews(id string) error
	UpdateArticle(id string, update domain.ArticleUpdate, tags []string, summary *string) (bool, error)
	DeleteArticle(id string) (bool, error)

	// retrieval
	SearchPublishedArticles(question string, limit int) ([]domain.Article, error)

	// chat
	AppendChatMessage(domain.ChatMessage) error
	GetChatMessageForUser(id, userID string) (domain.ChatMessage, bool, error)
	CreateChatSession(domain.ChatSession) error
	AppendToChatSession(sessionID, userID, messageID string) (bool, error)
	ListChatSessionsByUser(userID string, limit int) ([]domain.ChatSession, error)
	GetChatSessionForUser(id, userID string) (domain.ChatSession, bool, error)
	ListChatMessagesByIDs(ids []string) ([]domain.ChatMessage, error)

	// feedback
	UpsertFeedback(domain.Feedback) error
	GetFeedback(messageID, userID string) (domain.Feedback, bool, error)

	// stats
	UsageStats(topArticles int) (domain.UsageStats, error)
}

// searchTokens splits a free-text question into lowercase tokens for
// retrieval matching. Punctuation separates tokens, so pattern
// metacharacters never survive into a token; single-rune tokens carry no
// retrieval signal and are dropped, as are duplicates.
func searchTokens(question string) []string {
	fields := strings.FieldsFunc(question, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		token := strings.ToLower(field)
		if utf8.RuneCountInString(token) < 2 {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}
	return tokens
}

// SessionTokenStore issues and validates signed session tokens.
type SessionTokenStore interface {
	NewSession(userID string, role domain.UserRole) (string, error)
	VerifySession(token string) (SessionClaims, error)
}

// SessionClaims is the identity a verified token carries.
type SessionClaims struct {
	UserID string
	Role   domain.UserRole
}
