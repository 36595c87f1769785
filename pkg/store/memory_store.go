package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"faqdesk/pkg/domain"
)

// MemoryStore keeps all entities in-process. It backs tests and local
// development; semantics mirror GormStore.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User
	email    map[string]string // email -> user ID
	articles map[string]domain.Article
	messages map[string]domain.ChatMessage
	sessions map[string]domain.ChatSession
	feedback map[string]domain.Feedback // key: messageID + "|" + userID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		email:    make(map[string]string),
		articles: make(map[string]domain.Article),
		messages: make(map[string]domain.ChatMessage),
		sessions: make(map[string]domain.ChatSession),
		feedback: make(map[string]domain.Feedback),
	}
}

// SaveUser registers or replaces a user. The email address must not belong
// to a different user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existingID, ok := m.email[u.Email]; ok && existingID != u.ID {
		return ErrEmailTaken
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// UserCount returns number of users.
func (m *MemoryStore) UserCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.users)), nil
}

// CreateArticle stores a new article.
func (m *MemoryStore) CreateArticle(a domain.Article) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.articles[a.ID] = a
	return nil
}

func articleMatches(a domain.Article, search string) bool {
	needle := strings.ToLower(search)
	if strings.Contains(strings.ToLower(a.Title), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(a.Content), needle) {
		return true
	}
	for _, tag := range a.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) filteredArticles(filter domain.ArticleFilter) []domain.Article {
	search := strings.TrimSpace(filter.Search)
	items := make([]domain.Article, 0, len(m.articles))
	for _, a := range m.articles {
		if filter.PublishedOnly && !a.IsPublished {
			continue
		}
		if search != "" && !articleMatches(a, search) {
			continue
		}
		items = append(items, a)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items
}

// ListArticles returns one page plus the total count for the filter.
func (m *MemoryStore) ListArticles(filter domain.ArticleFilter, page, limit int) ([]domain.Article, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 10
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := m.filteredArticles(filter)
	total := int64(len(items))
	start := (page - 1) * limit
	if start >= len(items) {
		return []domain.Article{}, total, nil
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return append([]domain.Article{}, items[start:end]...), total, nil
}

// GetArticle retrieves an article by ID.
func (m *MemoryStore) GetArticle(id string) (domain.Article, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.articles[id]
	return a, ok, nil
}

// IncrementArticleViews bumps the view counter under the write lock.
func (m *MemoryStore) IncrementArticleViews(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[id]
	if !ok {
		return nil
	}
	a.ViewCount++
	m.articles[id] = a
	return nil
}

// UpdateArticle applies a partial update.
func (m *MemoryStore) UpdateArticle(id string, update domain.ArticleUpdate, tags []string, summary *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[id]
	if !ok {
		return false, nil
	}
	if update.Title != nil {
		a.Title = *update.Title
	}
	if update.Content != nil {
		a.Content = *update.Content
	}
	if update.IsPublished != nil {
		a.IsPublished = *update.IsPublished
	}
	if tags != nil {
		a.Tags = tags
	}
	if summary != nil {
		a.Summary = *summary
	}
	a.UpdatedAt = time.Now().UTC()
	m.articles[id] = a
	return true, nil
}

// DeleteArticle removes an article.
func (m *MemoryStore) DeleteArticle(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.articles[id]; !ok {
		return false, nil
	}
	delete(m.articles, id)
	return true, nil
}

// SearchPublishedArticles finds published articles matching any token of the
// question against title, content, or a tag.
func (m *MemoryStore) SearchPublishedArticles(question string, limit int) ([]domain.Article, error) {
	tokens := searchTokens(question)
	if limit <= 0 || len(tokens) == 0 {
		return []domain.Article{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]domain.Article, 0)
	for _, a := range m.articles {
		if !a.IsPublished {
			continue
		}
		for _, token := range tokens {
			if articleMatches(a, token) {
				items = append(items, a)
				break
			}
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// AppendChatMessage records an answered question.
func (m *MemoryStore) AppendChatMessage(msg domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	return nil
}

// GetChatMessageForUser returns a message only when it belongs to the user.
func (m *MemoryStore) GetChatMessageForUser(id, userID string) (domain.ChatMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok || msg.UserID != userID {
		return domain.ChatMessage{}, false, nil
	}
	return msg, true, nil
}

// CreateChatSession creates a new session record.
func (m *MemoryStore) CreateChatSession(session domain.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
	return nil
}

// AppendToChatSession appends a message reference under the write lock.
func (m *MemoryStore) AppendToChatSession(sessionID, userID, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok || session.UserID != userID {
		return false, nil
	}
	session.MessageIDs = append(session.MessageIDs, messageID)
	session.UpdatedAt = time.Now().UTC()
	m.sessions[sessionID] = session
	return true, nil
}

// ListChatSessionsByUser returns latest sessions of a user.
func (m *MemoryStore) ListChatSessionsByUser(userID string, limit int) ([]domain.ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]domain.ChatSession, 0)
	for _, session := range m.sessions {
		if session.UserID == userID {
			items = append(items, session)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// GetChatSessionForUser returns a session only when it belongs to the user.
func (m *MemoryStore) GetChatSessionForUser(id, userID string) (domain.ChatSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok || session.UserID != userID {
		return domain.ChatSession{}, false, nil
	}
	return session, true, nil
}

// ListChatMessagesByIDs returns messages in the order of the given IDs.
func (m *MemoryStore) ListChatMessagesByIDs(ids []string) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]domain.ChatMessage, 0, len(ids))
	for _, id := range ids {
		if msg, ok := m.messages[id]; ok {
			items = append(items, msg)
		}
	}
	return items, nil
}

// UpsertFeedback inserts or overwrites the (message, user) feedback row.
func (m *MemoryStore) UpsertFeedback(fb domain.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fb.MessageID + "|" + fb.UserID
	if existing, ok := m.feedback[key]; ok {
		existing.Rating = fb.Rating
		existing.Comment = fb.Comment
		existing.UpdatedAt = fb.UpdatedAt
		m.feedback[key] = existing
		return nil
	}
	m.feedback[key] = fb
	return nil
}

// GetFeedback returns the feedback row for a (message, user) pair.
func (m *MemoryStore) GetFeedback(messageID, userID string) (domain.Feedback, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fb, ok := m.feedback[messageID+"|"+userID]
	return fb, ok, nil
}

// UsageStats aggregates dashboard counters.
func (m *MemoryStore) UsageStats(topArticles int) (domain.UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := domain.UsageStats{
		Users:        int64(len(m.users)),
		Articles:     int64(len(m.articles)),
		ChatMessages: int64(len(m.messages)),
		ChatSessions: int64(len(m.sessions)),
	}
	published := make([]domain.Article, 0)
	for _, a := range m.articles {
		if a.IsPublished {
			stats.PublishedArticles++
			published = append(published, a)
		}
	}
	for _, fb := range m.feedback {
		switch fb.Rating {
		case domain.RatingPositive:
			stats.PositiveFeedback++
		case domain.RatingNegative:
			stats.NegativeFeedback++
		}
	}
	if topArticles > 0 {
		sort.Slice(published, func(i, j int) bool {
			return published[i].ViewCount > published[j].ViewCount
		})
		if len(published) > topArticles {
			published = published[:topArticles]
		}
		stats.TopArticles = published
	}
	return stats, nil
}
