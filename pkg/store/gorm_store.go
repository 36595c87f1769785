package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"faqdesk/pkg/domain"
)

const migrateLockID int64 = 48213377

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
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{},
			&ArticleModel{},
			&ChatMessageModel{},
			&ChatSessionModel{},
			&FeedbackModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
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

// SaveUser registers or updates a user. A unique-index violation on the email
// column is reported as ErrEmailTaken so callers can treat a racing duplicate
// signup the same as one caught up front.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "name", "password_hash", "role", "updated_at"}),
	}).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrEmailTaken
	}
	return err
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// UserCount returns number of users.
func (s *GormStore) UserCount() (int64, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// CreateArticle stores a new article.
func (s *GormStore) CreateArticle(a domain.Article) error {
	model := articleToModel(a)
	return s.db.Create(&model).Error
}

// ListArticles returns one page of articles plus the total count for the filter.
// Search matches case-insensitively against title, content, or tags.
func (s *GormStore) ListArticles(filter domain.ArticleFilter, page, limit int) ([]domain.Article, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 10
	}
	query := s.db.Model(&ArticleModel{})
	query = applyArticleFilter(query, filter)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var models []ArticleModel
	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, 0, err
	}
	items := make([]domain.Article, 0, len(models))
	for _, m := range models {
		items = append(items, articleFromModel(m))
	}
	return items, total, nil
}

// articleMatchCond matches one escaped ILIKE pattern against title, content,
// or an individual tag. Tags are unpacked per element so a pattern can never
// match across tag boundaries or the JSON punctuation.
const articleMatchCond = `title ILIKE ? ESCAPE '\' OR content ILIKE ? ESCAPE '\' OR EXISTS (SELECT 1 FROM jsonb_array_elements_text(COALESCE(tags, '[]'::jsonb)) AS tag WHERE tag ILIKE ? ESCAPE '\')`

func applyArticleFilter(query *gorm.DB, filter domain.ArticleFilter) *gorm.DB {
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := likePattern(search)
		query = query.Where(articleMatchCond, pattern, pattern, pattern)
	}
	if filter.PublishedOnly {
		query = query.Where("is_published = ?", true)
	}
	return query
}

// likePattern wraps free text into a substring ILIKE pattern with metacharacters
// escaped, so user input is always matched literally.
func likePattern(text string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(text) + "%"
}

// GetArticle retrieves an article by ID.
func (s *GormStore) GetArticle(id string) (domain.Article, bool, error) {
	var model ArticleModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Article{}, false, nil
		}
		return domain.Article{}, false, err
	}
	return articleFromModel(model), true, nil
}

// IncrementArticleViews bumps the view counter by one in a single statement,
// so concurrent reads never lose an increment.
func (s *GormStore) IncrementArticleViews(id string) error {
	return s.db.Model(&ArticleModel{}).
		Where("id = ?", id).
		UpdateColumn("view_count", gorm.Expr("view_count + 1")).Error
}

// UpdateArticle applies a partial update. The tags/summary arguments carry
// regenerated values when the content changed; summary may be nil to keep the
// stored one. Returns false when no article matched.
func (s *GormStore) UpdateArticle(id string, update domain.ArticleUpdate, tags []string, summary *string) (bool, error) {
	updates := map[string]any{
		"updated_at": time.Now().UTC(),
	}
	if update.Title != nil {
		updates["title"] = *update.Title
	}
	if update.Content != nil {
		updates["content"] = *update.Content
	}
	if update.IsPublished != nil {
		updates["is_published"] = *update.IsPublished
	}
	if tags != nil {
		raw, err := json.Marshal(tags)
		if err != nil {
			return false, err
		}
		updates["tags"] = raw
	}
	if summary != nil {
		updates["summary"] = *summary
	}
	res := s.db.Model(&ArticleModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteArticle removes an article. Returns false when nothing matched.
func (s *GormStore) DeleteArticle(id string) (bool, error) {
	res := s.db.Delete(&ArticleModel{}, "id = ?", id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SearchPublishedArticles finds published articles where any token of the
// question appears as a literal, case-insensitive substring of the title,
// content, or a tag.
func (s *GormStore) SearchPublishedArticles(question string, limit int) ([]domain.Article, error) {
	tokens := searchTokens(question)
	if limit <= 0 || len(tokens) == 0 {
		return []domain.Article{}, nil
	}
	conds := make([]string, 0, len(tokens))
	args := make([]any, 0, len(tokens)*3)
	for _, token := range tokens {
		pattern := likePattern(token)
		conds = append(conds, "("+articleMatchCond+")")
		args = append(args, pattern, pattern, pattern)
	}
	var models []ArticleModel
	if err := s.db.Model(&ArticleModel{}).
		Where("is_published = ?", true).
		Where(strings.Join(conds, " OR "), args...).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Article, 0, len(models))
	for _, m := range models {
		items = append(items, articleFromModel(m))
	}
	return items, nil
}

// AppendChatMessage records an answered question.
func (s *GormStore) AppendChatMessage(msg domain.ChatMessage) error {
	model := chatMessageToModel(msg)
	return s.db.Create(&model).Error
}

// GetChatMessageForUser returns a message only when it belongs to the user.
func (s *GormStore) GetChatMessageForUser(id, userID string) (domain.ChatMessage, bool, error) {
	var model ChatMessageModel
	if err := s.db.First(&model, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ChatMessage{}, false, nil
		}
		return domain.ChatMessage{}, false, err
	}
	return chatMessageFromModel(model), true, nil
}

// CreateChatSession creates a new session record.
func (s *GormStore) CreateChatSession(session domain.ChatSession) error {
	model := chatSessionToModel(session)
	return s.db.Create(&model).Error
}

// AppendToChatSession atomically appends a message reference to a session owned
// by the user and bumps updated_at. A single UPDATE closes the lost-update race
// between two requests touching the same session. Returns false when the session
// does not exist or belongs to someone else.
func (s *GormStore) AppendToChatSession(sessionID, userID, messageID string) (bool, error) {
	res := s.db.Exec(
		`UPDATE chat_session_models
		 SET message_ids = COALESCE(message_ids, '[]'::jsonb) || to_jsonb(?::text),
		     updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		messageID, time.Now().UTC(), sessionID, userID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListChatSessionsByUser returns latest sessions of a user.
func (s *GormStore) ListChatSessionsByUser(userID string, limit int) ([]domain.ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []ChatSessionModel
	if err := s.db.Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.ChatSession, 0, len(models))
	for _, model := range models {
		items = append(items, chatSessionFromModel(model))
	}
	return items, nil
}

// GetChatSessionForUser returns a session only when it belongs to the user.
func (s *GormStore) GetChatSessionForUser(id, userID string) (domain.ChatSession, bool, error) {
	var model ChatSessionModel
	if err := s.db.First(&model, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ChatSession{}, false, nil
		}
		return domain.ChatSession{}, false, err
	}
	return chatSessionFromModel(model), true, nil
}

// ListChatMessagesByIDs returns messages in the order of the given IDs.
func (s *GormStore) ListChatMessagesByIDs(ids []string) ([]domain.ChatMessage, error) {
	if len(ids) == 0 {
		return []domain.ChatMessage{}, nil
	}
	var models []ChatMessageModel
	if err := s.db.Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]domain.ChatMessage, len(models))
	for _, model := range models {
		byID[model.ID] = chatMessageFromModel(model)
	}
	items := make([]domain.ChatMessage, 0, len(ids))
	for _, id := range ids {
		if msg, ok := byID[id]; ok {
			items = append(items, msg)
		}
	}
	return items, nil
}

// UpsertFeedback inserts feedback or overwrites rating/comment for an existing
// (message, user) pair in one atomic statement.
func (s *GormStore) UpsertFeedback(fb domain.Feedback) error {
	model := feedbackToModel(fb)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"rating", "comment", "updated_at"}),
	}).Create(&model).Error
}

// GetFeedback returns the feedback row for a (message, user) pair.
func (s *GormStore) GetFeedback(messageID, userID string) (domain.Feedback, bool, error) {
	var model FeedbackModel
	if err := s.db.First(&model, "message_id = ? AND user_id = ?", messageID, userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Feedback{}, false, nil
		}
		return domain.Feedback{}, false, err
	}
	return feedbackFromModel(model), true, nil
}

// UsageStats aggregates dashboard counters.
func (s *GormStore) UsageStats(topArticles int) (domain.UsageStats, error) {
	stats := domain.UsageStats{}
	counts := []struct {
		model any
		dest  *int64
		conds []any
	}{
		{&UserModel{}, &stats.Users, nil},
		{&ArticleModel{}, &stats.Articles, nil},
		{&ArticleModel{}, &stats.PublishedArticles, []any{"is_published = ?", true}},
		{&ChatMessageModel{}, &stats.ChatMessages, nil},
		{&ChatSessionModel{}, &stats.ChatSessions, nil},
		{&FeedbackModel{}, &stats.PositiveFeedback, []any{"rating = ?", string(domain.RatingPositive)}},
		{&FeedbackModel{}, &stats.NegativeFeedback, []any{"rating = ?", string(domain.RatingNegative)}},
	}
	for _, c := range counts {
		query := s.db.Model(c.model)
		if len(c.conds) > 0 {
			query = query.Where(c.conds[0], c.conds[1:]...)
		}
		if err := query.Count(c.dest).Error; err != nil {
			return domain.UsageStats{}, err
		}
	}
	if topArticles > 0 {
		var models []ArticleModel
		if err := s.db.Where("is_published = ?", true).
			Order("view_count DESC").
			Limit(topArticles).
			Find(&models).Error; err != nil {
			return domain.UsageStats{}, err
		}
		stats.TopArticles = make([]domain.Article, 0, len(models))
		for _, m := range models {
			stats.TopArticles = append(stats.TopArticles, articleFromModel(m))
		}
	}
	return stats, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		Name:         m.Name,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func articleToModel(a domain.Article) ArticleModel {
	rawTags, _ := json.Marshal(a.Tags)
	return ArticleModel{
		ID:          a.ID,
		Title:       a.Title,
		Content:     a.Content,
		Summary:     a.Summary,
		Tags:        rawTags,
		AuthorID:    a.AuthorID,
		IsPublished: a.IsPublished,
		ViewCount:   a.ViewCount,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func articleFromModel(m ArticleModel) domain.Article {
	var tags []string
	if len(m.Tags) > 0 {
		_ = json.Unmarshal(m.Tags, &tags)
	}
	if tags == nil {
		tags = []string{}
	}
	return domain.Article{
		ID:          m.ID,
		Title:       m.Title,
		Content:     m.Content,
		Summary:     m.Summary,
		Tags:        tags,
		AuthorID:    m.AuthorID,
		IsPublished: m.IsPublished,
		ViewCount:   m.ViewCount,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func chatMessageToModel(msg domain.ChatMessage) ChatMessageModel {
	rawIDs, _ := json.Marshal(msg.ArticleIDs)
	return ChatMessageModel{
		ID:         msg.ID,
		UserID:     msg.UserID,
		Question:   msg.Question,
		Answer:     msg.Answer,
		ArticleIDs: rawIDs,
		IsFavorite: msg.IsFavorite,
		CreatedAt:  msg.CreatedAt,
	}
}

func chatMessageFromModel(m ChatMessageModel) domain.ChatMessage {
	var articleIDs []string
	if len(m.ArticleIDs) > 0 {
		_ = json.Unmarshal(m.ArticleIDs, &articleIDs)
	}
	if articleIDs == nil {
		articleIDs = []string{}
	}
	return domain.ChatMessage{
		ID:         m.ID,
		UserID:     m.UserID,
		Question:   m.Question,
		Answer:     m.Answer,
		ArticleIDs: articleIDs,
		IsFavorite: m.IsFavorite,
		CreatedAt:  m.CreatedAt,
	}
}

func chatSessionToModel(session domain.ChatSession) ChatSessionModel {
	rawIDs, _ := json.Marshal(session.MessageIDs)
	return ChatSessionModel{
		ID:         session.ID,
		UserID:     session.UserID,
		Title:      session.Title,
		MessageIDs: rawIDs,
		CreatedAt:  session.CreatedAt,
		UpdatedAt:  session.UpdatedAt,
	}
}

func chatSessionFromModel(m ChatSessionModel) domain.ChatSession {
	var messageIDs []string
	if len(m.MessageIDs) > 0 {
		_ = json.Unmarshal(m.MessageIDs, &messageIDs)
	}
	if messageIDs == nil {
		messageIDs = []string{}
	}
	return domain.ChatSession{
		ID:         m.ID,
		UserID:     m.UserID,
		Title:      m.Title,
		MessageIDs: messageIDs,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func feedbackToModel(fb domain.Feedback) FeedbackModel {
	return FeedbackModel{
		ID:        fb.ID,
		MessageID: fb.MessageID,
		UserID:    fb.UserID,
		Rating:    string(fb.Rating),
		Comment:   fb.Comment,
		CreatedAt: fb.CreatedAt,
		UpdatedAt: fb.UpdatedAt,
	}
}

func feedbackFromModel(m FeedbackModel) domain.Feedback {
	return domain.Feedback{
		ID:        m.ID,
		MessageID: m.MessageID,
		UserID:    m.UserID,
		Rating:    domain.Rating(m.Rating),
		Comment:   m.Comment,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
