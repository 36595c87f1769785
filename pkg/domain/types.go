package domain

import "time"

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type Rating string

const (
	RatingPositive Rating = "positive"
	RatingNegative Rating = "negative"
)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Article struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Summary     string    `json:"summary,omitempty"`
	Tags        []string  `json:"tags"`
	AuthorID    string    `json:"authorId"`
	IsPublished bool      `json:"isPublished"`
	ViewCount   int64     `json:"viewCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ArticleFilter narrows article listings.
type ArticleFilter struct {
	Search        string
	PublishedOnly bool
}

// ArticleUpdate is the closed set of updatable article fields.
// Nil pointers mean "leave unchanged".
type ArticleUpdate struct {
	Title       *string
	Content     *string
	IsPublished *bool
}

type ChatMessage struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	ArticleIDs []string  `json:"articleIds"`
	IsFavorite bool      `json:"isFavorite"`
	CreatedAt  time.Time `json:"createdAt"`
}

type ChatSession struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Title      string    `json:"title"`
	MessageIDs []string  `json:"messageIds"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Feedback struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Rating    Rating    `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ArticleRef is the lightweight article reference returned with chat answers.
type ArticleRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ChatResult is the outcome of one answered question.
type ChatResult struct {
	MessageID        string       `json:"messageId"`
	SessionID        string       `json:"sessionId"`
	Answer           string       `json:"answer"`
	RelevantArticles []ArticleRef `json:"relevantArticles"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// UsageStats aggregates counters shown on the admin dashboard.
type UsageStats struct {
	Users             int64     `json:"users"`
	Articles          int64     `json:"articles"`
	PublishedArticles int64     `json:"publishedArticles"`
	ChatMessages      int64     `json:"chatMessages"`
	ChatSessions      int64     `json:"chatSessions"`
	PositiveFeedback  int64     `json:"positiveFeedback"`
	NegativeFeedback  int64     `json:"negativeFeedback"`
	TopArticles       []Article `json:"topArticles"`
}
