package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"faqdesk/pkg/domain"
	"faqdesk/pkg/store"
)

type scriptedGenerator struct {
	mu      sync.Mutex
	err     error
	answers map[string]string // prompt substring -> reply
	calls   int
}

func (g *scriptedGenerator) GenerateText(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.calls++
	err := g.err
	g.mu.Unlock()
	if err != nil {
		return "", err
	}
	for needle, reply := range g.answers {
		if strings.Contains(prompt, needle) {
			return reply, nil
		}
	}
	return "generated text", nil
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func newTestApp(t *testing.T, gen *scriptedGenerator) (*App, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	if gen == nil {
		gen = &scriptedGenerator{}
	}
	a, err := New(Config{
		Store:     mem,
		JWTSecret: "test-secret",
		Generator: gen,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, mem
}

func signUpUser(t *testing.T, a *App, email string) domain.User {
	t.Helper()
	user, _, err := a.SignUp(email, "longenough", "Test User")
	if err != nil {
		t.Fatalf("sign up %s: %v", email, err)
	}
	return user
}

func TestSignUpFirstUserBecomesAdmin(t *testing.T) {
	a, _ := newTestApp(t, nil)
	first := signUpUser(t, a, "first@example.com")
	if first.Role != domain.RoleAdmin {
		t.Fatalf("first user role = %q, want admin", first.Role)
	}
	second := signUpUser(t, a, "second@example.com")
	if second.Role != domain.RoleUser {
		t.Fatalf("second user role = %q, want user", second.Role)
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	a, _ := newTestApp(t, nil)
	signUpUser(t, a, "dupe@example.com")
	_, _, err := a.SignUp("dupe@example.com", "longenough", "Other")
	ve, ok := AsValidationError(err)
	if !ok {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, has := ve.Details["email"]; !has {
		t.Fatalf("validation details missing email: %v", ve.Details)
	}
}

func TestSignUpValidation(t *testing.T) {
	a, _ := newTestApp(t, nil)
	_, _, err := a.SignUp("not-an-email", "short", "")
	ve, ok := AsValidationError(err)
	if !ok {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(ve.Details) != 2 {
		t.Fatalf("expected email and password problems, got %v", ve.Details)
	}
}

func TestLoginAndTokenRoundTrip(t *testing.T) {
	a, _ := newTestApp(t, nil)
	created := signUpUser(t, a, "login@example.com")

	user, token, err := a.Login("Login@Example.com", "longenough")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if user.ID != created.ID {
		t.Fatalf("login returned wrong user")
	}
	resolved, ok := a.UserFromToken(token)
	if !ok || resolved.ID != created.ID {
		t.Fatalf("token did not resolve to the user")
	}

	if _, _, err := a.Login("login@example.com", "wrongpass"); err == nil {
		t.Fatalf("wrong password must fail")
	}
	if _, ok := a.UserFromToken("garbage"); ok {
		t.Fatalf("garbage token must resolve to anonymous")
	}
}

func TestCreateArticleRequiresAdmin(t *testing.T) {
	a, _ := newTestApp(t, nil)
	signUpUser(t, a, "admin@example.com")
	user := signUpUser(t, a, "user@example.com")
	if _, err := a.CreateArticle(context.Background(), user, "Title", "Content", true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestCreateArticleEnrichesContent(t *testing.T) {
	gen := &scriptedGenerator{answers: map[string]string{
		"comma-separated": "billing, faq, howto",
		"concise summary": "A short summary of billing.",
	}}
	a, mem := newTestApp(t, gen)
	admin := signUpUser(t, a, "admin@example.com")

	id, err := a.CreateArticle(context.Background(), admin, "  Billing FAQ  ", "How billing works.", true)
	if err != nil {
		t.Fatalf("create article: %v", err)
	}
	article, ok, _ := mem.GetArticle(id)
	if !ok {
		t.Fatalf("article not stored")
	}
	if article.Title != "Billing FAQ" {
		t.Fatalf("title not trimmed: %q", article.Title)
	}
	if len(article.Tags) != 3 || article.Tags[0] != "billing" {
		t.Fatalf("tags = %v", article.Tags)
	}
	if article.Summary != "A short summary of billing." {
		t.Fatalf("summary = %q", article.Summary)
	}
	if article.AuthorID != admin.ID || !article.IsPublished {
		t.Fatalf("article metadata wrong: %+v", article)
	}
}

func TestCreateArticleDegradesWhenAssistantFails(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("provider down")}
	a, mem := newTestApp(t, gen)
	admin := signUpUser(t, a, "admin@example.com")

	id, err := a.CreateArticle(context.Background(), admin, "Title", "Content", false)
	if err != nil {
		t.Fatalf("assistant outage must not block creation: %v", err)
	}
	article, _, _ := mem.GetArticle(id)
	if len(article.Tags) != 0 {
		t.Fatalf("tags should degrade to empty, got %v", article.Tags)
	}
	if article.Summary != "Summary could not be generated." {
		t.Fatalf("summary placeholder missing, got %q", article.Summary)
	}
}

func TestUpdateArticleContentRegeneratesTagsAndSummary(t *testing.T) {
	gen := &scriptedGenerator{answers: map[string]string{
		"comma-separated": "updated",
		"concise summary": "Updated summary.",
	}}
	a, mem := newTestApp(t, gen)
	admin := signUpUser(t, a, "admin@example.com")
	id, err := a.CreateArticle(context.Background(), admin, "Title", "Original content", true)
	if err != nil {
		t.Fatalf("create article: %v", err)
	}

	newContent := "Rewritten content"
	if err := a.UpdateArticle(context.Background(), admin, id, domain.ArticleUpdate{Content: &newContent}); err != nil {
		t.Fatalf("update article: %v", err)
	}
	article, _, _ := mem.GetArticle(id)
	if article.Content != "Rewritten content" {
		t.Fatalf("content = %q", article.Content)
	}
	if article.Summary != "Updated summary." {
		t.Fatalf("summary not regenerated: %q", article.Summary)
	}
	if len(article.Tags) != 1 || article.Tags[0] != "updated" {
		t.Fatalf("tags not regenerated: %v", article.Tags)
	}

	// title-only update must not touch tags or summary
	newTitle := "Fresh title"
	gen.err = errors.New("provider down")
	if err := a.UpdateArticle(context.Background(), admin, id, domain.ArticleUpdate{Title: &newTitle}); err != nil {
		t.Fatalf("title-only update: %v", err)
	}
	article, _, _ = mem.GetArticle(id)
	if article.Summary != "Updated summary." || len(article.Tags) != 1 {
		t.Fatalf("title-only update must not regenerate enrichment: %+v", article)
	}
}

func TestUpdateArticleNotFound(t *testing.T) {
	a, _ := newTestApp(t, nil)
	admin := signUpUser(t, a, "admin@example.com")
	title := "X"
	err := a.UpdateArticle(context.Background(), admin, "missing", domain.ArticleUpdate{Title: &title})
	if !errors.Is(err, ErrArticleNotFound) {
		t.Fatalf("expected ErrArticleNotFound, got %v", err)
	}
}

func TestGetArticleBumpsViewCount(t *testing.T) {
	a, mem := newTestApp(t, nil)
	admin := signUpUser(t, a, "admin@example.com")
	id, err := a.CreateArticle(context.Background(), admin, "Title", "Content", true)
	if err != nil {
		t.Fatalf("create article: %v", err)
	}

	if _, err := a.GetArticle(id); err != nil {
		t.Fatalf("get article: %v", err)
	}
	// the increment runs off the request path
	deadline := time.Now().Add(2 * time.Second)
	for {
		article, _, _ := mem.GetArticle(id)
		if article.ViewCount == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("view count = %d, want 1", article.ViewCount)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := a.GetArticle("missing"); !errors.Is(err, ErrArticleNotFound) {
		t.Fatalf("expected ErrArticleNotFound, got %v", err)
	}
}

func TestAskCreatesSessionAndRecordsMessage(t *testing.T) {
	gen := &scriptedGenerator{answers: map[string]string{
		"User Question": "Open Settings and click Reset.",
	}}
	a, mem := newTestApp(t, gen)
	admin := signUpUser(t, a, "admin@example.com")
	articleID, err := a.CreateArticle(context.Background(), admin, "Password reset", "Open Settings.", true)
	if err != nil {
		t.Fatalf("create article: %v", err)
	}
	user := signUpUser(t, a, "user@example.com")

	result, err := a.Ask(context.Background(), user, "How do I reset my password?", "")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if result.Answer != "Open Settings and click Reset." {
		t.Fatalf("answer = %q", result.Answer)
	}
	if len(result.RelevantArticles) != 1 || result.RelevantArticles[0].ID != articleID {
		t.Fatalf("relevant articles = %+v", result.RelevantArticles)
	}
	if result.SessionID == "" || result.MessageID == "" {
		t.Fatalf("result missing ids: %+v", result)
	}

	session, ok, _ := mem.GetChatSessionForUser(result.SessionID, user.ID)
	if !ok {
		t.Fatalf("session not created")
	}
	if session.Title != "How do I reset my password?" {
		t.Fatalf("session title = %q", session.Title)
	}
	msg, ok, _ := mem.GetChatMessageForUser(result.MessageID, user.ID)
	if !ok {
		t.Fatalf("message not stored for user")
	}
	if msg.Question != "How do I reset my password?" || len(msg.ArticleIDs) != 1 {
		t.Fatalf("message fields wrong: %+v", msg)
	}
}

func TestAskAppendsToExistingSession(t *testing.T) {
	a, mem := newTestApp(t, nil)
	user := signUpUser(t, a, "user@example.com")

	first, err := a.Ask(context.Background(), user, "first question", "")
	if err != nil {
		t.Fatalf("first ask: %v", err)
	}
	second, err := a.Ask(context.Background(), user, "second question", first.SessionID)
	if err != nil {
		t.Fatalf("second ask: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("follow-up changed session: %s vs %s", second.SessionID, first.SessionID)
	}
	session, _, _ := mem.GetChatSessionForUser(first.SessionID, user.ID)
	if len(session.MessageIDs) != 2 {
		t.Fatalf("session should hold 2 messages, got %d", len(session.MessageIDs))
	}
}

func TestAskSessionTitleTruncation(t *testing.T) {
	a, mem := newTestApp(t, nil)
	user := signUpUser(t, a, "user@example.com")

	question := strings.Repeat("q", 80)
	result, err := a.Ask(context.Background(), user, question, "")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	session, _, _ := mem.GetChatSessionForUser(result.SessionID, user.ID)
	want := strings.Repeat("q", 50) + "..."
	if session.Title != want {
		t.Fatalf("title = %q, want %q", session.Title, want)
	}
}

func TestAskValidation(t *testing.T) {
	a, _ := newTestApp(t, nil)
	user := signUpUser(t, a, "user@example.com")

	if _, err := a.Ask(context.Background(), user, "   ", ""); err == nil {
		t.Fatalf("blank question must fail")
	}
	if _, err := a.Ask(context.Background(), user, strings.Repeat("x", 1001), ""); err == nil {
		t.Fatalf("oversized question must fail")
	}
	_, err := a.Ask(context.Background(), user, "valid question", "not-a-uuid")
	ve, ok := AsValidationError(err)
	if !ok {
		t.Fatalf("malformed session id must be a validation error, got %v", err)
	}
	if _, has := ve.Details["sessionId"]; !has {
		t.Fatalf("details missing sessionId: %v", ve.Details)
	}
}

func TestAskRejectsForeignSession(t *testing.T) {
	gen := &scriptedGenerator{}
	a, mem := newTestApp(t, gen)
	owner := signUpUser(t, a, "owner@example.com")
	intruder := signUpUser(t, a, "intruder@example.com")

	result, err := a.Ask(context.Background(), owner, "owner question", "")
	if err != nil {
		t.Fatalf("owner ask: %v", err)
	}
	callsAfterOwner := gen.callCount()

	_, err = a.Ask(context.Background(), intruder, "intruder question", result.SessionID)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	// the rejected ask must not generate an answer or strand a message
	if got := gen.callCount(); got != callsAfterOwner {
		t.Fatalf("generator called %d times for rejected session", got-callsAfterOwner)
	}
	stats, err := mem.UsageStats(0)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ChatMessages != 1 {
		t.Fatalf("message count = %d, want 1 (rejected ask persisted a message)", stats.ChatMessages)
	}
}

func TestAskCountsQuestionRunes(t *testing.T) {
	a, _ := newTestApp(t, nil)
	user := signUpUser(t, a, "user@example.com")

	// 600 characters, 1200 bytes: within the 1000-character bound
	if _, err := a.Ask(context.Background(), user, strings.Repeat("é", 600), ""); err != nil {
		t.Fatalf("multibyte question within bounds rejected: %v", err)
	}
	if _, err := a.Ask(context.Background(), user, strings.Repeat("é", 1001), ""); err == nil {
		t.Fatalf("1001-character question must fail")
	}
}

func TestAskGenerationFailure(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("provider down")}
	a, _ := newTestApp(t, gen)
	user := signUpUser(t, a, "user@example.com")
	_, err := a.Ask(context.Background(), user, "any question", "")
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
}

func TestSessionMessagesOwnershipAndOrder(t *testing.T) {
	a, _ := newTestApp(t, nil)
	user := signUpUser(t, a, "user@example.com")
	other := signUpUser(t, a, "other@example.com")

	first, err := a.Ask(context.Background(), user, "first", "")
	if err != nil {
		t.Fatalf("first ask: %v", err)
	}
	if _, err := a.Ask(context.Background(), user, "second", first.SessionID); err != nil {
		t.Fatalf("second ask: %v", err)
	}

	messages, err := a.SessionMessages(user, first.SessionID)
	if err != nil {
		t.Fatalf("session messages: %v", err)
	}
	if len(messages) != 2 || messages[0].Question != "first" || messages[1].Question != "second" {
		t.Fatalf("messages out of order: %+v", messages)
	}

	if _, err := a.SessionMessages(other, first.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("foreign session must not be readable, got %v", err)
	}
}

func TestSubmitFeedbackUpsert(t *testing.T) {
	a, mem := newTestApp(t, nil)
	user := signUpUser(t, a, "user@example.com")
	result, err := a.Ask(context.Background(), user, "question", "")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	if err := a.SubmitFeedback(user, result.MessageID, domain.RatingPositive, "great"); err != nil {
		t.Fatalf("first feedback: %v", err)
	}
	if err := a.SubmitFeedback(user, result.MessageID, domain.RatingNegative, "actually no"); err != nil {
		t.Fatalf("second feedback: %v", err)
	}
	fb, ok, _ := mem.GetFeedback(result.MessageID, user.ID)
	if !ok {
		t.Fatalf("feedback not stored")
	}
	if fb.Rating != domain.RatingNegative || fb.Comment != "actually no" {
		t.Fatalf("resubmission must overwrite: %+v", fb)
	}
}

func TestSubmitFeedbackValidationAndOwnership(t *testing.T) {
	a, _ := newTestApp(t, nil)
	user := signUpUser(t, a, "user@example.com")
	other := signUpUser(t, a, "other@example.com")
	result, err := a.Ask(context.Background(), user, "question", "")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	if err := a.SubmitFeedback(user, result.MessageID, domain.Rating("meh"), ""); err == nil {
		t.Fatalf("invalid rating must fail")
	}
	if err := a.SubmitFeedback(user, "", domain.RatingPositive, ""); err == nil {
		t.Fatalf("missing message id must fail")
	}
	if err := a.SubmitFeedback(user, result.MessageID, domain.RatingPositive, strings.Repeat("c", 501)); err == nil {
		t.Fatalf("oversized comment must fail")
	}
	err = a.SubmitFeedback(other, result.MessageID, domain.RatingPositive, "")
	if !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("feedback on another user's message must fail with ErrMessageNotFound, got %v", err)
	}
}

func TestSubmitFeedbackCountsCommentRunes(t *testing.T) {
	a, _ := newTestApp(t, nil)
	user := signUpUser(t, a, "user@example.com")
	result, err := a.Ask(context.Background(), user, "question", "")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	if err := a.SubmitFeedback(user, result.MessageID, domain.RatingPositive, strings.Repeat("é", 500)); err != nil {
		t.Fatalf("500-character multibyte comment rejected: %v", err)
	}
	if err := a.SubmitFeedback(user, result.MessageID, domain.RatingPositive, strings.Repeat("é", 501)); err == nil {
		t.Fatalf("501-character comment must fail")
	}
}

func TestCreateArticleCountsTitleRunes(t *testing.T) {
	a, _ := newTestApp(t, nil)
	admin := signUpUser(t, a, "admin@example.com")

	if _, err := a.CreateArticle(context.Background(), admin, strings.Repeat("é", 200), "content", true); err != nil {
		t.Fatalf("200-character multibyte title rejected: %v", err)
	}
	if _, err := a.CreateArticle(context.Background(), admin, strings.Repeat("é", 201), "content", true); err == nil {
		t.Fatalf("201-character title must fail")
	}
}

func TestConcurrentSignupsElectSingleAdmin(t *testing.T) {
	a, _ := newTestApp(t, nil)

	const n = 10
	roles := make(chan domain.UserRole, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			user, _, err := a.SignUp(fmt.Sprintf("user%d@example.com", i), "longenough", "U")
			if err != nil {
				t.Errorf("signup %d: %v", i, err)
				return
			}
			roles <- user.Role
		}(i)
	}
	wg.Wait()
	close(roles)

	admins := 0
	for role := range roles {
		if role == domain.RoleAdmin {
			admins++
		}
	}
	if admins != 1 {
		t.Fatalf("admin count = %d, want exactly 1", admins)
	}
}

// laggingEmailStore simulates a store whose existence check lags behind
// writes, the way a second process would race past it.
type laggingEmailStore struct {
	*store.MemoryStore
}

func (s *laggingEmailStore) HasUserEmail(string) (bool, error) {
	return false, nil
}

func TestSignUpDuplicateFromStoreIsValidationError(t *testing.T) {
	mem := store.NewMemoryStore()
	a, err := New(Config{
		Store:     &laggingEmailStore{MemoryStore: mem},
		JWTSecret: "test-secret",
		Generator: &scriptedGenerator{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if _, _, err := a.SignUp("dupe@example.com", "longenough", "First"); err != nil {
		t.Fatalf("first signup: %v", err)
	}
	_, _, err = a.SignUp("dupe@example.com", "longenough", "Second")
	ve, ok := AsValidationError(err)
	if !ok {
		t.Fatalf("racing duplicate must surface as a validation error, got %v", err)
	}
	if _, has := ve.Details["email"]; !has {
		t.Fatalf("validation details missing email: %v", ve.Details)
	}
}

func TestStatsRequiresAdmin(t *testing.T) {
	a, _ := newTestApp(t, nil)
	admin := signUpUser(t, a, "admin@example.com")
	user := signUpUser(t, a, "user@example.com")

	if _, err := a.Stats(user); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	stats, err := a.Stats(admin)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Users != 2 {
		t.Fatalf("user count = %d, want 2", stats.Users)
	}
}

func TestListArticlesPaginationMetadata(t *testing.T) {
	a, _ := newTestApp(t, nil)
	admin := signUpUser(t, a, "admin@example.com")
	for i := 0; i < 7; i++ {
		if _, err := a.CreateArticle(context.Background(), admin, "Title", "Content", true); err != nil {
			t.Fatalf("create article %d: %v", i, err)
		}
	}
	items, pagination, err := a.ListArticles(domain.ArticleFilter{}, 1, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("page size = %d, want 3", len(items))
	}
	if pagination.Total != 7 || pagination.Pages != 3 {
		t.Fatalf("pagination = %+v, want total 7 pages 3", pagination)
	}
}
