package app

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrForbidden indicates the caller lacks the role a write requires.
	ErrForbidden = errors.New("forbidden")
	// ErrArticleNotFound indicates a missing article.
	ErrArticleNotFound = errors.New("article not found")
	// ErrMessageNotFound indicates a missing chat message, or one owned by
	// another user; the two cases are indistinguishable to the caller.
	ErrMessageNotFound = errors.New("message not found")
	// ErrSessionNotFound indicates a chat session that does not exist or is
	// not owned by the caller.
	ErrSessionNotFound = errors.New("session not found")
	// ErrGenerationFailed indicates the answer provider failed or returned
	// nothing usable.
	ErrGenerationFailed = errors.New("answer generation failed")
)

// ValidationError carries per-field problems with a request payload.
type ValidationError struct {
	Details map[string]string
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Details))
	for field := range e.Details {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fmt.Sprintf("validation failed: %s", strings.Join(fields, ", "))
}

func newValidationError(field, problem string) *ValidationError {
	return &ValidationError{Details: map[string]string{field: problem}}
}

// AsValidationError unwraps err into a ValidationError when possible.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
