package ai

import "context"

// TextGenerator produces text from a single prompt.
// The Gemini client implements this; tests substitute fakes.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}
