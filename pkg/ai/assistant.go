package ai

import (
	"context"
	"fmt"
	"strings"
)

const maxTags = 5

// Assistant wraps a text generator with the knowledge-base prompts:
// grounded answers, article tags, and article summaries.
type Assistant struct {
	generator TextGenerator
}

// NewAssistant builds an assistant on top of any text generator.
func NewAssistant(generator TextGenerator) *Assistant {
	return &Assistant{generator: generator}
}

// GenerateAnswer asks for an answer grounded strictly in the supplied context
// snippets. The prompt instructs the model to say so and point the user to
// support when the context does not cover the question. Failures and empty
// output propagate as errors; an answer is never fabricated locally.
func (a *Assistant) GenerateAnswer(ctx context.Context, question string, contextSnippets []string) (string, error) {
	contextText := strings.Join(contextSnippets, "\n\n")
	prompt := fmt.Sprintf(`Based on the following knowledge base articles, please answer the user's question.
If the information is not available in the provided context, politely say so and suggest they contact support.

Context Articles:
%s

User Question: %s
`, contextText, question)

	answer, err := a.generator.GenerateText(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generate answer: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// GenerateTags asks for 3-5 short tags for article content. On any provider
// failure it degrades to an empty list instead of propagating the error, so
// tagging never blocks content workflows.
func (a *Assistant) GenerateTags(ctx context.Context, content string) []string {
	prompt := fmt.Sprintf(`Analyze the following article content and generate 3-5 relevant tags.
Return only the tags as a comma-separated list, no other text.

Content: %s
`, content)

	text, err := a.generator.GenerateText(ctx, prompt)
	if err != nil {
		return []string{}
	}
	tags := make([]string, 0, maxTags)
	for _, raw := range strings.Split(text, ",") {
		tag := strings.TrimSpace(raw)
		if tag == "" {
			continue
		}
		tags = append(tags, tag)
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}

// GenerateSummary asks for a 2-3 sentence summary of article content.
func (a *Assistant) GenerateSummary(ctx context.Context, content string) (string, error) {
	prompt := fmt.Sprintf(`Create a concise summary (2-3 sentences) of the following article content:

%s
`, content)

	summary, err := a.generator.GenerateText(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generate summary: %w", err)
	}
	return strings.TrimSpace(summary), nil
}
