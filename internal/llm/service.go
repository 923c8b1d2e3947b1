package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

const maxTitleLen = 80

// Service generates conversation titles through the OpenAI-compatible
// endpoint that Ollama exposes under /v1/.
type Service struct {
	llm    llms.LLM
	logger *zap.Logger
}

func New(baseURL, token, model string, logger *zap.Logger) (*Service, error) {
	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, err
	}
	return &Service{llm: llm, logger: logger}, nil
}

// TitleConversation produces a short display title from the first
// exchange of a conversation.
func (s *Service) TitleConversation(ctx context.Context, userText, assistantText string) (string, error) {
	prompt := fmt.Sprintf(`Write a short title (five words or fewer) for a conversation that starts like this:

user: %s
assistant: %s

Respond with only the title. No quotes, no punctuation at the end.`, userText, assistantText)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	completion, err := llms.GenerateFromSinglePrompt(ctx, s.llm, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to generate title: %w", err)
	}

	title := sanitizeTitle(completion)
	if title == "" {
		return "", fmt.Errorf("model returned an empty title")
	}
	return title, nil
}

func sanitizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	// Models often wrap titles in quotes despite being told not to.
	title = strings.Trim(title, `"'`)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Join(strings.Fields(title), " ")
	if len(title) > maxTitleLen {
		title = strings.TrimSpace(title[:maxTitleLen])
	}
	return title
}
