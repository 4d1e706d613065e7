// Package openai runs message batches through an OpenAI-compatible
// chat model and parses the result into task suggestions.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/projectboxes/slack-gateway/internal/biz/domain"
)

const extractionPrompt = `You are a task extraction assistant. Analyze the chat messages below and extract actionable tasks.

For each task found, output an object with these fields:
- "name": short task title (under 80 characters)
- "description": what needs to be done, with relevant context
- "source_message_ts": the ts of the message the task came from
- "suggested_assignee": user id of the person asked to do it, or null
- "confidence_score": number between 0 and 1
- "priority": "low", "medium", or "high"

Rules:
1. Only extract genuine action items: requests, commitments, TODOs.
2. Ignore questions, status updates, and casual chat.
3. Output a JSON array and nothing else. No prose, no code fences.
4. Output [] when there are no tasks.`

// Analyzer extracts task suggestions from messages with a chat model.
type Analyzer struct {
	client      *goopenai.Client
	model       string
	logger      *zap.Logger
	temperature float32
}

// NewAnalyzer creates an analyzer. baseURL may be empty for the
// default OpenAI endpoint; model defaults to gpt-4o-mini.
func NewAnalyzer(apiKey, baseURL, model string, logger *zap.Logger) *Analyzer {
	if model == "" {
		model = goopenai.GPT4oMini
	}

	config := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &Analyzer{
		client:      goopenai.NewClientWithConfig(config),
		model:       model,
		logger:      logger.Named("analyzer"),
		temperature: 0.1,
	}
}

// AnalyzeMessages sends the batch to the model and returns the
// suggestions it found. An unparseable model reply is a
// DataFormatError so callers can keep the job retryable.
func (a *Analyzer) AnalyzeMessages(ctx context.Context, messages []domain.Message) ([]domain.TaskSuggestion, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	resp, err := a.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: a.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: extractionPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: formatMessages(messages)},
		},
		Temperature: a.temperature,
	})
	if err != nil {
		return nil, mapCompletionError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &domain.DataFormatError{Message: "completion returned no choices"}
	}

	content := stripCodeFence(resp.Choices[0].Message.Content)
	suggestions, err := parseSuggestions(content)
	if err != nil {
		a.logger.Warn("unparseable model output",
			zap.String("model", a.model),
			zap.Error(err))
		return nil, err
	}

	out := suggestions[:0]
	for _, s := range suggestions {
		if strings.TrimSpace(s.Name) == "" {
			continue
		}
		if s.Confidence < 0 {
			s.Confidence = 0
		}
		if s.Confidence > 1 {
			s.Confidence = 1
		}
		if s.Priority == "" {
			s.Priority = "medium"
		}
		out = append(out, s)
	}
	return out, nil
}

// formatMessages renders the batch one message per line so the model
// can reference timestamps.
func formatMessages(messages []domain.Message) string {
	var b strings.Builder
	b.WriteString("Chat messages:\n\n")
	for _, m := range messages {
		user := m.User
		if user == "" {
			user = "unknown"
		}
		fmt.Fprintf(&b, "[ts=%s] %s: %s\n", m.TS, user, m.Text)
	}
	return b.String()
}

func parseSuggestions(content string) ([]domain.TaskSuggestion, error) {
	var suggestions []domain.TaskSuggestion
	if err := json.Unmarshal([]byte(content), &suggestions); err != nil {
		return nil, &domain.DataFormatError{Message: "model output is not a suggestion array: " + err.Error()}
	}
	return suggestions, nil
}

// stripCodeFence removes a surrounding markdown fence the model may
// add despite instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// mapCompletionError translates go-openai failures into the error
// taxonomy so the orchestrator can classify them.
func mapCompletionError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			return &domain.AuthError{Reason: "analysis API rejected the key"}
		case 429:
			return &domain.RateLimitError{Endpoint: "chat.completions"}
		}
		if apiErr.HTTPStatusCode >= 500 {
			return &domain.NetworkError{Op: "chat.completions", Err: err}
		}
		return fmt.Errorf("chat completion: %w", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.NetworkError{Op: "chat.completions", Err: err}
	}
	return fmt.Errorf("chat completion: %w", err)
}
