// Package usecase holds the pure business logic of the gateway, kept
// free of transport and storage concerns so it can be tested directly.
package usecase

import (
	"context"
	"regexp"
	"strings"

	"github.com/projectboxes/slack-gateway/internal/biz/domain"
)

// Pattern-based extraction rules. Each action pattern pairs a trigger
// with a base confidence; @-mentions and explicit markers raise it.
var actionPatterns = []struct {
	prefix     string
	confidence float64
}{
	{"todo:", 0.9},
	{"todo ", 0.7},
	{"action item:", 0.9},
	{"task:", 0.85},
	{"please ", 0.6},
	{"can you ", 0.6},
	{"could you ", 0.6},
	{"we need to ", 0.65},
	{"need to ", 0.55},
	{"don't forget to ", 0.7},
	{"remember to ", 0.7},
	{"make sure ", 0.55},
}

var (
	mentionRe  = regexp.MustCompile(`<@([A-Z0-9]+)>|@([a-zA-Z0-9._-]+)`)
	checkboxRe = regexp.MustCompile(`^\s*(?:[-*]\s*)?\[ \]\s*(.+)$`)
)

const maxTaskNameLen = 80

// ExtractActionItems scans messages for task-shaped content using the
// pattern rules. It is the offline fallback when no analysis model is
// configured, and it feeds the immediate suggestion count of a scan
// while model-backed jobs run in the background.
func ExtractActionItems(messages []domain.Message) []domain.TaskSuggestion {
	var out []domain.TaskSuggestion
	for _, m := range messages {
		if m.Type != "" && m.Type != "message" {
			continue
		}
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}

		for _, line := range strings.Split(text, "\n") {
			s, ok := extractFromLine(line)
			if !ok {
				continue
			}
			s.SourceMessageTS = m.TS
			s.SourceChannel = m.Channel
			if s.SuggestedAssignee == "" {
				s.SuggestedAssignee = firstMention(line)
			}
			out = append(out, s)
		}
	}
	return out
}

// extractFromLine matches one line against the checkbox and action
// patterns. Checkbox lines win since they are the most explicit form.
func extractFromLine(line string) (domain.TaskSuggestion, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return domain.TaskSuggestion{}, false
	}

	if m := checkboxRe.FindStringSubmatch(trimmed); m != nil {
		body := strings.TrimSpace(m[1])
		if body == "" {
			return domain.TaskSuggestion{}, false
		}
		return domain.TaskSuggestion{
			Name:        taskName(body),
			Description: body,
			Confidence:  0.85,
			Priority:    "medium",
		}, true
	}

	lower := strings.ToLower(trimmed)
	for _, p := range actionPatterns {
		idx := strings.Index(lower, p.prefix)
		if idx < 0 {
			continue
		}
		body := strings.TrimSpace(trimmed[idx+len(p.prefix):])
		if body == "" {
			continue
		}
		confidence := p.confidence
		if mentionRe.MatchString(trimmed) {
			confidence += 0.1
		}
		if confidence > 1 {
			confidence = 1
		}
		return domain.TaskSuggestion{
			Name:        taskName(body),
			Description: trimmed,
			Confidence:  confidence,
			Priority:    priorityFor(confidence),
		}, true
	}
	return domain.TaskSuggestion{}, false
}

// firstMention returns the user id or handle of the first @-mention.
func firstMention(line string) string {
	m := mentionRe.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}

// taskName truncates body to a title, cutting on a word boundary when
// one is close enough.
func taskName(body string) string {
	body = strings.TrimRight(strings.TrimSpace(body), ".!?")
	if len(body) <= maxTaskNameLen {
		return body
	}
	cut := body[:maxTaskNameLen]
	if idx := strings.LastIndex(cut, " "); idx > maxTaskNameLen/2 {
		cut = cut[:idx]
	}
	return cut + "..."
}

func priorityFor(confidence float64) string {
	switch {
	case confidence >= 0.85:
		return "high"
	case confidence >= 0.65:
		return "medium"
	default:
		return "low"
	}
}

// LocalAnalyzer adapts pattern extraction to the Analyzer interface so
// the orchestrator works without a model configured.
type LocalAnalyzer struct{}

// AnalyzeMessages extracts suggestions from the batch. It never fails.
func (LocalAnalyzer) AnalyzeMessages(ctx context.Context, messages []domain.Message) ([]domain.TaskSuggestion, error) {
	return ExtractActionItems(messages), nil
}
