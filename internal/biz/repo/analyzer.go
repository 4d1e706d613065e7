package repo

import (
	"context"

	"github.com/projectboxes/slack-gateway/internal/biz/domain"
)

// Analyzer turns a batch of raw messages into task suggestions. The
// gateway treats the analysis itself as opaque.
type Analyzer interface {
	AnalyzeMessages(ctx context.Context, messages []domain.Message) ([]domain.TaskSuggestion, error)
}
