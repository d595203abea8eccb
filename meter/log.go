package meter

import (
	"log/slog"

	"github.com/ineyio/chatmeter"
)

// LogMeter logs enforcement events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ chatmeter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnDecision(e chatmeter.DecisionEvent) {
	m.Logger.Info("decision",
		"request_id", e.RequestID,
		"user", e.UserID,
		"plan", e.Plan,
		"model", e.Model,
		"allowed", e.Allowed,
		"reason", e.Reason,
		"estimated_tokens", e.EstimatedTokens,
	)
}

func (m *LogMeter) OnResult(e chatmeter.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"request_id", e.RequestID,
			"user", e.UserID,
			"provider", e.Provider,
			"model", e.Model,
			"stream", e.Stream,
			"duration_ms", e.Duration.Milliseconds(),
			"prompt_tokens", e.Usage.PromptTokens,
			"completion_tokens", e.Usage.CompletionTokens,
		)
		return
	}
	m.Logger.Warn("result_error",
		"request_id", e.RequestID,
		"user", e.UserID,
		"provider", e.Provider,
		"model", e.Model,
		"stream", e.Stream,
		"duration_ms", e.Duration.Milliseconds(),
		"error", e.Error,
	)
}

func (m *LogMeter) OnCommit(e chatmeter.CommitEvent) {
	attrs := []any{
		"request_id", e.RequestID,
		"user", e.UserID,
		"model", e.Model,
		"prompt_tokens", e.Usage.PromptTokens,
		"completion_tokens", e.Usage.CompletionTokens,
		"cost", e.Cost.String(),
		"estimated", e.Estimated,
		"partial", e.Partial,
	}
	if e.Error != nil {
		m.Logger.Error("commit_failed", append(attrs, "error", e.Error)...)
		return
	}
	m.Logger.Info("commit", attrs...)
}
