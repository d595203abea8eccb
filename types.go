package chatmeter

import "github.com/shopspring/decimal"

// Message roles accepted in a ChatRequest.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest represents an incoming chat request.
type ChatRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Temperature    *float64  `json:"temperature,omitempty"`
	MaxTokens      *int      `json:"max_tokens,omitempty"`
	TopP           *float64  `json:"top_p,omitempty"`
	Stop           []string  `json:"stop,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Validate requires a model, at least one message and a known
// role on every message.
func (r ChatRequest) Validate() error {
	if r.Model == "" {
		return invalidRequest("model is required")
	}
	if len(r.Messages) == 0 {
		return invalidRequest("at least one message is required")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleUser, RoleAssistant:
		case "":
			return invalidRequest("messages[%d]: role is required", i)
		default:
			return invalidRequest("messages[%d]: unknown role %q", i, m.Role)
		}
	}
	return nil
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Known reports whether the usage carries any provider-reported counts.
func (u Usage) Known() bool {
	return u.PromptTokens > 0 || u.CompletionTokens > 0 || u.TotalTokens > 0
}

// ChatResult is the outcome of a successfully dispatched chat request.
type ChatResult struct {
	RequestID      string          `json:"request_id"`
	ConversationID string          `json:"conversation_id"`
	Content        string          `json:"content"`
	Model          string          `json:"model"`
	Provider       string          `json:"provider"`
	FinishReason   string          `json:"finish_reason,omitempty"`
	Usage          Usage           `json:"usage"`
	Cost           decimal.Decimal `json:"cost"`

	// AccountingDegraded is set when the usage commit failed after the
	// provider call succeeded. The exchange is logged for reconciliation.
	AccountingDegraded bool `json:"accounting_degraded,omitempty"`

	// PersistenceDegraded is set when the conversation store rejected the
	// exchange. Usage has already been committed at that point.
	PersistenceDegraded bool `json:"persistence_degraded,omitempty"`
}

// StreamChunk represents a single chunk in a streaming provider response.
type StreamChunk struct {
	ID      string        `json:"id"`
	Choices []StreamDelta `json:"choices"`
	Model   string        `json:"model"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// StreamDelta represents a delta in a streaming choice.
type StreamDelta struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Delta represents incremental content in a stream.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// IntPtr returns a pointer to the given int.
func IntPtr(v int) *int { return &v }

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }
