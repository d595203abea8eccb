package chatmeter

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const streamBuffer = 16

// StreamEvent is one item of a ChatStream. Exactly one of Delta, Done or Err
// is meaningful.
type StreamEvent struct {
	Delta  string
	Done   bool
	Result *ChatResult // set with Done: final content, usage and cost
	Err    error
}

// ChatStream is a streaming chat response. Events yields text deltas and
// then one terminal event, Done or Err, before the channel closes. A stream
// cancelled by Close or by its context ends without a terminal event.
// Callers must drain Events or call Close.
type ChatStream struct {
	RequestID      string
	ConversationID string
	Provider       string
	Model          string

	events    chan StreamEvent
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Events returns the event channel.
func (s *ChatStream) Events() <-chan StreamEvent { return s.events }

// Close cancels the stream if it is still running and waits for the
// producer to finish, including any usage commit.
func (s *ChatStream) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

func (s *ChatStream) send(ctx context.Context, ev StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// HandleChatStream gates a streaming chat request exactly like
// HandleChatRequest and then streams the provider's output.
//
// Usage is committed at most once, when the producer stops:
//   - completed stream: provider-reported counts, or estimates of the prompt
//     and the generated text when the provider reported none;
//   - cancelled or failed stream: provider-reported counts if any were
//     received, otherwise nothing is billed.
func (e *Enforcer) HandleChatStream(ctx context.Context, userID string, req ChatRequest) (*ChatStream, error) {
	requestID := uuid.NewString()

	if _, err := e.preflight(ctx, requestID, userID, req); err != nil {
		return nil, err
	}

	prov, err := e.resolve(requestID, req.Model)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	inner, err := prov.ChatCompletionStream(streamCtx, newProviderRequest(req, true))
	if err != nil {
		cancel()
		e.router.health.RecordFailure(prov.Name())
		e.meter.OnResult(ResultEvent{
			RequestID: requestID,
			UserID:    userID,
			Provider:  prov.Name(),
			Model:     req.Model,
			Stream:    true,
			Error:     err,
		})
		e.logger.Warn("provider stream failed to open",
			"request_id", requestID, "provider", prov.Name(), "model", req.Model, "error", err)
		return nil, providerError(err, prov.Name(), req.Model)
	}

	s := &ChatStream{
		RequestID:      requestID,
		ConversationID: conversationID(req),
		Provider:       prov.Name(),
		Model:          req.Model,
		events:         make(chan StreamEvent, streamBuffer),
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	go e.pump(streamCtx, s, inner, userID, req)
	return s, nil
}

// pump forwards provider chunks to the consumer and settles usage once the
// provider stream ends, fails or is cancelled.
func (e *Enforcer) pump(ctx context.Context, s *ChatStream, inner ProviderStream, userID string, req ChatRequest) {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()

	start := time.Now()

	var (
		content    strings.Builder
		usage      Usage
		usageKnown bool
		finish     string
		completed  bool
		streamErr  error
	)

read:
	for ctx.Err() == nil {
		chunk, err := inner.Next()
		if errors.Is(err, io.EOF) {
			// A body cut short by cancellation can also read as EOF.
			completed = ctx.Err() == nil
			break
		}
		if err != nil {
			streamErr = err
			break
		}

		if chunk.Usage != nil && chunk.Usage.Known() {
			usage = *chunk.Usage
			usageKnown = true
		}
		for _, c := range chunk.Choices {
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
			if c.Delta.Content == "" {
				continue
			}
			content.WriteString(c.Delta.Content)
			if !s.send(ctx, StreamEvent{Delta: c.Delta.Content}) {
				break read
			}
		}
	}
	_ = inner.Close()

	cancelled := !completed && isCancellation(ctx, streamErr)
	duration := time.Since(start)

	switch {
	case completed:
		e.router.health.RecordSuccess(s.Provider)
	case streamErr != nil && !cancelled:
		e.router.health.RecordFailure(s.Provider)
	}
	e.meter.OnResult(ResultEvent{
		RequestID: s.RequestID,
		UserID:    userID,
		Provider:  s.Provider,
		Model:     s.Model,
		Stream:    true,
		Success:   completed,
		Duration:  duration,
		Usage:     usage,
		Error:     streamErr,
	})

	if !completed {
		if usageKnown {
			usage, _ = e.settleUsage(req, usage, "")
			_, _ = e.commit(ctx, s.RequestID, userID, s.Model, usage, false, true)
		} else {
			e.logger.Info("stream ended before usage was reported, not billed",
				"request_id", s.RequestID, "user", userID, "model", s.Model, "cancelled", cancelled)
		}
		if streamErr != nil && !cancelled {
			e.logger.Warn("provider stream failed",
				"request_id", s.RequestID, "provider", s.Provider, "model", s.Model, "error", streamErr)
			s.send(ctx, StreamEvent{Err: providerError(streamErr, s.Provider, s.Model)})
		}
		return
	}

	usage, estimated := e.settleUsage(req, usage, content.String())
	result := ChatResult{
		RequestID:      s.RequestID,
		ConversationID: s.ConversationID,
		Content:        content.String(),
		Model:          s.Model,
		Provider:       s.Provider,
		FinishReason:   finish,
		Usage:          usage,
	}
	cost, commitErr := e.commit(ctx, s.RequestID, userID, s.Model, usage, estimated, false)
	result.Cost = cost
	result.AccountingDegraded = commitErr != nil

	e.persist(context.WithoutCancel(ctx), userID, req, &result)
	s.send(ctx, StreamEvent{Done: true, Result: &result})
}
