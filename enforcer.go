package chatmeter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// commitTimeout bounds a usage commit that outlives the caller's context.
const commitTimeout = 5 * time.Second

// PlanResolver looks up a user's subscription plan.
type PlanResolver interface {
	PlanFor(ctx context.Context, userID string) (PlanID, error)
}

// PlanResolverFunc adapts a function to PlanResolver.
type PlanResolverFunc func(ctx context.Context, userID string) (PlanID, error)

func (f PlanResolverFunc) PlanFor(ctx context.Context, userID string) (PlanID, error) {
	return f(ctx, userID)
}

// StaticPlans is a fixed user-to-plan map. Users not in the map are FREE.
type StaticPlans map[string]PlanID

func (s StaticPlans) PlanFor(_ context.Context, userID string) (PlanID, error) {
	if p, ok := s[userID]; ok {
		return p, nil
	}
	return PlanFree, nil
}

// ConversationStore persists a completed exchange.
type ConversationStore interface {
	SaveExchange(ctx context.Context, userID string, req ChatRequest, result ChatResult) error
}

// DecisionReason explains a UsageDecision.
type DecisionReason string

const (
	ReasonOK                DecisionReason = "ok"
	ReasonDailyMessageLimit DecisionReason = "daily-message-limit"
	ReasonMonthlyTokenLimit DecisionReason = "monthly-token-limit"
	ReasonModelNotInPlan    DecisionReason = "model-not-in-plan"
)

// UsageDecision is the outcome of the pre-flight checks.
type UsageDecision struct {
	Allowed bool
	Reason  DecisionReason
	Plan    PlanID
	Model   string

	MessagesUsed      int64
	DailyMessageLimit Limit
	TokensUsed        int64 // this month
	EstimatedTokens   int64
	MonthlyTokenLimit Limit
}

// Err converts a rejected decision into an *Error. It returns nil when the
// request is allowed.
func (d UsageDecision) Err() error {
	switch d.Reason {
	case ReasonModelNotInPlan:
		return &Error{
			Kind:    KindModelNotInPlan,
			Message: fmt.Sprintf("model %q is not available on the %s plan", d.Model, d.Plan),
			Model:   d.Model,
		}
	case ReasonDailyMessageLimit:
		return &Error{
			Kind:    KindDailyMessageLimit,
			Message: fmt.Sprintf("daily message limit reached (%d/%s)", d.MessagesUsed, d.DailyMessageLimit),
			Model:   d.Model,
		}
	case ReasonMonthlyTokenLimit:
		return &Error{
			Kind: KindMonthlyTokenLimit,
			Message: fmt.Sprintf("monthly token limit would be exceeded (%d used + %d estimated > %s)",
				d.TokensUsed, d.EstimatedTokens, d.MonthlyTokenLimit),
			Model: d.Model,
		}
	}
	return nil
}

// Enforcer gates chat requests on plan limits, dispatches allowed requests
// to a provider and commits the actual usage.
type Enforcer struct {
	catalog       *Catalog
	ledger        *Ledger
	router        *Router
	plans         PlanResolver
	conversations ConversationStore
	estimator     TokenEstimator
	meter         Meter
	logger        *slog.Logger
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithPlanResolver sets how users map to plans. The default puts every user
// on FREE.
func WithPlanResolver(p PlanResolver) Option {
	return func(e *Enforcer) { e.plans = p }
}

// WithConversationStore sets where completed exchanges are persisted.
func WithConversationStore(s ConversationStore) Option {
	return func(e *Enforcer) { e.conversations = s }
}

// WithEstimator sets the token estimator used for providers that do not
// estimate their own models. The default is HeuristicEstimator.
func WithEstimator(est TokenEstimator) Option {
	return func(e *Enforcer) { e.estimator = est }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(e *Enforcer) { e.meter = m }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// NewEnforcer creates an Enforcer.
func NewEnforcer(catalog *Catalog, ledger *Ledger, router *Router, opts ...Option) (*Enforcer, error) {
	if catalog == nil || ledger == nil || router == nil {
		return nil, fmt.Errorf("chatmeter: enforcer: catalog, ledger and router are required")
	}

	e := &Enforcer{
		catalog: catalog,
		ledger:  ledger,
		router:  router,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.plans == nil {
		e.plans = StaticPlans{}
	}
	if e.estimator == nil {
		e.estimator = HeuristicEstimator{}
	}
	if e.meter == nil {
		e.meter = &noopMeter{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Ledger returns the enforcer's ledger.
func (e *Enforcer) Ledger() *Ledger { return e.ledger }

// PlanFor resolves the user's plan. Resolver failures and plans missing from
// the catalog fall back to FREE.
func (e *Enforcer) PlanFor(ctx context.Context, userID string) PlanID {
	id, err := e.plans.PlanFor(ctx, userID)
	if err != nil {
		e.logger.Warn("plan lookup failed, using FREE", "user", userID, "error", err)
		return PlanFree
	}
	if _, err := e.catalog.Plan(id); err != nil {
		e.logger.Warn("unknown plan, using FREE", "user", userID, "plan", id)
		return PlanFree
	}
	return id
}

// Check runs the pre-flight checks without dispatching: plan gate, daily
// message limit, then monthly token limit against the estimated prompt.
// A rejection is reported through the decision, not the error; the error is
// reserved for invalid requests and ledger read failures.
func (e *Enforcer) Check(ctx context.Context, userID string, req ChatRequest) (UsageDecision, error) {
	if userID == "" {
		return UsageDecision{}, invalidRequest("user id is required")
	}
	if err := req.Validate(); err != nil {
		return UsageDecision{}, err
	}

	plan, err := e.catalog.Plan(e.PlanFor(ctx, userID))
	if err != nil {
		return UsageDecision{}, &Error{Kind: KindInternal, Message: "plan catalog", Err: err}
	}

	d := UsageDecision{
		Plan:              plan.ID,
		Model:             req.Model,
		DailyMessageLimit: plan.DailyMessages,
		MonthlyTokenLimit: plan.MonthlyTokens,
		EstimatedTokens:   EstimateMessages(e.estimatorFor(req.Model), req.Messages, req.Model),
	}

	if _, err := e.catalog.Model(req.Model); err != nil {
		return UsageDecision{}, invalidRequest("unknown model %q", req.Model)
	}
	if !plan.Models.Contains(req.Model) {
		d.Reason = ReasonModelNotInPlan
		return d, nil
	}

	if !plan.DailyMessages.IsUnlimited() {
		rec, err := e.ledger.GetUsageToday(ctx, userID)
		if err != nil {
			return UsageDecision{}, e.ledgerReadError(userID, err)
		}
		d.MessagesUsed = rec.MessagesUsed
		if rec.MessagesUsed >= int64(plan.DailyMessages) {
			d.Reason = ReasonDailyMessageLimit
			return d, nil
		}
	}

	if !plan.MonthlyTokens.IsUnlimited() {
		agg, err := e.ledger.GetMonthlyAggregate(ctx, userID, e.ledger.CurrentMonth())
		if err != nil {
			return UsageDecision{}, e.ledgerReadError(userID, err)
		}
		d.TokensUsed = agg.TokensUsed
		if agg.TokensUsed+d.EstimatedTokens > int64(plan.MonthlyTokens) {
			d.Reason = ReasonMonthlyTokenLimit
			return d, nil
		}
	}

	d.Allowed = true
	d.Reason = ReasonOK
	return d, nil
}

// HandleChatRequest gates, dispatches and bills a non-streaming chat request.
//
// Policy rejections are returned before any provider call. A provider
// failure is never billed. Usage is committed as soon as the provider
// succeeds, before the exchange is persisted; if the commit itself fails the
// content is still returned with AccountingDegraded set.
func (e *Enforcer) HandleChatRequest(ctx context.Context, userID string, req ChatRequest) (ChatResult, error) {
	requestID := uuid.NewString()

	if _, err := e.preflight(ctx, requestID, userID, req); err != nil {
		return ChatResult{}, err
	}

	prov, err := e.resolve(requestID, req.Model)
	if err != nil {
		return ChatResult{}, err
	}

	start := time.Now()
	resp, err := prov.ChatCompletion(ctx, newProviderRequest(req, false))
	duration := time.Since(start)

	if err != nil {
		e.router.health.RecordFailure(prov.Name())
		e.meter.OnResult(ResultEvent{
			RequestID: requestID,
			UserID:    userID,
			Provider:  prov.Name(),
			Model:     req.Model,
			Duration:  duration,
			Error:     err,
		})
		e.logger.Warn("provider call failed",
			"request_id", requestID, "provider", prov.Name(), "model", req.Model, "error", err)
		return ChatResult{}, providerError(err, prov.Name(), req.Model)
	}

	e.router.health.RecordSuccess(prov.Name())
	e.meter.OnResult(ResultEvent{
		RequestID: requestID,
		UserID:    userID,
		Provider:  prov.Name(),
		Model:     req.Model,
		Success:   true,
		Duration:  duration,
		Usage:     resp.Usage,
	})

	usage, estimated := e.settleUsage(req, resp.Usage, resp.Content)
	result := ChatResult{
		RequestID:      requestID,
		ConversationID: conversationID(req),
		Content:        resp.Content,
		Model:          req.Model,
		Provider:       prov.Name(),
		FinishReason:   resp.FinishReason,
		Usage:          usage,
	}

	cost, commitErr := e.commit(ctx, requestID, userID, req.Model, usage, estimated, false)
	result.Cost = cost
	result.AccountingDegraded = commitErr != nil

	e.persist(ctx, userID, req, &result)
	return result, nil
}

// preflight runs Check, reports the decision and turns a rejection into an
// *Error.
func (e *Enforcer) preflight(ctx context.Context, requestID, userID string, req ChatRequest) (UsageDecision, error) {
	d, err := e.Check(ctx, userID, req)
	if err != nil {
		return d, err
	}

	e.meter.OnDecision(DecisionEvent{
		RequestID:       requestID,
		UserID:          userID,
		Plan:            d.Plan,
		Model:           req.Model,
		Allowed:         d.Allowed,
		Reason:          d.Reason,
		EstimatedTokens: d.EstimatedTokens,
	})

	if !d.Allowed {
		e.logger.Info("request rejected",
			"request_id", requestID, "user", userID, "plan", d.Plan, "model", req.Model, "reason", d.Reason)
		return d, d.Err()
	}
	return d, nil
}

func (e *Enforcer) resolve(requestID, model string) (Provider, error) {
	prov, err := e.router.Resolve(model)
	if err != nil {
		e.logger.Error("no provider configured for model",
			"request_id", requestID, "model", model, "error", err)
		return nil, &Error{
			Kind:    KindProviderUnavailable,
			Message: "the service is temporarily unavailable",
			Model:   model,
			Err:     err,
		}
	}
	return prov, nil
}

// settleUsage prefers provider-reported counts. Only when a completed call
// reports nothing are the counts estimated.
func (e *Enforcer) settleUsage(req ChatRequest, reported Usage, content string) (Usage, bool) {
	if reported.Known() {
		if reported.TotalTokens == 0 {
			reported.TotalTokens = reported.PromptTokens + reported.CompletionTokens
		}
		return reported, false
	}
	est := e.estimatorFor(req.Model)
	u := Usage{
		PromptTokens:     EstimateMessages(est, req.Messages, req.Model),
		CompletionTokens: est.EstimateTokens(content, req.Model),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u, true
}

// estimatorFor returns the estimator of the provider serving model when that
// provider implements TokenEstimator, otherwise the enforcer's estimator.
func (e *Enforcer) estimatorFor(model string) TokenEstimator {
	if p, err := e.router.Resolve(model); err == nil {
		if est, ok := p.(TokenEstimator); ok {
			return est
		}
	}
	return e.estimator
}

// commit bills usage through the ledger. It outlives ctx cancellation so a
// caller hanging up after generation cannot skip billing. A failed write is
// logged with everything needed for reconciliation.
func (e *Enforcer) commit(ctx context.Context, requestID, userID, model string, usage Usage, estimated, partial bool) (decimal.Decimal, error) {
	cost := decimal.Zero
	if m, err := e.catalog.Model(model); err == nil {
		cost = CalculateCost(m, usage.PromptTokens, usage.CompletionTokens)
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	_, err := e.ledger.IncrementUsage(commitCtx, userID, model, usage.PromptTokens, usage.CompletionTokens)
	e.meter.OnCommit(CommitEvent{
		RequestID: requestID,
		UserID:    userID,
		Model:     model,
		Usage:     usage,
		Cost:      cost,
		Estimated: estimated,
		Partial:   partial,
		Error:     err,
	})
	if err != nil {
		e.logger.Error("usage commit failed, accounting degraded",
			"request_id", requestID,
			"user", userID,
			"model", model,
			"prompt_tokens", usage.PromptTokens,
			"completion_tokens", usage.CompletionTokens,
			"cost", cost.String(),
			"error", err,
		)
	}
	return cost, err
}

func (e *Enforcer) persist(ctx context.Context, userID string, req ChatRequest, result *ChatResult) {
	if e.conversations == nil {
		return
	}
	if err := e.conversations.SaveExchange(ctx, userID, req, *result); err != nil {
		result.PersistenceDegraded = true
		e.logger.Warn("conversation persistence failed, usage already billed",
			"request_id", result.RequestID,
			"user", userID,
			"conversation_id", result.ConversationID,
			"error", err,
		)
	}
}

func (e *Enforcer) ledgerReadError(userID string, err error) error {
	e.logger.Error("usage lookup failed", "user", userID, "error", err)
	return &Error{Kind: KindInternal, Message: "usage lookup failed", Err: err}
}

func conversationID(req ChatRequest) string {
	if req.ConversationID != "" {
		return req.ConversationID
	}
	return uuid.NewString()
}

// isCancellation reports whether err stems from the caller going away.
func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnDecision(DecisionEvent) {}
func (m *noopMeter) OnResult(ResultEvent)     {}
func (m *noopMeter) OnCommit(CommitEvent)     {}
