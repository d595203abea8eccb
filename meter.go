package chatmeter

import (
	"time"

	"github.com/shopspring/decimal"
)

// Meter observes enforcement events for monitoring/logging.
type Meter interface {
	// OnDecision is called after the pre-flight checks.
	OnDecision(event DecisionEvent)

	// OnResult is called when a provider returns a result.
	OnResult(event ResultEvent)

	// OnCommit is called after a usage commit attempt.
	OnCommit(event CommitEvent)
}

// DecisionEvent describes a pre-flight decision.
type DecisionEvent struct {
	RequestID       string
	UserID          string
	Plan            PlanID
	Model           string
	Allowed         bool
	Reason          DecisionReason
	EstimatedTokens int64
}

// ResultEvent describes the outcome of a provider call.
type ResultEvent struct {
	RequestID string
	UserID    string
	Provider  string
	Model     string
	Stream    bool
	Success   bool
	Duration  time.Duration
	Usage     Usage
	Error     error
}

// CommitEvent describes a usage commit. Error is set when the ledger write
// failed and the exchange needs reconciliation.
type CommitEvent struct {
	RequestID string
	UserID    string
	Model     string
	Usage     Usage
	Cost      decimal.Decimal
	Estimated bool // counts came from the estimator
	Partial   bool // stream ended before completion
	Error     error
}
