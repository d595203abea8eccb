package chatmeter

import "strings"

// TokenEstimator approximates token counts before a provider reports them.
type TokenEstimator interface {
	EstimateTokens(text, modelID string) int64
}

// HeuristicEstimator is the default character-based TokenEstimator.
type HeuristicEstimator struct{}

var _ TokenEstimator = HeuristicEstimator{}

func (HeuristicEstimator) EstimateTokens(text, modelID string) int64 {
	return EstimateTokens(text, modelID)
}

const (
	messageOverhead = 4 // role and formatting per message
	requestOverhead = 3
)

// EstimateTokens approximates the token count of text.
//
// Latin text counts ~4 characters per token. Each of {}();= adds half a
// token and each CJK character adds one and a half, since those tokenize far
// more densely. The sum is rounded up. Empty text is 0 and whitespace-only
// text is 1. The heuristic is the same for every model family.
func EstimateTokens(text, _ string) int64 {
	if text == "" {
		return 0
	}
	if strings.TrimSpace(text) == "" {
		return 1
	}

	// Counted in quarter tokens to stay in integers.
	var quarters int64
	for _, r := range text {
		quarters++
		switch {
		case isCodeRune(r):
			quarters += 2
		case isCJK(r):
			quarters += 6
		}
	}
	return (quarters + 3) / 4
}

// EstimateMessages estimates the prompt size of a conversation, including
// per-message framing.
func EstimateMessages(est TokenEstimator, messages []Message, modelID string) int64 {
	if est == nil {
		est = HeuristicEstimator{}
	}
	var total int64
	for _, m := range messages {
		total += est.EstimateTokens(m.Content, modelID)
		total += messageOverhead
	}
	return total + requestOverhead
}

func isCodeRune(r rune) bool {
	switch r {
	case '{', '}', '(', ')', ';', '=':
		return true
	}
	return false
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FA5) || // CJK unified ideographs
		(r >= 0x3040 && r <= 0x30FF) // hiragana and katakana
}
