package meter

import "github.com/ineyio/chatmeter"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ chatmeter.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnDecision(chatmeter.DecisionEvent) {}
func (m *NoopMeter) OnResult(chatmeter.ResultEvent)     {}
func (m *NoopMeter) OnCommit(chatmeter.CommitEvent)     {}
