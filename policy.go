package chatmeter

// Policy orders the providers able to serve a model.
type Policy interface {
	// Order returns candidates by priority, highest first. It must be
	// deterministic for a given input.
	Order(candidates []Candidate) []Candidate
}

// Candidate is a configured provider that lists the requested model.
type Candidate struct {
	Provider Provider
	Model    string
	Native   bool // the model's catalog provider
	Priority int  // position in the fallback order; lower is preferred
	Health   HealthState
}

// HealthState describes the health of a provider.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
