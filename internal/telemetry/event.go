package telemetry

import "time"

// Kind classifies a session event.
type Kind string

const (
	KindState       Kind = "state"
	KindApply       Kind = "apply"
	KindPattern     Kind = "pattern"
	KindReset       Kind = "reset"
	KindDiagnostics Kind = "diagnostics"
	KindError       Kind = "error"
)

// Event is one observable step of a device session.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Session   string    `json:"session"`
	Kind      Kind      `json:"kind"`
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
}

// Reporter receives session events. Implementations must not block.
type Reporter interface {
	Report(ev Event)
}

// MultiReporter fans out events to multiple destinations.
type MultiReporter []Reporter

// Report forwards ev to each configured reporter.
func (m MultiReporter) Report(ev Event) {
	for _, r := range m {
		if r != nil {
			r.Report(ev)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Report(Event) {}
