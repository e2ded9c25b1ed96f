package trace

// TraceLevel controls the verbosity of request lifecycle tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelLifecycle captures every request lifecycle transition.
	TraceLevelLifecycle TraceLevel = "lifecycle"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelLifecycle: true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// RequestEventRecord is one lifecycle transition of one request.
type RequestEventRecord struct {
	RequestID string
	Event     string // "add", "prefill_finish", "preempt", "finish", ...
	Step      int    // engine step counter at record time
}

// EventTraceRecorder collects request lifecycle records during a run.
// A nil recorder is valid and records nothing.
type EventTraceRecorder struct {
	Level   TraceLevel
	Records []RequestEventRecord
}

// NewEventTraceRecorder creates a recorder at the given level.
func NewEventTraceRecorder(level TraceLevel) *EventTraceRecorder {
	return &EventTraceRecorder{Level: level}
}

// RecordEvent appends a lifecycle record. No-op on a nil or disabled
// recorder.
func (r *EventTraceRecorder) RecordEvent(requestID, event string, step int) {
	if r == nil || r.Level != TraceLevelLifecycle {
		return
	}
	r.Records = append(r.Records, RequestEventRecord{
		RequestID: requestID,
		Event:     event,
		Step:      step,
	})
}

// EventsFor returns the recorded event names for one request, in order.
func (r *EventTraceRecorder) EventsFor(requestID string) []string {
	if r == nil {
		return nil
	}
	var events []string
	for _, rec := range r.Records {
		if rec.RequestID == requestID {
			events = append(events, rec.Event)
		}
	}
	return events
}
