// Tracks engine-wide statistics. Counters accumulate monotonically over the
// engine's lifetime; telemetry reads a snapshot rather than resetting.

package serve

import "fmt"

// EngineStats aggregates statistics about the engine. Written only by the
// engine goroutine; whole-request timing fields are updated only when a
// request's root entry is retired.
type EngineStats struct {
	TotalPrefillLength int64 // Total positions prefilled across all requests
	TotalDecodeLength  int64 // Total tokens produced by decoding

	RequestTotalPrefillTime float64 // Sum over finished requests of prefill wall time (seconds)
	RequestTotalDecodeTime  float64 // Sum over finished requests of decode wall time (seconds)
}

// Snapshot returns a copy for external telemetry.
func (s *EngineStats) Snapshot() EngineStats {
	return *s
}

func (s *EngineStats) String() string {
	return fmt.Sprintf("EngineStats: (PrefillLength: %d, DecodeLength: %d, PrefillTime: %.3fs, DecodeTime: %.3fs)",
		s.TotalPrefillLength, s.TotalDecodeLength, s.RequestTotalPrefillTime, s.RequestTotalDecodeTime)
}
