// EngineState is the single mutable root of the request lifecycle: the
// waiting/running queues, the request-state map, the id manager, and the
// prefix-cache handle. All mutation happens on the engine goroutine.

package serve

import "fmt"

// EngineState groups the engine's global mutable state.
type EngineState struct {
	// WaitingQueue holds requests not yet (or no longer) fully prefilled.
	// FIFO; preemption re-inserts at the front.
	WaitingQueue *RequestQueue
	// RunningQueue holds requests that have begun prefill or are decoding.
	// A request joins it with its first prefill chunk, so one mid chunked
	// prefill sits in both queues.
	RunningQueue *RequestQueue

	// RequestStates maps request id to the request's generation tree.
	RequestStates map[string]*RequestState

	IDManager   *IDManager
	PrefixCache *PrefixCache // nil when prefix caching is disabled

	Stats *EngineStats
}

// NewEngineState creates an empty engine state.
func NewEngineState(prefixCache *PrefixCache, ids *IDManager) *EngineState {
	return &EngineState{
		WaitingQueue:  &RequestQueue{},
		RunningQueue:  &RequestQueue{},
		RequestStates: make(map[string]*RequestState),
		IDManager:     ids,
		PrefixCache:   prefixCache,
		Stats:         &EngineStats{},
	}
}

// GetRequestState returns the state of a request. The request must be
// known; a miss means corrupted state.
func (es *EngineState) GetRequestState(request *Request) *RequestState {
	rstate, ok := es.RequestStates[request.ID]
	if !ok {
		panic(fmt.Sprintf("GetRequestState: unknown request %s", request.ID))
	}
	return rstate
}

// InPrefixCache reports whether the prefix cache manages the sequence.
func (es *EngineState) InPrefixCache(internalID int64) bool {
	return es.PrefixCache != nil && es.PrefixCache.HasSequence(internalID)
}
