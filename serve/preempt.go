// Preemption: when resources run out, the most recently running request
// (or one generation branch of it) is demoted back to the waiting queue.
// Tokens already generated are preserved as future prefill inputs; the
// KV-cache residency is released precisely.

package serve

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/batchserve/batchserve/serve/trace"
)

// PreemptLastRunningRequestStateEntry demotes the last Alive entry of the
// last request in the running queue and returns it.
//
// After the call the entry is resident in neither the prefix cache nor any
// model, carries a fresh internal id, and its committed tokens have been
// folded back into its pending inputs.
func PreemptLastRunningRequestStateEntry(estate *EngineState, models []Model,
	draftWS *DraftTokenWorkspace, recorder *trace.EventTraceRecorder, step int) *RequestStateEntry {

	if estate.RunningQueue.Len() == 0 {
		panic("PreemptLastRunningRequestStateEntry: running queue is empty")
	}
	request := estate.RunningQueue.Back()

	// Find the last alive request state entry, which is what we preempt.
	rstate := estate.GetRequestState(request)
	preemptRStateIdx := -1
	for i := len(rstate.Entries) - 1; i >= 0; i-- {
		if rstate.Entries[i].Status == StatusAlive {
			preemptRStateIdx = i
			break
		}
	}
	if preemptRStateIdx == -1 {
		panic(fmt.Sprintf("PreemptLastRunningRequestStateEntry: request %s has no alive entry", request.ID))
	}
	rsentry := rstate.Entries[preemptRStateIdx]

	// When the entry still has pending inputs, the request is straddling
	// the waiting/running boundary: it still owed prefill.
	partiallyAlive := len(rsentry.MStates[0].Inputs) > 0

	logrus.Warnf("preempting request %s entry %d (partially alive: %v)",
		request.ID, preemptRStateIdx, partiallyAlive)
	recorder.RecordEvent(request.ID, "preempt", step)

	rsentry.Status = StatusPending
	for _, mstate := range rsentry.MStates {
		if draftWS != nil {
			draftWS.Free(mstate.RemoveAllDraftTokens())
		}
		committedTokenIDs := mstate.CommittedTokenIDs()
		mstate.NumPrefilledTokens = 0

		// Rebuild the inputs so that a future prefill reproduces the exact
		// sequence content: prompt (root only) followed by the tokens
		// generated so far.
		var inputs []Data
		if rsentry.ParentIdx == -1 {
			inputs = append(inputs, request.Inputs...)
			if tokenInput, ok := inputs[len(inputs)-1].(*TokenData); ok {
				// Merge the trailing TokenData so a single token-embedding
				// call covers prompt tail and generated tokens.
				merged := append([]int32{}, tokenInput.TokenIDs...)
				merged = append(merged, committedTokenIDs...)
				inputs[len(inputs)-1] = &TokenData{TokenIDs: merged}
			} else if len(committedTokenIDs) > 0 {
				inputs = append(inputs, &TokenData{TokenIDs: committedTokenIDs})
			}
		} else if len(committedTokenIDs) > 0 {
			// The prefix itself lives in the parent entry and will be
			// re-forked or re-prefilled there.
			inputs = append(inputs, &TokenData{TokenIDs: committedTokenIDs})
		}
		mstate.Inputs = inputs
		mstate.PrefilledInputs = nil
		mstate.CachedCommittedTokens = 0
	}

	// Allocate the replacement id before releasing the old one, so the
	// entry never resumes under the id it was just evicted with.
	newSeqID := estate.IDManager.NewID()

	// Release the sequence. A preempted sequence's contents are about to
	// diverge, so the prefix cache must not keep them: eager recycle.
	internalID := rsentry.MStates[0].InternalID
	if estate.InPrefixCache(internalID) {
		estate.PrefixCache.RecycleSequence(internalID, false)
	} else {
		RemoveRequestFromModels(estate, internalID, models)
		estate.IDManager.Recycle(internalID)
	}
	for _, mstate := range rsentry.MStates {
		mstate.InternalID = newSeqID
	}

	if preemptRStateIdx == 0 {
		// The root was preempted: the request leaves the running queue.
		estate.RunningQueue.PopBack()
	}
	if !partiallyAlive && preemptRStateIdx == len(rstate.Entries)-1 {
		// Re-queue at the front of the waiting queue so it resumes next.
		// A sibling entry may have kept the request in the waiting queue
		// already (mid-resume); never queue it twice.
		if !estate.WaitingQueue.Contains(request.ID) {
			estate.WaitingQueue.PrependFront(request)
		}
	} else if partiallyAlive && preemptRStateIdx == 0 && len(rstate.Entries) == 1 {
		// A partially-alive sole-root entry must still be sitting in the
		// waiting queue (it never finished prefill); re-queueing it here
		// would duplicate it.
		if !estate.WaitingQueue.Contains(request.ID) {
			panic(fmt.Sprintf("preempt: partially alive request %s missing from waiting queue", request.ID))
		}
	}
	return rsentry
}
