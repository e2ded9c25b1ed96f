// Post-step reconciliation: after every engine step, account prefill work,
// announce newly cached tokens to the prefix cache, collect per-branch
// deltas, deliver the stream callback, and finalize finished entries with
// post-order propagation up the generation tree.

package serve

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/batchserve/batchserve/serve/trace"
)

// RemoveRequestFromModels removes the sequence from all models (usually
// the KV cache).
func RemoveRequestFromModels(estate *EngineState, internalID int64, models []Model) {
	for _, model := range models {
		model.RemoveSequence(internalID)
	}
}

// removeRequestStateEntry releases the resources of one retiring entry.
//
// Release policy:
//   - sequence in prefix cache and request pinned: leave everything alone;
//   - sequence in prefix cache: lazy recycle (contents stay reusable);
//   - otherwise: remove from every model, recycle the id.
//
// Draft-token slots always return to the workspace.
func removeRequestStateEntry(estate *EngineState, models []Model, rsentry *RequestStateEntry, draftWS *DraftTokenWorkspace) {
	for _, mstate := range rsentry.MStates {
		slots := mstate.RemoveAllDraftTokens()
		if draftWS != nil && len(slots) > 0 {
			draftWS.Free(slots)
		}
	}

	internalID := rsentry.MStates[0].InternalID
	if estate.InPrefixCache(internalID) {
		if !rsentry.Request.GenerationCfg.Debug.PinnedSystemPrompt {
			estate.PrefixCache.RecycleSequence(internalID, true)
		}
		// Pinned requests keep their prefix-cache and KV-cache slots.
	} else {
		RemoveRequestFromModels(estate, internalID, models)
		estate.IDManager.Recycle(internalID)
	}
}

// ProcessFinishedRequestStateEntries retires the given finished leaf
// entries, propagating finish status upward: a parent whose children are
// all finished is finished too. When propagation passes the root, the
// whole request retires: it leaves the queues and the request-state map,
// and the aggregate statistics advance.
func ProcessFinishedRequestStateEntries(finishedRSEntries []*RequestStateEntry, estate *EngineState, models []Model, draftWS *DraftTokenWorkspace, now time.Time) {
	for _, rsentry := range finishedRSEntries {
		// The finished entry must be a leaf.
		if len(rsentry.ChildIndices) != 0 {
			panic("ProcessFinishedRequestStateEntries: finished entry has live children")
		}
		rsentry.Status = StatusFinished
		removeRequestStateEntry(estate, models, rsentry, draftWS)

		rstate := estate.GetRequestState(rsentry.Request)
		parentIdx := rsentry.ParentIdx
		for parentIdx != -1 {
			allChildrenFinished := true
			for _, childIdx := range rstate.Entries[parentIdx].ChildIndices {
				if rstate.Entries[childIdx].Status != StatusFinished {
					allChildrenFinished = false
					break
				}
			}
			if !allChildrenFinished {
				break
			}

			// All children of the parent entry have finished; retire the
			// parent and climb.
			rstate.Entries[parentIdx].Status = StatusFinished
			removeRequestStateEntry(estate, models, rstate.Entries[parentIdx], draftWS)
			parentIdx = rstate.Entries[parentIdx].ParentIdx
		}

		if parentIdx == -1 {
			// The whole request is done: drop it from the queues and the
			// request-state map, then update engine statistics.
			// A request mid chunked prefill straddles both queues; clear
			// them both.
			request := rsentry.Request
			estate.RunningQueue.Remove(request.ID)
			estate.WaitingQueue.Remove(request.ID)
			delete(estate.RequestStates, request.ID)

			rootEntry := rstate.Entries[0]
			prefillFinish := rootEntry.TPrefillFinish
			if prefillFinish.IsZero() {
				// The request retired before prefill completed (abort or
				// model failure); all of its wall time was prefill.
				prefillFinish = now
			}
			estate.Stats.RequestTotalPrefillTime += prefillFinish.Sub(rootEntry.TAdd).Seconds()
			estate.Stats.RequestTotalDecodeTime += now.Sub(prefillFinish).Seconds()
			// The first token of each branch comes from prefilling, not
			// decoding, so each entry contributes one less than it
			// committed. An entry aborted before its first token (zero
			// committed) contributes nothing; the counter stays monotone.
			for _, entry := range rstate.Entries {
				if committed := int64(len(entry.MStates[0].CommittedTokens)); committed > 0 {
					estate.Stats.TotalDecodeLength += committed - 1
				}
			}

			logrus.Infof("request %s retired: %d entries, stats now %s",
				request.ID, len(rstate.Entries), estate.Stats)
		}
	}
}

// UpdatePrefixCache announces newly prefilled inputs and newly committed
// tokens to the prefix cache for every entry whose sequence it manages.
// The final committed token is never announced: it is not in the KV cache
// yet. Prefilled inputs drain for unmanaged sequences too, so the prefill
// statistics in ActionStepPostProcess count each block exactly once.
func UpdatePrefixCache(requests []*Request, estate *EngineState) {
	for _, request := range requests {
		rstate := estate.GetRequestState(request)
		for _, rsentry := range rstate.Entries {
			mstate := rsentry.MStates[0]
			cached := estate.InPrefixCache(mstate.InternalID)

			if len(mstate.PrefilledInputs) > 0 {
				if cached {
					for _, data := range mstate.PrefilledInputs {
						if tokenData, ok := data.(*TokenData); ok {
							estate.PrefixCache.ExtendSequence(mstate.InternalID, tokenData.TokenIDs)
						}
					}
				}
				mstate.PrefilledInputs = nil
			}

			if cached && mstate.CachedCommittedTokens < int64(len(mstate.CommittedTokens))-1 {
				end := int64(len(mstate.CommittedTokens)) - 1
				tokens := make([]int32, 0, end-mstate.CachedCommittedTokens)
				for i := mstate.CachedCommittedTokens; i < end; i++ {
					tokens = append(tokens, mstate.CommittedTokens[i].SampledTokenID.TokenID)
				}
				estate.PrefixCache.ExtendSequence(mstate.InternalID, tokens)
				mstate.CachedCommittedTokens = end
			}
		}
	}
}

// ActionStepPostProcess reconciles the engine after one step for the
// requests that participated in it:
//
//  1. account prefill statistics for entries with prefilled inputs;
//  2. update the prefix cache;
//  3. collect per-branch deltas and finish reasons into one
//     RequestStreamOutput per request;
//  4. fire the stream callback once with the whole batch;
//  5. finalize the finished entries.
func ActionStepPostProcess(requests []*Request, estate *EngineState, models []Model,
	tokenizer Tokenizer, requestStreamCallback RequestStreamCallback,
	maxSingleSequenceLength int64, draftWS *DraftTokenWorkspace,
	recorder *trace.EventTraceRecorder, step int, now time.Time) {

	finishedRSEntries := make([]*RequestStateEntry, 0, len(requests))
	callbackDeltaOutputs := make([]RequestStreamOutput, 0, len(requests))

	for _, request := range requests {
		rstate := estate.GetRequestState(request)
		for _, rsentry := range rstate.Entries {
			for _, data := range rsentry.MStates[0].PrefilledInputs {
				estate.Stats.TotalPrefillLength += data.Length()
			}
		}
	}

	UpdatePrefixCache(requests, estate)

	// Collect newly generated tokens and finish reasons.
	for _, request := range requests {
		n := request.GenerationCfg.N
		rstate := estate.GetRequestState(request)
		output := RequestStreamOutput{
			RequestID:          request.ID,
			GroupDeltaTokenIDs: make([][]int32, 0, n),
			GroupFinishReason:  make([]FinishReason, 0, n),
		}
		if request.GenerationCfg.Logprobs > 0 {
			output.GroupDeltaLogprobJSONStrs = make([][]string, 0, n)
		}

		invokeCallback := false
		for i := 0; i < n; i++ {
			var rsentry *RequestStateEntry
			if n == 1 {
				rsentry = rstate.Entries[0]
			} else {
				rsentry = rstate.Entries[i+1]
			}
			if rsentry.Status == StatusFinished {
				// Finished in an earlier step; nothing further to report.
				output.GroupDeltaTokenIDs = append(output.GroupDeltaTokenIDs, nil)
				if output.GroupDeltaLogprobJSONStrs != nil {
					output.GroupDeltaLogprobJSONStrs = append(output.GroupDeltaLogprobJSONStrs, nil)
				}
				output.GroupFinishReason = append(output.GroupFinishReason, FinishReasonNone)
				continue
			}

			deltaRequestRet := rsentry.GetReturnTokenIds(tokenizer, maxSingleSequenceLength)
			output.GroupDeltaTokenIDs = append(output.GroupDeltaTokenIDs, deltaRequestRet.DeltaTokenIDs)
			if output.GroupDeltaLogprobJSONStrs != nil {
				output.GroupDeltaLogprobJSONStrs = append(output.GroupDeltaLogprobJSONStrs, deltaRequestRet.DeltaLogprobJSONStrs)
			}
			output.GroupFinishReason = append(output.GroupFinishReason, deltaRequestRet.FinishReason)
			if deltaRequestRet.FinishReason.Defined() {
				invokeCallback = true
				finishedRSEntries = append(finishedRSEntries, rsentry)
				recorder.RecordEvent(request.ID, "finish", step)
			}
			if len(deltaRequestRet.DeltaTokenIDs) > 0 {
				invokeCallback = true
			}
		}

		if invokeCallback {
			callbackDeltaOutputs = append(callbackDeltaOutputs, output)
		}
	}

	// Invoke the stream callback once for all collected requests.
	if requestStreamCallback != nil && len(callbackDeltaOutputs) > 0 {
		requestStreamCallback(callbackDeltaOutputs)
	}

	ProcessFinishedRequestStateEntries(finishedRSEntries, estate, models, draftWS, now)
}
