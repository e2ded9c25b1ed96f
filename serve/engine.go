// The engine: a single-goroutine cooperative step loop that admits waiting
// requests (FIFO, chunked prefill), decodes the running batch, samples, and
// reconciles after every step. Requests enter through a thread-safe inbox
// drained at the top of each step, so stream callbacks never mutate engine
// state directly.

package serve

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/batchserve/batchserve/serve/trace"
)

// Engine drives the request lifecycle over one or more models.
//
// All models must be configured with the same KV capacity: the engine
// admission-checks capacity through the models' error returns, and models
// diverging in capacity would desynchronize.
type Engine struct {
	cfg       *EngineConfig
	estate    *EngineState
	models    []Model
	tokenizer Tokenizer

	logitProc *LogitProcessor
	sampler   *Sampler
	draftWS   *DraftTokenWorkspace

	callback RequestStreamCallback
	recorder *trace.EventTraceRecorder

	// GrammarFactoryFn, when set, supplies a grammar matcher factory for a
	// request (nil factory = unconstrained generation).
	GrammarFactoryFn func(*Request) GrammarFactory

	inbox struct {
		mu     sync.Mutex
		adds   []*Request
		aborts []string
	}

	stepCount int
	now       func() time.Time
}

// NewEngine creates an engine over the given models.
func NewEngine(cfg *EngineConfig, models []Model, tokenizer Tokenizer, callback RequestStreamCallback, recorder *trace.EventTraceRecorder) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("NewEngine: config must not be nil")
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, errors.New("NewEngine: at least one model is required")
	}
	if tokenizer == nil {
		return nil, errors.New("NewEngine: tokenizer must not be nil")
	}

	ids := NewIDManager()
	var prefixCache *PrefixCache
	if !cfg.DisablePrefixCache {
		prefixCache = NewPrefixCache(models, ids)
	}
	return &Engine{
		cfg:       cfg,
		estate:    NewEngineState(prefixCache, ids),
		models:    models,
		tokenizer: tokenizer,
		logitProc: NewLogitProcessor(cfg.VocabSize),
		sampler:   NewSampler(),
		draftWS:   NewDraftTokenWorkspace(cfg.DraftSlots),
		callback:  callback,
		recorder:  recorder,
		now:       time.Now,
	}, nil
}

// State exposes the engine state for inspection (tests, telemetry).
func (e *Engine) State() *EngineState {
	return e.estate
}

// Stats returns a snapshot of the monotonic engine statistics.
func (e *Engine) Stats() EngineStats {
	return e.estate.Stats.Snapshot()
}

// AddRequest validates a request and queues it for the next step.
// Safe to call from any goroutine.
func (e *Engine) AddRequest(request *Request) error {
	if request == nil || request.ID == "" {
		return errors.New("AddRequest: request must have an id")
	}
	if request.GenerationCfg == nil {
		return fmt.Errorf("AddRequest: request %s has no generation config", request.ID)
	}
	request.GenerationCfg.Normalize()
	if err := request.GenerationCfg.Validate(); err != nil {
		return fmt.Errorf("AddRequest: request %s: %w", request.ID, err)
	}
	if request.PromptLength() == 0 {
		return fmt.Errorf("AddRequest: request %s has empty inputs", request.ID)
	}

	e.inbox.mu.Lock()
	e.inbox.adds = append(e.inbox.adds, request)
	e.inbox.mu.Unlock()
	return nil
}

// AbortRequest queues a cancellation for the next step. The request (if
// still known then) finishes with reason "cancel" through the standard
// reclamation path. Safe to call from any goroutine.
func (e *Engine) AbortRequest(requestID string) {
	e.inbox.mu.Lock()
	e.inbox.aborts = append(e.inbox.aborts, requestID)
	e.inbox.mu.Unlock()
}

// Idle reports whether the engine has no queued or in-flight work.
func (e *Engine) Idle() bool {
	e.inbox.mu.Lock()
	inboxEmpty := len(e.inbox.adds) == 0 && len(e.inbox.aborts) == 0
	e.inbox.mu.Unlock()
	return inboxEmpty && e.estate.WaitingQueue.Len() == 0 && e.estate.RunningQueue.Len() == 0
}

// Run steps the engine until it idles or maxSteps elapse. Returns the
// number of steps taken.
func (e *Engine) Run(maxSteps int) int {
	steps := 0
	for steps < maxSteps && !e.Idle() {
		e.Step()
		steps++
	}
	return steps
}

// Step executes one engine step: drain the inbox, continue prefilling the
// waiting head, decode the running batch, then reconcile.
func (e *Engine) Step() {
	e.stepCount++
	e.drainInbox(e.now())
	now := e.now()

	participants := newParticipantSet()
	prefilled := make(map[string]bool)
	e.prefillAction(participants, prefilled, now)
	e.decodeAction(participants, prefilled)

	if participants.len() > 0 {
		ActionStepPostProcess(participants.list(), e.estate, e.models, e.tokenizer,
			e.callback, e.cfg.MaxSingleSequenceLength, e.draftWS, e.recorder, e.stepCount, now)
	}
}

// drainInbox moves inbox entries into engine state.
func (e *Engine) drainInbox(now time.Time) {
	e.inbox.mu.Lock()
	adds := e.inbox.adds
	aborts := e.inbox.aborts
	e.inbox.adds = nil
	e.inbox.aborts = nil
	e.inbox.mu.Unlock()

	for _, request := range adds {
		if _, exists := e.estate.RequestStates[request.ID]; exists {
			logrus.Warnf("dropping duplicate request %s", request.ID)
			continue
		}
		var grammarFactory GrammarFactory
		if e.GrammarFactoryFn != nil {
			grammarFactory = e.GrammarFactoryFn(request)
		}
		rstate := NewRequestState(request, len(e.models), e.estate.IDManager, e.tokenizer, grammarFactory, now)
		e.estate.RequestStates[request.ID] = rstate
		e.estate.WaitingQueue.Enqueue(request)
		e.recorder.RecordEvent(request.ID, "add", e.stepCount)
		logrus.Debugf("request %s added (n=%d, prompt=%d)", request.ID, request.GenerationCfg.N, request.PromptLength())
	}
	for _, requestID := range aborts {
		if rstate, ok := e.estate.RequestStates[requestID]; ok {
			e.finishRequestWithReason(rstate.Entries[0].Request, FinishReasonCancel, nil, now)
		}
	}
}

// prefillAction continues prefilling the head of the waiting queue within
// this step's chunk budget. An entry that completes prefill samples its
// first token from the prefill logits. The request joins the running queue
// when its prefill begins and leaves the waiting queue once the whole
// request is resident.
func (e *Engine) prefillAction(participants *participantSet, prefilledThisStep map[string]bool, now time.Time) {
	if e.estate.WaitingQueue.Len() == 0 {
		return
	}
	request := e.estate.WaitingQueue.Peek()
	if e.estate.RunningQueue.Len() >= e.cfg.MaxRunningRequests && !e.estate.RunningQueue.Contains(request.ID) {
		return
	}
	rstate := e.estate.GetRequestState(request)

	targetIdx := -1
	for i, entry := range rstate.Entries {
		if entry.Status == StatusFinished {
			continue
		}
		if entry.Status == StatusAlive && len(entry.MStates[0].Inputs) == 0 {
			continue
		}
		targetIdx = i
		break
	}
	if targetIdx == -1 {
		// Fully resident yet still queued; repair the queues.
		logrus.Warnf("request %s fully prefilled but still waiting", request.ID)
		e.estate.WaitingQueue.Dequeue()
		if !e.estate.RunningQueue.Contains(request.ID) {
			e.estate.RunningQueue.Enqueue(request)
		}
		return
	}
	entry := rstate.Entries[targetIdx]

	if entry.Status == StatusPending {
		if !e.activateEntry(rstate, targetIdx, request) {
			return // no capacity this step
		}
	}

	// The request joins the running queue the moment it begins active
	// prefill. Until its inputs drain it straddles the waiting/running
	// boundary, which keeps it eligible for tail preemption while it
	// still owes prefill.
	if !e.estate.RunningQueue.Contains(request.ID) {
		e.estate.RunningQueue.Enqueue(request)
	}

	mstate0 := entry.MStates[0]
	chunk, rest := takeInputChunk(mstate0.Inputs, e.cfg.PrefillChunkSize)
	if len(chunk) == 0 {
		// Activation caps prefix-cache matches below the full prompt, so a
		// targeted entry always has at least one position left to prefill.
		panic(fmt.Sprintf("prefillAction: empty chunk for request %s entry %d", request.ID, targetIdx))
	}
	lastChunk := len(rest) == 0

	var logits [][]float32
	for {
		rows, err := e.prefillAllModels(mstate0.InternalID, request.ID, entry.Branch, chunk, lastChunk)
		if err == nil {
			logits = rows
			break
		}
		if !errors.Is(err, ErrNoCapacity) {
			logrus.Errorf("prefill failed for request %s: %v", request.ID, err)
			e.finishRequestWithReason(request, FinishReasonError, participants, now)
			return
		}
		if !e.freeCapacity(request.ID) {
			return // retry next step
		}
		if entry.Status != StatusAlive {
			// Freeing capacity preempted the very entry being prefilled.
			return
		}
	}

	chunkLen := DataLength(chunk)
	for _, mstate := range entry.MStates {
		mstate.Inputs = rest
		mstate.NumPrefilledTokens += chunkLen
	}
	mstate0.PrefilledInputs = append(mstate0.PrefilledInputs, chunk...)
	participants.add(request)
	prefilledThisStep[request.ID] = true

	if lastChunk {
		e.completePrefill(request, rstate, targetIdx, logits, participants, now)
	}
}

// activateEntry makes a pending entry resident: the root matches against
// the prefix cache (forking on a hit), children fork from their parent at
// the parent's resident length. Returns false when capacity cannot be
// freed this step.
func (e *Engine) activateEntry(rstate *RequestState, targetIdx int, request *Request) bool {
	entry := rstate.Entries[targetIdx]
	mstate0 := entry.MStates[0]
	internalID := mstate0.InternalID
	pc := e.estate.PrefixCache

	if entry.ParentIdx == -1 {
		if pc != nil {
			srcID, matchLen := pc.Match(leadingTokens(mstate0.Inputs))
			// Never match the whole prompt: the final position must be
			// prefilled to produce the first-token logits.
			if matchLen >= DataLength(mstate0.Inputs) {
				matchLen = DataLength(mstate0.Inputs) - 1
			}
			forked := false
			if matchLen > 0 {
				for {
					err := pc.ForkSequence(srcID, internalID, matchLen)
					if err == nil {
						forked = true
						break
					}
					if !errors.Is(err, ErrNoCapacity) || !e.freeCapacity(request.ID) {
						break // cold path: prefill everything
					}
					if !pc.HasSequence(srcID) {
						break // the source was evicted while freeing space
					}
				}
			}
			if forked {
				logrus.Debugf("request %s: prefix cache hit, forked %d tokens from sequence %d",
					request.ID, matchLen, srcID)
				for _, mstate := range entry.MStates {
					mstate.Inputs = dropPositions(mstate.Inputs, matchLen)
					mstate.NumPrefilledTokens = matchLen
				}
			} else {
				pc.AddSequence(internalID)
			}
		}
	} else {
		parent := rstate.Entries[entry.ParentIdx]
		var position int64
		for {
			if parent.Status != StatusAlive {
				// Freeing capacity preempted the parent; the child cannot
				// fork until the parent is resident again.
				return false
			}
			// Re-read the parent each attempt: preemption during
			// freeCapacity restamps its internal id.
			parentID := parent.MStates[0].InternalID
			position = parent.MStates[0].NumPrefilledTokens
			var err error
			if e.estate.InPrefixCache(parentID) {
				err = pc.ForkSequence(parentID, internalID, position)
			} else {
				err = e.forkInModels(parentID, internalID, position)
			}
			if err == nil {
				break
			}
			if !errors.Is(err, ErrNoCapacity) {
				panic(fmt.Sprintf("activateEntry: fork child of request %s: %v", request.ID, err))
			}
			if !e.freeCapacity(request.ID) {
				return false
			}
		}
		for _, mstate := range entry.MStates {
			mstate.NumPrefilledTokens = position
		}
	}
	entry.Status = StatusAlive
	return true
}

// completePrefill handles an entry whose inputs just drained: record the
// prefill finish, sample the first token(s), fork fresh children for
// parallel generation, and take the request off the waiting queue once
// every entry is resident.
func (e *Engine) completePrefill(request *Request, rstate *RequestState, targetIdx int, logits [][]float32, participants *participantSet, now time.Time) {
	entry := rstate.Entries[targetIdx]
	cfg := request.GenerationCfg
	n := cfg.N

	if entry.ParentIdx == -1 {
		entry.TPrefillFinish = now
		e.recorder.RecordEvent(request.ID, "prefill_finish", e.stepCount)
	}

	if len(logits) != 1 {
		panic(fmt.Sprintf("completePrefill: expected 1 logits row for request %s, got %d", request.ID, len(logits)))
	}
	if rowHasNaN(logits[0]) {
		logrus.Errorf("NaN logits at prefill for request %s", request.ID)
		e.finishRequestWithReason(request, FinishReasonError, participants, now)
		return
	}

	freshChildren := entry.ParentIdx == -1 && n > 1 && childrenAreFresh(rstate)
	switch {
	case freshChildren:
		// Announce the root's prefilled prompt to the prefix cache now, so
		// the children can fork at the full prompt position.
		e.announcePrefilled(entry.MStates[0])

		rngs := make([]*RandomGenerator, n)
		sampleIndices := make([]int, n)
		for i := 1; i <= n; i++ {
			rngs[i-1] = rstate.Entries[i].RNG
		}
		_, results, err := ApplyLogitProcessorAndSample(e.logitProc, e.sampler, logits,
			[]*GenerationConfig{cfg}, []string{request.ID},
			[]*RequestModelState{entry.MStates[0]}, rngs, sampleIndices)
		if err != nil {
			logrus.Errorf("sampling failed for request %s: %v", request.ID, err)
			e.finishRequestWithReason(request, FinishReasonError, participants, now)
			return
		}
		for i := 1; i <= n; i++ {
			if !e.activateEntry(rstate, i, request) {
				// Children cannot all be placed even after freeing
				// capacity; the request cannot make progress.
				logrus.Errorf("request %s: no capacity to fork generation branches", request.ID)
				e.finishRequestWithReason(request, FinishReasonError, participants, now)
				return
			}
			for _, mstate := range rstate.Entries[i].MStates {
				mstate.CommitToken(results[i-1])
			}
		}

	case entry.ParentIdx == -1 && n > 1:
		// Resumed multi-branch root: the branches carry their own pending
		// inputs and re-admit individually; the root produces no token.

	default:
		_, results, err := ApplyLogitProcessorAndSample(e.logitProc, e.sampler, logits,
			[]*GenerationConfig{cfg}, []string{request.ID},
			[]*RequestModelState{entry.MStates[0]}, []*RandomGenerator{entry.RNG}, []int{0})
		if err != nil {
			logrus.Errorf("sampling failed for request %s: %v", request.ID, err)
			e.finishRequestWithReason(request, FinishReasonError, participants, now)
			return
		}
		for _, mstate := range entry.MStates {
			// Tokens committed before a preemption re-entered the KV cache
			// through this prefill, and the prefix cache learns them from
			// the prefilled inputs; move the watermark past them so the
			// committed-token announcement does not repeat them.
			mstate.CachedCommittedTokens = int64(len(mstate.CommittedTokens))
			mstate.CommitToken(results[0])
		}
	}

	for _, other := range rstate.Entries {
		if other.Status == StatusPending ||
			(other.Status == StatusAlive && len(other.MStates[0].Inputs) > 0) {
			return // more entries owe prefill; the request stays waiting
		}
	}
	e.estate.WaitingQueue.Remove(request.ID)
	if !e.estate.RunningQueue.Contains(request.ID) {
		e.estate.RunningQueue.Enqueue(request)
	}
}

// decodeRow pairs a generation entry with its request for one decode row.
type decodeRow struct {
	request *Request
	entry   *RequestStateEntry
}

// decodeAction decodes every live leaf entry of the running batch (one
// token each), sampling through the full pipeline and committing.
func (e *Engine) decodeAction(participants *participantSet, prefilledThisStep map[string]bool) {
	var rows []decodeRow
	var logits [][]float32
	for {
		rows = e.buildDecodeRows(prefilledThisStep)
		if len(rows) == 0 {
			return
		}
		var err error
		logits, err = e.decodeAllModels(rows)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNoCapacity) {
			panic(fmt.Sprintf("decodeAction: %v", err))
		}
		if !e.freeCapacity("") {
			return // nothing left to free; retry next step
		}
	}

	now := e.now()

	// Sampling failures are per-request: finish every request with a NaN
	// row with reason "error", drop all of its rows (sibling branches
	// included), and sample the rest.
	var failed []*Request
	failedRequests := make(map[string]bool)
	for i, row := range logits {
		if rowHasNaN(row) && !failedRequests[rows[i].request.ID] {
			failedRequests[rows[i].request.ID] = true
			failed = append(failed, rows[i].request)
		}
	}
	for _, request := range failed {
		logrus.Errorf("NaN logits at decode for request %s", request.ID)
		e.finishRequestWithReason(request, FinishReasonError, participants, now)
	}
	if len(failed) > 0 {
		liveRows := rows[:0]
		liveLogits := logits[:0]
		for i, row := range rows {
			if failedRequests[row.request.ID] {
				continue
			}
			liveRows = append(liveRows, row)
			liveLogits = append(liveLogits, logits[i])
		}
		rows, logits = liveRows, liveLogits
	}
	if len(rows) == 0 {
		return
	}

	cfgs := make([]*GenerationConfig, len(rows))
	requestIDs := make([]string, len(rows))
	mstates := make([]*RequestModelState, len(rows))
	rngs := make([]*RandomGenerator, len(rows))
	sampleIndices := make([]int, len(rows))
	for i, row := range rows {
		cfgs[i] = row.request.GenerationCfg
		requestIDs[i] = row.request.ID
		mstates[i] = row.entry.MStates[0]
		rngs[i] = row.entry.RNG
		sampleIndices[i] = i
	}

	_, results, err := ApplyLogitProcessorAndSample(e.logitProc, e.sampler, logits,
		cfgs, requestIDs, mstates, rngs, sampleIndices)
	if err != nil {
		// NaN rows were filtered above; anything here is corrupted state.
		panic(fmt.Sprintf("decodeAction: sampling: %v", err))
	}

	for i, row := range rows {
		for _, mstate := range row.entry.MStates {
			mstate.CommitToken(results[i])
		}
		participants.add(row.request)
	}
}

// buildDecodeRows collects the live leaf entries of running requests that
// did not prefill this step.
func (e *Engine) buildDecodeRows(prefilledThisStep map[string]bool) []decodeRow {
	var rows []decodeRow
	for _, request := range e.estate.RunningQueue.Items() {
		if prefilledThisStep[request.ID] {
			continue
		}
		rstate := e.estate.GetRequestState(request)
		for _, entry := range rstate.Entries {
			mstate0 := entry.MStates[0]
			if entry.Status != StatusAlive || len(entry.ChildIndices) > 0 ||
				len(mstate0.Inputs) > 0 || len(mstate0.CommittedTokens) == 0 {
				continue
			}
			rows = append(rows, decodeRow{request: request, entry: entry})
		}
	}
	return rows
}

// prefillAllModels runs one prefill chunk on every model. Capacity errors
// surface only from the first model; models are capacity-uniform, so a
// later model failing after the first succeeded is corrupted state.
func (e *Engine) prefillAllModels(internalID int64, requestID string, branch int, chunk []Data, lastChunk bool) ([][]float32, error) {
	var logits [][]float32
	for modelID, model := range e.models {
		batch := []PrefillBatchEntry{{
			InternalID: internalID,
			RequestID:  requestID,
			Branch:     branch,
			Inputs:     chunk,
			LastChunk:  lastChunk,
		}}
		rows, err := model.Prefill(batch)
		if err != nil {
			if modelID > 0 {
				panic(fmt.Sprintf("prefillAllModels: model %d diverged: %v", modelID, err))
			}
			return nil, err
		}
		if modelID == 0 {
			logits = rows
		}
	}
	return logits, nil
}

// decodeAllModels appends each row's last committed token on every model
// and returns the first model's logits.
func (e *Engine) decodeAllModels(rows []decodeRow) ([][]float32, error) {
	var logits [][]float32
	for modelID, model := range e.models {
		batch := make([]DecodeBatchEntry, len(rows))
		for i, row := range rows {
			mstate := row.entry.MStates[modelID]
			batch[i] = DecodeBatchEntry{
				InternalID: mstate.InternalID,
				RequestID:  row.request.ID,
				Branch:     row.entry.Branch,
				LastToken:  mstate.CommittedTokens[len(mstate.CommittedTokens)-1].SampledTokenID.TokenID,
			}
		}
		out, err := model.Decode(batch)
		if err != nil {
			if modelID > 0 {
				panic(fmt.Sprintf("decodeAllModels: model %d diverged: %v", modelID, err))
			}
			return nil, err
		}
		if modelID == 0 {
			logits = out
		}
	}
	return logits, nil
}

// forkInModels forks a sequence directly in every model (the non-cached
// path).
func (e *Engine) forkInModels(parentID, childID int64, position int64) error {
	for modelID, model := range e.models {
		if err := model.ForkSequence(parentID, childID, position); err != nil {
			if modelID > 0 {
				panic(fmt.Sprintf("forkInModels: model %d diverged: %v", modelID, err))
			}
			return err
		}
	}
	return nil
}

// freeCapacity frees KV space: evict one reclaimable prefix-cache sequence
// if possible, else preempt the last running entry. Returns false when
// nothing could be freed, or when the freed entry belongs to selfID (the
// caller must then abandon its attempt this step).
func (e *Engine) freeCapacity(selfID string) bool {
	if e.estate.PrefixCache != nil && e.estate.PrefixCache.EvictOne() {
		return true
	}
	if e.estate.RunningQueue.Len() == 0 {
		return false
	}
	preempted := PreemptLastRunningRequestStateEntry(e.estate, e.models, e.draftWS, e.recorder, e.stepCount)
	return preempted.Request.ID != selfID
}

// announcePrefilled flushes a model state's prefilled inputs into the
// prefill statistics and (when managed) the prefix cache, ahead of the
// regular post-step announcement.
func (e *Engine) announcePrefilled(mstate *RequestModelState) {
	cached := e.estate.InPrefixCache(mstate.InternalID)
	for _, data := range mstate.PrefilledInputs {
		e.estate.Stats.TotalPrefillLength += data.Length()
		if cached {
			if tokenData, ok := data.(*TokenData); ok {
				e.estate.PrefixCache.ExtendSequence(mstate.InternalID, tokenData.TokenIDs)
			}
		}
	}
	mstate.PrefilledInputs = nil
}

// finishRequestWithReason terminates every unfinished generation branch of
// a request with the given reason, delivers one final stream output, and
// retires the request through the standard reclamation path. Used for
// cancellation and model/sampling failures.
func (e *Engine) finishRequestWithReason(request *Request, reason FinishReason, participants *participantSet, now time.Time) {
	rstate, ok := e.estate.RequestStates[request.ID]
	if !ok {
		return
	}
	n := request.GenerationCfg.N

	output := RequestStreamOutput{
		RequestID:          request.ID,
		GroupDeltaTokenIDs: make([][]int32, n),
		GroupFinishReason:  make([]FinishReason, n),
	}
	if request.GenerationCfg.Logprobs > 0 {
		output.GroupDeltaLogprobJSONStrs = make([][]string, n)
	}

	var finishedEntries []*RequestStateEntry
	for i, entry := range rstate.GenerationEntries() {
		if entry.Status == StatusFinished {
			continue
		}
		output.GroupFinishReason[i] = reason
		finishedEntries = append(finishedEntries, entry)
	}
	if len(finishedEntries) == 0 {
		return
	}

	// Finish is reported before the request is erased.
	if e.callback != nil {
		e.callback([]RequestStreamOutput{output})
	}
	e.recorder.RecordEvent(request.ID, "finish", e.stepCount)
	ProcessFinishedRequestStateEntries(finishedEntries, e.estate, e.models, e.draftWS, now)
	if participants != nil {
		participants.remove(request.ID)
	}
}

// childrenAreFresh reports whether every child entry is untouched (no
// committed tokens, no pending inputs): the request is completing its
// first prefill rather than resuming after preemption.
func childrenAreFresh(rstate *RequestState) bool {
	for _, idx := range rstate.Entries[0].ChildIndices {
		child := rstate.Entries[idx]
		if child.Status != StatusPending ||
			len(child.MStates[0].CommittedTokens) > 0 ||
			len(child.MStates[0].Inputs) > 0 {
			return false
		}
	}
	return true
}

// rowHasNaN reports whether a logits row contains NaN.
func rowHasNaN(row []float32) bool {
	for _, v := range row {
		if v != v {
			return true
		}
	}
	return false
}

// participantSet tracks the requests that took part in the current step,
// preserving first-touch order.
type participantSet struct {
	order []*Request
	seen  map[string]bool
}

func newParticipantSet() *participantSet {
	return &participantSet{seen: make(map[string]bool)}
}

func (p *participantSet) add(request *Request) {
	if !p.seen[request.ID] {
		p.seen[request.ID] = true
		p.order = append(p.order, request)
	}
}

func (p *participantSet) remove(requestID string) {
	if !p.seen[requestID] {
		return
	}
	delete(p.seen, requestID)
	for i, request := range p.order {
		if request.ID == requestID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *participantSet) len() int {
	return len(p.order)
}

func (p *participantSet) list() []*Request {
	return p.order
}

// takeInputChunk removes up to budget positions from the front of inputs,
// splitting a TokenData block at the boundary. An opaque (image/audio)
// block never splits: it is taken whole when it leads the chunk, otherwise
// it ends the chunk.
func takeInputChunk(inputs []Data, budget int64) (chunk []Data, rest []Data) {
	remaining := budget
	for i := 0; i < len(inputs); i++ {
		data := inputs[i]
		if remaining <= 0 {
			return chunk, inputs[i:]
		}
		length := data.Length()
		if length <= remaining {
			chunk = append(chunk, data)
			remaining -= length
			continue
		}
		tokenData, ok := data.(*TokenData)
		if !ok {
			if len(chunk) == 0 {
				return []Data{data}, inputs[i+1:]
			}
			return chunk, inputs[i:]
		}
		chunk = append(chunk, &TokenData{TokenIDs: tokenData.TokenIDs[:remaining]})
		rest = append([]Data{&TokenData{TokenIDs: tokenData.TokenIDs[remaining:]}}, inputs[i+1:]...)
		return chunk, rest
	}
	return chunk, nil
}

// dropPositions removes the first count positions from inputs. Only token
// blocks split; the caller guarantees count falls within leading token
// data (prefix-cache matches are content-addressed on tokens).
func dropPositions(inputs []Data, count int64) []Data {
	for i := 0; i < len(inputs); i++ {
		if count == 0 {
			return inputs[i:]
		}
		length := inputs[i].Length()
		if length <= count {
			count -= length
			continue
		}
		tokenData, ok := inputs[i].(*TokenData)
		if !ok {
			panic("dropPositions: cannot split a non-token block")
		}
		out := []Data{&TokenData{TokenIDs: tokenData.TokenIDs[count:]}}
		return append(out, inputs[i+1:]...)
	}
	if count != 0 {
		panic(fmt.Sprintf("dropPositions: %d positions beyond input length", count))
	}
	return nil
}
