// The narrow contract the engine core needs from each model. The engine
// never retries a model call partially: a call either completes for the
// whole batch or fails without side effects, and a failed sequence is
// evicted through the standard reclamation path.

package serve

import "errors"

// ErrNoCapacity is returned by Prefill/Decode/ForkSequence when the model's
// KV cache cannot hold the batch. The call has no side effects; the engine
// frees capacity (prefix-cache eviction, then preemption) and retries.
var ErrNoCapacity = errors.New("kv cache out of capacity")

// PrefillBatchEntry is one sequence's share of a prefill call.
type PrefillBatchEntry struct {
	InternalID int64
	RequestID  string
	// Branch is the generation-branch index within the request (0 when
	// n == 1). Carried for logging and deterministic model scripting.
	Branch int
	// Inputs are the blocks to prefill in this call (may be a chunk of the
	// full prompt).
	Inputs []Data
	// LastChunk marks the chunk completing the prefill; the model returns
	// a logits row for this entry only then.
	LastChunk bool
}

// DecodeBatchEntry is one sequence's share of a decode call. The entry's
// last committed token enters the KV cache as part of the call, which is
// why the final committed token of a live sequence is never in the cache
// before the next decode.
type DecodeBatchEntry struct {
	InternalID int64
	RequestID  string
	Branch     int
	LastToken  int32
}

// Model is the engine's handle over one model and its KV cache.
type Model interface {
	// RemoveSequence frees all KV-cache storage of the sequence.
	RemoveSequence(internalID int64)
	// ForkSequence creates child as a copy of parent's first position
	// tokens, sharing storage where possible.
	ForkSequence(parentID, childID int64, position int64) error
	// Prefill feeds input blocks into the KV cache and returns one logits
	// row per entry whose LastChunk is set (in batch order).
	Prefill(batch []PrefillBatchEntry) ([][]float32, error)
	// Decode appends each entry's last committed token and returns one
	// logits row per entry, in batch order.
	Decode(batch []DecodeBatchEntry) ([][]float32, error)
	// FreeDraftSlots returns speculative-decoding scratch slots.
	FreeDraftSlots(slots []int)
}
