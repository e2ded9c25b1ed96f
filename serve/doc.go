// Package serve implements the request lifecycle core of a batched LLM
// serving engine.
//
// # Reading Guide
//
// Start with these three files to understand the kernel:
//   - state.go: the per-request generation tree (RequestState, entries, model states)
//   - engine.go: the step loop — admission, chunked prefill, decode, sampling
//   - postprocess.go: per-step reconciliation, stream delivery, and finish propagation
//
// # Architecture
//
// One engine goroutine owns all mutable state (EngineState, the queues, the
// prefix cache, each model's KV cache). Requests enter through a thread-safe
// inbox drained at the top of every step; the stream callback is invoked
// synchronously once per step and must not call back into mutating APIs.
//
// Per step the engine:
//  1. drains the inbox (new requests, aborts);
//  2. continues prefilling the waiting-queue head within the chunk budget,
//     sampling an entry's first token when its prefill completes;
//  3. decodes every live leaf entry of the running batch through the
//     sampling pipeline (logit processing, top-p, per-branch RNG);
//  4. reconciles: prefill statistics, prefix-cache announcements, delta
//     collection, one stream callback, finished-entry finalization.
//
// When KV capacity runs out the engine evicts reclaimable prefix-cache
// sequences first and then preempts the most recently running entry,
// folding its generated tokens back into pending inputs (preempt.go).
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - Model: the narrow per-model contract (prefill, decode, fork, remove)
//   - Tokenizer: decode + EOS ids, used only for stop handling
//   - GrammarMatcher: token bitmask + advance, for constrained decoding
//   - RequestStreamCallback: per-step delta delivery
//
// SimKVModel is the in-process Model implementation: a block-granular KV
// cache with refcounted prefix sharing and analytical token emission, which
// keeps the whole engine runnable hermetically.
package serve
