// The prefix cache: a content-addressed deduplication layer over KV-cache
// sequences. It tracks the token content of the sequences it manages so a
// new request sharing a prefix can fork from a resident sequence instead of
// re-prefilling. Finished sequences are recycled lazily (contents preserved
// for reuse until pressure) or eagerly (slots freed immediately).

package serve

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// prefixCacheSeq is one sequence under cache management.
type prefixCacheSeq struct {
	id     int64
	tokens []int32
	// reclaimable marks a lazily recycled sequence: still matchable, but
	// evictable under pressure.
	reclaimable bool
	lastUse     int64 // monotonic LRU clock
}

// PrefixCache owns the sequences it manages: eviction removes them from
// every model and recycles their ids. Single-owner: engine goroutine only.
type PrefixCache struct {
	models []Model
	ids    *IDManager

	seqs  map[int64]*prefixCacheSeq
	clock int64
}

// NewPrefixCache creates a prefix cache over the given models.
func NewPrefixCache(models []Model, ids *IDManager) *PrefixCache {
	return &PrefixCache{
		models: models,
		ids:    ids,
		seqs:   make(map[int64]*prefixCacheSeq),
	}
}

// HasSequence reports whether the cache manages the sequence. Remains true
// for lazily recycled sequences until pressure evicts them.
func (pc *PrefixCache) HasSequence(id int64) bool {
	_, ok := pc.seqs[id]
	return ok
}

// AddSequence registers a new, empty sequence under cache management.
func (pc *PrefixCache) AddSequence(id int64) {
	if _, exists := pc.seqs[id]; exists {
		panic(fmt.Sprintf("AddSequence: sequence %d already in prefix cache", id))
	}
	pc.clock++
	pc.seqs[id] = &prefixCacheSeq{id: id, lastUse: pc.clock}
}

// ExtendSequence appends tokens known to be in the KV cache already.
func (pc *PrefixCache) ExtendSequence(id int64, tokens []int32) {
	seq, ok := pc.seqs[id]
	if !ok {
		panic(fmt.Sprintf("ExtendSequence: sequence %d not in prefix cache", id))
	}
	if seq.reclaimable {
		panic(fmt.Sprintf("ExtendSequence: sequence %d was recycled", id))
	}
	pc.clock++
	seq.tokens = append(seq.tokens, tokens...)
	seq.lastUse = pc.clock
}

// RecycleSequence releases a sequence.
//
// Eager (lazy=false): the KV slots are freed and the id invalidated
// immediately. Used at preemption, where the contents are about to change.
//
// Lazy (lazy=true): the sequence is marked reclaimable; its contents stay
// matchable for future requests sharing the prefix until pressure forces
// eviction. The caller must not assume the id names a resident sequence
// afterwards. Used for finished, non-pinned requests.
func (pc *PrefixCache) RecycleSequence(id int64, lazy bool) {
	seq, ok := pc.seqs[id]
	if !ok {
		panic(fmt.Sprintf("RecycleSequence: sequence %d not in prefix cache", id))
	}
	if lazy {
		pc.clock++
		seq.reclaimable = true
		seq.lastUse = pc.clock
		return
	}
	pc.evict(seq)
}

// ForkSequence registers childID as a fork of parentID at position, and
// forks the sequence in every model. The parent's LRU position refreshes:
// a matched prefix is a hot prefix.
func (pc *PrefixCache) ForkSequence(parentID, childID int64, position int64) error {
	parent, ok := pc.seqs[parentID]
	if !ok {
		panic(fmt.Sprintf("ForkSequence: sequence %d not in prefix cache", parentID))
	}
	if position > int64(len(parent.tokens)) {
		panic(fmt.Sprintf("ForkSequence: position %d beyond cached length %d", position, len(parent.tokens)))
	}
	for _, model := range pc.models {
		if err := model.ForkSequence(parentID, childID, position); err != nil {
			return err
		}
	}
	pc.clock++
	parent.lastUse = pc.clock
	pc.seqs[childID] = &prefixCacheSeq{
		id:      childID,
		tokens:  append([]int32{}, parent.tokens[:position]...),
		lastUse: pc.clock,
	}
	return nil
}

// Match returns the managed sequence with the longest common prefix with
// tokens, and the match length. Returns (0, 0) when nothing matches a full
// leading run of at least one token.
func (pc *PrefixCache) Match(tokens []int32) (int64, int64) {
	var bestID int64
	var bestLen int64
	for id, seq := range pc.seqs {
		matched := commonPrefixLen(seq.tokens, tokens)
		if matched > bestLen {
			bestID, bestLen = id, matched
		}
	}
	return bestID, bestLen
}

// EvictOne evicts the least recently used reclaimable sequence, freeing
// its KV slots in every model and recycling its id. Returns false when no
// sequence is reclaimable.
func (pc *PrefixCache) EvictOne() bool {
	var victim *prefixCacheSeq
	oldest := int64(math.MaxInt64)
	for _, seq := range pc.seqs {
		if seq.reclaimable && seq.lastUse < oldest {
			victim = seq
			oldest = seq.lastUse
		}
	}
	if victim == nil {
		return false
	}
	logrus.Debugf("prefix cache: evicting sequence %d (%d tokens)", victim.id, len(victim.tokens))
	pc.evict(victim)
	return true
}

// evict frees the sequence everywhere and recycles its id.
func (pc *PrefixCache) evict(seq *prefixCacheSeq) {
	for _, model := range pc.models {
		model.RemoveSequence(seq.id)
	}
	pc.ids.Recycle(seq.id)
	delete(pc.seqs, seq.id)
}

// commonPrefixLen returns the length of the longest common prefix.
func commonPrefixLen(a, b []int32) int64 {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return int64(i)
		}
	}
	return int64(n)
}
