// SimKVModel: an in-process model with a block-granular KV cache. Blocks
// carry refcounts and a free-list in LRU order; full blocks are recorded in
// a prefix-hash table so re-prefills of a known prefix reuse storage.
// Token emission is analytical (scripted per request branch, with a
// deterministic fallback), which keeps the whole engine hermetic.

package serve

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// ToDo: Multi-modality is hashed conservatively: blocks holding image or
// audio positions are never entered into the prefix table.
// See https://docs.vllm.ai/en/v0.8.5/design/v1/prefix_caching.html

// sentinelToken fills block positions occupied by non-token data.
const sentinelToken int32 = -1

// kvBlock is a unit of KV cache storage. Each block stores a fixed number
// of token positions and is tracked by a prefix hash once full.
type kvBlock struct {
	id       int
	refCount int
	inUse    bool
	hash     string
	tokens   []int32
	prevFree *kvBlock // LRU doubly linked list: previous free block
	nextFree *kvBlock // LRU doubly linked list: next free block
}

// seqState is the per-sequence bookkeeping of the model.
type seqState struct {
	blockIDs []int
	tokens   []int32
	hashable bool // false once a non-token block enters the sequence
}

// SimKVModel implements Model over a simulated KV cache.
type SimKVModel struct {
	modelID     int
	vocabSize   int
	totalBlocks int
	blockSize   int

	blocks      []*kvBlock
	seqs        map[int64]*seqState
	hashToBlock map[string]int
	freeHead    *kvBlock
	freeTail    *kvBlock
	usedBlocks  int

	// scripts maps "<request_id>#<branch>" to the generation that branch
	// should produce; emission is content-keyed so preempted sequences
	// resume the script where their committed tokens left off.
	scripts map[string][]int32
	// failing requests produce NaN logits (sampling-failure injection).
	failing map[string]bool
}

// NewSimKVModel creates a model with the given KV capacity.
func NewSimKVModel(modelID, vocabSize, totalBlocks, blockSize int) *SimKVModel {
	if vocabSize <= 0 || totalBlocks <= 0 || blockSize <= 0 {
		panic(fmt.Sprintf("NewSimKVModel: vocabSize=%d totalBlocks=%d blockSize=%d must all be > 0",
			vocabSize, totalBlocks, blockSize))
	}
	m := &SimKVModel{
		modelID:     modelID,
		vocabSize:   vocabSize,
		totalBlocks: totalBlocks,
		blockSize:   blockSize,
		blocks:      make([]*kvBlock, totalBlocks),
		seqs:        make(map[int64]*seqState),
		hashToBlock: make(map[string]int),
		scripts:     make(map[string][]int32),
		failing:     make(map[string]bool),
	}
	for i := 0; i < totalBlocks; i++ {
		blk := &kvBlock{id: i}
		m.blocks[i] = blk
		m.appendToFreeList(blk)
	}
	return m
}

// SetScript fixes the tokens a request branch generates. Emission matches
// the longest script prefix present at the sequence tail, so the script
// survives preemption and re-prefill.
func (m *SimKVModel) SetScript(requestID string, branch int, tokens []int32) {
	m.scripts[scriptKey(requestID, branch)] = tokens
}

// FailRequest makes every subsequent logits row for the request NaN.
func (m *SimKVModel) FailRequest(requestID string) {
	m.failing[requestID] = true
}

// HasSequence reports whether the model holds KV storage for the sequence.
func (m *SimKVModel) HasSequence(internalID int64) bool {
	_, ok := m.seqs[internalID]
	return ok
}

// SequenceLength returns the number of positions stored for the sequence.
func (m *SimKVModel) SequenceLength(internalID int64) int64 {
	seq, ok := m.seqs[internalID]
	if !ok {
		return 0
	}
	return int64(len(seq.tokens))
}

// FreeBlocks returns the number of blocks not currently in use.
func (m *SimKVModel) FreeBlocks() int {
	return m.totalBlocks - m.usedBlocks
}

// UsedBlocks returns the number of blocks currently in use.
func (m *SimKVModel) UsedBlocks() int {
	return m.usedBlocks
}

// RemoveSequence frees the sequence's blocks. Blocks are returned to the
// free list in reverse order: the last block of a sequence hashes the most
// tokens and is the least likely to be reused, so it should be evicted
// first.
func (m *SimKVModel) RemoveSequence(internalID int64) {
	seq, ok := m.seqs[internalID]
	if !ok {
		// Entries that never became resident (aborted while waiting,
		// preempted) are removed through the same path.
		logrus.Debugf("RemoveSequence: model %d has no sequence %d", m.modelID, internalID)
		return
	}
	delete(m.seqs, internalID)
	for i := len(seq.blockIDs) - 1; i >= 0; i-- {
		blk := m.blocks[seq.blockIDs[i]]
		blk.refCount--
		if blk.refCount == 0 {
			blk.inUse = false
			m.usedBlocks--
			m.appendToFreeList(blk)
		}
	}
}

// ForkSequence creates childID holding parent's first position tokens.
// Full blocks are shared by refcount; a partial boundary block is copied.
func (m *SimKVModel) ForkSequence(parentID, childID int64, position int64) error {
	parent, ok := m.seqs[parentID]
	if !ok {
		return fmt.Errorf("ForkSequence: model %d has no sequence %d", m.modelID, parentID)
	}
	if _, exists := m.seqs[childID]; exists {
		return fmt.Errorf("ForkSequence: sequence %d already exists", childID)
	}
	if position > int64(len(parent.tokens)) {
		return fmt.Errorf("ForkSequence: position %d beyond parent length %d", position, len(parent.tokens))
	}

	fullBlocks := int(position) / m.blockSize
	partial := int(position) % m.blockSize
	if partial > 0 && m.FreeBlocks() < 1 {
		return ErrNoCapacity
	}

	child := &seqState{
		tokens:   append([]int32{}, parent.tokens[:position]...),
		hashable: parent.hashable,
	}
	for i := 0; i < fullBlocks; i++ {
		blk := m.blocks[parent.blockIDs[i]]
		blk.refCount++
		if !blk.inUse {
			blk.inUse = true
			m.usedBlocks++
			m.removeFromFreeList(blk)
		}
		child.blockIDs = append(child.blockIDs, blk.id)
	}
	if partial > 0 {
		blk := m.popFreeBlock()
		if blk == nil {
			return ErrNoCapacity
		}
		src := parent.tokens[fullBlocks*m.blockSize : position]
		blk.tokens = append([]int32{}, src...)
		blk.refCount = 1
		blk.inUse = true
		m.usedBlocks++
		child.blockIDs = append(child.blockIDs, blk.id)
	}
	m.seqs[childID] = child
	return nil
}

// Prefill feeds the batch's input blocks into the KV cache. The whole call
// is admission-checked up front: on insufficient capacity it returns
// ErrNoCapacity without mutating anything.
func (m *SimKVModel) Prefill(batch []PrefillBatchEntry) ([][]float32, error) {
	needed := 0
	for _, entry := range batch {
		needed += m.blocksNeeded(entry.InternalID, DataLength(entry.Inputs))
	}
	if needed > m.FreeBlocks() {
		return nil, ErrNoCapacity
	}

	var logits [][]float32
	for _, entry := range batch {
		seq := m.seqs[entry.InternalID]
		skip := int64(0)
		if seq == nil {
			seq = &seqState{hashable: true}
			m.seqs[entry.InternalID] = seq
			skip = m.reuseCachedPrefix(seq, leadingTokens(entry.Inputs))
		}
		for _, data := range entry.Inputs {
			if skip >= data.Length() {
				skip -= data.Length()
				continue
			}
			if td, ok := data.(*TokenData); ok {
				m.appendTokens(entry.InternalID, seq, td.TokenIDs[skip:])
			} else {
				seq.hashable = false
				filler := make([]int32, data.Length()-skip)
				for i := range filler {
					filler[i] = sentinelToken
				}
				m.appendTokens(entry.InternalID, seq, filler)
			}
			skip = 0
		}
		if entry.LastChunk {
			logits = append(logits, m.emitLogits(entry.RequestID, entry.Branch, seq))
		}
	}
	return logits, nil
}

// leadingTokens flattens the token ids of the leading TokenData blocks.
func leadingTokens(inputs []Data) []int32 {
	var tokens []int32
	for _, data := range inputs {
		td, ok := data.(*TokenData)
		if !ok {
			break
		}
		tokens = append(tokens, td.TokenIDs...)
	}
	return tokens
}

// reuseCachedPrefix attaches previously cached full blocks matching the
// prompt prefix to a fresh sequence and returns the number of positions
// covered. This is the cold-path reuse: the block contents are already in
// the cache, so the covered positions need no prefill compute.
func (m *SimKVModel) reuseCachedPrefix(seq *seqState, tokens []int32) int64 {
	n := len(tokens) / m.blockSize
	covered := 0
	for i := 0; i < n; i++ {
		chunk := tokens[:(i+1)*m.blockSize]
		blockID, ok := m.hashToBlock[hashTokens(chunk)]
		if !ok {
			break
		}
		blk := m.blocks[blockID]
		blk.refCount++
		if !blk.inUse {
			blk.inUse = true
			m.usedBlocks++
			m.removeFromFreeList(blk)
		}
		seq.blockIDs = append(seq.blockIDs, blockID)
		covered += m.blockSize
	}
	seq.tokens = append(seq.tokens, tokens[:covered]...)
	return int64(covered)
}

// Decode appends each entry's last committed token and emits the logits
// for the next. Capacity is checked for the whole batch up front.
func (m *SimKVModel) Decode(batch []DecodeBatchEntry) ([][]float32, error) {
	needed := 0
	for _, entry := range batch {
		needed += m.blocksNeeded(entry.InternalID, 1)
	}
	if needed > m.FreeBlocks() {
		return nil, ErrNoCapacity
	}

	logits := make([][]float32, len(batch))
	for i, entry := range batch {
		seq, ok := m.seqs[entry.InternalID]
		if !ok {
			return nil, fmt.Errorf("Decode: model %d has no sequence %d (request %s)",
				m.modelID, entry.InternalID, entry.RequestID)
		}
		m.appendTokens(entry.InternalID, seq, []int32{entry.LastToken})
		logits[i] = m.emitLogits(entry.RequestID, entry.Branch, seq)
	}
	return logits, nil
}

// FreeDraftSlots is part of the Model contract; the simulated model keeps
// no per-slot device state.
func (m *SimKVModel) FreeDraftSlots(slots []int) {}

// blocksNeeded returns how many fresh blocks appending length positions to
// the sequence requires, ignoring prefix-table reuse (worst case). A shared
// partial tail block costs one extra block for its copy-on-write split.
func (m *SimKVModel) blocksNeeded(internalID int64, length int64) int {
	need := 0
	roomInTail := 0
	if seq, ok := m.seqs[internalID]; ok && len(seq.blockIDs) > 0 {
		last := m.blocks[seq.blockIDs[len(seq.blockIDs)-1]]
		if len(last.tokens) < m.blockSize {
			if last.refCount > 1 {
				need++
			}
			roomInTail = m.blockSize - len(last.tokens)
		}
	}
	remaining := int(length) - roomInTail
	if remaining > 0 {
		need += (remaining + m.blockSize - 1) / m.blockSize
	}
	return need
}

// appendTokens stores tokens at the sequence tail, allocating blocks as
// they fill. Newly completed pure-token blocks enter the prefix table.
func (m *SimKVModel) appendTokens(internalID int64, seq *seqState, tokens []int32) {
	for _, token := range tokens {
		last := (*kvBlock)(nil)
		if len(seq.blockIDs) > 0 {
			last = m.blocks[seq.blockIDs[len(seq.blockIDs)-1]]
		}
		if last == nil || len(last.tokens) == m.blockSize || last.refCount > 1 {
			// A shared block must not be extended in place; start a fresh
			// one (copy-on-write at block granularity).
			if last != nil && len(last.tokens) < m.blockSize && last.refCount > 1 {
				m.splitSharedTail(seq, last)
				last = m.blocks[seq.blockIDs[len(seq.blockIDs)-1]]
			} else {
				blk := m.popFreeBlock()
				if blk == nil {
					panic(fmt.Sprintf("appendTokens: no free block for sequence %d after capacity check", internalID))
				}
				blk.refCount = 1
				blk.inUse = true
				m.usedBlocks++
				seq.blockIDs = append(seq.blockIDs, blk.id)
				last = blk
			}
		}
		last.tokens = append(last.tokens, token)
		seq.tokens = append(seq.tokens, token)
		if len(last.tokens) == m.blockSize && seq.hashable {
			h := hashTokens(seq.tokens[:len(seq.blockIDs)*m.blockSize])
			last.hash = h
			m.hashToBlock[h] = last.id
		}
	}
}

// splitSharedTail replaces a shared partial tail block with a private copy.
func (m *SimKVModel) splitSharedTail(seq *seqState, shared *kvBlock) {
	blk := m.popFreeBlock()
	if blk == nil {
		panic("splitSharedTail: no free block after capacity check")
	}
	blk.tokens = append([]int32{}, shared.tokens...)
	blk.refCount = 1
	blk.inUse = true
	m.usedBlocks++
	shared.refCount--
	seq.blockIDs[len(seq.blockIDs)-1] = blk.id
}

// emitLogits produces the logits row for a sequence: a large logit on the
// scripted (or fallback) next token. Failing requests emit NaN.
func (m *SimKVModel) emitLogits(requestID string, branch int, seq *seqState) []float32 {
	row := make([]float32, m.vocabSize)
	if m.failing[requestID] {
		for t := range row {
			row[t] = float32(math.NaN())
		}
		return row
	}
	next, ok := m.scriptedNext(requestID, branch, seq.tokens)
	if !ok {
		// Unscripted fallback: echo-advance from the last token.
		if len(seq.tokens) > 0 && seq.tokens[len(seq.tokens)-1] >= 0 {
			next = (seq.tokens[len(seq.tokens)-1] + 1) % int32(m.vocabSize)
		}
	}
	row[next] = 16.0
	return row
}

// scriptedNext finds the longest script prefix ending at the sequence tail
// and returns the script's next token.
func (m *SimKVModel) scriptedNext(requestID string, branch int, seqTokens []int32) (int32, bool) {
	script, ok := m.scripts[scriptKey(requestID, branch)]
	if !ok || len(script) == 0 {
		return 0, false
	}
	for k := min(len(script), len(seqTokens)); k > 0; k-- {
		if hasSuffix(seqTokens, script[:k]) {
			if k == len(script) {
				return script[k-1], true // script exhausted: repeat the tail
			}
			return script[k], true
		}
	}
	return script[0], true
}

func scriptKey(requestID string, branch int) string {
	return fmt.Sprintf("%s#%d", requestID, branch)
}

func hasSuffix(tokens []int32, suffix []int32) bool {
	if len(suffix) > len(tokens) {
		return false
	}
	offset := len(tokens) - len(suffix)
	for i, tok := range suffix {
		if tokens[offset+i] != tok {
			return false
		}
	}
	return true
}

// appendToFreeList inserts a block at the tail of the free list.
func (m *SimKVModel) appendToFreeList(block *kvBlock) {
	block.nextFree = nil
	// in a doubly linked list, either both head and tail are nil, or neither
	if m.freeTail != nil {
		m.freeTail.nextFree = block
		block.prevFree = m.freeTail
		m.freeTail = block
	} else {
		m.freeHead = block
		m.freeTail = block
		block.prevFree = nil
	}
}

// removeFromFreeList detaches a block from the LRU free list.
func (m *SimKVModel) removeFromFreeList(block *kvBlock) {
	if block.prevFree != nil {
		block.prevFree.nextFree = block.nextFree
	} else {
		m.freeHead = block.nextFree
	}
	if block.nextFree != nil {
		block.nextFree.prevFree = block.prevFree
	} else {
		m.freeTail = block.prevFree
	}
	block.nextFree = nil
	block.prevFree = nil
}

// popFreeBlock evicts a block from the free list and prepares it for reuse.
func (m *SimKVModel) popFreeBlock() *kvBlock {
	head := m.freeHead
	if head == nil {
		return nil
	}
	m.removeFromFreeList(head)
	if head.hash != "" {
		delete(m.hashToBlock, head.hash)
		head.hash = ""
	}
	head.tokens = nil
	return head
}

// hashTokens returns a SHA256 hash of the joined token sequence.
func hashTokens(tokens []int32) string {
	h := sha256.New()

	var tokenStrings strings.Builder
	for i, token := range tokens {
		if i > 0 {
			tokenStrings.WriteString("|")
		}
		tokenStrings.WriteString(strconv.Itoa(int(token)))
	}

	h.Write([]byte(tokenStrings.String()))
	return hex.EncodeToString(h.Sum(nil))
}
