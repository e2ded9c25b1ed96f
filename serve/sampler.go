// Sampling: top-p renormalization, per-branch RNG token draws, and top-k
// logprob extraction. The ordering contract of the pipeline lives in
// ApplyLogitProcessorAndSample.

package serve

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"

	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
)

// TokenProb is one (token id, probability) pair.
type TokenProb struct {
	TokenID int32   `json:"token_id"`
	Prob    float32 `json:"prob"`
}

// SampleResult is the outcome of sampling one token: the sampled id with
// its probability, plus the top-k alternatives when logprobs are requested.
type SampleResult struct {
	SampledTokenID TokenProb
	TopLogprobs    []TokenProb
}

// LogprobJSON renders the sample as the logprob JSON string delivered
// through the stream callback.
func (sr SampleResult) LogprobJSON() string {
	type logprobEntry struct {
		TokenID int32   `json:"token_id"`
		Logprob float32 `json:"logprob"`
	}
	out := struct {
		TokenID     int32          `json:"token_id"`
		Logprob     float32        `json:"logprob"`
		TopLogprobs []logprobEntry `json:"top_logprobs,omitempty"`
	}{
		TokenID: sr.SampledTokenID.TokenID,
		Logprob: logProb(sr.SampledTokenID.Prob),
	}
	for _, tp := range sr.TopLogprobs {
		out.TopLogprobs = append(out.TopLogprobs, logprobEntry{TokenID: tp.TokenID, Logprob: logProb(tp.Prob)})
	}
	data, err := json.Marshal(out)
	if err != nil {
		panic(fmt.Sprintf("LogprobJSON: marshal: %v", err))
	}
	return string(data)
}

func logProb(p float32) float32 {
	return float32(math.Log(float64(p)))
}

// Sampler draws tokens from probability distributions.
type Sampler struct{}

// NewSampler creates a Sampler.
func NewSampler() *Sampler {
	return &Sampler{}
}

// BatchRenormalizeProbsByTopP produces, per sample index, a copy of the
// source probability row truncated to its top-p nucleus and renormalized.
// sampleIndices[i] names the probs row sample i draws from; several samples
// may share one row. cfgs and requestIDs are per-row.
func (s *Sampler) BatchRenormalizeProbsByTopP(probs [][]float32, sampleIndices []int, requestIDs []string, cfgs []*GenerationConfig) [][]float32 {
	renormalized := make([][]float32, len(sampleIndices))
	for i, rowIdx := range sampleIndices {
		renormalized[i] = renormalizeByTopP(probs[rowIdx], cfgs[rowIdx].TopP)
	}
	return renormalized
}

// renormalizeByTopP keeps the smallest set of tokens whose probability mass
// reaches topP and rescales it to sum to 1. topP == 1 is a plain copy.
func renormalizeByTopP(row []float32, topP float32) []float32 {
	out := make([]float32, len(row))
	if topP >= 1 {
		copy(out, row)
		return out
	}

	// Max-heap over (prob, token); pop until the nucleus mass is reached.
	pq := heap.NewWith(func(a, b TokenProb) int {
		return cmp.Compare(b.Prob, a.Prob)
	})
	for t, p := range row {
		if p > 0 {
			pq.Push(TokenProb{TokenID: int32(t), Prob: p})
		}
	}

	var mass float64
	for !pq.Empty() {
		tp, _ := pq.Pop()
		out[tp.TokenID] = tp.Prob
		mass += float64(tp.Prob)
		if mass >= float64(topP) {
			break
		}
	}
	for t := range out {
		out[t] = float32(float64(out[t]) / mass)
	}
	return out
}

// BatchSampleTokensWithProbAfterTopP draws one token per sample index from
// the renormalized distributions using each sample's own RNG, and attaches
// top-k logprobs when the row's config requests them. cfgs and requestIDs
// are per-row; rngs are per-sample.
func (s *Sampler) BatchSampleTokensWithProbAfterTopP(renormProbs [][]float32, sampleIndices []int, requestIDs []string, cfgs []*GenerationConfig, rngs []*RandomGenerator) []SampleResult {
	if len(sampleIndices) != len(rngs) {
		panic(fmt.Sprintf("BatchSampleTokensWithProbAfterTopP: length mismatch: indices=%d rngs=%d",
			len(sampleIndices), len(rngs)))
	}
	results := make([]SampleResult, len(sampleIndices))
	for i, rowIdx := range sampleIndices {
		row := renormProbs[i]
		token := sampleFromProbs(row, rngs[i].Float32())
		result := SampleResult{
			SampledTokenID: TokenProb{TokenID: token, Prob: row[token]},
		}
		if cfgs[rowIdx].Logprobs > 0 {
			result.TopLogprobs = topKProbs(row, cfgs[rowIdx].Logprobs)
		}
		results[i] = result
	}
	return results
}

// sampleFromProbs draws a token by inverse CDF over the distribution.
func sampleFromProbs(row []float32, u float32) int32 {
	var cum float32
	last := int32(0)
	for t, p := range row {
		if p <= 0 {
			continue
		}
		cum += p
		last = int32(t)
		if u < cum {
			return int32(t)
		}
	}
	// Float round-off can leave cum slightly below 1; fall back to the
	// last token with mass.
	return last
}

// topKProbs returns the k highest-probability tokens in descending order.
// A size-bounded min-heap keeps this O(V log k).
func topKProbs(row []float32, k int) []TokenProb {
	pq := heap.NewWith(func(a, b TokenProb) int {
		return cmp.Compare(a.Prob, b.Prob)
	})
	for t, p := range row {
		if p <= 0 {
			continue
		}
		pq.Push(TokenProb{TokenID: int32(t), Prob: p})
		if pq.Size() > k {
			pq.Pop()
		}
	}
	top := make([]TokenProb, pq.Size())
	for i := pq.Size() - 1; i >= 0; i-- {
		tp, _ := pq.Pop()
		top[i] = tp
	}
	return top
}

// ApplyLogitProcessorAndSample runs the full sampling pipeline for one
// step. Ordering is part of the contract: in-place logit update, then
// probability computation, then top-p renormalization over sample indices,
// then per-RNG sampling. cfgs, requestIDs, and mstates are per logits row;
// rngs and sampleIndices are per sample. Returns the pre-top-p
// probabilities (used by speculative-decoding verification downstream)
// alongside the sample results.
func ApplyLogitProcessorAndSample(
	lp *LogitProcessor, sampler *Sampler, logits [][]float32,
	cfgs []*GenerationConfig, requestIDs []string,
	mstates []*RequestModelState, rngs []*RandomGenerator,
	sampleIndices []int,
) ([][]float32, []SampleResult, error) {
	lp.InplaceUpdateLogits(logits, cfgs, mstates, requestIDs)

	probs, err := lp.ComputeProbsFromLogits(logits, cfgs, requestIDs)
	if err != nil {
		return nil, nil, err
	}

	renormalized := sampler.BatchRenormalizeProbsByTopP(probs, sampleIndices, requestIDs, cfgs)
	results := sampler.BatchSampleTokensWithProbAfterTopP(renormalized, sampleIndices, requestIDs, cfgs, rngs)
	return probs, results, nil
}
