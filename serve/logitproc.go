// Logit processing: the in-place pre-sampling transforms (repetition and
// frequency/presence penalties, logit bias, grammar bitmask) and the
// logits-to-probabilities conversion. Runs row-wise over the step's logits.

package serve

import (
	"fmt"
	"math"
)

// negInf masks out a token entirely.
var negInf = float32(math.Inf(-1))

// LogitProcessor applies per-request transforms to raw logits and converts
// them to probability distributions.
type LogitProcessor struct {
	vocabSize int
}

// NewLogitProcessor creates a processor for the given vocabulary size.
func NewLogitProcessor(vocabSize int) *LogitProcessor {
	if vocabSize <= 0 {
		panic(fmt.Sprintf("NewLogitProcessor: vocabSize must be > 0, got %d", vocabSize))
	}
	return &LogitProcessor{vocabSize: vocabSize}
}

// InplaceUpdateLogits applies, in order: repetition penalty, frequency and
// presence penalties (from the appeared-token histogram of each model
// state), logit bias, and the grammar bitmask. logits rows correspond
// one-to-one with cfgs/mstates/requestIDs.
func (lp *LogitProcessor) InplaceUpdateLogits(logits [][]float32, cfgs []*GenerationConfig, mstates []*RequestModelState, requestIDs []string) {
	if len(logits) != len(cfgs) || len(logits) != len(mstates) || len(logits) != len(requestIDs) {
		panic(fmt.Sprintf("InplaceUpdateLogits: row mismatch: logits=%d cfgs=%d mstates=%d ids=%d",
			len(logits), len(cfgs), len(mstates), len(requestIDs)))
	}
	for i, row := range logits {
		cfg := cfgs[i]
		mstate := mstates[i]

		if cfg.RepetitionPenalty != 1.0 || cfg.FrequencyPenalty != 0 || cfg.PresencePenalty != 0 {
			for token, count := range mstate.AppearedTokenIDs {
				if cfg.RepetitionPenalty != 1.0 {
					if row[token] > 0 {
						row[token] /= cfg.RepetitionPenalty
					} else {
						row[token] *= cfg.RepetitionPenalty
					}
				}
				row[token] -= float32(count)*cfg.FrequencyPenalty + cfg.PresencePenalty
			}
		}

		for token, bias := range cfg.LogitBias {
			row[token] += bias
		}

		if mstate.GrammarMatcher != nil {
			bitmask := make([]uint32, BitmaskWords(lp.vocabSize))
			mstate.GrammarMatcher.FindNextTokenBitmask(bitmask)
			for token := 0; token < lp.vocabSize; token++ {
				if bitmask[token/32]&(1<<(uint(token)%32)) == 0 {
					row[token] = negInf
				}
			}
		}
	}
}

// ComputeProbsFromLogits converts each logits row to a probability
// distribution: temperature scaling then softmax, or a one-hot argmax
// distribution when temperature is 0. Returns an error if a row contains
// NaN (a sampling failure the engine turns into a finish with reason
// "error").
func (lp *LogitProcessor) ComputeProbsFromLogits(logits [][]float32, cfgs []*GenerationConfig, requestIDs []string) ([][]float32, error) {
	probs := make([][]float32, len(logits))
	for i, row := range logits {
		for _, v := range row {
			if math.IsNaN(float64(v)) {
				return nil, fmt.Errorf("NaN logits for request %s", requestIDs[i])
			}
		}
		if cfgs[i].Temperature == 0 {
			probs[i] = argmaxProbs(row)
		} else {
			probs[i] = softmax(row, cfgs[i].Temperature)
		}
	}
	return probs, nil
}

// argmaxProbs puts probability mass 1.0 on the argmax token.
func argmaxProbs(row []float32) []float32 {
	best := 0
	for t := 1; t < len(row); t++ {
		if row[t] > row[best] {
			best = t
		}
	}
	probs := make([]float32, len(row))
	probs[best] = 1.0
	return probs
}

// softmax computes softmax(row / temperature) with max-subtraction for
// numerical stability. Fully masked rows (all -Inf) yield a uniform
// distribution rather than NaN.
func softmax(row []float32, temperature float32) []float32 {
	maxLogit := negInf
	for _, v := range row {
		if v > maxLogit {
			maxLogit = v
		}
	}
	probs := make([]float32, len(row))
	if maxLogit == negInf {
		for t := range probs {
			probs[t] = 1.0 / float32(len(row))
		}
		return probs
	}
	var sum float64
	for t, v := range row {
		e := math.Exp(float64((v - maxLogit) / temperature))
		probs[t] = float32(e)
		sum += e
	}
	for t := range probs {
		probs[t] = float32(float64(probs[t]) / sum)
	}
	return probs
}
