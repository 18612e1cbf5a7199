// Package sampling turns per-row model logits into a sampled next token
// and its log-probability, applying logit masking and penalties in the
// exact order spec §4.4 specifies. Stop conditions are evaluated by
// sequence.Sequence.CheckStop, not here. No tensor/ML library in the
// retrieved pack operates on flat, already-materialized []float64 rows (see
// DESIGN.md) so this is built on stdlib sort/math/math/rand.
package sampling

import (
	"math"
	"math/rand"
	"sort"

	"nanobatch/sequence"
)

// Result is one row's sampling outcome.
type Result struct {
	TokenID int
	Logprob float64
}

// Row samples one token for one Sequence from its logits, applying the
// eight-step pipeline: logit masking, repetition penalty, frequency
// penalty, presence penalty, temperature, top-k, top-p, softmax+sample.
// rng must be seeded deterministically by the caller per spec §4.4's
// "determinism under a fixed RNG seed" requirement — nanobatch seeds one
// rng per Sequence from its SamplingParams.Seed so replays are
// reproducible regardless of scheduling order.
func Row(logits []float64, seq *sequence.Sequence, rng *rand.Rand) Result {
	sp := seq.SamplingParams
	row := make([]float64, len(logits))
	copy(row, logits)

	applyLogitBias(row, sp.LogitBias)
	historyCounts := countHistory(seq.TokenIDs)
	applyRepetitionPenalty(row, historyCounts, sp.RepetitionPenalty)
	applyFrequencyPenalty(row, historyCounts, sp.FrequencyPenalty)
	applyPresencePenalty(row, historyCounts, sp.PresencePenalty)

	if sp.Temperature == 0 {
		id := argmax(row)
		return Result{TokenID: id, Logprob: logSoftmaxAt(row, id)}
	}

	for i := range row {
		row[i] /= sp.Temperature
	}

	applyTopK(row, sp.TopK)
	applyTopP(row, sp.TopP)

	return sampleFromLogits(row, rng)
}

func applyLogitBias(row []float64, bias map[int]float64) {
	for id, b := range bias {
		if id >= 0 && id < len(row) {
			if math.IsInf(b, -1) {
				row[id] = math.Inf(-1)
			} else {
				row[id] += b
			}
		}
	}
}

func countHistory(tokenIDs []int) map[int]int {
	counts := make(map[int]int, len(tokenIDs))
	for _, id := range tokenIDs {
		counts[id]++
	}
	return counts
}

// applyRepetitionPenalty: for every token id present in history, divide
// positive logits by the penalty and multiply negative logits by it
// (spec §4.4 step 2). 1.0 is a no-op.
func applyRepetitionPenalty(row []float64, counts map[int]int, penalty float64) {
	if penalty == 1.0 || penalty == 0 {
		return
	}
	for id := range counts {
		if id < 0 || id >= len(row) {
			continue
		}
		if row[id] > 0 {
			row[id] /= penalty
		} else {
			row[id] *= penalty
		}
	}
}

func applyFrequencyPenalty(row []float64, counts map[int]int, penalty float64) {
	if penalty == 0 {
		return
	}
	for id, c := range counts {
		if id < 0 || id >= len(row) {
			continue
		}
		row[id] -= penalty * float64(c)
	}
}

func applyPresencePenalty(row []float64, counts map[int]int, penalty float64) {
	if penalty == 0 {
		return
	}
	for id := range counts {
		if id < 0 || id >= len(row) {
			continue
		}
		row[id] -= penalty
	}
}

// argmax breaks ties by the smaller token id, per spec §4.4.
func argmax(row []float64) int {
	best := 0
	for i := 1; i < len(row); i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return best
}

func applyTopK(row []float64, k int) {
	if k <= 0 || k >= len(row) {
		return
	}
	sorted := append([]float64(nil), row...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	threshold := sorted[k-1]
	for i, v := range row {
		if v < threshold {
			row[i] = math.Inf(-1)
		}
	}
}

type idxVal struct {
	idx int
	val float64
}

// applyTopP keeps the smallest descending-sorted prefix whose softmax
// mass is >= topP, masking the rest to -inf (spec §4.4 step 7).
func applyTopP(row []float64, topP float64) {
	if topP >= 1.0 {
		return
	}
	entries := make([]idxVal, 0, len(row))
	for i, v := range row {
		if !math.IsInf(v, -1) {
			entries = append(entries, idxVal{i, v})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].val > entries[j].val })

	vals := make([]float64, len(entries))
	for i, e := range entries {
		vals[i] = e.val
	}
	probs := softmax(vals)
	cum := 0.0
	cutoff := len(entries)
	for i, p := range probs {
		cum += p
		if cum >= topP {
			cutoff = i + 1
			break
		}
	}
	keep := make(map[int]bool, cutoff)
	for i := 0; i < cutoff; i++ {
		keep[entries[i].idx] = true
	}
	for i := range row {
		if !keep[i] {
			row[i] = math.Inf(-1)
		}
	}
}

func softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	max := logits[0]
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		e := math.Exp(v - max)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func logSoftmaxAt(row []float64, id int) float64 {
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	for _, v := range row {
		sum += math.Exp(v - max)
	}
	return (row[id] - max) - math.Log(sum)
}

// sampleFromLogits performs a multinomial draw over the (already
// temperature/top-k/top-p shaped) logits and returns the drawn token's
// log-probability under the resulting distribution.
func sampleFromLogits(row []float64, rng *rand.Rand) Result {
	probs := softmax(row)
	r := rng.Float64()
	cum := 0.0
	chosen := len(probs) - 1
	for i, p := range probs {
		cum += p
		if r < cum {
			chosen = i
			break
		}
	}
	return Result{TokenID: chosen, Logprob: math.Log(probs[chosen] + 1e-300)}
}
