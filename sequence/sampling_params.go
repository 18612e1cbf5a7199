package sequence

import "fmt"

// SamplingParams is the immutable sampling configuration a Sequence
// carries unchanged to the Sampling Pipeline (spec §4.2). Field set is
// the full wire surface named in original_source/chat_handler.cpp's
// grpc_request_to_sampling_params — the teacher's SamplingParams only
// carried {Temperature, MaxTokens, IgnoreEOS}.
type SamplingParams struct {
	Temperature float64 // 0 = greedy
	TopP        float64 // (0, 1]
	TopK        int     // 0 = disabled
	FrequencyPenalty float64 // [0, 2]
	PresencePenalty  float64 // [-2, 2]
	RepetitionPenalty float64 // >= 0, 1 = none
	MaxTokens   int      // > 0
	Stop        []string // stop strings
	StopTokenIDs []int   // stop token ids
	SkipSpecialTokens bool
	IgnoreEOS   bool
	N           int // number of sequences delivered
	BestOf      int // >= N, sampled and ranked internally
	LogitBias   map[int]float64
	Seed        int64
}

// SamplingOption is a functional option for SamplingParams, in the
// teacher's own idiom (nanovllm/sampling_params.go).
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates SamplingParams with spec-compliant defaults
// and applies opts. BestOf, when no option sets it, defaults to N.
func NewSamplingParams(opts ...SamplingOption) (*SamplingParams, error) {
	sp := &SamplingParams{
		Temperature:       1.0,
		TopP:              1.0,
		TopK:              0,
		FrequencyPenalty:  0,
		PresencePenalty:   0,
		RepetitionPenalty: 1.0,
		MaxTokens:         64,
		SkipSpecialTokens: true,
		N:                 1,
	}
	for _, opt := range opts {
		opt(sp)
	}
	if sp.BestOf == 0 {
		sp.BestOf = sp.N
	}
	if err := sp.Validate(); err != nil {
		return nil, err
	}
	return sp, nil
}

// Validate enforces the ranges spec.md §4.2 names. Unlike the teacher
// (which panics on invalid temperature and forbids greedy sampling
// entirely), invalid params here are reported as an error so the
// Admission API can turn them into InvalidRequest (spec §7) rather than
// crash the scheduler thread.
func (sp *SamplingParams) Validate() error {
	if sp.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0, got %f", sp.Temperature)
	}
	if sp.TopP <= 0 || sp.TopP > 1 {
		return fmt.Errorf("top_p must be in (0, 1], got %f", sp.TopP)
	}
	if sp.TopK < 0 {
		return fmt.Errorf("top_k must be >= 0, got %d", sp.TopK)
	}
	if sp.FrequencyPenalty < 0 || sp.FrequencyPenalty > 2 {
		return fmt.Errorf("frequency_penalty must be in [0, 2], got %f", sp.FrequencyPenalty)
	}
	if sp.PresencePenalty < -2 || sp.PresencePenalty > 2 {
		return fmt.Errorf("presence_penalty must be in [-2, 2], got %f", sp.PresencePenalty)
	}
	if sp.RepetitionPenalty < 0 {
		return fmt.Errorf("repetition_penalty must be >= 0, got %f", sp.RepetitionPenalty)
	}
	if sp.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be > 0, got %d", sp.MaxTokens)
	}
	if sp.N <= 0 {
		return fmt.Errorf("n must be > 0, got %d", sp.N)
	}
	if sp.BestOf < sp.N {
		return fmt.Errorf("best_of (%d) must be >= n (%d)", sp.BestOf, sp.N)
	}
	return nil
}

func WithTemperature(t float64) SamplingOption { return func(sp *SamplingParams) { sp.Temperature = t } }
func WithTopP(p float64) SamplingOption        { return func(sp *SamplingParams) { sp.TopP = p } }
func WithTopK(k int) SamplingOption            { return func(sp *SamplingParams) { sp.TopK = k } }
func WithFrequencyPenalty(v float64) SamplingOption {
	return func(sp *SamplingParams) { sp.FrequencyPenalty = v }
}
func WithPresencePenalty(v float64) SamplingOption {
	return func(sp *SamplingParams) { sp.PresencePenalty = v }
}
func WithRepetitionPenalty(v float64) SamplingOption {
	return func(sp *SamplingParams) { sp.RepetitionPenalty = v }
}
func WithMaxTokens(n int) SamplingOption    { return func(sp *SamplingParams) { sp.MaxTokens = n } }
func WithStop(stops []string) SamplingOption {
	return func(sp *SamplingParams) { sp.Stop = stops }
}
func WithStopTokenIDs(ids []int) SamplingOption {
	return func(sp *SamplingParams) { sp.StopTokenIDs = ids }
}
func WithIgnoreEOS(b bool) SamplingOption { return func(sp *SamplingParams) { sp.IgnoreEOS = b } }
func WithSkipSpecialTokens(b bool) SamplingOption {
	return func(sp *SamplingParams) { sp.SkipSpecialTokens = b }
}
func WithN(n int) SamplingOption      { return func(sp *SamplingParams) { sp.N = n } }
func WithBestOf(n int) SamplingOption { return func(sp *SamplingParams) { sp.BestOf = n } }
func WithLogitBias(bias map[int]float64) SamplingOption {
	return func(sp *SamplingParams) { sp.LogitBias = bias }
}
func WithSeed(seed int64) SamplingOption { return func(sp *SamplingParams) { sp.Seed = seed } }
