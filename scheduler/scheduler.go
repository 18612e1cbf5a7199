// Package scheduler owns the admission queue, the waiting/running/swapped
// pools, the preemption policy, and the step loop (spec §4.6), directly
// generalizing the teacher's Scheduler/LLMEngine.Step and mirroring
// original_source/main.cpp's scheduler->step(timeout) outer loop.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"nanobatch/batch"
	"nanobatch/block"
	"nanobatch/config"
	"nanobatch/engine"
	"nanobatch/request"
	"nanobatch/sampling"
	"nanobatch/sequence"
	"nanobatch/tokenizer"
)

// Engine is the C7 contract the Scheduler consumes: plan.Entries[i]'s
// logits row, gathered at each entry's last-token position — the
// Scheduler never needs the engine's internal flat-token layout. No
// import cycle risk exists (package engine never references scheduler),
// so the producer's own Adapter interface is used directly rather than
// duplicated consumer-side.
type Engine = engine.Adapter

// Tokenizer is the §6 external collaborator the Scheduler uses to
// materialize prompt text into token ids at admission and to stream
// decode generated tokens back to text for stop-string matching and
// output delivery.
type Tokenizer = tokenizer.Tokenizer

// Decoder is one Sequence's incremental token-to-text decoder (spec §6's
// new_stream()/push()).
type Decoder = tokenizer.Decoder

// Spec is one admission request, spec §6's request_spec. Exactly one of
// PromptTokenIDs / PromptText should be set; PromptText is tokenized on
// the scheduler thread when drained (mirrors AddRequest's string-or-ids
// switch in the teacher's llm_engine.go).
type Spec struct {
	PromptTokenIDs []int
	PromptText     string
	SamplingParams *sequence.SamplingParams
	Priority       request.Priority
	Stream         bool
	Sink           request.Sink
}

// Handle is the weak reference spec §9 hands back to a caller instead of
// a live Request pointer: an id plus an atomic cancel flag, observed by
// the Scheduler at step boundaries rather than called back into.
type Handle struct {
	id        string
	cancelled chan struct{}
}

// Cancel marks the underlying Request cancelled. Safe to call more than
// once or after the Request has already finished.
func (h *Handle) Cancel() {
	select {
	case <-h.cancelled:
	default:
		close(h.cancelled)
	}
}

// ID returns the underlying Request's id.
func (h *Handle) ID() string { return h.id }

type admissionMsg struct {
	spec   Spec
	handle *Handle
}

type trackedRequest struct {
	req    *request.Request
	handle *Handle
}

// Scheduler is the single-threaded owner of every mutable core data
// structure: the pools, the Block Allocator, the prefix cache, and every
// live Sequence (spec §5). All exported methods other than Submit/Cancel
// are meant to run only on the goroutine calling Run/Step.
type Scheduler struct {
	cfg       *config.Config
	alloc     *block.Allocator
	cache     *block.PrefixCache
	engine    Engine
	tokenizer Tokenizer

	admission chan admissionMsg

	waiting [3]*fifo
	running *fifo
	swapped *fifo

	byID map[string]*trackedRequest

	rngs     map[int64]*rand.Rand
	decoders map[int64]Decoder
	swapOut  map[int64]swappedState
}

// swappedState is the "host memory copy" spec §4.6's swap mode names —
// simulated with an in-process buffer since no device/host transfer
// library is in scope (SPEC_FULL.md's Open Question decision).
type swappedState struct {
	tokenIDs          []int
	logProbs          []float64
	cumulativeLogprob float64
}

// New constructs a Scheduler over cfg's KV-cache sizing, ready to drive
// eng and tok.
func New(cfg *config.Config, eng Engine, tok Tokenizer) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		alloc:     block.New(cfg.NumKVCacheBlocks, cfg.BlockSize),
		cache:     block.NewPrefixCache(),
		engine:    eng,
		tokenizer: tok,
		admission: make(chan admissionMsg, cfg.AdmissionQueueCapacity),
		waiting:   [3]*fifo{newFIFO(), newFIFO(), newFIFO()},
		running:   newFIFO(),
		swapped:   newFIFO(),
		byID:      make(map[string]*trackedRequest),
		rngs:      make(map[int64]*rand.Rand),
		decoders:  make(map[int64]Decoder),
		swapOut:   make(map[int64]swappedState),
	}
}

// Submit is the Admission API's entry point (spec §6). It validates
// SamplingParams synchronously (an invalid Request is rejected here, an
// immediate InvalidRequest event on the sink, never entering a pool) and
// otherwise hands the spec to the admission channel for the scheduler
// thread to materialize. A full channel is itself a form of admission
// back-pressure and is reported the same way.
func Submit(s *Scheduler, spec Spec) *Handle {
	h := &Handle{id: "req-" + newSubmitID(), cancelled: make(chan struct{})}

	if spec.SamplingParams == nil {
		deliverInvalid(spec.Sink, h.id, fmt.Errorf("sampling_params is required"))
		return h
	}
	if err := spec.SamplingParams.Validate(); err != nil {
		deliverInvalid(spec.Sink, h.id, err)
		return h
	}
	if len(spec.PromptTokenIDs) == 0 && spec.PromptText == "" {
		deliverInvalid(spec.Sink, h.id, fmt.Errorf("prompt or messages is required"))
		return h
	}

	select {
	case s.admission <- admissionMsg{spec: spec, handle: h}:
	default:
		deliverInvalid(spec.Sink, h.id, fmt.Errorf("admission queue is full"))
	}
	return h
}

func deliverInvalid(sink request.Sink, id string, err error) {
	if sink == nil {
		return
	}
	sink(request.OutputEvent{
		RequestID:    id,
		Kind:         request.EventFinal,
		FinishReason: sequence.FinishError,
		Choices:      []request.Choice{{Index: 0, FinishReason: sequence.FinishError, Text: err.Error()}},
	})
}

var submitCounter int64

// newSubmitID hands out a locally-unique suffix for handles minted before
// their Request exists on the scheduler thread; the Request itself gets
// its canonical uuid-based id in request.New once admitted.
func newSubmitID() string {
	submitCounter++
	return fmt.Sprintf("pending-%d", submitCounter)
}

// Run drives Step in a loop with the given per-step timeout until ctx is
// cancelled, the teacher's Generate loop generalized into the
// continuous-batching step loop original_source/main.cpp names.
func (s *Scheduler) Run(ctx context.Context, timeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.Step(ctx, timeout); err != nil {
			return err
		}
	}
}

// Step runs exactly one iteration of spec §4.6's step loop.
func (s *Scheduler) Step(ctx context.Context, timeout time.Duration) error {
	s.drainAdmission(timeout / 2)
	s.serviceCancellations()

	waiting := [3]batch.Queue{s.waiting[0], s.waiting[1], s.waiting[2]}
	result := batch.Build(s.alloc, s.cache, s.running, waiting, s.cfg.MaxBatchTokens, s.cfg.MaxSeqsPerBatch, s.preemptOne)

	if result.StarvedHead != nil {
		s.handleStarvation(*result.StarvedHead)
	}

	if !result.Progress {
		s.blockOnAdmission(timeout)
		return nil
	}

	s.admitPrefills(result.Plan)

	logits, err := s.engine.Execute(ctx, result.Plan)
	if err != nil {
		s.failBatch(result.Plan, err)
		return nil
	}

	s.postprocess(result.Plan, logits)
	return nil
}

func (s *Scheduler) drainAdmission(budget time.Duration) {
	deadline := time.Now().Add(budget)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		select {
		case msg := <-s.admission:
			s.admit(msg)
		case <-time.After(remaining):
			return
		}
	}
}

func (s *Scheduler) blockOnAdmission(timeout time.Duration) {
	select {
	case msg := <-s.admission:
		s.admit(msg)
	case <-time.After(timeout):
	}
}

func (s *Scheduler) admit(msg admissionMsg) {
	spec := msg.spec
	tokenIDs := spec.PromptTokenIDs
	if len(tokenIDs) == 0 {
		ids, err := s.tokenizer.Encode(spec.PromptText)
		if err != nil {
			deliverInvalid(spec.Sink, msg.handle.id, err)
			return
		}
		tokenIDs = ids
	}

	req := request.New(tokenIDs, spec.SamplingParams, spec.Priority, spec.Stream, spec.Sink, time.Now())
	msg.handle.id = req.ID
	s.byID[req.ID] = &trackedRequest{req: req, handle: msg.handle}

	log.Info().Str("request_id", req.ID).Str("priority", req.Priority.String()).Int("num_sequences", len(req.Sequences)).Msg("request admitted")

	for _, seq := range req.Sequences {
		s.waiting[req.Priority].PushBack(batch.Item{Seq: seq, Req: req})
	}
}

// serviceCancellations implements spec §4.6's cancellation handling
// directly: a Request whose Handle was cancelled is serviced in this
// step regardless of which pool its Sequences are in — release blocks,
// emit the final cancelled event, remove from pools — rather than
// waiting for the normal batch/postprocess path to notice.
func (s *Scheduler) serviceCancellations() {
	for _, tr := range s.byID {
		select {
		case <-tr.handle.cancelled:
		default:
			continue
		}
		tr.req.Cancel()
		s.evictAndFinish(tr.req)
	}
}

// evictAndFinish removes every Sequence of req from whichever pool holds
// it, releases their Blocks, delivers the single terminal OutputEvent,
// and stops tracking req. Safe to call more than once for the same
// Request (e.g. once from cancellation, again from a stale
// finishIfDone): subsequent calls see req already untracked and no-op.
func (s *Scheduler) evictAndFinish(req *request.Request) {
	if _, tracked := s.byID[req.ID]; !tracked {
		return
	}

	ids := make(map[int64]bool, len(req.Sequences))
	for _, seq := range req.Sequences {
		ids[seq.ID] = true
	}
	for p := 0; p < 3; p++ {
		s.removeMatching(s.waiting[p], ids)
	}
	s.removeMatching(s.running, ids)
	s.removeMatching(s.swapped, ids)

	texts := make(map[int]string, len(req.Sequences))
	for _, seq := range req.Sequences {
		s.alloc.Release(seq.BlockTable)
		seq.BlockTable = nil
		delete(s.rngs, seq.ID)
		delete(s.decoders, seq.ID)
		delete(s.swapOut, seq.ID)
		text, err := s.tokenizer.Decode(seq.CompletionTokenIDs(), seq.SamplingParams.SkipSpecialTokens)
		if err != nil {
			text = ""
		}
		texts[seq.Index] = truncateAtStop(text, seq.CompletionTextCutoff)
	}
	req.DeliverFinal(texts)
	delete(s.byID, req.ID)
}

// truncateAtStop trims text to cutoff bytes when cutoff is a valid offset
// within it, excluding a matched stop string from delivered output (spec
// §8 scenario 2). cutoff is -1 when no stop string has matched.
func truncateAtStop(text string, cutoff int) string {
	if cutoff >= 0 && cutoff < len(text) {
		return text[:cutoff]
	}
	return text
}

func (s *Scheduler) removeMatching(q *fifo, ids map[int64]bool) {
	var idxs []int
	q.each(func(i int, it batch.Item) {
		if ids[it.Seq.ID] {
			idxs = append(idxs, i)
		}
	})
	for i := len(idxs) - 1; i >= 0; i-- {
		q.removeAt(idxs[i])
	}
}

// admitPrefills transitions every prefill entry Build selected out of
// waiting (already popped by batch.prefillPass) into the running pool,
// mirroring the teacher's Schedule() setting seq.Status = StatusRunning
// and pushing onto s.running immediately upon selection.
func (s *Scheduler) admitPrefills(plan *batch.Plan) {
	for i := 0; i < plan.NumPrefillEntries; i++ {
		e := plan.Entries[i]
		e.Seq.Status = sequence.StatusRunning
		e.Req.Status = request.StatusRunning
		s.running.PushBack(batch.Item{Seq: e.Seq, Req: e.Req})
	}
}

// handleStarvation applies the skip-count escalation spec §4.5 names: a
// waiting Request that has been passed over K=8 consecutive times is
// promoted one priority level and moved to that level's queue.
func (s *Scheduler) handleStarvation(head batch.Item) {
	if head.Req.RecordSkip(8) {
		from := head.Req.Priority
		head.Req.Escalate()
		if head.Req.Priority != from {
			s.removeFromWaiting(from, head)
			s.waiting[head.Req.Priority].PushFront(head)
			log.Info().Str("request_id", head.Req.ID).Str("new_priority", head.Req.Priority.String()).Msg("request escalated for starvation")
		}
	}
}

func (s *Scheduler) removeFromWaiting(p request.Priority, target batch.Item) {
	q := s.waiting[p]
	found := -1
	q.each(func(i int, it batch.Item) {
		if found == -1 && it.Seq.ID == target.Seq.ID {
			found = i
		}
	})
	if found >= 0 {
		q.removeAt(found)
	}
}

// preemptOne evicts the lowest-priority, then youngest-arrival running
// Sequence's whole Request so siblings progress together (spec §4.6). It
// returns false if nothing running can be preempted (running is empty).
func (s *Scheduler) preemptOne() bool {
	victimIdx := -1
	var victim batch.Item
	s.running.each(func(i int, it batch.Item) {
		if victimIdx == -1 || worseThan(it, victim) {
			victimIdx, victim = i, it
		}
	})
	if victimIdx == -1 {
		return false
	}
	s.running.removeAt(victimIdx)

	switch s.cfg.PreemptionMode {
	case config.PreemptSwap:
		s.swapOutSeq(victim)
	default:
		s.recomputePreempt(victim)
	}

	log.Info().Str("request_id", victim.Req.ID).Str("mode", s.cfg.PreemptionMode.String()).Msg("preempted running sequence")
	return true
}

// worseThan reports whether a is a better preemption victim than b:
// strictly lower priority, or equal priority and strictly younger
// arrival.
func worseThan(a, b batch.Item) bool {
	if a.Req.Priority != b.Req.Priority {
		return a.Req.Priority < b.Req.Priority
	}
	return a.Req.ArrivalTime.After(b.Req.ArrivalTime)
}

func (s *Scheduler) recomputePreempt(it batch.Item) {
	s.alloc.Release(it.Seq.BlockTable)
	it.Seq.BlockTable = nil
	it.Seq.NumCachedTokens = 0
	it.Seq.TokenIDs = append([]int(nil), it.Seq.TokenIDs[:it.Seq.NumPromptTokens]...)
	it.Seq.LogProbs = nil
	it.Seq.CumulativeLogprob = 0
	it.Seq.Status = sequence.StatusWaiting
	delete(s.rngs, it.Seq.ID)
	delete(s.decoders, it.Seq.ID)
	s.waiting[it.Req.Priority].PushFront(it)
}

func (s *Scheduler) swapOutSeq(it batch.Item) {
	s.swapOut[it.Seq.ID] = swappedState{
		tokenIDs:          append([]int(nil), it.Seq.TokenIDs...),
		logProbs:          append([]float64(nil), it.Seq.LogProbs...),
		cumulativeLogprob: it.Seq.CumulativeLogprob,
	}
	s.alloc.Release(it.Seq.BlockTable)
	it.Seq.BlockTable = nil
	it.Seq.NumCachedTokens = 0
	it.Seq.Status = sequence.StatusWaiting
	s.swapped.PushBack(it)
	// swap-in is driven by admitSwapped, run opportunistically after
	// every preemption round so a swapped sequence resumes as soon as
	// blocks free up, ahead of brand-new prefills at the same priority.
	s.admitSwapped()
}

// admitSwapped tries to move swapped-out sequences back onto the waiting
// pool (as full-history "prefills" of their own generated tokens) as
// blocks become available.
func (s *Scheduler) admitSwapped() {
	for s.swapped.Len() > 0 {
		it, _ := s.swapped.Peek()
		if !batch.CanAcquireInitial(s.alloc, it.Seq) {
			return
		}
		it, _ = s.swapped.PopFront()
		saved := s.swapOut[it.Seq.ID]
		it.Seq.TokenIDs = saved.tokenIDs
		it.Seq.LogProbs = saved.logProbs
		it.Seq.CumulativeLogprob = saved.cumulativeLogprob
		delete(s.swapOut, it.Seq.ID)
		s.waiting[it.Req.Priority].PushFront(it)
	}
}

func (s *Scheduler) failBatch(plan *batch.Plan, err error) {
	log.Error().Err(err).Msg("engine execute failed, failing batch")
	for _, e := range plan.Entries {
		e.Seq.MarkError()
		s.finishIfDone(e.Seq, e.Req)
	}
}

func (s *Scheduler) postprocess(plan *batch.Plan, logits [][]float64) {
	for i, e := range plan.Entries {
		if i >= len(logits) {
			break
		}
		rng := s.rngFor(e.Seq)
		result := sampling.Row(logits[i], e.Seq, rng)
		e.Seq.AppendToken(result.TokenID, result.Logprob)

		delta := s.decodeFor(e.Seq)
		e.Seq.CheckStop(s.cfg.EOSTokenID, delta)

		if e.Req.Stream {
			if !e.Req.DeliverDelta(e.Seq.Index, e.Seq.DeliveredDelta, e.Seq.FinishReason) {
				e.Req.Cancel()
			}
		}

		s.finishIfDone(e.Seq, e.Req)
	}
}

func (s *Scheduler) finishIfDone(seq *sequence.Sequence, req *request.Request) {
	if !seq.IsFinished() {
		return
	}
	s.alloc.Release(seq.BlockTable)
	seq.BlockTable = nil
	s.removeRunning(seq)
	delete(s.rngs, seq.ID)
	delete(s.decoders, seq.ID)

	if !req.IsFinished() {
		return
	}
	if _, tracked := s.byID[req.ID]; !tracked {
		return
	}
	texts := make(map[int]string, len(req.Sequences))
	for _, w := range req.BestOfWinners() {
		text, err := s.tokenizer.Decode(w.CompletionTokenIDs(), w.SamplingParams.SkipSpecialTokens)
		if err != nil {
			text = ""
		}
		texts[w.Index] = truncateAtStop(text, w.CompletionTextCutoff)
	}
	req.DeliverFinal(texts)
	delete(s.byID, req.ID)
}

func (s *Scheduler) removeRunning(seq *sequence.Sequence) {
	found := -1
	s.running.each(func(i int, it batch.Item) {
		if found == -1 && it.Seq.ID == seq.ID {
			found = i
		}
	})
	if found >= 0 {
		s.running.removeAt(found)
	}
}

func (s *Scheduler) rngFor(seq *sequence.Sequence) *rand.Rand {
	if r, ok := s.rngs[seq.ID]; ok {
		return r
	}
	r := rand.New(rand.NewSource(seq.SamplingParams.Seed))
	s.rngs[seq.ID] = r
	return r
}

func (s *Scheduler) decodeFor(seq *sequence.Sequence) string {
	dec, ok := s.decoders[seq.ID]
	if !ok {
		dec = s.tokenizer.NewStreamDecoder(seq.SamplingParams.SkipSpecialTokens)
		s.decoders[seq.ID] = dec
	}
	delta, _ := dec.Push(seq.LastToken())
	return delta
}

// IsIdle reports whether every pool and the admission channel are empty.
func (s *Scheduler) IsIdle() bool {
	return len(s.admission) == 0 &&
		s.waiting[0].Len() == 0 && s.waiting[1].Len() == 0 && s.waiting[2].Len() == 0 &&
		s.running.Len() == 0 && s.swapped.Len() == 0
}
