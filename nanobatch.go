package nanobatch

import (
	"context"
	"time"

	"nanobatch/config"
	"nanobatch/engine"
	"nanobatch/request"
	"nanobatch/scheduler"
	"nanobatch/sequence"
	"nanobatch/tokenizer"
)

// Runner owns a Scheduler and drives its step loop on a background
// goroutine, the process-wide entry point spec §6's Admission API
// describes (Submit/Handle.Cancel over a running Config). A transport
// layer (HTTP/gRPC, out of scope) would sit in front of this exactly the
// way original_source's ChatHandler sits in front of its scheduler.
type Runner struct {
	sched  *scheduler.Scheduler
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner constructs a Runner wired to eng and tok and starts its step
// loop immediately, each step bounded by stepTimeout (the interval the
// loop blocks waiting for new admissions when idle).
func NewRunner(cfg *config.Config, eng scheduler.Engine, tok scheduler.Tokenizer, stepTimeout time.Duration) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		sched:  scheduler.New(cfg, eng, tok),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		_ = r.sched.Run(ctx, stepTimeout)
	}()
	return r
}

// Spec is the Admission API's request_spec (spec §6): either
// PromptTokenIDs or Messages (rendered through the minimal chat template)
// must be set.
type Spec struct {
	PromptTokenIDs []int
	Messages       []tokenizer.Message
	SamplingParams *sequence.SamplingParams
	Priority       request.Priority
	Stream         bool
	Sink           request.Sink
}

// Handle is the weak, cancel-only reference Submit hands back.
type Handle = scheduler.Handle

// Submit admits spec onto r's Scheduler, returning a Handle the caller
// may Cancel at any time. Invalid specs are reported synchronously to
// Sink as a Final event whose finish reason is error and whose single
// choice carries the validation message, never entering a pool (spec §7).
func (r *Runner) Submit(spec Spec) *Handle {
	text := ""
	if len(spec.PromptTokenIDs) == 0 && len(spec.Messages) > 0 {
		text = tokenizer.RenderMessages(spec.Messages)
	}
	return scheduler.Submit(r.sched, scheduler.Spec{
		PromptTokenIDs: spec.PromptTokenIDs,
		PromptText:     text,
		SamplingParams: spec.SamplingParams,
		Priority:       spec.Priority,
		Stream:         spec.Stream,
		Sink:           spec.Sink,
	})
}

// Close stops the step loop and waits for it to exit.
func (r *Runner) Close() error {
	r.cancel()
	<-r.done
	return nil
}

// NewMockEngine and NewMockTokenizer are thin re-exports so a caller
// wiring up a quick Runner (tests, the demo command) does not need to
// import engine/tokenizer directly for the common mock case.
func NewMockEngine(vocabSize int) scheduler.Engine { return engine.NewMock(vocabSize) }

func NewMockTokenizer(eosTokenID int) scheduler.Tokenizer { return tokenizer.NewMock(eosTokenID) }
