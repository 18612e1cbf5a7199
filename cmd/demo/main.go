// Command demo drives the Scheduler end to end with the mock Engine
// Adapter and mock Tokenizer, the generalized form of the teacher's
// cmd/simple-demo: no real model or transport, just enough wiring to
// watch the step loop admit, batch, and finish a handful of requests.
// Process bootstrap here is intentionally minimal (flag parsing only) —
// a real server surface is out of scope.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"nanobatch/config"
	"nanobatch/engine"
	"nanobatch/request"
	"nanobatch/scheduler"
	"nanobatch/sequence"
	"nanobatch/tokenizer"
)

func main() {
	numPrompts := flag.Int("n", 4, "number of demo prompts to submit")
	maxTokens := flag.Int("max-tokens", 32, "max_tokens per request")
	vocab := flag.Int("vocab", 4096, "mock engine vocabulary size")
	flag.Parse()

	cfg := config.New(
		config.WithBlockSize(16),
		config.WithNumKVCacheBlocks(256),
		config.WithMaxBatchTokens(2048),
		config.WithMaxSeqsPerBatch(32),
	)

	eng := engine.NewMock(*vocab)
	tok := tokenizer.NewMock(cfg.EOSTokenID)
	sched := scheduler.New(cfg, eng, tok)

	bar := progressbar.NewOptions(*numPrompts,
		progressbar.OptionSetDescription("generating"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	var wg sync.WaitGroup
	for i := 0; i < *numPrompts; i++ {
		prompt := fmt.Sprintf("demo prompt number %d", i)
		ids, err := tok.Encode(prompt)
		if err != nil {
			log.Fatalf("encode: %v", err)
		}
		sp, err := sequence.NewSamplingParams(
			sequence.WithTemperature(0.8),
			sequence.WithMaxTokens(*maxTokens),
		)
		if err != nil {
			log.Fatalf("sampling params: %v", err)
		}

		wg.Add(1)
		scheduler.Submit(sched, scheduler.Spec{
			PromptTokenIDs: ids,
			SamplingParams: sp,
			Priority:       request.PriorityNormal,
			Sink: func(e request.OutputEvent) bool {
				if e.Kind == request.EventFinal {
					_ = bar.Add(1)
					wg.Done()
				}
				return true
			},
		})
	}

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			fmt.Println()
			fmt.Println("all requests finished")
			return
		default:
			if err := sched.Step(ctx, 50*time.Millisecond); err != nil {
				log.Fatalf("step: %v", err)
			}
		}
	}
}
