package engine

import (
	"context"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"nanobatch/batch"
)

// ONNXAdapter bridges a BatchPlan to an ONNX Runtime session, generalizing
// the teacher's purego.ONNXModelRunner: instead of sampling a token itself
// (the teacher's sampleToken), it returns the raw last-token logits row
// per plan entry and leaves sampling to the C4 pipeline.
type ONNXAdapter struct {
	modelPath string
	vocabSize int
	options   *ort.SessionOptions
}

// NewONNXAdapter initializes the ONNX Runtime environment (once, process
// lifetime) and prepares session options for modelPath.
func NewONNXAdapter(modelPath string, vocabSize int, numThreads int) (*ONNXAdapter, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("engine: initialize onnxruntime: %w", err)
		}
	}
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("engine: new session options: %w", err)
	}
	if numThreads > 0 {
		if err := options.SetIntraOpNumThreads(numThreads); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("engine: set intra-op threads: %w", err)
		}
	}
	return &ONNXAdapter{modelPath: modelPath, vocabSize: vocabSize, options: options}, nil
}

// WarmUp runs one dummy forward pass at maxTokens length so the first
// real request does not pay session/graph compilation latency.
func (a *ONNXAdapter) WarmUp(ctx context.Context, maxTokens int) error {
	if maxTokens <= 0 {
		return nil
	}
	dummy := make([]int64, maxTokens)
	_, err := a.forward(dummy)
	return err
}

// Execute runs one forward pass per BatchPlan entry (the teacher's
// ONNXModelRunner.Run processes one sequence at a time too; true
// cross-sequence batching would require padding/attention-mask plumbing
// the model's onnx graph must export, out of scope here) and gathers the
// last-token logits row for each.
func (a *ONNXAdapter) Execute(ctx context.Context, plan *batch.Plan) ([][]float64, error) {
	rows := make([][]float64, len(plan.Entries))
	for i, e := range plan.Entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := 0
		end := e.Seq.Len()
		if e.IsPrefill {
			start = e.Seq.NumCachedTokens
		} else {
			start = end - 1
		}
		window := e.Seq.TokenIDs[start:end]
		inputIDs := make([]int64, len(window))
		for j, id := range window {
			inputIDs[j] = int64(id)
		}
		logits, err := a.forward(inputIDs)
		if err != nil {
			return nil, &Error{Err: err}
		}
		rows[i] = logits
	}
	return rows, nil
}

// forward runs the ONNX session over inputIDs and returns the last
// position's logits row, mirroring purego.ONNXModelRunner.Run's
// tensor-shape and last-token-slice handling.
func (a *ONNXAdapter) forward(inputIDs []int64) ([]float64, error) {
	inputShape := ort.NewShape(1, int64(len(inputIDs)))
	inputTensor, err := ort.NewTensor(inputShape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("engine: new input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputShape := ort.NewShape(1, int64(len(inputIDs)), int64(a.vocabSize))
	outputData := make([]float32, len(inputIDs)*a.vocabSize)
	outputTensor, err := ort.NewTensor(outputShape, outputData)
	if err != nil {
		return nil, fmt.Errorf("engine: new output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	session, err := ort.NewAdvancedSession(
		a.modelPath,
		[]string{"input_ids"},
		[]string{"logits"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		a.options,
	)
	if err != nil {
		return nil, fmt.Errorf("engine: new session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("engine: session run: %w", err)
	}

	data := outputTensor.GetData()
	seqLen := len(inputIDs)
	lastStart := (seqLen - 1) * a.vocabSize
	row := make([]float64, a.vocabSize)
	for i, v := range data[lastStart : lastStart+a.vocabSize] {
		row[i] = float64(v)
	}
	return row, nil
}

func (a *ONNXAdapter) KVCacheCapacityBytes() uint64 { return 0 }

func (a *ONNXAdapter) Close() error {
	if a.options != nil {
		a.options.Destroy()
	}
	return nil
}
