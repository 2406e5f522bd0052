package model

import (
	"context"
	"fmt"
	"os"
	"slices"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/defect-api/internal/tensor"
)

// ONNXOptions configures the onnxruntime backend.
type ONNXOptions struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
}

// ONNXPredictor serves an exported .onnx classifier through onnxruntime.
// Input and output tensors are created per call and destroyed before
// Predict returns, so concurrent calls share only the session.
type ONNXPredictor struct {
	session *ort.DynamicAdvancedSession
	ownsEnv bool
}

// ONNXLoader returns a Loader that opens opts.ModelPath with onnxruntime.
func ONNXLoader(opts ONNXOptions) Loader {
	return func(ctx context.Context) (Predictor, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := NewONNXPredictor(opts)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// NewONNXPredictor initializes the onnxruntime environment, if needed, and
// opens a session on the model.
func NewONNXPredictor(opts ONNXOptions) (*ONNXPredictor, error) {
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("failed to open ONNX model: %w", err)
	}
	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}

	ownsEnv := false
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
		ownsEnv = true
	}

	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath,
		[]string{opts.InputName}, []string{opts.OutputName}, nil)
	if err != nil {
		if ownsEnv {
			ort.DestroyEnvironment()
		}
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return &ONNXPredictor{session: session, ownsEnv: ownsEnv}, nil
}

// Predict runs the session on x. The output is read as [batch, 2].
func (p *ONNXPredictor) Predict(ctx context.Context, _ *tensor.Scope, x *tensor.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dims := make([]int64, 0, x.Shape().NDim())
	for _, d := range x.Shape() {
		dims = append(dims, int64(d))
	}
	input, err := ort.NewTensor(ort.NewShape(dims...), x.DataPtr())
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(dims[0], 2))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := p.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return slices.Clone(output.GetData()), nil
}

// Close destroys the session and, when this predictor created it, the
// onnxruntime environment.
func (p *ONNXPredictor) Close() error {
	err := p.session.Destroy()
	if p.ownsEnv {
		ort.DestroyEnvironment()
	}
	return err
}
