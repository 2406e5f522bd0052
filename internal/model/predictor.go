package model

import (
	"context"

	"github.com/Brownie44l1/defect-api/internal/graph"
	"github.com/Brownie44l1/defect-api/internal/layers"
	"github.com/Brownie44l1/defect-api/internal/tensor"
)

// Predictor runs one forward pass. Implementations are read-only after
// construction and safe for concurrent use.
type Predictor interface {
	// Predict returns the model output for x as a slice the caller owns.
	Predict(ctx context.Context, scope *tensor.Scope, x *tensor.Tensor) ([]float32, error)
	Close() error
}

// Loader produces the Predictor a Server serves from.
type Loader func(ctx context.Context) (Predictor, error)

// GraphLoader loads a serialized layer graph from path, resolving layer
// classes through reg.
func GraphLoader(path string, reg *layers.Registry) Loader {
	return func(ctx context.Context) (Predictor, error) {
		m, err := graph.Load(ctx, path, reg)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}
