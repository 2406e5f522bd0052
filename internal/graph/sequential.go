package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Brownie44l1/defect-api/internal/layers"
	"github.com/Brownie44l1/defect-api/internal/tensor"
)

// SequentialClass is the topology class name of Sequential models.
const SequentialClass = "Sequential"

// Sequential is a linear chain of built layers. After construction and weight
// binding it is read-only and safe for concurrent Predict calls.
type Sequential struct {
	name   string
	input  tensor.Shape
	output tensor.Shape
	layers []layers.Layer
}

// Load reads the artifact at path, rebuilds its graph through reg and binds
// the persisted weights. Every layer class the graph references must already
// be registered.
func Load(ctx context.Context, path string, reg *layers.Registry) (*Sequential, error) {
	art, err := ReadArtifact(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	model, err := NewSequential(art.ModelTopology, reg)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	weights, err := ReadWeights(filepath.Dir(path), art.WeightsManifest)
	if err != nil {
		return nil, err
	}
	if err := model.SetWeights(weights); err != nil {
		return nil, err
	}
	return model, nil
}

// NewSequential instantiates and builds every layer of topology. Weights are
// left at their initial values.
func NewSequential(topology Topology, reg *layers.Registry) (*Sequential, error) {
	if topology.ClassName != SequentialClass {
		return nil, fmt.Errorf("%w: unsupported model class %q", ErrInvalidArtifact, topology.ClassName)
	}
	specs := topology.Config.Layers
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: model has no layers", ErrInvalidArtifact)
	}

	var first layers.BaseConfig
	if err := json.Unmarshal(specs[0].Config, &first); err != nil {
		return nil, fmt.Errorf("%w: first layer config: %v", ErrInvalidArtifact, err)
	}
	input, ok := first.InputShape()
	if !ok {
		return nil, ErrNoInputShape
	}
	known := make(tensor.Shape, 0, len(input)-1)
	for _, d := range input[1:] {
		if d == -1 {
			d = 1
		}
		known = append(known, d)
	}
	if _, err := known.CheckedNumel(tensor.MaxElements); err != nil {
		return nil, fmt.Errorf("%w: input shape %s: %w", ErrInvalidArtifact, input, err)
	}

	m := &Sequential{name: topology.Config.Name, input: input}
	seen := make(map[string]bool, len(specs))
	shape := input
	for i, spec := range specs {
		l, err := reg.New(spec)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if seen[l.Name()] {
			return nil, fmt.Errorf("%w: duplicate layer name %q", ErrInvalidArtifact, l.Name())
		}
		seen[l.Name()] = true

		shape, err = l.Build(shape)
		if err != nil {
			return nil, fmt.Errorf("build %s: %w", l.Name(), err)
		}
		m.layers = append(m.layers, l)
	}
	m.output = shape
	return m, nil
}

// Name returns the model name.
func (m *Sequential) Name() string { return m.name }

// InputShape returns the declared input shape; the batch dimension is -1.
func (m *Sequential) InputShape() tensor.Shape { return m.input }

// OutputShape returns the shape the last layer produces.
func (m *Sequential) OutputShape() tensor.Shape { return m.output }

// Layers returns the layers in execution order.
func (m *Sequential) Layers() []layers.Layer { return m.layers }

// Weights lists every layer weight under its manifest name.
func (m *Sequential) Weights() []NamedWeight {
	var out []NamedWeight
	for _, l := range m.layers {
		for _, w := range l.Weights() {
			out = append(out, NamedWeight{Name: l.Name() + "/" + w.Name, Value: w.Value})
		}
	}
	return out
}

// SetWeights binds values to layer weights by name. Binding is strict: every
// declared weight must be supplied exactly once, with the declared shape, and
// no value may be left over.
func (m *Sequential) SetWeights(values []NamedWeight) error {
	declared := make(map[string]*tensor.Tensor)
	for _, w := range m.Weights() {
		declared[w.Name] = w.Value
	}

	assigned := make(map[string]bool, len(values))
	for _, v := range values {
		dst, ok := declared[v.Name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnboundWeight, v.Name)
		}
		if assigned[v.Name] {
			return fmt.Errorf("%w: weight %q listed twice", ErrInvalidArtifact, v.Name)
		}
		if err := dst.Assign(v.Value); err != nil {
			return fmt.Errorf("weight %q: %w", v.Name, err)
		}
		assigned[v.Name] = true
	}

	var missing []string
	for name := range declared {
		if !assigned[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrMissingWeight, strings.Join(missing, ", "))
	}
	return nil
}

// Topology serializes the model graph. Weights are exported separately by
// Weights.
func (m *Sequential) Topology() (Topology, error) {
	t := Topology{ClassName: SequentialClass, Config: SequentialConfig{Name: m.name}}
	for _, l := range m.layers {
		spec, err := layers.Serialize(l)
		if err != nil {
			return Topology{}, err
		}
		t.Config.Layers = append(t.Config.Layers, spec)
	}
	return t, nil
}

// Forward runs x through every layer. Intermediate tensors are allocated from
// scope; ctx is checked between layers.
func (m *Sequential) Forward(ctx context.Context, scope *tensor.Scope, x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := m.checkInput(x.Shape()); err != nil {
		return nil, err
	}
	out := x
	for _, l := range m.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var err error
		out, err = l.Call(scope, out)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l.Name(), err)
		}
	}
	return out, nil
}

// Predict runs Forward and returns a copy of the output values, which stay
// valid after scope is closed.
func (m *Sequential) Predict(ctx context.Context, scope *tensor.Scope, x *tensor.Tensor) ([]float32, error) {
	out, err := m.Forward(ctx, scope, x)
	if err != nil {
		return nil, err
	}
	return out.Data(), nil
}

func (m *Sequential) checkInput(got tensor.Shape) error {
	if len(got) != len(m.input) {
		return fmt.Errorf("%w: model expects %s, got %s", ErrShapeMismatch, m.input, got)
	}
	for i, d := range m.input {
		if d >= 0 && got[i] != d {
			return fmt.Errorf("%w: model expects %s, got %s", ErrShapeMismatch, m.input, got)
		}
	}
	return nil
}

// Close is a no-op; weights are ordinary Go memory.
func (m *Sequential) Close() error { return nil }
