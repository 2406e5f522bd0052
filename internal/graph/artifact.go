// Package graph reads and writes serialized model artifacts and rebuilds them
// into executable models.
//
// An artifact is a graph description (model.json) holding the model topology
// and a weight manifest, plus one or more binary shards the manifest points
// at. Weights are bound to layers by "<layer>/<weight>" name.
package graph

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/Brownie44l1/defect-api/internal/layers"
	"github.com/Brownie44l1/defect-api/internal/tensor"
)

// FormatLayersModel is the artifact format this package understands.
const FormatLayersModel = "layers-model"

const shardName = "group1-shard1of1.bin"

var (
	// ErrInvalidArtifact is returned for malformed graph descriptions or shards.
	ErrInvalidArtifact = errors.New("graph: invalid artifact")
	// ErrUnboundWeight is returned when the manifest holds a weight no layer declares.
	ErrUnboundWeight = errors.New("graph: manifest weight not bound to any layer")
	// ErrMissingWeight is returned when a layer declares a weight the manifest lacks.
	ErrMissingWeight = errors.New("graph: layer weight missing from manifest")
	// ErrNoInputShape is returned when the first layer does not declare the input shape.
	ErrNoInputShape = errors.New("graph: model input shape not declared")
	// ErrShapeMismatch is returned when weights or inputs disagree with the built shapes.
	ErrShapeMismatch = tensor.ErrShapeMismatch
)

// Artifact is the content of model.json.
type Artifact struct {
	Format          string        `json:"format"`
	GeneratedBy     string        `json:"generatedBy,omitempty"`
	ConvertedBy     string        `json:"convertedBy,omitempty"`
	ModelTopology   Topology      `json:"modelTopology"`
	WeightsManifest []WeightGroup `json:"weightsManifest"`
}

// Topology describes the model graph.
type Topology struct {
	ClassName    string           `json:"class_name"`
	Config       SequentialConfig `json:"config"`
	KerasVersion string           `json:"keras_version,omitempty"`
	Backend      string           `json:"backend,omitempty"`

	// ModelConfig is set by exporters that nest the topology one level down.
	ModelConfig *Topology `json:"model_config,omitempty"`
}

// SequentialConfig lists the layers of a sequential model in execution order.
type SequentialConfig struct {
	Name   string        `json:"name"`
	Layers []layers.Spec `json:"layers"`
}

// WeightGroup is one manifest entry: shard files concatenated in order,
// holding the listed weights back to back.
type WeightGroup struct {
	Paths   []string      `json:"paths"`
	Weights []WeightEntry `json:"weights"`
}

// WeightEntry describes one persisted weight.
type WeightEntry struct {
	Name         string          `json:"name"`
	Shape        []int           `json:"shape"`
	DType        tensor.DType    `json:"dtype"`
	Quantization json.RawMessage `json:"quantization,omitempty"`
}

// NamedWeight is a decoded weight value with its manifest name.
type NamedWeight struct {
	Name  string
	Value *tensor.Tensor
}

// ReadArtifact parses the graph description at path.
func ReadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model description: %w", err)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidArtifact, filepath.Base(path), err)
	}
	if art.ModelTopology.ModelConfig != nil {
		art.ModelTopology = *art.ModelTopology.ModelConfig
	}
	if art.Format != "" && art.Format != FormatLayersModel {
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidArtifact, art.Format)
	}
	return &art, nil
}

// ReadWeights decodes every weight listed in manifest from shards under dir.
func ReadWeights(dir string, manifest []WeightGroup) ([]NamedWeight, error) {
	var out []NamedWeight
	for gi, group := range manifest {
		var buf []byte
		for _, p := range group.Paths {
			shard, err := shardPath(dir, p)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(shard)
			if err != nil {
				return nil, fmt.Errorf("read weight shard: %w", err)
			}
			buf = append(buf, data...)
		}

		offset := 0
		for _, entry := range group.Weights {
			if len(entry.Quantization) > 0 {
				return nil, fmt.Errorf("%w: quantized weight %q is not supported", ErrInvalidArtifact, entry.Name)
			}
			width, err := entry.DType.Size()
			if err != nil {
				return nil, fmt.Errorf("%w: weight %q: %v", ErrInvalidArtifact, entry.Name, err)
			}
			shape := tensor.NewShape(entry.Shape...)
			n, err := shape.CheckedNumel((len(buf) - offset) / width)
			if err != nil {
				return nil, fmt.Errorf("%w: group %d weight %q: %w", ErrInvalidArtifact, gi, entry.Name, err)
			}
			size := n * width
			if offset+size > len(buf) {
				return nil, fmt.Errorf("%w: group %d truncated at weight %q (need %d bytes, have %d)",
					ErrInvalidArtifact, gi, entry.Name, offset+size, len(buf))
			}
			out = append(out, NamedWeight{
				Name:  entry.Name,
				Value: decodeValues(buf[offset:offset+size], shape, entry.DType),
			})
			offset += size
		}
		if offset != len(buf) {
			return nil, fmt.Errorf("%w: group %d has %d trailing bytes", ErrInvalidArtifact, gi, len(buf)-offset)
		}
	}
	return out, nil
}

func shardPath(dir, p string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: shard path %q escapes the model directory", ErrInvalidArtifact, p)
	}
	return filepath.Join(dir, clean), nil
}

func decodeValues(b []byte, shape tensor.Shape, dtype tensor.DType) *tensor.Tensor {
	t := tensor.New(shape, dtype)
	data := t.DataPtr()
	for i := range data {
		bits := binary.LittleEndian.Uint32(b[i*4:])
		if dtype == tensor.I32 {
			data[i] = float32(int32(bits))
		} else {
			data[i] = math.Float32frombits(bits)
		}
	}
	return t
}

func encodeValues(t *tensor.Tensor) []byte {
	data := t.DataPtr()
	b := make([]byte, len(data)*4)
	for i, v := range data {
		bits := math.Float32bits(v)
		if t.DType() == tensor.I32 {
			bits = uint32(int32(v))
		}
		binary.LittleEndian.PutUint32(b[i*4:], bits)
	}
	return b
}

// WriteArtifact writes model.json and a single weight shard into dir and
// returns the path of model.json.
func WriteArtifact(dir string, topology Topology, weights []NamedWeight) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory: %w", err)
	}

	group := WeightGroup{Paths: []string{shardName}}
	var shard []byte
	for _, w := range weights {
		dtype := w.Value.DType()
		group.Weights = append(group.Weights, WeightEntry{
			Name:  w.Name,
			Shape: w.Value.Shape().Clone(),
			DType: dtype,
		})
		shard = append(shard, encodeValues(w.Value)...)
	}

	art := Artifact{
		Format:          FormatLayersModel,
		GeneratedBy:     "defect-api",
		ModelTopology:   topology,
		WeightsManifest: []WeightGroup{group},
	}
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode model description: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, shardName), shard, 0o644); err != nil {
		return "", fmt.Errorf("write weight shard: %w", err)
	}
	path := filepath.Join(dir, "model.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write model description: %w", err)
	}
	return path, nil
}
