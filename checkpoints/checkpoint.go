// Package checkpoints persists model weights and decides, epoch by epoch,
// whether the current weights are worth keeping.
package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-rfml/layers"
)

// FrameworkName is stamped into every blob written by this package.
const FrameworkName = "go-rfml"

// Version of the weights blob layout.
const Version = "1.0.0"

// Checkpoint is a weights blob: the model parameters plus the training
// position they were captured at.
type Checkpoint struct {
	Weights       []WeightTensor
	TrainingState TrainingState
	Metadata      CheckpointMetadata
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "gamma", "beta", etc.
}

// TrainingState captures the training position a blob was written at
type TrainingState struct {
	Epoch   int
	Monitor string
	Value   float64
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version   string
	Framework string
	CreatedAt time.Time
}

// Weights are read from a WeightSource when a checkpoint is saved.
type WeightSource interface {
	Weights() []WeightTensor
}

// SaveWeights writes the checkpoint to path. The blob is written to a
// temporary file in the same directory and renamed over path, so readers
// never observe a partial file.
func SaveWeights(path string, checkpoint *Checkpoint) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = FrameworkName
		checkpoint.Metadata.Version = Version
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	data, err := Marshal(checkpoint)
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to sync checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close checkpoint")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "failed to move checkpoint into place")
	}
	return nil
}

// LoadWeights reads a blob written by SaveWeights.
func LoadWeights(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	checkpoint, err := Unmarshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}
	return checkpoint, nil
}

// ExpectedWeights lists the parameter tensors a compiled model owns, in the
// order they appear in the model spec, with zeroed data.
func ExpectedWeights(spec *layers.ModelSpec) []WeightTensor {
	var weights []WeightTensor
	spec.Walk(func(l *layers.LayerSpec) {
		names := parameterNames(l)
		for i, shape := range l.ParameterShapes {
			// Residual blocks list their children's shapes first; only the
			// trailing projection tensors belong to the block itself.
			if l.Type == layers.Residual {
				offset := len(l.ParameterShapes) - len(names)
				if i < offset {
					continue
				}
				i -= offset
				weights = append(weights, newWeight(l.Name, names[i], shape))
				continue
			}
			if i < len(names) {
				weights = append(weights, newWeight(l.Name, names[i], shape))
			}
		}
	})
	return weights
}

func parameterNames(l *layers.LayerSpec) []string {
	switch l.Type {
	case layers.BatchNorm:
		return []string{"gamma", "beta"}
	case layers.Residual:
		if l.BoolParam("projection", false) {
			return []string{"shortcut_weight", "shortcut_bias"}
		}
		return nil
	default:
		return []string{"weight", "bias"}
	}
}

func newWeight(layer, kind string, shape []int) WeightTensor {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return WeightTensor{
		Name:  fmt.Sprintf("%s.%s", layer, kind),
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, size),
		Layer: layer,
		Type:  kind,
	}
}

// ValidateWeights checks that weights match the tensors spec expects, by
// name and shape.
func ValidateWeights(spec *layers.ModelSpec, weights []WeightTensor) error {
	expected := ExpectedWeights(spec)
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	for _, want := range expected {
		got, ok := byName[want.Name]
		if !ok {
			return errors.Errorf("missing weight %s", want.Name)
		}
		if len(got.Shape) != len(want.Shape) {
			return errors.Errorf("shape mismatch for weight %s: blob %v vs model %v", want.Name, got.Shape, want.Shape)
		}
		for j := range want.Shape {
			if got.Shape[j] != want.Shape[j] {
				return errors.Errorf("dimension mismatch for weight %s at index %d: blob %d vs model %d",
					want.Name, j, got.Shape[j], want.Shape[j])
			}
		}
		if len(got.Data) != len(want.Data) {
			return errors.Errorf("weight %s holds %d values, expected %d", want.Name, len(got.Data), len(want.Data))
		}
	}
	return nil
}
