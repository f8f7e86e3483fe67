// Package engine is the boundary between the orchestration code and
// whatever executes a model. A Runtime turns a *layers.ModelSpec into a
// Model holding mutable weights.
package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsawler/go-rfml/checkpoints"
	"github.com/tsawler/go-rfml/layers"
	"github.com/tsawler/go-rfml/optimizer"
)

var (
	// ErrUnsupportedLayer is returned by runtimes that cannot execute a layer type.
	ErrUnsupportedLayer = errors.New("layer type not supported by runtime")

	// ErrNotCompiled is returned when training is attempted before Compile.
	ErrNotCompiled = errors.New("model is not compiled")
)

// StepResult reports the metrics of one batch.
type StepResult struct {
	Loss     float64
	Accuracy float64
	Samples  int
}

// Model executes one architecture. Inputs are row-major with
// spec.InputSize() values per sample; labels are class indices.
type Model interface {
	Spec() *layers.ModelSpec

	// Compile attaches an optimizer; the loss is categorical cross-entropy.
	Compile(config optimizer.AdamConfig) error

	TrainOnBatch(ctx context.Context, inputs []float32, labels []int) (StepResult, error)
	TestOnBatch(ctx context.Context, inputs []float32, labels []int) (StepResult, error)

	// Predict returns one probability vector per sample.
	Predict(ctx context.Context, inputs []float32, n int) ([][]float32, error)

	Weights() []checkpoints.WeightTensor
	SetWeights(weights []checkpoints.WeightTensor) error
}

// Gradients are aligned tensor for tensor with Model.Weights.
type Gradients [][]float32

// GradientModel exposes the two halves of a training step so the step can
// be split across devices.
type GradientModel interface {
	Model
	ComputeGradients(ctx context.Context, inputs []float32, labels []int) (Gradients, StepResult, error)
	ApplyGradients(grads Gradients) error
}

// Runtime builds executable models from architecture descriptions.
type Runtime interface {
	Name() string
	Build(spec *layers.ModelSpec) (Model, error)
}

// Replicated is a model spread over several devices.
type Replicated interface {
	Model
	Base() Model
	Devices() []int
}

func checkBatch(spec *layers.ModelSpec, inputs []float32, n int) error {
	size := spec.InputSize()
	if n <= 0 {
		return errors.Errorf("batch must hold at least one sample, got %d", n)
	}
	if len(inputs) != n*size {
		return errors.Errorf("batch of %d samples needs %d values, got %d", n, n*size, len(inputs))
	}
	return nil
}
