package engine

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-rfml/checkpoints"
	"github.com/tsawler/go-rfml/layers"
	"github.com/tsawler/go-rfml/optimizer"
)

// ParallelModel splits every batch across devices. Each device computes the
// gradients of its shard against the shared weights; the shard gradients are
// averaged weighted by shard size and applied once, so a step matches a
// single-device step over the whole batch.
type ParallelModel struct {
	base    GradientModel
	devices []int
}

// Replicate wraps model for data-parallel execution on devices.
func Replicate(model Model, devices []int) (*ParallelModel, error) {
	if len(devices) == 0 {
		return nil, errors.New("replication needs at least one device")
	}
	base, ok := model.(GradientModel)
	if !ok {
		return nil, errors.Errorf("model of type %T cannot be replicated: no gradient access", model)
	}
	return &ParallelModel{base: base, devices: append([]int(nil), devices...)}, nil
}

// Base returns the wrapped single-device model.
func (p *ParallelModel) Base() Model {
	return p.base
}

// SerialModel lets checkpoints save the wrapped model's weights.
func (p *ParallelModel) SerialModel() checkpoints.WeightSource {
	return p.base
}

func (p *ParallelModel) Devices() []int {
	return append([]int(nil), p.devices...)
}

func (p *ParallelModel) Spec() *layers.ModelSpec {
	return p.base.Spec()
}

func (p *ParallelModel) Compile(config optimizer.AdamConfig) error {
	return p.base.Compile(config)
}

type shard struct {
	lo, hi int
}

// shards splits n samples into at most len(devices) contiguous ranges.
func (p *ParallelModel) shards(n int) []shard {
	count := len(p.devices)
	if count > n {
		count = n
	}
	out := make([]shard, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, shard{lo: i * n / count, hi: (i + 1) * n / count})
	}
	return out
}

func (p *ParallelModel) TrainOnBatch(ctx context.Context, inputs []float32, labels []int) (StepResult, error) {
	n := len(labels)
	if err := checkBatch(p.Spec(), inputs, n); err != nil {
		return StepResult{}, err
	}
	size := p.Spec().InputSize()
	parts := p.shards(n)
	grads := make([]Gradients, len(parts))
	results := make([]StepResult, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range parts {
		i, s := i, s
		g.Go(func() error {
			var err error
			grads[i], results[i], err = p.base.ComputeGradients(gctx, inputs[s.lo*size:s.hi*size], labels[s.lo:s.hi])
			if err != nil {
				return errors.Wrapf(err, "device %d", p.devices[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StepResult{}, err
	}

	combined := make(Gradients, len(grads[0]))
	for t := range combined {
		if grads[0][t] == nil {
			continue
		}
		combined[t] = make([]float32, len(grads[0][t]))
		for i, s := range parts {
			w := float32(s.hi-s.lo) / float32(n)
			for j, v := range grads[i][t] {
				combined[t][j] += w * v
			}
		}
	}
	if err := p.base.ApplyGradients(combined); err != nil {
		return StepResult{}, err
	}
	return mergeResults(results), nil
}

func (p *ParallelModel) TestOnBatch(ctx context.Context, inputs []float32, labels []int) (StepResult, error) {
	n := len(labels)
	if err := checkBatch(p.Spec(), inputs, n); err != nil {
		return StepResult{}, err
	}
	size := p.Spec().InputSize()
	parts := p.shards(n)
	results := make([]StepResult, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range parts {
		i, s := i, s
		g.Go(func() error {
			var err error
			results[i], err = p.base.TestOnBatch(gctx, inputs[s.lo*size:s.hi*size], labels[s.lo:s.hi])
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return StepResult{}, err
	}
	return mergeResults(results), nil
}

func (p *ParallelModel) Predict(ctx context.Context, inputs []float32, n int) ([][]float32, error) {
	if err := checkBatch(p.Spec(), inputs, n); err != nil {
		return nil, err
	}
	size := p.Spec().InputSize()
	parts := p.shards(n)
	out := make([][]float32, n)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range parts {
		s := s
		g.Go(func() error {
			probs, err := p.base.Predict(gctx, inputs[s.lo*size:s.hi*size], s.hi-s.lo)
			if err != nil {
				return err
			}
			copy(out[s.lo:s.hi], probs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *ParallelModel) Weights() []checkpoints.WeightTensor {
	return p.base.Weights()
}

func (p *ParallelModel) SetWeights(weights []checkpoints.WeightTensor) error {
	return p.base.SetWeights(weights)
}

func mergeResults(results []StepResult) StepResult {
	var out StepResult
	for _, r := range results {
		out.Samples += r.Samples
	}
	if out.Samples == 0 {
		return out
	}
	for _, r := range results {
		w := float64(r.Samples) / float64(out.Samples)
		out.Loss += w * r.Loss
		out.Accuracy += w * r.Accuracy
	}
	return out
}

var (
	_ Replicated         = (*ParallelModel)(nil)
	_ checkpoints.Serial = (*ParallelModel)(nil)
	_ GradientModel      = (*CPUModel)(nil)
)
