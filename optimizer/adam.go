package optimizer

import (
	"math"

	"github.com/pkg/errors"
)

// DefaultEpsilon is used when AdamConfig.Epsilon is nil.
const DefaultEpsilon = 1e-7

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64  `json:"lr" mapstructure:"lr"`
	Beta1        float64  `json:"beta_1" mapstructure:"beta_1"`
	Beta2        float64  `json:"beta_2" mapstructure:"beta_2"`
	Epsilon      *float64 `json:"epsilon,omitempty" mapstructure:"epsilon"`
	Decay        float64  `json:"decay" mapstructure:"decay"` // inverse-time decay per update
	AMSGrad      bool     `json:"amsgrad" mapstructure:"amsgrad"`
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.002,
		Beta1:        0.9,
		Beta2:        0.999,
	}
}

// EffectiveEpsilon resolves the nil default.
func (c AdamConfig) EffectiveEpsilon() float64 {
	if c.Epsilon == nil {
		return DefaultEpsilon
	}
	return *c.Epsilon
}

// Validate checks hyperparameter ranges.
func (c AdamConfig) Validate() error {
	if c.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 {
		return errors.Errorf("beta1 must be in [0, 1), got %g", c.Beta1)
	}
	if c.Beta2 < 0 || c.Beta2 >= 1 {
		return errors.Errorf("beta2 must be in [0, 1), got %g", c.Beta2)
	}
	if c.EffectiveEpsilon() < 0 {
		return errors.Errorf("epsilon must not be negative, got %g", c.EffectiveEpsilon())
	}
	if c.Decay < 0 {
		return errors.Errorf("decay must not be negative, got %g", c.Decay)
	}
	return nil
}

// Adam keeps the first and second moment estimates for a fixed set of
// weight tensors and updates them in place.
type Adam struct {
	config    AdamConfig
	scheduler LRScheduler
	epsilon   float64

	momentum  [][]float64
	variance  [][]float64
	maxVar    [][]float64 // AMSGrad only
	stepCount uint64
}

// NewAdam creates an optimizer for tensors of the given sizes.
func NewAdam(config AdamConfig, sizes []int) (*Adam, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(sizes) == 0 {
		return nil, errors.Errorf("no weight shapes provided")
	}

	adam := &Adam{
		config:    config,
		scheduler: NewInverseTimeDecay(config.Decay),
		epsilon:   config.EffectiveEpsilon(),
		momentum:  make([][]float64, len(sizes)),
		variance:  make([][]float64, len(sizes)),
	}
	if config.AMSGrad {
		adam.maxVar = make([][]float64, len(sizes))
	}
	for i, size := range sizes {
		adam.momentum[i] = make([]float64, size)
		adam.variance[i] = make([]float64, size)
		if config.AMSGrad {
			adam.maxVar[i] = make([]float64, size)
		}
	}
	return adam, nil
}

// Step applies one update. weights[i] and gradients[i] must have the sizes
// the optimizer was created with.
func (adam *Adam) Step(weights, gradients [][]float32) error {
	if len(weights) != len(adam.momentum) || len(gradients) != len(adam.momentum) {
		return errors.Errorf("expected %d tensors, got %d weights and %d gradients",
			len(adam.momentum), len(weights), len(gradients))
	}
	for i := range weights {
		if len(weights[i]) != len(adam.momentum[i]) || len(gradients[i]) != len(adam.momentum[i]) {
			return errors.Errorf("tensor %d: expected size %d, got %d weights and %d gradients",
				i, len(adam.momentum[i]), len(weights[i]), len(gradients[i]))
		}
	}

	lr := adam.scheduler.GetLR(0, int(adam.stepCount), adam.config.LearningRate)
	adam.stepCount++
	t := float64(adam.stepCount)
	b1, b2 := adam.config.Beta1, adam.config.Beta2
	lrT := lr * math.Sqrt(1-math.Pow(b2, t)) / (1 - math.Pow(b1, t))

	for i := range weights {
		m, v := adam.momentum[i], adam.variance[i]
		for j, g32 := range gradients[i] {
			g := float64(g32)
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g
			denom := v[j]
			if adam.maxVar != nil {
				if v[j] > adam.maxVar[i][j] {
					adam.maxVar[i][j] = v[j]
				}
				denom = adam.maxVar[i][j]
			}
			weights[i][j] -= float32(lrT * m[j] / (math.Sqrt(denom) + adam.epsilon))
		}
	}
	return nil
}

// GetStepCount returns the number of updates applied so far
func (adam *Adam) GetStepCount() uint64 {
	return adam.stepCount
}

// LearningRate returns the decayed rate the next step will start from.
func (adam *Adam) LearningRate() float64 {
	return adam.scheduler.GetLR(0, int(adam.stepCount), adam.config.LearningRate)
}

// UpdateLearningRate replaces the base learning rate
func (adam *Adam) UpdateLearningRate(lr float64) {
	adam.config.LearningRate = lr
}

// Config returns the hyperparameters in use.
func (adam *Adam) Config() AdamConfig {
	return adam.config
}
