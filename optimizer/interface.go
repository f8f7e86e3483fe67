package optimizer

// Optimizer updates weight tensors in place from their gradients.
type Optimizer interface {
	// Step performs a single optimization step.
	// gradients must match weights tensor for tensor.
	Step(weights, gradients [][]float32) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// LearningRate returns the rate the next step will use before bias correction.
	LearningRate() float64

	// UpdateLearningRate updates the base learning rate
	UpdateLearningRate(lr float64)
}

var _ Optimizer = (*Adam)(nil)
