package optimizer

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of their inputs.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// InverseTimeDecay lowers the rate every update: baseLR / (1 + decay*step).
type InverseTimeDecay struct {
	Decay float64
}

// NewInverseTimeDecay returns a constant schedule when decay is zero.
func NewInverseTimeDecay(decay float64) LRScheduler {
	if decay <= 0 {
		return &NoOpScheduler{}
	}
	return &InverseTimeDecay{Decay: decay}
}

func (s *InverseTimeDecay) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR / (1 + s.Decay*float64(step))
}

func (s *InverseTimeDecay) GetName() string {
	return "InverseTimeDecay"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "Constant"
}
