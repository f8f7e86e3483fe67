package training

import (
	"fmt"

	"github.com/pkg/errors"
)

// MetricType represents the classification metrics a ConfusionMatrix computes
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts decisions by true and predicted class.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Add records one decision.
func (cm *ConfusionMatrix) Add(trueClass, predicted int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses {
		return errors.Errorf("true class %d out of range [0, %d)", trueClass, cm.NumClasses)
	}
	if predicted < 0 || predicted >= cm.NumClasses {
		return errors.Errorf("predicted class %d out of range [0, %d)", predicted, cm.NumClasses)
	}
	cm.Matrix[trueClass][predicted]++
	cm.TotalSamples++
	return nil
}

// GetMetric returns the requested metric; 0 when the matrix is empty.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Accuracy:
		return cm.GetAccuracy()
	case MacroPrecision:
		return cm.macro(cm.precision)
	case MacroRecall:
		return cm.macro(cm.Recall)
	case MacroF1:
		return cm.macro(func(c int) float64 {
			p, r := cm.precision(c), cm.Recall(c)
			if p+r == 0 {
				return 0
			}
			return 2 * p * r / (p + r)
		})
	default:
		return 0
	}
}

// GetAccuracy returns the fraction of decisions on the diagonal.
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// Support returns the number of decisions whose true class is c.
func (cm *ConfusionMatrix) Support(c int) int {
	n := 0
	for _, v := range cm.Matrix[c] {
		n += v
	}
	return n
}

// Recall is the per-class accuracy of class c.
func (cm *ConfusionMatrix) Recall(c int) float64 {
	support := cm.Support(c)
	if support == 0 {
		return 0
	}
	return float64(cm.Matrix[c][c]) / float64(support)
}

func (cm *ConfusionMatrix) precision(c int) float64 {
	predicted := 0
	for i := 0; i < cm.NumClasses; i++ {
		predicted += cm.Matrix[i][c]
	}
	if predicted == 0 {
		return 0
	}
	return float64(cm.Matrix[c][c]) / float64(predicted)
}

// macro averages fn over the classes that occur as a true class.
func (cm *ConfusionMatrix) macro(fn func(c int) float64) float64 {
	sum, n := 0.0, 0
	for c := 0; c < cm.NumClasses; c++ {
		if cm.Support(c) == 0 {
			continue
		}
		sum += fn(c)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
