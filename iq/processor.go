package iq

import (
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/dsp/fourier"
)

// ErrUnknownProcessor is returned for processor names outside none, tensor and fft.
var ErrUnknownProcessor = errors.New("unknown processor")

// Processor transforms one interleaved [slice, 2] slice into model input.
type Processor interface {
	Name() string
	// OutputShape returns the per-slice shape the processor produces.
	OutputShape(sliceSize int) []int
	Process(slice []float32) []float32
}

// ParseProcessor resolves a processor name; "", "no" and "none" select the
// identity.
func ParseProcessor(name string) (Processor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "no", "none":
		return IdentityProcessor{}, nil
	case "tensor":
		return TensorProcessor{}, nil
	case "fft":
		return &FFTProcessor{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownProcessor, "%q", name)
	}
}

// IdentityProcessor leaves slices as [slice, 2].
type IdentityProcessor struct{}

func (IdentityProcessor) Name() string { return "none" }

func (IdentityProcessor) OutputShape(sliceSize int) []int { return []int{sliceSize, 2} }

func (IdentityProcessor) Process(slice []float32) []float32 { return slice }

// TensorProcessor lays a slice out planar as [2, slice, 1]: all I values,
// then all Q values.
type TensorProcessor struct{}

func (TensorProcessor) Name() string { return "tensor" }

func (TensorProcessor) OutputShape(sliceSize int) []int { return []int{2, sliceSize, 1} }

func (TensorProcessor) Process(slice []float32) []float32 {
	n := len(slice) / 2
	out := make([]float32, len(slice))
	for k := 0; k < n; k++ {
		out[k] = slice[2*k]
		out[n+k] = slice[2*k+1]
	}
	return out
}

// FFTProcessor replaces a slice with its discrete Fourier transform,
// interleaved as [slice, 2] real/imaginary parts.
type FFTProcessor struct{}

func (*FFTProcessor) Name() string { return "fft" }

func (*FFTProcessor) OutputShape(sliceSize int) []int { return []int{sliceSize, 2} }

func (*FFTProcessor) Process(slice []float32) []float32 {
	n := len(slice) / 2
	in := make([]complex128, n)
	for k := range in {
		in[k] = complex(float64(slice[2*k]), float64(slice[2*k+1]))
	}
	coeff := fourier.NewCmplxFFT(n).Coefficients(nil, in)
	out := make([]float32, 2*n)
	for k, c := range coeff {
		out[2*k] = float32(real(c))
		out[2*k+1] = float32(imag(c))
	}
	return out
}
