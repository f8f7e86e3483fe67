package iq

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-rfml/dataset"
)

// SliceConfig controls how an example is cut into slices.
type SliceConfig struct {
	SliceSize  int
	Stride     int  // distance between slice starts; defaults to SliceSize
	Crop       int  // keep only the first Crop samples when > 0
	AddPadding bool // zero-pad examples shorter than one slice
}

func (c SliceConfig) stride() int {
	if c.Stride > 0 {
		return c.Stride
	}
	return c.SliceSize
}

// Validate checks the configuration.
func (c SliceConfig) Validate() error {
	if c.SliceSize <= 0 {
		return errors.Errorf("slice size must be positive, got %d", c.SliceSize)
	}
	if c.Stride < 0 || c.Crop < 0 {
		return errors.New("stride and crop must not be negative")
	}
	return nil
}

// Prepare applies crop and padding.
func (c SliceConfig) Prepare(s Samples) Samples {
	if c.Crop > 0 && s.Len() > c.Crop {
		s = s.Slice(0, c.Crop)
	}
	if c.AddPadding && s.Len() < c.SliceSize {
		s = s.Append(Samples{I: make([]float32, c.SliceSize-s.Len()), Q: make([]float32, c.SliceSize-s.Len())})
	}
	return s
}

// Cut returns the slices of s, each interleaved as [slice, 2], and the
// samples after the last full slice.
func (c SliceConfig) Cut(s Samples) ([][]float32, Samples) {
	stride := c.stride()
	var slices [][]float32
	start := 0
	for ; start+c.SliceSize <= s.Len(); start += stride {
		out := make([]float32, 2*c.SliceSize)
		for k := 0; k < c.SliceSize; k++ {
			out[2*k] = s.I[start+k]
			out[2*k+1] = s.Q[start+k]
		}
		slices = append(slices, out)
	}
	tailStart := start - stride + c.SliceSize
	if len(slices) == 0 {
		tailStart = 0
	}
	if tailStart > s.Len() {
		tailStart = s.Len()
	}
	return slices, s.Slice(tailStart, s.Len())
}

// Concatenator carries the tail of each example over to the next example
// with the same label, so short remainders still contribute slices.
type Concatenator struct {
	tails map[string]Samples
}

// NewConcatenator returns an empty concatenator.
func NewConcatenator() *Concatenator {
	return &Concatenator{tails: make(map[string]Samples)}
}

// Join prefixes s with the pending tail of label.
func (c *Concatenator) Join(label string, s Samples) Samples {
	tail, ok := c.tails[label]
	if !ok || tail.Len() == 0 {
		return s
	}
	delete(c.tails, label)
	return tail.Append(s)
}

// Keep stores the tail left over after slicing an example of label.
func (c *Concatenator) Keep(label string, tail Samples) {
	if tail.Len() == 0 {
		delete(c.tails, label)
		return
	}
	c.tails[label] = Samples{I: append([]float32(nil), tail.I...), Q: append([]float32(nil), tail.Q...)}
}

// Reset drops every pending tail.
func (c *Concatenator) Reset() {
	c.tails = make(map[string]Samples)
}

// Normalizer standardises each channel: (x - mean[c]) / std[c]. A scalar
// statistic applies to both channels.
type Normalizer struct {
	Mean dataset.Channels
	Std  dataset.Channels
}

// NewNormalizer returns nil when either statistic is missing.
func NewNormalizer(mean, std dataset.Channels) (*Normalizer, error) {
	if len(mean) == 0 || len(std) == 0 {
		return nil, nil
	}
	for _, stats := range []dataset.Channels{mean, std} {
		if len(stats) != 1 && len(stats) != 2 {
			return nil, errors.Errorf("statistics need 1 or 2 channels, got %d", len(stats))
		}
	}
	for ch := 0; ch < 2; ch++ {
		if std.At(ch) == 0 {
			return nil, errors.Errorf("std of channel %d is zero", ch)
		}
	}
	return &Normalizer{Mean: mean, Std: std}, nil
}

// Apply normalises an interleaved [slice, 2] slice in place.
func (n *Normalizer) Apply(slice []float32) {
	if n == nil {
		return
	}
	mi, mq := float32(n.Mean.At(0)), float32(n.Mean.At(1))
	si, sq := float32(n.Std.At(0)), float32(n.Std.At(1))
	for k := 0; k+1 < len(slice); k += 2 {
		slice[k] = (slice[k] - mi) / si
		slice[k+1] = (slice[k+1] - mq) / sq
	}
}
