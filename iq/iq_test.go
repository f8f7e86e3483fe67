package iq

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-rfml/async"
	"github.com/tsawler/go-rfml/dataset"
)

// ramp returns n samples with I = offset+k and Q = -(offset+k).
func ramp(n int, offset float32) Samples {
	s := Samples{I: make([]float32, n), Q: make([]float32, n)}
	for k := 0; k < n; k++ {
		s.I[k] = offset + float32(k)
		s.Q[k] = -(offset + float32(k))
	}
	return s
}

func writeExample(t *testing.T, dir, name string, format Format, s Samples) dataset.ExampleID {
	t.Helper()
	data, err := Encode(format, s)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0644))
	return dataset.ExampleID(name)
}

func TestReaderFormats(t *testing.T) {
	dir := t.TempDir()
	want := ramp(10, 0.5)
	for _, format := range []Format{FormatBin, FormatBinSnappy, FormatJSON} {
		id := writeExample(t, dir, "ex."+string(format), format, want)
		reader, err := NewReader(dir, format, 0)
		require.NoError(t, err)
		got, err := reader.Read(string(id))
		require.NoError(t, err, format)
		assert.Equal(t, want, got, format)
	}

	_, err := ParseFormat("mat")
	assert.True(t, errors.Is(err, ErrUnknownFormat))
	f, err := ParseFormat("BIN.SZ")
	require.NoError(t, err)
	assert.Equal(t, FormatBinSnappy, f)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "odd.bin"), []byte{1, 2, 3}, 0644))
	reader, err := NewReader(dir, FormatBin, 0)
	require.NoError(t, err)
	_, err = reader.Read("odd.bin")
	assert.Error(t, err)
	_, err = reader.Read("missing.bin")
	assert.Error(t, err)
}

func TestReaderCache(t *testing.T) {
	dir := t.TempDir()
	writeExample(t, dir, "a.bin", FormatBin, ramp(4, 0))
	writeExample(t, dir, "b.bin", FormatBin, ramp(4, 1))
	writeExample(t, dir, "c.bin", FormatBin, ramp(4, 2))

	reader, err := NewReader(dir, FormatBin, 2)
	require.NoError(t, err)
	for _, id := range []string{"a.bin", "a.bin", "b.bin", "c.bin", "a.bin"} {
		_, err := reader.Read(id)
		require.NoError(t, err)
	}
	stats := reader.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(4), stats.Misses)
	assert.Equal(t, 2, stats.Size)
	assert.InDelta(t, 20.0, stats.HitRate, 1e-9)
	assert.Contains(t, stats.String(), "Hits: 1")
}

func TestSliceConfig(t *testing.T) {
	cfg := SliceConfig{SliceSize: 4}
	slices, tail := cfg.Cut(ramp(10, 0))
	require.Len(t, slices, 2)
	assert.Equal(t, []float32{0, 0, 1, -1, 2, -2, 3, -3}, slices[0])
	assert.Equal(t, float32(4), slices[1][0])
	assert.Equal(t, []float32{8, 9}, tail.I)

	overlap := SliceConfig{SliceSize: 4, Stride: 2}
	slices, tail = overlap.Cut(ramp(9, 0))
	require.Len(t, slices, 3)
	assert.Equal(t, float32(2), slices[1][0])
	assert.Equal(t, []float32{8}, tail.I)

	short := SliceConfig{SliceSize: 8}
	slices, tail = short.Cut(ramp(5, 0))
	assert.Empty(t, slices)
	assert.Equal(t, 5, tail.Len())

	padded := SliceConfig{SliceSize: 8, AddPadding: true}.Prepare(ramp(5, 1))
	assert.Equal(t, 8, padded.Len())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 0, 0, 0}, padded.I)

	cropped := SliceConfig{SliceSize: 2, Crop: 3}.Prepare(ramp(10, 0))
	assert.Equal(t, []float32{0, 1, 2}, cropped.I)

	assert.Error(t, SliceConfig{}.Validate())
	assert.NoError(t, cfg.Validate())
}

func TestConcatenator(t *testing.T) {
	c := NewConcatenator()
	cfg := SliceConfig{SliceSize: 4}

	slices, tail := cfg.Cut(c.Join("a", ramp(6, 0)))
	c.Keep("a", tail)
	assert.Len(t, slices, 1)

	// the two carried samples complete a slice with the next example
	joined := c.Join("a", ramp(2, 100))
	assert.Equal(t, []float32{4, 5, 100, 101}, joined.I)
	assert.Equal(t, 2, c.Join("b", ramp(2, 0)).Len(), "tails are per label")

	c.Keep("a", ramp(1, 0))
	c.Reset()
	assert.Equal(t, 1, c.Join("a", ramp(1, 7)).Len())
}

func TestNormalizer(t *testing.T) {
	n, err := NewNormalizer(dataset.Channels{1}, dataset.Channels{2, 4})
	require.NoError(t, err)
	slice := []float32{3, 9, 1, 1}
	n.Apply(slice)
	assert.Equal(t, []float32{1, 2, 0, 0}, slice)

	none, err := NewNormalizer(nil, dataset.Channels{1})
	require.NoError(t, err)
	assert.Nil(t, none)
	none.Apply(slice)

	_, err = NewNormalizer(dataset.Channels{0}, dataset.Channels{0})
	assert.Error(t, err)
	_, err = NewNormalizer(dataset.Channels{0, 1, 2}, dataset.Channels{1})
	assert.Error(t, err)
}

func TestProcessors(t *testing.T) {
	slice := []float32{1, 10, 2, 20, 3, 30, 4, 40}

	p, err := ParseProcessor("no")
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2}, p.OutputShape(4))
	assert.Equal(t, slice, p.Process(slice))

	p, err = ParseProcessor("Tensor")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 1}, p.OutputShape(4))
	assert.Equal(t, []float32{1, 2, 3, 4, 10, 20, 30, 40}, p.Process(slice))

	p, err = ParseProcessor("fft")
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2}, p.OutputShape(4))
	out := p.Process([]float32{1, 0, 1, 0, 1, 0, 1, 0})
	require.Len(t, out, 8)
	// a constant signal has all its energy in the DC bin
	assert.InDelta(t, 4, out[0], 1e-6)
	for _, v := range out[2:] {
		assert.InDelta(t, 0, v, 1e-6)
	}

	_, err = ParseProcessor("wavelet")
	assert.True(t, errors.Is(err, ErrUnknownProcessor))
}

type genFixture struct {
	reader *Reader
	config GeneratorConfig
}

// newGenFixture writes n examples per device of length samples each.
func newGenFixture(t *testing.T, devices []string, n, length int) genFixture {
	t.Helper()
	dir := t.TempDir()
	reader, err := NewReader(dir, FormatBin, 16)
	require.NoError(t, err)

	config := GeneratorConfig{Labels: dataset.LabelMap{}, DeviceIDs: dataset.DeviceIDs{}, SliceSize: 4, BatchSize: 3, FilesPerIO: 2, Workers: 2}
	for d, dev := range devices {
		config.DeviceIDs[dev] = d
		for i := 0; i < n; i++ {
			id := writeExample(t, dir, fmt.Sprintf("%s-%d.bin", dev, i), FormatBin, ramp(length, float32(100*d)))
			config.Examples = append(config.Examples, id)
			config.Labels[id] = dev
		}
	}
	config.TotalSamples = float64(len(config.Examples) * length)
	return genFixture{reader: reader, config: config}
}

func TestGeneratorBatches(t *testing.T) {
	fx := newGenFixture(t, []string{"a", "b"}, 2, 8)
	gen, err := NewGenerator(fx.reader, fx.config)
	require.NoError(t, err)

	// 32 samples / (4 * 3) = 2 batches
	assert.Equal(t, 2, gen.Len())
	assert.Equal(t, 4, gen.PlanLen())

	ctx := context.Background()
	var labels []int
	for i := 0; i < 3; i++ {
		batch, err := gen.NextBatch(ctx)
		require.NoError(t, err)
		assert.Len(t, batch.Inputs, 3*8)
		labels = append(labels, batch.Labels...)
	}
	// each example yields two slices, in plan order, cycling after the last
	assert.Equal(t, []int{0, 0, 0, 0, 1, 1, 1, 1, 0}, labels)
}

func TestGeneratorReleasesBuffers(t *testing.T) {
	fx := newGenFixture(t, []string{"a", "b"}, 2, 8)
	fx.config.Pool = async.NewBufferPool()
	gen, err := NewGenerator(fx.reader, fx.config)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		batch, err := gen.NextBatch(ctx)
		require.NoError(t, err)
		assert.Len(t, batch.Inputs, 3*8)
		gen.Release(batch)
		assert.Nil(t, batch.Inputs)
	}
	stats := fx.config.Pool.Stats()[32]
	assert.Equal(t, int64(3), stats.Gets)
	assert.Equal(t, int64(3), stats.Puts)
	assert.Equal(t, int64(0), stats.InUse)
}

func TestGeneratorReplication(t *testing.T) {
	fx := newGenFixture(t, []string{"a", "b"}, 1, 4)
	fx.config.Replication = dataset.ReplicationTable{"b": 3}
	fx.config.FilesPerIO = 1
	gen, err := NewGenerator(fx.reader, fx.config)
	require.NoError(t, err)
	assert.Equal(t, 4, gen.PlanLen())

	batch, err := gen.NextBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 1}, batch.Labels)

	fx.config.Type = GeneratorLegacy
	legacy, err := NewGenerator(fx.reader, fx.config)
	require.NoError(t, err)
	assert.Equal(t, 2, legacy.PlanLen(), "legacy generators ignore replication")
}

func TestGeneratorShuffleIsSeeded(t *testing.T) {
	fx := newGenFixture(t, []string{"a", "b", "c"}, 3, 4)
	fx.config.Shuffle = true
	fx.config.Seed = 42
	fx.config.BatchSize = 9
	fx.config.FilesPerIO = 9

	first, err := NewGenerator(fx.reader, fx.config)
	require.NoError(t, err)
	second, err := NewGenerator(fx.reader, fx.config)
	require.NoError(t, err)

	ctx := context.Background()
	a, err := first.NextBatch(ctx)
	require.NoError(t, err)
	b, err := second.NextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.Labels, b.Labels)
	assert.ElementsMatch(t, []int{0, 0, 0, 1, 1, 1, 2, 2, 2}, a.Labels)
}

func TestGeneratorNormalizesAndProcesses(t *testing.T) {
	fx := newGenFixture(t, []string{"a"}, 1, 4)
	norm, err := NewNormalizer(dataset.Channels{1}, dataset.Channels{2})
	require.NoError(t, err)
	fx.config.Normalizer = norm
	fx.config.Processor = TensorProcessor{}
	fx.config.BatchSize = 1

	gen, err := NewGenerator(fx.reader, fx.config)
	require.NoError(t, err)
	batch, err := gen.NextBatch(context.Background())
	require.NoError(t, err)
	// I = 0..3, Q = 0..-3, planar after (x-1)/2
	assert.Equal(t, []float32{-0.5, 0, 0.5, 1, -0.5, -1, -1.5, -2}, batch.Inputs)
}

func TestGeneratorConcatAndPadding(t *testing.T) {
	fx := newGenFixture(t, []string{"a"}, 2, 6)
	fx.config.TryConcat = true
	fx.config.BatchSize = 3
	gen, err := NewGenerator(fx.reader, fx.config)
	require.NoError(t, err)
	_, err = gen.NextBatch(context.Background())
	require.NoError(t, err, "12 samples across two examples give three slices")

	short := newGenFixture(t, []string{"a"}, 2, 3)
	short.config.BatchSize = 1
	gen, err = NewGenerator(short.reader, short.config)
	require.NoError(t, err)
	_, err = gen.NextBatch(context.Background())
	assert.Error(t, err, "examples shorter than a slice give nothing without padding")

	short.config.AddPadding = true
	gen, err = NewGenerator(short.reader, short.config)
	require.NoError(t, err)
	batch, err := gen.NextBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float32(0), batch.Inputs[len(batch.Inputs)-1])
}

func TestGeneratorErrors(t *testing.T) {
	fx := newGenFixture(t, []string{"a"}, 1, 4)

	bad := fx.config
	bad.Labels = dataset.LabelMap{}
	_, err := NewGenerator(fx.reader, bad)
	assert.True(t, errors.Is(err, dataset.ErrUnknownLabel))

	bad = fx.config
	bad.Examples = nil
	_, err = NewGenerator(fx.reader, bad)
	assert.Error(t, err)

	bad = fx.config
	bad.Type = "turbo"
	_, err = NewGenerator(fx.reader, bad)
	assert.Error(t, err)

	missing := fx.config
	missing.Examples = []dataset.ExampleID{"ghost.bin"}
	missing.Labels = dataset.LabelMap{"ghost.bin": "a"}
	gen, err := NewGenerator(fx.reader, missing)
	require.NoError(t, err)
	_, err = gen.NextBatch(context.Background())
	assert.Error(t, err)

	gen, err = NewGenerator(fx.reader, fx.config)
	require.NoError(t, err)
	assert.Equal(t, 1, gen.Len(), "epochs hold at least one batch")
}
