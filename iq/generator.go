package iq

import (
	"context"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-rfml/async"
	"github.com/tsawler/go-rfml/dataset"
)

// GeneratorType selects the generator behaviour.
type GeneratorType string

const (
	// GeneratorNew honours normalisation, padding, concatenation, crop and replication.
	GeneratorNew GeneratorType = "new"
	// GeneratorLegacy slices raw examples and ignores those options.
	GeneratorLegacy GeneratorType = "legacy"
)

// GeneratorConfig describes one split's batch stream.
type GeneratorConfig struct {
	Examples  []dataset.ExampleID
	Labels    dataset.LabelMap
	DeviceIDs dataset.DeviceIDs

	// TotalSamples estimates the samples in the split; it sets the epoch length.
	TotalSamples float64

	Processor  Processor
	SliceSize  int
	BatchSize  int
	FilesPerIO int
	Workers    int

	Type        GeneratorType
	Normalizer  *Normalizer
	Replication dataset.ReplicationTable
	AddPadding  bool
	TryConcat   bool
	Crop        int

	// Shuffle reorders the example plan at every Reset using Seed.
	Shuffle bool
	Seed    int64

	// Pool supplies batch input buffers; Release returns them.
	Pool *async.BufferPool
}

type sample struct {
	input []float32
	class int
}

type planEntry struct {
	id     dataset.ExampleID
	device string
	class  int
}

// Generator produces batches of processed slices from a list of examples.
// It is consumed by a single goroutine through async.Loader.
type Generator struct {
	config  GeneratorConfig
	reader  *Reader
	slicer  SliceConfig
	concat  *Concatenator
	batches int

	plan    []planEntry
	cursor  int
	epoch   int
	pending []sample
}

// NewGenerator validates the configuration and builds the example plan.
func NewGenerator(reader *Reader, config GeneratorConfig) (*Generator, error) {
	if reader == nil {
		return nil, errors.New("generator needs a reader")
	}
	if config.BatchSize <= 0 || config.SliceSize <= 0 {
		return nil, errors.Errorf("batch size and slice size must be positive, got %d and %d", config.BatchSize, config.SliceSize)
	}
	if len(config.Examples) == 0 {
		return nil, errors.New("generator has no examples")
	}
	if config.Processor == nil {
		config.Processor = IdentityProcessor{}
	}
	if config.FilesPerIO <= 0 {
		config.FilesPerIO = 1
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	switch config.Type {
	case "", GeneratorNew:
		config.Type = GeneratorNew
	case GeneratorLegacy:
		config.Normalizer = nil
		config.AddPadding = false
		config.TryConcat = false
		config.Crop = 0
		config.Replication = nil
	default:
		return nil, errors.Errorf("unknown generator type %q", config.Type)
	}

	g := &Generator{
		config: config,
		reader: reader,
		slicer: SliceConfig{SliceSize: config.SliceSize, Crop: config.Crop, AddPadding: config.AddPadding},
		concat: NewConcatenator(),
	}
	g.batches = int(math.Floor(config.TotalSamples / float64(config.SliceSize*config.BatchSize)))
	if g.batches < 1 {
		g.batches = 1
	}

	for _, id := range config.Examples {
		device, ok := config.Labels[id]
		if !ok {
			return nil, errors.Wrapf(dataset.ErrUnknownLabel, "%s has no label", id)
		}
		class, ok := config.DeviceIDs[device]
		if !ok {
			return nil, errors.Wrapf(dataset.ErrUnknownLabel, "%s is labelled %q", id, device)
		}
		for r := config.Replication.Factor(device); r > 0; r-- {
			g.plan = append(g.plan, planEntry{id: id, device: device, class: class})
		}
	}
	g.Reset()
	return g, nil
}

// Len returns the number of batches in one epoch.
func (g *Generator) Len() int {
	return g.batches
}

// PlanLen returns the number of example reads in one pass over the plan.
func (g *Generator) PlanLen() int {
	return len(g.plan)
}

// Reset starts a new epoch: pending slices and carried tails are dropped
// and, when shuffling, the plan is reordered.
func (g *Generator) Reset() {
	g.cursor = 0
	g.pending = nil
	g.concat.Reset()
	if g.config.Shuffle {
		rng := rand.New(rand.NewSource(g.config.Seed + int64(g.epoch)))
		rng.Shuffle(len(g.plan), func(i, j int) { g.plan[i], g.plan[j] = g.plan[j], g.plan[i] })
	}
	g.epoch++
}

// NextBatch returns BatchSize processed slices.
func (g *Generator) NextBatch(ctx context.Context) (*async.Batch, error) {
	dry := 0
	for len(g.pending) < g.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		before := len(g.pending)
		read, err := g.loadRound(ctx)
		if err != nil {
			return nil, err
		}
		if len(g.pending) == before {
			dry += read
			if dry >= len(g.plan) {
				return nil, errors.New("examples yield no slices: all are shorter than one slice")
			}
		} else {
			dry = 0
		}
	}

	size := g.config.Processor.OutputShape(g.config.SliceSize)
	width := 1
	for _, d := range size {
		width *= d
	}
	batch := &async.Batch{
		Inputs: g.config.Pool.Get(g.config.BatchSize * width)[:0],
		Labels: make([]int, 0, g.config.BatchSize),
	}
	for _, s := range g.pending[:g.config.BatchSize] {
		batch.Inputs = append(batch.Inputs, s.input...)
		batch.Labels = append(batch.Labels, s.class)
	}
	g.pending = g.pending[g.config.BatchSize:]
	return batch, nil
}

// Release returns the inputs of a consumed batch to the pool.
func (g *Generator) Release(batch *async.Batch) {
	if batch != nil {
		g.config.Pool.Put(batch.Inputs)
		batch.Inputs = nil
	}
}

// loadRound reads the next FilesPerIO plan entries, cycling the plan, with
// up to Workers concurrent reads. Slices are appended in plan order.
func (g *Generator) loadRound(ctx context.Context) (int, error) {
	n := g.config.FilesPerIO
	entries := make([]planEntry, n)
	for i := range entries {
		entries[i] = g.plan[g.cursor]
		g.cursor = (g.cursor + 1) % len(g.plan)
	}

	examples := make([]Samples, n)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.config.Workers)
	for i, e := range entries {
		i, e := i, e
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := g.reader.Read(string(e.id))
			if err != nil {
				return err
			}
			examples[i] = g.slicer.Prepare(s)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}

	for i, e := range entries {
		s := examples[i]
		if g.config.TryConcat {
			s = g.concat.Join(e.device, s)
		}
		slices, tail := g.slicer.Cut(s)
		if g.config.TryConcat {
			g.concat.Keep(e.device, tail)
		}
		for _, slice := range slices {
			g.config.Normalizer.Apply(slice)
			g.pending = append(g.pending, sample{input: g.config.Processor.Process(slice), class: e.class})
		}
	}
	return n, nil
}

var _ async.Source = (*Generator)(nil)
