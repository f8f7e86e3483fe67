package training

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tsawler/go-rfml/async"
	"github.com/tsawler/go-rfml/checkpoints"
	"github.com/tsawler/go-rfml/dataset"
	"github.com/tsawler/go-rfml/engine"
	"github.com/tsawler/go-rfml/iq"
	"github.com/tsawler/go-rfml/optimizer"
)

// Training strategies.
const (
	// StrategyBig samples every example once per epoch.
	StrategyBig = "big"
	// StrategySmall oversamples devices with few examples using the replication table.
	StrategySmall = "small"
)

// decimationFactor divides the average sample count of pre-decimated data.
const decimationFactor = 10

// TrainConfig configures one fit.
type TrainConfig struct {
	BatchSize  int  `mapstructure:"batch_size"`
	Workers    int  `mapstructure:"workers"` // concurrent example reads
	FilesPerIO int  `mapstructure:"files_per_io"`
	Continue   bool `mapstructure:"continue"`

	Optimizer optimizer.AdamConfig `mapstructure:"optimizer"`
	Epochs    int                  `mapstructure:"epochs"`

	Generator  string  `mapstructure:"generator"` // new or legacy
	Processor  string  `mapstructure:"processor"` // none, tensor or fft
	Shrink     float64 `mapstructure:"shrink"`
	Strategy   string  `mapstructure:"strategy"` // big or small
	FileFormat string  `mapstructure:"file_format"`

	EarlyStopping bool `mapstructure:"early_stopping"`
	Patience      int  `mapstructure:"patience"`

	Normalize  bool `mapstructure:"normalize"`
	Decimated  bool `mapstructure:"decimated"`
	AddPadding bool `mapstructure:"add_padding"`
	TryConcat  bool `mapstructure:"try_concat"`
	Crop       int  `mapstructure:"crop"`

	// Verbose renders a progress bar per pass and logs checkpoint decisions.
	Verbose bool `mapstructure:"verbose"`
}

// DefaultTrainConfig returns the defaults of the command line.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		BatchSize:  32,
		Workers:    4,
		FilesPerIO: 8,
		Optimizer:  optimizer.DefaultAdamConfig(),
		Epochs:     10,
		Generator:  string(iq.GeneratorNew),
		Processor:  "no",
		Shrink:     1,
		Strategy:   StrategyBig,
		FileFormat: string(iq.FormatBin),
		Patience:   1,
	}
}

// Validate checks the options that do not depend on the data.
func (c TrainConfig) Validate() error {
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.Patience < 0 {
		return errors.Errorf("patience must not be negative, got %d", c.Patience)
	}
	switch strings.ToLower(c.Strategy) {
	case StrategyBig, StrategySmall:
	default:
		return errors.Errorf("unknown training strategy %q", c.Strategy)
	}
	return c.Optimizer.Validate()
}

// Train fits the model on the train split, validating on the val split at
// the end of every epoch. The best val_acc weights are kept in weights.hdf5
// under the save path. Errors from the fit loop are returned as they are;
// weights already saved stay on disk.
func (s *Session) Train(ctx context.Context, config TrainConfig) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return errors.Wrap(err, "train config")
	}

	trainList, err := dataset.Shrink(s.data.Train, config.Shrink)
	if err != nil {
		return errors.Wrap(err, "shrink train split")
	}
	valList, err := dataset.Shrink(s.data.Val, config.Shrink)
	if err != nil {
		return errors.Wrap(err, "shrink val split")
	}
	if len(trainList) == 0 || len(valList) == 0 {
		return errors.Wrapf(ErrNoData, "%d train and %d val examples after shrink", len(trainList), len(valList))
	}

	processor, err := iq.ParseProcessor(config.Processor)
	if err != nil {
		return err
	}
	if err := s.checkInput(processor, s.sliceSize); err != nil {
		return err
	}

	format, err := iq.ParseFormat(config.FileFormat)
	if err != nil {
		return err
	}
	reader, err := iq.NewReader(s.config.DataRoot, format, s.config.CacheSize)
	if err != nil {
		return err
	}

	pool := async.NewBufferPool()
	trainGen, err := s.newGenerator(reader, pool, trainList, processor, config, true)
	if err != nil {
		return errors.Wrap(err, "train generator")
	}
	valGen, err := s.newGenerator(reader, pool, valList, processor, config, false)
	if err != nil {
		return errors.Wrap(err, "val generator")
	}

	ckptConfig := checkpoints.DefaultCheckpointConfig(s.config.SavePath)
	ckptConfig.Verbose = config.Verbose

	var net engine.Model
	var checkpoint *checkpoints.ModelCheckpoint
	if s.config.MultiDevice {
		parallel, err := engine.Replicate(s.model, s.config.Devices)
		if err != nil {
			return errors.Wrap(err, "replicate model")
		}
		log.Info().Ints("devices", parallel.Devices()).Msg("training on multiple devices")
		net = parallel
		checkpoint = checkpoints.NewMultiDeviceCheckpoint(parallel, ckptConfig)
	} else {
		net = s.model
		checkpoint = checkpoints.NewModelCheckpoint(s.model, ckptConfig)
	}
	if err := net.Compile(config.Optimizer); err != nil {
		return errors.Wrap(err, "compile")
	}

	callbacks := []Callback{checkpoint}
	var stopper Stopper
	if config.EarlyStopping {
		es := NewEarlyStopping(ckptConfig.Monitor, 0, config.Patience, true)
		callbacks = append(callbacks, es)
		stopper = es
	}

	initial := 0
	if config.Continue {
		initial = s.epochNumber
	}

	log.Info().
		Str("train_batches", humanize.Comma(int64(trainGen.Len()))).
		Str("val_batches", humanize.Comma(int64(valGen.Len()))).
		Int("initial_epoch", initial).
		Int("epochs", config.Epochs).
		Msg("starting fit")

	history := &History{}
	fitErr := s.fit(ctx, net, trainGen, valGen, config, initial, callbacks, stopper, history)
	s.bestModelPath = checkpoint.BestPath()
	if fitErr != nil {
		return fitErr
	}
	log.Debug().Msgf("batch buffers:\n%s", pool)

	if err := history.SaveJSON(filepath.Join(s.config.SavePath, HistoryFile)); err != nil {
		return errors.Wrap(err, "save history")
	}
	if history.Len() > 0 {
		if err := history.RenderChart(filepath.Join(s.config.SavePath, HistoryChartFile)); err != nil {
			log.Warn().Err(err).Msg("could not render training history")
		}
	}

	best := checkpoint.Best()
	log.Info().Str("path", s.bestModelPath).Float64("val_acc", best.Value).Int("epoch", best.Epoch+1).Msg("training finished")
	return nil
}

func (s *Session) fit(ctx context.Context, net engine.Model, trainGen, valGen *iq.Generator, config TrainConfig,
	initial int, callbacks []Callback, stopper Stopper, history *History) error {
	for epoch := initial; epoch < config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		label := fmt.Sprintf("Epoch %d/%d", epoch+1, config.Epochs)
		train, err := runPass(ctx, trainGen, label, config.Verbose, net.TrainOnBatch)
		if err != nil {
			return errors.Wrapf(err, "epoch %d: train", epoch+1)
		}
		val, err := runPass(ctx, valGen, label+" (val)", config.Verbose, net.TestOnBatch)
		if err != nil {
			return errors.Wrapf(err, "epoch %d: validate", epoch+1)
		}
		trainGen.Reset()
		valGen.Reset()

		logs := map[string]float64{
			"loss":     train.Loss,
			"acc":      train.Accuracy,
			"val_loss": val.Loss,
			"val_acc":  val.Accuracy,
		}
		history.RecordEpoch(epoch, logs)
		log.Info().
			Int("epoch", epoch+1).
			Float64("loss", train.Loss).
			Float64("acc", train.Accuracy).
			Float64("val_loss", val.Loss).
			Float64("val_acc", val.Accuracy).
			Msg("epoch finished")

		for _, cb := range callbacks {
			if err := cb.OnEpochEnd(epoch, logs); err != nil {
				return err
			}
		}
		if stopper != nil && stopper.ShouldStop() {
			history.StoppedEarly = true
			break
		}
	}
	return nil
}

type stepFunc func(ctx context.Context, inputs []float32, labels []int) (engine.StepResult, error)

// runPass feeds one epoch of a generator through step via the prefetch
// queue and returns the sample-weighted mean loss and accuracy.
func runPass(ctx context.Context, gen *iq.Generator, label string, verbose bool, step stepFunc) (engine.StepResult, error) {
	loader, err := async.NewLoader(gen, async.LoaderConfig{QueueSize: async.DefaultQueueSize})
	if err != nil {
		return engine.StepResult{}, err
	}
	if err := loader.Start(ctx); err != nil {
		return engine.StepResult{}, err
	}
	defer loader.Stop()

	var bar *ProgressBar
	if verbose {
		bar = NewProgressBar(os.Stderr, label, gen.Len())
	}

	var total engine.StepResult
	var lossSum, accSum float64
	for i := 1; ; i++ {
		batch, err := loader.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return engine.StepResult{}, err
		}
		res, err := step(ctx, batch.Inputs, batch.Labels)
		gen.Release(batch)
		if err != nil {
			return engine.StepResult{}, errors.Wrapf(err, "batch %d", batch.BatchID)
		}
		lossSum += res.Loss * float64(res.Samples)
		accSum += res.Accuracy * float64(res.Samples)
		total.Samples += res.Samples
		if bar != nil {
			bar.Update(i, map[string]float64{"loss": lossSum / float64(total.Samples), "acc": accSum / float64(total.Samples)})
		}
	}
	if bar != nil {
		bar.Finish()
	}
	if total.Samples > 0 {
		total.Loss = lossSum / float64(total.Samples)
		total.Accuracy = accSum / float64(total.Samples)
	}
	return total, nil
}

func (s *Session) newGenerator(reader *iq.Reader, pool *async.BufferPool, list []dataset.ExampleID, processor iq.Processor, config TrainConfig, shuffle bool) (*iq.Generator, error) {
	corr := 1.0
	if config.Decimated {
		corr = decimationFactor
	}

	var replication dataset.ReplicationTable
	if strings.EqualFold(config.Strategy, StrategySmall) {
		replication = s.data.Replication
	}

	normalizer, err := s.normalizer(config.Normalize)
	if err != nil {
		return nil, err
	}

	return iq.NewGenerator(reader, iq.GeneratorConfig{
		Examples:     list,
		Labels:       s.data.Labels,
		DeviceIDs:    s.data.DeviceIDs,
		TotalSamples: s.data.Stats.AvgSamples * float64(len(list)) / corr,
		Processor:    processor,
		SliceSize:    s.sliceSize,
		BatchSize:    config.BatchSize,
		FilesPerIO:   config.FilesPerIO,
		Workers:      config.Workers,
		Type:         iq.GeneratorType(strings.ToLower(config.Generator)),
		Normalizer:   normalizer,
		Replication:  replication,
		AddPadding:   config.AddPadding,
		TryConcat:    config.TryConcat,
		Crop:         config.Crop,
		Shuffle:      shuffle,
		Seed:         s.config.Seed,
		Pool:         pool,
	})
}

// normalizer uses the stored mean and std when normalisation is requested.
func (s *Session) normalizer(enabled bool) (*iq.Normalizer, error) {
	if !enabled {
		return nil, nil
	}
	if !s.data.Stats.HasNormalization() {
		log.Warn().Msg("normalisation requested but stats carry no mean and std, using raw samples")
		return nil, nil
	}
	return iq.NewNormalizer(s.data.Stats.Mean, s.data.Stats.Std)
}

// checkInput fails when the processor output does not fit the model input.
func (s *Session) checkInput(processor iq.Processor, sliceSize int) error {
	if sliceSize <= 0 {
		return errors.Errorf("slice size must be positive, got %d", sliceSize)
	}
	size := 1
	for _, d := range processor.OutputShape(sliceSize) {
		size *= d
	}
	if want := s.spec.InputSize(); size != want {
		return errors.Errorf("%s processor yields %v per slice but %s takes %v",
			processor.Name(), processor.OutputShape(sliceSize), s.spec.Name, s.spec.InputShape)
	}
	return nil
}
