// Package training drives a train/val/test run: it owns the model, loads the
// partition, fits with checkpointing and early stopping, and evaluates with
// slice voting.
package training

import (
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tsawler/go-rfml/checkpoints"
	"github.com/tsawler/go-rfml/dataset"
	"github.com/tsawler/go-rfml/engine"
	"github.com/tsawler/go-rfml/layers"
	"github.com/tsawler/go-rfml/models"
)

var (
	// ErrNoModel is returned when training or testing starts before a model was added or loaded.
	ErrNoModel = errors.New("session has no model")

	// ErrNoData is returned when training or testing starts before LoadData, or when
	// a split yields nothing to work on.
	ErrNoData = errors.New("session has no data")
)

// SessionConfig holds what a session needs besides the model and the data.
type SessionConfig struct {
	BasePath  string // label and partition
	StatsPath string // device ids, stats and examples per device
	SavePath  string // model description, weights and reports

	// DataRoot resolves relative example ids.
	DataRoot string

	MultiDevice bool
	// Devices lists the device indices to replicate over in multi-device mode.
	Devices []int

	ValFromTrain bool
	Seed         int64

	// CacheSize is the number of decoded examples kept in memory; 0 disables the cache.
	CacheSize int

	// Runtime executes the model. Defaults to the CPU runtime.
	Runtime engine.Runtime
}

// Session owns the model state of one run.
type Session struct {
	config SessionConfig

	spec      *layers.ModelSpec
	model     engine.Model
	sliceSize int
	classes   int

	data *dataset.Data

	epochNumber   int
	bestModelPath string
}

// NewSession validates the configuration and creates the save path.
func NewSession(config SessionConfig) (*Session, error) {
	if config.SavePath == "" {
		return nil, errors.New("session needs a save path")
	}
	if config.MultiDevice && len(config.Devices) == 0 {
		return nil, errors.New("multi-device mode needs at least one device")
	}
	if config.Runtime == nil {
		config.Runtime = engine.NewCPURuntime(config.Seed)
	}
	if err := os.MkdirAll(config.SavePath, 0755); err != nil {
		return nil, errors.Wrap(err, "create save path")
	}
	return &Session{config: config}, nil
}

// AddModel installs a freshly built model and writes its description to
// <tag>_model.json in the save path. A pretrained weights source recorded in
// the model metadata is loaded when it names a file.
func (s *Session) AddModel(sliceSize, classes int, tag string, spec *layers.ModelSpec) error {
	model, err := s.config.Runtime.Build(spec)
	if err != nil {
		return errors.Wrapf(err, "build %s on %s runtime", tag, s.config.Runtime.Name())
	}

	path := layers.ModelPath(s.config.SavePath, tag)
	if err := spec.SaveJSON(path); err != nil {
		return errors.Wrap(err, "save model structure")
	}
	log.Info().Str("path", path).Int64("parameters", spec.TotalParameters).Msg("saved new model structure")

	s.install(spec, model, sliceSize, classes)

	if src := spec.Metadata[models.MetaPretrained]; src != "" {
		if _, err := os.Stat(src); err != nil {
			log.Warn().Str("source", src).Msg("pretrained weights not found on disk, keeping initial weights")
			return nil
		}
		if err := s.restore(src); err != nil {
			return errors.Wrap(err, "load pretrained weights")
		}
		log.Info().Str("source", src).Msg("loaded pretrained weights")
	}
	return nil
}

// LoadModelStructure rebuilds a model from a description written by AddModel.
func (s *Session) LoadModelStructure(sliceSize, classes int, path string) error {
	spec, err := layers.LoadJSON(path)
	if err != nil {
		return errors.Wrap(err, "load model structure")
	}
	model, err := s.config.Runtime.Build(spec)
	if err != nil {
		return errors.Wrapf(err, "build %s on %s runtime", spec.Name, s.config.Runtime.Name())
	}
	s.install(spec, model, sliceSize, classes)
	return nil
}

func (s *Session) install(spec *layers.ModelSpec, model engine.Model, sliceSize, classes int) {
	s.spec = spec
	s.model = model
	s.sliceSize = sliceSize
	s.classes = classes
}

// LoadWeights restores weights and records the epoch encoded in the file
// name, used when training continues. Names without an epoch continue from 0.
func (s *Session) LoadWeights(path string) error {
	if s.model == nil {
		return ErrNoModel
	}
	if err := s.restore(path); err != nil {
		return err
	}

	epoch, err := checkpoints.ParseEpoch(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("continuing from epoch 0")
		epoch = 0
	}
	s.epochNumber = epoch
	return nil
}

// restore loads a weights blob into the model after checking it matches the
// architecture.
func (s *Session) restore(path string) error {
	ckpt, err := checkpoints.LoadWeights(path)
	if err != nil {
		return errors.Wrapf(err, "load weights %s", path)
	}
	if err := checkpoints.ValidateWeights(s.spec, ckpt.Weights); err != nil {
		return errors.Wrapf(err, "weights %s do not match %s", path, s.spec.Name)
	}
	if err := s.model.SetWeights(ckpt.Weights); err != nil {
		return errors.Wrapf(err, "set weights from %s", path)
	}
	return nil
}

// LoadData reads the collection; sampling "balanced" builds the replication table.
func (s *Session) LoadData(sampling string) error {
	loader := &dataset.Loader{
		BasePath:     s.config.BasePath,
		StatsPath:    s.config.StatsPath,
		ValFromTrain: s.config.ValFromTrain,
		Shuffle:      dataset.SeededShuffle(s.config.Seed),
	}
	data, err := loader.Load(sampling)
	if err != nil {
		return err
	}
	s.data = data
	return nil
}

// Data returns the loaded collection, nil before LoadData.
func (s *Session) Data() *dataset.Data {
	return s.data
}

// Model returns the single-replica model.
func (s *Session) Model() engine.Model {
	return s.model
}

// EpochNumber is the epoch recovered by the last LoadWeights.
func (s *Session) EpochNumber() int {
	return s.epochNumber
}

// BestModelPath is the best weights file of the last Train, "" before.
func (s *Session) BestModelPath() string {
	return s.bestModelPath
}

// replicated wraps the model for multi-device execution when configured.
func (s *Session) replicated() (engine.Model, error) {
	if !s.config.MultiDevice {
		return s.model, nil
	}
	parallel, err := engine.Replicate(s.model, s.config.Devices)
	if err != nil {
		return nil, errors.Wrap(err, "replicate model")
	}
	return parallel, nil
}

func (s *Session) ready() error {
	if s.model == nil {
		return ErrNoModel
	}
	if s.data == nil {
		return ErrNoData
	}
	return nil
}
