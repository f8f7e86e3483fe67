// Package config loads the run configuration from a YAML file, RFML_
// environment variables and the defaults below, in increasing order of
// precedence: defaults, file, environment.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/tsawler/go-rfml/engine"
	"github.com/tsawler/go-rfml/models"
	"github.com/tsawler/go-rfml/training"
)

// EnvPrefix prefixes every environment override, e.g. RFML_TRAIN_EPOCHS.
const EnvPrefix = "RFML"

// DevicesEnv lists the visible compute devices, comma separated.
const DevicesEnv = "CUDA_VISIBLE_DEVICES"

// Config is a complete run configuration.
type Config struct {
	LogLevel   string `mapstructure:"log_level"`
	LogConsole bool   `mapstructure:"log_console"`

	Session  SessionOptions       `mapstructure:"session"`
	Model    ModelOptions         `mapstructure:"model"`
	Sampling string               `mapstructure:"sampling"` // balanced or anything else
	Train    training.TrainConfig `mapstructure:"train"`
	Test     training.TestConfig  `mapstructure:"test"`
}

// SessionOptions locate the collection and the outputs.
type SessionOptions struct {
	BasePath     string `mapstructure:"base_path"`
	StatsPath    string `mapstructure:"stats_path"`
	SavePath     string `mapstructure:"save_path"`
	DataRoot     string `mapstructure:"data_root"`
	MultiDevice  bool   `mapstructure:"multi_device"`
	ValFromTrain bool   `mapstructure:"val_from_train"`
	Seed         int64  `mapstructure:"seed"`
	CacheSize    int    `mapstructure:"cache_size"`
}

// ModelOptions select and size the architecture.
type ModelOptions struct {
	Type      string `mapstructure:"type"`
	SliceSize int    `mapstructure:"slice_size"`
	// Classes defaults to the number of devices when 0.
	Classes   int  `mapstructure:"classes"`
	Channels  int  `mapstructure:"channels"`
	CNNStacks int  `mapstructure:"cnn_stacks"`
	FCStacks  int  `mapstructure:"fc_stacks"`
	FC1       int  `mapstructure:"fc1"`
	FC2       int  `mapstructure:"fc2"`
	Dropout   bool `mapstructure:"dropout"`
	BatchNorm bool `mapstructure:"batchnorm"`

	PretrainedWeights string `mapstructure:"pretrained_weights"`
	// Weights is loaded before training continues or before testing.
	Weights string `mapstructure:"weights"`
}

// Load reads path, which may be empty, and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// no default to register the key with, so bind it explicitly
	if err := v.BindEnv("train.optimizer.epsilon"); err != nil {
		return nil, errors.Wrap(err, "bind epsilon")
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_console", true)
	v.SetDefault("sampling", "balanced")

	v.SetDefault("session.save_path", "./output")
	v.SetDefault("session.multi_device", false)
	v.SetDefault("session.val_from_train", false)
	v.SetDefault("session.seed", 0)
	v.SetDefault("session.cache_size", 1024)
	v.SetDefault("session.base_path", "")
	v.SetDefault("session.stats_path", "")
	v.SetDefault("session.data_root", "")

	m := models.DefaultConfig()
	v.SetDefault("model.type", models.Dense.String())
	v.SetDefault("model.slice_size", m.SliceSize)
	v.SetDefault("model.classes", 0)
	v.SetDefault("model.channels", m.Channels)
	v.SetDefault("model.cnn_stacks", m.CNNStacks)
	v.SetDefault("model.fc_stacks", m.FCStacks)
	v.SetDefault("model.fc1", m.FC1)
	v.SetDefault("model.fc2", m.FC2)
	v.SetDefault("model.dropout", false)
	v.SetDefault("model.batchnorm", false)
	v.SetDefault("model.pretrained_weights", "")
	v.SetDefault("model.weights", "")

	t := training.DefaultTrainConfig()
	v.SetDefault("train.batch_size", t.BatchSize)
	v.SetDefault("train.workers", t.Workers)
	v.SetDefault("train.files_per_io", t.FilesPerIO)
	v.SetDefault("train.continue", t.Continue)
	v.SetDefault("train.optimizer.lr", t.Optimizer.LearningRate)
	v.SetDefault("train.optimizer.beta_1", t.Optimizer.Beta1)
	v.SetDefault("train.optimizer.beta_2", t.Optimizer.Beta2)
	v.SetDefault("train.optimizer.decay", t.Optimizer.Decay)
	v.SetDefault("train.optimizer.amsgrad", t.Optimizer.AMSGrad)
	v.SetDefault("train.epochs", t.Epochs)
	v.SetDefault("train.generator", t.Generator)
	v.SetDefault("train.processor", t.Processor)
	v.SetDefault("train.shrink", t.Shrink)
	v.SetDefault("train.strategy", t.Strategy)
	v.SetDefault("train.file_format", t.FileFormat)
	v.SetDefault("train.early_stopping", t.EarlyStopping)
	v.SetDefault("train.patience", t.Patience)
	v.SetDefault("train.normalize", t.Normalize)
	v.SetDefault("train.decimated", t.Decimated)
	v.SetDefault("train.add_padding", t.AddPadding)
	v.SetDefault("train.try_concat", t.TryConcat)
	v.SetDefault("train.crop", t.Crop)
	v.SetDefault("train.verbose", t.Verbose)

	e := training.DefaultTestConfig()
	v.SetDefault("test.slice_size", e.SliceSize)
	v.SetDefault("test.shrink", e.Shrink)
	v.SetDefault("test.batch_size", e.BatchSize)
	v.SetDefault("test.vote", e.Vote)
	v.SetDefault("test.processor", e.Processor)
	v.SetDefault("test.stride", e.Stride)
	v.SetDefault("test.file_format", e.FileFormat)
	v.SetDefault("test.normalize", e.Normalize)
	v.SetDefault("test.add_padding", e.AddPadding)
	v.SetDefault("test.crop", e.Crop)
	v.SetDefault("test.save_predictions", e.SavePredictions)
	v.SetDefault("test.device_accuracy", e.DeviceAccuracy)
}

// Validate checks what can be checked without touching the disk.
func (c *Config) Validate() error {
	if c.Session.BasePath == "" || c.Session.StatsPath == "" {
		return errors.New("session.base_path and session.stats_path are required")
	}
	kind, err := models.ParseKind(c.Model.Type)
	if err != nil {
		return err
	}
	if c.Model.SliceSize <= 0 {
		return errors.Errorf("model.slice_size must be positive, got %d", c.Model.SliceSize)
	}

	// the class count is only known once the data is loaded; any count
	// builds the same layer types
	spec, err := models.Build(kind, c.ModelConfig(2))
	if err != nil {
		return errors.Wrapf(err, "model.type %s", kind)
	}
	if err := engine.NewCPURuntime(c.Session.Seed).Supports(spec); err != nil {
		return errors.Wrapf(err, "model.type %s cannot run on the cpu runtime", kind)
	}
	return nil
}

// ModelConfig returns the factory configuration for classes classes.
func (c *Config) ModelConfig(classes int) models.Config {
	if c.Model.Classes > 0 {
		classes = c.Model.Classes
	}
	return models.Config{
		SliceSize:         c.Model.SliceSize,
		Classes:           classes,
		Channels:          c.Model.Channels,
		CNNStacks:         c.Model.CNNStacks,
		FCStacks:          c.Model.FCStacks,
		FC1:               c.Model.FC1,
		FC2:               c.Model.FC2,
		Dropout:           c.Model.Dropout,
		BatchNorm:         c.Model.BatchNorm,
		PretrainedWeights: c.Model.PretrainedWeights,
	}
}

// SessionConfig returns the session configuration for devices.
func (c *Config) SessionConfig(devices []int) training.SessionConfig {
	return training.SessionConfig{
		BasePath:     c.Session.BasePath,
		StatsPath:    c.Session.StatsPath,
		SavePath:     c.Session.SavePath,
		DataRoot:     c.Session.DataRoot,
		MultiDevice:  c.Session.MultiDevice,
		Devices:      devices,
		ValFromTrain: c.Session.ValFromTrain,
		Seed:         c.Session.Seed,
		CacheSize:    c.Session.CacheSize,
	}
}

// VisibleDevices parses CUDA_VISIBLE_DEVICES. An unset or empty variable
// means the single device 0.
func VisibleDevices() ([]int, error) {
	return ParseDevices(os.Getenv(DevicesEnv))
}

// ParseDevices parses a comma separated list of device indices.
func ParseDevices(list string) ([]int, error) {
	if strings.TrimSpace(list) == "" {
		return []int{0}, nil
	}
	var devices []int
	for _, field := range strings.Split(list, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || id < 0 {
			return nil, errors.Errorf("invalid device %q in %s", field, DevicesEnv)
		}
		devices = append(devices, id)
	}
	return devices, nil
}
