package checkpoints

import (
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrCorruptCheckpointName is returned by ParseEpoch for names that do not
// carry an epoch.
var ErrCorruptCheckpointName = errors.New("checkpoint name does not carry an epoch")

// DefaultFilename is the fixed weights file written into the save path.
const DefaultFilename = "weights.hdf5"

// Mode says whether a larger or a smaller monitored value is better.
type Mode string

const (
	ModeAuto Mode = "auto"
	ModeMax  Mode = "max"
	ModeMin  Mode = "min"
)

// resolveMode picks max for accuracy-like metrics when mode is auto.
func resolveMode(monitor string, mode Mode) Mode {
	switch mode {
	case ModeMax, ModeMin:
		return mode
	}
	if strings.Contains(monitor, "acc") || strings.HasPrefix(monitor, "fmeasure") {
		return ModeMax
	}
	return ModeMin
}

// Best tracks the best monitored value seen so far and where its weights live.
type Best struct {
	Monitor string
	Mode    Mode
	Value   float64
	Epoch   int
	Path    string
	Seen    bool
}

// NewBest returns an empty accumulator: -Inf in max mode, +Inf in min mode.
func NewBest(monitor string, mode Mode) *Best {
	mode = resolveMode(monitor, mode)
	value := math.Inf(-1)
	if mode == ModeMin {
		value = math.Inf(1)
	}
	return &Best{Monitor: monitor, Mode: mode, Value: value, Epoch: -1}
}

// Improves reports whether value is strictly better than the best so far.
func (b *Best) Improves(value float64) bool {
	if math.IsNaN(value) {
		return false
	}
	if !b.Seen {
		return true
	}
	if b.Mode == ModeMin {
		return value < b.Value
	}
	return value > b.Value
}

// Observe records value if it improves on the best and reports whether it did.
func (b *Best) Observe(epoch int, value float64, path string) bool {
	if !b.Improves(value) {
		return false
	}
	b.Value = value
	b.Epoch = epoch
	b.Path = path
	b.Seen = true
	return true
}

// CheckpointConfig configures a ModelCheckpoint.
type CheckpointConfig struct {
	// Filepath may contain {epoch} (1-based, zero padded) and {<metric>}
	// placeholders, e.g. "weights.{epoch}-{val_acc}.hdf5".
	Filepath     string
	Monitor      string
	Mode         Mode
	SaveBestOnly bool
	Verbose      bool
}

// DefaultCheckpointConfig saves the best val_acc into weights.hdf5 under dir.
func DefaultCheckpointConfig(dir string) CheckpointConfig {
	return CheckpointConfig{
		Filepath:     filepath.Join(dir, DefaultFilename),
		Monitor:      "val_acc",
		Mode:         ModeAuto,
		SaveBestOnly: true,
	}
}

// ModelCheckpoint saves a model's weights at the end of an epoch when the
// monitored metric improves.
type ModelCheckpoint struct {
	config CheckpointConfig
	source WeightSource
	best   *Best
}

// NewModelCheckpoint watches a single-replica model.
func NewModelCheckpoint(model WeightSource, config CheckpointConfig) *ModelCheckpoint {
	return &ModelCheckpoint{
		config: config,
		source: model,
		best:   NewBest(config.Monitor, config.Mode),
	}
}

// Serial is implemented by models spread over several devices; SerialModel
// returns the single-device model whose weights the replicas share.
type Serial interface {
	SerialModel() WeightSource
}

// NewMultiDeviceCheckpoint watches a replicated model but always saves the
// weights of its serial model, so the blob loads into a single replica.
func NewMultiDeviceCheckpoint(model Serial, config CheckpointConfig) *ModelCheckpoint {
	return NewModelCheckpoint(model.SerialModel(), config)
}

// Best returns the accumulator; its Path is the best weights file so far.
func (mc *ModelCheckpoint) Best() *Best {
	return mc.best
}

// BestPath returns the path of the best weights written, or "" if none.
func (mc *ModelCheckpoint) BestPath() string {
	return mc.best.Path
}

// OnEpochEnd is called once per completed epoch (0-based) with that epoch's
// metrics.
func (mc *ModelCheckpoint) OnEpochEnd(epoch int, logs map[string]float64) error {
	current, ok := logs[mc.config.Monitor]
	if !ok {
		log.Warn().Str("monitor", mc.config.Monitor).Int("epoch", epoch+1).
			Msg("can save best model only with the monitored metric available, skipping")
		return nil
	}

	path := FormatPath(mc.config.Filepath, epoch, logs)

	if mc.config.SaveBestOnly && !mc.best.Improves(current) {
		if mc.config.Verbose {
			log.Info().Int("epoch", epoch+1).Str("monitor", mc.config.Monitor).
				Float64("value", current).Float64("best", mc.best.Value).
				Msg("did not improve")
		}
		return nil
	}

	if mc.config.Verbose {
		from := mc.best.Value
		log.Info().Int("epoch", epoch+1).Str("monitor", mc.config.Monitor).
			Float64("from", from).Float64("to", current).Str("path", path).
			Msg("saving model")
	}

	checkpoint := &Checkpoint{
		Weights: mc.source.Weights(),
		TrainingState: TrainingState{
			Epoch:   epoch,
			Monitor: mc.config.Monitor,
			Value:   current,
		},
	}
	if err := SaveWeights(path, checkpoint); err != nil {
		return errors.Wrapf(err, "save checkpoint for epoch %d", epoch+1)
	}
	mc.best.Observe(epoch, current, path)
	return nil
}

var placeholder = regexp.MustCompile(`\{([a-zA-Z_]+)\}`)

// FormatPath fills the placeholders of a checkpoint file pattern. Unknown
// metrics are left untouched.
func FormatPath(pattern string, epoch int, logs map[string]float64) string {
	return placeholder.ReplaceAllStringFunc(pattern, func(m string) string {
		key := m[1 : len(m)-1]
		if key == "epoch" {
			return fmt.Sprintf("%02d", epoch+1)
		}
		if v, ok := logs[key]; ok {
			return fmt.Sprintf("%.2f", v)
		}
		return m
	})
}

// ParseEpoch recovers the epoch from names like "weights.07-0.93.hdf5": the
// basename up to the first '-', then the part after the first '.'.
func ParseEpoch(path string) (int, error) {
	name := filepath.Base(path)
	head := strings.SplitN(name, "-", 2)[0]
	parts := strings.Split(head, ".")
	if len(parts) < 2 {
		return 0, errors.Wrapf(ErrCorruptCheckpointName, "%q", name)
	}
	epoch, err := strconv.Atoi(parts[1])
	if err != nil || epoch < 0 {
		return 0, errors.Wrapf(ErrCorruptCheckpointName, "%q", name)
	}
	return epoch, nil
}
