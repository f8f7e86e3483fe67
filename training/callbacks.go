package training

import (
	"github.com/rs/zerolog/log"

	"github.com/tsawler/go-rfml/checkpoints"
)

// Callback is notified once at the end of every epoch with its metrics.
type Callback interface {
	OnEpochEnd(epoch int, logs map[string]float64) error
}

// Stopper is a Callback that can end training before the last epoch.
type Stopper interface {
	Callback
	ShouldStop() bool
}

// EarlyStopping stops training once the monitored metric has not improved
// by more than MinDelta for Patience consecutive epochs.
type EarlyStopping struct {
	Monitor  string
	MinDelta float64
	Patience int
	Verbose  bool

	best         *checkpoints.Best
	wait         int
	stop         bool
	stoppedEpoch int
}

// NewEarlyStopping watches monitor in auto mode.
func NewEarlyStopping(monitor string, minDelta float64, patience int, verbose bool) *EarlyStopping {
	return &EarlyStopping{
		Monitor:      monitor,
		MinDelta:     minDelta,
		Patience:     patience,
		Verbose:      verbose,
		best:         checkpoints.NewBest(monitor, checkpoints.ModeAuto),
		stoppedEpoch: -1,
	}
}

// OnEpochEnd updates the wait counter.
func (es *EarlyStopping) OnEpochEnd(epoch int, logs map[string]float64) error {
	current, ok := logs[es.Monitor]
	if !ok {
		log.Warn().Str("monitor", es.Monitor).Msg("early stopping conditioned on a metric that is not available")
		return nil
	}

	shifted := current - es.MinDelta
	if es.best.Mode == checkpoints.ModeMin {
		shifted = current + es.MinDelta
	}
	if es.best.Improves(shifted) {
		es.best.Observe(epoch, current, "")
		es.wait = 0
		return nil
	}

	es.wait++
	if es.wait >= es.Patience {
		es.stop = true
		es.stoppedEpoch = epoch
		if es.Verbose {
			log.Info().Int("epoch", epoch+1).Str("monitor", es.Monitor).Float64("best", es.best.Value).Msg("early stopping")
		}
	}
	return nil
}

// ShouldStop reports whether patience ran out.
func (es *EarlyStopping) ShouldStop() bool {
	return es.stop
}

// StoppedEpoch is the 0-based epoch training stopped after, -1 if it did not.
func (es *EarlyStopping) StoppedEpoch() int {
	return es.stoppedEpoch
}
