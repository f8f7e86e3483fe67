package training

import (
	"context"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tsawler/go-rfml/dataset"
	"github.com/tsawler/go-rfml/engine"
	"github.com/tsawler/go-rfml/iq"
)

// PredictionsFile holds the prediction records when SavePredictions is set.
const PredictionsFile = "preds.pkl"

// TestConfig configures one evaluation.
type TestConfig struct {
	SliceSize  int     `mapstructure:"slice_size"`
	Shrink     float64 `mapstructure:"shrink"`
	BatchSize  int     `mapstructure:"batch_size"`
	Vote       string  `mapstructure:"vote"`
	Processor  string  `mapstructure:"processor"`
	Stride     int     `mapstructure:"stride"`
	FileFormat string  `mapstructure:"file_format"`
	Normalize  bool    `mapstructure:"normalize"`
	AddPadding bool    `mapstructure:"add_padding"`
	Crop       int     `mapstructure:"crop"`

	SavePredictions bool `mapstructure:"save_predictions"`
	DeviceAccuracy  bool `mapstructure:"device_accuracy"`
}

// DefaultTestConfig returns the defaults of the command line.
func DefaultTestConfig() TestConfig {
	return TestConfig{
		SliceSize:  1024,
		Shrink:     1,
		BatchSize:  16,
		Vote:       string(VoteMajority),
		Processor:  "no",
		Stride:     1,
		FileFormat: string(iq.FormatBin),
	}
}

// PredictionRecord holds the predictions for one test example.
type PredictionRecord struct {
	Example       dataset.ExampleID `json:"example"`
	Device        string            `json:"device"`
	TrueClass     int               `json:"true_class"`
	Probabilities [][]float32       `json:"probabilities"`
	SliceClasses  []int             `json:"slice_classes"`
	Voted         int               `json:"voted"`
}

// CorrectSlices counts slices predicted as the true class.
func (r PredictionRecord) CorrectSlices() int {
	n := 0
	for _, c := range r.SliceClasses {
		if c == r.TrueClass {
			n++
		}
	}
	return n
}

// TestResult is the outcome of Test. Predictions follow the order of the
// test list.
type TestResult struct {
	SliceAccuracy   float64
	ExampleAccuracy float64
	Predictions     []PredictionRecord
	Report          *Report
}

// Test runs inference on every slice of every test example, votes per
// example and reports slice and example accuracy. Examples too short for
// one slice are skipped.
func (s *Session) Test(ctx context.Context, config TestConfig) (*TestResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	vote, err := ParseVote(config.Vote)
	if err != nil {
		return nil, err
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	slicer := iq.SliceConfig{SliceSize: config.SliceSize, Stride: config.Stride, Crop: config.Crop, AddPadding: config.AddPadding}
	if err := slicer.Validate(); err != nil {
		return nil, err
	}

	testList, err := dataset.Shrink(s.data.Test, config.Shrink)
	if err != nil {
		return nil, errors.Wrap(err, "shrink test split")
	}

	processor, err := iq.ParseProcessor(config.Processor)
	if err != nil {
		return nil, err
	}
	if err := s.checkInput(processor, config.SliceSize); err != nil {
		return nil, err
	}
	format, err := iq.ParseFormat(config.FileFormat)
	if err != nil {
		return nil, err
	}
	reader, err := iq.NewReader(s.config.DataRoot, format, s.config.CacheSize)
	if err != nil {
		return nil, err
	}
	normalizer, err := s.normalizer(config.Normalize)
	if err != nil {
		return nil, err
	}

	net, err := s.replicated()
	if err != nil {
		return nil, err
	}

	result := &TestResult{}
	var slices, correctSlices, correctExamples int
	for _, id := range testList {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := s.predictExample(ctx, net, reader, slicer, normalizer, processor, config.BatchSize, id)
		if err != nil {
			return nil, errors.Wrapf(err, "predict %s", id)
		}
		if len(record.SliceClasses) == 0 {
			log.Warn().Str("example", string(id)).Msg("example is shorter than one slice, skipping")
			continue
		}
		record.Voted = vote.Decide(record.Probabilities)

		slices += len(record.SliceClasses)
		correctSlices += record.CorrectSlices()
		if record.Voted == record.TrueClass {
			correctExamples++
		}
		result.Predictions = append(result.Predictions, record)
	}
	if len(result.Predictions) == 0 {
		return nil, errors.Wrap(ErrNoData, "no test example yields a slice")
	}

	result.SliceAccuracy = float64(correctSlices) / float64(slices)
	result.ExampleAccuracy = float64(correctExamples) / float64(len(result.Predictions))
	log.Info().
		Str("examples", humanize.Comma(int64(len(result.Predictions)))).
		Str("slices", humanize.Comma(int64(slices))).
		Float64("slice_acc", result.SliceAccuracy).
		Float64("example_acc", result.ExampleAccuracy).
		Str("vote", string(vote)).
		Msg("test finished")

	if config.SavePredictions {
		path := filepath.Join(s.config.SavePath, PredictionsFile)
		if err := SavePredictions(path, result.Predictions); err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Msg("saved predictions")
	}

	reporter := &Reporter{Dir: s.config.SavePath, DeviceIDs: s.data.DeviceIDs}
	report, err := reporter.Write(result.Predictions, config.DeviceAccuracy)
	if err != nil {
		return nil, errors.Wrap(err, "report")
	}
	result.Report = report
	return result, nil
}

func (s *Session) predictExample(ctx context.Context, net engine.Model, reader *iq.Reader, slicer iq.SliceConfig,
	normalizer *iq.Normalizer, processor iq.Processor, batchSize int, id dataset.ExampleID) (PredictionRecord, error) {
	device, err := s.data.DeviceOf(id)
	if err != nil {
		return PredictionRecord{}, err
	}
	class, err := s.data.ClassOf(id)
	if err != nil {
		return PredictionRecord{}, err
	}
	record := PredictionRecord{Example: id, Device: device, TrueClass: class, Voted: -1}

	samples, err := reader.Read(string(id))
	if err != nil {
		return record, err
	}
	cut, _ := slicer.Cut(slicer.Prepare(samples))

	for start := 0; start < len(cut); start += batchSize {
		end := start + batchSize
		if end > len(cut) {
			end = len(cut)
		}
		var inputs []float32
		for _, slice := range cut[start:end] {
			normalizer.Apply(slice)
			inputs = append(inputs, processor.Process(slice)...)
		}
		probs, err := net.Predict(ctx, inputs, end-start)
		if err != nil {
			return record, err
		}
		for _, p := range probs {
			record.Probabilities = append(record.Probabilities, p)
			record.SliceClasses = append(record.SliceClasses, argmax32(p))
		}
	}
	return record, nil
}
