package training

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/golang/snappy"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tsawler/go-rfml/dataset"
)

// Report files written into the save path.
const (
	ConfusionMatrixFile = "confusion_matrix.csv"
	DeviceAccuracyFile  = "device_accuracy.csv"
)

// ConfusionRow is one cell of the example-level confusion matrix.
type ConfusionRow struct {
	TrueDevice      string `csv:"true_device"`
	PredictedDevice string `csv:"predicted_device"`
	Count           int    `csv:"count"`
}

// DeviceAccuracy is the per-device breakdown of a test.
type DeviceAccuracy struct {
	Device          string  `csv:"device"`
	Class           int     `csv:"class"`
	Examples        int     `csv:"examples"`
	CorrectExamples int     `csv:"correct_examples"`
	ExampleAccuracy float64 `csv:"example_accuracy"`
	Slices          int     `csv:"slices"`
	CorrectSlices   int     `csv:"correct_slices"`
	SliceAccuracy   float64 `csv:"slice_accuracy"`
}

// AccuracySummary summarises the example accuracy across devices.
type AccuracySummary struct {
	Mean   float64
	Median float64
	StdDev float64
	Min    float64
	Max    float64
}

// Report is what a Reporter computed.
type Report struct {
	Confusion *ConfusionMatrix
	Devices   []DeviceAccuracy // nil unless requested
	Summary   *AccuracySummary // nil unless requested
}

// Reporter writes the evaluation reports of a test.
type Reporter struct {
	Dir       string
	DeviceIDs dataset.DeviceIDs
}

// Write builds the confusion matrix of voted classes and writes it; with
// perDevice it also writes the per-device accuracy table.
func (r *Reporter) Write(records []PredictionRecord, perDevice bool) (*Report, error) {
	names := r.DeviceIDs.Names()
	report := &Report{Confusion: NewConfusionMatrix(len(names))}
	for _, rec := range records {
		if rec.Voted < 0 {
			continue
		}
		if err := report.Confusion.Add(rec.TrueClass, rec.Voted); err != nil {
			return nil, errors.Wrapf(err, "example %s", rec.Example)
		}
	}

	var rows []*ConfusionRow
	for t, row := range report.Confusion.Matrix {
		for p, count := range row {
			rows = append(rows, &ConfusionRow{TrueDevice: names[t], PredictedDevice: names[p], Count: count})
		}
	}
	if err := writeCSV(filepath.Join(r.Dir, ConfusionMatrixFile), &rows); err != nil {
		return nil, err
	}
	log.Info().
		Float64("accuracy", report.Confusion.GetAccuracy()).
		Float64("macro_f1", report.Confusion.GetMetric(MacroF1)).
		Msg("confusion matrix written")

	if !perDevice {
		return report, nil
	}

	report.Devices = deviceAccuracy(records, names)
	var accuracies []float64
	rowsOut := make([]*DeviceAccuracy, 0, len(report.Devices))
	for i := range report.Devices {
		rowsOut = append(rowsOut, &report.Devices[i])
		if report.Devices[i].Examples > 0 {
			accuracies = append(accuracies, report.Devices[i].ExampleAccuracy)
		}
	}
	if err := writeCSV(filepath.Join(r.Dir, DeviceAccuracyFile), &rowsOut); err != nil {
		return nil, err
	}

	summary, err := summarize(accuracies)
	if err != nil {
		return nil, err
	}
	report.Summary = summary
	log.Info().
		Float64("mean", summary.Mean).
		Float64("median", summary.Median).
		Float64("std", summary.StdDev).
		Float64("min", summary.Min).
		Float64("max", summary.Max).
		Msg("per-device example accuracy")
	return report, nil
}

func deviceAccuracy(records []PredictionRecord, names []string) []DeviceAccuracy {
	out := make([]DeviceAccuracy, len(names))
	for class, name := range names {
		out[class] = DeviceAccuracy{Device: name, Class: class}
	}
	for _, rec := range records {
		if rec.TrueClass < 0 || rec.TrueClass >= len(out) {
			continue
		}
		d := &out[rec.TrueClass]
		d.Examples++
		if rec.Voted == rec.TrueClass {
			d.CorrectExamples++
		}
		d.Slices += len(rec.SliceClasses)
		d.CorrectSlices += rec.CorrectSlices()
	}
	for i := range out {
		if out[i].Examples > 0 {
			out[i].ExampleAccuracy = float64(out[i].CorrectExamples) / float64(out[i].Examples)
		}
		if out[i].Slices > 0 {
			out[i].SliceAccuracy = float64(out[i].CorrectSlices) / float64(out[i].Slices)
		}
	}
	return out
}

func summarize(values []float64) (*AccuracySummary, error) {
	if len(values) == 0 {
		return &AccuracySummary{}, nil
	}
	var s AccuracySummary
	var err error
	if s.Mean, err = stats.Mean(values); err != nil {
		return nil, err
	}
	if s.Median, err = stats.Median(values); err != nil {
		return nil, err
	}
	if s.StdDev, err = stats.StandardDeviation(values); err != nil {
		return nil, err
	}
	if s.Min, err = stats.Min(values); err != nil {
		return nil, err
	}
	if s.Max, err = stats.Max(values); err != nil {
		return nil, err
	}
	return &s, nil
}

func writeCSV(path string, rows interface{}) error {
	var buf bytes.Buffer
	if err := gocsv.Marshal(rows, &buf); err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	return writeFileAtomic(path, buf.Bytes())
}

// writeFileAtomic replaces path through a temporary file in the same
// directory, which never outlives the call.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	defer os.Remove(tmp)
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "replace %s", path)
	}
	return nil
}

// SavePredictions writes records as snappy-compressed JSON.
func SavePredictions(path string, records []PredictionRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return errors.Wrap(err, "encode predictions")
	}
	return errors.Wrap(writeFileAtomic(path, snappy.Encode(nil, data)), "save predictions")
}

// LoadPredictions reads records written by SavePredictions.
func LoadPredictions(path string) ([]PredictionRecord, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.Wrapf(err, "decompress %s", path)
	}
	var records []PredictionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return records, nil
}
