package training

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-rfml/dataset"
)

func sampleRecords() []PredictionRecord {
	return []PredictionRecord{
		{Example: "a-1", Device: "tx-a", TrueClass: 0, SliceClasses: []int{0, 0, 1}, Voted: 0,
			Probabilities: [][]float32{{0.9, 0.1}, {0.8, 0.2}, {0.4, 0.6}}},
		{Example: "a-2", Device: "tx-a", TrueClass: 0, SliceClasses: []int{1, 1}, Voted: 1,
			Probabilities: [][]float32{{0.3, 0.7}, {0.2, 0.8}}},
		{Example: "b-1", Device: "tx-b", TrueClass: 1, SliceClasses: []int{1}, Voted: 1,
			Probabilities: [][]float32{{0.1, 0.9}}},
	}
}

func TestReporter(t *testing.T) {
	dir := t.TempDir()
	reporter := &Reporter{Dir: dir, DeviceIDs: dataset.DeviceIDs{"tx-a": 0, "tx-b": 1}}

	report, err := reporter.Write(sampleRecords(), true)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 1}, {0, 1}}, report.Confusion.Matrix)

	require.Len(t, report.Devices, 2)
	a := report.Devices[0]
	assert.Equal(t, "tx-a", a.Device)
	assert.Equal(t, 2, a.Examples)
	assert.Equal(t, 1, a.CorrectExamples)
	assert.InDelta(t, 0.5, a.ExampleAccuracy, 1e-9)
	assert.Equal(t, 5, a.Slices)
	assert.InDelta(t, 0.4, a.SliceAccuracy, 1e-9)
	assert.InDelta(t, 1.0, report.Devices[1].ExampleAccuracy, 1e-9)

	assert.InDelta(t, 0.75, report.Summary.Mean, 1e-9)
	assert.InDelta(t, 0.5, report.Summary.Min, 1e-9)
	assert.InDelta(t, 1.0, report.Summary.Max, 1e-9)
	assert.InDelta(t, 0.25, report.Summary.StdDev, 1e-9)

	confusion, err := os.ReadFile(filepath.Join(dir, ConfusionMatrixFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(confusion)), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "true_device,predicted_device,count", lines[0])
	assert.Equal(t, "tx-a,tx-b,1", lines[2])

	devices, err := os.ReadFile(filepath.Join(dir, DeviceAccuracyFile))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(devices), "device,class,examples,correct_examples,example_accuracy"))
}

func TestReporterWithoutDeviceBreakdown(t *testing.T) {
	dir := t.TempDir()
	reporter := &Reporter{Dir: dir, DeviceIDs: dataset.DeviceIDs{"tx-a": 0, "tx-b": 1}}
	report, err := reporter.Write(sampleRecords(), false)
	require.NoError(t, err)
	assert.Nil(t, report.Devices)
	assert.Nil(t, report.Summary)
	assert.NoFileExists(t, filepath.Join(dir, DeviceAccuracyFile))
}

// blockWithDir puts a non-empty directory where path should go, so the
// final rename fails.
func blockWithDir(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "keep"), nil, 0644))
}

func TestReportFilesAreReplacedAtomically(t *testing.T) {
	dir := t.TempDir()
	reporter := &Reporter{Dir: dir, DeviceIDs: dataset.DeviceIDs{"tx-a": 0, "tx-b": 1}}
	_, err := reporter.Write(sampleRecords(), true)
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "only the two reports, no temporary files")

	blocked := t.TempDir()
	blockWithDir(t, filepath.Join(blocked, ConfusionMatrixFile))
	_, err = (&Reporter{Dir: blocked, DeviceIDs: reporter.DeviceIDs}).Write(sampleRecords(), false)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(blocked, ConfusionMatrixFile+".tmp"))
}

func TestSavePredictionsCleansUpOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), PredictionsFile)
	blockWithDir(t, path)
	require.Error(t, SavePredictions(path, sampleRecords()))
	assert.NoFileExists(t, path+".tmp")
}

func TestPredictionsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), PredictionsFile)
	require.NoError(t, SavePredictions(path, sampleRecords()))
	records, err := LoadPredictions(path)
	require.NoError(t, err)
	assert.Equal(t, sampleRecords(), records)

	require.NoError(t, os.WriteFile(path, []byte("not snappy"), 0644))
	_, err = LoadPredictions(path)
	assert.Error(t, err)
}
