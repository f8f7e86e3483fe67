package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(prefix string, n int) []ExampleID {
	out := make([]ExampleID, n)
	for i := range out {
		out[i] = ExampleID(fmt.Sprintf("%s/%03d.bin", prefix, i))
	}
	return out
}

type fixture struct {
	base, stats string
	labels      LabelMap
}

// writeFixture stores a collection with two devices; half the examples of
// every split belong to each.
func writeFixture(t *testing.T, partition Partition, compress bool) fixture {
	t.Helper()
	root := t.TempDir()
	f := fixture{base: filepath.Join(root, "base"), stats: filepath.Join(root, "stats"), labels: LabelMap{}}
	for _, list := range partition {
		for i, id := range list {
			f.labels[id] = []string{"dev-a", "dev-b"}[i%2]
		}
	}

	base, stats := NewStore(f.base), NewStore(f.stats)
	require.NoError(t, base.Write(FileLabel, f.labels, compress))
	require.NoError(t, base.Write(FilePartition, partition, compress))
	require.NoError(t, stats.Write(FileDeviceIDs, DeviceIDs{"dev-a": 0, "dev-b": 1}, compress))
	require.NoError(t, stats.Write(FileStats, map[string]interface{}{"avg_samples": 4096, "mean": 0.5, "std": []float64{1, 2}}, compress))
	require.NoError(t, stats.Write(FileExPerDevice, map[string]int{"dev-a": 100, "dev-b": 50}, compress))
	return f
}

func TestStoreCodecs(t *testing.T) {
	store := NewStore(t.TempDir())
	in := map[string]int{"a": 1}

	require.NoError(t, store.Write("thing", in, true))
	path, ok := store.Path("thing")
	require.True(t, ok)
	assert.Equal(t, "thing.json.sz", filepath.Base(path))

	var out map[string]int
	require.NoError(t, store.Read("thing", &out))
	assert.Equal(t, in, out)

	require.NoError(t, store.Write("thing", map[string]int{"b": 2}, false))
	path, _ = store.Path("thing")
	assert.Equal(t, "thing.json", filepath.Base(path))
	out = nil
	require.NoError(t, store.Read("thing", &out))
	assert.Equal(t, map[string]int{"b": 2}, out)

	err := store.Read("missing", &out)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.False(t, store.Exists("missing"))
}

func TestLoadExplicitVal(t *testing.T) {
	f := writeFixture(t, Partition{SplitTrain: ids("tr", 8), SplitVal: ids("va", 2), SplitTest: ids("te", 4)}, true)
	data, err := (&Loader{BasePath: f.base, StatsPath: f.stats, ValFromTrain: true}).Load("uniform")
	require.NoError(t, err)

	assert.Equal(t, ids("tr", 8), data.Train)
	assert.Equal(t, ids("va", 2), data.Val)
	assert.Equal(t, ids("te", 4), data.Test)
	assert.Equal(t, 4096.0, data.Stats.AvgSamples)
	assert.Equal(t, Channels{0.5}, data.Stats.Mean)
	assert.Equal(t, 2.0, data.Stats.Std.At(1))
	assert.Equal(t, 0.5, data.Stats.Mean.At(1))
	assert.True(t, data.Stats.HasNormalization())
	assert.Equal(t, ReplicationTable{"dev-a": 1, "dev-b": 1}, data.Replication)
	assert.Equal(t, []string{"dev-a", "dev-b"}, data.DeviceIDs.Names())
	assert.Equal(t, 2, data.NumClasses())
}

func TestLoadValFromTrain(t *testing.T) {
	train := ids("tr", 90)
	f := writeFixture(t, Partition{SplitTrain: train, SplitTest: ids("te", 10)}, false)

	var shuffled []ExampleID
	loader := &Loader{BasePath: f.base, StatsPath: f.stats, ValFromTrain: true, Shuffle: func(list []ExampleID) {
		for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
			list[i], list[j] = list[j], list[i]
		}
		shuffled = append([]ExampleID(nil), list...)
	}}
	data, err := loader.Load("uniform")
	require.NoError(t, err)

	require.Len(t, data.Train, 81)
	require.Len(t, data.Val, 9)
	assert.Equal(t, shuffled[:81], data.Train)
	assert.Equal(t, shuffled[81:], data.Val)

	seen := map[ExampleID]bool{}
	for _, id := range append(append([]ExampleID(nil), data.Train...), data.Val...) {
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, 90)
}

func TestLoadValFallsBackToTest(t *testing.T) {
	f := writeFixture(t, Partition{SplitTrain: ids("tr", 4), SplitTest: ids("te", 3)}, true)
	data, err := (&Loader{BasePath: f.base, StatsPath: f.stats}).Load("uniform")
	require.NoError(t, err)
	assert.Equal(t, data.Test, data.Val)
	assert.Len(t, data.Train, 4)
}

func TestLoadBalanced(t *testing.T) {
	f := writeFixture(t, Partition{SplitTrain: ids("tr", 4), SplitTest: ids("te", 2)}, true)
	data, err := (&Loader{BasePath: f.base, StatsPath: f.stats}).Load("Balanced")
	require.NoError(t, err)
	assert.Equal(t, ReplicationTable{"dev-a": 1, "dev-b": 2}, data.Replication)
}

func TestLoadMissingKeys(t *testing.T) {
	f := writeFixture(t, Partition{SplitTrain: ids("tr", 4)}, true)
	_, err := (&Loader{BasePath: f.base, StatsPath: f.stats}).Load("")
	assert.True(t, errors.Is(err, ErrMissingPartitionKey))

	f = writeFixture(t, Partition{SplitTest: ids("te", 4)}, true)
	_, err = (&Loader{BasePath: f.base, StatsPath: f.stats}).Load("")
	assert.True(t, errors.Is(err, ErrMissingPartitionKey))
}

func TestLoadUnknownLabel(t *testing.T) {
	f := writeFixture(t, Partition{SplitTrain: ids("tr", 4), SplitTest: ids("te", 2)}, false)
	f.labels["tr/001.bin"] = "dev-z"
	require.NoError(t, NewStore(f.base).Write(FileLabel, f.labels, false))

	_, err := (&Loader{BasePath: f.base, StatsPath: f.stats}).Load("")
	assert.True(t, errors.Is(err, ErrUnknownLabel))
}

func TestLoadSparseDeviceIDs(t *testing.T) {
	f := writeFixture(t, Partition{SplitTrain: ids("tr", 4), SplitTest: ids("te", 2)}, false)
	require.NoError(t, NewStore(f.stats).Write(FileDeviceIDs, DeviceIDs{"dev-a": 0, "dev-b": 2}, false))

	_, err := (&Loader{BasePath: f.base, StatsPath: f.stats}).Load("")
	assert.True(t, errors.Is(err, ErrSparseDeviceIDs))
}

func TestDeviceIDsValidate(t *testing.T) {
	assert.NoError(t, DeviceIDs{}.Validate())
	assert.NoError(t, DeviceIDs{"a": 1, "b": 0, "c": 2}.Validate())
	assert.True(t, errors.Is(DeviceIDs{"a": 0, "b": 2}.Validate(), ErrSparseDeviceIDs))
	assert.True(t, errors.Is(DeviceIDs{"a": -1, "b": 0}.Validate(), ErrSparseDeviceIDs))
	assert.True(t, errors.Is(DeviceIDs{"a": 1, "b": 1}.Validate(), ErrSparseDeviceIDs))
}

func TestReplicationTable(t *testing.T) {
	table := NewReplicationTable(map[string]int{"A": 100, "B": 50, "C": 10})
	assert.Equal(t, ReplicationTable{"A": 1, "B": 2, "C": 10}, table)

	capped := NewReplicationTable(map[string]int{"A": 1000000, "B": 1, "C": 0})
	assert.Equal(t, MaxReplication, capped.Factor("B"))
	assert.Equal(t, 1, capped.Factor("C"))
	assert.Equal(t, 1, capped.Factor("unknown"))

	var none ReplicationTable
	assert.Equal(t, 1, none.Factor("A"))
}

func TestShrink(t *testing.T) {
	list := ids("x", 10)
	out, err := Shrink(list, 0.35)
	require.NoError(t, err)
	assert.Equal(t, list[:3], out)

	out, err = Shrink(list, 1)
	require.NoError(t, err)
	assert.Equal(t, list, out)

	for _, f := range []float64{0, -0.5, 1.5} {
		_, err := Shrink(list, f)
		assert.True(t, errors.Is(err, ErrInvalidShrink), "%g", f)
	}
}

func TestChannelsJSON(t *testing.T) {
	var s Stats
	require.NoError(t, json.Unmarshal([]byte(`{"avg_samples": 10, "mean": [1, 2]}`), &s))
	assert.Equal(t, Channels{1, 2}, s.Mean)
	assert.False(t, s.HasNormalization())
	assert.Error(t, json.Unmarshal([]byte(`{"mean": "x"}`), &s))
}
