// Package dataset loads the label map, device ids, statistics and
// train/val/test partition that describe a capture collection.
package dataset

import (
	"encoding/json"
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

var (
	// ErrMissingPartitionKey is returned when the partition lacks train or test.
	ErrMissingPartitionKey = errors.New("partition is missing a required key")

	// ErrUnknownLabel is returned for examples whose label does not resolve to a device id.
	ErrUnknownLabel = errors.New("example label does not resolve to a device id")

	// ErrSparseDeviceIDs is returned when device ids are not exactly 0..n-1.
	ErrSparseDeviceIDs = errors.New("device ids must cover 0..n-1 exactly once")

	// ErrInvalidShrink is returned for shrink fractions outside (0, 1].
	ErrInvalidShrink = errors.New("shrink fraction must be in (0, 1]")
)

// Names of the stored structures.
const (
	FileLabel       = "label"
	FilePartition   = "partition"
	FileDeviceIDs   = "device_ids"
	FileStats       = "stats"
	FileExPerDevice = "ex_per_device"
)

// Partition keys.
const (
	SplitTrain = "train"
	SplitVal   = "val"
	SplitTest  = "test"
)

// ExampleID names one capture. It is also the path of its IQ file, absolute
// or relative to the data root.
type ExampleID string

// Partition maps a split name to its examples.
type Partition map[string][]ExampleID

// LabelMap maps an example to the device that emitted it.
type LabelMap map[ExampleID]string

// DeviceIDs maps a device to its class index.
type DeviceIDs map[string]int

// Validate checks that the ids are the class indices 0..len-1, each used once.
func (d DeviceIDs) Validate() error {
	owner := make(map[int]string, len(d))
	for name, id := range d {
		if id < 0 || id >= len(d) {
			return errors.Wrapf(ErrSparseDeviceIDs, "device %s has id %d, want [0, %d)", name, id, len(d))
		}
		if other, ok := owner[id]; ok {
			return errors.Wrapf(ErrSparseDeviceIDs, "devices %s and %s share id %d", other, name, id)
		}
		owner[id] = name
	}
	return nil
}

// Names returns the devices ordered by class index.
func (d DeviceIDs) Names() []string {
	names := make([]string, len(d))
	for name, id := range d {
		if id >= 0 && id < len(names) {
			names[id] = name
		}
	}
	return names
}

// Channels holds a statistic stored either as one number or one per channel.
type Channels []float64

// UnmarshalJSON accepts a number or an array of numbers.
func (c *Channels) UnmarshalJSON(data []byte) error {
	var scalar float64
	if err := json.Unmarshal(data, &scalar); err == nil {
		*c = Channels{scalar}
		return nil
	}
	var values []float64
	if err := json.Unmarshal(data, &values); err != nil {
		return errors.Wrap(err, "statistic must be a number or an array of numbers")
	}
	*c = values
	return nil
}

// At returns the value for channel ch, broadcasting a scalar.
func (c Channels) At(ch int) float64 {
	if len(c) == 1 {
		return c[0]
	}
	return c[ch]
}

// Stats are dataset-wide statistics.
type Stats struct {
	AvgSamples float64  `json:"avg_samples"`
	Mean       Channels `json:"mean,omitempty"`
	Std        Channels `json:"std,omitempty"`
}

// HasNormalization reports whether both mean and std are present.
func (s Stats) HasNormalization() bool {
	return len(s.Mean) > 0 && len(s.Std) > 0
}

// MaxReplication caps the replication factor of a device.
const MaxReplication = 2000

// ReplicationTable maps a device to the number of times each of its
// examples is repeated per epoch.
type ReplicationTable map[string]int

// NewReplicationTable balances devices against the best represented one:
// min(floor(max/count), MaxReplication). Devices with no examples get 1.
func NewReplicationTable(exPerDevice map[string]int) ReplicationTable {
	peak := 0
	for _, n := range exPerDevice {
		if n > peak {
			peak = n
		}
	}
	table := make(ReplicationTable, len(exPerDevice))
	for dev, n := range exPerDevice {
		if n <= 0 {
			table[dev] = 1
			continue
		}
		factor := int(math.Floor(float64(peak) / float64(n)))
		if factor > MaxReplication {
			factor = MaxReplication
		}
		table[dev] = factor
	}
	return table
}

// UniformTable replicates every device once.
func UniformTable(ids DeviceIDs) ReplicationTable {
	table := make(ReplicationTable, len(ids))
	for dev := range ids {
		table[dev] = 1
	}
	return table
}

// Factor returns the replication of device; absent devices, and a nil
// table, replicate once.
func (t ReplicationTable) Factor(device string) int {
	if f, ok := t[device]; ok && f > 0 {
		return f
	}
	return 1
}

// Shrink keeps the first floor(f*len) examples.
func Shrink(list []ExampleID, f float64) ([]ExampleID, error) {
	if math.IsNaN(f) || f <= 0 || f > 1 {
		return nil, errors.Wrapf(ErrInvalidShrink, "got %g", f)
	}
	n := int(math.Floor(float64(len(list)) * f))
	return list[:n:n], nil
}

// Shuffler permutes a list in place.
type Shuffler func(list []ExampleID)

// SeededShuffle returns a reproducible Shuffler.
func SeededShuffle(seed int64) Shuffler {
	rng := rand.New(rand.NewSource(seed))
	return func(list []ExampleID) {
		rng.Shuffle(len(list), func(i, j int) { list[i], list[j] = list[j], list[i] })
	}
}
