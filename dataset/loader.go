package dataset

import (
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SamplingBalanced selects per-device replication; any other mode samples
// every example once.
const SamplingBalanced = "balanced"

// Loader reads a collection from the partition directory (label, partition)
// and the statistics directory (device_ids, stats, ex_per_device).
type Loader struct {
	BasePath     string
	StatsPath    string
	ValFromTrain bool

	// Shuffle permutes train before the validation split is carved off.
	// Defaults to SeededShuffle(0).
	Shuffle Shuffler
}

// Data is everything Load resolves.
type Data struct {
	Labels      LabelMap
	DeviceIDs   DeviceIDs
	Stats       Stats
	Partition   Partition
	ExPerDevice map[string]int

	Train []ExampleID
	Val   []ExampleID
	Test  []ExampleID

	Replication ReplicationTable
}

// Load reads the collection and resolves the validation split: an explicit
// val list is used as is; with ValFromTrain the last tenth of the shuffled
// train list becomes val; otherwise val is the test list.
func (l *Loader) Load(sampling string) (*Data, error) {
	base := NewStore(l.BasePath)
	stats := NewStore(l.StatsPath)

	data := &Data{}
	if err := base.Read(FileLabel, &data.Labels); err != nil {
		return nil, errors.Wrap(err, "load labels")
	}
	if err := stats.Read(FileDeviceIDs, &data.DeviceIDs); err != nil {
		return nil, errors.Wrap(err, "load device ids")
	}
	if err := data.DeviceIDs.Validate(); err != nil {
		return nil, err
	}
	if err := stats.Read(FileStats, &data.Stats); err != nil {
		return nil, errors.Wrap(err, "load stats")
	}
	if err := base.Read(FilePartition, &data.Partition); err != nil {
		return nil, errors.Wrap(err, "load partition")
	}

	train, ok := data.Partition[SplitTrain]
	if !ok {
		return nil, errors.Wrapf(ErrMissingPartitionKey, "%q", SplitTrain)
	}
	test, ok := data.Partition[SplitTest]
	if !ok {
		return nil, errors.Wrapf(ErrMissingPartitionKey, "%q", SplitTest)
	}

	data.Train = append([]ExampleID(nil), train...)
	data.Test = append([]ExampleID(nil), test...)
	if val, ok := data.Partition[SplitVal]; ok {
		data.Val = append([]ExampleID(nil), val...)
	} else if l.ValFromTrain {
		shuffle := l.Shuffle
		if shuffle == nil {
			shuffle = SeededShuffle(0)
		}
		shuffle(data.Train)
		cut := int(math.Floor(0.9 * float64(len(data.Train))))
		data.Val = data.Train[cut:]
		data.Train = data.Train[:cut:cut]
	} else {
		data.Val = data.Test
	}

	for split, list := range map[string][]ExampleID{SplitTrain: data.Train, SplitVal: data.Val, SplitTest: data.Test} {
		if err := data.validate(list); err != nil {
			return nil, errors.Wrapf(err, "%s split", split)
		}
	}

	log.Info().
		Str("train", humanize.Comma(int64(len(data.Train)))).
		Str("val", humanize.Comma(int64(len(data.Val)))).
		Str("test", humanize.Comma(int64(len(data.Test)))).
		Msg("loaded partition")

	if strings.EqualFold(sampling, SamplingBalanced) {
		if err := stats.Read(FileExPerDevice, &data.ExPerDevice); err != nil {
			return nil, errors.Wrap(err, "load examples per device")
		}
		data.Replication = NewReplicationTable(data.ExPerDevice)
	} else {
		data.Replication = UniformTable(data.DeviceIDs)
	}
	return data, nil
}

func (d *Data) validate(list []ExampleID) error {
	for _, id := range list {
		if _, err := d.ClassOf(id); err != nil {
			return err
		}
	}
	return nil
}

// DeviceOf returns the device label of an example.
func (d *Data) DeviceOf(id ExampleID) (string, error) {
	device, ok := d.Labels[id]
	if !ok {
		return "", errors.Wrapf(ErrUnknownLabel, "%s has no label", id)
	}
	return device, nil
}

// ClassOf returns the class index of an example.
func (d *Data) ClassOf(id ExampleID) (int, error) {
	device, err := d.DeviceOf(id)
	if err != nil {
		return 0, err
	}
	class, ok := d.DeviceIDs[device]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownLabel, "%s is labelled %q", id, device)
	}
	return class, nil
}

// NumClasses is the number of devices.
func (d *Data) NumClasses() int {
	return len(d.DeviceIDs)
}
