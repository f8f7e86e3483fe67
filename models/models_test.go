package models

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-rfml/layers"
)

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"baseline":    Baseline1D,
		"Baseline":    Baseline1D,
		"BASELINE_2D": Baseline2D,
		"vgg16":       VGG16,
		"ResNet50":    ResNet50,
		"resnet1d":    ResNet1D,
		"dense":       Dense,
	}
	for tag, want := range cases {
		got, err := ParseKind(tag)
		require.NoError(t, err, tag)
		assert.Equal(t, want, got, tag)
	}

	_, err := ParseKind("transformer")
	assert.True(t, errors.Is(err, ErrUnknownModelType))
}

func TestEveryKindHasOneConstructor(t *testing.T) {
	assert.Len(t, constructors, len(kindTags))
	for k := range kindTags {
		_, ok := constructors[k]
		assert.True(t, ok, k.String())
	}
}

func TestBuildShapes(t *testing.T) {
	cfg := Config{SliceSize: 64, Classes: 5, Channels: 8, CNNStacks: 2, FCStacks: 1, FC1: 16, FC2: 8, Dropout: true, BatchNorm: true}

	tests := []struct {
		kind  Kind
		input []int
	}{
		{Baseline1D, []int{64, 2}},
		{Baseline2D, []int{2, 64, 1}},
		{VGG16, []int{64, 64, 3}},
		{ResNet50, []int{64, 64, 3}},
		{ResNet1D, []int{64, 2}},
		{Dense, []int{64, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			spec, err := Build(tt.kind, cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.input, spec.InputShape)
			assert.Equal(t, []int{5}, spec.OutputShape)
			assert.Equal(t, tt.kind.String(), spec.Metadata[MetaKind])
			assert.Equal(t, layers.Softmax, spec.Layers[len(spec.Layers)-1].Type)
			assert.Greater(t, spec.TotalParameters, int64(0))
		})
	}
}

func TestBuildBaselineOptions(t *testing.T) {
	plain, err := Build(Baseline1D, Config{SliceSize: 128, Classes: 3, Channels: 4, CNNStacks: 3, FCStacks: 2, FC1: 8, FC2: 4})
	require.NoError(t, err)

	count := func(spec *layers.ModelSpec, lt layers.LayerType) int {
		n := 0
		spec.Walk(func(l *layers.LayerSpec) {
			if l.Type == lt {
				n++
			}
		})
		return n
	}
	assert.Equal(t, 6, count(plain, layers.Conv1D))
	assert.Equal(t, 3, count(plain, layers.MaxPool1D))
	assert.Equal(t, 0, count(plain, layers.Dropout))
	assert.Equal(t, 0, count(plain, layers.BatchNorm))
	assert.Equal(t, 4, count(plain, layers.Dense))
	assert.Equal(t, []int{16, 4}, plain.Layers[len(plain.Layers)-10].OutputShape)

	tuned, err := Build(Baseline1D, Config{SliceSize: 128, Classes: 3, Channels: 4, CNNStacks: 3, FCStacks: 2, FC1: 8, FC2: 4, Dropout: true, BatchNorm: true})
	require.NoError(t, err)
	assert.Equal(t, 3, count(tuned, layers.Dropout))
	assert.Equal(t, 3, count(tuned, layers.BatchNorm))
}

func TestBuildRecordsPretrainedWeights(t *testing.T) {
	spec, err := Build(VGG16, Config{SliceSize: 32, Classes: 4, PretrainedWeights: "imagenet.hdf5"})
	require.NoError(t, err)
	assert.Equal(t, "imagenet.hdf5", spec.Metadata[MetaPretrained])
}

func TestBuildRejectsBadConfig(t *testing.T) {
	_, err := Build(Dense, Config{SliceSize: 0, Classes: 3})
	assert.Error(t, err)
	_, err = Build(Dense, Config{SliceSize: 16, Classes: 1})
	assert.Error(t, err)
	_, err = Build(Kind(99), Config{SliceSize: 16, Classes: 3})
	assert.True(t, errors.Is(err, ErrUnknownModelType))
}
