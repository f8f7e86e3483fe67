package layers

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenseModelShapes(t *testing.T) {
	model, err := NewModelBuilder("dense", []int{128, 2}).
		AddFlatten("flatten").
		AddDense(64, true, "fc1").
		AddReLU("relu1").
		AddDropout(0.5, "drop1").
		AddDense(5, true, "fc2").
		AddSoftmax("softmax").
		Compile()
	require.NoError(t, err)

	assert.Equal(t, []int{128, 2}, model.InputShape)
	assert.Equal(t, []int{5}, model.OutputShape)
	assert.Equal(t, 5, model.NumClasses())
	assert.Equal(t, 256, model.InputSize())
	assert.Equal(t, int64(256*64+64+64*5+5), model.TotalParameters)
	assert.Equal(t, [][]int{{256, 64}, {64}, {64, 5}, {5}}, model.ParameterShapes)
	assert.Contains(t, model.Summary(), "fc1")
}

func TestConvShapes(t *testing.T) {
	model, err := NewModelBuilder("conv", []int{1024, 2}).
		AddConv1D(40, 7, 1, PaddingSame, true, "conv1").
		AddMaxPool1D(2, "pool1").
		AddConv1D(40, 5, 1, PaddingValid, true, "conv2").
		AddGlobalAvgPool("gap").
		AddDense(3, true, "out").
		Compile()
	require.NoError(t, err)

	assert.Equal(t, []int{1024, 40}, model.Layers[0].OutputShape)
	assert.Equal(t, []int{512, 40}, model.Layers[1].OutputShape)
	assert.Equal(t, []int{508, 40}, model.Layers[2].OutputShape)
	assert.Equal(t, []int{40}, model.Layers[3].OutputShape)
	assert.Equal(t, []int{7, 2, 40}, model.Layers[0].ParameterShapes[0])

	model2d, err := NewModelBuilder("conv2d", []int{2, 64, 1}).
		AddConv2D(8, 1, 3, 2, PaddingSame, false, "conv").
		AddMaxPool2D(1, 2, "pool").
		Compile()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 32, 8}, model2d.Layers[0].OutputShape)
	assert.Equal(t, []int{1, 16, 8}, model2d.OutputShape)
	assert.Equal(t, int64(1*3*1*8), model2d.TotalParameters)
}

func TestResidualBlocks(t *testing.T) {
	model, err := NewModelBuilder("res", []int{64, 16}).
		AddResidual("block1", false, 1,
			Conv1DSpec(16, 3, 1, PaddingSame, true, "block1_conv1"),
			ReLUSpec("block1_relu"),
			Conv1DSpec(16, 3, 1, PaddingSame, true, "block1_conv2"),
		).
		AddResidual("block2", true, 2,
			Conv1DSpec(32, 3, 2, PaddingSame, true, "block2_conv1"),
		).
		Compile()
	require.NoError(t, err)
	assert.Equal(t, []int{32, 32}, model.OutputShape)

	var names []string
	model.Walk(func(l *LayerSpec) { names = append(names, l.Name) })
	assert.Equal(t, []string{"block1", "block1_conv1", "block1_relu", "block1_conv2", "block2", "block2_conv1"}, names)

	// projection shortcut adds a 1x1 kernel and a bias
	block2 := model.Layers[1]
	assert.Equal(t, int64(3*16*32+32+16*32+32), block2.ParameterCount)

	_, err = NewModelBuilder("bad", []int{64, 16}).
		AddResidual("block", false, 1, Conv1DSpec(32, 3, 1, PaddingSame, true, "c")).
		Compile()
	assert.Error(t, err)
}

func TestCompileErrors(t *testing.T) {
	_, err := NewModelBuilder("empty", []int{4}).Compile()
	assert.Error(t, err)

	_, err = NewModelBuilder("bad-input", []int{0, 2}).AddFlatten("f").Compile()
	assert.Error(t, err)

	_, err = NewModelBuilder("conv-on-flat", []int{16}).AddConv1D(4, 3, 1, PaddingSame, true, "c").Compile()
	assert.Error(t, err)

	_, err = NewModelBuilder("kernel", []int{2, 2}).AddConv1D(4, 3, 1, PaddingValid, true, "c").Compile()
	assert.Error(t, err)
}

func TestLayerTypeJSON(t *testing.T) {
	data, err := json.Marshal(MaxPool2D)
	require.NoError(t, err)
	assert.Equal(t, `"MaxPool2D"`, string(data))

	var lt LayerType
	require.NoError(t, json.Unmarshal([]byte(`"dense"`), &lt))
	assert.Equal(t, Dense, lt)
	assert.Error(t, json.Unmarshal([]byte(`"Attention"`), &lt))
}

func TestSaveLoadJSON(t *testing.T) {
	model, err := NewModelBuilder("baseline", []int{256, 2}).
		AddConv1D(8, 7, 1, PaddingSame, true, "conv1").
		AddBatchNorm(1e-3, 0.99, "bn1").
		AddResidual("block", false, 1, Conv1DSpec(8, 3, 1, PaddingSame, true, "inner")).
		AddDense(4, true, "out").
		AddSoftmax("softmax").
		SetMetadata("kind", "baseline").
		Compile()
	require.NoError(t, err)

	path := ModelPath(t.TempDir(), "baseline")
	assert.Equal(t, "baseline_model.json", filepath.Base(path))
	require.NoError(t, model.SaveJSON(path))

	loaded, err := LoadJSON(path)
	require.NoError(t, err)
	assert.Equal(t, model.OutputShape, loaded.OutputShape)
	assert.Equal(t, model.TotalParameters, loaded.TotalParameters)
	assert.Equal(t, model.ParameterShapes, loaded.ParameterShapes)
	assert.Equal(t, "baseline", loaded.Metadata["kind"])
	assert.Equal(t, 8, loaded.Layers[0].IntParam("filters", 0))
	assert.InDelta(t, 1e-3, loaded.Layers[1].FloatParam("eps", 0), 1e-9)
	require.Len(t, loaded.Layers[2].Layers, 1)
}
