package layers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv1D
	Conv2D
	ReLU
	Softmax
	MaxPool1D
	MaxPool2D
	GlobalAvgPool
	Dropout
	BatchNorm
	Flatten
	Residual
)

var layerTypeNames = map[LayerType]string{
	Dense:         "Dense",
	Conv1D:        "Conv1D",
	Conv2D:        "Conv2D",
	ReLU:          "ReLU",
	Softmax:       "Softmax",
	MaxPool1D:     "MaxPool1D",
	MaxPool2D:     "MaxPool2D",
	GlobalAvgPool: "GlobalAvgPool",
	Dropout:       "Dropout",
	BatchNorm:     "BatchNorm",
	Flatten:       "Flatten",
	Residual:      "Residual",
}

func (lt LayerType) String() string {
	if name, ok := layerTypeNames[lt]; ok {
		return name
	}
	return "Unknown"
}

// MarshalJSON writes the layer type by name so architecture files stay readable.
func (lt LayerType) MarshalJSON() ([]byte, error) {
	name, ok := layerTypeNames[lt]
	if !ok {
		return nil, errors.Errorf("unknown layer type %d", int(lt))
	}
	return json.Marshal(name)
}

// UnmarshalJSON accepts the names written by MarshalJSON.
func (lt *LayerType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return errors.Wrap(err, "layer type must be a string")
	}
	for t, n := range layerTypeNames {
		if strings.EqualFold(n, name) {
			*lt = t
			return nil
		}
	}
	return errors.Errorf("unknown layer type %q", name)
}

// Padding modes for convolutions.
const (
	PaddingSame  = "same"
	PaddingValid = "valid"
)

// LayerSpec defines layer configuration. It is pure configuration; runtimes
// decide how (and whether) to execute it.
//
// Shapes exclude the batch dimension and are channels-last.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Residual blocks hold their main path here.
	Layers []LayerSpec `json:"layers,omitempty"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Name     string            `json:"name"`
	Layers   []LayerSpec       `json:"layers"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// NumClasses returns the width of the model output.
func (ms *ModelSpec) NumClasses() int {
	if len(ms.OutputShape) == 0 {
		return 0
	}
	return ms.OutputShape[len(ms.OutputShape)-1]
}

// InputSize returns the number of values in one input sample.
func (ms *ModelSpec) InputSize() int {
	return shapeSize(ms.InputShape)
}

// Walk visits every layer depth-first, including layers nested in residual blocks.
func (ms *ModelSpec) Walk(fn func(layer *LayerSpec)) {
	walk(ms.Layers, fn)
}

func walk(layers []LayerSpec, fn func(layer *LayerSpec)) {
	for i := range layers {
		fn(&layers[i])
		if len(layers[i].Layers) > 0 {
			walk(layers[i].Layers, fn)
		}
	}
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model Summary: %s\n", ms.Name)
	fmt.Fprintf(&b, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&b, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "Layer %d: %s (%s) %v -> %v, params %d\n",
			i+1, layer.Name, layer.Type, layer.InputShape, layer.OutputShape, layer.ParameterCount)
	}
	return b.String()
}

// Constructors for individual layer specs. The builder methods wrap these;
// residual blocks take them directly.

func DenseSpec(units int, useBias bool, name string) LayerSpec {
	return LayerSpec{Type: Dense, Name: name, Parameters: map[string]interface{}{
		"output_size": units,
		"use_bias":    useBias,
	}}
}

func Conv1DSpec(filters, kernel, stride int, padding string, useBias bool, name string) LayerSpec {
	return LayerSpec{Type: Conv1D, Name: name, Parameters: map[string]interface{}{
		"filters":  filters,
		"kernel":   kernel,
		"stride":   stride,
		"padding":  padding,
		"use_bias": useBias,
	}}
}

func Conv2DSpec(filters, kernelH, kernelW, stride int, padding string, useBias bool, name string) LayerSpec {
	return LayerSpec{Type: Conv2D, Name: name, Parameters: map[string]interface{}{
		"filters":  filters,
		"kernel_h": kernelH,
		"kernel_w": kernelW,
		"stride":   stride,
		"padding":  padding,
		"use_bias": useBias,
	}}
}

func ReLUSpec(name string) LayerSpec {
	return LayerSpec{Type: ReLU, Name: name, Parameters: map[string]interface{}{}}
}

func SoftmaxSpec(name string) LayerSpec {
	return LayerSpec{Type: Softmax, Name: name, Parameters: map[string]interface{}{}}
}

func MaxPool1DSpec(pool int, name string) LayerSpec {
	return LayerSpec{Type: MaxPool1D, Name: name, Parameters: map[string]interface{}{"pool": pool}}
}

func MaxPool2DSpec(poolH, poolW int, name string) LayerSpec {
	return LayerSpec{Type: MaxPool2D, Name: name, Parameters: map[string]interface{}{
		"pool_h": poolH,
		"pool_w": poolW,
	}}
}

func GlobalAvgPoolSpec(name string) LayerSpec {
	return LayerSpec{Type: GlobalAvgPool, Name: name, Parameters: map[string]interface{}{}}
}

func DropoutSpec(rate float32, name string) LayerSpec {
	return LayerSpec{Type: Dropout, Name: name, Parameters: map[string]interface{}{"rate": rate}}
}

func BatchNormSpec(eps, momentum float32, name string) LayerSpec {
	return LayerSpec{Type: BatchNorm, Name: name, Parameters: map[string]interface{}{
		"eps":      eps,
		"momentum": momentum,
	}}
}

func FlattenSpec(name string) LayerSpec {
	return LayerSpec{Type: Flatten, Name: name, Parameters: map[string]interface{}{}}
}

// ResidualSpec adds the block input to the output of its main path. With
// projection set, the shortcut is a strided 1x1 convolution so the shapes can
// differ; otherwise they must match.
func ResidualSpec(name string, projection bool, stride int, main ...LayerSpec) LayerSpec {
	return LayerSpec{
		Type: Residual,
		Name: name,
		Parameters: map[string]interface{}{
			"projection": projection,
			"stride":     stride,
		},
		Layers: main,
	}
}

// ModelBuilder assembles a sequential model and computes its shapes
type ModelBuilder struct {
	name       string
	layers     []LayerSpec
	inputShape []int
	metadata   map[string]string
}

// NewModelBuilder creates a new model builder. inputShape excludes the batch dimension.
func NewModelBuilder(name string, inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		name:       name,
		inputShape: append([]int(nil), inputShape...),
		metadata:   make(map[string]string),
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

func (mb *ModelBuilder) AddDense(units int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(DenseSpec(units, useBias, name))
}

func (mb *ModelBuilder) AddConv1D(filters, kernel, stride int, padding string, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(Conv1DSpec(filters, kernel, stride, padding, useBias, name))
}

func (mb *ModelBuilder) AddConv2D(filters, kernelH, kernelW, stride int, padding string, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(Conv2DSpec(filters, kernelH, kernelW, stride, padding, useBias, name))
}

func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(ReLUSpec(name))
}

func (mb *ModelBuilder) AddSoftmax(name string) *ModelBuilder {
	return mb.AddLayer(SoftmaxSpec(name))
}

func (mb *ModelBuilder) AddMaxPool1D(pool int, name string) *ModelBuilder {
	return mb.AddLayer(MaxPool1DSpec(pool, name))
}

func (mb *ModelBuilder) AddMaxPool2D(poolH, poolW int, name string) *ModelBuilder {
	return mb.AddLayer(MaxPool2DSpec(poolH, poolW, name))
}

func (mb *ModelBuilder) AddGlobalAvgPool(name string) *ModelBuilder {
	return mb.AddLayer(GlobalAvgPoolSpec(name))
}

func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(DropoutSpec(rate, name))
}

func (mb *ModelBuilder) AddBatchNorm(eps, momentum float32, name string) *ModelBuilder {
	return mb.AddLayer(BatchNormSpec(eps, momentum, name))
}

func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(FlattenSpec(name))
}

func (mb *ModelBuilder) AddResidual(name string, projection bool, stride int, main ...LayerSpec) *ModelBuilder {
	return mb.AddLayer(ResidualSpec(name, projection, stride, main...))
}

// SetMetadata attaches a free-form key to the compiled spec.
func (mb *ModelBuilder) SetMetadata(key, value string) *ModelBuilder {
	mb.metadata[key] = value
	return mb
}

// Compile computes shapes and parameter information for every layer
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, errors.Errorf("cannot compile empty model")
	}
	if err := validateShape(mb.inputShape); err != nil {
		return nil, errors.Wrap(err, "invalid input shape")
	}

	model := &ModelSpec{
		Name:       mb.name,
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	copy(model.Layers, mb.layers)
	if len(mb.metadata) > 0 {
		model.Metadata = make(map[string]string, len(mb.metadata))
		for k, v := range mb.metadata {
			model.Metadata[k] = v
		}
	}

	if err := model.compile(); err != nil {
		return nil, err
	}
	return model, nil
}

// Recompile recomputes shape information, e.g. after loading a spec from disk.
func (ms *ModelSpec) Recompile() error {
	return ms.compile()
}

func (ms *ModelSpec) compile() error {
	outputShape, shapes, total, err := compileSequence(ms.Layers, ms.InputShape)
	if err != nil {
		return err
	}
	ms.OutputShape = outputShape
	ms.ParameterShapes = shapes
	ms.TotalParameters = total
	ms.Compiled = true
	return nil
}

func compileSequence(layers []LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	currentShape := inputShape
	var allShapes [][]int
	total := int64(0)

	for i := range layers {
		layer := &layers[i]
		if layer.Parameters == nil {
			layer.Parameters = map[string]interface{}{}
		}
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, nil, 0, errors.Wrapf(err, "failed to compute layer %d (%s) info", i, layer.Name)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allShapes = append(allShapes, paramShapes...)
		total += paramCount
		currentShape = outputShape
	}
	return currentShape, allShapes, total, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv1D:
		return computeConv1DInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case MaxPool1D:
		return computeMaxPool1DInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPool2DInfo(layer, inputShape)
	case GlobalAvgPool:
		if len(inputShape) < 2 {
			return nil, nil, 0, errors.Errorf("global pooling requires a spatial input, got %v", inputShape)
		}
		return []int{inputShape[len(inputShape)-1]}, nil, 0, nil
	case BatchNorm:
		channels := inputShape[len(inputShape)-1]
		return copyShape(inputShape), [][]int{{channels}, {channels}}, int64(2 * channels), nil
	case Flatten:
		return []int{shapeSize(inputShape)}, nil, 0, nil
	case ReLU, Softmax, Dropout:
		return copyShape(inputShape), nil, 0, nil
	case Residual:
		return computeResidualInfo(layer, inputShape)
	default:
		return nil, nil, 0, errors.Errorf("unsupported layer type: %s", layer.Type)
	}
}

// computeDenseInfo flattens any input, so a Dense layer can follow a
// convolution stack without an explicit Flatten.
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	units := getIntParam(layer.Parameters, "output_size", 0)
	if units <= 0 {
		return nil, nil, 0, errors.Errorf("missing output_size parameter")
	}
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	inputSize := shapeSize(inputShape)
	layer.Parameters["input_size"] = inputSize

	paramShapes := [][]int{{inputSize, units}}
	count := int64(inputSize * units)
	if useBias {
		paramShapes = append(paramShapes, []int{units})
		count += int64(units)
	}
	return []int{units}, paramShapes, count, nil
}

func convLength(length, kernel, stride int, padding string) (int, error) {
	if stride <= 0 {
		return 0, errors.Errorf("stride must be positive, got %d", stride)
	}
	switch padding {
	case PaddingSame, "":
		return (length + stride - 1) / stride, nil
	case PaddingValid:
		if length < kernel {
			return 0, errors.Errorf("kernel %d larger than input %d", kernel, length)
		}
		return (length-kernel)/stride + 1, nil
	default:
		return 0, errors.Errorf("unknown padding %q", padding)
	}
}

func computeConv1DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 {
		return nil, nil, 0, errors.Errorf("Conv1D layer requires [length, channels] input, got %v", inputShape)
	}
	filters := getIntParam(layer.Parameters, "filters", 0)
	kernel := getIntParam(layer.Parameters, "kernel", 0)
	stride := getIntParam(layer.Parameters, "stride", 1)
	if filters <= 0 || kernel <= 0 {
		return nil, nil, 0, errors.Errorf("filters and kernel must be positive")
	}
	length, err := convLength(inputShape[0], kernel, stride, getStringParam(layer.Parameters, "padding", PaddingSame))
	if err != nil {
		return nil, nil, 0, err
	}

	inChannels := inputShape[1]
	paramShapes := [][]int{{kernel, inChannels, filters}}
	count := int64(kernel * inChannels * filters)
	if getBoolParam(layer.Parameters, "use_bias", true) {
		paramShapes = append(paramShapes, []int{filters})
		count += int64(filters)
	}
	return []int{length, filters}, paramShapes, count, nil
}

func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, errors.Errorf("Conv2D layer requires [height, width, channels] input, got %v", inputShape)
	}
	filters := getIntParam(layer.Parameters, "filters", 0)
	kh := getIntParam(layer.Parameters, "kernel_h", 0)
	kw := getIntParam(layer.Parameters, "kernel_w", 0)
	stride := getIntParam(layer.Parameters, "stride", 1)
	if filters <= 0 || kh <= 0 || kw <= 0 {
		return nil, nil, 0, errors.Errorf("filters and kernel must be positive")
	}
	padding := getStringParam(layer.Parameters, "padding", PaddingSame)
	h, err := convLength(inputShape[0], kh, stride, padding)
	if err != nil {
		return nil, nil, 0, err
	}
	w, err := convLength(inputShape[1], kw, stride, padding)
	if err != nil {
		return nil, nil, 0, err
	}

	inChannels := inputShape[2]
	paramShapes := [][]int{{kh, kw, inChannels, filters}}
	count := int64(kh * kw * inChannels * filters)
	if getBoolParam(layer.Parameters, "use_bias", true) {
		paramShapes = append(paramShapes, []int{filters})
		count += int64(filters)
	}
	return []int{h, w, filters}, paramShapes, count, nil
}

func computeMaxPool1DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 {
		return nil, nil, 0, errors.Errorf("MaxPool1D requires [length, channels] input, got %v", inputShape)
	}
	pool := getIntParam(layer.Parameters, "pool", 2)
	if pool <= 0 || inputShape[0] < pool {
		return nil, nil, 0, errors.Errorf("pool %d does not fit input %v", pool, inputShape)
	}
	return []int{inputShape[0] / pool, inputShape[1]}, nil, 0, nil
}

func computeMaxPool2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, errors.Errorf("MaxPool2D requires [height, width, channels] input, got %v", inputShape)
	}
	ph := getIntParam(layer.Parameters, "pool_h", 2)
	pw := getIntParam(layer.Parameters, "pool_w", 2)
	if ph <= 0 || pw <= 0 || inputShape[0] < ph || inputShape[1] < pw {
		return nil, nil, 0, errors.Errorf("pool %dx%d does not fit input %v", ph, pw, inputShape)
	}
	return []int{inputShape[0] / ph, inputShape[1] / pw, inputShape[2]}, nil, 0, nil
}

func computeResidualInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(layer.Layers) == 0 {
		return nil, nil, 0, errors.Errorf("residual block has an empty main path")
	}
	outputShape, shapes, total, err := compileSequence(layer.Layers, inputShape)
	if err != nil {
		return nil, nil, 0, err
	}

	if !getBoolParam(layer.Parameters, "projection", false) {
		if !shapesEqual(inputShape, outputShape) {
			return nil, nil, 0, errors.Errorf("identity shortcut needs matching shapes, got %v and %v", inputShape, outputShape)
		}
		return outputShape, shapes, total, nil
	}

	// 1x1 projection on the shortcut, one weight per (in, out) channel pair.
	inChannels := inputShape[len(inputShape)-1]
	outChannels := outputShape[len(outputShape)-1]
	var projection []int
	if len(inputShape) == 3 {
		projection = []int{1, 1, inChannels, outChannels}
	} else {
		projection = []int{1, inChannels, outChannels}
	}
	shapes = append(shapes, projection, []int{outChannels})
	total += int64(inChannels*outChannels + outChannels)
	return outputShape, shapes, total, nil
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.Errorf("shape is empty")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapeSize(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func copyShape(shape []int) []int {
	return append([]int(nil), shape...)
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Parameter accessors tolerate the float64 values JSON decoding produces.

func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	case int:
		return float32(v)
	}
	return defaultValue
}

func getStringParam(params map[string]interface{}, key string, defaultValue string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return defaultValue
}

// IntParam reads an integer layer parameter.
func (ls *LayerSpec) IntParam(key string, defaultValue int) int {
	return getIntParam(ls.Parameters, key, defaultValue)
}

// BoolParam reads a boolean layer parameter.
func (ls *LayerSpec) BoolParam(key string, defaultValue bool) bool {
	return getBoolParam(ls.Parameters, key, defaultValue)
}

// FloatParam reads a floating point layer parameter.
func (ls *LayerSpec) FloatParam(key string, defaultValue float32) float32 {
	return getFloatParam(ls.Parameters, key, defaultValue)
}
