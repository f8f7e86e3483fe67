package engine

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-rfml/checkpoints"
	"github.com/tsawler/go-rfml/layers"
	"github.com/tsawler/go-rfml/optimizer"
)

// probability clipping used by the cross-entropy loss
const epsilon = 1e-7

// CPURuntime executes fully connected architectures on the CPU with gonum.
// Convolutional families are described by the layers package but need an
// external runtime; building them here fails with ErrUnsupportedLayer.
type CPURuntime struct {
	Seed int64
}

// NewCPURuntime returns a runtime whose weight initialisation and dropout
// masks are reproducible for a given seed.
func NewCPURuntime(seed int64) *CPURuntime {
	return &CPURuntime{Seed: seed}
}

func (r *CPURuntime) Name() string {
	return "cpu"
}

type cpuOp struct {
	kind   layers.LayerType
	name   string
	weight int // index into params, -1 when absent
	bias   int
	in     int
	out    int
	rate   float64
}

// CPUModel is the Model produced by CPURuntime.
type CPUModel struct {
	spec *layers.ModelSpec
	ops  []cpuOp

	mu     sync.RWMutex // guards params and opt
	params []checkpoints.WeightTensor
	opt    optimizer.Optimizer

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Supports reports whether every layer of spec can run on the CPU runtime
// without allocating any weights.
func (r *CPURuntime) Supports(spec *layers.ModelSpec) error {
	if spec == nil || !spec.Compiled {
		return errors.New("cpu runtime needs a compiled model spec")
	}
	for i := range spec.Layers {
		l := &spec.Layers[i]
		switch l.Type {
		case layers.Flatten, layers.ReLU, layers.Dropout, layers.Dense:
		case layers.Softmax:
			if i != len(spec.Layers)-1 {
				return errors.Wrapf(ErrUnsupportedLayer, "softmax %s must be the final layer", l.Name)
			}
		default:
			return errors.Wrapf(ErrUnsupportedLayer, "%s (%s)", l.Type, l.Name)
		}
	}
	if n := len(spec.Layers); n == 0 || spec.Layers[n-1].Type != layers.Softmax {
		return errors.Wrap(ErrUnsupportedLayer, "cpu runtime needs a softmax output layer")
	}
	return nil
}

// Build checks every layer is executable and initialises the weights.
func (r *CPURuntime) Build(spec *layers.ModelSpec) (Model, error) {
	if err := r.Supports(spec); err != nil {
		return nil, err
	}

	m := &CPUModel{
		spec:   spec,
		params: checkpoints.ExpectedWeights(spec),
		rng:    rand.New(rand.NewSource(r.Seed)),
	}
	index := make(map[string]int, len(m.params))
	for i, p := range m.params {
		index[p.Name] = i
	}

	for i := range spec.Layers {
		l := &spec.Layers[i]
		op := cpuOp{kind: l.Type, name: l.Name, weight: -1, bias: -1}
		switch l.Type {
		case layers.Flatten, layers.ReLU:
		case layers.Dropout:
			op.rate = float64(l.FloatParam("rate", 0.5))
			if op.rate < 0 || op.rate >= 1 {
				return nil, errors.Errorf("layer %s: dropout rate %g outside [0, 1)", l.Name, op.rate)
			}
		case layers.Softmax:
			if i != len(spec.Layers)-1 {
				return nil, errors.Wrapf(ErrUnsupportedLayer, "softmax %s must be the final layer", l.Name)
			}
		case layers.Dense:
			op.in = l.IntParam("input_size", 0)
			op.out = l.OutputShape[0]
			w, ok := index[l.Name+".weight"]
			if !ok {
				return nil, errors.Errorf("layer %s has no weight tensor", l.Name)
			}
			op.weight = w
			if b, ok := index[l.Name+".bias"]; ok {
				op.bias = b
			}
			initHe(m.rng, m.params[w].Data, op.in)
		default:
			return nil, errors.Wrapf(ErrUnsupportedLayer, "%s (%s)", l.Type, l.Name)
		}
		m.ops = append(m.ops, op)
	}
	if len(m.ops) == 0 || m.ops[len(m.ops)-1].kind != layers.Softmax {
		return nil, errors.Wrap(ErrUnsupportedLayer, "cpu runtime needs a softmax output layer")
	}
	return m, nil
}

// initHe draws from N(0, 2/fanIn).
func initHe(rng *rand.Rand, data []float32, fanIn int) {
	std := math.Sqrt(2.0 / float64(fanIn))
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
}

func (m *CPUModel) Spec() *layers.ModelSpec {
	return m.spec
}

func (m *CPUModel) Compile(config optimizer.AdamConfig) error {
	sizes := make([]int, len(m.params))
	for i, p := range m.params {
		sizes[i] = len(p.Data)
	}
	opt, err := optimizer.NewAdam(config, sizes)
	if err != nil {
		return errors.Wrap(err, "compile")
	}
	m.mu.Lock()
	m.opt = opt
	m.mu.Unlock()
	return nil
}

func (m *CPUModel) TrainOnBatch(ctx context.Context, inputs []float32, labels []int) (StepResult, error) {
	grads, res, err := m.ComputeGradients(ctx, inputs, labels)
	if err != nil {
		return res, err
	}
	return res, m.ApplyGradients(grads)
}

func (m *CPUModel) TestOnBatch(ctx context.Context, inputs []float32, labels []int) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	if err := m.checkLabels(inputs, labels); err != nil {
		return StepResult{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	acts, _ := m.forward(toDense(inputs, len(labels), m.spec.InputSize()), false)
	return score(acts[len(acts)-1], labels), nil
}

func (m *CPUModel) Predict(ctx context.Context, inputs []float32, n int) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkBatch(m.spec, inputs, n); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	acts, _ := m.forward(toDense(inputs, n, m.spec.InputSize()), false)
	probs := acts[len(acts)-1]
	out := make([][]float32, n)
	for i := range out {
		row := probs.RawRowView(i)
		out[i] = make([]float32, len(row))
		for j, v := range row {
			out[i][j] = float32(v)
		}
	}
	return out, nil
}

// ComputeGradients runs forward and backward passes without touching the
// weights. It is safe to call concurrently.
func (m *CPUModel) ComputeGradients(ctx context.Context, inputs []float32, labels []int) (Gradients, StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, StepResult{}, err
	}
	if err := m.checkLabels(inputs, labels); err != nil {
		return nil, StepResult{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.opt == nil {
		return nil, StepResult{}, ErrNotCompiled
	}

	n := len(labels)
	acts, masks := m.forward(toDense(inputs, n, m.spec.InputSize()), true)
	probs := acts[len(acts)-1]
	res := score(probs, labels)

	// softmax + cross-entropy: dL/dz = (p - y) / n
	d := mat.DenseCopyOf(probs)
	for i, y := range labels {
		d.Set(i, y, d.At(i, y)-1)
	}
	d.Scale(1/float64(n), d)

	grads := make(Gradients, len(m.params))
	for i := len(m.ops) - 2; i >= 0; i-- {
		op := m.ops[i]
		switch op.kind {
		case layers.Dense:
			var dw mat.Dense
			dw.Mul(acts[i].T(), d)
			grads[op.weight] = toFloat32(dw.RawMatrix().Data)
			if op.bias >= 0 {
				r, c := d.Dims()
				db := make([]float32, c)
				for row := 0; row < r; row++ {
					for col, v := range d.RawRowView(row) {
						db[col] += float32(v)
					}
				}
				grads[op.bias] = db
			}
			if i > 0 {
				var dx mat.Dense
				dx.Mul(d, m.weightMatrix(op).T())
				d = &dx
			}
		case layers.ReLU:
			out := acts[i+1]
			d.Apply(func(r, c int, v float64) float64 {
				if out.At(r, c) > 0 {
					return v
				}
				return 0
			}, d)
		case layers.Dropout:
			if mask := masks[i]; mask != nil {
				d.MulElem(d, mask)
			}
		}
	}
	return grads, res, nil
}

// ApplyGradients performs one optimizer update.
func (m *CPUModel) ApplyGradients(grads Gradients) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opt == nil {
		return ErrNotCompiled
	}
	if len(grads) != len(m.params) {
		return errors.Errorf("expected %d gradients, got %d", len(m.params), len(grads))
	}
	weights := make([][]float32, len(m.params))
	for i := range m.params {
		weights[i] = m.params[i].Data
		if grads[i] == nil {
			grads[i] = make([]float32, len(m.params[i].Data))
		}
	}
	return m.opt.Step(weights, grads)
}

func (m *CPUModel) Weights() []checkpoints.WeightTensor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]checkpoints.WeightTensor, len(m.params))
	for i, p := range m.params {
		p.Shape = append([]int(nil), p.Shape...)
		p.Data = append([]float32(nil), p.Data...)
		out[i] = p
	}
	return out
}

func (m *CPUModel) SetWeights(weights []checkpoints.WeightTensor) error {
	if err := checkpoints.ValidateWeights(m.spec, weights); err != nil {
		return err
	}
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.params {
		copy(m.params[i].Data, byName[m.params[i].Name].Data)
	}
	return nil
}

func (m *CPUModel) checkLabels(inputs []float32, labels []int) error {
	if err := checkBatch(m.spec, inputs, len(labels)); err != nil {
		return err
	}
	classes := m.spec.NumClasses()
	for _, y := range labels {
		if y < 0 || y >= classes {
			return errors.Errorf("label %d outside [0, %d)", y, classes)
		}
	}
	return nil
}

// forward returns the input of every op followed by the network output, and
// the dropout masks used (nil outside training).
func (m *CPUModel) forward(x *mat.Dense, training bool) ([]*mat.Dense, []*mat.Dense) {
	acts := make([]*mat.Dense, 0, len(m.ops)+1)
	masks := make([]*mat.Dense, len(m.ops))
	acts = append(acts, x)
	cur := x

	for i, op := range m.ops {
		var next mat.Dense
		switch op.kind {
		case layers.Flatten:
			next.CloneFrom(cur)
		case layers.Dense:
			next.Mul(cur, m.weightMatrix(op))
			if op.bias >= 0 {
				bias := m.params[op.bias].Data
				next.Apply(func(r, c int, v float64) float64 { return v + float64(bias[c]) }, &next)
			}
		case layers.ReLU:
			next.Apply(func(r, c int, v float64) float64 { return math.Max(v, 0) }, cur)
		case layers.Dropout:
			if !training || op.rate == 0 {
				next.CloneFrom(cur)
				break
			}
			mask := m.dropoutMask(cur, op.rate)
			masks[i] = mask
			next.MulElem(cur, mask)
		case layers.Softmax:
			next.CloneFrom(cur)
			softmaxRows(&next)
		}
		cur = &next
		acts = append(acts, cur)
	}
	return acts, masks
}

func (m *CPUModel) dropoutMask(like *mat.Dense, rate float64) *mat.Dense {
	r, c := like.Dims()
	data := make([]float64, r*c)
	scale := 1 / (1 - rate)
	m.rngMu.Lock()
	for i := range data {
		if m.rng.Float64() >= rate {
			data[i] = scale
		}
	}
	m.rngMu.Unlock()
	return mat.NewDense(r, c, data)
}

func (m *CPUModel) weightMatrix(op cpuOp) *mat.Dense {
	return mat.NewDense(op.in, op.out, toFloat64(m.params[op.weight].Data))
}

func softmaxRows(d *mat.Dense) {
	r, _ := d.Dims()
	for i := 0; i < r; i++ {
		row := d.RawRowView(i)
		peak := math.Inf(-1)
		for _, v := range row {
			peak = math.Max(peak, v)
		}
		sum := 0.0
		for j, v := range row {
			row[j] = math.Exp(v - peak)
			sum += row[j]
		}
		for j := range row {
			row[j] /= sum
		}
	}
}

func score(probs *mat.Dense, labels []int) StepResult {
	loss, correct := 0.0, 0
	for i, y := range labels {
		row := probs.RawRowView(i)
		p := math.Min(math.Max(row[y], epsilon), 1-epsilon)
		loss -= math.Log(p)
		if argmax(row) == y {
			correct++
		}
	}
	n := float64(len(labels))
	return StepResult{Loss: loss / n, Accuracy: float64(correct) / n, Samples: len(labels)}
}

func argmax(row []float64) int {
	best := 0
	for j, v := range row {
		if v > row[best] {
			best = j
		}
	}
	return best
}

func toDense(inputs []float32, n, size int) *mat.Dense {
	return mat.NewDense(n, size, toFloat64(inputs))
}

func toFloat64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
