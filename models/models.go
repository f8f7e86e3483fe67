// Package models builds the architecture descriptions for the supported
// emitter classifiers. A model is a *layers.ModelSpec; executing it is the
// job of an engine.Runtime.
package models

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-rfml/layers"
)

// ErrUnknownModelType is returned for model tags outside the Kind enum.
var ErrUnknownModelType = errors.New("unknown model type")

// Kind names a model family.
type Kind int

const (
	Baseline1D Kind = iota
	Baseline2D
	VGG16
	ResNet50
	ResNet1D
	Dense
)

var kindTags = map[Kind]string{
	Baseline1D: "baseline",
	Baseline2D: "baseline_2d",
	VGG16:      "vgg16",
	ResNet50:   "resnet50",
	ResNet1D:   "resnet1d",
	Dense:      "dense",
}

func (k Kind) String() string {
	if tag, ok := kindTags[k]; ok {
		return tag
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind resolves a model tag, ignoring case.
func ParseKind(tag string) (Kind, error) {
	lower := strings.ToLower(strings.TrimSpace(tag))
	for k, t := range kindTags {
		if t == lower {
			return k, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownModelType, "%q", tag)
}

// Config carries the knobs the model families understand. Families ignore
// the fields that do not apply to them.
type Config struct {
	SliceSize int
	Classes   int

	// Baseline families
	Channels  int
	CNNStacks int
	FCStacks  int
	FC1       int
	FC2       int
	Dropout   bool
	BatchNorm bool

	// PretrainedWeights names a weights blob to initialise VGG16/ResNet50 from.
	PretrainedWeights string
}

// DefaultConfig mirrors the defaults of the command line.
func DefaultConfig() Config {
	return Config{
		SliceSize: 1024,
		Classes:   2,
		Channels:  128,
		CNNStacks: 3,
		FCStacks:  1,
		FC1:       256,
		FC2:       128,
	}
}

// Metadata keys written into every built spec.
const (
	MetaKind       = "kind"
	MetaSliceSize  = "slice_size"
	MetaClasses    = "classes"
	MetaPretrained = "pretrained_weights"
)

type constructor func(cfg Config) *layers.ModelBuilder

var constructors = map[Kind]constructor{
	Baseline1D: baseline1D,
	Baseline2D: baseline2D,
	VGG16:      vgg16,
	ResNet50:   resnet50,
	ResNet1D:   resnet1D,
	Dense:      dense,
}

// Build returns the compiled architecture for kind.
func Build(kind Kind, cfg Config) (*layers.ModelSpec, error) {
	build, ok := constructors[kind]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownModelType, "%v", kind)
	}
	if cfg.SliceSize <= 0 {
		return nil, errors.Errorf("slice size must be positive, got %d", cfg.SliceSize)
	}
	if cfg.Classes < 2 {
		return nil, errors.Errorf("need at least 2 classes, got %d", cfg.Classes)
	}

	builder := build(cfg).
		SetMetadata(MetaKind, kind.String()).
		SetMetadata(MetaSliceSize, fmt.Sprint(cfg.SliceSize)).
		SetMetadata(MetaClasses, fmt.Sprint(cfg.Classes))
	if cfg.PretrainedWeights != "" {
		builder.SetMetadata(MetaPretrained, cfg.PretrainedWeights)
	}

	spec, err := builder.Compile()
	if err != nil {
		return nil, errors.Wrapf(err, "build %s", kind)
	}
	return spec, nil
}

// InputShape returns the per-sample input shape of a family.
func InputShape(kind Kind, sliceSize int) []int {
	switch kind {
	case Baseline2D:
		return []int{2, sliceSize, 1}
	case VGG16, ResNet50:
		return []int{sliceSize, sliceSize, 3}
	default:
		return []int{sliceSize, 2}
	}
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	if cfg.CNNStacks <= 0 {
		cfg.CNNStacks = def.CNNStacks
	}
	if cfg.FCStacks <= 0 {
		cfg.FCStacks = def.FCStacks
	}
	if cfg.FC1 <= 0 {
		cfg.FC1 = def.FC1
	}
	if cfg.FC2 <= 0 {
		cfg.FC2 = def.FC2
	}
	return cfg
}

// classifierHead appends the fully connected stacks shared by the baselines.
func classifierHead(mb *layers.ModelBuilder, cfg Config) *layers.ModelBuilder {
	mb.AddFlatten("flatten")
	for i := 0; i < cfg.FCStacks; i++ {
		name := fmt.Sprintf("fc1_%d", i+1)
		mb.AddDense(cfg.FC1, true, name).AddReLU(name + "_relu")
		if cfg.Dropout {
			mb.AddDropout(0.5, name+"_dropout")
		}
	}
	mb.AddDense(cfg.FC2, true, "fc2").AddReLU("fc2_relu")
	if cfg.Dropout {
		mb.AddDropout(0.5, "fc2_dropout")
	}
	return mb.AddDense(cfg.Classes, true, "predictions").AddSoftmax("softmax")
}
