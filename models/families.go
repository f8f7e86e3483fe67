package models

import (
	"fmt"

	"github.com/tsawler/go-rfml/layers"
)

const (
	bnEps      = 1e-3
	bnMomentum = 0.99
)

// baseline1D stacks pairs of 1D convolutions over the raw I/Q slice.
func baseline1D(cfg Config) *layers.ModelBuilder {
	cfg = withDefaults(cfg)
	mb := layers.NewModelBuilder("baseline", InputShape(Baseline1D, cfg.SliceSize))
	for i := 1; i <= cfg.CNNStacks; i++ {
		mb.AddConv1D(cfg.Channels, 7, 1, layers.PaddingSame, true, fmt.Sprintf("conv%d_1", i)).
			AddReLU(fmt.Sprintf("conv%d_1_relu", i)).
			AddConv1D(cfg.Channels, 5, 1, layers.PaddingSame, true, fmt.Sprintf("conv%d_2", i)).
			AddReLU(fmt.Sprintf("conv%d_2_relu", i))
		if cfg.BatchNorm {
			mb.AddBatchNorm(bnEps, bnMomentum, fmt.Sprintf("conv%d_bn", i))
		}
		mb.AddMaxPool1D(2, fmt.Sprintf("pool%d", i))
	}
	return classifierHead(mb, cfg)
}

// baseline2D runs the same stacks over the planar [2, slice, 1] layout.
func baseline2D(cfg Config) *layers.ModelBuilder {
	cfg = withDefaults(cfg)
	mb := layers.NewModelBuilder("baseline_2d", InputShape(Baseline2D, cfg.SliceSize))
	for i := 1; i <= cfg.CNNStacks; i++ {
		mb.AddConv2D(cfg.Channels, 1, 7, 1, layers.PaddingSame, true, fmt.Sprintf("conv%d_1", i)).
			AddReLU(fmt.Sprintf("conv%d_1_relu", i)).
			AddConv2D(cfg.Channels, 2, 5, 1, layers.PaddingSame, true, fmt.Sprintf("conv%d_2", i)).
			AddReLU(fmt.Sprintf("conv%d_2_relu", i))
		if cfg.BatchNorm {
			mb.AddBatchNorm(bnEps, bnMomentum, fmt.Sprintf("conv%d_bn", i))
		}
		mb.AddMaxPool2D(1, 2, fmt.Sprintf("pool%d", i))
	}
	return classifierHead(mb, cfg)
}

func vgg16(cfg Config) *layers.ModelBuilder {
	mb := layers.NewModelBuilder("vgg16", InputShape(VGG16, cfg.SliceSize))
	blocks := []struct{ filters, convs int }{{64, 2}, {128, 2}, {256, 3}, {512, 3}, {512, 3}}
	for b, block := range blocks {
		for c := 1; c <= block.convs; c++ {
			name := fmt.Sprintf("block%d_conv%d", b+1, c)
			mb.AddConv2D(block.filters, 3, 3, 1, layers.PaddingSame, true, name).AddReLU(name + "_relu")
		}
		mb.AddMaxPool2D(2, 2, fmt.Sprintf("block%d_pool", b+1))
	}
	return mb.AddFlatten("flatten").
		AddDense(4096, true, "fc1").AddReLU("fc1_relu").
		AddDense(4096, true, "fc2").AddReLU("fc2_relu").
		AddDense(cfg.Classes, true, "predictions").
		AddSoftmax("softmax")
}

func resnet50(cfg Config) *layers.ModelBuilder {
	mb := layers.NewModelBuilder("resnet50", InputShape(ResNet50, cfg.SliceSize)).
		AddConv2D(64, 7, 7, 2, layers.PaddingSame, true, "conv1").
		AddBatchNorm(bnEps, bnMomentum, "bn_conv1").
		AddReLU("conv1_relu").
		AddMaxPool2D(2, 2, "pool1")

	stages := []struct{ filters, blocks, stride int }{{64, 3, 1}, {128, 4, 2}, {256, 6, 2}, {512, 3, 2}}
	for s, stage := range stages {
		for b := 0; b < stage.blocks; b++ {
			stride := 1
			if b == 0 {
				stride = stage.stride
			}
			name := fmt.Sprintf("res%d%c", s+2, 'a'+b)
			mb.AddResidual(name, b == 0, stride, bottleneck2D(name, stage.filters, stride)...).
				AddReLU(name + "_relu")
		}
	}
	return mb.AddGlobalAvgPool("avg_pool").
		AddDense(cfg.Classes, true, "predictions").
		AddSoftmax("softmax")
}

func bottleneck2D(name string, filters, stride int) []layers.LayerSpec {
	return []layers.LayerSpec{
		layers.Conv2DSpec(filters, 1, 1, stride, layers.PaddingSame, true, name+"_2a"),
		layers.BatchNormSpec(bnEps, bnMomentum, name+"_2a_bn"),
		layers.ReLUSpec(name + "_2a_relu"),
		layers.Conv2DSpec(filters, 3, 3, 1, layers.PaddingSame, true, name+"_2b"),
		layers.BatchNormSpec(bnEps, bnMomentum, name+"_2b_bn"),
		layers.ReLUSpec(name + "_2b_relu"),
		layers.Conv2DSpec(4*filters, 1, 1, 1, layers.PaddingSame, true, name+"_2c"),
		layers.BatchNormSpec(bnEps, bnMomentum, name+"_2c_bn"),
	}
}

func resnet1D(cfg Config) *layers.ModelBuilder {
	mb := layers.NewModelBuilder("resnet1d", InputShape(ResNet1D, cfg.SliceSize)).
		AddConv1D(64, 7, 2, layers.PaddingSame, true, "conv1").
		AddBatchNorm(bnEps, bnMomentum, "bn_conv1").
		AddReLU("conv1_relu").
		AddMaxPool1D(2, "pool1")

	in := 64
	for s, filters := range []int{64, 128, 256, 512} {
		for b := 0; b < 2; b++ {
			stride := 1
			if b == 0 && s > 0 {
				stride = 2
			}
			name := fmt.Sprintf("res%d%c", s+2, 'a'+b)
			main := []layers.LayerSpec{
				layers.Conv1DSpec(filters, 3, stride, layers.PaddingSame, true, name+"_2a"),
				layers.BatchNormSpec(bnEps, bnMomentum, name+"_2a_bn"),
				layers.ReLUSpec(name + "_2a_relu"),
				layers.Conv1DSpec(filters, 3, 1, layers.PaddingSame, true, name+"_2b"),
				layers.BatchNormSpec(bnEps, bnMomentum, name+"_2b_bn"),
			}
			projection := stride != 1 || in != filters
			mb.AddResidual(name, projection, stride, main...).AddReLU(name + "_relu")
			in = filters
		}
	}
	return mb.AddGlobalAvgPool("avg_pool").
		AddDense(cfg.Classes, true, "predictions").
		AddSoftmax("softmax")
}

// dense is a flat fully connected classifier over the [slice, 2] input.
func dense(cfg Config) *layers.ModelBuilder {
	cfg = withDefaults(cfg)
	mb := layers.NewModelBuilder("dense", InputShape(Dense, cfg.SliceSize)).
		AddFlatten("flatten").
		AddDense(cfg.FC1, true, "fc1").
		AddReLU("fc1_relu")
	if cfg.Dropout {
		mb.AddDropout(0.5, "fc1_dropout")
	}
	return mb.AddDense(cfg.Classes, true, "predictions").AddSoftmax("softmax")
}
