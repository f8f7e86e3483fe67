package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()
	assert.Equal(t, 0.002, config.LearningRate)
	assert.Equal(t, 0.9, config.Beta1)
	assert.Equal(t, 0.999, config.Beta2)
	assert.Nil(t, config.Epsilon)
	assert.Equal(t, DefaultEpsilon, config.EffectiveEpsilon())
	assert.NoError(t, config.Validate())

	eps := 1e-4
	config.Epsilon = &eps
	assert.Equal(t, 1e-4, config.EffectiveEpsilon())

	bad := DefaultAdamConfig()
	bad.Beta1 = 1
	assert.Error(t, bad.Validate())
	bad = DefaultAdamConfig()
	bad.LearningRate = 0
	assert.Error(t, bad.Validate())
	bad = DefaultAdamConfig()
	bad.Decay = -1
	assert.Error(t, bad.Validate())
}

func TestAdamFirstStep(t *testing.T) {
	// On the first step the bias-corrected update is lr * g/|g|.
	adam, err := NewAdam(DefaultAdamConfig(), []int{3})
	require.NoError(t, err)

	weights := [][]float32{{1, 1, 1}}
	require.NoError(t, adam.Step(weights, [][]float32{{0.5, -2, 0}}))

	assert.InDelta(t, 1-0.002, weights[0][0], 1e-5)
	assert.InDelta(t, 1+0.002, weights[0][1], 1e-5)
	assert.InDelta(t, 1, weights[0][2], 1e-7)
	assert.Equal(t, uint64(1), adam.GetStepCount())
}

func TestAdamMinimisesQuadratic(t *testing.T) {
	for _, ams := range []bool{false, true} {
		config := DefaultAdamConfig()
		config.LearningRate = 0.05
		config.AMSGrad = ams
		adam, err := NewAdam(config, []int{1})
		require.NoError(t, err)

		w := [][]float32{{5}}
		for i := 0; i < 2000; i++ {
			grad := [][]float32{{2 * (w[0][0] - 3)}}
			require.NoError(t, adam.Step(w, grad))
		}
		assert.InDelta(t, 3, w[0][0], 0.1, "amsgrad=%v", ams)
	}
}

func TestAdamDecay(t *testing.T) {
	config := DefaultAdamConfig()
	config.Decay = 0.5
	adam, err := NewAdam(config, []int{1})
	require.NoError(t, err)

	assert.InDelta(t, 0.002, adam.LearningRate(), 1e-12)
	require.NoError(t, adam.Step([][]float32{{0}}, [][]float32{{1}}))
	require.NoError(t, adam.Step([][]float32{{0}}, [][]float32{{1}}))
	assert.InDelta(t, 0.002/(1+0.5*2), adam.LearningRate(), 1e-12)
}

func TestAdamRejectsMismatchedTensors(t *testing.T) {
	adam, err := NewAdam(DefaultAdamConfig(), []int{2, 1})
	require.NoError(t, err)

	assert.Error(t, adam.Step([][]float32{{1, 2}}, [][]float32{{1, 2}}))
	assert.Error(t, adam.Step([][]float32{{1, 2}, {1}}, [][]float32{{1}, {1}}))

	_, err = NewAdam(DefaultAdamConfig(), nil)
	assert.Error(t, err)
}

func TestSchedulers(t *testing.T) {
	constant := NewInverseTimeDecay(0)
	assert.Equal(t, "Constant", constant.GetName())
	assert.Equal(t, 0.1, constant.GetLR(3, 100, 0.1))

	decay := NewInverseTimeDecay(0.01)
	assert.Equal(t, "InverseTimeDecay", decay.GetName())
	assert.True(t, math.Abs(decay.GetLR(0, 100, 0.1)-0.05) < 1e-12)
}
