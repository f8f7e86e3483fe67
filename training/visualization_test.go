package training

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory(t *testing.T) {
	h := &History{}
	h.RecordEpoch(0, map[string]float64{"loss": 0.9, "acc": 0.5, "val_loss": 1.0, "val_acc": 0.4})
	h.RecordEpoch(1, map[string]float64{"loss": 0.5, "acc": 0.8, "val_loss": 0.7, "val_acc": 0.75})
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, []int{1, 2}, h.Epochs)

	dir := t.TempDir()
	path := filepath.Join(dir, HistoryFile)
	require.NoError(t, h.SaveJSON(path))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded History
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, *h, decoded)

	chart := filepath.Join(dir, HistoryChartFile)
	require.NoError(t, h.RenderChart(chart))
	png, err := os.ReadFile(chart)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	assert.Error(t, (&History{}).RenderChart(chart))
}

func TestProgressBar(t *testing.T) {
	var out bytes.Buffer
	bar := NewProgressBar(&out, "Epoch 1/2", 4)
	bar.Update(2, map[string]float64{"loss": 0.5, "acc": 0.25})
	assert.Contains(t, out.String(), "Epoch 1/2 2/4 [")
	assert.Contains(t, out.String(), " - acc: 0.2500 - loss: 0.5000")

	bar.Finish()
	last := out.String()[strings.LastIndex(out.String(), "\r"):]
	assert.Contains(t, last, "4/4 [==============================]")
	assert.True(t, strings.HasSuffix(out.String(), "\n"))
}
