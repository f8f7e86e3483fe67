package training

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/wcharczuk/go-chart"
)

// Output files written by Train.
const (
	HistoryFile      = "history.json"
	HistoryChartFile = "training_history.png"
)

// History collects the per-epoch metrics of a fit.
type History struct {
	Epochs       []int     `json:"epoch"` // 1-based
	Loss         []float64 `json:"loss"`
	Accuracy     []float64 `json:"acc"`
	ValLoss      []float64 `json:"val_loss"`
	ValAccuracy  []float64 `json:"val_acc"`
	StoppedEarly bool      `json:"stopped_early"`
}

// RecordEpoch appends one epoch (0-based) and its logs.
func (h *History) RecordEpoch(epoch int, logs map[string]float64) {
	h.Epochs = append(h.Epochs, epoch+1)
	h.Loss = append(h.Loss, logs["loss"])
	h.Accuracy = append(h.Accuracy, logs["acc"])
	h.ValLoss = append(h.ValLoss, logs["val_loss"])
	h.ValAccuracy = append(h.ValAccuracy, logs["val_acc"])
}

// Len returns the number of recorded epochs.
func (h *History) Len() int {
	return len(h.Epochs)
}

// SaveJSON writes the history to path.
func (h *History) SaveJSON(path string) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	return errors.Wrap(writeFileAtomic(path, data), "save history")
}

// RenderChart draws accuracy on the left axis and loss on the right axis.
func (h *History) RenderChart(path string) error {
	if h.Len() == 0 {
		return errors.New("history is empty")
	}

	x := make([]float64, h.Len())
	for i, e := range h.Epochs {
		x[i] = float64(e)
	}
	xmax := x[len(x)-1]
	if xmax <= x[0] {
		xmax = x[0] + 1
	}

	peakLoss := 1.0
	for _, v := range append(append([]float64(nil), h.Loss...), h.ValLoss...) {
		if !math.IsInf(v, 0) && !math.IsNaN(v) && v > peakLoss {
			peakLoss = v
		}
	}

	series := []chart.Series{
		historySeries("acc", x, h.Accuracy, 0, chart.YAxisPrimary, nil),
		historySeries("val_acc", x, h.ValAccuracy, 1, chart.YAxisPrimary, nil),
		historySeries("loss", x, h.Loss, 2, chart.YAxisSecondary, []float64{5.0, 5.0}),
		historySeries("val_loss", x, h.ValLoss, 3, chart.YAxisSecondary, []float64{5.0, 5.0}),
	}

	graph := chart.Chart{
		Title:      "Training history",
		TitleStyle: chart.StyleShow(),
		XAxis: chart.XAxis{
			Name:      "Epoch",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
			Range:     &chart.ContinuousRange{Min: x[0], Max: xmax},
		},
		YAxis: chart.YAxis{
			Name:      "Accuracy",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
			Range:     &chart.ContinuousRange{Min: 0, Max: 1},
		},
		YAxisSecondary: chart.YAxis{
			Name:      "Loss",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
			Range:     &chart.ContinuousRange{Min: 0, Max: peakLoss},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{
		chart.Legend(&graph),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create history chart")
	}
	defer f.Close()
	if err := graph.Render(chart.PNG, f); err != nil {
		return errors.Wrap(err, "render history chart")
	}
	return nil
}

func historySeries(name string, x, y []float64, color int, axis chart.YAxisType, dashes []float64) chart.ContinuousSeries {
	return chart.ContinuousSeries{
		Name:    name,
		XValues: x,
		YValues: y,
		YAxis:   axis,
		Style: chart.Style{
			Show:            true,
			StrokeColor:     chart.GetAlternateColor(color),
			StrokeDashArray: dashes,
		},
	}
}
