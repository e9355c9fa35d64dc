package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// PlotType names a rendered plot.
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	EvaluationScores     PlotType = "evaluation_scores"
	ConfusionMatrixPlot  PlotType = "confusion_matrix"
)

// Scalar groups the collector turns into plots.
const (
	GroupLosses        = "losses"
	GroupLearningRates = "learning_rates"
	GroupEvaluation    = "evaluation"
	GroupProbe         = "linear_probe"
	GroupSpectralNorms = "spectral_norms"
)

// PlotData is the JSON document consumed by the plotting sidecar.
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData is one named data series in a plot.
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter", "heatmap"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint is a single point of a series.
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Z     interface{} `json:"z,omitempty"`
	Label string      `json:"label,omitempty"`
}

// PlotConfig contains axis and layout options.
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"`
	YAxisScale  string `json:"y_axis_scale"`
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

type point struct {
	step  int
	value float64
}

// VisualizationCollector keeps every scalar it receives in memory and renders
// them as PlotData. It implements Sink.
type VisualizationCollector struct {
	mu        sync.Mutex
	modelName string
	series    map[string]map[string][]point // group -> name -> points

	confusion  [][]int
	classNames []string
}

// NewVisualizationCollector creates an empty collector.
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{
		modelName: modelName,
		series:    make(map[string]map[string][]point),
	}
}

func (vc *VisualizationCollector) AddScalars(group string, values map[string]float64, step int) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	g, ok := vc.series[group]
	if !ok {
		g = make(map[string][]point)
		vc.series[group] = g
	}
	for name, v := range values {
		g[name] = append(g[name], point{step: step, value: v})
	}
	return nil
}

func (vc *VisualizationCollector) Close() error { return nil }

// RecordConfusionMatrix stores a confusion matrix for plotting.
func (vc *VisualizationCollector) RecordConfusionMatrix(matrix [][]int, classNames []string) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.confusion = matrix
	vc.classNames = classNames
}

// Len returns the number of points recorded for group/name.
func (vc *VisualizationCollector) Len(group, name string) int {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return len(vc.series[group][name])
}

var palette = []string{"#FF6B6B", "#4ECDC4", "#6C5CE7", "#FF9F43", "#5F27CD", "#10AC84"}

func (vc *VisualizationCollector) groupSeries(group string) []SeriesData {
	names := make([]string, 0, len(vc.series[group]))
	for name := range vc.series[group] {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]SeriesData, 0, len(names))
	for i, name := range names {
		pts := vc.series[group][name]
		s := SeriesData{
			Name:  name,
			Type:  "line",
			Data:  make([]DataPoint, len(pts)),
			Style: map[string]interface{}{"color": palette[i%len(palette)], "line_width": 2},
		}
		for j, p := range pts {
			s.Data[j] = DataPoint{X: p.step, Y: p.value}
		}
		out = append(out, s)
	}
	return out
}

func (vc *VisualizationCollector) linePlot(kind PlotType, title, group, yLabel, yScale string) PlotData {
	return PlotData{
		PlotType:  kind,
		Title:     fmt.Sprintf("%s - %s", title, vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    vc.groupSeries(group),
		Config: PlotConfig{
			XAxisLabel:  "Step",
			YAxisLabel:  yLabel,
			XAxisScale:  "linear",
			YAxisScale:  yScale,
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      600,
			Interactive: true,
		},
	}
}

// GenerateTrainingCurvesPlot plots every series of the losses group.
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.linePlot(TrainingCurves, "Training Curves", GroupLosses, "Loss", "linear")
}

// GenerateLearningRateSchedulePlot plots the learning rates and temperature.
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	p := vc.linePlot(LearningRateSchedule, "Learning Rate Schedule", GroupLearningRates, "Learning Rate", "log")
	p.Config.Height = 400
	return p
}

// GenerateEvaluationScorePlot plots FID and IS against step.
func (vc *VisualizationCollector) GenerateEvaluationScorePlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.linePlot(EvaluationScores, "Evaluation Scores", GroupEvaluation, "Score", "linear")
}

// GenerateConfusionMatrixPlot renders the recorded confusion matrix as a
// heatmap.
func (vc *VisualizationCollector) GenerateConfusionMatrixPlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	s := SeriesData{Name: "Confusion Matrix", Type: "heatmap"}
	for i, row := range vc.confusion {
		for j, v := range row {
			s.Data = append(s.Data, DataPoint{X: j, Y: i, Z: v})
		}
	}
	return PlotData{
		PlotType:  ConfusionMatrixPlot,
		Title:     fmt.Sprintf("Linear Probe Confusion Matrix - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    []SeriesData{s},
		Config: PlotConfig{
			XAxisLabel: "Predicted",
			YAxisLabel: "True",
			Width:      600,
			Height:     600,
		},
		Metrics: map[string]interface{}{"class_names": vc.classNames},
	}
}

// Plots returns every plot that has data.
func (vc *VisualizationCollector) Plots() []PlotData {
	var plots []PlotData
	for _, p := range []PlotData{
		vc.GenerateTrainingCurvesPlot(),
		vc.GenerateLearningRateSchedulePlot(),
		vc.GenerateEvaluationScorePlot(),
	} {
		if len(p.Series) > 0 {
			plots = append(plots, p)
		}
	}
	vc.mu.Lock()
	hasConfusion := len(vc.confusion) > 0
	vc.mu.Unlock()
	if hasConfusion {
		plots = append(plots, vc.GenerateConfusionMatrixPlot())
	}
	return plots
}

// WritePlots writes each plot as <dir>/<plot_type>.json and returns the
// paths written.
func (vc *VisualizationCollector) WritePlots(dir string) ([]string, error) {
	plots := vc.Plots()
	if len(plots) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create plot directory")
	}
	var paths []string
	for _, p := range plots {
		data, err := p.ToJSON()
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dir, string(p.PlotType)+".json")
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			return paths, errors.Wrapf(err, "failed to write %s", path)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ToJSON converts plot data to an indented JSON string.
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal plot data to JSON")
	}
	return string(jsonData), nil
}
