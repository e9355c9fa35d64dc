package training

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRunName(t *testing.T) {
	at := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	if got := RunName("ProjGAN-hinge", "train", at); got != "ProjGAN-hinge-train-2024_03_05_14_07_09" {
		t.Errorf("Unexpected run name %s", got)
	}
}

func readRecords(t *testing.T, path string) []ScalarRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()
	var out []ScalarRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec ScalarRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("Bad scalar line %q: %v", sc.Text(), err)
		}
		out = append(out, rec)
	}
	return out
}

func TestJSONLSinkAppendsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "scalars.jsonl")
	sink, err := NewJSONLSink(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.AddScalars(GroupLosses, map[string]float64{"gen_loss": 1.5}, 1); err != nil {
		t.Fatal(err)
	}
	if err := sink.AddScalars(GroupLosses, map[string]float64{"gen_loss": 1.25}, 2); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sink.AddScalars(GroupLosses, nil, 3); err == nil {
		t.Error("Expected error writing to a closed sink")
	}

	recs := readRecords(t, path)
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}
	if recs[1].Step != 2 || recs[1].Values["gen_loss"] != 1.25 {
		t.Errorf("Unexpected second record %+v", recs[1])
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := MultiSink{a, b, Discard}
	if err := m.AddScalars(GroupEvaluation, map[string]float64{"fid": 10}, 5); err != nil {
		t.Fatal(err)
	}
	if len(a.group(GroupEvaluation)) != 1 || len(b.group(GroupEvaluation)) != 1 {
		t.Error("Expected every sink to receive the record")
	}
}

func TestRunRename(t *testing.T) {
	logDir, figDir := t.TempDir(), t.TempDir()
	run, err := NewRun("first", RunOptions{LogDir: logDir, FigureDir: figDir, Console: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	run.Logger.Printf("hello")
	if err := run.Sink.AddScalars(GroupLosses, map[string]float64{"dis_loss": 1}, 1); err != nil {
		t.Fatal(err)
	}
	if err := run.Rename("second"); err != nil {
		t.Fatal(err)
	}
	if err := run.Sink.AddScalars(GroupLosses, map[string]float64{"dis_loss": 2}, 2); err != nil {
		t.Fatal(err)
	}
	if err := run.Close(); err != nil {
		t.Fatal(err)
	}

	if run.Name != "second" || run.FigureDir != filepath.Join(figDir, "second") {
		t.Errorf("Unexpected run after rename: %s %s", run.Name, run.FigureDir)
	}
	data, err := os.ReadFile(filepath.Join(logDir, "second.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Continuing run second (started as first)") {
		t.Errorf("Expected a continuation line in the new log, got %q", data)
	}
	if n := len(readRecords(t, filepath.Join(logDir, "first", "scalars.jsonl"))); n != 1 {
		t.Errorf("Expected 1 record under the first name, got %d", n)
	}
	if n := len(readRecords(t, filepath.Join(logDir, "second", "scalars.jsonl"))); n != 1 {
		t.Errorf("Expected 1 record under the second name, got %d", n)
	}
	// The in-memory collector spans both names.
	if n := run.Plots.Len(GroupLosses, "dis_loss"); n != 2 {
		t.Errorf("Expected 2 collected points, got %d", n)
	}
}

func TestVisualizationCollectorWritesPlots(t *testing.T) {
	vc := NewVisualizationCollector("test-model")
	if plots := vc.Plots(); len(plots) != 0 {
		t.Errorf("Expected no plots without data, got %d", len(plots))
	}
	for step := 1; step <= 3; step++ {
		vc.AddScalars(GroupLosses, map[string]float64{"gen_loss": float64(step), "dis_loss": 1}, step)
	}
	vc.AddScalars(GroupEvaluation, map[string]float64{"fid": 40}, 3)
	vc.RecordConfusionMatrix([][]int{{3, 1}, {0, 4}}, []string{"class_0", "class_1"})

	plots := vc.Plots()
	if len(plots) != 3 {
		t.Fatalf("Expected 3 plots, got %d", len(plots))
	}
	if plots[0].PlotType != TrainingCurves || len(plots[0].Series) != 2 {
		t.Errorf("Expected training curves with 2 series, got %s with %d", plots[0].PlotType, len(plots[0].Series))
	}

	dir := filepath.Join(t.TempDir(), "figures")
	paths, err := vc.WritePlots(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 3 {
		t.Fatalf("Expected 3 files, got %d", len(paths))
	}
	data, err := os.ReadFile(filepath.Join(dir, "confusion_matrix.json"))
	if err != nil {
		t.Fatal(err)
	}
	var p PlotData
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	if p.PlotType != ConfusionMatrixPlot || p.ModelName != "test-model" {
		t.Errorf("Unexpected confusion plot %s for %s", p.PlotType, p.ModelName)
	}
}
