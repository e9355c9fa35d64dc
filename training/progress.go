package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-gan/layers"
)

// ProgressBar renders a tqdm-style progress line for long passes such as
// reference statistics, evaluation sampling and probe training.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a progress bar writing to out. A nil writer
// disables rendering.
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	if out == nil {
		out = io.Discard
	}
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// Update moves the bar to step and replaces the displayed metrics.
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	if metrics != nil {
		pb.metrics = metrics
	}
	pb.render()
}

// Add advances the bar by n.
func (pb *ProgressBar) Add(n int) {
	pb.Update(pb.current+n, nil)
}

// Finish completes the bar and ends the line.
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// String returns the current progress line without the carriage return.
func (pb *ProgressBar) String() string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	line := fmt.Sprintf("%s: %3.0f%%|%s| %d/%d [%s", pb.description, percentage*100, bar, pb.current, pb.total, formatDuration(elapsed))
	if pb.current > 0 && percentage > 0 && percentage < 1 {
		eta := time.Duration(float64(elapsed)/percentage) - elapsed
		line += "<" + formatDuration(eta)
	}
	if pb.current > 0 && elapsed > 0 {
		line += fmt.Sprintf(", %.2fit/s", float64(pb.current)/elapsed.Seconds())
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(k, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", k, pb.metrics[k]*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", k, pb.metrics[k])
		}
	}
	return line + "]"
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, "\r"+pb.String())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// FormatArchitecture renders a model spec the way PyTorch prints modules,
// followed by a parameter summary.
func FormatArchitecture(spec *layers.ModelSpec) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s(\n", spec.Name)
	for _, layer := range spec.Layers {
		fmt.Fprintf(&sb, "  %s\n", formatLayer(layer))
	}
	sb.WriteString(")\n")
	fmt.Fprintf(&sb, "Total parameters: %s\n", formatParameterCount(spec.TotalParameters))
	fmt.Fprintf(&sb, "Params size (MB): %.3f", float64(spec.TotalParameters*4)/1024/1024)
	return sb.String()
}

func formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Dense:
		s := fmt.Sprintf("(%s): Linear(in_features=%v, out_features=%v, bias=%v)",
			layer.Name, layer.Parameters["input_size"], layer.Parameters["output_size"], layer.Parameters["use_bias"])
		if sn, _ := layer.Parameters["spectral_norm"].(bool); sn {
			s += " [spectral_norm]"
		}
		return s
	case layers.Embedding:
		return fmt.Sprintf("(%s): Embedding(%v, %v)", layer.Name, layer.Parameters["num_embeddings"], layer.Parameters["embedding_dim"])
	case layers.LeakyReLU:
		return fmt.Sprintf("(%s): LeakyReLU(negative_slope=%v)", layer.Name, layer.Parameters["negative_slope"])
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
