package training

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// RunNameLayout is the timestamp layout embedded in run names.
const RunNameLayout = "2006_01_02_15_04_05"

// RunName builds "<framework>-<phase>-<timestamp>".
func RunName(framework, phase string, t time.Time) string {
	return fmt.Sprintf("%s-%s-%s", framework, phase, t.Format(RunNameLayout))
}

// Run owns the per-run logger, scalar sink and output directories.
type Run struct {
	Name          string
	Logger        *log.Logger
	Sink          Sink
	Plots         *VisualizationCollector
	CheckpointDir string
	FigureDir     string

	logDir  string
	console io.Writer
	logFile *os.File
	scalars *JSONLSink
}

// RunOptions configure NewRun.
type RunOptions struct {
	LogDir    string
	FigureDir string
	// Console receives log lines in addition to the log file. Nil means
	// os.Stdout; use io.Discard to silence.
	Console io.Writer
}

// NewRun opens the log file and scalar sink for name.
func NewRun(name string, opts RunOptions) (*Run, error) {
	if opts.Console == nil {
		opts.Console = os.Stdout
	}
	r := &Run{logDir: opts.LogDir, console: opts.Console, FigureDir: filepath.Join(opts.FigureDir, name)}
	if err := r.open(name); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Run) open(name string) error {
	logger, file, err := NewLogger(r.logDir, name, r.console)
	if err != nil {
		return err
	}
	scalars, err := NewJSONLSink(filepath.Join(r.logDir, name, "scalars.jsonl"))
	if err != nil {
		file.Close()
		return err
	}
	if r.Plots == nil {
		r.Plots = NewVisualizationCollector(name)
	}
	r.Name = name
	r.Logger = logger
	r.logFile = file
	r.scalars = scalars
	r.Sink = MultiSink{scalars, r.Plots}
	return nil
}

// Rename reopens the log and scalar files under a new run name, as when a
// resumed checkpoint carries the original run's name.
func (r *Run) Rename(name string) error {
	if name == r.Name {
		return nil
	}
	old := r.Name
	if err := r.closeFiles(); err != nil {
		return err
	}
	if err := r.open(name); err != nil {
		return err
	}
	r.FigureDir = filepath.Join(filepath.Dir(r.FigureDir), name)
	r.Logger.Printf("Continuing run %s (started as %s)", name, old)
	return nil
}

func (r *Run) closeFiles() error {
	err := r.scalars.Close()
	if cerr := r.logFile.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close flushes and closes the run's files.
func (r *Run) Close() error {
	return r.closeFiles()
}

// NewLogger returns a logger writing to console and <logDir>/<name>.log.
func NewLogger(logDir, name string, console io.Writer) (*log.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, errors.Wrap(err, "failed to create log directory")
	}
	f, err := os.OpenFile(filepath.Join(logDir, name+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open log file")
	}
	return log.New(io.MultiWriter(console, f), "", log.LstdFlags), f, nil
}

// LogHost writes a one-line description of the machine.
func LogHost(logger *log.Logger, workers int) {
	logger.Printf("Host: %s, %d physical / %d logical cores, AVX2=%t, workers=%d, %s/%s",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores,
		cpuid.CPU.Supports(cpuid.AVX2), workers, runtime.GOOS, runtime.GOARCH)
}
