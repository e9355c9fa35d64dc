package training

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Sink receives scalar time series keyed by group and step.
type Sink interface {
	AddScalars(group string, values map[string]float64, step int) error
	Close() error
}

// ScalarRecord is one line of a JSONL scalar log.
type ScalarRecord struct {
	Group  string             `json:"group"`
	Step   int                `json:"step"`
	Values map[string]float64 `json:"values"`
	Time   time.Time          `json:"time"`
}

// JSONLSink appends one JSON record per AddScalars call.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	path string
}

// NewJSONLSink opens (appending) path, creating parent directories.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create log directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open scalar log")
	}
	return &JSONLSink{file: f, w: bufio.NewWriter(f), path: path}, nil
}

// Path returns the file the sink writes to.
func (s *JSONLSink) Path() string { return s.path }

func (s *JSONLSink) AddScalars(group string, values map[string]float64, step int) error {
	line, err := json.Marshal(ScalarRecord{Group: group, Step: step, Values: values, Time: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, "failed to encode scalars")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("scalar log is closed")
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "failed to write scalars")
	}
	return s.w.Flush()
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.w.Flush()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}

// MultiSink fans out to several sinks and returns the first error.
type MultiSink []Sink

func (m MultiSink) AddScalars(group string, values map[string]float64, step int) error {
	var first error
	for _, s := range m {
		if err := s.AddScalars(group, values, step); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type discardSink struct{}

func (discardSink) AddScalars(string, map[string]float64, int) error { return nil }
func (discardSink) Close() error                                     { return nil }

// Discard is a Sink that drops everything.
var Discard Sink = discardSink{}
