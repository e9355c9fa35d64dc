package checkpoints

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/layers"
)

const (
	// FrameworkName is written into every checkpoint's metadata.
	FrameworkName = "go-gan"
	// FormatVersion is bumped whenever the record layout changes.
	FormatVersion = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format.
func (cf CheckpointFormat) Extension() string {
	if cf == FormatProto {
		return "pb"
	}
	return "json"
}

// ParseFormat maps "json" or "proto" to a CheckpointFormat.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch strings.ToLower(name) {
	case "json", "":
		return FormatJSON, nil
	case "proto", "pb", "protobuf":
		return FormatProto, nil
	default:
		return 0, errors.Errorf("unknown checkpoint format %q", name)
	}
}

func formatForPath(path string) CheckpointFormat {
	if filepath.Ext(path) == ".pb" {
		return FormatProto
	}
	return FormatJSON
}

// Checkpoint is one model's complete saved state: weights, optimizer state
// and the training bookkeeping needed to resume.
type Checkpoint struct {
	Role      string            `json:"role"`
	ModelSpec *layers.ModelSpec `json:"model_spec,omitempty"`
	Weights   []WeightTensor    `json:"weights"`
	// Buffers are non-trainable tensors such as spectral-norm vectors.
	Buffers []WeightTensor `json:"buffers,omitempty"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (absent for EMA weights)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "sn_u", ...
}

// TrainingState captures the current training progress
type TrainingState struct {
	Seed          int64    `json:"seed"`
	RunName       string   `json:"run_name"`
	Step          int      `json:"step"`
	BestStep      int      `json:"best_step"`
	BestScore     *float64 `json:"best_score,omitempty"`
	BestScorePath string   `json:"best_score_path,omitempty"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]float64 `json:"parameters"`
	StepCount  uint64             `json:"step_count"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance", "m", "v", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RecordID    string    `json:"record_id"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// Encode serialises a checkpoint. Missing metadata is filled in.
func (cs *CheckpointSaver) Encode(checkpoint *Checkpoint) ([]byte, error) {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = FrameworkName
		checkpoint.Metadata.Version = FormatVersion
	}
	if checkpoint.Metadata.RecordID == "" {
		checkpoint.Metadata.RecordID = uuid.NewString()
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch cs.format {
	case FormatJSON:
		var buf bytes.Buffer
		encoder := json.NewEncoder(&buf)
		encoder.SetIndent("", "  ") // Pretty print JSON
		if err := encoder.Encode(checkpoint); err != nil {
			return nil, errors.Wrap(err, "failed to encode checkpoint")
		}
		return buf.Bytes(), nil
	case FormatProto:
		return marshalProto(checkpoint)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// Decode parses a checkpoint in the saver's format.
func (cs *CheckpointSaver) Decode(data []byte) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
		return &checkpoint, nil
	case FormatProto:
		return unmarshalProto(data)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// SaveCheckpoint writes a checkpoint to path atomically: the record is written
// to a temporary file in the same directory and renamed into place, so a
// crash never leaves a partial file under the final name.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	data, err := cs.Encode(checkpoint)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-checkpoint-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint file in %s", dir)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "failed to write checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "failed to sync checkpoint")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, "failed to close checkpoint")
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return errors.Wrap(err, "failed to move checkpoint into place")
	}
	return nil
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	cp, err := cs.Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", path)
	}
	return cp, nil
}

// ExtractWeights copies parameter values into weight tensors.
func ExtractWeights(params []*layers.Param) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		data := make([]float32, len(p.Data))
		copy(data, p.Data)
		shape := make([]int, len(p.Shape))
		copy(shape, p.Shape)

		layer, typ := p.Name, ""
		if i := strings.LastIndex(p.Name, "."); i >= 0 {
			layer, typ = p.Name[:i], p.Name[i+1:]
		}
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: shape,
			Data:  data,
			Layer: layer,
			Type:  typ,
		})
	}
	return weights
}

// LoadWeights copies saved weights into params. Names, order and shapes must
// agree exactly.
func LoadWeights(weights []WeightTensor, params []*layers.Param) error {
	if len(weights) != len(params) {
		return errors.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}

	for i, p := range params {
		w := weights[i]
		if w.Name != p.Name {
			return errors.Errorf("weight %d: expected %s, got %s", i, p.Name, w.Name)
		}
		if len(w.Shape) != len(p.Shape) {
			return errors.Errorf("shape mismatch for weight %s: parameter %v vs weight %v", w.Name, p.Shape, w.Shape)
		}
		for j, dim := range p.Shape {
			if dim != w.Shape[j] {
				return errors.Errorf("dimension mismatch for weight %s at index %d: parameter %d vs weight %d",
					w.Name, j, dim, w.Shape[j])
			}
		}
		if len(w.Data) != len(p.Data) {
			return errors.Errorf("data length mismatch for weight %s: %d vs %d", w.Name, len(w.Data), len(p.Data))
		}
	}
	for i, p := range params {
		copy(p.Data, weights[i].Data)
	}
	return nil
}
