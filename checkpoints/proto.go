package checkpoints

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-gan/layers"
)

// Wire layout of FormatProto records. Field numbers are stable; new fields
// must take new numbers.
//
//	Checkpoint:      1 role, 2 model_spec (JSON bytes), 3 weights*, 4 buffers*,
//	                 5 training_state, 6 optimizer_state, 7 metadata
//	WeightTensor:    1 name, 2 shape (packed varint), 3 data (packed fixed32), 4 layer, 5 type
//	TrainingState:   1 seed (zigzag), 2 run_name, 3 step, 4 best_step,
//	                 5 best_score (fixed64, absent when unset), 6 best_score_path
//	OptimizerState:  1 type, 2 parameters* {1 key, 2 value fixed64}, 3 step_count, 4 state_data*
//	OptimizerTensor: 1 name, 2 shape, 3 data, 4 state_type
//	Metadata:        1 version, 2 framework, 3 record_id, 4 created_at (unix nanos, zigzag),
//	                 5 description, 6 tags*

func marshalProto(cp *Checkpoint) ([]byte, error) {
	var b []byte
	b = appendString(b, 1, cp.Role)
	if cp.ModelSpec != nil {
		spec, err := json.Marshal(cp.ModelSpec)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode model spec")
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, spec)
	}
	for _, w := range cp.Weights {
		b = appendMessage(b, 3, appendWeight(nil, w))
	}
	for _, w := range cp.Buffers {
		b = appendMessage(b, 4, appendWeight(nil, w))
	}
	b = appendMessage(b, 5, appendTrainingState(nil, cp.TrainingState))
	if cp.OptimizerState != nil {
		b = appendMessage(b, 6, appendOptimizerState(nil, cp.OptimizerState))
	}
	b = appendMessage(b, 7, appendMetadata(nil, cp.Metadata))
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendShape(b []byte, num protowire.Number, shape []int) []byte {
	if len(shape) == 0 {
		return b
	}
	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	return appendMessage(b, num, packed)
}

func appendFloats(b []byte, num protowire.Number, data []float32) []byte {
	if len(data) == 0 {
		return b
	}
	packed := make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessage(b, num, packed)
}

func appendWeight(b []byte, w WeightTensor) []byte {
	b = appendString(b, 1, w.Name)
	b = appendShape(b, 2, w.Shape)
	b = appendFloats(b, 3, w.Data)
	b = appendString(b, 4, w.Layer)
	return appendString(b, 5, w.Type)
}

func appendTrainingState(b []byte, ts TrainingState) []byte {
	b = appendVarint(b, 1, protowire.EncodeZigZag(ts.Seed))
	b = appendString(b, 2, ts.RunName)
	b = appendVarint(b, 3, uint64(ts.Step))
	b = appendVarint(b, 4, uint64(ts.BestStep))
	if ts.BestScore != nil {
		b = protowire.AppendTag(b, 5, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(*ts.BestScore))
	}
	return appendString(b, 6, ts.BestScorePath)
}

func appendOptimizerState(b []byte, st *OptimizerState) []byte {
	b = appendString(b, 1, st.Type)
	keys := make([]string, 0, len(st.Parameters))
	for k := range st.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = protowire.AppendTag(entry, 2, protowire.Fixed64Type)
		entry = protowire.AppendFixed64(entry, math.Float64bits(st.Parameters[k]))
		b = appendMessage(b, 2, entry)
	}
	b = appendVarint(b, 3, st.StepCount)
	for _, t := range st.StateData {
		var msg []byte
		msg = appendString(msg, 1, t.Name)
		msg = appendShape(msg, 2, t.Shape)
		msg = appendFloats(msg, 3, t.Data)
		msg = appendString(msg, 4, t.StateType)
		b = appendMessage(b, 4, msg)
	}
	return b
}

func appendMetadata(b []byte, md CheckpointMetadata) []byte {
	b = appendString(b, 1, md.Version)
	b = appendString(b, 2, md.Framework)
	b = appendString(b, 3, md.RecordID)
	if !md.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(md.CreatedAt.UnixNano()))
	}
	b = appendString(b, 5, md.Description)
	for _, tag := range md.Tags {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

// field is one decoded wire value.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	u64   uint64
	bytes []byte
}

// walk calls fn for every field in a message. Groups are rejected.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "malformed tag")
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u64, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u64 = uint64(v)
		case protowire.Fixed64Type:
			f.u64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			return errors.Errorf("unsupported wire type %d for field %d", typ, num)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "field %d", num)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func expect(f field, typ protowire.Type) error {
	if f.typ != typ {
		return errors.Errorf("field %d: expected wire type %d, got %d", f.num, typ, f.typ)
	}
	return nil
}

func decodeShape(b []byte) ([]int, error) {
	var shape []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		shape = append(shape, int(v))
		b = b[n:]
	}
	return shape, nil
}

func decodeFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, errors.Errorf("packed float field has %d bytes", len(b))
	}
	out := make([]float32, 0, len(b)/4)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}

func decodeWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			w.Name = string(f.bytes)
		case 2:
			w.Shape, err = decodeShape(f.bytes)
		case 3:
			w.Data, err = decodeFloats(f.bytes)
		case 4:
			w.Layer = string(f.bytes)
		case 5:
			w.Type = string(f.bytes)
		}
		return err
	})
	if w.Data == nil {
		w.Data = []float32{}
	}
	return w, err
}

func decodeTrainingState(b []byte) (TrainingState, error) {
	var ts TrainingState
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			ts.Seed = protowire.DecodeZigZag(f.u64)
		case 2:
			ts.RunName = string(f.bytes)
		case 3:
			ts.Step = int(f.u64)
		case 4:
			ts.BestStep = int(f.u64)
		case 5:
			if err := expect(f, protowire.Fixed64Type); err != nil {
				return err
			}
			v := math.Float64frombits(f.u64)
			ts.BestScore = &v
		case 6:
			ts.BestScorePath = string(f.bytes)
		}
		return nil
	})
	return ts, err
}

func decodeOptimizerState(b []byte) (*OptimizerState, error) {
	st := &OptimizerState{Parameters: map[string]float64{}}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			st.Type = string(f.bytes)
		case 2:
			var key string
			var val float64
			err := walk(f.bytes, func(e field) error {
				switch e.num {
				case 1:
					key = string(e.bytes)
				case 2:
					val = math.Float64frombits(e.u64)
				}
				return nil
			})
			if err != nil {
				return err
			}
			st.Parameters[key] = val
		case 3:
			st.StepCount = f.u64
		case 4:
			var t OptimizerTensor
			err := walk(f.bytes, func(e field) error {
				var err error
				switch e.num {
				case 1:
					t.Name = string(e.bytes)
				case 2:
					t.Shape, err = decodeShape(e.bytes)
				case 3:
					t.Data, err = decodeFloats(e.bytes)
				case 4:
					t.StateType = string(e.bytes)
				}
				return err
			})
			if err != nil {
				return err
			}
			st.StateData = append(st.StateData, t)
		}
		return nil
	})
	return st, err
}

func decodeMetadata(b []byte) (CheckpointMetadata, error) {
	var md CheckpointMetadata
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			md.Version = string(f.bytes)
		case 2:
			md.Framework = string(f.bytes)
		case 3:
			md.RecordID = string(f.bytes)
		case 4:
			md.CreatedAt = time.Unix(0, protowire.DecodeZigZag(f.u64))
		case 5:
			md.Description = string(f.bytes)
		case 6:
			md.Tags = append(md.Tags, string(f.bytes))
		}
		return nil
	})
	return md, err
}

func unmarshalProto(data []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := walk(data, func(f field) error {
		if f.num >= 2 && f.num <= 7 {
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
		}
		switch f.num {
		case 1:
			cp.Role = string(f.bytes)
		case 2:
			var spec layers.ModelSpec
			if err := json.Unmarshal(f.bytes, &spec); err != nil {
				return errors.Wrap(err, "model spec")
			}
			cp.ModelSpec = &spec
		case 3, 4:
			w, err := decodeWeight(f.bytes)
			if err != nil {
				return errors.Wrap(err, "weight")
			}
			if f.num == 3 {
				cp.Weights = append(cp.Weights, w)
			} else {
				cp.Buffers = append(cp.Buffers, w)
			}
		case 5:
			ts, err := decodeTrainingState(f.bytes)
			if err != nil {
				return errors.Wrap(err, "training state")
			}
			cp.TrainingState = ts
		case 6:
			st, err := decodeOptimizerState(f.bytes)
			if err != nil {
				return errors.Wrap(err, "optimizer state")
			}
			cp.OptimizerState = st
		case 7:
			md, err := decodeMetadata(f.bytes)
			if err != nil {
				return errors.Wrap(err, "metadata")
			}
			cp.Metadata = md
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	return cp, nil
}
