package checkpoint

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"yolotune/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

// Wire layout (protobuf encoding, no generated types):
//
//	TrainingState { 1 schema_version varint; 2 codec_version varint; 3 epoch sint64;
//	                4 best_metric fixed64; 5 weights repeated Tensor; 6 optimizer Optimizer }
//	Tensor        { 1 name string; 2 shape packed varint; 3 data packed fixed32 }
//	Optimizer     { 1 step varint; 2 lr fixed64; 3 buffers repeated Tensor }
const (
	fieldSchemaVersion protowire.Number = 1
	fieldCodecVersion  protowire.Number = 2
	fieldEpoch         protowire.Number = 3
	fieldBestMetric    protowire.Number = 4
	fieldWeights       protowire.Number = 5
	fieldOptimizer     protowire.Number = 6

	fieldTensorName  protowire.Number = 1
	fieldTensorShape protowire.Number = 2
	fieldTensorData  protowire.Number = 3

	fieldOptStep    protowire.Number = 1
	fieldOptLR      protowire.Number = 2
	fieldOptBuffers protowire.Number = 3
)

var ErrVersionMismatch = errors.New("checkpoint version mismatch")

func Encode(state model.TrainingState) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSchemaVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, CurrentSchemaVersion)
	b = protowire.AppendTag(b, fieldCodecVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, CurrentCodecVersion)
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(state.Epoch)))
	b = protowire.AppendTag(b, fieldBestMetric, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(state.BestMetric))
	for _, t := range state.ModelWeights {
		b = protowire.AppendTag(b, fieldWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTensor(t))
	}
	if state.Optimizer != nil {
		b = protowire.AppendTag(b, fieldOptimizer, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOptimizer(*state.Optimizer))
	}
	return b
}

func encodeTensor(t model.Tensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTensorName, protowire.BytesType)
	b = protowire.AppendString(b, t.Name)
	if len(t.Shape) > 0 {
		var shape []byte
		for _, d := range t.Shape {
			shape = protowire.AppendVarint(shape, uint64(d))
		}
		b = protowire.AppendTag(b, fieldTensorShape, protowire.BytesType)
		b = protowire.AppendBytes(b, shape)
	}
	if len(t.Data) > 0 {
		data := make([]byte, 0, 4*len(t.Data))
		for _, x := range t.Data {
			data = protowire.AppendFixed32(data, math.Float32bits(x))
		}
		b = protowire.AppendTag(b, fieldTensorData, protowire.BytesType)
		b = protowire.AppendBytes(b, data)
	}
	return b
}

func encodeOptimizer(o model.OptimizerState) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOptStep, protowire.VarintType)
	b = protowire.AppendVarint(b, o.Step)
	b = protowire.AppendTag(b, fieldOptLR, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(o.LR))
	for _, t := range o.Buffers {
		b = protowire.AppendTag(b, fieldOptBuffers, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTensor(t))
	}
	return b
}

func Decode(data []byte) (model.TrainingState, error) {
	var (
		state         model.TrainingState
		schema, codec uint64
		sawSchema     bool
		sawCodec      bool
	)
	err := walk(data, func(num protowire.Number, _ protowire.Type, raw []byte, v uint64) error {
		switch num {
		case fieldSchemaVersion:
			schema, sawSchema = v, true
		case fieldCodecVersion:
			codec, sawCodec = v, true
		case fieldEpoch:
			state.Epoch = int(protowire.DecodeZigZag(v))
		case fieldBestMetric:
			state.BestMetric = math.Float64frombits(v)
		case fieldWeights:
			t, err := decodeTensor(raw)
			if err != nil {
				return fmt.Errorf("weights: %w", err)
			}
			state.ModelWeights = append(state.ModelWeights, t)
		case fieldOptimizer:
			o, err := decodeOptimizer(raw)
			if err != nil {
				return fmt.Errorf("optimizer: %w", err)
			}
			state.Optimizer = &o
		}
		return nil
	})
	if err != nil {
		return model.TrainingState{}, err
	}
	if !sawSchema || !sawCodec {
		return model.TrainingState{}, errors.New("missing version header")
	}
	if schema != CurrentSchemaVersion || codec != CurrentCodecVersion {
		return model.TrainingState{}, ErrVersionMismatch
	}
	return state, nil
}

func decodeTensor(data []byte) (model.Tensor, error) {
	var t model.Tensor
	err := walk(data, func(num protowire.Number, _ protowire.Type, raw []byte, _ uint64) error {
		switch num {
		case fieldTensorName:
			t.Name = string(raw)
		case fieldTensorShape:
			for len(raw) > 0 {
				d, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Shape = append(t.Shape, int(d))
				raw = raw[n:]
			}
		case fieldTensorData:
			if len(raw)%4 != 0 {
				return fmt.Errorf("tensor %s: data length %d not a multiple of 4", t.Name, len(raw))
			}
			t.Data = make([]float32, 0, len(raw)/4)
			for len(raw) > 0 {
				x, n := protowire.ConsumeFixed32(raw)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Data = append(t.Data, math.Float32frombits(x))
				raw = raw[n:]
			}
		}
		return nil
	})
	if err != nil {
		return model.Tensor{}, err
	}
	if len(t.Shape) > 0 && t.Numel() != len(t.Data) {
		return model.Tensor{}, fmt.Errorf("tensor %s: shape %v holds %d values, got %d", t.Name, t.Shape, t.Numel(), len(t.Data))
	}
	return t, nil
}

func decodeOptimizer(data []byte) (model.OptimizerState, error) {
	var o model.OptimizerState
	err := walk(data, func(num protowire.Number, _ protowire.Type, raw []byte, v uint64) error {
		switch num {
		case fieldOptStep:
			o.Step = v
		case fieldOptLR:
			o.LR = math.Float64frombits(v)
		case fieldOptBuffers:
			t, err := decodeTensor(raw)
			if err != nil {
				return err
			}
			o.Buffers = append(o.Buffers, t)
		}
		return nil
	})
	return o, err
}

// walk visits each field of a message. Scalar fields are passed in v, length
// delimited fields in raw. Unknown fields are skipped.
func walk(data []byte, visit func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var (
			raw []byte
			v   uint64
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(data)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(data)
		case protowire.Fixed32Type:
			var v32 uint32
			v32, n = protowire.ConsumeFixed32(data)
			v = uint64(v32)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if err := visit(num, typ, raw, v); err != nil {
			return err
		}
	}
	return nil
}
