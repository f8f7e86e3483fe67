package checkpoints

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout of a weights blob.
//
//	Checkpoint {
//	  1: version    string
//	  2: framework  string
//	  3: created_at varint (unix nanoseconds)
//	  4: epoch      varint
//	  5: monitor    string
//	  6: value      fixed64 (float64 bits)
//	  7: tensors    repeated Tensor
//	}
//	Tensor {
//	  1: name  string
//	  2: shape packed varint
//	  3: data  packed fixed32 (float32 bits)
//	  4: layer string
//	  5: type  string
//	}
const (
	fieldVersion   protowire.Number = 1
	fieldFramework protowire.Number = 2
	fieldCreatedAt protowire.Number = 3
	fieldEpoch     protowire.Number = 4
	fieldMonitor   protowire.Number = 5
	fieldValue     protowire.Number = 6
	fieldTensor    protowire.Number = 7

	tensorName  protowire.Number = 1
	tensorShape protowire.Number = 2
	tensorData  protowire.Number = 3
	tensorLayer protowire.Number = 4
	tensorType  protowire.Number = 5
)

// Marshal encodes a checkpoint in protobuf wire format.
func Marshal(checkpoint *Checkpoint) ([]byte, error) {
	var b []byte
	b = appendString(b, fieldVersion, checkpoint.Metadata.Version)
	b = appendString(b, fieldFramework, checkpoint.Metadata.Framework)
	if !checkpoint.Metadata.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(checkpoint.Metadata.CreatedAt.UnixNano()))
	}
	if checkpoint.TrainingState.Epoch < 0 {
		return nil, errors.Errorf("negative epoch %d", checkpoint.TrainingState.Epoch)
	}
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(checkpoint.TrainingState.Epoch))
	b = appendString(b, fieldMonitor, checkpoint.TrainingState.Monitor)
	b = protowire.AppendTag(b, fieldValue, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(checkpoint.TrainingState.Value))

	for _, w := range checkpoint.Weights {
		size := 1
		for _, d := range w.Shape {
			if d < 0 {
				return nil, errors.Errorf("weight %s has negative dimension", w.Name)
			}
			size *= d
		}
		if size != len(w.Data) {
			return nil, errors.Errorf("weight %s: shape %v holds %d values, data has %d", w.Name, w.Shape, size, len(w.Data))
		}
		b = protowire.AppendTag(b, fieldTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(w))
	}
	return b, nil
}

func marshalTensor(w WeightTensor) []byte {
	var b []byte
	b = appendString(b, tensorName, w.Name)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, tensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 4*len(w.Data))
	for _, v := range w.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)

	b = appendString(b, tensorLayer, w.Layer)
	b = appendString(b, tensorType, w.Type)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Unmarshal decodes a blob produced by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) (*Checkpoint, error) {
	checkpoint := &Checkpoint{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldVersion && typ == protowire.BytesType:
			checkpoint.Metadata.Version, n = protowire.ConsumeString(b)
		case num == fieldFramework && typ == protowire.BytesType:
			checkpoint.Metadata.Framework, n = protowire.ConsumeString(b)
		case num == fieldCreatedAt && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			checkpoint.Metadata.CreatedAt = time.Unix(0, int64(v))
		case num == fieldEpoch && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			checkpoint.TrainingState.Epoch = int(v)
		case num == fieldMonitor && typ == protowire.BytesType:
			checkpoint.TrainingState.Monitor, n = protowire.ConsumeString(b)
		case num == fieldValue && typ == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			checkpoint.TrainingState.Value = math.Float64frombits(v)
		case num == fieldTensor && typ == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			if n < 0 {
				break
			}
			w, err := unmarshalTensor(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "tensor %d", len(checkpoint.Weights))
			}
			checkpoint.Weights = append(checkpoint.Weights, w)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return checkpoint, nil
}

func unmarshalTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return w, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == tensorName && typ == protowire.BytesType:
			w.Name, n = protowire.ConsumeString(b)
		case num == tensorLayer && typ == protowire.BytesType:
			w.Layer, n = protowire.ConsumeString(b)
		case num == tensorType && typ == protowire.BytesType:
			w.Type, n = protowire.ConsumeString(b)
		case num == tensorShape && typ == protowire.BytesType:
			var packed []byte
			packed, n = protowire.ConsumeBytes(b)
			for len(packed) > 0 && n >= 0 {
				d, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return w, protowire.ParseError(m)
				}
				w.Shape = append(w.Shape, int(d))
				packed = packed[m:]
			}
		case num == tensorShape && typ == protowire.VarintType:
			var d uint64
			d, n = protowire.ConsumeVarint(b)
			w.Shape = append(w.Shape, int(d))
		case num == tensorData && typ == protowire.BytesType:
			var packed []byte
			packed, n = protowire.ConsumeBytes(b)
			if n >= 0 && len(packed)%4 != 0 {
				return w, errors.Errorf("data length %d is not a multiple of 4", len(packed))
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed32(packed)
				if m < 0 {
					return w, protowire.ParseError(m)
				}
				w.Data = append(w.Data, math.Float32frombits(v))
				packed = packed[m:]
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return w, protowire.ParseError(n)
		}
		b = b[n:]
	}

	size := 1
	for _, d := range w.Shape {
		size *= d
	}
	if size != len(w.Data) {
		return w, errors.Errorf("weight %s: shape %v does not match %d values", w.Name, w.Shape, len(w.Data))
	}
	return w, nil
}
