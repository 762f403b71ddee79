package checkpoint

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"roadseg/internal/model"
)

// Field numbers from checkpoint.proto.
const (
	fieldEpoch     protowire.Number = 1
	fieldCreatedAt protowire.Number = 2
	fieldTensors   protowire.Number = 3
	fieldRunID     protowire.Number = 4

	fieldTensorName  protowire.Number = 1
	fieldTensorShape protowire.Number = 2
	fieldTensorData  protowire.Number = 3
)

// Checkpoint is a snapshot of model parameters taken after an epoch.
type Checkpoint struct {
	Epoch      int
	RunID      string
	CreatedAt  time.Time
	Parameters model.Parameters
}

// Marshal encodes c in the protobuf wire format.
func Marshal(c Checkpoint) ([]byte, error) {
	if c.Epoch < 0 {
		return nil, errors.Errorf("checkpoint: negative epoch %d", c.Epoch)
	}
	ts, err := proto.Marshal(timestamppb.New(c.CreatedAt))
	if err != nil {
		return nil, errors.Wrap(err, "marshal timestamp")
	}

	var b []byte
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Epoch))
	b = protowire.AppendTag(b, fieldCreatedAt, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)
	for _, t := range c.Parameters {
		if len(t.Data) != model.Size(t.Shape) {
			return nil, errors.Errorf("checkpoint: tensor %s has %d values for shape %v", t.Name, len(t.Data), t.Shape)
		}
		b = protowire.AppendTag(b, fieldTensors, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(t))
	}
	if c.RunID != "" {
		b = protowire.AppendTag(b, fieldRunID, protowire.BytesType)
		b = protowire.AppendString(b, c.RunID)
	}
	return b, nil
}

func marshalTensor(t model.Tensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTensorName, protowire.BytesType)
	b = protowire.AppendString(b, t.Name)

	var shape []byte
	for _, d := range t.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, fieldTensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 4*len(t.Data))
	for _, v := range t.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, fieldTensorData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

// Unmarshal decodes a checkpoint written by Marshal. Unknown fields are
// skipped.
func Unmarshal(b []byte) (Checkpoint, error) {
	var c Checkpoint
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Checkpoint{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldEpoch && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Checkpoint{}, errors.Wrap(protowire.ParseError(m), "epoch")
			}
			c.Epoch = int(int64(v))
			n = m
		case num == fieldCreatedAt && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Checkpoint{}, errors.Wrap(protowire.ParseError(m), "created_at")
			}
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				return Checkpoint{}, errors.Wrap(err, "created_at")
			}
			c.CreatedAt = ts.AsTime()
			n = m
		case num == fieldTensors && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Checkpoint{}, errors.Wrap(protowire.ParseError(m), "tensors")
			}
			t, err := unmarshalTensor(v)
			if err != nil {
				return Checkpoint{}, errors.Wrapf(err, "tensor %d", len(c.Parameters))
			}
			c.Parameters = append(c.Parameters, t)
			n = m
		case num == fieldRunID && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return Checkpoint{}, errors.Wrap(protowire.ParseError(m), "run_id")
			}
			c.RunID = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Checkpoint{}, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	if c.Epoch < 0 {
		return Checkpoint{}, errors.Errorf("negative epoch %d", c.Epoch)
	}
	return c, nil
}

func unmarshalTensor(b []byte) (model.Tensor, error) {
	var t model.Tensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return model.Tensor{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldTensorName && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return model.Tensor{}, protowire.ParseError(m)
			}
			t.Name = v
			n = m
		case num == fieldTensorShape && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return model.Tensor{}, protowire.ParseError(m)
			}
			for len(v) > 0 {
				d, k := protowire.ConsumeVarint(v)
				if k < 0 {
					return model.Tensor{}, protowire.ParseError(k)
				}
				t.Shape = append(t.Shape, int(int64(d)))
				v = v[k:]
			}
			n = m
		case num == fieldTensorShape && typ == protowire.VarintType:
			d, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return model.Tensor{}, protowire.ParseError(m)
			}
			t.Shape = append(t.Shape, int(int64(d)))
			n = m
		case num == fieldTensorData && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return model.Tensor{}, protowire.ParseError(m)
			}
			if len(v)%4 != 0 {
				return model.Tensor{}, errors.Errorf("packed data length %d not a multiple of 4", len(v))
			}
			for len(v) > 0 {
				bits, k := protowire.ConsumeFixed32(v)
				if k < 0 {
					return model.Tensor{}, protowire.ParseError(k)
				}
				t.Data = append(t.Data, math.Float32frombits(bits))
				v = v[k:]
			}
			n = m
		case num == fieldTensorData && typ == protowire.Fixed32Type:
			bits, m := protowire.ConsumeFixed32(b)
			if m < 0 {
				return model.Tensor{}, protowire.ParseError(m)
			}
			t.Data = append(t.Data, math.Float32frombits(bits))
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return model.Tensor{}, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	for _, d := range t.Shape {
		if d < 0 {
			return model.Tensor{}, errors.Errorf("%s: negative dimension in shape %v", t.Name, t.Shape)
		}
	}
	if len(t.Data) != model.Size(t.Shape) {
		return model.Tensor{}, errors.Errorf("%s: %d values for shape %v", t.Name, len(t.Data), t.Shape)
	}
	return t, nil
}
