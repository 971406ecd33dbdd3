package segmentstore

import (
	"math"

	"github.com/pkg/errors"

	"github.com/anagarwa/nodestore/entities/segstore"
)

// ValueType tags the primitive kind carried by a VALUE record.
type ValueType uint8

const (
	ValueLong ValueType = iota
	ValueDouble
	ValueBoolean
	ValueBinary
)

// Value is a single scalar or binary property value.
type Value struct {
	Type   ValueType
	Long   int64
	Double float64
	Bool   bool
	Binary []byte
}

func LongValue(v int64) Value     { return Value{Type: ValueLong, Long: v} }
func DoubleValue(v float64) Value { return Value{Type: ValueDouble, Double: v} }
func BoolValue(v bool) Value      { return Value{Type: ValueBoolean, Bool: v} }
func BinaryValue(v []byte) Value  { return Value{Type: ValueBinary, Binary: v} }

// WriteValue encodes v as a VALUE record: a one-byte type tag followed
// by a fixed-width payload for scalars, or a size-classed body (shared
// with STRING records) for binary content.
func WriteValue(b *SegmentBuilder, selfID segstore.ID, v Value) (int, error) {
	switch v.Type {
	case ValueLong:
		buf := make([]byte, 1+8)
		buf[0] = byte(ValueLong)
		putUint64At(buf, 1, uint64(v.Long))
		return b.Allocate(buf)

	case ValueDouble:
		buf := make([]byte, 1+8)
		buf[0] = byte(ValueDouble)
		putUint64At(buf, 1, math.Float64bits(v.Double))
		return b.Allocate(buf)

	case ValueBoolean:
		buf := make([]byte, 2)
		buf[0] = byte(ValueBoolean)
		if v.Bool {
			buf[1] = 1
		}
		return b.Allocate(buf)

	case ValueBinary:
		body, err := sizedBytesBody(b, selfID, v.Binary)
		if err != nil {
			return 0, err
		}
		buf := append([]byte{byte(ValueBinary)}, body...)
		return b.Allocate(buf)

	default:
		return 0, errors.Errorf("unknown value type %d", v.Type)
	}
}

// ReadValue decodes a VALUE record at offset.
func ReadValue(seg *Segment, offset int) (Value, error) {
	tag, err := seg.ReadByte(offset)
	if err != nil {
		return Value{}, err
	}

	switch ValueType(tag) {
	case ValueLong:
		v, err := seg.ReadLong(offset + 1)
		if err != nil {
			return Value{}, err
		}
		return LongValue(int64(v)), nil

	case ValueDouble:
		v, err := seg.ReadLong(offset + 1)
		if err != nil {
			return Value{}, err
		}
		return DoubleValue(math.Float64frombits(v)), nil

	case ValueBoolean:
		v, err := seg.ReadByte(offset + 1)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(v != 0), nil

	case ValueBinary:
		sized, err := ReadSizedBytes(seg, offset+1)
		if err != nil {
			return Value{}, err
		}
		if sized.External != nil {
			return Value{}, errors.New("binary value spans a block chain; use ReadValueResolved")
		}
		return BinaryValue(sized.Inline), nil

	default:
		return Value{}, errors.Wrapf(segstore.ErrCorruption, "unrecognized value type tag %d", tag)
	}
}

// ReadValueResolved decodes a VALUE record, following a block chain via
// resolve if the binary payload is long enough to need one.
func ReadValueResolved(resolve resolver, seg *Segment, offset int) (Value, error) {
	tag, err := seg.ReadByte(offset)
	if err != nil {
		return Value{}, err
	}
	if ValueType(tag) != ValueBinary {
		return ReadValue(seg, offset)
	}

	sized, err := ReadSizedBytes(seg, offset+1)
	if err != nil {
		return Value{}, err
	}
	if sized.External == nil {
		return BinaryValue(sized.Inline), nil
	}

	if !sized.IsBlockChain {
		extSeg, err := resolve(*sized.External)
		if err != nil {
			return Value{}, err
		}
		data, err := extSeg.ReadBytes(sized.External.Offset, int(sized.Length))
		if err != nil {
			return Value{}, err
		}
		return BinaryValue(data), nil
	}

	listSeg, err := followRef(resolve, seg, *sized.External)
	if err != nil {
		return Value{}, err
	}
	blockRefs, err := ReadList(resolve, listSeg, sized.External.Offset)
	if err != nil {
		return Value{}, err
	}

	out := make([]byte, 0, sized.Length)
	remaining := sized.Length
	for _, ref := range blockRefs {
		n := int64(blockChunkSize)
		if remaining < n {
			n = remaining
		}
		blockSeg, err := followRef(resolve, seg, ref)
		if err != nil {
			return Value{}, err
		}
		data, err := blockSeg.ReadBytes(ref.Offset, int(n))
		if err != nil {
			return Value{}, err
		}
		out = append(out, data...)
		remaining -= n
	}
	return BinaryValue(out), nil
}

// WriteExternalBinaryValue encodes a VALUE record whose binary payload
// lives entirely in another (typically bulk) segment, for blob
// properties that should not be inlined/chunked into the writer's
// current segment. ReadValueResolved follows target directly rather
// than through a BLOCK/LIST chain.
func WriteExternalBinaryValue(b *SegmentBuilder, selfID segstore.ID, target segstore.RecordID, length int64) (int, error) {
	buf := append([]byte{byte(ValueBinary)}, b.EncodeRef(externalRefHead(length), target, selfID)...)
	return b.Allocate(buf)
}

func putUint64At(buf []byte, at int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[at+i] = byte(v >> uint(56-8*i))
	}
}
