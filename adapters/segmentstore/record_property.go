package segmentstore

import (
	"github.com/anagarwa/nodestore/entities/segstore"
)

const (
	propFlagString   = 0x01
	propFlagMultiple = 0x02
)

// WriteProperty encodes a property as a reference (or, if multiple, a
// LIST of references) to the underlying VALUE/STRING records, tagged
// with enough metadata to be self-describing independent of the owning
// template, per spec.md §4.3's PROPERTY record kind.
func WriteProperty(b *SegmentBuilder, selfID segstore.ID, isString, multiple bool, values []segstore.RecordID) (int, error) {
	var tag byte
	if isString {
		tag |= propFlagString
	}
	if multiple {
		tag |= propFlagMultiple
	}
	body := []byte{tag}

	if !multiple {
		var ref segstore.RecordID
		if len(values) > 0 {
			ref = values[0]
		}
		body = b.EncodeRef(body, ref, selfID)
		return b.Allocate(body)
	}

	listOff, err := WriteList(b, selfID, values)
	if err != nil {
		return 0, err
	}
	listRef, err := segstore.NewRecordID(selfID, listOff)
	if err != nil {
		return 0, err
	}
	body = b.EncodeRef(body, listRef, selfID)
	return b.Allocate(body)
}

// PropertyValues describes a decoded PROPERTY record.
type PropertyValues struct {
	IsString bool
	Multiple bool
	Values   []segstore.RecordID
}

// ReadProperty decodes a PROPERTY record, following its LIST of value
// refs (if multiple) via resolve.
func ReadProperty(resolve resolver, seg *Segment, offset int) (PropertyValues, error) {
	tag, err := seg.ReadByte(offset)
	if err != nil {
		return PropertyValues{}, err
	}
	ref, err := seg.ResolveRef(offset + 1)
	if err != nil {
		return PropertyValues{}, err
	}

	out := PropertyValues{
		IsString: tag&propFlagString != 0,
		Multiple: tag&propFlagMultiple != 0,
	}

	if !out.Multiple {
		out.Values = []segstore.RecordID{ref}
		return out, nil
	}

	listSeg, err := followRef(resolve, seg, ref)
	if err != nil {
		return PropertyValues{}, err
	}
	values, err := ReadList(resolve, listSeg, ref.Offset)
	if err != nil {
		return PropertyValues{}, err
	}
	out.Values = values
	return out, nil
}
