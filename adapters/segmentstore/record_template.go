package segmentstore

import (
	"github.com/pkg/errors"

	"github.com/anagarwa/nodestore/entities/segstore"
)

// PropertyType is the declared type of a single-valued or multi-valued
// property slot in a TEMPLATE.
type PropertyType struct {
	Value    ValueType
	IsString bool // true if the slot actually holds a STRING record rather than a ValueBinary
	Multiple bool
}

// Template describes the shape shared by every NODE record built from
// it: its primary/mixin type names and the ordered list of properties
// it declares, each single- or multi-valued per PropertyType.Multiple. Nodes with identical shape
// reuse the same TEMPLATE record, the deduplication spec.md §4.3 calls
// for; WriteTemplate itself always encodes a fresh record; interning
// by shape is WriterPool.InternTemplate's job, used by both
// NodeBuilder.Build and the garbage collector's compaction copy.
type Template struct {
	PrimaryType   string
	MixinTypes    []string
	PropertyNames []string
	PropertyTypes []PropertyType
	// HasChildren records whether nodes built from this template may
	// carry a child-name map; false is the common "leaf shape" case.
	HasChildren bool
}

// WriteTemplate encodes t into a new TEMPLATE record.
func WriteTemplate(b *SegmentBuilder, selfID segstore.ID, t Template) (int, error) {
	if len(t.PropertyNames) != len(t.PropertyTypes) {
		return 0, errors.New("template property name/type count mismatch")
	}

	var body []byte
	body, err := appendTemplateString(b, selfID, body, t.PrimaryType)
	if err != nil {
		return 0, err
	}

	body = appendUint32(body, uint32(len(t.MixinTypes)))
	for _, m := range t.MixinTypes {
		body, err = appendTemplateString(b, selfID, body, m)
		if err != nil {
			return 0, err
		}
	}

	body = appendUint32(body, uint32(len(t.PropertyNames)))
	for i, name := range t.PropertyNames {
		body, err = appendTemplateString(b, selfID, body, name)
		if err != nil {
			return 0, err
		}
		pt := t.PropertyTypes[i]
		tag := byte(pt.Value)
		if pt.IsString {
			tag |= 0x10
		}
		if pt.Multiple {
			tag |= 0x20
		}
		body = append(body, tag)
	}

	if t.HasChildren {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}

	return b.Allocate(body)
}

// appendTemplateString writes "" as a zero-length marker and otherwise
// interns s as a STRING record, appending a 6-byte ref.
func appendTemplateString(b *SegmentBuilder, selfID segstore.ID, dst []byte, s string) ([]byte, error) {
	if s == "" {
		dst = append(dst, 0)
		// Encoded as a self-reference to offset 0 so no entry is added
		// to the segment's ref table; readTemplateString never follows
		// it because the "present" byte is false.
		return b.EncodeRef(dst, segstore.RecordID{Segment: selfID}, selfID), nil
	}
	off, err := WriteSizedBytes(b, selfID, []byte(s))
	if err != nil {
		return nil, err
	}
	id, err := segstore.NewRecordID(selfID, off)
	if err != nil {
		return nil, err
	}
	dst = append(dst, 1)
	return b.EncodeRef(dst, id, selfID), nil
}

func readTemplateString(resolve resolver, seg *Segment, pos int) (string, int, error) {
	present, err := seg.ReadByte(pos)
	if err != nil {
		return "", 0, err
	}
	pos++
	ref, err := seg.ResolveRef(pos)
	if err != nil {
		return "", 0, err
	}
	pos += 6
	if present == 0 {
		return "", pos, nil
	}
	refSeg, err := followRef(resolve, seg, ref)
	if err != nil {
		return "", 0, err
	}
	sized, err := ReadSizedBytes(refSeg, ref.Offset)
	if err != nil {
		return "", 0, err
	}
	if sized.External != nil {
		extSeg, err := resolve(*sized.External)
		if err != nil {
			return "", 0, err
		}
		data, err := extSeg.ReadBytes(sized.External.Offset, int(sized.Length))
		if err != nil {
			return "", 0, err
		}
		return string(data), pos, nil
	}
	return string(sized.Inline), pos, nil
}

// ReadTemplate decodes a TEMPLATE record.
func ReadTemplate(resolve resolver, seg *Segment, offset int) (Template, error) {
	var t Template
	pos := offset

	primary, next, err := readTemplateString(resolve, seg, pos)
	if err != nil {
		return Template{}, err
	}
	t.PrimaryType = primary
	pos = next

	mixinCount, err := seg.ReadInt(pos)
	if err != nil {
		return Template{}, err
	}
	pos += 4
	for i := uint32(0); i < mixinCount; i++ {
		m, next, err := readTemplateString(resolve, seg, pos)
		if err != nil {
			return Template{}, err
		}
		t.MixinTypes = append(t.MixinTypes, m)
		pos = next
	}

	propCount, err := seg.ReadInt(pos)
	if err != nil {
		return Template{}, err
	}
	pos += 4
	for i := uint32(0); i < propCount; i++ {
		name, next, err := readTemplateString(resolve, seg, pos)
		if err != nil {
			return Template{}, err
		}
		pos = next
		tag, err := seg.ReadByte(pos)
		if err != nil {
			return Template{}, err
		}
		pos++
		t.PropertyNames = append(t.PropertyNames, name)
		t.PropertyTypes = append(t.PropertyTypes, PropertyType{
			Value:    ValueType(tag & 0x0F),
			IsString: tag&0x10 != 0,
			Multiple: tag&0x20 != 0,
		})
	}

	hasChildren, err := seg.ReadByte(pos)
	if err != nil {
		return Template{}, err
	}
	t.HasChildren = hasChildren != 0

	return t, nil
}
