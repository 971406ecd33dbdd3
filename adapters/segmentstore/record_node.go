package segmentstore

import (
	"github.com/anagarwa/nodestore/entities/segstore"
)

// Node is a decoded NODE record: a reference to its TEMPLATE, one
// property-record ref per property the template declares (in template
// order), and an optional reference to a MAP of child-name to child
// NODE record, per spec.md §4.3's "(template_id, property_value_ids…,
// child_map_id)" layout.
type Node struct {
	Template   segstore.RecordID
	Properties []segstore.RecordID
	Children   *segstore.RecordID
}

// WriteNode encodes a node. len(properties) must equal the property
// count declared by the template the caller wrote at templateRef.
func WriteNode(b *SegmentBuilder, selfID segstore.ID, templateRef segstore.RecordID,
	properties []segstore.RecordID, children *segstore.RecordID,
) (int, error) {
	body := b.EncodeRef(nil, templateRef, selfID)
	body = appendUint32(body, uint32(len(properties)))
	for _, p := range properties {
		body = b.EncodeRef(body, p, selfID)
	}
	if children != nil {
		body = append(body, 1)
		body = b.EncodeRef(body, *children, selfID)
	} else {
		body = append(body, 0)
	}
	return b.Allocate(body)
}

// ReadNode decodes a NODE record at offset.
func ReadNode(seg *Segment, offset int) (Node, error) {
	templateRef, err := seg.ResolveRef(offset)
	if err != nil {
		return Node{}, err
	}
	pos := offset + 6

	count, err := seg.ReadInt(pos)
	if err != nil {
		return Node{}, err
	}
	pos += 4

	props := make([]segstore.RecordID, count)
	for i := uint32(0); i < count; i++ {
		ref, err := seg.ResolveRef(pos)
		if err != nil {
			return Node{}, err
		}
		props[i] = ref
		pos += 6
	}

	hasChildren, err := seg.ReadByte(pos)
	if err != nil {
		return Node{}, err
	}
	pos++

	node := Node{Template: templateRef, Properties: props}
	if hasChildren != 0 {
		childRef, err := seg.ResolveRef(pos)
		if err != nil {
			return Node{}, err
		}
		node.Children = &childRef
	}
	return node, nil
}
