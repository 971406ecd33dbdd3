package segmentstore

import (
	"github.com/anagarwa/nodestore/entities/segstore"
)

// WriteList encodes elements as a complete LevelSize-ary tree of record
// references, per spec.md §4.3. Every tree node is self-describing
// (total element count + depth), so a reader never needs to be told the
// list's size out of band: a list of at most LevelSize elements is a
// depth-0 leaf holding a flat array of refs; larger lists split into
// LevelSize buckets addressed by a depth+1 parent, recursively — the
// same balanced layout segmentindex/tree.go uses for its binary tree,
// generalized to branching factor LevelSize.
func WriteList(b *SegmentBuilder, selfID segstore.ID, elements []segstore.RecordID) (int, error) {
	depth := 0
	capacity := segstore.LevelSize
	for capacity < len(elements) {
		capacity *= segstore.LevelSize
		depth++
	}
	return writeListNode(b, selfID, elements, depth)
}

func writeListNode(b *SegmentBuilder, selfID segstore.ID, elements []segstore.RecordID, depth int) (int, error) {
	var body []byte
	body = appendUint32(body, uint32(len(elements)))
	body = append(body, byte(depth))

	if depth == 0 {
		for _, ref := range elements {
			body = b.EncodeRef(body, ref, selfID)
		}
		return b.Allocate(body)
	}

	bucketCapacity := 1
	for i := 0; i < depth; i++ {
		bucketCapacity *= segstore.LevelSize
	}

	var children []segstore.RecordID
	for i := 0; i < len(elements); i += bucketCapacity {
		end := i + bucketCapacity
		if end > len(elements) {
			end = len(elements)
		}
		off, err := writeListNode(b, selfID, elements[i:end], depth-1)
		if err != nil {
			return 0, err
		}
		id, err := segstore.NewRecordID(selfID, off)
		if err != nil {
			return 0, err
		}
		children = append(children, id)
	}
	for _, child := range children {
		body = b.EncodeRef(body, child, selfID)
	}
	return b.Allocate(body)
}

// ReadList reconstructs a list previously written with WriteList,
// following child tree nodes across segment boundaries via resolve.
func ReadList(resolve resolver, seg *Segment, offset int) ([]segstore.RecordID, error) {
	count, err := seg.ReadInt(offset)
	if err != nil {
		return nil, err
	}
	depthByte, err := seg.ReadByte(offset + 4)
	if err != nil {
		return nil, err
	}
	depth := int(depthByte)
	pos := offset + 5

	if depth == 0 {
		out := make([]segstore.RecordID, count)
		for i := uint32(0); i < count; i++ {
			id, err := seg.ResolveRef(pos)
			if err != nil {
				return nil, err
			}
			out[i] = id
			pos += 6
		}
		return out, nil
	}

	bucketCapacity := 1
	for i := 0; i < depth; i++ {
		bucketCapacity *= segstore.LevelSize
	}
	childCount := (int(count) + bucketCapacity - 1) / bucketCapacity

	var out []segstore.RecordID
	for i := 0; i < childCount; i++ {
		childRef, err := seg.ResolveRef(pos)
		if err != nil {
			return nil, err
		}
		pos += 6

		childSeg := seg
		if childRef.Segment != seg.id {
			childSeg, err = resolve(childRef)
			if err != nil {
				return nil, err
			}
		}
		sub, err := ReadList(resolve, childSeg, childRef.Offset)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}
