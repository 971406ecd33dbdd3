package segmentstore

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/anagarwa/nodestore/entities/segstore"
)

// Size-class head-byte tags, per spec.md §4.3. The top bits of the head
// byte select the class (0 small, 10 medium, 110 long); external
// references set the third bit as well (111), and the lowest bit then
// distinguishes a 2-byte length field (short) from a full 8-byte one
// (long).
const (
	classSmall        = 0x00 // 0xxxxxxx: length 0..SmallLimit-1 in the low 7 bits
	classMedium       = 0x80 // 10xxxxxx + 1 byte: 14-bit length, biased by SmallLimit
	classLong         = 0xC0 // 110xxxxx: 8-byte length + ref to a block-chain LIST record
	classExternalHigh = 0xE0
)

const (
	tagExternalShort = classExternalHigh | 0x00 // 11100000: 2-byte length + 6-byte ref
	tagExternalLong  = classExternalHigh | 0x01 // 11100001: 8-byte length + 6-byte ref
)

// blockChunkSize bounds how many bytes a single BLOCK record holds when
// chunking a "long" inline value, matching the archive's alignment unit
// scale-up (large enough that the chain stays short for typical blobs).
const blockChunkSize = 4096

// WriteSizedBytes stores data using the appropriate size class and
// returns the record offset where the encoding begins. Values under
// MediumLimit are stored inline; larger values are split across a chain
// of BLOCK records addressed by a LIST record.
func WriteSizedBytes(b *SegmentBuilder, selfID segstore.ID, data []byte) (int, error) {
	buf, err := sizedBytesBody(b, selfID, data)
	if err != nil {
		return 0, err
	}
	return b.Allocate(buf)
}

// sizedBytesBody builds the size-classed encoding of data without
// allocating it as a standalone record, so callers (e.g. VALUE records)
// can embed it inline in a larger record. Long values still allocate
// their backing BLOCK/LIST chain, since that chain must live somewhere.
func sizedBytesBody(b *SegmentBuilder, selfID segstore.ID, data []byte) ([]byte, error) {
	n := len(data)
	switch {
	case n < segstore.SmallLimit:
		buf := make([]byte, 1+n)
		buf[0] = classSmall | byte(n)
		copy(buf[1:], data)
		return buf, nil

	case n < segstore.MediumLimit:
		rel := n - segstore.SmallLimit
		buf := make([]byte, 2+n)
		buf[0] = classMedium | byte(rel>>8)
		buf[1] = byte(rel)
		copy(buf[2:], data)
		return buf, nil

	default:
		return longBytesBody(b, selfID, data)
	}
}

func longBytesBody(b *SegmentBuilder, selfID segstore.ID, data []byte) ([]byte, error) {
	var blocks []segstore.RecordID
	for off := 0; off < len(data); off += blockChunkSize {
		end := off + blockChunkSize
		if end > len(data) {
			end = len(data)
		}
		blockOff, err := b.Allocate(data[off:end])
		if err != nil {
			return nil, errors.Wrap(err, "allocate block chunk")
		}
		id, err := segstore.NewRecordID(selfID, blockOff)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, id)
	}

	listOffset, err := WriteList(b, selfID, blocks)
	if err != nil {
		return nil, errors.Wrap(err, "write block chain list")
	}
	listRef := segstore.RecordID{Segment: selfID, Offset: listOffset}

	buf := make([]byte, 1+8)
	buf[0] = classLong
	binary.BigEndian.PutUint64(buf[1:9], uint64(len(data)))
	return b.EncodeRef(buf, listRef, selfID), nil
}

// externalRefHead builds the tag+length prefix of an external reference,
// shared between a standalone WriteExternalRef record and a VALUE record
// wrapping an external binary.
func externalRefHead(length int64) []byte {
	if length <= 0xFFFF {
		head := make([]byte, 1+2)
		head[0] = tagExternalShort
		binary.BigEndian.PutUint16(head[1:], uint16(length))
		return head
	}
	head := make([]byte, 1+8)
	head[0] = tagExternalLong
	binary.BigEndian.PutUint64(head[1:], uint64(length))
	return head
}

// WriteExternalRef stores a reference to a value held entirely in
// another (typically bulk) segment, per spec.md §4.3's external-value
// case for single large binaries.
func WriteExternalRef(b *SegmentBuilder, selfID segstore.ID, target segstore.RecordID, length int64) (int, error) {
	buf := b.EncodeRef(externalRefHead(length), target, selfID)
	return b.Allocate(buf)
}

// SizedBytes describes a decoded size-classed value: either inline data
// or a reference to where the data actually lives. IsBlockChain
// distinguishes the two shapes External can take: a classLong value's
// External points at a LIST of BLOCK records holding the chunked
// payload, while a WriteExternalRef value's External points directly at
// the payload bytes in another segment.
type SizedBytes struct {
	Inline       []byte
	External     *segstore.RecordID
	IsBlockChain bool
	Length       int64
}

// ReadSizedBytes decodes a value written by WriteSizedBytes or
// WriteExternalRef. It follows neither block chains nor external
// references: both come back as External (a block chain with
// IsBlockChain set) for the caller to resolve.
func ReadSizedBytes(seg *Segment, offset int) (SizedBytes, error) {
	head, err := seg.ReadByte(offset)
	if err != nil {
		return SizedBytes{}, err
	}

	switch {
	case head&0x80 == classSmall:
		n := int(head & 0x7F)
		data, err := seg.ReadBytes(offset+1, n)
		if err != nil {
			return SizedBytes{}, err
		}
		return SizedBytes{Inline: data, Length: int64(n)}, nil

	case head&0xC0 == classMedium:
		second, err := seg.ReadByte(offset + 1)
		if err != nil {
			return SizedBytes{}, err
		}
		n := segstore.SmallLimit + (int(head&0x3F)<<8 | int(second))
		data, err := seg.ReadBytes(offset+2, n)
		if err != nil {
			return SizedBytes{}, err
		}
		return SizedBytes{Inline: data, Length: int64(n)}, nil

	case head&0xE0 == classLong:
		length, err := seg.ReadLong(offset + 1)
		if err != nil {
			return SizedBytes{}, err
		}
		listRef, err := seg.ResolveRef(offset + 9)
		if err != nil {
			return SizedBytes{}, err
		}
		return SizedBytes{External: &listRef, IsBlockChain: true, Length: int64(length)}, nil

	case head == tagExternalShort:
		length, err := seg.ReadShort(offset + 1)
		if err != nil {
			return SizedBytes{}, err
		}
		ref, err := seg.ResolveRef(offset + 3)
		if err != nil {
			return SizedBytes{}, err
		}
		return SizedBytes{External: &ref, Length: int64(length)}, nil

	case head == tagExternalLong:
		length, err := seg.ReadLong(offset + 1)
		if err != nil {
			return SizedBytes{}, err
		}
		ref, err := seg.ResolveRef(offset + 9)
		if err != nil {
			return SizedBytes{}, err
		}
		return SizedBytes{External: &ref, Length: int64(length)}, nil

	default:
		return SizedBytes{}, errors.Wrapf(segstore.ErrCorruption, "unrecognized size-class head byte 0x%02x", head)
	}
}
