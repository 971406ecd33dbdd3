package segmentstore

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/anagarwa/nodestore/adapters/segmentstore/recordindex"
	"github.com/anagarwa/nodestore/entities/segstore"
)

// RecordType tags the kind of record a root entry or a cross-record
// pointer refers to, per spec.md §3's record kinds.
type RecordType uint8

const (
	RecordBlock RecordType = iota
	RecordList
	RecordString
	RecordValue
	RecordMap
	RecordTemplate
	RecordNode
	RecordProperty
)

// RootEntry is one (type, offset) pair reachable from outside the
// segment, per spec.md §3's segment layout field 3.
type RootEntry struct {
	Type   RecordType
	Offset int
}

var segmentMagic = [4]byte{'S', 'G', 'N', '1'}

// selfRef is the sentinel ref index meaning "record id lives in this
// same segment", so intra-segment pointers never need a 16-byte uuid.
const selfRef = 0xFFFFFFFF

// Segment is a read-only, random-access view over one decoded segment's
// bytes: header (magic/version/generation/refs/roots) plus the record
// payload region. Record decoding must only ever dereference offsets
// that fall in the payload region and refs listed in the header,
// enforcing invariant 1 of the data model.
type Segment struct {
	id         segstore.ID
	version    uint8
	generation uint32
	refs       []segstore.ID
	roots      []RootEntry
	rootIndex  recordindex.Tree

	// back holds the payload bytes, addressed at absolute segment
	// offsets [segstore.MaxSegmentSize-len(back), segstore.MaxSegmentSize).
	back []byte

	// flat is true for bulk segments, which carry no header and address
	// their raw content starting at offset 0 instead of from the tail
	// (invariant 1: bulk segments have no references or roots).
	flat bool
}

func (s *Segment) ID() segstore.ID           { return s.id }
func (s *Segment) Generation() uint32        { return s.generation }
func (s *Segment) Version() uint8            { return s.version }
func (s *Segment) Refs() []segstore.ID       { return s.refs }
func (s *Segment) Roots() []RootEntry        { return s.roots }

// FindRoot reports the offset of a root of type t, backed by a balanced
// recordindex.Tree built once at decode time rather than a linear scan
// over Roots().
func (s *Segment) FindRoot(t RecordType) (int, bool) {
	return s.rootIndex.Find(uint8(t))
}

func buildRootIndex(roots []RootEntry) recordindex.Tree {
	entries := make([]recordindex.Entry, len(roots))
	for i, r := range roots {
		entries[i] = recordindex.Entry{Type: uint8(r.Type), Offset: r.Offset}
	}
	return recordindex.NewBalanced(entries)
}
func (s *Segment) RefAt(index uint32) (segstore.ID, error) {
	if int(index) >= len(s.refs) {
		return segstore.ID{}, errors.Errorf("ref index %d out of range (segment has %d refs)", index, len(s.refs))
	}
	return s.refs[index], nil
}

func (s *Segment) backStart() int {
	if s.flat {
		return 0
	}
	return segstore.MaxSegmentSize - len(s.back)
}

func (s *Segment) at(offset int, length int) ([]byte, error) {
	start := s.backStart()
	bound := segstore.MaxSegmentSize
	if s.flat {
		bound = start + len(s.back)
	}
	if offset < start || offset+length > bound {
		return nil, errors.Errorf("offset %d (len %d) falls outside this segment's payload region", offset, length)
	}
	rel := offset - start
	return s.back[rel : rel+length], nil
}

func (s *Segment) ReadByte(offset int) (byte, error) {
	b, err := s.at(offset, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (s *Segment) ReadShort(offset int) (uint16, error) {
	b, err := s.at(offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (s *Segment) ReadInt(offset int) (uint32, error) {
	b, err := s.at(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (s *Segment) ReadLong(offset int) (uint64, error) {
	b, err := s.at(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (s *Segment) ReadBytes(offset, length int) ([]byte, error) {
	b, err := s.at(offset, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, b)
	return out, nil
}

// ResolveRef reads a 6-byte encoded record reference (written by
// SegmentBuilder.EncodeRef) at offset and returns the fully-qualified
// record id it points to.
func (s *Segment) ResolveRef(offset int) (segstore.RecordID, error) {
	b, err := s.at(offset, 6)
	if err != nil {
		return segstore.RecordID{}, err
	}
	refIndex := binary.BigEndian.Uint32(b[0:4])
	offsetUnits := binary.BigEndian.Uint16(b[4:6])
	recOffset := int(offsetUnits) << segstore.RecordAlignBits

	segID := s.id
	if refIndex != selfRef {
		segID, err = s.RefAt(refIndex)
		if err != nil {
			return segstore.RecordID{}, errors.Wrap(err, "resolve record reference")
		}
	}
	return segstore.NewRecordID(segID, recOffset)
}

// SegmentBuilder accumulates refs, roots, and record bytes for a single
// segment under construction. Record bytes are allocated from the tail
// of the address space downward, per spec.md §3's segment layout.
type SegmentBuilder struct {
	generation uint32
	version    uint8

	refs     []segstore.ID
	refIndex map[segstore.ID]int
	roots    []RootEntry

	chunks   [][]byte // in allocation order; offsets decrease with each entry
	tailUsed int
}

func NewSegmentBuilder(generation uint32, version uint8) *SegmentBuilder {
	return &SegmentBuilder{
		generation: generation,
		version:    version,
		refIndex:   map[segstore.ID]int{},
	}
}

// AddRoot records offset as reachable from outside the segment with the
// given record type.
func (b *SegmentBuilder) AddRoot(t RecordType, offset int) {
	b.roots = append(b.roots, RootEntry{Type: t, Offset: offset})
}

// addRef interns an external segment id into this segment's reference
// table, returning its index.
func (b *SegmentBuilder) addRef(id segstore.ID) uint32 {
	if idx, ok := b.refIndex[id]; ok {
		return uint32(idx)
	}
	idx := len(b.refs)
	b.refs = append(b.refs, id)
	b.refIndex[id] = idx
	return uint32(idx)
}

// EncodeRef appends a 6-byte reference to target to dst and returns the
// resulting slice. If target
// lives in this builder's own segment (selfID), it is encoded with the
// self-reference sentinel rather than growing the ref table.
func (b *SegmentBuilder) EncodeRef(dst []byte, target segstore.RecordID, selfID segstore.ID) []byte {
	var refIndex uint32
	if target.Segment == selfID {
		refIndex = selfRef
	} else {
		refIndex = b.addRef(target.Segment)
	}

	var buf [6]byte
	binary.BigEndian.PutUint32(buf[0:4], refIndex)
	binary.BigEndian.PutUint16(buf[4:6], uint16(target.Offset>>segstore.RecordAlignBits))
	return append(dst, buf[:]...)
}

// align16 rounds n up to the next RecordAlign boundary.
func align16(n int) int {
	rem := n % segstore.RecordAlign
	if rem == 0 {
		return n
	}
	return n + (segstore.RecordAlign - rem)
}

// headerSize is the byte size of the front region for the current
// ref/root counts: magic(4) + version(1) + generation(4) + refCount(4) +
// refs(16 each) + rootCount(4) + roots(type 1 + offset 2, each).
func (b *SegmentBuilder) headerSize() int {
	return 4 + 1 + 4 + 4 + 16*len(b.refs) + 4 + 3*len(b.roots)
}

// Remaining reports how many more bytes could be allocated before the
// header and payload regions would collide.
func (b *SegmentBuilder) Remaining() int {
	return segstore.MaxSegmentSize - b.headerSize() - b.tailUsed
}

// Allocate reserves space for a new record's bytes at the tail of the
// address space and returns its aligned offset. It returns an error if
// the segment has no room left, at which point the caller (the writer
// pool) should finalize this segment and start a new one.
func (b *SegmentBuilder) Allocate(data []byte) (int, error) {
	aligned := align16(len(data))
	if aligned > b.Remaining() {
		return 0, errors.New("segment full")
	}

	chunk := make([]byte, aligned)
	copy(chunk, data)
	b.chunks = append(b.chunks, chunk)
	b.tailUsed += aligned

	offset := segstore.MaxSegmentSize - b.tailUsed
	return offset, nil
}

// Empty reports whether any records have been allocated yet.
func (b *SegmentBuilder) Empty() bool {
	return len(b.chunks) == 0 && len(b.roots) == 0
}

// Encode finalizes the segment into its wire form: front region as-is,
// back region built by concatenating allocated chunks in reverse
// allocation order (later allocations sit at lower offsets, i.e. earlier
// in the back region).
func (b *SegmentBuilder) Encode() ([]byte, error) {
	back := make([]byte, 0, b.tailUsed)
	for i := len(b.chunks) - 1; i >= 0; i-- {
		back = append(back, b.chunks[i]...)
	}

	front := make([]byte, 0, b.headerSize())
	front = append(front, segmentMagic[:]...)
	front = append(front, b.version)
	front = appendUint32(front, b.generation)
	front = appendUint32(front, uint32(len(b.refs)))
	for _, ref := range b.refs {
		front = appendUint64(front, ref.Most)
		front = appendUint64(front, ref.Least)
	}
	front = appendUint32(front, uint32(len(b.roots)))
	for _, root := range b.roots {
		front = append(front, byte(root.Type))
		front = appendUint16(front, uint16(root.Offset>>segstore.RecordAlignBits))
	}

	out := make([]byte, 0, 4+len(front)+4+len(back))
	out = appendUint32(out, uint32(len(front)))
	out = append(out, front...)
	out = appendUint32(out, uint32(len(back)))
	out = append(out, back...)
	return out, nil
}

func appendUint16(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

func appendUint32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendUint64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// DecodeSegment parses the wire form produced by SegmentBuilder.Encode
// back into a random-access Segment.
func DecodeSegment(id segstore.ID, data []byte) (*Segment, error) {
	if len(data) < 4 {
		return nil, errors.Wrap(segstore.ErrCorruption, "segment payload too short")
	}
	frontLen := binary.BigEndian.Uint32(data[0:4])
	if uint32(len(data)) < 4+frontLen+4 {
		return nil, errors.Wrap(segstore.ErrCorruption, "segment front region truncated")
	}
	front := data[4 : 4+frontLen]

	backLenOff := 4 + frontLen
	backLen := binary.BigEndian.Uint32(data[backLenOff : backLenOff+4])
	backStart := backLenOff + 4
	if uint32(len(data)) < backStart+backLen {
		return nil, errors.Wrap(segstore.ErrCorruption, "segment back region truncated")
	}
	back := data[backStart : backStart+backLen]

	if len(front) < 4 || string(front[0:4]) != string(segmentMagic[:]) {
		return nil, errors.Wrap(segstore.ErrCorruption, "bad segment magic")
	}
	pos := 4
	version := front[pos]
	pos++
	generation := binary.BigEndian.Uint32(front[pos : pos+4])
	pos += 4

	refCount := binary.BigEndian.Uint32(front[pos : pos+4])
	pos += 4
	refs := make([]segstore.ID, refCount)
	for i := uint32(0); i < refCount; i++ {
		most := binary.BigEndian.Uint64(front[pos : pos+8])
		pos += 8
		least := binary.BigEndian.Uint64(front[pos : pos+8])
		pos += 8
		refs[i] = segstore.ID{Most: most, Least: least}
	}

	rootCount := binary.BigEndian.Uint32(front[pos : pos+4])
	pos += 4
	roots := make([]RootEntry, rootCount)
	for i := uint32(0); i < rootCount; i++ {
		t := RecordType(front[pos])
		pos++
		offUnits := binary.BigEndian.Uint16(front[pos : pos+2])
		pos += 2
		roots[i] = RootEntry{Type: t, Offset: int(offUnits) << segstore.RecordAlignBits}
	}

	return &Segment{
		id:         id,
		version:    version,
		generation: generation,
		refs:       refs,
		roots:      roots,
		rootIndex:  buildRootIndex(roots),
		back:       append([]byte(nil), back...),
	}, nil
}
