package segmentstore

import (
	"fmt"
	"strings"
	"sync"

	"github.com/anagarwa/nodestore/entities/segstore"
)

// Purpose distinguishes independent write streams sharing one store, so
// e.g. ordinary commits and a compaction pass never interleave their
// segments in the same buffer, per spec.md §4.5.
type Purpose string

const (
	PurposeDefault    Purpose = "default"
	PurposeCompaction Purpose = "compaction"
)

// writerKey identifies one buffered writer: a purpose, the GC generation
// it is writing into, and a caller-supplied key (e.g. goroutine/session
// id) so concurrent callers within the same purpose+generation don't
// fight over one buffer.
type writerKey struct {
	Purpose    Purpose
	Generation uint32
	Caller     string
}

func (k writerKey) String() string {
	return fmt.Sprintf("%s/%d/%s", k.Purpose, k.Generation, k.Caller)
}

// segmentSink receives a finished segment's bytes for durable storage,
// implemented by FileStore against its current archive writer.
type segmentSink interface {
	appendSegment(id segstore.ID, generation uint32, payload []byte, refs []segstore.ID, blobRefs []string) error
}

// pendingSegment accumulates a SegmentBuilder, its own id, and any
// external blob refs recorded by callers while writing records into it.
type pendingSegment struct {
	id       segstore.ID
	builder  *SegmentBuilder
	blobRefs []string
}

// WriterPool hands out one buffered SegmentBuilder per (purpose,
// generation, caller) tuple, per spec.md §4.5. Allocate seals a segment
// and starts a fresh one when the current one runs out of room; callers
// that write through Builder directly get the builder's "segment full"
// error instead, and no new segment is started for them.
type WriterPool struct {
	mu      sync.Mutex
	sink    segmentSink
	writers map[writerKey]*pendingSegment
	version uint8

	// templates interns TEMPLATE records by shape within a generation,
	// so every node built with the same primary/mixin types and
	// property layout shares one record instead of writing a fresh
	// one, per spec.md §3's "deduplicated across nodes with identical
	// shape". Keyed by generation because a template from a generation
	// already reclaimed must never be handed out to a write landing in
	// a newer one.
	templates map[uint32]map[templateShape]segstore.RecordID
}

func NewWriterPool(sink segmentSink, version uint8) *WriterPool {
	return &WriterPool{
		sink:      sink,
		writers:   map[writerKey]*pendingSegment{},
		version:   version,
		templates: map[uint32]map[templateShape]segstore.RecordID{},
	}
}

// templateShape is the content key two Templates compare equal under:
// primary type, mixin types, and the ordered property name/type list.
// HasChildren is part of the shape too, since it changes how a NODE
// built from the template is laid out.
type templateShape string

func shapeOf(t Template) templateShape {
	var b strings.Builder
	b.WriteString(t.PrimaryType)
	b.WriteByte(';')
	for _, m := range t.MixinTypes {
		b.WriteString(m)
		b.WriteByte(',')
	}
	b.WriteByte(';')
	for i, name := range t.PropertyNames {
		pt := t.PropertyTypes[i]
		fmt.Fprintf(&b, "%s:%d:%t:%t,", name, pt.Value, pt.IsString, pt.Multiple)
	}
	b.WriteByte(';')
	if t.HasChildren {
		b.WriteByte('1')
	}
	return templateShape(b.String())
}

// InternTemplate returns the record id of an existing TEMPLATE record
// with t's shape already written in key.Generation, writing a new one
// and caching it only the first time that shape is seen. Structurally
// identical nodes (the common case of sibling nodes created the same
// way) collapse onto a single TEMPLATE record instead of one each.
func (p *WriterPool) InternTemplate(key writerKey, t Template) (segstore.RecordID, error) {
	shape := shapeOf(t)

	p.mu.Lock()
	if existing, ok := p.templates[key.Generation][shape]; ok {
		p.mu.Unlock()
		return existing, nil
	}
	p.mu.Unlock()

	builder, selfID, err := p.Builder(key)
	if err != nil {
		return segstore.RecordID{}, err
	}
	off, err := WriteTemplate(builder, selfID, t)
	if err != nil {
		return segstore.RecordID{}, err
	}
	ref, err := segstore.NewRecordID(selfID, off)
	if err != nil {
		return segstore.RecordID{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	gen, ok := p.templates[key.Generation]
	if !ok {
		for g := range p.templates {
			if g < key.Generation {
				delete(p.templates, g)
			}
		}
		gen = map[templateShape]segstore.RecordID{}
		p.templates[key.Generation] = gen
	}
	if existing, ok := gen[shape]; ok {
		// Lost a race with a concurrent writer of the same shape; the
		// record just written becomes unreferenced and is reclaimed by
		// the next compaction like any other orphaned record.
		return existing, nil
	}
	gen[shape] = ref
	return ref, nil
}

// Allocate reserves space for data in the buffer identified by key,
// returning a RecordID. If the current buffer has no room, it is sealed
// (written to the sink) and a new segment is started transparently.
func (p *WriterPool) Allocate(key writerKey, data []byte) (segstore.RecordID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending, err := p.currentLocked(key)
	if err != nil {
		return segstore.RecordID{}, err
	}

	off, err := pending.builder.Allocate(data)
	if err != nil {
		if err := p.sealLocked(key, pending); err != nil {
			return segstore.RecordID{}, err
		}
		pending, err = p.currentLocked(key)
		if err != nil {
			return segstore.RecordID{}, err
		}
		off, err = pending.builder.Allocate(data)
		if err != nil {
			return segstore.RecordID{}, err
		}
	}

	return segstore.NewRecordID(pending.id, off)
}

// Builder exposes the active SegmentBuilder for key, for callers (e.g.
// the record codec helpers) that need to add refs/roots or allocate
// bytes directly rather than through Allocate.
func (p *WriterPool) Builder(key writerKey) (*SegmentBuilder, segstore.ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending, err := p.currentLocked(key)
	if err != nil {
		return nil, segstore.ID{}, err
	}
	return pending.builder, pending.id, nil
}

// AddRoot marks offset (in key's current segment) as a root of the
// given type, per spec.md §3's segment layout field 3.
func (p *WriterPool) AddRoot(key writerKey, t RecordType, offset int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending, err := p.currentLocked(key)
	if err != nil {
		return err
	}
	pending.builder.AddRoot(t, offset)
	return nil
}

// AddBlobRef records an external blob reference string discovered while
// writing into key's current segment, surfaced later in the archive's
// .brf footer for downstream blob GC.
func (p *WriterPool) AddBlobRef(key writerKey, ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pending, ok := p.writers[key]; ok {
		pending.blobRefs = append(pending.blobRefs, ref)
	}
}

func (p *WriterPool) currentLocked(key writerKey) (*pendingSegment, error) {
	if pending, ok := p.writers[key]; ok {
		return pending, nil
	}
	return p.startLocked(key)
}

func (p *WriterPool) startLocked(key writerKey) (*pendingSegment, error) {
	id, err := segstore.NewDataSegmentID()
	if err != nil {
		return nil, err
	}

	pending := &pendingSegment{id: id, builder: NewSegmentBuilder(key.Generation, p.version)}
	p.writers[key] = pending
	return pending, nil
}

// WriteBulkSegment writes data directly into its own dedicated bulk
// segment and returns a reference to its start, bypassing the buffered
// builder entirely since bulk segments carry no header (invariant 1).
func (p *WriterPool) WriteBulkSegment(generation uint32, data []byte) (segstore.RecordID, error) {
	id, err := segstore.NewBulkSegmentID()
	if err != nil {
		return segstore.RecordID{}, err
	}
	if err := p.sink.appendSegment(id, generation, data, nil, nil); err != nil {
		return segstore.RecordID{}, err
	}
	return segstore.RecordID{Segment: id, Offset: 0}, nil
}

func (p *WriterPool) sealLocked(key writerKey, pending *pendingSegment) error {
	payload, err := pending.builder.Encode()
	if err != nil {
		return err
	}
	if err := p.sink.appendSegment(pending.id, key.Generation, payload, pending.builder.refs, pending.blobRefs); err != nil {
		return err
	}
	delete(p.writers, key)
	return nil
}

// Flush seals every non-empty buffer currently held by the pool,
// writing it to the sink. Called on the flush cycle and before a clean
// shutdown.
func (p *WriterPool) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, pending := range p.writers {
		if pending.builder.Empty() {
			delete(p.writers, key)
			continue
		}
		if err := p.sealLocked(key, pending); err != nil {
			return err
		}
	}
	return nil
}

// FlushOne seals the buffer for key if present and non-empty, writing it
// to the sink, and drops the buffer for key either way.
func (p *WriterPool) FlushOne(key writerKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending, ok := p.writers[key]
	if !ok || pending.builder.Empty() {
		delete(p.writers, key)
		return nil
	}
	return p.sealLocked(key, pending)
}
