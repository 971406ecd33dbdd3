package segmentstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anagarwa/nodestore/entities/segstore"
)

type fakeSink struct {
	sealed map[segstore.ID][]byte
}

func newFakeSink() *fakeSink { return &fakeSink{sealed: map[segstore.ID][]byte{}} }

func (s *fakeSink) appendSegment(id segstore.ID, generation uint32, payload []byte, refs []segstore.ID, blobRefs []string) error {
	s.sealed[id] = payload
	return nil
}

func TestWriterPoolAllocatesWithinOneSegment(t *testing.T) {
	sink := newFakeSink()
	pool := NewWriterPool(sink, 1)
	key := writerKey{Purpose: PurposeDefault, Generation: 1, Caller: "session-a"}

	id1, err := pool.Allocate(key, []byte("hello"))
	require.NoError(t, err)
	id2, err := pool.Allocate(key, []byte("world"))
	require.NoError(t, err)
	require.Equal(t, id1.Segment, id2.Segment)

	require.NoError(t, pool.FlushOne(key))
	require.Len(t, sink.sealed, 1)

	raw := sink.sealed[id1.Segment]
	seg, err := DecodeSegment(id1.Segment, raw)
	require.NoError(t, err)

	data, err := seg.ReadBytes(id1.Offset, len("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
}

func TestWriterPoolSealsWhenSegmentFull(t *testing.T) {
	sink := newFakeSink()
	pool := NewWriterPool(sink, 1)
	key := writerKey{Purpose: PurposeDefault, Generation: 1, Caller: "session-b"}

	big := make([]byte, segstore.MaxSegmentSize-32)
	first, err := pool.Allocate(key, big)
	require.NoError(t, err)

	second, err := pool.Allocate(key, []byte("overflow"))
	require.NoError(t, err)
	require.NotEqual(t, first.Segment, second.Segment, "allocation past capacity should roll over to a new segment")

	require.NoError(t, pool.Flush())
	require.Len(t, sink.sealed, 2)
}

func TestWriterPoolIndependentCallersGetIndependentSegments(t *testing.T) {
	sink := newFakeSink()
	pool := NewWriterPool(sink, 1)

	keyA := writerKey{Purpose: PurposeDefault, Generation: 1, Caller: "a"}
	keyB := writerKey{Purpose: PurposeCompaction, Generation: 1, Caller: "b"}

	idA, err := pool.Allocate(keyA, []byte("a"))
	require.NoError(t, err)
	idB, err := pool.Allocate(keyB, []byte("b"))
	require.NoError(t, err)
	require.NotEqual(t, idA.Segment, idB.Segment)
}

func TestWriteBulkSegment(t *testing.T) {
	sink := newFakeSink()
	pool := NewWriterPool(sink, 1)

	data := []byte("a dedicated binary blob")
	ref, err := pool.WriteBulkSegment(1, data)
	require.NoError(t, err)
	require.Equal(t, segstore.KindBulk, ref.Segment.Kind())
	require.Equal(t, data, sink.sealed[ref.Segment])
}

func leafShapeTemplate(name string) Template {
	return Template{
		PrimaryType:   "nt:unstructured",
		PropertyNames: []string{name},
		PropertyTypes: []PropertyType{{IsString: true}},
	}
}

func TestInternTemplateReusesIdenticalShapeWithinOneGeneration(t *testing.T) {
	sink := newFakeSink()
	pool := NewWriterPool(sink, 1)
	key := writerKey{Purpose: PurposeDefault, Generation: 1, Caller: "a"}

	first, err := pool.InternTemplate(key, leafShapeTemplate("body"))
	require.NoError(t, err)
	second, err := pool.InternTemplate(key, leafShapeTemplate("body"))
	require.NoError(t, err)
	require.Equal(t, first, second, "two nodes with the same shape should share one TEMPLATE record")
}

func TestInternTemplateDistinguishesDifferentShapes(t *testing.T) {
	sink := newFakeSink()
	pool := NewWriterPool(sink, 1)
	key := writerKey{Purpose: PurposeDefault, Generation: 1, Caller: "a"}

	bodyRef, err := pool.InternTemplate(key, leafShapeTemplate("body"))
	require.NoError(t, err)
	nameRef, err := pool.InternTemplate(key, leafShapeTemplate("name"))
	require.NoError(t, err)
	require.NotEqual(t, bodyRef, nameRef)
}

func TestInternTemplateDoesNotReuseAcrossGenerations(t *testing.T) {
	sink := newFakeSink()
	pool := NewWriterPool(sink, 1)
	keyGen1 := writerKey{Purpose: PurposeDefault, Generation: 1, Caller: "a"}
	keyGen2 := writerKey{Purpose: PurposeDefault, Generation: 2, Caller: "a"}

	gen1Ref, err := pool.InternTemplate(keyGen1, leafShapeTemplate("body"))
	require.NoError(t, err)
	gen2Ref, err := pool.InternTemplate(keyGen2, leafShapeTemplate("body"))
	require.NoError(t, err)
	require.NotEqual(t, gen1Ref, gen2Ref, "a template cached for a reclaimed generation must not be handed to a newer one")

	// caching into generation 2 should have dropped generation 1's cache
	require.NotContains(t, pool.templates, uint32(1))
}
