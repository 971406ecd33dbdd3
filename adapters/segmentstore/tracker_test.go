package segmentstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anagarwa/nodestore/entities/segstore"
)

type fakeSource struct {
	segments map[segstore.ID][]byte
}

func (f *fakeSource) readSegment(id segstore.ID) ([]byte, error) {
	raw, ok := f.segments[id]
	if !ok {
		return nil, segstore.ErrSegmentNotFound
	}
	return raw, nil
}

func TestTrackerResolvesBulkSegmentAsFlat(t *testing.T) {
	bulkID, err := segstore.NewBulkSegmentID()
	require.NoError(t, err)

	payload := []byte("raw blob bytes stored without a header")
	source := &fakeSource{segments: map[segstore.ID][]byte{bulkID: payload}}

	tracker, err := NewTracker(source, 1<<20)
	require.NoError(t, err)

	seg, err := tracker.Get(bulkID)
	require.NoError(t, err)
	require.True(t, seg.flat)

	data, err := seg.ReadBytes(0, len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestTrackerCrossSegmentExternalValue(t *testing.T) {
	dataID, err := segstore.NewDataSegmentID()
	require.NoError(t, err)
	bulkID, err := segstore.NewBulkSegmentID()
	require.NoError(t, err)

	bigPayload := make([]byte, segstore.MediumLimit+1024)
	for i := range bigPayload {
		bigPayload[i] = byte(i)
	}

	b := NewSegmentBuilder(1, 1)
	ref := segstore.RecordID{Segment: bulkID, Offset: 0}
	extOff, err := WriteExternalRef(b, dataID, ref, int64(len(bigPayload)))
	require.NoError(t, err)

	raw, err := b.Encode()
	require.NoError(t, err)
	dataSeg, err := DecodeSegment(dataID, raw)
	require.NoError(t, err)

	source := &fakeSource{segments: map[segstore.ID][]byte{
		dataID: raw,
		bulkID: bigPayload,
	}}
	tracker, err := NewTracker(source, 1<<20)
	require.NoError(t, err)
	tracker.Intern(dataSeg)

	sized, err := ReadSizedBytes(dataSeg, extOff)
	require.NoError(t, err)
	require.NotNil(t, sized.External)
	require.Equal(t, bulkID, sized.External.Segment)

	bulkSeg, err := tracker.Resolve(*sized.External)
	require.NoError(t, err)
	data, err := bulkSeg.ReadBytes(sized.External.Offset, int(sized.Length))
	require.NoError(t, err)
	require.Equal(t, bigPayload, data)
}

func TestTrackerSweepRemovesReclaimedSegments(t *testing.T) {
	id, err := segstore.NewDataSegmentID()
	require.NoError(t, err)

	b := NewSegmentBuilder(1, 1)
	raw, err := b.Encode()
	require.NoError(t, err)
	seg, err := DecodeSegment(id, raw)
	require.NoError(t, err)

	tracker, err := NewTracker(&fakeSource{segments: map[segstore.ID][]byte{id: raw}}, 1<<20)
	require.NoError(t, err)
	tracker.Intern(seg)
	require.Equal(t, 1, tracker.Count())

	removed := tracker.Sweep(func(candidate segstore.ID) bool { return candidate == id })
	require.Equal(t, 1, removed)
	require.Equal(t, 0, tracker.Count())
}
