package segmentstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anagarwa/nodestore/entities/segstore"
)

func TestRemoteReaderContainsSegmentProbesRatherThanAssumes(t *testing.T) {
	s := openTestStore(t)

	key := writerKey{Purpose: PurposeDefault, Generation: 0, Caller: "writer"}
	root := writeLeafNode(t, s, key, "served over the wire")
	require.NoError(t, s.pool.FlushOne(key))

	fetch := func(id segstore.ID) ([]byte, error) {
		return s.readSegment(id)
	}
	rr, err := NewRemoteReader(fetch, 0)
	require.NoError(t, err)

	require.True(t, rr.ContainsSegment(root.Segment))

	missing, err := segstore.NewDataSegmentID()
	require.NoError(t, err)
	require.False(t, rr.ContainsSegment(missing))
}

func TestRemoteReaderReadSegmentDecodesThroughTracker(t *testing.T) {
	s := openTestStore(t)

	key := writerKey{Purpose: PurposeDefault, Generation: 0, Caller: "writer"}
	root := writeLeafNode(t, s, key, "remote body")
	require.NoError(t, s.pool.FlushOne(key))

	fetch := func(id segstore.ID) ([]byte, error) {
		return s.readSegment(id)
	}
	rr, err := NewRemoteReader(fetch, 0)
	require.NoError(t, err)

	seg, err := rr.ReadSegment(root.Segment)
	require.NoError(t, err)
	node, err := ReadNode(seg, root.Offset)
	require.NoError(t, err)

	prop, err := ReadProperty(rr.Resolver(), seg, node.Properties[0].Offset)
	require.NoError(t, err)
	sized, err := ReadSizedBytes(seg, prop.Values[0].Offset)
	require.NoError(t, err)
	require.Equal(t, "remote body", string(sized.Inline))
}

func TestRemoteReaderSatisfiesSegmentReader(t *testing.T) {
	var _ SegmentReader = (*RemoteReader)(nil)
	var _ SegmentReader = (*FileStore)(nil)
}
