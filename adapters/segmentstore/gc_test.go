package segmentstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anagarwa/nodestore/entities/segstore"
)

// writeLeafNode builds a one-property leaf node ("body" -> body) entirely
// within key's current buffer and returns its record id. It does not
// flush or roll anything; callers decide when the content becomes
// durable and reachable.
func writeLeafNode(t *testing.T, s *FileStore, key writerKey, body string) segstore.RecordID {
	t.Helper()

	builder, selfID, err := s.pool.Builder(key)
	require.NoError(t, err)
	tmplOff, err := WriteTemplate(builder, selfID, Template{
		PropertyNames: []string{"body"},
		PropertyTypes: []PropertyType{{IsString: true}},
	})
	require.NoError(t, err)
	tmplRef, err := segstore.NewRecordID(selfID, tmplOff)
	require.NoError(t, err)

	builder, selfID, err = s.pool.Builder(key)
	require.NoError(t, err)
	strOff, err := WriteSizedBytes(builder, selfID, []byte(body))
	require.NoError(t, err)
	strRef, err := segstore.NewRecordID(selfID, strOff)
	require.NoError(t, err)

	builder, selfID, err = s.pool.Builder(key)
	require.NoError(t, err)
	propOff, err := WriteProperty(builder, selfID, true, false, []segstore.RecordID{strRef})
	require.NoError(t, err)
	propRef, err := segstore.NewRecordID(selfID, propOff)
	require.NoError(t, err)

	builder, selfID, err = s.pool.Builder(key)
	require.NoError(t, err)
	nodeOff, err := WriteNode(builder, selfID, tmplRef, []segstore.RecordID{propRef}, nil)
	require.NoError(t, err)
	nodeRef, err := segstore.NewRecordID(selfID, nodeOff)
	require.NoError(t, err)

	return nodeRef
}

func readLeafBody(t *testing.T, s *FileStore, ref segstore.RecordID) string {
	t.Helper()
	seg, err := s.ReadSegment(ref.Segment)
	require.NoError(t, err)
	node, err := ReadNode(seg, ref.Offset)
	require.NoError(t, err)
	require.Len(t, node.Properties, 1)

	prop, err := ReadProperty(s.Resolver(), seg, node.Properties[0].Offset)
	require.NoError(t, err)
	require.Len(t, prop.Values, 1)

	sized, err := ReadSizedBytes(seg, prop.Values[0].Offset)
	require.NoError(t, err)
	require.Nil(t, sized.External, "test leaf bodies are expected to stay inline")
	return string(sized.Inline)
}

func newTestGC(s *FileStore, opts segstore.GCOptions) *GC {
	return NewGC(s, opts, segstore.NoopMonitor{}, nil, nil)
}

func TestGCStateStringCoversEveryState(t *testing.T) {
	states := []gcState{gcIdle, gcEstimating, gcCompacting, gcRetrying, gcForcing, gcAborted, gcCleaning}
	for _, s := range states {
		require.NotEqual(t, "unknown", s.String())
	}
	require.Equal(t, "unknown", gcState(99).String())
}

func TestGCCompactWithNoHeadIsNoop(t *testing.T) {
	s := openTestStore(t)
	gc := newTestGC(s, segstore.DefaultGCOptions())

	require.NoError(t, gc.Compact(context.Background()))
	require.Equal(t, gcIdle, gc.State())
	_, ok := s.GetHead()
	require.False(t, ok)
}

func TestGCEstimateSkipsWhenEverythingIsReachable(t *testing.T) {
	s := openTestStore(t)

	key := writerKey{Purpose: PurposeDefault, Generation: 0, Caller: "writer"}
	root := writeLeafNode(t, s, key, "only content in the store")
	require.NoError(t, s.pool.FlushOne(key))

	s.mu.Lock()
	require.NoError(t, s.rollWriterLocked())
	s.mu.Unlock()

	ok, err := s.SetHead(root, segstore.RecordID{}, false)
	require.NoError(t, err)
	require.True(t, ok)

	gc := newTestGC(s, segstore.DefaultGCOptions())
	require.NoError(t, gc.Compact(context.Background()))

	head, ok := s.GetHead()
	require.True(t, ok)
	require.Equal(t, root, head, "nothing reclaimable, compaction should have been skipped")
	require.Equal(t, uint32(0), gc.currentGeneration())
}

// TestGCCompactTwiceReclaimsOldGeneration exercises a full two-cycle
// compact+cleanup: the first cycle copies the live tree forward and
// leaves the dead original generation alone (RetainedGenerations grace
// period), and the second cycle reclaims it once its generation falls
// far enough behind.
func TestGCCompactTwiceReclaimsOldGeneration(t *testing.T) {
	s := openTestStore(t)

	liveKey := writerKey{Purpose: PurposeDefault, Generation: 0, Caller: "live"}
	root := writeLeafNode(t, s, liveKey, "the live tree")
	require.NoError(t, s.pool.FlushOne(liveKey))

	orphanKey := writerKey{Purpose: PurposeDefault, Generation: 0, Caller: "orphan"}
	_ = writeLeafNode(t, s, orphanKey, "never referenced by the head, padding this segment with enough bytes to dominate the estimate")
	require.NoError(t, s.pool.FlushOne(orphanKey))

	s.mu.Lock()
	require.NoError(t, s.rollWriterLocked())
	s.mu.Unlock()

	ok, err := s.SetHead(root, segstore.RecordID{}, false)
	require.NoError(t, err)
	require.True(t, ok)

	opts := segstore.DefaultGCOptions()
	opts.RetainedGenerations = 2
	gc := newTestGC(s, opts)

	require.NoError(t, gc.Compact(context.Background()))
	require.Equal(t, uint32(1), gc.currentGeneration())

	s.mu.RLock()
	readerCountAfterFirst := len(s.readers)
	s.mu.RUnlock()
	require.Equal(t, 1, readerCountAfterFirst, "first cleanup stays inside the retained-generations grace period")

	headAfterFirst, ok := s.GetHead()
	require.True(t, ok)
	require.Equal(t, "the live tree", readLeafBody(t, s, headAfterFirst))

	require.NoError(t, gc.Compact(context.Background()))
	require.Equal(t, uint32(2), gc.currentGeneration())

	s.mu.RLock()
	readerCountAfterSecond := len(s.readers)
	s.mu.RUnlock()
	require.Equal(t, 0, readerCountAfterSecond, "second cleanup should drop the now-aged-out original generation")

	headAfterSecond, ok := s.GetHead()
	require.True(t, ok)
	require.NotEqual(t, headAfterFirst, headAfterSecond)
	require.Equal(t, "the live tree", readLeafBody(t, s, headAfterSecond))
}

// TestGCCompactOperatesOnLatestHeadAtInvocation confirms compaction
// always copies whatever head is current when Compact starts, not a
// stale value cached earlier, which is what makes compactAndSwap's
// rebase-on-conflict loop meaningful for a head that keeps moving.
func TestGCCompactOperatesOnLatestHeadAtInvocation(t *testing.T) {
	s := openTestStore(t)

	key := writerKey{Purpose: PurposeDefault, Generation: 0, Caller: "writer"}
	root := writeLeafNode(t, s, key, "first root")
	require.NoError(t, s.pool.FlushOne(key))

	orphanKey := writerKey{Purpose: PurposeDefault, Generation: 0, Caller: "orphan"}
	_ = writeLeafNode(t, s, orphanKey, "orphaned so the estimate sees something reclaimable here too")
	require.NoError(t, s.pool.FlushOne(orphanKey))

	s.mu.Lock()
	require.NoError(t, s.rollWriterLocked())
	s.mu.Unlock()

	ok, err := s.SetHead(root, segstore.RecordID{}, false)
	require.NoError(t, err)
	require.True(t, ok)

	otherKey := writerKey{Purpose: PurposeDefault, Generation: 0, Caller: "second-writer"}
	secondRoot := writeLeafNode(t, s, otherKey, "second root committed before compaction runs")
	require.NoError(t, s.pool.FlushOne(otherKey))

	commitOK, err := s.SetHead(secondRoot, root, true)
	require.NoError(t, err)
	require.True(t, commitOK)

	opts := segstore.DefaultGCOptions()
	opts.RetryCount = 3
	gc := newTestGC(s, opts)

	require.NoError(t, gc.Compact(context.Background()))

	head, ok := s.GetHead()
	require.True(t, ok)
	require.Equal(t, "second root committed before compaction runs", readLeafBody(t, s, head))
	require.Equal(t, uint32(1), gc.currentGeneration())
}

// TestGCDiskSpaceCycleCancelsCompactionWithSentinel sets up the state a
// failed disk-space probe leaves behind (both cancellation flags set,
// segstore.ErrDiskSpaceLow posted through the monitor) and confirms that
// an in-flight copy observes it via gc.cancelErr as ErrDiskSpaceLow
// rather than the generic cancellation sentinel.
func TestGCDiskSpaceCycleCancelsCompactionWithSentinel(t *testing.T) {
	s := openTestStore(t)
	monitor := &recordingMonitor{}
	gc := NewGC(s, segstore.DefaultGCOptions(), monitor, nil, nil)

	gc.diskSpaceLow.Store(true)
	gc.cancelled.Store(true)
	monitor.Error(segstore.ErrDiskSpaceLow, "repository=%d available=%d", 100, 1)

	require.True(t, errors.Is(monitor.lastErr, segstore.ErrDiskSpaceLow))

	key := writerKey{Purpose: PurposeDefault, Generation: 0, Caller: "writer"}
	_, copyErr := gc.copyValue(context.Background(), key, segstore.RecordID{}, newCopyMemo())
	require.ErrorIs(t, copyErr, segstore.ErrDiskSpaceLow)
}

// TestGCCompactCycleTreatsDiskSpaceLowAsCancellationNotFailure confirms
// that isCancellation, the check Compact uses to tell a cancellation
// from a hard failure, classes ErrDiskSpaceLow as a cancellation
// alongside ErrCancelled and any other error as a failure.
func TestGCCompactCycleTreatsDiskSpaceLowAsCancellationNotFailure(t *testing.T) {
	require.True(t, isCancellation(segstore.ErrDiskSpaceLow))
	require.True(t, isCancellation(segstore.ErrCancelled))
	require.False(t, isCancellation(errors.New("some other failure")))
}

type recordingMonitor struct {
	segstore.NoopMonitor
	lastErr error
}

func (m *recordingMonitor) Error(err error, format string, args ...interface{}) {
	m.lastErr = err
}

func TestGCTriggerAndStartStopDoesNotPanic(t *testing.T) {
	s := openTestStore(t)
	gc := newTestGC(s, segstore.DefaultGCOptions())

	gc.Start()
	gc.Trigger()
	require.NoError(t, gc.StopAndWait(context.Background()))
}
