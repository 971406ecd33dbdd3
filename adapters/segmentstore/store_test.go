package segmentstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anagarwa/nodestore/entities/segstore"
)

func openTestStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, nil, nil, segstore.WithMaxFileSize(64*1024))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreOpenStartsWithNoHead(t *testing.T) {
	s := openTestStore(t)
	_, ok := s.GetHead()
	require.False(t, ok)
}

func TestStoreSetHeadPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, nil)
	require.NoError(t, err)

	id, err := segstore.NewDataSegmentID()
	require.NoError(t, err)
	require.NoError(t, s.appendSegment(id, 1, []byte("root segment payload"), nil, nil))
	root, err := segstore.NewRecordID(id, 0)
	require.NoError(t, err)

	ok, err := s.SetHead(root, segstore.RecordID{}, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Close())

	s2, err := Open(dir, nil, nil)
	require.NoError(t, err)
	defer s2.Close()

	head, ok := s2.GetHead()
	require.True(t, ok)
	require.Equal(t, root, head)
}

func TestStoreSetHeadRejectsStaleExpectation(t *testing.T) {
	s := openTestStore(t)

	id, err := segstore.NewDataSegmentID()
	require.NoError(t, err)
	require.NoError(t, s.appendSegment(id, 1, []byte("a"), nil, nil))
	root, err := segstore.NewRecordID(id, 0)
	require.NoError(t, err)

	ok, err := s.SetHead(root, segstore.RecordID{}, false)
	require.NoError(t, err)
	require.True(t, ok)

	other, err := segstore.NewDataSegmentID()
	require.NoError(t, err)
	require.NoError(t, s.appendSegment(other, 1, []byte("b"), nil, nil))
	otherRoot, err := segstore.NewRecordID(other, 0)
	require.NoError(t, err)

	ok, err = s.SetHead(otherRoot, segstore.RecordID{}, false)
	require.NoError(t, err)
	require.False(t, ok, "stale expectedOK=false should be rejected once a head exists")
}

func TestStoreReadSegmentFindsUnsealedAndSealedEntries(t *testing.T) {
	s := openTestStore(t)

	id, err := segstore.NewDataSegmentID()
	require.NoError(t, err)
	payload := []byte("unsealed payload")
	require.NoError(t, s.appendSegment(id, 1, payload, nil, nil))

	raw, err := s.readSegment(id)
	require.NoError(t, err)
	require.Equal(t, payload, raw)

	s.mu.Lock()
	require.NoError(t, s.rollWriterLocked())
	s.mu.Unlock()

	raw, err = s.readSegment(id)
	require.NoError(t, err)
	require.Equal(t, payload, raw)
}

func TestStoreRollsOverWhenFileSizeExceeded(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, nil, segstore.WithMaxFileSize(1024))
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 10; i++ {
		id, err := segstore.NewDataSegmentID()
		require.NoError(t, err)
		require.NoError(t, s.appendSegment(id, 1, make([]byte, 200), nil, nil))
	}

	s.mu.RLock()
	readerCount := len(s.readers)
	s.mu.RUnlock()
	require.Greater(t, readerCount, 0, "exceeding max file size should have sealed at least one archive")
}

func TestStoreReadSegmentUnknownIDReturnsSegmentNotFound(t *testing.T) {
	s := openTestStore(t)

	id, err := segstore.NewDataSegmentID()
	require.NoError(t, err)

	_, err = s.readSegment(id)
	require.ErrorIs(t, err, segstore.ErrSegmentNotFound)
}

func TestStoreSecondOpenFailsWhileLocked(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(dir, nil, nil)
	require.ErrorIs(t, err, segstore.ErrLockConflict)
}
