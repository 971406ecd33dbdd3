package segmentstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anagarwa/nodestore/entities/segstore"
)

func newTestRoot(t *testing.T) segstore.RecordID {
	t.Helper()
	id, err := segstore.NewDataSegmentID()
	require.NoError(t, err)
	ref, err := segstore.NewRecordID(id, 0)
	require.NoError(t, err)
	return ref
}

func TestJournalAppendAndReadAllRoundTrips(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	require.NoError(t, err)

	first := newTestRoot(t)
	second := newTestRoot(t)
	require.NoError(t, j.Append(first, 1000))
	require.NoError(t, j.Append(second, 2000))
	require.NoError(t, j.Close())

	entries, err := ReadAllJournal(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, first, entries[0].Root)
	require.Equal(t, int64(1000), entries[0].UnixMillis)
	require.Equal(t, second, entries[1].Root)
	require.Equal(t, int64(2000), entries[1].UnixMillis)
}

func TestReadAllJournalMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	entries, err := ReadAllJournal(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestReadAllJournalSkipsMalformedTrailingLine(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	require.NoError(t, err)
	root := newTestRoot(t)
	require.NoError(t, j.Append(root, 42))
	require.NoError(t, j.Close())

	path := filepath.Join(dir, journalFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("garbage partial lin")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := ReadAllJournal(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, root, entries[0].Root)
}

func TestParseJournalLineRejectsWrongShape(t *testing.T) {
	_, ok := parseJournalLine("not enough fields")
	require.False(t, ok)

	root := newTestRoot(t)
	_, ok = parseJournalLine(root.String() + " notroot 123")
	require.False(t, ok)

	_, ok = parseJournalLine(root.String() + " root notanumber")
	require.False(t, ok)

	entry, ok := parseJournalLine(root.String() + " root 55")
	require.True(t, ok)
	require.Equal(t, root, entry.Root)
	require.Equal(t, int64(55), entry.UnixMillis)
}

func TestLatestHeadSkipsEntriesThatFailValidation(t *testing.T) {
	valid := newTestRoot(t)
	stale := newTestRoot(t)
	entries := []JournalEntry{
		{Root: valid, UnixMillis: 1},
		{Root: stale, UnixMillis: 2},
	}

	isValid := func(ref segstore.RecordID) bool { return ref == valid }

	head, ok := LatestHead(entries, isValid)
	require.True(t, ok)
	require.Equal(t, valid, head)
}

func TestLatestHeadReturnsFalseWhenNothingValidates(t *testing.T) {
	entries := []JournalEntry{{Root: newTestRoot(t), UnixMillis: 1}}
	_, ok := LatestHead(entries, func(segstore.RecordID) bool { return false })
	require.False(t, ok)
}

func TestTruncateKeepsOnlyLatestEntry(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	require.NoError(t, err)
	require.NoError(t, j.Append(newTestRoot(t), 1))
	require.NoError(t, j.Append(newTestRoot(t), 2))
	require.NoError(t, j.Close())

	latest := JournalEntry{Root: newTestRoot(t), UnixMillis: 3}
	require.NoError(t, Truncate(dir, latest))

	entries, err := ReadAllJournal(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, latest.Root, entries[0].Root)
	require.Equal(t, latest.UnixMillis, entries[0].UnixMillis)
}
