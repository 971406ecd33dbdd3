package segmentstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anagarwa/nodestore/entities/segstore"
)

func TestArchiveWriterSealSurfacesIOFailureOnUnderlyingFileError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.log")
	w, err := newArchiveWriter(path, nil)
	require.NoError(t, err)

	id, err := segstore.NewDataSegmentID()
	require.NoError(t, err)
	require.NoError(t, w.WriteEntry(id, 0, []byte("payload"), nil, nil))

	// Close the underlying file out from under the writer so the buffered
	// footer writes fail to flush, exercising the write-path I/O failure
	// reported to callers via errors.Is(err, segstore.ErrIOFailure).
	require.NoError(t, w.file.Close())

	err = w.Seal()
	require.Error(t, err)
	require.ErrorIs(t, err, segstore.ErrIOFailure)
}

func TestArchiveReaderOpenSurfacesIOFailureForMissingFile(t *testing.T) {
	_, err := openArchiveReader(filepath.Join(t.TempDir(), "missing.log"), false)
	require.Error(t, err)
	require.ErrorIs(t, err, segstore.ErrIOFailure)
}

func TestArchiveReaderReadAfterCloseReturnsErrClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.log")
	w, err := newArchiveWriter(path, nil)
	require.NoError(t, err)

	id, err := segstore.NewDataSegmentID()
	require.NoError(t, err)
	require.NoError(t, w.WriteEntry(id, 0, []byte("payload"), nil, nil))
	require.NoError(t, w.Seal())

	r, err := openArchiveReader(path, false)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Read(id)
	require.ErrorIs(t, err, segstore.ErrClosed)
}

func TestDecodeSegmentRejectsTruncatedPayload(t *testing.T) {
	id, err := segstore.NewDataSegmentID()
	require.NoError(t, err)

	_, err = DecodeSegment(id, []byte{0, 0})
	require.ErrorIs(t, err, segstore.ErrCorruption)
}
