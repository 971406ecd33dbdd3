package segstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordIDRoundTripCanonical(t *testing.T) {
	seg, err := NewDataSegmentID()
	require.NoError(t, err)

	rid, err := NewRecordID(seg, 32)
	require.NoError(t, err)

	parsed, err := ParseRecordID(rid.String())
	require.NoError(t, err)
	assert.Equal(t, rid, parsed)
}

func TestRecordIDRoundTripLegacy(t *testing.T) {
	seg, err := NewBulkSegmentID()
	require.NoError(t, err)

	rid, err := NewRecordID(seg, 48)
	require.NoError(t, err)

	parsed, err := ParseRecordID(rid.StringLegacy())
	require.NoError(t, err)
	assert.Equal(t, rid, parsed)
}

func TestRecordIDRejectsMisalignedOffset(t *testing.T) {
	seg, err := NewDataSegmentID()
	require.NoError(t, err)

	_, err = NewRecordID(seg, 3)
	assert.Error(t, err)
}

func TestRecordIDRejectsOutOfRangeOffset(t *testing.T) {
	seg, err := NewDataSegmentID()
	require.NoError(t, err)

	_, err = NewRecordID(seg, MaxSegmentSize)
	assert.Error(t, err)
}

func TestParseRecordIDRejectsGarbage(t *testing.T) {
	_, err := ParseRecordID("not-a-record-id")
	assert.Error(t, err)
}
