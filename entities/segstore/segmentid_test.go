package segstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDataSegmentIDIsKindData(t *testing.T) {
	id, err := NewDataSegmentID()
	require.NoError(t, err)
	assert.Equal(t, KindData, id.Kind())
}

func TestNewBulkSegmentIDIsKindBulk(t *testing.T) {
	id, err := NewBulkSegmentID()
	require.NoError(t, err)
	assert.Equal(t, KindBulk, id.Kind())
}

func TestSegmentIDUUIDRoundTrip(t *testing.T) {
	id, err := NewDataSegmentID()
	require.NoError(t, err)

	u := id.UUID()
	back := FromUUID(u)
	assert.Equal(t, id, back)
}

func TestSegmentIDsAreDistinct(t *testing.T) {
	a, err := NewDataSegmentID()
	require.NoError(t, err)
	b, err := NewDataSegmentID()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
