package recordindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTreeFindLocatesEveryInsertedEntry(t *testing.T) {
	root := []Entry{
		{Type: 6, Offset: 100},
		{Type: 2, Offset: 200},
		{Type: 7, Offset: 300},
		{Type: 4, Offset: 400},
		{Type: 0, Offset: 500},
	}
	tree := NewBalanced(root)

	for _, e := range root {
		offset, ok := tree.Find(e.Type)
		require.True(t, ok)
		require.Equal(t, e.Offset, offset)
	}
}

func TestTreeFindMissingTypeReturnsFalse(t *testing.T) {
	tree := NewBalanced([]Entry{{Type: 6, Offset: 1}})
	_, ok := tree.Find(99)
	require.False(t, ok)
}

func TestTreeOnEmptyInputIsEmpty(t *testing.T) {
	tree := NewBalanced(nil)
	_, ok := tree.Find(0)
	require.False(t, ok)
	require.Empty(t, tree.All())
}

func TestTreeAllReturnsEveryEntryInTypeOrder(t *testing.T) {
	root := []Entry{
		{Type: 5, Offset: 1},
		{Type: 1, Offset: 2},
		{Type: 3, Offset: 3},
	}
	tree := NewBalanced(root)
	all := tree.All()
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		require.Less(t, all[i-1].Type, all[i].Type)
	}
}

func TestTreeKeepsDuplicateTypes(t *testing.T) {
	root := []Entry{
		{Type: 4, Offset: 10},
		{Type: 4, Offset: 20},
	}
	tree := NewBalanced(root)
	require.Len(t, tree.All(), 2)
	offset, ok := tree.Find(4)
	require.True(t, ok)
	require.Contains(t, []int{10, 20}, offset)
}
