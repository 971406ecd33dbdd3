package segmentstore

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anagarwa/nodestore/entities/segstore"
)

func TestNodeStoreGetRootOnEmptyStoreHasNoBase(t *testing.T) {
	s := openTestStore(t)
	ns := NewNodeStore(s, nil)

	root, err := ns.GetRoot()
	require.NoError(t, err)
	require.False(t, root.Exists())

	pt, err := root.PrimaryType()
	require.NoError(t, err)
	require.Equal(t, "nt:unstructured", pt)
}

func TestNodeStoreMergeThenGetRootRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ns := NewNodeStore(s, nil)

	root, err := ns.GetRoot()
	require.NoError(t, err)
	require.NoError(t, root.SetStringProperty("greeting", "hello"))

	child, err := root.SetChildNode("a")
	require.NoError(t, err)
	require.NoError(t, child.SetStringProperty("name", "child-a"))

	newHead, err := ns.Merge(root, nil, NewCommitInfo("tester", nil))
	require.NoError(t, err)

	head, ok := s.GetHead()
	require.True(t, ok)
	require.Equal(t, newHead, head)

	reread, err := ns.GetRoot()
	require.NoError(t, err)
	v, ok, err := reread.GetStringProperty("greeting")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", v)

	a, err := reread.GetChildNode("a")
	require.NoError(t, err)
	require.True(t, a.Exists())
	name, ok, err := a.GetStringProperty("name")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "child-a", name)
}

// TestNodeStoreMergeNoopReturnsSameRefWithoutWriting covers the
// read(write(T)) == T invariant: a builder that was never dirtied
// builds back to its own base ref instead of a freshly written copy.
func TestNodeStoreMergeNoopReturnsSameRefWithoutWriting(t *testing.T) {
	s := openTestStore(t)
	ns := NewNodeStore(s, nil)

	root, err := ns.GetRoot()
	require.NoError(t, err)
	require.NoError(t, root.SetStringProperty("k", "v"))
	head1, err := ns.Merge(root, nil, NewCommitInfo("tester", nil))
	require.NoError(t, err)

	untouched, err := ns.GetRoot()
	require.NoError(t, err)
	head2, err := ns.Merge(untouched, nil, NewCommitInfo("tester", nil))
	require.NoError(t, err)

	require.Equal(t, head1, head2)
}

func TestNodeStoreMergeRejectsStaleBuilder(t *testing.T) {
	s := openTestStore(t)
	ns := NewNodeStore(s, nil)

	first, err := ns.GetRoot()
	require.NoError(t, err)
	require.NoError(t, first.SetStringProperty("k", "v1"))

	second, err := ns.GetRoot()
	require.NoError(t, err)
	require.NoError(t, second.SetStringProperty("k", "v2"))

	_, err = ns.Merge(first, nil, NewCommitInfo("tester", nil))
	require.NoError(t, err)

	_, err = ns.Merge(second, nil, NewCommitInfo("tester", nil))
	require.ErrorIs(t, err, segstore.ErrCommitConflict)
}

func TestNodeStoreMergeAcceptsChildBuilderAndCommitsWholeTree(t *testing.T) {
	s := openTestStore(t)
	ns := NewNodeStore(s, nil)

	root, err := ns.GetRoot()
	require.NoError(t, err)
	require.NoError(t, root.SetStringProperty("at-root", "yes"))
	child, err := root.SetChildNode("a")
	require.NoError(t, err)
	require.NoError(t, child.SetStringProperty("at-child", "yes"))

	// Merge is passed the child builder; it should walk up to the real
	// root and commit the whole tree, not just the child's subtree.
	_, err = ns.Merge(child, nil, NewCommitInfo("tester", nil))
	require.NoError(t, err)

	reread, err := ns.GetRoot()
	require.NoError(t, err)
	_, ok, err := reread.GetStringProperty("at-root")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNodeStoreMergeRejectsBuilderNotFromGetRoot(t *testing.T) {
	s := openTestStore(t)
	ns := NewNodeStore(s, nil)

	root, err := ns.GetRoot()
	require.NoError(t, err)
	require.NoError(t, root.SetStringProperty("k", "v"))
	_, err = ns.Merge(root, nil, NewCommitInfo("tester", nil))
	require.NoError(t, err)

	cp, err := ns.Checkpoint(time.Hour)
	require.NoError(t, err)
	snapshot, err := ns.Retrieve(cp)
	require.NoError(t, err)

	_, err = ns.Merge(snapshot, nil, NewCommitInfo("tester", nil))
	require.Error(t, err, "a checkpoint snapshot was never sourced from GetRoot and must not be mergeable")
}

func TestNodeStoreMergeRunsCommitHook(t *testing.T) {
	s := openTestStore(t)
	ns := NewNodeStore(s, nil)

	root, err := ns.GetRoot()
	require.NoError(t, err)

	var sawCommitter string
	hook := CommitHookFunc(func(b *NodeBuilder, info CommitInfo) error {
		sawCommitter = info.Committer
		return b.SetStringProperty("stamped-by", info.Committer)
	})

	_, err = ns.Merge(root, hook, NewCommitInfo("auditor", nil))
	require.NoError(t, err)
	require.Equal(t, "auditor", sawCommitter)

	reread, err := ns.GetRoot()
	require.NoError(t, err)
	v, ok, err := reread.GetStringProperty("stamped-by")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "auditor", v)
}

func TestNodeStoreCreateBlobAndReadBlobRoundTripInline(t *testing.T) {
	s := openTestStore(t)
	ns := NewNodeStore(s, nil)

	payload := []byte("a small blob that stays inline")
	ref, err := ns.CreateBlob(bytes.NewReader(payload))
	require.NoError(t, err)

	r, err := ns.ReadBlob(ref)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestNodeStoreCreateBlobAndReadBlobRoundTripBulk(t *testing.T) {
	s := openTestStore(t)
	ns := NewNodeStore(s, nil)

	payload := bytes.Repeat([]byte{0x5a}, blobBulkThreshold+1024)
	ref, err := ns.CreateBlob(bytes.NewReader(payload))
	require.NoError(t, err)

	r, err := ns.ReadBlob(ref)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestNodeStoreSetBlobPropertyRoundTripsThroughMerge(t *testing.T) {
	s := openTestStore(t)
	ns := NewNodeStore(s, nil)

	payload := []byte("attached blob content")
	ref, err := ns.CreateBlob(bytes.NewReader(payload))
	require.NoError(t, err)

	root, err := ns.GetRoot()
	require.NoError(t, err)
	require.NoError(t, root.SetBlobProperty("avatar", ref))
	_, err = ns.Merge(root, nil, NewCommitInfo("tester", nil))
	require.NoError(t, err)

	reread, err := ns.GetRoot()
	require.NoError(t, err)
	gotRef, ok, err := reread.GetBlobProperty("avatar")
	require.NoError(t, err)
	require.True(t, ok)

	r, err := ns.ReadBlob(gotRef)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestNodeStoreCheckpointRetrieveRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ns := NewNodeStore(s, nil)

	root, err := ns.GetRoot()
	require.NoError(t, err)
	require.NoError(t, root.SetStringProperty("k", "v1"))
	_, err = ns.Merge(root, nil, NewCommitInfo("tester", nil))
	require.NoError(t, err)

	cp, err := ns.Checkpoint(time.Hour)
	require.NoError(t, err)

	root, err = ns.GetRoot()
	require.NoError(t, err)
	require.NoError(t, root.SetStringProperty("k", "v2"))
	_, err = ns.Merge(root, nil, NewCommitInfo("tester", nil))
	require.NoError(t, err)

	snapshot, err := ns.Retrieve(cp)
	require.NoError(t, err)
	v, ok, err := snapshot.GetStringProperty("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", v)

	current, err := ns.GetRoot()
	require.NoError(t, err)
	v, ok, err = current.GetStringProperty("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", v)
}

func TestNodeStoreRetrieveUnknownCheckpointErrors(t *testing.T) {
	s := openTestStore(t)
	ns := NewNodeStore(s, nil)

	_, err := ns.Retrieve("does-not-exist")
	require.Error(t, err)
}

// TestNodeStoreCheckpointDedupAfterCompact is spec.md §8 scenario 6: a
// checkpoint taken with no changes since collapses onto the same record
// id the compacted head lands on, because copyExtraRoots shares the
// compactor's copyMemo with the head copy.
func TestNodeStoreCheckpointDedupAfterCompact(t *testing.T) {
	s := openTestStore(t)
	gc := newTestGC(s, segstore.DefaultGCOptions())
	ns := NewNodeStore(s, gc)

	root, err := ns.GetRoot()
	require.NoError(t, err)
	require.NoError(t, root.SetStringProperty("k", "v"))
	_, err = ns.Merge(root, nil, NewCommitInfo("tester", nil))
	require.NoError(t, err)

	cp, err := ns.Checkpoint(time.Hour)
	require.NoError(t, err)

	_, _, _, err = gc.compactAndSwap(context.Background())
	require.NoError(t, err)

	head, ok := s.GetHead()
	require.True(t, ok)

	ns.mu.Lock()
	snapRef := ns.checkpoints[cp].root
	ns.mu.Unlock()
	require.Equal(t, head, snapRef, "checkpoint with no changes since should collapse onto the compacted head")

	snapshot, err := ns.Retrieve(cp)
	require.NoError(t, err)
	require.True(t, snapshot.Exists())
}

// TestNodeStoreMergeSharesTemplateAcrossIdenticallyShapedSiblings is
// spec.md §4.3's TEMPLATE dedup invariant end to end: two sibling nodes
// built with the same primary type and property layout land on the
// same TEMPLATE record instead of one each.
func TestNodeStoreMergeSharesTemplateAcrossIdenticallyShapedSiblings(t *testing.T) {
	s := openTestStore(t)
	ns := NewNodeStore(s, nil)

	root, err := ns.GetRoot()
	require.NoError(t, err)
	a, err := root.SetChildNode("a")
	require.NoError(t, err)
	require.NoError(t, a.SetStringProperty("body", "leaf a"))
	b, err := root.SetChildNode("b")
	require.NoError(t, err)
	require.NoError(t, b.SetStringProperty("body", "leaf b"))

	_, err = ns.Merge(root, nil, NewCommitInfo("tester", nil))
	require.NoError(t, err)

	head, ok := s.GetHead()
	require.True(t, ok)
	seg, err := s.ReadSegment(head.Segment)
	require.NoError(t, err)
	rootNode, err := ReadNode(seg, head.Offset)
	require.NoError(t, err)
	require.NotNil(t, rootNode.Children)

	childMapSeg, err := s.ReadSegment(rootNode.Children.Segment)
	require.NoError(t, err)
	children, err := ReadMap(s.Resolver(), childMapSeg, rootNode.Children.Offset)
	require.NoError(t, err)
	require.Len(t, children, 2)

	var templateRefs []segstore.RecordID
	for _, childRef := range children {
		childSeg, err := s.ReadSegment(childRef.Segment)
		require.NoError(t, err)
		childNode, err := ReadNode(childSeg, childRef.Offset)
		require.NoError(t, err)
		templateRefs = append(templateRefs, childNode.Template)
	}
	require.Equal(t, templateRefs[0], templateRefs[1], "identically shaped siblings should share one TEMPLATE record")
}

// TestNodeStoreMergeDoesNotJournalUntilFlush is the durability half of
// spec.md §4.6's setHead/flush split: Merge's SetHead call only moves
// the in-memory head, and the journal line naming it only appears once
// Flush runs.
func TestNodeStoreMergeDoesNotJournalUntilFlush(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ns := NewNodeStore(s, nil)
	root, err := ns.GetRoot()
	require.NoError(t, err)
	require.NoError(t, root.SetStringProperty("k", "v"))
	newHead, err := ns.Merge(root, nil, NewCommitInfo("tester", nil))
	require.NoError(t, err)

	entries, err := ReadAllJournal(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "SetHead must not append to the journal by itself")

	require.NoError(t, s.Flush())

	entries, err = ReadAllJournal(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, newHead, entries[0].Root)
}

// TestNodeStoreCloseJournalsLastHeadWithoutExplicitFlush covers the
// same split from the other side: a caller that never calls Flush
// directly still gets a durable head from Close, because Close runs
// the same seal-then-journal sequence Flush does.
func TestNodeStoreCloseJournalsLastHeadWithoutExplicitFlush(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, nil)
	require.NoError(t, err)

	ns := NewNodeStore(s, nil)
	root, err := ns.GetRoot()
	require.NoError(t, err)
	require.NoError(t, root.SetStringProperty("k", "v"))
	newHead, err := ns.Merge(root, nil, NewCommitInfo("tester", nil))
	require.NoError(t, err)

	require.NoError(t, s.Close())

	entries, err := ReadAllJournal(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, newHead, entries[len(entries)-1].Root)

	s2, err := Open(dir, nil, nil)
	require.NoError(t, err)
	defer s2.Close()
	head, ok := s2.GetHead()
	require.True(t, ok)
	require.Equal(t, newHead, head)
}
