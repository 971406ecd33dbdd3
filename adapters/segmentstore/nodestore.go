package segmentstore

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/anagarwa/nodestore/entities/segstore"
)

// blobBulkThreshold decides whether a blob's bytes are written inline
// into the caller's current segment or into a dedicated bulk segment
// referenced by an external VALUE record, per SegmentBlob's size-class
// dispatch: small/medium payloads stay inline, anything that would
// dominate a segment on its own is pushed out to bulk storage instead.
const blobBulkThreshold = segstore.MaxSegmentSize / 2

// checkpointEntry is one named, time-bounded snapshot of the tree.
type checkpointEntry struct {
	root    segstore.RecordID
	expires time.Time
}

// NodeStore is the collaborator-facing surface of the segment engine:
// getRoot/merge/checkpoint/retrieve/createBlob/readBlob, composed from
// FileStore's head pointer, WriterPool's buffered writers, and GC's
// generational compaction. It lives in this package rather than a
// separate one because writerKey, the type every write call requires,
// is deliberately unexported here.
type NodeStore struct {
	store *FileStore
	gc    *GC

	mu          sync.Mutex
	checkpoints map[string]checkpointEntry
}

// NewNodeStore builds a NodeStore over store, registering itself with gc
// so checkpoints survive compaction and cleanup. gc may be nil in tests
// that don't exercise garbage collection.
func NewNodeStore(store *FileStore, gc *GC) *NodeStore {
	ns := &NodeStore{store: store, gc: gc, checkpoints: map[string]checkpointEntry{}}
	if gc != nil {
		gc.SetExtraRootsProvider(ns.checkpointRoots)
		gc.SetRootsRemappedHook(ns.remapCheckpoints)
	}
	return ns
}

func (ns *NodeStore) generation() uint32 {
	if ns.gc == nil {
		return 0
	}
	return ns.gc.currentGeneration()
}

// newChildBuilder constructs a builder for one node, real (hasBase) or
// phantom, with parent/name set for dirty propagation. Also used, with
// parent nil, to build the root and checkpoint-retrieval builders.
func (ns *NodeStore) newChildBuilder(parent *NodeBuilder, name string, baseRef segstore.RecordID, hasBase bool) *NodeBuilder {
	return &NodeBuilder{ns: ns, parent: parent, name: name, baseRef: baseRef, hasBase: hasBase}
}

// GetRoot returns a builder over the store's current head, the starting
// point for a read-modify-merge cycle per spec.md §6's getRoot().
func (ns *NodeStore) GetRoot() (*NodeBuilder, error) {
	head, ok := ns.store.GetHead()
	root := ns.newChildBuilder(nil, "", head, ok)
	root.isRoot = true
	root.expectedHead = head
	root.expectedHeadOK = ok
	return root, nil
}

// CommitInfo carries attribution and side-channel metadata through a
// merge, passed unchanged to a CommitHook.
type CommitInfo struct {
	Committer string
	Info      map[string]interface{}
}

// NewCommitInfo builds a CommitInfo for a merge call.
func NewCommitInfo(committer string, info map[string]interface{}) CommitInfo {
	return CommitInfo{Committer: committer, Info: info}
}

// CommitHook inspects or rewrites a commit's content before it is built
// and raced into the head, the single extension point spec.md §6's
// merge(builder, hook, info) names. Unlike a richer before/after editor,
// it operates directly on the live builder about to be committed.
type CommitHook interface {
	ProcessCommit(builder *NodeBuilder, info CommitInfo) error
}

// CommitHookFunc adapts a plain function to CommitHook.
type CommitHookFunc func(builder *NodeBuilder, info CommitInfo) error

func (f CommitHookFunc) ProcessCommit(builder *NodeBuilder, info CommitInfo) error {
	return f(builder, info)
}

// Merge builds builder's staged content, runs hook over it if supplied,
// and commits the result as the new head with a single compare-and-swap
// against the head builder was read from. A conflicting concurrent
// commit surfaces as segstore.ErrCommitConflict; per spec.md §7 rebase
// and retry is the caller's responsibility, not NodeStore's. Returning
// successfully only moves the in-memory head per spec.md §4.6; the new
// root and the journal line naming it become durable on the next
// FileStore.Flush (run periodically by the store's flush cycle, or
// called directly by a caller that needs durability now).
func (ns *NodeStore) Merge(builder *NodeBuilder, hook CommitHook, info CommitInfo) (segstore.RecordID, error) {
	root := builder
	for root.parent != nil {
		root = root.parent
	}
	if !root.isRoot {
		return segstore.RecordID{}, errors.New("merge requires a builder obtained from GetRoot")
	}

	if hook != nil {
		if err := hook.ProcessCommit(root, info); err != nil {
			return segstore.RecordID{}, errors.Wrap(err, "commit hook")
		}
	}

	pool := ns.store.Pool()
	caller := info.Committer
	if caller == "" {
		caller = "merge"
	}
	key := writerKey{Purpose: PurposeDefault, Generation: ns.generation(), Caller: caller}

	newRoot, err := root.Build(pool, key)
	if err != nil {
		return segstore.RecordID{}, err
	}

	if root.expectedHeadOK && newRoot == root.expectedHead {
		// Nothing changed: Build's fast path returned the base ref
		// untouched, so there is nothing to commit.
		return newRoot, nil
	}

	if err := pool.AddRoot(key, RecordNode, newRoot.Offset); err != nil {
		return segstore.RecordID{}, err
	}
	if err := pool.FlushOne(key); err != nil {
		return segstore.RecordID{}, err
	}

	ok, err := ns.store.SetHead(newRoot, root.expectedHead, root.expectedHeadOK)
	if err != nil {
		return segstore.RecordID{}, err
	}
	if !ok {
		return segstore.RecordID{}, segstore.ErrCommitConflict
	}

	root.expectedHead = newRoot
	root.expectedHeadOK = true
	return newRoot, nil
}

// Checkpoint records the current head as a named snapshot that survives
// for lifetime, returning its id. Per spec.md §6's checkpoint(lifetime).
func (ns *NodeStore) Checkpoint(lifetime time.Duration) (string, error) {
	head, ok := ns.store.GetHead()
	if !ok {
		return "", errors.New("no head to checkpoint")
	}
	id := uuid.NewString()

	ns.mu.Lock()
	ns.checkpoints[id] = checkpointEntry{root: head, expires: time.Now().Add(lifetime)}
	ns.mu.Unlock()
	return id, nil
}

// Retrieve returns a read-only builder over the tree a checkpoint
// captured, per spec.md §6's retrieve(id). Mutating the returned builder
// has no effect on the checkpoint itself; it is just a convenient view.
func (ns *NodeStore) Retrieve(checkpointID string) (*NodeBuilder, error) {
	ns.mu.Lock()
	cp, ok := ns.checkpoints[checkpointID]
	ns.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("checkpoint %q not found", checkpointID)
	}
	return ns.newChildBuilder(nil, "", cp.root, true), nil
}

// checkpointRoots implements GC's extraRoots provider: every
// unexpired checkpoint's record id must stay reachable through
// estimation and cleanup even though it isn't the current head.
func (ns *NodeStore) checkpointRoots() []segstore.RecordID {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	now := time.Now()
	roots := make([]segstore.RecordID, 0, len(ns.checkpoints))
	for id, cp := range ns.checkpoints {
		if now.After(cp.expires) {
			delete(ns.checkpoints, id)
			continue
		}
		roots = append(roots, cp.root)
	}
	return roots
}

// remapCheckpoints implements GC's roots-remapped hook: after a
// successful compaction, every checkpoint's record id is rewritten to
// wherever copyExtraRoots re-emitted it, per spec.md §8's checkpoint
// dedup scenario (a checkpoint taken with no changes since collapses
// onto the same new record id the compacted head lands on).
func (ns *NodeStore) remapCheckpoints(remap map[segstore.RecordID]segstore.RecordID) {
	if len(remap) == 0 {
		return
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for id, cp := range ns.checkpoints {
		if newRoot, ok := remap[cp.root]; ok {
			cp.root = newRoot
			ns.checkpoints[id] = cp
		}
	}
}

// CreateBlob stores stream's entire contents as a binary VALUE record,
// inline if it's small enough to share a segment with other content or
// in a dedicated bulk segment otherwise, and returns a reference a
// builder can attach to a property via SetBlobProperty. Per spec.md
// §6's createBlob(stream).
func (ns *NodeStore) CreateBlob(stream io.Reader) (segstore.RecordID, error) {
	data, err := io.ReadAll(stream)
	if err != nil {
		return segstore.RecordID{}, errors.Wrap(err, "read blob stream")
	}

	pool := ns.store.Pool()
	key := writerKey{Purpose: PurposeDefault, Generation: ns.generation(), Caller: "blob"}

	if len(data) < blobBulkThreshold {
		builder, selfID, err := pool.Builder(key)
		if err != nil {
			return segstore.RecordID{}, err
		}
		off, err := WriteValue(builder, selfID, BinaryValue(data))
		if err != nil {
			return segstore.RecordID{}, err
		}
		if err := pool.FlushOne(key); err != nil {
			return segstore.RecordID{}, err
		}
		return segstore.NewRecordID(selfID, off)
	}

	target, err := pool.WriteBulkSegment(key.Generation, data)
	if err != nil {
		return segstore.RecordID{}, err
	}
	builder, selfID, err := pool.Builder(key)
	if err != nil {
		return segstore.RecordID{}, err
	}
	off, err := WriteExternalBinaryValue(builder, selfID, target, int64(len(data)))
	if err != nil {
		return segstore.RecordID{}, err
	}
	if err := pool.FlushOne(key); err != nil {
		return segstore.RecordID{}, err
	}
	return segstore.NewRecordID(selfID, off)
}

// ReadBlob streams the binary content at ref back, following a
// block-chain or bulk-segment reference transparently. Per spec.md §6's
// readBlob(ref).
func (ns *NodeStore) ReadBlob(ref segstore.RecordID) (io.Reader, error) {
	seg, err := ns.store.ReadSegment(ref.Segment)
	if err != nil {
		return nil, err
	}
	v, err := ReadValueResolved(ns.store.Resolver(), seg, ref.Offset)
	if err != nil {
		return nil, err
	}
	if v.Type != ValueBinary {
		return nil, errors.New("record is not a binary value")
	}
	return bytes.NewReader(v.Binary), nil
}
