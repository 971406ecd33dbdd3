package segmentstore

import (
	"github.com/anagarwa/nodestore/entities/segstore"
)

// SegmentReader is the read-only surface a store-backed collaborator
// needs to resolve content: fetch a segment's bytes, and ask whether it
// is present at all. FileStore satisfies it via ReadSegment plus
// ContainsSegment; RemoteReader is the other implementation, fronting a
// fetch callback instead of local archive files.
type SegmentReader interface {
	ReadSegment(id segstore.ID) (*Segment, error)
	ContainsSegment(id segstore.ID) bool
}

// FetchFunc retrieves one segment's raw bytes from wherever RemoteReader
// is fronting, returning segstore.ErrSegmentNotFound if the id is
// unknown there. It is a minimal contract, not a network client: callers
// supply whatever transport they like (HTTP GET, RPC, shared storage
// read) behind this one function.
type FetchFunc func(id segstore.ID) ([]byte, error)

// RemoteReader is a read-only SegmentReader fronting a remote segment
// source through FetchFunc. ContainsSegment performs a real round-trip
// fetch rather than optimistically reporting every id present, since an
// optimistic ContainsSegment would let a caller resolve a reference that
// the remote side cannot actually serve.
type RemoteReader struct {
	fetch   FetchFunc
	tracker *Tracker
}

// NewRemoteReader builds a RemoteReader over fetch, with its own decoded
// segment cache sized the same way FileStore sizes its tracker.
func NewRemoteReader(fetch FetchFunc, cacheSizeBytes int64) (*RemoteReader, error) {
	r := &RemoteReader{fetch: fetch}
	tracker, err := NewTracker(r, cacheSizeBytes)
	if err != nil {
		return nil, err
	}
	r.tracker = tracker
	return r, nil
}

// readSegment implements segmentSource for the backing tracker.
func (r *RemoteReader) readSegment(id segstore.ID) ([]byte, error) {
	return r.fetch(id)
}

// ReadSegment decodes a segment fetched through FetchFunc, caching the
// result exactly as FileStore.ReadSegment does.
func (r *RemoteReader) ReadSegment(id segstore.ID) (*Segment, error) {
	return r.tracker.Get(id)
}

// Resolver exposes the tracker's cross-segment resolver, for record
// codec callers reading content served by this RemoteReader.
func (r *RemoteReader) Resolver() resolver {
	return r.tracker.Resolve
}

// ContainsSegment probes the remote source with an actual fetch rather
// than assuming presence, the one deliberate behavior change from the
// read-only HTTP store this type generalizes: a round trip is the only
// way to know whether the other side actually has the segment.
func (r *RemoteReader) ContainsSegment(id segstore.ID) bool {
	_, err := r.fetch(id)
	return err == nil
}
