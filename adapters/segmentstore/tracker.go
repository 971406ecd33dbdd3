package segmentstore

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/anagarwa/nodestore/entities/segstore"
)

// trackerStripes is the number of lock-striped buckets the id table is
// split across, matching SegmentTracker.java's 32-way striping.
const trackerStripes = 32

// segmentSource loads a segment's raw bytes given its id; the FileStore
// supplies the real implementation backed by the archive reader list
// and the currently open writer.
type segmentSource interface {
	readSegment(segstore.ID) ([]byte, error)
}

// Tracker interns segment ids so that equal ids observed at different
// times resolve to the same *Segment, and caches decoded segments up to
// a configured byte budget. Per spec.md §4.4/§9, Go has no exposed
// weak-reference-map primitive, so entries are held with strong
// references and reclaimed explicitly by Sweep rather than relying on
// GC-observable weakness.
type Tracker struct {
	source segmentSource

	stripes [trackerStripes]*trackerStripe

	cacheMu sync.Mutex
	cache   *lru.Cache[segstore.ID, *Segment]
}

type trackerStripe struct {
	mu      sync.Mutex
	entries map[segstore.ID]*Segment
}

// NewTracker constructs a Tracker backed by source, with an LRU decoded-
// segment cache sized for roughly cacheSizeBytes of payload (approximated
// as MaxSegmentSize per entry, since golang-lru/v2 caches by entry count
// rather than byte size).
func NewTracker(source segmentSource, cacheSizeBytes int64) (*Tracker, error) {
	entries := int(cacheSizeBytes / segstore.MaxSegmentSize)
	if entries < 16 {
		entries = 16
	}
	cache, err := lru.New[segstore.ID, *Segment](entries)
	if err != nil {
		return nil, errors.Wrap(err, "create segment cache")
	}

	t := &Tracker{source: source, cache: cache}
	for i := range t.stripes {
		t.stripes[i] = &trackerStripe{entries: map[segstore.ID]*Segment{}}
	}
	return t, nil
}

func (t *Tracker) stripeFor(id segstore.ID) *trackerStripe {
	return t.stripes[id.Least%uint64(trackerStripes)]
}

// Get returns the decoded segment for id, loading and decoding it via
// the source on a cache miss. Bulk segments are returned as a Segment
// whose entire payload is exposed as the back region with no header,
// since they carry no references or roots (invariant 1).
func (t *Tracker) Get(id segstore.ID) (*Segment, error) {
	if seg, ok := t.cache.Get(id); ok {
		return seg, nil
	}

	stripe := t.stripeFor(id)
	stripe.mu.Lock()
	defer stripe.mu.Unlock()

	if seg, ok := stripe.entries[id]; ok {
		t.cache.Add(id, seg)
		return seg, nil
	}

	raw, err := t.source.readSegment(id)
	if err != nil {
		return nil, err
	}

	var seg *Segment
	if id.Kind() == segstore.KindBulk {
		seg = &Segment{id: id, back: raw, flat: true}
	} else {
		seg, err = DecodeSegment(id, raw)
		if err != nil {
			return nil, err
		}
	}

	stripe.entries[id] = seg
	t.cache.Add(id, seg)
	return seg, nil
}

// Resolve implements the resolver function signature used by the record
// codec, following a cross-segment reference to its target Segment.
func (t *Tracker) Resolve(ref segstore.RecordID) (*Segment, error) {
	return t.Get(ref.Segment)
}

// Intern registers a freshly written segment so later Get calls return
// the same instance rather than re-decoding bytes just written, mirroring
// SegmentTracker.java's "newly created segments are tracked immediately"
// behavior.
func (t *Tracker) Intern(seg *Segment) {
	stripe := t.stripeFor(seg.id)
	stripe.mu.Lock()
	stripe.entries[seg.id] = seg
	stripe.mu.Unlock()
	t.cache.Add(seg.id, seg)
}

// Sweep removes every tracked entry for which canRemove returns true,
// invoked by the garbage collector's cleanup phase once a generation's
// segments have been reclaimed. This stands in for the weak-reference
// table's automatic reclamation (spec.md §9).
func (t *Tracker) Sweep(canRemove func(segstore.ID) bool) int {
	removed := 0
	for _, stripe := range t.stripes {
		stripe.mu.Lock()
		for id := range stripe.entries {
			if canRemove(id) {
				delete(stripe.entries, id)
				t.cache.Remove(id)
				removed++
			}
		}
		stripe.mu.Unlock()
	}
	return removed
}

// Count reports the number of interned segment ids, for diagnostics.
func (t *Tracker) Count() int {
	n := 0
	for _, stripe := range t.stripes {
		stripe.mu.Lock()
		n += len(stripe.entries)
		stripe.mu.Unlock()
	}
	return n
}
