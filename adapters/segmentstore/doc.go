// Package segmentstore implements the on-disk segment/archive engine
// described by the store: append-only archive files holding immutable
// segments, a record codec for the content tree, a segment id tracker
// and cache, a per-writer buffer pool, the journal of committed roots,
// and the generational garbage collector.
//
// All binary layouts in this package are big-endian, matching the
// segment codec's wire format.
package segmentstore
