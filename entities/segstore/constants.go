// Package segstore holds the value types, error taxonomy, and
// configuration shared between the segment store's writer and reader
// sides: segment and record identifiers, GC options, and the GCMonitor
// contract. It has no dependency on the storage engine itself so it can
// be imported by both the engine and its collaborators without a cycle.
package segstore

const (
	// MaxSegmentSize is the upper bound on the size of a single segment,
	// enforced by the writer pool when it decides to seal a buffer.
	MaxSegmentSize = 256 * 1024

	// RecordAlignBits is the number of low bits every record offset must
	// be zero in; records are always 16-byte aligned.
	RecordAlignBits = 4
	RecordAlign     = 1 << RecordAlignBits

	// LevelSize is the branching factor of the complete tree used to
	// encode LIST records.
	LevelSize = 255

	// BucketsPerLevel is the fan-out of a MAP branch node.
	BucketsPerLevel = 32

	// String/value size class boundaries, in bytes. A head byte of the
	// form 0xxxxxxx (< SmallLimit) is a small inline value; 10xxxxxx
	// carries a 14-bit length (6 bits in the head byte, 8 in the next)
	// giving the medium range up to MediumLimit; anything larger is
	// encoded as a long value (length + list of BLOCK records).
	SmallLimit  = 1 << 7            // 128
	MediumLimit = SmallLimit + 1<<14 // 16512

	// MaxFileSizeDefault is the default archive file size before the
	// writer seals it and starts a new one.
	MaxFileSizeDefault = 256 * 1024 * 1024

	// ArchiveBlockSize is the block size of the tar-like archive layer.
	ArchiveBlockSize = 512
)

// pack converts a byte offset into its 16-byte-aligned unit form, as
// stored in a record id's on-disk/textual representation.
func pack(offset int) uint16 {
	return uint16(offset >> RecordAlignBits)
}

// unpack is the inverse of pack.
func unpack(units uint16) int {
	return int(units) << RecordAlignBits
}
