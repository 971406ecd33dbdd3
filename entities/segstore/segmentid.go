package segstore

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/google/uuid"
)

// Kind distinguishes a segment holding records (Data) from one holding
// only opaque blob bytes (Bulk).
type Kind uint8

const (
	KindData Kind = iota
	KindBulk
)

func (k Kind) String() string {
	if k == KindBulk {
		return "bulk"
	}
	return "data"
}

// segment id bit layout constants, mirroring the packing used by the
// engine this store's format was distilled from: the high nibble of the
// low 64 bits carries the kind, and a 4-bit version sits in the high
// nibble of byte 6 of the high 64 bits.
const (
	msbMask    = ^(uint64(0xf) << 12)
	msbVersion = uint64(0x4) << 12

	lsbMask     = ^(uint64(0xf) << 60)
	lsbKindData = uint64(0xA) << 60
	lsbKindBulk = uint64(0xB) << 60
)

// ID is a 128-bit segment identifier. Two IDs with equal Most/Least are
// interchangeable; the Tracker is responsible for interning them so
// pointer/value identity can be relied on by callers that intern through
// it.
type ID struct {
	Most, Least uint64
}

// Kind reports the segment kind encoded in the high nibble of Least.
func (id ID) Kind() Kind {
	if id.Least&(uint64(0xf)<<60) == lsbKindBulk {
		return KindBulk
	}
	return KindData
}

// Version returns the 4-bit format version carried in Most.
func (id ID) Version() uint8 {
	return uint8((id.Most >> 12) & 0xf)
}

// UUID renders the id in canonical UUID form.
func (id ID) UUID() uuid.UUID {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], id.Most)
	binary.BigEndian.PutUint64(b[8:16], id.Least)
	u, _ := uuid.FromBytes(b[:])
	return u
}

// String renders the canonical textual form used for archive entry
// names: the plain UUID.
func (id ID) String() string {
	return id.UUID().String()
}

// FromUUID recovers an ID from its canonical UUID representation.
func FromUUID(u uuid.UUID) ID {
	b := u[:]
	return ID{
		Most:  binary.BigEndian.Uint64(b[0:8]),
		Least: binary.BigEndian.Uint64(b[8:16]),
	}
}

// newRandomID draws 128 random bits and stamps them with the given kind
// and current format version, matching how a fresh segment id is minted.
func newRandomID(kind Kind) (ID, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return ID{}, err
	}

	most := binary.BigEndian.Uint64(buf[0:8])
	least := binary.BigEndian.Uint64(buf[8:16])

	most = (most & msbMask) | msbVersion
	least = least & lsbMask
	if kind == KindBulk {
		least |= lsbKindBulk
	} else {
		least |= lsbKindData
	}

	return ID{Most: most, Least: least}, nil
}

// NewDataSegmentID mints a fresh identifier for a segment that will
// carry records.
func NewDataSegmentID() (ID, error) { return newRandomID(KindData) }

// NewBulkSegmentID mints a fresh identifier for a segment that will
// carry only opaque blob bytes.
func NewBulkSegmentID() (ID, error) { return newRandomID(KindBulk) }
