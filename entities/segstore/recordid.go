package segstore

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RecordID addresses a record as (segment, offset). Offset must always be
// RecordAlign-aligned and below MaxSegmentSize.
type RecordID struct {
	Segment ID
	Offset  int
}

// NewRecordID validates alignment and range before returning a RecordID,
// enforcing invariant 5 of the data model (offset % ALIGN == 0).
func NewRecordID(segment ID, offset int) (RecordID, error) {
	if offset < 0 || offset >= MaxSegmentSize {
		return RecordID{}, errors.Errorf("record offset %d out of range [0, %d)", offset, MaxSegmentSize)
	}
	if offset%RecordAlign != 0 {
		return RecordID{}, errors.Errorf("record offset %d is not %d-aligned", offset, RecordAlign)
	}
	return RecordID{Segment: segment, Offset: offset}, nil
}

// String renders the canonical form "<uuid>.<offset-hex4>".
func (r RecordID) String() string {
	return fmt.Sprintf("%s.%04x", r.Segment, pack(r.Offset))
}

// StringLegacy renders the Oak-1.0-compatible form "<uuid>:<decimal-offset>".
func (r RecordID) StringLegacy() string {
	return fmt.Sprintf("%s:%d", r.Segment, r.Offset)
}

var recordIDPattern = regexp.MustCompile(
	`^([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})` +
		`(:(0|[1-9][0-9]*)|\.([0-9a-fA-F]{4}))$`)

// ParseRecordID accepts both the canonical "<uuid>.<hex4>" form and the
// legacy "<uuid>:<decimal>" form on read, per spec.
func ParseRecordID(s string) (RecordID, error) {
	m := recordIDPattern.FindStringSubmatch(s)
	if m == nil {
		return RecordID{}, errors.Errorf("bad record identifier: %q", s)
	}

	u, err := uuid.Parse(m[1])
	if err != nil {
		return RecordID{}, errors.Wrapf(err, "bad record identifier: %q", s)
	}
	segment := FromUUID(u)

	var offset int
	if m[3] != "" {
		offset, err = strconv.Atoi(m[3])
		if err != nil {
			return RecordID{}, errors.Wrapf(err, "bad record identifier: %q", s)
		}
	} else {
		units, err := strconv.ParseUint(m[4], 16, 16)
		if err != nil {
			return RecordID{}, errors.Wrapf(err, "bad record identifier: %q", s)
		}
		offset = unpack(uint16(units))
	}

	return NewRecordID(segment, offset)
}
