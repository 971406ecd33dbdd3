package segmentstore

import (
	"github.com/pkg/errors"

	"github.com/anagarwa/nodestore/entities/segstore"
)

// ioFailure wraps a write-path os/bufio error with segstore.ErrIOFailure so
// callers can branch on errors.Is regardless of which syscall underneath
// actually failed, while keeping msg and the original error text in the
// rendered message.
func ioFailure(err error, msg string) error {
	return errors.Wrapf(segstore.ErrIOFailure, "%s: %v", msg, err)
}
