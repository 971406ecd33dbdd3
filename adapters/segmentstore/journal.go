package segmentstore

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/anagarwa/nodestore/entities/segstore"
)

// journalFileName is the append-only log of committed roots, per
// spec.md §4.7.
const journalFileName = "journal.log"

// Journal appends one line per flush recording the record id of the
// newly committed root and the time it was committed, and replays the
// file newest-to-oldest on open to recover the current head.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
}

// OpenJournal opens (creating if necessary) the journal file at dir/journal.log
// for appending.
func OpenJournal(dir string) (*Journal, error) {
	path := dir + string(os.PathSeparator) + journalFileName
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	return &Journal{path: path, file: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one "<recordId> root <unix-millis>" line and fsyncs,
// per spec.md §4.7.
func (j *Journal) Append(root segstore.RecordID, unixMillis int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	line := root.String() + " root " + strconv.FormatInt(unixMillis, 10) + "\n"
	if _, err := j.w.WriteString(line); err != nil {
		return ioFailure(err, "append journal entry")
	}
	if err := j.w.Flush(); err != nil {
		return ioFailure(err, "flush journal")
	}
	if err := j.file.Sync(); err != nil {
		return ioFailure(err, "sync journal")
	}
	return nil
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}

// JournalEntry is one decoded journal line.
type JournalEntry struct {
	Root       segstore.RecordID
	UnixMillis int64
}

// ReadAllJournal returns every parseable entry in the journal, oldest first.
// Malformed trailing lines from an unclean shutdown are skipped rather
// than treated as fatal, matching the archive layer's own
// truncated-tail tolerance.
func ReadAllJournal(dir string) ([]JournalEntry, error) {
	path := dir + string(os.PathSeparator) + journalFileName
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read journal")
	}

	lines := strings.Split(string(data), "\n")
	entries := make([]JournalEntry, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		entry, ok := parseJournalLine(line)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseJournalLine(line string) (JournalEntry, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[1] != "root" {
		return JournalEntry{}, false
	}
	root, err := segstore.ParseRecordID(fields[0])
	if err != nil {
		return JournalEntry{}, false
	}
	millis, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return JournalEntry{}, false
	}
	return JournalEntry{Root: root, UnixMillis: millis}, true
}

// LatestHead replays the journal newest-to-oldest, returning the first
// entry whose root resolves against isValid (e.g. its segment is
// present in the reader list); matches spec.md §4.7's recovery order
// for a head that points at a segment lost to a partial compaction.
func LatestHead(entries []JournalEntry, isValid func(segstore.RecordID) bool) (segstore.RecordID, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if isValid(entries[i].Root) {
			return entries[i].Root, true
		}
	}
	return segstore.RecordID{}, false
}

// Truncate rewrites the journal to hold only the single most recent
// entry, the maintenance operation spec.md §4.7 names for keeping the
// log from growing unbounded across the store's lifetime.
func Truncate(dir string, latest JournalEntry) error {
	path := dir + string(os.PathSeparator) + journalFileName
	line := latest.Root.String() + " root " + strconv.FormatInt(latest.UnixMillis, 10) + "\n"
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(line), 0o644); err != nil {
		return errors.Wrap(err, "write truncated journal")
	}
	return os.Rename(tmp, path)
}
