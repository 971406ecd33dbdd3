package segmentstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/anagarwa/nodestore/entities/segstore"
)

const lockFileName = "repo.lock"

// archiveFileName renders the monotonic sequence number used to sort
// archive files by creation order within a directory.
func archiveFileName(seq int) string {
	return fmt.Sprintf("%08d.log", seq)
}

func parseArchiveFileName(name string) (int, bool) {
	if !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	seq, err := strconv.Atoi(strings.TrimSuffix(name, ".log"))
	if err != nil {
		return 0, false
	}
	return seq, true
}

// FileStore is the top-level handle to a segment store directory: the
// ordered list of sealed archive readers, the currently open writer
// file, the segment tracker/cache, the writer pool, and the journal of
// committed roots, per spec.md §4.6.
type FileStore struct {
	dir    string
	cfg    segstore.StoreConfig
	logger logrus.FieldLogger
	monitor segstore.GCMonitor

	lockFile *os.File

	mu            sync.RWMutex
	readers       []*archiveReader
	currentWriter *archiveWriter
	nextSeq       int

	tracker *Tracker
	pool    *WriterPool
	journal *Journal

	headMu sync.Mutex
	head   segstore.RecordID
	hasHead bool

	generation uint32

	closed bool
}

// Open opens (creating if necessary) a segment store rooted at dir.
func Open(dir string, logger logrus.FieldLogger, monitor segstore.GCMonitor, opts ...segstore.Option) (*FileStore, error) {
	cfg, err := segstore.NewStoreConfig(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "build store config")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if monitor == nil {
		monitor = segstore.NoopMonitor{}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ioFailure(err, "create store directory")
	}

	lockFile, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}

	s := &FileStore{
		dir:      dir,
		cfg:      cfg,
		logger:   logger.WithField("component", "segmentstore"),
		monitor:  monitor,
		lockFile: lockFile,
	}

	if err := s.scanAndOpenReaders(); err != nil {
		lockFile.Close()
		return nil, err
	}

	s.tracker, err = NewTracker(s, cfg.CacheSizeBytes)
	if err != nil {
		return nil, err
	}
	s.pool = NewWriterPool(s, cfg.SegmentVersion)

	s.journal, err = OpenJournal(dir)
	if err != nil {
		return nil, err
	}

	entries, err := ReadAllJournal(dir)
	if err != nil {
		return nil, err
	}
	if head, ok := LatestHead(entries, s.containsSegment); ok {
		s.head = head
		s.hasHead = true
	}

	if err := s.openNewWriterLocked(); err != nil {
		return nil, err
	}

	return s, nil
}

func acquireLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrap(segstore.ErrLockConflict, "store directory already in use")
	}
	return f, nil
}

func (s *FileStore) scanAndOpenReaders() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ioFailure(err, "scan store directory")
	}

	type found struct {
		seq  int
		name string
	}
	var files []found
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if seq, ok := parseArchiveFileName(e.Name()); ok {
			files = append(files, found{seq: seq, name: e.Name()})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })

	for _, f := range files {
		reader, err := openArchiveReader(filepath.Join(s.dir, f.name), s.cfg.MemoryMapping)
		if err != nil {
			return errors.Wrapf(err, "open archive %s", f.name)
		}
		s.readers = append(s.readers, reader)
		if f.seq >= s.nextSeq {
			s.nextSeq = f.seq + 1
		}
	}
	return nil
}

func (s *FileStore) openNewWriterLocked() error {
	path := filepath.Join(s.dir, archiveFileName(s.nextSeq))
	s.nextSeq++
	w, err := newArchiveWriter(path, s.logger)
	if err != nil {
		return err
	}
	s.currentWriter = w
	return nil
}

// readSegment implements segmentSource for the tracker, checking the
// open writer first and then the reader list newest-first, retrying
// past any reader closed concurrently by a GC swap (spec.md §5).
func (s *FileStore) readSegment(id segstore.ID) ([]byte, error) {
	s.mu.RLock()
	writer := s.currentWriter
	readers := append([]*archiveReader(nil), s.readers...)
	s.mu.RUnlock()

	if writer != nil && writer.Contains(id) {
		return writer.Read(id)
	}

	for i := len(readers) - 1; i >= 0; i-- {
		r := readers[i]
		if r.Closed() {
			continue
		}
		if r.Contains(id) {
			data, err := r.Read(id)
			if errors.Is(err, segstore.ErrClosed) {
				continue
			}
			return data, err
		}
	}
	return nil, segstore.ErrSegmentNotFound
}

func (s *FileStore) containsSegment(ref segstore.RecordID) bool {
	return s.ContainsSegment(ref.Segment)
}

// ContainsSegment reports whether id is present in the current writer or
// any open reader, satisfying the SegmentReader contract shared with
// RemoteReader.
func (s *FileStore) ContainsSegment(id segstore.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentWriter != nil && s.currentWriter.Contains(id) {
		return true
	}
	for _, r := range s.readers {
		if !r.Closed() && r.Contains(id) {
			return true
		}
	}
	return false
}

// appendSegment implements segmentSink for the writer pool.
func (s *FileStore) appendSegment(id segstore.ID, generation uint32, payload []byte, refs []segstore.ID, blobRefs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.currentWriter.WriteEntry(id, generation, payload, refs, blobRefs); err != nil {
		return err
	}

	if s.currentWriter.Size() >= s.cfg.MaxFileSize {
		return s.rollWriterLocked()
	}
	return nil
}

func (s *FileStore) rollWriterLocked() error {
	sealed := s.currentWriter
	if err := sealed.Seal(); err != nil {
		return errors.Wrap(err, "seal archive file")
	}
	reader, err := openArchiveReader(sealed.path, s.cfg.MemoryMapping)
	if err != nil {
		return errors.Wrap(err, "reopen sealed archive as reader")
	}
	s.readers = append(s.readers, reader)
	return s.openNewWriterLocked()
}

// GetHead returns the record id most recently committed via SetHead.
func (s *FileStore) GetHead() (segstore.RecordID, bool) {
	s.headMu.Lock()
	defer s.headMu.Unlock()
	return s.head, s.hasHead
}

// SetHead performs a compare-and-swap of the in-memory head pointer
// only, per spec.md §4.6: "compare-and-set on the in-memory head
// pointer. The journal is updated on the next flush." A segment a new
// head points into may still be sitting in a writer-pool buffer with
// nothing on disk yet, so journaling here would let a durable journal
// line outlive the segment it names across a crash; Flush is what
// makes a head durable. expectedOK is false when the caller has no
// prior head to compare against (the very first commit).
func (s *FileStore) SetHead(newRoot segstore.RecordID, expectedOld segstore.RecordID, expectedOK bool) (bool, error) {
	s.headMu.Lock()
	defer s.headMu.Unlock()

	if expectedOK != s.hasHead || (s.hasHead && expectedOld != s.head) {
		return false, nil
	}

	s.head = newRoot
	s.hasHead = true
	return true, nil
}

// ReadSegment decodes a non-bulk segment through the tracker, so
// repeated reads of the same id return the same interned *Segment.
func (s *FileStore) ReadSegment(id segstore.ID) (*Segment, error) {
	return s.tracker.Get(id)
}

// Resolver exposes the tracker's cross-segment resolver to record codec
// callers reading committed content.
func (s *FileStore) Resolver() resolver {
	return s.tracker.Resolve
}

// Pool exposes the writer pool to callers building new content.
func (s *FileStore) Pool() *WriterPool {
	return s.pool
}

// entrySize returns the payload length of a known segment id, 0 if
// unknown, checking sealed readers then the currently open writer.
func (s *FileStore) entrySize(id segstore.ID) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entrySizeLocked(id)
}

// entrySizeLocked is entrySize for callers that already hold s.mu.
func (s *FileStore) entrySizeLocked(id segstore.ID) int64 {
	for _, r := range s.readers {
		if e, ok := r.index[id]; ok {
			return e.PayloadLen
		}
	}
	if s.currentWriter != nil {
		s.currentWriter.mu.Lock()
		e, ok := s.currentWriter.bySeg[id]
		s.currentWriter.mu.Unlock()
		if ok {
			return e.PayloadLen
		}
	}
	return 0
}

// segmentGeneration reports the GC generation a known segment id was
// written with.
func (s *FileStore) segmentGeneration(id segstore.ID) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segmentGenerationLocked(id)
}

// segmentGenerationLocked is segmentGeneration for callers that already
// hold s.mu.
func (s *FileStore) segmentGenerationLocked(id segstore.ID) (uint32, bool) {
	for _, r := range s.readers {
		if gen, ok := r.Generation(id); ok {
			return gen, true
		}
	}
	if s.currentWriter != nil {
		s.currentWriter.mu.Lock()
		e, ok := s.currentWriter.bySeg[id]
		s.currentWriter.mu.Unlock()
		if ok {
			return e.Generation, true
		}
	}
	return 0, false
}

// segmentRefs returns the reference-graph entry recorded for id when it
// was written, used by the estimator's reachability walk.
func (s *FileStore) segmentRefs(id segstore.ID) ([]segstore.ID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.readers {
		if refs, ok := r.Graph()[id]; ok {
			return refs, true
		}
	}
	if s.currentWriter != nil {
		s.currentWriter.mu.Lock()
		refs, ok := s.currentWriter.graph[id]
		s.currentWriter.mu.Unlock()
		if ok {
			return refs, true
		}
	}
	return nil, false
}

// approximateSize sums the payload bytes held across every sealed
// archive and the currently open writer, feeding the disk-space guard.
func (s *FileStore) approximateSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, r := range s.readers {
		for _, id := range r.Ids() {
			total += s.entrySizeLocked(id)
		}
	}
	if s.currentWriter != nil {
		total += s.currentWriter.Size()
	}
	return total
}

// availableDiskSpace reports free bytes on the filesystem backing the
// store directory, for GCOptions.IsDiskSpaceSufficient.
func (s *FileStore) availableDiskSpace() int64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.dir, &stat); err != nil {
		return 0
	}
	return int64(stat.Bavail) * int64(stat.Bsize)
}

// Flush seals every pending writer-pool buffer into the current archive
// writer, fsyncs that writer to disk, and only then appends and forces
// one journal line for the current head, per spec.md §4.6: flush "is a
// linearization point: after flush returns, all previously setHead-
// accepted roots are durable." Doing this in the opposite order — or
// splitting it across SetHead and Flush the way SetHead used to — lets
// a durably-journaled head outlive the segment it points into across a
// crash; this keeps the segment's own durability strictly first.
func (s *FileStore) Flush() error {
	if err := s.pool.Flush(); err != nil {
		return err
	}

	s.mu.Lock()
	err := s.currentWriter.Sync()
	s.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "sync archive writer")
	}

	head, ok := s.GetHead()
	if !ok {
		return nil
	}
	if err := s.journal.Append(head, time.Now().UnixMilli()); err != nil {
		return errors.Wrap(err, "append journal")
	}
	return nil
}

// Close flushes pending writes, seals the current archive file, journals
// the final head, closes the journal, releases the store lock, and
// closes every reader.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// The pool seals through appendSegment, which takes s.mu itself.
	if err := s.pool.Flush(); err != nil {
		return errors.Wrap(err, "flush writer pool on close")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.currentWriter.Seal(); err != nil {
		return errors.Wrap(err, "seal current archive on close")
	}
	if head, ok := s.GetHead(); ok {
		if err := s.journal.Append(head, time.Now().UnixMilli()); err != nil {
			return errors.Wrap(err, "append final journal line on close")
		}
	}
	if err := s.journal.Close(); err != nil {
		return errors.Wrap(err, "close journal")
	}
	for _, r := range s.readers {
		if err := r.Close(); err != nil {
			return errors.Wrap(err, "close archive reader")
		}
	}

	syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
	return s.lockFile.Close()
}
