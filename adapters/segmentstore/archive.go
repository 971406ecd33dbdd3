package segmentstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/anagarwa/nodestore/entities/segstore"
)

// Reserved archive entry names for the footer entries appended when a
// writer seals, per spec.md §4.1/§6.
const (
	footerGraph    = ".gph"
	footerBlobRefs = ".brf"
	footerIndex    = ".idx"
)

const headerBlockSize = segstore.ArchiveBlockSize

// entryHeader is the fixed-format 512-byte block preceding every entry's
// payload. Layout: [2 byte name length][name][payload length uint32]
// [generation uint32][zero padding to headerBlockSize].
type entryHeader struct {
	Name       string
	PayloadLen uint32
	Generation uint32
}

func (h entryHeader) encode() ([]byte, error) {
	if len(h.Name) > headerBlockSize-2-8 {
		return nil, errors.Errorf("entry name %q too long", h.Name)
	}
	buf := make([]byte, headerBlockSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(h.Name)))
	copy(buf[2:], h.Name)
	off := 2 + len(h.Name)
	binary.BigEndian.PutUint32(buf[off:off+4], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[off+4:off+8], h.Generation)
	return buf, nil
}

func decodeEntryHeader(buf []byte) (entryHeader, error) {
	if len(buf) != headerBlockSize {
		return entryHeader{}, errors.Errorf("short header block: %d bytes", len(buf))
	}
	nameLen := binary.BigEndian.Uint16(buf[0:2])
	if int(nameLen) > headerBlockSize-2-8 {
		return entryHeader{}, errors.New("corrupt header: name length out of range")
	}
	name := string(buf[2 : 2+nameLen])
	off := 2 + int(nameLen)
	payloadLen := binary.BigEndian.Uint32(buf[off : off+4])
	generation := binary.BigEndian.Uint32(buf[off+4 : off+8])
	return entryHeader{Name: name, PayloadLen: payloadLen, Generation: generation}, nil
}

func paddedSize(n int64) int64 {
	rem := n % headerBlockSize
	if rem == 0 {
		return n
	}
	return n + (headerBlockSize - rem)
}

// indexEntry describes one entry's location within an archive file.
type indexEntry struct {
	Name          string
	Generation    uint32
	PayloadOffset int64
	PayloadLen    int64
}

// archiveWriter appends entries to a single archive file. Appends come
// from one writer goroutine at a time (the writer pool key-serializes
// access), while readers may call Size, Contains and Read concurrently,
// so every method holds mu while it touches the file, the buffered
// writer or the index.
type archiveWriter struct {
	mu sync.Mutex

	path   string
	file   *os.File
	writer *bufio.Writer
	offset int64

	entries  []indexEntry
	bySeg    map[segstore.ID]indexEntry
	graph    map[segstore.ID][]segstore.ID
	blobRefs map[string]struct{}

	sealed bool
	logger logrus.FieldLogger
}

func newArchiveWriter(path string, logger logrus.FieldLogger) (*archiveWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, ioFailure(err, "create archive file "+path)
	}

	return &archiveWriter{
		path:     path,
		file:     f,
		writer:   bufio.NewWriter(f),
		bySeg:    map[segstore.ID]indexEntry{},
		graph:    map[segstore.ID][]segstore.ID{},
		blobRefs: map[string]struct{}{},
		logger:   logger,
	}, nil
}

// Size reports the number of bytes written so far, used by the writer
// pool to decide when to seal.
func (w *archiveWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// WriteEntry appends one segment as a header block plus block-padded
// payload. refs and blobRefs are recorded for the .gph/.brf footers; they
// are ignored for bulk segments which carry no references (invariant 1
// of the data model).
func (w *archiveWriter) WriteEntry(id segstore.ID, generation uint32, payload []byte,
	refs []segstore.ID, blobRefs []string,
) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sealed {
		return errors.New("archive writer is sealed")
	}

	name := entryName(id, generation)
	header := entryHeader{Name: name, PayloadLen: uint32(len(payload)), Generation: generation}
	headerBuf, err := header.encode()
	if err != nil {
		return err
	}

	if _, err := w.writer.Write(headerBuf); err != nil {
		return ioFailure(err, "write entry header")
	}
	payloadOffset := w.offset + headerBlockSize

	if _, err := w.writer.Write(payload); err != nil {
		return ioFailure(err, "write entry payload")
	}
	pad := paddedSize(int64(len(payload))) - int64(len(payload))
	if pad > 0 {
		if _, err := w.writer.Write(make([]byte, pad)); err != nil {
			return ioFailure(err, "pad entry payload")
		}
	}

	entry := indexEntry{
		Name:          name,
		Generation:    generation,
		PayloadOffset: payloadOffset,
		PayloadLen:    int64(len(payload)),
	}
	w.entries = append(w.entries, entry)
	w.bySeg[id] = entry
	if id.Kind() == segstore.KindData {
		w.graph[id] = append([]segstore.ID(nil), refs...)
	}
	for _, ref := range blobRefs {
		w.blobRefs[ref] = struct{}{}
	}

	w.offset = payloadOffset + entry.PayloadLen + pad
	return nil
}

// Contains reports whether id was appended to this (still open) writer.
func (w *archiveWriter) Contains(id segstore.ID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.bySeg[id]
	return ok
}

// Read returns the payload bytes for id if this writer has already
// buffered/flushed it. Used so readers can see segments not yet sealed
// into a reader.
func (w *archiveWriter) Read(id segstore.ID) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.bySeg[id]
	if !ok {
		return nil, segstore.ErrSegmentNotFound
	}

	if err := w.writer.Flush(); err != nil {
		return nil, ioFailure(err, "flush archive writer")
	}
	buf := make([]byte, entry.PayloadLen)
	if _, err := w.file.ReadAt(buf, entry.PayloadOffset); err != nil {
		return nil, ioFailure(err, "read segment "+id.String()+" from open writer")
	}
	return buf, nil
}

// Sync flushes buffered entries to the OS and fsyncs the file without
// sealing the writer, so further entries can still be appended after it
// returns. Used by FileStore.Flush to make segments durable before the
// journal line that references them, without rolling to a new file on
// every flush the way Seal would.
func (w *archiveWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sealed {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return ioFailure(err, "flush archive writer")
	}
	if err := w.file.Sync(); err != nil {
		return ioFailure(err, "sync archive writer")
	}
	return nil
}

// Seal writes the .gph/.brf/.idx footer entries, flushes, and closes the
// file. A sealed archive is immutable; further writes are rejected.
func (w *archiveWriter) Seal() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sealed {
		return nil
	}

	graphBytes := encodeGraph(w.graph)
	if err := w.writeFooterLocked(footerGraph, graphBytes); err != nil {
		return err
	}

	blobRefBytes := encodeBlobRefs(w.blobRefs)
	if err := w.writeFooterLocked(footerBlobRefs, blobRefBytes); err != nil {
		return err
	}

	idxBytes := encodeIndex(w.entries)
	if err := w.writeFooterLocked(footerIndex, idxBytes); err != nil {
		return err
	}

	if err := w.writer.Flush(); err != nil {
		return ioFailure(err, "flush archive on seal")
	}
	if err := w.file.Sync(); err != nil {
		return ioFailure(err, "sync archive on seal")
	}
	if err := w.file.Close(); err != nil {
		return ioFailure(err, "close archive on seal")
	}

	w.sealed = true
	return nil
}

func (w *archiveWriter) writeFooterLocked(name string, payload []byte) error {
	header := entryHeader{Name: name, PayloadLen: uint32(len(payload))}
	headerBuf, err := header.encode()
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(headerBuf); err != nil {
		return ioFailure(err, "write footer "+name)
	}
	if _, err := w.writer.Write(payload); err != nil {
		return ioFailure(err, "write footer "+name+" payload")
	}
	pad := paddedSize(int64(len(payload))) - int64(len(payload))
	if pad > 0 {
		if _, err := w.writer.Write(make([]byte, pad)); err != nil {
			return ioFailure(err, "pad footer "+name)
		}
	}
	w.offset += headerBlockSize + paddedSize(int64(len(payload)))
	return nil
}

// archiveReader gives random access to a sealed archive file. It may be
// closed (e.g. during a GC swap) while other goroutines are still using
// it; Closed() lets the store detect this and retry against a fresh
// reader.
type archiveReader struct {
	path    string
	file    *os.File
	mapped  mmap.MMap
	useMmap bool

	index    map[segstore.ID]indexEntry
	order    []segstore.ID
	graph    map[segstore.ID][]segstore.ID
	blobRefs map[string]struct{}

	closed int32 // atomic
}

// openArchiveReader loads an archive's footer index. If the footer is
// missing or truncated (expected for the most recently written,
// not-yet-sealed file after an unclean shutdown), it recovers by
// scanning entries sequentially from the start and stopping at the first
// incomplete or corrupt entry, discarding any partial tail.
func openArchiveReader(path string, useMmap bool) (*archiveReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioFailure(err, "open archive "+path)
	}

	r := &archiveReader{path: path, file: f, useMmap: useMmap}

	if useMmap {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, errors.Wrap(err, "stat archive")
		}
		if info.Size() > 0 {
			m, err := mmap.Map(f, mmap.RDONLY, 0)
			if err != nil {
				f.Close()
				return nil, errors.Wrap(err, "mmap archive")
			}
			r.mapped = m
		}
	}

	entries, graph, blobRefs, err := loadFooterOrRecover(r)
	if err != nil {
		r.closeFiles()
		return nil, err
	}

	r.index = map[segstore.ID]indexEntry{}
	r.order = make([]segstore.ID, 0, len(entries))
	for _, e := range entries {
		id, _, ok := parseEntryName(e.Name)
		if !ok {
			continue // footer entry, not a segment
		}
		r.index[id] = e
		r.order = append(r.order, id)
	}
	r.graph = graph
	r.blobRefs = blobRefs

	return r, nil
}

func (r *archiveReader) closeFiles() {
	if r.mapped != nil {
		r.mapped.Unmap()
	}
	r.file.Close()
}

// Closed reports whether Close has been called; the store retries a
// read against the current reader list when this is true.
func (r *archiveReader) Closed() bool {
	return atomic.LoadInt32(&r.closed) == 1
}

func (r *archiveReader) Close() error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}
	if r.mapped != nil {
		if err := r.mapped.Unmap(); err != nil {
			return errors.Wrap(err, "munmap archive")
		}
	}
	return r.file.Close()
}

func (r *archiveReader) Contains(id segstore.ID) bool {
	_, ok := r.index[id]
	return ok
}

func (r *archiveReader) Generation(id segstore.ID) (uint32, bool) {
	e, ok := r.index[id]
	if !ok {
		return 0, false
	}
	return e.Generation, true
}

func (r *archiveReader) Read(id segstore.ID) ([]byte, error) {
	if r.Closed() {
		return nil, segstore.ErrClosed
	}
	e, ok := r.index[id]
	if !ok {
		return nil, segstore.ErrSegmentNotFound
	}
	return r.readRange(e.PayloadOffset, e.PayloadLen)
}

func (r *archiveReader) readRange(offset, length int64) ([]byte, error) {
	if r.mapped != nil {
		if offset+length > int64(len(r.mapped)) {
			return nil, segstore.ErrCorruption
		}
		out := make([]byte, length)
		copy(out, r.mapped[offset:offset+length])
		return out, nil
	}
	buf := make([]byte, length)
	if _, err := r.file.ReadAt(buf, offset); err != nil {
		return nil, ioFailure(err, "read archive "+r.path)
	}
	return buf, nil
}

func (r *archiveReader) Graph() map[segstore.ID][]segstore.ID {
	return r.graph
}

func (r *archiveReader) BlobRefs() map[string]struct{} {
	return r.blobRefs
}

func (r *archiveReader) Ids() []segstore.ID {
	return r.order
}

// entryName renders "<uuid>.<generation>" per spec.md §6.
func entryName(id segstore.ID, generation uint32) string {
	return fmt.Sprintf("%s.%d", id, generation)
}

// parseEntryName recovers (id, generation) from an entry name of the
// form "<uuid>.<generation>", reporting ok=false for the reserved footer
// names or anything malformed.
func parseEntryName(name string) (segstore.ID, uint32, bool) {
	if name == footerGraph || name == footerBlobRefs || name == footerIndex {
		return segstore.ID{}, 0, false
	}
	if len(name) < 38 || name[36] != '.' {
		return segstore.ID{}, 0, false
	}
	u, err := uuid.Parse(name[:36])
	if err != nil {
		return segstore.ID{}, 0, false
	}
	gen, err := strconv.ParseUint(name[37:], 10, 32)
	if err != nil {
		return segstore.ID{}, 0, false
	}
	return segstore.FromUUID(u), uint32(gen), true
}

// loadFooterOrRecover reads the three footer entries from the tail of
// the file. If they are absent (unsealed, currently-open writer file) or
// corrupt, it recovers by scanning header blocks sequentially from the
// start and stopping at the first block that fails to decode or whose
// payload would run past EOF.
func loadFooterOrRecover(r *archiveReader) ([]indexEntry, map[segstore.ID][]segstore.ID, map[string]struct{}, error) {
	size, err := r.size()
	if err != nil {
		return nil, nil, nil, err
	}

	_, idxBytes, graphBytes, blobBytes, ok := tryReadFooters(r, size)
	if ok {
		graph, err := decodeGraph(graphBytes)
		if err != nil {
			return nil, nil, nil, err
		}
		blobRefs := decodeBlobRefs(blobBytes)
		return decodeIndex(idxBytes), graph, blobRefs, nil
	}

	return recoverByScanning(r, size)
}

func (r *archiveReader) size() (int64, error) {
	if r.mapped != nil {
		return int64(len(r.mapped)), nil
	}
	info, err := r.file.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stat archive")
	}
	return info.Size(), nil
}

// tryReadFooters looks for the three reserved footer entries. Because
// entries are variable
// length, the search walks header blocks forward from the start once to
// build a temporary map of block boundaries, then identifies footers by
// name; this keeps the format append-friendly without needing fixed
// trailer offsets.
func tryReadFooters(r *archiveReader, size int64) (entries []indexEntry, idx, graph, blob []byte, ok bool) {
	offset := int64(0)
	var dataEntries []indexEntry
	var idxBytes, graphBytes, blobBytes []byte
	sawIndex, sawGraph, sawBlob := false, false, false

	for offset+headerBlockSize <= size {
		headerBuf, err := r.readRange(offset, headerBlockSize)
		if err != nil {
			return nil, nil, nil, nil, false
		}
		h, err := decodeEntryHeader(headerBuf)
		if err != nil {
			return nil, nil, nil, nil, false
		}
		payloadOffset := offset + headerBlockSize
		payloadPadded := paddedSize(int64(h.PayloadLen))
		if payloadOffset+payloadPadded > size {
			return nil, nil, nil, nil, false
		}

		switch h.Name {
		case footerGraph:
			b, err := r.readRange(payloadOffset, int64(h.PayloadLen))
			if err != nil {
				return nil, nil, nil, nil, false
			}
			graphBytes = b
			sawGraph = true
		case footerBlobRefs:
			b, err := r.readRange(payloadOffset, int64(h.PayloadLen))
			if err != nil {
				return nil, nil, nil, nil, false
			}
			blobBytes = b
			sawBlob = true
		case footerIndex:
			b, err := r.readRange(payloadOffset, int64(h.PayloadLen))
			if err != nil {
				return nil, nil, nil, nil, false
			}
			idxBytes = b
			sawIndex = true
		default:
			dataEntries = append(dataEntries, indexEntry{
				Name:          h.Name,
				Generation:    h.Generation,
				PayloadOffset: payloadOffset,
				PayloadLen:    int64(h.PayloadLen),
			})
		}

		offset = payloadOffset + payloadPadded
	}

	if offset != size || !sawIndex || !sawGraph || !sawBlob {
		return nil, nil, nil, nil, false
	}

	return dataEntries, idxBytes, graphBytes, blobBytes, true
}

// recoverByScanning is the truncated-footer fallback: replay entries
// from the start, keeping every complete one and discarding a trailing
// partial entry (expected for the currently-open unsealed writer file).
func recoverByScanning(r *archiveReader, size int64) ([]indexEntry, map[segstore.ID][]segstore.ID, map[string]struct{}, error) {
	var entries []indexEntry
	offset := int64(0)

	for offset+headerBlockSize <= size {
		headerBuf, err := r.readRange(offset, headerBlockSize)
		if err != nil {
			break
		}
		h, err := decodeEntryHeader(headerBuf)
		if err != nil {
			break
		}
		payloadOffset := offset + headerBlockSize
		payloadPadded := paddedSize(int64(h.PayloadLen))
		if payloadOffset+payloadPadded > size {
			break // partial tail entry, expected on an unclean shutdown
		}

		if h.Name != footerGraph && h.Name != footerBlobRefs && h.Name != footerIndex {
			entries = append(entries, indexEntry{
				Name:          h.Name,
				Generation:    h.Generation,
				PayloadOffset: payloadOffset,
				PayloadLen:    int64(h.PayloadLen),
			})
		}
		offset = payloadOffset + payloadPadded
	}

	// A recovered (unsealed) file has no reference graph or blob-ref
	// footer yet; both are reported empty rather than reconstructed,
	// matching an in-progress writer that has not sealed.
	return entries, map[segstore.ID][]segstore.ID{}, map[string]struct{}{}, nil
}

var _ io.Closer = (*archiveReader)(nil)
