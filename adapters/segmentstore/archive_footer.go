package segmentstore

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/anagarwa/nodestore/entities/segstore"
)

// encodeGraph serialises the in-file reference graph as
// [count][ (id, refCount, refs...) ]* using fixed 16-byte segment ids.
func encodeGraph(graph map[segstore.ID][]segstore.ID) []byte {
	buf := &bytes.Buffer{}
	writeUint32(buf, uint32(len(graph)))
	for id, refs := range graph {
		writeID(buf, id)
		writeUint32(buf, uint32(len(refs)))
		for _, ref := range refs {
			writeID(buf, ref)
		}
	}
	return buf.Bytes()
}

func decodeGraph(data []byte) (map[segstore.ID][]segstore.ID, error) {
	r := bytes.NewReader(data)
	count, err := readUint32(r)
	if err != nil {
		if err == io.EOF && len(data) == 0 {
			return map[segstore.ID][]segstore.ID{}, nil
		}
		return nil, errors.Wrap(err, "decode graph footer")
	}
	out := make(map[segstore.ID][]segstore.ID, count)
	for i := uint32(0); i < count; i++ {
		id, err := readID(r)
		if err != nil {
			return nil, errors.Wrap(err, "decode graph footer")
		}
		refCount, err := readUint32(r)
		if err != nil {
			return nil, errors.Wrap(err, "decode graph footer")
		}
		refs := make([]segstore.ID, refCount)
		for j := uint32(0); j < refCount; j++ {
			ref, err := readID(r)
			if err != nil {
				return nil, errors.Wrap(err, "decode graph footer")
			}
			refs[j] = ref
		}
		out[id] = refs
	}
	return out, nil
}

// encodeBlobRefs serialises the set of external blob reference strings
// discovered while writing this archive, for downstream blob GC.
func encodeBlobRefs(refs map[string]struct{}) []byte {
	buf := &bytes.Buffer{}
	writeUint32(buf, uint32(len(refs)))
	for ref := range refs {
		writeString(buf, ref)
	}
	return buf.Bytes()
}

func decodeBlobRefs(data []byte) map[string]struct{} {
	out := map[string]struct{}{}
	if len(data) == 0 {
		return out
	}
	r := bytes.NewReader(data)
	count, err := readUint32(r)
	if err != nil {
		return out
	}
	for i := uint32(0); i < count; i++ {
		s, err := readString(r)
		if err != nil {
			return out
		}
		out[s] = struct{}{}
	}
	return out
}

// encodeIndex serialises the offset index: every entry name, generation,
// payload offset and length, so a reader can rebuild random access
// without rescanning the file.
func encodeIndex(entries []indexEntry) []byte {
	buf := &bytes.Buffer{}
	writeUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		writeString(buf, e.Name)
		writeUint32(buf, e.Generation)
		writeUint64(buf, uint64(e.PayloadOffset))
		writeUint64(buf, uint64(e.PayloadLen))
	}
	return buf.Bytes()
}

func decodeIndex(data []byte) []indexEntry {
	if len(data) == 0 {
		return nil
	}
	r := bytes.NewReader(data)
	count, err := readUint32(r)
	if err != nil {
		return nil
	}
	out := make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return out
		}
		gen, err := readUint32(r)
		if err != nil {
			return out
		}
		off, err := readUint64(r)
		if err != nil {
			return out
		}
		length, err := readUint64(r)
		if err != nil {
			return out
		}
		out = append(out, indexEntry{
			Name:          name,
			Generation:    gen,
			PayloadOffset: int64(off),
			PayloadLen:    int64(length),
		})
	}
	return out
}

func writeUint32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeUint64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func writeID(w *bytes.Buffer, id segstore.ID) {
	writeUint64(w, id.Most)
	writeUint64(w, id.Least)
}

func writeString(w *bytes.Buffer, s string) {
	writeUint32(w, uint32(len(s)))
	w.WriteString(s)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readID(r *bytes.Reader) (segstore.ID, error) {
	most, err := readUint64(r)
	if err != nil {
		return segstore.ID{}, err
	}
	least, err := readUint64(r)
	if err != nil {
		return segstore.ID{}, err
	}
	return segstore.ID{Most: most, Least: least}, nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
