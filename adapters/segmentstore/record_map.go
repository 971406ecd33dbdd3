package segmentstore

import (
	"hash/fnv"
	"sort"

	"github.com/pkg/errors"

	"github.com/anagarwa/nodestore/entities/segstore"
)

const (
	mapBranch = 0x01
	mapLeaf   = 0x02
	mapDiff   = 0x03
)

// leafThreshold is the bucket size below which a trie node stores its
// entries as a flat leaf instead of branching further, matching the
// teacher's sorted-bucket-merge idiom for small buckets.
const leafThreshold = 8

// maxHashBits bounds how many BucketsPerLevel-wide levels the trie
// descends before giving up and putting every remaining (colliding)
// entry into one leaf, matching a 32-bit hash exhausted at 5 bits/level.
const maxHashBits = 32

type mapEntry struct {
	Key   string
	Hash  uint32
	Value segstore.RecordID
}

func hashKey(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

// WriteMap encodes entries as a 32-way hash trie, per spec.md §4.3: a
// bitmap-indexed branch per level (HAMT-style, only populated buckets
// consume space) descending by 5 bits of the FNV-1a key hash per level,
// bottoming out in a sorted leaf once a bucket is small enough.
func WriteMap(b *SegmentBuilder, selfID segstore.ID, entries map[string]segstore.RecordID) (int, error) {
	items := make([]mapEntry, 0, len(entries))
	for k, v := range entries {
		items = append(items, mapEntry{Key: k, Hash: hashKey(k), Value: v})
	}
	sortMapEntries(items)
	return writeMapNode(b, selfID, items, 0)
}

func sortMapEntries(items []mapEntry) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Hash != items[j].Hash {
			return items[i].Hash < items[j].Hash
		}
		return items[i].Key < items[j].Key
	})
}

func writeMapNode(b *SegmentBuilder, selfID segstore.ID, items []mapEntry, level int) (int, error) {
	if len(items) <= leafThreshold || level*5 >= maxHashBits {
		return writeMapLeaf(b, selfID, items)
	}

	buckets := make(map[uint32][]mapEntry)
	shift := uint(level * 5)
	for _, it := range items {
		slot := (it.Hash >> shift) & (segstore.BucketsPerLevel - 1)
		buckets[slot] = append(buckets[slot], it)
	}

	var bitmap uint32
	slots := make([]uint32, 0, len(buckets))
	for slot := range buckets {
		bitmap |= 1 << slot
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	body := appendUint32([]byte{mapBranch}, bitmap)
	for _, slot := range slots {
		childOff, err := writeMapNode(b, selfID, buckets[slot], level+1)
		if err != nil {
			return 0, err
		}
		childID, err := segstore.NewRecordID(selfID, childOff)
		if err != nil {
			return 0, err
		}
		body = b.EncodeRef(body, childID, selfID)
	}
	return b.Allocate(body)
}

func writeMapLeaf(b *SegmentBuilder, selfID segstore.ID, items []mapEntry) (int, error) {
	body := appendUint32([]byte{mapLeaf}, uint32(len(items)))
	for _, it := range items {
		keyOff, err := WriteSizedBytes(b, selfID, []byte(it.Key))
		if err != nil {
			return 0, err
		}
		keyRef, err := segstore.NewRecordID(selfID, keyOff)
		if err != nil {
			return 0, err
		}
		body = appendUint32(body, it.Hash)
		body = b.EncodeRef(body, keyRef, selfID)
		body = b.EncodeRef(body, it.Value, selfID)
	}
	return b.Allocate(body)
}

// WriteMapWithBase stores a copy-on-write overlay on top of an existing
// map record: base plus a small added/removed delta, avoiding a full
// trie rewrite for a handful of property changes. This is the base+diff
// structural sharing the data model calls for, applied to MAP records
// only; TEMPLATE records are always written whole.
func WriteMapWithBase(b *SegmentBuilder, selfID segstore.ID, base segstore.RecordID,
	added map[string]segstore.RecordID, removed []string,
) (int, error) {
	body := []byte{mapDiff}
	body = b.EncodeRef(body, base, selfID)

	addedItems := make([]mapEntry, 0, len(added))
	for k, v := range added {
		addedItems = append(addedItems, mapEntry{Key: k, Hash: hashKey(k), Value: v})
	}
	sortMapEntries(addedItems)

	body = appendUint32(body, uint32(len(addedItems)))
	for _, it := range addedItems {
		keyOff, err := WriteSizedBytes(b, selfID, []byte(it.Key))
		if err != nil {
			return 0, err
		}
		keyRef, err := segstore.NewRecordID(selfID, keyOff)
		if err != nil {
			return 0, err
		}
		body = appendUint32(body, it.Hash)
		body = b.EncodeRef(body, keyRef, selfID)
		body = b.EncodeRef(body, it.Value, selfID)
	}

	sortedRemoved := append([]string(nil), removed...)
	sort.Strings(sortedRemoved)
	body = appendUint32(body, uint32(len(sortedRemoved)))
	for _, k := range sortedRemoved {
		keyOff, err := WriteSizedBytes(b, selfID, []byte(k))
		if err != nil {
			return 0, err
		}
		keyRef, err := segstore.NewRecordID(selfID, keyOff)
		if err != nil {
			return 0, err
		}
		body = b.EncodeRef(body, keyRef, selfID)
	}
	return b.Allocate(body)
}

// resolver fetches the segment a cross-segment record reference points
// into; the tracker/cache supplies the real implementation.
type resolver func(segstore.RecordID) (*Segment, error)

func followRef(resolve resolver, seg *Segment, ref segstore.RecordID) (*Segment, error) {
	if ref.Segment == seg.id {
		return seg, nil
	}
	return resolve(ref)
}

// ReadMap materializes a full map previously written by WriteMap or
// WriteMapWithBase. For point lookups, prefer GetMapEntry, which avoids
// decoding untouched branches.
func ReadMap(resolve resolver, seg *Segment, offset int) (map[string]segstore.RecordID, error) {
	out := map[string]segstore.RecordID{}
	if err := readMapInto(resolve, seg, offset, out); err != nil {
		return nil, err
	}
	return out, nil
}

func readMapInto(resolve resolver, seg *Segment, offset int, out map[string]segstore.RecordID) error {
	tag, err := seg.ReadByte(offset)
	if err != nil {
		return err
	}
	switch tag {
	case mapLeaf:
		count, err := seg.ReadInt(offset + 1)
		if err != nil {
			return err
		}
		pos := offset + 5
		for i := uint32(0); i < count; i++ {
			pos += 4 // hash, not needed once we have the key
			keyRef, err := seg.ResolveRef(pos)
			if err != nil {
				return err
			}
			pos += 6
			valueRef, err := seg.ResolveRef(pos)
			if err != nil {
				return err
			}
			pos += 6

			key, err := readMapKey(resolve, seg, keyRef)
			if err != nil {
				return err
			}
			out[key] = valueRef
		}
		return nil

	case mapBranch:
		bitmap, err := seg.ReadInt(offset + 1)
		if err != nil {
			return err
		}
		pos := offset + 5
		for slot := uint32(0); slot < segstore.BucketsPerLevel; slot++ {
			if bitmap&(1<<slot) == 0 {
				continue
			}
			childRef, err := seg.ResolveRef(pos)
			if err != nil {
				return err
			}
			pos += 6
			childSeg, err := followRef(resolve, seg, childRef)
			if err != nil {
				return err
			}
			if err := readMapInto(resolve, childSeg, childRef.Offset, out); err != nil {
				return err
			}
		}
		return nil

	case mapDiff:
		baseRef, err := seg.ResolveRef(offset + 1)
		if err != nil {
			return err
		}
		baseSeg, err := followRef(resolve, seg, baseRef)
		if err != nil {
			return err
		}
		if err := readMapInto(resolve, baseSeg, baseRef.Offset, out); err != nil {
			return err
		}

		pos := offset + 7
		addedCount, err := seg.ReadInt(pos)
		if err != nil {
			return err
		}
		pos += 4
		for i := uint32(0); i < addedCount; i++ {
			pos += 4
			keyRef, err := seg.ResolveRef(pos)
			if err != nil {
				return err
			}
			pos += 6
			valueRef, err := seg.ResolveRef(pos)
			if err != nil {
				return err
			}
			pos += 6
			key, err := readMapKey(resolve, seg, keyRef)
			if err != nil {
				return err
			}
			out[key] = valueRef
		}

		removedCount, err := seg.ReadInt(pos)
		if err != nil {
			return err
		}
		pos += 4
		for i := uint32(0); i < removedCount; i++ {
			keyRef, err := seg.ResolveRef(pos)
			if err != nil {
				return err
			}
			pos += 6
			key, err := readMapKey(resolve, seg, keyRef)
			if err != nil {
				return err
			}
			delete(out, key)
		}
		return nil

	default:
		return errors.Wrapf(segstore.ErrCorruption, "unrecognized map node tag 0x%02x", tag)
	}
}

func readMapKey(resolve resolver, seg *Segment, ref segstore.RecordID) (string, error) {
	keySeg, err := followRef(resolve, seg, ref)
	if err != nil {
		return "", err
	}
	sized, err := ReadSizedBytes(keySeg, ref.Offset)
	if err != nil {
		return "", err
	}
	if sized.External != nil {
		extSeg, err := resolve(*sized.External)
		if err != nil {
			return "", err
		}
		data, err := extSeg.ReadBytes(sized.External.Offset, int(sized.Length))
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return string(sized.Inline), nil
}

// GetMapEntry looks up a single key without materializing sibling
// branches, walking the trie by recomputing the key's hash at each
// level exactly as WriteMap placed it.
func GetMapEntry(resolve resolver, seg *Segment, offset int, key string) (segstore.RecordID, bool, error) {
	hash := hashKey(key)
	return getMapEntry(resolve, seg, offset, key, hash, 0)
}

func getMapEntry(resolve resolver, seg *Segment, offset int, key string, hash uint32, level int) (segstore.RecordID, bool, error) {
	tag, err := seg.ReadByte(offset)
	if err != nil {
		return segstore.RecordID{}, false, err
	}

	switch tag {
	case mapLeaf:
		count, err := seg.ReadInt(offset + 1)
		if err != nil {
			return segstore.RecordID{}, false, err
		}
		pos := offset + 5
		for i := uint32(0); i < count; i++ {
			entryHash, err := seg.ReadInt(pos)
			if err != nil {
				return segstore.RecordID{}, false, err
			}
			pos += 4
			keyRef, err := seg.ResolveRef(pos)
			if err != nil {
				return segstore.RecordID{}, false, err
			}
			pos += 6
			valueRef, err := seg.ResolveRef(pos)
			if err != nil {
				return segstore.RecordID{}, false, err
			}
			pos += 6
			if entryHash != hash {
				continue
			}
			k, err := readMapKey(resolve, seg, keyRef)
			if err != nil {
				return segstore.RecordID{}, false, err
			}
			if k == key {
				return valueRef, true, nil
			}
		}
		return segstore.RecordID{}, false, nil

	case mapBranch:
		bitmap, err := seg.ReadInt(offset + 1)
		if err != nil {
			return segstore.RecordID{}, false, err
		}
		slot := (hash >> uint(level*5)) & (segstore.BucketsPerLevel - 1)
		if bitmap&(1<<slot) == 0 {
			return segstore.RecordID{}, false, nil
		}
		// Count set bits below slot to find its position in the
		// packed child array.
		index := popcount(bitmap & ((1 << slot) - 1))
		pos := offset + 5 + index*6
		childRef, err := seg.ResolveRef(pos)
		if err != nil {
			return segstore.RecordID{}, false, err
		}
		childSeg, err := followRef(resolve, seg, childRef)
		if err != nil {
			return segstore.RecordID{}, false, err
		}
		return getMapEntry(resolve, childSeg, childRef.Offset, key, hash, level+1)

	case mapDiff:
		pos := offset + 7
		addedCount, err := seg.ReadInt(pos)
		if err != nil {
			return segstore.RecordID{}, false, err
		}
		pos += 4
		for i := uint32(0); i < addedCount; i++ {
			entryHash, err := seg.ReadInt(pos)
			if err != nil {
				return segstore.RecordID{}, false, err
			}
			pos += 4
			keyRef, err := seg.ResolveRef(pos)
			if err != nil {
				return segstore.RecordID{}, false, err
			}
			pos += 6
			valueRef, err := seg.ResolveRef(pos)
			if err != nil {
				return segstore.RecordID{}, false, err
			}
			pos += 6
			if entryHash == hash {
				if k, err := readMapKey(resolve, seg, keyRef); err == nil && k == key {
					return valueRef, true, nil
				}
			}
		}

		removedCount, err := seg.ReadInt(pos)
		if err != nil {
			return segstore.RecordID{}, false, err
		}
		pos += 4
		for i := uint32(0); i < removedCount; i++ {
			keyRef, err := seg.ResolveRef(pos)
			if err != nil {
				return segstore.RecordID{}, false, err
			}
			pos += 6
			if k, err := readMapKey(resolve, seg, keyRef); err == nil && k == key {
				return segstore.RecordID{}, false, nil
			}
		}

		baseRef, err := seg.ResolveRef(offset + 1)
		if err != nil {
			return segstore.RecordID{}, false, err
		}
		baseSeg, err := followRef(resolve, seg, baseRef)
		if err != nil {
			return segstore.RecordID{}, false, err
		}
		return getMapEntry(resolve, baseSeg, baseRef.Offset, key, hash, level)

	default:
		return segstore.RecordID{}, false, errors.Wrapf(segstore.ErrCorruption, "unrecognized map node tag 0x%02x", tag)
	}
}

func popcount(x uint32) int {
	count := 0
	for x != 0 {
		x &= x - 1
		count++
	}
	return count
}
