package segmentstore

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/anagarwa/nodestore/entities/segstore"
)

// builderProperty is the in-memory staging form of one property slot: a
// single value or, when multiple is set, an ordered list of them, kept
// uniformly typed (all string or all scalar/binary) the way a TEMPLATE
// property slot is.
type builderProperty struct {
	isString bool
	multiple bool
	strs     []string
	scalars  []Value

	// blobRefs holds a property's values as already-written VALUE record
	// ids (typically NodeStore.CreateBlob's return), so Build writes the
	// reference as-is instead of re-encoding the bytes.
	blobRefs []segstore.RecordID
}

func (p builderProperty) scalarType() ValueType {
	if len(p.blobRefs) > 0 {
		return ValueBinary
	}
	if len(p.scalars) == 0 {
		return ValueLong
	}
	return p.scalars[0].Type
}

// NodeBuilder is a mutable, path-addressable view of one node in the
// content tree, staged in memory until Build flushes it into new
// immutable TEMPLATE/NODE/PROPERTY/MAP records. It is the builder half
// of the getRoot()/merge(builder, hook, info) pair: a caller obtains one
// from NodeStore.GetRoot, edits it with SetProperty/SetChildNode/etc.,
// and hands it back to NodeStore.Merge.
//
// A builder obtained from GetChildNode before anything is set on it is
// a phantom: it tracks a name and a parent but isn't part of the parent
// until the first mutation promotes it, mirroring how a content tree
// never grows a node just because something asked whether it exists.
type NodeBuilder struct {
	ns     *NodeStore
	parent *NodeBuilder
	name   string

	isRoot         bool
	expectedHead   segstore.RecordID
	expectedHeadOK bool

	baseRef segstore.RecordID
	hasBase bool
	loaded  bool
	dirty   bool

	primaryType string
	mixinTypes  []string
	properties  map[string]builderProperty
	children    map[string]*NodeBuilder
	phantom     map[string]*NodeBuilder
}

// Exists reports whether this builder denotes a real node: one loaded
// from a committed record, or one that has had something set on it.
func (b *NodeBuilder) Exists() bool {
	return b.hasBase || b.dirty
}

func (b *NodeBuilder) ensureLoaded() error {
	if b.loaded {
		return nil
	}
	b.properties = map[string]builderProperty{}
	b.children = map[string]*NodeBuilder{}
	b.loaded = true

	if !b.hasBase {
		b.primaryType = "nt:unstructured"
		return nil
	}

	resolve := b.ns.store.Resolver()
	seg, err := b.ns.store.ReadSegment(b.baseRef.Segment)
	if err != nil {
		return err
	}
	node, err := ReadNode(seg, b.baseRef.Offset)
	if err != nil {
		return err
	}

	tmplSeg, err := followRef(resolve, seg, node.Template)
	if err != nil {
		return err
	}
	tmpl, err := ReadTemplate(resolve, tmplSeg, node.Template.Offset)
	if err != nil {
		return err
	}
	b.primaryType = tmpl.PrimaryType
	b.mixinTypes = tmpl.MixinTypes

	for i, name := range tmpl.PropertyNames {
		propType := tmpl.PropertyTypes[i]
		propRef := node.Properties[i]
		propSeg, err := followRef(resolve, seg, propRef)
		if err != nil {
			return err
		}
		pv, err := ReadProperty(resolve, propSeg, propRef.Offset)
		if err != nil {
			return err
		}

		staged := builderProperty{isString: propType.IsString, multiple: propType.Multiple}
		for _, ref := range pv.Values {
			switch {
			case propType.IsString:
				s, err := readMapKey(resolve, propSeg, ref)
				if err != nil {
					return err
				}
				staged.strs = append(staged.strs, s)

			case propType.Value == ValueBinary:
				// Binary properties are kept as unresolved references:
				// GetBlobProperty/NodeStore.ReadBlob stream their bytes
				// on demand instead of pulling a potentially large blob
				// into memory every time its owning node is loaded.
				staged.blobRefs = append(staged.blobRefs, ref)

			default:
				valSeg, err := followRef(resolve, propSeg, ref)
				if err != nil {
					return err
				}
				v, err := ReadValueResolved(resolve, valSeg, ref.Offset)
				if err != nil {
					return err
				}
				staged.scalars = append(staged.scalars, v)
			}
		}
		b.properties[name] = staged
	}

	if node.Children != nil {
		mapSeg, err := followRef(resolve, seg, *node.Children)
		if err != nil {
			return err
		}
		entries, err := ReadMap(resolve, mapSeg, node.Children.Offset)
		if err != nil {
			return err
		}
		for name, ref := range entries {
			b.children[name] = b.ns.newChildBuilder(b, name, ref, true)
		}
	}

	return nil
}

func (b *NodeBuilder) markDirty() {
	if b.dirty {
		return
	}
	b.dirty = true
	if b.parent == nil {
		return
	}
	if _, ok := b.parent.phantom[b.name]; ok {
		delete(b.parent.phantom, b.name)
		b.parent.children[b.name] = b
	}
	b.parent.markDirty()
}

// PrimaryType returns the node's declared primary type.
func (b *NodeBuilder) PrimaryType() (string, error) {
	if err := b.ensureLoaded(); err != nil {
		return "", err
	}
	return b.primaryType, nil
}

// SetPrimaryType stages the node's primary type name.
func (b *NodeBuilder) SetPrimaryType(name string) error {
	if err := b.ensureLoaded(); err != nil {
		return err
	}
	b.primaryType = name
	b.markDirty()
	return nil
}

// GetProperty returns a staged single scalar (long/double/boolean)
// property value. Binary properties are never returned here; use
// GetBlobProperty, which doesn't force the blob's bytes into memory.
func (b *NodeBuilder) GetProperty(name string) (Value, bool, error) {
	if err := b.ensureLoaded(); err != nil {
		return Value{}, false, err
	}
	p, ok := b.properties[name]
	if !ok || p.isString || p.multiple || len(p.scalars) == 0 {
		return Value{}, false, nil
	}
	return p.scalars[0], true, nil
}

// GetBlobProperty returns the record id of a single-valued binary
// property, suitable for NodeStore.ReadBlob, without materializing its
// bytes.
func (b *NodeBuilder) GetBlobProperty(name string) (segstore.RecordID, bool, error) {
	if err := b.ensureLoaded(); err != nil {
		return segstore.RecordID{}, false, err
	}
	p, ok := b.properties[name]
	if !ok || p.multiple || len(p.blobRefs) == 0 {
		return segstore.RecordID{}, false, nil
	}
	return p.blobRefs[0], true, nil
}

// SetBlobProperty stages a single-valued binary property that points
// directly at a record id previously returned by NodeStore.CreateBlob,
// so Build writes the reference as-is rather than re-encoding the bytes.
func (b *NodeBuilder) SetBlobProperty(name string, ref segstore.RecordID) error {
	if err := b.ensureLoaded(); err != nil {
		return err
	}
	b.properties[name] = builderProperty{blobRefs: []segstore.RecordID{ref}}
	b.markDirty()
	return nil
}

// GetStringProperty returns a staged single string property value.
func (b *NodeBuilder) GetStringProperty(name string) (string, bool, error) {
	if err := b.ensureLoaded(); err != nil {
		return "", false, err
	}
	p, ok := b.properties[name]
	if !ok || !p.isString || p.multiple || len(p.strs) == 0 {
		return "", false, nil
	}
	return p.strs[0], true, nil
}

// SetProperty stages a single-valued scalar/binary property.
func (b *NodeBuilder) SetProperty(name string, v Value) error {
	if err := b.ensureLoaded(); err != nil {
		return err
	}
	b.properties[name] = builderProperty{scalars: []Value{v}}
	b.markDirty()
	return nil
}

// SetStringProperty stages a single-valued string property.
func (b *NodeBuilder) SetStringProperty(name string, v string) error {
	if err := b.ensureLoaded(); err != nil {
		return err
	}
	b.properties[name] = builderProperty{isString: true, strs: []string{v}}
	b.markDirty()
	return nil
}

// SetMultiStringProperty stages a multi-valued string property.
func (b *NodeBuilder) SetMultiStringProperty(name string, vs []string) error {
	if err := b.ensureLoaded(); err != nil {
		return err
	}
	b.properties[name] = builderProperty{isString: true, multiple: true, strs: append([]string(nil), vs...)}
	b.markDirty()
	return nil
}

// RemoveProperty removes a property, a no-op if it isn't present,
// matching the map.remove(absent) identity law.
func (b *NodeBuilder) RemoveProperty(name string) error {
	if err := b.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := b.properties[name]; !ok {
		return nil
	}
	delete(b.properties, name)
	b.markDirty()
	return nil
}

// PropertyNames lists every staged property name, alphabetically.
func (b *NodeBuilder) PropertyNames() ([]string, error) {
	if err := b.ensureLoaded(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(b.properties))
	for n := range b.properties {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// GetChildNode returns the builder for a child, loading it from the
// committed child map on first access. If name is not an existing
// child, the returned builder is a phantom: Exists() is false until
// something is set on it.
func (b *NodeBuilder) GetChildNode(name string) (*NodeBuilder, error) {
	if err := b.ensureLoaded(); err != nil {
		return nil, err
	}
	if child, ok := b.children[name]; ok {
		return child, nil
	}
	if child, ok := b.phantom[name]; ok {
		return child, nil
	}
	child := b.ns.newChildBuilder(b, name, segstore.RecordID{}, false)
	if b.phantom == nil {
		b.phantom = map[string]*NodeBuilder{}
	}
	b.phantom[name] = child
	return child, nil
}

// SetChildNode replaces (or creates) a child with a fresh, empty node.
func (b *NodeBuilder) SetChildNode(name string) (*NodeBuilder, error) {
	if err := b.ensureLoaded(); err != nil {
		return nil, err
	}
	child := b.ns.newChildBuilder(b, name, segstore.RecordID{}, false)
	b.children[name] = child
	delete(b.phantom, name)
	b.markDirty()
	child.markDirty()
	return child, nil
}

// RemoveChildNode removes a child, a no-op if it doesn't exist.
func (b *NodeBuilder) RemoveChildNode(name string) error {
	if err := b.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := b.phantom[name]; ok {
		delete(b.phantom, name)
	}
	if _, ok := b.children[name]; !ok {
		return nil
	}
	delete(b.children, name)
	b.markDirty()
	return nil
}

// ChildNodeNames lists every real (non-phantom) child, alphabetically.
func (b *NodeBuilder) ChildNodeNames() ([]string, error) {
	if err := b.ensureLoaded(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(b.children))
	for n := range b.children {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Build flushes the builder's staged content into new records through
// pool, returning the NODE record id. A clean builder (nothing staged
// since it was loaded) returns its base record id unchanged rather than
// rewriting identical content, which is what gives checkpoints and
// unmodified subtrees structural sharing with whatever they started
// from. Mirrors the fetch-builder-per-write pattern GC's copy* family
// uses against the same WriterPool.
func (b *NodeBuilder) Build(pool *WriterPool, key writerKey) (segstore.RecordID, error) {
	if !b.dirty {
		if b.hasBase {
			return b.baseRef, nil
		}
		return segstore.RecordID{}, errors.New("cannot build a node that was never set")
	}

	names, err := b.PropertyNames()
	if err != nil {
		return segstore.RecordID{}, err
	}

	propTypes := make([]PropertyType, len(names))
	propRefs := make([]segstore.RecordID, len(names))
	for i, name := range names {
		p := b.properties[name]
		propTypes[i] = PropertyType{Value: p.scalarType(), IsString: p.isString, Multiple: p.multiple}

		var refs []segstore.RecordID
		switch {
		case len(p.blobRefs) > 0:
			refs = p.blobRefs

		case p.isString:
			for _, s := range p.strs {
				builder, selfID, err := pool.Builder(key)
				if err != nil {
					return segstore.RecordID{}, err
				}
				off, err := WriteSizedBytes(builder, selfID, []byte(s))
				if err != nil {
					return segstore.RecordID{}, err
				}
				ref, err := segstore.NewRecordID(selfID, off)
				if err != nil {
					return segstore.RecordID{}, err
				}
				refs = append(refs, ref)
			}

		default:
			for _, v := range p.scalars {
				builder, selfID, err := pool.Builder(key)
				if err != nil {
					return segstore.RecordID{}, err
				}
				off, err := WriteValue(builder, selfID, v)
				if err != nil {
					return segstore.RecordID{}, err
				}
				ref, err := segstore.NewRecordID(selfID, off)
				if err != nil {
					return segstore.RecordID{}, err
				}
				refs = append(refs, ref)
			}
		}

		builder, selfID, err := pool.Builder(key)
		if err != nil {
			return segstore.RecordID{}, err
		}
		off, err := WriteProperty(builder, selfID, p.isString, p.multiple, refs)
		if err != nil {
			return segstore.RecordID{}, err
		}
		propRefs[i], err = segstore.NewRecordID(selfID, off)
		if err != nil {
			return segstore.RecordID{}, err
		}
	}

	var childrenRef *segstore.RecordID
	if len(b.children) > 0 {
		childMap := make(map[string]segstore.RecordID, len(b.children))
		for name, child := range b.children {
			ref, err := child.Build(pool, key)
			if err != nil {
				return segstore.RecordID{}, err
			}
			childMap[name] = ref
		}
		builder, selfID, err := pool.Builder(key)
		if err != nil {
			return segstore.RecordID{}, err
		}
		off, err := WriteMap(builder, selfID, childMap)
		if err != nil {
			return segstore.RecordID{}, err
		}
		ref, err := segstore.NewRecordID(selfID, off)
		if err != nil {
			return segstore.RecordID{}, err
		}
		childrenRef = &ref
	}

	templateRef, err := pool.InternTemplate(key, Template{
		PrimaryType:   b.primaryType,
		MixinTypes:    b.mixinTypes,
		PropertyNames: names,
		PropertyTypes: propTypes,
		HasChildren:   childrenRef != nil,
	})
	if err != nil {
		return segstore.RecordID{}, err
	}

	nodeBuilder, nodeSelfID, err := pool.Builder(key)
	if err != nil {
		return segstore.RecordID{}, err
	}
	nodeOff, err := WriteNode(nodeBuilder, nodeSelfID, templateRef, propRefs, childrenRef)
	if err != nil {
		return segstore.RecordID{}, err
	}
	ref, err := segstore.NewRecordID(nodeSelfID, nodeOff)
	if err != nil {
		return segstore.RecordID{}, err
	}

	b.baseRef = ref
	b.hasBase = true
	b.dirty = false
	return ref, nil
}
