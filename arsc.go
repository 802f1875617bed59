package apkdecode

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unsafe"

	"github.com/binlab/apkdecode/logx"
)

const (
	typeFlagSparse   = 0x01
	typeFlagOffset16 = 0x02

	entryFlagComplex = 0x0001
	entryFlagPublic  = 0x0002
	entryFlagWeak    = 0x0004

	entryOffsetAbsent = 0xffffffff
)

// ComplexValue is the placeholder decoding of a FLAG_COMPLEX resource
// entry (a style/map/array). Rendering the referenced key-value pairs
// into a usable structure is out of scope; we keep enough to report that
// the entry exists and is complex, rather than silently dropping it.
type ComplexValue struct {
	ParentRef uint32
	Count     uint32
}

// ResourceValue is a single decoded value cell: either a TypedValue or a
// ComplexValue placeholder.
type ResourceValue struct {
	Typed   TypedValue
	Complex *ComplexValue

	strings *stringPool // the table's own global string pool
	log     logx.Logger
}

// String renders the value as the platform would display it: the
// referenced string for AttrTypeString, a formatted literal for
// primitive types, and an error for complex entries, which have no
// single string form.
func (v ResourceValue) String() (string, error) {
	if v.Complex != nil {
		return "", fmt.Errorf("apkdecode: complex resource value has no string form")
	}
	switch v.Typed.Type {
	case AttrTypeString:
		if v.strings == nil {
			return "", fmt.Errorf("apkdecode: string value with no string pool attached")
		}
		return v.strings.get(v.Typed.Data), nil
	case AttrTypeIntBool:
		return strconv.FormatBool(v.Typed.Data != 0), nil
	case AttrTypeIntHex:
		return fmt.Sprintf("0x%x", v.Typed.Data), nil
	case AttrTypeFloat:
		data := v.Typed.Data
		f := *(*float32)(unsafe.Pointer(&data))
		return strconv.FormatFloat(float64(f), 'g', -1, 32), nil
	case AttrTypeReference:
		return fmt.Sprintf("@%x", v.Typed.Data), nil
	default:
		if v.Typed.Type > 0x1f {
			log := v.log
			if log == nil {
				log = logx.Noop
			}
			log.Logf(logx.Warn, "unrecognized data_type 0x%02x, returning null", v.Typed.Type)
			return "", nil
		}
		return strconv.FormatInt(int64(int32(v.Typed.Data)), 10), nil
	}
}

// ResourceEntry is one configuration-specific value of a resource, with
// its symbolic key name (e.g. "ic_launcher") from the owning package's
// key string pool.
type ResourceEntry struct {
	Key      string
	Value    ResourceValue
	Public   bool
	Weak     bool
	TypeID   uint8
	EntryIdx uint16
}

type typeSpec struct {
	id         uint8
	entryFlags []uint32
}

type typeTable struct {
	id      uint8
	entries []*ResourceEntry // nil where absent; indexed by entry index within this config
}

type resPackage struct {
	id          uint32
	name        string
	typeStrings stringPool
	keyStrings  stringPool
	specs       map[uint8]*typeSpec
	types       map[uint8][]*typeTable // one *typeTable per configuration seen, in parse order
	log         logx.Logger
}

// ResourceTable is the decoded compiled resource table (resources.arsc).
// Locale-aware configuration filtering is out of scope: Lookup returns
// every configuration variant of a resource ID, in the order they were
// encountered, and leaves config selection to the caller.
type ResourceTable struct {
	strings      stringPool
	packages     map[uint32]*resPackage
	packageOrder []uint32
	log          logx.Logger
}

// ParseResourceTable decodes a resources.arsc stream.
func ParseResourceTable(r io.Reader, log logx.Logger) (*ResourceTable, error) {
	if log == nil {
		log = logx.Noop
	}

	h, err := parseChunkHeader(r)
	if err != nil {
		return nil, err
	}
	if h.chunkType != resTableType {
		return nil, fmt.Errorf("apkdecode: expected table chunk, got 0x%04x", h.chunkType)
	}

	var packageCount uint32
	if err := binary.Read(r, binary.LittleEndian, &packageCount); err != nil {
		return nil, fmt.Errorf("reading package_count: %w", err)
	}

	// The header may carry padding beyond the fields we know about;
	// resync to header_size before reading the first child chunk.
	if extra := int64(h.headerSize) - chunkHeaderSize - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, extra); err != nil {
			return nil, err
		}
	}

	t := &ResourceTable{
		packages: make(map[uint32]*resPackage),
		log:      log,
	}

	remaining := int64(h.totalSize) - int64(h.headerSize)
	for consumed := int64(0); consumed < remaining; {
		ch, err := parseChunkHeader(r)
		if err != nil {
			return nil, fmt.Errorf("table child chunk: %w", err)
		}
		consumed += int64(ch.totalSize)

		lm := &io.LimitedReader{R: r, N: int64(ch.totalSize) - chunkHeaderSize}

		switch ch.chunkType {
		case resStringPoolType:
			t.strings, err = parseStringPool(lm, false, log)
		case resTablePackage:
			err = t.parsePackage(lm, ch.headerSize)
		default:
			log.Logf(logx.Warn, "resource table: skipping unknown chunk 0x%04x", ch.chunkType)
			_, err = io.Copy(io.Discard, lm)
		}
		if err != nil {
			return nil, fmt.Errorf("chunk 0x%04x: %w", ch.chunkType, err)
		}
		if _, err := io.Copy(io.Discard, lm); err != nil {
			return nil, err
		}

		if padded := align4(consumed); padded != consumed {
			if _, err := io.CopyN(io.Discard, r, padded-consumed); err != nil {
				return nil, fmt.Errorf("realigning after chunk 0x%04x: %w", ch.chunkType, err)
			}
			consumed = padded
		}
	}

	return t, nil
}

func (t *ResourceTable) parsePackage(r *io.LimitedReader, headerSize uint16) error {
	var id uint32
	if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
		return err
	}

	nameBuf := make([]byte, 256)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return fmt.Errorf("reading package name: %w", err)
	}
	name := utf16zBytesToString(nameBuf)

	var typeStrOffset, lastPublicType, keyStrOffset, lastPublicKey, typeIDOffset uint32
	for _, dst := range []*uint32{&typeStrOffset, &lastPublicType, &keyStrOffset, &lastPublicKey} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return err
		}
	}

	// typeIdOffset was added in a later platform revision; only present
	// if the header reserved room for it.
	consumed := int64(4 + 256 + 4*4)
	if int64(headerSize)-chunkHeaderSize-consumed >= 4 {
		if err := binary.Read(r, binary.LittleEndian, &typeIDOffset); err != nil {
			return err
		}
		consumed += 4
	}
	if extra := int64(headerSize) - chunkHeaderSize - consumed; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, extra); err != nil {
			return err
		}
	}
	_ = typeIDOffset
	_ = lastPublicType
	_ = lastPublicKey

	pkg := &resPackage{
		id:    id,
		name:  name,
		specs: make(map[uint8]*typeSpec),
		types: make(map[uint8][]*typeTable),
		log:   t.log,
	}

	startN := r.N
	for r.N > 0 {
		ch, err := parseChunkHeader(r)
		if err != nil {
			return fmt.Errorf("package child chunk: %w", err)
		}
		lm := &io.LimitedReader{R: r, N: int64(ch.totalSize) - chunkHeaderSize}

		switch ch.chunkType {
		case resStringPoolType:
			// The same stream carries two string pools back to back
			// (type names then key names); tell them apart by order: the
			// first one seen is the type-name pool.
			if pkg.typeStrings.isEmpty() {
				pkg.typeStrings, err = parseStringPool(lm, true, t.log)
			} else {
				pkg.keyStrings, err = parseStringPool(lm, true, t.log)
			}
		case resTableTypeSpec:
			err = pkg.parseTypeSpec(lm)
		case resTableTypeType:
			err = pkg.parseTypeTable(lm, ch.headerSize, &t.strings)
		case resTableLibrary:
			t.log.Logf(logx.Debug, "package %q: skipping library chunk", name)
			_, err = io.Copy(io.Discard, lm)
		default:
			t.log.Logf(logx.Warn, "package %q: skipping unknown chunk 0x%04x", name, ch.chunkType)
			_, err = io.Copy(io.Discard, lm)
		}
		if err != nil {
			return fmt.Errorf("package %q, chunk 0x%04x: %w", name, ch.chunkType, err)
		}
		if _, err := io.Copy(io.Discard, lm); err != nil {
			return err
		}

		if consumed := startN - r.N; consumed != align4(consumed) {
			skip := align4(consumed) - consumed
			if skip > r.N {
				skip = r.N
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return fmt.Errorf("realigning after chunk 0x%04x: %w", ch.chunkType, err)
			}
		}
	}

	// First-registered-wins: some samples duplicate a package id as an
	// anti-analysis trick. The platform loader keeps the first.
	if _, exists := t.packages[id]; !exists {
		t.packages[id] = pkg
		t.packageOrder = append(t.packageOrder, id)
	}
	return nil
}

func utf16zBytesToString(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i : i+2])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	var sb strings.Builder
	for _, u := range units {
		sb.WriteRune(rune(u))
	}
	return sb.String()
}

func (p *resPackage) parseTypeSpec(r *io.LimitedReader) error {
	var id, res0 uint8
	var res1 uint16
	var entryCount uint32
	if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &res0); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &res1); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &entryCount); err != nil {
		return err
	}

	flags := make([]uint32, entryCount)
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return fmt.Errorf("reading type spec flags: %w", err)
	}

	p.specs[id] = &typeSpec{id: id, entryFlags: flags}
	return nil
}

func (p *resPackage) parseTypeTable(r *io.LimitedReader, headerSize uint16, globalStrings *stringPool) error {
	var id, flags uint8
	var reserved uint16
	var entryCount, entriesStart uint32
	if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &reserved); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &entryCount); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &entriesStart); err != nil {
		return err
	}

	var configSize uint32
	if err := binary.Read(r, binary.LittleEndian, &configSize); err != nil {
		return err
	}
	if configSize < 4 {
		return fmt.Errorf("apkdecode: implausible config size %d", configSize)
	}
	if _, err := io.CopyN(io.Discard, r, int64(configSize)-4); err != nil {
		return fmt.Errorf("reading config block: %w", err)
	}

	consumed := int64(1 + 1 + 2 + 4 + 4 + configSize)
	if extra := int64(headerSize) - chunkHeaderSize - consumed; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, extra); err != nil {
			return err
		}
	}

	tbl := &typeTable{id: id, entries: make([]*ResourceEntry, entryCount)}

	offsets := make([]uint32, entryCount)

	switch {
	case flags == typeFlagSparse:
		// ResTable_sparseTypeEntry: {idx uint16, offset uint16}, offset
		// in units of 4 bytes. Absent indices are simply not listed, so
		// every slot starts absent and only entries we actually read
		// flip to present. Offset 0 is a legitimate first-entry offset,
		// not a sentinel, so presence can't be inferred from the value.
		for i := range offsets {
			offsets[i] = entryOffsetAbsent
		}
		for i := uint32(0); i < entryCount; i++ {
			var idx, off uint16
			if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
				return err
			}
			if err := binary.Read(r, binary.LittleEndian, &off); err != nil {
				return err
			}
			if uint32(idx) < entryCount {
				offsets[idx] = uint32(off) * 4
			}
		}
	case flags&typeFlagOffset16 != 0:
		return fmt.Errorf("%w: 16-bit offset type tables are not supported", ErrUnsupportedEntryEncoding)
	case flags == 0:
		if err := binary.Read(r, binary.LittleEndian, &offsets); err != nil {
			return fmt.Errorf("reading dense entry offsets: %w", err)
		}
	default:
		return fmt.Errorf("%w: type table flags 0x%02x", ErrUnsupportedEntryEncoding, flags)
	}

	entriesBlob, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading entries blob: %w", err)
	}

	for i, off := range offsets {
		if off == entryOffsetAbsent {
			continue
		}
		if int64(off) >= int64(len(entriesBlob)) {
			continue
		}
		entry, err := p.decodeEntry(entriesBlob[off:], id, uint16(i), globalStrings)
		if err != nil {
			continue
		}
		tbl.entries[i] = entry
	}

	p.types[id] = append(p.types[id], tbl)
	return nil
}

func (p *resPackage) decodeEntry(b []byte, typeID uint8, entryIdx uint16, globalStrings *stringPool) (*ResourceEntry, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("apkdecode: truncated resource entry")
	}
	size := binary.LittleEndian.Uint16(b[0:2])
	flags := binary.LittleEndian.Uint16(b[2:4])
	keyIdx := binary.LittleEndian.Uint32(b[4:8])

	entry := &ResourceEntry{
		Key:      p.keyStrings.get(keyIdx),
		Public:   flags&entryFlagPublic != 0,
		Weak:     flags&entryFlagWeak != 0,
		TypeID:   typeID,
		EntryIdx: entryIdx,
	}

	rest := b[size:]

	if flags&entryFlagComplex != 0 {
		if len(rest) < 8 {
			return nil, fmt.Errorf("apkdecode: truncated complex entry")
		}
		parentRef := binary.LittleEndian.Uint32(rest[0:4])
		count := binary.LittleEndian.Uint32(rest[4:8])
		entry.Value = ResourceValue{Complex: &ComplexValue{ParentRef: parentRef, Count: count}}
		return entry, nil
	}

	if len(rest) < 8 {
		return nil, fmt.Errorf("apkdecode: truncated simple entry value")
	}
	tv := TypedValue{
		Size: binary.LittleEndian.Uint16(rest[0:2]),
		Res0: rest[2],
		Type: AttrType(rest[3]),
		Data: binary.LittleEndian.Uint32(rest[4:8]),
	}
	entry.Value = ResourceValue{Typed: tv, strings: globalStrings, log: p.log}
	return entry, nil
}

// Lookup decomposes resID as (package_id<<24)|(type_id<<16)|entry_index
// and returns every configuration variant on record for it, in parse
// order.
func (t *ResourceTable) Lookup(resID uint32) ([]*ResourceEntry, bool) {
	pkgID := (resID >> 24) & 0xff
	typeID := uint8((resID >> 16) & 0xff)
	entryIdx := resID & 0xffff

	pkg, ok := t.packages[pkgID]
	if !ok {
		return nil, false
	}
	tables := pkg.types[typeID]
	var out []*ResourceEntry
	for _, tbl := range tables {
		if int(entryIdx) < len(tbl.entries) && tbl.entries[entryIdx] != nil {
			out = append(out, tbl.entries[entryIdx])
		}
	}
	return out, len(out) > 0
}

// GetResourceEntry returns the first configuration variant on record for
// resID (parse order; no locale-aware selection, see the non-goal in the
// design notes).
func (t *ResourceTable) GetResourceEntry(resID uint32) (*ResourceEntry, error) {
	entries, ok := t.Lookup(resID)
	if !ok {
		return nil, fmt.Errorf("apkdecode: resource 0x%08x not found", resID)
	}
	return entries[0], nil
}

// GetIconPNG returns the variant of resID whose value renders as a path
// ending in ".png", preferring it over an adaptive-icon XML entry that
// points at the same resource ID. Falls back to the first variant.
func (t *ResourceTable) GetIconPNG(resID uint32) (*ResourceEntry, error) {
	entries, ok := t.Lookup(resID)
	if !ok {
		return nil, fmt.Errorf("apkdecode: resource 0x%08x not found", resID)
	}
	for _, e := range entries {
		if s, err := e.Value.String(); err == nil && strings.HasSuffix(strings.ToLower(s), ".png") {
			return e, nil
		}
	}
	return entries[0], nil
}
