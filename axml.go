package apkdecode

import (
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unsafe"

	"github.com/binlab/apkdecode/logx"
)

// resAttr is the on-wire layout of a single XML attribute record, as it
// trails a start-element (chunkXmlTagStart) chunk.
type resAttr struct {
	NamespaceID uint32
	NameIdx     uint32
	RawValueIdx uint32
	Value       TypedValue
}

// Node is one element of the decoded AXML tree. Namespaces are resolved
// at decode time, so by the time a caller sees a Node its Name.Space is
// already a fully resolved URI (or "" if none applied).
type Node struct {
	Name     xml.Name
	Attrs    []xml.Attr
	Children []*Node
	Text     string
}

// Attr looks up an attribute by local name, ignoring namespace. Manifest
// attributes almost always live in the android: namespace and callers
// rarely need to distinguish that from an absent namespace.
func (n *Node) Attr(local string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

// Find returns the first descendant (depth-first, including n itself)
// whose tag matches name.
func (n *Node) Find(name string) *Node {
	if n.Name.Local == name {
		return n
	}
	for _, c := range n.Children {
		if f := c.Find(name); f != nil {
			return f
		}
	}
	return nil
}

// FindAll returns every descendant (including n itself) whose tag
// matches name, in document order.
func (n *Node) FindAll(name string) []*Node {
	var out []*Node
	if n.Name.Local == name {
		out = append(out, n)
	}
	for _, c := range n.Children {
		out = append(out, c.FindAll(name)...)
	}
	return out
}

// axmlParser holds the state threaded through a single manifest decode.
type axmlParser struct {
	strings     stringPool
	resourceIds []uint32
	res         *ResourceTable
	log         logx.Logger

	root  *Node
	stack []*Node // nil entries mark an element whose tag resolved to "" and was suppressed
}

// DecodeAxml parses a binary AndroidManifest.xml (or any other AXML
// document, such as a layout) into a Node tree. resources is optional;
// when supplied, reference-typed attribute values (e.g. @drawable/icon)
// are resolved against it instead of being left as a raw "@hex" string.
func DecodeAxml(r io.Reader, resources *ResourceTable, log logx.Logger) (*Node, error) {
	if log == nil {
		log = logx.Noop
	}

	h, err := parseChunkHeader(r)
	if err != nil {
		return nil, err
	}

	if looksLikePlainXML(h) {
		return nil, ErrPlainTextManifest
	}

	x := &axmlParser{res: resources, log: log}

	remaining := h.totalSize - chunkHeaderSize
	var lastID uint16
	for consumed := uint32(0); consumed < remaining; {
		ch, err := parseChunkHeader(r)
		if err != nil {
			return nil, fmt.Errorf("chunk at 0x%x of 0x%x (after 0x%04x): %w", consumed, remaining, lastID, err)
		}
		lastID = ch.chunkType
		consumed += ch.totalSize

		lm := &io.LimitedReader{R: r, N: int64(ch.totalSize) - chunkHeaderSize}

		switch ch.chunkType {
		case resStringPoolType:
			x.strings, err = parseStringPool(lm, false, log)
		case resXmlResourceMap:
			err = x.parseResourceIds(lm)
		default:
			if ch.chunkType&chunkMaskXml == 0 {
				log.Logf(logx.Warn, "unknown chunk id 0x%04x, skipping", ch.chunkType)
				_, err = io.Copy(io.Discard, lm)
			} else if _, err = io.CopyN(io.Discard, lm, 2*4); err == nil { // line number + a reserved 0xFFFFFFFF
				switch ch.chunkType {
				case chunkXmlNsStart:
					err = x.parseNsStart(lm)
				case chunkXmlNsEnd:
					err = x.parseNsEnd(lm)
				case chunkXmlTagStart:
					err = x.parseTagStart(lm)
				case chunkXmlTagEnd:
					err = x.parseTagEnd(lm)
				case chunkXmlText:
					err = x.parseText(lm)
				default:
					log.Logf(logx.Warn, "unknown xml chunk id 0x%04x, skipping", ch.chunkType)
					_, err = io.Copy(io.Discard, lm)
				}
			}
		}

		if err != nil {
			return nil, fmt.Errorf("chunk 0x%04x: %w", ch.chunkType, err)
		}
		if lm.N != 0 {
			return nil, fmt.Errorf("chunk 0x%04x: %d trailing bytes not consumed", ch.chunkType, lm.N)
		}

		// Some anti-analysis samples pad a chunk's total_size to
		// something not a multiple of 4; realign to the platform
		// loader's tolerance rather than assume total_size already did.
		if padded := align4(int64(consumed)); padded != int64(consumed) {
			if _, err := io.CopyN(io.Discard, r, padded-int64(consumed)); err != nil {
				return nil, fmt.Errorf("realigning after chunk 0x%04x: %w", ch.chunkType, err)
			}
			consumed = uint32(padded)
		}
	}

	if x.root == nil {
		return nil, fmt.Errorf("apkdecode: manifest has no root element")
	}
	return x.root, nil
}

// looksLikePlainXML mirrors the check the platform loader itself makes:
// treat the eight chunk header bytes as text and see if they spell out an
// XML prolog or the start of a <manifest> tag, which happens on some
// samples that ship a plaintext manifest instead of the compiled form.
func looksLikePlainXML(h chunkHeader) bool {
	if h.chunkType&0xff != '<' {
		return false
	}
	var buf [8]byte
	binary.LittleEndian.PutUint16(buf[0:2], h.chunkType)
	binary.LittleEndian.PutUint16(buf[2:4], h.headerSize)
	binary.LittleEndian.PutUint32(buf[4:8], h.totalSize)
	s := string(buf[:])
	return strings.HasPrefix(s, "<?xml ") || strings.HasPrefix(s, "<manif")
}

func (x *axmlParser) parseResourceIds(r *io.LimitedReader) error {
	if r.N%4 != 0 {
		return fmt.Errorf("resource id table size %d is not a multiple of 4", r.N)
	}
	count := r.N / 4
	x.resourceIds = make([]uint32, 0, count)
	for i := int64(0); i < count; i++ {
		var id uint32
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return err
		}
		x.resourceIds = append(x.resourceIds, id)
	}
	return nil
}

func (x *axmlParser) parseNsStart(r *io.LimitedReader) error {
	return discardU32Pair(r)
}

func (x *axmlParser) parseNsEnd(r *io.LimitedReader) error {
	return discardU32Pair(r)
}

func discardU32Pair(r *io.LimitedReader) error {
	_, err := io.CopyN(io.Discard, r, 2*4)
	return err
}

func (x *axmlParser) parseTagStart(r *io.LimitedReader) error {
	var namespaceIdx, nameIdx uint32
	var attrStart, attrSize, attrCount uint16

	for _, dst := range []any{&namespaceIdx, &nameIdx, &attrStart, &attrSize, &attrCount} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return fmt.Errorf("reading element header: %w", err)
		}
	}
	if _, err := io.CopyN(io.Discard, r, 2*3); err != nil { // idIndex, classIndex, styleIndex
		return err
	}

	namespace := x.strings.get(namespaceIdx)
	name := x.strings.get(nameIdx)

	node := &Node{Name: xml.Name{Local: name, Space: namespace}}

	for i := uint16(0); i < attrCount; i++ {
		var attr resAttr
		if err := binary.Read(r, binary.LittleEndian, &attr.NamespaceID); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &attr.NameIdx); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &attr.RawValueIdx); err != nil {
			return err
		}
		tv, err := readTypedValue(r)
		if err != nil {
			return err
		}
		attr.Value = tv

		if extra := int64(attrSize) - 20; extra > 0 {
			if _, err := io.CopyN(io.Discard, r, extra); err != nil {
				return err
			}
		}

		xmlAttr := x.resolveAttr(name, attr)
		node.Attrs = append(node.Attrs, xmlAttr)
	}

	if name == "" {
		// Anti-analysis defense: some packers plant elements whose name
		// resolves to the empty string to break tools that don't expect
		// it. Android's own parser skips them; we splice their children
		// into the enclosing element instead of dropping the subtree.
		x.stack = append(x.stack, nil)
		return nil
	}

	if parent := x.topNode(); parent != nil {
		parent.Children = append(parent.Children, node)
	} else if x.root == nil {
		x.root = node
	}

	x.stack = append(x.stack, node)
	return nil
}

// topNode returns the nearest non-suppressed ancestor on the stack, or
// nil if every enclosing element so far was suppressed.
func (x *axmlParser) topNode() *Node {
	for i := len(x.stack) - 1; i >= 0; i-- {
		if x.stack[i] != nil {
			return x.stack[i]
		}
	}
	return nil
}

func (x *axmlParser) resolveAttr(elemName string, attr resAttr) xml.Attr {
	// Android resolves attributes by resource ID first (see
	// frameworks/base/core/jni/android_util_AssetManager.cpp); the name
	// string is mostly there for obfuscated samples that strip the ID
	// table. The "package" attribute on <manifest>, and the
	// platformBuildVersion* meta attributes, are the opposite: Android
	// never looks them up by ID, only by name.
	var attrName string
	if attr.NameIdx < uint32(len(x.resourceIds)) {
		attrName = getAttributeName(x.resourceIds[attr.NameIdx])
	}

	fromStrings := x.strings.get(attr.NameIdx)
	if attrName == "" || elemName == "manifest" {
		if attrName == "" || fromStrings == "package" || strings.HasPrefix(fromStrings, "platformBuildVersion") {
			attrName = fromStrings
		}
	}
	if attrName == "" {
		attrName = fromStrings
	}

	attrNamespace := x.strings.get(attr.NamespaceID)
	if attrNamespace == "" && attrName != fromStrings {
		// A resource ID was used to resolve the name, so Android treats
		// it as implicitly namespaced to android: regardless of what
		// the wire namespace index said.
		attrNamespace = androidNamespace
	}

	result := xml.Attr{Name: xml.Name{Local: attrName, Space: attrNamespace}}
	result.Value = x.formatAttrValue(attrName, attr)
	return result
}

const androidNamespace = "http://schemas.android.com/apk/res/android"

func (x *axmlParser) formatAttrValue(attrName string, attr resAttr) string {
	switch attr.Value.Type {
	case AttrTypeString:
		return x.strings.get(attr.RawValueIdx)
	case AttrTypeIntBool:
		return strconv.FormatBool(attr.Value.Data != 0)
	case AttrTypeIntHex:
		return fmt.Sprintf("0x%x", attr.Value.Data)
	case AttrTypeFloat:
		data := attr.Value.Data
		val := *(*float32)(unsafe.Pointer(&data))
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case AttrTypeReference:
		return x.formatReference(attrName, attr.Value.Data)
	default:
		if attr.Value.Type > 0x1f {
			x.log.Logf(logx.Warn, "attribute %q: unrecognized data_type 0x%02x, returning null", attrName, attr.Value.Type)
			return ""
		}
		return strconv.FormatInt(int64(int32(attr.Value.Data)), 10)
	}
}

func (x *axmlParser) formatReference(attrName string, resID uint32) string {
	if x.res != nil {
		var entry *ResourceEntry
		var err error
		if attrName == "icon" || attrName == "roundIcon" {
			entry, err = x.res.GetIconPNG(resID)
		} else {
			entry, err = x.res.GetResourceEntry(resID)
		}
		if err == nil && entry != nil {
			if s, err := entry.Value.String(); err == nil {
				return s
			}
		}
	}
	return fmt.Sprintf("@%x", resID)
}

func (x *axmlParser) parseTagEnd(r *io.LimitedReader) error {
	if _, err := io.CopyN(io.Discard, r, 4); err != nil { // namespace idx
		return err
	}
	var nameIdx uint32
	if err := binary.Read(r, binary.LittleEndian, &nameIdx); err != nil {
		return err
	}

	if len(x.stack) == 0 {
		return ErrUnmatchedEndTag
	}
	// The end tag must name the element it closes, unless it closes the
	// outermost open element or names the root. Suppressed elements
	// (nil entries) have no name to compare against.
	if top := x.stack[len(x.stack)-1]; top != nil && len(x.stack) > 1 {
		name := x.strings.get(nameIdx)
		if name != top.Name.Local && name != x.root.Name.Local {
			return fmt.Errorf("%w: </%s> while <%s> is open", ErrUnmatchedEndTag, name, top.Name.Local)
		}
	}
	x.stack = x.stack[:len(x.stack)-1]
	return nil
}

func (x *axmlParser) parseText(r *io.LimitedReader) error {
	var idx uint32
	if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
		return err
	}
	if err := discardU32Pair(r); err != nil {
		return err
	}

	text := x.strings.get(idx)
	if node := x.topNode(); node != nil {
		node.Text += text
	}
	return nil
}

// Encode serializes the tree through enc, depth-first, as the
// corresponding token stream (StartElement/CharData/EndElement). This is
// how a decoded Node can be turned back into conventional encoding/xml
// output via *xml.Encoder, which satisfies ManifestEncoder.
func (n *Node) Encode(enc ManifestEncoder) error {
	start := xml.StartElement{Name: n.Name, Attr: n.Attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if n.Text != "" {
		if err := enc.EncodeToken(xml.CharData(n.Text)); err != nil {
			return err
		}
	}
	for _, c := range n.Children {
		if err := c.Encode(enc); err != nil {
			return err
		}
	}
	if err := enc.EncodeToken(xml.EndElement{Name: n.Name}); err != nil {
		return err
	}
	return enc.Flush()
}

// ParseXml decodes a binary manifest and immediately replays it through
// enc, for callers that want the old streaming-to-xml.Encoder behavior
// without holding on to the tree.
func ParseXml(r io.Reader, enc ManifestEncoder, resources *ResourceTable, log logx.Logger) error {
	root, err := DecodeAxml(r, resources, log)
	if err != nil {
		return err
	}
	return root.Encode(enc)
}
