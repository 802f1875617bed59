package apkdecode

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// chunk wraps body in an 8-byte chunk header, padding body with zero
// bytes up to a 4-byte boundary the way real chunk producers do, so the
// decoder's post-chunk realignment doesn't eat into the next chunk's
// header when decoding hand-built fixtures.
func chunk(t *testing.T, chunkType uint16, body []byte) []byte {
	t.Helper()
	for len(body)%4 != 0 {
		body = append(body, 0)
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, chunkType)
	binary.Write(&buf, binary.LittleEndian, uint16(8))
	binary.Write(&buf, binary.LittleEndian, uint32(8+len(body)))
	buf.Write(body)
	return buf.Bytes()
}

// buildManifestAxml assembles a tiny binary manifest: a string pool, one
// <manifest package="..."> start tag with a single string-typed
// attribute, and its matching end tag. No namespaces, no resource map.
func buildManifestAxml(t *testing.T, pkg string) []byte {
	t.Helper()

	stringsBody := buildStringPool(t, true, []string{"manifest", "package", pkg})
	stringPoolChunk := chunk(t, resStringPoolType, stringsBody)

	var startBody bytes.Buffer
	binary.Write(&startBody, binary.LittleEndian, uint32(0))          // line number
	binary.Write(&startBody, binary.LittleEndian, uint32(0xFFFFFFFF)) // reserved
	binary.Write(&startBody, binary.LittleEndian, uint32(0xFFFFFFFF)) // namespace idx
	binary.Write(&startBody, binary.LittleEndian, uint32(0))          // name idx: "manifest"
	binary.Write(&startBody, binary.LittleEndian, uint16(20))         // attrStart
	binary.Write(&startBody, binary.LittleEndian, uint16(20))         // attrSize
	binary.Write(&startBody, binary.LittleEndian, uint16(1))          // attrCount
	binary.Write(&startBody, binary.LittleEndian, uint16(0))          // idIndex
	binary.Write(&startBody, binary.LittleEndian, uint16(0))          // classIndex
	binary.Write(&startBody, binary.LittleEndian, uint16(0))          // styleIndex
	// attribute: package="pkg"
	binary.Write(&startBody, binary.LittleEndian, uint32(0xFFFFFFFF)) // namespace
	binary.Write(&startBody, binary.LittleEndian, uint32(1))          // name idx: "package"
	binary.Write(&startBody, binary.LittleEndian, uint32(2))          // raw value idx: pkg string
	binary.Write(&startBody, binary.LittleEndian, uint16(8))          // typed value size
	startBody.WriteByte(0)                                            // res0
	startBody.WriteByte(byte(AttrTypeString))
	binary.Write(&startBody, binary.LittleEndian, uint32(2)) // typed value data
	tagStartChunk := chunk(t, chunkXmlTagStart, startBody.Bytes())

	var endBody bytes.Buffer
	binary.Write(&endBody, binary.LittleEndian, uint32(0))          // line number
	binary.Write(&endBody, binary.LittleEndian, uint32(0xFFFFFFFF)) // reserved
	binary.Write(&endBody, binary.LittleEndian, uint32(0xFFFFFFFF)) // namespace idx
	binary.Write(&endBody, binary.LittleEndian, uint32(0))          // name idx: "manifest"
	tagEndChunk := chunk(t, chunkXmlTagEnd, endBody.Bytes())

	body := append(append(append([]byte{}, stringPoolChunk...), tagStartChunk...), tagEndChunk...)
	return chunk(t, resXmlType, body)
}

func TestDecodeAxmlBasicManifest(t *testing.T) {
	doc := buildManifestAxml(t, "com.example.test")

	root, err := DecodeAxml(bytes.NewReader(doc), nil, nil)
	require.NoError(t, err)
	require.Equal(t, "manifest", root.Name.Local)

	v, ok := root.Attr("package")
	require.True(t, ok)
	require.Equal(t, "com.example.test", v)
}

func TestDecodeAxmlRejectsPlainText(t *testing.T) {
	_, err := DecodeAxml(bytes.NewReader([]byte("<?xml version=\"1.0\"?><manifest/>")), nil, nil)
	require.ErrorIs(t, err, ErrPlainTextManifest)
}

func TestDecodeAxmlUnmatchedEndTagIsFatal(t *testing.T) {
	// An end tag with nothing on the stack: headerSize=8, no start tag
	// precedes it.
	var endBody bytes.Buffer
	binary.Write(&endBody, binary.LittleEndian, uint32(0))
	binary.Write(&endBody, binary.LittleEndian, uint32(0xFFFFFFFF))
	binary.Write(&endBody, binary.LittleEndian, uint32(0xFFFFFFFF))
	binary.Write(&endBody, binary.LittleEndian, uint32(0xFFFFFFFF))
	tagEndChunk := chunk(t, chunkXmlTagEnd, endBody.Bytes())

	stringsBody := buildStringPool(t, true, []string{})
	stringPoolChunk := chunk(t, resStringPoolType, stringsBody)

	body := append(append([]byte{}, stringPoolChunk...), tagEndChunk...)
	doc := chunk(t, resXmlType, body)

	_, err := DecodeAxml(bytes.NewReader(doc), nil, nil)
	require.ErrorIs(t, err, ErrUnmatchedEndTag)
}
