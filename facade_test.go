package apkdecode

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

type axmlAttr struct {
	name  string
	value string
}

type axmlEvent struct {
	start bool
	name  string
	attrs []axmlAttr
}

// axmlTreeBuilder assembles a binary AXML document from a flat sequence
// of start/end tag events, auto-interning every tag name, attribute name
// and string attribute value into a single shared string pool.
type axmlTreeBuilder struct {
	strIndex map[string]uint32
	strs     []string
}

func newAxmlTreeBuilder() *axmlTreeBuilder {
	return &axmlTreeBuilder{strIndex: make(map[string]uint32)}
}

func (b *axmlTreeBuilder) intern(s string) uint32 {
	if idx, ok := b.strIndex[s]; ok {
		return idx
	}
	idx := uint32(len(b.strs))
	b.strs = append(b.strs, s)
	b.strIndex[s] = idx
	return idx
}

func (b *axmlTreeBuilder) build(t *testing.T, events []axmlEvent) []byte {
	t.Helper()

	// Pre-intern every string the events reference so the pool chunk can
	// be emitted first, matching real AXML layout.
	for _, e := range events {
		b.intern(e.name)
		for _, a := range e.attrs {
			b.intern(a.name)
			b.intern(a.value)
		}
	}

	var body bytes.Buffer
	body.Write(chunk(t, resStringPoolType, buildStringPool(t, true, b.strs)))

	for _, e := range events {
		if e.start {
			var sb bytes.Buffer
			binary.Write(&sb, binary.LittleEndian, uint32(0))          // line
			binary.Write(&sb, binary.LittleEndian, uint32(0xFFFFFFFF)) // reserved
			binary.Write(&sb, binary.LittleEndian, uint32(0xFFFFFFFF)) // namespace
			binary.Write(&sb, binary.LittleEndian, b.intern(e.name))
			binary.Write(&sb, binary.LittleEndian, uint16(20))
			binary.Write(&sb, binary.LittleEndian, uint16(20))
			binary.Write(&sb, binary.LittleEndian, uint16(len(e.attrs)))
			binary.Write(&sb, binary.LittleEndian, uint16(0))
			binary.Write(&sb, binary.LittleEndian, uint16(0))
			binary.Write(&sb, binary.LittleEndian, uint16(0))
			for _, a := range e.attrs {
				binary.Write(&sb, binary.LittleEndian, uint32(0xFFFFFFFF))
				binary.Write(&sb, binary.LittleEndian, b.intern(a.name))
				binary.Write(&sb, binary.LittleEndian, b.intern(a.value))
				binary.Write(&sb, binary.LittleEndian, uint16(8))
				sb.WriteByte(0)
				sb.WriteByte(byte(AttrTypeString))
				binary.Write(&sb, binary.LittleEndian, b.intern(a.value))
			}
			body.Write(chunk(t, chunkXmlTagStart, sb.Bytes()))
		} else {
			var eb bytes.Buffer
			binary.Write(&eb, binary.LittleEndian, uint32(0))
			binary.Write(&eb, binary.LittleEndian, uint32(0xFFFFFFFF))
			binary.Write(&eb, binary.LittleEndian, uint32(0xFFFFFFFF))
			binary.Write(&eb, binary.LittleEndian, b.intern(e.name))
			body.Write(chunk(t, chunkXmlTagEnd, eb.Bytes()))
		}
	}

	return chunk(t, resXmlType, body.Bytes())
}

func start(name string, attrs ...axmlAttr) axmlEvent { return axmlEvent{start: true, name: name, attrs: attrs} }
func end(name string) axmlEvent                      { return axmlEvent{start: false, name: name} }
func attr(name, value string) axmlAttr                { return axmlAttr{name: name, value: value} }

func buildLauncherManifest(t *testing.T, pkg string) []byte {
	t.Helper()
	b := newAxmlTreeBuilder()
	return b.build(t, []axmlEvent{
		start("manifest", attr("package", pkg), attr("versionName", "1.0"), attr("versionCode", "1")),
		start("application", attr("label", "My Application")),
		start("activity", attr("name", ".MainActivity")),
		start("intent-filter"),
		start("action", attr("name", "android.intent.action.MAIN")),
		end("action"),
		start("category", attr("name", "android.intent.category.LAUNCHER")),
		end("category"),
		end("intent-filter"),
		end("activity"),
		end("application"),
		end("manifest"),
	})
}

func buildTestApk(t *testing.T, pkg string) []byte {
	t.Helper()
	manifest := buildLauncherManifest(t, pkg)
	return buildStoredZip(t, []zipTestFile{
		{name: "AndroidManifest.xml", data: manifest},
		{name: "res/drawable/icon.png", data: []byte("fake-png-bytes")},
	})
}

func TestApkFacadeEndToEnd(t *testing.T) {
	data := buildTestApk(t, "com.example.launcher")

	a, err := OpenReader(bytes.NewReader(data), nil)
	require.NoError(t, err)
	defer a.Close()

	require.Equal(t, "com.example.launcher", a.PackageName())
	require.Equal(t, "1.0", a.VersionName())
	require.Equal(t, "My Application", a.AppName())
	require.Equal(t, "com.example.launcher.MainActivity", a.MainActivity())

	files := a.ListFiles()
	require.Contains(t, files, "AndroidManifest.xml")
	require.Contains(t, files, "res/drawable/icon.png")

	data2, err := a.ExtractFile("res/drawable/icon.png")
	require.NoError(t, err)
	require.Equal(t, "fake-png-bytes", string(data2))
}
