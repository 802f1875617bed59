package apkdecode

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// packageNameUTF16 builds the fixed 256-byte UTF-16LE, NUL-padded package
// name field of a RES_TABLE_PACKAGE_TYPE chunk.
func packageNameUTF16(t *testing.T, name string) []byte {
	t.Helper()
	buf := make([]byte, 256)
	for i, r := range name {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(r))
	}
	return buf
}

// buildResourceTable assembles a minimal resources.arsc with one package,
// one dense type table, and a single string-typed entry.
func buildResourceTable(t *testing.T) []byte {
	t.Helper()

	globalStrings := chunk(t, resStringPoolType, buildStringPool(t, true, []string{"MyApp"}))
	typeStrings := chunk(t, resStringPoolType, buildStringPool(t, true, []string{"string"}))
	keyStrings := chunk(t, resStringPoolType, buildStringPool(t, true, []string{"app_name"}))

	var entryBody bytes.Buffer
	binary.Write(&entryBody, binary.LittleEndian, uint16(8)) // entry header size
	binary.Write(&entryBody, binary.LittleEndian, uint16(0)) // flags: simple
	binary.Write(&entryBody, binary.LittleEndian, uint32(0)) // key idx: "app_name"
	binary.Write(&entryBody, binary.LittleEndian, uint16(8)) // typed value size
	entryBody.WriteByte(0)                                   // res0
	entryBody.WriteByte(byte(AttrTypeString))
	binary.Write(&entryBody, binary.LittleEndian, uint32(0)) // data: global string idx 0 ("MyApp")

	var typeBody bytes.Buffer
	typeBody.WriteByte(1) // type id
	typeBody.WriteByte(0) // flags: dense
	binary.Write(&typeBody, binary.LittleEndian, uint16(0)) // reserved
	binary.Write(&typeBody, binary.LittleEndian, uint32(1)) // entry count
	binary.Write(&typeBody, binary.LittleEndian, uint32(0)) // entries start (unused by our decoder)
	binary.Write(&typeBody, binary.LittleEndian, uint32(4)) // config size: empty config
	binary.Write(&typeBody, binary.LittleEndian, uint32(0)) // entry offset: 0
	typeBody.Write(entryBody.Bytes())
	typeTableChunk := chunk(t, resTableTypeType, typeBody.Bytes())

	var pkgBody bytes.Buffer
	binary.Write(&pkgBody, binary.LittleEndian, uint32(1)) // package id
	pkgBody.Write(packageNameUTF16(t, "com.example.test"))
	binary.Write(&pkgBody, binary.LittleEndian, uint32(0)) // type strings offset (unused)
	binary.Write(&pkgBody, binary.LittleEndian, uint32(0)) // last public type
	binary.Write(&pkgBody, binary.LittleEndian, uint32(0)) // key strings offset (unused)
	binary.Write(&pkgBody, binary.LittleEndian, uint32(0)) // last public key
	pkgBody.Write(typeStrings)
	pkgBody.Write(keyStrings)
	pkgBody.Write(typeTableChunk)

	pkgHeaderSize := 8 + 4 + 256 + 4*4
	var pkgChunk bytes.Buffer
	binary.Write(&pkgChunk, binary.LittleEndian, uint16(resTablePackage))
	binary.Write(&pkgChunk, binary.LittleEndian, uint16(pkgHeaderSize))
	binary.Write(&pkgChunk, binary.LittleEndian, uint32(8+pkgBody.Len()))
	pkgChunk.Write(pkgBody.Bytes())

	var tableBody bytes.Buffer
	binary.Write(&tableBody, binary.LittleEndian, uint32(1)) // package count
	tableBody.Write(globalStrings)
	tableBody.Write(pkgChunk.Bytes())

	var table bytes.Buffer
	binary.Write(&table, binary.LittleEndian, uint16(resTableType))
	binary.Write(&table, binary.LittleEndian, uint16(12)) // chunk header + package_count
	binary.Write(&table, binary.LittleEndian, uint32(8+tableBody.Len()))
	table.Write(tableBody.Bytes())

	return table.Bytes()
}

func TestParseResourceTableLookup(t *testing.T) {
	data := buildResourceTable(t)

	rt, err := ParseResourceTable(bytes.NewReader(data), nil)
	require.NoError(t, err)

	const resID = uint32(1)<<24 | uint32(1)<<16 | 0
	entry, err := rt.GetResourceEntry(resID)
	require.NoError(t, err)
	require.Equal(t, "app_name", entry.Key)

	s, err := entry.Value.String()
	require.NoError(t, err)
	require.Equal(t, "MyApp", s)
}

func TestParseResourceTableLookupMissingReturnsError(t *testing.T) {
	data := buildResourceTable(t)
	rt, err := ParseResourceTable(bytes.NewReader(data), nil)
	require.NoError(t, err)

	_, err = rt.GetResourceEntry(0x7f0a0000)
	require.Error(t, err)
}
