package apkdecode

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildStringPool assembles a minimal UTF-8 or UTF-16 string pool body
// (everything after the chunk header) for the given strings.
func buildStringPool(t *testing.T, utf8 bool, strs []string) []byte {
	t.Helper()

	var data bytes.Buffer
	offsets := make([]uint32, len(strs))
	for i, s := range strs {
		offsets[i] = uint32(data.Len())
		if utf8 {
			require.Less(t, len(s), 0x80)
			data.WriteByte(byte(len(s))) // utf-16 length (unused by decoder, same here)
			data.WriteByte(byte(len(s))) // utf-8 byte length
			data.WriteString(s)
			data.WriteByte(0)
		} else {
			require.Less(t, len(s), 0x8000)
			var lenBuf [2]byte
			binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
			data.Write(lenBuf[:])
			for _, r := range s {
				var b [2]byte
				binary.LittleEndian.PutUint16(b[:], uint16(r))
				data.Write(b[:])
			}
			data.Write([]byte{0, 0})
		}
	}

	var body bytes.Buffer
	flags := uint32(0)
	if utf8 {
		flags |= stringFlagUTF8
	}
	write32 := func(v uint32) { binary.Write(&body, binary.LittleEndian, v) }
	write32(uint32(len(strs))) // string_count
	write32(0)                 // style_count
	write32(flags)
	write32(7*4 + 4*uint32(len(strs))) // strings_offset: right after the offsets table
	write32(0)                         // styles_offset

	for _, off := range offsets {
		write32(off)
	}
	body.Write(data.Bytes())

	return body.Bytes()
}

func TestStringPoolUTF8RoundTrip(t *testing.T) {
	body := buildStringPool(t, true, []string{"hello", "world", ""})

	sp, err := parseStringPool(&io.LimitedReader{R: bytes.NewReader(body), N: int64(len(body))}, false, nil)
	require.NoError(t, err)

	require.Equal(t, "hello", sp.get(0))
	require.Equal(t, "world", sp.get(1))
	require.Equal(t, "", sp.get(2))
}

func TestStringPoolUTF16RoundTrip(t *testing.T) {
	body := buildStringPool(t, false, []string{"android", "manifest"})

	sp, err := parseStringPool(&io.LimitedReader{R: bytes.NewReader(body), N: int64(len(body))}, true, nil)
	require.NoError(t, err)

	require.Equal(t, "android", sp.get(0))
	require.Equal(t, "manifest", sp.get(1))
}

func TestStringPoolOutOfRangeReturnsEmpty(t *testing.T) {
	body := buildStringPool(t, true, []string{"only"})
	sp, err := parseStringPool(&io.LimitedReader{R: bytes.NewReader(body), N: int64(len(body))}, false, nil)
	require.NoError(t, err)

	require.Equal(t, "", sp.get(5))
	require.Equal(t, "", sp.get(1<<20))
}

func TestStringPoolEagerPrecachesEverything(t *testing.T) {
	body := buildStringPool(t, true, []string{"a", "b", "c"})
	sp, err := parseStringPool(&io.LimitedReader{R: bytes.NewReader(body), N: int64(len(body))}, true, nil)
	require.NoError(t, err)

	for i := range sp.cachedOK {
		require.True(t, sp.cachedOK[i])
	}
}

func TestSanitizeReplacesInvalidUTF8(t *testing.T) {
	bad := string([]byte{0xff, 0xfe, 'a'})
	got := sanitize(bad)
	require.Contains(t, got, "a")
	require.NotEqual(t, bad, got)
}

func TestDecodeLength8LongForm(t *testing.T) {
	// 0x81 0x2c -> high bit set selects the two-byte form: (0x01<<8)|0x2c = 0x12c
	r := bytes.NewReader([]byte{0x81, 0x2c})
	n, err := decodeLength8(r)
	require.NoError(t, err)
	require.Equal(t, 0x12c, n)
}
