package apkdecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/binlab/apkdecode/logx"
)

const (
	stringFlagSorted = 0x00000001
	stringFlagUTF8   = 0x00000100
)

// stringPool decodes the shared string-pool chunk used by both AXML and
// ARSC. Strings are either UTF-8 or UTF-16LE, each prefixed by a
// variable-length length field (see spec §4.2).
//
// Out-of-range lookups return "" rather than failing: packers routinely
// plant deliberately invalid strings in entries the running app never
// touches, and a parser that aborts on them is less useful than the
// platform loader that tolerates them.
type stringPool struct {
	isUTF8  bool
	offsets []uint32
	data    []byte

	log   logx.Logger
	cache map[uint32]string // "" is a legal cached value, so presence is tracked in cachedOK
	cachedOK []bool
}

// parseStringPoolChunk reads a chunk header then delegates to parseStringPool.
func parseStringPoolChunk(r io.Reader, eager bool, log logx.Logger) (stringPool, error) {
	h, err := parseChunkHeader(r)
	if err != nil {
		return stringPool{}, err
	}
	if h.chunkType != resStringPoolType {
		return stringPool{}, fmt.Errorf("invalid chunk id 0x%04x, expected string pool", h.chunkType)
	}
	return parseStringPool(&io.LimitedReader{R: r, N: int64(h.totalSize - chunkHeaderSize)}, eager, log)
}

func parseStringPool(r *io.LimitedReader, eager bool, log logx.Logger) (stringPool, error) {
	if log == nil {
		log = logx.Noop
	}

	var sp stringPool
	sp.log = log

	var stringCnt, styleCnt, flags, stringOffset, styleOffset uint32
	if err := binary.Read(r, binary.LittleEndian, &stringCnt); err != nil {
		return sp, fmt.Errorf("reading string_count: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &styleCnt); err != nil {
		return sp, fmt.Errorf("reading style_count: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return sp, fmt.Errorf("reading flags: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &stringOffset); err != nil {
		return sp, fmt.Errorf("reading strings_offset: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &styleOffset); err != nil {
		return sp, fmt.Errorf("reading styles_offset: %w", err)
	}

	sp.isUTF8 = flags&stringFlagUTF8 != 0
	flags &^= stringFlagUTF8
	flags &^= stringFlagSorted
	if flags != 0 {
		log.Logf(logx.Warn, "string pool: unknown flag bits 0x%08x, ignoring", flags)
	}

	if stringCnt >= 2*1024*1024 {
		return sp, fmt.Errorf("too many strings in pool (%d)", stringCnt)
	}

	// remainder accounts for the style offset table sitting between the
	// string offsets and the string data blob.
	remainder := int64(stringOffset) - 7*4 - 4*int64(stringCnt)
	if remainder < 0 {
		if remainder%4 == 0 && uint32(-remainder/4) < stringCnt {
			stringCnt -= uint32(-remainder / 4)
		} else {
			return sp, fmt.Errorf("wrong string offset (remainder %d)", remainder)
		}
	}

	sp.offsets = make([]uint32, stringCnt)
	rawOffsets := make([]byte, 4*stringCnt)
	if _, err := io.ReadFull(r, rawOffsets); err != nil {
		return sp, fmt.Errorf("reading string offsets: %w", err)
	}
	for i := range sp.offsets {
		sp.offsets[i] = binary.LittleEndian.Uint32(rawOffsets[4*i : 4*i+4])
	}

	if remainder > 0 {
		if _, err := io.CopyN(io.Discard, r, remainder); err != nil {
			return sp, fmt.Errorf("skipping style offset table: %w", err)
		}
	}

	sp.data = make([]byte, r.N)
	if _, err := io.ReadFull(r, sp.data); err != nil {
		return sp, fmt.Errorf("reading string data: %w", err)
	}

	sp.cache = make(map[uint32]string, len(sp.offsets))
	sp.cachedOK = make([]bool, len(sp.offsets))

	if eager {
		for i := range sp.offsets {
			sp.get(uint32(i))
		}
	}

	return sp, nil
}

// isEmpty reports whether this is the zero-value pool (never constructed).
func (sp *stringPool) isEmpty() bool {
	return sp.cache == nil
}

// get returns the string at idx, or "" if idx is out of bounds or the
// payload can't be decoded. Never returns an error: string lookups are a
// lenient operation per spec §4.2/§7.
func (sp *stringPool) get(idx uint32) string {
	if idx >= uint32(len(sp.offsets)) {
		return ""
	}
	if sp.cachedOK[idx] {
		return sp.cache[idx]
	}

	offset := sp.offsets[idx]
	if int64(offset) >= int64(len(sp.data)) {
		sp.log.Logf(logx.Warn, "string %d: offset %d out of bounds (data len %d)", idx, offset, len(sp.data))
		sp.cachedOK[idx] = true
		return ""
	}

	r := bytes.NewReader(sp.data[offset:])

	var s string
	var err error
	if sp.isUTF8 {
		s, err = sp.decodeUTF8(r)
	} else {
		s, err = sp.decodeUTF16(r)
	}
	if err != nil {
		sp.log.Logf(logx.Warn, "string %d: decode error: %s", idx, err)
		s = ""
	}

	s = sanitize(s)
	sp.cache[idx] = s
	sp.cachedOK[idx] = true
	return s
}

// sanitize replaces invalid UTF-8 sequences and embedded NULs with U+FFFD.
// Trailing NULs are trimmed earlier, by the payload decoders.
func sanitize(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if r == 0 || r == utf8.RuneError {
			return utf8.RuneError
		}
		return r
	}, s)
}

func (sp *stringPool) decodeUTF16(r io.Reader) (string, error) {
	n, err := decodeLength16(r)
	if err != nil {
		return "", err
	}
	buf := make([]uint16, n)
	if err := binary.Read(r, binary.LittleEndian, &buf); err != nil {
		return "", fmt.Errorf("reading utf-16 payload: %w", err)
	}
	decoded := utf16.Decode(buf)
	for len(decoded) != 0 && decoded[len(decoded)-1] == 0 {
		decoded = decoded[:len(decoded)-1]
	}
	return string(decoded), nil
}

func (sp *stringPool) decodeUTF8(r io.Reader) (string, error) {
	// UTF-8 strings carry two lengths: the UTF-16 char count (unused here,
	// just consumed), then the UTF-8 byte count.
	if _, err := decodeLength8(r); err != nil {
		return "", err
	}
	byteLen, err := decodeLength8(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, byteLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("reading utf-8 payload: %w", err)
	}
	for len(buf) != 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf), nil
}

// decodeLength8 reads the one-or-two-byte length prefix used by UTF-8
// strings, capped at 0x7FFF per spec.
func decodeLength8(r io.Reader) (int, error) {
	var b0 uint8
	if err := binary.Read(r, binary.LittleEndian, &b0); err != nil {
		return 0, err
	}
	if b0&0x80 == 0 {
		return int(b0), nil
	}
	var b1 uint8
	if err := binary.Read(r, binary.LittleEndian, &b1); err != nil {
		return 0, err
	}
	length := (int(b0&0x7F) << 8) | int(b1)
	if length > 0x7FFF {
		return 0, fmt.Errorf("utf-8 string length %d exceeds 0x7FFF", length)
	}
	return length, nil
}

// decodeLength16 reads the one-or-two-word length prefix used by UTF-16
// strings, capped at 0x7FFFFFFF per spec.
func decodeLength16(r io.Reader) (int64, error) {
	var w0 uint16
	if err := binary.Read(r, binary.LittleEndian, &w0); err != nil {
		return 0, err
	}
	if w0&0x8000 == 0 {
		return int64(w0), nil
	}
	var w1 uint16
	if err := binary.Read(r, binary.LittleEndian, &w1); err != nil {
		return 0, err
	}
	length := (int64(w0&0x7FFF) << 16) | int64(w1)
	if length > 0x7FFFFFFF {
		return 0, fmt.Errorf("utf-16 string length %d exceeds 0x7FFFFFFF", length)
	}
	return length, nil
}
