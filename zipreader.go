package apkdecode

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/ulikunitz/xz/lzma"

	"github.com/binlab/apkdecode/logx"
)

const (
	eocdSignature       = 0x06054b50
	cdEntrySignature    = 0x02014b50
	localHeaderSignature = 0x04034b50
	eocdMinSize         = 22
	cdEntryMinSize      = 46

	zipMethodStore   = 0
	zipMethodDeflate = 8
	zipMethodBzip2   = 12
	zipMethodLzma    = 14
)

type zipReaderFileSubEntry struct {
	dataOffset int64
	method     uint16
	compSize   int64
	uncompSize int64
}

// ZipReader parses the ZIP envelope the way the Android platform loader
// does, not the way a conforming archiver does. It locates the end of
// central directory by scanning backward from EOF rather than trusting a
// single fixed-size read, and it resolves the compression method from the
// central directory record rather than the local file header, because
// real-world APKs lie in the local header to break naive parsers (see
// spec §4.1).
//
// This struct mimics Reader from archive/zip so callers already familiar
// with the standard library feel at home.
type ZipReader struct {
	File map[string]*ZipReaderFile

	// FilesOrdered lists files in central-directory order. A name that
	// appears more than once still gets one ZipReaderFile (the first
	// occurrence), but all of its sub-entries are reachable through
	// Next().
	FilesOrdered []*ZipReaderFile

	zipFileReader io.ReaderAt
	ownedZipFile  *os.File
	log           logx.Logger
}

// ZipReaderFile mimics File from archive/zip, except it can represent more
// than one physical entry sharing the same cleaned name.
type ZipReaderFile struct {
	Name  string
	IsDir bool

	zipFile io.ReaderAt

	internalReader io.Reader
	internalCloser io.Closer

	entries  []zipReaderFileSubEntry
	curEntry int
}

// Open prepares this file for reading. Call Next() in a loop to visit
// each sub-entry sharing this name.
func (zr *ZipReaderFile) Open() error {
	if zr.internalReader != nil {
		return fmt.Errorf("apkdecode: file %q is already open", zr.Name)
	}
	zr.curEntry = -1
	return nil
}

// Read reads from the current sub-entry. Returns io.EOF at the end of the
// current entry; call Next() to check whether another entry remains.
func (zr *ZipReaderFile) Read(p []byte) (int, error) {
	if zr.internalReader == nil {
		if zr.curEntry == -1 && !zr.Next() {
			return 0, io.ErrUnexpectedEOF
		}
		if zr.curEntry >= len(zr.entries) {
			return 0, io.ErrUnexpectedEOF
		}

		e := zr.entries[zr.curEntry]
		sr := io.NewSectionReader(zr.zipFile, e.dataOffset, e.compSize)

		rc, err := newDecompressor(e.method, sr)
		if err != nil {
			return 0, err
		}
		zr.internalReader = rc
		zr.internalCloser = rc
	}
	return zr.internalReader.Read(p)
}

// Next advances to the next sub-entry sharing this name. Returns false
// once every entry has been visited.
func (zr *ZipReaderFile) Next() bool {
	if len(zr.entries) == 0 {
		return false
	}
	zr.Close()
	if zr.curEntry+1 >= len(zr.entries) {
		return false
	}
	zr.curEntry++
	return true
}

// Close releases the currently open sub-entry, if any.
func (zr *ZipReaderFile) Close() error {
	if zr.internalReader != nil {
		if zr.internalCloser != nil {
			zr.internalCloser.Close()
			zr.internalCloser = nil
		}
		zr.internalReader = nil
	}
	return nil
}

// ReadAll opens, reads up to limit bytes from the first sub-entry that
// decodes cleanly, and closes. Entries are tried in the order the central
// directory listed them.
func (zr *ZipReaderFile) ReadAll(limit int64) ([]byte, error) {
	if err := zr.Open(); err != nil {
		return nil, err
	}
	defer zr.Close()

	var lastErr error
	for zr.Next() {
		data, err := io.ReadAll(io.LimitReader(zr, limit))
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, io.ErrUnexpectedEOF
	}
	return nil, lastErr
}

// Close releases the underlying file, if OpenZip opened it itself.
func (zr *ZipReader) Close() error {
	if zr.zipFileReader == nil {
		return nil
	}
	for _, zf := range zr.File {
		zf.Close()
	}
	var err error
	if zr.ownedZipFile != nil {
		err = zr.ownedZipFile.Close()
		zr.ownedZipFile = nil
	}
	zr.zipFileReader = nil
	return err
}

// OpenZip opens path and parses its ZIP envelope.
func OpenZip(path string, log logx.Logger) (*ZipReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	zr, err := OpenZipReader(f, log)
	if err != nil {
		f.Close()
		return nil, err
	}
	zr.ownedZipFile = f
	return zr, nil
}

type readAtSizer interface {
	io.ReaderAt
	Size() (int64, error)
}

type readSeekerAt struct {
	io.ReadSeeker
}

func (s readSeekerAt) Size() (int64, error) {
	return s.Seek(0, io.SeekEnd)
}

func (s readSeekerAt) ReadAt(b []byte, off int64) (int, error) {
	if ra, ok := s.ReadSeeker.(io.ReaderAt); ok {
		return ra.ReadAt(b, off)
	}
	if _, err := s.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(s, b)
}

// OpenZipReader parses a ZIP envelope from an arbitrary seekable reader.
func OpenZipReader(r io.ReadSeeker, log logx.Logger) (*ZipReader, error) {
	if log == nil {
		log = logx.Noop
	}

	ra := readSeekerAt{r}
	size, err := ra.Size()
	if err != nil {
		return nil, err
	}

	eocdOffset, rec, err := findEOCD(ra, size)
	if err != nil {
		return nil, err
	}

	entries, err := readCentralDirectory(ra, rec, eocdOffset)
	if err != nil {
		return nil, err
	}

	zr := &ZipReader{
		File:          make(map[string]*ZipReaderFile),
		zipFileReader: ra,
		log:           log,
	}

	for _, e := range entries {
		localDataOffset, err := localFileDataOffset(ra, e)
		if err != nil {
			log.Logf(logx.Warn, "zip entry %q: bad local file header: %s", e.name, err)
			continue
		}

		sub := zipReaderFileSubEntry{
			dataOffset: localDataOffset,
			method:     e.method,
			compSize:   int64(e.compressedSize),
			uncompSize: int64(e.uncompressedSize),
		}

		cl := path.Clean(e.name)
		if existing, ok := zr.File[cl]; ok {
			existing.entries = append(existing.entries, sub)
			continue
		}

		zrf := &ZipReaderFile{
			Name:    cl,
			IsDir:   len(e.name) > 0 && e.name[len(e.name)-1] == '/',
			zipFile: ra,
			entries: []zipReaderFileSubEntry{sub},
		}
		zr.File[cl] = zrf
		zr.FilesOrdered = append(zr.FilesOrdered, zrf)
	}

	return zr, nil
}

type eocdRecord struct {
	diskEntryCount uint16
	totalEntries   uint16
	cdSize         uint32
	cdOffset       uint32
}

// findEOCD locates the End Of Central Directory record by scanning
// backward from the end of the file, following the same "shrink, rescan"
// policy as the reference implementation: read a tail window, look for
// the last signature in it, and if fewer than 22 bytes follow that match
// (not enough for a full fixed EOCD), shrink the window and scan again.
// A conforming archiver can binary-search the comment length; Android's
// loader, and samples built to confuse it, cannot be trusted to agree
// with a conforming archiver, so we don't assume one.
func findEOCD(ra io.ReaderAt, size int64) (int64, eocdRecord, error) {
	if size < eocdMinSize {
		return 0, eocdRecord{}, ErrNotAZipFile
	}

	sig := []byte{0x50, 0x4b, 0x05, 0x06}

	window := size
	tail := int64(0)
	for tail < eocdMinSize {
		if window <= 0 {
			return 0, eocdRecord{}, ErrNotAZipFile
		}

		readLen := window
		const maxWindow = 1 << 20
		if readLen > maxWindow {
			readLen = maxWindow
		}
		buf := make([]byte, readLen)
		if _, err := ra.ReadAt(buf, window-readLen); err != nil && err != io.EOF {
			return 0, eocdRecord{}, fmt.Errorf("%w: %s", ErrNotAZipFile, err)
		}

		idx := bytes.LastIndex(buf, sig)
		if idx == -1 {
			if readLen == window {
				return 0, eocdRecord{}, ErrNotAZipFile
			}
			window -= readLen
			continue
		}

		absOffset := window - readLen + int64(idx)
		tail = size - absOffset
		if tail < eocdMinSize {
			window = absOffset
			continue
		}

		hdr := make([]byte, eocdMinSize)
		if _, err := ra.ReadAt(hdr, absOffset); err != nil {
			return 0, eocdRecord{}, fmt.Errorf("%w: %s", ErrNotAZipFile, err)
		}

		rec := eocdRecord{
			diskEntryCount: binary.LittleEndian.Uint16(hdr[8:10]),
			totalEntries:   binary.LittleEndian.Uint16(hdr[10:12]),
			cdSize:         binary.LittleEndian.Uint32(hdr[12:16]),
			cdOffset:       binary.LittleEndian.Uint32(hdr[16:20]),
		}
		return absOffset, rec, nil
	}

	return 0, eocdRecord{}, ErrNotAZipFile
}

type cdEntry struct {
	method           uint16
	compressedSize   uint32
	uncompressedSize uint32
	localHeaderOff   uint32
	name             string
}

// readCentralDirectory walks the central directory sequentially for
// totalEntries records, exactly as recorded in the EOCD, rather than
// trusting cdSize to bound the walk (some crafted APKs understate it).
func readCentralDirectory(ra io.ReaderAt, rec eocdRecord, eocdOffset int64) ([]cdEntry, error) {
	entries := make([]cdEntry, 0, rec.totalEntries)

	offset := int64(rec.cdOffset)
	for i := uint16(0); i < rec.totalEntries; i++ {
		if offset+cdEntryMinSize > eocdOffset {
			break
		}

		hdr := make([]byte, cdEntryMinSize)
		if _, err := ra.ReadAt(hdr, offset); err != nil {
			return nil, fmt.Errorf("central directory entry %d: %w", i, err)
		}

		if binary.LittleEndian.Uint32(hdr[0:4]) != cdEntrySignature {
			break
		}

		method := binary.LittleEndian.Uint16(hdr[10:12])
		compSize := binary.LittleEndian.Uint32(hdr[20:24])
		uncompSize := binary.LittleEndian.Uint32(hdr[24:28])
		nameLen := binary.LittleEndian.Uint16(hdr[28:30])
		extraLen := binary.LittleEndian.Uint16(hdr[30:32])
		commentLen := binary.LittleEndian.Uint16(hdr[32:34])
		localOff := binary.LittleEndian.Uint32(hdr[42:46])

		nameBuf := make([]byte, nameLen)
		if nameLen > 0 {
			if _, err := ra.ReadAt(nameBuf, offset+cdEntryMinSize); err != nil {
				return nil, fmt.Errorf("central directory entry %d: name: %w", i, err)
			}
		}

		entries = append(entries, cdEntry{
			method:           method,
			compressedSize:   compSize,
			uncompressedSize: uncompSize,
			localHeaderOff:   localOff,
			name:             string(nameBuf),
		})

		offset += int64(cdEntryMinSize) + int64(nameLen) + int64(extraLen) + int64(commentLen)
	}

	return entries, nil
}

// localFileDataOffset returns the offset of entry data within the file.
// It reads the local file header only for its name/extra field lengths,
// to skip past them; the compressed size and compression method are
// trusted from the central directory, not re-read here, matching how the
// platform loader resolves the conflict when the two disagree.
func localFileDataOffset(ra io.ReaderAt, e cdEntry) (int64, error) {
	hdr := make([]byte, 30)
	if _, err := ra.ReadAt(hdr, int64(e.localHeaderOff)); err != nil {
		return 0, err
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != localHeaderSignature {
		return 0, fmt.Errorf("bad local file header signature at offset %d", e.localHeaderOff)
	}
	nameLen := binary.LittleEndian.Uint16(hdr[26:28])
	extraLen := binary.LittleEndian.Uint16(hdr[28:30])
	return int64(e.localHeaderOff) + 30 + int64(nameLen) + int64(extraLen), nil
}

func newDecompressor(method uint16, r io.Reader) (io.ReadCloser, error) {
	switch method {
	case zipMethodStore:
		return io.NopCloser(r), nil
	case zipMethodDeflate:
		return newPooledFlateReader(r), nil
	case zipMethodBzip2:
		return io.NopCloser(bzip2.NewReader(r)), nil
	case zipMethodLzma:
		lr, err := lzma.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: lzma: %s", ErrUnsupportedMethod, err)
		}
		return io.NopCloser(lr), nil
	default:
		return nil, fmt.Errorf("%w: method %d", ErrUnsupportedMethod, method)
	}
}

var flateReaderPool sync.Pool

func newPooledFlateReader(r io.Reader) io.ReadCloser {
	fr, ok := flateReaderPool.Get().(io.ReadCloser)
	if ok {
		fr.(flate.Resetter).Reset(r, nil)
	} else {
		fr = flate.NewReader(r)
	}
	return &pooledFlateReader{fr: fr}
}

type pooledFlateReader struct {
	mu sync.Mutex
	fr io.ReadCloser
}

func (r *pooledFlateReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return 0, fmt.Errorf("apkdecode: read after close")
	}
	return r.fr.Read(p)
}

func (r *pooledFlateReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.fr != nil {
		err = r.fr.Close()
		flateReaderPool.Put(r.fr)
		r.fr = nil
	}
	return err
}
