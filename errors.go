package apkdecode

import "errors"

// Fatal errors abort the construction of the decoder that hit them.
var (
	// ErrNotAZipFile means no End Of Central Directory record could be located.
	ErrNotAZipFile = errors.New("apkdecode: not a zip file, no EOCD found")

	// ErrCorruptChunkHeader means a chunk's header_size/total_size violated
	// the invariant total_size >= header_size >= 8. A chunk whose
	// total_size runs past the end of the input is not reported with this
	// error; it fails with the read error hit while decoding it.
	ErrCorruptChunkHeader = errors.New("apkdecode: corrupt chunk header")

	// ErrUnmatchedEndTag means an AXML end-element didn't match the cursor
	// element and wasn't the root-closing tag either, or arrived with no
	// element open.
	ErrUnmatchedEndTag = errors.New("apkdecode: unmatched end element")

	// ErrUnsupportedEntryEncoding means a TypeTable's flags field selected
	// an encoding this decoder does not implement (flags >= 2).
	ErrUnsupportedEntryEncoding = errors.New("apkdecode: unsupported resource entry encoding")

	// ErrEntryNotFound means a ZIP entry with the requested name wasn't
	// present in the central directory.
	ErrEntryNotFound = errors.New("apkdecode: zip entry not found")

	// ErrUnsupportedMethod means a ZIP entry's compression method isn't
	// one this reader can decompress.
	ErrUnsupportedMethod = errors.New("apkdecode: unsupported zip compression method")

	// ErrPlainTextManifest means the input looked like a plaintext XML
	// document (common in some obfuscated/repackaged samples) rather than
	// binary AXML.
	// Some samples have manifest in plaintext, this is an error.
	// 2c882a2376034ed401be082a42a21f0ac837689e7d3ab6be0afb82f44ca0b859
	ErrPlainTextManifest = errors.New("apkdecode: xml is in plaintext, binary form expected")
)
