package apkdecode

import "encoding/xml"

// ManifestEncoder is the sink a decoded manifest tree is replayed into.
// *xml.Encoder satisfies it, so callers don't need an apkdecode-specific
// writer.
type ManifestEncoder interface {
	EncodeToken(t xml.Token) error
	Flush() error
}
