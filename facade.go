// Package apkdecode decodes Android application packages: the ZIP envelope,
// the binary AndroidManifest.xml (AXML) and the compiled resource table
// (resources.arsc), and exposes the high-level application metadata that can
// be recovered from them without executing or installing the package.
package apkdecode

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/binlab/apkdecode/logx"
)

const manifestEntryName = "AndroidManifest.xml"
const resourcesEntryName = "resources.arsc"

// notFoundMainActivity is returned by MainActivity when the manifest has
// no launcher activity.
const notFoundMainActivity = "not_found_main_activity!!"

// commonManifestKeys are the root <manifest> attributes every caller
// tends to want, pulled up front into ManifestAttrs rather than making
// every caller walk the tree for them individually.
var commonManifestKeys = []string{
	"compileSdkVersion",
	"compileSdkVersionCodename",
	"installLocation",
	"versionCode",
	"versionName",
	"package",
	"platformBuildVersionCode",
	"platformBuildVersionName",
}

// ApkFacade is the high-level view over a single APK: the combination of
// its ZIP envelope, its decoded manifest tree and its resource table.
// Construction parses the manifest eagerly; resources.arsc is parsed
// eagerly too when present, but its absence is not fatal, since a
// caller that only wants raw file extraction doesn't need it.
type ApkFacade struct {
	zip       *ZipReader
	manifest  *Node
	resources *ResourceTable
	log       logx.Logger
}

// Open opens and decodes the APK at path.
func Open(path string, log logx.Logger) (*ApkFacade, error) {
	if log == nil {
		log = logx.Noop
	}
	zr, err := OpenZip(path, log)
	if err != nil {
		return nil, err
	}
	facade, err := newFacade(zr, log)
	if err != nil {
		zr.Close()
		return nil, err
	}
	return facade, nil
}

// OpenReader opens and decodes an APK already available as a seekable
// reader (e.g. an *os.File the caller wants to keep owning).
func OpenReader(r io.ReadSeeker, log logx.Logger) (*ApkFacade, error) {
	if log == nil {
		log = logx.Noop
	}
	zr, err := OpenZipReader(r, log)
	if err != nil {
		return nil, err
	}
	return newFacade(zr, log)
}

func newFacade(zr *ZipReader, log logx.Logger) (facade *ApkFacade, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apkdecode: panic decoding apk: %v\n%s", r, debug.Stack())
		}
	}()

	a := &ApkFacade{zip: zr, log: log}

	if resFile := zr.File[resourcesEntryName]; resFile != nil {
		data, rerr := resFile.ReadAll(256 << 20)
		if rerr != nil {
			log.Logf(logx.Warn, "resources.arsc: %s, reference resolution will be degraded", rerr)
		} else if table, perr := ParseResourceTable(bytesReader(data), log); perr != nil {
			log.Logf(logx.Warn, "resources.arsc: %s, reference resolution will be degraded", perr)
		} else {
			a.resources = table
		}
	}

	manifestFile := zr.File[manifestEntryName]
	if manifestFile == nil {
		return nil, fmt.Errorf("apkdecode: %s not found in apk", manifestEntryName)
	}
	if err := manifestFile.Open(); err != nil {
		return nil, err
	}
	defer manifestFile.Close()

	var lastErr error
	for manifestFile.Next() {
		root, derr := DecodeAxml(manifestFile, a.resources, log)
		if derr == nil {
			a.manifest = root
			return a, nil
		}
		lastErr = derr
	}

	if lastErr == ErrPlainTextManifest {
		return nil, lastErr
	}
	return nil, fmt.Errorf("apkdecode: failed to decode %s: %w", manifestEntryName, lastErr)
}

func bytesReader(b []byte) io.Reader {
	return &byteSliceReader{b: b}
}

// byteSliceReader avoids pulling in bytes.Reader's ReadAt/Seek surface
// we don't need here; ParseResourceTable only reads forward.
type byteSliceReader struct {
	b   []byte
	pos int
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

// Manifest returns the decoded manifest tree's root <manifest> element.
func (a *ApkFacade) Manifest() *Node { return a.manifest }

// Resources returns the decoded resource table, or nil if resources.arsc
// was absent or failed to parse.
func (a *ApkFacade) Resources() *ResourceTable { return a.resources }

// PackageName returns the root <manifest package="..."> attribute.
func (a *ApkFacade) PackageName() string {
	v, _ := a.manifest.Attr("package")
	return v
}

// VersionName returns android:versionName from the root manifest tag.
func (a *ApkFacade) VersionName() string {
	v, _ := a.manifest.Attr("versionName")
	return v
}

// VersionCode returns android:versionCode from the root manifest tag,
// or 0 if it's absent or unparsable.
func (a *ApkFacade) VersionCode() int64 {
	v, ok := a.manifest.Attr("versionCode")
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(strings.TrimPrefix(v, "0x"), detectBase(v), 64)
	return n
}

func detectBase(v string) int {
	if strings.HasPrefix(v, "0x") {
		return 16
	}
	return 10
}

// ManifestAttrs returns the well-known root-level manifest attributes
// (package, versionName, versionCode, SDK levels, install location),
// resolving any that are still raw "@hex" references against the
// resource table.
func (a *ApkFacade) ManifestAttrs() map[string]string {
	out := make(map[string]string, len(commonManifestKeys))
	for _, key := range commonManifestKeys {
		v, ok := a.manifest.Attr(key)
		if !ok {
			continue
		}
		out[key] = a.resolveIfReference(v)
	}
	return out
}

func (a *ApkFacade) resolveIfReference(v string) string {
	if a.resources == nil || !strings.HasPrefix(v, "@") {
		return v
	}
	id, err := strconv.ParseUint(v[1:], 16, 32)
	if err != nil {
		return v
	}
	entry, err := a.resources.GetResourceEntry(uint32(id))
	if err != nil {
		return v
	}
	s, err := entry.Value.String()
	if err != nil {
		return v
	}
	return s
}

// AppName returns the application label, resolving a resource reference
// through the resource table when one is available.
func (a *ApkFacade) AppName() string {
	app := a.manifest.Find("application")
	if app == nil {
		return ""
	}
	v, _ := app.Attr("label")
	return a.resolveIfReference(v)
}

// MainActivity finds the launcher activity: an <activity> (or
// <activity-alias>) whose <intent-filter> advertises both
// android.intent.action.MAIN and android.intent.category.LAUNCHER. This
// mirrors the check the platform launcher itself performs, which is also
// why it's the thing packers most often try to hide behind decoy
// elements with an empty resolved tag name (see the AXML decoder).
//
// Returns the sentinel notFoundMainActivity if no such activity is found.
func (a *ApkFacade) MainActivity() string {
	app := a.manifest.Find("application")
	if app == nil {
		return notFoundMainActivity
	}

	for _, child := range app.Children {
		if child.Name.Local != "activity" && child.Name.Local != "activity-alias" {
			continue
		}
		if !hasLauncherIntent(child) {
			continue
		}
		name, ok := child.Attr("name")
		if !ok {
			continue
		}
		return a.qualifyComponentName(name)
	}
	return notFoundMainActivity
}

func hasLauncherIntent(activity *Node) bool {
	for _, filter := range activity.Children {
		if filter.Name.Local != "intent-filter" {
			continue
		}
		hasMain := false
		hasLauncher := false
		for _, c := range filter.Children {
			switch c.Name.Local {
			case "action":
				if v, _ := c.Attr("name"); v == "android.intent.action.MAIN" {
					hasMain = true
				}
			case "category":
				if v, _ := c.Attr("name"); v == "android.intent.category.LAUNCHER" {
					hasLauncher = true
				}
			}
		}
		if hasMain && hasLauncher {
			return true
		}
	}
	return false
}

// qualifyComponentName prefixes a relative component name (one starting
// with ".") with the package name, the way the platform resolves it.
func (a *ApkFacade) qualifyComponentName(name string) string {
	if strings.HasPrefix(name, ".") {
		return a.PackageName() + name
	}
	return name
}

// IconPath returns the application's icon path inside the APK, as
// resolved from the application's icon attribute. Adaptive icon XML
// descriptors are not resolved to a bitmap; see Icons for enumerating
// every density/config variant.
func (a *ApkFacade) IconPath() (string, error) {
	app := a.manifest.Find("application")
	if app == nil {
		return "", fmt.Errorf("apkdecode: no <application> element")
	}
	v, ok := app.Attr("icon")
	if !ok {
		return "", fmt.Errorf("apkdecode: application has no icon attribute")
	}
	v = a.resolveIfReference(v)
	if strings.HasPrefix(v, "@") {
		return "", fmt.Errorf("apkdecode: could not resolve icon reference %s", v)
	}
	return v, nil
}

// Icons enumerates every configuration variant of the application icon
// resource, skipping adaptive icon XML descriptors (they name layered
// drawables, not a renderable bitmap, which is out of scope here).
func (a *ApkFacade) Icons() ([]string, error) {
	if a.resources == nil {
		path, err := a.IconPath()
		if err != nil {
			return nil, err
		}
		return []string{path}, nil
	}

	// Re-decode without resource substitution to recover the raw
	// resource id backing the icon attribute, since the already-decoded
	// tree only kept the resolved string for a single variant.
	rawRoot, err := a.decodeManifestRaw()
	if err != nil {
		return nil, err
	}
	app := rawRoot.Find("application")
	if app == nil {
		return nil, fmt.Errorf("apkdecode: no <application> element")
	}
	raw, ok := app.Attr("icon")
	if !ok || !strings.HasPrefix(raw, "@") {
		path, perr := a.IconPath()
		if perr != nil {
			return nil, perr
		}
		return []string{path}, nil
	}

	id, err := strconv.ParseUint(raw[1:], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("apkdecode: malformed icon reference %s", raw)
	}

	entries, ok := a.resources.Lookup(uint32(id))
	if !ok {
		return nil, fmt.Errorf("apkdecode: icon resource 0x%x not found", id)
	}

	var icons []string
	for _, e := range entries {
		s, err := e.Value.String()
		if err != nil {
			continue
		}
		if strings.HasSuffix(strings.ToLower(s), ".xml") {
			continue // adaptive icon descriptor, not a bitmap
		}
		icons = append(icons, s)
	}
	if len(icons) == 0 {
		return nil, fmt.Errorf("apkdecode: no renderable icon variant for 0x%x", id)
	}
	return icons, nil
}

func (a *ApkFacade) decodeManifestRaw() (*Node, error) {
	manifestFile := a.zip.File[manifestEntryName]
	if manifestFile == nil {
		return nil, fmt.Errorf("apkdecode: %s not found in apk", manifestEntryName)
	}
	if err := manifestFile.Open(); err != nil {
		return nil, err
	}
	defer manifestFile.Close()

	var lastErr error
	for manifestFile.Next() {
		root, err := DecodeAxml(manifestFile, nil, a.log)
		if err == nil {
			return root, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Icon returns the bytes of the first icon variant that's actually
// present in the APK's ZIP directory (some configuration variants name
// files that were stripped at build time by resource shrinking).
func (a *ApkFacade) Icon() ([]byte, error) {
	icons, err := a.Icons()
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, p := range icons {
		if f := a.zip.File[path.Clean(p)]; f != nil {
			data, rerr := f.ReadAll(64 << 20)
			if rerr == nil {
				return data, nil
			}
			lastErr = rerr
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("apkdecode: no icon variant is present in the apk")
	}
	return nil, lastErr
}

// SHA1 returns the hex-encoded SHA-1 of the raw bytes of entry name,
// commonly used to fingerprint the manifest or a META-INF signature file.
// Only ZIP entries can be hashed, not the APK file as a whole.
func (a *ApkFacade) SHA1(name string) (string, error) {
	f := a.zip.File[path.Clean(name)]
	if f == nil {
		return "", ErrEntryNotFound
	}
	data, err := f.ReadAll(512 << 20)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// ListFiles returns every file name recorded in the ZIP central
// directory, in the order they appear there.
func (a *ApkFacade) ListFiles() []string {
	names := make([]string, 0, len(a.zip.FilesOrdered))
	for _, f := range a.zip.FilesOrdered {
		names = append(names, f.Name)
	}
	return names
}

// ExtractFile returns the raw, decompressed bytes of a single ZIP entry.
func (a *ApkFacade) ExtractFile(name string) ([]byte, error) {
	f := a.zip.File[path.Clean(name)]
	if f == nil {
		return nil, ErrEntryNotFound
	}
	return f.ReadAll(512 << 20)
}

// ExtractAll writes every entry to destDir, preserving relative paths.
// This is the extract half of the extract-then-rezip utility; callers
// that need a .apk back out use the rezip package.
func (a *ApkFacade) ExtractAll(destDir string) error {
	for _, f := range a.zip.FilesOrdered {
		target := path.Join(destDir, f.Name)
		if f.IsDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(path.Dir(target), 0o755); err != nil {
			return err
		}
		data, err := f.ReadAll(512 << 20)
		if err != nil {
			a.log.Logf(logx.Warn, "extract %q: %s", f.Name, err)
			continue
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// LookupResource decomposes and resolves a resource ID the way a caller
// holding a raw android:id value would want, returning the string form
// of every configuration variant on record.
func (a *ApkFacade) LookupResource(resID uint32) ([]string, error) {
	if a.resources == nil {
		return nil, fmt.Errorf("apkdecode: no resource table loaded")
	}
	entries, ok := a.resources.Lookup(resID)
	if !ok {
		return nil, fmt.Errorf("apkdecode: resource 0x%08x not found", resID)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		s, err := e.Value.String()
		if err != nil {
			s = fmt.Sprintf("<complex:%s>", e.Key)
		}
		out = append(out, s)
	}
	return out, nil
}

// Close releases the underlying ZIP file, if ApkFacade opened it itself.
func (a *ApkFacade) Close() error {
	return a.zip.Close()
}
