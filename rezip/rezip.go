// Package rezip extracts an APK's contents and repackages them into a
// new ZIP archive, shelling out to the system zip(1) binary. This is
// the "extract then re-zip" utility named as an external collaborator,
// not a core decoding concern: it exists to round-trip a modified APK
// back into something installable, not to parse one.
package rezip

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/binlab/apkdecode"
	"github.com/binlab/apkdecode/logx"
)

// Repackage extracts apkPath into a fresh temp directory under workDir
// (or the OS default if workDir is ""), then re-zips that directory's
// contents into outPath via the zip(1) command line tool.
//
// Callers that want to modify the APK in between should use Extract and
// Compress directly instead of this convenience wrapper.
func Repackage(apkPath, workDir, outPath string, log logx.Logger) error {
	if log == nil {
		log = logx.Noop
	}

	extractDir, err := Extract(apkPath, workDir, log)
	if err != nil {
		return err
	}
	defer os.RemoveAll(extractDir)

	return Compress(extractDir, outPath, log)
}

// Extract decodes apkPath and writes every entry into a new temp
// directory, returning its path. The caller owns cleanup.
func Extract(apkPath, workDir string, log logx.Logger) (string, error) {
	if log == nil {
		log = logx.Noop
	}

	a, err := apkdecode.Open(apkPath, log)
	if err != nil {
		return "", fmt.Errorf("rezip: opening %s: %w", apkPath, err)
	}
	defer a.Close()

	dir, err := os.MkdirTemp(workDir, "apkdecode-rezip-")
	if err != nil {
		return "", fmt.Errorf("rezip: creating work dir: %w", err)
	}

	if err := a.ExtractAll(dir); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("rezip: extracting %s: %w", apkPath, err)
	}
	return dir, nil
}

// Compress zips every file under srcDir into outPath using the system
// zip(1) binary, matching exactly the bytes a real Android build's
// packaging step would produce (pure-Go zip writers order and compress
// entries differently, which matters if the result needs to be
// re-signed and installed).
func Compress(srcDir, outPath string, log logx.Logger) error {
	if log == nil {
		log = logx.Noop
	}

	absOut, err := filepath.Abs(outPath)
	if err != nil {
		return fmt.Errorf("rezip: resolving output path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absOut), 0o755); err != nil {
		return err
	}
	os.Remove(absOut) // zip(1) appends to an existing archive instead of replacing it

	cmd := exec.Command("zip", "-rq", absOut, ".")
	cmd.Dir = srcDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Logf(logx.Error, "zip: %s", string(out))
		return fmt.Errorf("rezip: zip command failed: %w", err)
	}
	return nil
}
