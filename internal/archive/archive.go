// Package archive extracts downloaded release artifacts and locates the
// single dora binary inside them.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/l1veIn/dora-manager/internal/execx"
)

var (
	// ErrNoBinary means extraction produced no candidate binary.
	ErrNoBinary = errors.New("no binary found in artifact")
	// ErrAmbiguous means extraction produced more than one candidate.
	ErrAmbiguous = errors.New("multiple binary candidates in artifact")
	// ErrUnknownFormat means the artifact matches no supported container.
	ErrUnknownFormat = errors.New("unrecognized archive format")
)

// Format identifies the container of an artifact.
type Format int

const (
	FormatUnknown Format = iota
	FormatTarGz
	FormatTarXz
	FormatZip
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte{'P', 'K', 0x03, 0x04}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// Detect determines the artifact format from the file name extension first,
// falling back to magic bytes so misnamed downloads still extract.
func Detect(path string) (Format, error) {
	switch {
	case strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz"):
		return FormatTarGz, nil
	case strings.HasSuffix(path, ".tar.xz"):
		return FormatTarXz, nil
	case strings.HasSuffix(path, ".zip"):
		return FormatZip, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer func() { _ = f.Close() }()
	head := make([]byte, 6)
	n, _ := io.ReadFull(f, head)
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return FormatTarGz, nil
	case bytes.HasPrefix(head, zipMagic):
		return FormatZip, nil
	case bytes.HasPrefix(head, xzMagic):
		return FormatTarXz, nil
	}
	return FormatUnknown, fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Base(path))
}

// Extract unpacks the artifact at src into dir. dir must already exist.
func Extract(ctx context.Context, src, dir string) error {
	format, err := Detect(src)
	if err != nil {
		return err
	}
	switch format {
	case FormatTarGz:
		return extractTarGz(src, dir)
	case FormatZip:
		return extractZip(src, dir)
	case FormatTarXz:
		// No xz codec in the stdlib; system tar handles it.
		return extractTarXz(ctx, src, dir)
	}
	return ErrUnknownFormat
}

func extractTarGz(src, dir string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("tar extraction failed: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar extraction failed: %w", err)
		}
		dest, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o750); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(dest, tr, fs.FileMode(hdr.Mode)&0o777); err != nil {
				return err
			}
		case tar.TypeSymlink, tar.TypeLink:
			// Release archives carry plain files only; links are skipped
			// rather than trusted.
		}
	}
}

func extractZip(src, dir string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("zip extraction failed: %w", err)
	}
	defer func() { _ = zr.Close() }()

	for _, zf := range zr.File {
		dest, err := safeJoin(dir, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o750); err != nil {
				return err
			}
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("zip extraction failed: %w", err)
		}
		err = writeFile(dest, rc, zf.Mode()&0o777)
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTarXz(ctx context.Context, src, dir string) error {
	if _, ok := execx.LookPath("tar"); !ok {
		return errors.New("tar not found on PATH, cannot extract .tar.xz artifact")
	}
	res, err := execx.Run(ctx, execx.Cmd{
		Name: "tar",
		Args: []string{"xJf", src, "-C", dir},
	})
	if err != nil {
		return fmt.Errorf("tar extraction failed: %s", res.Tail())
	}
	return nil
}

// FindBinary walks dir for exactly one regular file named binName, skipping
// .venv trees. Zero candidates yields ErrNoBinary, several ErrAmbiguous.
func FindBinary(dir, binName string) (string, error) {
	var found []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".venv" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == binName {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("%w: expected %q under %s", ErrNoBinary, binName, dir)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%w: %d files named %q", ErrAmbiguous, len(found), binName)
	}
}

// ValidateBinary confirms the file at path is a plausible executable:
// a regular file, non-zero size, with an executable bit set. The bit is
// repaired rather than rejected since zip extraction loses Unix modes.
func ValidateBinary(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s is empty", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		if err := os.Chmod(path, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// safeJoin joins name under dir, rejecting entries that would escape it.
func safeJoin(dir, name string) (string, error) {
	dest := filepath.Join(dir, filepath.FromSlash(name))
	if !strings.HasPrefix(dest, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes extraction dir: %s", name)
	}
	return dest, nil
}

func writeFile(dest string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
