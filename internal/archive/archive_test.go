package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type tarEntry struct {
	name string
	body string
	mode int64
}

func writeTarGz(t *testing.T, path string, entries []tarEntry) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: e.mode, Size: int64(len(e.body))}
		if e.mode == 0 {
			hdr.Mode = 0o644
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write([]byte(e.body)); err != nil {
			t.Fatalf("tar body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
}

func TestDetect(t *testing.T) {
	dir := t.TempDir()

	// Extension wins without touching the file.
	for _, tt := range []struct {
		name string
		want Format
	}{
		{"a.tar.gz", FormatTarGz},
		{"a.tgz", FormatTarGz},
		{"a.tar.xz", FormatTarXz},
		{"a.zip", FormatZip},
	} {
		got, err := Detect(filepath.Join(dir, tt.name))
		if err != nil {
			t.Fatalf("detect %s: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("detect %s = %v, want %v", tt.name, got, tt.want)
		}
	}

	// Misnamed gzip is found by magic bytes.
	misnamed := filepath.Join(dir, "download")
	writeTarGz(t, misnamed, []tarEntry{{name: "f", body: "x"}})
	got, err := Detect(misnamed)
	if err != nil {
		t.Fatalf("detect misnamed: %v", err)
	}
	if got != FormatTarGz {
		t.Errorf("misnamed = %v, want tar.gz", got)
	}

	junk := filepath.Join(dir, "junk")
	if err := os.WriteFile(junk, []byte("not an archive"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Detect(junk); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("junk err = %v, want ErrUnknownFormat", err)
	}
}

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.tar.gz")
	writeTarGz(t, src, []tarEntry{
		{name: "pkg/dora", body: "#!/bin/sh\n", mode: 0o755},
		{name: "pkg/README", body: "docs"},
	})

	out := filepath.Join(dir, "out")
	if err := os.MkdirAll(out, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := Extract(context.Background(), src, out); err != nil {
		t.Fatalf("extract: %v", err)
	}
	info, err := os.Stat(filepath.Join(out, "pkg", "dora"))
	if err != nil {
		t.Fatalf("stat binary: %v", err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Error("executable bit lost")
	}
	if _, err := os.Stat(filepath.Join(out, "pkg", "README")); err != nil {
		t.Errorf("stat readme: %v", err)
	}
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.zip")
	writeZip(t, src, map[string]string{"dist/dora": "bin"})

	out := filepath.Join(dir, "out")
	if err := os.MkdirAll(out, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := Extract(context.Background(), src, out); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "dist", "dora")); err != nil {
		t.Errorf("stat: %v", err)
	}
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evil.tar.gz")
	writeTarGz(t, src, []tarEntry{{name: "../escape", body: "x"}})

	out := filepath.Join(dir, "out")
	if err := os.MkdirAll(out, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := Extract(context.Background(), src, out); err == nil {
		t.Fatal("expected escape rejection")
	}
	if _, err := os.Stat(filepath.Join(dir, "escape")); !errors.Is(err, os.ErrNotExist) {
		t.Error("escaping entry was written")
	}
}

func TestFindBinary(t *testing.T) {
	dir := t.TempDir()
	mustWrite := func(rel string) {
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := FindBinary(dir, "dora"); !errors.Is(err, ErrNoBinary) {
		t.Errorf("empty dir err = %v, want ErrNoBinary", err)
	}

	// A copy under .venv does not count as a candidate.
	mustWrite(".venv/bin/dora")
	mustWrite("pkg/dora")
	got, err := FindBinary(dir, "dora")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got != filepath.Join(dir, "pkg", "dora") {
		t.Errorf("found %q", got)
	}

	mustWrite("other/dora")
	if _, err := FindBinary(dir, "dora"); !errors.Is(err, ErrAmbiguous) {
		t.Errorf("duplicate err = %v, want ErrAmbiguous", err)
	}
}

func TestValidateBinary(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, nil, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := ValidateBinary(empty); err == nil {
		t.Error("empty file should be rejected")
	}

	// Mode lost by zip extraction gets repaired.
	plain := filepath.Join(dir, "plain")
	if err := os.WriteFile(plain, []byte("bin"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ValidateBinary(plain); err != nil {
		t.Fatalf("validate: %v", err)
	}
	info, err := os.Stat(plain)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Error("executable bit not repaired")
	}
}
