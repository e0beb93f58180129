package install

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/l1veIn/dora-manager/internal/config"
	"github.com/l1veIn/dora-manager/internal/platform"
	"github.com/l1veIn/dora-manager/internal/registry"
	"github.com/l1veIn/dora-manager/internal/release"
)

// fakeCatalog serves one release with a single downloadable dora-cli
// archive built for the host platform.
type fakeCatalog struct {
	srv       *httptest.Server
	tag       string
	assetName string
	downloads int
	mu        sync.Mutex
}

func newFakeCatalog(t *testing.T, tag string) *fakeCatalog {
	t.Helper()
	target, err := platform.Resolve()
	if err != nil {
		t.Skipf("unsupported host platform: %v", err)
	}
	fc := &fakeCatalog{
		tag:       tag,
		assetName: fmt.Sprintf("dora-cli-%s-%s.tar.gz", tag, target),
	}
	archiveBytes := makeArchive(t, "dora-"+tag+"/dora",
		"#!/bin/sh\necho \"dora-cli "+strings.TrimPrefix(tag, "v")+"\"\n")

	mux := http.NewServeMux()
	mux.HandleFunc("/releases/tags/"+tag, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"tag_name":%q,"assets":[{"name":%q,"browser_download_url":%q,"size":%d}]}`,
			fc.tag, fc.assetName, fc.srv.URL+"/dl/"+fc.assetName, len(archiveBytes))
	})
	mux.HandleFunc("/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/releases/tags/"+fc.tag, http.StatusFound)
	})
	mux.HandleFunc("/dl/", func(w http.ResponseWriter, r *http.Request) {
		fc.mu.Lock()
		fc.downloads++
		fc.mu.Unlock()
		_, _ = w.Write(archiveBytes)
	})
	mux.HandleFunc("/", http.NotFound)
	fc.srv = httptest.NewServer(mux)
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeCatalog) client() *release.Client {
	return &release.Client{BaseURL: fc.srv.URL, HTTPClient: fc.srv.Client()}
}

func (fc *fakeCatalog) downloadCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.downloads
}

func makeArchive(t *testing.T, entryName, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{Name: entryName, Mode: 0o755, Size: int64(len(body))}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte(body)); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestInstallFromBinaryAsset(t *testing.T) {
	home := t.TempDir()
	fc := newFakeCatalog(t, "v0.4.1")
	o := &Orchestrator{Client: fc.client()}

	var stages []Stage
	res, err := o.Install(context.Background(), home, "0.4.1", func(p Progress) {
		if len(stages) == 0 || stages[len(stages)-1] != p.Stage {
			stages = append(stages, p.Stage)
		}
	})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if res.Version != "0.4.1" || res.Method != MethodBinary || res.AlreadyInstalled {
		t.Errorf("result = %+v", res)
	}
	if !res.SetActive {
		t.Error("first install should become active")
	}
	if !registry.IsInstalled(home, "0.4.1") {
		t.Fatal("binary not in version store")
	}

	// Stage order: resolving, downloading, extracting, installing, done.
	want := []Stage{StageResolving, StageDownloading, StageExtracting, StageInstalling, StageDone}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stages = %v, want %v", stages, want)
		}
	}

	// No staging or artifact leftovers.
	entries, err := os.ReadDir(config.VersionsDir(home))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("leftover %q in version store", e.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(registry.VersionDir(home, "0.4.1"), fc.assetName)); !errors.Is(err, os.ErrNotExist) {
		t.Error("downloaded artifact not cleaned up")
	}
}

func TestInstallIdempotent(t *testing.T) {
	home := t.TempDir()
	fc := newFakeCatalog(t, "v0.4.1")
	o := &Orchestrator{Client: fc.client()}

	if _, err := o.Install(context.Background(), home, "0.4.1", nil); err != nil {
		t.Fatalf("first install: %v", err)
	}
	first := fc.downloadCount()

	res, err := o.Install(context.Background(), home, "0.4.1", nil)
	if err != nil {
		t.Fatalf("second install: %v", err)
	}
	if !res.AlreadyInstalled {
		t.Error("second install should report already installed")
	}
	if fc.downloadCount() != first {
		t.Error("re-install must not download again")
	}
}

func TestInstallEmptySpec(t *testing.T) {
	o := &Orchestrator{Client: release.NewClient()}
	if _, err := o.Install(context.Background(), t.TempDir(), "  ", nil); !errors.Is(err, ErrEmptySpec) {
		t.Errorf("err = %v, want ErrEmptySpec", err)
	}
}

func TestInstallUnknownVersionFailsFast(t *testing.T) {
	home := t.TempDir()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	o := &Orchestrator{Client: &release.Client{BaseURL: srv.URL, HTTPClient: srv.Client()}}

	_, err := o.Install(context.Background(), home, "9.9.9", nil)
	if !errors.Is(err, release.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	// No version dir and no staging leftovers for a version that does not exist.
	if _, err := os.Stat(registry.VersionDir(home, "9.9.9")); !errors.Is(err, os.ErrNotExist) {
		t.Error("version dir created for unknown version")
	}
}

func TestInstallLatestUnreachableCatalog(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	o := &Orchestrator{Client: &release.Client{BaseURL: srv.URL, HTTPClient: &http.Client{Timeout: time.Second}}}

	_, err := o.Install(context.Background(), t.TempDir(), "latest", nil)
	var ne *release.NetworkError
	if !errors.As(err, &ne) {
		t.Errorf("err = %v, want NetworkError; latest cannot fall back to source", err)
	}
}

func TestInstallSourceFallbackNeedsRust(t *testing.T) {
	home := t.TempDir()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	o := &Orchestrator{Client: &release.Client{BaseURL: srv.URL, HTTPClient: &http.Client{Timeout: time.Second}}}

	// With an empty PATH the fallback cannot find cargo.
	t.Setenv("PATH", "")
	_, err := o.Install(context.Background(), home, "0.4.1", nil)
	if !errors.Is(err, ErrRustMissing) {
		t.Fatalf("err = %v, want ErrRustMissing", err)
	}
	// The failed attempt leaves no partial version dir.
	if _, err := os.Stat(registry.VersionDir(home, "0.4.1")); !errors.Is(err, os.ErrNotExist) {
		t.Error("partial version dir left behind")
	}
	entries, _ := os.ReadDir(config.VersionsDir(home))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".staging-") {
			t.Errorf("staging leftover %q", e.Name())
		}
	}
}

func TestSelectAsset(t *testing.T) {
	target, err := platform.Resolve()
	if err != nil {
		t.Skipf("unsupported host platform: %v", err)
	}
	rel := &release.Release{
		TagName: "v0.4.1",
		Assets: []release.Asset{
			{Name: "dora-cli-v0.4.1-other-target.tar.gz"},
			{Name: fmt.Sprintf("dora-daemon-%s.tar.gz", target)},
			{Name: fmt.Sprintf("dora-cli-v0.4.1-%s.deb", target)},
			{Name: fmt.Sprintf("dora-cli-v0.4.1-%s.tar.gz", target)},
		},
	}
	asset, ok := selectAsset(rel)
	if !ok {
		t.Fatal("no asset selected")
	}
	if asset.Name != fmt.Sprintf("dora-cli-v0.4.1-%s.tar.gz", target) {
		t.Errorf("selected %q", asset.Name)
	}

	if _, ok := selectAsset(&release.Release{TagName: "v0.4.1"}); ok {
		t.Error("empty release should select nothing")
	}
}

func TestHumanSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "unknown size"},
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := humanSize(tt.in); got != tt.want {
			t.Errorf("humanSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
