// Package platform maps the host OS and CPU architecture to the asset
// naming convention used by the dora release catalog.
package platform

import (
	"errors"
	"fmt"
	"runtime"
)

// Target is the substring that identifies the correct release asset for a
// host, e.g. "x86_64-unknown-linux".
type Target string

// ErrUnsupported means no prebuilt asset naming exists for this host.
// Installation must fall through to the source build, not fail.
var ErrUnsupported = errors.New("no prebuilt binaries for this platform")

// Resolve returns the asset-name key for the current host.
func Resolve() (Target, error) {
	return resolve(runtime.GOOS, runtime.GOARCH)
}

func resolve(goos, goarch string) (Target, error) {
	switch goos {
	case "darwin":
		switch goarch {
		case "amd64":
			return "x86_64-apple-darwin", nil
		case "arm64":
			return "aarch64-apple-darwin", nil
		}
	case "linux":
		switch goarch {
		case "amd64":
			return "x86_64-unknown-linux", nil
		case "arm64":
			return "aarch64-unknown-linux", nil
		}
	}
	return "", fmt.Errorf("%w: %s/%s", ErrUnsupported, goos, goarch)
}
