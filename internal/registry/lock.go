package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/l1veIn/dora-manager/internal/config"
)

// VersionLock serializes installs and uninstalls of one version. It is a
// plain O_CREAT|O_EXCL lock file next to the version directory, so
// operations on different versions proceed concurrently.
type VersionLock struct {
	path string
}

// lockTimeout bounds how long a contender waits for the current holder.
const lockTimeout = 10 * time.Minute

var errLockHeld = errors.New("version is being modified by another process")

// AcquireVersionLock takes the lock for version, waiting for a concurrent
// holder. onWait is invoked once if the lock is contended.
func AcquireVersionLock(ctx context.Context, home, version string, onWait func()) (*VersionLock, error) {
	dir := config.VersionsDir(home)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "."+version+".lock")

	waited := false
	deadline := time.Now().Add(lockTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			_ = f.Close()
			return &VersionLock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		if !waited {
			waited = true
			if onWait != nil {
				onWait()
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", errLockHeld, version)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (l *VersionLock) Release() {
	_ = os.Remove(l.path)
}
