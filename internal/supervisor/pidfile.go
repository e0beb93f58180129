//go:build !windows

package supervisor

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/l1veIn/dora-manager/internal/config"
)

// pidMeta is the second line of a pid file. The recorded start time guards
// against PID reuse: a recycled PID belongs to someone else's process.
type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

func pidFilePath(home, process string) string {
	return filepath.Join(config.RunDir(home), process+".pid")
}

func writePIDFile(home, process string, pid int) error {
	if err := os.MkdirAll(config.RunDir(home), 0o750); err != nil {
		return err
	}
	meta, _ := json.Marshal(pidMeta{StartUnix: procStartUnix(pid)})
	data := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	return os.WriteFile(pidFilePath(home, process), []byte(data), 0o600)
}

func removePIDFile(home, process string) {
	_ = os.Remove(pidFilePath(home, process))
}

// readPIDFile returns the recorded pid, or 0 if no file exists. The pid
// file is advisory: callers must still check liveness.
func readPIDFile(home, process string) (pid int, startUnix int64) {
	data, err := os.ReadFile(pidFilePath(home, process))
	if err != nil {
		return 0, 0
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if len(lines) == 0 {
		return 0, 0
	}
	pid, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return 0, 0
	}
	if len(lines) >= 2 {
		var m pidMeta
		if json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m) == nil {
			startUnix = m.StartUnix
		}
	}
	return pid, startUnix
}

// pidAlive reports whether a process with the given pid exists (EPERM also
// counts: the process is there, we just may not signal it).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// processState classifies the process referenced by a pid file. A pid that
// is alive but whose recorded start time cannot be matched against the
// running process is Unknown: something holds the pid, but it may not be
// the process we spawned.
func processState(home, process string) (int, ProcessState) {
	pid, startUnix := readPIDFile(home, process)
	if pid <= 0 || !pidAlive(pid) {
		return pid, StateStopped
	}
	cur := procStartUnix(pid)
	if startUnix <= 0 || cur <= 0 {
		return pid, StateUnknown
	}
	if cur != startUnix {
		// Recycled pid: the recorded process is gone.
		return pid, StateStopped
	}
	return pid, StateRunning
}
