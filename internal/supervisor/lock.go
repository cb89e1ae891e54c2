package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrAlreadyRunning means another live instance owns the lock. Callers exit
// with a distinguishable code instead of fighting over state.
var ErrAlreadyRunning = errors.New("another instance is already running")

// AcquireLock claims the singleton lock file, reclaiming it from a dead
// owner. The returned release func is registered on every normal shutdown
// path.
func AcquireLock(dir string, logger *slog.Logger) (func(), error) {
	path := filepath.Join(dir, "lock.pid")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			alive, _ := process.PidExists(int32(pid))
			if alive && pid != os.Getpid() {
				return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
			}
			if !alive {
				logger.Warn("reclaiming lock from dead process", "pid", pid)
			}
		}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	release := func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove lock file", "path", path, "error", err)
		}
	}
	return release, nil
}
