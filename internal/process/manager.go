// Package process tracks the background formatting service through a PID file.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const PIDFilename = ".msgbridge.pid"

// ErrAlreadyRunning is returned by WritePID when a live process owns the PID file.
var ErrAlreadyRunning = errors.New("service is already running")

type Manager struct {
	pidFile string
	mu      sync.RWMutex
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		pidFile: filepath.Join(baseDir, PIDFilename),
	}
}

func (m *Manager) PIDFile() string {
	return m.pidFile
}

// WritePID records the current process. A stale PID file is replaced.
func (m *Manager) WritePID() error {
	if pid := m.ReadPID(); pid != 0 && pid != os.Getpid() && m.IsRunning() {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.pidFile), 0o750); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}

	pid := strconv.Itoa(os.Getpid())

	return os.WriteFile(m.pidFile, []byte(pid), 0o600)
}

func (m *Manager) ReadPID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, err := os.ReadFile(m.pidFile)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}

	return pid
}

// IsRunning reports whether the recorded process is alive, removing a stale PID file.
func (m *Manager) IsRunning() bool {
	pid := m.ReadPID()
	if pid == 0 {
		return false
	}

	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		m.CleanupPID()
		return false
	}

	return true
}

// Stop sends SIGTERM to the recorded process and waits for it to exit until
// ctx is done.
func (m *Manager) Stop(ctx context.Context) error {
	pid := m.ReadPID()
	if pid == 0 {
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM to process %d: %w", pid, err)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for m.IsRunning() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("process %d did not exit: %w", pid, ctx.Err())
		case <-ticker.C:
		}
	}

	m.CleanupPID()

	return nil
}

func (m *Manager) CleanupPID() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.pidFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: failed to remove PID file: %v\n", err)
	}
}
