package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrRunning is returned by Create when a live process owns the PID file
var ErrRunning = errors.New("daemon already running")

// PIDFile guards against a second daemon instance on the same host
type PIDFile struct {
	path string
	pid  int

	// alive reports whether a PID belongs to a live process; replaced in tests
	alive func(pid int) bool
}

// New creates a new PIDFile instance for the current process
func New(path string) *PIDFile {
	return &PIDFile{
		path:  path,
		pid:   os.Getpid(),
		alive: processAlive,
	}
}

// Create writes the PID file. A file left by a dead process is replaced;
// one owned by a live process yields ErrRunning unless force is set.
func (p *PIDFile) Create(force bool) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", p.pid)
			cerr := f.Close()
			if werr != nil {
				return fmt.Errorf("failed to write PID file: %w", werr)
			}
			return cerr
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("failed to create PID file: %w", err)
		}

		existing, rerr := p.GetPID()
		if rerr == nil && existing != p.pid && p.alive(existing) && !force {
			return fmt.Errorf("%w with PID %d (%s)", ErrRunning, existing, p.path)
		}
		if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}
	return fmt.Errorf("failed to create PID file %s: lost race with another process", p.path)
}

// Remove deletes the PID file if it still belongs to this process
func (p *PIDFile) Remove() error {
	existing, err := p.GetPID()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && existing != p.pid {
		return fmt.Errorf("PID file contains different PID (%d vs %d), not removing", existing, p.pid)
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// GetPID returns the PID stored in the file
func (p *PIDFile) GetPID() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(text)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in file: %q", text)
	}
	return pid, nil
}

// Path returns the path to the PID file
func (p *PIDFile) Path() string {
	return p.path
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	// EPERM means the process exists but belongs to someone else
	return err == nil || errors.Is(err, syscall.EPERM)
}
