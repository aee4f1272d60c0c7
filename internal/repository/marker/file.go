package marker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mitchellh/go-ps"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/nativepack/internal/config"
	"github.com/oshokin/nativepack/internal/logger"
)

// Filename is the marker name inside the build directory.
const Filename = ".nativepack.lock"

// Lock guards the packaging layout against concurrent runs.
type Lock interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Owner is the persisted content of the marker.
type Owner struct {
	// PID of the process holding the marker.
	PID int `yaml:"pid"`
	// CreatedAt is when the marker was written.
	CreatedAt time.Time `yaml:"created_at"`
}

// ProcessFinder reports whether a process with the given PID is running.
type ProcessFinder func(pid int) (bool, error)

// FileLock is a PID marker file. A marker whose PID no longer runs is stale
// and is taken over.
type FileLock struct {
	// path is the filesystem location of the marker.
	path string
	// pid is the PID written into the marker.
	pid int
	// alive reports whether a PID is running.
	alive ProcessFinder
	// mu protects held.
	mu sync.Mutex
	// held is set between a successful Acquire and Release.
	held bool
}

// ErrLocked is returned when another live process holds the marker.
var ErrLocked = errors.New("packaging directory is locked by another run")

// Option configures a FileLock.
type Option func(*FileLock)

// WithProcessFinder replaces the go-ps based liveness check.
func WithProcessFinder(finder ProcessFinder) Option {
	return func(l *FileLock) {
		if finder != nil {
			l.alive = finder
		}
	}
}

// WithPID overrides the PID recorded in the marker.
func WithPID(pid int) Option {
	return func(l *FileLock) {
		l.pid = pid
	}
}

// NewFileLock creates a marker lock inside dir.
func NewFileLock(dir string, opts ...Option) *FileLock {
	l := &FileLock{
		path:  filepath.Join(filepath.Clean(dir), Filename),
		pid:   os.Getpid(),
		alive: processAlive,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Path returns the marker location.
func (l *FileLock) Path() string {
	return l.path
}

// Acquire writes the marker, taking over a stale one.
// The marker is published with a hard link, so of several runs racing for
// a missing marker exactly one wins.
func (l *FileLock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	logger.Debug(ctx, "Checking for the presence of a packaging marker")

	if err := os.MkdirAll(filepath.Dir(l.path), config.DefaultDirPermissions); err != nil {
		return fmt.Errorf("create marker directory: %w", err)
	}

	err := l.publish()
	if err == nil {
		l.held = true
		return nil
	}

	if !errors.Is(err, os.ErrExist) {
		return err
	}

	owner, err := l.read()

	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Debug(ctx, "Packaging marker vanished, retrying")
	case err != nil:
		logger.WarnKV(ctx, "Unreadable packaging marker, replacing it", "path", l.path, "error", err)
	case owner.PID == l.pid:
		logger.Debug(ctx, "Packaging marker already belongs to this process")

		l.held = true

		return nil
	default:
		running, findErr := l.alive(owner.PID)
		if findErr != nil {
			return fmt.Errorf("check marker owner %d: %w", owner.PID, findErr)
		}

		if running {
			return fmt.Errorf("%w (pid %d since %s)", ErrLocked, owner.PID, owner.CreatedAt.Format(time.RFC3339))
		}

		logger.InfoKV(ctx, "The packaging marker is stale, taking it over", "pid", owner.PID)
	}

	if err = os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale marker: %w", err)
	}

	if err = l.publish(); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w (taken over concurrently)", ErrLocked)
		}

		return err
	}

	l.held = true

	return nil
}

// publish writes the owner record to a private file and links it into place.
// It fails with os.ErrExist when a marker is already present.
func (l *FileLock) publish() error {
	data, err := yaml.Marshal(&Owner{PID: l.pid, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}

	staging, err := os.CreateTemp(filepath.Dir(l.path), Filename+".*")
	if err != nil {
		return fmt.Errorf("create marker: %w", err)
	}

	defer func() {
		_ = os.Remove(staging.Name())
	}()

	_, err = staging.Write(data)
	if closeErr := staging.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return fmt.Errorf("write marker: %w", err)
	}

	if err = os.Link(staging.Name(), l.path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return os.ErrExist
		}

		return fmt.Errorf("publish marker: %w", err)
	}

	return nil
}

// Release removes the marker if this lock wrote it.
func (l *FileLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}

	l.held = false

	owner, err := l.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return err
	}

	if owner.PID != l.pid {
		logger.WarnKV(ctx, "Packaging marker was taken over, leaving it", "pid", owner.PID)
		return nil
	}

	if err = os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove marker: %w", err)
	}

	return nil
}

// read decodes the marker from disk.
func (l *FileLock) read() (*Owner, error) {
	contents, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}

	var owner Owner
	if err = yaml.Unmarshal(contents, &owner); err != nil {
		return nil, fmt.Errorf("decode marker: %w", err)
	}

	return &owner, nil
}

// processAlive looks the PID up in the process table.
func processAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}

	process, err := ps.FindProcess(pid)
	if err != nil {
		return false, err
	}

	return process != nil, nil
}
