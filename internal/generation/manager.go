// Package generation implements GenerationManager: atomic, crash-safe
// publication of immutable index files under a CURRENT pointer, tolerant
// of filesystems that refuse to rename or unlink open files. The advisory
// lock is grounded on the teacher's gofrs/flock-based download lock; the
// retry-with-backoff publish attempts are grounded on the teacher's retry
// helper, replaced here with a library-backed fixed schedule.
package generation

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/hybridretrieval/core/pkg/hre"
)

// Config configures a Manager.
type Config struct {
	Base      string // directory holding CURRENT, generations, and the lock file
	Stem      string // filename stem, e.g. "index"
	Retention int    // number of most recent generations to keep; default 3
}

// DefaultConfig returns a Config with the default retention of 3.
func DefaultConfig(base, stem string) Config {
	return Config{Base: base, Stem: stem, Retention: 3}
}

// WriteFunc writes the opaque payload of one generation to the given path.
type WriteFunc func(path string) error

// Manager implements the publish/resolve_current algorithm of §4.3.
type Manager struct {
	mu   sync.Mutex
	cfg  Config
	lock *flock.Flock
}

// New ensures the base directory exists and prepares (but does not
// acquire) the advisory write lock.
func New(cfg Config) (*Manager, error) {
	if cfg.Base == "" || cfg.Stem == "" {
		return nil, fmt.Errorf("generation: base and stem are required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 3
	}
	if err := os.MkdirAll(cfg.Base, 0o755); err != nil {
		return nil, fmt.Errorf("generation: mkdir base: %w", err)
	}
	lockPath := filepath.Join(cfg.Base, cfg.Stem+".lock")
	return &Manager{cfg: cfg, lock: flock.New(lockPath)}, nil
}

// TryLock acquires the advisory write lock without blocking, returning
// *hre.ErrLockHeld if another process already holds it.
func (m *Manager) TryLock() error {
	ok, err := m.lock.TryLock()
	if err != nil {
		return fmt.Errorf("generation: try lock: %w", err)
	}
	if !ok {
		return &hre.ErrLockHeld{Path: m.lock.Path()}
	}
	return nil
}

// Unlock releases the write lock; idempotent.
func (m *Manager) Unlock() error {
	return m.lock.Unlock()
}

func newGenerationName(stem string) (string, error) {
	rnd := uuid.New().String()[:8]
	return fmt.Sprintf("%s-%d-%d-%s.idx", stem, time.Now().UnixNano(), os.Getpid(), rnd), nil
}

func retryPolicy() backoff.BackOff {
	schedule := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}
	return backoff.WithMaxRetries(&fixedScheduleBackOff{schedule: schedule}, uint64(len(schedule)))
}

// fixedScheduleBackOff replays the explicit 10/20/50/100/200ms schedule
// from §7 rather than backoff's default exponential curve.
type fixedScheduleBackOff struct {
	schedule []time.Duration
	idx      int
}

func (b *fixedScheduleBackOff) NextBackOff() time.Duration {
	if b.idx >= len(b.schedule) {
		return backoff.Stop
	}
	d := b.schedule[b.idx]
	b.idx++
	return d
}

func (b *fixedScheduleBackOff) Reset() { b.idx = 0 }

// Publish allocates a new generation filename and attempts, in order, the
// three publish strategies from §4.3, each retried with the fixed backoff
// schedule on transient failure. On success it atomically advances CURRENT
// and prunes old generations, then returns the new generation's filename.
func (m *Manager) Publish(write WriteFunc) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name, err := newGenerationName(m.cfg.Stem)
	if err != nil {
		return "", err
	}
	target := filepath.Join(m.cfg.Base, name)

	strategies := []struct {
		label string
		run   func() error
	}{
		{"relative-path", func() error { return m.publishRelative(name, write) }},
		{"chdir", func() error { return m.publishChdir(name, write) }},
		{"local-write-move", func() error { return m.publishLocalMove(name, target, write) }},
	}

	var attempted []string
	var lastErr error
	for _, s := range strategies {
		attempted = append(attempted, s.label)
		err := backoff.Retry(s.run, retryPolicy())
		if err == nil {
			if fi, statErr := os.Stat(target); statErr == nil && fi.Size() > 0 {
				if err := m.advanceCurrent(name); err != nil {
					return "", fmt.Errorf("generation: advance current: %w", err)
				}
				m.prune(name)
				return name, nil
			}
			lastErr = fmt.Errorf("strategy %s produced no file or an empty file", s.label)
			continue
		}
		lastErr = err
		slog.Warn("generation: publish strategy failed", "strategy", s.label, "error", err)
	}

	return "", &hre.ErrPersistenceFailed{Attempts: attempted, Cause: lastErr}
}

func (m *Manager) publishRelative(name string, write WriteFunc) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(cwd, filepath.Join(m.cfg.Base, name))
	if err != nil {
		return err
	}
	return write(rel)
}

func (m *Manager) publishChdir(name string, write WriteFunc) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	if err := os.Chdir(m.cfg.Base); err != nil {
		return err
	}
	defer func() {
		if err := os.Chdir(cwd); err != nil {
			slog.Error("generation: failed to restore working directory", "error", err)
		}
	}()
	return write(name)
}

func (m *Manager) publishLocalMove(name, target string, write WriteFunc) error {
	tmp := filepath.Join(os.TempDir(), "gen-"+name)
	if err := write(tmp); err != nil {
		return err
	}
	defer os.Remove(tmp)
	return os.Rename(tmp, target)
}

// advanceCurrent writes CURRENT via write-temp-then-swap so a reader never
// observes a partially written pointer file.
func (m *Manager) advanceCurrent(name string) error {
	currentPath := filepath.Join(m.cfg.Base, "CURRENT")
	tmp := currentPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(name), 0o644); err != nil {
		return err
	}
	if f, err := os.Open(tmp); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	return os.Rename(tmp, currentPath)
}

// ResolveCurrent reads CURRENT and returns the absolute path of the active
// generation, or ok=false if CURRENT is absent or names a missing file.
func (m *Manager) ResolveCurrent() (path string, ok bool, err error) {
	currentPath := filepath.Join(m.cfg.Base, "CURRENT")
	raw, err := os.ReadFile(currentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("generation: read current: %w", err)
	}
	name := strings.TrimSpace(string(raw))
	if name == "" {
		return "", false, nil
	}
	full := filepath.Join(m.cfg.Base, name)
	if _, statErr := os.Stat(full); statErr != nil {
		return "", false, nil
	}
	return full, true, nil
}

// prune retains the cfg.Retention most recent generations (by name, which
// sorts chronologically since it's prefixed by a unix-nanosecond
// timestamp) and removes the rest, tolerating permission failures.
func (m *Manager) prune(keep string) {
	entries, err := os.ReadDir(m.cfg.Base)
	if err != nil {
		slog.Warn("generation: prune: list dir failed", "error", err)
		return
	}

	var generations []string
	prefix := m.cfg.Stem + "-"
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".idx") {
			generations = append(generations, e.Name())
		}
	}
	sort.Strings(generations)

	if len(generations) <= m.cfg.Retention {
		return
	}
	toDelete := generations[:len(generations)-m.cfg.Retention]
	for _, name := range toDelete {
		if name == keep {
			continue
		}
		if err := os.Remove(filepath.Join(m.cfg.Base, name)); err != nil && !os.IsPermission(err) {
			slog.Warn("generation: prune: failed to remove old generation", "name", name, "error", err)
		}
	}
}
