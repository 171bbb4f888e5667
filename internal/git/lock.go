package git

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// SetupLockFile is the lock held while setup commands run in a directory.
const SetupLockFile = ".ralph/setup.lock"

// DefaultLockTTL is how long a lock survives without a heartbeat before
// another daemon may claim it.
const DefaultLockTTL = 60 * time.Second

// lockRecord is the on-disk lock format.
type lockRecord struct {
	Owner     string    `yaml:"owner"`
	Acquired  time.Time `yaml:"acquired"`
	Heartbeat time.Time `yaml:"heartbeat"`
	TTL       string    `yaml:"ttl"`
	PID       int       `yaml:"pid"`
}

func (l *lockRecord) ttlDuration() time.Duration {
	d, err := time.ParseDuration(l.TTL)
	if err != nil {
		return DefaultLockTTL
	}
	return d
}

func (l *lockRecord) stale() bool {
	return time.Since(l.Heartbeat) > l.ttlDuration()
}

// LockHeldError is returned when a live lock belongs to someone else.
type LockHeldError struct {
	Dir   string
	Owner string
	PID   int
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("directory %s is locked by %s (pid %d)", e.Dir, e.Owner, e.PID)
}

// DirLock is a heartbeat-refreshed lock on a directory. It guards setup
// commands so two daemons never install dependencies into the same tree at
// once. A crashed holder's lock goes stale after its TTL and can be claimed.
type DirLock struct {
	dir   string
	owner string
	ttl   time.Duration

	mu       sync.Mutex
	released bool
	stop     chan struct{}
	done     chan struct{}
}

// AcquireDirLock locks dir for owner. A live lock held by another owner
// returns *LockHeldError; a stale one is claimed. The lock heartbeats in the
// background until Release.
func AcquireDirLock(dir, owner string, ttl time.Duration) (*DirLock, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	path := filepath.Join(dir, SetupLockFile)

	if existing, err := readLockRecord(path); err == nil {
		if !existing.stale() && existing.Owner != owner {
			return nil, &LockHeldError{Dir: dir, Owner: existing.Owner, PID: existing.PID}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read lock: %w", err)
	}

	l := &DirLock{
		dir:   dir,
		owner: owner,
		ttl:   ttl,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if err := l.write(); err != nil {
		return nil, err
	}

	go l.heartbeatLoop()
	return l, nil
}

func (l *DirLock) path() string {
	return filepath.Join(l.dir, SetupLockFile)
}

func (l *DirLock) write() error {
	if err := os.MkdirAll(filepath.Dir(l.path()), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	rec := &lockRecord{
		Owner:     l.owner,
		Acquired:  time.Now().UTC(),
		Heartbeat: time.Now().UTC(),
		TTL:       l.ttl.String(),
		PID:       os.Getpid(),
	}
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}

	tmpPath := l.path() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	if err := os.Rename(tmpPath, l.path()); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename lock: %w", err)
	}
	return nil
}

func (l *DirLock) heartbeatLoop() {
	defer close(l.done)
	interval := l.ttl / 6
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			if !l.released {
				_ = l.write()
			}
			l.mu.Unlock()
		}
	}
}

// Release stops the heartbeat and removes the lock file. Safe to call more
// than once.
func (l *DirLock) Release() error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	close(l.stop)
	l.mu.Unlock()
	<-l.done

	if err := os.Remove(l.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

func readLockRecord(path string) (*lockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec lockRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &rec, nil
}
