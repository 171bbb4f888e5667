package git

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDirLock_AcquireRelease(t *testing.T) {
	dir := t.TempDir()

	l, err := AcquireDirLock(dir, "daemon-a", time.Minute)
	if err != nil {
		t.Fatalf("AcquireDirLock failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, SetupLockFile)); err != nil {
		t.Fatalf("lock file not written: %v", err)
	}

	// A second owner is refused while the lock is live.
	_, err = AcquireDirLock(dir, "daemon-b", time.Minute)
	var held *LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("want LockHeldError, got %v", err)
	}
	if held.Owner != "daemon-a" {
		t.Errorf("held by %q, want daemon-a", held.Owner)
	}

	// The same owner may reacquire (crash-restart of the same daemon).
	l2, err := AcquireDirLock(dir, "daemon-a", time.Minute)
	if err != nil {
		t.Fatalf("reacquire by owner failed: %v", err)
	}
	_ = l2.Release()

	if err := l.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, SetupLockFile)); !os.IsNotExist(err) {
		t.Error("lock file not removed on release")
	}

	// Release twice is fine.
	if err := l.Release(); err != nil {
		t.Errorf("second Release errored: %v", err)
	}
}

func TestDirLock_StaleTakeover(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SetupLockFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}

	// A lock whose heartbeat died long ago.
	stale := &lockRecord{
		Owner:     "daemon-dead",
		Acquired:  time.Now().Add(-time.Hour),
		Heartbeat: time.Now().Add(-time.Hour),
		TTL:       "30s",
		PID:       99999,
	}
	data, err := yaml.Marshal(stale)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := AcquireDirLock(dir, "daemon-live", time.Minute)
	if err != nil {
		t.Fatalf("stale takeover failed: %v", err)
	}
	defer func() { _ = l.Release() }()

	rec, err := readLockRecord(path)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Owner != "daemon-live" {
		t.Errorf("owner = %q, want daemon-live", rec.Owner)
	}
}
