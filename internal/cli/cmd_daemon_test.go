package cli

// NOTE: Tests in this file use os.Chdir() which is process-wide and not goroutine-safe.
// These tests MUST NOT use t.Parallel() and run sequentially within this package.

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/randalmurphal/ralph/internal/config"
)

func TestDaemonCmd_Flags(t *testing.T) {
	cmd := newDaemonCmd()

	if cmd.Use != "daemon" {
		t.Errorf("command Use = %q, want %q", cmd.Use, "daemon")
	}
	if len(cmd.Aliases) != 1 || cmd.Aliases[0] != "d" {
		t.Errorf("command Aliases = %v, want [d]", cmd.Aliases)
	}
	if cmd.Flag("listen") == nil {
		t.Error("missing --listen flag")
	}
	if cmd.Flag("once") == nil {
		t.Error("missing --once flag")
	}
}

func TestDaemonCmd_RequiresInit(t *testing.T) {
	tmpDir := t.TempDir()
	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)
	os.Chdir(tmpDir)

	cmd := newDaemonCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "not initialized") {
		t.Errorf("expected init error, got %v", err)
	}
}

func TestDaemonCmd_RequiresRepos(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", filepath.Join(tmpDir, "home"))

	ralphDir := filepath.Join(tmpDir, config.RalphDir)
	if err := os.MkdirAll(ralphDir, 0755); err != nil {
		t.Fatalf("create %s dir: %v", config.RalphDir, err)
	}
	if err := os.WriteFile(filepath.Join(ralphDir, config.ConfigFileName), []byte("version: 1\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)
	os.Chdir(tmpDir)

	cmd := newDaemonCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "no repositories configured") {
		t.Errorf("expected no-repos error, got %v", err)
	}
}

func TestDaemonCmd_RequiresAgentBinary(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", filepath.Join(tmpDir, "home"))

	ralphDir := filepath.Join(tmpDir, config.RalphDir)
	if err := os.MkdirAll(ralphDir, 0755); err != nil {
		t.Fatalf("create %s dir: %v", config.RalphDir, err)
	}
	configContent := `version: 1
label: ralph
agent_bin: ralph-test-agent-that-does-not-exist
repos:
  - name: acme/widgets
`
	if err := os.WriteFile(filepath.Join(ralphDir, config.ConfigFileName), []byte(configContent), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)
	os.Chdir(tmpDir)

	cmd := newDaemonCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "is not available") {
		t.Errorf("expected missing-agent error, got %v", err)
	}
}
