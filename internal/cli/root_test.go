package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCmd(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	cmd := newVersionCmd()
	cmd.SetOut(&buf)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(buf.String(), "ralph version ") {
		t.Errorf("unexpected version output: %q", buf.String())
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	want := map[string]bool{
		"init": false, "daemon": false, "status": false, "tasks": false,
		"runs": false, "watch": false, "config": false, "version": false,
	}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("root command missing %q subcommand", name)
		}
	}
}

func TestRootCmd_GlobalFlags(t *testing.T) {
	for _, flag := range []string{"config", "profile", "run-id", "verbose", "json"} {
		if rootCmd.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("missing global --%s flag", flag)
		}
	}
}
