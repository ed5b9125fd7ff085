package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CLASSMESH_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runDoctorCommand(context.Background(), nil)
	// Doctor may return 0 or 1 depending on environment (e.g., no daemon),
	// but it should not return a usage error.
	if code == 2 {
		t.Fatalf("unexpected exit code 2 (parse error)")
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CLASSMESH_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, flag := range []string{"-json", "--json"} {
		code := runDoctorCommand(context.Background(), []string{flag})
		if code != 0 {
			t.Fatalf("%s: got exit code %d, want 0", flag, code)
		}
	}
}

func TestRunDoctorCommand_NeedsGenesis(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CLASSMESH_HOME", home)
	// No config.yaml at all triggers the genesis path.

	code := runDoctorCommand(context.Background(), nil)
	if code < 0 {
		t.Fatalf("unexpected negative exit code: %d", code)
	}
}
