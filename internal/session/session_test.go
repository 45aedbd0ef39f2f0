package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/converselabs/converse/internal/config"
)

func TestValidateName(t *testing.T) {
	valid := []string{"main", "work", "a", "user_2", "my-profile", strings.Repeat("x", 64)}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "Main", "has space", "dot.name", "../escape", strings.Repeat("x", 65)}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}

func TestPathsAreUnderProfileDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	dir := Dir("work")
	for name, path := range map[string]string{
		"lock": LockPath("work"),
		"db":   DBPath("work"),
		"log":  LogPath("work"),
	} {
		if !strings.HasPrefix(path, dir+string(filepath.Separator)) {
			t.Errorf("%s path %q not under profile dir %q", name, path, dir)
		}
	}
}

func TestEnsureDirCreatesTree(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if err := EnsureDir("work"); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	for _, d := range []string{Dir("work"), LogDir("work")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("stat %s: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s perms = %o, want 0700", d, perm)
		}
	}

	// Idempotent.
	if err := EnsureDir("work"); err != nil {
		t.Errorf("second EnsureDir: %v", err)
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	// No config file: fall back to the default.
	if got := Resolve(""); got != DefaultProfile {
		t.Errorf("Resolve with no config = %q, want %q", got, DefaultProfile)
	}

	// Config default wins over the built-in default.
	if err := config.Save(ConfigPath(), &config.Config{DefaultProfile: "work"}); err != nil {
		t.Fatalf("save config: %v", err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve with config default = %q, want work", got)
	}

	// The flag wins over everything.
	if got := Resolve("override"); got != "override" {
		t.Errorf("Resolve with flag = %q, want override", got)
	}
}
