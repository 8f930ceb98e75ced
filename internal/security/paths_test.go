package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWithinDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "plots"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"existing subdir", filepath.Join(dir, "plots"), false},
		{"new file", filepath.Join(dir, "plots", "traj.png"), false},
		{"new nested file", filepath.Join(dir, "a", "b", "c.png"), false},
		{"dir itself", dir, false},
		{"dotdot escape", filepath.Join(dir, "plots", "..", "..", "etc", "passwd"), true},
		{"absolute elsewhere", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WithinDir(tt.path, dir)
			if (err != nil) != tt.wantErr {
				t.Errorf("WithinDir(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestWithinDir_SymlinkedParent(t *testing.T) {
	safe := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(safe, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if err := WithinDir(filepath.Join(link, "new.db"), safe); err == nil {
		t.Error("expected a symlinked parent pointing outside to be rejected")
	}
}

func TestWithinAnyDir(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	if err := WithinAnyDir(filepath.Join(b, "x.png"), a, b); err != nil {
		t.Errorf("expected path in second dir to pass: %v", err)
	}
	if err := WithinAnyDir(filepath.Join(b, "x.png")); err == nil {
		t.Error("expected error with no allowed dirs")
	}
	if err := WithinAnyDir("/etc/passwd", a, b); err == nil {
		t.Error("expected error for path outside both dirs")
	}
}

func TestValidateOutputPath(t *testing.T) {
	if err := ValidateOutputPath(filepath.Join(os.TempDir(), "trajectory.png")); err != nil {
		t.Errorf("temp dir output rejected: %v", err)
	}
	if err := ValidateOutputPath("trajectory.png"); err != nil {
		t.Errorf("relative output rejected: %v", err)
	}
	if err := ValidateOutputPath("/etc/trajectory.png"); err == nil {
		t.Error("expected /etc output to be rejected")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sim_control.db", "sim_control.db"},
		{"../../etc/passwd", "etc_passwd"},
		{"run 42: left turn", "run_42_left_turn"},
		{"..", "unknown"},
		{"", "unknown"},
		{"häßlich", "h_lich"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := SanitizeFilename(strings.Repeat("a", 500))
	if len(long) != maxFilenameLen {
		t.Errorf("expected length %d, got %d", maxFilenameLen, len(long))
	}
}
