package cli_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/llfs-go/llfs/internal/cli"
)

func run(t *testing.T, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()

	var outBuf, errBuf bytes.Buffer

	exitCode = cli.Run(&outBuf, &errBuf, append([]string{"llfs"}, args...), nil)

	return outBuf.String(), errBuf.String(), exitCode
}

func TestRunHelp(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{{}, {"--help"}, {"-h"}} {
		out, errOut, code := run(t, args...)

		if code != 0 {
			t.Fatalf("args %v: exit code = %d, want 0", args, code)
		}

		if errOut != "" {
			t.Fatalf("args %v: stderr = %q, want empty", args, errOut)
		}

		if !strings.Contains(out, "llfs -") {
			t.Errorf("args %v: stdout should contain title, got %q", args, out)
		}

		for _, want := range []string{"create", "info", "trim", "recover"} {
			if !strings.Contains(out, want) {
				t.Errorf("args %v: stdout should list %q command", args, want)
			}
		}
	}
}

func TestRunUnknownCommand(t *testing.T) {
	t.Parallel()

	_, errOut, code := run(t, "bogus")

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	if !strings.Contains(errOut, "unknown command") {
		t.Errorf("stderr = %q, want mention of unknown command", errOut)
	}
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()

	configPath := filepath.Join(dir, "llfs.jsonc")
	config := `{
		// the volume's own log
		"log_path": "` + filepath.Join(dir, "volume.log") + `",
		"log_capacity": 65536,
		"devices": [
			{
				"index": 0,
				"page_path": "` + filepath.Join(dir, "pages0.dat") + `",
				"page_size": 4096,
				"page_count": 16,
				"alloc_path": "` + filepath.Join(dir, "alloc0.log") + `",
				"alloc_log_capacity": 65536,
			},
		],
	}`

	if err := os.WriteFile(configPath, []byte(config), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	return configPath
}

func TestCreateInfoTrimRecover(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	configPath := writeConfig(t, dir)

	out, errOut, code := run(t, "create", configPath)
	if code != 0 {
		t.Fatalf("create: exit code = %d, stderr = %q", code, errOut)
	}

	if !strings.Contains(out, "volume_id:") {
		t.Errorf("create: stdout should print volume_id, got %q", out)
	}

	// create again must fail: the log already exists.
	_, errOut, code = run(t, "create", configPath)
	if code == 0 {
		t.Fatalf("second create: expected failure, got exit 0")
	}

	if !strings.Contains(errOut, "already exists") {
		t.Errorf("second create: stderr = %q, want mention of already exists", errOut)
	}

	out, errOut, code = run(t, "info", configPath)
	if code != 0 {
		t.Fatalf("info: exit code = %d, stderr = %q", code, errOut)
	}

	if !strings.Contains(out, "trim=0 flush=0 commit=0") {
		t.Errorf("info: want empty log pointers, got %q", out)
	}

	if !strings.Contains(out, "16 free, 0 garbage, 0 live (of 16)") {
		t.Errorf("info: want all-free census, got %q", out)
	}

	out, errOut, code = run(t, "trim", configPath, "0")
	if code != 0 {
		t.Fatalf("trim: exit code = %d, stderr = %q", code, errOut)
	}

	if !strings.Contains(out, "trim=0") {
		t.Errorf("trim: stdout = %q", out)
	}

	out, errOut, code = run(t, "recover", configPath)
	if code != 0 {
		t.Fatalf("recover: exit code = %d, stderr = %q", code, errOut)
	}

	if !strings.Contains(out, "log recovered") || !strings.Contains(out, "device 0 recovered") {
		t.Errorf("recover: stdout = %q", out)
	}
}

func TestInfoWithoutCreateFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	configPath := writeConfig(t, dir)

	_, errOut, code := run(t, "info", configPath)
	if code == 0 {
		t.Fatalf("expected failure without create, got exit 0")
	}

	if !strings.Contains(errOut, "run 'llfs create' first") {
		t.Errorf("stderr = %q, want hint to run create first", errOut)
	}
}

func TestTrimRejectsMissingArgs(t *testing.T) {
	t.Parallel()

	_, errOut, code := run(t, "trim", "config.jsonc")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	if errOut == "" {
		t.Errorf("expected an error message for missing <new-trim-pos>")
	}
}
