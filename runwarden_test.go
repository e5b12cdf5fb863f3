package runwarden_test

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/runwarden/runwarden/internal/model"
)

var (
	runwardenPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("runwarden-ci") {
		slog.Error("cannot locate runwarden-ci binary: run go build -race -cover -covermode=atomic -o runwarden-ci ./cmd/runwarden/ first")
		os.Exit(1)
	}

	var err error
	runwardenPath, err = filepath.Abs("runwarden-ci")
	if err != nil {
		slog.Error("can't get abspath for runwarden-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for runwarden-ci", "error", err)
		os.Exit(1)
	}
	if err := rmRfMkdirp(coverDir); err != nil {
		slog.Error("can't reset GOCOVERDIR for runwarden-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}
	if err := os.Setenv("GOCOVERDIR", coverDir); err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// the fake runner prints a line, drops a screenshot and exits with the code
// found in the script
const config = `
version: 0
service:
    log: discard
server:
    uploads_dir: uploads
runner:
    path: sh
    args:
        - -c
        - 'echo "running $RUNWARDEN_SCRIPT_ID"; printf png > "$RUNWARDEN_OUTPUT_DIR/shot.png"; exit $(cat uploads/code)'
        - runner
    scratch_dir: scratch
    config_dir: configs
results:
    dir: store
`

func TestRun(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	var testCases = []struct {
		scenario string
		given    string
		then     model.Status
		exitCode int
	}{
		{
			scenario: "passing script",
			given:    "0",
			then:     model.StatusCompleted,
		},
		{
			scenario: "failing script",
			given:    "3",
			then:     model.StatusFailed,
			exitCode: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_ = chDir(t)
			creat(t, "runwarden.yaml", []byte(config))
			require.NoError(t, os.MkdirAll("uploads", 0o755))
			creat(t, "uploads/code", []byte(tc.given))
			creat(t, "uploads/login.spec.ts", []byte("test('login', async () => {})\n"))

			stdout, stderr, code := run(t, "run", "--config", "runwarden.yaml", "--script-id", "login", "uploads/login.spec.ts")
			require.Equal(t, tc.exitCode, code, stderr)

			var res model.ExecutionResult
			require.NoError(t, json.Unmarshal(stdout, &res))
			require.Equal(t, tc.then, res.Status)
			require.Equal(t, "login", res.ScriptID)
			require.Equal(t, "login.spec.ts", res.FileName)
			require.Contains(t, res.Output, "running login")
			require.Len(t, res.Screenshots, 1)
			require.NotNil(t, res.EndTime)

			stored, err := os.ReadFile(filepath.Join("store", res.ExecutionID+".json"))
			require.NoError(t, err)
			require.Contains(t, string(stored), res.ExecutionID)

			entries, err := os.ReadDir("configs")
			require.NoError(t, err)
			require.Empty(t, entries)
		})
	}
}

func TestRun_PathNotAllowed(t *testing.T) {
	_ = chDir(t)
	creat(t, "runwarden.yaml", []byte(config))
	creat(t, "outside.spec.ts", []byte("test('x', async () => {})\n"))

	stdout, _, code := run(t, "run", "--config", "runwarden.yaml", "outside.spec.ts")
	require.Equal(t, 1, code)
	require.Empty(t, stdout)
	records, err := filepath.Glob(filepath.Join("store", "*.json"))
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestRun_AllowedScriptDirsEnv(t *testing.T) {
	dir := chDir(t)
	creat(t, "runwarden.yaml", []byte(config))
	require.NoError(t, os.MkdirAll("uploads", 0o755))
	creat(t, "uploads/code", []byte("0"))
	require.NoError(t, os.MkdirAll("e2e", 0o755))
	creat(t, "e2e/cart.spec.ts", []byte("test('cart', async () => {})\n"))

	t.Setenv(model.EnvAllowedScriptDirs, filepath.Join(dir, "e2e"))
	stdout, stderr, code := run(t, "run", "--config", "runwarden.yaml", "e2e/cart.spec.ts")
	require.Equal(t, 0, code, stderr)

	var res model.ExecutionResult
	require.NoError(t, json.Unmarshal(stdout, &res))
	require.Equal(t, model.StatusCompleted, res.Status)
	require.NotEmpty(t, res.ScriptID)
}

func TestVersion(t *testing.T) {
	_ = chDir(t)
	creat(t, "runwarden.yaml", []byte(config))
	stdout, stderr, code := run(t, "version", "--config", "runwarden.yaml")
	require.Equal(t, 0, code, stderr)
	require.Contains(t, string(stdout), "runwarden:")
}

func run(t *testing.T, args ...string) ([]byte, string, int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, runwardenPath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		require.ErrorAs(t, err, &exitErr, stderr.String())
	}
	// store the $TEST_NAME json
	creat(t, filepath.Base(t.Name())+".json", stdout.Bytes())
	return stdout.Bytes(), stderr.String(), cmd.ProcessState.ExitCode()
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
