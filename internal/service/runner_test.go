package service_test

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/runwarden/runwarden/internal/service"
	"github.com/stretchr/testify/require"
)

func TestRunner(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	var mx sync.Mutex
	var stdout, stderr []string
	collect := func(dst *[]string) service.LineFunc {
		return func(_ context.Context, line string) {
			mx.Lock()
			defer mx.Unlock()
			*dst = append(*dst, line)
		}
	}

	cmd := service.Command{
		Path: sh,
		Args: []string{"-c", "echo one; printf 'err\\nerr\\n' 1>&2; echo two; exit 3"},
		Env:  []string{"LC_ALL=C"},
	}
	runner, err := service.StartRunner(t.Context(), cmd, collect(&stdout), collect(&stderr))
	require.NoError(t, err)
	require.Positive(t, runner.PID())

	res := runner.Wait()
	require.Equal(t, sh, res.Path)
	require.NotZero(t, res.Started)
	require.False(t, res.Stopped.Before(res.Started))
	require.Equal(t, "one\ntwo\n", res.Stdout)
	require.Equal(t, "err\nerr\n", res.Stderr)
	require.Equal(t, 3, res.ExitCode())
	require.False(t, res.TimedOut)
	var exitErr *exec.ExitError
	require.ErrorAs(t, res.Err, &exitErr)

	require.Equal(t, []string{"one", "two"}, stdout)
	require.Equal(t, []string{"err", "err"}, stderr)

	// a second waiter gets the same result
	require.Equal(t, res, runner.Wait())
	require.NoError(t, runner.Terminate())
}

func TestRunner_Timeout(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	cmd := service.Command{
		Path:    sh,
		Args:    []string{"-c", "sleep 30"},
		Timeout: 100 * time.Millisecond,
	}
	runner, err := service.StartRunner(t.Context(), cmd, nil, nil)
	require.NoError(t, err)

	select {
	case <-runner.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process was not terminated")
	}
	res := runner.Wait()
	require.True(t, res.TimedOut)
	require.Error(t, res.Err)
	require.GreaterOrEqual(t, res.Stopped.Sub(res.Started), 100*time.Millisecond)
}

func TestRunner_Terminate(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	runner, err := service.StartRunner(t.Context(), service.Command{
		Path: sh,
		Args: []string{"-c", "sleep 30 & wait"},
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, runner.Terminate())

	res := runner.Wait()
	require.NotEqual(t, 0, res.ExitCode())
	require.False(t, res.TimedOut)
}

func TestRunner_ExecError(t *testing.T) {
	t.Parallel()
	_, err := service.StartRunner(t.Context(), service.Command{Path: "does not exist"}, nil, nil)
	require.Error(t, err)
	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, "does not exist", execErr.Name)
}

func lookPath(t *testing.T, name string) string {
	t.Helper()
	p, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("skipped, binary %s not available: %v", name, err)
	}
	return p
}
