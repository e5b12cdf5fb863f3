package orchestrator_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runwarden/runwarden/internal/events"
	"github.com/runwarden/runwarden/internal/model"
	"github.com/runwarden/runwarden/internal/orchestrator"
	"github.com/runwarden/runwarden/internal/service"
	"github.com/runwarden/runwarden/internal/store"
)

type batchLog struct {
	mx      sync.Mutex
	batches []model.BatchResult
}

func (b *batchLog) BatchComplete(_ context.Context, res model.BatchResult) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.batches = append(b.batches, res)
}

type env struct {
	facade  *orchestrator.Facade
	store   *store.Store
	uploads string
	batches *batchLog
	events  *[]events.Event
}

// newEnv wires the facade to a real supervisor and store. The runner is
// `sh -c script`; the script sees the script path in $RUNWARDEN_SCRIPT.
func newEnv(t *testing.T, script string) *env {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	dir := t.TempDir()
	uploads := filepath.Join(dir, "uploads")
	require.NoError(t, os.MkdirAll(uploads, 0o755))

	st, err := store.Open(filepath.Join(dir, "results"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var mx sync.Mutex
	var seen []events.Event
	bus := events.NewBus()
	bus.Subscribe(events.SubscriberFunc(func(_ context.Context, e events.Event) {
		mx.Lock()
		defer mx.Unlock()
		seen = append(seen, e)
	}))

	sup, err := service.NewSupervisor(service.Config{
		Runner:      service.Command{Path: sh, Args: []string{"-c", script, "runner"}},
		ScratchDir:  filepath.Join(dir, "scratch"),
		ConfigDir:   filepath.Join(dir, "configs"),
		Grace:       time.Second,
		AllowedDirs: func() []string { return []string{uploads} },
	}, st, bus)
	require.NoError(t, err)

	bl := &batchLog{}
	f := orchestrator.New(t.Context(), sup, st, bl)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = f.Close(ctx)
	})
	return &env{facade: f, store: st, uploads: uploads, batches: bl, events: &seen}
}

func (e *env) script(t *testing.T, name string) model.ExecutionRequest {
	t.Helper()
	p := filepath.Join(e.uploads, name)
	require.NoError(t, os.WriteFile(p, []byte("test()"), 0o644))
	return model.ExecutionRequest{ScriptPath: p, FileName: name}
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	e := newEnv(t, `echo passed`)
	req := e.script(t, "a.spec.js")

	task, err := e.facade.Submit(t.Context(), req)
	require.NoError(t, err)
	require.NotEmpty(t, task.ScriptID)
	require.Equal(t, "a.spec.js", task.FileName)

	res, err := task.Wait(t.Context())
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, res.Status)
	require.Equal(t, task.ScriptID, res.ScriptID)

	stored, err := e.facade.Result(t.Context(), res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, "passed\n", stored.Output)

	hist, err := e.facade.History(t.Context(), task.ScriptID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)

	stats, err := e.facade.Stats(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Successful)

	report, err := e.facade.Report(t.Context(), res.ExecutionID)
	require.NoError(t, err)
	require.Contains(t, string(report), res.ExecutionID)

	n, err := e.facade.DeleteResultsByFileName(t.Context(), "a.spec.js")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = e.facade.Result(t.Context(), res.ExecutionID)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestSubmit_Rejected(t *testing.T) {
	t.Parallel()
	e := newEnv(t, `echo passed`)

	_, err := e.facade.Submit(t.Context(), model.ExecutionRequest{
		ScriptPath: "/etc/passwd",
		FileName:   "passwd",
	})
	require.ErrorIs(t, err, model.ErrPathNotAllowed)

	_, err = e.facade.Submit(t.Context(), model.ExecutionRequest{
		ScriptPath: filepath.Join(e.uploads, "missing.js"),
		FileName:   "missing.js",
	})
	require.ErrorIs(t, err, model.ErrScriptNotFound)
	require.Empty(t, *e.events)
}

func TestSubmit_OutlivesRequestContext(t *testing.T) {
	t.Parallel()
	e := newEnv(t, `sleep 0.2; echo late`)
	req := e.script(t, "slow.spec.js")

	ctx, cancel := context.WithCancel(t.Context())
	task, err := e.facade.Submit(ctx, req)
	require.NoError(t, err)
	cancel()

	res, err := task.Wait(t.Context())
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, res.Status)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	e := newEnv(t, `sleep 30`)
	req := e.script(t, "long.spec.js")
	req.ScriptID = "long"

	task, err := e.facade.Submit(t.Context(), req)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(e.facade.Running()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, e.facade.Cancel(t.Context(), "long"))
	require.False(t, e.facade.Cancel(t.Context(), "long"))

	res, err := task.Wait(t.Context())
	require.Error(t, err)
	require.Equal(t, model.StatusCancelled, res.Status)
	require.Empty(t, e.facade.Running())
}

func TestSubmitBatch(t *testing.T) {
	t.Parallel()
	e := newEnv(t, `case "$RUNWARDEN_SCRIPT_ID" in bad*) exit 1;; esac; echo ok`)
	reqs := []model.ExecutionRequest{
		e.script(t, "one.spec.js"),
		e.script(t, "two.spec.js"),
		e.script(t, "three.spec.js"),
		{ScriptPath: "/etc/passwd", FileName: "passwd"},
	}
	reqs[1].ScriptID = "bad-two"

	_, err := e.facade.SubmitBatch(t.Context(), nil, true, 2)
	require.ErrorIs(t, err, model.ErrInvalidRequest)

	task, err := e.facade.SubmitBatch(t.Context(), reqs, true, 0)
	require.NoError(t, err)
	require.NotEmpty(t, task.BatchID)
	require.Equal(t, 4, task.TotalScripts)
	require.Equal(t, 3, task.MaxConcurrency)

	res, err := task.Wait(t.Context())
	require.NoError(t, err)
	require.Equal(t, task.BatchID, res.BatchID)
	require.Equal(t, 2, res.CompletedScripts)
	require.Equal(t, 2, res.FailedScripts)
	require.Equal(t, model.StatusFailed, res.Results[1].Status)
	require.Equal(t, model.StatusFailed, res.Results[3].Status)

	e.batches.mx.Lock()
	defer e.batches.mx.Unlock()
	require.Len(t, e.batches.batches, 1)
	require.Equal(t, task.BatchID, e.batches.batches[0].BatchID)
}

func TestClose(t *testing.T) {
	t.Parallel()
	e := newEnv(t, `sleep 30`)
	task, err := e.facade.Submit(t.Context(), e.script(t, "x.spec.js"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(e.facade.Running()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.facade.Close(ctx), context.DeadlineExceeded)

	select {
	case <-task.Done():
	default:
		t.Fatal("Close returned before the execution finished")
	}
	res, _ := task.Wait(t.Context())
	require.Equal(t, model.StatusCancelled, res.Status)

	_, err = e.facade.Submit(t.Context(), e.script(t, "y.spec.js"))
	require.ErrorIs(t, err, orchestrator.ErrClosed)
}
