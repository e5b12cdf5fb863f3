package batch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/runwarden/runwarden/internal/batch"
	"github.com/runwarden/runwarden/internal/model"
)

// fakeExecutor finishes every request after delay. Requests whose scriptId
// is listed in statuses finish with that status, a scriptId in rejected
// fails validation.
type fakeExecutor struct {
	delay    time.Duration
	statuses map[string]model.Status
	rejected map[string]bool

	running atomic.Int32
	peak    atomic.Int32
	mx      sync.Mutex
	order   []string
}

func (f *fakeExecutor) Execute(ctx context.Context, req model.ExecutionRequest) (model.ExecutionResult, error) {
	if f.rejected[req.ScriptID] {
		return model.ExecutionResult{}, fmt.Errorf("%w: %s", model.ErrPathNotAllowed, req.ScriptPath)
	}
	n := f.running.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mx.Lock()
	f.order = append(f.order, req.ScriptID)
	f.mx.Unlock()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
	}
	f.running.Add(-1)

	res := model.ExecutionResult{
		ExecutionID: req.ScriptID + "_1",
		ScriptID:    req.ScriptID,
		FileName:    req.FileName,
		Status:      model.StatusRunning,
		StartTime:   time.Now(),
	}
	status, ok := f.statuses[req.ScriptID]
	if !ok {
		status = model.StatusCompleted
	}
	res.Finish(status, time.Now())
	if status != model.StatusCompleted {
		return res, errors.New(string(status))
	}
	return res, nil
}

func requests(n int) []model.ExecutionRequest {
	out := make([]model.ExecutionRequest, n)
	for i := range out {
		out[i] = model.ExecutionRequest{
			ScriptID:   fmt.Sprintf("s%d", i),
			ScriptPath: fmt.Sprintf("/srv/uploads/s%d.spec.js", i),
			FileName:   fmt.Sprintf("s%d.spec.js", i),
		}
	}
	return out
}

func TestExecute_Parallel(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{
		delay:    20 * time.Millisecond,
		statuses: map[string]model.Status{"s1": model.StatusFailed, "s3": model.StatusCancelled},
		rejected: map[string]bool{"s4": true},
	}
	c := batch.NewCoordinator(exec)

	res := c.Execute(t.Context(), "b1", requests(5), true, 2)
	require.Equal(t, "b1", res.BatchID)
	require.Equal(t, 5, res.TotalScripts)
	require.Equal(t, 2, res.CompletedScripts)
	require.Equal(t, 3, res.FailedScripts)
	require.LessOrEqual(t, exec.peak.Load(), int32(2))

	require.Len(t, res.Results, 5)
	for i, r := range res.Results {
		require.Equal(t, fmt.Sprintf("s%d", i), r.ScriptID)
		require.True(t, r.Status.Terminal())
	}
	require.Equal(t, model.StatusCancelled, res.Results[3].Status)
	require.Equal(t, model.StatusFailed, res.Results[4].Status)
	require.Contains(t, res.Results[4].Error, "not allowed")
	require.Empty(t, res.Results[4].ExecutionID)
}

func TestExecute_Serial(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{delay: time.Millisecond}
	c := batch.NewCoordinator(exec)

	res := c.Execute(t.Context(), "", requests(4), false, 10)
	require.NotEmpty(t, res.BatchID)
	require.Equal(t, 4, res.CompletedScripts)
	require.Equal(t, int32(1), exec.peak.Load())
	require.Equal(t, []string{"s0", "s1", "s2", "s3"}, exec.order)
}

func TestExecute_DefaultConcurrency(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{delay: 20 * time.Millisecond}
	c := batch.NewCoordinator(exec)

	res := c.Execute(t.Context(), "b", requests(7), true, 0)
	require.Equal(t, 7, res.CompletedScripts)
	require.LessOrEqual(t, exec.peak.Load(), int32(batch.DefaultConcurrency))
}

func TestExecute_Empty(t *testing.T) {
	t.Parallel()
	res := batch.NewCoordinator(&fakeExecutor{}).Execute(t.Context(), "b", nil, true, 3)
	require.Zero(t, res.TotalScripts)
	require.Empty(t, res.Results)
}

func TestExecute_CountsAddUp(t *testing.T) {
	t.Parallel()
	statuses := []model.Status{model.StatusCompleted, model.StatusFailed, model.StatusCancelled}
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 12).Draw(t, "n")
		exec := &fakeExecutor{statuses: map[string]model.Status{}, rejected: map[string]bool{}}
		for i := range n {
			id := fmt.Sprintf("s%d", i)
			if rapid.Bool().Draw(t, "rejected") {
				exec.rejected[id] = true
				continue
			}
			exec.statuses[id] = rapid.SampledFrom(statuses).Draw(t, "status")
		}
		res := batch.NewCoordinator(exec).Execute(context.Background(), "b", requests(n),
			rapid.Bool().Draw(t, "parallel"), rapid.IntRange(-1, 5).Draw(t, "max"))

		if res.CompletedScripts+res.FailedScripts != res.TotalScripts {
			t.Fatalf("completed %d + failed %d != total %d", res.CompletedScripts, res.FailedScripts, res.TotalScripts)
		}
		if len(res.Results) != n {
			t.Fatalf("got %d results for %d requests", len(res.Results), n)
		}
	})
}

func TestLimit(t *testing.T) {
	t.Parallel()
	require.Equal(t, 3, batch.Limit(0))
	require.Equal(t, 3, batch.Limit(-2))
	require.Equal(t, 7, batch.Limit(7))
}
