// Package orchestrator wires the supervisor, the batch coordinator and the
// result store into the operations offered to external callers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/runwarden/runwarden/internal/batch"
	"github.com/runwarden/runwarden/internal/log"
	"github.com/runwarden/runwarden/internal/model"
)

var ErrClosed = errors.New("orchestrator is closed")

// Supervisor runs single executions.
type Supervisor interface {
	Validate(req model.ExecutionRequest) error
	Execute(ctx context.Context, req model.ExecutionRequest) (model.ExecutionResult, error)
	Cancel(ctx context.Context, scriptID string) bool
	Running() []model.RunningTest
}

// Results is the query side of the result store.
type Results interface {
	Get(ctx context.Context, executionID string) (model.StoredExecutionResult, error)
	History(ctx context.Context, scriptID string, limit int) ([]model.StoredExecutionResult, error)
	Delete(ctx context.Context, executionID string) (bool, error)
	DeleteByFileName(ctx context.Context, fileName string) (int, error)
	Stats(ctx context.Context) (model.Stats, error)
	Report(ctx context.Context, executionID string) ([]byte, error)
	OpenArtifact(ctx context.Context, executionID string, kind model.ArtifactKind, fileName string) (io.ReadCloser, error)
}

// BatchNotifier is told about finished batches.
type BatchNotifier interface {
	BatchComplete(ctx context.Context, res model.BatchResult)
}

// Facade runs submitted work in the background on its own context, so it
// outlives the request that submitted it.
type Facade struct {
	sup      Supervisor
	batches  *batch.Coordinator
	results  Results
	notifier BatchNotifier

	base   context.Context
	cancel context.CancelFunc

	mx     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(ctx context.Context, sup Supervisor, results Results, notifier BatchNotifier) *Facade {
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Facade{
		sup:      sup,
		batches:  batch.NewCoordinator(sup),
		results:  results,
		notifier: notifier,
		base:     base,
		cancel:   cancel,
	}
}

// Task is a submitted single execution.
type Task struct {
	ScriptID string
	FileName string

	done chan struct{}
	res  model.ExecutionResult
	err  error
}

// Done is closed once the execution reached a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the execution finished or ctx is done.
func (t *Task) Wait(ctx context.Context) (model.ExecutionResult, error) {
	select {
	case <-t.done:
		return t.res, t.err
	case <-ctx.Done():
		return model.ExecutionResult{}, ctx.Err()
	}
}

// BatchTask is a submitted batch.
type BatchTask struct {
	BatchID        string
	TotalScripts   int
	Parallel       bool
	MaxConcurrency int

	done chan struct{}
	res  model.BatchResult
}

func (t *BatchTask) Done() <-chan struct{} {
	return t.done
}

func (t *BatchTask) Wait(ctx context.Context) (model.BatchResult, error) {
	select {
	case <-t.done:
		return t.res, nil
	case <-ctx.Done():
		return model.BatchResult{}, ctx.Err()
	}
}

// Submit validates req and starts its execution in the background. A
// missing scriptId is generated.
func (f *Facade) Submit(ctx context.Context, req model.ExecutionRequest) (*Task, error) {
	if req.ScriptID == "" {
		req.ScriptID = uuid.NewString()
	}
	if err := f.sup.Validate(req); err != nil {
		return nil, err
	}
	t := &Task{ScriptID: req.ScriptID, FileName: req.FileName, done: make(chan struct{})}
	err := f.spawn(func(ctx context.Context) {
		defer close(t.done)
		t.res, t.err = f.sup.Execute(ctx, req)
		if t.err != nil {
			slog.WarnContext(ctx, "execution finished with error", "scriptId", req.ScriptID, "error", t.err)
		}
	})
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "execution submitted", "scriptId", req.ScriptID, "fileName", req.FileName)
	return t, nil
}

// SubmitBatch starts reqs in the background. Requests are not validated
// upfront; a rejected request ends up as a failed result of the batch.
func (f *Facade) SubmitBatch(ctx context.Context, reqs []model.ExecutionRequest, parallel bool, maxConcurrency int) (*BatchTask, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: no scripts", model.ErrInvalidRequest)
	}
	reqs = append([]model.ExecutionRequest(nil), reqs...)
	for i := range reqs {
		if reqs[i].ScriptID == "" {
			reqs[i].ScriptID = uuid.NewString()
		}
	}
	t := &BatchTask{
		BatchID:        batch.NewID(),
		TotalScripts:   len(reqs),
		Parallel:       parallel,
		MaxConcurrency: batch.Limit(maxConcurrency),
		done:           make(chan struct{}),
	}
	err := f.spawn(func(ctx context.Context) {
		defer close(t.done)
		ctx = log.ContextAttrs(ctx, slog.String("batchId", t.BatchID))
		t.res = f.batches.Execute(ctx, t.BatchID, reqs, parallel, t.MaxConcurrency)
		if f.notifier != nil {
			f.notifier.BatchComplete(ctx, t.res)
		}
	})
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "batch submitted", "batchId", t.BatchID, "scripts", t.TotalScripts)
	return t, nil
}

func (f *Facade) spawn(fn func(ctx context.Context)) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		fn(f.base)
	}()
	return nil
}

// Cancel terminates the running executions of scriptID.
func (f *Facade) Cancel(ctx context.Context, scriptID string) bool {
	return f.sup.Cancel(ctx, scriptID)
}

func (f *Facade) Running() []model.RunningTest {
	return f.sup.Running()
}

func (f *Facade) Result(ctx context.Context, executionID string) (model.StoredExecutionResult, error) {
	return f.results.Get(ctx, executionID)
}

func (f *Facade) History(ctx context.Context, scriptID string, limit int) ([]model.StoredExecutionResult, error) {
	return f.results.History(ctx, scriptID, limit)
}

func (f *Facade) DeleteResult(ctx context.Context, executionID string) (bool, error) {
	return f.results.Delete(ctx, executionID)
}

func (f *Facade) DeleteResultsByFileName(ctx context.Context, fileName string) (int, error) {
	return f.results.DeleteByFileName(ctx, fileName)
}

func (f *Facade) Stats(ctx context.Context) (model.Stats, error) {
	return f.results.Stats(ctx)
}

func (f *Facade) Report(ctx context.Context, executionID string) ([]byte, error) {
	return f.results.Report(ctx, executionID)
}

func (f *Facade) Artifact(ctx context.Context, executionID string, kind model.ArtifactKind, fileName string) (io.ReadCloser, error) {
	return f.results.OpenArtifact(ctx, executionID, kind, fileName)
}

// Close rejects new work and waits for submitted work. When ctx is done
// first, running executions are terminated and Close waits for them to wind
// down.
func (f *Facade) Close(ctx context.Context) error {
	f.mx.Lock()
	f.closed = true
	f.mx.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		f.cancel()
		return nil
	case <-ctx.Done():
	}
	slog.WarnContext(ctx, "terminating running executions", "running", len(f.sup.Running()))
	f.cancel()
	<-done
	return ctx.Err()
}
