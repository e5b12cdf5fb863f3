// Package batch runs a set of execution requests with a shared concurrency
// policy and aggregates their outcomes.
package batch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/runwarden/runwarden/internal/log"
	"github.com/runwarden/runwarden/internal/model"
	"github.com/runwarden/runwarden/internal/parallel"
)

// DefaultConcurrency applies when maxConcurrency is not positive.
const DefaultConcurrency = 3

// Executor runs a single request to its terminal state.
type Executor interface {
	Execute(ctx context.Context, req model.ExecutionRequest) (model.ExecutionResult, error)
}

type Coordinator struct {
	exec Executor
}

func NewCoordinator(exec Executor) *Coordinator {
	return &Coordinator{exec: exec}
}

// NewID returns a fresh batch identifier.
func NewID() string {
	return "batch_" + uuid.NewString()
}

// Limit normalizes maxConcurrency.
func Limit(maxConcurrency int) int {
	if maxConcurrency <= 0 {
		return DefaultConcurrency
	}
	return maxConcurrency
}

// Execute runs requests and returns their results in request order. In
// parallel mode requests run in consecutive chunks of maxConcurrency and a
// chunk finishes before the next one starts. A failing request never stops
// the batch. The bound applies to this call only.
func (c *Coordinator) Execute(ctx context.Context, batchID string, requests []model.ExecutionRequest, parallelMode bool, maxConcurrency int) model.BatchResult {
	if batchID == "" {
		batchID = NewID()
	}
	ctx = log.ContextAttrs(ctx, slog.String("batchId", batchID))
	limit := Limit(maxConcurrency)
	if !parallelMode {
		limit = 1
	}
	slog.InfoContext(ctx, "batch started",
		slog.Int("scripts", len(requests)),
		slog.Bool("parallel", parallelMode),
		slog.Int("maxConcurrency", limit))

	results := make([]model.ExecutionResult, 0, len(requests))
	for chunk := range parallel.Chunks(requests, limit) {
		for i, r := range parallel.Map(ctx, len(chunk), chunk, c.exec.Execute) {
			results = append(results, outcome(chunk[i], r))
		}
	}

	br := model.BatchResult{
		BatchID:      batchID,
		TotalScripts: len(requests),
		Results:      results,
	}
	for _, r := range results {
		if r.Status == model.StatusCompleted {
			br.CompletedScripts++
		} else {
			br.FailedScripts++
		}
	}
	slog.InfoContext(ctx, "batch finished",
		slog.Int("completed", br.CompletedScripts),
		slog.Int("failed", br.FailedScripts))
	return br
}

// outcome turns a rejected request into a failed result so that every
// request is accounted for.
func outcome(req model.ExecutionRequest, r parallel.Result[model.ExecutionResult]) model.ExecutionResult {
	res := r.Value
	if res.Status.Terminal() {
		return res
	}
	now := time.Now().UTC()
	res = model.ExecutionResult{
		ScriptID:    req.ScriptID,
		FileName:    req.FileName,
		StartTime:   now,
		Screenshots: []string{},
		Traces:      []string{},
	}
	res.Finish(model.StatusFailed, now)
	if r.Err != nil {
		res.Error = r.Err.Error()
	}
	return res
}
