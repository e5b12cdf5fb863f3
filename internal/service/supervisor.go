package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/runwarden/runwarden/internal/events"
	"github.com/runwarden/runwarden/internal/log"
	"github.com/runwarden/runwarden/internal/model"
	"github.com/runwarden/runwarden/internal/pathguard"
)

const (
	// DefaultGrace is added to the run timeout before the watchdog fires.
	DefaultGrace = 30 * time.Second

	EnvExecutionID = "RUNWARDEN_EXECUTION_ID"
	EnvScriptID    = "RUNWARDEN_SCRIPT_ID"
	EnvOutputDir   = "RUNWARDEN_OUTPUT_DIR"
)

// ResultStore persists finished executions and their artifacts.
type ResultStore interface {
	ArtifactStore
	Save(ctx context.Context, result model.ExecutionResult) (model.StoredExecutionResult, error)
}

type Config struct {
	// Runner is the test runner CLI. --config <file> is appended to its args.
	Runner Command
	// ScratchDir holds one output directory per execution.
	ScratchDir string
	// ConfigDir holds the generated run configurations.
	ConfigDir string
	// DefaultTimeoutMs applies when the request sets no timeout.
	DefaultTimeoutMs int
	// Grace extends the timeout of the watchdog; zero means DefaultGrace.
	Grace time.Duration
	// AllowedDirs returns the directories scripts may live in. It is
	// consulted on every validation.
	AllowedDirs func() []string
}

// Supervisor runs the test runner for execution requests, tracks the
// running processes and hands finished results to the store.
type Supervisor struct {
	cfg      Config
	store    ResultStore
	pub      events.Publisher
	callback Callback
	ids      *model.ExecutionIDs
	running  *registry
}

func NewSupervisor(cfg Config, store ResultStore, pub events.Publisher) (*Supervisor, error) {
	if cfg.Runner.Path == "" {
		return nil, errors.New("runner path is empty")
	}
	if cfg.ScratchDir == "" || cfg.ConfigDir == "" {
		return nil, errors.New("scratch and config dirs must be set")
	}
	if cfg.AllowedDirs == nil {
		return nil, errors.New("allowed dirs are not configured")
	}
	if cfg.DefaultTimeoutMs <= 0 {
		cfg.DefaultTimeoutMs = 30000
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	var err error
	if cfg.ScratchDir, err = filepath.Abs(cfg.ScratchDir); err != nil {
		return nil, err
	}
	if cfg.ConfigDir, err = filepath.Abs(cfg.ConfigDir); err != nil {
		return nil, err
	}
	for _, d := range []string{cfg.ScratchDir, cfg.ConfigDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return &Supervisor{
		cfg:     cfg,
		store:   store,
		pub:     pub,
		ids:     model.NewExecutionIDs(nil),
		running: newRegistry(),
	}, nil
}

// WithCallback enables completion callbacks.
func (s *Supervisor) WithCallback(c Callback) *Supervisor {
	s.callback = c
	return s
}

// ScratchDir is the parent of per execution output directories.
func (s *Supervisor) ScratchDir() string {
	return s.cfg.ScratchDir
}

// Validate checks req without side effects.
func (s *Supervisor) Validate(req model.ExecutionRequest) error {
	if !model.ValidScriptID(req.ScriptID) {
		return fmt.Errorf("%w: invalid scriptId %q", model.ErrInvalidRequest, req.ScriptID)
	}
	if req.FileName == "" {
		return fmt.Errorf("%w: fileName is required", model.ErrInvalidRequest)
	}
	if err := req.Options.Validate(); err != nil {
		return fmt.Errorf("%w: %w", model.ErrInvalidRequest, err)
	}
	if !pathguard.IsPathAllowed(req.ScriptPath, s.cfg.AllowedDirs()) {
		return fmt.Errorf("%w: %s", model.ErrPathNotAllowed, req.ScriptPath)
	}
	info, err := os.Stat(req.ScriptPath)
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", model.ErrScriptNotFound, req.ScriptPath)
	}
	return nil
}

// Execute runs req to completion. A request failing validation returns an
// error before anything is spawned or published. Otherwise the returned
// result is terminal and the error, if any, describes why it is not
// completed.
func (s *Supervisor) Execute(ctx context.Context, req model.ExecutionRequest) (model.ExecutionResult, error) {
	if err := s.Validate(req); err != nil {
		return model.ExecutionResult{}, err
	}
	scriptPath, err := filepath.Abs(req.ScriptPath)
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("%w: %w", model.ErrInvalidRequest, err)
	}

	executionID, started := s.ids.Next(req.ScriptID)
	ctx = log.ContextAttrs(ctx,
		slog.String("executionId", executionID),
		slog.String("scriptId", req.ScriptID),
	)
	res := model.ExecutionResult{
		ExecutionID: executionID,
		ScriptID:    req.ScriptID,
		FileName:    req.FileName,
		Status:      model.StatusRunning,
		StartTime:   started,
		Screenshots: []string{},
		Traces:      []string{},
	}
	s.publish(ctx, events.KindStart, res, "")

	outputDir := filepath.Join(s.cfg.ScratchDir, executionID)
	runErr := s.run(ctx, req, scriptPath, outputDir, &res)
	// a cancelled execution is still collected, persisted and reported
	ctx = context.WithoutCancel(ctx)
	collectArtifacts(ctx, s.store, outputDir, &res)
	if runErr != nil {
		res.Error = runErr.Error()
	}

	stored, persistErr := s.store.Save(ctx, res)
	if persistErr != nil {
		slog.ErrorContext(ctx, "persisting result", "error", persistErr)
		stored.ExecutionResult = res
	}

	kind := events.KindComplete
	if res.Status != model.StatusCompleted {
		kind = events.KindError
	}
	s.publish(ctx, kind, res, "")

	if req.CallbackURL != nil && req.CallbackURL.URL != nil && s.callback != nil {
		if err := s.callback.Deliver(ctx, req.CallbackURL.AsURL(), NewCallbackPayload(stored.ExecutionResult)); err != nil {
			slog.WarnContext(ctx, "callback failed", "url", req.CallbackURL.Redacted(), "error", err)
		}
	}
	return res.Clone(), errors.Join(runErr, persistErr)
}

// run spawns the runner and blocks until it exits. It moves res into its
// terminal state.
func (s *Supervisor) run(ctx context.Context, req model.ExecutionRequest, scriptPath, outputDir string, res *model.ExecutionResult) error {
	fail := func(status model.Status, err error) error {
		res.Finish(status, time.Now().UTC())
		return err
	}

	e := newEntry(model.RunningTest{
		ExecutionID: res.ExecutionID,
		ScriptID:    res.ScriptID,
		FileName:    res.FileName,
		StartedAt:   res.StartTime,
	})
	s.running.add(e)
	defer s.running.remove(res.ExecutionID)

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fail(model.StatusFailed, fmt.Errorf("%w: creating output dir: %w", model.ErrProcessSpawn, err))
	}

	runCfg := NewRunConfig(scriptPath, outputDir, req.Options, s.cfg.DefaultTimeoutMs)
	cfgPath, err := writeRunConfig(s.cfg.ConfigDir, runCfg)
	if err != nil {
		return fail(model.StatusFailed, fmt.Errorf("%w: %w", model.ErrProcessSpawn, err))
	}
	defer func() {
		if err := os.Remove(cfgPath); err != nil {
			slog.WarnContext(ctx, "removing run config", "path", cfgPath, "error", err)
		}
	}()

	cmd := s.cfg.Runner
	cmd.Args = append(append([]string(nil), cmd.Args...), "--config", cfgPath)
	cmd.Env = append(append(os.Environ(), cmd.Env...),
		EnvExecutionID+"="+res.ExecutionID,
		EnvScriptID+"="+res.ScriptID,
		EnvOutputDir+"="+outputDir,
	)
	cmd.Timeout = time.Duration(runCfg.Timeout)*time.Millisecond + s.cfg.Grace

	snapshot := res.Clone()
	onStdout := func(ctx context.Context, line string) {
		s.publish(ctx, events.KindProgress, snapshot, line)
	}
	onStderr := func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "runner stderr", "line", line)
	}

	if e.isCancelled() {
		return fail(model.StatusCancelled, errors.New("execution cancelled"))
	}
	runner, err := StartRunner(ctx, cmd, onStdout, onStderr)
	if err != nil {
		return fail(model.StatusFailed, fmt.Errorf("%w: %w", model.ErrProcessSpawn, err))
	}
	if err := e.start(runner); err != nil {
		slog.WarnContext(ctx, "terminating runner", "pid", runner.PID(), "error", err)
	}
	slog.InfoContext(ctx, "runner started", "pid", runner.PID(), "config", cfgPath)

	out := runner.Wait()
	s.running.remove(res.ExecutionID)
	res.Output = out.Stdout

	switch {
	case e.isCancelled():
		return fail(model.StatusCancelled, errors.New("execution cancelled"))
	case out.TimedOut:
		return fail(model.StatusFailed, fmt.Errorf("timed out after %s", cmd.Timeout))
	case ctx.Err() != nil:
		return fail(model.StatusCancelled, fmt.Errorf("execution aborted: %w", ctx.Err()))
	case out.Err == nil && out.ExitCode() == 0:
		res.Finish(model.StatusCompleted, out.Stopped)
		return nil
	default:
		stderr := strings.TrimSpace(out.Stderr)
		if stderr == "" && out.Err != nil {
			stderr = out.Err.Error()
		}
		res.Finish(model.StatusFailed, out.Stopped)
		return fmt.Errorf("%w: exit code %d: %s", model.ErrProcessExitNonZero, out.ExitCode(), stderr)
	}
}

// Cancel terminates every running execution of scriptID with SIGTERM. It
// reports whether anything was running. Calling it again is a no-op.
func (s *Supervisor) Cancel(ctx context.Context, scriptID string) bool {
	var n int
	for _, e := range s.running.takeScript(scriptID) {
		info := e.snapshot()
		cancelled, err := e.cancel()
		if err != nil {
			slog.WarnContext(ctx, "terminating runner", "executionId", info.ExecutionID, "pid", info.PID, "error", err)
		}
		if !cancelled {
			continue
		}
		n++
		slog.InfoContext(ctx, "execution cancelled", "executionId", info.ExecutionID, "scriptId", scriptID)
	}
	return n > 0
}

// Running returns the executions in flight, oldest first.
func (s *Supervisor) Running() []model.RunningTest {
	return s.running.list()
}

func (s *Supervisor) publish(ctx context.Context, kind events.Kind, res model.ExecutionResult, line string) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(ctx, events.Event{
		Kind:      kind,
		Result:    res.Clone(),
		Line:      line,
		Timestamp: time.Now().UTC(),
	})
}
