// Package retention periodically removes old execution records, orphaned
// artifacts and leftover scratch directories.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/runwarden/runwarden/internal/model"
)

// minIdle is how long a scratch or asset directory must stay untouched
// before it is considered abandoned.
const minIdle = time.Hour

// Store is the part of the result store the janitor needs.
type Store interface {
	All(ctx context.Context) ([]model.StoredExecutionResult, error)
	Delete(ctx context.Context, executionID string) (bool, error)
	ScriptIDsWithAssets(ctx context.Context, olderThan time.Time) ([]string, error)
	RemoveAssets(ctx context.Context, scriptID string) error
}

type Report struct {
	Records int
	Assets  int
	Scratch int
}

type Janitor struct {
	store      Store
	scratchDir string
	running    func() []model.RunningTest
	maxAge     time.Duration
	now        func() time.Time
}

func NewJanitor(store Store, scratchDir string, running func() []model.RunningTest, maxAge time.Duration) *Janitor {
	return &Janitor{
		store:      store,
		scratchDir: scratchDir,
		running:    running,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// WithClock replaces the time source. It exists for tests.
func (j *Janitor) WithClock(now func() time.Time) *Janitor {
	j.now = now
	return j
}

// Sweep runs one cleanup pass. Failures of single items are logged and
// joined into the returned error; the pass continues.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error
	now := j.now()

	running := make(map[string]bool)
	runningScripts := make(map[string]bool)
	if j.running != nil {
		for _, rt := range j.running() {
			running[rt.ExecutionID] = true
			runningScripts[rt.ScriptID] = true
		}
	}

	records, err := j.store.All(ctx)
	if err != nil {
		return rep, fmt.Errorf("listing results: %w", err)
	}
	keep := make(map[string]bool)
	cutoff := now.Add(-j.maxAge)
	for _, r := range records {
		if !r.CreatedAt.Before(cutoff) {
			keep[r.ScriptID] = true
			continue
		}
		deleted, err := j.store.Delete(ctx, r.ExecutionID)
		if err != nil {
			errs = append(errs, fmt.Errorf("deleting %s: %w", r.ExecutionID, err))
			keep[r.ScriptID] = true
			continue
		}
		if deleted {
			rep.Records++
		}
	}

	scripts, err := j.store.ScriptIDsWithAssets(ctx, now.Add(-minIdle))
	if err != nil {
		errs = append(errs, fmt.Errorf("listing assets: %w", err))
	}
	for _, id := range scripts {
		if keep[id] || runningScripts[id] {
			continue
		}
		if err := j.store.RemoveAssets(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("removing assets of %s: %w", id, err))
			continue
		}
		rep.Assets++
	}

	n, err := j.pruneScratch(now, running)
	rep.Scratch = n
	if err != nil {
		errs = append(errs, err)
	}

	err = errors.Join(errs...)
	slog.InfoContext(ctx, "retention sweep finished",
		slog.Int("records", rep.Records),
		slog.Int("assets", rep.Assets),
		slog.Int("scratch", rep.Scratch),
		slog.Any("error", err))
	return rep, err
}

// pruneScratch removes idle scratch directories of executions no longer
// running.
func (j *Janitor) pruneScratch(now time.Time, running map[string]bool) (int, error) {
	if j.scratchDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(j.scratchDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading scratch dir: %w", err)
	}
	var n int
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || running[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < minIdle {
			continue
		}
		if err := os.RemoveAll(filepath.Join(j.scratchDir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// NewScheduler schedules task according to cfg, which must have exactly one
// of Cron and Every set. The scheduler is not started.
func NewScheduler(ctx context.Context, cfg model.Retention, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != nil:
		if err := model.ValidateCron(*cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing retention.cron: %w", err)
		}
		job = gocron.CronJob(*cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", *cfg.Cron)
	case cfg.Every != nil:
		d, err := model.ParseISODuration(*cfg.Every)
		if err != nil {
			return nil, fmt.Errorf("parsing retention.every: %w", err)
		}
		if d <= 0 {
			return nil, errors.New("retention.every must be positive")
		}
		slog.DebugContext(ctx, "successfully parsed", "every", d.String())
		job = gocron.DurationJob(d)
	default:
		return nil, errors.New("both cron and every are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
