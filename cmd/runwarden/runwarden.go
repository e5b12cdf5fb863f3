package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"

	"github.com/runwarden/runwarden/internal/api"
	"github.com/runwarden/runwarden/internal/events"
	"github.com/runwarden/runwarden/internal/kafka"
	"github.com/runwarden/runwarden/internal/model"
	"github.com/runwarden/runwarden/internal/notify"
	"github.com/runwarden/runwarden/internal/orchestrator"
	"github.com/runwarden/runwarden/internal/pathguard"
	"github.com/runwarden/runwarden/internal/retention"
	"github.com/runwarden/runwarden/internal/service"
	"github.com/runwarden/runwarden/internal/store"
)

const shutdownTimeout = 30 * time.Second

var (
	flagScriptID  string
	flagBrowser   string
	flagHeaded    bool
	flagTimeoutMs int
)

// runwarden holds the wired components of a process.
type runwarden struct {
	store      *store.Store
	bus        *events.Bus
	hub        *notify.Hub
	supervisor *service.Supervisor
	facade     *orchestrator.Facade
	scheduler  gocron.Scheduler
	closers    []func() error
}

func newRunwarden(ctx context.Context, cfg model.Config) (*runwarden, error) {
	st, err := store.Open(cfg.Results.Dir)
	if err != nil {
		return nil, err
	}
	rw := &runwarden{
		store:   st,
		bus:     events.NewBus(),
		hub:     notify.NewHub(),
		closers: []func() error{st.Close},
	}

	rw.bus.Subscribe(events.LogSubscriber{})
	rw.bus.Subscribe(rw.hub)
	if k := kafkaConfig(cfg); k != nil {
		pub, err := kafka.NewPublisher(kafka.Config{Brokers: k.Brokers, Topic: k.Topic})
		if err != nil {
			return nil, errors.Join(fmt.Errorf("events.kafka: %w", err), rw.close())
		}
		rw.bus.Subscribe(pub)
		rw.closers = append(rw.closers, pub.Close)
		slog.InfoContext(ctx, "publishing execution events to kafka", "topic", k.Topic)
	}

	defaults := append([]string{cfg.Server.UploadsDir}, cfg.Scripts.AllowedDirs...)
	sup, err := service.NewSupervisor(service.Config{
		Runner:           service.Command{Path: cfg.Runner.Path, Args: cfg.Runner.Args},
		ScratchDir:       cfg.Runner.ScratchDir,
		ConfigDir:        cfg.Runner.ConfigDir,
		DefaultTimeoutMs: cfg.Runner.TimeoutMs,
		AllowedDirs: func() []string {
			return pathguard.AllowedScriptDirs(defaults, env.GetString("scripts.allowed_dirs"))
		},
	}, st, rw.bus)
	if err != nil {
		return nil, errors.Join(err, rw.close())
	}
	rw.supervisor = sup.WithCallback(service.NewHTTPCallback(nil))
	rw.facade = orchestrator.New(ctx, rw.supervisor, st, rw.hub)

	if r := cfg.Retention; r != nil && r.Enabled {
		maxAge, err := r.MaxAgeDuration()
		if err != nil {
			return nil, errors.Join(err, rw.close())
		}
		janitor := retention.NewJanitor(st, sup.ScratchDir(), sup.Running, maxAge)
		rw.scheduler, err = retention.NewScheduler(ctx, *r, func() {
			_, _ = janitor.Sweep(ctx)
		})
		if err != nil {
			return nil, errors.Join(err, rw.close())
		}
	}
	return rw, nil
}

func kafkaConfig(cfg model.Config) *model.Kafka {
	if cfg.Events == nil || cfg.Events.Kafka == nil || !cfg.Events.Kafka.Enabled {
		return nil
	}
	return cfg.Events.Kafka
}

func (rw *runwarden) close() error {
	var errs []error
	if rw.scheduler != nil {
		errs = append(errs, rw.scheduler.Shutdown())
	}
	for i := len(rw.closers) - 1; i >= 0; i-- {
		errs = append(errs, rw.closers[i]())
	}
	return errors.Join(errs...)
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = withCmdAttrs(ctx, "serve")

	rw, err := newRunwarden(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := rw.close(); err != nil {
			slog.WarnContext(ctx, "closing", "error", err)
		}
	}()

	srv, err := api.New(ctx, api.Config{
		UploadsDir:        config.Server.UploadsDir,
		MaxUploadBytes:    config.Server.MaxUploadBytes,
		AllowedExtensions: config.Server.AllowedExtensions,
	}, rw.facade, rw.hub)
	if err != nil {
		return err
	}
	if rw.scheduler != nil {
		rw.scheduler.Start()
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Listen(fmt.Sprintf(":%d", config.Server.Port))
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	slog.InfoContext(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(
		srv.Shutdown(shutdownCtx),
		rw.facade.Close(shutdownCtx),
	)
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = withCmdAttrs(ctx, "run")

	rw, err := newRunwarden(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := rw.close(); err != nil {
			slog.WarnContext(ctx, "closing", "error", err)
		}
	}()

	scriptPath, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	req := model.ExecutionRequest{
		ScriptID:   flagScriptID,
		ScriptPath: scriptPath,
		FileName:   filepath.Base(scriptPath),
		Options: model.Options{
			Browser:   model.Browser(flagBrowser),
			TimeoutMs: flagTimeoutMs,
		},
	}
	if flagHeaded {
		headless := false
		req.Options.Headless = &headless
	}

	task, err := rw.facade.Submit(ctx, req)
	if err != nil {
		return err
	}
	// the first signal cancels the execution, which still gets persisted
	go func() {
		<-ctx.Done()
		rw.facade.Cancel(context.WithoutCancel(ctx), task.ScriptID)
	}()

	res, _ := task.Wait(context.WithoutCancel(ctx))
	if err := rw.facade.Close(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Status != model.StatusCompleted {
		return exitError(1)
	}
	return nil
}
