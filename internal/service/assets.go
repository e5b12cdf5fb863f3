package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/runwarden/runwarden/internal/model"
	"github.com/runwarden/runwarden/internal/walk"
)

// ArtifactStore receives the files produced by a run.
type ArtifactStore interface {
	PutArtifact(ctx context.Context, scriptID, name string, r io.Reader) (string, error)
}

// classify decides whether a file produced by the runner is a screenshot, a
// trace or neither.
func classify(name string) (model.ArtifactKind, bool) {
	lower := strings.ToLower(path.Base(name))
	switch path.Ext(lower) {
	case ".png", ".jpg", ".jpeg":
		return model.ArtifactScreenshot, true
	case ".zip":
		return model.ArtifactTrace, true
	}
	switch {
	case strings.Contains(lower, "screenshot"):
		return model.ArtifactScreenshot, true
	case strings.Contains(lower, "trace"):
		return model.ArtifactTrace, true
	}
	return "", false
}

// collectArtifacts moves screenshots and traces from dir into the store and
// appends their stored paths to res in walk order. dir is removed afterwards.
// Nothing here fails the execution.
func collectArtifacts(ctx context.Context, store ArtifactStore, dir string, res *model.ExecutionResult) {
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.WarnContext(ctx, "removing scratch dir", "dir", dir, "error", err)
		}
	}()

	root, err := os.OpenRoot(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.WarnContext(ctx, "opening scratch dir", "dir", dir, "error", err)
		}
		return
	}
	defer func() {
		_ = root.Close()
	}()

	for entry, err := range walk.Root(ctx, root) {
		if err != nil {
			slog.WarnContext(ctx, "walking scratch dir", "path", entry.AbsPath(), "error", err)
			continue
		}
		kind, ok := classify(entry.Path())
		if !ok {
			continue
		}
		stored, err := putEntry(ctx, store, res.ScriptID, entry)
		if err != nil {
			slog.WarnContext(ctx, "collecting artifact", "path", entry.AbsPath(), "error", err)
			continue
		}
		switch kind {
		case model.ArtifactScreenshot:
			res.Screenshots = append(res.Screenshots, stored)
		case model.ArtifactTrace:
			res.Traces = append(res.Traces, stored)
		}
	}
}

func putEntry(ctx context.Context, store ArtifactStore, scriptID string, entry walk.Entry) (string, error) {
	f, err := entry.Open()
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()
	return store.PutArtifact(ctx, scriptID, entry.Path(), f)
}
