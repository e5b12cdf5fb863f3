package store

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/runwarden/runwarden/internal/model"
)

// PutArtifact copies r into assets/<scriptID>/ under a collision resistant
// name derived from name and returns the path relative to the store.
func (s *Store) PutArtifact(ctx context.Context, scriptID, name string, r io.Reader) (string, error) {
	if !model.ValidScriptID(scriptID) {
		return "", fmt.Errorf("%w: invalid scriptId %q", model.ErrPersistence, scriptID)
	}
	base := sanitizeName(path.Base(strings.ReplaceAll(name, `\`, "/")))
	dir := path.Join(assetsDir, scriptID)
	if err := s.root.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}

	stored := path.Join(dir, strconv.FormatInt(s.now().UnixMilli(), 10)+"_"+uuid.NewString()[:8]+"_"+base)
	n, err := s.copyFile(stored, r)
	if err != nil {
		return "", fmt.Errorf("%w: storing artifact %s: %w", model.ErrPersistence, base, err)
	}
	slog.DebugContext(ctx, "artifact stored", "scriptId", scriptID, "path", stored, "size", n)
	return stored, nil
}

// OpenArtifact opens an artifact of an execution by its file name. Only
// artifacts listed in the record are served.
func (s *Store) OpenArtifact(ctx context.Context, executionID string, kind model.ArtifactKind, fileName string) (io.ReadCloser, error) {
	rec, err := s.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	var list []string
	switch kind {
	case model.ArtifactScreenshot:
		list = rec.Screenshots
	case model.ArtifactTrace:
		list = rec.Traces
	default:
		return nil, model.ErrNotFound
	}
	for _, p := range list {
		if path.Base(p) != fileName {
			continue
		}
		f, err := s.root.Open(p)
		if err != nil {
			slog.WarnContext(ctx, "opening artifact", "executionId", executionID, "path", p, "error", err)
			return nil, model.ErrNotFound
		}
		return f, nil
	}
	return nil, model.ErrNotFound
}

// ScriptIDsWithAssets lists the scripts owning an assets directory that was
// last modified before olderThan. A zero olderThan lists all of them.
func (s *Store) ScriptIDsWithAssets(_ context.Context, olderThan time.Time) ([]string, error) {
	entries, err := fs.ReadDir(s.root.FS(), assetsDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if !olderThan.IsZero() {
			info, err := e.Info()
			if err != nil || !info.ModTime().Before(olderThan) {
				continue
			}
		}
		out = append(out, e.Name())
	}
	return out, nil
}

// RemoveAssets deletes every artifact of scriptID.
func (s *Store) RemoveAssets(ctx context.Context, scriptID string) error {
	if !model.ValidScriptID(scriptID) {
		return fmt.Errorf("invalid scriptId %q", scriptID)
	}
	if err := s.root.RemoveAll(path.Join(assetsDir, scriptID)); err != nil {
		return err
	}
	slog.DebugContext(ctx, "assets removed", "scriptId", scriptID)
	return nil
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "artifact"
	}
	return out
}
