package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/runwarden/runwarden/internal/model"
	"github.com/runwarden/runwarden/internal/parallel"
)

const (
	reportsDir = "reports"
	assetsDir  = "assets"

	// DefaultHistoryLimit applies when History is called with limit <= 0.
	DefaultHistoryLimit = 50
	// NoLimit makes History return every matching record.
	NoLimit = int(^uint(0) >> 1)

	recentCount = 10
	loadWorkers = 8
)

// Store keeps one JSON record per execution in a directory:
//
//	<dir>/<executionId>.json
//	<dir>/reports/<executionId>.html
//	<dir>/assets/<scriptId>/<artifact>
//
// Every file access goes through an os.Root, so ids can not escape dir.
type Store struct {
	root *os.Root
	ids  *model.ExecutionIDs
	now  func() time.Time
	// serializes Save so dedup by fileName never races another Save
	saveMx sync.Mutex
}

// Open creates dir and its layout when missing.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating results dir %s: %w", dir, err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening results dir %s: %w", dir, err)
	}
	for _, d := range []string{reportsDir, assetsDir} {
		if err := root.MkdirAll(d, 0o755); err != nil {
			_ = root.Close()
			return nil, fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return &Store{
		root: root,
		ids:  model.NewExecutionIDs(nil),
		now:  time.Now,
	}, nil
}

// WithClock replaces the time source. It exists for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	s.ids = model.NewExecutionIDs(now)
	return s
}

func (s *Store) Dir() string {
	return s.root.Name()
}

func (s *Store) Close() error {
	return s.root.Close()
}

// Save persists result. Older records with the same fileName are removed
// first, so only the latest run of a script file is kept. The executionId is
// generated when result has none.
func (s *Store) Save(ctx context.Context, result model.ExecutionResult) (model.StoredExecutionResult, error) {
	s.saveMx.Lock()
	defer s.saveMx.Unlock()

	if result.ExecutionID == "" {
		if !model.ValidScriptID(result.ScriptID) {
			return model.StoredExecutionResult{}, fmt.Errorf("%w: invalid scriptId %q", model.ErrPersistence, result.ScriptID)
		}
		result.ExecutionID, _ = s.ids.Next(result.ScriptID)
	}
	if !validID(result.ExecutionID) {
		return model.StoredExecutionResult{}, fmt.Errorf("%w: invalid executionId %q", model.ErrPersistence, result.ExecutionID)
	}

	if result.FileName != "" {
		s.dropFileName(ctx, result.FileName, result.ExecutionID)
	}

	now := s.now().UTC()
	stored := model.StoredExecutionResult{
		ExecutionResult: result.Clone(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if prev, err := s.read(result.ExecutionID); err == nil {
		stored.CreatedAt = prev.CreatedAt
	}

	if stored.Output != "" {
		report, err := renderReport(stored)
		if err != nil {
			slog.WarnContext(ctx, "rendering html report", "executionId", stored.ExecutionID, "error", err)
		} else {
			name := path.Join(reportsDir, stored.ExecutionID+".html")
			if err := s.writeFile(name, report); err != nil {
				slog.WarnContext(ctx, "writing html report", "executionId", stored.ExecutionID, "error", err)
			} else {
				stored.HTMLReport = name
			}
		}
	}

	b, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return model.StoredExecutionResult{}, fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}
	if err := s.writeFile(recordName(stored.ExecutionID), b); err != nil {
		return model.StoredExecutionResult{}, fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}
	slog.DebugContext(ctx, "result stored", "executionId", stored.ExecutionID, "status", stored.Status)
	return stored, nil
}

func (s *Store) dropFileName(ctx context.Context, fileName, keep string) {
	ids, err := s.listIDs()
	if err != nil {
		slog.WarnContext(ctx, "listing results", "error", err)
		return
	}
	for _, id := range ids {
		if id == keep {
			continue
		}
		rec, err := s.read(id)
		if err != nil || rec.FileName != fileName {
			continue
		}
		if err := s.remove(id); err != nil {
			slog.WarnContext(ctx, "removing previous result", "executionId", id, "fileName", fileName, "error", err)
		}
	}
}

// Get returns the record or model.ErrNotFound. Unreadable records are
// reported as not found.
func (s *Store) Get(ctx context.Context, executionID string) (model.StoredExecutionResult, error) {
	if !validID(executionID) {
		return model.StoredExecutionResult{}, model.ErrNotFound
	}
	rec, err := s.read(executionID)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.ErrorContext(ctx, "reading result", "executionId", executionID, "error", err)
		}
		return model.StoredExecutionResult{}, model.ErrNotFound
	}
	return rec, nil
}

// History returns records newest first, optionally filtered by scriptID.
func (s *Store) History(ctx context.Context, scriptID string, limit int) ([]model.StoredExecutionResult, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.StoredExecutionResult, 0, min(limit, len(all)))
	for _, rec := range all {
		if scriptID != "" && rec.ScriptID != scriptID {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// All loads every readable record, newest first.
func (s *Store) All(ctx context.Context) ([]model.StoredExecutionResult, error) {
	ids, err := s.listIDs()
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}

	loaded := parallel.Map(ctx, loadWorkers, ids, func(_ context.Context, id string) (model.StoredExecutionResult, error) {
		return s.read(id)
	})

	out := make([]model.StoredExecutionResult, 0, len(loaded))
	for i, r := range loaded {
		if r.Err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.WarnContext(ctx, "skipping unreadable result", "executionId", ids[i], "error", r.Err)
			continue
		}
		out = append(out, r.Value)
	}
	slices.SortStableFunc(out, func(a, b model.StoredExecutionResult) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ExecutionID, a.ExecutionID)
	})
	return out, nil
}

// Delete removes the record and its report. It reports whether a record existed.
func (s *Store) Delete(ctx context.Context, executionID string) (bool, error) {
	if !validID(executionID) {
		return false, nil
	}
	err := s.remove(executionID)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}
	slog.DebugContext(ctx, "result deleted", "executionId", executionID)
	return true, nil
}

// DeleteByFileName removes every record of fileName and returns their count.
func (s *Store) DeleteByFileName(ctx context.Context, fileName string) (int, error) {
	all, err := s.All(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, rec := range all {
		if rec.FileName != fileName {
			continue
		}
		if err := s.remove(rec.ExecutionID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if len(errs) > 0 {
		return n, fmt.Errorf("%w: %w", model.ErrPersistence, errors.Join(errs...))
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	all, err := s.All(ctx)
	if err != nil {
		return model.Stats{}, err
	}
	stats := model.Stats{Total: len(all)}
	for _, rec := range all {
		switch rec.Status {
		case model.StatusCompleted:
			stats.Successful++
		case model.StatusFailed:
			stats.Failed++
		}
	}
	stats.Recent = all[:min(recentCount, len(all))]
	return stats, nil
}

// Report returns the rendered HTML report of an execution.
func (s *Store) Report(ctx context.Context, executionID string) ([]byte, error) {
	rec, err := s.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if rec.HTMLReport == "" {
		return nil, model.ErrNotFound
	}
	b, err := s.root.ReadFile(rec.HTMLReport)
	if err != nil {
		return nil, model.ErrNotFound
	}
	return b, nil
}

func (s *Store) read(executionID string) (model.StoredExecutionResult, error) {
	var rec model.StoredExecutionResult
	b, err := s.root.ReadFile(recordName(executionID))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("decoding %s: %w", recordName(executionID), err)
	}
	return rec, nil
}

func (s *Store) remove(executionID string) error {
	if err := s.root.Remove(recordName(executionID)); err != nil {
		return err
	}
	err := s.root.Remove(path.Join(reportsDir, executionID+".html"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) listIDs() ([]string, error) {
	entries, err := fs.ReadDir(s.root.FS(), ".")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// writeFile replaces name atomically.
func (s *Store) writeFile(name string, data []byte) error {
	tmp := name + "." + uuid.NewString() + ".tmp"
	if err := s.root.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := s.root.Rename(tmp, name); err != nil {
		_ = s.root.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store) copyFile(name string, r io.Reader) (int64, error) {
	f, err := s.root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.root.Remove(name)
	}
	return n, err
}

func recordName(executionID string) string {
	return executionID + ".json"
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..") && !strings.ContainsRune(id, 0)
}
