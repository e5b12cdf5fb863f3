package api

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/runwarden/runwarden/internal/model"
)

type uploadResponse struct {
	ScriptID   string `json:"scriptId"`
	FileName   string `json:"fileName"`
	ScriptPath string `json:"scriptPath"`
	Size       int64  `json:"size"`
}

// upload stores a script under the uploads directory as
// <scriptId>-<fileName>. Only text content with an allowed extension is
// accepted.
func (s *Server) upload(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return fmt.Errorf("%w: no file uploaded", model.ErrInvalidRequest)
	}
	name := cleanFileName(fh.Filename)
	if name == "" || !slices.Contains(s.cfg.AllowedExtensions, strings.ToLower(filepath.Ext(name))) {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid file type")
	}
	if fh.Size > int64(s.cfg.MaxUploadBytes) {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "File too large")
	}

	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(f, int64(s.cfg.MaxUploadBytes)+1))
	if err != nil {
		return err
	}
	if len(data) > s.cfg.MaxUploadBytes {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "File too large")
	}
	if mt := mimetype.Detect(data); !isText(mt) {
		return fmt.Errorf("%w: %s content is not a script", model.ErrUploadRejected, mt.String())
	}

	scriptID := uuid.NewString()
	stored := scriptID + "-" + name
	if err := s.uploads.WriteFile(stored, data, 0o644); err != nil {
		return err
	}
	scriptPath := filepath.Join(s.uploads.Name(), stored)
	if abs, err := filepath.Abs(scriptPath); err == nil {
		scriptPath = abs
	}
	slog.InfoContext(c.UserContext(), "script uploaded", "scriptId", scriptID, "fileName", name, "size", len(data))
	return c.JSON(uploadResponse{
		ScriptID:   scriptID,
		FileName:   name,
		ScriptPath: scriptPath,
		Size:       int64(len(data)),
	})
}

func isText(mt *mimetype.MIME) bool {
	for ; mt != nil; mt = mt.Parent() {
		if mt.Is("text/plain") {
			return true
		}
	}
	return false
}

// cleanFileName keeps the base name and drops characters unsafe in paths.
func cleanFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	return strings.TrimLeft(b.String(), ".")
}
