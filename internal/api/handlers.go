package api

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/runwarden/runwarden/internal/model"
	"github.com/runwarden/runwarden/internal/store"
)

type executeResponse struct {
	ScriptID string `json:"scriptId"`
	FileName string `json:"fileName"`
}

func (s *Server) execute(c *fiber.Ctx) error {
	var req model.ExecutionRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: %w", model.ErrInvalidRequest, err)
	}
	if req.ScriptPath == "" || req.FileName == "" {
		return fmt.Errorf("%w: scriptPath and fileName are required", model.ErrInvalidRequest)
	}
	task, err := s.orch.Submit(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(executeResponse{ScriptID: task.ScriptID, FileName: task.FileName})
}

type batchRequest struct {
	Scripts        []model.ExecutionRequest `json:"scripts"`
	Parallel       *bool                    `json:"parallel"`
	MaxConcurrency int                      `json:"maxConcurrency"`
}

type batchResponse struct {
	BatchID        string `json:"batchId"`
	TotalScripts   int    `json:"totalScripts"`
	Parallel       bool   `json:"parallel"`
	MaxConcurrency int    `json:"maxConcurrency"`
}

func (s *Server) batchExecute(c *fiber.Ctx) error {
	var req batchRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: %w", model.ErrInvalidRequest, err)
	}
	if len(req.Scripts) == 0 {
		return fmt.Errorf("%w: scripts must not be empty", model.ErrInvalidRequest)
	}
	parallel := true
	if req.Parallel != nil {
		parallel = *req.Parallel
	}
	task, err := s.orch.SubmitBatch(c.UserContext(), req.Scripts, parallel, req.MaxConcurrency)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(batchResponse{
		BatchID:        task.BatchID,
		TotalScripts:   task.TotalScripts,
		Parallel:       task.Parallel,
		MaxConcurrency: task.MaxConcurrency,
	})
}

func (s *Server) cancel(c *fiber.Ctx) error {
	scriptID := c.Params("scriptId")
	if !s.orch.Cancel(c.UserContext(), scriptID) {
		return fmt.Errorf("%w: no running test for script %s", model.ErrNotFound, scriptID)
	}
	return c.JSON(fiber.Map{"message": "Test cancelled", "scriptId": scriptID})
}

type runningResponse struct {
	RunningTests []string            `json:"runningTests"`
	Details      []model.RunningTest `json:"details"`
	Count        int                 `json:"count"`
}

func (s *Server) runningTests(c *fiber.Ctx) error {
	running := s.orch.Running()
	ids := make([]string, len(running))
	for i, r := range running {
		ids[i] = r.ExecutionID
	}
	return c.JSON(runningResponse{RunningTests: ids, Details: running, Count: len(running)})
}

type healthResponse struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	RunningTests     int       `json:"runningTests"`
	ConnectedClients int       `json:"connectedClients"`
	Uptime           float64   `json:"uptime"`
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(healthResponse{
		Status:           "ok",
		Timestamp:        time.Now().UTC(),
		RunningTests:     len(s.orch.Running()),
		ConnectedClients: s.hub.Count(),
		Uptime:           time.Since(s.started).Seconds(),
	})
}

func (s *Server) stats(c *fiber.Ctx) error {
	st, err := s.orch.Stats(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (s *Server) history(c *fiber.Ctx) error {
	limit := store.DefaultHistoryLimit
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: invalid limit %q", model.ErrInvalidRequest, q)
		}
		limit = n
	}
	recs, err := s.orch.History(c.UserContext(), c.Query("scriptId"), limit)
	if err != nil {
		return err
	}
	return c.JSON(recs)
}

func (s *Server) result(c *fiber.Ctx) error {
	rec, err := s.orch.Result(c.UserContext(), c.Params("executionId"))
	if err != nil {
		return err
	}
	return c.JSON(rec)
}

func (s *Server) deleteResult(c *fiber.Ctx) error {
	id := c.Params("executionId")
	ok, err := s.orch.DeleteResult(c.UserContext(), id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: result %s", model.ErrNotFound, id)
	}
	return c.JSON(fiber.Map{"message": "Result deleted", "executionId": id})
}

func (s *Server) deleteByFileName(c *fiber.Ctx) error {
	name := c.Params("fileName")
	n, err := s.orch.DeleteResultsByFileName(c.UserContext(), name)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"fileName": name, "deleted": n})
}

func (s *Server) report(c *fiber.Ctx) error {
	b, err := s.orch.Report(c.UserContext(), c.Params("executionId"))
	if err != nil {
		return err
	}
	c.Type("html", "utf-8")
	return c.Send(b)
}

func (s *Server) artifact(kind model.ArtifactKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		name := c.Params("fileName")
		rc, err := s.orch.Artifact(c.UserContext(), c.Params("executionId"), kind, name)
		if err != nil {
			return err
		}
		c.Type(filepath.Ext(name))
		// fasthttp closes the stream once it is sent
		return c.SendStream(rc)
	}
}
