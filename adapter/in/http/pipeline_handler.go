package http

import (
	"bufio"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"knowledgetree/core/port/in"
	"knowledgetree/core/port/out"
	"knowledgetree/pkg/apperr"
	"knowledgetree/pkg/logger"
	"knowledgetree/pkg/response"
)

// PipelineHandler is the thin read/trigger surface outside the core:
// it enqueues pipeline runs and reads Job/tree
// state through in.PipelineService and in.JobService, never mutating a
// Job's state transitions itself (that's the Job Supervisor's job).
type PipelineHandler struct {
	pipeline in.PipelineService
	jobs     in.JobService
	store    out.Store
}

func NewPipelineHandler(pipeline in.PipelineService, jobs in.JobService, store out.Store) *PipelineHandler {
	return &PipelineHandler{pipeline: pipeline, jobs: jobs, store: store}
}

func (h *PipelineHandler) Register(router fiber.Router) {
	accounts := router.Group("/accounts/:id")
	accounts.Post("/pipeline/run", h.RunPipeline)
	accounts.Post("/jobs/:jobId/stop", h.StopJob)
	accounts.Get("/jobs/:jobId", h.GetJob)
	accounts.Get("/jobs/:jobId/stream", h.StreamJob)
	accounts.Get("/tree", h.GetTree)
}

func accountIDParam(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, apperr.InvalidInput("id", "must be a UUID")
	}
	return id, nil
}

func writeAppError(c *fiber.Ctx, err error) error {
	appErr := apperr.AsAppError(err)
	return response.Error(c, appErr.HTTPStatus(), appErr.Code, appErr.Message)
}

// RunPipeline enqueues a full-pipeline Job and returns its id immediately;
// ?force=true skips the Change Detector and always re-runs Phase 2.
func (h *PipelineHandler) RunPipeline(c *fiber.Ctx) error {
	accountID, err := accountIDParam(c)
	if err != nil {
		return writeAppError(c, err)
	}
	opts := in.RunOptions{Force: c.QueryBool("force", false)}
	jobID, err := h.pipeline.RunPipeline(c.Context(), accountID, opts)
	if err != nil {
		return writeAppError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": jobID})
}

// StopJob requests cooperative cancellation of a running Job.
func (h *PipelineHandler) StopJob(c *fiber.Ctx) error {
	if err := h.jobs.Stop(c.Context(), c.Params("jobId")); err != nil {
		return writeAppError(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

// GetJob returns the current JobStatus projection.
func (h *PipelineHandler) GetJob(c *fiber.Ctx) error {
	status, err := h.jobs.Get(c.Context(), c.Params("jobId"))
	if err != nil {
		return writeAppError(c, err)
	}
	return response.OK(c, status)
}

// StreamJob streams JobStatus updates as Server-Sent Events until the
// Job reaches a terminal state or the client disconnects. No heartbeat
// frames are sent: Watch emits a frame only when the Job's state, phase
// or progress changes, so the stream is quiet while none of them moves.
func (h *PipelineHandler) StreamJob(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	ch, err := h.jobs.Watch(c.Context(), jobID)
	if err != nil {
		return writeAppError(c, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		w.WriteString("event: connected\n")
		w.WriteString("data: {\"status\":\"connected\"}\n\n")
		if err := w.Flush(); err != nil {
			return
		}
		for status := range ch {
			data, err := json.Marshal(status)
			if err != nil {
				logger.Warn("[sse] marshal job status failed: %v", err)
				continue
			}
			w.WriteString("event: job_status\n")
			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := w.Flush(); err != nil {
				return
			}
		}
		w.WriteString("event: done\ndata: {}\n\n")
		w.Flush()
	})
	return nil
}

// GetTree returns the latest committed KnowledgeTree for the account.
func (h *PipelineHandler) GetTree(c *fiber.Ctx) error {
	accountID, err := accountIDParam(c)
	if err != nil {
		return writeAppError(c, err)
	}
	tree, err := h.store.GetLatestTree(c.Context(), accountID)
	if err != nil {
		return writeAppError(c, err)
	}
	if tree == nil {
		return writeAppError(c, apperr.NotFound("knowledge tree"))
	}
	return response.OK(c, tree)
}
