package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/soundprediction/go-docgraph/pkg/pipeline"
	"github.com/soundprediction/go-docgraph/pkg/server/dto"
)

// RunController starts runs and reports on them.
type RunController interface {
	// Trigger starts a run in the background; false means one is running.
	Trigger() bool
	Running() bool
	Latest() (*pipeline.Summary, error)
	Documents() []pipeline.DocumentStatus
}

// RunsHandler exposes pipeline runs.
type RunsHandler struct {
	runs RunController
}

// NewRunsHandler creates a new runs handler
func NewRunsHandler(runs RunController) *RunsHandler {
	return &RunsHandler{runs: runs}
}

// Latest handles GET /runs/latest
func (h *RunsHandler) Latest(c *gin.Context) {
	summary, err := h.runs.Latest()
	running := h.runs.Running()
	if summary == nil && err == nil {
		if running {
			c.JSON(http.StatusOK, dto.RunResponse{Running: true})
			return
		}
		c.JSON(http.StatusNotFound, dto.ErrorResponse{
			Error:   "not_found",
			Message: "no run has finished yet",
			Code:    http.StatusNotFound,
		})
		return
	}

	resp := dto.RunResponse{Running: running, Summary: summary}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// Trigger handles POST /runs
func (h *RunsHandler) Trigger(c *gin.Context) {
	if !h.runs.Trigger() {
		c.JSON(http.StatusConflict, dto.ErrorResponse{
			Error:   "run_in_progress",
			Message: "a run is already in progress",
			Code:    http.StatusConflict,
		})
		return
	}
	c.JSON(http.StatusAccepted, dto.TriggerResponse{Accepted: true, RequestedAt: time.Now().UTC()})
}

// Documents handles GET /runs/current/documents
func (h *RunsHandler) Documents(c *gin.Context) {
	docs := h.runs.Documents()
	if state := c.Query("state"); state != "" {
		filtered := docs[:0]
		for _, d := range docs {
			if string(d.State) == state {
				filtered = append(filtered, d)
			}
		}
		docs = filtered
	}
	c.JSON(http.StatusOK, dto.DocumentsResponse{Documents: docs, Total: len(docs)})
}
