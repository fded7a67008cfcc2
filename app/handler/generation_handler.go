package handler

import (
	"net/http"
	"strconv"

	"atelier/internal/model"
	"atelier/internal/orchestrator"
	"atelier/internal/service"
	"atelier/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// GenerationHandler handles generation job operations
type GenerationHandler struct {
	generationService *service.GenerationService
}

// NewGenerationHandler creates generation handler
func NewGenerationHandler(generationService *service.GenerationService) *GenerationHandler {
	return &GenerationHandler{
		generationService: generationService,
	}
}

// Submit submits a generation job
// @Summary Submit generation job
// @Description Queue asset generation for a product's materials. A denied admission is not an error: the job stays pending and the response carries the throttle reason.
// @Tags generations
// @Accept json
// @Produce json
// @Param request body model.SubmitGenerationRequest true "Generation request"
// @Success 200 {object} model.SubmitGenerationResponse
// @Router /api/v1/generations [post]
func (h *GenerationHandler) Submit(c *gin.Context) {
	var req model.SubmitGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.ErrorCtx(c.Request.Context(), "invalid request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	resp, err := h.generationService.SubmitGeneration(c.Request.Context(), &req)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to submit generation: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Status gets job status
// @Summary Get job status
// @Description Get generation job status by job ID. Safe to poll.
// @Tags generations
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} model.JobStatusResponse
// @Router /api/v1/generations/{id} [get]
func (h *GenerationHandler) Status(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id required"})
		return
	}

	resp, err := h.generationService.GetJobStatus(c.Request.Context(), jobID)
	if err == orchestrator.ErrJobNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to get job status, job_id: %s, error: %v", jobID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Cancel cancels a job
// @Summary Cancel job
// @Description Cancel a generation job in any non-terminal state
// @Tags generations
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} model.CancelJobResponse
// @Router /api/v1/generations/{id}/cancel [post]
func (h *GenerationHandler) Cancel(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id required"})
		return
	}

	resp, err := h.generationService.CancelJob(c.Request.Context(), jobID)
	if err == orchestrator.ErrJobNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err == orchestrator.ErrJobTerminal {
		c.JSON(http.StatusConflict, gin.H{"error": "job already terminal"})
		return
	}
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to cancel job, job_id: %s, error: %v", jobID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// List lists jobs
// @Summary List jobs
// @Description List generation jobs with optional status and product filters
// @Tags generations
// @Produce json
// @Param status query string false "Job status filter"
// @Param product_id query string false "Product filter"
// @Param limit query int false "Max results"
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/generations [get]
func (h *GenerationHandler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	jobs, err := h.generationService.ListJobs(
		c.Request.Context(),
		model.JobStatus(c.Query("status")),
		c.Query("product_id"),
		limit,
	)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to list jobs: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// Timeline gets the audit history of a job
// @Summary Get job timeline
// @Description Get the chronological audit events of a job from the audit store
// @Tags generations
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/generations/{id}/events [get]
func (h *GenerationHandler) Timeline(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id required"})
		return
	}

	events, err := h.generationService.JobTimeline(c.Request.Context(), jobID)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to get job timeline, job_id: %s, error: %v", jobID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"events": events,
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins, production should use stricter checks
	},
}

// ProgressWS streams progress updates over a WebSocket
// @Summary Job progress stream
// @Description WebSocket push of progress updates until the job reaches a terminal status
// @Tags generations
// @Param id path string true "Job ID"
// @Router /api/v1/generations/{id}/progress/ws [get]
func (h *GenerationHandler) ProgressWS(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id required"})
		return
	}

	updates, cancelSub, err := h.generationService.SubscribeProgress(jobID)
	if err == orchestrator.ErrJobNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer cancelSub()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to upgrade to websocket, job_id: %s, error: %v", jobID, err)
		return
	}
	defer ws.Close()

	// Drain client frames so peer close is noticed while we only write.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				// Terminal update was already delivered; close cleanly.
				ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}
			if err := ws.WriteJSON(update); err != nil {
				logger.DebugCtx(c.Request.Context(), "progress subscriber went away, job_id: %s", jobID)
				return
			}
		case <-clientGone:
			return
		}
	}
}
