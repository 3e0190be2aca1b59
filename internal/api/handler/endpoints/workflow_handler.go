package endpoints

import (
	"net/http"
	"strconv"

	"flowstudio"
	"flowstudio/internal/api/handler/mapper"
	"flowstudio/internal/api/handler/middleware"
	"flowstudio/internal/api/handler/request"
	"flowstudio/internal/api/handler/response"
	"flowstudio/internal/api/service"
	"flowstudio/internal/workflow/models"
	"flowstudio/pkg"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type workflowHandler struct {
	workflowService *service.WorkflowService
	config          flowstudio.AppConfig
	logger          zerolog.Logger
}

func newWorkflowHandler(workflowService *service.WorkflowService, config flowstudio.AppConfig, logger zerolog.Logger) *workflowHandler {
	return &workflowHandler{
		workflowService: workflowService,
		config:          config,
		logger:          logger,
	}
}

// WorkflowHandler sets up graph editing and run routes.
func WorkflowHandler(router gin.IRouter, workflowService *service.WorkflowService, config flowstudio.AppConfig, logger zerolog.Logger) {
	h := newWorkflowHandler(workflowService, config, logger)

	routes := router.Group("/api/v1/workflows")
	routes.Use(middleware.AuthMiddleware(h.config))
	{
		routes.GET("/node-types", h.nodeTypes)

		routes.GET("/:id", h.getGraph)
		routes.PUT("/:id", h.save)

		routes.POST("/:id/nodes", h.addNode)
		routes.PATCH("/:id/nodes/:nodeId", h.updateNodeConfig)
		routes.DELETE("/:id/nodes/:nodeId", h.removeNode)

		routes.POST("/:id/edges", h.connect)
		routes.POST("/:id/edges/validate", h.validateEdge)
		routes.DELETE("/:id/edges/:edgeId", h.disconnect)

		routes.POST("/:id/runs", h.startRun)
		routes.GET("/:id/runs", h.listRuns)
		routes.GET("/:id/runs/active", h.activeRun)
	}

	runs := router.Group("/api/v1/runs")
	runs.Use(middleware.AuthMiddleware(h.config))
	{
		runs.GET("/:runId", h.getRun)
		runs.GET("/:runId/executions", h.executions)
		runs.POST("/:runId/cancel", h.cancelRun)
		runs.POST("/:runId/retry", h.retryNode)
	}
}

func (slf *workflowHandler) nodeTypes(c *gin.Context) {
	c.JSON(http.StatusOK, slf.workflowService.NodeTypes())
}

func (slf *workflowHandler) getGraph(c *gin.Context) {
	id := c.Param("id")
	s, err := slf.workflowService.Session(c.Request.Context(), id)
	if err != nil {
		writeError(c, slf.logger, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, mapper.ToGraphResponse(id, s.Snapshot()))
}

func (slf *workflowHandler) save(c *gin.Context) {
	userID, ok := pkg.GetUserID(c)
	if !ok {
		return
	}

	var req request.SaveWorkflow
	if err := pkg.ParseAndValidate(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
		return
	}

	def, err := slf.workflowService.Save(c.Request.Context(), c.Param("id"), req.Name, userID)
	if err != nil {
		writeError(c, slf.logger, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, mapper.ToWorkflowResponse(*def))
}

func (slf *workflowHandler) addNode(c *gin.Context) {
	var req request.AddNode
	if err := pkg.ParseAndValidate(c, &req); err != nil {
		slf.logger.Debug().Err(err).Msg("Failed to parse add node request")
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
		return
	}
	spec, err := mapper.ToNodeSpec(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
		return
	}

	s, err := slf.workflowService.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, slf.logger, err, http.StatusInternalServerError)
		return
	}
	node, err := s.AddNode(c.Request.Context(), spec)
	if err != nil {
		writeError(c, slf.logger, err, http.StatusBadRequest)
		return
	}
	c.JSON(http.StatusCreated, node)
}

func (slf *workflowHandler) updateNodeConfig(c *gin.Context) {
	var req request.UpdateNodeConfig
	if err := pkg.ParseAndValidate(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
		return
	}
	cfg, err := models.ConfigFromMap(req.Config)
	if err != nil {
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
		return
	}

	s, err := slf.workflowService.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, slf.logger, err, http.StatusInternalServerError)
		return
	}
	node, err := s.UpdateNodeConfig(c.Request.Context(), c.Param("nodeId"), cfg)
	if err != nil {
		writeError(c, slf.logger, err, http.StatusBadRequest)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (slf *workflowHandler) removeNode(c *gin.Context) {
	s, err := slf.workflowService.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, slf.logger, err, http.StatusInternalServerError)
		return
	}
	if err := s.RemoveNode(c.Request.Context(), c.Param("nodeId")); err != nil {
		writeError(c, slf.logger, err, http.StatusBadRequest)
		return
	}
	c.Status(http.StatusNoContent)
}

func (slf *workflowHandler) connect(c *gin.Context) {
	var req request.Connect
	if err := pkg.ParseAndValidate(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
		return
	}

	s, err := slf.workflowService.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, slf.logger, err, http.StatusInternalServerError)
		return
	}
	edge, err := s.Connect(c.Request.Context(), mapper.ToEdge(req))
	if err != nil {
		writeError(c, slf.logger, err, http.StatusBadRequest)
		return
	}
	c.JSON(http.StatusCreated, edge)
}

// validateEdge checks a candidate edge without applying it.
func (slf *workflowHandler) validateEdge(c *gin.Context) {
	var req request.Connect
	if err := pkg.ParseAndValidate(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
		return
	}

	s, err := slf.workflowService.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, slf.logger, err, http.StatusInternalServerError)
		return
	}
	if verr := s.ValidateConnection(mapper.ToEdge(req)); verr != nil {
		c.JSON(http.StatusOK, response.EdgeCheck{Valid: false, Violation: verr})
		return
	}
	c.JSON(http.StatusOK, response.EdgeCheck{Valid: true})
}

func (slf *workflowHandler) disconnect(c *gin.Context) {
	s, err := slf.workflowService.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, slf.logger, err, http.StatusInternalServerError)
		return
	}
	if err := s.Disconnect(c.Request.Context(), c.Param("edgeId")); err != nil {
		writeError(c, slf.logger, err, http.StatusBadRequest)
		return
	}
	c.Status(http.StatusNoContent)
}

func (slf *workflowHandler) startRun(c *gin.Context) {
	userID, ok := pkg.GetUserID(c)
	if !ok {
		return
	}

	var req request.StartRun
	if c.Request.ContentLength != 0 {
		if err := pkg.ParseAndValidate(c, &req); err != nil {
			c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
			return
		}
	}

	run, err := slf.workflowService.StartRun(c.Request.Context(), c.Param("id"), userID, models.JSONMap(req.Input))
	if err != nil {
		writeError(c, slf.logger, err, http.StatusInternalServerError)
		return
	}
	slf.logger.Info().Str("workflowId", run.WorkflowID).Str("runId", run.ID).Uint("userId", userID).Msg("Run started")
	c.JSON(http.StatusAccepted, mapper.ToRunResponse(*run, nil))
}

func (slf *workflowHandler) listRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 200 {
		c.JSON(http.StatusBadRequest, response.APIError{Message: "limit must be between 1 and 200"})
		return
	}

	runs, err := slf.workflowService.ListRuns(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, slf.logger, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, response.Page[response.Run]{
		Data:     mapper.ToRunResponses(runs),
		Total:    len(runs),
		PageSize: limit,
	})
}

func (slf *workflowHandler) activeRun(c *gin.Context) {
	run, ok := slf.workflowService.ActiveRun(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, response.APIError{Message: "No active run"})
		return
	}
	c.JSON(http.StatusOK, mapper.ToRunResponse(*run, nil))
}

func (slf *workflowHandler) getRun(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := slf.workflowService.GetRun(ctx, c.Param("runId"))
	if err != nil {
		writeError(c, slf.logger, err, http.StatusInternalServerError)
		return
	}
	executions, err := slf.workflowService.Executions(ctx, run.ID)
	if err != nil {
		writeError(c, slf.logger, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, mapper.ToRunResponse(*run, executions))
}

func (slf *workflowHandler) executions(c *gin.Context) {
	executions, err := slf.workflowService.Executions(c.Request.Context(), c.Param("runId"))
	if err != nil {
		writeError(c, slf.logger, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, executions)
}

func (slf *workflowHandler) cancelRun(c *gin.Context) {
	if err := slf.workflowService.CancelRun(c.Param("runId")); err != nil {
		writeError(c, slf.logger, err, http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusAccepted)
}

func (slf *workflowHandler) retryNode(c *gin.Context) {
	var req request.RetryNode
	if err := pkg.ParseAndValidate(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
		return
	}
	if err := slf.workflowService.RetryNode(c.Request.Context(), c.Param("runId"), req.NodeID); err != nil {
		writeError(c, slf.logger, err, http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusAccepted)
}
