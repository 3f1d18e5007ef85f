package commission

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/topupledger/internal/auth"
	"github.com/mbd888/topupledger/internal/ledger"
	"github.com/mbd888/topupledger/internal/validation"
)

// Handler exposes agent management.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler creates a new agent handler.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// RegisterAdminRoutes sets up agent management routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	g := r.Group("/admin/agents", auth.RequirePermission(auth.ActionAgentManage))
	g.GET("", h.ListAgents)
	g.GET("/:agentId", validation.IDParamMiddleware("agentId"), h.GetAgent)
	g.PUT("/:agentId", validation.IDParamMiddleware("agentId"), h.UpsertAgent)
}

// UpsertAgent handles PUT /v1/admin/agents/:agentId
func (h *Handler) UpsertAgent(c *gin.Context) {
	var req UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BindError(c, err)
		return
	}

	a, err := h.engine.UpsertAgent(c.Request.Context(), c.Param("agentId"), req)
	if errors.Is(err, ErrInvalidRate) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err != nil {
		ledger.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": a})
}

// GetAgent handles GET /v1/admin/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	a, err := h.engine.Agent(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		ledger.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": a})
}

// ListAgents handles GET /v1/admin/agents
func (h *Handler) ListAgents(c *gin.Context) {
	list, err := h.engine.Agents(c.Request.Context())
	if err != nil {
		ledger.RespondError(c, h.logger, err)
		return
	}
	if list == nil {
		list = []*Agent{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": list, "count": len(list)})
}
