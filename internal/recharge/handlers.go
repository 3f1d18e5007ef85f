package recharge

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/topupledger/internal/auth"
	"github.com/mbd888/topupledger/internal/ledger"
	"github.com/mbd888/topupledger/internal/validation"
)

// Handler provides HTTP endpoints for recharge requests.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new recharge handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	validation.RegisterBindings()
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up user recharge routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/recharge-requests", auth.RequirePermission(auth.ActionRechargeSubmit))
	g.POST("", h.Submit)
	g.GET("", h.ListOwn)
	g.GET("/:id", validation.IDParamMiddleware("id"), h.Get)
}

// RegisterAdminRoutes sets up the review routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	g := r.Group("/admin/recharge-requests", auth.RequirePermission(auth.ActionRechargeReview))
	g.GET("", h.ListByStatus)
	g.POST("/:id/approve", validation.IDParamMiddleware("id"), h.Approve)
	g.POST("/:id/reject", validation.IDParamMiddleware("id"), h.Reject)
}

// Submit handles POST /v1/recharge-requests
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BindError(c, err)
		return
	}
	req.OwnerID = auth.CallerID(c)

	out, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		ledger.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// Get handles GET /v1/recharge-requests/:id
func (h *Handler) Get(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		ledger.RespondError(c, h.logger, err)
		return
	}
	caller, _ := auth.GetCaller(c)
	if !auth.CanAccessOwner(caller, r.OwnerID) {
		ledger.RespondError(c, h.logger, ErrRequestNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

func limitParam(c *gin.Context) int {
	n, _ := strconv.Atoi(c.Query("limit"))
	return n
}

// ListOwn handles GET /v1/recharge-requests
func (h *Handler) ListOwn(c *gin.Context) {
	list, err := h.service.ListByOwner(c.Request.Context(), auth.CallerID(c), limitParam(c))
	if err != nil {
		ledger.RespondError(c, h.logger, err)
		return
	}
	if list == nil {
		list = []*Request{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": list, "count": len(list)})
}

// ListByStatus handles GET /v1/admin/recharge-requests?status=pending
func (h *Handler) ListByStatus(c *gin.Context) {
	status := StatusPending
	if q := c.Query("status"); q != "" {
		st, ok := ParseStatus(q)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unknown status " + q})
			return
		}
		status = st
	}

	list, err := h.service.ListByStatus(c.Request.Context(), status, limitParam(c))
	if err != nil {
		ledger.RespondError(c, h.logger, err)
		return
	}
	if list == nil {
		list = []*Request{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": list, "count": len(list)})
}

// Approve handles POST /v1/admin/recharge-requests/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	out, err := h.service.Approve(c.Request.Context(), c.Param("id"), auth.CallerID(c))
	if err != nil {
		ledger.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Reject handles POST /v1/admin/recharge-requests/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req RejectRequest
	// The body is optional.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			validation.BindError(c, err)
			return
		}
	}

	out, err := h.service.Reject(c.Request.Context(), c.Param("id"), auth.CallerID(c), req.Reason)
	if err != nil {
		ledger.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
