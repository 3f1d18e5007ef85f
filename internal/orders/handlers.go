package orders

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/topupledger/internal/auth"
	"github.com/mbd888/topupledger/internal/ledger"
	"github.com/mbd888/topupledger/internal/validation"
)

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new order handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	validation.RegisterBindings()
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up user and agent order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", auth.RequirePermission(auth.ActionOrderCreate), h.CreateOrder)
	r.GET("/orders", auth.RequirePermission(auth.ActionOrderRead), h.ListOrders)
	r.GET("/orders/queue", auth.RequirePermission(auth.ActionOrderProcess), h.ListQueue)

	g := r.Group("/orders/:orderId", validation.IDParamMiddleware("orderId"))
	g.GET("", auth.RequirePermission(auth.ActionOrderRead), h.GetOrder)
	g.POST("/claim", auth.RequirePermission(auth.ActionOrderProcess), h.ClaimOrder)
	g.POST("/complete", auth.RequirePermission(auth.ActionOrderProcess), h.CompleteOrder)
}

// RegisterAdminRoutes sets up admin-only order routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	g := r.Group("/admin/orders/:orderId",
		validation.IDParamMiddleware("orderId"),
		auth.RequirePermission(auth.ActionOrderManage))
	g.POST("/status", h.SetOrderStatus)
	g.POST("/commission", h.SettleCommission)
	g.POST("/refund", h.RetryRefund)
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotAssigned):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_assigned", "message": err.Error()})
	case errors.Is(err, ErrInvalidBatch), errors.Is(err, ErrInvalidPhone):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		ledger.RespondError(c, h.logger, err)
	}
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BindError(c, err)
		return
	}
	req.OwnerID = auth.CallerID(c)

	out, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// canView allows the owner, the processing agent, admins, and agents
// browsing the pending queue.
func canView(caller *auth.Caller, o *Order) bool {
	if auth.CanAccessOwner(caller, o.OwnerID) {
		return true
	}
	if caller.ID == o.ProcessedBy {
		return true
	}
	return o.Status == StatusPending && auth.HasPermission(caller, auth.ActionOrderProcess)
}

// GetOrder handles GET /v1/orders/:orderId
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	caller, _ := auth.GetCaller(c)
	if !canView(caller, o) {
		// Indistinguishable from a missing order.
		h.respondError(c, ErrOrderNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

func queryLimit(c *gin.Context) int {
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// ListOrders handles GET /v1/orders (the caller's own orders)
func (h *Handler) ListOrders(c *gin.Context) {
	list, err := h.service.ListByOwner(c.Request.Context(), auth.CallerID(c), queryLimit(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if list == nil {
		list = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}

// ListQueue handles GET /v1/orders/queue (pending orders, oldest first)
func (h *Handler) ListQueue(c *gin.Context) {
	list, err := h.service.ListByStatus(c.Request.Context(), StatusPending, queryLimit(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if list == nil {
		list = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}

// ClaimOrder handles POST /v1/orders/:orderId/claim
func (h *Handler) ClaimOrder(c *gin.Context) {
	out, err := h.service.Claim(c.Request.Context(), c.Param("orderId"), auth.CallerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// CompleteOrder handles POST /v1/orders/:orderId/complete
func (h *Handler) CompleteOrder(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BindError(c, err)
		return
	}

	out, err := h.service.Complete(c.Request.Context(), c.Param("orderId"), auth.CallerID(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// SetOrderStatus handles POST /v1/admin/orders/:orderId/status
func (h *Handler) SetOrderStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BindError(c, err)
		return
	}
	status, _ := ParseStatus(req.Status)

	out, err := h.service.SetStatus(c.Request.Context(), c.Param("orderId"), status, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Info("order status overridden",
		"order_id", out.Order.OrderID, "status", status, "admin", auth.CallerID(c))
	c.JSON(http.StatusOK, out)
}

// SettleCommission handles POST /v1/admin/orders/:orderId/commission
func (h *Handler) SettleCommission(c *gin.Context) {
	out, err := h.service.SettleCommission(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// RetryRefund handles POST /v1/admin/orders/:orderId/refund
func (h *Handler) RetryRefund(c *gin.Context) {
	out, err := h.service.RetryRefund(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
