package admin

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/topupledger/internal/auth"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	reconciler Reconciler
	stuck      StuckOrderLister
	sweeper    RefundSweeper
	stream     StatsSource
	logger     *slog.Logger
}

// NewHandler creates a new admin handler.
func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{logger: logger}
}

// WithReconciler sets the reconciliation runner for on-demand audits.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// WithStuckOrders sets the store used to list orders awaiting a refund.
func (h *Handler) WithStuckOrders(l StuckOrderLister) *Handler {
	h.stuck = l
	return h
}

// WithRefundSweeper sets the sweeper triggered by the sweep endpoint.
func (h *Handler) WithRefundSweeper(s RefundSweeper) *Handler {
	h.sweeper = s
	return h
}

// WithStreamStats sets the source for stream statistics.
func (h *Handler) WithStreamStats(s StatsSource) *Handler {
	h.stream = s
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	audit := r.Group("/admin", auth.RequirePermission(auth.ActionLedgerAudit))
	audit.GET("/audit", h.runAudit)
	audit.GET("/stream/stats", h.streamStats)

	manage := r.Group("/admin", auth.RequirePermission(auth.ActionOrderManage))
	manage.GET("/orders/stuck", h.listStuck)
	manage.POST("/refunds/sweep", h.sweepRefunds)
}

// runAudit runs a full reconciliation pass. A failed check still returns the
// partial report alongside the error.
func (h *Handler) runAudit(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "Reconciliation not configured."})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if report == nil {
		h.logger.Error("audit failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Audit failed."})
		return
	}
	body := gin.H{"report": report, "clean": err == nil && report.Clean()}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) streamStats(c *gin.Context) {
	if h.stream == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "Streaming not configured."})
		return
	}
	c.JSON(http.StatusOK, h.stream.Stats())
}

// listStuck returns failed orders without a recorded refund that are older
// than olderThan (a Go duration, default 1m).
func (h *Handler) listStuck(c *gin.Context) {
	if h.stuck == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "Order store not configured."})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	olderThan := time.Minute
	if v := c.Query("olderThan"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "olderThan must be a non-negative duration."})
			return
		}
		olderThan = d
	}

	pending, err := h.stuck.ListUnrefunded(c.Request.Context(), time.Now().Add(-olderThan), limit)
	if err != nil {
		h.logger.Error("list stuck orders failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list stuck orders."})
		return
	}

	out := make([]StuckOrder, 0, len(pending))
	for _, o := range pending {
		out = append(out, stuckView(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out, "count": len(out)})
}

// sweepRefunds runs one refund sweep immediately instead of waiting for
// the next tick.
func (h *Handler) sweepRefunds(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "Refund sweeper not configured."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunded": h.sweeper.Sweep(c.Request.Context())})
}
