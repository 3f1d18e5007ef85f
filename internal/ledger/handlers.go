package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/topupledger/internal/auth"
	"github.com/mbd888/topupledger/internal/money"
	"github.com/mbd888/topupledger/internal/validation"
)

// Handler provides HTTP endpoints for wallets and the ledger.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// RegisterRoutes sets up wallet routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/wallets/:ownerId", validation.IDParamMiddleware("ownerId"),
		auth.RequirePermission(auth.ActionWalletRead))
	g.GET("", h.GetWallet)
	g.GET("/transactions", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/wallets/:walletId/balance", validation.IDParamMiddleware("walletId"),
		auth.RequirePermission(auth.ActionWalletAdjust), h.AdjustBalance)
	r.GET("/admin/reconcile", auth.RequirePermission(auth.ActionLedgerAudit), h.Reconcile)
}

// RespondError writes err using the shared error taxonomy.
func RespondError(c *gin.Context, logger *slog.Logger, err error) {
	status, code, msg := HTTPError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}

func forbidden(c *gin.Context) {
	c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not your wallet."})
}

// GetWallet handles GET /wallets/:ownerId. The balance may be served from
// the cache and lag the database by up to the cache TTL.
func (h *Handler) GetWallet(c *gin.Context) {
	ownerID := c.Param("ownerId")
	caller, _ := auth.GetCaller(c)
	if !auth.CanAccessOwner(caller, ownerID) {
		forbidden(c)
		return
	}

	view, err := h.engine.Balance(c.Request.Context(), ownerID)
	if errors.Is(err, ErrWalletNotFound) {
		// Wallets are created lazily; an unknown owner simply has nothing yet.
		c.JSON(http.StatusOK, gin.H{"wallet": BalanceView{OwnerID: ownerID, Balance: money.Zero}})
		return
	}
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": view})
}

// GetHistory handles GET /wallets/:ownerId/transactions
func (h *Handler) GetHistory(c *gin.Context) {
	ownerID := c.Param("ownerId")
	caller, _ := auth.GetCaller(c)
	if !auth.CanAccessOwner(caller, ownerID) {
		forbidden(c)
		return
	}

	limit := defaultHistoryLimit
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	w, err := h.engine.WalletByOwner(ctx, ownerID)
	if errors.Is(err, ErrWalletNotFound) {
		c.JSON(http.StatusOK, gin.H{"transactions": []*Transaction{}, "count": 0})
		return
	}
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	txs, err := h.engine.History(ctx, w.ID, limit)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// AdjustBalanceRequest sets a wallet to an absolute balance.
type AdjustBalanceRequest struct {
	Balance     string `json:"balance" binding:"required"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"referenceId" binding:"max=100"`
}

// AdjustBalance handles POST /admin/wallets/:walletId/balance
func (h *Handler) AdjustBalance(c *gin.Context) {
	var req AdjustBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BindError(c, err)
		return
	}
	target, err := money.Parse(req.Balance)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}

	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	res, err := h.engine.SetBalance(c.Request.Context(), c.Param("walletId"), target, reason, req.ReferenceID)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	h.logger.Info("wallet balance adjusted",
		"wallet_id", res.Wallet.ID,
		"admin", auth.CallerID(c),
		"balance", res.Wallet.Balance.StringFixed(2),
		"changed", res.Transaction != nil,
	)
	c.JSON(http.StatusOK, res)
}

// Reconcile handles GET /admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	mismatches, err := h.engine.Reconcile(c.Request.Context())
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	if mismatches == nil {
		mismatches = []Mismatch{}
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":         len(mismatches) == 0,
		"mismatches": mismatches,
	})
}
