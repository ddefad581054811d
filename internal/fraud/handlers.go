package fraud

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/cognativeshield/fraudguard/internal/idgen"
	"github.com/cognativeshield/fraudguard/internal/logging"
	"github.com/cognativeshield/fraudguard/internal/pagination"
	"github.com/cognativeshield/fraudguard/internal/validation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBatchSize     = 100
)

// Handler provides HTTP endpoints for scoring and fraud analytics.
type Handler struct {
	pipeline    *Pipeline
	store       Store
	adminSecret string
}

// NewHandler creates a new fraud handler. An empty adminSecret leaves the
// admin routes open, which is only appropriate for local demos.
func NewHandler(pipeline *Pipeline, store Store, adminSecret string) *Handler {
	return &Handler{pipeline: pipeline, store: store, adminSecret: adminSecret}
}

// RegisterRoutes sets up the scoring and analytics routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.ProcessTransaction)
	r.POST("/transactions/evaluate", h.EvaluateTransaction)
	r.POST("/transactions/batch", h.ProcessBatch)
	r.GET("/transactions/recent", h.ListRecent)
	r.GET("/alerts", h.ListAlerts)
	r.GET("/stats", h.GetStats)
	r.GET("/stats/hourly", h.GetHourly)
	r.GET("/users/risk", h.ListUserRisk)
	r.GET("/users/:id/profile", validation.UserIDParamMiddleware("id"), h.GetProfile)
	r.GET("/model", h.GetModel)
}

// RegisterAdminRoutes sets up destructive admin routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.DELETE("/data", h.requireAdmin, h.ClearData)
}

// TransactionRequest is the inbound JSON shape. A missing transactionId is
// generated, a missing timestamp means now, and a missing hour is taken
// from the timestamp.
type TransactionRequest struct {
	TransactionID string          `json:"transactionId"`
	UserID        int64           `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
	Hour          *int            `json:"hour,omitempty"`
	Location      string          `json:"location"`
	DeviceID      string          `json:"deviceId"`
	MerchantID    string          `json:"merchantId"`
}

// Transaction converts the request, filling defaults.
func (r *TransactionRequest) Transaction(now time.Time) *Transaction {
	tx := &Transaction{
		ID:         validation.Clean(r.TransactionID),
		UserID:     r.UserID,
		Amount:     r.Amount,
		Timestamp:  now,
		Location:   validation.Clean(r.Location),
		DeviceID:   validation.Clean(r.DeviceID),
		MerchantID: validation.Clean(r.MerchantID),
	}
	if tx.ID == "" {
		tx.ID = idgen.TransactionID()
	}
	if r.Timestamp != nil {
		tx.Timestamp = *r.Timestamp
	}
	tx.Hour = tx.Timestamp.Hour()
	if r.Hour != nil {
		tx.Hour = *r.Hour
	}
	return tx
}

// ProcessTransaction handles POST /v1/transactions
func (h *Handler) ProcessTransaction(c *gin.Context) {
	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	tx := req.Transaction(time.Now().UTC())
	result, err := h.pipeline.Process(c.Request.Context(), tx)
	if err != nil {
		h.writeError(c, err, result)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"transaction": tx,
		"result":      result,
	})
}

// EvaluateTransaction handles POST /v1/transactions/evaluate
func (h *Handler) EvaluateTransaction(c *gin.Context) {
	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	tx := req.Transaction(time.Now().UTC())
	result, err := h.pipeline.Evaluate(c.Request.Context(), tx)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction": tx,
		"result":      result,
	})
}

// ProcessBatch handles POST /v1/transactions/batch
func (h *Handler) ProcessBatch(c *gin.Context) {
	var req struct {
		Transactions []TransactionRequest `json:"transactions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if len(req.Transactions) == 0 || len(req.Transactions) > maxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "transactions must contain between 1 and " + strconv.Itoa(maxBatchSize) + " items",
		})
		return
	}

	now := time.Now().UTC()
	txs := make([]*Transaction, len(req.Transactions))
	for i := range req.Transactions {
		txs[i] = req.Transactions[i].Transaction(now)
	}
	items := h.pipeline.ProcessBatch(c.Request.Context(), txs)

	failed := 0
	for _, it := range items {
		if it.Error != "" {
			failed++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"results": items,
		"count":   len(items),
		"failed":  failed,
	})
}

// ListRecent handles GET /v1/transactions/recent
func (h *Handler) ListRecent(c *gin.Context) {
	h.listPage(c, "transactions", h.store.ListRecent)
}

// ListAlerts handles GET /v1/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	h.listPage(c, "alerts", h.store.ListAlerts)
}

type listFunc func(ctx context.Context, limit int, before *pagination.Cursor) ([]*ScoredTransaction, error)

// listPage serves a newest-first listing with keyset pagination. One extra
// row is fetched to learn whether another page exists.
func (h *Handler) listPage(c *gin.Context, key string, list listFunc) {
	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	limit := listLimit(c)
	rows, err := list(c.Request.Context(), limit+1, before)
	if err != nil {
		internalError(c, err)
		return
	}
	rows, next, more := pagination.ComputePage(rows, limit, func(st *ScoredTransaction) (time.Time, string) {
		return st.Result.ScoredAt, st.Transaction.ID
	})

	c.JSON(http.StatusOK, gin.H{
		key:          rows,
		"count":      len(rows),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// GetStats handles GET /v1/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// GetHourly handles GET /v1/stats/hourly
func (h *Handler) GetHourly(c *gin.Context) {
	hours, err := h.store.HourlyDistribution(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hours": hours})
}

// ListUserRisk handles GET /v1/users/risk
func (h *Handler) ListUserRisk(c *gin.Context) {
	users, err := h.store.UserRiskSummary(c.Request.Context(), listLimit(c))
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"users": users,
		"count": len(users),
	})
}

// GetProfile handles GET /v1/users/:id/profile
func (h *Handler) GetProfile(c *gin.Context) {
	userID, _ := validation.ParseUserID(c.Param("id"))

	profile, err := h.pipeline.Profile(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No profile found for this user",
			})
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profile})
}

// GetModel handles GET /v1/model
func (h *Handler) GetModel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"model": h.pipeline.ModelInfo()})
}

// ClearData handles DELETE /v1/admin/data
func (h *Handler) ClearData(c *gin.Context) {
	if err := h.store.ClearAll(c.Request.Context()); err != nil {
		internalError(c, err)
		return
	}
	logging.L(c.Request.Context()).Warn("all fraud data cleared")
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (h *Handler) requireAdmin(c *gin.Context) {
	if h.adminSecret == "" {
		c.Next()
		return
	}
	given := c.GetHeader("X-Admin-Secret")
	if subtle.ConstantTimeCompare([]byte(given), []byte(h.adminSecret)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Valid X-Admin-Secret header required",
		})
		return
	}
	c.Next()
}

// writeError maps pipeline errors to responses. A persistence failure
// still carries the computed result.
func (h *Handler) writeError(c *gin.Context, err error, result *PredictionResult) {
	var verrs ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
			"fields":  verrs,
		})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDuplicateTransaction):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_transaction",
			"message": "Transaction ID has already been processed",
		})
	case errors.Is(err, ErrPersistence):
		resp := gin.H{"error": "persistence_error", "message": err.Error()}
		if result != nil {
			resp["result"] = result
		}
		c.JSON(http.StatusInternalServerError, resp)
	default:
		internalError(c, err)
	}
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}

func listLimit(c *gin.Context) int {
	limit := defaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}
