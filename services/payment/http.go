package payment

import (
	"net/http"
	"time"

	"safekey-licensing/pkg/db/pagination"
	"safekey-licensing/pkg/errutil"
	"safekey-licensing/pkg/httpapi"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *httpapi.Router, h *Handler) {
	r.Public.POST("/tenants/:tenant_id/payments", h.Create)
	r.Public.GET("/tenants/:tenant_id/payments", h.List)
	r.Public.GET("/payments/:id", h.Get)
	r.Public.POST("/payments/:id/complete", h.Complete)
	r.Public.POST("/payments/:id/fail", h.Fail)
	r.Operator.POST("/payments/:id/refund", h.Refund)
}

type createPaymentRequest struct {
	UserID            string          `json:"user_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Method            string          `json:"method"`
	Concept           string          `json:"concept"`
	ExternalReference string          `json:"external_reference"`
	ExpiresAt         *time.Time      `json:"expires_at"`
	Metadata          map[string]any  `json:"metadata"`
}

func (h *Handler) Create(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	payment, err := h.svc.CreatePayment(c.Request.Context(), CreatePaymentParams{
		TenantID:          c.Param("tenant_id"),
		UserID:            req.UserID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Method:            req.Method,
		Concept:           req.Concept,
		ExternalReference: req.ExternalReference,
		ExpiresAt:         req.ExpiresAt,
		Metadata:          req.Metadata,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, payment)
}

type listPaymentsQuery struct {
	pagination.Pagination
	Status Status `form:"status"`
}

func (h *Handler) List(c *gin.Context) {
	var q listPaymentsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	res, err := h.svc.ListPayments(c.Request.Context(), ListPaymentsParams{
		TenantID: c.Param("tenant_id"),
		Status:   q.Status,
		Page:     q.Pagination,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) Get(c *gin.Context) {
	payment, err := h.svc.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, payment)
}

func (h *Handler) Complete(c *gin.Context) {
	var data TransactionData
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&data); err != nil {
			_ = c.Error(errutil.BadRequest("invalid transaction data", err))
			return
		}
	}

	payment, err := h.svc.MarkCompleted(c.Request.Context(), c.Param("id"), data)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, payment)
}

type failPaymentRequest struct {
	Error string `json:"error" binding:"required"`
}

func (h *Handler) Fail(c *gin.Context) {
	var req failPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	payment, err := h.svc.MarkFailed(c.Request.Context(), c.Param("id"), req.Error)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, payment)
}

func (h *Handler) Refund(c *gin.Context) {
	payment, err := h.svc.Refund(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, payment)
}
