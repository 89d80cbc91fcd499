package license

import (
	"net/http"
	"strconv"

	"safekey-licensing/pkg/config"
	"safekey-licensing/pkg/db/pagination"
	"safekey-licensing/pkg/errutil"
	"safekey-licensing/pkg/httpapi"
	"safekey-licensing/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// HeaderLicenseKey carries the license api key on client calls.
const HeaderLicenseKey = "X-License-Key"

type Handler struct {
	svc     *Service
	limiter *middleware.KeyedLimiter
}

func NewHandler(svc *Service, cfg *config.Config) *Handler {
	h := &Handler{svc: svc}
	if cfg.Server.HeartbeatRPS > 0 {
		h.limiter = middleware.NewKeyedLimiter(cfg.Server.HeartbeatRPS, cfg.Server.HeartbeatBurst)
	}
	return h
}

func RegisterRoutes(r *httpapi.Router, h *Handler) {
	r.Public.POST("/tenants/:tenant_id/requests", h.SubmitRequest)
	r.Public.GET("/tenants/:tenant_id/requests", h.ListRequests)
	r.Public.GET("/requests/:id", h.GetRequest)
	r.Public.POST("/requests/:id/approve", h.ApproveRequest)
	r.Public.POST("/requests/:id/reject", h.RejectRequest)
	r.Public.POST("/requests/:id/cancel", h.CancelRequest)

	r.Public.GET("/tenants/:tenant_id/licenses", h.ListLicenses)
	r.Public.GET("/licenses/:id", h.GetLicense)
	r.Public.GET("/licenses/:id/heartbeats", h.ListHeartbeats)
	r.Public.POST("/licenses/:id/renew", h.Renew)
	r.Public.PUT("/licenses/:id/allowed-ips", h.SetAllowedIPs)
	r.Public.GET("/licenses/:id/features/:feature", h.CheckFeature)
	r.Public.POST("/licenses/:id/offline-token", h.IssueOfflineToken)
	r.Public.POST("/offline-tokens/verify", h.VerifyOfflineToken)
	r.Operator.POST("/licenses/:id/revoke", h.Revoke)

	client := r.Public.Group("/licenses/:id", h.requireLicenseKey)
	client.PUT("/hardware", h.BindHardware)
	if h.limiter != nil {
		client.POST("/heartbeat", middleware.RateLimit(h.limiter, func(c *gin.Context) string { return c.Param("id") }), h.Heartbeat)
	} else {
		client.POST("/heartbeat", h.Heartbeat)
	}
}

// requireLicenseKey admits the call only when the api key belongs to the
// license in the path.
func (h *Handler) requireLicenseKey(c *gin.Context) {
	license, err := h.svc.AuthenticateAPIKey(c.Request.Context(), c.GetHeader(HeaderLicenseKey))
	if err != nil {
		_ = c.Error(err)
		c.Abort()
		return
	}
	if license.ID != c.Param("id") {
		_ = c.Error(errutil.Unauthorized("api key does not match license", nil))
		c.Abort()
		return
	}
	c.Next()
}

type submitRequestBody struct {
	UserID        string         `json:"user_id" binding:"required"`
	LicenseTypeID string         `json:"license_type_id" binding:"required"`
	Attributes    map[string]any `json:"attributes"`
}

func (h *Handler) SubmitRequest(c *gin.Context) {
	var req submitRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	request, err := h.svc.SubmitRequest(c.Request.Context(), SubmitRequestParams{
		TenantID:      c.Param("tenant_id"),
		UserID:        req.UserID,
		LicenseTypeID: req.LicenseTypeID,
		Attributes:    req.Attributes,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, request)
}

type listRequestsQuery struct {
	pagination.Pagination
	Status RequestStatus `form:"status"`
}

func (h *Handler) ListRequests(c *gin.Context) {
	var q listRequestsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	res, err := h.svc.ListRequests(c.Request.Context(), ListRequestsParams{
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

func (h *Handler) GetRequest(c *gin.Context) {
	request, err := h.svc.GetRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, request)
}

type paymentBody struct {
	PaymentID string `json:"payment_id"`
}

func (h *Handler) ApproveRequest(c *gin.Context) {
	var req paymentBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.BadRequest("invalid request body", err))
			return
		}
	}

	activation, err := h.svc.ApproveRequest(c.Request.Context(), c.Param("id"), req.PaymentID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, activation)
}

type rejectBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) RejectRequest(c *gin.Context) {
	var req rejectBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.BadRequest("invalid request body", err))
			return
		}
	}

	request, err := h.svc.RejectRequest(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, request)
}

func (h *Handler) CancelRequest(c *gin.Context) {
	request, err := h.svc.CancelRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, request)
}

type listLicensesQuery struct {
	pagination.Pagination
	Status Status `form:"status"`
}

func (h *Handler) ListLicenses(c *gin.Context) {
	var q listLicensesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	res, err := h.svc.ListLicenses(c.Request.Context(), ListLicensesParams{
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

func (h *Handler) GetLicense(c *gin.Context) {
	license, err := h.svc.GetLicense(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, license)
}

func (h *Handler) ListHeartbeats(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	heartbeats, err := h.svc.ListHeartbeats(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"heartbeats": heartbeats})
}

type bindHardwareBody struct {
	HardwareInfo    string          `json:"hardware_info" binding:"required"`
	HardwareDetails HardwareDetails `json:"hardware_details"`
}

func (h *Handler) BindHardware(c *gin.Context) {
	var req bindHardwareBody
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	license, err := h.svc.BindHardware(c.Request.Context(), c.Param("id"), req.HardwareInfo, req.HardwareDetails)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, license)
}

type heartbeatBody struct {
	HardwareInfo string         `json:"hardware_info"`
	SystemInfo   map[string]any `json:"system_info"`
}

func (h *Handler) Heartbeat(c *gin.Context) {
	var req heartbeatBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.BadRequest("invalid request body", err))
			return
		}
	}

	license, err := h.svc.RecordHeartbeat(c.Request.Context(), HeartbeatParams{
		LicenseID:    c.Param("id"),
		IP:           c.ClientIP(),
		HardwareInfo: req.HardwareInfo,
		SystemInfo:   req.SystemInfo,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     license.Status,
		"expires_at": license.ExpiresAt,
		"features":   license.Features,
	})
}

func (h *Handler) Renew(c *gin.Context) {
	var req paymentBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.BadRequest("invalid request body", err))
			return
		}
	}

	license, err := h.svc.Renew(c.Request.Context(), c.Param("id"), req.PaymentID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, license)
}

type revokeBody struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) Revoke(c *gin.Context) {
	var req revokeBody
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	license, err := h.svc.Revoke(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, license)
}

type allowedIPsBody struct {
	AllowedIPs []string `json:"allowed_ips"`
}

func (h *Handler) SetAllowedIPs(c *gin.Context) {
	var req allowedIPsBody
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	license, err := h.svc.SetAllowedIPs(c.Request.Context(), c.Param("id"), req.AllowedIPs)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, license)
}

func (h *Handler) CheckFeature(c *gin.Context) {
	feature := c.Param("feature")
	enabled, err := h.svc.CheckFeature(c.Request.Context(), c.Param("id"), feature)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"feature": feature, "enabled": enabled})
}

func (h *Handler) IssueOfflineToken(c *gin.Context) {
	token, err := h.svc.IssueOfflineToken(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"token": token})
}

type verifyTokenBody struct {
	Token string `json:"token" binding:"required"`
}

func (h *Handler) VerifyOfflineToken(c *gin.Context) {
	var req verifyTokenBody
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	claims, err := h.svc.VerifyOfflineToken(c.Request.Context(), req.Token)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, claims)
}
