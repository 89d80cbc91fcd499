package tenant

import (
	"encoding/json"
	"net/http"
	"time"

	"safekey-licensing/pkg/db/pagination"
	"safekey-licensing/pkg/errutil"
	"safekey-licensing/pkg/httpapi"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *httpapi.Router, h *Handler) {
	r.Operator.POST("/tenants", h.Create)
	r.Operator.GET("/tenants", h.List)
	r.Public.GET("/tenants/:tenant_id", h.Get)
	r.Public.GET("/tenants/:tenant_id/usage", h.Usage)
	r.Public.PATCH("/tenants/:tenant_id/settings", h.UpdateSettings)
	r.Operator.PUT("/tenants/:tenant_id/plan", h.ChangePlan)
	r.Operator.POST("/tenants/:tenant_id/deactivate", h.Deactivate)
}

type createTenantRequest struct {
	Name          string          `json:"name" binding:"required"`
	Slug          string          `json:"slug"`
	Description   string          `json:"description"`
	Plan          Plan            `json:"plan"`
	ContactEmail  string          `json:"contact_email" binding:"omitempty,email"`
	Website       string          `json:"website"`
	LogoURL       string          `json:"logo_url"`
	StripeID      string          `json:"stripe_customer_id"`
	PaypalEmail   string          `json:"paypal_email"`
	Settings      json.RawMessage `json:"settings"`
	Branding      *Branding       `json:"branding"`
	Notifications json.RawMessage `json:"notification_settings"`
	ExpiresAt     *time.Time      `json:"expires_at"`
}

func (h *Handler) Create(c *gin.Context) {
	var req createTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	params := CreateTenantParams{
		Name:             req.Name,
		Slug:             req.Slug,
		Description:      req.Description,
		Plan:             req.Plan,
		ContactEmail:     req.ContactEmail,
		Website:          req.Website,
		LogoURL:          req.LogoURL,
		StripeCustomerID: req.StripeID,
		PaypalEmail:      req.PaypalEmail,
		Branding:         req.Branding,
		ExpiresAt:        req.ExpiresAt,
	}

	// decode onto the defaults so omitted keys keep them
	if len(req.Settings) > 0 {
		settings := DefaultSettings()
		if err := json.Unmarshal(req.Settings, &settings); err != nil {
			_ = c.Error(errutil.BadRequest("invalid settings", err))
			return
		}
		params.Settings = &settings
	}
	if len(req.Notifications) > 0 {
		notifications := DefaultNotificationSettings()
		if err := json.Unmarshal(req.Notifications, &notifications); err != nil {
			_ = c.Error(errutil.BadRequest("invalid notification settings", err))
			return
		}
		params.Notifications = &notifications
	}

	tenant, err := h.svc.CreateTenant(c.Request.Context(), params)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, tenant)
}

func (h *Handler) List(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	res, err := h.svc.ListTenants(c.Request.Context(), page)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) Get(c *gin.Context) {
	tenant, err := h.svc.GetTenant(c.Request.Context(), c.Param("tenant_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, tenant)
}

func (h *Handler) Usage(c *gin.Context) {
	usage, err := h.svc.Usage(c.Request.Context(), c.Param("tenant_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, usage)
}

type updateSettingsRequest struct {
	Settings      json.RawMessage `json:"settings"`
	Branding      json.RawMessage `json:"branding"`
	Notifications json.RawMessage `json:"notification_settings"`
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	var req updateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	tenant, err := h.svc.UpdateSettings(c.Request.Context(), c.Param("tenant_id"), SettingsPatch{
		Settings:      req.Settings,
		Branding:      req.Branding,
		Notifications: req.Notifications,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, tenant)
}

type changePlanRequest struct {
	Plan Plan `json:"plan" binding:"required"`
}

func (h *Handler) ChangePlan(c *gin.Context) {
	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	tenant, err := h.svc.ChangePlan(c.Request.Context(), c.Param("tenant_id"), req.Plan)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, tenant)
}

func (h *Handler) Deactivate(c *gin.Context) {
	tenant, err := h.svc.Deactivate(c.Request.Context(), c.Param("tenant_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, tenant)
}
