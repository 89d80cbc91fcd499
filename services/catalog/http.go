package catalog

import (
	"encoding/json"
	"net/http"

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
	r.Public.POST("/tenants/:tenant_id/softwares", h.CreateSoftware)
	r.Public.GET("/tenants/:tenant_id/softwares", h.ListSoftware)
	r.Public.GET("/softwares/:id", h.GetSoftware)

	r.Public.POST("/tenants/:tenant_id/license-types", h.CreateLicenseType)
	r.Public.GET("/tenants/:tenant_id/license-types", h.ListLicenseTypes)
	r.Public.GET("/license-types/:id", h.GetLicenseType)
	r.Public.PATCH("/license-types/:id", h.UpdateLicenseType)
	r.Public.PUT("/license-types/:id/active", h.SetActive)
}

type createSoftwareRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

func (h *Handler) CreateSoftware(c *gin.Context) {
	var req createSoftwareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	software, err := h.svc.CreateSoftware(c.Request.Context(), c.Param("tenant_id"), CreateSoftwareParams{
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, software)
}

func (h *Handler) ListSoftware(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	res, err := h.svc.ListSoftware(c.Request.Context(), c.Param("tenant_id"), page)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetSoftware(c *gin.Context) {
	software, err := h.svc.GetSoftware(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, software)
}

type createLicenseTypeRequest struct {
	Name                 string          `json:"name" binding:"required"`
	Description          string          `json:"description"`
	SoftwareID           string          `json:"software_id"`
	Price                decimal.Decimal `json:"price"`
	DurationDays         int             `json:"duration_days"`
	Features             []string        `json:"features"`
	DefaultConfiguration json.RawMessage `json:"default_configuration"`
	Eligibility          string          `json:"eligibility"`
}

func (h *Handler) CreateLicenseType(c *gin.Context) {
	var req createLicenseTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	params := CreateLicenseTypeParams{
		Name:         req.Name,
		Description:  req.Description,
		SoftwareID:   req.SoftwareID,
		Price:        req.Price,
		DurationDays: req.DurationDays,
		Features:     req.Features,
		Eligibility:  req.Eligibility,
	}
	if len(req.DefaultConfiguration) > 0 {
		configuration := DefaultConfiguration()
		if err := json.Unmarshal(req.DefaultConfiguration, &configuration); err != nil {
			_ = c.Error(errutil.BadRequest("invalid default configuration", err))
			return
		}
		params.DefaultConfiguration = &configuration
	}

	licenseType, err := h.svc.CreateLicenseType(c.Request.Context(), c.Param("tenant_id"), params)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, licenseType)
}

type listLicenseTypesQuery struct {
	pagination.Pagination
	ActiveOnly bool `form:"active"`
}

func (h *Handler) ListLicenseTypes(c *gin.Context) {
	var q listLicenseTypesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	res, err := h.svc.ListLicenseTypes(c.Request.Context(), ListLicenseTypesParams{
		TenantID:   c.Param("tenant_id"),
		ActiveOnly: q.ActiveOnly,
		Page:       q.Pagination,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetLicenseType(c *gin.Context) {
	licenseType, err := h.svc.GetLicenseType(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, licenseType)
}

type updateLicenseTypeRequest struct {
	Name                 *string          `json:"name"`
	Description          *string          `json:"description"`
	Price                *decimal.Decimal `json:"price"`
	DurationDays         *int             `json:"duration_days"`
	Features             []string         `json:"features"`
	DefaultConfiguration json.RawMessage  `json:"default_configuration"`
	Eligibility          *string          `json:"eligibility"`
}

func (h *Handler) UpdateLicenseType(c *gin.Context) {
	var req updateLicenseTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	licenseType, err := h.svc.UpdateLicenseType(c.Request.Context(), c.Param("id"), LicenseTypePatch{
		Name:                 req.Name,
		Description:          req.Description,
		Price:                req.Price,
		DurationDays:         req.DurationDays,
		Features:             req.Features,
		DefaultConfiguration: req.DefaultConfiguration,
		Eligibility:          req.Eligibility,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, licenseType)
}

type setActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (h *Handler) SetActive(c *gin.Context) {
	var req setActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	licenseType, err := h.svc.SetLicenseTypeActive(c.Request.Context(), c.Param("id"), *req.Active)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, licenseType)
}
