package audit

import (
	"net/http"
	"time"

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
	r.Operator.GET("/tenants/:tenant_id/logs", h.Search)
}

type searchQuery struct {
	Query string     `form:"q"`
	Level string     `form:"level"`
	Since *time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Until *time.Time `form:"until" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit int        `form:"limit"`
}

func (h *Handler) Search(c *gin.Context) {
	var q searchQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	logs, err := h.svc.Search(c.Request.Context(), SearchParams{
		TenantID: c.Param("tenant_id"),
		Query:    q.Query,
		Level:    Level(q.Level),
		Since:    q.Since,
		Until:    q.Until,
		Limit:    q.Limit,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"logs": logs})
}
