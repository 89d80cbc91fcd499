package task

import (
	"net/http"

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
	r.Operator.GET("/jobs", h.ListJobs)
	r.Operator.GET("/jobs/:id", h.GetJob)
	r.Operator.POST("/tasks/:name/enqueue", h.Enqueue)
}

type listJobsQuery struct {
	pagination.Pagination
	Task   string    `form:"task"`
	Status JobStatus `form:"status"`
}

func (h *Handler) ListJobs(c *gin.Context) {
	var q listJobsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	res, err := h.svc.ListJobs(c.Request.Context(), ListJobsParams{
		TaskName: q.Task,
		Status:   q.Status,
		Page:     q.Pagination,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.svc.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, job)
}

func (h *Handler) Enqueue(c *gin.Context) {
	job, err := h.svc.Enqueue(c.Request.Context(), c.Param("name"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, job)
}
