// Package admin exposes a node's components over HTTP for operators and host
// applications.
package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"a2a/internal/discovery"
	"a2a/internal/logger"
	"a2a/internal/node"
	"a2a/pkg/errors"
	"a2a/pkg/health"
)

type BaseHandler struct {
	Logger logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	status := errors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	} else {
		h.Logger.DebugwCtx(c.Request.Context(), "Request rejected", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(status, errors.ToErrorResponse(err))
}

func (h *BaseHandler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
}

type Handler struct {
	BaseHandler
	node *node.Node
}

func NewHandler(n *node.Node, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{Logger: log},
		node:        n,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	v1 := router.Group("/api/v1")
	{
		services := v1.Group("/services")
		{
			services.GET("", h.ListServices)
			services.GET("/self", h.GetSelf)
			services.PUT("/self/status", h.SetStatus)
			services.GET("/:id", h.GetService)
		}

		store := v1.Group("/storage")
		{
			store.GET("/namespaces", h.ListNamespaces)
			store.DELETE("/namespaces/:namespace", h.ClearNamespace)
			store.GET("/namespaces/:namespace/keys", h.ListKeys)
			store.GET("/namespaces/:namespace/keys/:key", h.GetValue)
			store.PUT("/namespaces/:namespace/keys/:key", h.SetValue)
			store.DELETE("/namespaces/:namespace/keys/:key", h.DeleteValue)
		}

		rules := v1.Group("/filter/rules")
		{
			rules.GET("", h.ListRules)
			rules.POST("", h.CreateRule)
			rules.GET("/:id", h.GetRule)
			rules.PUT("/:id", h.UpdateRule)
			rules.DELETE("/:id", h.DeleteRule)
		}
		v1.GET("/filter/stats", h.FilterStats)
		v1.GET("/filter/expressions", h.ExpressionExamples)

		v1.GET("/metrics/aggregates", h.Aggregates)
		v1.GET("/metrics/report", h.Report)
		v1.GET("/priority/stats", h.PriorityStats)
		v1.GET("/exchange/providers", h.Providers)
	}
}

func (h *Handler) Health(c *gin.Context) {
	result := h.node.Health().Check(c.Request.Context())
	statusCode := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, result)
}

func (h *Handler) ListServices(c *gin.Context) {
	services := h.node.Discovery().ListServices(discovery.Filter{
		ServiceType: c.Query("type"),
		Capability:  c.Query("capability"),
		Status:      discovery.Status(c.Query("status")),
	})
	c.JSON(http.StatusOK, services)
}

func (h *Handler) GetSelf(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.Discovery().Self())
}

type setStatusRequest struct {
	Status discovery.Status `json:"status" binding:"required"`
}

func (h *Handler) SetStatus(c *gin.Context) {
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := h.node.Discovery().SetStatus(c.Request.Context(), req.Status); err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.node.Discovery().Self())
}

func (h *Handler) GetService(c *gin.Context) {
	id := c.Param("id")
	svc, ok := h.node.Discovery().GetService(id)
	if !ok {
		h.HandleError(c, errors.ErrNotFound.WithMessage("service not found").WithDetail("service_id", id))
		return
	}
	c.JSON(http.StatusOK, svc)
}

func (h *Handler) Aggregates(c *gin.Context) {
	aggregates := h.node.Collector().Aggregates()
	if name := c.Query("name"); name != "" {
		filtered := aggregates[:0]
		for _, a := range aggregates {
			if a.Name == name {
				filtered = append(filtered, a)
			}
		}
		aggregates = filtered
	}
	c.JSON(http.StatusOK, aggregates)
}

func (h *Handler) Report(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.Collector().Report())
}

func (h *Handler) PriorityStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.Priority().Stats())
}

func (h *Handler) Providers(c *gin.Context) {
	data, streams := h.node.Exchange().Providers()
	if data == nil {
		data = []string{}
	}
	if streams == nil {
		streams = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"data": data, "streams": streams})
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.ErrValidation.WithMessage("invalid " + name).WithDetail(name, raw)
	}
	return v, nil
}
