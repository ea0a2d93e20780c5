// Package admin exposes the read-only operational surface: registered
// services, outbox contents, dead letters and recorded incidents.
package admin

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	cache "github.com/patrickmn/go-cache"

	"github.com/harborview/backoffice/internal/handler"
	"github.com/harborview/backoffice/internal/model"
	"github.com/harborview/backoffice/internal/registry"
	"github.com/harborview/backoffice/internal/repository"
)

const (
	defaultLimit = 100
	maxLimit     = 1000

	// Listings are cached briefly so a dashboard polling every second does
	// not hammer the store.
	listingTTL = 2 * time.Second
)

type Handler struct {
	events    repository.EventStore
	incidents repository.IncidentStore
	registry  *registry.Registry
	cache     *cache.Cache
}

func NewHandler(events repository.EventStore, incidents repository.IncidentStore, reg *registry.Registry) *Handler {
	return &Handler{
		events:    events,
		incidents: incidents,
		registry:  reg,
		cache:     cache.New(listingTTL, time.Minute),
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	admin := r.Group("/admin")
	{
		admin.GET("/services", h.ListServices)
		admin.GET("/outbox", h.ListOutbox)
		admin.GET("/dlq", h.ListDLQ)
		admin.GET("/incidents", h.ListIncidents)
	}
}

type listQuery struct {
	ID        string `form:"id"`
	EventType string `form:"event_type"`
	Status    string `form:"status"`
	Since     string `form:"since"`
	Limit     int    `form:"limit"`
}

func (q *listQuery) filter() (repository.Filter, int, error) {
	f := repository.Filter{
		ID:        q.ID,
		EventType: q.EventType,
	}

	if q.Status != "" {
		status := model.EventStatus(strings.ToUpper(q.Status))
		if !status.IsValid() {
			return f, 0, fmt.Errorf("unknown status %q", q.Status)
		}
		f.Status = status
	}

	if q.Since != "" {
		since, err := time.Parse(time.RFC3339, q.Since)
		if err != nil {
			return f, 0, fmt.Errorf("since must be RFC3339: %v", err)
		}
		f.Since = since
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return f, limit, nil
}

func (q *listQuery) cacheKey(view string) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%d", view, q.ID, q.EventType, q.Status, q.Since, q.Limit)
}

// ListServices reports every registered service and its subscriptions.
func (h *Handler) ListServices(c *gin.Context) {
	c.JSON(http.StatusOK, handler.NewSuccessResponse(h.registry.Describe()))
}

func (h *Handler) ListOutbox(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	filter, limit, err := q.filter()
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	key := q.cacheKey("outbox")
	if cached, ok := h.cache.Get(key); ok {
		c.JSON(http.StatusOK, cached.(*handler.Response))
		return
	}

	records, err := h.events.ReadOutbox(c.Request.Context(), filter, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
		return
	}
	resp := handler.NewListResponse(records, len(records))
	h.cache.SetDefault(key, resp)
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListDLQ(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	filter, limit, err := q.filter()
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	key := q.cacheKey("dlq")
	if cached, ok := h.cache.Get(key); ok {
		c.JSON(http.StatusOK, cached.(*handler.Response))
		return
	}

	records, err := h.events.ReadDLQ(c.Request.Context(), filter, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
		return
	}
	resp := handler.NewListResponse(records, len(records))
	h.cache.SetDefault(key, resp)
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListIncidents(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	filter, limit, err := q.filter()
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	key := q.cacheKey("incidents")
	if cached, ok := h.cache.Get(key); ok {
		c.JSON(http.StatusOK, cached.(*handler.Response))
		return
	}

	incidents, err := h.incidents.List(c.Request.Context(), filter, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
		return
	}
	resp := handler.NewListResponse(incidents, len(incidents))
	h.cache.SetDefault(key, resp)
	c.JSON(http.StatusOK, resp)
}
