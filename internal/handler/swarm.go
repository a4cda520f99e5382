package handler

import (
	"net/http"
	"strconv"

	"github.com/edgeswarm/edgegate/internal/service"
	"github.com/edgeswarm/edgegate/internal/swarm"
	"github.com/gin-gonic/gin"
)

type SwarmHandler struct {
	monitor *swarm.Monitor
	audit   *service.AuditService
}

func NewSwarmHandler(monitor *swarm.Monitor, audit *service.AuditService) *SwarmHandler {
	return &SwarmHandler{monitor: monitor, audit: audit}
}

func (h *SwarmHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.Status())
}

func (h *SwarmHandler) Breakers(c *gin.Context) {
	status := h.monitor.Status()
	c.JSON(http.StatusOK, gin.H{"breakers": status.Breakers})
}

func (h *SwarmHandler) Pause(c *gin.Context) {
	h.monitor.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (h *SwarmHandler) Resume(c *gin.Context) {
	h.monitor.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": h.monitor.Paused()})
}

// Audit lists recent decision records, optionally filtered by opportunity.
func (h *SwarmHandler) Audit(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	entries, err := h.audit.List(c.Request.Context(), c.Query("opportunity_id"), limit)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
