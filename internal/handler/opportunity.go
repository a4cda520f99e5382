package handler

import (
	"net/http"
	"strconv"

	"github.com/edgeswarm/edgegate/internal/model"
	"github.com/edgeswarm/edgegate/internal/pkg/apperrors"
	"github.com/edgeswarm/edgegate/internal/service"
	"github.com/gin-gonic/gin"
)

type OpportunityHandler struct {
	mgr *service.Manager
}

func NewOpportunityHandler(mgr *service.Manager) *OpportunityHandler {
	return &OpportunityHandler{mgr: mgr}
}

// Submit accepts a candidate from an external detector via HTTP. The
// websocket feed uses the same manager entry point.
func (h *OpportunityHandler) Submit(c *gin.Context) {
	var req model.CandidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	opp, err := h.mgr.Submit(c.Request.Context(), &req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, opp)
}

func (h *OpportunityHandler) Get(c *gin.Context) {
	opp, err := h.mgr.Get(c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, opp)
}

func (h *OpportunityHandler) List(c *gin.Context) {
	filter := model.OpportunityFilter{
		State:    model.OpportunityState(c.Query("status")),
		Category: model.Category(c.Query("category")),
		Mode:     model.ExecutionMode(c.Query("mode")),
		Venue:    c.Query("venue"),
	}
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}

	opps := h.mgr.List(filter)
	c.JSON(http.StatusOK, gin.H{"opportunities": opps, "count": len(opps)})
}

// Directive applies an external directing agent's approve/reject to a
// pending agent_directed or hybrid opportunity.
func (h *OpportunityHandler) Directive(c *gin.Context) {
	var req model.DirectiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	opp, err := h.mgr.Directive(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, opp)
}

// Settle is the execution transport's settlement callback.
func (h *OpportunityHandler) Settle(c *gin.Context) {
	var req model.SettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	opp, err := h.mgr.HandleSettlement(c.Request.Context(), &req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, opp)
}
