package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"lab-lending-backend/internal/model"
	"lab-lending-backend/internal/mw"
	"lab-lending-backend/internal/report"
)

type conditionRequest struct {
	Condition string `json:"condition" binding:"required"`
}

// SetUnitCondition handles PUT /api/units/:id/condition.
func (h *Handler) SetUnitCondition(c *gin.Context) {
	var req conditionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	u, err := h.engine.SetUnitCondition(c.Request.Context(), mw.ActorFrom(c), c.Param("id"), model.Condition(req.Condition))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// GetAvailability handles GET /api/equipment-types/:id/availability.
func (h *Handler) GetAvailability(c *gin.Context) {
	id := c.Param("id")
	n, err := h.engine.Availability().AvailableCount(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"equipmentTypeId": id, "available": n})
}

func reportFilter(c *gin.Context) report.Filter {
	f := report.Filter{LaboratoryID: c.Query("laboratory")}
	for _, v := range c.QueryArray("type") {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				f.EquipmentTypeIDs = append(f.EquipmentTypeIDs, id)
			}
		}
	}
	return f
}

// GetTransactionReport handles GET /api/reports/transactions for exporters.
// It spans every requester, so only custodians may read it.
func (h *Handler) GetTransactionReport(c *gin.Context) {
	if !mw.ActorFrom(c).Custodial() {
		c.JSON(http.StatusForbidden, gin.H{"error": "only custodians may export transactions", "kind": KindForbidden})
		return
	}
	f, err := parseListFilter(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	list, err := h.reports.Transactions(c.Request.Context(), f)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": list})
}

// GetEquipmentTypeReport handles GET /api/reports/equipment-types.
func (h *Handler) GetEquipmentTypeReport(c *gin.Context) {
	types, err := h.reports.TypeSummaries(c.Request.Context(), reportFilter(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"equipmentTypes": types})
}

// GetUnitReport handles GET /api/reports/units.
func (h *Handler) GetUnitReport(c *gin.Context) {
	units, err := h.reports.UnitStates(c.Request.Context(), reportFilter(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"units": units})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(c *gin.Context) {
	sqlDB, err := h.store.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
