package api

import (
	"errors"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lab-lending-backend/internal/engine"
	"lab-lending-backend/internal/report"
	"lab-lending-backend/internal/store"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	engine  *engine.Engine
	reports *report.Projection
	store   store.Store
	webpush *webpush.Options
	log     *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(e *engine.Engine, reports *report.Projection, s store.Store, webpushOptions *webpush.Options, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		engine:  e,
		reports: reports,
		store:   s,
		webpush: webpushOptions,
		log:     log,
	}
}

// Error kinds let the client tell "try again" from "fix your request".
const (
	KindValidation        = "validation"
	KindForbidden         = "forbidden"
	KindNotFound          = "not_found"
	KindCapacity          = "capacity"
	KindInvalidTransition = "invalid_transition"
	KindFieldFrozen       = "field_frozen"
	KindIntegrity         = "integrity"
	KindInternal          = "internal"
)

// respondError maps engine errors to a status code and error kind.
func (h *Handler) respondError(c *gin.Context, err error) {
	var ce *engine.CapacityError
	switch {
	case errors.As(err, &ce):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "kind": KindCapacity, "shortfalls": ce.Shortfalls})
	case errors.Is(err, engine.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": KindValidation})
	case errors.Is(err, engine.ErrFieldFrozen):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": KindFieldFrozen})
	case errors.Is(err, engine.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "kind": KindForbidden})
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "kind": KindNotFound})
	case errors.Is(err, engine.ErrInsufficientCapacity), errors.Is(err, engine.ErrUnitAlreadyBound):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "kind": KindCapacity})
	case errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, engine.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "kind": KindInvalidTransition})
	case errors.Is(err, engine.ErrQuantityMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": KindIntegrity})
	default:
		h.log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "kind": KindInternal})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": KindValidation})
}
