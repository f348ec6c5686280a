package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"lab-lending-backend/config"
	"lab-lending-backend/internal/engine"
	"lab-lending-backend/internal/mw"
	"lab-lending-backend/internal/report"
	"lab-lending-backend/internal/store"
)

// Deps are the services the router exposes.
type Deps struct {
	Engine  *engine.Engine
	Reports *report.Projection
	Store   store.Store
	WebPush *webpush.Options
	Server  config.ServerConfig
	Logger  *zap.Logger
}

// NewRouter creates and configures a new Gin router.
func NewRouter(d Deps) *gin.Engine {
	r := gin.Default()

	if len(d.Server.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     d.Server.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type", mw.UserIDHeader, mw.UserRoleHeader, mw.IdempotencyHeader},
			ExposeHeaders:    []string{mw.ReplayedHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	handler := NewHandler(d.Engine, d.Reports, d.Store, d.WebPush, d.Logger)

	limitPerSec, burst := d.Server.RateLimitPerSec, d.Server.RateLimitBurst
	if limitPerSec <= 0 {
		limitPerSec, burst = 10, 5
	}
	ttl := d.Server.IdempotencyTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	// Idempotency keys expire after ttl, cleaned up every 2*ttl.
	idempotency := mw.Idempotency(cache.New(ttl, 2*ttl), ttl)

	r.GET("/healthz", handler.Healthz)

	api := r.Group("/api")
	api.Use(mw.RateLimiter(rate.Limit(limitPerSec), burst), mw.Identity())
	{
		api.POST("/transactions", idempotency, handler.SubmitTransaction)
		api.GET("/transactions", handler.ListTransactions)
		api.GET("/transactions/:id", handler.GetTransaction)
		api.PATCH("/transactions/:id", handler.EditTransaction)
		api.POST("/transactions/:id/approve", idempotency, handler.ApproveTransaction)
		api.POST("/transactions/:id/reject", idempotency, handler.RejectTransaction)
		api.POST("/transactions/:id/return", idempotency, handler.ReturnTransaction)
		api.POST("/transactions/:id/reallocate", idempotency, handler.ReallocateTransaction)

		api.PUT("/units/:id/condition", handler.SetUnitCondition)
		api.GET("/equipment-types/:id/availability", handler.GetAvailability)

		api.GET("/reports/equipment-types", handler.GetEquipmentTypeReport)
		api.GET("/reports/units", handler.GetUnitReport)
		api.GET("/reports/transactions", handler.GetTransactionReport)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
