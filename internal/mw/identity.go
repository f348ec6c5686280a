package mw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"lab-lending-backend/internal/engine"
)

// Headers set by the authenticating proxy in front of the service.
const (
	UserIDHeader   = "X-User-ID"
	UserRoleHeader = "X-User-Role"
)

const actorKey = "actor"

// Identity turns the proxy's identity headers into an engine.Actor stored on
// the context. Requests without a user id are rejected.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + UserIDHeader, "kind": "unauthorized"})
			return
		}
		role, err := engine.ParseRole(c.GetHeader(UserRoleHeader))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error(), "kind": "forbidden"})
			return
		}
		c.Set(actorKey, engine.Actor{ID: id, Role: role})
		c.Next()
	}
}

// ActorFrom returns the actor set by Identity, or the zero Actor.
func ActorFrom(c *gin.Context) engine.Actor {
	v, ok := c.Get(actorKey)
	if !ok {
		return engine.Actor{}
	}
	a, _ := v.(engine.Actor)
	return a
}
