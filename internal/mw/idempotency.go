package mw

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// IdempotencyHeader carries a client-chosen key for a mutating request.
const IdempotencyHeader = "Idempotency-Key"

// ReplayedHeader is set on responses served from the idempotency cache.
const ReplayedHeader = "Idempotent-Replayed"

type cachedResponse struct {
	status  int
	headers http.Header
	body    []byte
}

type inFlight struct{}

type bodyCacheWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyCacheWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w bodyCacheWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency replays the stored response of a successful mutating request
// when a request with the same actor, route and Idempotency-Key arrives
// again within ttl. Requests without the header pass through.
func Idempotency(store *cache.Cache, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		idem := c.GetHeader(IdempotencyHeader)
		if idem == "" || c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}

		key := ActorFrom(c).ID + "|" + c.Request.Method + "|" + c.Request.URL.Path + "|" + idem
		if err := store.Add(key, inFlight{}, ttl); err != nil {
			v, _ := store.Get(key)
			cached, ok := v.(cachedResponse)
			if !ok {
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "a request with this idempotency key is in progress", "kind": "conflict"})
				return
			}
			for k, v := range cached.headers {
				c.Writer.Header()[k] = v
			}
			c.Writer.Header().Set(ReplayedHeader, "true")
			c.Writer.WriteHeader(cached.status)
			c.Writer.Write(cached.body)
			c.Abort()
			return
		}

		blw := &bodyCacheWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		// The in-flight marker is cleared on every path out, including a
		// panic that unwinds to the recovery middleware.
		stored := false
		defer func() {
			if !stored {
				store.Delete(key)
			}
		}()

		c.Next()

		// Only successful responses are replayed; a failed attempt may be retried.
		if blw.Status() >= 200 && blw.Status() < 300 {
			store.Set(key, cachedResponse{
				status:  blw.Status(),
				headers: blw.Header().Clone(),
				body:    blw.body.Bytes(),
			}, ttl)
			stored = true
		}
	}
}
