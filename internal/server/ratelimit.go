package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// defaultSubscribeRate allows five subscribe requests per client per minute.
var defaultSubscribeRate = limiter.Rate{Period: time.Minute, Limit: 5}

// rateLimit throttles by client IP using an in-process store.
func rateLimit(rate limiter.Rate, log *slog.Logger) gin.HandlerFunc {
	instance := limiter.New(memory.NewStore(), rate)
	return mgin.NewMiddleware(instance,
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests, please try again later"})
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			log.Error("rate limiter failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}),
	)
}
