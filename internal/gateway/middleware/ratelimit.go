package middleware

import (
	"fmt"
	"time"

	"fuzexec/internal/gateway/service"
	"fuzexec/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// RateLimitPolicy bounds requests per window. Zero disables a dimension.
type RateLimitPolicy struct {
	Window   time.Duration `yaml:"window"`
	UserMax  int           `yaml:"userMax"`
	IPMax    int           `yaml:"ipMax"`
	RouteMax int           `yaml:"routeMax"`
}

// RateLimitMiddleware enforces per-route rate limiting. It must run after
// AuthMiddleware so the caller identity is known.
func RateLimitMiddleware(limiter service.Limiter, routeKey string, policy RateLimitPolicy, defaultWindow time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		window := policy.Window
		if window == 0 {
			window = defaultWindow
		}
		ctx := c.Request.Context()
		if policy.IPMax > 0 {
			key := fmt.Sprintf("exec:rate:ip:%s:%s", c.ClientIP(), routeKey)
			if err := limiter.Allow(ctx, key, policy.IPMax, window); err != nil {
				response.AbortWithError(c, err)
				return
			}
		}

		if policy.UserMax > 0 {
			if identity := Identity(c); identity != "" {
				key := fmt.Sprintf("exec:rate:user:%s:%s", identity, routeKey)
				if err := limiter.Allow(ctx, key, policy.UserMax, window); err != nil {
					response.AbortWithError(c, err)
					return
				}
			}
		}

		if policy.RouteMax > 0 {
			key := fmt.Sprintf("exec:rate:route:%s", routeKey)
			if err := limiter.Allow(ctx, key, policy.RouteMax, window); err != nil {
				response.AbortWithError(c, err)
				return
			}
		}

		c.Next()
	}
}
