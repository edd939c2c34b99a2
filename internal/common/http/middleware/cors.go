package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowedMethods   []string `yaml:"allowedMethods"`
	AllowedHeaders   []string `yaml:"allowedHeaders"`
	ExposedHeaders   []string `yaml:"exposedHeaders"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"`
}

// DefaultCORSConfig allows the methods and headers the exec API uses.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Trace-Id", "X-Request-Id"},
		ExposedHeaders: []string{"X-Trace-Id", "X-Request-Id"},
		MaxAge:         600,
	}
}

type corsPolicy struct {
	origins     map[string]struct{}
	anyOrigin   bool
	methods     map[string]struct{}
	credentials bool
	// static headers written on every allowed response
	headers map[string]string
	// headers written only on preflight responses
	preflight map[string]string
}

func newCORSPolicy(cfg CORSConfig) corsPolicy {
	p := corsPolicy{
		origins:     make(map[string]struct{}),
		methods:     make(map[string]struct{}),
		credentials: cfg.AllowCredentials,
		headers:     make(map[string]string),
		preflight:   make(map[string]string),
	}
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.ToLower(strings.TrimSpace(origin))
		switch origin {
		case "":
		case "*":
			p.anyOrigin = true
		default:
			p.origins[origin] = struct{}{}
		}
	}
	for _, method := range cfg.AllowedMethods {
		p.methods[strings.ToUpper(strings.TrimSpace(method))] = struct{}{}
	}
	if len(cfg.ExposedHeaders) > 0 {
		p.headers["Access-Control-Expose-Headers"] = strings.Join(cfg.ExposedHeaders, ", ")
	}
	if cfg.AllowCredentials {
		p.headers["Access-Control-Allow-Credentials"] = "true"
	}
	if len(cfg.AllowedMethods) > 0 {
		p.preflight["Access-Control-Allow-Methods"] = strings.Join(cfg.AllowedMethods, ", ")
	}
	if len(cfg.AllowedHeaders) > 0 {
		p.preflight["Access-Control-Allow-Headers"] = strings.Join(cfg.AllowedHeaders, ", ")
	}
	if cfg.MaxAge > 0 {
		p.preflight["Access-Control-Max-Age"] = strconv.Itoa(cfg.MaxAge)
	}
	return p
}

func (p corsPolicy) allowOrigin(origin string) bool {
	if p.anyOrigin {
		return true
	}
	_, ok := p.origins[strings.ToLower(origin)]
	return ok
}

// allowOriginValue echoes the origin unless a wildcard can be used. A
// wildcard is never sent together with credentials.
func (p corsPolicy) allowOriginValue(origin string) string {
	if p.anyOrigin && !p.credentials {
		return "*"
	}
	return origin
}

func (p corsPolicy) allowMethod(method string) bool {
	if len(p.methods) == 0 {
		return true
	}
	_, ok := p.methods[strings.ToUpper(method)]
	return ok
}

// CORSMiddleware applies CORS headers for browser clients. Preflight
// requests for disallowed origins or methods are rejected with 403.
func CORSMiddleware(cfg CORSConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	policy := newCORSPolicy(cfg)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		h := c.Writer.Header()
		h.Add("Vary", "Origin")

		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""
		if !policy.allowOrigin(origin) {
			if preflight {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Next()
			return
		}

		h.Set("Access-Control-Allow-Origin", policy.allowOriginValue(origin))
		for k, v := range policy.headers {
			h.Set(k, v)
		}
		if !preflight {
			c.Next()
			return
		}
		if !policy.allowMethod(c.GetHeader("Access-Control-Request-Method")) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		for k, v := range policy.preflight {
			h.Set(k, v)
		}
		c.AbortWithStatus(http.StatusNoContent)
	}
}
