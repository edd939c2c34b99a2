package middleware

import (
	"context"
	"strings"

	"fuzexec/internal/gateway/service"
	pkgerrors "fuzexec/pkg/errors"
	"fuzexec/pkg/utils/contextkey"
	"fuzexec/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Auth modes.
const (
	ModeJWT    = "jwt"
	ModePublic = "public"
)

const (
	identityKey = "user_id"
	roleKey     = "user_role"

	publicIdentityPrefix = "ip:"
	queryTokenParam      = "access_token"
)

// AuthPolicy selects how callers are identified. In public mode tokens are
// ignored and callers are keyed by client IP. Roles, when set, restricts
// JWT callers to the listed roles.
type AuthPolicy struct {
	Mode  string   `yaml:"mode"`
	Roles []string `yaml:"roles"`
}

func (p AuthPolicy) public() bool {
	return strings.EqualFold(p.Mode, ModePublic)
}

func (p AuthPolicy) permits(role string) bool {
	if len(p.Roles) == 0 {
		return true
	}
	for _, allowed := range p.Roles {
		if strings.EqualFold(role, allowed) {
			return true
		}
	}
	return false
}

// AuthMiddleware resolves the caller identity for exec routes and stores it
// on the gin and request contexts.
func AuthMiddleware(authService *service.AuthService, policy AuthPolicy) gin.HandlerFunc {
	if policy.public() {
		return func(c *gin.Context) {
			setIdentity(c, publicIdentityPrefix+c.ClientIP(), "")
			c.Next()
		}
	}
	return func(c *gin.Context) {
		if authService == nil {
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "auth service unavailable")
			return
		}
		id, err := authService.Authenticate(c.Request.Context(), requestToken(c))
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		if !policy.permits(id.Role) {
			response.AbortWithErrorCode(c, pkgerrors.Forbidden, "insufficient role")
			return
		}
		setIdentity(c, id.Subject, id.Role)
		c.Next()
	}
}

// Identity returns the caller resolved by AuthMiddleware.
func Identity(c *gin.Context) string {
	return c.GetString(identityKey)
}

// Role returns the caller role resolved by AuthMiddleware.
func Role(c *gin.Context) string {
	return c.GetString(roleKey)
}

func setIdentity(c *gin.Context, subject, role string) {
	c.Set(identityKey, subject)
	c.Set(roleKey, role)
	ctx := context.WithValue(c.Request.Context(), contextkey.UserID, subject)
	c.Request = c.Request.WithContext(ctx)
}

// requestToken reads the bearer token. Browsers cannot set headers on a
// websocket handshake, so upgrade requests may pass it as a query parameter.
func requestToken(c *gin.Context) string {
	if token := bearerToken(c.GetHeader("Authorization")); token != "" {
		return token
	}
	if c.IsWebsocket() {
		return strings.TrimSpace(c.Query(queryTokenParam))
	}
	return ""
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
