package middleware

import (
	"fuzexec/internal/gateway/service"
	pkgerrors "fuzexec/pkg/errors"
	"fuzexec/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// RevokeHandler revokes the bearer token presented with the request. It
// runs behind AuthMiddleware, so the token is known to be valid.
func RevokeHandler(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authService == nil {
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "auth service unavailable")
			return
		}
		if err := authService.Revoke(c.Request.Context(), requestToken(c)); err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, gin.H{"revoked": true})
	}
}
