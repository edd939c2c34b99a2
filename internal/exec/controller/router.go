// Package controller exposes the execution engine over HTTP.
package controller

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the exec API on group. Submission routes get the
// intake handlers; read routes get the read handlers.
func RegisterRoutes(group *gin.RouterGroup, h *ExecController, intake []gin.HandlerFunc, read []gin.HandlerFunc) {
	exec := group.Group("/exec")
	exec.POST("/submissions", append(append([]gin.HandlerFunc{}, intake...), h.Create)...)
	exec.GET("/submissions/:id", append(append([]gin.HandlerFunc{}, read...), h.Get)...)
	exec.GET("/submissions/:id/watch", append(append([]gin.HandlerFunc{}, read...), h.Watch)...)
	exec.DELETE("/submissions/:id", append(append([]gin.HandlerFunc{}, read...), h.Cancel)...)
	exec.GET("/stats", append(append([]gin.HandlerFunc{}, read...), h.Stats)...)
}
