package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter configura el router principal: el endpoint MCP websocket y
// el health check que usan los supervisores.
func NewRouter(logger *zap.Logger, mcpPath string, mcpHandler gin.HandlerFunc, admin *AdminHandlers) *gin.Engine {
	r := gin.New()
	r.Use(zapLoggerMiddleware(logger), gin.Recovery())

	r.GET(mcpPath, mcpHandler)
	r.GET("/healthz", admin.Health)

	return r
}

// NewAdminRouter configura la superficie administrativa, servida en un
// puerto aparte para no exponerla junto al MCP.
func NewAdminRouter(logger *zap.Logger, admin *AdminHandlers) *gin.Engine {
	r := gin.New()
	r.Use(zapLoggerMiddleware(logger), gin.Recovery(), jsonContentTypeMiddleware())

	r.GET("/healthz", admin.Health)
	r.GET("/status", admin.Status)
	r.GET("/memory/stats", admin.MemoryStats)
	r.POST("/memory/sweep", admin.ForceSweep)

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// jsonContentTypeMiddleware fuerza Content-Type: application/json en responses.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}
