package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Router wraps the gin engine with the hub's routes.
type Router struct {
	engine  *gin.Engine
	handler *Handler
}

// NewRouter creates the API router.
func NewRouter(handler *Handler) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	r := &Router{
		engine:  engine,
		handler: handler,
	}
	r.setupRoutes()
	return r
}

// setupRoutes configures the public and admin route groups.
func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.handler.HealthCheck)

	v1 := r.engine.Group("/api/v1")
	{
		// Public payment surface
		v1.POST("/payments/accept", r.handler.AcceptPayment)
		v1.GET("/tokens/:token", r.handler.VerifyToken)

		// Channel administration
		channels := v1.Group("/channels")
		channels.Use(r.handler.AuthMiddleware())
		{
			channels.GET("", r.handler.ListChannels)
			channels.GET("/:channelId", r.handler.GetChannel)
			channels.POST("/open", r.handler.OpenChannel)
			channels.POST("/:channelId/deposit", r.handler.Deposit)
			channels.POST("/:channelId/close", r.handler.CloseChannel)
			channels.POST("/:channelId/pay", r.handler.Pay)
		}
	}
}

// Engine returns the underlying gin engine.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}

// corsMiddleware adds permissive CORS headers.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
