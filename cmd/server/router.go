package server

import (
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/expofab/portal/internal/handlers"
	"github.com/expofab/portal/internal/middleware"
	"github.com/expofab/portal/pkg/auth"
)

func APIEndpoints(
	r *gin.Engine,
	jwtMgr *auth.JWTManager,
	rdb *redis.Client,
	authH *handlers.AuthHandler,
	projectH *handlers.ProjectHandler,
	historyH *handlers.HistoryHandler,
	userH *handlers.UserHandler,
	wsH *handlers.WebSocketHandler,
) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Auth endpoints
	authGroup := r.Group("/auth")
	{
		authGroup.POST("/register", authH.Register)
		authGroup.POST("/login", authH.Login)
		authGroup.POST("/logout", middleware.AuthMiddleware(jwtMgr, rdb), authH.Logout)
	}

	// REST surface
	api := r.Group("/api/v1", middleware.AuthMiddleware(jwtMgr, rdb))
	{
		api.GET("/users/me", userH.GetMe)
		api.POST("/projects", projectH.CreateProject)
		api.GET("/projects", projectH.GetMyProjects)
		api.POST("/projects/:id/members", projectH.AddMember)
		api.GET("/projects/:id/messages", historyH.GetProjectMessages)
	}

	// The live chat channel. Credential check happens in the middleware,
	// before the upgrade.
	r.GET("/ws", middleware.WSAuthMiddleware(jwtMgr, rdb), wsH.HandleWebSocket)
}
