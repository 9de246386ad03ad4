package admin

import (
	"gogenie/internal/auth"
	"gogenie/internal/config"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(router *gin.Engine, handler *Handler, cfg *config.Config) {
	adminGroup := router.Group("/admin")
	adminGroup.Use(auth.AdminAuthMiddleware(cfg.Admin.Password))
	{
		adminGroup.GET("/keys", handler.ListKeysHandler)

		usersGroup := adminGroup.Group("/users")
		{
			usersGroup.GET("", handler.ListUsersHandler)
			usersGroup.POST("", handler.CreateUserHandler)
			usersGroup.GET("/:id", handler.GetUserHandler)
			usersGroup.DELETE("/:id", handler.DeleteUserHandler)
			usersGroup.PUT("/:id/plan", handler.UpdatePlanHandler)
			usersGroup.POST("/:id/reindex", handler.ReindexHandler)
		}
	}
}
