package api

import (
	"net/http"

	"gogenie/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRoutes(router *gin.Engine, handler *Handler, users auth.UserLookup) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := router.Group("/api")
	apiGroup.Use(auth.AuthMiddleware(users))
	{
		chatsGroup := apiGroup.Group("/chats")
		{
			chatsGroup.POST("", handler.CreateChatHandler)
			chatsGroup.POST("/:id/messages", handler.SendMessageHandler)
		}

		apiGroup.POST("/content", handler.GenerateContentHandler)
		apiGroup.GET("/videos/search", handler.SearchVideosHandler)
		apiGroup.GET("/usage", handler.UsageHandler)
	}
}
