// Package api serves the client facing JSON endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"gogenie/internal/auth"
	"gogenie/internal/chat"
	"gogenie/internal/content"
	"gogenie/internal/model"
	"gogenie/internal/usage"
	"gogenie/internal/video"

	"github.com/gin-gonic/gin"
)

type ChatService interface {
	CreateConversation(ctx context.Context, userID, title string) (*model.Conversation, error)
	SendMessage(ctx context.Context, user *model.User, conversationID, text string) (*chat.Reply, error)
}

type ContentService interface {
	Generate(ctx context.Context, user *model.User, req content.Request) (*content.Result, error)
}

type VideoSearcher interface {
	Search(ctx context.Context, user *model.User, query string) ([]video.Video, usage.Decision, error)
}

type UsageReporter interface {
	Usage(ctx context.Context, userID string, plan model.Plan) (usage.Report, error)
}

type CreateChatRequest struct {
	Title string `json:"title"`
}

type SendMessageRequest struct {
	Message string `json:"message" binding:"required"`
}

type Handler struct {
	chat    ChatService
	content ContentService
	videos  VideoSearcher
	usage   UsageReporter
	log     *slog.Logger
}

func NewHandler(chat ChatService, content ContentService, videos VideoSearcher, usage UsageReporter, log *slog.Logger) *Handler {
	return &Handler{chat: chat, content: content, videos: videos, usage: usage, log: log.With("component", "api")}
}

func (h *Handler) CreateChatHandler(c *gin.Context) {
	var req CreateChatRequest
	// An empty body is allowed.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	conv, err := h.chat.CreateConversation(c.Request.Context(), auth.CurrentUser(c).ID, req.Title)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) SendMessageHandler(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	reply, err := h.chat.SendMessage(c.Request.Context(), auth.CurrentUser(c), c.Param("id"), req.Message)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": reply.Conversation,
		"message":      reply.UserMessage,
		"answer":       reply.Answer,
		"usage":        usageBody(reply.Usage),
	})
}

func (h *Handler) GenerateContentHandler(c *gin.Context) {
	var req content.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	result, err := h.content.Generate(c.Request.Context(), auth.CurrentUser(c), req)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"kind":    result.Kind,
		"content": result.Content,
		"quiz":    result.Quiz,
		"usage":   usageBody(result.Usage),
	})
}

func (h *Handler) SearchVideosHandler(c *gin.Context) {
	videos, decision, err := h.videos.Search(c.Request.Context(), auth.CurrentUser(c), c.Query("q"))
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"videos": videos, "usage": usageBody(decision)})
}

func (h *Handler) UsageHandler(c *gin.Context) {
	user := auth.CurrentUser(c)
	report, err := h.usage.Usage(c.Request.Context(), user.ID, user.Plan)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
