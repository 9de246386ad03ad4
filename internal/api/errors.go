package api

import (
	"errors"
	"log/slog"
	"net/http"

	"gogenie/internal/chat"
	"gogenie/internal/content"
	"gogenie/internal/db"
	"gogenie/internal/keypool"
	"gogenie/internal/usage"
	"gogenie/internal/video"

	"github.com/gin-gonic/gin"
)

// WriteError answers c with the status code and body matching err.
func WriteError(c *gin.Context, log *slog.Logger, err error) {
	var limitErr *usage.LimitError
	if errors.As(err, &limitErr) {
		d := limitErr.Decision
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":     "Usage limit reached",
			"kind":      d.Kind,
			"used":      d.Used,
			"limit":     d.Limit,
			"remaining": d.Remaining,
		})
		return
	}

	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "path", c.Request.URL.Path, "status", status, "error", err)
	}
	c.JSON(status, gin.H{"error": message})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, usage.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "Usage accounting is unavailable"
	case errors.Is(err, keypool.ErrAllKeysExhausted):
		return http.StatusServiceUnavailable, "Upstream capacity exhausted, try again later"
	case errors.Is(err, video.ErrUnavailable), errors.Is(err, chat.ErrIndexDisabled):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, chat.ErrConversationNotFound), errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, content.ErrInvalidRequest), errors.Is(err, video.ErrEmptyQuery):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, content.ErrMalformedQuiz):
		return http.StatusBadGateway, "The model returned an unusable answer"
	default:
		return http.StatusBadGateway, "Upstream request failed"
	}
}

// usageBody renders a decision for response bodies.
func usageBody(d usage.Decision) gin.H {
	if d.Unlimited {
		return gin.H{"kind": d.Kind, "unlimited": true}
	}
	return gin.H{"kind": d.Kind, "used": d.Used, "limit": d.Limit, "remaining": d.Remaining}
}
