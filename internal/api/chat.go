package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"moonit/internal/metrics"
	"moonit/internal/models"
	"moonit/internal/worker"
)

// chatFailure is the only error body the completion endpoint ever returns.
const chatFailure = "An error occurred while processing your request."

type chatRequest struct {
	Messages []models.ChatMessage `json:"messages"`
}

func (h *Handler) chat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	log := h.log.WithField("user_id", userID)

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.chatFailed(c, "invalid", err)
		return
	}
	log.WithField("messages", len(req.Messages)).Debug("chat request received")

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.maxDuration)
	defer cancel()

	// the job may outlive this handler when ctx ends first
	result := make(chan models.ChatMessage, 1)
	err := h.workers.Do(ctx, userID, func(ctx context.Context) error {
		reply, err := h.completer.Complete(ctx, req.Messages)
		if err != nil {
			return err
		}
		result <- reply
		return nil
	})
	if err != nil {
		h.chatFailed(c, chatOutcome(err), err)
		return
	}
	reply := <-result
	metrics.Completions.WithLabelValues("ok").Inc()
	log.WithField("chars", len(reply.Content)).Debug("chat reply sent")
	c.JSON(http.StatusOK, gin.H{
		"message": gin.H{
			"role":    reply.Role,
			"content": reply.Content,
		},
	})
}

func (h *Handler) chatFailed(c *gin.Context, outcome string, err error) {
	metrics.Completions.WithLabelValues(outcome).Inc()
	h.log.WithError(err).WithField("outcome", outcome).Error("chat completion failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": chatFailure})
}

func chatOutcome(err error) string {
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		return "busy"
	default:
		return "error"
	}
}
