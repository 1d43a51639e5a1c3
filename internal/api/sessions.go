package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"moonit/internal/docstore"
	"moonit/internal/models"
)

type sessionRequest struct {
	Title string `json:"title"`
}

func (h *Handler) createSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	session, err := h.store.CreateSession(c.Request.Context(), userID, req.Title)
	if err != nil {
		h.storeFailed(c, err, "create session")
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) listSessions(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessions, err := h.store.ListSessions(c.Request.Context(), userID)
	if err != nil {
		h.storeFailed(c, err, "list sessions")
		return
	}
	c.JSON(http.StatusOK, sessionsBody(sessions))
}

func (h *Handler) updateSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.store.UpdateSessionTitle(c.Request.Context(), userID, c.Param("id"), req.Title); err != nil {
		h.storeFailed(c, err, "update session")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.store.DeleteSession(c.Request.Context(), userID, c.Param("id")); err != nil {
		h.storeFailed(c, err, "delete session")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) addMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req models.ChatMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg, err := h.store.AddMessage(c.Request.Context(), userID, c.Param("id"), req.Role, req.Body())
	if err != nil {
		h.storeFailed(c, err, "add message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) listMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	messages, err := h.store.ListMessages(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.storeFailed(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, messagesBody(messages))
}

// storeFailed maps document store errors to HTTP responses.
func (h *Handler) storeFailed(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, docstore.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.WithError(err).WithField("session_id", c.Param("id")).Error(op)
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

func sessionsBody(sessions []models.Session) gin.H {
	if sessions == nil {
		sessions = make([]models.Session, 0)
	}
	return gin.H{"sessions": sessions}
}

func messagesBody(messages []models.Message) gin.H {
	if messages == nil {
		messages = make([]models.Message, 0)
	}
	return gin.H{"messages": messages}
}
