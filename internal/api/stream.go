package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"moonit/internal/docstore"
	"moonit/internal/feed"
	"moonit/internal/models"
)

const snapshotEvent = "snapshot"

func (h *Handler) streamSessions(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sub, err := h.store.SubscribeSessions(c.Request.Context(), userID)
	if err != nil {
		h.storeFailed(c, err, "subscribe sessions")
		return
	}
	defer sub.Close()
	streamSnapshots(c, h, sub, func(s []models.Session) any { return sessionsBody(s) })
}

func (h *Handler) streamMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sub, err := h.store.SubscribeMessages(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.storeFailed(c, err, "subscribe messages")
		return
	}
	defer sub.Close()
	streamSnapshots(c, h, sub, func(m []models.Message) any { return messagesBody(m) })
}

// streamSnapshots writes every snapshot of sub as an SSE event until the client goes
// away, the handler closes or the subscription ends. A failed subscription is
// reported as an error event.
func streamSnapshots[T any](c *gin.Context, h *Handler, sub *feed.Subscription[T], body func(T) any) {
	w, ok := newSSEWriter(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case snapshot := <-sub.C():
			if err := w.send(snapshotEvent, body(snapshot)); err != nil {
				return
			}
		case <-ticker.C:
			if err := w.comment("keep-alive"); err != nil {
				return
			}
		case <-sub.Done():
			select {
			case snapshot := <-sub.C():
				if err := w.send(snapshotEvent, body(snapshot)); err != nil {
					return
				}
			default:
			}
			err := sub.Err()
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, feed.ErrClosed) {
				return
			}
			msg := "subscription failed"
			if errors.Is(err, docstore.ErrNotFound) {
				msg = "session not found"
			}
			_ = w.send("error", gin.H{"error": msg})
			return
		case <-c.Request.Context().Done():
			return
		case <-h.closing:
			return
		}
	}
}

type sseWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(c *gin.Context) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: c.Writer, flusher: flusher}, true
}

func (s *sseWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
