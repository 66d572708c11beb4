package server

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	eventReady           = "ready"
	eventOutlineChange   = "outline-change"
	eventParagraphChange = "paragraph-change"
	eventHeartbeat       = "heartbeat"
)

// handleChanges streams the committed changes of one pot as server-sent events
// until the client disconnects. A stream the hub evicted for falling behind ends
// the response so the client reconnects and resyncs.
func (h *httpHandler) handleChanges(c *gin.Context) {
	potID := c.Param("pot")
	ctx := c.Request.Context()

	outlineStream, stopOutlines := h.outlines.Subscribe(ctx, potID)
	defer stopOutlines()
	paragraphStream, stopParagraphs := h.paragraphs.Subscribe(ctx, potID)
	defer stopParagraphs()
	h.logger.Debug("change stream opened",
		zap.String("pot_id", potID),
		zap.Int("observers", h.outlines.Subscribers(potID)))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(eventReady, gin.H{"pot_id": potID})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case change, ok := <-outlineStream:
			if !ok {
				h.logger.Warn("change stream evicted", zap.String("pot_id", potID))
				return false
			}
			c.SSEvent(eventOutlineChange, change)
		case change, ok := <-paragraphStream:
			if !ok {
				h.logger.Warn("change stream evicted", zap.String("pot_id", potID))
				return false
			}
			c.SSEvent(eventParagraphChange, change)
		case at := <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"at": at.UTC().Unix()})
		}
		return true
	})
}
