package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"pgstream/internal/database"
	"pgstream/internal/realtime"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
)

// RealtimeHandler serves the feed and the ingestion metrics
type RealtimeHandler struct {
	feed      *realtime.FeedStore
	collector *realtime.MetricsCollector
	pools     []*database.PoolMonitor
	interval  time.Duration
	logger    *pterm.Logger
}

// NewRealtimeHandler creates a new realtime handler. pools may be empty.
func NewRealtimeHandler(feed *realtime.FeedStore, collector *realtime.MetricsCollector, pools []*database.PoolMonitor, logger *pterm.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		feed:      feed,
		collector: collector,
		pools:     pools,
		interval:  500 * time.Millisecond,
		logger:    logger,
	}
}

// QueryFeed filters the feed by text and minimum duration
func (h *RealtimeHandler) QueryFeed(c *gin.Context) {
	var minDuration float64
	if raw := c.Query("min_duration"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "min_duration must be a non-negative number of milliseconds"})
			return
		}
		minDuration = v
	}

	events := h.feed.Query(c.Query("q"), minDuration)
	c.JSON(http.StatusOK, gin.H{
		"events":   events,
		"count":    len(events),
		"last_seq": h.feed.LastSeq(),
	})
}

// ClearFeed empties the feed
func (h *RealtimeHandler) ClearFeed(c *gin.Context) {
	h.feed.Clear()
	c.Status(http.StatusNoContent)
}

// StreamFeed streams newly inserted events via Server-Sent Events.
// A client may resume with ?since=<seq> or the Last-Event-ID header.
func (h *RealtimeHandler) StreamFeed(c *gin.Context) {
	lastSeq := h.feed.LastSeq()
	resume := c.Query("since")
	if resume == "" {
		resume = c.GetHeader("Last-Event-ID")
	}
	if resume != "" {
		v, err := strconv.ParseUint(resume, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a sequence number"})
			return
		}
		lastSeq = v
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Debug("Client connected to feed stream",
		h.logger.Args("client_ip", c.ClientIP(), "since", lastSeq))

	for {
		select {
		case <-c.Request.Context().Done():
			h.logger.Debug("Client disconnected from feed stream",
				h.logger.Args("client_ip", c.ClientIP()))
			return

		case <-ticker.C:
			events := h.feed.Since(lastSeq)
			for i := range events {
				data, err := json.Marshal(&events[i])
				if err != nil {
					h.logger.Error("Failed to marshal event", h.logger.Args("error", err))
					continue
				}
				if _, err := fmt.Fprintf(c.Writer, "id: %d\nevent: statement\ndata: %s\n\n", events[i].Seq, data); err != nil {
					h.logger.Debug("Failed to write SSE data", h.logger.Args("error", err))
					return
				}
				lastSeq = events[i].Seq
			}
			if len(events) > 0 {
				c.Writer.Flush()
			}
		}
	}
}

// GetMetrics returns ingestion rates and totals, feed occupancy and pool health
func (h *RealtimeHandler) GetMetrics(c *gin.Context) {
	pools := make([]*database.PoolStats, 0, len(h.pools))
	for _, pm := range h.pools {
		if stats := pm.GetCurrentStats(); stats != nil {
			pools = append(pools, stats)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"ingestion": h.collector.GetMetrics(),
		"feed": gin.H{
			"size":     h.feed.Len(),
			"capacity": h.feed.Capacity(),
			"evicted":  h.feed.Evicted(),
			"last_seq": h.feed.LastSeq(),
		},
		"pools": pools,
	})
}
