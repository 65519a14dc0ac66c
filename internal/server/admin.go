package server

import (
	"context"
	"net/http"

	"arb-market/internal/metrics"
	"arb-market/internal/models"

	"github.com/gin-gonic/gin"
)

// statusResponse flattens BotStatus and adds the recent logs
type statusResponse struct {
	models.BotStatus
	Logs []models.LogEntry `json:"logs"`
}

// liveEvent is pushed to monitoring clients
type liveEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func (s *Server) getBotStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		BotStatus: s.deps.Status.Status(),
		Logs:      s.deps.Status.RecentLogs(),
	})
}

func (s *Server) startBot(c *gin.Context) {
	// the bot outlives this request
	if err := s.deps.Bot.Start(context.Background()); err != nil {
		s.logger.WithError(err).Error("Failed to start arbitrage bot")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Bot started"})
}

func (s *Server) stopBot(c *gin.Context) {
	s.deps.Bot.Stop()
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Bot stopped"})
}

// handleLiveStatus pushes status changes and new log entries until the client leaves
func (s *Server) handleLiveStatus(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Live status upgrade failed")
		return
	}

	metrics.StreamConnections.WithLabelValues("admin").Inc()
	defer metrics.StreamConnections.WithLabelValues("admin").Dec()

	ws := newWSConn(conn)
	go ws.writePump()

	unsubLogs := s.deps.Status.SubscribeLogs(func(entry models.LogEntry) {
		if ws.enqueue(liveEvent{Type: "log", Data: entry}) {
			metrics.StreamFrames.WithLabelValues("log").Inc()
		}
	})
	unsubStatus := s.deps.Status.SubscribeStatus(func(st models.BotStatus) {
		if ws.enqueue(liveEvent{Type: "status", Data: st}) {
			metrics.StreamFrames.WithLabelValues("status").Inc()
		}
	})

	ws.readPump()
	unsubStatus()
	unsubLogs()
}
