package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tickflow/internal/feed"
	"tickflow/internal/loop"
	"tickflow/internal/ticks"
	"tickflow/logger"
)

const streamHeartbeat = 15 * time.Second

func (s *Server) health(c *gin.Context) {
	connected := false
	if s.deps.Venue != nil {
		connected = s.deps.Venue.Connected()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"service":    s.service,
		"connected":  connected,
		"loop_ready": s.deps.Loop != nil && s.deps.Loop.Ready(),
		"problems":   logger.Counters(),
	})
}

func (s *Server) stats(c *gin.Context) {
	balance, err := loop.Do(c.Request.Context(), s.deps.Loop, "balance", statsTimeout,
		func(ctx context.Context) (float64, error) {
			return s.deps.Venue.Balance(ctx)
		})
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

func (s *Server) markets(c *gin.Context) {
	mode := "brief"
	if c.Query("mode") == "full" {
		mode = "full"
	}
	symbols, err := loop.Do(c.Request.Context(), s.deps.Loop, "active_symbols", marketsTimeout,
		func(ctx context.Context) ([]feed.Symbol, error) {
			return s.deps.Venue.ActiveSymbols(ctx, mode)
		})
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"markets": symbols})
}

type subscribeRequest struct {
	Symbol string `json:"symbol"`
}

func subscribeStatus(kind ticks.ResultKind) int {
	switch kind {
	case ticks.KindSubscribed:
		return http.StatusOK
	case ticks.KindInvalidSymbol:
		return http.StatusBadRequest
	case ticks.KindSymbolNotFound:
		return http.StatusNotFound
	case ticks.KindUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Symbol) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	symbol := strings.TrimSpace(req.Symbol)

	res, err := loop.Do(c.Request.Context(), s.deps.Loop, "subscribe", subscribeTimeout,
		func(ctx context.Context) (ticks.SubscribeResult, error) {
			return s.deps.Ticks.Subscribe(ctx, symbol), nil
		})
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if res.OK() && s.deps.Notifier != nil {
		s.deps.Notifier.Notify(fmt.Sprintf("Subscribed to %s tick stream", res.Symbol))
	}
	c.JSON(subscribeStatus(res.Kind), res)
}

func (s *Server) doUnsubscribe(c *gin.Context) (ticks.UnsubscribeResult, error) {
	res, err := loop.Do(c.Request.Context(), s.deps.Loop, "unsubscribe", subscribeTimeout,
		func(ctx context.Context) (ticks.UnsubscribeResult, error) {
			return s.deps.Ticks.Unsubscribe(ctx), nil
		})
	if err == nil && s.deps.Notifier != nil {
		s.deps.Notifier.Notify("Unsubscribed from tick stream")
	}
	return res, err
}

func (s *Server) unsubscribe(c *gin.Context) {
	res, err := s.doUnsubscribe(c)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// cleanupSubscription is called by clients when a page is closed.
func (s *Server) cleanupSubscription(c *gin.Context) {
	res, err := s.doUnsubscribe(c)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleaned", "result": res})
}

func (s *Server) ticks(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Ticks.Latest())
}

func (s *Server) subscriptionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Ticks.Status())
}

// streamTicks pushes a snapshot on every tick as server-sent events until the
// client goes away.
func (s *Server) streamTicks(c *gin.Context) {
	ctx := c.Request.Context()
	sub := s.deps.Ticks.Watch(ctx, 8)
	defer sub.Cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("connected", gin.H{"type": "connected", "message": "stream established"})
	c.Writer.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case snap, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent("ticks", gin.H{"type": "tick_update", "data": snap})
			return true
		case now := <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"type": "heartbeat", "time": now.UTC().Format(time.RFC3339)})
			return true
		}
	})
}

func (s *Server) notificationStatus(c *gin.Context) {
	if s.deps.Notifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notifications not configured"})
		return
	}
	n := s.deps.Notifier
	c.JSON(http.StatusOK, gin.H{
		"enabled":               n.Enabled(),
		"notification_interval": int(n.Interval() / time.Second),
		"stats":                 n.Stats(),
	})
}

func (s *Server) testNotification(c *gin.Context) {
	if s.deps.Notifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notifications not configured"})
		return
	}
	snap := s.deps.Ticks.Latest()
	text := "📊 Test notification"
	if n := len(snap.Ticks); n > 0 {
		last := snap.Ticks[n-1]
		text = fmt.Sprintf("%s\n\nSymbol: %s\nQuote: %g", text, last.Symbol, last.Quote)
	}
	if err := s.deps.Notifier.SendNow(c.Request.Context(), text); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "test notification sent"})
}
