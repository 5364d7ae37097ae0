package dashboard

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tickflow/internal/strategy"
)

const defaultHistoryLimit = 100

// strategyRequest carries optional fields; omitted ones fall back to the
// defaults on create and to the current config on update.
type strategyRequest struct {
	TriggerCount *int     `json:"trigger_count"`
	MaxEntries   *int     `json:"max_entries"`
	BaseAmount   *float64 `json:"base_amount"`
	Multiplier   *float64 `json:"martingale_multiplier"`
	Name         *string  `json:"name"`
	Description  *string  `json:"description"`
	Auto         *bool    `json:"auto"`
}

func (r strategyRequest) apply(c strategy.Config) strategy.Config {
	if r.TriggerCount != nil {
		c.TriggerCount = *r.TriggerCount
	}
	if r.MaxEntries != nil {
		c.MaxEntries = *r.MaxEntries
	}
	if r.BaseAmount != nil {
		c.BaseAmount = *r.BaseAmount
	}
	if r.Multiplier != nil {
		c.Multiplier = *r.Multiplier
	}
	if r.Name != nil {
		c.Name = *r.Name
	}
	if r.Description != nil {
		c.Description = *r.Description
	}
	if r.Auto != nil {
		c.Auto = *r.Auto
	}
	return c
}

type tradeRequest struct {
	BetType string   `json:"bet_type"`
	Amount  *float64 `json:"amount"`
}

type tickRequest struct {
	TickValue *int `json:"tick_value"`
}

// outcomeStatus maps registry outcomes onto HTTP codes.
func outcomeStatus(o strategy.Outcome) int {
	switch o {
	case strategy.OK:
		return http.StatusOK
	case strategy.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func badJSON(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
}

// bindOptional accepts an empty body.
func bindOptional(c *gin.Context, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(v)
}

func (s *Server) createStrategy(c *gin.Context) {
	var req strategyRequest
	if err := bindOptional(c, &req); err != nil {
		badJSON(c, err)
		return
	}
	res := s.deps.Strategies.CreateStrategy(req.apply(strategy.DefaultConfig()))
	if res.Outcome != strategy.OK {
		c.JSON(outcomeStatus(res.Outcome), res)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) listStrategies(c *gin.Context) {
	list := s.deps.Strategies.Strategies()
	c.JSON(http.StatusOK, gin.H{"strategies": list, "count": len(list)})
}

func (s *Server) getStrategy(c *gin.Context) {
	info, ok := s.deps.Strategies.Strategy(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "strategy not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) updateStrategy(c *gin.Context) {
	id := c.Param("id")
	info, ok := s.deps.Strategies.Strategy(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "strategy not found"})
		return
	}
	var req strategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c, err)
		return
	}
	res := s.deps.Strategies.UpdateStrategy(id, req.apply(info.Config))
	c.JSON(outcomeStatus(res.Outcome), res)
}

func (s *Server) deleteStrategy(c *gin.Context) {
	id := c.Param("id")
	if !s.deps.Strategies.DeleteStrategy(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "strategy not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy_id": id, "status": "deleted"})
}

func (s *Server) resetStrategy(c *gin.Context) {
	res := s.deps.Strategies.Reset(c.Param("id"))
	c.JSON(outcomeStatus(res.Outcome), res)
}

func (s *Server) cancelTrades(c *gin.Context) {
	res := s.deps.Strategies.CancelActiveTrades(c.Param("id"))
	c.JSON(outcomeStatus(res.Outcome), res)
}

func (s *Server) createTrade(c *gin.Context) {
	var req tradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c, err)
		return
	}
	res := s.deps.Strategies.CreateTrade(c.Param("id"), req.BetType, req.Amount)
	if res.Outcome == strategy.OK {
		c.JSON(http.StatusCreated, res)
		return
	}
	c.JSON(outcomeStatus(res.Outcome), res)
}

func (s *Server) processTick(c *gin.Context) {
	var req tickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c, err)
		return
	}
	if req.TickValue == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tick_value is required"})
		return
	}
	res := s.deps.Strategies.ProcessTick(c.Param("id"), *req.TickValue)
	c.JSON(outcomeStatus(res.Outcome), res)
}

func (s *Server) history(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	records := s.deps.Strategies.History(c.Query("strategy_id"), limit)
	c.JSON(http.StatusOK, gin.H{"history": records, "count": len(records)})
}

func (s *Server) overallStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Strategies.OverallStats())
}
