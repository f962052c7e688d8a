package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/beamlens/beamlens/pkg/coordinator"
	"github.com/beamlens/beamlens/pkg/version"
)

// investigateRequest is the POST /investigate body. Both fields are
// optional; with an empty queue at least a reason is required.
type investigateRequest struct {
	Reason  string            `json:"reason"`
	Context map[string]string `json:"context"`
}

// askRequest is the POST /ask body.
type askRequest struct {
	Query    string `json:"query" binding:"required"`
	Strategy string `json:"strategy"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"node":    s.sup.Node(),
		"version": version.Full(),
		"build":   version.Info(),
	})
}

func (s *Server) status(c *gin.Context) {
	resp := gin.H{
		"node":            s.sup.Node(),
		"skills":          s.sup.Skills(),
		"pending_alerts":  len(s.sup.PendingAlerts()),
		"coordinator":     s.sup.CoordinatorStatus(),
		"circuit_breaker": s.sup.CircuitBreakerState(),
		"watchers":        s.sup.ListWatchers(),
		"schedules":       s.sup.Schedules(),
	}
	if ds, ok := s.sup.DetectorStatus(); ok {
		resp["detector"] = ds
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listAlerts(c *gin.Context) {
	alerts := s.sup.PendingAlerts()
	c.JSON(http.StatusOK, gin.H{"count": len(alerts), "alerts": alerts})
}

func (s *Server) investigate(c *gin.Context) {
	var req investigateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
	}

	runContext := make(map[string]string, len(req.Context)+1)
	for k, v := range req.Context {
		runContext[k] = v
	}
	if req.Reason != "" {
		runContext["reason"] = req.Reason
	}

	result, err := s.sup.Investigate(c.Request.Context(), runContext)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	strategy := coordinator.Strategy(req.Strategy)
	if req.Strategy != "" && strategy != coordinator.StrategyAgentLoop && strategy != coordinator.StrategyPipeline {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown strategy"})
		return
	}

	result, err := s.sup.Ask(c.Request.Context(), req.Query, strategy)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) listWatchers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"watchers": s.sup.ListWatchers()})
}

func (s *Server) watcherStatus(c *gin.Context) {
	status, err := s.sup.WatcherStatus(c.Param("name"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) triggerWatcher(c *gin.Context) {
	if err := s.sup.TriggerWatcher(c.Param("name")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"triggered": c.Param("name")})
}

func (s *Server) listSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"schedules": s.sup.Schedules()})
}

func (s *Server) runSchedule(c *gin.Context) {
	if err := s.sup.RunSchedule(c.Param("name")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"triggered": c.Param("name")})
}

func (s *Server) circuitBreaker(c *gin.Context) {
	c.JSON(http.StatusOK, s.sup.CircuitBreakerState())
}

func (s *Server) resetCircuitBreaker(c *gin.Context) {
	s.sup.ResetCircuitBreaker()
	c.JSON(http.StatusOK, s.sup.CircuitBreakerState())
}

func (s *Server) baselines(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"baselines": s.sup.Baselines()})
}
