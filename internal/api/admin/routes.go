package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// RegisterRoutes mounts the admin API on the router.
func RegisterRoutes(router *gin.Engine, h *Handler) {
	api := router.Group("/api/v1/admin")

	api.POST("/submissions/process-ready", h.ProcessReady)
	api.POST("/submissions/:id/consensus", h.AggregateSubmission)
	api.POST("/submissions/:id/recalculate", h.RecalculateSubmission)
	api.PUT("/reviews/:id/score", h.CorrectReviewScore)
	api.POST("/weeks/reset", h.WeeklyReset)
	api.GET("/weeks/:week/insights", h.GetWeeklyInsights)

	api.GET("/votes", h.ListVoteCases)
	api.POST("/votes", h.CastVote)
	api.POST("/votes/open", h.OpenVoteCases)
	api.POST("/votes/expire", h.ExpireVoteCases)
	api.POST("/votes/:id/resolve", h.ResolveVoteCase)

	api.POST("/awards/bulk", h.BulkAward)
	api.DELETE("/awards/winners", h.RevokeAllWinners)
	api.DELETE("/awards/winners/:id", h.RevokeWinner)
	api.PUT("/awards/winners/:id", h.AdjustWinner)
	api.GET("/awards/:month", h.ListWinners)
	api.POST("/awards/:month", h.AwardMonth)
	api.POST("/awards/:month/top-up", h.TopUpMonth)

	api.GET("/users/:id/xp", h.GetUserXP)
	api.POST("/users/:id/xp", h.AdjustUserXP)
	api.POST("/users/:id/legacy", h.RecordLegacyTransfer)
	api.POST("/users/:id/reconcile", h.ReconcileUser)
	api.GET("/users/:id/stats", h.GetUserStats)
	api.POST("/users/:id/wallets", h.LinkWallet)
	api.POST("/ledger/reconcile", h.ReconcileAll)

	api.GET("/leaderboard/week/:week", h.GetWeeklyLeaderboard)
	api.GET("/leaderboard/month/:month", h.GetMonthlyLeaderboard)

	api.GET("/reliability/scores", h.GetReliabilityScores)
	api.GET("/reliability/shadow", h.GetShadowScores)
	api.GET("/reliability/snapshots", h.GetLatestSnapshots)
	api.GET("/reliability/reviewers/:id/snapshots", h.GetReviewerSnapshots)
	api.GET("/divergence/audit", h.RunDivergenceAudit)

	api.GET("/automation", h.ListAutomationLog)
	api.GET("/jobs", h.ListJobs)
	api.POST("/jobs/:name", h.TriggerJob)
}

// RegisterOps mounts /health and, when metricsPath is set, the Prometheus endpoint.
func RegisterOps(router *gin.Engine, checks map[string]HealthCheck, metricsPath string) {
	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":    state,
			"checks":    results,
			"timestamp": time.Now().UTC(),
		})
	})

	if metricsPath != "" {
		router.GET(metricsPath, gin.WrapH(promhttp.Handler()))
	}
}
