package admin

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aimd54/reputation-consensus/internal/models"
	"github.com/aimd54/reputation-consensus/internal/service/awards"
)

type awardRequest struct {
	Amounts map[string]int `json:"amounts"`
	Reason  string         `json:"reason"`
}

type bulkAwardRequest struct {
	Months  []string       `json:"months" binding:"required"`
	Amounts map[string]int `json:"amounts"`
	Reason  string         `json:"reason"`
}

type amountRequest struct {
	Amount int    `json:"amount" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

type legacyRequest struct {
	Amount int    `json:"amount" binding:"required"`
	Ref    string `json:"ref" binding:"required"`
}

// options converts the JSON rank overrides ({"1": 2000}) into award options.
func (h *Handler) options(c *gin.Context, amounts map[string]int, reason string) (awards.Options, error) {
	opts := awards.Options{Actor: actor(c), Reason: reason}
	if len(amounts) == 0 {
		return opts, nil
	}
	opts.Amounts = make(map[int]int, len(amounts))
	for k, v := range amounts {
		rank, err := strconv.Atoi(k)
		if err != nil || rank < 1 {
			return opts, fmt.Errorf("invalid rank in amounts: %q", k)
		}
		if v < 0 {
			return opts, fmt.Errorf("amount for rank %s must not be negative", k)
		}
		opts.Amounts[rank] = v
	}
	return opts, nil
}

// AwardMonth selects and pays the winners of a month.
// POST /api/v1/admin/awards/:month.
func (h *Handler) AwardMonth(c *gin.Context) {
	month := c.Param("month")
	var req awardRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.errorResponse(c, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	opts, err := h.options(c, req.Amounts, req.Reason)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.svc.Awards.AwardMonthlyWinner(c.Request.Context(), month, opts)
	if err != nil {
		h.failure(c, err, "Failed to award month")
		return
	}

	h.log.Info().
		Str("month", month).
		Str("status", result.Status).
		Str("actor", opts.Actor).
		Msg("Monthly award triggered")

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// TopUpMonth reconciles the ledger credit of a month's winners.
// POST /api/v1/admin/awards/:month/top-up.
func (h *Handler) TopUpMonth(c *gin.Context) {
	result, err := h.svc.Awards.TopUpMonthlyWinnerXP(c.Request.Context(), c.Param("month"), actor(c))
	if err != nil {
		h.failure(c, err, "Failed to top up month")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// BulkAward awards several months in ascending order.
// POST /api/v1/admin/awards/bulk.
func (h *Handler) BulkAward(c *gin.Context) {
	var req bulkAwardRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Months) == 0 {
		h.errorResponse(c, http.StatusBadRequest, "months are required")
		return
	}
	opts, err := h.options(c, req.Amounts, req.Reason)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.svc.Awards.BulkAward(c.Request.Context(), req.Months, opts)
	if err != nil {
		h.failure(c, err, "Failed to bulk award")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ListWinners returns the winners of a month.
// GET /api/v1/admin/awards/:month.
func (h *Handler) ListWinners(c *gin.Context) {
	month := c.Param("month")
	winners, err := h.svc.Awards.Winners(c.Request.Context(), month)
	if err != nil {
		h.failure(c, err, "Failed to list winners")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"month":         month,
		"winners":       winners,
		"total_entries": len(winners),
	})
}

// RevokeWinner removes one winner and reverses its award.
// DELETE /api/v1/admin/awards/winners/:id?reason=...
func (h *Handler) RevokeWinner(c *gin.Context) {
	id, err := h.parseID(c, "id")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	reason := c.Query("reason")
	if reason == "" {
		h.errorResponse(c, http.StatusBadRequest, "reason is required")
		return
	}

	result, err := h.svc.Awards.RevokeMonthlyWinnerByID(c.Request.Context(), id, actor(c), reason)
	if err != nil {
		h.failure(c, err, "Failed to revoke winner")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// RevokeAllWinners removes every winner. Requires ?confirm=true.
// DELETE /api/v1/admin/awards/winners?reason=...&confirm=true
func (h *Handler) RevokeAllWinners(c *gin.Context) {
	if c.Query("confirm") != "true" {
		h.errorResponse(c, http.StatusBadRequest, "confirm=true is required")
		return
	}
	reason := c.Query("reason")
	if reason == "" {
		h.errorResponse(c, http.StatusBadRequest, "reason is required")
		return
	}

	result, err := h.svc.Awards.RevokeAllMonthlyWinners(c.Request.Context(), actor(c), reason)
	if err != nil {
		h.failure(c, err, "Failed to revoke winners")
		return
	}

	h.log.Warn().
		Str("actor", actor(c)).
		Int("revoked", result.Succeeded).
		Int("failed", result.Failed).
		Msg("All monthly winners revoked")

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// AdjustWinner overrides the award amount of one winner.
// PUT /api/v1/admin/awards/winners/:id.
func (h *Handler) AdjustWinner(c *gin.Context) {
	id, err := h.parseID(c, "id")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "amount and reason are required")
		return
	}

	result, err := h.svc.Awards.AdjustWinnerAmount(c.Request.Context(), id, req.Amount, actor(c), req.Reason)
	if err != nil {
		h.failure(c, err, "Failed to adjust winner")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// AdjustUserXP appends an administrative ledger adjustment.
// POST /api/v1/admin/users/:id/xp.
func (h *Handler) AdjustUserXP(c *gin.Context) {
	userID, err := h.parseID(c, "id")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "amount and reason are required")
		return
	}

	tx, err := h.svc.Ledger.AdjustUserXP(c.Request.Context(), userID, req.Amount, req.Reason, actor(c))
	if err != nil {
		h.failure(c, err, "Failed to adjust user XP")
		return
	}

	h.log.Info().
		Uint("user_id", userID).
		Int("amount", req.Amount).
		Str("actor", actor(c)).
		Msg("Adjusted user XP")

	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// RecordLegacyTransfer imports XP earned in the legacy system.
// POST /api/v1/admin/users/:id/legacy.
func (h *Handler) RecordLegacyTransfer(c *gin.Context) {
	userID, err := h.parseID(c, "id")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	var req legacyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "amount and ref are required")
		return
	}

	tx, err := h.svc.Ledger.RecordLegacyTransfer(c.Request.Context(), userID, req.Amount, req.Ref, actor(c))
	if err != nil {
		h.failure(c, err, "Failed to record legacy transfer")
		return
	}
	// A repeated transfer appends nothing.
	c.JSON(http.StatusOK, gin.H{
		"transaction": tx,
		"appended":    tx != nil,
	})
}

// ReconcileUser repairs one user's cached total.
// POST /api/v1/admin/users/:id/reconcile.
func (h *Handler) ReconcileUser(c *gin.Context) {
	userID, err := h.parseID(c, "id")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	// A repaired drift comes back with a mismatch error; the repair itself succeeded.
	result, err := h.svc.Ledger.ReconcileUser(c.Request.Context(), userID)
	if err != nil && result == nil {
		h.failure(c, err, "Failed to reconcile user")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ReconcileAll repairs every cached total.
// POST /api/v1/admin/ledger/reconcile.
func (h *Handler) ReconcileAll(c *gin.Context) {
	result, err := h.svc.Ledger.ReconcileAll(c.Request.Context())
	if err != nil {
		h.failure(c, err, "Failed to reconcile ledger")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// GetUserXP returns a user's total and most recent transactions.
// GET /api/v1/admin/users/:id/xp?limit=50.
func (h *Handler) GetUserXP(c *gin.Context) {
	userID, err := h.parseID(c, "id")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := h.parseLimit(c, 50)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	total, err := h.svc.Ledger.GetTotal(ctx, userID)
	if err != nil {
		h.failure(c, err, "Failed to get user total")
		return
	}
	history, err := h.svc.Ledger.History(ctx, userID, limit)
	if err != nil {
		h.failure(c, err, "Failed to get user history")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      userID,
		"total_xp":     total,
		"transactions": history,
	})
}

// GetUserStats returns a user's total and current standings.
// GET /api/v1/admin/users/:id/stats.
func (h *Handler) GetUserStats(c *gin.Context) {
	userID, err := h.parseID(c, "id")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := h.svc.Leaderboard.GetUserStats(c.Request.Context(), userID, h.now())
	if err != nil {
		h.failure(c, err, "Failed to retrieve user statistics")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":        stats,
		"generated_at": h.now(),
	})
}

// GetWeeklyLeaderboard ranks users by XP earned in an ISO week.
// GET /api/v1/admin/leaderboard/week/:week?limit=10, week as YYYYWW.
func (h *Handler) GetWeeklyLeaderboard(c *gin.Context) {
	week, ok := h.parseWeek(c)
	if !ok {
		return
	}
	limit, err := h.parseLimit(c, 10)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.svc.Leaderboard.WeeklyLeaderboard(c.Request.Context(), week, limit)
	if err != nil {
		h.failure(c, err, "Failed to retrieve leaderboard")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"leaderboard":   entries,
		"week":          week,
		"total_entries": len(entries),
		"generated_at":  h.now(),
	})
}

// GetMonthlyLeaderboard ranks users by XP earned in a month.
// GET /api/v1/admin/leaderboard/month/:month?limit=10.
func (h *Handler) GetMonthlyLeaderboard(c *gin.Context) {
	month := c.Param("month")
	if _, err := models.ParseMonth(month); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "invalid month: "+month)
		return
	}
	limit, err := h.parseLimit(c, 10)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.svc.Leaderboard.MonthlyLeaderboard(c.Request.Context(), month, limit)
	if err != nil {
		h.failure(c, err, "Failed to retrieve leaderboard")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"leaderboard":   entries,
		"month":         month,
		"total_entries": len(entries),
		"generated_at":  h.now(),
	})
}

// parseWeek reads a YYYYWW week number from the :week parameter.
func (h *Handler) parseWeek(c *gin.Context) (int, bool) {
	week, err := strconv.Atoi(c.Param("week"))
	if err != nil || week < 100001 || week%100 < 1 || week%100 > 53 {
		h.errorResponse(c, http.StatusBadRequest, "invalid week: "+c.Param("week"))
		return 0, false
	}
	return week, true
}
