package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aimd54/reputation-consensus/internal/models"
	"github.com/aimd54/reputation-consensus/internal/service/voting"
)

type reasonRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type correctScoreRequest struct {
	Score  *int   `json:"score" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

type weeklyResetRequest struct {
	WeekStart string `json:"week_start" binding:"required"`
}

// AggregateSubmission runs consensus for one submission.
// POST /api/v1/admin/submissions/:id/consensus.
func (h *Handler) AggregateSubmission(c *gin.Context) {
	id, err := h.parseID(c, "id")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.svc.Aggregation.AggregateXP(c.Request.Context(), id)
	if err != nil {
		h.failure(c, err, "Failed to aggregate submission")
		return
	}

	h.log.Info().
		Uint("submission_id", id).
		Str("outcome", result.Outcome).
		Int("final_xp", result.FinalXP).
		Msg("Aggregated submission")

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// RecalculateSubmission recomputes a finalized submission.
// POST /api/v1/admin/submissions/:id/recalculate.
func (h *Handler) RecalculateSubmission(c *gin.Context) {
	id, err := h.parseID(c, "id")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "reason is required")
		return
	}

	result, err := h.svc.Consensus.Recalculate(c.Request.Context(), id, actor(c), req.Reason)
	if err != nil {
		h.failure(c, err, "Failed to recalculate submission")
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ProcessReady scans every ready submission.
// POST /api/v1/admin/submissions/process-ready.
func (h *Handler) ProcessReady(c *gin.Context) {
	result, err := h.svc.Aggregation.ProcessReadySubmissions(c.Request.Context())
	if err != nil {
		h.failure(c, err, "Failed to process ready submissions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// CorrectReviewScore overrides the score of one review.
// PUT /api/v1/admin/reviews/:id/score.
func (h *Handler) CorrectReviewScore(c *gin.Context) {
	id, err := h.parseID(c, "id")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	var req correctScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "score and reason are required")
		return
	}

	result, err := h.svc.Aggregation.CorrectReviewScore(c.Request.Context(), id, *req.Score, actor(c), req.Reason)
	if err != nil {
		h.failure(c, err, "Failed to correct review score")
		return
	}

	h.log.Info().
		Uint("review_id", id).
		Int("score", *req.Score).
		Str("actor", actor(c)).
		Msg("Corrected review score")

	// Not-yet-finalized submissions return no recalculation.
	c.JSON(http.StatusOK, gin.H{
		"review_id":    id,
		"score":        *req.Score,
		"recalculated": result != nil,
		"result":       result,
	})
}

// WeeklyReset closes one ISO week.
// POST /api/v1/admin/weeks/reset with {"week_start": "2026-03-02"}.
func (h *Handler) WeeklyReset(c *gin.Context) {
	var req weeklyResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "week_start is required")
		return
	}
	weekStart, err := time.Parse(time.DateOnly, req.WeekStart)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "week_start must be YYYY-MM-DD")
		return
	}
	if !weekStart.Equal(models.WeekStart(weekStart)) {
		h.errorResponse(c, http.StatusBadRequest, "week_start must be a Monday")
		return
	}
	if !weekStart.AddDate(0, 0, 7).Before(h.now()) {
		h.errorResponse(c, http.StatusBadRequest, "week has not ended yet")
		return
	}

	result, err := h.svc.Aggregation.WeeklyReset(c.Request.Context(), weekStart)
	if err != nil {
		h.failure(c, err, "Failed to run weekly reset")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ListVoteCases lists vote cases, optionally filtered by status.
// GET /api/v1/admin/votes?status=OPEN_FOR_VOTING&limit=50.
func (h *Handler) ListVoteCases(c *gin.Context) {
	status := c.Query("status")
	switch status {
	case "", models.VoteCaseOpen, models.VoteCaseResolved, models.VoteCaseUnresolved:
	default:
		h.errorResponse(c, http.StatusBadRequest, "invalid status: "+status)
		return
	}
	limit, err := h.parseLimit(c, 50)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	cases, err := h.svc.Voting.Cases(c.Request.Context(), status, limit)
	if err != nil {
		h.failure(c, err, "Failed to list vote cases")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cases":         cases,
		"total_entries": len(cases),
	})
}

// CastVote records a community ballot.
// POST /api/v1/admin/votes.
func (h *Handler) CastVote(c *gin.Context) {
	var ballot voting.Ballot
	if err := c.ShouldBindJSON(&ballot); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "invalid ballot")
		return
	}
	if ballot.SubmissionID == 0 {
		h.errorResponse(c, http.StatusBadRequest, "submission_id is required")
		return
	}

	result, err := h.svc.Voting.CastVote(c.Request.Context(), ballot)
	if err != nil {
		h.failure(c, err, "Failed to cast vote")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"result": result})
}

// ResolveVoteCase attempts to resolve the case of a submission.
// POST /api/v1/admin/votes/:id/resolve.
func (h *Handler) ResolveVoteCase(c *gin.Context) {
	id, err := h.parseID(c, "id")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	resolution, err := h.svc.Voting.TryResolve(c.Request.Context(), id)
	if err != nil {
		h.failure(c, err, "Failed to resolve vote case")
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolution": resolution})
}

// OpenVoteCases opens cases for every eligible divergent submission.
// POST /api/v1/admin/votes/open.
func (h *Handler) OpenVoteCases(c *gin.Context) {
	result, err := h.svc.Voting.OpenEligibleCases(c.Request.Context(), h.now())
	if err != nil {
		h.failure(c, err, "Failed to open vote cases")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ExpireVoteCases closes every case past its deadline.
// POST /api/v1/admin/votes/expire.
func (h *Handler) ExpireVoteCases(c *gin.Context) {
	result, err := h.svc.Voting.ExpireStale(c.Request.Context(), h.now())
	if err != nil {
		h.failure(c, err, "Failed to expire vote cases")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// GetWeeklyInsights returns the per-user summaries of a closed week.
// GET /api/v1/admin/weeks/:week/insights, week as YYYYWW.
func (h *Handler) GetWeeklyInsights(c *gin.Context) {
	week, ok := h.parseWeek(c)
	if !ok {
		return
	}

	insights, err := h.svc.Aggregation.WeeklyInsights(c.Request.Context(), week)
	if err != nil {
		h.failure(c, err, "Failed to list weekly insights")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"week":          week,
		"insights":      insights,
		"total_entries": len(insights),
	})
}

type walletRequest struct {
	Address string `json:"address" binding:"required"`
}

// LinkWallet attaches a wallet address to a user.
// POST /api/v1/admin/users/:id/wallets.
func (h *Handler) LinkWallet(c *gin.Context) {
	userID, err := h.parseID(c, "id")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	var req walletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "address is required")
		return
	}

	wallet, err := h.svc.Voting.LinkWallet(c.Request.Context(), userID, req.Address)
	if err != nil {
		h.failure(c, err, "Failed to link wallet")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"wallet": wallet})
}
