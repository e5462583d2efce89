package admin

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/aimd54/reputation-consensus/internal/service/reliability"
)

// reviewers returns the ?reviewers= list, or every active reviewer when absent.
func (h *Handler) reviewers(c *gin.Context) ([]uint, bool) {
	ids, err := parseIDList(c.Query("reviewers"))
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if len(ids) > 0 {
		return ids, true
	}
	ids, err = h.svc.Reliability.ActiveReviewers(c.Request.Context())
	if err != nil {
		h.failure(c, err, "Failed to list active reviewers")
		return nil, false
	}
	return ids, true
}

// GetReliabilityScores returns the active formula's score per reviewer.
// GET /api/v1/admin/reliability/scores?reviewers=1,2.
func (h *Handler) GetReliabilityScores(c *gin.Context) {
	ids, ok := h.reviewers(c)
	if !ok {
		return
	}

	scores, err := h.svc.Reliability.GetReliabilityScores(c.Request.Context(), ids)
	if err != nil {
		h.failure(c, err, "Failed to compute reliability scores")
		return
	}

	list := make([]reliability.Score, 0, len(scores))
	for _, s := range scores {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ReviewerID < list[j].ReviewerID })

	c.JSON(http.StatusOK, gin.H{
		"scores":        list,
		"total_entries": len(list),
	})
}

// GetShadowScores compares the active formula with every shadow formula.
// GET /api/v1/admin/reliability/shadow?reviewers=1,2.
func (h *Handler) GetShadowScores(c *gin.Context) {
	ids, ok := h.reviewers(c)
	if !ok {
		return
	}

	comparisons, err := h.svc.Reliability.GetShadowScores(c.Request.Context(), ids)
	if err != nil {
		h.failure(c, err, "Failed to compute shadow scores")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"comparisons":   comparisons,
		"total_entries": len(comparisons),
	})
}

// RunDivergenceAudit classifies reviewers whose reliability disagrees with their accuracy.
// GET /api/v1/admin/divergence/audit.
func (h *Handler) RunDivergenceAudit(c *gin.Context) {
	report, err := h.svc.Divergence.Run(c.Request.Context())
	if err != nil {
		h.failure(c, err, "Failed to run divergence audit")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"report":       report,
		"generated_at": h.now(),
	})
}

// ListJobs returns the names of the scheduler jobs.
// GET /api/v1/admin/jobs.
func (h *Handler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.svc.Jobs.Jobs()})
}

// TriggerJob runs one scheduler job synchronously.
// POST /api/v1/admin/jobs/:name.
func (h *Handler) TriggerJob(c *gin.Context) {
	name := c.Param("name")
	known := false
	for _, j := range h.svc.Jobs.Jobs() {
		if j == name {
			known = true
			break
		}
	}
	if !known {
		h.errorResponse(c, http.StatusNotFound, "unknown job: "+name)
		return
	}

	start := h.now()
	if err := h.svc.Jobs.RunJob(c.Request.Context(), name); err != nil {
		h.failure(c, err, "Job failed")
		return
	}

	h.log.Info().Str("job", name).Str("actor", actor(c)).Msg("Job triggered manually")

	c.JSON(http.StatusOK, gin.H{
		"job":         name,
		"status":      "success",
		"duration_ms": h.now().Sub(start).Milliseconds(),
	})
}

// GetReviewerSnapshots returns a reviewer's latest stored snapshot per formula.
// GET /api/v1/admin/reliability/reviewers/:id/snapshots.
func (h *Handler) GetReviewerSnapshots(c *gin.Context) {
	id, err := h.parseID(c, "id")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	snapshots, err := h.svc.Reliability.ReviewerSnapshots(c.Request.Context(), id)
	if err != nil {
		h.failure(c, err, "Failed to list reviewer snapshots")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reviewer_id": id,
		"snapshots":   snapshots,
	})
}

// GetLatestSnapshots returns every reviewer's latest stored snapshot for one formula.
// GET /api/v1/admin/reliability/snapshots?formula=balanced@v2.
func (h *Handler) GetLatestSnapshots(c *gin.Context) {
	formula := c.Query("formula")
	snapshots, err := h.svc.Reliability.LatestSnapshots(c.Request.Context(), formula)
	if err != nil {
		h.failure(c, err, "Failed to list snapshots")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"formula":       formula,
		"snapshots":     snapshots,
		"total_entries": len(snapshots),
	})
}

// ListAutomationLog returns the latest automation log entries.
// GET /api/v1/admin/automation?job=awards.award&limit=50.
func (h *Handler) ListAutomationLog(c *gin.Context) {
	limit, err := h.parseLimit(c, 50)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.svc.Audit.Recent(c.Request.Context(), c.Query("job"), limit)
	if err != nil {
		h.failure(c, err, "Failed to list automation log")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":       entries,
		"total_entries": len(entries),
	})
}
