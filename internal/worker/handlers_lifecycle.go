package worker

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/actify/reportd/pkg/models"
)

// FeedbackRequest is the body for duplicate feedback submission.
type FeedbackRequest struct {
	UserID  string `json:"user_id"`
	Kind    string `json:"kind"`
	Comment string `json:"comment,omitempty"`
}

// handleSubmitFeedback records a confirm/dispute entry on a linked duplicate.
func (s *Service) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, models.E(models.KindValidation, "invalid json body: %v", err))
		return
	}

	result, err := s.lifecycle.SubmitFeedback(r.Context(), chi.URLParam(r, "id"), req.UserID, models.FeedbackKind(req.Kind), req.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// FeedbackSummary is the read-side view of a report's feedback state.
type FeedbackSummary struct {
	ReportID             string                     `json:"report_id"`
	DuplicateOf          string                     `json:"duplicate_of,omitempty"`
	ConfirmationCount    int                        `json:"confirmation_count"`
	DisputeCount         int                        `json:"dispute_count"`
	DistinctConfirms     int                        `json:"distinct_confirms"`
	DistinctDisputes     int                        `json:"distinct_disputes"`
	LastFeedbackAt       *time.Time                 `json:"last_feedback_at,omitempty"`
	Entries              []models.DuplicateFeedback `json:"entries"`
	ScheduledForDeletion *models.ScheduledDeletion  `json:"scheduled_for_deletion,omitempty"`
	WasReclassified      bool                       `json:"was_reclassified"`
}

// handleFeedbackSummary returns the raw counters, the distinct tallies the
// transitions use, and the full entry history.
func (s *Service) handleFeedbackSummary(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	confirms, disputes := models.DistinctFeedbackCounts(report.DuplicateFeedback)
	entries := report.DuplicateFeedback
	if entries == nil {
		entries = []models.DuplicateFeedback{}
	}
	var lastAt *time.Time
	if n := len(entries); n > 0 {
		// Entries arrive ordered by creation time.
		lastAt = &entries[n-1].CreatedAt
	}
	s.writeJSON(w, http.StatusOK, FeedbackSummary{
		ReportID:             report.ID,
		DuplicateOf:          report.DuplicateOf,
		ConfirmationCount:    report.ConfirmationCount,
		DisputeCount:         report.DisputeCount,
		DistinctConfirms:     confirms,
		DistinctDisputes:     disputes,
		LastFeedbackAt:       lastAt,
		Entries:              entries,
		ScheduledForDeletion: report.ScheduledForDeletion,
		WasReclassified:      report.WasReclassified,
	})
}

// UpvoteRequest is the body for an upvote.
type UpvoteRequest struct {
	UserID string `json:"user_id"`
}

// handleUpvote records one user's endorsement.
func (s *Service) handleUpvote(w http.ResponseWriter, r *http.Request) {
	var req UpvoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, models.E(models.KindValidation, "invalid json body: %v", err))
		return
	}

	report, err := s.lifecycle.Upvote(r.Context(), chi.URLParam(r, "id"), req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"report_id":    report.ID,
		"upvote_count": report.UpvoteCount,
		"duplicate_of": report.DuplicateOf,
	})
}

// StatusRequest is the body for a status update.
type StatusRequest struct {
	Status  string `json:"status"`
	Cascade bool   `json:"cascade,omitempty"`
}

// handleUpdateStatus changes the workflow status. Resolving with cascade also
// resolves linked duplicates.
func (s *Service) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, models.E(models.KindValidation, "invalid json body: %v", err))
		return
	}

	id := chi.URLParam(r, "id")
	cascaded, err := s.lifecycle.UpdateStatus(r.Context(), id, models.Status(req.Status), req.Cascade)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"report_id": id,
		"status":    req.Status,
		"cascaded":  cascaded,
	})
}

// MergeRequest is the body for an admin merge.
type MergeRequest struct {
	TargetID string `json:"target_id"`
	SourceID string `json:"source_id"`
}

// handleMerge folds one report into another.
func (s *Service) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, models.E(models.KindValidation, "invalid json body: %v", err))
		return
	}
	if req.TargetID == "" || req.SourceID == "" {
		s.writeError(w, r, models.E(models.KindValidation, "target_id and source_id are required"))
		return
	}

	if err := s.lifecycle.Merge(r.Context(), req.TargetID, req.SourceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"target_id": req.TargetID,
		"source_id": req.SourceID,
		"merged":    true,
	})
}

// handleCancelDeletion removes a pending deletion schedule.
func (s *Service) handleCancelDeletion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.lifecycle.CancelDeletion(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"report_id": id,
		"cancelled": true,
	})
}

// handleTriggerSweep runs a deletion sweep synchronously, behind a cooldown.
func (s *Service) handleTriggerSweep(w http.ResponseWriter, r *http.Request) {
	if !s.sweepLimiter.Try() {
		s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               "sweep cooldown active",
			"retry_after_seconds": int64(s.sweepLimiter.Remaining().Seconds()) + 1,
		})
		return
	}
	result := s.sweeper.RunNow(r.Context())
	s.writeJSON(w, http.StatusOK, result)
}

// handleDuplicateStatistics returns duplicate population aggregates.
func (s *Service) handleDuplicateStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queries.DuplicateStatistics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleDeletionStatistics returns archive aggregates.
func (s *Service) handleDeletionStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queries.DeletionStatistics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
