// Package lifecycle implements the feedback-driven duplicate state machine:
// confirm/dispute tallies, reclassification, scheduled deletion, merge,
// upvotes, and status updates.
package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/actify/reportd/internal/telemetry"
	"github.com/actify/reportd/pkg/models"
)

// Thresholds for the feedback transitions, counted over distinct
// (user_id, kind) pairs.
const (
	feedbackThreshold    = 3
	deletionReason       = "confirmed duplicate"
	reclassifyReason     = "community dispute"
	dominanceCoefficient = 2
)

// ReportStore is the persistence surface the lifecycle manager needs. Every
// method is atomic on its own; the manager serializes per-id sequences with
// striped locks.
type ReportStore interface {
	GetReport(ctx context.Context, id string) (*models.Report, error)
	AddFeedback(ctx context.Context, id string, fb models.DuplicateFeedback) error
	// Unlink clears the duplicate link, similarity metadata and both
	// counters, and records the reclassification audit fields.
	Unlink(ctx context.Context, id, reason string, at time.Time) error
	ScheduleDeletion(ctx context.Context, id string, at time.Time, reason string) error
	CancelDeletion(ctx context.Context, id string) error
	// Merge transfers upvotes from source to target by set-union, marks
	// source as a manually merged duplicate of target, and rewrites all
	// duplicate_of=source pointers to target in one transaction.
	Merge(ctx context.Context, targetID, sourceID string, at time.Time) error
	// AddUpvote records an upvote, returning false when (id, user) already
	// voted.
	AddUpvote(ctx context.Context, id, userID string, at time.Time) (bool, error)
	AddDuplicateUpvote(ctx context.Context, originalID, fromReportID, userID string, at time.Time) error
	UpdateStatus(ctx context.Context, id string, status models.Status, at time.Time) error
	// ResolveDuplicatesOf marks every report linked to id as Resolved,
	// returning how many were updated.
	ResolveDuplicatesOf(ctx context.Context, id string, at time.Time) (int64, error)
}

// Manager coordinates all post-ingestion mutations of a report.
type Manager struct {
	store         ReportStore
	deletionGrace time.Duration
	clock         func() time.Time
	log           zerolog.Logger
	locks         stripedLocks

	transitions metric.Int64Counter
}

// NewManager creates a lifecycle manager. deletionGrace is how long a
// confirmed duplicate survives before the sweeper may remove it.
func NewManager(store ReportStore, deletionGrace time.Duration, log zerolog.Logger) *Manager {
	transitions, _ := telemetry.Meter("lifecycle").Int64Counter("reportd.lifecycle.transitions")
	return &Manager{
		store:         store,
		deletionGrace: deletionGrace,
		clock:         time.Now,
		log:           log.With().Str("component", "lifecycle").Logger(),
		transitions:   transitions,
	}
}

// WithClock overrides the manager clock. Test hook.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// FeedbackResult reports the state after one feedback write.
type FeedbackResult struct {
	ReportID             string                    `json:"report_id"`
	ConfirmationCount    int                       `json:"confirmation_count"`
	DisputeCount         int                       `json:"dispute_count"`
	Reclassified         bool                      `json:"reclassified"`
	ScheduledForDeletion *models.ScheduledDeletion `json:"scheduled_for_deletion,omitempty"`
}

// SubmitFeedback records one confirm/dispute entry and evaluates the
// transitions. Feedback requires an existing duplicate link. A schedule
// already in place is never changed by further feedback.
func (m *Manager) SubmitFeedback(ctx context.Context, reportID, userID string, kind models.FeedbackKind, comment string) (*FeedbackResult, error) {
	if userID == "" {
		return nil, models.E(models.KindValidation, "user id is required")
	}
	if !models.ValidFeedbackKind(kind) {
		return nil, models.E(models.KindValidation, "feedback kind must be %q or %q", models.FeedbackConfirm, models.FeedbackDispute)
	}

	unlock := m.locks.lock(reportID)
	defer unlock()

	report, err := m.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if !report.IsDuplicate() {
		return nil, models.E(models.KindValidation, "report %s is not marked as a duplicate", reportID)
	}

	now := m.clock().UTC()
	fb := models.DuplicateFeedback{UserID: userID, Kind: kind, Comment: comment, CreatedAt: now}
	if err := m.store.AddFeedback(ctx, reportID, fb); err != nil {
		return nil, err
	}
	report.DuplicateFeedback = append(report.DuplicateFeedback, fb)
	if kind == models.FeedbackConfirm {
		report.ConfirmationCount++
	} else {
		report.DisputeCount++
	}

	result := &FeedbackResult{
		ReportID:             reportID,
		ConfirmationCount:    report.ConfirmationCount,
		DisputeCount:         report.DisputeCount,
		ScheduledForDeletion: report.ScheduledForDeletion,
	}

	if report.ScheduledForDeletion != nil {
		return result, nil
	}

	confirms, disputes := models.DistinctFeedbackCounts(report.DuplicateFeedback)
	switch {
	case disputes >= feedbackThreshold && disputes > dominanceCoefficient*confirms:
		if err := m.store.Unlink(ctx, reportID, reclassifyReason, now); err != nil {
			return nil, err
		}
		result.Reclassified = true
		result.ConfirmationCount = 0
		result.DisputeCount = 0
		m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("transition", "reclassified")))
		m.log.Info().Str("report_id", reportID).Int("disputes", disputes).Msg("duplicate reclassified as independent report")

	case confirms >= feedbackThreshold && confirms > dominanceCoefficient*disputes:
		sched := models.ScheduledDeletion{DeletionAt: now.Add(m.deletionGrace), Reason: deletionReason}
		if err := m.store.ScheduleDeletion(ctx, reportID, sched.DeletionAt, sched.Reason); err != nil {
			return nil, err
		}
		result.ScheduledForDeletion = &sched
		m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("transition", "scheduled_deletion")))
		m.log.Info().Str("report_id", reportID).Time("deletion_at", sched.DeletionAt).Msg("duplicate confirmed, deletion scheduled")
	}

	return result, nil
}

// CancelDeletion removes a pending deletion schedule. Admin operation; later
// feedback re-evaluates the transitions from scratch.
func (m *Manager) CancelDeletion(ctx context.Context, reportID string) error {
	unlock := m.locks.lock(reportID)
	defer unlock()

	report, err := m.store.GetReport(ctx, reportID)
	if err != nil {
		return err
	}
	if report.ScheduledForDeletion == nil {
		return models.E(models.KindValidation, "report %s is not scheduled for deletion", reportID)
	}
	if err := m.store.CancelDeletion(ctx, reportID); err != nil {
		return err
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("transition", "deletion_cancelled")))
	m.log.Info().Str("report_id", reportID).Msg("scheduled deletion cancelled")
	return nil
}

// Merge folds source into target: upvote set-union, source becomes a manually
// merged hard duplicate, and every pointer at source is rewritten to target.
// Atomic end-to-end and idempotent.
func (m *Manager) Merge(ctx context.Context, targetID, sourceID string) error {
	if targetID == sourceID {
		return models.E(models.KindValidation, "cannot merge a report into itself")
	}

	unlock := m.locks.lockPair(targetID, sourceID)
	defer unlock()

	target, err := m.store.GetReport(ctx, targetID)
	if err != nil {
		return err
	}
	if _, err := m.store.GetReport(ctx, sourceID); err != nil {
		return err
	}
	if target.IsDuplicate() {
		return models.E(models.KindValidation, "merge target %s is itself a duplicate of %s", targetID, target.DuplicateOf)
	}

	if err := m.store.Merge(ctx, targetID, sourceID, m.clock().UTC()); err != nil {
		return err
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("transition", "merged")))
	m.log.Info().Str("target", targetID).Str("source", sourceID).Msg("reports merged")
	return nil
}

// Upvote records a user's endorsement, idempotent per (report, user). On a
// soft duplicate the original additionally receives an audit entry, without
// touching its primary count.
func (m *Manager) Upvote(ctx context.Context, reportID, userID string) (*models.Report, error) {
	if userID == "" {
		return nil, models.E(models.KindValidation, "user id is required")
	}

	unlock := m.locks.lock(reportID)
	defer unlock()

	report, err := m.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	added, err := m.store.AddUpvote(ctx, reportID, userID, now)
	if err != nil {
		return nil, err
	}
	if !added {
		return nil, models.E(models.KindConflict, "user %s already upvoted report %s", userID, reportID)
	}
	report.UpvoteCount++

	if report.IsDuplicate() {
		if err := m.store.AddDuplicateUpvote(ctx, report.DuplicateOf, reportID, userID, now); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// UpdateStatus changes a report's workflow status. Duplicate is reserved for
// the merge path. With cascade set, resolving a report also resolves every
// report soft-linked to it; the count of cascaded reports is returned.
func (m *Manager) UpdateStatus(ctx context.Context, reportID string, status models.Status, cascade bool) (int64, error) {
	if !models.ValidStatus(status) || status == models.StatusDuplicate {
		return 0, models.E(models.KindValidation, "invalid status %q", status)
	}

	unlock := m.locks.lock(reportID)
	defer unlock()

	if _, err := m.store.GetReport(ctx, reportID); err != nil {
		return 0, err
	}

	now := m.clock().UTC()
	if err := m.store.UpdateStatus(ctx, reportID, status, now); err != nil {
		return 0, err
	}

	if cascade && status == models.StatusResolved {
		cascaded, err := m.store.ResolveDuplicatesOf(ctx, reportID, now)
		if err != nil {
			return 0, err
		}
		if cascaded > 0 {
			m.log.Info().Str("report_id", reportID).Int64("cascaded", cascaded).Msg("resolved linked duplicates")
		}
		return cascaded, nil
	}
	return 0, nil
}
