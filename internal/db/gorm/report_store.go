package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/actify/reportd/internal/geo"
	"github.com/actify/reportd/pkg/models"
)

// candidateLimit caps one prefilter query. The bounding box plus category and
// status predicates keep real result sets far below this.
const candidateLimit = 200

// ReportStore implements report persistence on PostgreSQL. It backs the
// ingestion engine's candidate index, the lifecycle manager and the deletion
// sweeper.
type ReportStore struct {
	store *Store
	// radiusM bounds the candidate prefilter box; callers apply the exact
	// haversine check on top.
	radiusM float64
}

// NewReportStore wraps a Store. radiusM is the candidate search radius in
// meters.
func NewReportStore(store *Store, radiusM float64) *ReportStore {
	return &ReportStore{store: store, radiusM: radiusM}
}

// Insert persists a new report together with its embedding rows.
func (s *ReportStore) Insert(ctx context.Context, r *models.Report) error {
	timeoutCtx, cancel := s.store.WithTimeout(ctx, DefaultQueryTimeout, "insert_report")
	defer cancel()

	rec, vectors := toRecord(r)
	err := s.store.DB.WithContext(timeoutCtx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		if len(vectors) == 0 {
			return nil
		}
		return tx.Create(&vectors).Error
	})
	if err != nil {
		return mapDBError(err, "insert report %s", r.ID)
	}
	return nil
}

// Candidates returns reports eligible for duplicate comparison: same
// category, not Resolved, not themselves linked to an original, created on
// or after since, and inside the bounding box around loc. Embeddings are
// loaded for every hit.
func (s *ReportStore) Candidates(ctx context.Context, category string, loc models.Location, since time.Time) ([]*models.Report, error) {
	timeoutCtx, cancel := s.store.WithTimeout(ctx, DefaultQueryTimeout, "candidates")
	defer cancel()

	minLat, maxLat, minLon, maxLon := geo.BoundingBox(loc, s.radiusM)

	var recs []ReportRecord
	q := s.store.DB.WithContext(timeoutCtx).
		Where("category = ?", category).
		Where("status <> ?", string(models.StatusResolved)).
		Where("duplicate_of IS NULL").
		Where("created_at >= ?", since).
		Where("lat BETWEEN ? AND ?", minLat, maxLat)
	// A box degenerated to the full longitude range (poles, date line)
	// drops the longitude predicate.
	if minLon > -180 || maxLon < 180 {
		q = q.Where("lon BETWEEN ? AND ?", minLon, maxLon)
	}
	if err := q.Order("created_at ASC").Limit(candidateLimit).Find(&recs).Error; err != nil {
		return nil, mapDBError(err, "query candidates")
	}
	return s.hydrate(timeoutCtx, recs, true)
}

// RecentWithVectors returns the most recently created reports with their
// embeddings loaded. Diagnostic surface for similar-image lookups.
func (s *ReportStore) RecentWithVectors(ctx context.Context, limit int) ([]*models.Report, error) {
	timeoutCtx, cancel := s.store.WithTimeout(ctx, SlowQueryTimeout, "recent_with_vectors")
	defer cancel()

	var recs []ReportRecord
	err := s.store.DB.WithContext(timeoutCtx).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, mapDBError(err, "query recent reports")
	}
	return s.hydrate(timeoutCtx, recs, true)
}

// hydrate converts rows to domain reports, attaching upvote counts and, when
// withVectors is set, the embedding rows in one batched query.
func (s *ReportStore) hydrate(ctx context.Context, recs []ReportRecord, withVectors bool) ([]*models.Report, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(recs))
	reports := make([]*models.Report, len(recs))
	byID := make(map[string]*models.Report, len(recs))
	for i := range recs {
		r := fromRecord(&recs[i])
		ids[i] = r.ID
		reports[i] = r
		byID[r.ID] = r
	}

	type countRow struct {
		ReportID string
		N        int
	}
	var counts []countRow
	err := s.store.DB.WithContext(ctx).
		Model(&UpvoteRecord{}).
		Select("report_id, COUNT(*) AS n").
		Where("report_id IN ?", ids).
		Group("report_id").
		Scan(&counts).Error
	if err != nil {
		return nil, mapDBError(err, "count upvotes")
	}
	for _, c := range counts {
		if r, ok := byID[c.ReportID]; ok {
			r.UpvoteCount = c.N
		}
	}

	if !withVectors {
		return reports, nil
	}

	var vectors []ReportVector
	err = s.store.DB.WithContext(ctx).
		Where("report_id IN ?", ids).
		Order("report_id, kind, seq").
		Find(&vectors).Error
	if err != nil {
		return nil, mapDBError(err, "load report vectors")
	}
	grouped := make(map[string][]ReportVector, len(ids))
	for _, v := range vectors {
		grouped[v.ReportID] = append(grouped[v.ReportID], v)
	}
	for id, rows := range grouped {
		attachVectors(byID[id], rows)
	}
	return reports, nil
}

// GetReport loads one report with its upvote count and feedback history.
// Embeddings are not loaded on this path.
func (s *ReportStore) GetReport(ctx context.Context, id string) (*models.Report, error) {
	timeoutCtx, cancel := s.store.WithTimeout(ctx, DefaultQueryTimeout, "get_report")
	defer cancel()

	var rec ReportRecord
	if err := s.store.DB.WithContext(timeoutCtx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, mapDBError(err, "report %s", id)
	}
	r := fromRecord(&rec)

	var count int64
	err := s.store.DB.WithContext(timeoutCtx).
		Model(&UpvoteRecord{}).
		Where("report_id = ?", id).
		Count(&count).Error
	if err != nil {
		return nil, mapDBError(err, "count upvotes for %s", id)
	}
	r.UpvoteCount = int(count)

	var feedback []FeedbackRecord
	err = s.store.DB.WithContext(timeoutCtx).
		Where("report_id = ?", id).
		Order("created_at ASC, id ASC").
		Find(&feedback).Error
	if err != nil {
		return nil, mapDBError(err, "load feedback for %s", id)
	}
	for _, f := range feedback {
		r.DuplicateFeedback = append(r.DuplicateFeedback, models.DuplicateFeedback{
			UserID:    f.UserID,
			Kind:      models.FeedbackKind(f.Kind),
			Comment:   f.Comment,
			CreatedAt: f.CreatedAt,
		})
	}
	return r, nil
}

// AddFeedback appends one feedback row and bumps the raw counter for its kind.
func (s *ReportStore) AddFeedback(ctx context.Context, id string, fb models.DuplicateFeedback) error {
	counterCol := "confirmation_count"
	if fb.Kind == models.FeedbackDispute {
		counterCol = "dispute_count"
	}

	err := s.store.TransactionWithTimeout(ctx, DefaultQueryTimeout, func(tx *gorm.DB) error {
		row := FeedbackRecord{
			ReportID:  id,
			UserID:    fb.UserID,
			Kind:      string(fb.Kind),
			Comment:   fb.Comment,
			CreatedAt: fb.CreatedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&ReportRecord{}).
			Where("id = ?", id).
			Updates(touch(fb.CreatedAt, map[string]any{
				counterCol: gorm.Expr(counterCol+" + 1"),
			})).Error
	})
	if err != nil {
		return mapDBError(err, "add feedback for %s", id)
	}
	return nil
}

// Unlink reclassifies a disputed duplicate as an independent report: the link,
// similarity metadata and both counters are cleared, the feedback history
// stays, and the reclassification audit fields are set.
func (s *ReportStore) Unlink(ctx context.Context, id, reason string, at time.Time) error {
	err := s.store.TransactionWithTimeout(ctx, DefaultQueryTimeout, func(tx *gorm.DB) error {
		return tx.Model(&ReportRecord{}).
			Where("id = ?", id).
			Updates(touch(at, map[string]any{
				"duplicate_of":            nil,
				"similarity_score":        nil,
				"similarity_details":      nil,
				"confirmation_count":      0,
				"dispute_count":           0,
				"was_reclassified":        true,
				"reclassified_at":         at,
				"reclassification_reason": reason,
			})).Error
	})
	if err != nil {
		return mapDBError(err, "unlink report %s", id)
	}
	return nil
}

// ScheduleDeletion stamps the report for the sweeper.
func (s *ReportStore) ScheduleDeletion(ctx context.Context, id string, at time.Time, reason string) error {
	timeoutCtx, cancel := s.store.WithTimeout(ctx, DefaultQueryTimeout, "schedule_deletion")
	defer cancel()

	err := s.store.DB.WithContext(timeoutCtx).
		Model(&ReportRecord{}).
		Where("id = ?", id).
		Updates(touch(time.Now().UTC(), map[string]any{
			"deletion_at":     at,
			"deletion_reason": reason,
		})).Error
	if err != nil {
		return mapDBError(err, "schedule deletion of %s", id)
	}
	return nil
}

// CancelDeletion clears a pending deletion schedule.
func (s *ReportStore) CancelDeletion(ctx context.Context, id string) error {
	timeoutCtx, cancel := s.store.WithTimeout(ctx, DefaultQueryTimeout, "cancel_deletion")
	defer cancel()

	err := s.store.DB.WithContext(timeoutCtx).
		Model(&ReportRecord{}).
		Where("id = ?", id).
		Updates(touch(time.Now().UTC(), map[string]any{
			"deletion_at":     nil,
			"deletion_reason": "",
		})).Error
	if err != nil {
		return mapDBError(err, "cancel deletion of %s", id)
	}
	return nil
}

// Merge folds source into target in one transaction: upvotes transfer by
// set-union, source becomes a manually merged hard duplicate of target, and
// every duplicate_of pointer at source is rewritten to target. Re-running the
// same merge is a no-op.
func (s *ReportStore) Merge(ctx context.Context, targetID, sourceID string, at time.Time) error {
	err := s.store.TransactionWithTimeout(ctx, SlowQueryTimeout, func(tx *gorm.DB) error {
		var rows []ReportRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN ?", []string{targetID, sourceID}).
			Order("id").
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) != 2 {
			return gorm.ErrRecordNotFound
		}

		// Set-union of upvotes: shared voters keep their target row.
		err = tx.Exec(`INSERT INTO report_upvotes (report_id, user_id, created_at)
			SELECT ?, user_id, created_at FROM report_upvotes WHERE report_id = ?
			ON CONFLICT (report_id, user_id) DO NOTHING`, targetID, sourceID).Error
		if err != nil {
			return err
		}

		one := 1.0
		err = tx.Model(&ReportRecord{}).
			Where("id = ?", sourceID).
			Updates(touch(at, map[string]any{
				"status":           string(models.StatusDuplicate),
				"duplicate_of":     targetID,
				"similarity_score": one,
				"manually_merged":  true,
				"merged_at":        at,
			})).Error
		if err != nil {
			return err
		}

		// Transitive pointers follow the merge so no chain ever forms.
		return tx.Model(&ReportRecord{}).
			Where("duplicate_of = ? AND id <> ?", sourceID, targetID).
			Updates(touch(at, map[string]any{
				"duplicate_of": targetID,
			})).Error
	})
	if err != nil {
		return mapDBError(err, "merge %s into %s", sourceID, targetID)
	}
	return nil
}

// AddUpvote inserts the (report, user) upvote row. Returns false when the
// pair already voted.
func (s *ReportStore) AddUpvote(ctx context.Context, id, userID string, at time.Time) (bool, error) {
	timeoutCtx, cancel := s.store.WithTimeout(ctx, DefaultQueryTimeout, "add_upvote")
	defer cancel()

	res := s.store.DB.WithContext(timeoutCtx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&UpvoteRecord{ReportID: id, UserID: userID, CreatedAt: at})
	if res.Error != nil {
		return false, mapDBError(res.Error, "upvote report %s", id)
	}
	return res.RowsAffected > 0, nil
}

// AddDuplicateUpvote writes the audit entry on the original. Append-only, the
// original's primary count is untouched.
func (s *ReportStore) AddDuplicateUpvote(ctx context.Context, originalID, fromReportID, userID string, at time.Time) error {
	timeoutCtx, cancel := s.store.WithTimeout(ctx, DefaultQueryTimeout, "add_duplicate_upvote")
	defer cancel()

	row := DuplicateUpvoteRecord{
		ReportID:     originalID,
		FromReportID: fromReportID,
		UserID:       userID,
		CreatedAt:    at,
	}
	if err := s.store.DB.WithContext(timeoutCtx).Create(&row).Error; err != nil {
		return mapDBError(err, "record duplicate upvote on %s", originalID)
	}
	return nil
}

// UpdateStatus sets the workflow status.
func (s *ReportStore) UpdateStatus(ctx context.Context, id string, status models.Status, at time.Time) error {
	timeoutCtx, cancel := s.store.WithTimeout(ctx, DefaultQueryTimeout, "update_status")
	defer cancel()

	err := s.store.DB.WithContext(timeoutCtx).
		Model(&ReportRecord{}).
		Where("id = ?", id).
		Updates(touch(at, map[string]any{"status": string(status)})).Error
	if err != nil {
		return mapDBError(err, "update status of %s", id)
	}
	return nil
}

// ResolveDuplicatesOf marks every report soft-linked to id as Resolved.
func (s *ReportStore) ResolveDuplicatesOf(ctx context.Context, id string, at time.Time) (int64, error) {
	timeoutCtx, cancel := s.store.WithTimeout(ctx, DefaultQueryTimeout, "resolve_duplicates_of")
	defer cancel()

	res := s.store.DB.WithContext(timeoutCtx).
		Model(&ReportRecord{}).
		Where("duplicate_of = ? AND status <> ?", id, string(models.StatusResolved)).
		Updates(touch(at, map[string]any{"status": string(models.StatusResolved)}))
	if res.Error != nil {
		return 0, mapDBError(res.Error, "resolve duplicates of %s", id)
	}
	return res.RowsAffected, nil
}

// DueDeletions returns reports whose deletion time has passed.
func (s *ReportStore) DueDeletions(ctx context.Context, now time.Time) ([]*models.Report, error) {
	timeoutCtx, cancel := s.store.WithTimeout(ctx, SlowQueryTimeout, "due_deletions")
	defer cancel()

	var recs []ReportRecord
	err := s.store.DB.WithContext(timeoutCtx).
		Where("deletion_at IS NOT NULL AND deletion_at <= ?", now).
		Order("deletion_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, mapDBError(err, "query due deletions")
	}
	return s.hydrate(timeoutCtx, recs, false)
}

// ArchiveAndDelete writes the tombstone and removes the report with its
// dependent rows in one transaction. A report already gone is a no-op so the
// sweep can be re-run safely.
func (s *ReportStore) ArchiveAndDelete(ctx context.Context, id string, now time.Time) error {
	err := s.store.TransactionWithTimeout(ctx, SlowQueryTimeout, func(tx *gorm.DB) error {
		var rec ReportRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&rec, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var upvotes int64
		if err := tx.Model(&UpvoteRecord{}).Where("report_id = ?", id).Count(&upvotes).Error; err != nil {
			return err
		}

		dup := ""
		if rec.DuplicateOf != nil {
			dup = *rec.DuplicateOf
		}
		tomb := ArchivedDuplicate{
			OriginalID:        rec.ID,
			DuplicateOf:       dup,
			Category:          rec.Category,
			Lat:               rec.Lat,
			Lon:               rec.Lon,
			CreatedAt:         rec.CreatedAt,
			DeletedAt:         now,
			UpvoteCount:       int(upvotes),
			ConfirmationCount: rec.ConfirmationCount,
			DisputeCount:      rec.DisputeCount,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&tomb).Error; err != nil {
			return err
		}

		// Vector and feedback rows cascade with the report; upvote and audit
		// rows are cleaned explicitly.
		if err := tx.Where("report_id = ?", id).Delete(&UpvoteRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("report_id = ? OR from_report_id = ?", id, id).Delete(&DuplicateUpvoteRecord{}).Error; err != nil {
			return err
		}
		return tx.Delete(&ReportRecord{}, "id = ?", id).Error
	})
	if err != nil {
		return mapDBError(err, "archive and delete %s", id)
	}
	return nil
}

// DuplicateFilter selects reports by their duplicate linkage.
type DuplicateFilter string

const (
	// DuplicateAny applies no linkage predicate.
	DuplicateAny DuplicateFilter = ""
	// DuplicatesOnly keeps reports linked to an original.
	DuplicatesOnly DuplicateFilter = "duplicates_only"
	// OriginalsOnly keeps reports without a duplicate link.
	OriginalsOnly DuplicateFilter = "originals_only"
)

// ListFilter narrows and pages a report listing.
type ListFilter struct {
	Status     models.Status
	Category   string
	Duplicates DuplicateFilter
	Skip       int
	Limit      int
}

// List returns reports newest first, with upvote counts attached.
func (s *ReportStore) List(ctx context.Context, f ListFilter) ([]*models.Report, error) {
	timeoutCtx, cancel := s.store.WithTimeout(ctx, SlowQueryTimeout, "list_reports")
	defer cancel()

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	q := s.store.DB.WithContext(timeoutCtx).Model(&ReportRecord{})
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	switch f.Duplicates {
	case DuplicatesOnly:
		q = q.Where("duplicate_of IS NOT NULL")
	case OriginalsOnly:
		q = q.Where("duplicate_of IS NULL")
	}

	var recs []ReportRecord
	err := q.Order("created_at DESC").Offset(f.Skip).Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, mapDBError(err, "list reports")
	}
	return s.hydrate(timeoutCtx, recs, false)
}

// DuplicatesOf returns every report currently linked to id.
func (s *ReportStore) DuplicatesOf(ctx context.Context, id string) ([]*models.Report, error) {
	timeoutCtx, cancel := s.store.WithTimeout(ctx, DefaultQueryTimeout, "duplicates_of")
	defer cancel()

	var recs []ReportRecord
	err := s.store.DB.WithContext(timeoutCtx).
		Where("duplicate_of = ?", id).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, mapDBError(err, "duplicates of %s", id)
	}
	return s.hydrate(timeoutCtx, recs, false)
}

// TopOriginal is one row of the most-duplicated ranking.
type TopOriginal struct {
	ReportID       string        `json:"report_id"`
	Category       string        `json:"category"`
	Description    string        `json:"description"`
	Status         models.Status `json:"status"`
	DuplicateCount int64         `json:"duplicate_count"`
}

// DuplicateStats summarizes the duplicate population.
type DuplicateStats struct {
	TotalReports       int64         `json:"total_reports"`
	LinkedDuplicates   int64         `json:"linked_duplicates"`
	PendingDeletion    int64         `json:"pending_deletion"`
	Reclassified       int64         `json:"reclassified"`
	ManuallyMerged     int64         `json:"manually_merged"`
	ArchivedDuplicates int64         `json:"archived_duplicates"`
	DuplicatePercent   float64       `json:"duplicate_percent"`
	MostDuplicated     []TopOriginal `json:"most_duplicated"`
}

// DuplicateStatistics aggregates counts across the live and archived tables.
func (s *ReportStore) DuplicateStatistics(ctx context.Context) (*DuplicateStats, error) {
	timeoutCtx, cancel := s.store.WithTimeout(ctx, SlowQueryTimeout, "duplicate_statistics")
	defer cancel()

	db := s.store.DB.WithContext(timeoutCtx)
	stats := &DuplicateStats{}

	counts := []struct {
		dst  *int64
		cond string
	}{
		{&stats.TotalReports, ""},
		{&stats.LinkedDuplicates, "duplicate_of IS NOT NULL"},
		{&stats.PendingDeletion, "deletion_at IS NOT NULL"},
		{&stats.Reclassified, "was_reclassified"},
		{&stats.ManuallyMerged, "manually_merged"},
	}
	for _, c := range counts {
		q := db.Model(&ReportRecord{})
		if c.cond != "" {
			q = q.Where(c.cond)
		}
		if err := q.Count(c.dst).Error; err != nil {
			return nil, mapDBError(err, "duplicate statistics")
		}
	}
	if err := db.Model(&ArchivedDuplicate{}).Count(&stats.ArchivedDuplicates).Error; err != nil {
		return nil, mapDBError(err, "duplicate statistics")
	}
	if stats.TotalReports > 0 {
		stats.DuplicatePercent = 100 * float64(stats.LinkedDuplicates) / float64(stats.TotalReports)
	}

	err := db.Raw(`SELECT o.id AS report_id, o.category, o.description, o.status,
			COUNT(d.id) AS duplicate_count
		FROM reports o JOIN reports d ON d.duplicate_of = o.id
		GROUP BY o.id, o.category, o.description, o.status
		ORDER BY duplicate_count DESC, o.id
		LIMIT 10`).Scan(&stats.MostDuplicated).Error
	if err != nil {
		return nil, mapDBError(err, "most duplicated ranking")
	}
	return stats, nil
}

// DeletionBucket is one aggregation row of the archive.
type DeletionBucket struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// DeletionStats summarizes the sweeper's archive.
type DeletionStats struct {
	TotalArchived int64            `json:"total_archived"`
	ByCategory    []DeletionBucket `json:"by_category"`
	ByMonth       []DeletionBucket `json:"by_month"`
}

// DeletionStatistics aggregates the archived-duplicate tombstones.
func (s *ReportStore) DeletionStatistics(ctx context.Context) (*DeletionStats, error) {
	timeoutCtx, cancel := s.store.WithTimeout(ctx, SlowQueryTimeout, "deletion_statistics")
	defer cancel()

	db := s.store.DB.WithContext(timeoutCtx)
	stats := &DeletionStats{}

	if err := db.Model(&ArchivedDuplicate{}).Count(&stats.TotalArchived).Error; err != nil {
		return nil, mapDBError(err, "deletion statistics")
	}
	err := db.Raw(`SELECT category AS key, COUNT(*) AS count
		FROM archived_duplicates GROUP BY category ORDER BY count DESC, key`).
		Scan(&stats.ByCategory).Error
	if err != nil {
		return nil, mapDBError(err, "deletion statistics by category")
	}
	err = db.Raw(`SELECT to_char(deleted_at, 'YYYY-MM') AS key, COUNT(*) AS count
		FROM archived_duplicates GROUP BY key ORDER BY key`).
		Scan(&stats.ByMonth).Error
	if err != nil {
		return nil, mapDBError(err, "deletion statistics by month")
	}
	return stats, nil
}

// String implements fmt.Stringer for logging.
func (f ListFilter) String() string {
	return fmt.Sprintf("status=%s category=%s dup=%s skip=%d limit=%d",
		f.Status, f.Category, f.Duplicates, f.Skip, f.Limit)
}
