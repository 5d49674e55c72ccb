package gorm

import (
	"errors"
	"time"

	pgvec "github.com/pgvector/pgvector-go"
	gormlib "gorm.io/gorm"

	"github.com/actify/reportd/pkg/models"
)

// toRecord splits a domain report into its row and embedding rows.
func toRecord(r *models.Report) (*ReportRecord, []ReportVector) {
	rec := &ReportRecord{
		ID:                r.ID,
		ReporterID:        r.ReporterID,
		Lat:               r.Location.Lat,
		Lon:               r.Location.Lon,
		Category:          r.Category,
		Severity:          string(r.Severity),
		Description:       r.Description,
		Status:            string(r.Status),
		PhotoURLs:         models.JSONStringArray(r.PhotoURLs),
		VectorVersion:     r.VectorVersion,
		TextVectorVersion: r.TextVectorVersion,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		SimilarityScore:   r.SimilarityScore,
		SimilarityDetails: r.SimilarityDetails,
		ConfirmationCount: r.ConfirmationCount,
		DisputeCount:      r.DisputeCount,
	}
	if r.DuplicateOf != "" {
		dup := r.DuplicateOf
		rec.DuplicateOf = &dup
	}
	if r.ScheduledForDeletion != nil {
		at := r.ScheduledForDeletion.DeletionAt
		rec.DeletionAt = &at
		rec.DeletionReason = r.ScheduledForDeletion.Reason
	}

	vectors := make([]ReportVector, 0, len(r.ImageVectors)+1)
	for i, v := range r.ImageVectors {
		vectors = append(vectors, ReportVector{
			ReportID:        r.ID,
			Seq:             i,
			Kind:            VectorKindImage,
			Embedding:       pgvec.NewVector(v),
			ProviderVersion: r.VectorVersion,
		})
	}
	if len(r.TextVector) > 0 {
		vectors = append(vectors, ReportVector{
			ReportID:        r.ID,
			Seq:             0,
			Kind:            VectorKindText,
			Embedding:       pgvec.NewVector(r.TextVector),
			ProviderVersion: r.TextVectorVersion,
		})
	}
	return rec, vectors
}

// fromRecord rebuilds a domain report. Vectors, feedback and the upvote count
// are attached separately by the callers that loaded them.
func fromRecord(rec *ReportRecord) *models.Report {
	r := &models.Report{
		ID:                rec.ID,
		ReporterID:        rec.ReporterID,
		Location:          models.Location{Lat: rec.Lat, Lon: rec.Lon},
		Category:          rec.Category,
		Severity:          models.Severity(rec.Severity),
		Description:       rec.Description,
		Status:            models.Status(rec.Status),
		PhotoURLs:         []string(rec.PhotoURLs),
		VectorVersion:     rec.VectorVersion,
		TextVectorVersion: rec.TextVectorVersion,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
		SimilarityScore:   rec.SimilarityScore,
		SimilarityDetails: rec.SimilarityDetails,
		ConfirmationCount: rec.ConfirmationCount,
		DisputeCount:      rec.DisputeCount,

		WasReclassified:        rec.WasReclassified,
		ReclassifiedAt:         rec.ReclassifiedAt,
		ReclassificationReason: rec.ReclassificationReason,
		ManuallyMerged:         rec.ManuallyMerged,
		MergedAt:               rec.MergedAt,
	}
	if rec.DuplicateOf != nil {
		r.DuplicateOf = *rec.DuplicateOf
	}
	if rec.DeletionAt != nil {
		r.ScheduledForDeletion = &models.ScheduledDeletion{
			DeletionAt: *rec.DeletionAt,
			Reason:     rec.DeletionReason,
		}
	}
	return r
}

// attachVectors sorts the loaded embedding rows into the report's image and
// text slots. Image vectors keep their stored sequence order.
func attachVectors(r *models.Report, rows []ReportVector) {
	var images []ReportVector
	for _, row := range rows {
		switch row.Kind {
		case VectorKindImage:
			images = append(images, row)
		case VectorKindText:
			r.TextVector = row.Embedding.Slice()
			r.TextVectorVersion = row.ProviderVersion
		}
	}
	if len(images) == 0 {
		return
	}
	r.ImageVectors = make([][]float32, len(images))
	for _, row := range images {
		if row.Seq >= 0 && row.Seq < len(images) {
			r.ImageVectors[row.Seq] = row.Embedding.Slice()
		}
	}
}

// mapDBError translates gorm errors into domain error kinds.
func mapDBError(err error, format string, args ...any) error {
	if errors.Is(err, gormlib.ErrRecordNotFound) {
		return models.WrapE(models.KindNotFound, err, format, args...)
	}
	return models.WrapE(models.KindInternal, err, format, args...)
}

// touch returns the column map for an updated_at bump alongside other updates.
func touch(at time.Time, updates map[string]any) map[string]any {
	updates["updated_at"] = at
	return updates
}
