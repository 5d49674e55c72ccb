package gorm

import (
	"time"

	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/actify/reportd/pkg/models"
)

// Vector kinds stored in report_vectors.
const (
	VectorKindImage = "image"
	VectorKindText  = "text"
)

// ReportRecord is the reports table row.
type ReportRecord struct {
	ID          string  `gorm:"primaryKey"`
	ReporterID  string  `gorm:"index;not null"`
	Lat         float64 `gorm:"index:idx_reports_lat_lon,priority:1;not null"`
	Lon         float64 `gorm:"index:idx_reports_lat_lon,priority:2;not null"`
	Category    string  `gorm:"index:idx_reports_cat_status_created,priority:1;not null"`
	Severity    string  `gorm:"not null;default:'Medium'"`
	Description string  `gorm:"type:text;not null"`
	Status      string  `gorm:"index:idx_reports_cat_status_created,priority:2;check:status IN ('Reported', 'Under Review', 'In Progress', 'Resolved', 'Duplicate');default:'Reported'"`

	PhotoURLs         models.JSONStringArray `gorm:"type:jsonb"`
	VectorVersion     string
	TextVectorVersion string

	CreatedAt time.Time `gorm:"index:idx_reports_cat_status_created,priority:3;not null"`
	UpdatedAt time.Time `gorm:"not null"`

	DuplicateOf       *string              `gorm:"index"`
	SimilarityScore   *float64             `gorm:"type:double precision"`
	SimilarityDetails *models.ScoreDetails `gorm:"type:jsonb"`

	ConfirmationCount int `gorm:"default:0"`
	DisputeCount      int `gorm:"default:0"`

	DeletionAt     *time.Time `gorm:"index"`
	DeletionReason string

	WasReclassified        bool `gorm:"default:false"`
	ReclassifiedAt         *time.Time
	ReclassificationReason string

	ManuallyMerged bool `gorm:"default:false"`
	MergedAt       *time.Time

	Vectors  []ReportVector   `gorm:"foreignKey:ReportID;constraint:OnDelete:CASCADE"`
	Feedback []FeedbackRecord `gorm:"foreignKey:ReportID;constraint:OnDelete:CASCADE"`
}

func (ReportRecord) TableName() string { return "reports" }

// BeforeCreate hook to ensure timestamps are set.
func (r *ReportRecord) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	return nil
}

// ReportVector is one embedding row, keyed by (report, sequence, kind). The
// provider version per row lets the scorer detect stale vectors after a
// provider swap.
type ReportVector struct {
	ReportID        string       `gorm:"primaryKey"`
	Seq             int          `gorm:"primaryKey"`
	Kind            string       `gorm:"primaryKey;check:kind IN ('image', 'text')"`
	Embedding       pgvec.Vector `gorm:"type:vector"`
	ProviderVersion string       `gorm:"not null"`
}

func (ReportVector) TableName() string { return "report_vectors" }

// UpvoteRecord is one user's endorsement, unique per (report, user).
type UpvoteRecord struct {
	ReportID  string    `gorm:"primaryKey"`
	UserID    string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

func (UpvoteRecord) TableName() string { return "report_upvotes" }

// DuplicateUpvoteRecord is the audit entry written on an original when one of
// its duplicates is upvoted. Not counted into the original's upvotes.
type DuplicateUpvoteRecord struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	ReportID     string    `gorm:"index;not null"` // the original
	FromReportID string    `gorm:"not null"`       // the duplicate that was upvoted
	UserID       string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (DuplicateUpvoteRecord) TableName() string { return "duplicate_upvotes" }

// FeedbackRecord is one confirm/dispute entry against a linked report.
type FeedbackRecord struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	ReportID  string `gorm:"index:idx_feedback_report_user_kind,priority:1;not null"`
	UserID    string `gorm:"index:idx_feedback_report_user_kind,priority:2;not null"`
	Kind      string `gorm:"index:idx_feedback_report_user_kind,priority:3;check:kind IN ('confirm', 'dispute');not null"`
	Comment   string
	CreatedAt time.Time `gorm:"not null"`
}

func (FeedbackRecord) TableName() string { return "duplicate_feedback" }

// ArchivedDuplicate is the immutable tombstone row. No embeddings retained.
type ArchivedDuplicate struct {
	OriginalID        string    `gorm:"primaryKey"`
	DuplicateOf       string    `gorm:"index;not null"`
	Category          string    `gorm:"index;not null"`
	Lat               float64   `gorm:"not null"`
	Lon               float64   `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null"`
	DeletedAt         time.Time `gorm:"index;not null"`
	UpvoteCount       int       `gorm:"default:0"`
	ConfirmationCount int       `gorm:"default:0"`
	DisputeCount      int       `gorm:"default:0"`
}

func (ArchivedDuplicate) TableName() string { return "archived_duplicates" }
