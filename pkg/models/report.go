// Package models contains domain models for reportd.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Status represents the lifecycle status of a report.
type Status string

const (
	StatusReported    Status = "Reported"
	StatusUnderReview Status = "Under Review"
	StatusInProgress  Status = "In Progress"
	StatusResolved    Status = "Resolved"
	StatusDuplicate   Status = "Duplicate"
)

// AllStatuses lists every valid report status.
var AllStatuses = []Status{
	StatusReported,
	StatusUnderReview,
	StatusInProgress,
	StatusResolved,
	StatusDuplicate,
}

// ValidStatus reports whether s is a known status value.
func ValidStatus(s Status) bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Severity is a coarse urgency tag attached by the reporter.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// ValidSeverity reports whether s is a known severity value.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// FeedbackKind is the polarity of a duplicate-feedback entry.
type FeedbackKind string

const (
	FeedbackConfirm FeedbackKind = "confirm"
	FeedbackDispute FeedbackKind = "dispute"
)

// ValidFeedbackKind reports whether k is a known feedback kind.
func ValidFeedbackKind(k FeedbackKind) bool {
	return k == FeedbackConfirm || k == FeedbackDispute
}

// Location is a WGS84 point.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate checks coordinate ranges.
func (l Location) Validate() error {
	if l.Lat < -90 || l.Lat > 90 {
		return fmt.Errorf("latitude %.6f out of range [-90,90]", l.Lat)
	}
	if l.Lon < -180 || l.Lon > 180 {
		return fmt.Errorf("longitude %.6f out of range [-180,180]", l.Lon)
	}
	return nil
}

// Upvote is one user's endorsement of a report. Unique by UserID per report.
type Upvote struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// DuplicateUpvote is the audit entry written on an original when one of its
// duplicates receives an upvote. It never increments the original's primary
// upvote count.
type DuplicateUpvote struct {
	UserID       string    `json:"user_id"`
	FromReportID string    `json:"from_report_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// DuplicateFeedback is one confirm/dispute record against a linked report.
// Users may submit repeatedly; thresholds count distinct (user_id, kind) pairs.
type DuplicateFeedback struct {
	UserID    string       `json:"user_id"`
	Kind      FeedbackKind `json:"kind"`
	Comment   string       `json:"comment,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// DistinctFeedbackCounts tallies feedback by distinct (user_id, kind) pairs.
func DistinctFeedbackCounts(feedback []DuplicateFeedback) (confirms, disputes int) {
	seen := make(map[string]struct{}, len(feedback))
	for _, f := range feedback {
		key := f.UserID + "\x00" + string(f.Kind)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		switch f.Kind {
		case FeedbackConfirm:
			confirms++
		case FeedbackDispute:
			disputes++
		}
	}
	return confirms, disputes
}

// ScheduledDeletion marks a report for removal by the sweeper.
type ScheduledDeletion struct {
	DeletionAt time.Time `json:"deletion_at"`
	Reason     string    `json:"reason"`
}

// ScoreComponents holds the four similarity components, each in [0,1].
type ScoreComponents struct {
	Location float64 `json:"location"`
	Text     float64 `json:"text"`
	Image    float64 `json:"image"`
	Recency  float64 `json:"recency"`
}

// ScoreWeights holds the weights applied to each component. After any
// redistribution for missing components the weights sum to 1.
type ScoreWeights struct {
	Location float64 `json:"location"`
	Text     float64 `json:"text"`
	Image    float64 `json:"image"`
	Recency  float64 `json:"recency"`
}

// ScoreDetails is the full breakdown of one candidate comparison, surfaced on
// both hard-duplicate rejections and soft-duplicate persistence.
type ScoreDetails struct {
	OverallScore   float64         `json:"overall_score"`
	Components     ScoreComponents `json:"components"`
	Weights        ScoreWeights    `json:"weights"`
	GeoDistanceM   float64         `json:"geo_distance_m"`
	ImageAvailable bool            `json:"image_available"`
}

// Scan implements sql.Scanner so ScoreDetails can live in a jsonb column.
func (d *ScoreDetails) Scan(src interface{}) error {
	if src == nil {
		*d = ScoreDetails{}
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("ScoreDetails: unsupported type %T", src)
	}
	if len(data) == 0 {
		*d = ScoreDetails{}
		return nil
	}
	return json.Unmarshal(data, d)
}

// Value implements driver.Valuer for ScoreDetails.
func (d ScoreDetails) Value() (driver.Value, error) {
	return json.Marshal(d)
}

// JSONStringArray stores a string slice as a jsonb column.
type JSONStringArray []string

// Scan implements sql.Scanner for JSONStringArray.
func (j *JSONStringArray) Scan(src interface{}) error {
	if src == nil {
		*j = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("JSONStringArray: unsupported type %T", src)
	}
	if len(data) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(data, j)
}

// Value implements driver.Valuer for JSONStringArray.
func (j JSONStringArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Report is the primary entity of the service.
type Report struct {
	ID          string   `json:"id"`
	ReporterID  string   `json:"reporter_id"`
	Location    Location `json:"location"`
	Category    string   `json:"category"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Status      Status   `json:"status"`

	PhotoURLs    []string    `json:"photo_urls"`
	ImageVectors [][]float32 `json:"-"`
	TextVector   []float32   `json:"-"`
	// VectorVersion is the embedding provider version the stored image
	// vectors were produced with. Mismatched vectors are ignored on read.
	VectorVersion     string `json:"-"`
	TextVectorVersion string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UpvoteCount int      `json:"upvote_count"`
	Upvotes     []Upvote `json:"-"`

	DuplicateOf       string        `json:"duplicate_of,omitempty"`
	SimilarityScore   *float64      `json:"similarity_score,omitempty"`
	SimilarityDetails *ScoreDetails `json:"similarity_details,omitempty"`

	DuplicateFeedback []DuplicateFeedback `json:"-"`
	ConfirmationCount int                 `json:"confirmation_count"`
	DisputeCount      int                 `json:"dispute_count"`

	ScheduledForDeletion *ScheduledDeletion `json:"scheduled_for_deletion,omitempty"`

	WasReclassified        bool       `json:"was_reclassified,omitempty"`
	ReclassifiedAt         *time.Time `json:"reclassified_at,omitempty"`
	ReclassificationReason string     `json:"reclassification_reason,omitempty"`

	ManuallyMerged bool       `json:"manually_merged,omitempty"`
	MergedAt       *time.Time `json:"merged_at,omitempty"`
}

// IsDuplicate reports whether the report is linked to an original.
func (r *Report) IsDuplicate() bool {
	return r.DuplicateOf != ""
}

// UsableImageVectors returns the stored image vectors carrying signal: vectors
// produced by the given provider version, excluding zero vectors.
func (r *Report) UsableImageVectors(providerVersion string) [][]float32 {
	if r.VectorVersion != providerVersion {
		return nil
	}
	out := make([][]float32, 0, len(r.ImageVectors))
	for _, v := range r.ImageVectors {
		if !IsZeroVector(v) {
			out = append(out, v)
		}
	}
	return out
}

// IsZeroVector reports whether v is empty or all zeros.
func IsZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// ArchiveRecord is the immutable tombstone written when the sweeper deletes a
// confirmed duplicate. No embeddings are retained.
type ArchiveRecord struct {
	OriginalID        string    `json:"original_id"`
	DuplicateOf       string    `json:"duplicate_of"`
	Category          string    `json:"category"`
	Location          Location  `json:"location"`
	CreatedAt         time.Time `json:"created_at"`
	DeletedAt         time.Time `json:"deleted_at"`
	UpvoteCount       int       `json:"upvote_count"`
	ConfirmationCount int       `json:"confirmation_count"`
	DisputeCount      int       `json:"dispute_count"`
}

// DispositionStatus is the status surfaced to the submitter at ingestion.
const (
	// DispositionDuplicateID is the sentinel issue_id returned when a hard
	// duplicate is rejected without being persisted.
	DispositionDuplicateID = "duplicate_detected"
)

// DuplicateDetails explains a duplicate disposition to the caller.
type DuplicateDetails struct {
	OriginalIssue   *Report      `json:"original_issue"`
	SimilarityScore float64      `json:"similarity_score"`
	ScoreDetails    ScoreDetails `json:"score_details"`
}

// Disposition is the ingestion result returned to the submitter.
type Disposition struct {
	IssueID          string            `json:"issue_id"`
	CreatedAt        time.Time         `json:"created_at"`
	Status           Status            `json:"status"`
	DuplicateOf      string            `json:"duplicate_of,omitempty"`
	SimilarityScore  *float64          `json:"similarity_score,omitempty"`
	DuplicateDetails *DuplicateDetails `json:"duplicate_details,omitempty"`
	Message          string            `json:"message,omitempty"`
}
