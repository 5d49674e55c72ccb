package dedup

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/actify/reportd/internal/geo"
	"github.com/actify/reportd/internal/scoring"
	"github.com/actify/reportd/internal/telemetry"
	"github.com/actify/reportd/pkg/models"
)

// CandidateIndex is the persistence surface the engine needs at ingestion.
type CandidateIndex interface {
	// Insert persists a report with its vectors.
	Insert(ctx context.Context, r *models.Report) error
	// Candidates returns reports matching the category with status other
	// than Resolved and created_at within the window, pre-narrowed by a
	// geospatial bound. The exact distance check happens in the engine.
	// Only unlinked reports are eligible: a duplicate_of link must always
	// point at a report that is not itself linked.
	Candidates(ctx context.Context, category string, loc models.Location, since time.Time) ([]*models.Report, error)
	// RecentWithVectors returns the most recent reports carrying image
	// vectors, for the similar-image diagnostic.
	RecentWithVectors(ctx context.Context, limit int) ([]*models.Report, error)
}

// PhotoStore persists uploaded photos and returns their opaque URLs.
type PhotoStore interface {
	Save(ctx context.Context, reportID string, photos [][]byte) ([]string, error)
}

// Embedder is the provider surface the engine needs.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedImages(ctx context.Context, photos [][]byte) [][]float32
	TextVersion() string
	ImageVersion() string
}

// Config holds the engine tunables.
type Config struct {
	MaxDistanceMeters float64
	TimeWindow        time.Duration
	HardThreshold     float64
	SoftThreshold     float64
	Weights           models.ScoreWeights
}

// Submission is a new report as received from the transport layer.
type Submission struct {
	ReporterID  string
	Location    models.Location
	Category    string
	Severity    models.Severity
	Description string
	Photos      [][]byte
}

// Validate enforces the submission constraints.
func (s Submission) Validate() error {
	if s.ReporterID == "" {
		return models.E(models.KindValidation, "reporter id is required")
	}
	if err := s.Location.Validate(); err != nil {
		return models.E(models.KindValidation, "invalid location: %v", err)
	}
	if strings.TrimSpace(s.Category) == "" {
		return models.E(models.KindValidation, "category is required")
	}
	if s.Severity != "" && !models.ValidSeverity(s.Severity) {
		return models.E(models.KindValidation, "unknown severity %q", s.Severity)
	}
	if n := len([]rune(s.Description)); n < 20 || n > 1000 {
		return models.E(models.KindValidation, "description length must be 20..1000 characters, got %d", n)
	}
	if len(s.Photos) < 1 || len(s.Photos) > 3 {
		return models.E(models.KindValidation, "1 to 3 photos required, got %d", len(s.Photos))
	}
	return nil
}

// Engine runs duplicate detection at ingestion. All collaborators are
// injected; the engine holds no global state.
type Engine struct {
	index   CandidateIndex
	photos  PhotoStore
	embed   Embedder
	calc    *scoring.Calculator
	decider Decider
	config  Config
	clock   func() time.Time
	log     zerolog.Logger

	ingested     metric.Int64Counter
	dispositions metric.Int64Counter
}

// NewEngine creates the duplicate detection engine.
func NewEngine(index CandidateIndex, photos PhotoStore, embed Embedder, cfg Config, log zerolog.Logger) *Engine {
	meter := telemetry.Meter("dedup")
	ingested, _ := meter.Int64Counter("reportd.reports.ingested")
	dispositions, _ := meter.Int64Counter("reportd.reports.dispositions")

	return &Engine{
		index: index,
		photos: photos,
		embed: embed,
		calc: scoring.NewCalculator(scoring.Config{
			MaxDistanceMeters: cfg.MaxDistanceMeters,
			TimeWindow:        cfg.TimeWindow,
			Weights:           cfg.Weights,
		}),
		decider:      NewDecider(cfg.HardThreshold, cfg.SoftThreshold),
		config:       cfg,
		clock:        time.Now,
		log:          log.With().Str("component", "dedup").Logger(),
		ingested:     ingested,
		dispositions: dispositions,
	}
}

// WithClock overrides the engine clock. Test hook.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Ingest runs the full ingestion pipeline: embed, prefilter, score, decide,
// persist. Hard duplicates are rejected without any persistent write.
func (e *Engine) Ingest(ctx context.Context, sub Submission) (*models.Disposition, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	now := e.clock().UTC()
	e.ingested.Add(ctx, 1)

	textVec, err := e.embed.EmbedText(ctx, sub.Description)
	if err != nil {
		return nil, models.WrapE(models.KindUnavailable, err, "text embedding")
	}
	imageVecs := e.embed.EmbedImages(ctx, sub.Photos)

	probe := scoring.Probe{
		Location:     sub.Location,
		TextVector:   textVec,
		TextVersion:  e.embed.TextVersion(),
		ImageVersion: e.embed.ImageVersion(),
	}
	for _, v := range imageVecs {
		if !models.IsZeroVector(v) {
			probe.ImageVectors = append(probe.ImageVectors, v)
		}
	}

	best, err := e.bestMatch(ctx, probe, sub.Category, now)
	if err != nil {
		return nil, err
	}

	decision := e.decider.Decide(best)
	e.dispositions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision.String())))

	if decision == DecisionHard {
		e.log.Info().
			Str("duplicate_of", best.Candidate.ID).
			Float64("score", best.Details.OverallScore).
			Msg("hard duplicate rejected")
		score := best.Details.OverallScore
		return &models.Disposition{
			IssueID:         models.DispositionDuplicateID,
			CreatedAt:       now,
			Status:          models.StatusDuplicate,
			DuplicateOf:     best.Candidate.ID,
			SimilarityScore: &score,
			DuplicateDetails: &models.DuplicateDetails{
				OriginalIssue:   best.Candidate,
				SimilarityScore: score,
				ScoreDetails:    best.Details,
			},
			Message: "an open report for this issue already exists",
		}, nil
	}

	id := uuid.NewString()
	photoURLs, err := e.photos.Save(ctx, id, sub.Photos)
	if err != nil {
		return nil, models.WrapE(models.KindUnavailable, err, "store photos")
	}

	severity := sub.Severity
	if severity == "" {
		severity = models.SeverityMedium
	}
	report := &models.Report{
		ID:                id,
		ReporterID:        sub.ReporterID,
		Location:          sub.Location,
		Category:          sub.Category,
		Severity:          severity,
		Description:       sub.Description,
		Status:            models.StatusReported,
		PhotoURLs:         photoURLs,
		ImageVectors:      imageVecs,
		TextVector:        textVec,
		VectorVersion:     e.embed.ImageVersion(),
		TextVectorVersion: e.embed.TextVersion(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	disp := &models.Disposition{
		IssueID:   id,
		CreatedAt: now,
		Status:    models.StatusReported,
	}
	if decision == DecisionSoft {
		score := best.Details.OverallScore
		report.DuplicateOf = best.Candidate.ID
		report.SimilarityScore = &score
		details := best.Details
		report.SimilarityDetails = &details

		disp.DuplicateOf = best.Candidate.ID
		disp.SimilarityScore = &score
		disp.DuplicateDetails = &models.DuplicateDetails{
			OriginalIssue:   best.Candidate,
			SimilarityScore: score,
			ScoreDetails:    best.Details,
		}
		disp.Message = "a similar open report exists; your report was linked to it"
	}

	if err := e.index.Insert(ctx, report); err != nil {
		return nil, models.WrapE(models.KindUnavailable, err, "persist report")
	}

	e.log.Info().
		Str("report_id", id).
		Str("decision", decision.String()).
		Str("category", sub.Category).
		Msg("report ingested")
	return disp, nil
}

// bestMatch fetches candidates, applies the exact distance bound and returns
// the best-scoring match within range.
func (e *Engine) bestMatch(ctx context.Context, probe scoring.Probe, category string, now time.Time) (*Match, error) {
	since := now.Add(-e.config.TimeWindow)
	cands, err := e.index.Candidates(ctx, category, probe.Location, since)
	if err != nil {
		return nil, models.WrapE(models.KindUnavailable, err, "fetch candidates")
	}

	matches := make([]Match, 0, len(cands))
	for _, cand := range cands {
		// Linked reports never serve as originals; matching against them
		// would persist a duplicate_of chain.
		if cand.IsDuplicate() {
			continue
		}
		if geo.DistanceMeters(probe.Location, cand.Location) > e.config.MaxDistanceMeters {
			continue
		}
		matches = append(matches, Match{
			Candidate: cand,
			Details:   e.calc.Score(probe, cand, now),
		})
	}
	return SelectBest(matches), nil
}

// SimilarPhoto is one hit from the similar-image diagnostic.
type SimilarPhoto struct {
	ReportID string  `json:"report_id"`
	PhotoURL string  `json:"photo_url"`
	Score    float64 `json:"score"`
}

// SimilarImages embeds one photo and returns the top-k most similar stored
// photos by cosine similarity. Diagnostic surface for tuning thresholds.
func (e *Engine) SimilarImages(ctx context.Context, photo []byte, limit int) ([]SimilarPhoto, error) {
	if len(photo) == 0 {
		return nil, models.E(models.KindValidation, "photo is required")
	}
	if limit <= 0 {
		limit = 10
	}

	vecs := e.embed.EmbedImages(ctx, [][]byte{photo})
	if len(vecs) == 0 || models.IsZeroVector(vecs[0]) {
		return nil, models.E(models.KindUnavailable, "could not embed probe photo")
	}
	probe := vecs[0]

	reports, err := e.index.RecentWithVectors(ctx, 500)
	if err != nil {
		return nil, models.WrapE(models.KindUnavailable, err, "fetch reports")
	}

	var hits []SimilarPhoto
	for _, r := range reports {
		if r.VectorVersion != e.embed.ImageVersion() {
			continue
		}
		for i, v := range r.ImageVectors {
			if models.IsZeroVector(v) {
				continue
			}
			url := ""
			if i < len(r.PhotoURLs) {
				url = r.PhotoURLs[i]
			}
			hits = append(hits, SimilarPhoto{
				ReportID: r.ID,
				PhotoURL: url,
				Score:    scoring.CosineSimilarity(probe, v),
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
