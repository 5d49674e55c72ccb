// Package scoring computes multi-modal similarity between a new report and
// prior candidates.
package scoring

import (
	"time"

	"github.com/actify/reportd/internal/geo"
	"github.com/actify/reportd/pkg/models"
)

// Config holds the tunables the calculator depends on.
type Config struct {
	MaxDistanceMeters float64
	TimeWindow        time.Duration
	Weights           models.ScoreWeights
}

// Probe is the already-embedded view of a new report being scored against
// candidates. Embedding happens once per ingestion, not once per candidate.
type Probe struct {
	Location     models.Location
	TextVector   []float32
	TextVersion  string
	ImageVectors [][]float32 // non-zero vectors only
	ImageVersion string
}

// Calculator scores candidate pairs. Safe for concurrent use.
type Calculator struct {
	config Config
}

// NewCalculator creates a similarity calculator.
func NewCalculator(config Config) *Calculator {
	return &Calculator{config: config}
}

// Score computes the weighted composite similarity between the probe and one
// candidate at the given time, returning the full component breakdown.
//
// Components, each clamped to [0,1]:
//   - location: 1 - distance/max_distance
//   - text:     cosine of the description embeddings, negatives clamped to 0
//   - image:    mean over probe vectors of the max cosine against candidate vectors
//   - recency:  1 - candidate_age/time_window
//
// When either side has no usable image vectors the image component is 0 and
// its weight is redistributed proportionally across the other components.
func (c *Calculator) Score(probe Probe, cand *models.Report, now time.Time) models.ScoreDetails {
	dist := geo.DistanceMeters(probe.Location, cand.Location)
	locScore := clamp01(1 - dist/c.config.MaxDistanceMeters)

	// Vectors from a different text provider version live in an
	// incompatible space and carry no signal.
	textScore := 0.0
	if cand.TextVectorVersion == probe.TextVersion {
		textScore = CosineSimilarity(probe.TextVector, cand.TextVector)
		if textScore < 0 {
			textScore = 0
		}
	}

	candVectors := cand.UsableImageVectors(probe.ImageVersion)
	imageAvailable := len(probe.ImageVectors) > 0 && len(candVectors) > 0
	imageScore := 0.0
	if imageAvailable {
		sum := 0.0
		for _, v := range probe.ImageVectors {
			sum += MaxCosine(v, candVectors)
		}
		imageScore = clamp01(sum / float64(len(probe.ImageVectors)))
	}

	age := now.Sub(cand.CreatedAt)
	if age < 0 {
		age = 0
	}
	recencyScore := clamp01(1 - age.Seconds()/c.config.TimeWindow.Seconds())

	weights := c.config.Weights
	if !imageAvailable {
		weights = redistribute(weights)
	}

	overall := clamp01(locScore*weights.Location +
		textScore*weights.Text +
		imageScore*weights.Image +
		recencyScore*weights.Recency)

	return models.ScoreDetails{
		OverallScore: overall,
		Components: models.ScoreComponents{
			Location: locScore,
			Text:     textScore,
			Image:    imageScore,
			Recency:  recencyScore,
		},
		Weights:        weights,
		GeoDistanceM:   dist,
		ImageAvailable: imageAvailable,
	}
}

// Better reports whether (a, candA) beats (b, candB) under the selection rule:
// higher composite, then smaller geo distance, then earlier created_at.
func Better(a models.ScoreDetails, candA *models.Report, b models.ScoreDetails, candB *models.Report) bool {
	if a.OverallScore != b.OverallScore {
		return a.OverallScore > b.OverallScore
	}
	if a.GeoDistanceM != b.GeoDistanceM {
		return a.GeoDistanceM < b.GeoDistanceM
	}
	return candA.CreatedAt.Before(candB.CreatedAt)
}

// redistribute zeroes the image weight and scales the remaining weights so
// they sum to 1 again.
func redistribute(w models.ScoreWeights) models.ScoreWeights {
	rest := w.Location + w.Text + w.Recency
	if rest <= 0 {
		return models.ScoreWeights{}
	}
	scale := 1 / rest
	return models.ScoreWeights{
		Location: w.Location * scale,
		Text:     w.Text * scale,
		Image:    0,
		Recency:  w.Recency * scale,
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
