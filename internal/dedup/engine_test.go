package dedup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actify/reportd/internal/embedding"
	"github.com/actify/reportd/pkg/models"
)

// memIndex is an in-memory CandidateIndex for engine tests.
type memIndex struct {
	mu      sync.Mutex
	reports map[string]*models.Report
	failing bool
}

func newMemIndex() *memIndex {
	return &memIndex{reports: make(map[string]*models.Report)}
}

func (m *memIndex) Insert(_ context.Context, r *models.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return fmt.Errorf("index down")
	}
	m.reports[r.ID] = r
	return nil
}

func (m *memIndex) Candidates(_ context.Context, category string, _ models.Location, since time.Time) ([]*models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, fmt.Errorf("index down")
	}
	var out []*models.Report
	for _, r := range m.reports {
		if r.Category != category || r.Status == models.StatusResolved || r.CreatedAt.Before(since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memIndex) RecentWithVectors(_ context.Context, limit int) ([]*models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Report
	for _, r := range m.reports {
		if len(r.ImageVectors) > 0 {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type memPhotos struct {
	failing bool
	saved   int
}

func (p *memPhotos) Save(_ context.Context, reportID string, photos [][]byte) ([]string, error) {
	if p.failing {
		return nil, fmt.Errorf("blob store down")
	}
	urls := make([]string, len(photos))
	for i := range photos {
		urls[i] = fmt.Sprintf("/photos/%s/%d.jpg", reportID, i)
	}
	p.saved += len(photos)
	return urls, nil
}

// fakeImageModel maps known payloads to fixed unit vectors.
type fakeImageModel struct {
	vectors map[string][]float32
}

func (f *fakeImageModel) EmbedImage(_ context.Context, data []byte) ([]float32, error) {
	if v, ok := f.vectors[string(data)]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown payload")
}

func (f *fakeImageModel) Version() string { return "clip-test" }
func (f *fakeImageModel) Dimensions() int { return 4 }

func newTestEngine(t *testing.T, index *memIndex, photos *memPhotos) *Engine {
	t.Helper()
	image := &fakeImageModel{vectors: map[string][]float32{
		"pothole.jpg":     {1, 0, 0, 0},
		"streetlight.jpg": {0, 1, 0, 0},
	}}
	embed := embedding.NewService(embedding.NewHashTextModel(100), image, 4, zerolog.Nop())

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	eng := NewEngine(index, photos, embed, Config{
		MaxDistanceMeters: 100,
		TimeWindow:        30 * 24 * time.Hour,
		HardThreshold:     0.90,
		SoftThreshold:     0.75,
		Weights:           models.ScoreWeights{Location: 0.3, Text: 0.3, Image: 0.3, Recency: 0.1},
	}, zerolog.Nop())
	return eng.WithClock(func() time.Time { return now })
}

func baseSubmission() Submission {
	return Submission{
		ReporterID:  "user-1",
		Location:    models.Location{Lat: 12.9716, Lon: 77.5946},
		Category:    "POTHOLE",
		Severity:    models.SeverityHigh,
		Description: "Large pothole near market entrance",
		Photos:      [][]byte{[]byte("pothole.jpg")},
	}
}

func TestIngestFirstReportIsNew(t *testing.T) {
	index := newMemIndex()
	eng := newTestEngine(t, index, &memPhotos{})

	disp, err := eng.Ingest(context.Background(), baseSubmission())
	require.NoError(t, err)

	assert.NotEqual(t, models.DispositionDuplicateID, disp.IssueID)
	assert.Equal(t, models.StatusReported, disp.Status)
	assert.Empty(t, disp.DuplicateOf)

	stored := index.reports[disp.IssueID]
	require.NotNil(t, stored)
	assert.Equal(t, "clip-test", stored.VectorVersion)
	assert.Len(t, stored.PhotoURLs, 1)
	assert.Len(t, stored.ImageVectors, 1)
}

func TestIngestIdenticalReportIsHardDuplicate(t *testing.T) {
	index := newMemIndex()
	photos := &memPhotos{}
	eng := newTestEngine(t, index, photos)

	first, err := eng.Ingest(context.Background(), baseSubmission())
	require.NoError(t, err)
	savedBefore := photos.saved

	sub := baseSubmission()
	sub.ReporterID = "user-2"
	disp, err := eng.Ingest(context.Background(), sub)
	require.NoError(t, err)

	assert.Equal(t, models.DispositionDuplicateID, disp.IssueID)
	assert.Equal(t, models.StatusDuplicate, disp.Status)
	assert.Equal(t, first.IssueID, disp.DuplicateOf)
	require.NotNil(t, disp.SimilarityScore)
	assert.GreaterOrEqual(t, *disp.SimilarityScore, 0.90)
	require.NotNil(t, disp.DuplicateDetails)
	assert.Equal(t, first.IssueID, disp.DuplicateDetails.OriginalIssue.ID)

	// Hard duplicates leave no persistent trace.
	assert.Len(t, index.reports, 1)
	assert.Equal(t, savedBefore, photos.saved, "rejected photos are not stored")
}

func TestIngestDifferentDescriptionStaysNew(t *testing.T) {
	index := newMemIndex()
	eng := newTestEngine(t, index, &memPhotos{})

	_, err := eng.Ingest(context.Background(), baseSubmission())
	require.NoError(t, err)

	sub := baseSubmission()
	sub.ReporterID = "user-2"
	sub.Description = "Broken streetlight over five meters high"
	sub.Photos = [][]byte{[]byte("streetlight.jpg")}
	disp, err := eng.Ingest(context.Background(), sub)
	require.NoError(t, err)

	assert.NotEqual(t, models.DispositionDuplicateID, disp.IssueID)
	assert.Empty(t, disp.DuplicateOf, "text and image gaps keep the composite below the soft threshold")
	assert.Len(t, index.reports, 2)
}

func TestIngestNearbyReportIsSoftDuplicate(t *testing.T) {
	index := newMemIndex()
	eng := newTestEngine(t, index, &memPhotos{})

	first, err := eng.Ingest(context.Background(), baseSubmission())
	require.NoError(t, err)

	// ~55m north: location component ~0.45, everything else identical.
	sub := baseSubmission()
	sub.ReporterID = "user-2"
	sub.Location.Lat += 0.0005
	disp, err := eng.Ingest(context.Background(), sub)
	require.NoError(t, err)

	assert.NotEqual(t, models.DispositionDuplicateID, disp.IssueID)
	assert.Equal(t, models.StatusReported, disp.Status)
	assert.Equal(t, first.IssueID, disp.DuplicateOf)
	require.NotNil(t, disp.SimilarityScore)
	assert.GreaterOrEqual(t, *disp.SimilarityScore, 0.75)
	assert.Less(t, *disp.SimilarityScore, 0.90)

	stored := index.reports[disp.IssueID]
	require.NotNil(t, stored)
	assert.Equal(t, first.IssueID, stored.DuplicateOf)
	require.NotNil(t, stored.SimilarityDetails)
	assert.Equal(t, *disp.SimilarityScore, stored.SimilarityDetails.OverallScore)
}

func TestIngestNeverLinksToALinkedReport(t *testing.T) {
	index := newMemIndex()
	eng := newTestEngine(t, index, &memPhotos{})

	first, err := eng.Ingest(context.Background(), baseSubmission())
	require.NoError(t, err)

	// ~55m north: soft-links to the first report.
	linked := baseSubmission()
	linked.ReporterID = "user-2"
	linked.Location.Lat += 0.0005
	dispLinked, err := eng.Ingest(context.Background(), linked)
	require.NoError(t, err)
	require.Equal(t, first.IssueID, dispLinked.DuplicateOf)

	// ~110m from the original, ~55m from the linked report. The linked
	// report is not a valid original, so this stays NEW instead of forming
	// a duplicate_of chain.
	third := baseSubmission()
	third.ReporterID = "user-3"
	third.Location.Lat += 0.0010
	disp, err := eng.Ingest(context.Background(), third)
	require.NoError(t, err)

	assert.NotEqual(t, models.DispositionDuplicateID, disp.IssueID)
	assert.Empty(t, disp.DuplicateOf)

	// Every persisted link must point at an unlinked report.
	for _, r := range index.reports {
		if r.DuplicateOf != "" {
			assert.Empty(t, index.reports[r.DuplicateOf].DuplicateOf)
		}
	}
}

func TestIngestOutOfWindowOriginalIsNotACandidate(t *testing.T) {
	index := newMemIndex()
	eng := newTestEngine(t, index, &memPhotos{})

	// Plant an identical report 40 days old, outside the 30-day window.
	old, err := eng.Ingest(context.Background(), baseSubmission())
	require.NoError(t, err)
	index.reports[old.IssueID].CreatedAt = index.reports[old.IssueID].CreatedAt.Add(-40 * 24 * time.Hour)

	sub := baseSubmission()
	sub.ReporterID = "user-2"
	disp, err := eng.Ingest(context.Background(), sub)
	require.NoError(t, err)
	assert.NotEqual(t, models.DispositionDuplicateID, disp.IssueID)
	assert.Empty(t, disp.DuplicateOf)
}

func TestIngestResolvedOriginalIsNotACandidate(t *testing.T) {
	index := newMemIndex()
	eng := newTestEngine(t, index, &memPhotos{})

	old, err := eng.Ingest(context.Background(), baseSubmission())
	require.NoError(t, err)
	index.reports[old.IssueID].Status = models.StatusResolved

	sub := baseSubmission()
	sub.ReporterID = "user-2"
	disp, err := eng.Ingest(context.Background(), sub)
	require.NoError(t, err)
	assert.Empty(t, disp.DuplicateOf)
}

func TestIngestValidation(t *testing.T) {
	eng := newTestEngine(t, newMemIndex(), &memPhotos{})

	cases := []struct {
		name   string
		mutate func(*Submission)
	}{
		{"missing reporter", func(s *Submission) { s.ReporterID = "" }},
		{"bad latitude", func(s *Submission) { s.Location.Lat = 91 }},
		{"empty category", func(s *Submission) { s.Category = "  " }},
		{"short description", func(s *Submission) { s.Description = "too short" }},
		{"no photos", func(s *Submission) { s.Photos = nil }},
		{"too many photos", func(s *Submission) {
			s.Photos = [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
		}},
		{"unknown severity", func(s *Submission) { s.Severity = "Apocalyptic" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := baseSubmission()
			tc.mutate(&sub)
			_, err := eng.Ingest(context.Background(), sub)
			require.Error(t, err)
			assert.Equal(t, models.KindValidation, models.KindOf(err))
		})
	}
}

func TestIngestIndexFailureHasNoSideEffects(t *testing.T) {
	index := newMemIndex()
	index.failing = true
	photos := &memPhotos{}
	eng := newTestEngine(t, index, photos)

	_, err := eng.Ingest(context.Background(), baseSubmission())
	require.Error(t, err)
	assert.Equal(t, models.KindUnavailable, models.KindOf(err))
}

func TestIngestPhotoStoreFailure(t *testing.T) {
	eng := newTestEngine(t, newMemIndex(), &memPhotos{failing: true})

	_, err := eng.Ingest(context.Background(), baseSubmission())
	require.Error(t, err)
	assert.Equal(t, models.KindUnavailable, models.KindOf(err))
}

func TestIngestUnknownPhotoDegradesToNoImageSignal(t *testing.T) {
	index := newMemIndex()
	eng := newTestEngine(t, index, &memPhotos{})

	sub := baseSubmission()
	sub.Photos = [][]byte{[]byte("unembeddable.jpg")}
	disp, err := eng.Ingest(context.Background(), sub)
	require.NoError(t, err, "embedding failure is not an error")

	stored := index.reports[disp.IssueID]
	require.NotNil(t, stored)
	require.Len(t, stored.ImageVectors, 1)
	assert.True(t, models.IsZeroVector(stored.ImageVectors[0]))
}

func TestSimilarImagesRanksExactMatchFirst(t *testing.T) {
	index := newMemIndex()
	eng := newTestEngine(t, index, &memPhotos{})

	_, err := eng.Ingest(context.Background(), baseSubmission())
	require.NoError(t, err)

	sub := baseSubmission()
	sub.ReporterID = "user-2"
	sub.Location.Lat += 0.01 // far away so it persists as NEW
	sub.Description = "Streetlight arm snapped and hanging loose"
	sub.Photos = [][]byte{[]byte("streetlight.jpg")}
	_, err = eng.Ingest(context.Background(), sub)
	require.NoError(t, err)

	hits, err := eng.SimilarImages(context.Background(), []byte("pothole.jpg"), 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.NotEmpty(t, hits[0].PhotoURL)
}

func TestDeciderThresholds(t *testing.T) {
	d := NewDecider(0.90, 0.75)

	assert.Equal(t, DecisionNew, d.Decide(nil))
	assert.Equal(t, DecisionNew, d.Decide(&Match{Details: models.ScoreDetails{OverallScore: 0.74}}))
	assert.Equal(t, DecisionSoft, d.Decide(&Match{Details: models.ScoreDetails{OverallScore: 0.75}}))
	assert.Equal(t, DecisionSoft, d.Decide(&Match{Details: models.ScoreDetails{OverallScore: 0.899}}))
	assert.Equal(t, DecisionHard, d.Decide(&Match{Details: models.ScoreDetails{OverallScore: 0.90}}))
}

func TestSelectBestTieBreaks(t *testing.T) {
	now := time.Now()
	older := &models.Report{ID: "older", CreatedAt: now.Add(-2 * time.Hour)}
	newer := &models.Report{ID: "newer", CreatedAt: now.Add(-time.Hour)}

	best := SelectBest([]Match{
		{Candidate: newer, Details: models.ScoreDetails{OverallScore: 0.8, GeoDistanceM: 10}},
		{Candidate: older, Details: models.ScoreDetails{OverallScore: 0.8, GeoDistanceM: 10}},
	})
	require.NotNil(t, best)
	assert.Equal(t, "older", best.Candidate.ID)

	best = SelectBest([]Match{
		{Candidate: older, Details: models.ScoreDetails{OverallScore: 0.8, GeoDistanceM: 50}},
		{Candidate: newer, Details: models.ScoreDetails{OverallScore: 0.8, GeoDistanceM: 10}},
	})
	assert.Equal(t, "newer", best.Candidate.ID)

	assert.Nil(t, SelectBest(nil))
}
