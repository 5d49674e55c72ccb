package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistinctFeedbackCounts(t *testing.T) {
	now := time.Now()
	fb := []DuplicateFeedback{
		{UserID: "u1", Kind: FeedbackConfirm, CreatedAt: now},
		{UserID: "u1", Kind: FeedbackConfirm, CreatedAt: now.Add(time.Minute)},
		{UserID: "u1", Kind: FeedbackDispute, CreatedAt: now.Add(2 * time.Minute)},
		{UserID: "u2", Kind: FeedbackConfirm, CreatedAt: now},
		{UserID: "u3", Kind: FeedbackDispute, CreatedAt: now},
		{UserID: "u3", Kind: FeedbackDispute, CreatedAt: now},
	}

	confirms, disputes := DistinctFeedbackCounts(fb)
	assert.Equal(t, 2, confirms, "u1 counts once per kind")
	assert.Equal(t, 2, disputes)
}

func TestDistinctFeedbackCountsEmpty(t *testing.T) {
	confirms, disputes := DistinctFeedbackCounts(nil)
	assert.Zero(t, confirms)
	assert.Zero(t, disputes)
}

func TestLocationValidate(t *testing.T) {
	assert.NoError(t, Location{Lat: 12.9716, Lon: 77.5946}.Validate())
	assert.NoError(t, Location{Lat: -90, Lon: 180}.Validate())
	assert.Error(t, Location{Lat: 90.001, Lon: 0}.Validate())
	assert.Error(t, Location{Lat: 0, Lon: -180.5}.Validate())
}

func TestUsableImageVectors(t *testing.T) {
	r := &Report{
		VectorVersion: "clip-v1",
		ImageVectors: [][]float32{
			{0.6, 0.8},
			{0, 0},
			{1, 0},
		},
	}

	usable := r.UsableImageVectors("clip-v1")
	require.Len(t, usable, 2, "zero vectors carry no signal")

	assert.Empty(t, r.UsableImageVectors("clip-v2"), "version mismatch invalidates vectors")
}

func TestScoreDetailsRoundTrip(t *testing.T) {
	d := ScoreDetails{
		OverallScore: 0.91,
		Components:   ScoreComponents{Location: 1, Text: 0.9, Image: 0.85, Recency: 0.99},
		Weights:      ScoreWeights{Location: 0.3, Text: 0.3, Image: 0.3, Recency: 0.1},
		GeoDistanceM: 4.2,
	}
	val, err := d.Value()
	require.NoError(t, err)

	var got ScoreDetails
	require.NoError(t, got.Scan(val))
	assert.Equal(t, d, got)
}

func TestErrorKinds(t *testing.T) {
	err := E(KindValidation, "description too short")
	assert.Equal(t, KindValidation, KindOf(err))

	wrapped := WrapE(KindUnavailable, assert.AnError, "candidate fetch")
	assert.Equal(t, KindUnavailable, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, assert.AnError)

	assert.Equal(t, KindInternal, KindOf(assert.AnError))
}

func TestValidStatus(t *testing.T) {
	assert.True(t, ValidStatus(StatusReported))
	assert.True(t, ValidStatus(StatusDuplicate))
	assert.False(t, ValidStatus(Status("Closed")))
}
