package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/actify/reportd/pkg/models"
)

func TestDistanceMetersZero(t *testing.T) {
	p := models.Location{Lat: 12.9716, Lon: 77.5946}
	assert.Zero(t, DistanceMeters(p, p))
}

func TestDistanceMetersKnownPairs(t *testing.T) {
	// One degree of latitude is ~111.2 km.
	a := models.Location{Lat: 0, Lon: 0}
	b := models.Location{Lat: 1, Lon: 0}
	assert.InDelta(t, 111195, DistanceMeters(a, b), 100)

	// ~50m apart in Bengaluru (0.00045 deg lat).
	c := models.Location{Lat: 12.9716, Lon: 77.5946}
	d := models.Location{Lat: 12.97205, Lon: 77.5946}
	assert.InDelta(t, 50, DistanceMeters(c, d), 1)
}

func TestDistanceMetersSymmetric(t *testing.T) {
	a := models.Location{Lat: 12.9716, Lon: 77.5946}
	b := models.Location{Lat: 13.0827, Lon: 80.2707}
	assert.InDelta(t, DistanceMeters(a, b), DistanceMeters(b, a), 1e-9)
}

func TestBoundingBoxContainsRadius(t *testing.T) {
	center := models.Location{Lat: 12.9716, Lon: 77.5946}
	minLat, maxLat, minLon, maxLon := BoundingBox(center, 100)

	assert.Less(t, minLat, center.Lat)
	assert.Greater(t, maxLat, center.Lat)

	// Points 100m due N/S/E/W must fall inside the box.
	north := models.Location{Lat: center.Lat + 0.0009, Lon: center.Lon}
	east := models.Location{Lat: center.Lat, Lon: center.Lon + 0.00092}
	assert.LessOrEqual(t, north.Lat, maxLat)
	assert.GreaterOrEqual(t, north.Lat, minLat)
	assert.LessOrEqual(t, east.Lon, maxLon)
	assert.GreaterOrEqual(t, east.Lon, minLon)
}

func TestBoundingBoxPolar(t *testing.T) {
	_, _, minLon, maxLon := BoundingBox(models.Location{Lat: 89.9999, Lon: 0}, 100)
	assert.Equal(t, -180.0, minLon)
	assert.Equal(t, 180.0, maxLon)
}
