// Package geo provides great-circle distance math for candidate filtering.
package geo

import (
	"math"

	"github.com/actify/reportd/pkg/models"
)

// EarthRadiusM is the mean Earth radius in meters.
const EarthRadiusM = 6371000.0

// DistanceMeters returns the haversine great-circle distance between a and b.
func DistanceMeters(a, b models.Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// boxPadding over-sizes the box so a candidate sitting exactly on the radius
// survives the coarse filter. The exact distance check runs downstream.
const boxPadding = 1.05

// BoundingBox returns a lat/lon box that fully contains the circle of radius
// radiusM around center. Used to turn a radius filter into an index-friendly
// range predicate; callers still apply the exact distance check.
func BoundingBox(center models.Location, radiusM float64) (minLat, maxLat, minLon, maxLon float64) {
	dLat := radiusM * boxPadding / EarthRadiusM * 180 / math.Pi
	minLat = math.Max(center.Lat-dLat, -90)
	maxLat = math.Min(center.Lat+dLat, 90)

	// Longitude degrees shrink with latitude. Near the poles the box
	// degenerates to the full longitude range.
	cos := math.Cos(center.Lat * math.Pi / 180)
	if cos < 1e-6 {
		return minLat, maxLat, -180, 180
	}
	dLon := dLat / cos
	minLon = center.Lon - dLon
	maxLon = center.Lon + dLon
	if minLon < -180 || maxLon > 180 {
		return minLat, maxLat, -180, 180
	}
	return minLat, maxLat, minLon, maxLon
}
