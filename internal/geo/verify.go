package geo

import (
	"math"

	"github.com/ppiankov/wardwatch/internal/model"
)

const (
	// EarthRadiusMeters is the mean Earth radius used by Distance.
	EarthRadiusMeters = 6371000.0

	// LivenessThreshold is the minimum face score accepted as a live capture.
	LivenessThreshold = 0.8
)

// Failure reasons, in priority order.
const (
	ReasonGeofence = "GEOFENCE_VIOLATION"
	ReasonLiveness = "LIVENESS_FAILED"
)

// Result is the outcome of a presence verification.
type Result struct {
	OK       bool    `json:"ok"`
	Reason   string  `json:"reason,omitempty"`
	Distance float64 `json:"distance_meters"`
}

// Distance returns the haversine great-circle distance in meters between
// two positions given in degrees.
func Distance(a, b model.Coordinate) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// Verify decides whether a reported position and liveness score satisfy a
// geofence. A geofence violation is reported in preference to a liveness
// failure when both fail.
func Verify(reported, center model.Coordinate, radiusMeters, liveness float64) Result {
	return Verifier{LivenessThreshold: LivenessThreshold}.Verify(reported, center, radiusMeters, liveness)
}

// Verifier carries a deployment-specific liveness threshold.
type Verifier struct {
	LivenessThreshold float64
}

// Verify applies the geofence and this verifier's liveness threshold.
// Comparisons fail closed, so NaN inputs never pass.
func (v Verifier) Verify(reported, center model.Coordinate, radiusMeters, liveness float64) Result {
	d := Distance(reported, center)
	switch {
	case !(d <= radiusMeters):
		return Result{Reason: ReasonGeofence, Distance: d}
	case !(liveness >= v.LivenessThreshold):
		return Result{Reason: ReasonLiveness, Distance: d}
	default:
		return Result{OK: true, Distance: d}
	}
}

// Within checks the geofence only. Presence challenges carry no biometric.
// A NaN distance or radius fails.
func Within(reported, center model.Coordinate, radiusMeters float64) Result {
	d := Distance(reported, center)
	if !(d <= radiusMeters) {
		return Result{Reason: ReasonGeofence, Distance: d}
	}
	return Result{OK: true, Distance: d}
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
