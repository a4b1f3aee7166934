package geo

import (
	"math"
	"testing"

	"github.com/ppiankov/wardwatch/internal/model"
)

var delhi = model.Coordinate{Lat: 28.6139, Lng: 77.2090}

// north returns a point the given number of meters due north of c.
func north(c model.Coordinate, meters float64) model.Coordinate {
	return model.Coordinate{Lat: c.Lat + meters/(EarthRadiusMeters*math.Pi/180), Lng: c.Lng}
}

func TestDistanceZeroAtSamePoint(t *testing.T) {
	if d := Distance(delhi, delhi); d != 0 {
		t.Fatalf("expected 0, got %v", d)
	}
}

func TestDistanceAlongMeridian(t *testing.T) {
	d := Distance(delhi, north(delhi, 1200))
	if math.Abs(d-1200) > 1e-6 {
		t.Fatalf("expected 1200m, got %v", d)
	}
}

func TestDistanceKnownPair(t *testing.T) {
	// Delhi to Mumbai, roughly 1150 km.
	mumbai := model.Coordinate{Lat: 19.0760, Lng: 72.8777}
	d := Distance(delhi, mumbai)
	if d < 1140000 || d > 1160000 {
		t.Fatalf("expected ~1150km, got %v", d)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	other := model.Coordinate{Lat: 28.70, Lng: 77.10}
	if Distance(delhi, other) != Distance(other, delhi) {
		t.Fatal("expected symmetric distance")
	}
}

func TestVerifyAtCenter(t *testing.T) {
	r := Verify(delhi, delhi, 1000, 0.95)
	if !r.OK || r.Reason != "" {
		t.Fatalf("expected ok, got %+v", r)
	}
}

func TestVerifyOutsideRadius(t *testing.T) {
	r := Verify(north(delhi, 1200), delhi, 1000, 0.95)
	if r.OK {
		t.Fatal("expected geofence failure")
	}
	if r.Reason != ReasonGeofence {
		t.Fatalf("expected %s, got %s", ReasonGeofence, r.Reason)
	}
}

func TestVerifyOnBoundary(t *testing.T) {
	r := Verify(north(delhi, 999.999), delhi, 1000, 0.8)
	if !r.OK {
		t.Fatalf("expected ok inside boundary with liveness at threshold, got %+v", r)
	}
}

func TestVerifyLivenessBelowThreshold(t *testing.T) {
	r := Verify(delhi, delhi, 1000, 0.79)
	if r.OK || r.Reason != ReasonLiveness {
		t.Fatalf("expected liveness failure, got %+v", r)
	}
}

func TestVerifyGeofenceTakesPrecedence(t *testing.T) {
	r := Verify(north(delhi, 5000), delhi, 1000, 0.1)
	if r.Reason != ReasonGeofence {
		t.Fatalf("expected geofence reason first, got %s", r.Reason)
	}
}

func TestVerifyZeroRadius(t *testing.T) {
	if r := Verify(delhi, delhi, 0, 0.9); !r.OK {
		t.Fatal("exact point should pass a zero radius")
	}
	if r := Verify(north(delhi, 0.5), delhi, 0, 0.9); r.OK {
		t.Fatal("any offset should fail a zero radius")
	}
}

func TestVerifierCustomThreshold(t *testing.T) {
	v := Verifier{LivenessThreshold: 0.9}
	if r := v.Verify(delhi, delhi, 100, 0.85); r.Reason != ReasonLiveness {
		t.Fatalf("expected liveness failure at 0.85 with 0.9 threshold, got %+v", r)
	}
}

func TestWithinIgnoresLiveness(t *testing.T) {
	if r := Within(north(delhi, 10), delhi, 50); !r.OK {
		t.Fatalf("expected inside, got %+v", r)
	}
	if r := Within(north(delhi, 60), delhi, 50); r.Reason != ReasonGeofence {
		t.Fatalf("expected geofence, got %+v", r)
	}
}

func TestNaNPositionFailsClosed(t *testing.T) {
	nan := model.Coordinate{Lat: math.NaN(), Lng: 0}
	if r := Verify(nan, delhi, 1000, 0.95); r.OK || r.Reason != ReasonGeofence {
		t.Fatalf("NaN position must fail the geofence, got %+v", r)
	}
	if r := Within(nan, delhi, 1000); r.OK || r.Reason != ReasonGeofence {
		t.Fatalf("NaN position must fail the geofence, got %+v", r)
	}
	if r := Verify(delhi, delhi, 1000, math.NaN()); r.OK || r.Reason != ReasonLiveness {
		t.Fatalf("NaN liveness must fail, got %+v", r)
	}
}
