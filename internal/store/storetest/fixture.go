// Package storetest provides ward and worker fixtures for tests that run
// against a store.Store.
package storetest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/ppiankov/wardwatch/internal/model"
	"github.com/ppiankov/wardwatch/internal/store"
)

// Center is the default ward center.
var Center = model.Coordinate{Lat: 28.6139, Lng: 77.2090}

// Epoch is a fixed reference instant for fake clocks.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// North returns a point the given number of meters due north of c.
func North(c model.Coordinate, meters float64) model.Coordinate {
	return model.Coordinate{Lat: c.Lat + meters/(6371000.0*math.Pi/180), Lng: c.Lng}
}

// Ward returns a 1000 m ward centered offset meters north of Center.
func Ward(id string, offset float64) model.Ward {
	return model.Ward{ID: id, Name: "Ward " + id, Center: North(Center, offset), RadiusMeters: 1000}
}

// Worker returns a field worker in wardID with score 80, last transferred
// daysAgo days before Epoch.
func Worker(id, wardID string, daysAgo int) model.Worker {
	return model.Worker{
		ID:               id,
		Name:             "Worker " + id,
		Role:             model.RoleWorker,
		WardID:           wardID,
		IntegrityScore:   80,
		LastTransferDate: model.TruncateDay(Epoch).AddDate(0, 0, -daysAgo),
	}
}

// Seed inserts wards then workers, failing the test on any error.
func Seed(t testing.TB, st store.Store, wards []model.Ward, workers []model.Worker) {
	t.Helper()
	ctx := context.Background()
	for _, w := range wards {
		if err := st.PutWard(ctx, w); err != nil {
			t.Fatalf("put ward %s: %v", w.ID, err)
		}
	}
	for _, w := range workers {
		if err := st.CreateWorker(ctx, w); err != nil {
			t.Fatalf("create worker %s: %v", w.ID, err)
		}
	}
}

// MustWorker reads a worker, failing the test if it is missing.
func MustWorker(t testing.TB, st store.Store, id string) *model.Worker {
	t.Helper()
	w, err := st.Worker(context.Background(), id)
	if err != nil {
		t.Fatalf("worker %s: %v", id, err)
	}
	return w
}
