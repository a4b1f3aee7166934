package attendance

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/ppiankov/wardwatch/internal/clock"
	"github.com/ppiankov/wardwatch/internal/geo"
	"github.com/ppiankov/wardwatch/internal/ledger"
	"github.com/ppiankov/wardwatch/internal/model"
	"github.com/ppiankov/wardwatch/internal/store"
	"github.com/ppiankov/wardwatch/internal/store/storetest"
)

func newRecorder(t *testing.T) (*Recorder, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	storetest.Seed(t, st,
		[]model.Ward{storetest.Ward("w1", 0)},
		[]model.Worker{storetest.Worker("e1", "w1", 10)},
	)
	return New(st, ledger.New(ledger.DefaultDeltas()), clock.NewFake(storetest.Epoch), Config{}), st
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// Worker at the ward center with a live capture checks in.
func TestCheckInAtCenterSucceeds(t *testing.T) {
	r, st := newRecorder(t)
	res, err := r.CheckIn(context.Background(), CheckInRequest{WorkerID: "e1", Position: storetest.Center, FaceScore: 0.95})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.OutcomeSuccess || res.Reason != "" {
		t.Fatalf("expected SUCCESS, got %+v", res)
	}
	if !near(res.NewScore, 80.1) {
		t.Errorf("expected 80.1, got %v", res.NewScore)
	}
	w := storetest.MustWorker(t, st, "e1")
	if w.AttendanceCount != 1 {
		t.Errorf("expected attendance count 1, got %d", w.AttendanceCount)
	}
	evs, _ := st.AttendanceEvents(context.Background(), "e1", 0)
	if len(evs) != 1 || evs[0].Outcome != model.OutcomeSuccess || evs[0].ID != res.EventID {
		t.Fatalf("expected one SUCCESS event, got %+v", evs)
	}
}

// 1200 m from the center of a 1000 m ward is blocked.
func TestCheckInOutsideGeofenceBlocked(t *testing.T) {
	r, st := newRecorder(t)
	res, err := r.CheckIn(context.Background(), CheckInRequest{
		WorkerID:  "e1",
		Position:  storetest.North(storetest.Center, 1200),
		FaceScore: 0.95,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.OutcomeBlocked || res.Reason != geo.ReasonGeofence {
		t.Fatalf("expected BLOCKED/%s, got %+v", geo.ReasonGeofence, res)
	}
	if !near(res.NewScore, 78.5) {
		t.Errorf("expected 78.5, got %v", res.NewScore)
	}
	if math.Abs(res.Distance-1200) > 1e-6 {
		t.Errorf("expected distance 1200, got %v", res.Distance)
	}
	w := storetest.MustWorker(t, st, "e1")
	if w.AttendanceCount != 0 {
		t.Errorf("blocked check-in must not count, got %d", w.AttendanceCount)
	}
	evs, _ := st.AttendanceEvents(context.Background(), "e1", 0)
	if len(evs) != 1 || evs[0].Outcome != model.OutcomeBlocked {
		t.Fatalf("blocked attempts are still logged, got %+v", evs)
	}
}

func TestCheckInLowLivenessBlocked(t *testing.T) {
	r, _ := newRecorder(t)
	res, err := r.CheckIn(context.Background(), CheckInRequest{WorkerID: "e1", Position: storetest.Center, FaceScore: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != geo.ReasonLiveness {
		t.Fatalf("expected %s, got %+v", geo.ReasonLiveness, res)
	}
}

func TestCheckInConfiguredThreshold(t *testing.T) {
	st := store.NewMemory()
	storetest.Seed(t, st, []model.Ward{storetest.Ward("w1", 0)}, []model.Worker{storetest.Worker("e1", "w1", 0)})
	r := New(st, ledger.New(ledger.DefaultDeltas()), nil, Config{Verifier: geo.Verifier{LivenessThreshold: 0.5}})

	res, err := r.CheckIn(context.Background(), CheckInRequest{WorkerID: "e1", Position: storetest.Center, FaceScore: 0.6})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.OutcomeSuccess {
		t.Fatalf("0.6 passes a 0.5 threshold, got %+v", res)
	}
}

func TestCheckInValidation(t *testing.T) {
	r, st := newRecorder(t)
	bad := []CheckInRequest{
		{WorkerID: "", Position: storetest.Center, FaceScore: 0.9},
		{WorkerID: "e1", Position: storetest.Center, FaceScore: 1.2},
		{WorkerID: "e1", Position: storetest.Center, FaceScore: -0.1},
		{WorkerID: "e1", Position: storetest.Center, FaceScore: math.NaN()},
		{WorkerID: "e1", Position: model.Coordinate{Lat: 10, Lng: 181}, FaceScore: 0.9},
		{WorkerID: "e1", Position: model.Coordinate{Lat: math.NaN(), Lng: 0}, FaceScore: 0.95},
		{WorkerID: "e1", Position: model.Coordinate{Lat: 28.6, Lng: math.Inf(1)}, FaceScore: 0.95},
	}
	for _, req := range bad {
		if _, err := r.CheckIn(context.Background(), req); !errors.Is(err, model.ErrValidation) {
			t.Errorf("%+v: expected ErrValidation, got %v", req, err)
		}
	}
	if evs, _ := st.AttendanceEvents(context.Background(), "e1", 0); len(evs) != 0 {
		t.Fatalf("invalid requests must not write, got %d events", len(evs))
	}
	w := storetest.MustWorker(t, st, "e1")
	if w.IntegrityScore != 80 || w.AttendanceCount != 0 {
		t.Fatalf("invalid requests must not touch the worker, got %+v", w)
	}
}

func TestCheckInUnknownWorker(t *testing.T) {
	r, _ := newRecorder(t)
	_, err := r.CheckIn(context.Background(), CheckInRequest{WorkerID: "ghost", Position: storetest.Center, FaceScore: 0.9})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckInAtomicOnStorageFailure(t *testing.T) {
	r, st := newRecorder(t)
	st.CommitHook = func() error { return errors.New("write failed") }

	_, err := r.CheckIn(context.Background(), CheckInRequest{WorkerID: "e1", Position: storetest.Center, FaceScore: 0.95})
	if !errors.Is(err, model.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	st.CommitHook = nil

	w := storetest.MustWorker(t, st, "e1")
	if w.IntegrityScore != 80 || w.AttendanceCount != 0 {
		t.Errorf("worker must be untouched, got score %v count %d", w.IntegrityScore, w.AttendanceCount)
	}
	if evs, _ := st.AttendanceEvents(context.Background(), "e1", 0); len(evs) != 0 {
		t.Errorf("no event may be logged, got %d", len(evs))
	}
}

func TestConcurrentCheckInsAllCounted(t *testing.T) {
	r, st := newRecorder(t)
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.CheckIn(context.Background(), CheckInRequest{WorkerID: "e1", Position: storetest.Center, FaceScore: 0.9}); err != nil {
				t.Errorf("check in: %v", err)
			}
		}()
	}
	wg.Wait()

	w := storetest.MustWorker(t, st, "e1")
	if w.AttendanceCount != n {
		t.Errorf("expected %d check-ins counted, got %d", n, w.AttendanceCount)
	}
	want := 80.0
	for i := 0; i < n; i++ {
		want = ledger.Adjust(want, 0.1)
	}
	if !near(w.IntegrityScore, want) {
		t.Errorf("expected score %v, got %v", want, w.IntegrityScore)
	}
}

func TestCheckInReplay(t *testing.T) {
	r, st := newRecorder(t)
	req := CheckInRequest{WorkerID: "e1", Position: storetest.North(storetest.Center, 1200), FaceScore: 0.9, IdempotencyKey: "dev-42"}

	first, err := r.CheckIn(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		again, err := r.CheckIn(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if !again.Replayed || again.EventID != first.EventID || again.NewScore != first.NewScore {
			t.Fatalf("expected cached first result, got %+v", again)
		}
	}
	if w := storetest.MustWorker(t, st, "e1"); !near(w.IntegrityScore, 78.5) {
		t.Errorf("replays must not double-apply, got %v", w.IntegrityScore)
	}
	if evs, _ := st.AttendanceEvents(context.Background(), "e1", 0); len(evs) != 1 {
		t.Errorf("expected one event, got %d", len(evs))
	}

	req.IdempotencyKey = "dev-43"
	if res, _ := r.CheckIn(context.Background(), req); res.Replayed {
		t.Error("a new key is a new check-in")
	}
}

func TestScoreFloorsAtZero(t *testing.T) {
	st := store.NewMemory()
	low := storetest.Worker("e1", "w1", 0)
	low.IntegrityScore = 1
	storetest.Seed(t, st, []model.Ward{storetest.Ward("w1", 0)}, []model.Worker{low})
	r := New(st, ledger.New(ledger.DefaultDeltas()), nil, Config{})

	res, err := r.CheckIn(context.Background(), CheckInRequest{WorkerID: "e1", Position: storetest.North(storetest.Center, 5000), FaceScore: 0.9})
	if err != nil {
		t.Fatal(err)
	}
	if res.NewScore != 0 {
		t.Fatalf("expected clamp to 0, got %v", res.NewScore)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	r, _ := newRecorder(t)
	for _, fs := range []float64{0.9, 0.1, 0.95} {
		if _, err := r.CheckIn(context.Background(), CheckInRequest{WorkerID: "e1", Position: storetest.Center, FaceScore: fs}); err != nil {
			t.Fatal(err)
		}
	}
	evs, err := r.History(context.Background(), "e1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].FaceScore != 0.95 || evs[1].Outcome != model.OutcomeBlocked {
		t.Fatalf("unexpected history %+v", evs)
	}
}
