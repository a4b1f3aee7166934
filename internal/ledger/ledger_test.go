package ledger

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/ppiankov/wardwatch/internal/model"
	"github.com/ppiankov/wardwatch/internal/store"
)

func TestAdjustClampsAtZero(t *testing.T) {
	if got := Adjust(0, -1.5); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestAdjustClampsAtHundred(t *testing.T) {
	if got := Adjust(100, 0.1); got != 100 {
		t.Fatalf("expected 100, got %v", got)
	}
}

func TestAdjustInRange(t *testing.T) {
	got := Adjust(50, 0.5)
	if math.Abs(got-50.5) > 1e-9 {
		t.Fatalf("expected 50.5, got %v", got)
	}
}

func TestClampNaN(t *testing.T) {
	if got := Clamp(math.NaN()); got != 0 {
		t.Fatalf("expected NaN to clamp to 0, got %v", got)
	}
}

func TestScoreStaysBoundedOverRandomSequences(t *testing.T) {
	d := DefaultDeltas()
	events := []Event{CheckInSuccess, CheckInBlocked, ChallengeSuccess, ChallengeFailed}
	for seed := uint64(0); seed < 200; seed++ {
		r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		score := r.Float64() * 100
		for i := 0; i < 500; i++ {
			delta, err := d.For(events[r.IntN(len(events))])
			if err != nil {
				t.Fatal(err)
			}
			score = Adjust(score, delta*float64(1+r.IntN(50)))
			if score < 0 || score > 100 {
				t.Fatalf("seed %d step %d: score %v out of bounds", seed, i, score)
			}
		}
	}
}

func TestDefaultDeltasMatchReference(t *testing.T) {
	d := DefaultDeltas()
	if d.CheckInSuccess != 0.1 || d.CheckInBlocked != -1.5 || d.ChallengeSuccess != 0.5 || d.ChallengeFailed != -2.0 {
		t.Fatalf("unexpected defaults: %+v", d)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidateRejectsWeakPenalty(t *testing.T) {
	d := DefaultDeltas()
	d.ChallengeSuccess = 0.8 // 2.0/0.8 = 2.5 < 3
	if err := d.Validate(); err == nil {
		t.Fatal("expected ratio violation")
	}
}

func TestValidateRejectsPenaltyOutsideBand(t *testing.T) {
	for _, p := range []float64{-1.9, -3.0} {
		d := DefaultDeltas()
		d.ChallengeFailed = p
		if err := d.Validate(); err == nil {
			t.Fatalf("expected band violation for %v", p)
		}
	}
}

func TestValidateRejectsWrongSigns(t *testing.T) {
	d := DefaultDeltas()
	d.CheckInBlocked = 1.5
	if err := d.Validate(); err == nil {
		t.Fatal("expected sign violation")
	}
}

func TestForUnknownEvent(t *testing.T) {
	if _, err := DefaultDeltas().For("bogus"); err == nil {
		t.Fatal("expected error for unknown event")
	}
}

func TestApplyMutatesWorker(t *testing.T) {
	l := New(DefaultDeltas())
	w := &model.Worker{IntegrityScore: 99.95}
	got, err := l.Apply(w, CheckInSuccess)
	if err != nil {
		t.Fatal(err)
	}
	if got != 100 || w.IntegrityScore != 100 {
		t.Fatalf("expected clamp to 100, got %v / %v", got, w.IntegrityScore)
	}
}

func TestReplayDetectsSeenKey(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	s.PutWard(ctx, model.Ward{ID: "w1", Name: "Ward 1", RadiusMeters: 100})
	s.CreateWorker(ctx, model.Worker{ID: "e1", Role: model.RoleWorker, WardID: "w1", IntegrityScore: 50, LastTransferDate: time.Now()})

	l := New(DefaultDeltas())
	key := Key("test", "e1", "req-1")

	apply := func() (float64, error) {
		var score float64
		err := s.UpdateWorker(ctx, "e1", func(tx store.Tx, w *model.Worker) error {
			if seen, err := Replay(tx, key, &score); err != nil || seen {
				return err
			}
			var err error
			score, err = l.Apply(w, ChallengeFailed)
			if err != nil {
				return err
			}
			return Remember(tx, key, score)
		})
		return score, err
	}

	first, err := apply()
	if err != nil {
		t.Fatal(err)
	}
	second, err := apply()
	if err != nil {
		t.Fatal(err)
	}
	if first != 48 || second != 48 {
		t.Fatalf("expected both calls to report 48, got %v and %v", first, second)
	}
	w, _ := s.Worker(ctx, "e1")
	if w.IntegrityScore != 48 {
		t.Fatalf("expected single application, score=%v", w.IntegrityScore)
	}
}

func TestKeyEmptyDisablesIdempotency(t *testing.T) {
	if Key("checkin", "e1", "") != "" {
		t.Fatal("expected empty key when no request key supplied")
	}
	if Key("checkin", "e1", "abc") != "checkin:e1:abc" {
		t.Fatal("unexpected scoped key")
	}
}
