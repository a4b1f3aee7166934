// Package attendance records geofenced, liveness-checked check-ins.
package attendance

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/wardwatch/internal/alert"
	"github.com/ppiankov/wardwatch/internal/clock"
	"github.com/ppiankov/wardwatch/internal/geo"
	"github.com/ppiankov/wardwatch/internal/ledger"
	"github.com/ppiankov/wardwatch/internal/model"
	"github.com/ppiankov/wardwatch/internal/store"
)

const opCheckIn = "checkin"

// CheckInRequest is one attendance attempt.
type CheckInRequest struct {
	WorkerID       string           `json:"employee_id"`
	Position       model.Coordinate `json:"position"`
	FaceScore      float64          `json:"face_score"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// Validate rejects malformed requests before any store access.
func (r CheckInRequest) Validate() error {
	if strings.TrimSpace(r.WorkerID) == "" {
		return model.Validationf("check in", "worker id is required")
	}
	if math.IsNaN(r.FaceScore) || r.FaceScore < 0 || r.FaceScore > 1 {
		return model.Validationf("check in", "face score %v out of range [0,1]", r.FaceScore)
	}
	return r.Position.Validate()
}

// CheckInResult is what the caller sees.
type CheckInResult struct {
	EventID  string        `json:"event_id"`
	Status   model.Outcome `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	NewScore float64       `json:"new_score"`
	Distance float64       `json:"distance_meters"`
	Replayed bool          `json:"replayed,omitempty"`
}

// Config wires optional collaborators.
type Config struct {
	Verifier      geo.Verifier
	RetryAttempts int
	Alerts        *alert.Dispatcher
	Logger        *zap.Logger
	NewID         func() string
}

// Recorder orchestrates check-ins.
type Recorder struct {
	store    store.Store
	ledger   *ledger.Ledger
	clock    clock.Clock
	verifier geo.Verifier
	retries  int
	alerts   *alert.Dispatcher
	log      *zap.Logger
	newID    func() string
}

// New returns a Recorder. A zero Verifier uses the default liveness threshold.
func New(st store.Store, l *ledger.Ledger, clk clock.Clock, cfg Config) *Recorder {
	r := &Recorder{
		store:    st,
		ledger:   l,
		clock:    clk,
		verifier: cfg.Verifier,
		retries:  cfg.RetryAttempts,
		alerts:   cfg.Alerts,
		log:      cfg.Logger,
		newID:    cfg.NewID,
	}
	if r.clock == nil {
		r.clock = clock.System{}
	}
	if r.verifier.LivenessThreshold == 0 {
		r.verifier.LivenessThreshold = geo.LivenessThreshold
	}
	if r.retries <= 0 {
		r.retries = store.DefaultRetryAttempts
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	r.log = r.log.Named("attendance")
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

// CheckIn verifies the position and liveness against the worker's ward,
// applies the ledger delta, and appends the attendance event. The score,
// the attendance count, and the event commit together or not at all.
// A blocked check-in is a result, not an error.
func (r *Recorder) CheckIn(ctx context.Context, req CheckInRequest) (CheckInResult, error) {
	req.WorkerID = strings.TrimSpace(req.WorkerID)
	if err := req.Validate(); err != nil {
		return CheckInResult{}, err
	}
	key := ledger.Key(opCheckIn, req.WorkerID, req.IdempotencyKey)

	var (
		res    CheckInResult
		wardID string
	)
	err := store.WithRetry(ctx, r.retries, func() error {
		res = CheckInResult{}
		w, err := r.store.Worker(ctx, req.WorkerID)
		if err != nil {
			return err
		}
		ward, err := r.store.Ward(ctx, w.WardID)
		if err != nil {
			return err
		}
		wardID = ward.ID

		return r.store.UpdateWorker(ctx, req.WorkerID, func(tx store.Tx, w *model.Worker) error {
			replayed, err := ledger.Replay(tx, key, &res)
			if err != nil {
				return err
			}
			if replayed {
				return store.ErrNoChange
			}
			if w.WardID != ward.ID {
				return &model.Error{Kind: model.ErrConflict, Op: "check in", Msg: "ward changed"}
			}
			if w.Retired {
				return model.Validationf("check in", "worker %q is retired", w.ID)
			}

			check := r.verifier.Verify(req.Position, ward.Center, ward.RadiusMeters, req.FaceScore)
			event, outcome := ledger.CheckInSuccess, model.OutcomeSuccess
			if !check.OK {
				event, outcome = ledger.CheckInBlocked, model.OutcomeBlocked
			}
			score, err := r.ledger.Apply(w, event)
			if err != nil {
				return err
			}
			if outcome == model.OutcomeSuccess {
				w.AttendanceCount++
			}

			ev := model.AttendanceEvent{
				ID:        r.newID(),
				WorkerID:  w.ID,
				Position:  req.Position,
				FaceScore: req.FaceScore,
				Outcome:   outcome,
				Reason:    check.Reason,
				Timestamp: r.clock.Now().UTC(),
			}
			if err := tx.AppendAttendance(ev); err != nil {
				return err
			}
			res = CheckInResult{
				EventID:  ev.ID,
				Status:   outcome,
				Reason:   check.Reason,
				NewScore: score,
				Distance: check.Distance,
			}
			return ledger.Remember(tx, key, res)
		})
	})
	if errors.Is(err, store.ErrNoChange) {
		res.Replayed = true
		return res, nil
	}
	if err != nil {
		return CheckInResult{}, err
	}

	r.log.Info("check-in recorded",
		zap.String("worker_id", req.WorkerID),
		zap.String("ward_id", wardID),
		zap.String("outcome", string(res.Status)),
		zap.String("reason", res.Reason),
		zap.Float64("score", res.NewScore))
	if res.Status == model.OutcomeBlocked {
		r.alerts.Dispatch(alert.AlertEvent{
			Timestamp: r.clock.Now().UTC().Format(time.RFC3339),
			Event:     alert.EventCheckInBlocked,
			WorkerID:  req.WorkerID,
			WardID:    wardID,
			Reason:    res.Reason,
			Score:     res.NewScore,
		})
	}
	return res, nil
}

// History returns the worker's most recent attendance events, newest first.
func (r *Recorder) History(ctx context.Context, workerID string, limit int) ([]model.AttendanceEvent, error) {
	if _, err := r.store.Worker(ctx, workerID); err != nil {
		return nil, err
	}
	return r.store.AttendanceEvents(ctx, workerID, limit)
}
