// Package challenge runs the presence challenge ("ping") protocol: one
// outstanding challenge per worker, answered from inside the ward geofence
// within a server-measured window.
package challenge

import (
	"context"
	"errors"
	"fmt"
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

// DefaultWindow is the response window when none is configured.
const DefaultWindow = 10 * time.Minute

// Idempotency scopes.
const (
	opTrigger = "ping_trigger"
	opRespond = "ping_respond"
)

// Config wires optional collaborators. Zero values pick defaults.
type Config struct {
	Window        time.Duration
	RetryAttempts int
	Alerts        *alert.Dispatcher
	Logger        *zap.Logger
	NewID         func() string
}

// Service is the challenge state machine over the record store.
type Service struct {
	store   store.Store
	ledger  *ledger.Ledger
	clock   clock.Clock
	window  time.Duration
	retries int
	alerts  *alert.Dispatcher
	log     *zap.Logger
	newID   func() string
}

// New returns a Service.
func New(st store.Store, l *ledger.Ledger, clk clock.Clock, cfg Config) *Service {
	s := &Service{
		store:   st,
		ledger:  l,
		clock:   clk,
		window:  cfg.Window,
		retries: cfg.RetryAttempts,
		alerts:  cfg.Alerts,
		log:     cfg.Logger,
		newID:   cfg.NewID,
	}
	if s.clock == nil {
		s.clock = clock.System{}
	}
	if s.window <= 0 {
		s.window = DefaultWindow
	}
	if s.retries <= 0 {
		s.retries = store.DefaultRetryAttempts
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named("challenge")
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Window returns the configured response window.
func (s *Service) Window() time.Duration { return s.window }

// TriggerResult describes a newly issued challenge.
type TriggerResult struct {
	ChallengeID string    `json:"challenge_id"`
	WorkerID    string    `json:"worker_id"`
	SentAt      time.Time `json:"sent_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Replayed    bool      `json:"replayed,omitempty"`
}

// Trigger issues a PENDING challenge to workerID. A pending challenge whose
// window has already passed is first resolved FAILED/TIMEOUT; a live one
// makes Trigger fail with ErrChallengePending.
func (s *Service) Trigger(ctx context.Context, workerID, idempotencyKey string) (TriggerResult, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return TriggerResult{}, model.Validationf("trigger challenge", "worker id is required")
	}
	key := ledger.Key(opTrigger, workerID, idempotencyKey)

	var (
		res     TriggerResult
		expired *resolution
	)
	err := store.WithRetry(ctx, s.retries, func() error {
		res, expired = TriggerResult{}, nil
		return s.store.UpdateWorker(ctx, workerID, func(tx store.Tx, w *model.Worker) error {
			replayed, err := ledger.Replay(tx, key, &res)
			if err != nil {
				return err
			}
			if replayed {
				return store.ErrNoChange
			}
			if w.Retired {
				return model.Validationf("trigger challenge", "worker %q is retired", workerID)
			}
			now := s.clock.Now()

			pending, err := tx.PendingChallenge(workerID)
			if err != nil {
				return err
			}
			if pending != nil {
				if !pending.Expired(now, s.window) {
					return &model.Error{
						Kind: model.ErrChallengePending,
						Op:   "trigger challenge",
						Msg:  fmt.Sprintf("challenge %s expires at %s", pending.ID, pending.SentAt.Add(s.window).Format(time.RFC3339)),
					}
				}
				r, err := s.expireStaged(tx, w, pending, now)
				if err != nil {
					return err
				}
				expired = &r
			}

			c := model.NewChallenge(s.newID(), workerID, now)
			if err := tx.PutChallenge(c); err != nil {
				return err
			}
			w.PingActive = true

			res = TriggerResult{
				ChallengeID: c.ID,
				WorkerID:    workerID,
				SentAt:      c.SentAt,
				ExpiresAt:   c.SentAt.Add(s.window),
			}
			return ledger.Remember(tx, key, res)
		})
	})
	if errors.Is(err, store.ErrNoChange) {
		res.Replayed = true
		return res, nil
	}
	if err != nil {
		return TriggerResult{}, err
	}

	if expired != nil {
		s.report(*expired)
	}
	s.log.Info("challenge issued",
		zap.String("worker_id", workerID),
		zap.String("challenge_id", res.ChallengeID),
		zap.Time("expires_at", res.ExpiresAt))
	return res, nil
}

// RespondRequest is a worker's answer to the pending challenge.
type RespondRequest struct {
	WorkerID       string           `json:"employee_id"`
	Position       model.Coordinate `json:"position"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// RespondResult reports how the challenge resolved.
type RespondResult struct {
	ChallengeID string                `json:"challenge_id"`
	Status      model.ChallengeStatus `json:"status"`
	Reason      model.FailReason      `json:"reason,omitempty"`
	NewScore    float64               `json:"new_score"`
	Distance    float64               `json:"distance_meters"`
	Replayed    bool                  `json:"replayed,omitempty"`
}

// Respond resolves the worker's pending challenge. A response after the
// window fails with TIMEOUT whatever the position; an in-window response
// outside the geofence fails with GEOFENCE. When the server already timed
// the challenge out, the first response after that is still answered with
// TIMEOUT and no further score change.
func (s *Service) Respond(ctx context.Context, req RespondRequest) (RespondResult, error) {
	req.WorkerID = strings.TrimSpace(req.WorkerID)
	if req.WorkerID == "" {
		return RespondResult{}, model.Validationf("respond challenge", "worker id is required")
	}
	if err := req.Position.Validate(); err != nil {
		return RespondResult{}, err
	}
	key := ledger.Key(opRespond, req.WorkerID, req.IdempotencyKey)

	var (
		res RespondResult
		out resolution
	)
	err := store.WithRetry(ctx, s.retries, func() error {
		res, out = RespondResult{}, resolution{}
		ward, wardID, err := s.wardOf(ctx, req.WorkerID)
		if err != nil {
			return err
		}
		return s.store.UpdateWorker(ctx, req.WorkerID, func(tx store.Tx, w *model.Worker) error {
			replayed, err := ledger.Replay(tx, key, &res)
			if err != nil {
				return err
			}
			if replayed {
				return store.ErrNoChange
			}
			if w.WardID != wardID {
				return &model.Error{Kind: model.ErrConflict, Op: "respond challenge", Msg: "ward changed"}
			}
			now := s.clock.Now()

			check := geo.Within(req.Position, ward.Center, ward.RadiusMeters)
			pending, err := tx.PendingChallenge(req.WorkerID)
			if err != nil {
				return err
			}
			if pending == nil {
				late, err := s.answerTimedOut(tx, req.WorkerID, now)
				if err != nil {
					return err
				}
				res = RespondResult{
					ChallengeID: late.ID,
					Status:      late.Status,
					Reason:      late.FailReason,
					NewScore:    w.IntegrityScore,
					Distance:    check.Distance,
				}
				return ledger.Remember(tx, key, res)
			}

			reason := model.FailNone
			switch {
			case pending.Expired(now, s.window):
				reason = model.FailTimeout
			case !check.OK:
				reason = model.FailGeofence
			}

			out, err = s.resolve(tx, w, pending, reason, now)
			if err != nil {
				return err
			}
			res = RespondResult{
				ChallengeID: pending.ID,
				Status:      out.challenge.Status,
				Reason:      reason,
				NewScore:    w.IntegrityScore,
				Distance:    check.Distance,
			}
			return ledger.Remember(tx, key, res)
		})
	})
	if errors.Is(err, store.ErrNoChange) {
		res.Replayed = true
		return res, nil
	}
	if err != nil {
		return RespondResult{}, err
	}

	if out.challenge.ID == "" {
		s.log.Info("late answer to timed-out challenge",
			zap.String("worker_id", req.WorkerID),
			zap.String("challenge_id", res.ChallengeID),
			zap.Float64("score", res.NewScore))
		return res, nil
	}
	s.report(out)
	return res, nil
}

// Active is the server's view of a worker's outstanding challenge.
type Active struct {
	Challenge *model.Challenge `json:"challenge,omitempty"`
	Remaining time.Duration    `json:"-"`
	// RemainingSeconds is the server-computed time left, for display only.
	RemainingSeconds int64 `json:"remaining_seconds"`
}

// Pending reports whether a challenge is outstanding.
func (a Active) Pending() bool { return a.Challenge != nil }

// Active returns the worker's pending challenge and its remaining time.
// A pending challenge whose window has passed is resolved first and
// reported as absent.
func (s *Service) Active(ctx context.Context, workerID string) (Active, error) {
	if _, err := s.store.Worker(ctx, workerID); err != nil {
		return Active{}, err
	}
	c, err := s.store.PendingChallenge(ctx, workerID)
	if err != nil || c == nil {
		return Active{}, err
	}
	now := s.clock.Now()
	if c.Expired(now, s.window) {
		if _, err := s.expire(ctx, workerID, c.ID); err != nil {
			return Active{}, err
		}
		return Active{}, nil
	}
	left := c.Remaining(now, s.window)
	return Active{Challenge: c, Remaining: left, RemainingSeconds: int64(left / time.Second)}, nil
}

// SweepExpired resolves every pending challenge whose window has passed
// and returns how many it resolved. Failures on one worker do not stop
// the sweep.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.window)
	expired, err := s.store.ExpiredChallenges(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, c := range expired {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := s.expire(ctx, c.WorkerID, c.ID)
		if err != nil {
			s.log.Warn("expire challenge", zap.String("worker_id", c.WorkerID), zap.String("challenge_id", c.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("expire %s: %w", c.ID, err))
			continue
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		s.log.Info("expired challenges resolved", zap.Int("count", n))
	}
	return n, errors.Join(errs...)
}

// expire resolves challengeID as FAILED/TIMEOUT if it is still the
// worker's pending challenge and its window has passed.
func (s *Service) expire(ctx context.Context, workerID, challengeID string) (bool, error) {
	var out resolution
	err := store.WithRetry(ctx, s.retries, func() error {
		return s.store.UpdateWorker(ctx, workerID, func(tx store.Tx, w *model.Worker) error {
			now := s.clock.Now()
			pending, err := tx.PendingChallenge(workerID)
			if err != nil {
				return err
			}
			if pending == nil || pending.ID != challengeID || !pending.Expired(now, s.window) {
				return store.ErrNoChange
			}
			out, err = s.expireStaged(tx, w, pending, now)
			return err
		})
	})
	if errors.Is(err, store.ErrNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.report(out)
	return true, nil
}

// resolution is a committed terminal transition, kept for post-commit
// logging and alerts.
type resolution struct {
	challenge model.Challenge
	wardID    string
	score     float64
	at        time.Time
}

// resolve moves c to its terminal state and applies the matching ledger
// delta, all staged in tx.
func (s *Service) resolve(tx store.Tx, w *model.Worker, c *model.Challenge, reason model.FailReason, now time.Time) (resolution, error) {
	done := *c
	if err := done.Resolve(reason, now); err != nil {
		return resolution{}, err
	}
	return s.settle(tx, w, done, now)
}

func (s *Service) settle(tx store.Tx, w *model.Worker, done model.Challenge, now time.Time) (resolution, error) {
	if err := tx.PutChallenge(done); err != nil {
		return resolution{}, err
	}
	event := ledger.ChallengeSuccess
	if done.Status == model.ChallengeFailed {
		event = ledger.ChallengeFailed
	}
	score, err := s.ledger.Apply(w, event)
	if err != nil {
		return resolution{}, err
	}
	w.PingActive = false
	return resolution{challenge: done, wardID: w.WardID, score: score, at: now}, nil
}

// expireStaged times out c on the server's side. No response is recorded.
func (s *Service) expireStaged(tx store.Tx, w *model.Worker, c *model.Challenge, now time.Time) (resolution, error) {
	done := *c
	if err := done.Expire(); err != nil {
		return resolution{}, err
	}
	return s.settle(tx, w, done, now)
}

// answerTimedOut records a response to the worker's most recent challenge
// when the server timed it out before the worker answered.
func (s *Service) answerTimedOut(tx store.Tx, workerID string, now time.Time) (*model.Challenge, error) {
	latest, err := tx.LatestChallenge(workerID)
	if err != nil {
		return nil, err
	}
	if latest == nil || !latest.AwaitingLateAnswer() {
		return nil, &model.Error{Kind: model.ErrNoActiveChallenge, Op: "respond challenge", Msg: workerID}
	}
	if err := tx.RecordLateAnswer(latest.ID, now); err != nil {
		return nil, err
	}
	return latest, nil
}

func (s *Service) report(r resolution) {
	c := r.challenge
	if c.ID == "" {
		return
	}
	s.log.Info("challenge resolved",
		zap.String("worker_id", c.WorkerID),
		zap.String("challenge_id", c.ID),
		zap.String("outcome", string(c.Status)),
		zap.String("reason", string(c.FailReason)),
		zap.Float64("score", r.score))
	if c.Status != model.ChallengeFailed {
		return
	}
	s.alerts.Dispatch(alert.AlertEvent{
		Timestamp: r.at.Format(time.RFC3339),
		Event:     alert.EventChallengeFailed,
		WorkerID:  c.WorkerID,
		WardID:    r.wardID,
		Reason:    string(c.FailReason),
		Score:     r.score,
	})
}

func (s *Service) wardOf(ctx context.Context, workerID string) (*model.Ward, string, error) {
	w, err := s.store.Worker(ctx, workerID)
	if err != nil {
		return nil, "", err
	}
	ward, err := s.store.Ward(ctx, w.WardID)
	if err != nil {
		return nil, "", err
	}
	return ward, w.WardID, nil
}
