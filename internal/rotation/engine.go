// Package rotation periodically reassigns long-tenured workers to a
// different ward and seals an audit record for every transfer.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/wardwatch/internal/alert"
	"github.com/ppiankov/wardwatch/internal/audit"
	"github.com/ppiankov/wardwatch/internal/clock"
	"github.com/ppiankov/wardwatch/internal/events"
	"github.com/ppiankov/wardwatch/internal/model"
	"github.com/ppiankov/wardwatch/internal/store"
)

const (
	DefaultIntervalDays = 1095
	DefaultConcurrency  = 4
)

// Skip reasons.
const (
	SkipNoAlternative = "no_alternative_ward"
	SkipNotEligible   = "no_longer_eligible"
)

// Skip is an overdue worker the run did not move.
type Skip struct {
	WorkerID string `json:"worker_id"`
	WardID   string `json:"ward_id"`
	Reason   string `json:"reason"`
}

// Result lists executed transfers and skipped workers, ordered by worker id.
type Result struct {
	Transfers []model.TransferPlan `json:"transfers"`
	Skipped   []Skip               `json:"skipped"`
}

// Payload is the sealed body of a SYSTEM_ROTATION audit record.
type Payload struct {
	WorkerID      string `json:"worker_id"`
	WorkerName    string `json:"worker_name"`
	FromWard      string `json:"from_ward"`
	ToWard        string `json:"to_ward"`
	ExecutionTime string `json:"execution_time"`
}

// Config wires the engine. Zero values pick defaults.
type Config struct {
	IntervalDays  int
	Concurrency   int
	RetryAttempts int
	// Rand draws target wards. Nil seeds a PCG source from system entropy.
	Rand     *rand.Rand
	AuditLog *audit.Log
	Events   *events.Publisher
	Alerts   *alert.Dispatcher
	Logger   *zap.Logger
	NewID    func() string
}

// Engine runs rotation batches.
type Engine struct {
	store       store.Store
	clock       clock.Clock
	interval    int
	concurrency int
	retries     int
	auditLog    *audit.Log
	events      *events.Publisher
	alerts      *alert.Dispatcher
	log         *zap.Logger
	newID       func() string

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewRand returns a PCG-backed generator that is safe to share between
// engines. Seed 0 draws a random seed.
func NewRand(seed uint64) *rand.Rand {
	var src rand.Source
	if seed == 0 {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	} else {
		src = rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	}
	return rand.New(&lockedSource{src: src})
}

type lockedSource struct {
	mu  sync.Mutex
	src rand.Source
}

func (s *lockedSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Uint64()
}

// New returns an Engine.
func New(st store.Store, clk clock.Clock, cfg Config) *Engine {
	e := &Engine{
		store:       st,
		clock:       clk,
		interval:    cfg.IntervalDays,
		concurrency: cfg.Concurrency,
		retries:     cfg.RetryAttempts,
		auditLog:    cfg.AuditLog,
		events:      cfg.Events,
		alerts:      cfg.Alerts,
		log:         cfg.Logger,
		newID:       cfg.NewID,
		rng:         cfg.Rand,
	}
	if e.clock == nil {
		e.clock = clock.System{}
	}
	if e.interval <= 0 {
		e.interval = DefaultIntervalDays
	}
	if e.concurrency <= 0 {
		e.concurrency = DefaultConcurrency
	}
	if e.retries <= 0 {
		e.retries = store.DefaultRetryAttempts
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	e.log = e.log.Named("rotation")
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.rng == nil {
		e.rng = NewRand(0)
	}
	return e
}

// Plan selects overdue workers and draws a target ward for each without
// writing anything. ExecutedAt and SealHash are left empty.
func (e *Engine) Plan(ctx context.Context) ([]model.TransferPlan, []Skip, error) {
	today := model.TruncateDay(e.clock.Now())
	overdue, err := e.store.OverdueWorkers(ctx, today, e.interval)
	if err != nil {
		return nil, nil, err
	}
	if len(overdue) == 0 {
		return nil, nil, nil
	}
	wards, err := e.store.Wards(ctx)
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].ID < overdue[j].ID })

	e.rngMu.Lock()
	defer e.rngMu.Unlock()

	var (
		plans   []model.TransferPlan
		skipped []Skip
	)
	candidates := make([]string, 0, len(wards))
	for _, w := range overdue {
		candidates = candidates[:0]
		for _, ward := range wards {
			if ward.ID != w.WardID {
				candidates = append(candidates, ward.ID)
			}
		}
		if len(candidates) == 0 {
			skipped = append(skipped, Skip{WorkerID: w.ID, WardID: w.WardID, Reason: SkipNoAlternative})
			continue
		}
		plans = append(plans, model.TransferPlan{
			WorkerID:   w.ID,
			FromWardID: w.WardID,
			ToWardID:   candidates[e.rng.IntN(len(candidates))],
		})
	}
	return plans, skipped, nil
}

// ExecuteRotation moves every overdue worker to a different ward. Each
// transfer commits on its own together with its audit record; there is no
// lock across the batch. Cancelling ctx stops new transfers from starting
// and leaves committed ones in place.
func (e *Engine) ExecuteRotation(ctx context.Context) (Result, error) {
	plans, skipped, err := e.Plan(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("plan rotation: %w", err)
	}
	res := Result{Transfers: []model.TransferPlan{}, Skipped: skipped}
	if len(plans) == 0 {
		if res.Skipped == nil {
			res.Skipped = []Skip{}
		}
		return res, nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for _, p := range plans {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			done, err := e.transfer(ctx, p)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, store.ErrNoChange):
				res.Skipped = append(res.Skipped, Skip{WorkerID: p.WorkerID, WardID: p.FromWardID, Reason: SkipNotEligible})
			case err != nil:
				errs = append(errs, fmt.Errorf("transfer %s: %w", p.WorkerID, err))
			default:
				res.Transfers = append(res.Transfers, done)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	sort.Slice(res.Transfers, func(i, j int) bool { return res.Transfers[i].WorkerID < res.Transfers[j].WorkerID })
	sort.Slice(res.Skipped, func(i, j int) bool { return res.Skipped[i].WorkerID < res.Skipped[j].WorkerID })
	if res.Skipped == nil {
		res.Skipped = []Skip{}
	}
	e.log.Info("rotation finished",
		zap.Int("transfers", len(res.Transfers)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("errors", len(errs)))
	return res, errors.Join(errs...)
}

// transfer commits one ward change. It returns store.ErrNoChange when the
// worker is no longer overdue or no longer in the planned ward.
func (e *Engine) transfer(ctx context.Context, p model.TransferPlan) (model.TransferPlan, error) {
	var rec model.AuditRecord
	err := store.WithRetry(ctx, e.retries, func() error {
		return e.store.UpdateWorker(ctx, p.WorkerID, func(tx store.Tx, w *model.Worker) error {
			now := e.clock.Now().UTC()
			today := model.TruncateDay(now)
			if w.WardID != p.FromWardID || w.Role != model.RoleWorker || w.Retired ||
				w.DaysSinceTransfer(today) < e.interval {
				return store.ErrNoChange
			}
			if p.ToWardID == w.WardID {
				return fmt.Errorf("rotation: refusing self-assignment of %s", w.ID)
			}

			var err error
			rec, err = audit.NewRecord(e.newID(), model.ActionRotation, w.ID, Payload{
				WorkerID:      w.ID,
				WorkerName:    w.Name,
				FromWard:      p.FromWardID,
				ToWard:        p.ToWardID,
				ExecutionTime: now.Format(time.RFC3339),
			}, now)
			if err != nil {
				return err
			}
			if err := tx.AppendAudit(rec); err != nil {
				return err
			}
			w.WardID = p.ToWardID
			w.LastTransferDate = today
			return nil
		})
	})
	if err != nil {
		return model.TransferPlan{}, err
	}

	p.ExecutedAt = rec.CreatedAt
	p.SealHash = rec.SealHash
	e.publish(rec, p)
	return p, nil
}

// publish fans a committed transfer out to the audit mirror, the event
// stream, and webhooks. None of these can undo the commit.
func (e *Engine) publish(rec model.AuditRecord, p model.TransferPlan) {
	if e.auditLog != nil {
		if err := e.auditLog.Append(rec); err != nil {
			e.log.Error("audit log append", zap.String("record_id", rec.ID), zap.Error(err))
		}
	}
	e.events.Publish(rec)
	e.alerts.Dispatch(alert.AlertEvent{
		Timestamp: p.ExecutedAt.Format(time.RFC3339),
		Event:     alert.EventRotationTransfer,
		WorkerID:  p.WorkerID,
		WardID:    p.FromWardID,
		ToWardID:  p.ToWardID,
		Seal:      p.SealHash,
	})
	e.log.Info("worker transferred",
		zap.String("worker_id", p.WorkerID),
		zap.String("ward_id", p.FromWardID),
		zap.String("to_ward_id", p.ToWardID),
		zap.String("seal", p.SealHash))
}
