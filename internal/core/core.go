// Package core assembles the presence engine services from a loaded
// policy and the long-lived process resources they share.
package core

import (
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/ppiankov/wardwatch/internal/alert"
	"github.com/ppiankov/wardwatch/internal/attendance"
	"github.com/ppiankov/wardwatch/internal/audit"
	"github.com/ppiankov/wardwatch/internal/challenge"
	"github.com/ppiankov/wardwatch/internal/clock"
	"github.com/ppiankov/wardwatch/internal/events"
	"github.com/ppiankov/wardwatch/internal/geo"
	"github.com/ppiankov/wardwatch/internal/ledger"
	"github.com/ppiankov/wardwatch/internal/policy"
	"github.com/ppiankov/wardwatch/internal/registry"
	"github.com/ppiankov/wardwatch/internal/rotation"
	"github.com/ppiankov/wardwatch/internal/store"
)

// Deps are resources that outlive a policy reload.
type Deps struct {
	Store    store.Store
	Clock    clock.Clock
	AuditLog *audit.Log
	Events   *events.Publisher
	Rand     *rand.Rand
	Logger   *zap.Logger
}

// Core is one consistent set of services built from a single policy.
type Core struct {
	Policy     *policy.Config
	PolicyHash string

	Ledger     *ledger.Ledger
	Attendance *attendance.Recorder
	Challenges *challenge.Service
	Rotation   *rotation.Engine
	Registry   *registry.Registry
	Alerts     *alert.Dispatcher
}

// Build wires services for cfg. A nil Rand is seeded from cfg.Rotation.Seed.
func Build(cfg *policy.Config, policyHash string, d Deps) *Core {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Rand == nil {
		d.Rand = rotation.NewRand(cfg.Rotation.Seed)
	}
	if d.AuditLog != nil {
		d.AuditLog.SetPolicyHash(policyHash)
	}

	alerts := alert.NewDispatcher(cfg.Alerts, d.Logger)
	l := ledger.New(cfg.Deltas)

	return &Core{
		Policy:     cfg,
		PolicyHash: policyHash,
		Ledger:     l,
		Attendance: attendance.New(d.Store, l, d.Clock, attendance.Config{
			Verifier:      geo.Verifier{LivenessThreshold: cfg.Geofence.LivenessThreshold},
			RetryAttempts: cfg.Store.RetryAttempts,
			Alerts:        alerts,
			Logger:        d.Logger,
		}),
		Challenges: challenge.New(d.Store, l, d.Clock, challenge.Config{
			Window:        cfg.Challenge.Window,
			RetryAttempts: cfg.Store.RetryAttempts,
			Alerts:        alerts,
			Logger:        d.Logger,
		}),
		Rotation: rotation.New(d.Store, d.Clock, rotation.Config{
			IntervalDays:  cfg.Rotation.IntervalDays,
			Concurrency:   cfg.Rotation.Concurrency,
			RetryAttempts: cfg.Store.RetryAttempts,
			Rand:          d.Rand,
			AuditLog:      d.AuditLog,
			Events:        d.Events,
			Alerts:        alerts,
			Logger:        d.Logger,
		}),
		Registry: registry.New(d.Store),
		Alerts:   alerts,
	}
}
