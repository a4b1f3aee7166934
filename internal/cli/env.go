package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/ppiankov/wardwatch/internal/audit"
	"github.com/ppiankov/wardwatch/internal/core"
	"github.com/ppiankov/wardwatch/internal/events"
	"github.com/ppiankov/wardwatch/internal/logging"
	"github.com/ppiankov/wardwatch/internal/policy"
	"github.com/ppiankov/wardwatch/internal/store"
)

const memoryStore = "memory"

// env holds the process resources a command works against.
type env struct {
	policy     *policy.Config
	policyHash string
	log        *zap.Logger
	deps       core.Deps
	svc        *core.Core

	stopEvents context.CancelFunc
	eventsDone sync.WaitGroup
}

// openEnv loads the policy and opens the store, audit log, and event
// publisher named by the global flags.
func openEnv() (*env, error) {
	log, err := logging.New(logLevel, logFormat)
	if err != nil {
		return nil, err
	}
	cfg, hash, err := policy.LoadConfigWithHash(policyFlag)
	if err != nil {
		return nil, err
	}

	st, err := openStore(storeFlag, cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	e := &env{
		policy:     cfg,
		policyHash: hash,
		log:        log,
		deps:       core.Deps{Store: st, Logger: log},
	}

	logPath := auditLogFlag
	if logPath == "" {
		logPath = cfg.Audit.LogPath
	}
	if logPath != "" {
		al, err := audit.Open(logPath)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.deps.AuditLog = al
	}

	pub, err := events.NewPublisher(cfg.Kafka, log)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("event publisher: %w", err)
	}
	e.deps.Events = pub
	return e, nil
}

func openStore(flag, configured string) (store.Store, error) {
	path := flag
	if path == "" {
		path = configured
	}
	if path == "" {
		dir, err := policy.DefaultDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		path = filepath.Join(dir, "wardwatch.db")
	}
	if path == memoryStore {
		return store.NewMemory(), nil
	}
	return store.OpenSQLite(path)
}

// services builds the engine services for the loaded policy once.
func (e *env) services() *core.Core {
	if e.svc == nil {
		e.svc = core.Build(e.policy, e.policyHash, e.deps)
	}
	return e.svc
}

// startEvents runs the publisher in the background for one-shot commands.
// Close drains it.
func (e *env) startEvents() {
	if e.deps.Events == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.stopEvents = cancel
	e.eventsDone.Add(1)
	go func() {
		defer e.eventsDone.Done()
		if err := e.deps.Events.Run(ctx); err != nil {
			e.log.Warn("event publisher stopped", zap.Error(err))
		}
	}()
}

// Close releases everything openEnv acquired.
func (e *env) Close() error {
	if e.svc != nil {
		e.svc.Alerts.Wait()
	}
	if e.stopEvents != nil {
		e.stopEvents()
		e.eventsDone.Wait()
	}
	var errs []error
	if e.deps.AuditLog != nil {
		errs = append(errs, e.deps.AuditLog.Close())
	}
	if e.deps.Store != nil {
		errs = append(errs, e.deps.Store.Close())
	}
	_ = e.log.Sync()
	return errors.Join(errs...)
}
