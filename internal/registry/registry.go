// Package registry serves supervisor read models: the worker listing,
// workforce totals, and a single worker's profile.
package registry

import (
	"context"
	"strings"
	"time"

	"github.com/ppiankov/wardwatch/internal/model"
	"github.com/ppiankov/wardwatch/internal/store"
)

// MaxLimit caps a single listing page.
const MaxLimit = 100

// Registry reads through the record store. It never writes.
type Registry struct {
	store store.Store
}

// New returns a Registry over st.
func New(st store.Store) *Registry {
	return &Registry{store: st}
}

// List returns field workers whose name or ward name contains search
// (case-insensitive), highest score first.
func (r *Registry) List(ctx context.Context, search string, limit, offset int) ([]store.WorkerRow, error) {
	if limit < 0 || offset < 0 {
		return nil, model.Validationf("list workers", "limit and offset must not be negative")
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	rows, err := r.store.ListWorkers(ctx, store.WorkerQuery{
		Search: strings.TrimSpace(search),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []store.WorkerRow{}
	}
	return rows, nil
}

// Stats returns workforce totals.
func (r *Registry) Stats(ctx context.Context) (store.Stats, error) {
	return r.store.Stats(ctx)
}

// Detail is a worker's profile as shown to supervisors and the worker.
type Detail struct {
	Worker model.Worker `json:"worker"`
	Ward   *model.Ward  `json:"ward,omitempty"`
	// PingStartedAt is the server-stored send time of the pending challenge.
	PingStartedAt *time.Time              `json:"ping_started_at,omitempty"`
	Recent        []model.AttendanceEvent `json:"recent_attendance"`
}

// RecentAttendance bounds Detail.Recent.
const RecentAttendance = 10

// Detail returns the worker with its ward and pending challenge start.
func (r *Registry) Detail(ctx context.Context, id string) (Detail, error) {
	w, err := r.store.Worker(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	d := Detail{Worker: *w}

	if ward, err := r.store.Ward(ctx, w.WardID); err == nil {
		d.Ward = ward
	} else if !model.IsNotFound(err) {
		return Detail{}, err
	}

	c, err := r.store.PendingChallenge(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	if c != nil {
		sent := c.SentAt
		d.PingStartedAt = &sent
	}

	d.Recent, err = r.store.AttendanceEvents(ctx, id, RecentAttendance)
	if err != nil {
		return Detail{}, err
	}
	if d.Recent == nil {
		d.Recent = []model.AttendanceEvent{}
	}
	return d, nil
}
