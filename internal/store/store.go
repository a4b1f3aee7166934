package store

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/ppiankov/wardwatch/internal/model"
)

// Tx is the write surface available while a worker record is held.
// Everything staged through it commits together with the worker update,
// or not at all.
type Tx interface {
	AppendAttendance(ev model.AttendanceEvent) error
	AppendAudit(rec model.AuditRecord) error
	PutChallenge(c model.Challenge) error
	PendingChallenge(workerID string) (*model.Challenge, error)
	// LatestChallenge returns the worker's most recently issued challenge,
	// or nil if none was ever issued.
	LatestChallenge(workerID string) (*model.Challenge, error)
	// RecordLateAnswer stamps the response time on a challenge the server
	// already timed out. Status and reason stay as they are; a challenge
	// that is not awaiting a late answer yields ErrChallengeResolved.
	RecordLateAnswer(challengeID string, at time.Time) error
	IdempotentResult(key string) ([]byte, bool, error)
	SaveIdempotentResult(key string, result []byte) error
}

// WorkerFunc mutates w in place. Returning an error rolls back everything
// staged through tx and leaves the worker untouched.
type WorkerFunc func(tx Tx, w *model.Worker) error

// ErrNoChange, returned from a WorkerFunc, discards the transaction without
// touching the worker. UpdateWorker passes it back to the caller unchanged.
var ErrNoChange = errors.New("no change")

// WorkerQuery filters the supervisor registry listing.
type WorkerQuery struct {
	Search string
	Limit  int
	Offset int
}

// WorkerRow is a registry listing entry.
type WorkerRow struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	IntegrityScore  float64 `json:"integrity_score"`
	AttendanceCount int64   `json:"attendance_count"`
	PingActive      bool    `json:"ping_active"`
	WardName        string  `json:"ward_name"`
}

// Stats summarizes the workforce for supervisors.
type Stats struct {
	TotalWorkforce   int `json:"total_workforce"`
	AwaitingResponse int `json:"awaiting_response"`
}

// Store is the record store consumed by the presence engine.
type Store interface {
	Worker(ctx context.Context, id string) (*model.Worker, error)
	Ward(ctx context.Context, id string) (*model.Ward, error)
	Wards(ctx context.Context) ([]model.Ward, error)

	// UpdateWorker runs fn with exclusive write access to one worker.
	// Writers on different workers never block each other.
	UpdateWorker(ctx context.Context, id string, fn WorkerFunc) error

	// OverdueWorkers returns active field workers whose last transfer is at
	// least minDays before today.
	OverdueWorkers(ctx context.Context, today time.Time, minDays int) ([]model.Worker, error)

	PendingChallenge(ctx context.Context, workerID string) (*model.Challenge, error)
	// ExpiredChallenges returns PENDING challenges sent strictly before cutoff.
	ExpiredChallenges(ctx context.Context, cutoff time.Time) ([]model.Challenge, error)
	Challenge(ctx context.Context, id string) (*model.Challenge, error)

	AuditRecords(ctx context.Context, subjectID string) ([]model.AuditRecord, error)
	AttendanceEvents(ctx context.Context, workerID string, limit int) ([]model.AttendanceEvent, error)

	ListWorkers(ctx context.Context, q WorkerQuery) ([]WorkerRow, error)
	Stats(ctx context.Context) (Stats, error)

	PutWard(ctx context.Context, w model.Ward) error
	CreateWorker(ctx context.Context, w model.Worker) error

	Close() error
}

const (
	// DefaultRetryAttempts bounds internal retries on ErrConflict.
	DefaultRetryAttempts = 3
	retryBaseDelay       = 10 * time.Millisecond
)

// WithRetry runs fn, retrying on ErrConflict up to attempts times with a
// short jittered backoff. Other errors return immediately.
func WithRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay*time.Duration(attempt) + rand.N(retryBaseDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err = fn()
		if err == nil || !errors.Is(err, model.ErrConflict) {
			return err
		}
	}
	return err
}

// DefaultLimit caps registry listings when the caller passes no limit.
const DefaultLimit = 15

func normalizeQuery(q WorkerQuery) WorkerQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
