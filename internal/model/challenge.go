package model

import (
	"errors"
	"time"
)

// ChallengeStatus is the lifecycle state of a presence challenge.
type ChallengeStatus string

const (
	ChallengePending ChallengeStatus = "PENDING"
	ChallengeSuccess ChallengeStatus = "SUCCESS"
	ChallengeFailed  ChallengeStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s ChallengeStatus) Valid() bool {
	switch s {
	case ChallengePending, ChallengeSuccess, ChallengeFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s can no longer change.
func (s ChallengeStatus) Terminal() bool {
	return s == ChallengeSuccess || s == ChallengeFailed
}

// FailReason explains a FAILED challenge.
type FailReason string

const (
	FailNone     FailReason = ""
	FailTimeout  FailReason = "TIMEOUT"
	FailGeofence FailReason = "GEOFENCE"
)

// Valid reports whether r is a known failure reason (including none).
func (r FailReason) Valid() bool {
	switch r {
	case FailNone, FailTimeout, FailGeofence:
		return true
	default:
		return false
	}
}

// ErrChallengeResolved is returned when resolving a terminal challenge.
var ErrChallengeResolved = errors.New("challenge already resolved")

// Challenge is one "prove you are where you should be" request.
// RespondedAt is nil until the worker answers, including on a challenge
// the server timed out.
type Challenge struct {
	ID          string          `json:"id"`
	WorkerID    string          `json:"worker_id"`
	SentAt      time.Time       `json:"sent_at"`
	RespondedAt *time.Time      `json:"responded_at,omitempty"`
	Status      ChallengeStatus `json:"status"`
	FailReason  FailReason      `json:"fail_reason,omitempty"`
}

// NewChallenge creates a PENDING challenge sent at now.
func NewChallenge(id, workerID string, now time.Time) Challenge {
	return Challenge{
		ID:       id,
		WorkerID: workerID,
		SentAt:   now.UTC(),
		Status:   ChallengePending,
	}
}

// Expired reports whether the response window has elapsed at now.
func (c *Challenge) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(c.SentAt) > window
}

// Remaining returns the time left in the window, never negative.
func (c *Challenge) Remaining(now time.Time, window time.Duration) time.Duration {
	left := c.SentAt.Add(window).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Resolve moves a PENDING challenge to its terminal state.
// FailNone resolves to SUCCESS; any other reason resolves to FAILED.
func (c *Challenge) Resolve(reason FailReason, at time.Time) error {
	switch c.Status {
	case ChallengePending:
	case ChallengeSuccess, ChallengeFailed:
		return ErrChallengeResolved
	default:
		return Validationf("resolve challenge", "invalid status %q", c.Status)
	}

	switch reason {
	case FailNone:
		c.Status = ChallengeSuccess
	case FailTimeout, FailGeofence:
		c.Status = ChallengeFailed
	default:
		return Validationf("resolve challenge", "invalid fail reason %q", reason)
	}
	c.FailReason = reason
	t := at.UTC()
	c.RespondedAt = &t
	return nil
}

// Expire moves a PENDING challenge to FAILED/TIMEOUT without a response.
func (c *Challenge) Expire() error {
	if err := c.Resolve(FailTimeout, time.Time{}); err != nil {
		return err
	}
	c.RespondedAt = nil
	return nil
}

// AwaitingLateAnswer reports whether the server timed c out before the
// worker answered it.
func (c *Challenge) AwaitingLateAnswer() bool {
	return c.Status == ChallengeFailed && c.FailReason == FailTimeout && c.RespondedAt == nil
}
