package ledger

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/ppiankov/wardwatch/internal/model"
	"github.com/ppiankov/wardwatch/internal/store"
)

const (
	MinScore = 0.0
	MaxScore = 100.0

	// InitialScore is assigned to newly onboarded workers.
	InitialScore = 100.0

	// minPenaltyRatio is the smallest allowed |challenge penalty| / challenge reward.
	minPenaltyRatio = 3.0
)

// Event identifies a score-changing presence event.
type Event string

const (
	CheckInSuccess   Event = "checkin_success"
	CheckInBlocked   Event = "checkin_blocked"
	ChallengeSuccess Event = "challenge_success"
	ChallengeFailed  Event = "challenge_failed"
)

// Deltas is the per-deployment score policy.
type Deltas struct {
	CheckInSuccess   float64 `yaml:"checkin_success" json:"checkin_success"`
	CheckInBlocked   float64 `yaml:"checkin_blocked" json:"checkin_blocked"`
	ChallengeSuccess float64 `yaml:"challenge_success" json:"challenge_success"`
	ChallengeFailed  float64 `yaml:"challenge_failed" json:"challenge_failed"`
}

// DefaultDeltas returns the reference deployment's score policy.
func DefaultDeltas() Deltas {
	return Deltas{
		CheckInSuccess:   0.1,
		CheckInBlocked:   -1.5,
		ChallengeSuccess: 0.5,
		ChallengeFailed:  -2.0,
	}
}

// For returns the delta applied for event.
func (d Deltas) For(e Event) (float64, error) {
	switch e {
	case CheckInSuccess:
		return d.CheckInSuccess, nil
	case CheckInBlocked:
		return d.CheckInBlocked, nil
	case ChallengeSuccess:
		return d.ChallengeSuccess, nil
	case ChallengeFailed:
		return d.ChallengeFailed, nil
	default:
		return 0, model.Validationf("ledger", "unknown event %q", e)
	}
}

// Validate checks signs, the challenge penalty band, and the 3:1
// penalty-to-reward ratio that keeps rotation pressure meaningful.
func (d Deltas) Validate() error {
	if d.CheckInSuccess < 0 || d.ChallengeSuccess <= 0 {
		return fmt.Errorf("success deltas must be positive (checkin=%v challenge=%v)", d.CheckInSuccess, d.ChallengeSuccess)
	}
	if d.CheckInBlocked >= 0 || d.ChallengeFailed >= 0 {
		return fmt.Errorf("failure deltas must be negative (checkin=%v challenge=%v)", d.CheckInBlocked, d.ChallengeFailed)
	}
	if d.ChallengeFailed < -2.5 || d.ChallengeFailed > -2.0 {
		return fmt.Errorf("challenge_failed must be within [-2.5, -2.0], got %v", d.ChallengeFailed)
	}
	if math.Abs(d.ChallengeFailed)/d.ChallengeSuccess < minPenaltyRatio {
		return fmt.Errorf("challenge penalty %v must be at least %.0fx the reward %v",
			d.ChallengeFailed, minPenaltyRatio, d.ChallengeSuccess)
	}
	return nil
}

// Adjust applies delta to current and clamps the result to [0, 100].
func Adjust(current, delta float64) float64 {
	return Clamp(current + delta)
}

// Clamp bounds a score to [0, 100]. NaN collapses to 0.
func Clamp(score float64) float64 {
	if math.IsNaN(score) {
		return MinScore
	}
	return math.Max(MinScore, math.Min(MaxScore, score))
}

// Ledger applies score deltas to a held worker record and guards against
// replayed requests.
type Ledger struct {
	deltas Deltas
}

// New returns a Ledger using deltas.
func New(deltas Deltas) *Ledger {
	return &Ledger{deltas: deltas}
}

// Deltas returns the active score policy.
func (l *Ledger) Deltas() Deltas { return l.deltas }

// Apply adjusts w's score for event and returns the new score.
// It must run inside Store.UpdateWorker so the change commits atomically
// with the caller's other writes.
func (l *Ledger) Apply(w *model.Worker, e Event) (float64, error) {
	delta, err := l.deltas.For(e)
	if err != nil {
		return w.IntegrityScore, err
	}
	w.IntegrityScore = Adjust(w.IntegrityScore, delta)
	return w.IntegrityScore, nil
}

// Replay looks up a previously committed result for key and decodes it
// into out. It reports whether the key had been seen.
func Replay(tx store.Tx, key string, out any) (bool, error) {
	if key == "" {
		return false, nil
	}
	data, ok, err := tx.IdempotentResult(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode idempotent result %q: %w", key, err)
	}
	return true, nil
}

// Remember stores result under key so a replay returns it unchanged.
func Remember(tx store.Tx, key string, result any) error {
	if key == "" {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotent result %q: %w", key, err)
	}
	return tx.SaveIdempotentResult(key, data)
}

// Key scopes a caller-supplied idempotency key to one operation and worker.
func Key(op, workerID, requestKey string) string {
	if requestKey == "" {
		return ""
	}
	return op + ":" + workerID + ":" + requestKey
}
