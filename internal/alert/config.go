package alert

import "time"

// Alert event names accepted in AlertConfig.Events.
const (
	EventCheckInBlocked   = "checkin_blocked"
	EventChallengeFailed  = "challenge_failed"
	EventRotationTransfer = "rotation_transfer"
)

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack"
	Events  []string          `yaml:"events"  json:"events"`
	Headers map[string]string `yaml:"headers" json:"headers"`
	// Timeout bounds each delivery attempt. Zero means DefaultTimeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// Attempts caps deliveries including the first. Zero means DefaultAttempts.
	Attempts int `yaml:"attempts" json:"attempts"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp  string  `json:"timestamp"`
	Event      string  `json:"event"`
	WorkerID   string  `json:"worker_id"`
	WardID     string  `json:"ward_id,omitempty"`
	ToWardID   string  `json:"to_ward_id,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Score      float64 `json:"score"`
	Seal       string  `json:"seal,omitempty"`
	PolicyHash string  `json:"policy_hash,omitempty"`
}

// KnownEvent reports whether name is an alert event this service emits.
func KnownEvent(name string) bool {
	switch name {
	case EventCheckInBlocked, EventChallengeFailed, EventRotationTransfer:
		return true
	default:
		return false
	}
}
