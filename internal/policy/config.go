// Package policy loads the deployment policy: score deltas, challenge
// window, rotation cadence, and the outer integrations.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/wardwatch/internal/alert"
	"github.com/ppiankov/wardwatch/internal/events"
	"github.com/ppiankov/wardwatch/internal/geo"
	"github.com/ppiankov/wardwatch/internal/ledger"
	"github.com/ppiankov/wardwatch/internal/store"
)

// Geofence tunes the check-in verifier.
type Geofence struct {
	LivenessThreshold float64 `yaml:"liveness_threshold"`
}

// Challenge tunes the presence challenge protocol.
type Challenge struct {
	Window        time.Duration `yaml:"window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Rotation tunes the ward rotation job.
type Rotation struct {
	IntervalDays     int           `yaml:"interval_days"`
	Concurrency      int           `yaml:"concurrency"`
	ScheduleInterval time.Duration `yaml:"schedule_interval"`
	// Seed fixes the target-ward draw. Zero seeds from the system entropy.
	Seed uint64 `yaml:"seed"`
}

// Store selects the record store location and retry budget.
type Store struct {
	Path          string `yaml:"path"`
	RetryAttempts int    `yaml:"retry_attempts"`
}

// Audit locates the hash-chained audit log mirror.
type Audit struct {
	LogPath string `yaml:"log_path"`
}

// Config holds all configurable policy parameters.
type Config struct {
	Geofence  Geofence            `yaml:"geofence"`
	Deltas    ledger.Deltas       `yaml:"deltas"`
	Challenge Challenge           `yaml:"challenge"`
	Rotation  Rotation            `yaml:"rotation"`
	Store     Store               `yaml:"store"`
	Audit     Audit               `yaml:"audit"`
	Alerts    []alert.AlertConfig `yaml:"alerts"`
	Kafka     events.Config       `yaml:"kafka"`
}

const (
	DefaultChallengeWindow  = 10 * time.Minute
	DefaultSweepInterval    = 30 * time.Second
	DefaultRotationDays     = 1095
	DefaultRotationWorkers  = 4
	DefaultRotationInterval = 24 * time.Hour
)

// DefaultConfig returns the built-in policy.
func DefaultConfig() *Config {
	return &Config{
		Geofence: Geofence{LivenessThreshold: geo.LivenessThreshold},
		Deltas:   ledger.DefaultDeltas(),
		Challenge: Challenge{
			Window:        DefaultChallengeWindow,
			SweepInterval: DefaultSweepInterval,
		},
		Rotation: Rotation{
			IntervalDays:     DefaultRotationDays,
			Concurrency:      DefaultRotationWorkers,
			ScheduleInterval: DefaultRotationInterval,
		},
		Store: Store{RetryAttempts: store.DefaultRetryAttempts},
	}
}

// Validate rejects settings the engine cannot honor.
func (c *Config) Validate() error {
	var errs []error
	if t := c.Geofence.LivenessThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("geofence.liveness_threshold must be within [0,1], got %v", t))
	}
	if err := c.Deltas.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("deltas: %w", err))
	}
	if c.Challenge.Window <= 0 {
		errs = append(errs, fmt.Errorf("challenge.window must be positive, got %s", c.Challenge.Window))
	}
	if c.Challenge.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("challenge.sweep_interval must be positive, got %s", c.Challenge.SweepInterval))
	}
	if c.Rotation.IntervalDays < 1 {
		errs = append(errs, fmt.Errorf("rotation.interval_days must be at least 1, got %d", c.Rotation.IntervalDays))
	}
	if c.Rotation.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("rotation.concurrency must be at least 1, got %d", c.Rotation.Concurrency))
	}
	if c.Rotation.ScheduleInterval < 0 {
		errs = append(errs, fmt.Errorf("rotation.schedule_interval must not be negative, got %s", c.Rotation.ScheduleInterval))
	}
	if c.Store.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("store.retry_attempts must be at least 1, got %d", c.Store.RetryAttempts))
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			errs = append(errs, fmt.Errorf("alerts[%d]: url is required", i))
		}
		if a.Timeout < 0 || a.Attempts < 0 {
			errs = append(errs, fmt.Errorf("alerts[%d]: timeout and attempts must not be negative", i))
		}
		for _, e := range a.Events {
			if !alert.KnownEvent(e) {
				errs = append(errs, fmt.Errorf("alerts[%d]: unknown event %q", i, e))
			}
		}
	}
	if err := c.Kafka.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kafka: %w", err))
	}
	return errors.Join(errs...)
}

// DefaultDir is the per-user state directory.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".wardwatch"), nil
}

// DefaultPath returns ~/.wardwatch/policy.yaml, or "" when the home
// directory is unknown.
func DefaultPath() string {
	dir, err := DefaultDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "policy.yaml")
}

// LoadConfig loads policy configuration from a YAML file.
// Empty path falls back to ~/.wardwatch/policy.yaml.
// Missing file returns defaults. Invalid YAML or values return an error.
func LoadConfig(path string) (*Config, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash loads policy configuration and returns its SHA-256 hash.
// The hash is computed over the raw YAML bytes on disk.
// When no file exists (defaults used), the hash is the SHA-256 of empty input.
func LoadConfigWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, "", fmt.Errorf("failed to read policy config: %w", err)
		}
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	// Start with defaults, YAML overwrites only specified fields
	cfg := DefaultConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("failed to parse policy config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid policy config: %w", err)
	}
	return cfg, hash, nil
}

// DefaultConfigYAML returns a commented YAML string for init-policy.
func DefaultConfigYAML() string {
	return `# wardwatch policy configuration
# Generated by: wardwatch init-policy

# Check-in verification. A check-in succeeds when the reported position is
# within the ward radius and the face liveness score meets this threshold.
geofence:
  liveness_threshold: 0.8

# Integrity score deltas. Scores are clamped to [0, 100].
# challenge_failed must stay within [-2.5, -2.0] and be at least three
# times the challenge_success reward.
deltas:
  checkin_success: 0.1
  checkin_blocked: -1.5
  challenge_success: 0.5
  challenge_failed: -2.0

# Presence challenge. Responses after the window fail with TIMEOUT.
# Unanswered challenges are resolved by a periodic sweep.
challenge:
  window: 10m
  sweep_interval: 30s

# Ward rotation. Workers whose last transfer is at least interval_days old
# are moved to a randomly drawn different ward.
rotation:
  interval_days: 1095
  concurrency: 4
  schedule_interval: 24h
  # seed: 42   # fixed seed for reproducible draws

store:
  # path: ~/.wardwatch/wardwatch.db
  retry_attempts: 3

# audit:
#   log_path: ~/.wardwatch/audit.jsonl

# Webhook alerts. Events: checkin_blocked, challenge_failed, rotation_transfer.
# alerts:
#   - url: https://hooks.slack.com/services/...
#     format: slack
#     events: [challenge_failed, rotation_transfer]
#     timeout: 5s
#     attempts: 3

# Publish sealed audit records to Kafka. Disabled without brokers.
# kafka:
#   brokers: [localhost:9092]
#   topic: wardwatch.audit
`
}
