package model

import (
	"fmt"
	"math"
	"time"
)

// DateLayout is the storage layout for calendar dates (transfer dates).
const DateLayout = "2006-01-02"

// Role is a worker's position in the municipal hierarchy.
type Role string

const (
	RoleWorker     Role = "worker"
	RoleSupervisor Role = "supervisor"
	RoleZonal      Role = "zonal"
	RoleAdmin      Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleWorker, RoleSupervisor, RoleZonal, RoleAdmin:
		return true
	default:
		return false
	}
}

// ParseRole maps a string to a Role. Unknown values are a validation error.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", Validationf("parse role", "unknown role %q", s)
	}
	return r, nil
}

// Coordinate is a WGS84 position in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Validate rejects non-finite coordinates and those outside the valid
// degree ranges.
func (c Coordinate) Validate() error {
	if !finite(c.Lat) || !finite(c.Lng) {
		return Validationf("coordinate", "position %v,%v is not a finite number", c.Lat, c.Lng)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return Validationf("coordinate", "latitude %v out of range [-90,90]", c.Lat)
	}
	if c.Lng < -180 || c.Lng > 180 {
		return Validationf("coordinate", "longitude %v out of range [-180,180]", c.Lng)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Ward is immutable geofence reference data.
type Ward struct {
	ID           string     `json:"id" yaml:"id"`
	Name         string     `json:"name" yaml:"name"`
	Center       Coordinate `json:"center" yaml:"center"`
	RadiusMeters float64    `json:"radius_meters" yaml:"radius_meters"`
}

// Worker is the owned aggregate for one employee. Only the integrity ledger
// and the rotation engine mutate it, always through Store.UpdateWorker.
type Worker struct {
	ID               string    `json:"id" yaml:"id"`
	Name             string    `json:"name" yaml:"name"`
	Role             Role      `json:"role" yaml:"role"`
	WardID           string    `json:"ward_id" yaml:"ward_id"`
	IntegrityScore   float64   `json:"integrity_score" yaml:"integrity_score"`
	AttendanceCount  int64     `json:"attendance_count" yaml:"attendance_count"`
	LastTransferDate time.Time `json:"last_transfer_date" yaml:"last_transfer_date"`
	PingActive       bool      `json:"ping_active" yaml:"ping_active"`
	Retired          bool      `json:"retired" yaml:"retired"`
	Version          int64     `json:"version" yaml:"-"`
}

// DaysSinceTransfer counts whole calendar days between the last transfer and today.
func (w *Worker) DaysSinceTransfer(today time.Time) int {
	from := TruncateDay(w.LastTransferDate)
	to := TruncateDay(today)
	return int(to.Sub(from).Hours() / 24)
}

// TruncateDay drops the time-of-day, in UTC.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Outcome is the result of an attendance check-in.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeBlocked Outcome = "BLOCKED"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeBlocked
}

// AttendanceEvent is one append-only check-in log row.
type AttendanceEvent struct {
	ID        string     `json:"id"`
	WorkerID  string     `json:"worker_id"`
	Position  Coordinate `json:"position"`
	FaceScore float64    `json:"face_score"`
	Outcome   Outcome    `json:"outcome"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// AuditRecord is an append-only sealed record of a state change.
type AuditRecord struct {
	ID         string    `json:"id"`
	ActionType string    `json:"action_type"`
	SubjectID  string    `json:"subject_id"`
	Payload    string    `json:"payload"`
	SealHash   string    `json:"seal_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// Audit action types.
const (
	ActionRotation = "SYSTEM_ROTATION"
)

// TransferPlan describes one executed rotation transfer.
type TransferPlan struct {
	WorkerID   string    `json:"worker_id"`
	FromWardID string    `json:"from_ward"`
	ToWardID   string    `json:"to_ward"`
	ExecutedAt time.Time `json:"executed_at"`
	SealHash   string    `json:"seal_hash"`
}
