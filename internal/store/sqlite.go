package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/wardwatch/internal/model"
)

const timeLayout = time.RFC3339Nano

const schema = `
CREATE TABLE IF NOT EXISTS wards (
	id TEXT PRIMARY KEY,
	ward_name TEXT NOT NULL,
	lat REAL NOT NULL,
	lng REAL NOT NULL,
	radius_meters REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	role TEXT NOT NULL CHECK (role IN ('worker','supervisor','zonal','admin')),
	ward_id TEXT NOT NULL REFERENCES wards(id),
	integrity_score REAL NOT NULL CHECK (integrity_score >= 0 AND integrity_score <= 100),
	attendance_count INTEGER NOT NULL DEFAULT 0,
	last_transfer_date TEXT NOT NULL,
	ping_active INTEGER NOT NULL DEFAULT 0,
	retired INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_workers_score ON workers(integrity_score DESC);

CREATE TABLE IF NOT EXISTS attendance_logs (
	id TEXT PRIMARY KEY,
	emp_id TEXT NOT NULL REFERENCES workers(id),
	lat REAL NOT NULL,
	lng REAL NOT NULL,
	face_score REAL NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('SUCCESS','BLOCKED')),
	reason TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attendance_emp ON attendance_logs(emp_id, created_at);

CREATE TABLE IF NOT EXISTS ping_logs (
	id TEXT PRIMARY KEY,
	emp_id TEXT NOT NULL REFERENCES workers(id),
	sent_at TEXT NOT NULL,
	responded_at TEXT,
	status TEXT NOT NULL CHECK (status IN ('PENDING','SUCCESS','FAILED')),
	fail_reason TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ping_one_pending ON ping_logs(emp_id) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS idx_ping_status ON ping_logs(status, sent_at);

CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL,
	action_type TEXT NOT NULL,
	record_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	sha256_hash TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_record ON audit_logs(record_id);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	result BLOB NOT NULL
);
`

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}

	return &SQLite{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

const workerColumns = `id, name, role, ward_id, integrity_score, attendance_count, last_transfer_date, ping_active, retired, version`

func scanWorker(r rowScanner) (*model.Worker, error) {
	var (
		w       model.Worker
		role    string
		last    string
		ping    int
		retired int
	)
	if err := r.Scan(&w.ID, &w.Name, &role, &w.WardID, &w.IntegrityScore, &w.AttendanceCount, &last, &ping, &retired, &w.Version); err != nil {
		return nil, err
	}
	w.Role = model.Role(role)
	t, err := time.Parse(model.DateLayout, last)
	if err != nil {
		return nil, fmt.Errorf("parse last_transfer_date %q: %w", last, err)
	}
	w.LastTransferDate = t
	w.PingActive = ping != 0
	w.Retired = retired != 0
	return &w, nil
}

func (s *SQLite) Worker(ctx context.Context, id string) (*model.Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("worker", "worker %q", id)
	}
	if err != nil {
		return nil, model.StorageErr("read worker", err)
	}
	return w, nil
}

func (s *SQLite) Ward(ctx context.Context, id string) (*model.Ward, error) {
	var w model.Ward
	err := s.db.QueryRowContext(ctx,
		`SELECT id, ward_name, lat, lng, radius_meters FROM wards WHERE id = ?`, id,
	).Scan(&w.ID, &w.Name, &w.Center.Lat, &w.Center.Lng, &w.RadiusMeters)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("ward", "ward %q", id)
	}
	if err != nil {
		return nil, model.StorageErr("read ward", err)
	}
	return &w, nil
}

func (s *SQLite) Wards(ctx context.Context) ([]model.Ward, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, ward_name, lat, lng, radius_meters FROM wards ORDER BY rowid`)
	if err != nil {
		return nil, model.StorageErr("read wards", err)
	}
	defer rows.Close()

	var out []model.Ward
	for rows.Next() {
		var w model.Ward
		if err := rows.Scan(&w.ID, &w.Name, &w.Center.Lat, &w.Center.Lng, &w.RadiusMeters); err != nil {
			return nil, model.StorageErr("scan ward", err)
		}
		out = append(out, w)
	}
	return out, model.StorageErr("read wards", rows.Err())
}

// UpdateWorker runs fn inside one transaction and writes the worker back
// with a version compare-and-swap. A lost race returns ErrConflict.
func (s *SQLite) UpdateWorker(ctx context.Context, id string, fn WorkerFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	defer tx.Rollback()

	w, err := scanWorker(tx.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotFoundf("update worker", "worker %q", id)
	}
	if err != nil {
		return classify("read worker", err)
	}
	before := w.Version

	if err := fn(&sqlTx{ctx: ctx, tx: tx}, w); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE workers SET
			name = ?, role = ?, ward_id = ?, integrity_score = ?, attendance_count = ?,
			last_transfer_date = ?, ping_active = ?, retired = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		w.Name, string(w.Role), w.WardID, w.IntegrityScore, w.AttendanceCount,
		w.LastTransferDate.UTC().Format(model.DateLayout), boolInt(w.PingActive), boolInt(w.Retired),
		id, before,
	)
	if err != nil {
		return classify("write worker", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("write worker", err)
	}
	if n == 0 {
		return &model.Error{Kind: model.ErrConflict, Op: "update worker", Msg: id}
	}

	if err := tx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

func (s *SQLite) OverdueWorkers(ctx context.Context, today time.Time, minDays int) ([]model.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workerColumns+` FROM workers
		WHERE role = 'worker' AND retired = 0
		AND julianday(?) - julianday(last_transfer_date) >= ?
		ORDER BY id`,
		model.TruncateDay(today).Format(model.DateLayout), minDays,
	)
	if err != nil {
		return nil, model.StorageErr("overdue workers", err)
	}
	defer rows.Close()

	var out []model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, model.StorageErr("scan worker", err)
		}
		out = append(out, *w)
	}
	return out, model.StorageErr("overdue workers", rows.Err())
}

const challengeColumns = `id, emp_id, sent_at, responded_at, status, fail_reason`

func scanChallenge(r rowScanner) (*model.Challenge, error) {
	var (
		c         model.Challenge
		sent      string
		responded sql.NullString
		status    string
		reason    string
	)
	if err := r.Scan(&c.ID, &c.WorkerID, &sent, &responded, &status, &reason); err != nil {
		return nil, err
	}
	t, err := time.Parse(timeLayout, sent)
	if err != nil {
		return nil, fmt.Errorf("parse sent_at %q: %w", sent, err)
	}
	c.SentAt = t
	if responded.Valid {
		rt, err := time.Parse(timeLayout, responded.String)
		if err != nil {
			return nil, fmt.Errorf("parse responded_at %q: %w", responded.String, err)
		}
		c.RespondedAt = &rt
	}
	c.Status = model.ChallengeStatus(status)
	c.FailReason = model.FailReason(reason)
	if !c.Status.Valid() || !c.FailReason.Valid() {
		return nil, fmt.Errorf("challenge %s: invalid status %q/%q", c.ID, status, reason)
	}
	return &c, nil
}

func (s *SQLite) PendingChallenge(ctx context.Context, workerID string) (*model.Challenge, error) {
	c, err := scanChallenge(s.db.QueryRowContext(ctx,
		`SELECT `+challengeColumns+` FROM ping_logs WHERE emp_id = ? AND status = 'PENDING'`, workerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.StorageErr("pending challenge", err)
	}
	return c, nil
}

func (s *SQLite) ExpiredChallenges(ctx context.Context, cutoff time.Time) ([]model.Challenge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+challengeColumns+` FROM ping_logs WHERE status = 'PENDING' ORDER BY sent_at`)
	if err != nil {
		return nil, model.StorageErr("expired challenges", err)
	}
	defer rows.Close()

	var out []model.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, model.StorageErr("scan challenge", err)
		}
		// Compared as time values; RFC3339Nano strings do not sort reliably.
		if c.SentAt.Before(cutoff) {
			out = append(out, *c)
		}
	}
	return out, model.StorageErr("expired challenges", rows.Err())
}

func (s *SQLite) Challenge(ctx context.Context, id string) (*model.Challenge, error) {
	c, err := scanChallenge(s.db.QueryRowContext(ctx,
		`SELECT `+challengeColumns+` FROM ping_logs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("challenge", "challenge %q", id)
	}
	if err != nil {
		return nil, model.StorageErr("read challenge", err)
	}
	return c, nil
}

func (s *SQLite) AuditRecords(ctx context.Context, subjectID string) ([]model.AuditRecord, error) {
	query := `SELECT id, action_type, record_id, payload, sha256_hash, created_at FROM audit_logs`
	var args []any
	if subjectID != "" {
		query += ` WHERE record_id = ?`
		args = append(args, subjectID)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.StorageErr("audit records", err)
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var (
			r       model.AuditRecord
			created string
		)
		if err := rows.Scan(&r.ID, &r.ActionType, &r.SubjectID, &r.Payload, &r.SealHash, &created); err != nil {
			return nil, model.StorageErr("scan audit record", err)
		}
		r.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, r)
	}
	return out, model.StorageErr("audit records", rows.Err())
}

func (s *SQLite) AttendanceEvents(ctx context.Context, workerID string, limit int) ([]model.AttendanceEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, emp_id, lat, lng, face_score, status, COALESCE(reason, ''), created_at
		FROM attendance_logs WHERE emp_id = ? ORDER BY rowid DESC LIMIT ?`, workerID, limit)
	if err != nil {
		return nil, model.StorageErr("attendance events", err)
	}
	defer rows.Close()

	var out []model.AttendanceEvent
	for rows.Next() {
		var (
			ev      model.AttendanceEvent
			status  string
			created string
		)
		if err := rows.Scan(&ev.ID, &ev.WorkerID, &ev.Position.Lat, &ev.Position.Lng, &ev.FaceScore, &status, &ev.Reason, &created); err != nil {
			return nil, model.StorageErr("scan attendance event", err)
		}
		ev.Outcome = model.Outcome(status)
		ev.Timestamp, _ = time.Parse(timeLayout, created)
		out = append(out, ev)
	}
	return out, model.StorageErr("attendance events", rows.Err())
}

func (s *SQLite) ListWorkers(ctx context.Context, q WorkerQuery) ([]WorkerRow, error) {
	q = normalizeQuery(q)
	pattern := "%" + strings.ToLower(q.Search) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.name, e.integrity_score, e.attendance_count, e.ping_active, w.ward_name
		FROM workers e JOIN wards w ON e.ward_id = w.id
		WHERE e.role = 'worker' AND (LOWER(e.name) LIKE ? OR LOWER(w.ward_name) LIKE ?)
		ORDER BY e.integrity_score DESC, e.id LIMIT ? OFFSET ?`,
		pattern, pattern, q.Limit, q.Offset)
	if err != nil {
		return nil, model.StorageErr("list workers", err)
	}
	defer rows.Close()

	out := []WorkerRow{}
	for rows.Next() {
		var (
			r    WorkerRow
			ping int
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.IntegrityScore, &r.AttendanceCount, &ping, &r.WardName); err != nil {
			return nil, model.StorageErr("scan worker row", err)
		}
		r.PingActive = ping != 0
		out = append(out, r)
	}
	return out, model.StorageErr("list workers", rows.Err())
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM workers WHERE role = 'worker'),
			(SELECT COUNT(*) FROM workers WHERE ping_active = 1)`,
	).Scan(&st.TotalWorkforce, &st.AwaitingResponse)
	if err != nil {
		return Stats{}, model.StorageErr("stats", err)
	}
	return st, nil
}

func (s *SQLite) PutWard(ctx context.Context, w model.Ward) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wards (id, ward_name, lat, lng, radius_meters) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET ward_name = excluded.ward_name, lat = excluded.lat,
			lng = excluded.lng, radius_meters = excluded.radius_meters`,
		w.ID, w.Name, w.Center.Lat, w.Center.Lng, w.RadiusMeters)
	return model.StorageErr("put ward", err)
}

func (s *SQLite) CreateWorker(ctx context.Context, w model.Worker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (`+workerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		w.ID, w.Name, string(w.Role), w.WardID, w.IntegrityScore, w.AttendanceCount,
		w.LastTransferDate.UTC().Format(model.DateLayout), boolInt(w.PingActive), boolInt(w.Retired))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return model.Validationf("create worker", "worker %q already exists", w.ID)
	}
	return model.StorageErr("create worker", err)
}

// sqlTx adapts a *sql.Tx to the Tx interface.
type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqlTx) AppendAttendance(ev model.AttendanceEvent) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO attendance_logs (id, emp_id, lat, lng, face_score, status, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.WorkerID, ev.Position.Lat, ev.Position.Lng, ev.FaceScore, string(ev.Outcome),
		ev.Reason, ev.Timestamp.UTC().Format(timeLayout))
	return classify("append attendance", err)
}

func (t *sqlTx) AppendAudit(rec model.AuditRecord) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO audit_logs (id, seq, action_type, record_id, payload, sha256_hash, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_logs), ?, ?, ?, ?, ?)`,
		rec.ID, rec.ActionType, rec.SubjectID, rec.Payload, rec.SealHash, rec.CreatedAt.UTC().Format(timeLayout))
	return classify("append audit", err)
}

func (t *sqlTx) PutChallenge(c model.Challenge) error {
	if !c.Status.Valid() || !c.FailReason.Valid() {
		return model.Validationf("put challenge", "invalid status %q/%q", c.Status, c.FailReason)
	}
	var responded any
	if c.RespondedAt != nil {
		responded = c.RespondedAt.UTC().Format(timeLayout)
	}
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE ping_logs SET responded_at = ?, status = ?, fail_reason = ?
		WHERE id = ? AND status = 'PENDING'`,
		responded, string(c.Status), string(c.FailReason), c.ID)
	if err != nil {
		return classify("update challenge", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var existing string
	err = t.tx.QueryRowContext(t.ctx, `SELECT status FROM ping_logs WHERE id = ?`, c.ID).Scan(&existing)
	if err == nil {
		return model.ErrChallengeResolved
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return classify("read challenge", err)
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO ping_logs (id, emp_id, sent_at, responded_at, status, fail_reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkerID, c.SentAt.UTC().Format(timeLayout), responded, string(c.Status), string(c.FailReason))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return model.ErrChallengePending
	}
	return classify("insert challenge", err)
}

func (t *sqlTx) PendingChallenge(workerID string) (*model.Challenge, error) {
	c, err := scanChallenge(t.tx.QueryRowContext(t.ctx,
		`SELECT `+challengeColumns+` FROM ping_logs WHERE emp_id = ? AND status = 'PENDING'`, workerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("pending challenge", err)
	}
	return c, nil
}

func (t *sqlTx) LatestChallenge(workerID string) (*model.Challenge, error) {
	c, err := scanChallenge(t.tx.QueryRowContext(t.ctx,
		`SELECT `+challengeColumns+` FROM ping_logs WHERE emp_id = ? ORDER BY rowid DESC LIMIT 1`, workerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("latest challenge", err)
	}
	return c, nil
}

func (t *sqlTx) RecordLateAnswer(challengeID string, at time.Time) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE ping_logs SET responded_at = ?
		WHERE id = ? AND status = 'FAILED' AND fail_reason = 'TIMEOUT' AND responded_at IS NULL`,
		at.UTC().Format(timeLayout), challengeID)
	if err != nil {
		return classify("record late answer", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var existing string
	err = t.tx.QueryRowContext(t.ctx, `SELECT status FROM ping_logs WHERE id = ?`, challengeID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotFoundf("record late answer", "challenge %q", challengeID)
	}
	if err != nil {
		return classify("read challenge", err)
	}
	return model.ErrChallengeResolved
}

func (t *sqlTx) IdempotentResult(key string) ([]byte, bool, error) {
	var result []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT result FROM idempotency_keys WHERE key = ?`, key).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("read idempotency key", err)
	}
	return result, true, nil
}

func (t *sqlTx) SaveIdempotentResult(key string, result []byte) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO idempotency_keys (key, result) VALUES (?, ?)`, key, result)
	return classify("save idempotency key", err)
}

// classify maps driver errors onto the store taxonomy. Lock contention is a
// retryable conflict; everything else is a storage failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return &model.Error{Kind: model.ErrConflict, Op: op, Err: err}
	}
	return model.StorageErr(op, err)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
