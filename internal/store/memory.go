package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/wardwatch/internal/model"
)

// Memory is an in-process Store. Each worker has its own mutex, so writers
// on different workers proceed in parallel; the data mutex is only held for
// the short copy-in and commit steps.
type Memory struct {
	mu          sync.RWMutex
	workers     map[string]model.Worker
	wards       map[string]model.Ward
	wardOrder   []string
	attendance  []model.AttendanceEvent
	audits      []model.AuditRecord
	challenges  map[string]model.Challenge
	byWorker    map[string][]string
	idempotency map[string][]byte

	locks sync.Map // worker id -> *sync.Mutex

	// CommitHook, when set, runs just before a transaction commits.
	// A non-nil error aborts the commit as a storage failure.
	CommitHook func() error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workers:     make(map[string]model.Worker),
		wards:       make(map[string]model.Ward),
		challenges:  make(map[string]model.Challenge),
		byWorker:    make(map[string][]string),
		idempotency: make(map[string][]byte),
	}
}

func (m *Memory) lockFor(id string) *sync.Mutex {
	l, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (m *Memory) Worker(_ context.Context, id string) (*model.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, model.NotFoundf("worker", "worker %q", id)
	}
	return &w, nil
}

func (m *Memory) Ward(_ context.Context, id string) (*model.Ward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wards[id]
	if !ok {
		return nil, model.NotFoundf("ward", "ward %q", id)
	}
	return &w, nil
}

func (m *Memory) Wards(_ context.Context) ([]model.Ward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Ward, 0, len(m.wardOrder))
	for _, id := range m.wardOrder {
		out = append(out, m.wards[id])
	}
	return out, nil
}

func (m *Memory) UpdateWorker(ctx context.Context, id string, fn WorkerFunc) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	w, ok := m.workers[id]
	m.mu.RUnlock()
	if !ok {
		return model.NotFoundf("update worker", "worker %q", id)
	}

	tx := &memTx{m: m, staged: make(map[string]model.Challenge), keys: make(map[string][]byte)}
	before := w.Version
	if err := fn(tx, &w); err != nil {
		return err
	}

	if m.CommitHook != nil {
		if err := m.CommitHook(); err != nil {
			return model.StorageErr("commit", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workers[id].Version != before {
		return &model.Error{Kind: model.ErrConflict, Op: "update worker", Msg: id}
	}
	w.ID = id
	w.Version = before + 1
	m.workers[id] = w
	m.attendance = append(m.attendance, tx.attendance...)
	m.audits = append(m.audits, tx.audits...)
	for _, cid := range tx.order {
		c := tx.staged[cid]
		if _, exists := m.challenges[cid]; !exists {
			m.byWorker[c.WorkerID] = append(m.byWorker[c.WorkerID], cid)
		}
		m.challenges[cid] = c
	}
	for k, v := range tx.keys {
		m.idempotency[k] = v
	}
	return nil
}

func (m *Memory) OverdueWorkers(_ context.Context, today time.Time, minDays int) ([]model.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Worker
	for _, w := range m.workers {
		if w.Role != model.RoleWorker || w.Retired {
			continue
		}
		if w.DaysSinceTransfer(today) >= minDays {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PendingChallenge(_ context.Context, workerID string) (*model.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingLocked(workerID), nil
}

func (m *Memory) pendingLocked(workerID string) *model.Challenge {
	for _, cid := range m.byWorker[workerID] {
		c := m.challenges[cid]
		if c.Status == model.ChallengePending {
			return &c
		}
	}
	return nil
}

func (m *Memory) ExpiredChallenges(_ context.Context, cutoff time.Time) ([]model.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Challenge
	for _, c := range m.challenges {
		if c.Status == model.ChallengePending && c.SentAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

func (m *Memory) Challenge(_ context.Context, id string) (*model.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.challenges[id]
	if !ok {
		return nil, model.NotFoundf("challenge", "challenge %q", id)
	}
	return &c, nil
}

func (m *Memory) AuditRecords(_ context.Context, subjectID string) ([]model.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AuditRecord
	for _, r := range m.audits {
		if subjectID == "" || r.SubjectID == subjectID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) AttendanceEvents(_ context.Context, workerID string, limit int) ([]model.AttendanceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AttendanceEvent
	for i := len(m.attendance) - 1; i >= 0; i-- {
		ev := m.attendance[i]
		if ev.WorkerID != workerID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ListWorkers(_ context.Context, q WorkerQuery) ([]WorkerRow, error) {
	q = normalizeQuery(q)
	needle := strings.ToLower(q.Search)

	m.mu.RLock()
	var rows []WorkerRow
	for _, w := range m.workers {
		if w.Role != model.RoleWorker {
			continue
		}
		wardName := m.wards[w.WardID].Name
		if needle != "" &&
			!strings.Contains(strings.ToLower(w.Name), needle) &&
			!strings.Contains(strings.ToLower(wardName), needle) {
			continue
		}
		rows = append(rows, WorkerRow{
			ID:              w.ID,
			Name:            w.Name,
			IntegrityScore:  w.IntegrityScore,
			AttendanceCount: w.AttendanceCount,
			PingActive:      w.PingActive,
			WardName:        wardName,
		})
	}
	m.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].IntegrityScore != rows[j].IntegrityScore {
			return rows[i].IntegrityScore > rows[j].IntegrityScore
		}
		return rows[i].ID < rows[j].ID
	})
	if q.Offset >= len(rows) {
		return []WorkerRow{}, nil
	}
	rows = rows[q.Offset:]
	if len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	for _, w := range m.workers {
		if w.Role == model.RoleWorker {
			s.TotalWorkforce++
		}
		if w.PingActive {
			s.AwaitingResponse++
		}
	}
	return s, nil
}

func (m *Memory) PutWard(_ context.Context, w model.Ward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wards[w.ID]; !ok {
		m.wardOrder = append(m.wardOrder, w.ID)
	}
	m.wards[w.ID] = w
	return nil
}

func (m *Memory) CreateWorker(_ context.Context, w model.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[w.ID]; ok {
		return model.Validationf("create worker", "worker %q already exists", w.ID)
	}
	m.workers[w.ID] = w
	return nil
}

func (m *Memory) Close() error { return nil }

// memTx stages writes until UpdateWorker commits them.
type memTx struct {
	m          *Memory
	attendance []model.AttendanceEvent
	audits     []model.AuditRecord
	staged     map[string]model.Challenge
	order      []string
	keys       map[string][]byte
}

func (t *memTx) AppendAttendance(ev model.AttendanceEvent) error {
	t.attendance = append(t.attendance, ev)
	return nil
}

func (t *memTx) AppendAudit(rec model.AuditRecord) error {
	t.audits = append(t.audits, rec)
	return nil
}

func (t *memTx) PutChallenge(c model.Challenge) error {
	if !c.Status.Valid() {
		return model.Validationf("put challenge", "invalid status %q", c.Status)
	}
	t.m.mu.RLock()
	existing, ok := t.m.challenges[c.ID]
	t.m.mu.RUnlock()
	if ok && existing.Status.Terminal() {
		return model.ErrChallengeResolved
	}
	if _, seen := t.staged[c.ID]; !seen {
		t.order = append(t.order, c.ID)
	}
	t.staged[c.ID] = c
	return nil
}

func (t *memTx) PendingChallenge(workerID string) (*model.Challenge, error) {
	for _, cid := range t.order {
		c := t.staged[cid]
		if c.WorkerID == workerID && c.Status == model.ChallengePending {
			return &c, nil
		}
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	c := t.m.pendingLocked(workerID)
	if c != nil {
		if s, ok := t.staged[c.ID]; ok && s.Status != model.ChallengePending {
			return nil, nil
		}
	}
	return c, nil
}

func (t *memTx) LatestChallenge(workerID string) (*model.Challenge, error) {
	for i := len(t.order) - 1; i >= 0; i-- {
		c := t.staged[t.order[i]]
		if c.WorkerID == workerID {
			return &c, nil
		}
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	ids := t.m.byWorker[workerID]
	if len(ids) == 0 {
		return nil, nil
	}
	c := t.m.challenges[ids[len(ids)-1]]
	return &c, nil
}

func (t *memTx) RecordLateAnswer(challengeID string, at time.Time) error {
	c, ok := t.staged[challengeID]
	if !ok {
		t.m.mu.RLock()
		c, ok = t.m.challenges[challengeID]
		t.m.mu.RUnlock()
	}
	if !ok {
		return model.NotFoundf("record late answer", "challenge %q", challengeID)
	}
	if !c.AwaitingLateAnswer() {
		return model.ErrChallengeResolved
	}
	ts := at.UTC()
	c.RespondedAt = &ts
	if _, seen := t.staged[challengeID]; !seen {
		t.order = append(t.order, challengeID)
	}
	t.staged[challengeID] = c
	return nil
}

func (t *memTx) IdempotentResult(key string) ([]byte, bool, error) {
	if v, ok := t.keys[key]; ok {
		return v, true, nil
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	v, ok := t.m.idempotency[key]
	return v, ok, nil
}

func (t *memTx) SaveIdempotentResult(key string, result []byte) error {
	t.keys[key] = append([]byte(nil), result...)
	return nil
}
