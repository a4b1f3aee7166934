package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ppiankov/wardwatch/internal/attendance"
	"github.com/ppiankov/wardwatch/internal/challenge"
	"github.com/ppiankov/wardwatch/internal/model"
	"github.com/ppiankov/wardwatch/internal/rotation"
)

// IdempotencyHeader carries the caller's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/attendance/checkin", s.checkIn).Methods(http.MethodPost)
	api.HandleFunc("/ping/trigger", s.triggerPing).Methods(http.MethodPost)
	api.HandleFunc("/ping/respond", s.respondPing).Methods(http.MethodPost)
	api.HandleFunc("/ping/{employee_id}", s.activePing).Methods(http.MethodGet)
	api.HandleFunc("/rotation/run", s.runRotation).Methods(http.MethodPost)
	api.HandleFunc("/supervisor/workers", s.listWorkers).Methods(http.MethodGet)
	api.HandleFunc("/supervisor/stats", s.stats).Methods(http.MethodGet)
	api.HandleFunc("/worker/{id}", s.worker).Methods(http.MethodGet)
	return r
}

// Readings are pointers so an omitted field is rejected rather than read as 0.
type checkInBody struct {
	EmployeeID     string   `json:"employee_id"`
	Lat            *float64 `json:"user_lat"`
	Lng            *float64 `json:"user_lng"`
	FaceScore      *float64 `json:"face_score"`
	IdempotencyKey string   `json:"idempotency_key"`
}

func (b checkInBody) position() (model.Coordinate, float64, error) {
	if missing := missingFields(field{"user_lat", b.Lat}, field{"user_lng", b.Lng}, field{"face_score", b.FaceScore}); missing != "" {
		return model.Coordinate{}, 0, model.Validationf("check in", "missing %s", missing)
	}
	return model.Coordinate{Lat: *b.Lat, Lng: *b.Lng}, *b.FaceScore, nil
}

type pingBody struct {
	EmployeeID     string   `json:"employee_id"`
	Lat            *float64 `json:"lat"`
	Lng            *float64 `json:"lng"`
	IdempotencyKey string   `json:"idempotency_key"`
}

func (b pingBody) position() (model.Coordinate, error) {
	if missing := missingFields(field{"lat", b.Lat}, field{"lng", b.Lng}); missing != "" {
		return model.Coordinate{}, model.Validationf("respond challenge", "missing %s", missing)
	}
	return model.Coordinate{Lat: *b.Lat, Lng: *b.Lng}, nil
}

type field struct {
	name  string
	value *float64
}

func missingFields(fields ...field) string {
	var names []string
	for _, f := range fields {
		if f.value == nil {
			names = append(names, f.name)
		}
	}
	return strings.Join(names, ", ")
}

type activePingResponse struct {
	Active           bool       `json:"active"`
	ChallengeID      string     `json:"challenge_id,omitempty"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RemainingSeconds int64      `json:"remaining_seconds"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"policy_hash": s.Core().PolicyHash,
	})
}

// checkIn answers 403 with the full result body when the attempt is blocked.
func (s *Server) checkIn(w http.ResponseWriter, r *http.Request) {
	var body checkInBody
	if !s.decode(w, r, &body) {
		return
	}
	pos, face, err := body.position()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.Core().Attendance.CheckIn(r.Context(), attendance.CheckInRequest{
		WorkerID:       body.EmployeeID,
		Position:       pos,
		FaceScore:      face,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Status == model.OutcomeBlocked {
		status = http.StatusForbidden
	}
	writeJSON(w, status, res)
}

func (s *Server) triggerPing(w http.ResponseWriter, r *http.Request) {
	var body pingBody
	if !s.decode(w, r, &body) {
		return
	}
	res, err := s.Core().Challenges.Trigger(r.Context(), body.EmployeeID, idempotencyKey(r, body.IdempotencyKey))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) respondPing(w http.ResponseWriter, r *http.Request) {
	var body pingBody
	if !s.decode(w, r, &body) {
		return
	}
	pos, err := body.position()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.Core().Challenges.Respond(r.Context(), challenge.RespondRequest{
		WorkerID:       body.EmployeeID,
		Position:       pos,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Status == model.ChallengeFailed {
		status = http.StatusForbidden
	}
	writeJSON(w, status, res)
}

func (s *Server) activePing(w http.ResponseWriter, r *http.Request) {
	c := s.Core().Challenges
	a, err := c.Active(r.Context(), mux.Vars(r)["employee_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := activePingResponse{Active: a.Pending()}
	if a.Pending() {
		sent := a.Challenge.SentAt
		expires := sent.Add(c.Window())
		out.ChallengeID = a.Challenge.ID
		out.SentAt = &sent
		out.ExpiresAt = &expires
		out.RemainingSeconds = a.RemainingSeconds
	}
	writeJSON(w, http.StatusOK, out)
}

// partialRotation reports transfers that committed before others failed.
type partialRotation struct {
	rotation.Result
	Error string `json:"error"`
}

// runRotation answers 207 when some transfers committed and others failed.
func (s *Server) runRotation(w http.ResponseWriter, r *http.Request) {
	res, err := s.Core().Rotation.ExecuteRotation(r.Context())
	switch {
	case err != nil && len(res.Transfers) > 0:
		s.log.Warn("rotation partially applied",
			zap.Int("transfers", len(res.Transfers)),
			zap.Error(err))
		writeJSON(w, http.StatusMultiStatus, partialRotation{Result: res, Error: err.Error()})
	case err != nil:
		s.fail(w, r, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(q.Get("offset"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rows, err := s.Core().Registry.List(r.Context(), q.Get("search"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Core().Registry.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) worker(w http.ResponseWriter, r *http.Request) {
	d, err := s.Core().Registry.Detail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.fail(w, r, model.Validationf("decode body", "%v", err))
		return false
	}
	return true
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrChallengePending),
		errors.Is(err, model.ErrConflict),
		errors.Is(err, model.ErrNoActiveChallenge):
		return http.StatusConflict
	case errors.Is(err, model.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func idempotencyKey(r *http.Request, fromBody string) string {
	if h := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); h != "" {
		return h
	}
	return strings.TrimSpace(fromBody)
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, model.Validationf("query", "%q is not an integer", v)
	}
	return n, nil
}
