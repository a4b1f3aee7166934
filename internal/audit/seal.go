package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ppiankov/wardwatch/internal/model"
)

// HashPrefix tags every digest produced by this package.
const HashPrefix = "sha256:"

// Canonicalize renders payload as JSON with object keys sorted at every
// depth and numbers kept verbatim, so semantically identical payloads
// always produce identical bytes.
func Canonicalize(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("audit: decode payload: %w", err)
	}

	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("audit: canonical marshal: %w", err)
	}
	return out, nil
}

// Seal returns the SHA-256 digest of the canonical form of payload.
func Seal(payload any) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return HashLine(canonical), nil
}

// NewRecord canonicalizes and seals payload into an AuditRecord.
func NewRecord(id, actionType, subjectID string, payload any, at time.Time) (model.AuditRecord, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return model.AuditRecord{}, err
	}
	return model.AuditRecord{
		ID:         id,
		ActionType: actionType,
		SubjectID:  subjectID,
		Payload:    string(canonical),
		SealHash:   HashLine(canonical),
		CreatedAt:  at.UTC(),
	}, nil
}

// VerifySeal recomputes a record's seal from its stored payload.
func VerifySeal(rec model.AuditRecord) error {
	if !json.Valid([]byte(rec.Payload)) {
		return fmt.Errorf("audit: record %s: payload is not valid JSON", rec.ID)
	}
	got, err := Seal(json.RawMessage(rec.Payload))
	if err != nil {
		return err
	}
	if got != rec.SealHash {
		return fmt.Errorf("audit: record %s: seal mismatch: stored %s, computed %s", rec.ID, rec.SealHash, got)
	}
	return nil
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return HashPrefix + hex.EncodeToString(h[:])
}
