package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ppiankov/wardwatch/internal/model"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify reads a JSONL audit log and validates both the hash chain and each
// entry's payload seal. Returns Valid=true if intact, or details about the
// first broken line.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNum := 0
	var prevLineBytes []byte

	for scanner.Scan() {
		lineNum++
		raw := scanner.Bytes()

		line := make([]byte, len(raw))
		copy(line, raw)

		var entry AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return VerifyResult{
				Error:     fmt.Sprintf("parse error: %v", err),
				ErrorLine: lineNum,
			}
		}

		expected := GenesisHash
		if lineNum > 1 {
			expected = HashLine(prevLineBytes)
		}
		if entry.PrevHash != expected {
			return VerifyResult{
				Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", expected, entry.PrevHash),
				ErrorLine: lineNum,
			}
		}

		if entry.Seal != "" {
			rec := model.AuditRecord{ID: entry.RecordID, Payload: entry.Payload, SealHash: entry.Seal}
			if err := VerifySeal(rec); err != nil {
				return VerifyResult{Error: err.Error(), ErrorLine: lineNum}
			}
		}

		prevLineBytes = line
	}

	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}

	return VerifyResult{Valid: true, Lines: lineNum}
}

// VerifyRecords checks the seal of every stored record and returns the
// IDs whose payload no longer matches.
func VerifyRecords(records []model.AuditRecord) []string {
	var bad []string
	for _, r := range records {
		if err := VerifySeal(r); err != nil {
			bad = append(bad, r.ID)
		}
	}
	return bad
}
