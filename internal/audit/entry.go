package audit

// AuditEntry is one line in the hash-chained JSONL audit log.
// All fields are plain strings so json.Marshal output is reproducible.
type AuditEntry struct {
	Timestamp  string `json:"ts"`
	RecordID   string `json:"record_id"`
	ActionType string `json:"action_type"`
	SubjectID  string `json:"subject_id"`
	Payload    string `json:"payload"`
	Seal       string `json:"seal"`
	PolicyHash string `json:"policy_hash,omitempty"`
	PrevHash   string `json:"prev_hash"`
}
