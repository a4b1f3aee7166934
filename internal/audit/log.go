package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ppiankov/wardwatch/internal/model"
)

// GenesisHash is the prev_hash for the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Log is an append-only JSONL mirror of committed audit records.
// Each entry's prev_hash is the hash of the previous entry's JSON line,
// so deleting, reordering, or editing a line breaks the chain.
type Log struct {
	path       string
	file       *os.File
	prevHash   string
	policyHash string
	mu         sync.Mutex
}

// Open opens (or creates) an audit log file for appending.
// If the file already exists, it reads the last line to recover the chain tail.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	prevHash := GenesisHash

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("audit: read existing log: %w", err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		var lastLine []byte
		for scanner.Scan() {
			lastLine = make([]byte, len(scanner.Bytes()))
			copy(lastLine, scanner.Bytes())
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("audit: scan existing log: %w", err)
		}
		if len(lastLine) > 0 {
			prevHash = HashLine(lastLine)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}

	return &Log{
		path:     path,
		file:     file,
		prevHash: prevHash,
	}, nil
}

// maxLineSize bounds a single audit line; payloads are small structured records.
const maxLineSize = 1 << 20

// SetPolicyHash stamps subsequent entries with the active policy hash.
func (l *Log) SetPolicyHash(hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policyHash = hash
}

// Append mirrors a committed AuditRecord into the chain.
func (l *Log) Append(rec model.AuditRecord) error {
	ts := rec.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return l.Record(AuditEntry{
		Timestamp:  ts.UTC().Format(TimestampFormat),
		RecordID:   rec.ID,
		ActionType: rec.ActionType,
		SubjectID:  rec.SubjectID,
		Payload:    rec.Payload,
		Seal:       rec.SealHash,
	})
}

// Record appends an AuditEntry to the log with hash chaining.
// It sets PrevHash, and Timestamp and PolicyHash when empty, then writes
// the line and syncs to disk.
func (l *Log) Record(entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	if entry.PolicyHash == "" {
		entry.PolicyHash = l.policyHash
	}
	entry.PrevHash = l.prevHash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	l.prevHash = HashLine(line)
	return nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
