package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/wardwatch/internal/model"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-audit.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	return l, path
}

func testRecord(t *testing.T, subject, toWard string) model.AuditRecord {
	t.Helper()
	rec, err := NewRecord("r-"+subject+"-"+toWard, model.ActionRotation, subject, map[string]any{
		"worker_id": subject,
		"from_ward": "w1",
		"to_ward":   toWard,
	}, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestSequentialWritesProduceValidChain(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 5; i++ {
		if err := l.Append(testRecord(t, "e1", fmt.Sprintf("w%d", i+2))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		l.Append(testRecord(t, "e1", "w2"))
	}
	l.Close()

	// Rewrite the destination ward in line 2 and fix up nothing else.
	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `\"to_ward\":\"w2\"`, `\"to_ward\":\"w9\"`, 1)
	os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected tampered log to be invalid")
	}
	if result.ErrorLine != 2 {
		t.Fatalf("expected seal failure at line 2, got line %d (%s)", result.ErrorLine, result.Error)
	}
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		l.Append(testRecord(t, "e1", "w2"))
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	os.WriteFile(path, []byte(lines[0]+"\n"+lines[2]+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected chain with deleted entry to be invalid")
	}
	if result.ErrorLine != 2 {
		t.Fatalf("expected error at line 2, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsInsertedEntry(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		l.Append(testRecord(t, "e1", "w2"))
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	fake := AuditEntry{ActionType: model.ActionRotation, SubjectID: "e1", PrevHash: "sha256:fake"}
	fakeJSON, _ := json.Marshal(fake)
	inserted := []string{lines[0], string(fakeJSON), lines[1], lines[2]}
	os.WriteFile(path, []byte(strings.Join(inserted, "\n")+"\n"), 0644)

	if Verify(path).Valid {
		t.Fatal("expected chain with inserted entry to be invalid")
	}
}

func TestEmptyLogPassesVerification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	os.WriteFile(path, []byte{}, 0644)

	result := Verify(path)
	if !result.Valid || result.Lines != 0 {
		t.Fatalf("expected empty log to be valid with 0 lines, got %+v", result)
	}
}

func TestConcurrentWritesSerializeCorrectly(t *testing.T) {
	l, path := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Append(testRecord(t, fmt.Sprintf("e%d", i), "w2"))
		}(i)
	}
	wg.Wait()
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after concurrent writes, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 100 {
		t.Fatalf("expected 100 lines, got %d", result.Lines)
	}
}

func TestGenesisHashIsFirstPrevHash(t *testing.T) {
	l, path := newTestLog(t)
	l.Append(testRecord(t, "e1", "w2"))
	l.Close()

	data, _ := os.ReadFile(path)
	var entry AuditEntry
	json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry)

	if entry.PrevHash != GenesisHash {
		t.Fatalf("expected genesis hash %s, got %s", GenesisHash, entry.PrevHash)
	}
}

func TestPolicyHashStamped(t *testing.T) {
	l, path := newTestLog(t)
	l.SetPolicyHash("sha256:policy")
	l.Append(testRecord(t, "e1", "w2"))
	l.Close()

	data, _ := os.ReadFile(path)
	var entry AuditEntry
	json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry)
	if entry.PolicyHash != "sha256:policy" {
		t.Fatalf("expected policy hash, got %q", entry.PolicyHash)
	}
}

func TestOpenExistingLogContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.jsonl")

	l1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		l1.Append(testRecord(t, "e1", "w2"))
	}
	l1.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		l2.Append(testRecord(t, "e2", "w3"))
	}
	l2.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after reopen, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestHashLineFormat(t *testing.T) {
	h := HashLine([]byte("x"))
	if !strings.HasPrefix(h, HashPrefix) || len(h) != 7+64 {
		t.Fatalf("unexpected hash format %q", h)
	}
}
