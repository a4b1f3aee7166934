package core

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/wardwatch/internal/audit"
	"github.com/ppiankov/wardwatch/internal/model"
	"github.com/ppiankov/wardwatch/internal/policy"
	"github.com/ppiankov/wardwatch/internal/store"
)

func TestBuildWiresEveryService(t *testing.T) {
	c := Build(policy.DefaultConfig(), "sha256:abc", Deps{Store: store.NewMemory()})
	if c.Ledger == nil || c.Attendance == nil || c.Challenges == nil || c.Rotation == nil || c.Registry == nil {
		t.Fatalf("missing service: %+v", c)
	}
	if c.Alerts != nil {
		t.Fatal("no alert configs should leave the dispatcher nil")
	}
	if c.Challenges.Window() != policy.DefaultChallengeWindow {
		t.Fatalf("window %s not taken from policy", c.Challenges.Window())
	}
}

func TestBuildStampsAuditLogWithPolicyHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	al, err := audit.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer al.Close()

	Build(policy.DefaultConfig(), "sha256:policy", Deps{Store: store.NewMemory(), AuditLog: al})
	rec, err := audit.NewRecord("r1", model.ActionRotation, "e1", map[string]string{"to_ward": "w2"}, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if err := al.Append(rec); err != nil {
		t.Fatal(err)
	}

	res, err := audit.Replay(path, audit.ReplayFilter{SubjectID: "e1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 1 || res.Entries[0].PolicyHash != "sha256:policy" {
		t.Fatalf("expected policy hash on entry, got %+v", res.Entries)
	}
}
