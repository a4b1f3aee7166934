package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ppiankov/wardwatch/internal/model"
)

type transfer struct {
	WorkerID      string `json:"worker_id"`
	FromWard      string `json:"from_ward"`
	ToWard        string `json:"to_ward"`
	ExecutionTime string `json:"execution_time"`
}

func sample() transfer {
	return transfer{WorkerID: "e1", FromWard: "w1", ToWard: "w2", ExecutionTime: "2026-03-01T09:00:00Z"}
}

func TestSealDeterministic(t *testing.T) {
	p := sample()
	a, err := Seal(p)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		b, _ := Seal(p)
		if a != b {
			t.Fatalf("seal changed between calls: %s vs %s", a, b)
		}
	}
}

func TestSealIgnoresKeyOrder(t *testing.T) {
	m1 := map[string]any{"worker_id": "e1", "from_ward": "w1", "to_ward": "w2", "execution_time": "2026-03-01T09:00:00Z"}
	s1, _ := Seal(m1)
	s2, _ := Seal(sample())
	if s1 != s2 {
		t.Fatalf("struct and map with same fields should seal equally: %s vs %s", s1, s2)
	}
}

func TestSealDetectsSingleFieldChange(t *testing.T) {
	base, _ := Seal(sample())

	mutations := []func(*transfer){
		func(p *transfer) { p.WorkerID = "e2" },
		func(p *transfer) { p.FromWard = "w3" },
		func(p *transfer) { p.ToWard = "w3" },
		func(p *transfer) { p.ExecutionTime = "2026-03-01T09:00:01Z" },
	}
	for i, mutate := range mutations {
		p := sample()
		mutate(&p)
		got, _ := Seal(p)
		if got == base {
			t.Fatalf("mutation %d did not change the seal", i)
		}
	}
}

func TestCanonicalizeSortsNestedKeys(t *testing.T) {
	got, err := Canonicalize(map[string]any{"b": map[string]any{"z": 1, "a": 2}, "a": []any{map[string]any{"y": 1, "x": 2}}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":[{"x":2,"y":1}],"b":{"a":2,"z":1}}`
	if string(got) != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestCanonicalizePreservesNumbers(t *testing.T) {
	got, _ := Canonicalize(map[string]any{"score": 99.9, "big": int64(9007199254740993)})
	want := `{"big":9007199254740993,"score":99.9}`
	if string(got) != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestCanonicalizeRejectsUnmarshalable(t *testing.T) {
	if _, err := Canonicalize(map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatal("expected error for unmarshalable payload")
	}
}

func TestNewRecordVerifies(t *testing.T) {
	rec, err := NewRecord("r1", model.ActionRotation, "e1", sample(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifySeal(rec); err != nil {
		t.Fatalf("fresh record should verify: %v", err)
	}

	rec.Payload = `{"execution_time":"2026-03-01T09:00:00Z","from_ward":"w1","to_ward":"w9","worker_id":"e1"}`
	if err := VerifySeal(rec); err == nil {
		t.Fatal("expected tampered payload to fail verification")
	}
}

func TestVerifyRecordsReportsTampered(t *testing.T) {
	good, _ := NewRecord("r1", model.ActionRotation, "e1", sample(), time.Now())
	bad, _ := NewRecord("r2", model.ActionRotation, "e2", sample(), time.Now())
	bad.SealHash = HashLine([]byte("forged"))

	ids := VerifyRecords([]model.AuditRecord{good, bad})
	if len(ids) != 1 || ids[0] != "r2" {
		t.Fatalf("expected only r2 flagged, got %v", ids)
	}
}

func jsonValid(s string) bool { return json.Valid([]byte(s)) }

func rawJSON(s string) json.RawMessage { return json.RawMessage(s) }
