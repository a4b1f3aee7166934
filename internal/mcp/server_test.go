package mcp

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/wardwatch/internal/clock"
	"github.com/ppiankov/wardwatch/internal/core"
	"github.com/ppiankov/wardwatch/internal/model"
	"github.com/ppiankov/wardwatch/internal/policy"
	"github.com/ppiankov/wardwatch/internal/rotation"
	"github.com/ppiankov/wardwatch/internal/store"
	"github.com/ppiankov/wardwatch/internal/store/storetest"
)

func newTestServer(t *testing.T) (*Server, *clock.Fake) {
	t.Helper()
	st := store.NewMemory()
	storetest.Seed(t, st,
		[]model.Ward{storetest.Ward("w1", 0), storetest.Ward("w2", 9000)},
		[]model.Worker{storetest.Worker("e1", "w1", 2000)},
	)
	clk := clock.NewFake(storetest.Epoch)
	c := core.Build(policy.DefaultConfig(), "", core.Deps{Store: st, Clock: clk, Rand: rotation.NewRand(1)})
	return New(c, "test"), clk
}

func TestCheckInAllowed(t *testing.T) {
	s, _ := newTestServer(t)
	c := storetest.Center
	result, out, err := s.handleCheckIn(context.Background(), &mcpsdk.CallToolRequest{}, CheckInInput{
		EmployeeID: "e1", Lat: c.Lat, Lng: c.Lng, FaceScore: 0.9,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil && result.IsError {
		t.Fatal("expected success, got error result")
	}
	if out.Status != model.OutcomeSuccess {
		t.Fatalf("expected SUCCESS, got %+v", out)
	}
}

func TestCheckInBlockedIsErrorResult(t *testing.T) {
	s, _ := newTestServer(t)
	c := storetest.Center
	result, out, err := s.handleCheckIn(context.Background(), &mcpsdk.CallToolRequest{}, CheckInInput{
		EmployeeID: "e1", Lat: c.Lat, Lng: c.Lng, FaceScore: 0.2,
	})
	if err != nil {
		t.Fatalf("a blocked check-in is a result, not an error: %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatal("expected IsError result for blocked check-in")
	}
	if out.Reason != "LIVENESS_FAILED" {
		t.Fatalf("expected LIVENESS_FAILED, got %q", out.Reason)
	}
}

func TestPingRoundTrip(t *testing.T) {
	s, clk := newTestServer(t)
	ctx := context.Background()

	_, trig, err := s.handleTrigger(ctx, &mcpsdk.CallToolRequest{}, TriggerInput{EmployeeID: "e1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.handleTrigger(ctx, &mcpsdk.CallToolRequest{}, TriggerInput{EmployeeID: "e1"}); !errors.Is(err, model.ErrChallengePending) {
		t.Fatalf("expected ErrChallengePending, got %v", err)
	}

	clk.Advance(12 * time.Minute)
	c := storetest.Center
	result, out, err := s.handleRespond(ctx, &mcpsdk.CallToolRequest{}, RespondInput{EmployeeID: "e1", Lat: c.Lat, Lng: c.Lng})
	if err != nil {
		t.Fatal(err)
	}
	if result == nil || !result.IsError {
		t.Fatal("late response should be an error result")
	}
	if out.ChallengeID != trig.ChallengeID || out.Reason != model.FailTimeout {
		t.Fatalf("expected TIMEOUT for %s, got %+v", trig.ChallengeID, out)
	}
}

func TestRotateDryRunThenExecute(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	_, plan, err := s.handleRotate(ctx, &mcpsdk.CallToolRequest{}, RotateInput{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if !plan.DryRun || len(plan.Transfers) != 1 || plan.Transfers[0].ToWardID != "w2" {
		t.Fatalf("unexpected plan %+v", plan)
	}

	_, done, err := s.handleRotate(ctx, &mcpsdk.CallToolRequest{}, RotateInput{})
	if err != nil {
		t.Fatal(err)
	}
	if len(done.Transfers) != 1 || done.Transfers[0].SealHash == "" {
		t.Fatalf("expected one sealed transfer, got %+v", done)
	}

	_, w, err := s.handleWorker(ctx, &mcpsdk.CallToolRequest{}, WorkerInput{EmployeeID: "e1"})
	if err != nil {
		t.Fatal(err)
	}
	if w.Worker.WardID != "w2" {
		t.Fatalf("expected worker moved to w2, got %s", w.Worker.WardID)
	}
}

func TestRotatePartialFailureKeepsCommitted(t *testing.T) {
	st := store.NewMemory()
	storetest.Seed(t, st,
		[]model.Ward{storetest.Ward("w1", 0), storetest.Ward("w2", 9000)},
		[]model.Worker{storetest.Worker("e1", "w1", 2000), storetest.Worker("e2", "w2", 2000)},
	)
	var commits atomic.Int32
	st.CommitHook = func() error {
		if commits.Add(1) == 2 {
			return errors.New("disk gone")
		}
		return nil
	}
	c := core.Build(policy.DefaultConfig(), "", core.Deps{Store: st, Clock: clock.NewFake(storetest.Epoch), Rand: rotation.NewRand(1)})

	result, out, err := New(c, "test").handleRotate(context.Background(), &mcpsdk.CallToolRequest{}, RotateInput{})
	if err != nil {
		t.Fatalf("partial rotation is a result, not an error: %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatal("expected IsError result for partial rotation")
	}
	if len(out.Transfers) != 1 || out.Transfers[0].SealHash == "" || out.Error == "" {
		t.Fatalf("expected the committed transfer and the failure, got %+v", out)
	}
}

func TestWorkerNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	_, _, err := s.handleWorker(context.Background(), &mcpsdk.CallToolRequest{}, WorkerInput{EmployeeID: "ghost"})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
