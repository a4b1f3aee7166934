package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/wardwatch/internal/attendance"
	"github.com/ppiankov/wardwatch/internal/challenge"
	"github.com/ppiankov/wardwatch/internal/model"
	"github.com/ppiankov/wardwatch/internal/registry"
	"github.com/ppiankov/wardwatch/internal/rotation"
)

// CheckInInput defines parameters for the wardwatch_checkin tool.
type CheckInInput struct {
	EmployeeID     string  `json:"employee_id" jsonschema:"worker id"`
	Lat            float64 `json:"lat" jsonschema:"reported latitude in degrees"`
	Lng            float64 `json:"lng" jsonschema:"reported longitude in degrees"`
	FaceScore      float64 `json:"face_score" jsonschema:"face liveness score in [0,1]"`
	IdempotencyKey string  `json:"idempotency_key,omitempty" jsonschema:"replaying the same key returns the first result"`
}

// TriggerInput defines parameters for the wardwatch_ping_trigger tool.
type TriggerInput struct {
	EmployeeID     string `json:"employee_id" jsonschema:"worker id"`
	IdempotencyKey string `json:"idempotency_key,omitempty" jsonschema:"replaying the same key returns the first result"`
}

// RespondInput defines parameters for the wardwatch_ping_respond tool.
type RespondInput struct {
	EmployeeID     string  `json:"employee_id" jsonschema:"worker id"`
	Lat            float64 `json:"lat" jsonschema:"reported latitude in degrees"`
	Lng            float64 `json:"lng" jsonschema:"reported longitude in degrees"`
	IdempotencyKey string  `json:"idempotency_key,omitempty" jsonschema:"replaying the same key returns the first result"`
}

// RotateInput defines parameters for the wardwatch_rotate tool.
type RotateInput struct {
	DryRun bool `json:"dry_run,omitempty" jsonschema:"plan transfers without executing them"`
}

// RotateOutput lists executed or planned transfers.
type RotateOutput struct {
	DryRun    bool                 `json:"dry_run,omitempty"`
	Transfers []model.TransferPlan `json:"transfers"`
	Skipped   []rotation.Skip      `json:"skipped"`
	Error     string               `json:"error,omitempty"`
}

// WorkerInput defines parameters for the wardwatch_worker tool.
type WorkerInput struct {
	EmployeeID string `json:"employee_id" jsonschema:"worker id"`
}

func (s *Server) handleCheckIn(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInInput) (*mcpsdk.CallToolResult, attendance.CheckInResult, error) {
	res, err := s.core.Attendance.CheckIn(ctx, attendance.CheckInRequest{
		WorkerID:       input.EmployeeID,
		Position:       model.Coordinate{Lat: input.Lat, Lng: input.Lng},
		FaceScore:      input.FaceScore,
		IdempotencyKey: input.IdempotencyKey,
	})
	if err != nil {
		return nil, attendance.CheckInResult{}, err
	}
	if res.Status == model.OutcomeBlocked {
		return &mcpsdk.CallToolResult{IsError: true}, res, nil
	}
	return nil, res, nil
}

func (s *Server) handleTrigger(ctx context.Context, req *mcpsdk.CallToolRequest, input TriggerInput) (*mcpsdk.CallToolResult, challenge.TriggerResult, error) {
	res, err := s.core.Challenges.Trigger(ctx, input.EmployeeID, input.IdempotencyKey)
	if err != nil {
		return nil, challenge.TriggerResult{}, err
	}
	return nil, res, nil
}

func (s *Server) handleRespond(ctx context.Context, req *mcpsdk.CallToolRequest, input RespondInput) (*mcpsdk.CallToolResult, challenge.RespondResult, error) {
	res, err := s.core.Challenges.Respond(ctx, challenge.RespondRequest{
		WorkerID:       input.EmployeeID,
		Position:       model.Coordinate{Lat: input.Lat, Lng: input.Lng},
		IdempotencyKey: input.IdempotencyKey,
	})
	if err != nil {
		return nil, challenge.RespondResult{}, err
	}
	if res.Status == model.ChallengeFailed {
		return &mcpsdk.CallToolResult{IsError: true}, res, nil
	}
	return nil, res, nil
}

func (s *Server) handleRotate(ctx context.Context, req *mcpsdk.CallToolRequest, input RotateInput) (*mcpsdk.CallToolResult, RotateOutput, error) {
	if input.DryRun {
		plans, skipped, err := s.core.Rotation.Plan(ctx)
		if err != nil {
			return nil, RotateOutput{}, err
		}
		return nil, RotateOutput{DryRun: true, Transfers: nonNil(plans), Skipped: nonNil(skipped)}, nil
	}
	res, err := s.core.Rotation.ExecuteRotation(ctx)
	if err != nil && len(res.Transfers) == 0 {
		return nil, RotateOutput{}, err
	}
	out := RotateOutput{Transfers: res.Transfers, Skipped: nonNil(res.Skipped)}
	if err != nil {
		// Committed transfers stay committed; report them with the failures.
		out.Error = err.Error()
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleWorker(ctx context.Context, req *mcpsdk.CallToolRequest, input WorkerInput) (*mcpsdk.CallToolResult, registry.Detail, error) {
	d, err := s.core.Registry.Detail(ctx, input.EmployeeID)
	if err != nil {
		return nil, registry.Detail{}, err
	}
	return nil, d, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
