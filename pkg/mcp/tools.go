package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/rendis/chainflow/internal/diagram"
	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/loader"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

// handleRegister validates and registers a chain.
func (s *ChainServer) handleRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.decodeChain(req)
	if errResult != nil {
		return errResult, nil
	}
	if err := s.registry.Register(ctx, c); err != nil {
		return errorResult(err), nil
	}
	return marshalResult(map[string]any{
		"chain_id": c.ID,
		"steps":    c.Steps.Len(),
	})
}

// handleValidate reports every issue found in a chain without registering it.
func (s *ChainServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "chain", nil)
	if raw == nil {
		return mcp.NewToolResultError("chain is required"), nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid chain: %v", err)), nil
	}
	c, err := s.loader.Load(data, loader.FormatJSON)
	if err != nil {
		// Documents that do not decode are reported like semantic issues.
		ce, ok := schema.AsChainError(err)
		if !ok {
			return errorResult(err), nil
		}
		res := &schema.ValidationResult{}
		res.AddError("/", ce.Code, ce.Message)
		return marshalResult(map[string]any{
			"valid":   false,
			"errors":  res.Errors,
			"details": ce.Details,
		})
	}

	res := s.registry.Validate(c)
	return marshalResult(map[string]any{
		"valid":    res.Valid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}

// handleExecute runs a registered chain. Async executions return at once;
// the calling agent is notified when they finish.
func (s *ChainServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chainID, err := req.RequireString("chain_id")
	if err != nil {
		return mcp.NewToolResultError("chain_id is required"), nil
	}
	var input any
	if m := mcp.ParseStringMap(req, "input", nil); m != nil {
		input = m
	}
	agentID := req.GetString("agent_id", "")
	if agentID != "" {
		s.captureSession(ctx, agentID)
	}

	if !mcp.ParseBoolean(req, "async", false) {
		res, execErr := s.registry.Execute(ctx, chainID, input)
		if execErr != nil {
			return errorResult(execErr), nil
		}
		return marshalResult(res)
	}

	// The execution outlives this request.
	h, err := s.registry.Start(context.WithoutCancel(ctx), chainID, input)
	if err != nil {
		return errorResult(err), nil
	}
	if agentID != "" {
		s.sessions.Watch(agentID, h.ID)
		go s.notifyWhenDone(context.WithoutCancel(ctx), agentID, h)
	}
	return marshalResult(map[string]any{
		"execution_id": h.ID,
		"status":       schema.ExecutionRunning,
	})
}

// progressEvents are forwarded to the agent while an async execution runs.
var progressEvents = []string{
	schema.EventStepCompleted,
	schema.EventStepFailed,
	schema.EventStepRetrying,
	schema.EventChainRetrying,
}

// notifyWhenDone waits for h and pushes its outcome to the agent. With a
// hub, step progress is forwarded as well; events emitted before the
// subscription is in place are not replayed.
func (s *ChainServer) notifyWhenDone(ctx context.Context, agentID string, h *engine.Handle) {
	if s.hub != nil {
		events, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: h.ID, EventTypes: progressEvents})
		if err == nil {
			go s.forwardProgress(ctx, agentID, events)
			defer unsubscribe()
		}
	}

	payload := map[string]any{"execution_id": h.ID}
	res, err := h.Wait(ctx)
	s.sessions.Release(agentID, h.ID)
	if err != nil {
		payload["status"] = schema.ExecutionFailed
		payload["error"] = err.Error()
		if ce, ok := schema.AsChainError(err); ok {
			payload["code"] = ce.Code
		}
	} else {
		payload["status"] = res.Status
		payload["outputs"] = res.Outputs
	}
	if nerr := s.notifier.Notify(ctx, agentID, payload); nerr != nil {
		s.logger.Warn("execution notification failed",
			zap.String("agent_id", agentID), zap.String("execution_id", h.ID), zap.Error(nerr))
	}
}

func (s *ChainServer) forwardProgress(ctx context.Context, agentID string, events <-chan streaming.StreamEvent) {
	for ev := range events {
		payload := map[string]any{
			"execution_id": ev.ExecutionID,
			"event":        ev.EventType,
			"step_id":      ev.StepID,
		}
		if err := s.notifier.Notify(ctx, agentID, payload); err != nil {
			s.logger.Debug("progress notification failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

// handleGet returns a registered chain definition.
func (s *ChainServer) handleGet(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chainID, err := req.RequireString("chain_id")
	if err != nil {
		return mcp.NewToolResultError("chain_id is required"), nil
	}
	c, ok := s.registry.Get(chainID)
	if !ok {
		return errorResult(chainNotFound(chainID)), nil
	}
	return marshalResult(c)
}

// chainSummary is one entry of the chain.list result.
type chainSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Steps       int      `json:"steps"`
}

// handleList summarizes every registered chain.
func (s *ChainServer) handleList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chains := s.registry.List()
	out := make([]chainSummary, 0, len(chains))
	for _, c := range chains {
		out = append(out, chainSummary{
			ID:          c.ID,
			Name:        c.Name,
			Version:     c.Version,
			Description: c.Description,
			Tags:        c.Tags,
			Steps:       c.Steps.Len(),
		})
	}
	return marshalResult(map[string]any{"chains": out})
}

// handleStatus returns the current state of an execution. Called with only
// an agent_id it lists the asynchronous executions the agent still waits on.
func (s *ChainServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID := req.GetString("execution_id", "")
	if executionID == "" {
		agentID := req.GetString("agent_id", "")
		if agentID == "" {
			return mcp.NewToolResultError("execution_id or agent_id is required"), nil
		}
		return marshalResult(map[string]any{
			"agent_id":   agentID,
			"executions": s.sessions.Pending(agentID),
		})
	}
	res, statusErr := s.registry.Status(ctx, executionID)
	if statusErr != nil {
		return errorResult(statusErr), nil
	}
	return marshalResult(res)
}

// handleCancel aborts a running execution.
func (s *ChainServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if cancelErr := s.registry.Cancel(ctx, executionID); cancelErr != nil {
		return errorResult(cancelErr), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
	})
}

func (s *ChainServer) handleForget(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if forgetErr := s.registry.Forget(ctx, executionID); forgetErr != nil {
		return errorResult(forgetErr), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
	})
}

// handleDiagram draws a registered chain in the requested format.
func (s *ChainServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}
	chainID, err := req.RequireString("chain_id")
	if err != nil {
		return mcp.NewToolResultError("chain_id is required"), nil
	}
	c, ok := s.registry.Get(chainID)
	if !ok {
		return errorResult(chainNotFound(chainID)), nil
	}

	var states []*store.StepState
	if executionID := req.GetString("execution_id", ""); executionID != "" {
		res, statusErr := s.registry.Status(ctx, executionID)
		if statusErr != nil {
			return errorResult(statusErr), nil
		}
		states = res.StepStates()
	}

	model, err := diagram.Build(c, states)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// --- Internal helpers ---

// decodeChain reads the "chain" argument and decodes it as a chain document.
func (s *ChainServer) decodeChain(req mcp.CallToolRequest) (*schema.Chain, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, "chain", nil)
	if raw == nil {
		return nil, mcp.NewToolResultError("chain is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid chain: %v", err))
	}
	c, err := s.loader.Load(data, loader.FormatJSON)
	if err != nil {
		return nil, errorResult(err)
	}
	return c, nil
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *ChainServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Bind(agentID, session.SessionID())
	}
}

func chainNotFound(id string) error {
	return schema.NewErrorf(schema.ErrCodeChainNotFound, "chain %q not found", id).
		WithDetails(map[string]any{"chain_id": id})
}

// errorResult renders err as a tool error. Chain errors are sent as JSON;
// validation issues travel in details.errors.
func errorResult(err error) *mcp.CallToolResult {
	if ce, ok := schema.AsChainError(err); ok {
		if data, mErr := json.Marshal(errorPayload(ce)); mErr == nil {
			return mcp.NewToolResultError(string(data))
		}
	}
	return mcp.NewToolResultError(err.Error())
}

func errorPayload(ce *schema.ChainError) map[string]any {
	out := map[string]any{
		"kind":    ce.Kind,
		"code":    ce.Code,
		"message": ce.Message,
	}
	if ce.StepID != "" {
		out["step_id"] = ce.StepID
	}
	if len(ce.Details) > 0 {
		out["details"] = ce.Details
	}
	if ce.Cause != nil {
		out["cause"] = ce.Cause.Error()
	}
	return out
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
