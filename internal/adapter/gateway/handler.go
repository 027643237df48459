package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"chatstream/internal/domain"
	"chatstream/internal/usecase"
)

// SessionAPI is the part of the session manager exposed over RPC.
type SessionAPI interface {
	SendMessage(ctx context.Context, text string) error
	RunAgent(ctx context.Context, threadID string) error
	AbortRun()
	Reset()
	RemoveMessages(ids ...string) int
	AddToolResult(ctx context.Context, result domain.ToolResult, opts usecase.AddToolResultOptions) error
	Snapshot() usecase.Snapshot
}

// ToolLister lists the tools offered to the model.
type ToolLister interface {
	Definitions() []domain.ToolDefinition
}

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Session SessionAPI
	Tools   ToolLister // can be nil
	Logger  *slog.Logger
}

// RegisterDefaultHandlers wires the session RPC methods onto s.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s.RegisterHandler("session.send", sessionSendHandler(deps))
	s.RegisterHandler("session.run", sessionRunHandler(deps))
	s.RegisterHandler("session.abort", sessionAbortHandler(deps))
	s.RegisterHandler("session.reset", sessionResetHandler(deps))
	s.RegisterHandler("session.remove", sessionRemoveHandler(deps))
	s.RegisterHandler("session.add_tool_result", addToolResultHandler(deps))
	s.RegisterHandler("session.snapshot", sessionSnapshotHandler(deps))
	if deps.Tools != nil {
		s.RegisterHandler("tool.list", toolListHandler(deps))
	}
}

func invalidPayload(method, detail string) error {
	return domain.NewDomainError("gateway."+method, domain.ErrInvalidInput, detail)
}

var okResult = json.RawMessage(`{"ok":true}`)

type sessionSendRequest struct {
	Text string `json:"text"`
}

func sessionSendHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req sessionSendRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, invalidPayload("session.send", err.Error())
		}
		if req.Text == "" {
			return nil, invalidPayload("session.send", "text is required")
		}
		deps.Logger.Debug("gateway: send message", "client", client.Name, "len", len(req.Text))
		if err := deps.Session.SendMessage(ctx, req.Text); err != nil {
			return nil, err
		}
		return okResult, nil
	}
}

type sessionRunRequest struct {
	ThreadID string `json:"threadId,omitempty"`
}

func sessionRunHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req sessionRunRequest
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, invalidPayload("session.run", err.Error())
			}
		}
		if err := deps.Session.RunAgent(ctx, req.ThreadID); err != nil {
			return nil, err
		}
		return okResult, nil
	}
}

func sessionAbortHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, client *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		deps.Logger.Info("gateway: abort requested", "client", client.Name)
		deps.Session.AbortRun()
		return okResult, nil
	}
}

func sessionResetHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, client *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		deps.Logger.Info("gateway: reset requested", "client", client.Name)
		deps.Session.Reset()
		return okResult, nil
	}
}

type sessionRemoveRequest struct {
	IDs []string `json:"ids"`
}

func sessionRemoveHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req sessionRemoveRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, invalidPayload("session.remove", err.Error())
		}
		n := deps.Session.RemoveMessages(req.IDs...)
		return json.Marshal(map[string]int{"removed": n})
	}
}

type addToolResultRequest struct {
	domain.ToolResult
	TriggerAgent bool `json:"triggerAgent,omitempty"`
}

func addToolResultHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req addToolResultRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, invalidPayload("session.add_tool_result", err.Error())
		}
		err := deps.Session.AddToolResult(ctx, req.ToolResult, usecase.AddToolResultOptions{
			TriggerAgent: req.TriggerAgent,
		})
		if err != nil {
			return nil, err
		}
		return okResult, nil
	}
}

// snapshotView is the wire form of a session snapshot.
type snapshotView struct {
	ThreadID     string           `json:"threadId,omitempty"`
	RunID        string           `json:"runId,omitempty"`
	IsResponding bool             `json:"isResponding"`
	Version      uint64           `json:"version"`
	Messages     []domain.Message `json:"messages"`
}

func sessionSnapshotHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		snap := deps.Session.Snapshot()
		msgs := snap.Messages
		if msgs == nil {
			msgs = []domain.Message{}
		}
		return json.Marshal(snapshotView{
			ThreadID:     snap.ThreadID,
			RunID:        snap.RunID,
			IsResponding: snap.IsResponding,
			Version:      snap.Version,
			Messages:     msgs,
		})
	}
}

func toolListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		defs := deps.Tools.Definitions()
		if defs == nil {
			defs = []domain.ToolDefinition{}
		}
		return json.Marshal(defs)
	}
}
