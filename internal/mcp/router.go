package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ashfox/meshgate/internal/auth"
	"github.com/ashfox/meshgate/internal/backend"
	"github.com/ashfox/meshgate/internal/dispatch"
	"github.com/ashfox/meshgate/internal/logger"
	"github.com/ashfox/meshgate/internal/metrics"
	"github.com/ashfox/meshgate/internal/schema"
	"github.com/ashfox/meshgate/internal/session"
)

// Server identity advertised on initialize.
const (
	ServerName    = "meshgate"
	ServerVersion = "0.1.0"
)

// SupportedProtocolVersions is the negotiation list, newest first.
var SupportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

// DefaultInstructions is the operator-overridable instructions text.
const DefaultInstructions = "meshgate mediates between agents and 3D modeling backends. " +
	"Mutating tools require ifRevision once a project exists; follow nextActions on errors."

// Router routes decoded JSON-RPC requests by method.
type Router struct {
	sessions     *session.Store
	registry     *Registry
	resolver     *Resolver
	dispatcher   *dispatch.Dispatcher
	resources    ResourceStore
	supported    []string
	instructions string
	capabilities func() map[string]any
}

// NewRouter wires the router. resources may be nil (resources/* then
// answer empty); capabilities may be nil (empty envelope).
func NewRouter(sessions *session.Store, registry *Registry, resolver *Resolver, dispatcher *dispatch.Dispatcher, resources ResourceStore, capabilities func() map[string]any, instructions string) *Router {
	if capabilities == nil {
		capabilities = func() map[string]any { return map[string]any{} }
	}
	if instructions == "" {
		instructions = DefaultInstructions
	}
	return &Router{
		sessions:     sessions,
		registry:     registry,
		resolver:     resolver,
		dispatcher:   dispatcher,
		resources:    resources,
		supported:    SupportedProtocolVersions,
		instructions: instructions,
		capabilities: capabilities,
	}
}

// ContentBlock is one item of a CallToolResult's content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is the tools/call result envelope. In-band tool errors
// travel here with isError set, not as JSON-RPC errors.
type CallToolResult struct {
	Content           []ContentBlock `json:"content"`
	StructuredContent any            `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// Initialize negotiates the protocol version and creates a session.
// The returned session is non-nil on success so the transport can set
// the Mcp-Session-Id header.
func (rt *Router) Initialize(ctx context.Context, principal *auth.Principal, req *Request) (*Response, *session.Session, int) {
	if req.IsNotification() {
		return errorResponse(nil, CodeInvalidRequest, "initialize requires a request id", nil), nil, http.StatusBadRequest
	}

	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "invalid initialize params", nil), nil, http.StatusOK
		}
	}

	version := params.ProtocolVersion
	if !rt.versionSupported(version) {
		return errorResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("Unsupported protocol version: %q", version),
			map[string]any{"supported": rt.supported}), nil, http.StatusOK
	}

	sess := rt.sessions.Create(version, principal, params.ClientInfo.Name)
	logger.Info("session %s initialized (protocol %s, client %s)", sess.ID, version, params.ClientInfo.Name)

	hash, count := rt.registry.Info()
	result := map[string]any{
		"protocolVersion": version,
		"serverInfo":      map[string]any{"name": ServerName, "version": ServerVersion},
		"capabilities":    rt.capabilities(),
		"instructions":    rt.instructions,
		"toolRegistry":    map[string]any{"hash": hash, "count": count},
	}
	return resultResponse(req.ID, result), sess, http.StatusOK
}

func (rt *Router) versionSupported(version string) bool {
	for _, v := range rt.supported {
		if v == version {
			return true
		}
	}
	return false
}

// Dispatch serves every non-initialize method for an established
// session. A nil response means the request was a notification.
func (rt *Router) Dispatch(ctx context.Context, sess *session.Session, req *Request) (*Response, int) {
	switch req.Method {
	case "ping":
		return resultResponse(req.ID, map[string]any{}), http.StatusOK
	case "tools/list":
		return rt.listTools(ctx, sess, req), http.StatusOK
	case "tools/call":
		return rt.callTool(ctx, sess, req)
	case "resources/list":
		return rt.listResources(ctx, req), http.StatusOK
	case "resources/read":
		return rt.readResource(ctx, req), http.StatusOK
	case "resources/templates/list":
		return rt.listResourceTemplates(ctx, req), http.StatusOK
	}

	if req.IsNotification() {
		// notifications/initialized and friends: accepted, no reply.
		return nil, http.StatusAccepted
	}
	return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil), http.StatusOK
}

func (rt *Router) listTools(ctx context.Context, sess *session.Session, req *Request) *Response {
	defs := rt.resolver.ToolsFor(ctx, sess.Principal)

	type toolPayload struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		InputSchema any    `json:"inputSchema"`
	}
	tools := make([]toolPayload, 0, len(defs))
	for _, def := range defs {
		obj, err := SchemaObject(def)
		if err != nil {
			logger.Error("schema for tool %s: %v", def.Name, err)
			continue
		}
		tools = append(tools, toolPayload{Name: def.Name, Description: def.Description, InputSchema: obj})
	}
	return resultResponse(req.ID, map[string]any{"tools": tools})
}

// callTool enforces call-time visibility: a tool hidden by a permission
// change after session init is indistinguishable from one that never
// existed.
func (rt *Router) callTool(ctx context.Context, sess *session.Session, req *Request) (*Response, int) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, CodeInvalidParams, "tools/call requires a tool name", nil), http.StatusOK
	}

	if !rt.resolver.Visible(ctx, sess.Principal, params.Name) {
		metrics.RecordToolCall(params.Name, "gateway", "unknown")
		return errorResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("Unknown tool: %s", params.Name),
			map[string]any{"code": backend.CodeInvalidPayload}), http.StatusBadRequest
	}

	def, _ := rt.registry.GetTool(params.Name)
	args := params.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if verr := schema.Validate(def.InputSchema, args); verr != nil {
		result := &CallToolResult{
			Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("invalid_payload: %s", verr.Message)}},
			StructuredContent: map[string]any{
				"error": map[string]any{
					"code":    backend.CodeInvalidPayload,
					"message": verr.Message,
					"details": map[string]any{"path": verr.Path, "reason": verr.Reason, "expected": verr.Details.Expected},
				},
			},
			IsError: true,
		}
		metrics.RecordToolCall(params.Name, "gateway", "invalid")
		return resultResponse(req.ID, result), http.StatusOK
	}

	call := dispatch.Call{
		Principal:   sess.Principal,
		SessionID:   sess.ID,
		AgentID:     sess.AgentID,
		WorkspaceID: principalWorkspace(sess.Principal),
	}

	var resp *backend.ToolResponse
	if handler := rt.registry.Handler(params.Name); handler != nil {
		resp = handler(ctx, args, call)
		status := "ok"
		if resp == nil {
			resp = backend.Fail(backend.CodeUnknown, fmt.Sprintf("Tool %s returned no response", params.Name))
		}
		if !resp.OK {
			status = "error"
		}
		metrics.RecordToolCall(params.Name, "gateway", status)
	} else {
		resp = rt.dispatcher.Handle(ctx, params.Name, args, call)
	}

	return resultResponse(req.ID, toolResult(resp)), http.StatusOK
}

// toolResult wraps a ToolResponse into the MCP result envelope.
func toolResult(resp *backend.ToolResponse) *CallToolResult {
	text := ""
	if resp.OK {
		if data, err := json.Marshal(resp); err == nil {
			text = string(data)
		}
	} else {
		text = fmt.Sprintf("%s: %s", resp.Error.Code, resp.Error.Message)
		if resp.Error.Fix != "" {
			text += " (" + resp.Error.Fix + ")"
		}
	}
	return &CallToolResult{
		Content:           []ContentBlock{{Type: "text", Text: text}},
		StructuredContent: resp,
		IsError:           !resp.OK,
	}
}

func (rt *Router) listResources(ctx context.Context, req *Request) *Response {
	if rt.resources == nil {
		return resultResponse(req.ID, map[string]any{"resources": []Resource{}})
	}
	resources, err := rt.resources.List(ctx)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, SanitizeError(err, "resources/list").Error(), nil)
	}
	if resources == nil {
		resources = []Resource{}
	}
	return resultResponse(req.ID, map[string]any{"resources": resources})
}

func (rt *Router) readResource(ctx context.Context, req *Request) *Response {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return errorResponse(req.ID, CodeInvalidParams, "resources/read requires a uri", nil)
	}
	if rt.resources == nil {
		return errorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("resource not found: %s", params.URI), nil)
	}
	contents, err := rt.resources.Read(ctx, params.URI)
	if err != nil {
		return errorResponse(req.ID, CodeInvalidParams, SanitizeError(err, "resources/read").Error(), nil)
	}
	return resultResponse(req.ID, map[string]any{"contents": []*ResourceContents{contents}})
}

func (rt *Router) listResourceTemplates(ctx context.Context, req *Request) *Response {
	if rt.resources == nil {
		return resultResponse(req.ID, map[string]any{"resourceTemplates": []ResourceTemplate{}})
	}
	templates, err := rt.resources.Templates(ctx)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, SanitizeError(err, "resources/templates/list").Error(), nil)
	}
	if templates == nil {
		templates = []ResourceTemplate{}
	}
	return resultResponse(req.ID, map[string]any{"resourceTemplates": templates})
}

func principalWorkspace(p *auth.Principal) string {
	if p == nil {
		return ""
	}
	return p.WorkspaceID
}
