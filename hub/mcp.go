package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/hazyhaar/esquisse/audit"
	"github.com/hazyhaar/esquisse/hydrate"
	"github.com/hazyhaar/esquisse/kit"
	"github.com/hazyhaar/esquisse/render"
	"github.com/hazyhaar/esquisse/skeleton"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCP registers all esquisse tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerRender(srv)
	svc.registerSession(srv)
	svc.registerSessions(srv)
	svc.registerSessionExport(srv)
	svc.registerSystem(srv)
	svc.registerHealth(srv)
	svc.registerProfiles(srv)
	svc.registerApplyProfile(srv)
	svc.registerOptimize(srv)
	svc.registerAlerts(srv)
	svc.registerNavigate(srv)
	svc.registerContexts(srv)
	svc.registerShutdown(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// agentCtx tags MCP calls with the agent role so audit entries carry an actor.
func agentCtx(ctx context.Context) context.Context {
	return kit.WithRole(ctx, "agent")
}

// --- Rendering ---

func (svc *Service) registerRender(srv *mcp.Server) {
	type req struct {
		PageID          string               `json:"page_id"`
		WidgetID        string               `json:"widget_id"`
		UserSessionID   string               `json:"user_session_id"`
		Strategy        string               `json:"strategy"`
		ConnectionSpeed string               `json:"connection_speed"`
		DeviceClass     string               `json:"device_class"`
		PerformanceMode string               `json:"performance_mode"`
		SafetyLevel     string               `json:"safety_level"`
		ValidateChunks  bool                 `json:"validate_chunks"`
		CrossPage       bool                 `json:"cross_page_consistency"`
		FallbackOnError bool                 `json:"fallback_on_error"`
		Targets         []hydrate.TargetSpec `json:"targets"`
	}

	tool := &mcp.Tool{
		Name:        "esq_render",
		Description: "Render a page through the full delivery pipeline and wait for completion",
		InputSchema: inputSchema(map[string]any{
			"page_id":                map[string]any{"type": "string", "description": "Page ID"},
			"widget_id":              map[string]any{"type": "string", "description": "Optional widget ID for partial renders"},
			"user_session_id":        map[string]any{"type": "string", "description": "User navigation session ID"},
			"strategy":               map[string]any{"type": "string", "enum": []any{"streaming", "chunked", "progressive_hydration", "lazy_load"}, "description": "Render strategy (default: chosen from client profile)"},
			"connection_speed":       map[string]any{"type": "string", "enum": []any{"slow", "medium", "fast"}, "description": "Client connection speed"},
			"device_class":           map[string]any{"type": "string", "description": "Device class: mobile, tablet, desktop"},
			"performance_mode":       map[string]any{"type": "string", "description": "Skeleton performance mode: performance_first, balanced, high_quality"},
			"safety_level":           map[string]any{"type": "string", "enum": []any{"strict", "balanced", "permissive"}, "description": "Safety level"},
			"validate_chunks":        map[string]any{"type": "boolean", "description": "Validate every chunk"},
			"cross_page_consistency": map[string]any{"type": "boolean", "description": "Run dependency consistency checks"},
			"fallback_on_error":      map[string]any{"type": "boolean", "description": "Emit fallback content when the strategy fails"},
			"targets":                map[string]any{"type": "array", "items": map[string]any{"type": "object"}, "description": "Hydration targets: element_id, strategy, priority, dependencies"},
		}, []string{"page_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Render(ctx, Options{
			PageID:        p.PageID,
			WidgetID:      p.WidgetID,
			UserSessionID: p.UserSessionID,
			Strategy:      p.Strategy,
			Client: render.ClientProfile{
				ConnectionSpeed: p.ConnectionSpeed,
				DeviceClass:     p.DeviceClass,
			},
			Safety: render.SafetyRequirements{
				CrossPageConsistency: p.CrossPage,
				ValidateEachChunk:    p.ValidateChunks,
				FallbackOnError:      p.FallbackOnError,
				Level:                p.SafetyLevel,
			},
			Device: skeleton.DeviceProfile{
				Class:           p.DeviceClass,
				PerformanceMode: p.PerformanceMode,
			},
			Targets: p.Targets,
			Wait:    true,
		})
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: agentCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- Sessions ---

func (svc *Service) registerSession(srv *mcp.Server) {
	type req struct {
		SessionID     string `json:"session_id"`
		IncludeChunks bool   `json:"include_chunks"`
	}

	tool := &mcp.Tool{
		Name:        "esq_session",
		Description: "Get one render session, live or from the persisted history",
		InputSchema: inputSchema(map[string]any{
			"session_id":     map[string]any{"type": "string", "description": "Render session ID"},
			"include_chunks": map[string]any{"type": "boolean", "description": "Include the chunk log (live sessions only)"},
		}, []string{"session_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		snap, err := svc.Session(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"session": snap}
		if p.IncludeChunks {
			if chunks, err := svc.render.Chunks(p.SessionID); err == nil {
				out["chunks"] = chunks
			}
		}
		return out, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{
			Request: &p,
			EnrichCtx: func(ctx context.Context) context.Context {
				return kit.WithRenderSession(agentCtx(ctx), p.SessionID)
			},
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerSessions(srv *mcp.Server) {
	type req struct {
		Recent int `json:"recent"`
	}

	tool := &mcp.Tool{
		Name:        "esq_sessions",
		Description: "List render sessions: live ones, or recently finished ones from history",
		InputSchema: inputSchema(map[string]any{
			"recent": map[string]any{"type": "integer", "description": "When > 0, list that many finished sessions from history instead"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.Recent > 0 {
			return svc.RecentSessions(ctx, p.Recent)
		}
		return svc.Sessions(), nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: agentCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerSessionExport(srv *mcp.Server) {
	type req struct {
		SessionID string `json:"session_id"`
	}

	tool := &mcp.Tool{
		Name:        "esq_session_export",
		Description: "Export a render session's chunk log as a PDF document (base64)",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string", "description": "Render session ID"},
		}, []string{"session_id"}),
	}

	var endpoint kit.Endpoint = func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		pdf, err := svc.ExportSessionPDF(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"session_id": p.SessionID,
			"pdf_base64": base64.StdEncoding.EncodeToString(pdf),
			"bytes":      len(pdf),
		}, nil
	}
	if svc.audit != nil {
		endpoint = audit.Middleware(svc.audit, "hub", "export_pdf")(endpoint)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{
			Request: &p,
			EnrichCtx: func(ctx context.Context) context.Context {
				return kit.WithRenderSession(agentCtx(ctx), p.SessionID)
			},
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- Status ---

func (svc *Service) registerSystem(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "esq_system",
		Description: "Get system status: uptime and per-component counters",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return svc.SystemInfo(), nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil, EnrichCtx: agentCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerHealth(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "esq_health",
		Description: "Get the aggregate health report with per-component scores",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return svc.Health(), nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil, EnrichCtx: agentCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- Performance ---

func (svc *Service) registerProfiles(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "esq_profiles",
		Description: "List registered performance profiles and the currently applied one",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		out := map[string]any{"profiles": svc.Profiles()}
		if cur, ok := svc.CurrentProfile(); ok {
			out["current"] = cur
		}
		return out, nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil, EnrichCtx: agentCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerApplyProfile(srv *mcp.Server) {
	type req struct {
		ProfileID string `json:"profile_id"`
	}

	tool := &mcp.Tool{
		Name:        "esq_apply_profile",
		Description: "Apply a performance profile: thresholds, quality, and resource settings",
		InputSchema: inputSchema(map[string]any{
			"profile_id": map[string]any{"type": "string", "description": "Profile ID"},
		}, []string{"profile_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if err := svc.ApplyProfile(ctx, p.ProfileID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "applied", "profile_id": p.ProfileID}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: agentCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerOptimize(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "esq_optimize",
		Description: "Run one optimization sweep against the live health state",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return svc.Optimize(ctx)
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil, EnrichCtx: agentCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerAlerts(srv *mcp.Server) {
	type req struct {
		Active bool `json:"active"`
	}

	tool := &mcp.Tool{
		Name:        "esq_alerts",
		Description: "List performance alerts",
		InputSchema: inputSchema(map[string]any{
			"active": map[string]any{"type": "boolean", "description": "Only alerts not yet resolved"},
		}, nil),
	}

	endpoint := func(_ context.Context, r any) (any, error) {
		p := r.(*req)
		if p.Active {
			return svc.perf.ActiveAlerts(), nil
		}
		return svc.perf.Alerts(), nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: agentCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- Safety ---

func (svc *Service) registerNavigate(srv *mcp.Server) {
	type req struct {
		ContextID string `json:"context_id"`
		ToPageID  string `json:"to_page_id"`
	}

	tool := &mcp.Tool{
		Name:        "esq_navigate",
		Description: "Navigate a safety context to a new page, cleaning up the outgoing page's sessions",
		InputSchema: inputSchema(map[string]any{
			"context_id": map[string]any{"type": "string", "description": "Safety context ID"},
			"to_page_id": map[string]any{"type": "string", "description": "Destination page ID"},
		}, []string{"context_id", "to_page_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Navigate(ctx, p.ContextID, p.ToPageID)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: agentCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerContexts(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "esq_contexts",
		Description: "List safety contexts with their states and attached sessions",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return svc.safety.Contexts(), nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil, EnrichCtx: agentCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- Operations ---

func (svc *Service) registerShutdown(srv *mcp.Server) {
	type req struct {
		Reason string `json:"reason"`
	}

	tool := &mcp.Tool{
		Name:        "esq_shutdown",
		Description: "Emergency shutdown: cancel all active sessions and mark every context unsafe",
		InputSchema: inputSchema(map[string]any{
			"reason": map[string]any{"type": "string", "description": "Shutdown reason for the audit log"},
		}, []string{"reason"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.EmergencyShutdown(ctx, p.Reason), nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: agentCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
