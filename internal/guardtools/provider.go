// Package guardtools implements the gateway's own in-process MCP tools:
// health/metrics/version for every identity, plus admin tools (key
// hashing, audit queries, live config inspection) gated on an admin
// check.
package guardtools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/internal/audit"
	"github.com/Sentinel-Gate/Sentinelgate/internal/auth"
	"github.com/Sentinel-Gate/Sentinelgate/internal/ratelimit"
)

// ToolDescriptor is the JSON-RPC tools/list entry shape for one guard tool.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ContentBlock is one entry of a tools/call result's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallResult is the wire shape every guard tool call returns, regardless
// of outcome: free-form content blocks plus an error flag.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// BuildCallResult renders a guard tool's domain-level result (or error)
// into the content/isError wire shape. On success, result is JSON-encoded
// into a single text block; on error, the error message is the text and
// IsError is set.
func BuildCallResult(result any, err error) CallResult {
	if err != nil {
		return CallResult{Content: []ContentBlock{{Type: "text", Text: err.Error()}}, IsError: true}
	}
	data, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return CallResult{Content: []ContentBlock{{Type: "text", Text: marshalErr.Error()}}, IsError: true}
	}
	return CallResult{Content: []ContentBlock{{Type: "text", Text: string(data)}}}
}

// HandlerFunc executes one guard tool call. args is the parsed
// params.arguments object from the tools/call request.
type HandlerFunc func(ctx context.Context, identity *auth.Identity, args map[string]any) (any, error)

type registeredTool struct {
	descriptor ToolDescriptor
	handler    HandlerFunc
	adminOnly  bool
}

// Provider serves the gateway's own guard tools: dispatch by name, list
// filtered by whether the caller passes the admin check.
type Provider struct {
	tools   map[string]registeredTool
	startAt time.Time
	version string

	limiter     *ratelimit.TokenBucketLimiter
	pipeline    *audit.Pipeline
	configStats func() map[string]any
}

// NewProvider builds a Provider with the standard guard tools registered.
// limiter, pipeline, and configStats may be nil without any tool failing:
// guard/health reports them as "not configured", guard/metrics omits
// their figures, guard/audit/dropped reports 0, and guard/config/summary
// returns an empty object.
func NewProvider(version string, limiter *ratelimit.TokenBucketLimiter, pipeline *audit.Pipeline, configStats func() map[string]any) *Provider {
	p := &Provider{
		tools:       make(map[string]registeredTool),
		startAt:     time.Now(),
		version:     version,
		limiter:     limiter,
		pipeline:    pipeline,
		configStats: configStats,
	}
	p.registerBuiltins()
	return p
}

// IsAdmin reports whether identity passes the admin check: claim
// "admin" == true, or identity id "admin".
func IsAdmin(identity *auth.Identity) bool {
	if identity == nil {
		return false
	}
	if identity.ID == "admin" {
		return true
	}
	if identity.Claims == nil {
		return false
	}
	admin, _ := identity.Claims["admin"].(bool)
	return admin
}

func (p *Provider) register(name, description string, schema json.RawMessage, adminOnly bool, h HandlerFunc) {
	p.tools[name] = registeredTool{
		descriptor: ToolDescriptor{Name: name, Description: description, InputSchema: schema},
		handler:    h,
		adminOnly:  adminOnly,
	}
}

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

func (p *Provider) registerBuiltins() {
	p.register("guard/health", "Report gateway component health.", emptySchema, false, p.handleHealth)
	p.register("guard/metrics", "Report gateway request and rate-limit counters.", emptySchema, false, p.handleMetrics)
	p.register("guard/version", "Report the running gateway version.", emptySchema, false, p.handleVersion)

	p.register("guard/keys/hash", "Hash a raw API key using Argon2id, for seeding config.",
		json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`),
		true, p.handleHashAPIKey)
	p.register("guard/audit/dropped", "Report the number of audit entries dropped due to queue overflow.",
		emptySchema, true, p.handleAuditDropped)
	p.register("guard/config/summary", "Report a redacted summary of the running configuration.",
		emptySchema, true, p.handleConfigSummary)
}

// ListTools returns the guard tool catalog visible to identity: every
// public tool, plus admin tools if identity passes the admin check.
func (p *Provider) ListTools(identity *auth.Identity) []ToolDescriptor {
	admin := IsAdmin(identity)
	out := make([]ToolDescriptor, 0, len(p.tools))
	for _, t := range p.tools {
		if t.adminOnly && !admin {
			continue
		}
		out = append(out, t.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ErrNotFound is returned by Call when no guard tool has the given name.
type ErrNotFound struct{ Name string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("guard tool not found: %s", e.Name) }

// ErrForbidden is returned by Call when an identity failing the admin
// check calls an admin-only guard tool.
type ErrForbidden struct{ Name string }

func (e *ErrForbidden) Error() string { return fmt.Sprintf("guard tool requires admin: %s", e.Name) }

// Handles reports whether name is a guard tool this Provider serves, so
// the gateway pipeline can decide whether to dispatch locally or forward
// upstream without risking a double response.
func (p *Provider) Handles(name string) bool {
	_, ok := p.tools[name]
	return ok
}

// Call dispatches name with args on behalf of identity, returning the
// domain-level result. Use BuildCallResult to render it to the wire shape.
func (p *Provider) Call(ctx context.Context, identity *auth.Identity, name string, args map[string]any) (any, error) {
	t, ok := p.tools[name]
	if !ok {
		return nil, &ErrNotFound{Name: name}
	}
	if t.adminOnly && !IsAdmin(identity) {
		return nil, &ErrForbidden{Name: name}
	}
	return t.handler(ctx, identity, args)
}

func (p *Provider) handleHealth(_ context.Context, _ *auth.Identity, _ map[string]any) (any, error) {
	checks := map[string]string{
		"goroutines": fmt.Sprintf("%d", runtime.NumGoroutine()),
		"uptime":     time.Since(p.startAt).String(),
	}
	if p.limiter != nil {
		checks["rate_limiter"] = fmt.Sprintf("ok: %d tracked keys", p.limiter.Size())
	} else {
		checks["rate_limiter"] = "not configured"
	}
	status := "healthy"
	if p.pipeline != nil {
		if dropped := p.pipeline.Dropped(); dropped > 0 {
			checks["audit"] = fmt.Sprintf("degraded: %d dropped", dropped)
			status = "degraded"
		} else {
			checks["audit"] = "ok"
		}
	} else {
		checks["audit"] = "not configured"
	}
	return map[string]any{"status": status, "checks": checks, "version": p.version}, nil
}

func (p *Provider) handleMetrics(_ context.Context, _ *auth.Identity, _ map[string]any) (any, error) {
	metrics := map[string]any{
		"uptime_seconds": time.Since(p.startAt).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
	}
	if p.limiter != nil {
		metrics["rate_limit_tracked_keys"] = p.limiter.Size()
	}
	if p.pipeline != nil {
		metrics["audit_dropped_total"] = p.pipeline.Dropped()
	}
	return metrics, nil
}

func (p *Provider) handleVersion(_ context.Context, _ *auth.Identity, _ map[string]any) (any, error) {
	return map[string]any{"version": p.version, "go_version": runtime.Version()}, nil
}

func (p *Provider) handleHashAPIKey(_ context.Context, _ *auth.Identity, args map[string]any) (any, error) {
	key, _ := args["key"].(string)
	if key == "" {
		return nil, fmt.Errorf("missing required argument: key")
	}
	hash, err := auth.HashKeyArgon2id(key)
	if err != nil {
		return nil, fmt.Errorf("hash key: %w", err)
	}
	return map[string]any{"hash": hash}, nil
}

func (p *Provider) handleAuditDropped(_ context.Context, _ *auth.Identity, _ map[string]any) (any, error) {
	if p.pipeline == nil {
		return map[string]any{"dropped": 0}, nil
	}
	return map[string]any{"dropped": p.pipeline.Dropped()}, nil
}

func (p *Provider) handleConfigSummary(_ context.Context, _ *auth.Identity, _ map[string]any) (any, error) {
	if p.configStats == nil {
		return map[string]any{}, nil
	}
	return p.configStats(), nil
}
