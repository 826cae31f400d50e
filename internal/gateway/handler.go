// Package gateway implements the request pipeline (C10): the HTTP front
// end that authenticates, rate-limits, authorizes, audits, and forwards
// MCP traffic to upstream servers, serving the gateway's own guard tools
// in-process.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/internal/audit"
	"github.com/Sentinel-Gate/Sentinelgate/internal/auth"
	"github.com/Sentinel-Gate/Sentinelgate/internal/authz"
	"github.com/Sentinel-Gate/Sentinelgate/internal/guardtools"
	"github.com/Sentinel-Gate/Sentinelgate/internal/mcpmsg"
	"github.com/Sentinel-Gate/Sentinelgate/internal/ratelimit"
	"github.com/Sentinel-Gate/Sentinelgate/internal/router"
	"github.com/Sentinel-Gate/Sentinelgate/internal/transport"
)

// maxRequestBodySize caps inbound MCP request bodies, mirroring the
// teacher's Streamable HTTP handler.
const maxRequestBodySize = 1 << 20

// upstreamConn serializes Send/Receive against one upstream transport so
// replies pair with the request that produced them, per spec.md §5
// ("sends and receives are serialized per request-id").
type upstreamConn struct {
	mu   sync.Mutex
	conn transport.Transport
}

// RoundTrip sends req and, unless it is a notification, waits for the
// paired reply.
func (u *upstreamConn) RoundTrip(ctx context.Context, req *mcpmsg.Envelope) (*mcpmsg.Envelope, error) {
	data, err := mcpmsg.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.conn.Send(ctx, data); err != nil {
		return nil, err
	}
	if req.IsNotification() {
		return nil, nil
	}
	reply, err := u.conn.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return mcpmsg.Decode(reply, mcpmsg.ServerToClient)
}

// Handler implements the full C10 request pipeline as an http.Handler.
type Handler struct {
	Auth             *auth.MultiProvider
	Authz            *authz.Authorizer
	Limiter          ratelimit.Limiter
	RateLimitConfig  ratelimit.Config
	Pipeline         *audit.Pipeline
	Router           *router.Router
	Upstreams        map[string]*upstreamConn
	Guard            *guardtools.Provider
	Metrics          *Metrics
	Logger           *slog.Logger
	CredentialHeader string
	Trusted          *auth.TrustedProxyRanges
}

// NewUpstreamConn wraps a started transport for use by a Handler.
func NewUpstreamConn(conn transport.Transport) *upstreamConn {
	return &upstreamConn{conn: conn}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// ServeHTTP implements the MCP endpoint: POST /mcp[/<route-prefix>/...].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	ctx := WithRequestPath(r.Context(), r.URL.Path)
	requestID := RequestIDFromContext(ctx)
	log := LoggerFromContext(ctx)
	sourceIP := peerIP(r, h.Trusted)

	status := "ok"
	defer func() {
		h.Metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		h.Metrics.RequestsTotal.WithLabelValues(r.Method, status).Inc()
	}()

	// Step 1+2: authenticate.
	credential := bearerCredential(r, h.CredentialHeader)
	identity, err := h.Auth.AuthenticateRequest(ctx, r, credential)
	if err != nil {
		status = "auth_failure"
		h.audit(audit.Entry{
			Timestamp: time.Now(), RequestID: requestID, EventType: audit.EventTypeAuthFailure,
			Decision: audit.DecisionDeny, Reason: auth.SafeErrorMessage(err), SourceIP: sourceIP,
		})
		writeJSONError(w, http.StatusUnauthorized, auth.SafeErrorMessage(err))
		return
	}
	h.audit(audit.Entry{
		Timestamp: time.Now(), RequestID: requestID, EventType: audit.EventTypeAuth,
		IdentityID: identity.ID, IdentityName: identity.Name, AuthMethod: authMethod(identity),
		Decision: audit.DecisionAllow, SourceIP: sourceIP,
	})

	// Step 3: parse body.
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		status = "bad_request"
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	msg, err := mcpmsg.Decode(body, mcpmsg.ClientToServer)
	if err != nil {
		status = "bad_request"
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Step 4: rate limit keyed by identity id.
	rlKey := ratelimit.FormatKey(ratelimit.KeyTypeIdentity, identity.ID)
	rlCfg := h.RateLimitConfig
	if identity.RateLimit != nil {
		rlCfg.Rate = *identity.RateLimit
		rlCfg.Burst = int(math.Max(1, math.Round(rlCfg.Rate*0.5)))
	}
	rlResult, err := h.Limiter.Allow(ctx, rlKey, rlCfg)
	if err != nil {
		status = "internal_error"
		writeJSONError(w, http.StatusInternalServerError, "rate limiter error")
		return
	}
	if !rlResult.Allowed {
		status = "rate_limited"
		h.Metrics.RateLimitDenied.WithLabelValues(string(ratelimit.KeyTypeIdentity)).Inc()
		h.audit(audit.Entry{
			Timestamp: time.Now(), RequestID: requestID, EventType: audit.EventTypeRateLimited,
			IdentityID: identity.ID, IdentityName: identity.Name, AuthMethod: authMethod(identity),
			Decision: audit.DecisionDeny, Reason: "rate limit exceeded", SourceIP: sourceIP,
		})
		writeRateLimitHeaders(w, rlResult, rlCfg)
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	// Step 5/6/7/8: dispatch.
	result := h.dispatch(ctx, identity, msg)
	if result.denyReason != "" {
		status = "forbidden"
		h.Metrics.PolicyEvaluations.WithLabelValues("deny").Inc()
		h.audit(audit.Entry{
			Timestamp: time.Now(), RequestID: requestID, EventType: audit.EventTypeAuthzDeny,
			IdentityID: identity.ID, IdentityName: identity.Name, AuthMethod: authMethod(identity),
			ToolName: result.toolName, Decision: audit.DecisionDeny, Reason: result.denyReason, SourceIP: sourceIP,
		})
		writeJSONError(w, http.StatusForbidden, result.denyReason)
		return
	}
	h.Metrics.PolicyEvaluations.WithLabelValues("allow").Inc()

	var toolArgs map[string]interface{}
	if msg.IsToolCall() {
		if params := msg.ParseParams(); params != nil {
			if args, ok := params["arguments"].(map[string]interface{}); ok {
				toolArgs = args
			}
		}
	}

	auditEventType := eventTypeFor(msg)
	auditDecision := audit.DecisionAllow
	auditReason := ""
	if result.upstreamFailed {
		status = "upstream_error"
		auditEventType = audit.EventTypeUpstreamError
		auditDecision = audit.DecisionDeny
		auditReason = "upstream error"
	}
	h.audit(audit.Entry{
		Timestamp: time.Now(), RequestID: requestID, EventType: auditEventType,
		IdentityID: identity.ID, IdentityName: identity.Name, AuthMethod: authMethod(identity),
		ToolName: result.toolName, ToolArguments: toolArgs, Decision: auditDecision, Reason: auditReason, SourceIP: sourceIP,
		LatencyMicros: time.Since(start).Microseconds(),
	})

	if msg.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	out, err := mcpmsg.Encode(result.reply)
	if err != nil {
		status = "internal_error"
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// dispatchResult carries dispatch's outcome, including enough detail for
// ServeHTTP to pick the right audit event type: a denial (guard-tool or
// authz) is audited as AuthzDeny, a forward failure as UpstreamError, and
// anything else as a normal success.
type dispatchResult struct {
	reply          *mcpmsg.Envelope
	toolName       string
	denyReason     string
	upstreamFailed bool
}

// dispatch runs steps 5-7 of the pipeline: guard-tool short-circuit,
// authorization, routing to an upstream, and tools/list filtering.
func (h *Handler) dispatch(ctx context.Context, identity *auth.Identity, msg *mcpmsg.Envelope) dispatchResult {
	toolName := msg.ToolName()

	if msg.IsToolCall() && h.Guard != nil && h.Guard.Handles(toolName) {
		args := map[string]any{}
		if params := msg.ParseParams(); params != nil {
			if a, ok := params["arguments"].(map[string]any); ok {
				args = a
			}
		}
		result, callErr := h.Guard.Call(ctx, identity, toolName, args)
		if callErr != nil {
			var forbidden *guardtools.ErrForbidden
			if errors.As(callErr, &forbidden) {
				return dispatchResult{toolName: toolName, denyReason: "guard tool requires admin"}
			}
		}
		wire := guardtools.BuildCallResult(result, callErr)
		reply, err := mcpmsg.NewResult(msg.ID, wire)
		if err != nil {
			return dispatchResult{reply: mcpmsg.NewError(msg.ID, -32603, "internal error"), toolName: toolName}
		}
		return dispatchResult{reply: reply, toolName: toolName}
	}

	decision := h.Authz.AuthorizeRequest(ctx, identity, msg)
	if !decision.Allowed() {
		return dispatchResult{toolName: decision.ToolName, denyReason: decision.Reason}
	}

	reply, err := h.forward(ctx, identity, msg)
	if err != nil {
		return dispatchResult{reply: mcpmsg.NewError(msg.ID, -32603, "upstream error"), toolName: toolName, upstreamFailed: true}
	}
	if reply == nil {
		return dispatchResult{toolName: toolName}
	}

	if msg.IsToolsList() {
		h.mergeGuardTools(identity, reply)
		if err := h.Authz.FilterToolsListResponse(ctx, identity, reply); err != nil {
			return dispatchResult{reply: mcpmsg.NewError(msg.ID, -32603, "internal error"), toolName: toolName}
		}
	}
	return dispatchResult{reply: reply, toolName: toolName}
}

// forward routes msg to the upstream matching the request path and
// returns its reply (nil for notifications).
func (h *Handler) forward(ctx context.Context, _ *auth.Identity, msg *mcpmsg.Envelope) (*mcpmsg.Envelope, error) {
	path, _ := ctx.Value(requestPathKey{}).(string)
	route, ok := h.Router.Match(path)
	if !ok {
		if len(h.Upstreams) == 0 {
			return mcpmsg.NewError(msg.ID, router.ErrCodeNoUpstreams, "no upstreams configured"), nil
		}
		return mcpmsg.NewError(msg.ID, router.ErrCodeMethodNotFound, "no route for path"), nil
	}
	conn, ok := h.Upstreams[route.UpstreamID]
	if !ok {
		return mcpmsg.NewError(msg.ID, router.ErrCodeNoUpstreams, "upstream not available"), nil
	}
	return conn.RoundTrip(ctx, msg)
}

// mergeGuardTools prepends the guard tool catalog to an upstream
// tools/list reply's result.tools, per spec.md §4.11 ("concatenates its
// own tools with any upstream's tools/list result").
func (h *Handler) mergeGuardTools(identity *auth.Identity, reply *mcpmsg.Envelope) {
	if h.Guard == nil || reply.Result == nil {
		return
	}
	guardTools := h.Guard.ListTools(identity)
	if len(guardTools) == 0 {
		return
	}
	raw := make([]json.RawMessage, 0, len(guardTools))
	for _, t := range guardTools {
		data, err := json.Marshal(t)
		if err != nil {
			continue
		}
		raw = append(raw, data)
	}
	existing, ok := reply.ResultTools()
	if ok {
		raw = append(raw, existing...)
	}
	_ = reply.RewriteResultTools(raw)
}

func (h *Handler) audit(e audit.Entry) {
	if h.Pipeline == nil {
		return
	}
	h.Pipeline.Record(e)
}

func authMethod(identity *auth.Identity) string {
	if identity == nil || identity.Claims == nil {
		return ""
	}
	m, _ := identity.Claims["auth_method"].(string)
	return m
}

func eventTypeFor(msg *mcpmsg.Envelope) string {
	if msg.IsToolsList() {
		return audit.EventTypeToolsListReq
	}
	return audit.EventTypeToolCall
}

// requestPathKey carries the inbound request path so dispatch/forward can
// route without threading *http.Request through every call.
type requestPathKey struct{}

// WithRequestPath stores path in ctx for the router to read during dispatch.
func WithRequestPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, requestPathKey{}, path)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(body)
}

func writeRateLimitHeaders(w http.ResponseWriter, result ratelimit.Result, cfg ratelimit.Config) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(result.RetryAfter.Seconds())+1))
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.Burst))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", result.ResetAt.Unix()))
}
