// Package authz authorizes tool calls and filters tool catalogs against an
// authenticated identity's allowed-tools set.
package authz

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/internal/auth"
	"github.com/Sentinel-Gate/Sentinelgate/internal/mcpmsg"
)

// Action is the outcome of an authorization decision.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Decision records the outcome of an authorization check along with the
// reason, so the audit pipeline can record it verbatim.
type Decision struct {
	Action    Action
	Reason    string
	ToolName  string
	DecidedAt time.Time
}

// Allowed reports whether the decision permits the request to proceed.
func (d Decision) Allowed() bool { return d.Action == ActionAllow }

// Authorizer authorizes tool calls and filters tool catalogs for an
// identity. It holds no state of its own: every decision is a pure
// function of the identity's AllowedTools set.
type Authorizer struct{}

// NewAuthorizer builds an Authorizer.
func NewAuthorizer() *Authorizer {
	return &Authorizer{}
}

// AuthorizeToolCall decides whether identity may invoke the tool named in
// a tools/call envelope. Envelopes that are not tool calls are always
// allowed; authorization only gates tools/call.
func (a *Authorizer) AuthorizeToolCall(_ context.Context, identity *auth.Identity, msg *mcpmsg.Envelope) Decision {
	now := time.Now()
	if !msg.IsToolCall() {
		return Decision{Action: ActionAllow, Reason: "not a tool call", DecidedAt: now}
	}
	tool := msg.ToolName()
	if tool == "" {
		return Decision{Action: ActionDeny, Reason: "tool call missing name", DecidedAt: now}
	}
	if identity.AllowsTool(tool) {
		return Decision{Action: ActionAllow, Reason: "tool permitted", ToolName: tool, DecidedAt: now}
	}
	return Decision{Action: ActionDeny, Reason: "tool not in allowed set", ToolName: tool, DecidedAt: now}
}

// AuthorizeRequest decides whether identity may send msg at all. Only
// tool calls carry a restrictable resource today; every other method
// (initialize, tools/list, notifications) is allowed once authenticated.
func (a *Authorizer) AuthorizeRequest(ctx context.Context, identity *auth.Identity, msg *mcpmsg.Envelope) Decision {
	return a.AuthorizeToolCall(ctx, identity, msg)
}

// FilterToolsListResponse removes tool entries identity is not allowed to
// call from a tools/list response envelope, mutating it in place.
//
// Invariant: for any identity whose AllowedTools set is unrestricted
// (nil, or contains "*"), the envelope is returned unchanged.
func (a *Authorizer) FilterToolsListResponse(_ context.Context, identity *auth.Identity, msg *mcpmsg.Envelope) error {
	if identity.Unrestricted() {
		return nil
	}
	tools, ok := msg.ResultTools()
	if !ok {
		return nil
	}
	filtered := make([]json.RawMessage, 0, len(tools))
	for _, raw := range tools {
		if identity.AllowsTool(mcpmsg.ToolEntryName(raw)) {
			filtered = append(filtered, raw)
		}
	}
	return msg.RewriteResultTools(filtered)
}
