// Package proxy drives a chat request from the inbound dialect to the
// upstream and back: request conversion, tool-prompt injection, streaming
// translation, and tool-call synthesis.
package proxy

import (
	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/domain/prompt"
	"github.com/toolbridge/toolbridge/internal/infrastructure/config"
	"github.com/toolbridge/toolbridge/internal/infrastructure/monitoring"
)

// Plan is the per-request tool-handling decision.
type Plan struct {
	// Known is the request's tool-name set; non-empty enables envelope
	// detection on the response.
	Known chat.ToolSet
	// NativeTools reports that tool definitions stayed on the wire.
	NativeTools bool
	// Injected reports that prompt instructions were spliced in.
	Injected bool
}

// Policy decides, per request, whether tool definitions travel natively to
// the upstream or are replaced by injected prompt instructions. A model
// manifest entry overrides the global assumption that the upstream cannot
// do native tool calling.
type Policy struct {
	passTools bool
	manifest  *config.ModelManifest
	reinject  prompt.ReinjectionPolicy
}

// NewPolicy builds the policy from config and the optional manifest.
func NewPolicy(cfg config.ToolsConfig, manifest *config.ModelManifest) *Policy {
	return &Policy{
		passTools: cfg.PassTools,
		manifest:  manifest,
		reinject: prompt.ReinjectionPolicy{
			Enabled:          cfg.Reinjection.Enabled,
			MessageThreshold: cfg.Reinjection.MessageThreshold,
			TokenThreshold:   cfg.Reinjection.TokenThreshold,
			Role:             cfg.Reinjection.Role,
		},
	}
}

// Apply rewrites the request in place according to the policy and returns
// the plan. Requests without tools pass through untouched.
//
// Default: strip the native tool fields and teach the model the envelope
// protocol through the system prompt. Manifest native_tools=true: keep the
// native fields and skip injection. passTools=true: keep the native fields
// AND inject, for upstreams that understand tools but model-dependently
// ignore them.
func (p *Policy) Apply(req *chat.Request) Plan {
	known := req.ToolNames()
	if known.Empty() {
		return Plan{}
	}

	if p.manifest != nil {
		if native, ok := p.manifest.NativeTools(req.Model); ok && native {
			return Plan{Known: known, NativeTools: true}
		}
	}

	tools := req.Tools
	if !p.passTools {
		req.Tools = nil
		req.ToolChoice = nil
	}

	req.Messages = prompt.Inject(req.Messages, tools)
	req.Messages = prompt.Reinject(req.Messages, tools, p.reinject)
	monitoring.ToolPromptInjectionsTotal.Inc()

	return Plan{Known: known, NativeTools: p.passTools, Injected: true}
}
