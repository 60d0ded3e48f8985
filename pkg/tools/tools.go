// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package tools maps an AI coding tool to the environment it needs so that
// its API traffic is routed through the proxy.
package tools

import (
	"sort"
	"strings"
)

// Environment variables understood by the client SDKs of the wrapped tools.
const (
	EnvAnthropicBaseURL   = "ANTHROPIC_BASE_URL"
	EnvOpenAIBaseURL      = "OPENAI_BASE_URL"
	EnvGeminiBaseURL      = "GOOGLE_GEMINI_BASE_URL"
	EnvCodeAssistEndpoint = "CODE_ASSIST_ENDPOINT"
)

type policy int

const (
	policyAnthropic policy = iota
	policyDual
	policyGemini
	policyMitm
	policyUnsupported
)

// known lists the tools with a dedicated routing policy. Anything else is
// treated as speaking the Anthropic or OpenAI wire shape.
var known = map[string]policy{
	"claude":   policyAnthropic,
	"aider":    policyDual,
	"goose":    policyDual,
	"gemini":   policyGemini,
	"copilot":  policyMitm,
	"opencode": policyMitm,
	"codex":    policyUnsupported,
}

// Descriptor tells the process launcher how to wire a tool to the proxy.
// Env holds base URL overrides; NeedsMitm means the tool hard-codes its
// provider endpoints and can only be captured through TLS interception.
// An empty Env without NeedsMitm means the tool cannot be proxied.
type Descriptor struct {
	Env       map[string]string
	NeedsMitm bool
}

// Supported reports whether the tool can be routed through the proxy at all.
func (d Descriptor) Supported() bool {
	return len(d.Env) > 0 || d.NeedsMitm
}

// Environ renders Env as sorted KEY=value pairs suitable for exec.Cmd.Env.
func (d Descriptor) Environ() []string {
	out := make([]string, 0, len(d.Env))
	for k, v := range d.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the routing descriptor of toolID against a proxy listening
// at proxyBaseURL. The tool id is appended to the base URL as the first path
// segment; the forwarder uses it as the routing tag.
func Resolve(toolID, proxyBaseURL string) Descriptor {
	tagged := strings.TrimRight(proxyBaseURL, "/") + "/" + toolID

	p, ok := known[toolID]
	if !ok {
		p = policyDual
	}

	switch p {
	case policyAnthropic:
		return Descriptor{Env: map[string]string{EnvAnthropicBaseURL: tagged}}
	case policyGemini:
		// The genai SDK expects the trailing slash, the code assist client
		// appends "/<version>:<method>" itself and breaks with one.
		return Descriptor{Env: map[string]string{
			EnvGeminiBaseURL:      tagged + "/",
			EnvCodeAssistEndpoint: tagged,
		}}
	case policyMitm:
		return Descriptor{Env: map[string]string{}, NeedsMitm: true}
	case policyUnsupported:
		return Descriptor{Env: map[string]string{}}
	default:
		return Descriptor{Env: map[string]string{
			EnvAnthropicBaseURL: tagged,
			EnvOpenAIBaseURL:    tagged,
		}}
	}
}

// Known returns the tool ids that have a dedicated routing policy.
func Known() []string {
	ids := make([]string, 0, len(known))
	for id := range known {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
