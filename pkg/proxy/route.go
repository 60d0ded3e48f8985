// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-core-stack/context-proxy/pkg/config"
)

// Headers understood by the proxy itself. They are never forwarded upstream.
const (
	HeaderTool      = "X-Context-Proxy-Tool"
	HeaderTarget    = "X-Context-Proxy-Target"
	HeaderRequestID = "X-Context-Proxy-Request-Id"

	headerPrefix = "X-Context-Proxy-"
	unknownTool  = "unknown"
)

// llmHost describes a provider host reachable through TLS interception.
type llmHost struct {
	host     string
	provider string
	// upstream is the table key whose default points at host, if any.
	upstream string
}

// llmHosts lists the hosts that carry LLM API traffic. Intercepted requests
// for any other host are refused.
var llmHosts = []llmHost{
	{host: "api.anthropic.com", provider: "anthropic", upstream: config.UpstreamAnthropic},
	{host: "api.openai.com", provider: "openai", upstream: config.UpstreamOpenAI},
	{host: "chatgpt.com", provider: "chatgpt", upstream: config.UpstreamChatGPT},
	{host: "generativelanguage.googleapis.com", provider: "gemini", upstream: config.UpstreamGemini},
	{host: "cloudcode-pa.googleapis.com", provider: "gemini", upstream: config.UpstreamGeminiCodeAssist},
	{host: "models.inference.ai.azure.com", provider: "openai"},
	{host: "api.individual.githubcopilot.com", provider: "openai"},
	{host: "api.business.githubcopilot.com", provider: "openai"},
	{host: "api.enterprise.githubcopilot.com", provider: "openai"},
	{host: "openrouter.ai", provider: "openrouter"},
	{host: "opencode.ai", provider: "opencode"},
}

var toolTagPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// route is the resolved destination of one inbound request.
type route struct {
	tool        string
	provider    string
	upstreamKey string
	base        *url.URL
	path        string
	rawQuery    string
	intercepted bool
	overridden  bool
}

// target joins the upstream base URL with the remaining request path. A
// leading "/v1" already present in the base path is not repeated.
func (rt *route) target() *url.URL {
	u := *rt.base
	basePath := strings.TrimRight(u.Path, "/")
	path := rt.path
	if path == "" {
		path = "/"
	}
	if strings.HasSuffix(basePath, "/v1") && (path == "/v1" || strings.HasPrefix(path, "/v1/")) {
		path = strings.TrimPrefix(path, "/v1")
	}
	u.Path = basePath + path
	u.RawPath = ""
	u.RawQuery = rt.rawQuery
	u.Fragment = ""
	return &u
}

// matchLLMHost returns the known LLM host entry for host, matching exactly
// or on a dot boundary.
func matchLLMHost(host string) (llmHost, bool) {
	host = strings.ToLower(stripPort(host))
	if host == "" {
		return llmHost{}, false
	}
	for _, h := range llmHosts {
		if host == h.host || strings.HasSuffix(host, "."+h.host) {
			return h, true
		}
	}
	return llmHost{}, false
}

func stripPort(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return strings.Trim(hostport, "[]")
}

// resolveRoute classifies r and selects its upstream. Errors are httpErrors
// carrying the client-facing status.
func (p *Forwarder) resolveRoute(r *http.Request) (*route, error) {
	var (
		rt  *route
		err error
	)
	if r.URL.IsAbs() || r.URL.Host != "" {
		rt, err = p.interceptedRoute(r, r.URL.Host)
	} else if _, ok := matchLLMHost(r.Host); ok {
		rt, err = p.interceptedRoute(r, r.Host)
	} else {
		rt, err = p.directRoute(r)
	}
	if err != nil {
		return nil, err
	}

	if raw := strings.TrimSpace(r.Header.Get(HeaderTarget)); raw != "" {
		if !p.cfg.AllowTargetOverride {
			return nil, &httpError{
				Status: http.StatusForbidden,
				Type:   errTypeOverrideForbidden,
				Err:    fmt.Errorf("target override requested but not enabled"),
			}
		}
		target, perr := url.Parse(raw)
		if perr != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
			return nil, &httpError{
				Status: http.StatusBadRequest,
				Type:   errTypeBadRequest,
				Err:    fmt.Errorf("unparseable target override"),
			}
		}
		target.RawQuery = ""
		target.Fragment = ""
		rt.base = target
		rt.overridden = true
	}
	return rt, nil
}

func (p *Forwarder) interceptedRoute(r *http.Request, host string) (*route, error) {
	known, ok := matchLLMHost(host)
	if !ok {
		return nil, &httpError{
			Status: http.StatusMisdirectedRequest,
			Type:   errTypeMisdirected,
			Err:    fmt.Errorf("host %q is not a known LLM API host", stripPort(host)),
		}
	}

	tool := strings.TrimSpace(r.Header.Get(HeaderTool))
	if tool == "" || !toolTagPattern.MatchString(tool) {
		tool = unknownTool
	}

	rt := &route{
		tool:        tool,
		provider:    known.provider,
		upstreamKey: known.upstream,
		path:        r.URL.Path,
		rawQuery:    r.URL.RawQuery,
		intercepted: true,
	}
	if known.upstream != "" {
		rt.base = p.upstreams[known.upstream]
	} else {
		rt.base = &url.URL{Scheme: "https", Host: strings.ToLower(stripPort(host))}
	}
	return rt, nil
}

func (p *Forwarder) directRoute(r *http.Request) (*route, error) {
	segments := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	tool := segments[0]
	if tool == "" {
		return nil, &httpError{
			Status: http.StatusBadRequest,
			Type:   errTypeBadRequest,
			Err:    fmt.Errorf("missing tool tag in request path"),
		}
	}
	if !toolTagPattern.MatchString(tool) {
		return nil, &httpError{
			Status: http.StatusBadRequest,
			Type:   errTypeBadRequest,
			Err:    fmt.Errorf("invalid tool tag in request path"),
		}
	}

	rest := "/"
	if len(segments) == 2 {
		rest = "/" + segments[1]
	}

	key := ""
	if next, remainder, _ := strings.Cut(strings.TrimPrefix(rest, "/"), "/"); next != "" {
		if _, ok := p.upstreams[next]; ok {
			key = next
			rest = "/" + remainder
		}
	}
	if key == "" {
		key = inferUpstream(rest, r.Header)
	}

	return &route{
		tool:        tool,
		provider:    providerOf(key),
		upstreamKey: key,
		base:        p.upstreams[key],
		path:        rest,
		rawQuery:    r.URL.RawQuery,
	}, nil
}

// inferUpstream picks the upstream for a path the tool sent after its tag.
func inferUpstream(path string, h http.Header) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasPrefix(lower, "/v1internal"):
		return config.UpstreamGeminiCodeAssist
	case strings.HasPrefix(lower, "/v1beta"), strings.HasPrefix(lower, "/v1alpha"),
		strings.Contains(lower, ":generatecontent"), strings.Contains(lower, ":streamgeneratecontent"),
		h.Get("x-goog-api-key") != "":
		return config.UpstreamGemini
	case strings.HasPrefix(lower, "/backend-api/"):
		return config.UpstreamChatGPT
	case strings.HasPrefix(lower, "/v1/messages"), strings.HasPrefix(lower, "/v1/complete"),
		h.Get("anthropic-version") != "", h.Get("x-api-key") != "":
		return config.UpstreamAnthropic
	default:
		return config.UpstreamOpenAI
	}
}

func providerOf(upstreamKey string) string {
	switch upstreamKey {
	case config.UpstreamGeminiCodeAssist:
		return "gemini"
	default:
		return upstreamKey
	}
}

// detectAPIFormat names the wire format of a request for logs and events.
func detectAPIFormat(provider, path string) string {
	switch provider {
	case "anthropic":
		if strings.Contains(path, "/messages") {
			return "anthropic-messages"
		}
	case "openai", "chatgpt", "openrouter", "opencode":
		switch {
		case strings.Contains(path, "/chat/completions"):
			return "chat-completions"
		case strings.Contains(path, "/responses"):
			return "responses"
		case strings.Contains(path, "/backend-api/"):
			return "chatgpt-backend"
		case strings.Contains(path, "/mcp/"):
			return "mcp"
		}
	case "gemini":
		return "gemini"
	}
	return "unknown"
}
