// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package outputscan inspects model output for URLs that point at known
// exfiltration endpoints. It buffers the responses it inspects; see package
// plugin for the streaming trade-off that implies.
package outputscan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/context-proxy/pkg/config"
	"github.com/go-core-stack/context-proxy/pkg/plugin"
	"github.com/go-core-stack/context-proxy/pkg/scanner"
)

const (
	// Name identifies the plugin in logs and errors.
	Name = "outputscan"
	// HeaderScan reports the scan outcome to the tool.
	HeaderScan = "X-Context-Proxy-Scan"
	// AnnotationAlerts holds the number of alerts raised for an exchange.
	AnnotationAlerts = "outputscan.alerts"
	// AnnotationError holds the reason an exchange could not be scanned.
	AnnotationError = "outputscan.error"
	// Redacted replaces blocked URLs in redact mode.
	Redacted = "[blocked-url]"

	errTypeBlocked = "output_blocked"
)

// Options configures the plugin.
type Options struct {
	// Mode is one of the config.ScanMode values.
	Mode string
	// ExtraDomains extend scanner.DefaultBlockedDomains.
	ExtraDomains []string
	// MaxDecodedBytes caps the size of a decompressed body.
	MaxDecodedBytes int64
}

// Plugin is a plugin.BodyInspector scanning buffered responses.
type Plugin struct {
	mode     string
	blocked  []string
	maxBytes int64
}

// New builds the plugin. An empty mode means warn.
func New(opts Options) *Plugin {
	mode := opts.Mode
	if mode == "" {
		mode = config.ScanModeWarn
	}
	maxBytes := opts.MaxDecodedBytes
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	return &Plugin{
		mode:     mode,
		blocked:  mergeDomains(scanner.DefaultBlockedDomains, opts.ExtraDomains),
		maxBytes: maxBytes,
	}
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return Name }

// BlockedDomains returns the effective blocklist.
func (p *Plugin) BlockedDomains() []string {
	return append([]string(nil), p.blocked...)
}

// WantsBody asks for successful responses that can carry model text.
func (p *Plugin) WantsBody(ex *plugin.Exchange) bool {
	if p.mode == config.ScanModeOff || ex.Response == nil {
		return false
	}
	if ex.Request != nil && ex.Request.Method == http.MethodHead {
		return false
	}
	if ex.Response.StatusCode < 200 || ex.Response.StatusCode >= 300 {
		return false
	}
	return inspectable(ex.Response.Header.Get("Content-Type"))
}

// OnResponse scans the buffered body and applies the configured mode.
func (p *Plugin) OnResponse(ctx context.Context, ex *plugin.Exchange) (*plugin.Reply, error) {
	if p.mode == config.ScanModeOff || ex.Response == nil || !ex.Response.Buffered {
		return nil, nil
	}
	logger := zerolog.Ctx(ctx).With().Str("plugin", Name).Logger()
	header := ex.Response.Header

	decoded, err := decodeBody(ex.Response.Body, header.Get("Content-Encoding"), p.maxBytes)
	if err != nil {
		if p.mode == config.ScanModeWarn {
			ex.Annotate(AnnotationError, err.Error())
			logger.Warn().Err(err).Msg("response not scanned")
			return nil, nil
		}
		return nil, fmt.Errorf("scan response: %w", err)
	}

	result := scanner.Scan(ExtractText(decoded, header.Get("Content-Type")), p.blocked)
	ex.Annotate(AnnotationAlerts, strconv.Itoa(len(result.Alerts)))
	if result.IsSafe {
		return nil, nil
	}

	matches := make([]string, 0, len(result.Alerts))
	for _, a := range result.Alerts {
		matches = append(matches, a.Match)
	}
	logger.Warn().
		Str("mode", p.mode).
		Int("alerts", len(result.Alerts)).
		Strs("urls", matches).
		Msg("suspicious URL in model output")

	switch p.mode {
	case config.ScanModeBlock:
		return blockReply(result), nil
	case config.ScanModeRedact:
		redacted := redact(decoded, matches)
		// URLs split across stream deltas or escaped inside tool arguments
		// survive textual replacement; block rather than pass them on.
		if !scanner.Scan(ExtractText(redacted, header.Get("Content-Type")), p.blocked).IsSafe {
			logger.Warn().Msg("redaction incomplete, blocking response")
			return blockReply(result), nil
		}
		ex.Response.Body = redacted
		header.Del("Content-Encoding")
		header.Del("Content-Length")
		header.Set(HeaderScan, "redacted="+strconv.Itoa(len(result.Alerts)))
	default:
		header.Set(HeaderScan, "alerts="+strconv.Itoa(len(result.Alerts)))
	}
	return nil, nil
}

// redact replaces each match, in plain and JSON escaped form.
func redact(body []byte, matches []string) []byte {
	pairs := make([]string, 0, 4*len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		pairs = append(pairs, m, Redacted)
		if escaped := strings.ReplaceAll(m, "/", `\/`); escaped != m {
			pairs = append(pairs, escaped, Redacted)
		}
	}
	return []byte(strings.NewReplacer(pairs...).Replace(string(body)))
}

type blockedBody struct {
	Error blockedDetail `json:"error"`
}

type blockedDetail struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Alerts  []scanner.Alert `json:"alerts"`
}

func blockReply(result scanner.Result) *plugin.Reply {
	payload, _ := json.Marshal(blockedBody{Error: blockedDetail{
		Type:    errTypeBlocked,
		Message: "response blocked: model output references a blocked domain",
		Alerts:  result.Alerts,
	}})
	return &plugin.Reply{
		StatusCode: http.StatusForbidden,
		Header: http.Header{
			"Content-Type": {"application/json"},
			HeaderScan:     {"blocked=" + strconv.Itoa(len(result.Alerts))},
		},
		Body: payload,
	}
}

func mergeDomains(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, d := range list {
			d = strings.ToLower(strings.TrimSpace(d))
			if _, ok := seen[d]; ok || d == "" {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}
