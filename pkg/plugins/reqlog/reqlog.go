// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package reqlog writes one structured log line per proxied exchange.
package reqlog

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/context-proxy/pkg/plugin"
)

// Name identifies the plugin.
const Name = "reqlog"

// Plugin logs exchange metadata. Bodies are never logged.
type Plugin struct {
	logger zerolog.Logger
	now    func() time.Time
}

// New returns a plugin writing to logger, or to the global logger when nil.
func New(logger *zerolog.Logger) *Plugin {
	l := log.With().Str("component", Name).Logger()
	if logger != nil {
		l = *logger
	}
	return &Plugin{logger: l, now: time.Now}
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return Name }

// OnError notes failures as they happen; the summary follows on completion.
func (p *Plugin) OnError(_ context.Context, ex *plugin.Exchange, err error) {
	p.logger.Debug().Str("request_id", ex.ID).Err(err).Msg("exchange failed")
}

// OnComplete writes the exchange summary.
func (p *Plugin) OnComplete(_ context.Context, ex *plugin.Exchange) {
	status := ex.StatusCode()
	event := p.logger.Info()
	if ex.Err != nil || status == 0 || status >= 500 {
		event = p.logger.Warn()
	}

	event = event.
		Str("request_id", ex.ID).
		Str("tool", ex.Tool).
		Str("provider", ex.Provider).
		Str("api_format", ex.APIFormat).
		Bool("intercepted", ex.Intercepted).
		Int("status", status).
		Dur("duration", p.now().Sub(ex.Started))

	if ex.Request != nil {
		event = event.
			Str("method", ex.Request.Method).
			Str("upstream_host", ex.Request.URL.Host).
			Str("path", ex.Request.URL.Path).
			Int64("request_bytes", ex.Request.ContentLength).
			Interface("request_headers", plugin.SafeHeaders(ex.Request.Header))
	}
	if ex.Response != nil {
		event = event.
			Int64("response_bytes", ex.Response.Bytes).
			Bool("buffered", ex.Response.Buffered).
			Interface("response_headers", plugin.SafeHeaders(ex.Response.Header))
	}
	if notes := ex.Annotations(); len(notes) > 0 {
		event = event.Interface("annotations", notes)
	}
	if ex.Err != nil {
		event = event.Err(ex.Err)
	}
	event.Msg("exchange")
}
