// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/context-proxy/pkg/config"
	"github.com/go-core-stack/context-proxy/pkg/plugin"
)

const relayBufferSize = 32 * 1024

// Forwarder relays tool requests to the selected LLM upstream and runs the
// plugin pipeline around every exchange.
type Forwarder struct {
	// cfg keeps runtime knobs such as upstream URLs and inspection limits.
	cfg config.Config
	// client performs outbound HTTP requests with tuned transport settings.
	client *http.Client
	// pipeline holds the plugins invoked for every exchange.
	pipeline *plugin.Pipeline
	// logger emits structured logs for observability.
	logger zerolog.Logger
	// upstreams holds the parsed upstream base URLs by key.
	upstreams map[string]*url.URL
}

// Option customises a Forwarder.
type Option func(*Forwarder)

// WithTransport replaces the upstream transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Forwarder) {
		p.client.Transport = rt
	}
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Forwarder) {
		p.logger = l
	}
}

// New constructs a Forwarder for cfg. A nil pipeline runs no plugins.
func New(cfg config.Config, pipeline *plugin.Pipeline, opts ...Option) (*Forwarder, error) {
	upstreams := make(map[string]*url.URL, len(cfg.Upstreams))
	for key, raw := range cfg.Upstreams {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid upstream %s: %q", key, raw)
		}
		upstreams[key] = u
	}
	for key := range config.DefaultUpstreams {
		if _, ok := upstreams[key]; !ok {
			return nil, fmt.Errorf("upstream %s not configured", key)
		}
	}

	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	if pipeline == nil {
		pipeline = plugin.NewPipeline()
	}

	p := &Forwarder{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			// Redirects belong to the tool, not the proxy.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		pipeline:  pipeline,
		logger:    log.With().Str("component", "proxy").Logger(),
		upstreams: upstreams,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ServeHTTP resolves the upstream for r, runs the plugin pipeline and relays
// the response.
func (p *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ex := &plugin.Exchange{
		ID:        uuid.NewString(),
		Tool:      unknownTool,
		Provider:  "unknown",
		APIFormat: "unknown",
		Started:   time.Now(),
	}
	w.Header().Set(HeaderRequestID, ex.ID)

	logger := p.logger.With().
		Str("request_id", ex.ID).
		Str("method", r.Method).
		Str("remote_addr", r.RemoteAddr).
		Logger()
	ctx := logger.WithContext(r.Context())

	defer func() {
		p.pipeline.RunComplete(ctx, ex)
	}()

	if r.Method == http.MethodConnect {
		p.reject(ctx, w, ex, &httpError{
			Status: http.StatusMethodNotAllowed,
			Type:   errTypeMethodNotAllowed,
			Err:    errors.New("CONNECT tunnels are not supported; send requests in origin or absolute form"),
		})
		return
	}

	rt, err := p.resolveRoute(r)
	if err != nil {
		p.reject(ctx, w, ex, err)
		return
	}

	target := rt.target()
	ex.Tool = rt.tool
	ex.Provider = rt.provider
	ex.Intercepted = rt.intercepted
	ex.APIFormat = detectAPIFormat(rt.provider, target.Path)

	logger = logger.With().
		Str("tool", ex.Tool).
		Str("provider", ex.Provider).
		Bool("intercepted", ex.Intercepted).
		Logger()
	ctx = logger.WithContext(r.Context())

	// upstreamCtx is canceled early when the upstream body stalls.
	upstreamCtx, cancelUpstream := context.WithCancel(ctx)
	defer cancelUpstream()

	upstreamReq, err := p.buildUpstreamRequest(upstreamCtx, r, target)
	if err != nil {
		p.reject(ctx, w, ex, err)
		return
	}
	ex.Request = upstreamReq

	reply, err := p.pipeline.RunRequest(ctx, ex)
	if err != nil {
		p.reject(ctx, w, ex, err)
		return
	}
	if reply != nil {
		p.writeReply(w, ex, reply)
		logger.Debug().Int("status", ex.StatusCode()).Msg("request answered by plugin")
		return
	}

	resp, err := p.client.Do(ex.Request)
	if err != nil {
		p.reject(ctx, w, ex, upstreamFailure(r, err))
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Debug().Err(closeErr).Msg("close upstream response body failed")
		}
	}()

	cleanHopHeaders(resp.Header)
	ex.Response = &plugin.Response{StatusCode: resp.StatusCode, Header: resp.Header}

	var body io.Reader = resp.Body
	if p.cfg.StreamIdleTimeout > 0 {
		idle := newIdleReader(resp.Body, p.cfg.StreamIdleTimeout, cancelUpstream)
		defer idle.stop()
		body = idle
	}

	if p.pipeline.WantsBody(ex) {
		p.relayBuffered(ctx, w, r, ex, body)
	} else {
		p.relayStream(ctx, w, r, ex, body)
	}

	logger.Debug().
		Int("status", ex.StatusCode()).
		Int64("bytes", ex.Response.Bytes).
		Dur("duration", time.Since(ex.Started)).
		Msg("request proxied")
}

// buildUpstreamRequest clones r onto target. The body is passed through
// without being read.
func (p *Forwarder) buildUpstreamRequest(ctx context.Context, r *http.Request, target *url.URL) (*http.Request, error) {
	var body io.Reader
	if r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, &httpError{Status: http.StatusBadRequest, Type: errTypeBadRequest, Err: fmt.Errorf("build upstream request: %w", err)}
	}
	if body != nil {
		upstreamReq.ContentLength = r.ContentLength
	}

	copyHeaders(upstreamReq.Header, r.Header)
	cleanHopHeaders(upstreamReq.Header)
	stripProxyHeaders(upstreamReq.Header)
	if _, ok := upstreamReq.Header["User-Agent"]; !ok {
		// Keep net/http from adding its own User-Agent.
		upstreamReq.Header["User-Agent"] = nil
	}
	upstreamReq.Host = target.Host
	return upstreamReq, nil
}

// relayBuffered reads the whole body, lets the inspectors see it and writes
// the possibly rewritten response.
func (p *Forwarder) relayBuffered(ctx context.Context, w http.ResponseWriter, r *http.Request, ex *plugin.Exchange, body io.Reader) {
	limit := p.cfg.MaxInspectBytes
	payload, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		p.reject(ctx, w, ex, upstreamFailure(r, err))
		return
	}
	if int64(len(payload)) > limit {
		p.reject(ctx, w, ex, &httpError{
			Status:  http.StatusBadGateway,
			Type:    errTypeResponseTooLarge,
			Message: fmt.Sprintf("upstream response exceeds the %d byte inspection limit", limit),
			Err:     fmt.Errorf("response body larger than %d bytes", limit),
		})
		return
	}
	ex.Response.Body = payload
	ex.Response.Buffered = true

	reply, err := p.pipeline.RunResponse(ctx, ex)
	if err != nil {
		p.reject(ctx, w, ex, err)
		return
	}
	if reply != nil {
		p.writeReply(w, ex, reply)
		return
	}

	h := w.Header()
	copyHeaders(h, ex.Response.Header)
	if r.Method != http.MethodHead {
		h.Set("Content-Length", strconv.Itoa(len(ex.Response.Body)))
	}
	w.WriteHeader(ex.Response.StatusCode)
	n, err := w.Write(ex.Response.Body)
	ex.Response.Bytes = int64(n)
	if err != nil {
		ex.Err = fmt.Errorf("write response: %w", err)
		p.pipeline.RunError(ctx, ex, ex.Err)
	}
}

// relayStream writes headers immediately and copies the body chunk by chunk,
// flushing after each one. A failure after the headers went out aborts the
// client connection so the truncation is visible.
func (p *Forwarder) relayStream(ctx context.Context, w http.ResponseWriter, r *http.Request, ex *plugin.Exchange, body io.Reader) {
	reply, err := p.pipeline.RunResponse(ctx, ex)
	if err != nil {
		p.reject(ctx, w, ex, err)
		return
	}
	if reply != nil {
		p.writeReply(w, ex, reply)
		return
	}

	copyHeaders(w.Header(), ex.Response.Header)
	w.WriteHeader(ex.Response.StatusCode)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	logger := zerolog.Ctx(ctx)
	buf := make([]byte, relayBufferSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if hookErr := p.pipeline.RunChunk(ctx, ex, chunk); hookErr != nil {
				p.abort(ctx, ex, hookErr)
			}
			written, writeErr := w.Write(chunk)
			ex.Response.Bytes += int64(written)
			if writeErr != nil {
				ex.Err = fmt.Errorf("write response: %w", writeErr)
				p.pipeline.RunError(ctx, ex, ex.Err)
				logger.Debug().Err(writeErr).Msg("client went away mid-stream")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			if r.Context().Err() != nil {
				ex.Err = fmt.Errorf("client canceled: %w", r.Context().Err())
				p.pipeline.RunError(ctx, ex, ex.Err)
				logger.Debug().Err(readErr).Msg("client canceled mid-stream")
				return
			}
			httpErr := &httpError{
				Status: http.StatusBadGateway,
				Type:   errTypeUpstreamUnavailable,
				Err:    fmt.Errorf("upstream stream: %w", readErr),
			}
			if errors.Is(readErr, errUpstreamIdle) {
				httpErr.Status = http.StatusGatewayTimeout
				httpErr.Type = errTypeUpstreamTimeout
			}
			p.abort(ctx, ex, httpErr)
		}
	}
}

// abort reports a failure that happened after the status line was sent and
// tears down the client connection.
func (p *Forwarder) abort(ctx context.Context, ex *plugin.Exchange, err error) {
	ex.Err = err
	p.pipeline.RunError(ctx, ex, err)
	zerolog.Ctx(ctx).Warn().Err(err).Int64("bytes", ex.Response.Bytes).Msg("aborting response mid-stream")
	panic(http.ErrAbortHandler)
}

// reject answers the client with a JSON error and notifies error hooks.
func (p *Forwarder) reject(ctx context.Context, w http.ResponseWriter, ex *plugin.Exchange, err error) {
	httpErr := asHTTPError(err)
	ex.Err = httpErr
	p.pipeline.RunError(ctx, ex, httpErr)

	header, payload := writeError(w, httpErr)
	ex.Response = &plugin.Response{
		StatusCode: httpErr.Status,
		Header:     header,
		Body:       payload,
		Buffered:   true,
		Bytes:      int64(len(payload)),
	}

	event := zerolog.Ctx(ctx).Warn()
	if httpErr.Status >= http.StatusInternalServerError {
		event = zerolog.Ctx(ctx).Error()
	}
	event.Err(httpErr.Err).
		Int("status", httpErr.Status).
		Str("type", httpErr.Type).
		Dur("duration", time.Since(ex.Started)).
		Msg("request failed")
}

// writeReply sends a plugin synthesized response.
func (p *Forwarder) writeReply(w http.ResponseWriter, ex *plugin.Exchange, reply *plugin.Reply) {
	status := reply.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	h := w.Header()
	for k, vv := range reply.Header {
		h[k] = append([]string(nil), vv...)
	}
	cleanHopHeaders(h)
	h.Set("Content-Length", strconv.Itoa(len(reply.Body)))
	w.WriteHeader(status)
	n, _ := w.Write(reply.Body)

	ex.Response = &plugin.Response{
		StatusCode: status,
		Header:     h.Clone(),
		Body:       reply.Body,
		Buffered:   true,
		Bytes:      int64(n),
	}
}
