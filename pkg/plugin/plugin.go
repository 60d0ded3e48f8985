// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package plugin defines the hooks a plugin may implement around one proxied
// exchange and the ordered pipeline that invokes them.
//
// A plugin implements Plugin plus any subset of the hook interfaces. Hooks of
// a single exchange run sequentially on the goroutine serving it; separate
// exchanges run independent invocations, so any state a plugin keeps across
// exchanges must be synchronised by the plugin itself.
//
// Response hooks see the upstream status and headers. When at least one
// BodyInspector wants the body of an exchange, the whole body is buffered and
// exposed on Exchange.Response.Body before response hooks run. Otherwise the
// body is streamed to the client and ChunkHooks observe it chunk by chunk.
// Content-inspecting plugins trade streaming latency for content visibility;
// logging and metadata plugins must not buffer.
package plugin

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Plugin is a named pipeline stage.
type Plugin interface {
	Name() string
}

// RequestHook runs before the upstream call. It may mutate
// Exchange.Request, or return a Reply to answer the client without
// contacting the upstream.
type RequestHook interface {
	Plugin
	OnRequest(ctx context.Context, ex *Exchange) (*Reply, error)
}

// ResponseHook runs once the upstream status and headers are known. It may
// mutate Exchange.Response, or return a Reply that replaces the upstream
// response entirely.
type ResponseHook interface {
	Plugin
	OnResponse(ctx context.Context, ex *Exchange) (*Reply, error)
}

// BodyInspector is a ResponseHook that needs the complete response body.
// WantsBody is asked after headers arrive; returning true forces buffering.
type BodyInspector interface {
	ResponseHook
	WantsBody(ex *Exchange) bool
}

// ChunkHook observes streamed body chunks. The chunk must not be retained or
// modified. Returning an error aborts the relay.
type ChunkHook interface {
	Plugin
	OnChunk(ctx context.Context, ex *Exchange, chunk []byte) error
}

// ErrorHook is told about upstream, relay and plugin failures.
type ErrorHook interface {
	Plugin
	OnError(ctx context.Context, ex *Exchange, err error)
}

// CompleteHook runs exactly once per exchange after the response has been
// relayed, whatever the outcome.
type CompleteHook interface {
	Plugin
	OnComplete(ctx context.Context, ex *Exchange)
}

// Reply is a response synthesized by a plugin.
type Reply struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Response is the upstream response as seen by plugins.
type Response struct {
	StatusCode int
	Header     http.Header
	// Body is set only when the response was buffered for inspection.
	Body []byte
	// Buffered reports whether Body holds the complete response.
	Buffered bool
	// Bytes counts body bytes relayed to the client.
	Bytes int64
}

// Exchange is the per-request state shared by the hooks of one request.
type Exchange struct {
	ID          string
	Tool        string
	Provider    string
	APIFormat   string
	Intercepted bool
	Started     time.Time

	// Request is the outgoing upstream request.
	Request *http.Request
	// Response is nil until the upstream answered or a plugin replied.
	Response *Response
	// Err holds the failure that ended the exchange, if any.
	Err error

	mu    sync.Mutex
	notes map[string]string
}

// Annotate attaches a key/value note to the exchange for later hooks.
func (ex *Exchange) Annotate(key, value string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.notes == nil {
		ex.notes = make(map[string]string)
	}
	ex.notes[key] = value
}

// Annotation returns a note set by an earlier hook.
func (ex *Exchange) Annotation(key string) (string, bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	v, ok := ex.notes[key]
	return v, ok
}

// Annotations returns a copy of all notes.
func (ex *Exchange) Annotations() map[string]string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := make(map[string]string, len(ex.notes))
	for k, v := range ex.notes {
		out[k] = v
	}
	return out
}

// StatusCode returns the status relayed to the client, or 0 when none was.
func (ex *Exchange) StatusCode() int {
	if ex.Response == nil {
		return 0
	}
	return ex.Response.StatusCode
}
