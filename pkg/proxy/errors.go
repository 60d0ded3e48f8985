// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/go-core-stack/context-proxy/pkg/plugin"
)

// Error types reported in JSON error bodies.
const (
	errTypeBadRequest          = "bad_request"
	errTypeOverrideForbidden   = "target_override_forbidden"
	errTypeMisdirected         = "misdirected_request"
	errTypeMethodNotAllowed    = "method_not_allowed"
	errTypeUpstreamUnavailable = "upstream_unavailable"
	errTypeUpstreamTimeout     = "upstream_timeout"
	errTypeResponseTooLarge    = "response_too_large"
	errTypePlugin              = "plugin_error"
)

// statusClientClosedRequest is the non-standard status recorded when the
// client went away before a response could be written.
const statusClientClosedRequest = 499

// httpError wraps a status code with the underlying cause of a failed exchange.
type httpError struct {
	Status  int    // Status preserves the HTTP status to emit downstream.
	Type    string // Type is the machine readable error kind.
	Message string // Message is shown to the client; Err is used when empty.
	Err     error  // Err retains the original cause for logging.
}

// Error implements the error interface for httpError.
func (e *httpError) Error() string {
	return fmt.Sprintf("status %d: %v", e.Status, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *httpError) Unwrap() error {
	return e.Err
}

func (e *httpError) publicMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.Status)
}

// asHTTPError maps any failure onto the status the client receives.
func asHTTPError(err error) *httpError {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	var hookErr *plugin.HookError
	if errors.As(err, &hookErr) {
		return &httpError{
			Status:  http.StatusInternalServerError,
			Type:    errTypePlugin,
			Message: fmt.Sprintf("plugin %s failed in %s hook", hookErr.Plugin, hookErr.Phase),
			Err:     err,
		}
	}
	return upstreamError(err)
}

// upstreamFailure classifies a failed round trip or body read of r, blaming
// the client when it is the one that went away.
func upstreamFailure(r *http.Request, err error) *httpError {
	if r.Context().Err() != nil {
		return &httpError{Status: statusClientClosedRequest, Type: ErrorTypeClientCanceled, Message: "client closed request", Err: err}
	}
	return upstreamError(err)
}

// upstreamError classifies a failed round trip. Messages never carry the
// upstream URL.
func upstreamError(err error) *httpError {
	if errors.Is(err, errUpstreamIdle) {
		return &httpError{Status: http.StatusGatewayTimeout, Type: errTypeUpstreamTimeout, Message: "upstream stalled", Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &httpError{Status: http.StatusGatewayTimeout, Type: errTypeUpstreamTimeout, Message: "upstream timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &httpError{Status: http.StatusGatewayTimeout, Type: errTypeUpstreamTimeout, Message: "upstream timed out", Err: err}
	}
	return &httpError{Status: http.StatusBadGateway, Type: errTypeUpstreamUnavailable, Message: "upstream unavailable", Err: err}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// writeError emits the JSON error body and returns the bytes written.
func writeError(w http.ResponseWriter, e *httpError) (http.Header, []byte) {
	payload, _ := json.Marshal(errorBody{Error: errorDetail{Type: e.Type, Message: e.publicMessage()}})
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(payload)))
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(e.Status)
	_, _ = w.Write(payload)
	return h.Clone(), payload
}

// Failure kinds reported by ErrorType besides the JSON error types.
const (
	ErrorTypeClientCanceled = "client_canceled"
	ErrorTypeRelay          = "relay_error"
)

// ErrorType classifies the failure recorded on an exchange for metrics and
// audit records. It returns "" for a nil error.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		return httpErr.Type
	}
	var hookErr *plugin.HookError
	if errors.As(err, &hookErr) {
		return errTypePlugin
	}
	if errors.Is(err, context.Canceled) {
		return ErrorTypeClientCanceled
	}
	return ErrorTypeRelay
}
