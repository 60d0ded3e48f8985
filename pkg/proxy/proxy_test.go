// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-core-stack/context-proxy/pkg/config"
	"github.com/go-core-stack/context-proxy/pkg/plugin"
)

func testConfig() config.Config {
	upstreams := make(config.Upstreams, len(config.DefaultUpstreams))
	for k, v := range config.DefaultUpstreams {
		upstreams[k] = v
	}
	return config.Config{
		Upstreams:       upstreams,
		BindHost:        "127.0.0.1",
		Port:            4040,
		LogLevel:        "info",
		UpstreamTimeout: time.Second,
		ShutdownGrace:   time.Second,
		MaxInspectBytes: 1 << 20,
		ScanMode:        config.ScanModeOff,
	}
}

func newTestForwarder(t *testing.T, cfg config.Config, rt http.RoundTripper, plugins ...plugin.Plugin) *Forwarder {
	t.Helper()
	opts := []Option{WithLogger(zerolog.Nop())}
	if rt != nil {
		opts = append(opts, WithTransport(rt))
	}
	f, err := New(cfg, plugin.NewPipeline(plugins...), opts...)
	require.NoError(t, err)
	return f
}

// okUpstream records the outbound request and answers with body.
func okUpstream(got **http.Request, gotBody *string, body string) roundTripperFunc {
	return func(req *http.Request) (*http.Response, error) {
		if req.Body != nil {
			b, err := io.ReadAll(req.Body)
			if err != nil {
				return nil, err
			}
			*gotBody = string(b)
		}
		*got = req
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"application/json"}},
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

func decodeError(t *testing.T, body []byte) errorDetail {
	t.Helper()
	var out errorBody
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return out.Error
}

func TestForwarderDirectRouting(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		header http.Header
		want   string
	}{
		{"anthropic messages", "/claude/v1/messages", nil, "https://api.anthropic.com/v1/messages"},
		{"openai collapses v1", "/aider/v1/chat/completions", nil, "https://api.openai.com/v1/chat/completions"},
		{"openai without v1", "/goose/chat/completions", nil, "https://api.openai.com/v1/chat/completions"},
		{"gemini", "/gemini/v1beta/models/pro:streamGenerateContent?alt=sse", nil,
			"https://generativelanguage.googleapis.com/v1beta/models/pro:streamGenerateContent?alt=sse"},
		{"gemini code assist", "/gemini/v1internal:streamGenerateContent", nil,
			"https://cloudcode-pa.googleapis.com/v1internal:streamGenerateContent"},
		{"chatgpt backend", "/codex/backend-api/codex/responses", nil, "https://chatgpt.com/backend-api/codex/responses"},
		{"explicit upstream key", "/mytool/anthropic/v1/models", nil, "https://api.anthropic.com/v1/models"},
		{"anthropic by header", "/goose/v1/models", http.Header{"X-Api-Key": {"k"}}, "https://api.anthropic.com/v1/models"},
		{"gemini by header", "/tool/models", http.Header{"X-Goog-Api-Key": {"k"}}, "https://generativelanguage.googleapis.com/models"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var (
				got     *http.Request
				gotBody string
			)
			f := newTestForwarder(t, testConfig(), okUpstream(&got, &gotBody, `{}`))

			req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(`{"model":"m"}`))
			for k, vv := range tc.header {
				req.Header[k] = vv
			}
			rec := httptest.NewRecorder()
			f.ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.URL.String())
			assert.Equal(t, got.URL.Host, got.Host)
			assert.Equal(t, `{"model":"m"}`, gotBody)
			assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
		})
	}
}

func TestForwarderHonoursConfiguredUpstream(t *testing.T) {
	var (
		got     *http.Request
		gotBody string
	)
	cfg := testConfig()
	cfg.Upstreams[config.UpstreamAnthropic] = "http://127.0.0.1:9999/anthropic"
	f := newTestForwarder(t, cfg, okUpstream(&got, &gotBody, `{}`))

	req := httptest.NewRequest(http.MethodPost, "/claude/v1/messages?beta=true", nil)
	f.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	assert.Equal(t, "http://127.0.0.1:9999/anthropic/v1/messages?beta=true", got.URL.String())
}

func TestForwarderRewritesHeaders(t *testing.T) {
	var (
		got     *http.Request
		gotBody string
	)
	f := newTestForwarder(t, testConfig(), okUpstream(&got, &gotBody, `{}`))

	req := httptest.NewRequest(http.MethodPost, "/claude/v1/messages", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("Connection", "keep-alive, X-Hop")
	req.Header.Set("X-Hop", "1")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set(HeaderTool, "claude")
	req.Header.Set("X-Context-Proxy-Debug", "1")
	f.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	assert.Equal(t, "Bearer token", got.Header.Get("Authorization"))
	assert.Equal(t, "gzip, br", got.Header.Get("Accept-Encoding"))
	for _, name := range []string{"Connection", "X-Hop", "Keep-Alive", "Proxy-Authorization", HeaderTool, "X-Context-Proxy-Debug"} {
		assert.Empty(t, got.Header.Values(name), name)
	}
	assert.Equal(t, "api.anthropic.com", got.Host)
}

func TestForwarderInterceptedRequests(t *testing.T) {
	t.Run("absolute form uses configured upstream", func(t *testing.T) {
		var (
			got     *http.Request
			gotBody string
		)
		rec := &exchangeRecorder{}
		cfg := testConfig()
		cfg.Upstreams[config.UpstreamAnthropic] = "https://anthropic.internal"
		f := newTestForwarder(t, cfg, okUpstream(&got, &gotBody, `{}`), rec)

		req := httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", strings.NewReader("{}"))
		req.Header.Set(HeaderTool, "copilot")
		f.ServeHTTP(httptest.NewRecorder(), req)

		require.NotNil(t, got)
		assert.Equal(t, "https://anthropic.internal/v1/messages", got.URL.String())
		ex := rec.last()
		require.NotNil(t, ex)
		assert.Equal(t, "copilot", ex.Tool)
		assert.Equal(t, "anthropic", ex.Provider)
		assert.Equal(t, "anthropic-messages", ex.APIFormat)
		assert.True(t, ex.Intercepted)
	})

	t.Run("host header names an allowlisted host", func(t *testing.T) {
		var (
			got     *http.Request
			gotBody string
		)
		rec := &exchangeRecorder{}
		f := newTestForwarder(t, testConfig(), okUpstream(&got, &gotBody, `{}`), rec)

		req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader("{}"))
		req.Host = "api.individual.githubcopilot.com"
		f.ServeHTTP(httptest.NewRecorder(), req)

		require.NotNil(t, got)
		assert.Equal(t, "https://api.individual.githubcopilot.com/chat/completions", got.URL.String())
		ex := rec.last()
		require.NotNil(t, ex)
		assert.Equal(t, unknownTool, ex.Tool)
		assert.Equal(t, "chat-completions", ex.APIFormat)
	})

	t.Run("unknown host is misdirected", func(t *testing.T) {
		var calls int32
		f := newTestForwarder(t, testConfig(), roundTripperFunc(func(*http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("must not be called")
		}))

		rec := httptest.NewRecorder()
		f.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.org/v1/models", nil))

		assert.Equal(t, http.StatusMisdirectedRequest, rec.Code)
		assert.Equal(t, errTypeMisdirected, decodeError(t, rec.Body.Bytes()).Type)
		assert.Zero(t, atomic.LoadInt32(&calls))
	})
}

func TestForwarderTargetOverride(t *testing.T) {
	t.Run("refused unless enabled", func(t *testing.T) {
		var calls int32
		f := newTestForwarder(t, testConfig(), roundTripperFunc(func(*http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("must not be called")
		}))

		req := httptest.NewRequest(http.MethodPost, "/claude/v1/messages", nil)
		req.Header.Set(HeaderTarget, "http://localhost:9999")
		rec := httptest.NewRecorder()
		f.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, errTypeOverrideForbidden, decodeError(t, rec.Body.Bytes()).Type)
		assert.Zero(t, atomic.LoadInt32(&calls))
	})

	t.Run("honoured when enabled", func(t *testing.T) {
		var (
			got     *http.Request
			gotBody string
		)
		cfg := testConfig()
		cfg.AllowTargetOverride = true
		f := newTestForwarder(t, cfg, okUpstream(&got, &gotBody, `{}`))

		req := httptest.NewRequest(http.MethodPost, "/claude/v1/messages", nil)
		req.Header.Set(HeaderTarget, "http://localhost:9999/base")
		f.ServeHTTP(httptest.NewRecorder(), req)

		require.NotNil(t, got)
		assert.Equal(t, "http://localhost:9999/base/v1/messages", got.URL.String())
		assert.Empty(t, got.Header.Get(HeaderTarget))
	})

	t.Run("unparseable override", func(t *testing.T) {
		cfg := testConfig()
		cfg.AllowTargetOverride = true
		f := newTestForwarder(t, cfg, nil)

		req := httptest.NewRequest(http.MethodPost, "/claude/v1/messages", nil)
		req.Header.Set(HeaderTarget, "not a url")
		rec := httptest.NewRecorder()
		f.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestForwarderRejectsMalformedRequests(t *testing.T) {
	f := newTestForwarder(t, testConfig(), roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("must not be called")
	}))

	for _, path := range []string{"/", "/bad%20tool/v1/messages", "/tool!/v1"} {
		rec := httptest.NewRecorder()
		f.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Equal(t, errTypeBadRequest, decodeError(t, rec.Body.Bytes()).Type, path)
	}

	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, httptest.NewRequest(http.MethodConnect, "api.openai.com:443", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, errTypeMethodNotAllowed, decodeError(t, rec.Body.Bytes()).Type)
}

func TestForwarderUpstreamFailures(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		status   int
		wantType string
	}{
		{"refused", errors.New("dial tcp 10.0.0.1:443: connect: connection refused"), http.StatusBadGateway, errTypeUpstreamUnavailable},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, errTypeUpstreamTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &exchangeRecorder{}
			f := newTestForwarder(t, testConfig(), roundTripperFunc(func(*http.Request) (*http.Response, error) {
				return nil, tc.err
			}), rec)

			w := httptest.NewRecorder()
			f.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/claude/v1/messages", strings.NewReader("{}")))

			assert.Equal(t, tc.status, w.Code)
			detail := decodeError(t, w.Body.Bytes())
			assert.Equal(t, tc.wantType, detail.Type)
			assert.NotContains(t, w.Body.String(), "api.anthropic.com")
			assert.NotContains(t, w.Body.String(), "10.0.0.1")
			assert.Equal(t, 1, rec.errorCount())
			assert.Equal(t, 1, rec.completeCount())
		})
	}
}

func TestForwarderPluginFailuresAreContained(t *testing.T) {
	var calls int32
	upstream := roundTripperFunc(func(*http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &http.Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: io.NopCloser(strings.NewReader("ok"))}, nil
	})

	for _, bad := range []*failingPlugin{{name: "erroring", err: errors.New("boom")}, {name: "panicking", panics: true}} {
		f := newTestForwarder(t, testConfig(), upstream, bad)

		rec := httptest.NewRecorder()
		f.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/claude/v1/messages", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		detail := decodeError(t, rec.Body.Bytes())
		assert.Equal(t, errTypePlugin, detail.Type)
		assert.Contains(t, detail.Message, bad.name)
	}
	assert.Zero(t, atomic.LoadInt32(&calls))

	// A healthy pipeline on the same upstream still serves.
	f := newTestForwarder(t, testConfig(), upstream)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/claude/v1/messages", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestForwarderRequestHookReply(t *testing.T) {
	var calls int32
	f := newTestForwarder(t, testConfig(), roundTripperFunc(func(*http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("must not be called")
	}), &replyPlugin{reply: &plugin.Reply{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte("slow down"),
	}})

	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/claude/v1/messages", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "slow down", rec.Body.String())
	assert.Equal(t, "9", rec.Header().Get("Content-Length"))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestForwarderBuffersForInspectors(t *testing.T) {
	upstream := roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"application/json"}, "Content-Length": {"17"}},
			Body:       io.NopCloser(strings.NewReader(`{"text":"secret"}`)),
		}, nil
	})

	t.Run("inspector rewrites body", func(t *testing.T) {
		f := newTestForwarder(t, testConfig(), upstream, &upperInspector{})
		rec := httptest.NewRecorder()
		f.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/claude/v1/messages", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, `{"TEXT":"SECRET"}`, rec.Body.String())
		assert.Equal(t, "17", rec.Header().Get("Content-Length"))
	})

	t.Run("oversized body fails closed", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxInspectBytes = 8
		f := newTestForwarder(t, cfg, upstream, &upperInspector{})
		rec := httptest.NewRecorder()
		f.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/claude/v1/messages", nil))

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, errTypeResponseTooLarge, decodeError(t, rec.Body.Bytes()).Type)
		assert.NotContains(t, rec.Body.String(), "secret")
	})
}

func TestForwarderStreamsBeforeUpstreamFinishes(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	releaseUpstream := func() { once.Do(func() { close(release) }) }

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "data: one\n\n")
		w.(http.Flusher).Flush()
		<-release
		_, _ = io.WriteString(w, "data: two\n\n")
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Upstreams[config.UpstreamOpenAI] = upstream.URL + "/v1"
	rec := &exchangeRecorder{}
	f := newTestForwarder(t, cfg, nil, rec)
	proxySrv := httptest.NewServer(f)
	defer proxySrv.Close()
	defer releaseUpstream()

	resp, err := http.Post(proxySrv.URL+"/codex/v1/chat/completions", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	lines := make(chan string, 1)
	go func() {
		line, _ := reader.ReadString('\n')
		lines <- line
	}()
	select {
	case line := <-lines:
		assert.Equal(t, "data: one\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("first chunk was not relayed before the upstream finished")
	}

	releaseUpstream()
	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "\ndata: two\n\n", string(rest))

	waitUntil(t, time.Second, func() bool { return rec.completeCount() == 1 })
	ex := rec.last()
	assert.Equal(t, int64(len("data: one\n\ndata: two\n\n")), ex.Response.Bytes)
	assert.Equal(t, "data: one\n\ndata: two\n\n", rec.chunks())
	assert.False(t, ex.Response.Buffered)
}

func TestForwarderAbortsOnMidStreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "data: partial\n\n")
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Upstreams[config.UpstreamAnthropic] = upstream.URL
	rec := &exchangeRecorder{}
	f := newTestForwarder(t, cfg, nil, rec)
	proxySrv := httptest.NewServer(f)
	defer proxySrv.Close()

	resp, err := http.Post(proxySrv.URL+"/claude/v1/messages", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.Error(t, err)
	assert.Equal(t, "data: partial\n\n", string(body))

	waitUntil(t, time.Second, func() bool { return rec.completeCount() == 1 })
	assert.Equal(t, 1, rec.errorCount())
}

func TestForwarderPropagatesClientCancel(t *testing.T) {
	upstreamGone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
			close(upstreamGone)
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Upstreams[config.UpstreamAnthropic] = upstream.URL
	f := newTestForwarder(t, cfg, nil)
	proxySrv := httptest.NewServer(f)
	defer proxySrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, proxySrv.URL+"/claude/v1/messages", strings.NewReader("{}"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	cancel()
	select {
	case <-upstreamGone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request was not canceled after the client went away")
	}
}

func TestForwarderStalledUpstreamTimesOut(t *testing.T) {
	t.Run("buffered", func(t *testing.T) {
		cfg := testConfig()
		cfg.StreamIdleTimeout = 50 * time.Millisecond
		rec := &exchangeRecorder{}
		f := newTestForwarder(t, cfg, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": {"application/json"}},
				Body:       stalledBody{ctx: req.Context()},
			}, nil
		}), &upperInspector{}, rec)

		w := httptest.NewRecorder()
		done := make(chan struct{})
		go func() {
			defer close(done)
			f.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/claude/v1/messages", strings.NewReader("{}")))
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("stalled upstream body was not cut off")
		}

		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
		assert.Equal(t, errTypeUpstreamTimeout, decodeError(t, w.Body.Bytes()).Type)
		assert.Equal(t, errTypeUpstreamTimeout, ErrorType(rec.last().Err))
	})

	t.Run("streaming", func(t *testing.T) {
		release := make(chan struct{})
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "data: first\n\n")
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
			case <-release:
			}
		}))
		defer upstream.Close()
		defer close(release)

		cfg := testConfig()
		cfg.StreamIdleTimeout = 100 * time.Millisecond
		cfg.Upstreams[config.UpstreamAnthropic] = upstream.URL
		rec := &exchangeRecorder{}
		f := newTestForwarder(t, cfg, nil, rec)
		proxySrv := httptest.NewServer(f)
		defer proxySrv.Close()

		resp, err := http.Post(proxySrv.URL+"/claude/v1/messages", "application/json", strings.NewReader("{}"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.Error(t, err)
		assert.Equal(t, "data: first\n\n", string(body))

		waitUntil(t, 2*time.Second, func() bool { return rec.completeCount() == 1 })
		assert.Equal(t, errTypeUpstreamTimeout, ErrorType(rec.last().Err))
	})
}

func TestForwarderClassifiesClientCancel(t *testing.T) {
	rec := &exchangeRecorder{}
	f := newTestForwarder(t, testConfig(), roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return nil, req.Context().Err()
	}), rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := httptest.NewRecorder()
	f.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/claude/v1/messages", strings.NewReader("{}")).WithContext(ctx))

	assert.Equal(t, statusClientClosedRequest, w.Code)
	assert.Equal(t, ErrorTypeClientCanceled, decodeError(t, w.Body.Bytes()).Type)
	assert.Equal(t, ErrorTypeClientCanceled, ErrorType(rec.last().Err))
}

func TestForwarderWithFlushRecorder(t *testing.T) {
	f := newTestForwarder(t, testConfig(), roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusCreated,
			Header:     http.Header{"X-Upstream": {"1"}, "Connection": {"close"}},
			Body:       io.NopCloser(strings.NewReader("created")),
		}, nil
	}))

	rec := newFlushRecorder()
	f.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/claude/v1/files", strings.NewReader("x")))

	assert.Equal(t, http.StatusCreated, rec.status)
	assert.Equal(t, "created", rec.String())
	assert.Equal(t, "1", rec.header.Get("X-Upstream"))
	assert.Empty(t, rec.header.Get("Connection"))
	assert.Positive(t, rec.flushes())
}

func TestRouteTargetJoin(t *testing.T) {
	cases := []struct {
		base, path, query, want string
	}{
		{"https://api.openai.com/v1", "/v1/chat/completions", "", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1", "/chat/completions", "", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "/v1", "", "https://api.openai.com/v1"},
		{"https://api.openai.com/v1", "/v1beta/models", "", "https://api.openai.com/v1/v1beta/models"},
		{"https://api.anthropic.com", "/v1/messages", "beta=true", "https://api.anthropic.com/v1/messages?beta=true"},
		{"https://gw.example/base/", "", "", "https://gw.example/base/"},
	}
	for _, tc := range cases {
		base, err := url.Parse(tc.base)
		require.NoError(t, err)
		rt := &route{base: base, path: tc.path, rawQuery: tc.query}
		assert.Equal(t, tc.want, rt.target().String(), tc.base+tc.path)
	}
}

func TestDetectAPIFormat(t *testing.T) {
	cases := []struct{ provider, path, want string }{
		{"anthropic", "/v1/messages", "anthropic-messages"},
		{"anthropic", "/v1/models", "unknown"},
		{"openai", "/v1/chat/completions", "chat-completions"},
		{"openai", "/v1/responses", "responses"},
		{"chatgpt", "/backend-api/conversation", "chatgpt-backend"},
		{"openai", "/mcp/tools", "mcp"},
		{"gemini", "/v1beta/models/pro:generateContent", "gemini"},
		{"openrouter", "/api/v1/embeddings", "unknown"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, detectAPIFormat(tc.provider, tc.path), tc.provider+tc.path)
	}
}

func TestMatchLLMHost(t *testing.T) {
	for host, want := range map[string]bool{
		"api.openai.com":          true,
		"API.OPENAI.COM:443":      true,
		"eu.api.openai.com":       true,
		"notapi.openai.com":       false,
		"openai.com":              false,
		"api.openai.com.evil.com": false,
		"chatgpt.com":             true,
		"":                        false,
	} {
		_, ok := matchLLMHost(host)
		assert.Equal(t, want, ok, host)
	}
}

func TestNewTransportUpstreamProxy(t *testing.T) {
	cfg := testConfig()

	transport, err := newTransport(cfg)
	require.NoError(t, err)
	assert.True(t, transport.DisableCompression)
	assert.Equal(t, time.Second, transport.ResponseHeaderTimeout)

	cfg.UpstreamProxy = "http://proxy.internal:3128"
	transport, err = newTransport(cfg)
	require.NoError(t, err)
	proxyURL, err := transport.Proxy(httptest.NewRequest(http.MethodGet, "https://api.openai.com/v1/models", nil))
	require.NoError(t, err)
	assert.Equal(t, "http://proxy.internal:3128", proxyURL.String())

	cfg.UpstreamProxy = "socks5://127.0.0.1:1080"
	transport, err = newTransport(cfg)
	require.NoError(t, err)
	assert.Nil(t, transport.Proxy)
	assert.NotNil(t, transport.DialContext)

	cfg.UpstreamProxy = "ftp://proxy.internal"
	_, err = newTransport(cfg)
	require.Error(t, err)
}

func TestNewRejectsMissingUpstream(t *testing.T) {
	cfg := testConfig()
	delete(cfg.Upstreams, config.UpstreamGemini)
	_, err := New(cfg, nil)
	require.Error(t, err)
}

// exchangeRecorder captures hook invocations across goroutines.
type exchangeRecorder struct {
	mu        sync.Mutex
	exchanges []*plugin.Exchange
	errs      int
	completes int
	chunkBuf  bytes.Buffer
}

func (r *exchangeRecorder) Name() string { return "recorder" }

func (r *exchangeRecorder) OnChunk(ctx context.Context, ex *plugin.Exchange, chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunkBuf.Write(chunk)
	return nil
}

func (r *exchangeRecorder) OnError(ctx context.Context, ex *plugin.Exchange, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs++
}

func (r *exchangeRecorder) OnComplete(ctx context.Context, ex *plugin.Exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes++
	r.exchanges = append(r.exchanges, ex)
}

func (r *exchangeRecorder) last() *plugin.Exchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.exchanges) == 0 {
		return nil
	}
	return r.exchanges[len(r.exchanges)-1]
}

func (r *exchangeRecorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs
}

func (r *exchangeRecorder) completeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completes
}

func (r *exchangeRecorder) chunks() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunkBuf.String()
}

type failingPlugin struct {
	name   string
	err    error
	panics bool
}

func (p *failingPlugin) Name() string { return p.name }

func (p *failingPlugin) OnRequest(ctx context.Context, ex *plugin.Exchange) (*plugin.Reply, error) {
	if p.panics {
		panic(fmt.Sprintf("%s exploded", p.name))
	}
	return nil, p.err
}

type replyPlugin struct {
	reply *plugin.Reply
}

func (p *replyPlugin) Name() string { return "reply" }

func (p *replyPlugin) OnRequest(ctx context.Context, ex *plugin.Exchange) (*plugin.Reply, error) {
	return p.reply, nil
}

type upperInspector struct{}

func (upperInspector) Name() string { return "upper" }

func (upperInspector) WantsBody(ex *plugin.Exchange) bool { return true }

func (upperInspector) OnResponse(ctx context.Context, ex *plugin.Exchange) (*plugin.Reply, error) {
	if ex.Response.Buffered {
		ex.Response.Body = bytes.ToUpper(ex.Response.Body)
	}
	return nil, nil
}

type flushRecorder struct {
	mu      sync.Mutex
	header  http.Header
	status  int
	body    bytes.Buffer
	flushed int
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{
		header: make(http.Header),
	}
}

func (r *flushRecorder) Header() http.Header {
	return r.header
}

func (r *flushRecorder) WriteHeader(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

func (r *flushRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(b)
}

func (r *flushRecorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed++
}

func (r *flushRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

func (r *flushRecorder) flushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushed
}

func waitUntil(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// stalledBody blocks until the request context is canceled.
type stalledBody struct {
	ctx context.Context
}

func (b stalledBody) Read([]byte) (int, error) {
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (stalledBody) Close() error { return nil }

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestErrorType(t *testing.T) {
	assert.Empty(t, ErrorType(nil))
	assert.Equal(t, errTypeUpstreamTimeout, ErrorType(upstreamError(context.DeadlineExceeded)))
	assert.Equal(t, errTypeUpstreamUnavailable, ErrorType(upstreamError(errors.New("connection refused"))))
	assert.Equal(t, errTypePlugin, ErrorType(&plugin.HookError{Plugin: "p", Phase: plugin.PhaseChunk, Err: errors.New("x")}))
	assert.Equal(t, ErrorTypeClientCanceled, ErrorType(fmt.Errorf("write: %w", context.Canceled)))
	assert.Equal(t, ErrorTypeRelay, ErrorType(errors.New("broken pipe")))
	assert.Equal(t, errTypeUpstreamTimeout, ErrorType(upstreamError(fmt.Errorf("read: %w", errUpstreamIdle))))
}
