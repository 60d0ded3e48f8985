// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy implements the request forwarder that sits between AI coding
// tools and their LLM providers.
//
// Requests arrive in one of two shapes. Direct requests carry the tool tag as
// the first path segment, for example /claude/v1/messages, because the tool
// was pointed at the proxy through its base URL environment variable.
// Intercepted requests come from tools whose TLS traffic is redirected; they
// name a known LLM host either in an absolute-form request URI or in the Host
// header, and carry the tool tag in the X-Context-Proxy-Tool header.
//
// Every exchange passes through the plugin pipeline. Response bodies stream
// to the client with a flush per chunk unless a body inspecting plugin asks
// for the complete body, in which case it is buffered up to the configured
// limit.
package proxy
