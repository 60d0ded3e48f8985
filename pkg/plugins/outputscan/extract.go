// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package outputscan

import (
	"bytes"
	"mime"
	"strings"

	"github.com/tidwall/gjson"
)

// textPath locates model generated text in a provider payload. Incremental
// paths carry fragments of a longer text and are joined without a separator.
// Structured paths hold tool call arguments as JSON objects whose string
// leaves are all collected.
type textPath struct {
	path        string
	incremental bool
	structured  bool
}

var textPaths = []textPath{
	// Anthropic messages and stream deltas.
	{path: "content.#.text"},
	{path: "content.#.input", structured: true},
	{path: "content_block.input", structured: true},
	{path: "delta.text", incremental: true},
	{path: "delta.partial_json", incremental: true},
	// OpenAI chat completions.
	{path: "choices.#.message.content"},
	{path: "choices.#.message.tool_calls.#.function.arguments"},
	{path: "choices.#.delta.content", incremental: true},
	{path: "choices.#.delta.tool_calls.#.function.arguments", incremental: true},
	// OpenAI responses.
	{path: "output_text"},
	{path: "output.#.content.#.text"},
	{path: "output.#.arguments"},
	{path: "response.output.#.content.#.text"},
	{path: "response.output.#.arguments"},
	{path: "item.content.#.text"},
	{path: "item.arguments"},
	{path: "delta", incremental: true},
	// Gemini and Code Assist, whose streams repeat the full shape per chunk.
	{path: "candidates.#.content.parts.#.text", incremental: true},
	{path: "candidates.#.content.parts.#.functionCall.args", structured: true},
	{path: "response.candidates.#.content.parts.#.text", incremental: true},
	{path: "response.candidates.#.content.parts.#.functionCall.args", structured: true},
}

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// ExtractText returns the model text carried by body. Server-sent event
// streams are unpacked event by event; JSON documents are searched for the
// known text fields of each provider. When no known field is present the raw
// body is returned so that nothing escapes scanning.
func ExtractText(body []byte, contentType string) string {
	var sb strings.Builder
	if isEventStream(contentType) || (contentType == "" && looksLikeEventStream(body)) {
		for _, line := range bytes.Split(body, []byte("\n")) {
			line = bytes.TrimRight(line, "\r")
			if !bytes.HasPrefix(line, dataPrefix) {
				continue
			}
			payload := bytes.TrimSpace(line[len(dataPrefix):])
			if len(payload) == 0 || bytes.Equal(payload, doneMarker) {
				continue
			}
			if !gjson.ValidBytes(payload) {
				sb.Write(payload)
				continue
			}
			collectDocument(&sb, gjson.ParseBytes(payload), true)
		}
	} else if gjson.ValidBytes(body) {
		collectDocument(&sb, gjson.ParseBytes(body), false)
	}
	if sb.Len() == 0 {
		return string(body)
	}
	return sb.String()
}

func collectDocument(sb *strings.Builder, doc gjson.Result, streaming bool) {
	for _, tp := range textPaths {
		res := doc.Get(tp.path)
		if !res.Exists() {
			continue
		}
		switch {
		case tp.structured:
			collectLeaves(sb, res)
		case streaming && tp.incremental:
			collect(sb, res, "")
		default:
			collect(sb, res, "\n")
		}
	}
}

// collect appends every string in r, flattening the nested arrays produced
// by '#' paths.
func collect(sb *strings.Builder, r gjson.Result, sep string) {
	if r.IsArray() {
		r.ForEach(func(_, v gjson.Result) bool {
			collect(sb, v, sep)
			return true
		})
		return
	}
	if r.Type != gjson.String {
		return
	}
	if sep != "" && sb.Len() > 0 {
		sb.WriteString(sep)
	}
	sb.WriteString(r.Str)
	if sep != "" {
		sb.WriteString(sep)
	}
}

// collectLeaves appends every string nested anywhere in r.
func collectLeaves(sb *strings.Builder, r gjson.Result) {
	if r.IsArray() || r.IsObject() {
		r.ForEach(func(_, v gjson.Result) bool {
			collectLeaves(sb, v)
			return true
		})
		return
	}
	collect(sb, r, "\n")
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func isEventStream(contentType string) bool {
	return mediaType(contentType) == "text/event-stream"
}

func looksLikeEventStream(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return bytes.HasPrefix(trimmed, dataPrefix) || bytes.HasPrefix(trimmed, []byte("event:")) ||
		bytes.Contains(body, []byte("\ndata:"))
}

// inspectable reports whether a response of this content type can carry
// model text.
func inspectable(contentType string) bool {
	mt := mediaType(contentType)
	switch {
	case mt == "":
		return true
	case mt == "application/json", mt == "text/event-stream", strings.HasSuffix(mt, "+json"):
		return true
	case strings.HasPrefix(mt, "text/"):
		return true
	}
	return false
}
