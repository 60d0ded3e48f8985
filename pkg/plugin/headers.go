// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package plugin

import (
	"net/http"
	"strings"
)

// safeHeaders lists the headers that may leave the process as exchange
// metadata. Credentials and cookies are never on it.
var safeHeaders = map[string]struct{}{
	"content-type":                           {},
	"content-encoding":                       {},
	"accept":                                 {},
	"user-agent":                             {},
	"x-request-id":                           {},
	"openai-beta":                            {},
	"anthropic-version":                      {},
	"x-ratelimit-limit-requests":             {},
	"x-ratelimit-remaining-requests":         {},
	"x-ratelimit-limit-tokens":               {},
	"x-ratelimit-remaining-tokens":           {},
	"openai-processing-ms":                   {},
	"anthropic-ratelimit-requests-limit":     {},
	"anthropic-ratelimit-requests-remaining": {},
}

// SafeHeaders returns the allowlisted subset of h, keyed by lower-case name.
// Multiple values are joined with ", ".
func SafeHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for k, vv := range h {
		name := strings.ToLower(k)
		if _, ok := safeHeaders[name]; ok && len(vv) > 0 {
			out[name] = strings.Join(vv, ", ")
		}
	}
	return out
}
