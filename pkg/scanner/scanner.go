// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package scanner inspects model output for data exfiltration indicators,
// i.e. URLs that point at domains known for collecting stolen data.
package scanner

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// SeverityHigh is assigned to every blocklist match.
	SeverityHigh = "high"
	// PatternSuspiciousURL identifies the URL detector in alerts.
	PatternSuspiciousURL = "suspicious_url"
)

// DefaultBlockedDomains are request catchers, tunnels and paste sites that
// show up in prompt-injection exfiltration payloads.
var DefaultBlockedDomains = []string{
	"evil.com",
	"webhook.site",
	"requestbin.com",
	"requestbin.net",
	"pipedream.net",
	"ngrok.io",
	"ngrok-free.app",
	"burpcollaborator.net",
	"oastify.com",
	"interact.sh",
	"oast.fun",
	"canarytokens.com",
	"pastebin.com",
	"transfer.sh",
}

// urlPattern matches an http(s) URL: scheme (any case), optional userinfo,
// host made of word characters, dots, dashes or percent-encoded octets, an
// optional port and an optional path/query/fragment. regexp.Regexp carries
// no scan state, so the compiled value is shared by concurrent scans.
var urlPattern = regexp.MustCompile(
	`(?i:https?)://(?:(?:[-\w.~!$&'()*+,;=:]|%[0-9A-Fa-f]{2})*@)?` +
		`(?:[-\w.]|%[0-9A-Fa-f]{2})+(?::\d+)?` +
		`(?:[/?#](?:[-\w.~!$&'()*+,;=:@/?#]|%[0-9A-Fa-f]{2})*)?`)

// Alert describes one blocklisted URL found in scanned text.
type Alert struct {
	// Index is the position of the URL among all extracted URLs.
	Index    int    `json:"index"`
	Severity string `json:"severity"`
	Pattern  string `json:"pattern"`
	// Match is the raw URL text.
	Match string `json:"match"`
	// Offset and Length locate the first occurrence of Match, in characters.
	Offset int `json:"offset"`
	Length int `json:"length"`
}

// Result is the outcome of one scan. IsSafe is true iff Alerts is empty.
type Result struct {
	IsSafe bool    `json:"isSafe"`
	Alerts []Alert `json:"alerts"`
}

// ExtractURLs returns the non-overlapping URL candidates in text, in order.
func ExtractURLs(text string) []string {
	return urlPattern.FindAllString(text, -1)
}

// ScanDefault scans text against DefaultBlockedDomains.
func ScanDefault(text string) Result {
	return Scan(text, DefaultBlockedDomains)
}

// Scan extracts URLs from text and reports every URL whose host equals or is
// a subdomain of a blocked entry. A host matching several entries yields one
// alert per entry. Candidates that do not parse as URLs are ignored.
func Scan(text string, blocked []string) Result {
	alerts := []Alert{}

	for i, raw := range ExtractURLs(text) {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		// A fully qualified name with its root dot reaches the same site.
		host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
		if host == "" {
			continue
		}

		for _, entry := range blocked {
			if !hostMatches(host, normalizeEntry(entry)) {
				continue
			}
			offset, length := locate(text, raw)
			alerts = append(alerts, Alert{
				Index:    i,
				Severity: SeverityHigh,
				Pattern:  PatternSuspiciousURL,
				Match:    raw,
				Offset:   offset,
				Length:   length,
			})
		}
	}

	return Result{IsSafe: len(alerts) == 0, Alerts: alerts}
}

func normalizeEntry(entry string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(entry)), ".")
}

func hostMatches(host, entry string) bool {
	if entry == "" {
		return false
	}
	return host == entry || strings.HasSuffix(host, "."+entry)
}

// locate returns the character offset and length of the first occurrence of
// match in text.
func locate(text, match string) (int, int) {
	idx := strings.Index(text, match)
	if idx < 0 {
		return -1, utf8.RuneCountInString(match)
	}
	return utf8.RuneCountInString(text[:idx]), utf8.RuneCountInString(match)
}
