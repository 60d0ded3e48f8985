// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package plugin

import (
	"time"
)

// Record is the metadata of an exchange that may leave the process. It never
// carries bodies or credential headers.
type Record struct {
	ID              string            `json:"id"`
	Tool            string            `json:"tool"`
	Provider        string            `json:"provider"`
	APIFormat       string            `json:"apiFormat"`
	Intercepted     bool              `json:"intercepted"`
	Started         time.Time         `json:"started"`
	DurationMs      int64             `json:"durationMs,omitempty"`
	Method          string            `json:"method,omitempty"`
	Host            string            `json:"host,omitempty"`
	Path            string            `json:"path,omitempty"`
	Status          int               `json:"status,omitempty"`
	RequestBytes    int64             `json:"requestBytes,omitempty"`
	ResponseBytes   int64             `json:"responseBytes,omitempty"`
	Buffered        bool              `json:"buffered,omitempty"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	Annotations     map[string]string `json:"annotations,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// NewRecord snapshots ex. A zero now leaves DurationMs unset.
func NewRecord(ex *Exchange, now time.Time) *Record {
	rec := &Record{
		ID:          ex.ID,
		Tool:        ex.Tool,
		Provider:    ex.Provider,
		APIFormat:   ex.APIFormat,
		Intercepted: ex.Intercepted,
		Started:     ex.Started,
		Status:      ex.StatusCode(),
	}
	if !now.IsZero() {
		rec.DurationMs = now.Sub(ex.Started).Milliseconds()
	}
	if ex.Request != nil {
		rec.Method = ex.Request.Method
		if ex.Request.URL != nil {
			rec.Host = ex.Request.URL.Host
			rec.Path = ex.Request.URL.Path
		}
		if ex.Request.ContentLength > 0 {
			rec.RequestBytes = ex.Request.ContentLength
		}
		rec.RequestHeaders = SafeHeaders(ex.Request.Header)
	}
	if ex.Response != nil {
		rec.ResponseBytes = ex.Response.Bytes
		rec.Buffered = ex.Response.Buffered
		rec.ResponseHeaders = SafeHeaders(ex.Response.Header)
	}
	if notes := ex.Annotations(); len(notes) > 0 {
		rec.Annotations = notes
	}
	if ex.Err != nil {
		rec.Error = ex.Err.Error()
	}
	return rec
}
