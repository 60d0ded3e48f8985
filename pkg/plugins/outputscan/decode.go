// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package outputscan

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// decodeBody undoes the Content-Encoding codings of body, last applied
// first. The decoded size is capped at limit bytes.
func decodeBody(body []byte, contentEncoding string, limit int64) ([]byte, error) {
	codings := strings.Split(contentEncoding, ",")
	out := body
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var (
			r   io.Reader
			err error
		)
		switch coding {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			r, err = gzip.NewReader(bytes.NewReader(out))
		case "deflate":
			r, err = deflateReader(out)
		case "br":
			r = brotli.NewReader(bytes.NewReader(out))
		case "zstd":
			var dec *zstd.Decoder
			dec, err = zstd.NewReader(bytes.NewReader(out), zstd.WithDecoderConcurrency(1))
			if err == nil {
				defer dec.Close()
				r = dec
			}
		default:
			return nil, fmt.Errorf("unsupported content encoding %q", coding)
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", coding, err)
		}
		if out, err = readLimited(r, limit); err != nil {
			return nil, fmt.Errorf("decode %s: %w", coding, err)
		}
	}
	return out, nil
}

// deflateReader accepts both the zlib wrapped form that HTTP specifies and
// the raw deflate stream some servers send instead.
func deflateReader(body []byte) (io.Reader, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
		return zr, nil
	}
	return flate.NewReader(bytes.NewReader(body)), nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("decoded body exceeds %d bytes", limit)
	}
	return data, nil
}
