// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package audit keeps one metadata row per proxied exchange in SQLite.
// Bodies are never stored.
package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/go-core-stack/context-proxy/pkg/plugin"
)

// Name identifies the plugin.
const Name = "audit"

const writeTimeout = 5 * time.Second

//go:embed schema.sql
var schemaSQL string

// Store is the audit plugin and its SQLite handle.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open creates the database file and its parent directory when missing and
// applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("empty audit database path")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &Store{
		db:     db,
		logger: log.With().Str("component", Name).Logger(),
		now:    time.Now,
	}, nil
}

// Name implements plugin.Plugin.
func (s *Store) Name() string { return Name }

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OnComplete stores the exchange. The write outlives a canceled client.
func (s *Store) OnComplete(ctx context.Context, ex *plugin.Exchange) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := s.Insert(ctx, plugin.NewRecord(ex, s.now())); err != nil {
		s.logger.Warn().Err(err).Str("request_id", ex.ID).Msg("failed to store audit record")
	}
}

// Insert writes one record.
func (s *Store) Insert(ctx context.Context, rec *plugin.Record) error {
	reqHeaders, err := encodeMap(rec.RequestHeaders)
	if err != nil {
		return err
	}
	respHeaders, err := encodeMap(rec.ResponseHeaders)
	if err != nil {
		return err
	}
	notes, err := encodeMap(rec.Annotations)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO exchanges(
  request_id, started_at, duration_ms, tool, provider, api_format,
  intercepted, method, host, path, status_code,
  request_bytes, response_bytes, buffered,
  request_headers, response_headers, annotations, error
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Started.UTC().Format(time.RFC3339Nano),
		rec.DurationMs,
		rec.Tool,
		rec.Provider,
		rec.APIFormat,
		rec.Intercepted,
		rec.Method,
		rec.Host,
		rec.Path,
		rec.Status,
		rec.RequestBytes,
		rec.ResponseBytes,
		rec.Buffered,
		reqHeaders,
		respHeaders,
		notes,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert exchange: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*plugin.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT request_id, started_at, duration_ms, tool, provider, api_format,
       intercepted, method, host, path, status_code,
       request_bytes, response_bytes, buffered,
       request_headers, response_headers, annotations, error
FROM exchanges ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	var out []*plugin.Record
	for rows.Next() {
		var (
			rec                            plugin.Record
			started                        string
			reqHeaders, respHeaders, notes string
		)
		if err := rows.Scan(
			&rec.ID, &started, &rec.DurationMs, &rec.Tool, &rec.Provider, &rec.APIFormat,
			&rec.Intercepted, &rec.Method, &rec.Host, &rec.Path, &rec.Status,
			&rec.RequestBytes, &rec.ResponseBytes, &rec.Buffered,
			&reqHeaders, &respHeaders, &notes, &rec.Error,
		); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		if rec.Started, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if rec.RequestHeaders, err = decodeMap(reqHeaders); err != nil {
			return nil, err
		}
		if rec.ResponseHeaders, err = decodeMap(respHeaders); err != nil {
			return nil, err
		}
		if rec.Annotations, err = decodeMap(notes); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func encodeMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func decodeMap(raw string) (map[string]string, error) {
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
