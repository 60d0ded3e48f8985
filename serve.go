// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-core-stack/context-proxy/pkg/config"
	"github.com/go-core-stack/context-proxy/pkg/logging"
	"github.com/go-core-stack/context-proxy/pkg/plugin"
	"github.com/go-core-stack/context-proxy/pkg/plugins/audit"
	"github.com/go-core-stack/context-proxy/pkg/plugins/metrics"
	"github.com/go-core-stack/context-proxy/pkg/plugins/monitor"
	"github.com/go-core-stack/context-proxy/pkg/plugins/outputscan"
	"github.com/go-core-stack/context-proxy/pkg/plugins/reqlog"
	"github.com/go-core-stack/context-proxy/pkg/proxy"
	"github.com/go-core-stack/context-proxy/pkg/server"
	"github.com/go-core-stack/context-proxy/pkg/tools"
)

type serveFlags struct {
	bindHost            string
	port                int
	allowTargetOverride bool
	upstreams           map[string]string
	logLevel            string
	logFile             string
	upstreamTimeout     time.Duration
	streamIdleTimeout   time.Duration
	shutdownGrace       time.Duration
	upstreamProxy       string
	scanMode            string
	auditDB             string
}

func newServeCommand() *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Resolve(f.overrides(cmd))
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, nil)
		},
	}

	f.register(cmd)
	return cmd
}

func (f *serveFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.bindHost, "bind-host", "", "Interface to listen on (default 127.0.0.1)")
	fl.IntVar(&f.port, "port", 0, "Port to listen on, 0 picks a free one (default 4040)")
	fl.BoolVar(&f.allowTargetOverride, "allow-target-override", false, "Honour the X-Context-Proxy-Target header")
	fl.StringToStringVar(&f.upstreams, "upstream", nil, "Upstream base URL override, key=url (openai, anthropic, chatgpt, gemini, geminiCodeAssist)")
	fl.StringVar(&f.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	fl.StringVar(&f.logFile, "log-file", "", "Also write logs to this rotating file")
	fl.DurationVar(&f.upstreamTimeout, "upstream-timeout", 0, "Time to wait for upstream response headers")
	fl.DurationVar(&f.streamIdleTimeout, "stream-idle-timeout", 0, "Longest pause allowed between upstream body reads, 0 disables")
	fl.DurationVar(&f.shutdownGrace, "shutdown-grace", 0, "Time in-flight requests get to finish on shutdown")
	fl.StringVar(&f.upstreamProxy, "upstream-proxy", "", "Forward upstream traffic through this http(s) or socks5 proxy")
	fl.StringVar(&f.scanMode, "scan-mode", "", "Output scanning: off, warn, redact or block")
	fl.StringVar(&f.auditDB, "audit-db", "", "Record exchange metadata into this SQLite file")
}

// overrides keeps flags the user did not set out of the way of the
// environment.
func (f *serveFlags) overrides(cmd *cobra.Command) config.Overrides {
	o := config.Overrides{
		Upstreams:     f.upstreams,
		BindHost:      f.bindHost,
		LogLevel:      f.logLevel,
		LogFile:       f.logFile,
		UpstreamProxy: f.upstreamProxy,
		ScanMode:      f.scanMode,
		AuditDB:       f.auditDB,
	}
	if cmd.Flags().Changed("port") {
		port := f.port
		o.Port = &port
	}
	if cmd.Flags().Changed("allow-target-override") {
		allow := f.allowTargetOverride
		o.AllowTargetOverride = &allow
	}
	for name, dst := range map[string]**time.Duration{
		"upstream-timeout":    &o.UpstreamTimeout,
		"stream-idle-timeout": &o.StreamIdleTimeout,
		"shutdown-grace":      &o.ShutdownGrace,
	} {
		if cmd.Flags().Changed(name) {
			d, _ := cmd.Flags().GetDuration(name)
			*dst = &d
		}
	}
	return o
}

// stack holds the built-in plugins that need lifecycle handling.
type stack struct {
	pipeline *plugin.Pipeline
	metrics  *metrics.Plugin
	monitor  *monitor.Hub
	audit    *audit.Store
}

func buildStack(cfg config.Config) (*stack, error) {
	s := &stack{
		metrics: metrics.New(),
		monitor: monitor.New(),
	}
	plugins := []plugin.Plugin{
		s.monitor,
		outputscan.New(outputscan.Options{
			Mode:            cfg.ScanMode,
			ExtraDomains:    cfg.BlockedDomains,
			MaxDecodedBytes: cfg.MaxInspectBytes,
		}),
		s.metrics,
	}
	if cfg.AuditDB != "" {
		store, err := audit.Open(cfg.AuditDB)
		if err != nil {
			s.monitor.Close()
			return nil, err
		}
		s.audit = store
		plugins = append(plugins, store)
	}
	plugins = append(plugins, reqlog.New(nil))
	s.pipeline = plugin.NewPipeline(plugins...)
	return s, nil
}

func (s *stack) Close() {
	s.monitor.Close()
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close audit database")
		}
	}
}

// runServe blocks until ctx is done or a signal arrives. ready, when set, is
// called with the proxy base URL once it accepts connections.
func runServe(ctx context.Context, cfg config.Config, ready func(baseURL string)) error {
	closer, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closer.Close()

	st, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	fwd, err := proxy.New(cfg, st.pipeline)
	if err != nil {
		return err
	}

	srv := server.New(cfg, fwd,
		server.WithMetrics(st.metrics.Handler()),
		server.WithEvents(st.monitor),
		server.WithOnShutdown(st.monitor.Close),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	log.Info().
		Str("version", version).
		Str("base_url", srv.BaseURL()).
		Str("scan_mode", cfg.ScanMode).
		Strs("plugins", st.pipeline.Names()).
		Bool("allow_target_override", cfg.AllowTargetOverride).
		Msg("starting context proxy")
	for _, id := range tools.Known() {
		d := tools.Resolve(id, srv.BaseURL())
		log.Debug().Str("tool", id).Strs("env", d.Environ()).Bool("needs_mitm", d.NeedsMitm).Msg("tool routing")
	}
	if ready != nil {
		ready(srv.BaseURL())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-srv.Done()
		return srv.Err()
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Stop(context.Background())
	})
	return g.Wait()
}
