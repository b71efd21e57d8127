package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rbmarquez/DoctorQ-sub006/pkg/apiclient"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/assistant"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/config"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/escalation"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/feedback"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/logging"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/metrics"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/session"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/timeline"
)

type options struct {
	configPath  string
	apiURL      string
	operatorURL string
	name        string
	logLevel    string
	withCaller  bool
	logFile     string
	metricsAddr string
	redis       bool
}

func main() {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "handoff-chat",
		Short: "Terminal support chat with assistant to human operator handoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
		SilenceUsage: true,
	}
	f := rootCmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	f.StringVar(&opts.apiURL, "api-url", "", "base URL of the support API")
	f.StringVar(&opts.operatorURL, "operator-url", "", "websocket URL of the operator channel")
	f.StringVar(&opts.name, "name", "", "display name sent to the operator")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	f.BoolVar(&opts.withCaller, "with-caller", false, "log caller file and line")
	f.StringVar(&opts.logFile, "log-file", "/tmp/handoff-chat.log", "log file; the terminal is owned by the UI")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.BoolVar(&opts.redis, "redis", false, "fan timeline updates out over Redis Streams")

	cobra.CheckErr(rootCmd.Execute())
}

func applyFlags(cmd *cobra.Command, opts *options, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("api-url") {
		cfg.API.BaseURL = opts.apiURL
	}
	if f.Changed("operator-url") {
		cfg.Operator.URL = opts.operatorURL
	}
	if f.Changed("name") {
		cfg.Operator.Name = opts.name
	}
	if f.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if f.Changed("with-caller") {
		cfg.Log.WithCaller = opts.withCaller
	}
	if f.Changed("log-file") || cfg.Log.File == "" {
		cfg.Log.File = opts.logFile
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if f.Changed("redis") {
		cfg.Bus.Redis.Enabled = opts.redis
	}
}

func run(cmd *cobra.Command, opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, opts, cfg)
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	closer, err := logging.Init(logging.Settings{Level: cfg.Log.Level, WithCaller: cfg.Log.WithCaller, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	apiOpts := []apiclient.Option{apiclient.WithTimeout(cfg.API.Timeout)}
	if cfg.API.APIKey != "" {
		apiOpts = append(apiOpts, apiclient.WithHeader("Authorization", "Bearer "+cfg.API.APIKey))
	}
	api, err := apiclient.New(cfg.API.BaseURL, apiOpts...)
	if err != nil {
		return err
	}

	bus, err := timeline.BuildBus(cfg.Bus)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	fb := feedback.NewClient(api, cfg.API.FeedbackPath,
		feedback.WithRate(cfg.Feedback.Rate, cfg.Feedback.Burst),
		feedback.WithMetrics(m),
	)
	defer fb.Wait()

	s, err := session.New(cfg.SessionConfig(), session.Deps{
		Assistant:  assistant.NewClient(api, cfg.API.AssistantPaths()),
		Escalation: escalation.NewClient(api, cfg.API.HandoffPath),
		Feedback:   fb,
		Bus:        bus,
		Metrics:    m,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	if cfg.Bus.Redis.Enabled {
		if err := bus.EnsureGroupAtTail(ctx, s.Topic(), cfg.Bus.Redis.Group); err != nil {
			return errors.Wrap(err, "prepare redis consumer group")
		}
	}

	uiCtx, cancelUI := context.WithCancel(ctx)
	defer cancelUI()
	updates, err := s.Subscribe(uiCtx)
	if err != nil {
		return err
	}

	log.Info().Str("session_id", s.ID()).Str("api", api.BaseURL()).Msg("handoff chat starting")

	eg, groupCtx := errgroup.WithContext(ctx)
	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		eg.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
	}

	eg.Go(func() error {
		defer cancelUI()
		p := tea.NewProgram(newModel(uiCtx, s, updates), tea.WithAltScreen(), tea.WithContext(groupCtx))
		_, err := p.Run()
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	})

	eg.Go(func() error {
		<-uiCtx.Done()
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Str("session_id", s.ID()).Msg("handoff chat stopped")
	return nil
}
