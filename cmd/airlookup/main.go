package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basekick-labs/airlookup/internal/airtable"
	"github.com/basekick-labs/airlookup/internal/api"
	"github.com/basekick-labs/airlookup/internal/circuitbreaker"
	"github.com/basekick-labs/airlookup/internal/config"
	"github.com/basekick-labs/airlookup/internal/logger"
	"github.com/basekick-labs/airlookup/internal/lookup"
	"github.com/basekick-labs/airlookup/internal/metrics"
	"github.com/basekick-labs/airlookup/internal/shutdown"
	"github.com/basekick-labs/airlookup/pkg/models"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			os.Exit(runServe(os.Args[2:]))
		case "version":
			fmt.Println(Version)
			return
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(runCLI(ctx, os.Stdin, os.Stdout, os.Getenv))
}

// runCLI answers one payload from stdin with one envelope on stdout.
// The exit code is 0 whenever an envelope was written.
func runCLI(ctx context.Context, stdin io.Reader, stdout io.Writer, getenv func(string) string) int {
	cfg, err := config.Load()
	if err != nil {
		logger.Setup("info", "json", os.Stderr)
		log.Error().Err(err).Msg("Failed to load config")
		return writeEnvelope(stdout, models.Fail("Invalid airlookup configuration", models.CodeConfiguration, map[string]string{
			"reason": err.Error(),
		}))
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	client, clientErr := buildClient(cfg, nil, getenv)
	if client != nil {
		defer client.Close()
	}
	handler := newHandler(cfg, client, clientErr)

	raw, err := io.ReadAll(stdin)
	if err != nil {
		return writeEnvelope(stdout, models.Fail("Failed to read input payload", models.CodeInput, map[string]string{
			"reason": err.Error(),
		}))
	}

	return writeEnvelope(stdout, handler.Handle(ctx, raw))
}

func writeEnvelope(w io.Writer, env *models.Envelope) int {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env.Wire()); err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to write envelope: %v\n", err)
		return 1
	}
	return 0
}

// buildClient selects the executor, wraps it with breaker when one is given
// and returns the client. The error is reported by the handler, not here.
func buildClient(cfg *config.Config, breaker *circuitbreaker.CircuitBreaker, getenv func(string) string) (*airtable.Client, error) {
	executor, err := airtable.SelectExecutor(cfg.Airtable.Client, getenv)
	if err != nil {
		return nil, err
	}
	executor = airtable.WithBreaker(executor, breaker)

	client, err := airtable.NewClient(&airtable.ClientConfig{
		APIKey:   cfg.Airtable.APIKey,
		BaseID:   cfg.Airtable.BaseID,
		BaseURL:  cfg.Airtable.BaseURL,
		Executor: executor,
		Logger:   logger.Get("airtable"),
	})
	if err != nil {
		_ = executor.Close()
		return nil, err
	}
	return client, nil
}

func newHandler(cfg *config.Config, client *airtable.Client, clientErr error) *lookup.Handler {
	hc := &lookup.HandlerConfig{
		Config:    cfg,
		ClientErr: clientErr,
		Logger:    logger.Get("lookup"),
	}
	// A nil *Client must not become a non-nil Fetcher
	if client != nil {
		hc.Fetcher = client
	}
	return lookup.NewHandler(hc)
}

// runServe runs the HTTP server until SIGINT/SIGTERM
func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	host := fs.String("host", "", "Listen host (overrides server.host)")
	port := fs.Int("port", 0, "Listen port (overrides server.port)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	if err := cfg.Server.ValidateTLS(); err != nil {
		fmt.Fprintf(os.Stderr, "TLS configuration error: %v\n", err)
		return 1
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	log.Info().Str("version", Version).Msg("Starting airlookup server...")

	metrics.Init(logger.Get("metrics"))

	breaker := circuitbreaker.New(&circuitbreaker.Config{
		Name:                "airtable",
		MaxFailures:         cfg.Breaker.MaxFailures,
		Timeout:             config.Timeout(cfg.Breaker.TimeoutSeconds, 30*time.Second),
		HalfOpenMaxRequests: 1,
	}, logger.Get("circuit-breaker"))

	client, clientErr := buildClient(cfg, breaker, os.Getenv)
	if clientErr != nil {
		log.Error().Err(clientErr).Msg("Airtable client unavailable, requests will fail until restart")
	}
	if err := cfg.Airtable.Validate(); err != nil {
		log.Warn().Err(err).Msg("Airtable credentials incomplete")
	}

	shutdownCoordinator := shutdown.New(30*time.Second, logger.Get("shutdown"))

	server := api.NewServer(&api.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  config.Timeout(cfg.Server.ReadTimeout, 30*time.Second),
		WriteTimeout: config.Timeout(cfg.Server.WriteTimeout, 90*time.Second),
		IdleTimeout:  120 * time.Second,
		TLSEnabled:   cfg.Server.TLSEnabled,
		TLSCertFile:  cfg.Server.TLSCertFile,
		TLSKeyFile:   cfg.Server.TLSKeyFile,
	}, logger.Get("api"))
	if client != nil {
		server.SetUpstream(client.Executor(), breaker)
	}

	// The /api/v1 group middleware must be registered before /api/v1/logs
	handler := newHandler(cfg, client, clientErr)
	api.NewLookupRoutes(handler, &api.RouteConfig{
		AuthToken:          cfg.Server.AuthToken,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
	}, logger.Get("lookup-api")).RegisterRoutes(server.GetApp())
	server.RegisterRoutes()

	shutdownCoordinator.RegisterHook("http-server", func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}, shutdown.PriorityHTTPServer)
	if client != nil {
		shutdownCoordinator.Register("airtable-client", client, shutdown.PriorityExecutor)
	}
	shutdownCoordinator.RegisterHook("final-metrics", func(ctx context.Context) error {
		snap := metrics.Get().Snapshot()
		log.Info().
			Interface("http_requests_total", snap["http_requests_total"]).
			Interface("remote_requests_total", snap["remote_requests_total"]).
			Msg("Final counters")
		return nil
	}, shutdown.PriorityFinal)

	errCh := server.Start()
	go func() {
		if err, ok := <-errCh; ok && err != nil {
			log.Error().Err(err).Msg("HTTP server stopped unexpectedly")
			shutdownCoordinator.TriggerShutdown()
		}
	}()

	protocol := "HTTP"
	if cfg.Server.TLSEnabled {
		protocol = "HTTPS"
	}
	log.Info().
		Str("addr", server.Addr()).
		Str("protocol", protocol).
		Str("version", Version).
		Msg("airlookup is ready!")

	sig := shutdownCoordinator.WaitForSignal()
	log.Info().Str("signal", sig.String()).Msg("Initiating graceful shutdown...")

	if err := shutdownCoordinator.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Shutdown completed with errors")
		return 1
	}

	log.Info().Msg("airlookup shutdown complete")
	return 0
}
