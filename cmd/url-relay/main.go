package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"url-relay/internal/client"
	"url-relay/internal/config"
	"url-relay/internal/handler"
	"url-relay/internal/metrics"
	"url-relay/internal/middleware"
	"url-relay/internal/model"
	"url-relay/internal/service"
	"url-relay/internal/transfer"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes of the relay command.
const (
	exitOK       = 0
	exitFailure  = 1
	exitInternal = 2 // relay protocol violation
)

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("url-relay"),
		kong.Description("Stream an HTTP download straight into a multipart/form-data upload."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
		kong.UsageOnError(),
	)

	if strings.HasPrefix(kctx.Command(), "serve") {
		serve(&cli)
		return
	}
	os.Exit(relay(&cli, kctx))
}

// core provides the object graph shared by both commands.
func core(cli *config.CLI) fx.Option {
	return fx.Options(
		fx.Provide(
			func() *config.CLI { return cli },
			config.Load,
			newLogger,
			newMetrics,
			client.NewHTTPClient,
			service.NewRelayService,
		),
		fx.Invoke(warnConfigPermissions),
	)
}

func serve(cli *config.CLI) {
	fx.New(
		core(cli),
		fx.Provide(
			func() handler.Version { return handler.Version(version) },
			newEcho,
			handler.NewRelayHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, startServer),
	).Run()
}

// relay runs a single relay and returns the process exit code. The upload
// target's response goes to stdout; logs and progress go to stderr.
func relay(cli *config.CLI, kctx *kong.Context) int {
	args := cli.Relay
	if args.DownloadURL == "" || args.UploadURL == "" {
		_ = kctx.PrintUsage(false)
		return exitOK
	}

	var (
		svc    *service.RelayService
		logger *slog.Logger
	)
	app := fx.New(core(cli), fx.NopLogger, fx.Populate(&svc, &logger))
	if err := app.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "url-relay: %v\n", err)
		return exitFailure
	}

	method := args.Method
	if _, ok := transfer.ParseMethod(method); !ok {
		logger.Warn("unrecognized request method, using the default", "method", method)
		method = ""
	}

	req := &model.RelayRequest{
		DownloadURL:     args.DownloadURL,
		UploadURL:       args.UploadURL,
		FieldName:       args.FieldName,
		FileName:        args.FileName,
		Method:          method,
		DownloadHeaders: args.DownloadHeaders,
		UploadHeaders:   args.Headers,
		FormFields:      args.Fields,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []service.RelayOption
	if args.Progress {
		bar := &progress{}
		defer bar.finish()
		opts = append(opts, service.WithProgress(bar.update, 100*time.Millisecond))
	}

	result, err := svc.Relay(ctx, req, os.Stdout, opts...)
	switch {
	case errors.Is(err, transfer.ErrProtocolViolation):
		logger.Error("relay aborted", "err", err)
		return exitInternal
	case err != nil:
		logger.Error("relay failed", "err", err)
		return exitFailure
	}

	logger.Info("done", "bytes", result.Bytes, "upload_status", result.UploadStatus)
	return exitOK
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	// stdout carries the upload response in relay mode.
	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		h = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(h)
}

// newMetrics returns nil when metrics are disabled; consumers treat nil as off.
func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.New()
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0): relay responses are streamed only after
	// the whole file has been relayed, which can take arbitrarily long.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "version", version)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
