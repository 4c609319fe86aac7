package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli-altsrc/v3/json"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	altsrc "github.com/urfave/cli-altsrc/v3"

	"github.com/kalbasit/redlockctl/pkg/helper"
	"github.com/kalbasit/redlockctl/pkg/otellogging"
	"github.com/kalbasit/redlockctl/pkg/otelzerolog"
	pkgprometheus "github.com/kalbasit/redlockctl/pkg/prometheus"
)

// Version defines the version of the binary, and is meant to be set with ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

type flagSourcesFn func(configFileKey, envVar string) cli.ValueSourceChain

// New returns the redlockctl root command: lock, unlock and extend
// subcommands against a quorum of Redis-compatible servers, plus the
// logging/OTel/config flags shared across them.
func New() *cli.Command {
	var otelShutdown func(context.Context) error

	var metricsServer *http.Server

	var configPath string

	flagSources := func(configFileKey, envVar string) cli.ValueSourceChain {
		return cli.NewValueSourceChain(
			toml.TOML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			yaml.YAML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			json.JSON(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			cli.EnvVar(envVar),
		)
	}

	return &cli.Command{
		Name:    "redlockctl",
		Usage:   "Operate a Redlock distributed lock quorum from the command line",
		Version: Version,
		After: func(ctx context.Context, _ *cli.Command) error {
			if metricsServer != nil {
				_ = metricsServer.Shutdown(ctx)
			}

			if otelShutdown != nil {
				return otelShutdown(ctx)
			}

			return nil
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logLvl := cmd.String("log-level")

			lvl, err := zerolog.ParseLevel(logLvl)
			if err != nil {
				return ctx, fmt.Errorf("error parsing the log-level %q: %w", logLvl, err)
			}

			var output io.Writer = os.Stdout

			colURL := cmd.String("otel-grpc-url")
			if colURL != "" {
				otelWriter, err := otelzerolog.NewOtelWriter(ctx, colURL, cmd.Root().Name)
				if err != nil {
					return ctx, err
				}

				logVolumeWriter, err := otellogging.NewOtelWriter(ctx, colURL, cmd.Root().Name)
				if err != nil {
					return ctx, err
				}

				output = zerolog.MultiLevelWriter(os.Stdout, otelWriter, logVolumeWriter)
			}

			if term.IsTerminal(int(os.Stdout.Fd())) {
				output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
			}

			invocationID, err := helper.RandString(12, nil)
			if err != nil {
				return ctx, fmt.Errorf("error generating an invocation id: %w", err)
			}

			ctx = zerolog.New(output).
				Level(lvl).
				With().
				Timestamp().
				Str("invocation_id", invocationID).
				Logger().
				WithContext(ctx)

			otelResource, err := newResource(ctx, cmd)
			if err != nil {
				return ctx, err
			}

			otelShutdown, err = setupOTelSDK(ctx, cmd, otelResource)
			if err != nil {
				return ctx, err
			}

			(zerolog.Ctx(ctx)).
				Info().
				Str("otel_grpc_url", colURL).
				Str("log_level", lvl.String()).
				Msg("logger created")

			go func() {
				if err := autoMaxProcs(ctx, maxProcsRefreshInterval); err != nil && ctx.Err() == nil {
					zerolog.Ctx(ctx).Warn().Err(err).Msg("auto-max-procs stopped")
				}
			}()

			if cmd.Bool("prometheus-enabled") {
				registry, _, err := pkgprometheus.SetupPrometheusMetrics(ctx, cmd.Root().Name, Version)
				if err != nil {
					return ctx, fmt.Errorf("error setting up prometheus metrics: %w", err)
				}

				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

				metricsServer = &http.Server{
					Addr:              cmd.String("metrics-addr"),
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				}

				ln, err := net.Listen("tcp", metricsServer.Addr)
				if err != nil {
					return ctx, fmt.Errorf("error binding prometheus metrics listener: %w", err)
				}

				go func() {
					if err := metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						zerolog.Ctx(ctx).Error().Err(err).Msg("prometheus metrics server stopped")
					}
				}()

				zerolog.Ctx(ctx).Info().Str("addr", metricsServer.Addr).Msg("prometheus metrics endpoint listening")
			}

			return ctx, nil
		},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Enable Open-Telemetry logs, metrics and tracing.",
				Sources: flagSources("opentelemetry.enabled", "OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Set the log level",
				Sources: flagSources("log.level", "LOG_LEVEL"),
				Value:   "info",
				Validator: func(lvl string) error {
					_, err := zerolog.ParseLevel(lvl)

					return err
				},
			},
			&cli.StringFlag{
				Name: "otel-grpc-url",
				Usage: "Configure OpenTelemetry gRPC URL; Missing or https " +
					"scheme enable secure gRPC, insecure otherwize. Omit to emit Telemetry to stdout " +
					"when --otel-enabled is set; it is discarded otherwise.",
				Sources: flagSources("opentelemetry.grpc-url", "OTEL_GRPC_URL"),
				Value:   "",
				Validator: func(colURL string) error {
					_, err := url.Parse(colURL)

					return err
				},
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to the configuration file (toml, yaml, json)",
				Sources:     cli.EnvVars("REDLOCKCTL_CONFIG_FILE"),
				Value:       getDefaultConfigPath(),
				Destination: &configPath,
			},
			&cli.BoolFlag{
				Name:    "prometheus-enabled",
				Usage:   "Enable Prometheus metrics endpoint at /metrics",
				Sources: flagSources("prometheus.enabled", "PROMETHEUS_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Address the Prometheus metrics endpoint listens on",
				Sources: flagSources("prometheus.addr", "PROMETHEUS_ADDR"),
				Value:   "127.0.0.1:9090",
			},
		},
		Commands: []*cli.Command{
			lockCommand(flagSources),
			unlockCommand(flagSources),
			extendCommand(flagSources),
		},
	}
}

// getDefaultConfigPath returns the default path to the config file.
func getDefaultConfigPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		panic(fmt.Sprintf("unable to determine user config directory: %v", err))
	}

	return filepath.Join(configDir, "redlockctl", "config.yaml")
}
