package cmd

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/sdk/resource"

	pkgotel "github.com/kalbasit/redlockctl/pkg/otel"
	"github.com/kalbasit/redlockctl/pkg/telemetry"
)

func newResource(ctx context.Context, cmd *cli.Command) (*resource.Resource, error) {
	return telemetry.NewResource(ctx, cmd.Root().Name, Version)
}

// setupOTelSDK resolves the command's otel flags and delegates to
// pkg/otel.SetupOTelSDK, logging each step along the way.
func setupOTelSDK(
	ctx context.Context,
	cmd *cli.Command,
	otelResource *resource.Resource,
) (func(context.Context) error, error) {
	colURL := cmd.String("otel-grpc-url")
	enabled := cmd.Bool("otel-enabled")

	ctx = zerolog.Ctx(ctx).
		With().
		Bool("otel-enabled", enabled).
		Str("otel-grpc-url", colURL).
		Logger().
		WithContext(ctx)

	zerolog.Ctx(ctx).Info().Msg("setting up OpenTelemetry SDK")

	shutdown, err := pkgotel.SetupOTelSDK(ctx, enabled, colURL, otelResource)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error setting up the OpenTelemetry SDK")

		return shutdown, err
	}

	return shutdown, nil
}
