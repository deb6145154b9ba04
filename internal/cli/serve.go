package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/evi/adapters/evi"
	"github.com/satriahrh/arunika/evi/domain/repositories"
	"github.com/satriahrh/arunika/evi/internal/api"
	"github.com/satriahrh/arunika/evi/internal/auth"
	"github.com/satriahrh/arunika/evi/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the browser relay",
	Long: `Run an HTTP server exposing /health and an authenticated /ws endpoint.
Every browser connection gets its own voice session that reconnects when
the service drops it.

Reads EVI_* variables for the voice service, PORT (default 8080) and
RELAY_JWT_SECRET.`,
	RunE: runServe,
}

var noReconnectFlag bool

func init() {
	serveCmd.Flags().BoolVar(&noReconnectFlag, "no-reconnect", false, "Do not re-dial voice sessions dropped by the service")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	config := evi.NewConfigFromEnv()
	if err := evi.ValidateConfig(config); err != nil {
		return fmt.Errorf("voice service configuration: %w", err)
	}

	issuer, err := auth.NewTokenIssuer(os.Getenv("RELAY_JWT_SECRET"))
	if err != nil {
		return fmt.Errorf("RELAY_JWT_SECRET: %w", err)
	}

	factory := func(events repositories.VoiceEvents) (repositories.VoiceSession, error) {
		if noReconnectFlag {
			return evi.NewSession(config, events, logger)
		}
		return evi.NewReconnectingSession(config, events, evi.DefaultReconnectPolicy(), logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := websocket.NewHub(factory, logger)
	go hub.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, hub, issuer, logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Graceful shutdown
	serverErr := make(chan error, 1)
	go func() {
		if err := e.Start(":" + port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("Relay started", zap.String("port", port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("relay server: %w", err)
	}

	logger.Info("Relay is shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := shutdownRelay(shutdownCtx, e, cancel, hub); err != nil {
		return err
	}

	logger.Info("Relay exited")
	return nil
}

// shutdownRelay stops the HTTP server, then closes the browser sockets the
// hub still owns and waits until their voice sessions are disconnected.
func shutdownRelay(ctx context.Context, e *echo.Echo, stopHub context.CancelFunc, hub *websocket.Hub) error {
	serverErr := e.Shutdown(ctx)
	stopHub()

	select {
	case <-hub.Done():
	case <-ctx.Done():
		return fmt.Errorf("voice sessions still open at shutdown: %w", ctx.Err())
	}

	if serverErr != nil {
		return fmt.Errorf("relay forced to shutdown: %w", serverErr)
	}
	return nil
}
