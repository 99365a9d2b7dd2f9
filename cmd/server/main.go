// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"link-service/internal/bus"
	"link-service/internal/config"
	"link-service/internal/discovery"
	"link-service/internal/metrics"
	"link-service/internal/ping"
	"link-service/internal/protocol"
	"link-service/internal/routes"
	"link-service/internal/service"
	"link-service/internal/utils"
)

const shutdownTimeout = 10 * time.Second

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server
	router *routes.Router

	bus         *bus.Bus
	metrics     *metrics.Metrics
	linkService *service.LinkService
}

// flagKeys maps command line flags to the configuration keys they override
var flagKeys = map[string]string{
	"udp":             "link.udp",
	"port":            "link.port",
	"baudrate":        "link.baudrate",
	"udp-port":        "link.udp_port",
	"udp-uplink-port": "link.udp_uplink_port",
	"remote-addr":     "link.remote_addr",
	"ping-period":     "link.ping_period",
	"status-period":   "link.status_period",
	"sender-id":       "link.sender_id",
	"alpha":           "ping.alpha",
	"http":            "http.enabled",
	"http-port":       "http.port",
	"log-level":       "logging.level",
}

// @title Link Service API
// @version 1.0.0
// @description Ground link to the vehicle over a serial port or UDP: status, latency and uplink

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8085
// @BasePath /api/v1

func main() {
	app := newCLI()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "link-service: %v\n", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:  "link-service",
		Usage: "Ground link to the vehicle over a serial port or UDP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "configuration file"},
			&cli.BoolFlag{Name: "udp", Usage: "communicate over UDP instead of a serial port"},
			&cli.StringFlag{Name: "port", Aliases: []string{"d"}, Usage: "serial device"},
			&cli.IntFlag{Name: "baudrate", Aliases: []string{"s"}, Usage: "serial baud rate"},
			&cli.IntFlag{Name: "udp-port", Usage: "local UDP port receiving the downlink"},
			&cli.IntFlag{Name: "udp-uplink-port", Usage: "remote UDP port receiving the uplink"},
			&cli.StringFlag{Name: "remote-addr", Usage: "remote address of the vehicle"},
			&cli.Uint64Flag{Name: "ping-period", Usage: "ping period [ms]"},
			&cli.Uint64Flag{Name: "status-period", Usage: "status report period [ms]"},
			&cli.StringFlag{Name: "sender-id", Usage: "sender id used on the bus"},
			&cli.Float64Flag{Name: "alpha", Usage: "smoothing factor of the ping average"},
			&cli.BoolFlag{Name: "http", Usage: "serve status over HTTP"},
			&cli.StringFlag{Name: "http-port", Usage: "HTTP listen port"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Commands: []*cli.Command{
			{
				Name:   "ports",
				Usage:  "List serial ports present on this host",
				Action: listPorts,
			},
		},
		Action: run,
	}
}

func listPorts(c *cli.Context) error {
	ports, err := discovery.ListSerialPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(c.App.Writer, "no serial ports found")
		return nil
	}
	for _, p := range ports {
		if p.IsUSB {
			fmt.Fprintf(c.App.Writer, "%s\tusb %s:%s %s %s\n", p.Name, p.VID, p.PID, p.Product, p.SerialNumber)
		} else {
			fmt.Fprintln(c.App.Writer, p.Name)
		}
	}
	return nil
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"), flagOverrides(c))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx)
}

// flagOverrides collects the flags given on the command line
func flagOverrides(c *cli.Context) map[string]interface{} {
	overrides := make(map[string]interface{})
	for flag, key := range flagKeys {
		if c.IsSet(flag) {
			overrides[key] = c.Value(flag)
		}
	}
	return overrides
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "link-service")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	if err := app.initializeLink(); err != nil {
		return nil, fmt.Errorf("failed to initialize link: %w", err)
	}

	if cfg.HTTP.Enabled {
		app.initializeServer()
	}

	return app, nil
}

// initializeLink opens the transport and wires the link supervisor
func (app *Application) initializeLink() error {
	comm, err := protocol.NewLinkComm(&app.config.Link, app.logger)
	if err != nil {
		if errors.Is(err, protocol.ErrDeviceOpen) {
			app.logAvailablePorts()
		}
		return err
	}

	app.bus = bus.New(app.logger, app.config.Ping.BusQueueSize)
	app.metrics = metrics.New(comm.Medium())
	tracker := ping.NewTracker(app.config.Ping.Alpha)

	app.linkService = service.NewLinkService(
		app.config,
		comm,
		app.bus,
		tracker,
		app.metrics,
		app.logger,
		service.WithRxHandler(app.onDownlink),
	)

	return nil
}

// logAvailablePorts helps pick a device when the configured one cannot be opened
func (app *Application) logAvailablePorts() {
	ports, err := discovery.ListSerialPorts()
	if err != nil {
		app.logger.Warn("Failed to list serial ports", zap.Error(err))
		return
	}
	app.logger.Info("Available serial ports", zap.Strings("ports", discovery.PortNames(ports)))
}

func (app *Application) onDownlink(data []byte) {
	if ce := app.logger.Check(zapcore.DebugLevel, "Downlink received"); ce != nil {
		ce.Write(
			zap.String("msg_class", app.config.Link.RxMsgClass),
			zap.Int("size", len(data)),
		)
	}
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() {
	app.router = routes.NewRouter(app.config, app.logger, app.linkService, app.metrics)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      app.router.SetupRouter(),
		ReadTimeout:  app.config.HTTP.ReadTimeout,
		WriteTimeout: app.config.HTTP.WriteTimeout,
		IdleTimeout:  app.config.HTTP.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
	)
}

// Run starts the link and blocks until ctx is done or the HTTP server fails
func (app *Application) Run(ctx context.Context) error {
	if err := app.linkService.Start(ctx); err != nil {
		return multierr.Append(err, app.shutdown("link start failed"))
	}

	serverErr := make(chan error, 1)
	if app.server != nil {
		go func() {
			app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))
			if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		app.logger.Info("Received shutdown signal")
		return app.shutdown("shutdown signal received")
	case err := <-serverErr:
		app.logger.Error("HTTP server failed", zap.Error(err))
		return multierr.Append(err, app.shutdown("http server failed"))
	}
}

// shutdown performs graceful shutdown
func (app *Application) shutdown(reason string) error {
	serviceLogger := utils.NewServiceLogger(app.logger, "link-service")
	serviceLogger.LogServiceStop(reason)

	var err error

	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if shutdownErr := app.server.Shutdown(ctx); shutdownErr != nil {
			app.logger.Error("HTTP server shutdown error", zap.Error(shutdownErr))
			err = multierr.Append(err, shutdownErr)
		} else {
			app.logger.Info("HTTP server stopped")
		}
		app.router.Close()
	}

	if stopErr := app.linkService.Stop(); stopErr != nil {
		app.logger.Error("Link shutdown error", zap.Error(stopErr))
		err = multierr.Append(err, stopErr)
	}
	app.bus.Close()

	app.logger.Info("Application shutdown completed")

	// Flush logger; syncing a terminal fails on some platforms
	if syncErr := utils.CloseLogger(app.logger); syncErr != nil && app.config.Logging.Output != "stdout" && app.config.Logging.Output != "stderr" {
		err = multierr.Append(err, syncErr)
	}

	return err
}
