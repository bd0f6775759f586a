// rmi-bridge: WebSocket topic bridge between motion commanders and robot
// controllers. Optionally hosts simulated controllers for the cell's robots.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teslashibe/go-rmi/internal/config"
	"github.com/teslashibe/go-rmi/internal/log"
	"github.com/teslashibe/go-rmi/pkg/bridge"
	"github.com/teslashibe/go-rmi/pkg/sim"
)

var version = "0.3.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "rmi-bridge",
		Short:         "Route command and result topics between commanders and controllers",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Init(v.GetString("log-level"))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, v)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", config.DefaultBridgeAddr, "listen address")
	flags.StringP("config", "c", "", "robot cell YAML file, used with --sim")
	flags.Bool("sim", false, "host a simulated controller for every robot in the cell")
	flags.Duration("sim-delay", config.DefaultSimDelay, "simulated execution time per command")
	flags.Bool("debug", false, "log every HTTP request")
	flags.String("log-level", config.DefaultLogLevel, "debug, info, warn or error")

	v.SetEnvPrefix("RMI")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	return cmd
}

func serve(ctx context.Context, v *viper.Viper) error {
	b := bridge.New(bridge.Options{Logger: log.L()})
	defer b.Close()

	if v.GetBool("sim") {
		cell := config.Default()
		if file := v.GetString("config"); file != "" {
			loaded, err := config.Load(file)
			if err != nil {
				return err
			}
			cell = loaded
		}
		sims, err := attachSims(b, cell, v.GetDuration("sim-delay"), log.L())
		if err != nil {
			return err
		}
		defer func() {
			for _, s := range sims {
				s.Close()
			}
		}()
	}

	app := newApp(b, v.GetBool("debug"))
	addr := v.GetString("addr")

	errCh := make(chan error, 1)
	go func() {
		log.Info("bridge listening", "addr", addr, "version", version)
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newApp wires the bridge into a fiber app with the health endpoint.
func newApp(b *bridge.Bridge, debug bool) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "rmi-bridge",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type",
	}))
	if debug {
		app.Use(logger.New())
	}

	b.RegisterRoutes(app)
	b.RegisterAPIRoutes(app.Group("/api"))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": version,
			"peers":   b.PeerCount(),
		})
	})
	return app
}

// attachSims starts one simulated controller per robot, subscribed to the
// bridge directly so commanders reach them over WebSocket.
func attachSims(b *bridge.Bridge, cell config.Cell, delay time.Duration, logger *slog.Logger) ([]*sim.Controller, error) {
	if err := cell.Validate(); err != nil {
		return nil, err
	}
	var sims []*sim.Controller
	for _, r := range cell.Robots {
		ep := r.Endpoint(cell.Prefix)
		s, err := sim.New(b, sim.Config{
			Name:         r.Name,
			CommandTopic: ep.CommandTopic,
			ResultTopic:  ep.ResultTopic,
			Delay:        delay,
		}, logger)
		if err != nil {
			for _, prev := range sims {
				prev.Close()
			}
			return nil, fmt.Errorf("robot %s: %w", r.Name, err)
		}
		logger.Info("simulated controller attached", "robot", r.Name, "commands", ep.CommandTopic, "results", ep.ResultTopic)
		sims = append(sims, s)
	}
	return sims, nil
}
