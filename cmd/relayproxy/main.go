// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command relayproxy runs a single bidirectional TCP relay, with optional
// Curve25519+secretbox authenticated-encryption framing on either leg.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	relayproxy "code.hybscloud.com/relayproxy"
	"code.hybscloud.com/relayproxy/internal/rlog"
)

func main() {
	app := &cli.App{
		Name:      "relayproxy",
		Usage:     "bidirectional TCP relay with optional Curve25519/secretbox framing",
		UsageText: "relayproxy [options] bind-addr bind-port server-addr server-port",
		ArgsUsage: "bind-addr bind-port server-addr server-port",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "encrypt-in",
				Aliases: []string{"i"},
				Usage:   "wrap the client-facing leg in the framing codec",
			},
			&cli.BoolFlag{
				Name:    "encrypt-out",
				Aliases: []string{"o"},
				Usage:   "wrap the server-facing leg in the framing codec",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "address to serve /metrics on, e.g. 127.0.0.1:9090 (empty disables)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn, or error",
				Value: "info",
			},
			&cli.DurationFlag{
				Name:  "shutdown-grace",
				Usage: "how long to let in-flight pairs drain after SIGINT/SIGTERM",
				Value: 5 * time.Second,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "relayproxy:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 4 {
		return cli.Exit("expected exactly 4 positional arguments: bind-addr bind-port server-addr server-port", 2)
	}
	bindAddr := c.Args().Get(0)
	bindPort, err := relayproxy.ParsePort(c.Args().Get(1))
	if err != nil {
		return cli.Exit(err, 2)
	}
	serverAddr := c.Args().Get(2)
	serverPort, err := relayproxy.ParsePort(c.Args().Get(3))
	if err != nil {
		return cli.Exit(err, 2)
	}

	logger := rlog.New(os.Stderr, rlog.ParseLevel(c.String("log-level")))

	reg := prometheus.NewRegistry()
	metrics := relayproxy.NewMetrics(reg)

	cfg := &relayproxy.Config{
		BindAddr:         bindAddr,
		BindPort:         bindPort,
		ServerAddr:       serverAddr,
		ServerPort:       serverPort,
		EncryptClientLeg: c.Bool("encrypt-in"),
		EncryptServerLeg: c.Bool("encrypt-out"),
		ShutdownGrace:    c.Duration("shutdown-grace"),
		Logger:           logger,
		Metrics:          metrics,
	}

	engine, err := relayproxy.NewEngine(cfg)
	if err != nil {
		return cli.Exit(err, 1)
	}

	if addr := c.String("metrics-addr"); addr != "" {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := metrics.Serve(ctx, addr, reg); err != nil {
				logger.Error("metrics server exited", "err", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		engine.BeginShutdown(cfg.ShutdownGrace)
	}()

	logger.Info("listening",
		"bind", fmt.Sprintf("%s:%d", bindAddr, bindPort),
		"server", fmt.Sprintf("%s:%d", serverAddr, serverPort),
		"encrypt_in", cfg.EncryptClientLeg,
		"encrypt_out", cfg.EncryptServerLeg,
	)
	if err := engine.Run(); err != nil {
		return cli.Exit(err, 1)
	}
	return nil
}
