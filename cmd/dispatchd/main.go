// dispatchd is the NEAR fungible-token dispatch gateway: an HTTP ingress
// that queues, batches, signs and submits ft_transfer calls at sustained
// throughput.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	gwconfig "github.com/luxfi/near-dispatch-gateway/internal/config"
	"github.com/luxfi/near-dispatch-gateway/internal/gateway"
)

const clientIdentifier = "dispatchd"

const drainDeadline = 30 * time.Second

var app = &cli.App{
	Name:  clientIdentifier,
	Usage: "NEAR fungible-token dispatch gateway",
}

func init() {
	app.Action = run
	app.Before = func(c *cli.Context) error {
		log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))
		return nil
	}
}

func main() {
	// The cli.App declares no flags of its own, so it gets only the program
	// name; run parses the gateway's flags from os.Args through pflag.
	if err := app.Run(os.Args[:1]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(*cli.Context) error {
	v := viper.New()
	fs := pflag.NewFlagSet(clientIdentifier, pflag.ContinueOnError)
	if err := gwconfig.BindFlags(fs, v); err != nil {
		return err
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("dispatchd: parse flags: %w", err)
	}

	cfg, err := gwconfig.Load(v)
	if err != nil {
		// Configuration invalid or bootstrap failure: exit code 1.
		return cli.Exit(err.Error(), 1)
	}

	g, err := gateway.New(cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := g.Start(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("dispatchd: startup failed: %v", err), 1)
	}

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: g.Handler}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "err", err)
		}
	}()
	log.Info("listening", "addr", cfg.ListenAddr)

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	drainCtx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()

	if err := g.Shutdown(drainCtx); err != nil {
		log.Error("drain failed", "err", err)
	}
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("http server shutdown failed", "err", err)
	}
	return nil
}
