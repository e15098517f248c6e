package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/vigil/internal/config"
	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/history/factory"
	"github.com/loykin/vigil/internal/logger"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/pidstore"
	"github.com/loykin/vigil/internal/server"
	"github.com/loykin/vigil/internal/supervisor"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervision daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "vigil.toml", "path to the TOML configuration file")
	return cmd
}

func runServe(configPath string) error {
	fc, err := config.Load(configPath)
	if err != nil {
		return err
	}
	specs, err := fc.Specs()
	if err != nil {
		return err
	}

	log := logger.NewSlog(fc.LogLevel, true)

	pidDir := fc.PIDDir
	if pidDir == "" {
		pidDir = "pids"
	}
	store, err := pidstore.New(pidDir)
	if err != nil {
		return err
	}

	var sinks []history.Sink
	if fc.HistoryDSN != "" {
		sink, err := factory.NewSinkFromDSN(fc.HistoryDSN)
		if err != nil {
			return fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	sup, err := supervisor.New(supervisor.Options{
		Store:  store,
		Sinks:  sinks,
		Logger: log,
	})
	if err != nil {
		return err
	}

	for _, sp := range specs {
		if err := sup.Register(sp); err != nil {
			return err
		}
	}
	sup.Recover()
	for _, sp := range specs {
		if sp.AutoStart && sup.Status(sp.Name).State == "stopped" {
			if err := sup.Start(sp.Name); err != nil {
				log.Warn("autostart failed", "service", sp.Name, "err", err)
			}
		}
	}

	listen := fc.Listen
	if listen == "" {
		listen = ":8970"
	}
	srv := server.NewServer(listen, "", sup)
	log.Info("vigil daemon started", "listen", listen, "services", len(specs))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	sup.Shutdown()
	return nil
}
