package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/matthewjhunter/broadsheet"
)

func daemonCmd() *cobra.Command {
	var (
		interval    time.Duration
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Refresh all feeds in a loop with configurable interval",
		Long: `Continuously refresh feeds on a timer, optionally exposing Prometheus metrics.
Designed for running inside a container or as a background service.
SIGINT/SIGTERM cancels the current cycle and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sig)

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())

			engine, err := broadsheet.NewEngine(engineConfig(reg))
			if err != nil {
				return err
			}
			defer engine.Close()

			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					log.WithField("addr", metricsAddr).Info("serving metrics")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.WithError(err).Error("metrics server failed")
					}
				}()
				defer srv.Close()
			}

			// A signal mid-cycle cancels the refresh in flight.
			go func() {
				select {
				case <-sig:
					log.Info("broadsheet daemon: received shutdown signal")
					cancel()
				case <-ctx.Done():
				}
			}()

			log.Infof("broadsheet daemon: starting with interval %s", interval)

			cycle := 1
			for {
				start := time.Now()
				logger := log.WithField("cycle", cycle)
				logger.Info("broadsheet daemon: cycle starting")

				report, err := engine.Refresh(ctx)
				if err != nil {
					logger.WithError(err).Error("broadsheet daemon: cycle failed")
				} else {
					logger.WithFields(log.Fields{
						"new":     report.New,
						"updated": report.Updated,
						"failed":  report.Failed,
						"elapsed": time.Since(start).Round(time.Millisecond),
					}).Info("broadsheet daemon: cycle completed")
				}

				cycle++

				timer := time.NewTimer(interval)
				select {
				case <-ctx.Done():
					timer.Stop()
					log.Info("broadsheet daemon: exiting")
					return nil
				case <-timer.C:
				}
			}
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", 15*time.Minute, "duration between refresh cycles (e.g. 5m, 30s, 1h)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (e.g. :9090); disabled when empty")
	return cmd
}
