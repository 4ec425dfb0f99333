/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/blnkfinance/escrow"
	"github.com/blnkfinance/escrow/config"
	pg_listener "github.com/blnkfinance/escrow/internal/pg-listener"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const workerConcurrency = 10

func initializeWorkerServer(conf *config.Configuration) (*asynq.Server, error) {
	opt, err := escrow.RedisClientOpt(conf.Redis)
	if err != nil {
		return nil, err
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: workerConcurrency,
		Queues:      escrow.QueuePriorities(conf.Queue),
		Logger:      logrus.StandardLogger(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logrus.WithError(err).WithField("task", task.Type()).Warn("task failed")
		}),
	}), nil
}

// newMonitor serves the asynqmon dashboard under /monitoring.
func newMonitor(conf *config.Configuration, port string) (*http.Server, error) {
	opt, err := escrow.RedisClientOpt(conf.Redis)
	if err != nil {
		return nil, err
	}
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: opt,
	})
	log.Printf("Asynqmon server listening on :%s/monitoring", port)
	return &http.Server{Addr: ":" + port, Handler: h}, nil
}

// workerCommands starts the background side of the orchestrator: the task queue
// consumer, the chain event listener with its periodic reconciliation, and the
// postgres listener that reacts to job rows changed outside this process.
func workerCommands(app *escrowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start escrow workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdown, err := initializeTracing(ctx, app.cnf)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			if err := app.setup(ctx); err != nil {
				return err
			}
			defer app.close()

			srv, err := initializeWorkerServer(app.cnf)
			if err != nil {
				return err
			}
			mux := asynq.NewServeMux()
			app.escrow.RegisterHandlers(mux)
			if err := srv.Start(mux); err != nil {
				return err
			}
			defer srv.Shutdown()

			listener := pg_listener.NewDBListener(pg_listener.ListenerConfig{
				PgConnStr: app.cnf.DataSource.Dns,
				Channel:   pg_listener.JobChangesChannel,
			}, app.escrow)

			g, gctx := errgroup.WithContext(ctx)
			if port := app.cnf.Queue.MonitoringPort; port != "" {
				monitor, err := newMonitor(app.cnf, port)
				if err != nil {
					return err
				}
				g.Go(func() error { return runServer(gctx, monitor, monitor.ListenAndServe) })
			}
			g.Go(func() error { return app.escrow.Listen(gctx) })
			g.Go(func() error { return listener.Start(gctx) })
			g.Go(func() error { return sweepAutoReleases(gctx, app.escrow, app.cnf.Reconciliation.Interval) })

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	return cmd
}

// sweepAutoReleases backs up the per-job auto-release tasks in case one was lost.
func sweepAutoReleases(ctx context.Context, e *escrow.Escrow, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := e.SweepAutoReleases(ctx)
			if err != nil {
				logrus.WithError(err).Warn("auto-release sweep failed")
				continue
			}
			if result.Released+result.Pending+result.Rejected+result.Failed > 0 {
				logrus.WithFields(logrus.Fields{
					"released": result.Released,
					"pending":  result.Pending,
					"rejected": result.Rejected,
					"failed":   result.Failed,
				}).Info("auto-release sweep")
			}
		}
	}
}
