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
	"fmt"
	"os"

	"github.com/blnkfinance/escrow"
	"github.com/blnkfinance/escrow/chain"
	"github.com/blnkfinance/escrow/config"
	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/internal/cache"
	"github.com/blnkfinance/escrow/internal/metrics"
	"github.com/blnkfinance/escrow/internal/notification"
	redis_db "github.com/blnkfinance/escrow/internal/redis-db"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Escrow is the CLI application.
type Escrow struct {
	cmd *cobra.Command
}

// escrowInstance carries what the subcommands share. The orchestrator is built
// lazily because migrate and config do not need a chain connection.
type escrowInstance struct {
	escrow *escrow.Escrow
	queue  *escrow.Queue
	redis  *redis_db.Redis
	cnf    *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

func preRun(app *escrowInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf
		return nil
	}
}

// setup connects the datasource, chain gateway, signers, Redis and the task queue
// and builds the orchestrator on top of them.
func (app *escrowInstance) setup(ctx context.Context) error {
	if app.escrow != nil {
		return nil
	}
	cfg := app.cnf

	db, err := database.NewDataSource(cfg)
	if err != nil {
		return fmt.Errorf("error getting datasource: %v", err)
	}

	gw, err := chain.Dial(ctx, cfg.Chain)
	if err != nil {
		return fmt.Errorf("error connecting to chain: %v", err)
	}

	signers, err := keyring(cfg)
	if err != nil {
		return err
	}

	rdb, err := redis_db.FromConfig(cfg.Redis)
	if err != nil {
		return fmt.Errorf("error connecting to redis: %v", err)
	}

	queue, err := escrow.NewQueue(cfg)
	if err != nil {
		return fmt.Errorf("error creating queue: %v", err)
	}

	e, err := escrow.NewEscrow(db, gw, signers,
		escrow.WithRedis(rdb.Client()),
		escrow.WithCache(cache.NewRedisCache(rdb.Client())),
		escrow.WithScheduler(queue),
		escrow.WithMetrics(metrics.Default()),
	)
	if err != nil {
		notification.NotifyError(err)
		return fmt.Errorf("error creating escrow: %v", err)
	}

	app.escrow = e
	app.queue = queue
	app.redis = rdb
	return nil
}

func keyring(cfg *config.Configuration) (*chain.Keyring, error) {
	ring, err := chain.KeyringFromHex(cfg.Signers)
	if err != nil {
		return nil, err
	}
	operators := map[string]string{
		escrow.PartyPlatform:   cfg.Chain.PlatformKey,
		escrow.PartyArbitrator: cfg.Chain.ArbitratorKey,
	}
	for party, key := range operators {
		if key == "" {
			logrus.Warnf("no %s key configured; %s transactions will be rejected", party, party)
			continue
		}
		signer, err := chain.NewKeySigner(key)
		if err != nil {
			return nil, fmt.Errorf("%s key: %w", party, err)
		}
		ring.Add(party, signer)
	}
	return ring, nil
}

func (app *escrowInstance) close() {
	if app.queue != nil {
		if err := app.queue.Close(); err != nil {
			logrus.WithError(err).Warn("closing queue")
		}
	}
}

func NewCLI() *Escrow {
	var configFile string
	app := &escrowInstance{}

	var rootCmd = &cobra.Command{
		Use:   "escrow",
		Short: "Escrow-backed job lifecycle orchestrator",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./escrow.json", "Configuration file for the escrow server")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(reconcileCommands(app))
	rootCmd.AddCommand(configCommands())

	return &Escrow{cmd: rootCmd}
}

func (w Escrow) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
