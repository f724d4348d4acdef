// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Command rangescan is a thin demo/smoke-test driver. Connection setup
// and the shape of the per-document processing callback are left to
// real callers of the rangescan package; this binary exists to wire
// flags, logging, and a store connection together, not to encode real
// business logic.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/rangescan/rangescan"
	"github.com/rangescan/rangescan/internal/config"
	"github.com/rangescan/rangescan/internal/logger"
	"github.com/rangescan/rangescan/internal/store"
	"github.com/rangescan/rangescan/internal/worktable"
)

var log = logger.GetLogger("cmd/rangescan")

func main() {
	fs := pflag.NewFlagSet("rangescan", pflag.ExitOnError)
	config.BindFlags(fs)
	workers := fs.Int("workers", 1, "number of local worker goroutines to run")
	status := fs.Bool("status", false, "print the work table's progress and exit")
	fs.Parse(os.Args[1:])

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		log.WithError(err).Fatal("binding flags")
	}

	cfg, err := config.Load(v)
	if err != nil {
		log.WithError(err).Fatal("loading config")
	}
	if cfg.Collection == "" || cfg.Database == "" {
		log.Fatal("--database and --collection are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.WithError(err).Fatal("connecting to store")
	}
	defer client.Disconnect(context.Background())

	adapter := store.NewMongoAdapter(client.Database(cfg.Database))

	if *status {
		printStatus(context.Background(), adapter, cfg)
		return
	}

	if err := run(context.Background(), adapter, cfg, *workers); err != nil {
		log.WithError(err).Fatal("run failed")
	}
}

func printStatus(ctx context.Context, adapter store.Adapter, cfg *config.Config) {
	snap, err := worktable.ReadSnapshot(ctx, adapter, worktable.Key{Collection: cfg.Collection, Field: cfg.Field})
	if err != nil {
		log.WithError(err).Fatal("reading work table")
	}
	fmt.Printf("collection=%s field=%s locked=%v units=%d\n", snap.Collection, snap.Field, snap.Locked, snap.TotalUnits)
	for status, count := range snap.ByStatus {
		fmt.Printf("  %s: %d\n", status, count)
	}
	if !snap.OldestNonCompletedTS.IsZero() {
		fmt.Printf("  oldest in-flight unit ts: %s\n", snap.OldestNonCompletedTS.Format(time.RFC3339))
	}
}

// run launches n worker goroutines against one store, the way a
// parallel scan fleet would be smoke-tested locally before being split
// across real processes. It uses an errgroup so the first worker
// failure cancels the rest and is returned to the caller.
func run(ctx context.Context, adapter store.Adapter, cfg *config.Config, n int) error {
	g, ctx := errgroup.WithContext(ctx)

	params := rangescan.Params{
		Collection:          cfg.Collection,
		Field:               cfg.Field,
		NumUnits:            cfg.NumUnits,
		BackoffMillis:       cfg.BackoffMillis,
		MaxLockMillis:       cfg.MaxLockMillis,
		HeartbeatMillis:     cfg.HeartbeatMillis,
		MaxMissedHeartbeats: cfg.MaxMissedHeartbeats,
	}

	for i := 0; i < n; i++ {
		g.Go(func() error {
			w, err := rangescan.New(adapter, params, rangescan.Hooks{
				Process: func(ctx context.Context, doc map[string]interface{}) error {
					return nil
				},
			})
			if err != nil {
				return err
			}
			if err := w.Start(ctx); err != nil {
				return err
			}
			return w.Wait()
		})
	}

	return g.Wait()
}
