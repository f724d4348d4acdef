// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package config loads the tunables and store connection settings for
// a rangescan worker from a viper instance, layering pflag/viper/cast
// together. BindFlags defines the command-line flags; the package sets
// up no environment-variable or config-file source of its own, so Load
// sees only the sources the caller has configured on the viper
// instance.
package config

import (
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Default tunables for the liveness/backoff protocol.
const (
	DefaultBackoffMillis        = 100
	DefaultMaxLockMillis        = 1000
	DefaultHeartbeatMillis      = 10000
	DefaultMaxMissedHeartbeats  = 2
	DefaultNumUnits             = 4
)

// Config holds everything a worker needs to run: which store to talk
// to, which collection/field to scan, how many units to partition
// into, and the liveness tunables.
type Config struct {
	MongoURI   string
	Database   string
	Collection string
	Field      string
	NumUnits   int

	BackoffMillis       time.Duration
	MaxLockMillis       time.Duration
	HeartbeatMillis     time.Duration
	MaxMissedHeartbeats int
}

// BindFlags registers the config's CLI surface on fs, so cmd/rangescan
// and tests can share one flag set definition.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	fs.String("database", "", "database holding the target collection")
	fs.String("collection", "", "collection to scan")
	fs.String("field", "_id", "split field")
	fs.Int("num-units", DefaultNumUnits, "number of units to partition the collection into on first init")
	fs.Int("backoff-millis", DefaultBackoffMillis, "lease acquire backoff, in milliseconds")
	fs.Int("max-lock-millis", DefaultMaxLockMillis, "age past which a held lease is considered stuck")
	fs.Int("heartbeat-millis", DefaultHeartbeatMillis, "interval between in-progress unit heartbeats")
	fs.Int("max-missed-heartbeats", DefaultMaxMissedHeartbeats, "missed heartbeats before a unit is considered stale")
}

// Load builds a Config from viper's resolved view (flags > env > file >
// defaults). v is expected to already have had viper.BindPFlags called
// against the FlagSet passed to BindFlags.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		MongoURI:            v.GetString("mongo-uri"),
		Database:            v.GetString("database"),
		Collection:           v.GetString("collection"),
		Field:                v.GetString("field"),
		NumUnits:             v.GetInt("num-units"),
		BackoffMillis:        millis(v, "backoff-millis"),
		MaxLockMillis:        millis(v, "max-lock-millis"),
		HeartbeatMillis:      millis(v, "heartbeat-millis"),
		MaxMissedHeartbeats:  v.GetInt("max-missed-heartbeats"),
	}
	return cfg, nil
}

func millis(v *viper.Viper, key string) time.Duration {
	n := cast.ToInt64(v.Get(key))
	return time.Duration(n) * time.Millisecond
}
