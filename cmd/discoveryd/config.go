package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/couchbase/stellar-discovery/discovery/adsclient"
)

type config struct {
	logLevelStr         string
	backends            []string
	adsAddresses        []string
	adsUsername         string
	adsPassword         string
	adsToken            string
	nodeID              string
	nodeCluster         string
	subscribe           []string
	workers             int
	queueSize           int
	cachePath           string
	cacheRead           bool
	cacheWrite          bool
	cacheWriteInterval  time.Duration
	resubscribeMode     string
	resubscribeInterval time.Duration
	maxBackoff          time.Duration
	initialSyncTimeout  time.Duration
	etcdEndpoints       []string
	etcdPrefix          string
	redisAddress        string
	redisPassword       string
	redisDB             int
	redisPrefix         string
	pollInterval        time.Duration
	staticEndpoints     []string
	webAddress          string
	otlpEndpoint        string
	disableOtlpTraces   bool
	disableOtlpMetrics  bool
	traceEverything     bool
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:         viper.GetString("log-level"),
		backends:            viper.GetStringSlice("backends"),
		adsAddresses:        viper.GetStringSlice("ads-address"),
		adsUsername:         viper.GetString("ads-username"),
		adsPassword:         viper.GetString("ads-password"),
		adsToken:            viper.GetString("ads-token"),
		nodeID:              viper.GetString("node-id"),
		nodeCluster:         viper.GetString("node-cluster"),
		subscribe:           viper.GetStringSlice("subscribe"),
		workers:             viper.GetInt("workers"),
		queueSize:           viper.GetInt("queue-size"),
		cachePath:           viper.GetString("cache-path"),
		cacheRead:           viper.GetBool("cache-read"),
		cacheWrite:          viper.GetBool("cache-write"),
		cacheWriteInterval:  viper.GetDuration("cache-write-interval"),
		resubscribeMode:     viper.GetString("resubscribe-mode"),
		resubscribeInterval: viper.GetDuration("resubscribe-interval"),
		maxBackoff:          viper.GetDuration("max-backoff"),
		initialSyncTimeout:  viper.GetDuration("initial-sync-timeout"),
		etcdEndpoints:       viper.GetStringSlice("etcd-endpoints"),
		etcdPrefix:          viper.GetString("etcd-prefix"),
		redisAddress:        viper.GetString("redis-address"),
		redisPassword:       viper.GetString("redis-password"),
		redisDB:             viper.GetInt("redis-db"),
		redisPrefix:         viper.GetString("redis-prefix"),
		pollInterval:        viper.GetDuration("poll-interval"),
		staticEndpoints:     viper.GetStringSlice("static-endpoints"),
		webAddress:          viper.GetString("web-address"),
		otlpEndpoint:        viper.GetString("otlp-endpoint"),
		disableOtlpTraces:   viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics:  viper.GetBool("disable-otlp-metrics"),
		traceEverything:     viper.GetBool("trace-everything"),
	}

	logger.Info("parsed discovery configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.Strings("backends", config.backends),
		zap.Strings("adsAddresses", config.adsAddresses),
		zap.String("adsUsername", config.adsUsername),
		zap.String("nodeID", config.nodeID),
		zap.String("nodeCluster", config.nodeCluster),
		zap.Strings("subscribe", config.subscribe),
		zap.Int("workers", config.workers),
		zap.Int("queueSize", config.queueSize),
		zap.String("cachePath", config.cachePath),
		zap.Bool("cacheRead", config.cacheRead),
		zap.Bool("cacheWrite", config.cacheWrite),
		zap.Duration("cacheWriteInterval", config.cacheWriteInterval),
		zap.String("resubscribeMode", config.resubscribeMode),
		zap.Duration("resubscribeInterval", config.resubscribeInterval),
		zap.Duration("maxBackoff", config.maxBackoff),
		zap.Duration("initialSyncTimeout", config.initialSyncTimeout),
		zap.Strings("etcdEndpoints", config.etcdEndpoints),
		zap.String("etcdPrefix", config.etcdPrefix),
		zap.String("redisAddress", config.redisAddress),
		// zap.String("redisPassword", config.redisPassword),
		zap.Int("redisDB", config.redisDB),
		zap.String("redisPrefix", config.redisPrefix),
		zap.Duration("pollInterval", config.pollInterval),
		zap.Strings("staticEndpoints", config.staticEndpoints),
		zap.String("webAddress", config.webAddress),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything))

	return config
}

func parseResubscribeMode(mode string) (adsclient.ResubscribeMode, error) {
	switch mode {
	case "", "sync":
		return adsclient.ResubscribeSync, nil
	case "batched":
		return adsclient.ResubscribeBatched, nil
	}
	return 0, fmt.Errorf("invalid resubscribe mode %q", mode)
}

// diffSubscriptions returns the names only in newSubs and the names only in
// oldSubs.
func diffSubscriptions(oldSubs, newSubs []string) (added []string, removed []string) {
	for _, name := range newSubs {
		if !slices.Contains(oldSubs, name) && !slices.Contains(added, name) {
			added = append(added, name)
		}
	}
	for _, name := range oldSubs {
		if !slices.Contains(newSubs, name) && !slices.Contains(removed, name) {
			removed = append(removed, name)
		}
	}
	return added, removed
}
