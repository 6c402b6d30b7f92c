// Command vncached runs one VNCache cluster node: the in-memory blob
// table, the FBM listener, the HTTP control server, peer discovery, and
// per-peer replication. Adapted from the teacher's cmd/main.go wiring
// and graceful-shutdown pattern.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vncache/vncache/internal/authn"
	"github.com/vncache/vncache/internal/backingstore"
	"github.com/vncache/vncache/internal/blobstore"
	"github.com/vncache/vncache/internal/config"
	"github.com/vncache/vncache/internal/discovery"
	"github.com/vncache/vncache/internal/httpapi"
	"github.com/vncache/vncache/internal/listener"
	"github.com/vncache/vncache/internal/logger"
	"github.com/vncache/vncache/internal/peerqueue"
	"github.com/vncache/vncache/internal/replication"
)

func main() {
	configPath := flag.String("config", os.Getenv("VNCACHE_CONFIG_FILE"), "path to the cluster YAML configuration file")
	logLevel := getEnv("VNCACHE_LOG_LEVEL", "info")
	logPretty := getEnv("VNCACHE_LOG_PRETTY", "false") == "true"
	flag.Parse()

	logger.Initialize(logLevel, logPretty)
	log := logger.GetLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load cluster configuration")
	}

	keystore, err := config.LoadKeyStore(cfg.Identity)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load node identity")
	}

	audience, err := authn.GenerateAudience()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate negotiation audience")
	}

	table := blobstore.NewTable(cfg.Buckets, cfg.MaxCache)

	if cfg.BackingStore.Enabled {
		store, err := backingstore.NewRedisStore(backingstore.Config{
			Addr:     cfg.BackingStore.Addr,
			Password: cfg.BackingStore.Password,
			DB:       cfg.BackingStore.DB,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize backing store")
		}
		defer store.Close()
		if err := store.AllocateBucketBuffers(cfg.MaxCache); err != nil {
			log.Fatal().Err(err).Msg("backing store rejected bucket capacity")
		}
		for _, bucket := range table.Buckets() {
			bucket.SetMissHandler(store)
			bucket.SetEvictionHandler(store)
		}
		log.Info().Msg("backing store tier enabled")
	}

	queues := peerqueue.NewManager(cfg.MaxQueueDepth)
	pipeline := listener.NewMutationPipeline(queues)
	monitor := discovery.NewMonitor()
	collection := discovery.NewCollection(cfg.NodeID)
	fetcher := discovery.NewHTTPFetcher(keystore, cfg.NodeID)
	sweeper := discovery.NewSweeper(cfg.NodeID, collection, monitor, cfg.KnownPeerAdvertisements(), fetcher)

	bufReq := replication.BufferRequest{
		RecvBuffer:   cfg.BufferRecvMax,
		HeaderBuffer: cfg.BufferHeaderMax,
		MaxMessage:   cfg.MaxMessageSize,
	}
	supervisor := replication.NewSupervisor(table, keystore, cfg.NodeID, cfg.SelfAdvertisement(), bufReq)

	httpCfg := httpapi.Config{
		Paths: httpapi.Paths{
			Connect:   cfg.ConnectPath,
			Discovery: cfg.DiscoveryPath,
			WellKnown: cfg.WellKnownPath,
		},
		Limits:      cfg.BufferLimits(),
		VerifyIP:    cfg.VerifyIP,
		MaxConns:    cfg.MaxConcurrentConnections,
		SelfAd:      cfg.SelfAdvertisement(),
		DiscoveryFn: monitor.ConnectedAdvertisements,
	}
	server := httpapi.NewServer(keystore, table, pipeline, queues, monitor, httpCfg, audience)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go pipeline.Run(ctx)
	go queues.RunPurgeLoop(ctx, time.Duration(cfg.QueuePurgeIntervalSec)*time.Second)

	scheduler := cron.New()
	discoveryExpr := fmt.Sprintf("@every %ds", cfg.DiscoveryIntervalSec)
	if _, err := scheduler.AddFunc(discoveryExpr, func() {
		sweeper.Sweep(ctx)
		supervisor.Reconcile(ctx, collection.Snapshot())
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule discovery sweep")
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Run one sweep immediately so replication starts from known_peers
	// without waiting a full interval on a cold start.
	sweeper.Sweep(ctx)
	supervisor.Reconcile(ctx, collection.Snapshot())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(ctx, cfg.ListenAddr)
	}()

	log.Info().Str("node_id", cfg.NodeID).Str("addr", cfg.ListenAddr).Msg("vncache node started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("control server exited unexpectedly")
		}
	}

	cancel()
	supervisor.StopAll()
	log.Info().Msg("shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
