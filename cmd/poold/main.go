package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/hashforge/stratumcore/internal/bitcoinrpc"
	"github.com/hashforge/stratumcore/internal/blockwatch"
	"github.com/hashforge/stratumcore/internal/config"
	"github.com/hashforge/stratumcore/internal/metrics"
	"github.com/hashforge/stratumcore/internal/store"
	"github.com/hashforge/stratumcore/internal/stratum"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	network := &chaincfg.MainNetParams
	if cfg.Network == "testnet" {
		network = &chaincfg.TestNet3Params
	}

	var pg *store.PostgresStore
	if cfg.PostgresDSN != "" {
		pg, err = store.NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("init postgres: %v", err)
		}
		defer pg.Close()
	} else {
		log.Println("WARNING: running without postgres_dsn - shares and blocks will not be persisted")
	}

	prom, err := metrics.NewPromRecorder("stratumcore")
	if err != nil {
		log.Fatalf("init metrics: %v", err)
	}
	metrics.Default = prom

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		go func() {
			log.Printf("metrics listening on %s", cfg.MetricsListen)
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	rpc, err := bitcoinrpc.NewClient(cfg.NodeRPCURL)
	if err != nil {
		log.Fatalf("init node rpc client: %v", err)
	}

	var clientStore store.ClientStore
	var statsStore store.StatisticsStore
	var blockStore store.BlockStore
	var addrStore store.AddressSettingsStore
	if pg != nil {
		clientStore, statsStore, blockStore, addrStore = pg, pg, pg, pg
	}

	srv := stratum.NewServer(cfg, network, rpc, clientStore, statsStore, blockStore, addrStore, prom, nil)
	if err := srv.Start(); err != nil {
		log.Fatalf("start stratum server: %v", err)
	}

	var stopBlockwatch func()
	if blockStore != nil {
		bw := blockwatch.New(blockStore, rpc, cfg)
		stopBlockwatch = bw.Start()
		defer stopBlockwatch()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received, stopping...")

	if err := srv.Stop(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
