// Package blockwatch polls the node for the confirmation status of blocks
// this pool has submitted, marking each confirmed once its depth reaches the
// configured threshold, or orphaned once the node reports a negative
// confirmation count. Grounded on
// miner113-pool/internal/blockwatch/service.go's poll/checkOnce/
// fetchConfirmations shape, rewired onto internal/bitcoinrpc.Client and
// internal/store.BlockStore.
package blockwatch

import (
	"context"
	"log"
	"time"

	"github.com/hashforge/stratumcore/internal/config"
	"github.com/hashforge/stratumcore/internal/store"
)

// confirmationsChecker is the subset of bitcoinrpc.Client this service
// needs.
type confirmationsChecker interface {
	Confirmations(ctx context.Context, blockHash string) (int, error)
}

// Service periodically reconciles pending block records against the
// node's chain tip.
type Service struct {
	store    store.BlockStore
	rpc      confirmationsChecker
	confirm  int
	interval time.Duration
}

// New builds a block watcher. Returns a nil-safe no-op service if store is
// nil, so callers don't need to special-case persistence being disabled.
func New(blockStore store.BlockStore, rpc confirmationsChecker, cfg config.Config) *Service {
	return &Service{
		store:    blockStore,
		rpc:      rpc,
		confirm:  cfg.BlockConfirmations,
		interval: 30 * time.Second,
	}
}

// Start begins polling in a background goroutine; the returned func stops
// it.
func (s *Service) Start() func() {
	if s.store == nil || s.rpc == nil {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.checkOnce()
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

func (s *Service) checkOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	blocks, err := s.store.PendingBlocks(ctx, 50)
	if err != nil {
		log.Printf("blockwatch: pending blocks query failed: %v", err)
		return
	}
	for _, b := range blocks {
		confs, err := s.rpc.Confirmations(ctx, b.Hash)
		if err != nil {
			log.Printf("blockwatch: confirmations lookup for %s failed: %v", b.Hash, err)
			continue
		}
		status := "pending"
		switch {
		case confs >= s.confirm:
			status = "confirmed"
		case confs < 0:
			status = "orphan"
		}
		if err := s.store.UpdateBlockConfirmations(ctx, b.Hash, confs, status); err != nil {
			log.Printf("blockwatch: update confirmations for %s failed: %v", b.Hash, err)
		}
	}
}
