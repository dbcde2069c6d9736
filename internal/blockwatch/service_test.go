package blockwatch

import (
	"context"
	"sync"
	"testing"

	"github.com/hashforge/stratumcore/internal/config"
	"github.com/hashforge/stratumcore/internal/store"
)

type fakeBlockStore struct {
	mu      sync.Mutex
	pending []store.BlockRecord
	updates []struct {
		hash   string
		confs  int
		status string
	}
}

func (f *fakeBlockStore) Save(ctx context.Context, b store.BlockRecord) error { return nil }

func (f *fakeBlockStore) PendingBlocks(ctx context.Context, limit int) ([]store.BlockRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.BlockRecord{}, f.pending...), nil
}

func (f *fakeBlockStore) UpdateBlockConfirmations(ctx context.Context, hash string, confirmations int, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, struct {
		hash   string
		confs  int
		status string
	}{hash, confirmations, status})
	return nil
}

type fakeConfirmationsChecker struct {
	byHash map[string]int
}

func (f *fakeConfirmationsChecker) Confirmations(ctx context.Context, blockHash string) (int, error) {
	return f.byHash[blockHash], nil
}

func TestCheckOnceMarksConfirmedPastThreshold(t *testing.T) {
	bs := &fakeBlockStore{pending: []store.BlockRecord{
		{Hash: "aa", Status: "pending"},
		{Hash: "bb", Status: "pending"},
	}}
	checker := &fakeConfirmationsChecker{byHash: map[string]int{"aa": 150, "bb": 3}}
	svc := New(bs, checker, config.Config{BlockConfirmations: 100})

	svc.checkOnce()

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if len(bs.updates) != 2 {
		t.Fatalf("expected 2 confirmation updates, got %d", len(bs.updates))
	}
	byHash := map[string]string{}
	for _, u := range bs.updates {
		byHash[u.hash] = u.status
	}
	if byHash["aa"] != "confirmed" {
		t.Fatalf("expected aa to be confirmed, got %s", byHash["aa"])
	}
	if byHash["bb"] != "pending" {
		t.Fatalf("expected bb to stay pending, got %s", byHash["bb"])
	}
}

func TestCheckOnceMarksOrphanOnNegativeConfirmations(t *testing.T) {
	bs := &fakeBlockStore{pending: []store.BlockRecord{{Hash: "cc", Status: "pending"}}}
	checker := &fakeConfirmationsChecker{byHash: map[string]int{"cc": -1}}
	svc := New(bs, checker, config.Config{BlockConfirmations: 100})

	svc.checkOnce()

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if len(bs.updates) != 1 || bs.updates[0].status != "orphan" {
		t.Fatalf("expected cc to be marked orphan, got %+v", bs.updates)
	}
}

func TestStartIsNoopWithoutStoreOrRPC(t *testing.T) {
	svc := New(nil, nil, config.Config{BlockConfirmations: 100})
	stop := svc.Start()
	defer stop()
	// No panic and an immediately-callable stop is all this guarantees.
}
