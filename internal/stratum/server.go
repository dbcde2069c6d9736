package stratum

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/hashforge/stratumcore/internal/coinbase"
	"github.com/hashforge/stratumcore/internal/config"
	"github.com/hashforge/stratumcore/internal/job"
	"github.com/hashforge/stratumcore/internal/metrics"
	"github.com/hashforge/stratumcore/internal/store"
)

// Server is the PoolOrchestrator: it accepts Stratum connections,
// allocates each one its own extranonce1, wires in the shared job registry
// and external collaborators, and bounds total concurrent sessions.
// Grounded on miner113-pool/internal/stratum/server.go's listener/
// acceptLoop/templateLoop shape, rebuilt around internal/job.Registry
// instead of a hand-rolled template map and broadcast loop.
type Server struct {
	cfg     config.Config
	network *chaincfg.Params

	rpc      rpcAdapter
	registry *job.Registry

	clients store.ClientStore
	stats   store.StatisticsStore
	blocks  store.BlockStore
	addrs   store.AddressSettingsStore
	rec     metrics.Recorder
	notifier BlockNotifier

	mu       sync.Mutex
	listener net.Listener
	shutting bool
	wg       sync.WaitGroup

	extraCtr uint32

	sessionsMu sync.Mutex
	sessions   map[*Session]struct{}
}

// rpcAdapter is the interface subset Server needs from the node RPC
// client: template polling and block submission. internal/bitcoinrpc.Client
// satisfies this.
type rpcAdapter interface {
	job.Source
	BlockSubmitter
}

// NewServer builds a Server wired with the given node RPC client and
// persistence collaborators. stats/blocks/addrs/notifier may be nil, in
// which case the corresponding behavior (accounting forwarding, block
// persistence, best-share reset, external notification) is skipped.
func NewServer(
	cfg config.Config,
	network *chaincfg.Params,
	rpc rpcAdapter,
	clients store.ClientStore,
	stats store.StatisticsStore,
	blocks store.BlockStore,
	addrs store.AddressSettingsStore,
	rec metrics.Recorder,
	notifier BlockNotifier,
) *Server {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Server{
		cfg:      cfg,
		network:  network,
		rpc:      rpc,
		registry: job.NewRegistry(),
		clients:  clients,
		stats:    stats,
		blocks:   blocks,
		addrs:    addrs,
		rec:      rec,
		notifier: notifier,
		sessions: make(map[*Session]struct{}),
	}
}

// Start begins listening for Stratum connections and polling the node for
// fresh block templates.
func (s *Server) Start() error {
	var ln net.Listener
	var err error
	if s.cfg.TLSCertPath != "" && s.cfg.TLSKeyPath != "" {
		cert, err2 := tls.LoadX509KeyPair(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
		if err2 != nil {
			return fmt.Errorf("stratum: load tls keys: %w", err2)
		}
		ln, err = tls.Listen("tcp", s.cfg.StratumListen, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			return fmt.Errorf("stratum: listen: %w", err)
		}
		log.Printf("stratum: listening on %s (TLS)", s.cfg.StratumListen)
	} else {
		ln, err = net.Listen("tcp", s.cfg.StratumListen)
		if err != nil {
			return fmt.Errorf("stratum: listen: %w", err)
		}
		log.Printf("stratum: listening on %s (no TLS)", s.cfg.StratumListen)
	}

	s.mu.Lock()
	s.listener = ln
	s.shutting = false
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop()

	if s.rpc != nil {
		s.wg.Add(1)
		go s.templateLoop()
	}
	return nil
}

// Stop closes the listener and waits for all accept/session goroutines to
// finish. Live sessions are closed by having their underlying connection
// closed; a write still in progress at that moment fails rather than being
// drained first.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.shutting = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Unlock()

	s.sessionsMu.Lock()
	for sess := range s.sessions {
		sess.close()
	}
	s.sessionsMu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isShutting() {
				return
			}
			log.Printf("stratum: accept error: %v", err)
			continue
		}
		if s.sessionCount() >= s.cfg.MaxSessions {
			log.Printf("stratum: rejecting connection from %s: session limit %d reached", conn.RemoteAddr(), s.cfg.MaxSessions)
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	extranonce1 := s.nextExtranonce()
	sess := NewSession(s.cfg, conn, extranonce1, s.registry, s.rpc, s.notifier, s.clients, s.stats, s.blocks, s.addrs, s.rec, s.network)
	s.registerSession(sess)
	defer s.unregisterSession(sess)
	sess.Serve()
}

func (s *Server) nextExtranonce() []byte {
	val := atomic.AddUint32(&s.extraCtr, 1)
	b := make([]byte, coinbase.ExtraNonce1Size)
	b[0] = byte(val >> 24)
	b[1] = byte(val >> 16)
	b[2] = byte(val >> 8)
	b[3] = byte(val)
	return b
}

func (s *Server) registerSession(sess *Session) {
	s.sessionsMu.Lock()
	s.sessions[sess] = struct{}{}
	s.sessionsMu.Unlock()
}

func (s *Server) unregisterSession(sess *Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, sess)
	s.sessionsMu.Unlock()
}

func (s *Server) sessionCount() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

// templateLoop polls the node for fresh block templates and publishes each
// one to the job registry, which fans it out to every subscribed session.
func (s *Server) templateLoop() {
	defer s.wg.Done()
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	ctx := context.Background()
	for {
		if s.isShutting() {
			return
		}
		tmpl, err := s.rpc.Next(ctx)
		if err != nil {
			log.Printf("stratum: template fetch error: %v", err)
		} else if tmpl != nil {
			if _, err := s.registry.OnNewTemplate(s.buildJob(tmpl)); err != nil {
				log.Printf("stratum: build job from template failed: %v", err)
			}
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
	}
}

// buildJob returns a closure that freezes tmpl into a canonical MiningJob.
// Its coinbase halves are left empty: every session rebuilds its own
// coinbase (payout split depends on the session's address and hashrate) in
// Session.pushJob before wire delivery, and the merkle branch this builds
// does not depend on the coinbase placeholder's contents.
func (s *Server) buildJob(tmpl *job.Template) func(jobID string) (*job.MiningJob, error) {
	return func(jobID string) (*job.MiningJob, error) {
		return job.NewMiningJob(jobID, tmpl, tmpl.PrevHash, coinbase.Coinbase{}, uint32(time.Now().Unix()), tmpl.ClearJobs)
	}
}

func (s *Server) isShutting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutting
}

// ConnectedCount returns the number of connected miners.
func (s *Server) ConnectedCount() int {
	return s.sessionCount()
}
