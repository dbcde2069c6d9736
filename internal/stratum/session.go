package stratum

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/hashforge/stratumcore/internal/coinbase"
	"github.com/hashforge/stratumcore/internal/config"
	"github.com/hashforge/stratumcore/internal/hashcodec"
	"github.com/hashforge/stratumcore/internal/job"
	"github.com/hashforge/stratumcore/internal/metrics"
	"github.com/hashforge/stratumcore/internal/share"
	"github.com/hashforge/stratumcore/internal/store"
	"github.com/hashforge/stratumcore/internal/vardiff"
)

// Stratum error codes (spec §6).
const (
	errOtherUnknown       = 20
	errJobNotFound        = 21
	errDuplicateShare     = 22
	errLowDifficultyShare = 23
	errUnauthorized       = 24
	errNotSubscribed      = 25
)

// State is a session's position in the Greeting -> Handshaking -> Active ->
// Closed lifecycle.
type State int

const (
	Greeting State = iota
	Handshaking
	Active
	Closed
)

// BlockSubmitter submits a fully assembled block to the Bitcoin node.
// Implemented by internal/bitcoinrpc.Client.
type BlockSubmitter interface {
	SubmitBlock(ctx context.Context, blockHex string) (rejectionReason string, err error)
}

// BlockNotifier is told about the outcome of a block submission, for
// whatever external channel (chat, dashboard, alerting) wants to know.
type BlockNotifier interface {
	NotifyBlockFound(ctx context.Context, height int64, hash string, accepted bool)
}

const maxSessionJobs = 32

// Session handles a single Stratum V1 TCP/TLS connection: the protocol
// state machine, job push, and share validation for one miner. Grounded on
// miner113-pool/internal/stratum/session.go's Serve/handle/write shape,
// rebuilt around Bitcoin job semantics instead of Juno/RandomX.
type Session struct {
	cfg     config.Config
	conn    net.Conn
	rw      *bufio.ReadWriter
	writeMu sync.Mutex
	rec     metrics.Recorder
	network *chaincfg.Params

	extranonce1    []byte
	extranonce1Hex string
	sessionID      string

	registry   *job.Registry
	submitter  BlockSubmitter
	notifier   BlockNotifier
	clients    store.ClientStore
	stats      store.StatisticsStore
	blocks     store.BlockStore
	addrs      store.AddressSettingsStore
	accounting *share.Accounting
	vardiffCtl *vardiff.Controller

	mu                    sync.Mutex
	state                 State
	subscribed            bool
	authorized            bool
	versionRolling        bool
	versionMask           uint32
	usedSuggestDifficulty bool
	sessionDifficulty     float64
	difficultyFloor       float64
	address               string
	worker                string
	userAgent             string
	startedAt             time.Time
	shareCount            int64

	jobsMu sync.Mutex
	jobs   map[string]*job.MiningJob

	jobSub      <-chan *job.MiningJob
	unsubscribe func()

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession constructs a session for a freshly accepted connection.
// extranonce1 must be exactly coinbase.ExtraNonce1Size bytes and unique
// among live sessions.
func NewSession(
	cfg config.Config,
	conn net.Conn,
	extranonce1 []byte,
	registry *job.Registry,
	submitter BlockSubmitter,
	notifier BlockNotifier,
	clients store.ClientStore,
	stats store.StatisticsStore,
	blocks store.BlockStore,
	addrs store.AddressSettingsStore,
	rec metrics.Recorder,
	network *chaincfg.Params,
) *Session {
	return &Session{
		cfg:               cfg,
		conn:              conn,
		rw:                bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		rec:               rec,
		network:           network,
		extranonce1:       extranonce1,
		extranonce1Hex:    hex.EncodeToString(extranonce1),
		sessionID:         hex.EncodeToString(extranonce1),
		registry:          registry,
		submitter:         submitter,
		notifier:          notifier,
		clients:           clients,
		stats:             stats,
		blocks:            blocks,
		addrs:             addrs,
		accounting:        share.NewAccounting(stats),
		vardiffCtl:        vardiff.NewController(),
		sessionDifficulty: cfg.DefaultDifficulty,
		difficultyFloor:   1,
		startedAt:         time.Now(),
		jobs:              make(map[string]*job.MiningJob),
		done:              make(chan struct{}),
	}
}

// Serve reads line-delimited JSON-RPC requests until the peer disconnects
// or a terminal error occurs. Blocks until the session closes.
func (s *Session) Serve() {
	log.Printf("stratum: session %s opened from %s", s.sessionID, s.conn.RemoteAddr())
	log.Printf("stratum: session %s vardiff K=%d target=%.0fs/share lattice=pow2 clamp=[floor, %.0f]",
		s.sessionID, vardiff.SampleCount, 1/vardiff.TargetRate, vardiff.MaxDifficulty)
	s.rec.ConnOpened()
	defer func() {
		s.close()
		s.rec.ConnClosed()
		log.Printf("stratum: session %s closed", s.sessionID)
	}()

	scanner := bufio.NewScanner(s.rw.Reader)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			log.Printf("stratum: session %s parse error: %v", s.sessionID, err)
			return
		}
		if err := s.dispatch(req); err != nil {
			log.Printf("stratum: session %s write error: %v", s.sessionID, err)
			return
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		log.Printf("stratum: session %s read error: %v", s.sessionID, err)
	}
}

// close releases the job-broadcast subscription and signals background
// loops to stop. In-flight RPC/store calls are allowed to finish; their
// results are simply discarded by the closed session.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.mu.Lock()
		s.state = Closed
		s.mu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *Session) dispatch(req Request) error {
	switch req.Method {
	case "mining.configure":
		return s.handleConfigure(req)
	case "mining.subscribe":
		return s.handleSubscribe(req)
	case "mining.authorize":
		return s.handleAuthorize(req)
	case "mining.suggest_difficulty":
		return s.handleSuggestDifficulty(req)
	case "mining.submit":
		return s.handleSubmit(req)
	default:
		// Unknown method: ignore per wire contract, no response emitted.
		return nil
	}
}

func (s *Session) handleConfigure(req Request) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(req.Params, &raw); err != nil || len(raw) == 0 {
		return s.writeError(req.ID, errOtherUnknown, "bad configure params")
	}
	var extensions []string
	if err := json.Unmarshal(raw[0], &extensions); err != nil {
		return s.writeError(req.ID, errOtherUnknown, "bad extension list")
	}
	extParams := map[string]any{}
	if len(raw) > 1 {
		_ = json.Unmarshal(raw[1], &extParams)
	}

	result := map[string]any{}
	for _, ext := range extensions {
		if ext != "version-rolling" {
			continue
		}
		mask := uint32(0x1fffe000)
		if m, ok := extParams["version-rolling.mask"].(string); ok {
			if v, err := strconv.ParseUint(m, 16, 32); err == nil {
				mask = uint32(v)
			}
		}
		s.mu.Lock()
		s.versionRolling = true
		s.versionMask = mask
		s.mu.Unlock()
		result["version-rolling"] = true
		result["version-rolling.mask"] = fmt.Sprintf("%08x", mask)
	}
	return s.writeResult(req.ID, result)
}

func (s *Session) handleSubscribe(req Request) error {
	var params []any
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.writeError(req.ID, errOtherUnknown, "bad subscribe params")
	}
	s.mu.Lock()
	if len(params) > 0 {
		if ua, ok := params[0].(string); ok {
			s.userAgent = ua
		}
	}
	s.subscribed = true
	s.mu.Unlock()

	result := []any{
		[]any{
			[]any{"mining.set_difficulty", s.sessionID},
			[]any{"mining.notify", s.sessionID},
		},
		s.extranonce1Hex,
		coinbase.ExtraNonce2Size,
	}
	if err := s.writeResult(req.ID, result); err != nil {
		return err
	}
	return s.maybeCompleteHandshake()
}

func (s *Session) handleAuthorize(req Request) error {
	var params []any
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 {
		return s.writeError(req.ID, errOtherUnknown, "bad authorize params")
	}
	username, _ := params[0].(string)
	address, worker := splitWorkerName(username)

	s.mu.Lock()
	s.address = address
	s.worker = worker
	s.authorized = true
	s.mu.Unlock()

	if err := s.writeResult(req.ID, true); err != nil {
		return err
	}
	return s.maybeCompleteHandshake()
}

// splitWorkerName parses a Stratum username of the form "address.worker"
// into its address and worker components.
func splitWorkerName(username string) (address, worker string) {
	parts := strings.SplitN(username, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return username, ""
}

func (s *Session) handleSuggestDifficulty(req Request) error {
	var params []any
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 {
		return s.writeError(req.ID, errOtherUnknown, "bad suggest_difficulty params")
	}
	suggested, ok := toFloat(params[0])
	if !ok || suggested <= 0 {
		return s.writeError(req.ID, errOtherUnknown, "invalid suggested difficulty")
	}

	s.mu.Lock()
	alreadyUsed := s.usedSuggestDifficulty
	if !alreadyUsed {
		s.sessionDifficulty = suggested
		s.difficultyFloor = suggested
		s.usedSuggestDifficulty = true
	}
	s.mu.Unlock()

	if err := s.writeResult(req.ID, true); err != nil {
		return err
	}
	if !alreadyUsed {
		return s.sendSetDifficulty(suggested)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// maybeCompleteHandshake implements the handshake completion rule: once
// both subscription and authorization are present, apply the cpuminer
// quirk, push the initial difficulty if the miner never suggested one,
// register the client, subscribe to the job registry, and start the
// vardiff tick.
func (s *Session) maybeCompleteHandshake() error {
	s.mu.Lock()
	if s.state == Greeting {
		s.state = Handshaking
	}
	if s.state == Active || !s.subscribed || !s.authorized {
		s.mu.Unlock()
		return nil
	}
	if s.userAgent == "cpuminer" {
		s.sessionDifficulty = 0.1
	}
	needSetDifficulty := !s.usedSuggestDifficulty
	diff := s.sessionDifficulty
	s.state = Active
	s.mu.Unlock()

	if s.clients != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.clients.Insert(ctx, store.ClientRecord{
			SessionID:   s.sessionID,
			ExtraNonce1: s.extranonce1Hex,
			Address:     s.address,
			Worker:      s.worker,
			UserAgent:   s.userAgent,
			StartedAt:   s.startedAt,
		})
		cancel()
		if err != nil {
			log.Printf("stratum: session %s client insert failed: %v", s.sessionID, err)
		}
	}

	if needSetDifficulty {
		if err := s.sendSetDifficulty(diff); err != nil {
			return err
		}
	}

	ch, unsubscribe := s.registry.Subscribe()
	s.jobSub = ch
	s.unsubscribe = unsubscribe
	if cur := s.registry.Current(); cur != nil {
		if err := s.pushJob(cur, false); err != nil {
			log.Printf("stratum: session %s initial job push failed: %v", s.sessionID, err)
		}
	}

	go s.jobPushLoop()
	go s.vardiffLoop()
	return nil
}

func (s *Session) jobPushLoop() {
	for {
		select {
		case <-s.done:
			return
		case j, ok := <-s.jobSub:
			if !ok {
				return
			}
			if err := s.pushJob(j, false); err != nil {
				log.Printf("stratum: session %s job push failed: %v", s.sessionID, err)
			}
		}
	}
}

func (s *Session) vardiffLoop() {
	interval := time.Duration(s.cfg.VardiffTickSeconds) * time.Second
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.runVardiffTick()
		}
	}
}

func (s *Session) runVardiffTick() {
	s.mu.Lock()
	current := s.sessionDifficulty
	floor := s.difficultyFloor
	s.mu.Unlock()

	suggested, ok := s.vardiffCtl.Suggest(current, floor)
	if !ok || suggested == current {
		return
	}

	direction := "down"
	if suggested > current {
		direction = "up"
	}
	s.rec.DifficultyRetargeted(direction)

	s.mu.Lock()
	s.sessionDifficulty = suggested
	s.mu.Unlock()

	if err := s.sendSetDifficulty(suggested); err != nil {
		log.Printf("stratum: session %s set_difficulty push failed: %v", s.sessionID, err)
		return
	}
	if cur := s.registry.Current(); cur != nil {
		if err := s.pushJob(cur, true); err != nil {
			log.Printf("stratum: session %s forced job push failed: %v", s.sessionID, err)
		}
	}
}

// hashrate estimates this session's hashrate as the average since the
// session started: every accepted share is priced at the current session
// difficulty. Used only to decide the payout split (spec §6), not for
// accounting.
func (s *Session) hashrate() float64 {
	s.mu.Lock()
	count := s.shareCount
	diff := s.sessionDifficulty
	elapsed := time.Since(s.startedAt).Seconds()
	s.mu.Unlock()
	if elapsed < 1 || count == 0 {
		return 0
	}
	return float64(count) * diff * 4294967296.0 / elapsed
}

// pushJob builds this session's own coinbase for the given job (the payout
// split depends on this session's miner address and observed hashrate),
// caches the resulting per-session job under its id, and writes the
// mining.notify line. forceClean overrides clean_jobs for this push only,
// used by the vardiff tick to make miners adopt a new difficulty
// immediately rather than on a stale job.
func (s *Session) pushJob(base *job.MiningJob, forceClean bool) error {
	s.mu.Lock()
	address := s.address
	s.mu.Unlock()
	if address == "" {
		address = "unknown"
	}

	payouts := coinbase.PayoutSplit(address, s.hashrate(), s.cfg.DevFeeAddress)
	cb, err := coinbase.Build(coinbase.BuildParams{
		Payouts:     payouts,
		Height:      base.Template.Height,
		TotalReward: base.Template.CoinbaseValue,
		Network:     s.network,
	})
	if err != nil {
		return fmt.Errorf("build coinbase: %w", err)
	}

	clone := *base
	clone.Coinb1 = cb.Coinb1
	clone.Coinb2 = cb.Coinb2
	if forceClean {
		clone.CleanJobs = true
	}

	s.jobsMu.Lock()
	if clone.CleanJobs {
		s.jobs = make(map[string]*job.MiningJob)
	}
	s.jobs[clone.JobID] = &clone
	if len(s.jobs) > maxSessionJobs {
		for id := range s.jobs {
			if len(s.jobs) <= maxSessionJobs {
				break
			}
			if id == clone.JobID {
				continue
			}
			delete(s.jobs, id)
		}
	}
	s.jobsMu.Unlock()

	resp := Response{ID: nil, Method: "mining.notify", Params: clone.NotifyParams()}
	return s.write(resp)
}

func (s *Session) handleSubmit(req Request) error {
	s.mu.Lock()
	state := s.state
	subscribed := s.subscribed
	s.mu.Unlock()
	if state != Active {
		if !subscribed {
			return s.writeError(req.ID, errNotSubscribed, "not subscribed")
		}
		return s.writeError(req.ID, errUnauthorized, "not authorized")
	}

	var params []any
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 5 {
		s.rec.ShareRejected("malformed")
		return s.writeError(req.ID, errOtherUnknown, "bad submit params")
	}
	jobID, _ := params[1].(string)
	extranonce2Hex, _ := params[2].(string)
	ntimeHex, _ := params[3].(string)
	nonceHex, _ := params[4].(string)
	if jobID == "" || extranonce2Hex == "" || ntimeHex == "" || nonceHex == "" {
		s.rec.ShareRejected("malformed")
		return s.writeError(req.ID, errOtherUnknown, "missing submit fields")
	}

	s.jobsMu.Lock()
	j := s.jobs[jobID]
	s.jobsMu.Unlock()
	if j == nil || s.registry.GetJob(jobID) == nil {
		s.rec.ShareRejected("stale")
		return s.writeError(req.ID, errJobNotFound, "job not found")
	}

	extranonce2, err := hex.DecodeString(extranonce2Hex)
	if err != nil || len(extranonce2) != coinbase.ExtraNonce2Size {
		s.rec.ShareRejected("malformed")
		return s.writeError(req.ID, errOtherUnknown, "bad extranonce2")
	}
	ntimeVal, err := strconv.ParseUint(ntimeHex, 16, 32)
	if err != nil {
		s.rec.ShareRejected("malformed")
		return s.writeError(req.ID, errOtherUnknown, "bad ntime")
	}
	nonceVal, err := strconv.ParseUint(nonceHex, 16, 32)
	if err != nil {
		s.rec.ShareRejected("malformed")
		return s.writeError(req.ID, errOtherUnknown, "bad nonce")
	}

	sub := job.Submission{
		ExtraNonce1: s.extranonce1,
		ExtraNonce2: extranonce2,
		NTime:       uint32(ntimeVal),
		Nonce:       uint32(nonceVal),
	}
	s.mu.Lock()
	versionMask := s.versionMask
	s.mu.Unlock()
	if len(params) >= 6 {
		if vbHex, ok := params[5].(string); ok && vbHex != "" {
			if vb, err := strconv.ParseUint(vbHex, 16, 32); err == nil {
				sub.VersionBits = uint32(vb)
				sub.HasVersionBit = true
			}
		}
	}

	header, coinbaseFull, err := j.Rebuild(sub, versionMask)
	if err != nil {
		s.rec.ShareRejected("malformed")
		return s.writeError(req.ID, errOtherUnknown, fmt.Sprintf("rebuild header: %v", err))
	}
	hash := hashcodec.SHA256d(header[:])
	diff := hashcodec.DifficultyFromHash(hash)

	s.mu.Lock()
	sessionDiff := s.sessionDifficulty
	s.mu.Unlock()
	if diff < sessionDiff {
		s.rec.ShareRejected("low_difficulty")
		return s.writeError(req.ID, errLowDifficultyShare, "low difficulty share")
	}

	outcome := s.accounting.Submit(share.Key{
		JobID:       jobID,
		ExtraNonce2: extranonce2Hex,
		NTime:       sub.NTime,
		Nonce:       sub.Nonce,
	})
	if outcome == share.Duplicate {
		s.rec.ShareRejected("duplicate")
		return s.writeError(req.ID, errDuplicateShare, "duplicate share")
	}
	s.vardiffCtl.RecordShare(time.Now())

	isBlock := hashcodec.LE256ToBigInt(hash).Cmp(hashcodec.CompactTargetToBigInt(j.NBits)) <= 0
	if isBlock {
		s.submitBlock(j, header, coinbaseFull, hash)
	}

	prevBest := s.accounting.BestDifficulty()
	s.mu.Lock()
	s.shareCount++
	addr, worker := s.address, s.worker
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	hashHex := hex.EncodeToString(hashcodec.Reversed(hash[:]))
	if err := s.accounting.RecordAccepted(ctx, addr, worker, s.sessionID, hashHex, diff, sessionDiff); err != nil {
		log.Printf("stratum: session %s record submission failed: %v", s.sessionID, err)
	}
	cancel()

	s.rec.ShareAccepted()
	if diff > prevBest {
		s.updateBestDifficulty(diff)
	}
	return s.writeResult(req.ID, true)
}

func (s *Session) updateBestDifficulty(diff float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.clients != nil {
		if err := s.clients.UpdateClientBestDifficulty(ctx, s.sessionID, diff); err != nil {
			log.Printf("stratum: session %s client best-diff update failed: %v", s.sessionID, err)
		}
	}
	if s.addrs != nil && s.address != "" {
		if err := s.addrs.UpdateBestDifficulty(ctx, s.address, diff); err != nil {
			log.Printf("stratum: session %s address best-diff update failed: %v", s.sessionID, err)
		}
	}
}

func (s *Session) submitBlock(j *job.MiningJob, header [80]byte, coinbaseFull []byte, hash [32]byte) {
	s.rec.BlockFound(s.network.Name, j.Template.Height, j.JobID)
	blockHex := j.SerializeBlock(header, coinbaseFull)
	blockHash := hex.EncodeToString(hashcodec.Reversed(hash[:]))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var rejection string
	var err error
	if s.submitter != nil {
		rejection, err = s.submitter.SubmitBlock(ctx, blockHex)
	} else {
		err = fmt.Errorf("no block submitter configured")
	}

	accepted := err == nil && rejection == ""
	s.rec.BlockSubmitted(s.network.Name, accepted)
	if s.notifier != nil {
		s.notifier.NotifyBlockFound(ctx, j.Template.Height, blockHash, accepted)
	}

	if err != nil {
		log.Printf("stratum: session %s block submit failed: %v", s.sessionID, err)
		return
	}
	if rejection != "" {
		log.Printf("stratum: session %s block rejected: %s", s.sessionID, rejection)
		return
	}

	log.Printf("stratum: session %s block accepted height=%d hash=%s", s.sessionID, j.Template.Height, blockHash)
	if s.blocks != nil {
		err := s.blocks.Save(ctx, store.BlockRecord{
			Height:    j.Template.Height,
			Hash:      blockHash,
			JobID:     j.JobID,
			FoundBy:   s.address,
			Accepted:  true,
			Timestamp: time.Now(),
		})
		if err != nil {
			log.Printf("stratum: session %s block save failed: %v", s.sessionID, err)
		}
	}
	if s.addrs != nil && s.address != "" {
		if err := s.addrs.ResetBestDifficultyAndShares(ctx, s.address); err != nil {
			log.Printf("stratum: session %s best-share reset failed: %v", s.sessionID, err)
		}
	}
}

func (s *Session) sendSetDifficulty(diff float64) error {
	return s.write(Response{ID: nil, Method: "mining.set_difficulty", Params: []any{diff}})
}

func (s *Session) writeResult(id any, result any) error {
	return s.write(Response{ID: id, Result: result})
}

func (s *Session) writeError(id any, code int, msg string) error {
	return s.write(Response{ID: id, Error: &RespError{Code: code, Message: msg}})
}

func (s *Session) write(resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.rw.Write(append(b, '\n')); err != nil {
		return err
	}
	return s.rw.Flush()
}

// Request is a Stratum V1 JSON-RPC request.
type Request struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is a Stratum V1 JSON-RPC response or server notification
// (notifications carry a nil ID and a non-empty Method).
type Response struct {
	ID     any        `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *RespError `json:"error,omitempty"`
	Method string     `json:"method,omitempty"`
	Params []any      `json:"params,omitempty"`
}

// RespError is a Stratum error, wire-encoded as the JSON array
// [code, message, data] per §6.
type RespError struct {
	Code    int
	Message string
	Data    any
}

// MarshalJSON encodes RespError as [code, message, data-or-null].
func (e *RespError) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Code, e.Message, e.Data})
}
