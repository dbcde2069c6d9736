package job

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/hashforge/stratumcore/internal/coinbase"
	"github.com/hashforge/stratumcore/internal/hashcodec"
	"github.com/hashforge/stratumcore/internal/merkle"
)

// MiningJob holds the immutable parameters of a single job offered to
// miners, and rebuilds the 80-byte header for a submitted share (spec §4.4).
type MiningJob struct {
	JobID        string
	PrevHash     [32]byte // internal (little-endian) byte order
	Coinb1       []byte
	Coinb2       []byte
	MerkleBranch [][32]byte
	Version      uint32
	NBits        uint32
	NTime        uint32
	CleanJobs    bool
	Template     *Template // retained for network-difficulty comparison and block reassembly
}

// Submission is a miner's mining.submit payload, already parsed and
// hex-decoded by the session.
type Submission struct {
	ExtraNonce1   []byte
	ExtraNonce2   []byte
	NTime         uint32
	Nonce         uint32
	VersionBits   uint32 // raw submitted version, only the masked bits are honored
	HasVersionBit bool
}

// NewMiningJob freezes a job's parameters from a template and its built
// coinbase, precomputing the merkle branch.
func NewMiningJob(jobID string, tmpl *Template, prevHashHex string, cb coinbase.Coinbase, ntime uint32, cleanJobs bool) (*MiningJob, error) {
	prevHash, err := hashcodec.HexToBytes32(prevHashHex)
	if err != nil {
		return nil, fmt.Errorf("job: prev hash: %w", err)
	}
	prevHash = reverse32(prevHash) // node publishes big-endian; header wants internal order

	txids := make([][32]byte, 1, len(tmpl.Transactions)+1)
	// txids[0] is the coinbase placeholder; overwritten per-share via FoldRoot.
	for _, tx := range tmpl.Transactions {
		id, err := hashcodec.HexToBytes32(tx.Txid)
		if err != nil {
			return nil, fmt.Errorf("job: tx id %q: %w", tx.Txid, err)
		}
		txids = append(txids, reverse32(id))
	}

	return &MiningJob{
		JobID:        jobID,
		PrevHash:     prevHash,
		Coinb1:       cb.Coinb1,
		Coinb2:       cb.Coinb2,
		MerkleBranch: merkle.Branch(txids),
		Version:      uint32(tmpl.Version),
		NBits:        tmpl.NBits,
		NTime:        ntime,
		CleanJobs:    cleanJobs,
		Template:     tmpl,
	}, nil
}

// NetworkDifficulty is the minimum share difficulty that constitutes a
// valid block for this job's template.
func (j *MiningJob) NetworkDifficulty() float64 {
	return hashcodec.DifficultyFromCompact(j.NBits)
}

// Rebuild reconstructs the 80-byte block header for a submitted share,
// applying the version-rolling mask and assembling the coinbase with the
// miner's extranonce2.
func (j *MiningJob) Rebuild(sub Submission, versionMask uint32) (header [80]byte, coinbaseFull []byte, err error) {
	version := j.Version
	if sub.HasVersionBit {
		version = (j.Version &^ versionMask) | (sub.VersionBits & versionMask)
	}

	coinbaseFull = coinbase.Assemble(j.Coinb1, sub.ExtraNonce1, sub.ExtraNonce2, j.Coinb2)
	coinbaseTxid := coinbase.Txid(coinbaseFull)
	root := merkle.FoldRoot(coinbaseTxid, j.MerkleBranch)

	var buf [80]byte
	binary.LittleEndian.PutUint32(buf[0:4], version)
	copy(buf[4:36], j.PrevHash[:])
	copy(buf[36:68], root[:])
	binary.LittleEndian.PutUint32(buf[68:72], sub.NTime)
	binary.LittleEndian.PutUint32(buf[72:76], j.NBits)
	binary.LittleEndian.PutUint32(buf[76:80], sub.Nonce)
	return buf, coinbaseFull, nil
}

// NotifyParams returns the mining.notify parameter list (spec §4.4):
// [job_id, prev_hash_hex, coinb1_hex, coinb2_hex, merkle_branch_hex[],
// version_hex, nbits_hex, ntime_hex, clean_jobs].
func (j *MiningJob) NotifyParams() []any {
	branchHex := make([]string, len(j.MerkleBranch))
	for i, b := range j.MerkleBranch {
		branchHex[i] = hex.EncodeToString(b[:])
	}
	return []any{
		j.JobID,
		hex.EncodeToString(reverseBytes(j.PrevHash[:])),
		hex.EncodeToString(j.Coinb1),
		hex.EncodeToString(j.Coinb2),
		branchHex,
		fmt.Sprintf("%08x", j.Version),
		fmt.Sprintf("%08x", j.NBits),
		fmt.Sprintf("%08x", j.NTime),
		j.CleanJobs,
	}
}

// SerializeBlock builds the full block hex for submission: header +
// varint(tx_count) + coinbase + the template's transactions in order.
func (j *MiningJob) SerializeBlock(header [80]byte, coinbaseFull []byte) string {
	var buf []byte
	buf = append(buf, header[:]...)
	buf = append(buf, writeVarInt(uint64(1+len(j.Template.Transactions)))...)
	buf = append(buf, coinbaseFull...)
	for _, tx := range j.Template.Transactions {
		txBytes, err := hex.DecodeString(tx.Hex)
		if err != nil {
			continue // malformed upstream tx hex; skip rather than corrupt the block
		}
		buf = append(buf, txBytes...)
	}
	return hex.EncodeToString(buf)
}

func reverse32(b [32]byte) [32]byte {
	var out [32]byte
	for i := 0; i < 32; i++ {
		out[i] = b[31-i]
	}
	return out
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

func writeVarInt(v uint64) []byte {
	switch {
	case v < 0xfd:
		return []byte{byte(v)}
	case v <= 0xffff:
		return []byte{0xfd, byte(v), byte(v >> 8)}
	case v <= 0xffffffff:
		return []byte{0xfe, byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	default:
		return []byte{0xff, byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24), byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56)}
	}
}
