// Package job builds mining jobs from upstream block templates and fans
// them out to subscribed sessions via a latest-wins broadcast channel,
// grounded on miner113-pool/internal/job/template_source.go and
// internal/stratum/server.go's template/job bookkeeping.
package job

import "context"

// TxEntry is one transaction in a Template's ordered list.
type TxEntry struct {
	Txid   string // big-endian hex, as published by the node
	WTxid  string
	Fee    int64
	Weight int64
	Hex    string // raw transaction bytes, hex
}

// Template is the upstream block template this pool builds jobs from.
type Template struct {
	PrevHash      string // big-endian hex, natural node byte order
	Version       int32
	NBits         uint32
	Height        int64
	Transactions  []TxEntry
	ClearJobs     bool // true when the tip changed since the last template
	CoinbaseValue int64 // subsidy + fees available to the coinbase, satoshis
}

// Source fetches fresh block templates from the upstream node.
type Source interface {
	Next(ctx context.Context) (*Template, error)
}
