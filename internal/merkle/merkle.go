// Package merkle builds and folds Bitcoin-style merkle branches from an
// ordered transaction-id list, grounded on the branch algorithm in
// miner113-pool/internal/job/merkle.go.
package merkle

import "github.com/hashforge/stratumcore/internal/hashcodec"

// Branch computes the sequence of sibling hashes visited from the coinbase
// leaf (txids[0], treated as a placeholder overwritten per share) to the
// merkle root. Bitcoin convention: duplicate the last element when a layer
// has odd size; concatenate-then-sha256d to build the next layer. All
// hashes are in internal (little-endian) byte order.
func Branch(txids [][32]byte) [][32]byte {
	if len(txids) == 0 {
		return nil
	}

	layer := make([][32]byte, len(txids))
	copy(layer, txids)

	idx := 0
	var branch [][32]byte
	for len(layer) > 1 {
		if len(layer)%2 == 1 {
			layer = append(layer, layer[len(layer)-1])
		}
		sibling := layer[idx^1]
		branch = append(branch, sibling)

		next := make([][32]byte, len(layer)/2)
		for i := 0; i < len(layer); i += 2 {
			next[i/2] = hashPair(layer[i], layer[i+1])
		}
		idx /= 2
		layer = next
	}
	return branch
}

// FoldRoot rebuilds the merkle root given the coinbase transaction's txid
// (internal byte order) and the branch computed by Branch.
func FoldRoot(coinbaseTxid [32]byte, branch [][32]byte) [32]byte {
	root := coinbaseTxid
	for _, sibling := range branch {
		root = hashPair(root, sibling)
	}
	return root
}

func hashPair(a, b [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return hashcodec.SHA256d(buf)
}
