package coinbase

const (
	devFeeHashrateThreshold = 50e12 // 50 TH/s
	devFeePercent           = 1.5
	minerPercentWithDevFee  = 100.0 - devFeePercent
)

// PayoutSplit implements the pool's payout policy (spec §6): below the
// hashrate threshold, or when no dev fee address is configured, the miner
// takes the full reward; above it, the dev fee address takes 1.5% and the
// miner takes the remainder.
func PayoutSplit(minerAddress string, sessionHashrate float64, devFeeAddress string) []Payout {
	if sessionHashrate < devFeeHashrateThreshold || devFeeAddress == "" {
		return []Payout{{Address: minerAddress, Percent: 100.0}}
	}
	return []Payout{
		{Address: devFeeAddress, Percent: devFeePercent},
		{Address: minerAddress, Percent: minerPercentWithDevFee},
	}
}
