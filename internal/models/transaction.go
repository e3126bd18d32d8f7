package models

import (
	"time"

	"github.com/wallet-insights/internal/types"
)

// Pool names used by the indexer for transaction endpoints
const (
	PoolTransparent = "transparent"
	PoolSprout      = "sprout"
	PoolSapling     = "sapling"
	PoolOrchard     = "orchard"
)

// TxEndpoint is one input or output of a raw transaction
type TxEndpoint struct {
	Address string `json:"address"`
	Value   int64  `json:"value"` // zatoshi
	Pool    string `json:"pool,omitempty"`
}

// RawTransaction is a transaction as delivered by the indexing subsystem
type RawTransaction struct {
	TxID        string       `json:"txid"`
	BlockHeight uint64       `json:"blockHeight"`
	BlockTime   time.Time    `json:"blockTime"`
	Fee         int64        `json:"fee"`
	Inputs      []TxEndpoint `json:"inputs"`
	Outputs     []TxEndpoint `json:"outputs"`
}

// ProcessedTransaction is a raw transaction classified from one wallet's perspective.
// Stored once per (wallet, transaction) pair in ClickHouse; append-only.
type ProcessedTransaction struct {
	WalletID             string                 `json:"walletId" ch:"wallet_id"`
	TxID                 string                 `json:"txId" ch:"tx_id"`
	BlockHeight          uint64                 `json:"blockHeight" ch:"block_height"`
	BlockTime            time.Time              `json:"blockTime" ch:"block_time"`
	TxType               types.TxType           `json:"txType" ch:"tx_type"`
	Subtype              types.TxSubtype        `json:"subtype" ch:"subtype"`
	ValueZatoshi         int64                  `json:"valueZatoshi" ch:"value_zatoshi"`
	FeeZatoshi           int64                  `json:"feeZatoshi" ch:"fee_zatoshi"`
	CounterpartyAddress  string                 `json:"counterpartyAddress,omitempty" ch:"counterparty_address"`
	CounterpartyType     types.CounterpartyType `json:"counterpartyType" ch:"counterparty_type"`
	FeatureTag           string                 `json:"featureTag" ch:"feature_tag"`
	IsShielded           bool                   `json:"isShielded" ch:"is_shielded"`
	ComplexityScore      int                    `json:"complexityScore" ch:"complexity_score"`
	SequencePosition     int64                  `json:"sequencePosition" ch:"sequence_position"`
	MinutesSincePrevious *float64               `json:"minutesSincePrevious,omitempty" ch:"minutes_since_previous"`
}

// AbsValue returns the magnitude of the signed value
func (t *ProcessedTransaction) AbsValue() int64 {
	if t.ValueZatoshi < 0 {
		return -t.ValueZatoshi
	}
	return t.ValueZatoshi
}
