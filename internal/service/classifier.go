package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/wallet-insights/internal/logging"
	"github.com/wallet-insights/internal/metrics"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/types"
)

// ErrMalformedTransaction is returned for raw transactions missing required fields
var ErrMalformedTransaction = errors.New("malformed transaction")

// CounterpartyResolver classifies counterparty addresses
type CounterpartyResolver interface {
	ResolveCounterpartyType(ctx context.Context, address string) (types.CounterpartyType, error)
}

// txFeatures are the structural facts a classification rule looks at
type txFeatures struct {
	inputs           int
	outputs          int
	counterparties   int
	externalOutputs  int
	walletSends      bool
	walletReceives   bool
	shieldedIn       bool
	shieldedOut      bool
	transparentIn    bool
	transparentOut   bool
	net              int64
	counterpartyType types.CounterpartyType
}

func (f txFeatures) shielded() bool {
	return f.shieldedIn || f.shieldedOut
}

func (f txFeatures) direction() types.TxSubtype {
	if f.net < 0 || (f.net == 0 && f.walletSends) {
		return types.SubtypeOutgoing
	}
	return types.SubtypeIncoming
}

// classificationRule maps features to a type. Rules are tried in order and
// the first match wins.
type classificationRule struct {
	txType  types.TxType
	matches func(f txFeatures) bool
	subtype func(f txFeatures) types.TxSubtype
}

var classificationRules = []classificationRule{
	{
		txType: types.TxTypeShielding,
		matches: func(f txFeatures) bool {
			return f.walletSends && f.counterparties == 0 &&
				((f.transparentIn && f.shieldedOut) || (f.shieldedIn && f.transparentOut))
		},
		subtype: func(f txFeatures) types.TxSubtype {
			if f.transparentIn && f.shieldedOut {
				return types.SubtypeShield
			}
			return types.SubtypeDeshield
		},
	},
	{
		txType:  types.TxTypeSelf,
		matches: func(f txFeatures) bool { return f.counterparties == 0 },
		subtype: func(txFeatures) types.TxSubtype { return types.SubtypeInternal },
	},
	{
		txType:  types.TxTypeBridge,
		matches: func(f txFeatures) bool { return f.counterpartyType == types.CounterpartyBridge },
		subtype: func(txFeatures) types.TxSubtype { return types.SubtypeCrossChain },
	},
	{
		txType: types.TxTypeSwap,
		matches: func(f txFeatures) bool {
			return f.counterpartyType == types.CounterpartyDeFi ||
				(f.counterpartyType == types.CounterpartyExchange && f.walletSends && f.walletReceives)
		},
		subtype: txFeatures.direction,
	},
	{
		txType:  types.TxTypeBatch,
		matches: func(f txFeatures) bool { return f.walletSends && f.externalOutputs >= 3 },
		subtype: func(txFeatures) types.TxSubtype { return types.SubtypeMultiSend },
	},
	{
		txType:  types.TxTypeTransfer,
		matches: func(txFeatures) bool { return true },
		subtype: txFeatures.direction,
	},
}

// Complexity weights; the score is clamped to [0,100]
const (
	complexityPerEndpoint     = 5
	complexityPerCounterparty = 15
	complexityShielded        = 25
)

// ComplexityScore is monotonic in endpoint count, counterparty diversity and shielded usage
func ComplexityScore(endpoints, counterparties int, shielded bool) int {
	score := complexityPerEndpoint*endpoints + complexityPerCounterparty*counterparties
	if shielded {
		score += complexityShielded
	}
	return clampInt(score, 0, 100)
}

// IsShieldedEndpoint reports whether an endpoint uses a privacy-preserving pool or address type
func IsShieldedEndpoint(e models.TxEndpoint) bool {
	switch e.Pool {
	case models.PoolSapling, models.PoolOrchard, models.PoolSprout:
		return true
	case models.PoolTransparent:
		return false
	}
	addr := strings.ToLower(e.Address)
	return strings.HasPrefix(addr, "zs") || strings.HasPrefix(addr, "zc") || strings.HasPrefix(addr, "u1")
}

// TransactionClassifier labels raw transactions from one wallet's perspective
type TransactionClassifier struct {
	resolver CounterpartyResolver
}

// NewTransactionClassifier creates a classifier. resolver may be nil, in
// which case every counterparty is unknown.
func NewTransactionClassifier(resolver CounterpartyResolver) *TransactionClassifier {
	return &TransactionClassifier{resolver: resolver}
}

func validateRaw(raw *models.RawTransaction, walletAddress string) error {
	switch {
	case raw == nil:
		return fmt.Errorf("%w: nil transaction", ErrMalformedTransaction)
	case raw.TxID == "":
		return fmt.Errorf("%w: missing txid", ErrMalformedTransaction)
	case raw.BlockTime.IsZero():
		return fmt.Errorf("%w: %s missing block time", ErrMalformedTransaction, raw.TxID)
	case len(raw.Inputs)+len(raw.Outputs) == 0:
		return fmt.Errorf("%w: %s has no inputs or outputs", ErrMalformedTransaction, raw.TxID)
	case walletAddress == "":
		return fmt.Errorf("%w: no wallet address", ErrMalformedTransaction)
	}
	return nil
}

// Classify labels one raw transaction. prev is the wallet's previous
// classified transaction, used for sequence position and spacing.
func (c *TransactionClassifier) Classify(ctx context.Context, raw *models.RawTransaction, walletID, walletAddress string, prev *models.ProcessedTransaction) (*models.ProcessedTransaction, error) {
	if err := validateRaw(raw, walletAddress); err != nil {
		return nil, err
	}

	f, counterparty := extractFeatures(raw, walletAddress)
	f.counterpartyType = types.CounterpartyUnknown
	if counterparty != "" && c.resolver != nil {
		ct, err := c.resolver.ResolveCounterpartyType(ctx, counterparty)
		if err != nil {
			logging.FromContext(ctx).ForWallet(walletID).WithError(err).
				Warnf("counterparty lookup failed for %s, treating as unknown", raw.TxID)
		} else {
			f.counterpartyType = ct
		}
	}

	rule := matchRule(f)
	tx := &models.ProcessedTransaction{
		WalletID:            walletID,
		TxID:                raw.TxID,
		BlockHeight:         raw.BlockHeight,
		BlockTime:           raw.BlockTime.UTC(),
		TxType:              rule.txType,
		Subtype:             rule.subtype(f),
		ValueZatoshi:        f.net,
		FeeZatoshi:          raw.Fee,
		CounterpartyAddress: counterparty,
		CounterpartyType:    f.counterpartyType,
		IsShielded:          f.shielded(),
		ComplexityScore:     ComplexityScore(f.inputs+f.outputs, f.counterparties, f.shielded()),
		SequencePosition:    1,
	}
	tx.FeatureTag = featureTag(tx)

	if prev != nil {
		tx.SequencePosition = prev.SequencePosition + 1
		minutes := tx.BlockTime.Sub(prev.BlockTime).Minutes()
		if minutes < 0 {
			minutes = 0
		}
		tx.MinutesSincePrevious = &minutes
	}
	return tx, nil
}

// ClassifyBatch classifies transactions in chain order, chaining sequence
// positions from prev. Malformed transactions are reported and skipped.
func (c *TransactionClassifier) ClassifyBatch(ctx context.Context, raws []*models.RawTransaction, walletID, walletAddress string, prev *models.ProcessedTransaction) ([]*models.ProcessedTransaction, []types.BatchItem) {
	ordered := make([]*models.RawTransaction, 0, len(raws))
	var failed []types.BatchItem
	for _, r := range raws {
		if err := validateRaw(r, walletAddress); err != nil {
			id := ""
			if r != nil {
				id = r.TxID
			}
			failed = append(failed, types.BatchItem{ID: id, Status: types.ItemFailed, Error: err.Error()})
			metrics.RecordClassified("", string(types.ItemFailed))
			continue
		}
		ordered = append(ordered, r)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.BlockTime.Equal(b.BlockTime) {
			return a.BlockTime.Before(b.BlockTime)
		}
		if a.BlockHeight != b.BlockHeight {
			return a.BlockHeight < b.BlockHeight
		}
		return a.TxID < b.TxID
	})

	out := make([]*models.ProcessedTransaction, 0, len(ordered))
	for _, r := range ordered {
		tx, err := c.Classify(ctx, r, walletID, walletAddress, prev)
		if err != nil {
			failed = append(failed, types.BatchItem{ID: r.TxID, Status: types.ItemFailed, Error: err.Error()})
			metrics.RecordClassified("", string(types.ItemFailed))
			continue
		}
		metrics.RecordClassified(string(tx.TxType), string(types.ItemSuccess))
		out = append(out, tx)
		prev = tx
	}
	return out, failed
}

func matchRule(f txFeatures) classificationRule {
	for _, r := range classificationRules {
		if r.matches(f) {
			return r
		}
	}
	return classificationRules[len(classificationRules)-1]
}

// extractFeatures computes the wallet-relative shape of a transaction and
// the dominant counterparty (largest value moved; ties broken by address)
func extractFeatures(raw *models.RawTransaction, walletAddress string) (txFeatures, string) {
	f := txFeatures{inputs: len(raw.Inputs), outputs: len(raw.Outputs)}
	flows := make(map[string]int64)
	own := func(addr string) bool { return strings.EqualFold(addr, walletAddress) }

	for _, in := range raw.Inputs {
		if IsShieldedEndpoint(in) {
			f.shieldedIn = true
		} else {
			f.transparentIn = true
		}
		if own(in.Address) {
			f.walletSends = true
			f.net -= in.Value
			continue
		}
		if in.Address != "" {
			flows[in.Address] += absInt64(in.Value)
		}
	}
	for _, out := range raw.Outputs {
		if IsShieldedEndpoint(out) {
			f.shieldedOut = true
		} else {
			f.transparentOut = true
		}
		if own(out.Address) {
			f.walletReceives = true
			f.net += out.Value
			continue
		}
		f.externalOutputs++
		if out.Address != "" {
			flows[out.Address] += absInt64(out.Value)
		}
	}

	f.counterparties = len(flows)
	dominant := ""
	var best int64 = -1
	for addr, v := range flows {
		if v > best || (v == best && addr < dominant) {
			dominant, best = addr, v
		}
	}
	return f, dominant
}

func featureTag(tx *models.ProcessedTransaction) string {
	if tx.IsShielded && tx.TxType != types.TxTypeShielding {
		return "shielded_" + string(tx.TxType)
	}
	return string(tx.TxType)
}
