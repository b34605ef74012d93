// Package ledger meters evaluations: tiered per-risk fees, auto-provisioned
// per-agent wallets, admission gating on balance, and append-only signed
// receipts. Wallet amounts are fixed-scale decimals (4 fractional digits)
// serialised as text; binary floats never touch money.
package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

// StartingBalance is credited to auto-provisioned wallets.
const StartingBalance = "100.0000"

// feeTier maps a minimum risk to a fee. Tiers are evaluated greatest
// threshold first.
type feeTier struct {
	minRisk int
	fee     string
}

var feeTiers = []feeTier{
	{90, "0.0250"},
	{70, "0.0100"},
	{40, "0.0050"},
	{0, "0.0010"},
}

// FeeFor returns the fixed-scale fee for a risk score.
func FeeFor(risk int) string {
	for _, t := range feeTiers {
		if risk >= t.minRisk {
			return t.fee
		}
	}
	return feeTiers[len(feeTiers)-1].fee
}

// PaymentRequiredError refuses admission for an exhausted wallet. It is
// returned before the pipeline runs; nothing is recorded.
type PaymentRequiredError struct {
	WalletID string
	Balance  string
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment required: wallet %s balance %s", e.WalletID, e.Balance)
}

// Ledger is the metering service.
type Ledger struct {
	store   store.Store
	enabled bool
	logger  *slog.Logger
}

// New creates a Ledger. When enabled is false the gate always admits and
// charges are skipped; receipts are still produced.
func New(st store.Store, enabled bool, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:   st,
		enabled: enabled,
		logger:  logger.With("component", "ledger"),
	}
}

// Enabled reports whether fee gating is on.
func (l *Ledger) Enabled() bool { return l.enabled }

// Gate admits or refuses a request before evaluation. A missing wallet is
// auto-provisioned with the starting balance and admitted; a wallet at or
// below zero refuses with PaymentRequiredError.
func (l *Ledger) Gate(agentID string) error {
	if !l.enabled || agentID == "" {
		return nil
	}

	w, err := l.store.GetWallet(agentID)
	if errors.Is(err, store.ErrNotFound) {
		w, err = l.provision(agentID)
		if err != nil {
			return err
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read wallet for gate: %w", err)
	}

	balance, err := decimal.NewFromString(w.Balance)
	if err != nil {
		return fmt.Errorf("corrupt balance for wallet %s: %w", w.WalletID, err)
	}
	if balance.LessThanOrEqual(decimal.Zero) {
		return &PaymentRequiredError{WalletID: w.WalletID, Balance: w.Balance}
	}
	return nil
}

func (l *Ledger) provision(agentID string) (*store.Wallet, error) {
	now := time.Now().UTC()
	w := &store.Wallet{
		WalletID:       agentID,
		Label:          "agent " + agentID,
		Balance:        StartingBalance,
		TotalDeposited: StartingBalance,
		TotalFeesPaid:  "0.0000",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.store.CreateWallet(w); err != nil {
		// A concurrent evaluation may have provisioned it first.
		if errors.Is(err, store.ErrConflict) {
			return l.store.GetWallet(agentID)
		}
		return nil, fmt.Errorf("failed to auto-provision wallet: %w", err)
	}
	l.logger.Info("auto-provisioned wallet", "wallet_id", agentID, "balance", StartingBalance)
	return w, nil
}

// ChargeAndReceipt always produces and persists a receipt for an
// evaluation; when gating is enabled and a wallet exists, the tier fee is
// also deducted. Charging failures are logged, never propagated — the
// decision has already been made and must be returned.
func (l *Ledger) ChargeAndReceipt(tool string, decision store.Decision, risk int, policyIDs []string, chainPattern, agentID string) (*store.Receipt, error) {
	receiptID := "ocg-" + randomHex(8)
	ts := time.Now().UTC()

	r := &store.Receipt{
		ReceiptID:    receiptID,
		CreatedAt:    ts,
		Tool:         tool,
		Decision:     decision,
		RiskScore:    risk,
		PolicyIDs:    strings.Join(policyIDs, ","),
		ChainPattern: chainPattern,
		AgentID:      agentID,
		Digest:       Digest(receiptID, ts, tool, decision, risk, policyIDs),
	}

	if l.enabled && agentID != "" {
		fee := FeeFor(risk)
		if err := l.store.DebitWallet(agentID, fee); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				l.logger.Error("failed to charge wallet", "wallet_id", agentID, "error", err)
			}
		} else {
			r.Fee = fee
		}
	}

	if err := l.store.InsertReceipt(r); err != nil {
		return nil, fmt.Errorf("failed to persist receipt: %w", err)
	}
	return r, nil
}

// TopUp credits a wallet.
func (l *Ledger) TopUp(walletID, amount string) error {
	a, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("bad top-up amount %q: %w", amount, err)
	}
	if a.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("top-up amount must be positive")
	}
	return l.store.CreditWallet(walletID, a.StringFixed(4))
}

// Digest computes the canonical receipt digest:
// SHA-256("receipt_id|iso_timestamp|tool|decision|risk|p1,p2,...") as
// lowercase hex.
func Digest(receiptID string, ts time.Time, tool string, decision store.Decision, risk int, policyIDs []string) string {
	canonical := fmt.Sprintf("%s|%s|%s|%s|%d|%s",
		receiptID, ts.UTC().Format(time.RFC3339), tool, decision, risk,
		strings.Join(policyIDs, ","))
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func randomHex(nBytes int) string {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// timestamp so receipts still get unique ids.
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
