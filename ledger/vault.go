// Package ledger holds the protocol's pooled escrow accounting.
//
// The vault tracks three balances: everything deposited and not yet paid out
// (TotalBalance), obligations booked for resolved auctions but not yet paid
// (PendingSettlements), and platform fees collected (FeeBalance). Every mutation
// is checked and leaves the vault untouched on failure, and every mutation
// re-establishes TotalBalance >= PendingSettlements + FeeBalance.
package ledger

import (
	"fmt"

	"github.com/cloudx-io/adexchange/core"
)

// Vault is the protocol-owned escrow ledger. No party mutates it directly.
type Vault struct {
	Authority          string `json:"authority"`
	TokenAccount       string `json:"token_account"`
	TokenMint          string `json:"token_mint"`
	TotalBalance       uint64 `json:"total_balance"`
	PendingSettlements uint64 `json:"pending_settlements"`
	FeeBalance         uint64 `json:"fee_balance"`
}

// New returns an empty vault whose holdings live in tokenAccount.
func New(authority, tokenAccount, tokenMint string) *Vault {
	return &Vault{
		Authority:    authority,
		TokenAccount: tokenAccount,
		TokenMint:    tokenMint,
	}
}

// CheckInvariant verifies TotalBalance >= PendingSettlements + FeeBalance.
func (v *Vault) CheckInvariant() error {
	committed, err := core.CheckedAdd(v.PendingSettlements, v.FeeBalance)
	if err != nil {
		return fmt.Errorf("vault committed balance: %w", err)
	}
	if v.TotalBalance < committed {
		return fmt.Errorf("%w: total %d below pending %d plus fees %d",
			core.ErrInsufficientFunds, v.TotalBalance, v.PendingSettlements, v.FeeBalance)
	}
	return nil
}

// Available is the part of the total not yet reserved for settlements or fees.
func (v *Vault) Available() uint64 {
	committed, err := core.CheckedAdd(v.PendingSettlements, v.FeeBalance)
	if err != nil || committed > v.TotalBalance {
		return 0
	}
	return v.TotalBalance - committed
}

// Deposit records escrowed funds received from a bidder.
func (v *Vault) Deposit(amount uint64) error {
	next := *v
	total, err := core.CheckedAdd(v.TotalBalance, amount)
	if err != nil {
		return fmt.Errorf("vault deposit: %w", err)
	}
	next.TotalBalance = total
	return v.apply(next)
}

// Reserve books a fee split as pending settlement.
func (v *Vault) Reserve(split core.FeeSplit) error {
	amount, err := split.Total()
	if err != nil {
		return fmt.Errorf("vault reserve: %w", err)
	}

	next := *v
	pending, err := core.CheckedAdd(v.PendingSettlements, amount)
	if err != nil {
		return fmt.Errorf("vault reserve: %w", err)
	}
	next.PendingSettlements = pending
	return v.apply(next)
}

// Release settles a previously reserved split: the publisher payment leaves the vault and the
// platform fee moves from pending into the fee balance.
func (v *Vault) Release(split core.FeeSplit) error {
	amount, err := split.Total()
	if err != nil {
		return fmt.Errorf("vault release: %w", err)
	}

	next := *v
	if next.PendingSettlements, err = core.CheckedSub(v.PendingSettlements, amount); err != nil {
		return fmt.Errorf("vault release pending: %w", err)
	}
	if next.FeeBalance, err = core.CheckedAdd(v.FeeBalance, split.PlatformFee); err != nil {
		return fmt.Errorf("vault release fees: %w", err)
	}
	if next.TotalBalance, err = core.CheckedSub(v.TotalBalance, split.PublisherPayment); err != nil {
		return fmt.Errorf("vault release payout: %w", err)
	}
	return v.apply(next)
}

func (v *Vault) apply(next Vault) error {
	if err := next.CheckInvariant(); err != nil {
		return err
	}
	*v = next
	return nil
}

// Summary renders the balances in display units.
func (v *Vault) Summary(decimals int32) map[string]string {
	return map[string]string{
		"total_balance":       core.FormatAmount(v.TotalBalance, decimals),
		"pending_settlements": core.FormatAmount(v.PendingSettlements, decimals),
		"fee_balance":         core.FormatAmount(v.FeeBalance, decimals),
		"available":           core.FormatAmount(v.Available(), decimals),
	}
}
