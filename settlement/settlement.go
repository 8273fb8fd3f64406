// Package settlement books resolved auctions into the vault and pays publishers out.
//
// Settlement is two steps. ProcessResults computes the fee split of a resolved auction
// and reserves it as pending settlement. Settle moves the publisher's share over the
// token rail and releases the reservation, leaving the platform fee in the vault. Both
// compute every new value first and assign only when nothing can fail any more.
package settlement

import (
	"context"
	"fmt"

	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/ledger"
	"github.com/cloudx-io/adexchange/rail"
	"github.com/cloudx-io/adexchange/store"
)

// ProcessResults books the outcome of a resolved auction: it fills in the record's
// publisher payment and platform fee, credits the publisher's revenue and reserves
// the split in the vault.
func ProcessResults(record *core.AuctionRecord, publisher *core.Publisher, vault *ledger.Vault, fees core.FeeSchedule, requestID core.ID) (core.FeeSplit, error) {
	if record.IsSettled {
		return core.FeeSplit{}, core.ErrAlreadySettled
	}
	if record.Booked {
		return core.FeeSplit{}, core.ErrAlreadyBooked
	}
	if record.RequestID != requestID {
		return core.FeeSplit{}, fmt.Errorf("%w: record is for %s, not %s", core.ErrInvalidAuctionID, record.RequestID, requestID)
	}
	if record.Publisher != publisher.Authority {
		return core.FeeSplit{}, fmt.Errorf("%w: record belongs to %s", core.ErrInvalidPublisher, record.Publisher)
	}
	if !record.Resolved() {
		return core.FeeSplit{}, core.ErrNotResolved
	}

	split, err := core.ComputeFeeSplit(record.ClearingPrice, fees)
	if err != nil {
		return core.FeeSplit{}, err
	}
	revenue, err := core.CheckedAdd(publisher.TotalRevenue, split.PublisherPayment)
	if err != nil {
		return core.FeeSplit{}, fmt.Errorf("publisher revenue: %w", err)
	}

	if err := vault.Reserve(split); err != nil {
		return core.FeeSplit{}, err
	}
	publisher.TotalRevenue = revenue
	record.PublisherPayment = split.PublisherPayment
	record.PlatformFee = split.PlatformFee
	record.Booked = true
	return split, nil
}

// Settle pays out a booked auction. The publisher payment leaves the vault's token
// account for the publisher's payment address, the reservation is released, and the
// winner's total spend grows by the clearing price. winner is nil for an auction
// without a winner; such a record settles with zero amounts.
func Settle(ctx context.Context, r rail.Rail, tx store.Tx, record *core.AuctionRecord, publisher *core.Publisher, winner *core.Bidder, vault *ledger.Vault) error {
	if record.IsSettled {
		return core.ErrAlreadySettled
	}
	if !record.Booked {
		return core.ErrNotBooked
	}
	if record.Publisher != publisher.Authority {
		return fmt.Errorf("%w: record belongs to %s", core.ErrInvalidPublisher, record.Publisher)
	}
	if record.HasWinner() != (winner != nil) {
		return fmt.Errorf("%w: winner does not match the auction record", core.ErrInvalidBidder)
	}
	if winner != nil && *record.Winner != winner.Authority {
		return fmt.Errorf("%w: record was won by %s", core.ErrInvalidBidder, *record.Winner)
	}

	split := core.FeeSplit{PlatformFee: record.PlatformFee, PublisherPayment: record.PublisherPayment}
	nextVault := *vault
	if err := nextVault.Release(split); err != nil {
		return err
	}
	var spend uint64
	if winner != nil {
		var err error
		if spend, err = core.CheckedAdd(winner.TotalSpend, record.ClearingPrice); err != nil {
			return fmt.Errorf("bidder spend: %w", err)
		}
	}

	if split.PublisherPayment > 0 {
		err := r.Transfer(ctx, tx, rail.Transfer{
			From:      vault.TokenAccount,
			To:        publisher.PaymentAddress,
			Authority: vault.Authority,
			Amount:    split.PublisherPayment,
		})
		if err != nil {
			return fmt.Errorf("publisher payout: %w", err)
		}
	}

	*vault = nextVault
	if winner != nil {
		winner.TotalSpend = spend
	}
	record.IsSettled = true
	return nil
}
