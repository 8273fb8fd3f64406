package core

import (
	"fmt"
)

// CheckTransition verifies that next is a legal successor of prev for a record written back
// by the secondary context: identity fields never change, statuses only move forward, and
// fields owned by the primary context (fee booking, settlement) are untouched.
func CheckTransition(kind RecordKind, prev, next []byte) error {
	switch kind {
	case KindRequest:
		p, n, err := decodePair[Request](prev, next)
		if err != nil {
			return err
		}
		return CheckRequestTransition(p, n)
	case KindBid:
		p, n, err := decodePair[Bid](prev, next)
		if err != nil {
			return err
		}
		return CheckBidTransition(p, n)
	case KindAuctionRecord:
		p, n, err := decodePair[AuctionRecord](prev, next)
		if err != nil {
			return err
		}
		return CheckRecordTransition(p, n)
	default:
		return fmt.Errorf("%w: unknown record kind %q", ErrInvalidRecordRef, kind)
	}
}

func decodePair[T any](prev, next []byte) (*T, *T, error) {
	p, err := DecodeRecord[T](prev)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: previous snapshot: %v", ErrIllegalTransition, err)
	}
	n, err := DecodeRecord[T](next)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: next snapshot: %v", ErrIllegalTransition, err)
	}
	return p, n, nil
}

func CheckRequestTransition(prev, next *Request) error {
	if prev.Publisher != next.Publisher || prev.RequestID != next.RequestID ||
		prev.FloorPrice != next.FloorPrice || prev.Expiration != next.Expiration ||
		prev.CreatedAt != next.CreatedAt {
		return fmt.Errorf("%w: request %s identity changed", ErrIllegalTransition, prev.RequestID)
	}
	if next.Status < prev.Status {
		return fmt.Errorf("%w: request %s status %s -> %s", ErrIllegalTransition, prev.RequestID, prev.Status, next.Status)
	}
	return nil
}

func CheckBidTransition(prev, next *Bid) error {
	if prev.Bidder != next.Bidder || prev.CreativeID != next.CreativeID ||
		prev.RequestPublisher != next.RequestPublisher || prev.RequestID != next.RequestID ||
		prev.Amount != next.Amount || prev.CreatedAt != next.CreatedAt {
		return fmt.Errorf("%w: bid %s identity changed", ErrIllegalTransition, prev.Ref())
	}
	if prev.Status.Final() && next.Status != prev.Status {
		return fmt.Errorf("%w: bid %s already decided as %s", ErrIllegalTransition, prev.Ref(), prev.Status)
	}
	if next.Status < prev.Status {
		return fmt.Errorf("%w: bid %s status %s -> %s", ErrIllegalTransition, prev.Ref(), prev.Status, next.Status)
	}
	return nil
}

func CheckRecordTransition(prev, next *AuctionRecord) error {
	if prev.ID != next.ID || prev.RequestID != next.RequestID || prev.Publisher != next.Publisher {
		return fmt.Errorf("%w: auction record %s identity changed", ErrIllegalTransition, AuctionIDString(prev.ID))
	}
	if prev.Booked != next.Booked || prev.IsSettled != next.IsSettled ||
		prev.PlatformFee != next.PlatformFee || prev.PublisherPayment != next.PublisherPayment {
		return fmt.Errorf("%w: auction record %s settlement fields changed outside the primary context",
			ErrIllegalTransition, AuctionIDString(prev.ID))
	}
	if prev.Resolved() && !sameOutcome(prev, next) {
		return fmt.Errorf("%w: auction record %s already resolved", ErrIllegalTransition, AuctionIDString(prev.ID))
	}
	return nil
}

func sameOutcome(a, b *AuctionRecord) bool {
	if a.ResolvedAt != b.ResolvedAt || a.BidAmount != b.BidAmount || a.ClearingPrice != b.ClearingPrice {
		return false
	}
	if (a.Winner == nil) != (b.Winner == nil) || (a.WinningBid == nil) != (b.WinningBid == nil) {
		return false
	}
	if a.Winner != nil && *a.Winner != *b.Winner {
		return false
	}
	if a.WinningBid != nil && *a.WinningBid != *b.WinningBid {
		return false
	}
	return true
}
