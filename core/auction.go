package core

import (
	"fmt"
)

// AuctionResult contains the complete results of resolving one request.
type AuctionResult struct {
	// Winner is the highest-ranked bid (nil if no valid bids)
	Winner *Bid `json:"winner,omitempty"`

	// RunnerUp is the second-highest-ranked bid (nil if less than 2 valid bids)
	RunnerUp *Bid `json:"runner_up,omitempty"`

	ClearingPrice uint64 `json:"clearing_price"`

	// EligibleBids are the bids that passed floor enforcement, in rank order
	EligibleBids []*Bid `json:"eligible_bids"`

	// FloorRejected bids keep their submitted status
	FloorRejected []ExcludedBid `json:"floor_rejected"`

	// Excluded bids targeted another request or were already decided
	Excluded []ExcludedBid `json:"excluded"`
}

// RunAuction resolves a request with second-price rules and applies the outcome to the request,
// its auction record and the eligible bids:
//
//  1. Check preconditions (protocol active, request open and unexpired, record matches)
//  2. Enforce the request's floor price
//  3. Rank eligible bids
//  4. Clearing price is the runner-up amount, or the floor with a single bid, never below the floor
//  5. Mark the winner Win, every other eligible bid Loss, and the request Completed
//
// Nothing is modified when a precondition fails. now is Unix seconds.
func RunAuction(cfg *ProtocolConfig, req *Request, record *AuctionRecord, bids []*Bid, now int64) (*AuctionResult, error) {
	if err := checkAuctionPreconditions(cfg, req, record, now); err != nil {
		return nil, err
	}

	eligible, floorRejected, excluded := EnforceBidFloor(req, bids)
	ranked := RankBids(eligible)

	result := &AuctionResult{
		EligibleBids:  ranked,
		FloorRejected: floorRejected,
		Excluded:      excluded,
	}
	if len(ranked) > 0 {
		result.Winner = ranked[0]
		result.ClearingPrice = req.FloorPrice
	}
	if len(ranked) > 1 {
		result.RunnerUp = ranked[1]
		result.ClearingPrice = ranked[1].Amount
	}
	if result.Winner != nil && result.ClearingPrice < req.FloorPrice {
		result.ClearingPrice = req.FloorPrice
	}

	for _, bid := range ranked {
		if bid == result.Winner {
			bid.Status = BidWin
		} else {
			bid.Status = BidLoss
		}
	}

	req.Status = RequestCompleted
	record.ResolvedAt = now
	if result.Winner != nil {
		winner := result.Winner.Bidder
		winningBid := result.Winner.Ref()
		record.Winner = &winner
		record.WinningBid = &winningBid
		record.BidAmount = result.Winner.Amount
		record.ClearingPrice = result.ClearingPrice
	}

	return result, nil
}

func checkAuctionPreconditions(cfg *ProtocolConfig, req *Request, record *AuctionRecord, now int64) error {
	if cfg == nil || req == nil || record == nil {
		return fmt.Errorf("%w: config, request and auction record are required", ErrInvalidArgument)
	}
	if err := cfg.CheckActive(); err != nil {
		return err
	}
	if req.Status == RequestCompleted {
		return fmt.Errorf("%w: request %s is completed", ErrRequestClosed, req.RequestID)
	}
	if now >= req.Expiration {
		return fmt.Errorf("%w: request %s expired at %d", ErrRequestExpired, req.RequestID, req.Expiration)
	}
	if record.RequestID != req.RequestID || record.Publisher != req.Publisher {
		return fmt.Errorf("%w: record for %s/%s does not belong to request %s/%s",
			ErrInvalidAuctionID, record.Publisher, record.RequestID, req.Publisher, req.RequestID)
	}
	if record.IsSettled {
		return ErrAlreadySettled
	}
	if record.Resolved() {
		return fmt.Errorf("%w: record %s already resolved", ErrRequestClosed, AuctionIDString(record.ID))
	}
	return nil
}
