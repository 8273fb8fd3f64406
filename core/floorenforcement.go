package core

// BidMeetsFloor returns true if the bid amount meets or exceeds the floor price.
func BidMeetsFloor(amount, floorPrice uint64) bool {
	return amount >= floorPrice
}

// EnforceBidFloor filters the bids offered for a request.
// Returns the eligible bids, the bids rejected for being below the floor, and the bids excluded
// for any other reason (wrong request, already decided).
func EnforceBidFloor(req *Request, bids []*Bid) (eligible []*Bid, floorRejected []ExcludedBid, excluded []ExcludedBid) {
	eligible = make([]*Bid, 0, len(bids))
	floorRejected = make([]ExcludedBid, 0)
	excluded = make([]ExcludedBid, 0)

	for _, bid := range bids {
		if bid == nil {
			continue
		}

		switch {
		case !bid.Targets(req):
			excluded = append(excluded, ExcludedBid{Bid: bid.Ref(), Reason: ReasonRequestMismatch})
		case bid.Status.Final():
			excluded = append(excluded, ExcludedBid{Bid: bid.Ref(), Reason: ReasonBidClosed})
		case !BidMeetsFloor(bid.Amount, req.FloorPrice):
			floorRejected = append(floorRejected, ExcludedBid{Bid: bid.Ref(), Reason: ReasonBelowFloor})
		default:
			eligible = append(eligible, bid)
		}
	}

	return eligible, floorRejected, excluded
}
