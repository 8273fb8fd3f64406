package core

import (
	"bytes"
	"sort"
	"strings"
)

// RankBids orders bids from best to worst without modifying the input slice.
//
// Ties on amount are broken by earliest submission, then by bidder authority, then by creative
// id, so the ranking never depends on the order in which bids were supplied.
func RankBids(bids []*Bid) []*Bid {
	ranked := make([]*Bid, 0, len(bids))
	for _, bid := range bids {
		if bid != nil {
			ranked = append(ranked, bid)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return Outranks(ranked[i], ranked[j])
	})

	return ranked
}

// Outranks reports whether a is ranked strictly ahead of b.
func Outranks(a, b *Bid) bool {
	if a.Amount != b.Amount {
		return a.Amount > b.Amount
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	if c := strings.Compare(a.Bidder, b.Bidder); c != 0 {
		return c < 0
	}
	return bytes.Compare(a.CreativeID[:], b.CreativeID[:]) < 0
}
