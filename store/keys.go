package store

import (
	"github.com/cloudx-io/adexchange/core"
)

const (
	configKey          = "config"
	vaultKey           = "vault"
	publisherPrefix    = "publisher/"
	bidderPrefix       = "bidder/"
	residencyPrefix    = "residency/"
	bidIndexPrefix     = "bidindex/"
	tokenAccountPrefix = "account/"
)

func publisherKey(authority string) string {
	return publisherPrefix + authority
}

func bidderKey(authority string) string {
	return bidderPrefix + authority
}

func residencyKey(ref core.RecordRef) string {
	return residencyPrefix + ref.Key()
}

// bidIndexPrefixFor lists the bids placed on one request.
func bidIndexPrefixFor(publisher string, requestID core.ID) string {
	return bidIndexPrefix + publisher + "/" + requestID.String() + "/"
}

func bidIndexKey(bid *core.Bid) string {
	return bidIndexPrefixFor(bid.RequestPublisher, bid.RequestID) + bid.Bidder + "/" + bid.CreativeID.String()
}

func tokenAccountKey(address string) string {
	return tokenAccountPrefix + address
}
