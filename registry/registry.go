// Package registry registers the parties allowed to trade on the exchange.
package registry

import (
	"context"
	"fmt"

	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/store"
)

// PublisherParams describes a publisher registration. An empty PaymentAddress means
// payouts go to the publisher's own authority.
type PublisherParams struct {
	Authority      string `json:"authority"`
	Name           string `json:"name"`
	Domain         string `json:"domain"`
	PaymentAddress string `json:"payment_address,omitempty"`
}

type BidderParams struct {
	Authority string `json:"authority"`
	Name      string `json:"name"`
	Domain    string `json:"domain"`
}

// RegisterPublisher creates the publisher's record. The protocol must be initialized and
// active, and the authority must not be registered yet.
func RegisterPublisher(ctx context.Context, records *store.Records, params PublisherParams, now int64) (*core.Publisher, error) {
	if err := validateProfile(params.Authority, params.Name, params.Domain); err != nil {
		return nil, err
	}
	payment := params.PaymentAddress
	if payment == "" {
		payment = params.Authority
	}
	if err := core.ValidateAuthority(payment); err != nil {
		return nil, fmt.Errorf("payment address: %w", err)
	}

	if err := checkActive(ctx, records); err != nil {
		return nil, err
	}
	exists, err := records.PublisherExists(ctx, params.Authority)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: publisher %s", core.ErrAlreadyExists, params.Authority)
	}

	publisher := &core.Publisher{
		Authority:      params.Authority,
		PaymentAddress: payment,
		Name:           params.Name,
		Domain:         params.Domain,
		CreatedAt:      now,
	}
	if err := records.PutPublisher(ctx, publisher); err != nil {
		return nil, err
	}
	return publisher, nil
}

// RegisterBidder creates the bidder's record with no escrow and no spend.
func RegisterBidder(ctx context.Context, records *store.Records, params BidderParams, now int64) (*core.Bidder, error) {
	if err := validateProfile(params.Authority, params.Name, params.Domain); err != nil {
		return nil, err
	}
	if err := checkActive(ctx, records); err != nil {
		return nil, err
	}
	exists, err := records.BidderExists(ctx, params.Authority)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: bidder %s", core.ErrAlreadyExists, params.Authority)
	}

	bidder := &core.Bidder{
		Authority: params.Authority,
		Name:      params.Name,
		Domain:    params.Domain,
		CreatedAt: now,
	}
	if err := records.PutBidder(ctx, bidder); err != nil {
		return nil, err
	}
	return bidder, nil
}

func validateProfile(authority, name, domain string) error {
	if len(name) > core.MaxNameLength {
		return fmt.Errorf("%w: name is %d bytes, limit %d", core.ErrStringTooLong, len(name), core.MaxNameLength)
	}
	if len(domain) > core.MaxDomainLength {
		return fmt.Errorf("%w: domain is %d bytes, limit %d", core.ErrStringTooLong, len(domain), core.MaxDomainLength)
	}
	return core.ValidateAuthority(authority)
}

func checkActive(ctx context.Context, records *store.Records) error {
	cfg, err := records.Config(ctx)
	if err != nil {
		return err
	}
	return cfg.CheckActive()
}
