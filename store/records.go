package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/ledger"
)

// Records is a typed view over a transaction.
//
// Requests, auction records and bids are delegable: each carries a Residency, and the
// primary-side putters refuse to write while the record is held by the secondary context.
type Records struct {
	tx Tx
}

// NewRecords wraps a transaction.
func NewRecords(tx Tx) *Records {
	return &Records{tx: tx}
}

// Tx returns the underlying transaction.
func (r *Records) Tx() Tx {
	return r.tx
}

func (r *Records) get(ctx context.Context, key string, v any) error {
	data, err := r.tx.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := core.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (r *Records) put(ctx context.Context, key string, v any) error {
	data, err := core.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.tx.Put(ctx, key, data)
}

func (r *Records) exists(ctx context.Context, key string) (bool, error) {
	_, err := r.tx.Get(ctx, key)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Config returns the protocol configuration, or core.ErrNotInitialized.
func (r *Records) Config(ctx context.Context) (*core.ProtocolConfig, error) {
	var cfg core.ProtocolConfig
	if err := r.get(ctx, configKey, &cfg); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.ErrNotInitialized
		}
		return nil, err
	}
	return &cfg, nil
}

func (r *Records) PutConfig(ctx context.Context, cfg *core.ProtocolConfig) error {
	return r.put(ctx, configKey, cfg)
}

// Vault returns the escrow vault, or core.ErrNotInitialized.
func (r *Records) Vault(ctx context.Context) (*ledger.Vault, error) {
	var vault ledger.Vault
	if err := r.get(ctx, vaultKey, &vault); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.ErrNotInitialized
		}
		return nil, err
	}
	return &vault, nil
}

// PutVault writes the vault after re-checking its balance invariant.
func (r *Records) PutVault(ctx context.Context, vault *ledger.Vault) error {
	if err := vault.CheckInvariant(); err != nil {
		return err
	}
	return r.put(ctx, vaultKey, vault)
}

func (r *Records) Publisher(ctx context.Context, authority string) (*core.Publisher, error) {
	var p core.Publisher
	if err := r.get(ctx, publisherKey(authority), &p); err != nil {
		return nil, fmt.Errorf("publisher %s: %w", authority, err)
	}
	return &p, nil
}

func (r *Records) PublisherExists(ctx context.Context, authority string) (bool, error) {
	return r.exists(ctx, publisherKey(authority))
}

func (r *Records) PutPublisher(ctx context.Context, p *core.Publisher) error {
	return r.put(ctx, publisherKey(p.Authority), p)
}

func (r *Records) Bidder(ctx context.Context, authority string) (*core.Bidder, error) {
	var b core.Bidder
	if err := r.get(ctx, bidderKey(authority), &b); err != nil {
		return nil, fmt.Errorf("bidder %s: %w", authority, err)
	}
	return &b, nil
}

func (r *Records) BidderExists(ctx context.Context, authority string) (bool, error) {
	return r.exists(ctx, bidderKey(authority))
}

func (r *Records) PutBidder(ctx context.Context, b *core.Bidder) error {
	return r.put(ctx, bidderKey(b.Authority), b)
}

func (r *Records) TokenAccount(ctx context.Context, address string) (*core.TokenAccount, error) {
	var acct core.TokenAccount
	if err := r.get(ctx, tokenAccountKey(address), &acct); err != nil {
		return nil, fmt.Errorf("token account %s: %w", address, err)
	}
	return &acct, nil
}

func (r *Records) PutTokenAccount(ctx context.Context, acct *core.TokenAccount) error {
	return r.put(ctx, tokenAccountKey(acct.Address), acct)
}

// Request returns the request regardless of where it currently resides. While delegated,
// this is the last snapshot committed by the secondary context.
func (r *Records) Request(ctx context.Context, publisher string, requestID core.ID) (*core.Request, error) {
	var req core.Request
	if err := r.get(ctx, core.RequestRef(publisher, requestID).Key(), &req); err != nil {
		return nil, fmt.Errorf("request %s: %w", requestID, err)
	}
	return &req, nil
}

func (r *Records) AuctionRecord(ctx context.Context, publisher string, requestID core.ID) (*core.AuctionRecord, error) {
	var rec core.AuctionRecord
	if err := r.get(ctx, core.AuctionRecordRef(publisher, requestID).Key(), &rec); err != nil {
		return nil, fmt.Errorf("auction record %s: %w", requestID, err)
	}
	return &rec, nil
}

func (r *Records) Bid(ctx context.Context, bidder string, creativeID core.ID) (*core.Bid, error) {
	var bid core.Bid
	if err := r.get(ctx, core.BidRef(bidder, creativeID).Key(), &bid); err != nil {
		return nil, fmt.Errorf("bid %s/%s: %w", bidder, creativeID, err)
	}
	return &bid, nil
}

// CreateRequest writes a new request and its empty auction record.
func (r *Records) CreateRequest(ctx context.Context, req *core.Request, record *core.AuctionRecord) error {
	if err := r.create(ctx, req.Ref(), req.Publisher, req); err != nil {
		return err
	}
	return r.create(ctx, record.Ref(), record.Publisher, record)
}

// CreateBid writes a new bid and indexes it under its target request.
func (r *Records) CreateBid(ctx context.Context, bid *core.Bid) error {
	if err := r.create(ctx, bid.Ref(), bid.Bidder, bid); err != nil {
		return err
	}
	return r.tx.Put(ctx, bidIndexKey(bid), []byte(bid.Ref().Key()))
}

func (r *Records) create(ctx context.Context, ref core.RecordRef, controller string, v any) error {
	found, err := r.exists(ctx, ref.Key())
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", core.ErrAlreadyExists, ref)
	}

	data, digest, err := core.EncodeRecord(ref, 1, v)
	if err != nil {
		return err
	}
	if err := r.tx.Put(ctx, ref.Key(), data); err != nil {
		return err
	}
	return r.PutResidency(ctx, ref, core.NewResidency(controller, digest))
}

func (r *Records) PutRequest(ctx context.Context, req *core.Request) error {
	return r.update(ctx, req.Ref(), req)
}

func (r *Records) PutAuctionRecord(ctx context.Context, rec *core.AuctionRecord) error {
	return r.update(ctx, rec.Ref(), rec)
}

func (r *Records) PutBid(ctx context.Context, bid *core.Bid) error {
	return r.update(ctx, bid.Ref(), bid)
}

// update is a primary-side write: it fails with core.ErrRecordDelegated while the
// secondary context holds the record, and bumps the record version otherwise.
func (r *Records) update(ctx context.Context, ref core.RecordRef, v any) error {
	res, err := r.Residency(ctx, ref)
	if err != nil {
		return err
	}
	if res.Delegated() {
		return fmt.Errorf("%w: %s", core.ErrRecordDelegated, ref)
	}

	data, digest, err := core.EncodeRecord(ref, res.Version+1, v)
	if err != nil {
		return err
	}
	if err := res.Touch(digest); err != nil {
		return err
	}
	if err := r.tx.Put(ctx, ref.Key(), data); err != nil {
		return err
	}
	return r.PutResidency(ctx, ref, res)
}

func (r *Records) Residency(ctx context.Context, ref core.RecordRef) (*core.Residency, error) {
	var res core.Residency
	if err := r.get(ctx, residencyKey(ref), &res); err != nil {
		return nil, fmt.Errorf("residency %s: %w", ref, err)
	}
	return &res, nil
}

func (r *Records) PutResidency(ctx context.Context, ref core.RecordRef, res *core.Residency) error {
	return r.put(ctx, residencyKey(ref), res)
}

// Raw returns the stored bytes of a delegable record.
func (r *Records) Raw(ctx context.Context, ref core.RecordRef) ([]byte, error) {
	data, err := r.tx.Get(ctx, ref.Key())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}
	return data, nil
}

// WriteSnapshot stores bytes committed by the secondary context together with the
// residency the caller has already advanced. It bypasses the delegation guard and must
// only be used by the commit path after the snapshot has been verified.
func (r *Records) WriteSnapshot(ctx context.Context, ref core.RecordRef, data []byte, res *core.Residency) error {
	if err := r.tx.Put(ctx, ref.Key(), data); err != nil {
		return err
	}
	return r.PutResidency(ctx, ref, res)
}

// BidsForRequest returns every bid placed on the request, ordered by bidder and creative id.
func (r *Records) BidsForRequest(ctx context.Context, publisher string, requestID core.ID) ([]*core.Bid, error) {
	keys, err := r.tx.Keys(ctx, bidIndexPrefixFor(publisher, requestID))
	if err != nil {
		return nil, err
	}

	bids := make([]*core.Bid, 0, len(keys))
	for _, key := range keys {
		bidKey, err := r.tx.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var bid core.Bid
		if err := r.get(ctx, string(bidKey), &bid); err != nil {
			return nil, err
		}
		bids = append(bids, &bid)
	}
	return bids, nil
}
