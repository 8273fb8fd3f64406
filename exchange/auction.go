package exchange

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/enclaveapi"
	"github.com/cloudx-io/adexchange/ledger"
	"github.com/cloudx-io/adexchange/rail"
	"github.com/cloudx-io/adexchange/settlement"
	"github.com/cloudx-io/adexchange/store"
)

// DelegateAsk hands a request and its auction record to the secondary context.
func (e *Exchange) DelegateAsk(ctx context.Context, publisher string, requestID core.ID) ([]enclaveapi.Handle, error) {
	start := time.Now()
	handles, err := e.coordinator.Delegate(ctx, publisher,
		core.RequestRef(publisher, requestID),
		core.AuctionRecordRef(publisher, requestID))
	e.metrics.ObserveDelegation("delegate", start, err)
	if err != nil {
		return nil, err
	}

	e.events.Publish(ctx, RequestDelegated{
		RequestID: requestID,
		Publisher: publisher,
		Timestamp: e.now().Unix(),
	})
	return handles, nil
}

// DelegateBid hands a bid to the secondary context so it can take part in the auction.
func (e *Exchange) DelegateBid(ctx context.Context, bidder string, creativeID core.ID) (enclaveapi.Handle, error) {
	start := time.Now()
	handles, err := e.coordinator.Delegate(ctx, bidder, core.BidRef(bidder, creativeID))
	e.metrics.ObserveDelegation("delegate", start, err)
	if err != nil {
		return enclaveapi.Handle{}, err
	}
	return handles[0], nil
}

// Outcome is the result of an auction run in the secondary context.
type Outcome struct {
	RequestID     core.ID            `json:"request_id"`
	Publisher     string             `json:"publisher"`
	Winner        *core.RecordRef    `json:"winner,omitempty"`
	RunnerUp      *core.RecordRef    `json:"runner_up,omitempty"`
	ClearingPrice uint64             `json:"clearing_price"`
	FloorRejected []core.ExcludedBid `json:"floor_rejected,omitempty"`
	Excluded      []core.ExcludedBid `json:"excluded,omitempty"`
}

// ProcessAuction resolves a delegated request against every bid placed on it and
// checkpoints the mutated records back into the store. Bids that were not delegated are
// left out and reported. authority must be the publisher or the protocol authority.
func (e *Exchange) ProcessAuction(ctx context.Context, authority, publisher string, requestID core.ID) (*Outcome, error) {
	var bids []core.RecordRef
	err := e.store.View(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		cfg, err := r.Config(ctx)
		if err != nil {
			return err
		}
		if err := authorizeParty(cfg, authority, publisher); err != nil {
			return err
		}
		placed, err := r.BidsForRequest(ctx, publisher, requestID)
		if err != nil {
			return err
		}
		for _, bid := range placed {
			bids = append(bids, bid.Ref())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := e.coordinator.ProcessAuction(ctx, publisher, requestID, bids)
	e.metrics.ObserveDelegation("process_auction", start, err)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{
		RequestID:     requestID,
		Publisher:     publisher,
		Winner:        resp.Winner,
		RunnerUp:      resp.RunnerUp,
		ClearingPrice: resp.ClearingPrice,
		FloorRejected: resp.FloorRejected,
		Excluded:      resp.Excluded,
	}
	label := "no_winner"
	if resp.Winner != nil {
		label = "winner"
	}
	e.metrics.AuctionsProcessed.WithLabelValues(label).Inc()

	refs := make([]core.RecordRef, len(resp.Updated))
	for i, h := range resp.Updated {
		refs[i] = h.Ref
	}
	start = time.Now()
	err = e.coordinator.Commit(ctx, refs...)
	e.metrics.ObserveDelegation("commit", start, err)
	if err != nil {
		return outcome, fmt.Errorf("checkpoint auction %s: %w", requestID, err)
	}

	e.log.Info("auction processed",
		zap.String("publisher", publisher),
		zap.Stringer("request_id", requestID),
		zap.Bool("has_winner", resp.Winner != nil),
		zap.Uint64("clearing_price", resp.ClearingPrice),
		zap.Int("floor_rejected", len(resp.FloorRejected)),
		zap.Int("excluded", len(resp.Excluded)))
	return outcome, nil
}

// UndelegateAuction returns a request, its auction record and every delegated bid on
// it to the primary context with their final state. Only the publisher or the protocol
// authority may end the delegation. It stays allowed while the protocol is paused.
func (e *Exchange) UndelegateAuction(ctx context.Context, authority, publisher string, requestID core.ID) error {
	refs := []core.RecordRef{
		core.RequestRef(publisher, requestID),
		core.AuctionRecordRef(publisher, requestID),
	}
	err := e.store.View(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		cfg, err := r.Config(ctx)
		if err != nil {
			return err
		}
		if err := authorizeParty(cfg, authority, publisher); err != nil {
			return err
		}
		bids, err := r.BidsForRequest(ctx, publisher, requestID)
		if err != nil {
			return err
		}
		for _, bid := range bids {
			res, err := r.Residency(ctx, bid.Ref())
			if err != nil {
				return err
			}
			if res.Delegated() {
				refs = append(refs, bid.Ref())
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	start := time.Now()
	err = e.coordinator.Undelegate(ctx, refs...)
	e.metrics.ObserveDelegation("undelegate", start, err)
	return err
}

// ProcessResults books a resolved auction: the fee split is reserved in the vault and
// credited to the publisher's revenue. The auction record must be back in the primary
// context.
func (e *Exchange) ProcessResults(ctx context.Context, authority, publisher string, requestID core.ID) (core.FeeSplit, error) {
	var (
		split  core.FeeSplit
		record *core.AuctionRecord
		vault  *ledger.Vault
	)
	err := e.store.Update(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		cfg, err := r.Config(ctx)
		if err != nil {
			return err
		}
		if err := cfg.CheckActive(); err != nil {
			return err
		}
		if err := authorizeParty(cfg, authority, publisher); err != nil {
			return err
		}
		if err := requirePrimary(ctx, r, core.AuctionRecordRef(publisher, requestID)); err != nil {
			return err
		}

		if record, err = r.AuctionRecord(ctx, publisher, requestID); err != nil {
			return err
		}
		pub, err := r.Publisher(ctx, publisher)
		if err != nil {
			return err
		}
		if vault, err = r.Vault(ctx); err != nil {
			return err
		}
		if split, err = settlement.ProcessResults(record, pub, vault, cfg.Fees, requestID); err != nil {
			return err
		}

		if err := r.PutAuctionRecord(ctx, record); err != nil {
			return err
		}
		if err := r.PutPublisher(ctx, pub); err != nil {
			return err
		}
		return r.PutVault(ctx, vault)
	})
	if err != nil {
		return core.FeeSplit{}, err
	}

	e.publishVault(vault)
	ev := AuctionCompleted{
		RequestID:     requestID,
		Publisher:     publisher,
		ClearingPrice: record.ClearingPrice,
		Timestamp:     e.now().Unix(),
	}
	if record.Winner != nil {
		ev.Winner = *record.Winner
	}
	e.events.Publish(ctx, ev)
	return split, nil
}

// Settle pays the publisher of a booked auction and releases the reservation.
func (e *Exchange) Settle(ctx context.Context, authority, publisher string, requestID core.ID) error {
	var (
		record *core.AuctionRecord
		vault  *ledger.Vault
	)
	err := e.store.Update(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		cfg, err := r.Config(ctx)
		if err != nil {
			return err
		}
		if err := cfg.CheckActive(); err != nil {
			return err
		}
		if err := authorizeParty(cfg, authority, publisher); err != nil {
			return err
		}
		if err := requirePrimary(ctx, r, core.AuctionRecordRef(publisher, requestID)); err != nil {
			return err
		}

		if record, err = r.AuctionRecord(ctx, publisher, requestID); err != nil {
			return err
		}
		pub, err := r.Publisher(ctx, publisher)
		if err != nil {
			return err
		}
		var winner *core.Bidder
		if record.Winner != nil {
			if winner, err = r.Bidder(ctx, *record.Winner); err != nil {
				return err
			}
		}
		if vault, err = r.Vault(ctx); err != nil {
			return err
		}

		if err := settlement.Settle(ctx, rail.NewLedger(cfg.TokenMint), tx, record, pub, winner, vault); err != nil {
			return err
		}
		if err := r.PutAuctionRecord(ctx, record); err != nil {
			return err
		}
		if winner != nil {
			if err := r.PutBidder(ctx, winner); err != nil {
				return err
			}
		}
		return r.PutVault(ctx, vault)
	})
	if err != nil {
		return err
	}

	e.metrics.AuctionsSettled.Inc()
	e.publishVault(vault)
	e.log.Info("auction settled",
		zap.String("publisher", publisher),
		zap.Stringer("request_id", requestID),
		zap.Uint64("publisher_payment", record.PublisherPayment),
		zap.Uint64("platform_fee", record.PlatformFee))
	return nil
}

func requirePrimary(ctx context.Context, r *store.Records, ref core.RecordRef) error {
	res, err := r.Residency(ctx, ref)
	if err != nil {
		return err
	}
	if res.Delegated() {
		return fmt.Errorf("%w: %s", core.ErrRecordDelegated, ref)
	}
	return nil
}

// AskView is a request together with its auction record, its bids and where each
// resides.
type AskView struct {
	Request   *core.Request            `json:"request"`
	Record    *core.AuctionRecord      `json:"auction_record"`
	Bids      []*core.Bid              `json:"bids"`
	Residency map[string]core.Location `json:"residency"`
}

// Ask returns the last committed state of a request.
func (e *Exchange) Ask(ctx context.Context, publisher string, requestID core.ID) (*AskView, error) {
	view := &AskView{Residency: make(map[string]core.Location)}
	err := e.store.View(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		var err error
		if view.Request, err = r.Request(ctx, publisher, requestID); err != nil {
			return err
		}
		if view.Record, err = r.AuctionRecord(ctx, publisher, requestID); err != nil {
			return err
		}
		if view.Bids, err = r.BidsForRequest(ctx, publisher, requestID); err != nil {
			return err
		}

		refs := []core.RecordRef{view.Request.Ref(), view.Record.Ref()}
		for _, bid := range view.Bids {
			refs = append(refs, bid.Ref())
		}
		for _, ref := range refs {
			res, err := r.Residency(ctx, ref)
			if err != nil {
				return err
			}
			view.Residency[ref.Key()] = res.Location
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (e *Exchange) Publisher(ctx context.Context, authority string) (*core.Publisher, error) {
	var p *core.Publisher
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		p, err = store.NewRecords(tx).Publisher(ctx, authority)
		return err
	})
	return p, err
}

func (e *Exchange) Bidder(ctx context.Context, authority string) (*core.Bidder, error) {
	var b *core.Bidder
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		b, err = store.NewRecords(tx).Bidder(ctx, authority)
		return err
	})
	return b, err
}

func (e *Exchange) Bid(ctx context.Context, bidder string, creativeID core.ID) (*core.Bid, error) {
	var bid *core.Bid
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		bid, err = store.NewRecords(tx).Bid(ctx, bidder, creativeID)
		return err
	})
	return bid, err
}
