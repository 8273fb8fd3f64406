package exchange

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/rail"
	"github.com/cloudx-io/adexchange/registry"
	"github.com/cloudx-io/adexchange/store"
)

// RegisterPublisher registers a publisher and makes sure its payment address can
// receive payouts.
func (e *Exchange) RegisterPublisher(ctx context.Context, params registry.PublisherParams) (*core.Publisher, error) {
	var publisher *core.Publisher
	err := e.store.Update(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		var err error
		if publisher, err = registry.RegisterPublisher(ctx, r, params, e.now().Unix()); err != nil {
			return err
		}
		cfg, err := r.Config(ctx)
		if err != nil {
			return err
		}
		return ensureTokenAccount(ctx, tx, rail.NewLedger(cfg.TokenMint), publisher.PaymentAddress, publisher.Authority)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("publisher registered", zap.String("publisher", publisher.Authority), zap.String("domain", publisher.Domain))
	return publisher, nil
}

// RegisterBidder registers a bidder and opens its token account.
func (e *Exchange) RegisterBidder(ctx context.Context, params registry.BidderParams) (*core.Bidder, error) {
	var bidder *core.Bidder
	err := e.store.Update(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		var err error
		if bidder, err = registry.RegisterBidder(ctx, r, params, e.now().Unix()); err != nil {
			return err
		}
		cfg, err := r.Config(ctx)
		if err != nil {
			return err
		}
		return ensureTokenAccount(ctx, tx, rail.NewLedger(cfg.TokenMint), bidder.Authority, bidder.Authority)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("bidder registered", zap.String("bidder", bidder.Authority), zap.String("domain", bidder.Domain))
	return bidder, nil
}

// ensureTokenAccount opens address for owner unless an account of the right mint already
// exists there. Payouts may go to an account held by someone else.
func ensureTokenAccount(ctx context.Context, tx store.Tx, tokens *rail.Ledger, address, owner string) error {
	acct, err := store.NewRecords(tx).TokenAccount(ctx, address)
	switch {
	case errors.Is(err, core.ErrNotFound):
		_, err = tokens.Open(ctx, tx, address, owner)
		return err
	case err != nil:
		return err
	case acct.Mint != tokens.Mint():
		return fmt.Errorf("%w: token account %s holds %s", core.ErrInvalidArgument, address, acct.Mint)
	}
	return nil
}

// PlaceAsk opens a request for bids with the given floor price. The request expires
// RequestTTL after placement.
func (e *Exchange) PlaceAsk(ctx context.Context, publisher string, requestID core.ID, floorPrice uint64) (*core.Request, error) {
	if requestID.IsZero() {
		return nil, fmt.Errorf("%w: request id is zero", core.ErrInvalidID)
	}

	now := e.now()
	req := &core.Request{
		Publisher:  publisher,
		RequestID:  requestID,
		FloorPrice: floorPrice,
		Expiration: now.Add(RequestTTL).Unix(),
		Status:     core.RequestOpen,
		CreatedAt:  now.Unix(),
	}
	err := e.store.Update(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		cfg, err := r.Config(ctx)
		if err != nil {
			return err
		}
		if err := cfg.CheckActive(); err != nil {
			return err
		}
		if _, err := r.Publisher(ctx, publisher); err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return fmt.Errorf("%w: %s is not registered", core.ErrInvalidPublisher, publisher)
			}
			return err
		}
		return r.CreateRequest(ctx, req, core.NewAuctionRecord(publisher, requestID))
	})
	if err != nil {
		return nil, err
	}

	e.metrics.AsksPlaced.Inc()
	e.log.Info("ask placed",
		zap.String("publisher", publisher),
		zap.Stringer("request_id", requestID),
		zap.Uint64("floor_price", floorPrice),
		zap.Int64("expiration", req.Expiration))
	return req, nil
}

// BidParams describes a bid. FromAccount is the token account the escrow is drawn from;
// it defaults to the bidder's own account.
type BidParams struct {
	Bidder      string  `json:"bidder"`
	Publisher   string  `json:"publisher"`
	RequestID   core.ID `json:"request_id"`
	Amount      uint64  `json:"amount"`
	CreativeID  core.ID `json:"creative_id"`
	FromAccount string  `json:"from_account,omitempty"`
}

// PlaceBid escrows the bid amount into the vault and records the bid against the
// request. Bids below the floor are accepted and rejected only when the auction runs.
func (e *Exchange) PlaceBid(ctx context.Context, params BidParams) (*core.Bid, error) {
	if params.Amount == 0 {
		return nil, fmt.Errorf("%w: bid amount must be positive", core.ErrInvalidAmount)
	}
	if params.CreativeID.IsZero() {
		return nil, fmt.Errorf("%w: creative id is zero", core.ErrInvalidID)
	}
	from := params.FromAccount
	if from == "" {
		from = params.Bidder
	}

	now := e.now().Unix()
	bid := &core.Bid{
		Bidder:           params.Bidder,
		RequestPublisher: params.Publisher,
		RequestID:        params.RequestID,
		Amount:           params.Amount,
		CreativeID:       params.CreativeID,
		CreatedAt:        now,
		Status:           core.BidSubmitted,
	}

	var vaultTotal uint64
	err := e.store.Update(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		cfg, err := r.Config(ctx)
		if err != nil {
			return err
		}
		if err := cfg.CheckActive(); err != nil {
			return err
		}
		bidder, err := r.Bidder(ctx, params.Bidder)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return fmt.Errorf("%w: %s is not registered", core.ErrInvalidBidder, params.Bidder)
			}
			return err
		}
		req, err := r.Request(ctx, params.Publisher, params.RequestID)
		if err != nil {
			return err
		}
		if req.Status == core.RequestCompleted {
			return fmt.Errorf("%w: request %s", core.ErrRequestClosed, req.RequestID)
		}
		if now >= req.Expiration {
			return fmt.Errorf("%w: request %s", core.ErrRequestExpired, req.RequestID)
		}

		vault, err := r.Vault(ctx)
		if err != nil {
			return err
		}
		if err := vault.Deposit(bid.Amount); err != nil {
			return err
		}
		if bidder.Escrowed, err = core.CheckedAdd(bidder.Escrowed, bid.Amount); err != nil {
			return fmt.Errorf("bidder escrow: %w", err)
		}

		err = rail.NewLedger(cfg.TokenMint).Transfer(ctx, tx, rail.Transfer{
			From:      from,
			To:        vault.TokenAccount,
			Authority: bidder.Authority,
			Amount:    bid.Amount,
		})
		if err != nil {
			return fmt.Errorf("escrow: %w", err)
		}
		if err := r.CreateBid(ctx, bid); err != nil {
			return err
		}
		if err := r.PutBidder(ctx, bidder); err != nil {
			return err
		}
		vaultTotal = vault.TotalBalance
		return r.PutVault(ctx, vault)
	})
	if err != nil {
		return nil, err
	}

	e.metrics.BidsPlaced.Inc()
	e.metrics.EscrowedAmount.Add(float64(bid.Amount))
	e.metrics.VaultBalance.WithLabelValues("total").Set(float64(vaultTotal))
	e.log.Info("bid placed",
		zap.String("bidder", bid.Bidder),
		zap.String("publisher", bid.RequestPublisher),
		zap.Stringer("request_id", bid.RequestID),
		zap.Uint64("amount", bid.Amount))
	return bid, nil
}
