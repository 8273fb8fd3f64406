// Package exchange is the primary context of the ad exchange.
//
// An Exchange owns the durable store and drives every protocol operation against it:
// protocol configuration, party registration, asks and escrowed bids, the delegation
// lifecycle of an auction, result booking and settlement. Each operation runs in a single
// store transaction and reads the protocol configuration inside it.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/delegation"
	"github.com/cloudx-io/adexchange/ledger"
	"github.com/cloudx-io/adexchange/metrics"
	"github.com/cloudx-io/adexchange/rail"
	"github.com/cloudx-io/adexchange/store"
)

// Accounts owned by the protocol.
const (
	VaultAuthority    = "exchange_vault"
	VaultTokenAccount = "exchange_vault_tokens"
)

// RequestTTL is how long an ask accepts bids and can be auctioned.
const RequestTTL = 12 * time.Hour

// displayDecimals scales base units in log output.
const displayDecimals = 6

type Exchange struct {
	store       store.Store
	coordinator *delegation.Coordinator
	events      EventSink
	metrics     *metrics.Metrics
	log         *zap.Logger
	now         func() time.Time
}

type Option func(*Exchange)

func WithEvents(sink EventSink) Option {
	return func(e *Exchange) { e.events = sink }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Exchange) { e.metrics = m }
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Exchange) { e.log = log }
}

// WithClock overrides the wall clock. The coordinator keeps its own clock.
func WithClock(now func() time.Time) Option {
	return func(e *Exchange) { e.now = now }
}

// New returns an exchange over s. Delegation runs through coordinator, which must use
// the same store.
func New(s store.Store, coordinator *delegation.Coordinator, opts ...Option) *Exchange {
	e := &Exchange{
		store:       s,
		coordinator: coordinator,
		log:         zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.events == nil {
		e.events = NewLogSink(e.log)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	return e
}

// Initialize creates the protocol configuration, the vault and the vault's token account.
func (e *Exchange) Initialize(ctx context.Context, authority string, fees core.FeeSchedule, tokenMint string) (*core.ProtocolConfig, error) {
	if err := core.ValidateAuthority(authority); err != nil {
		return nil, err
	}
	if err := fees.Validate(); err != nil {
		return nil, err
	}
	if tokenMint == "" {
		return nil, fmt.Errorf("%w: token mint is required", core.ErrInvalidArgument)
	}

	cfg := &core.ProtocolConfig{Authority: authority, Fees: fees, TokenMint: tokenMint}
	err := e.store.Update(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		_, err := r.Config(ctx)
		switch {
		case err == nil:
			return core.ErrAlreadyInitialized
		case !errors.Is(err, core.ErrNotInitialized):
			return err
		}

		if err := r.PutConfig(ctx, cfg); err != nil {
			return err
		}
		if _, err := rail.NewLedger(tokenMint).Open(ctx, tx, VaultTokenAccount, VaultAuthority); err != nil {
			return err
		}
		return r.PutVault(ctx, ledger.New(VaultAuthority, VaultTokenAccount, tokenMint))
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("protocol initialized",
		zap.String("authority", authority),
		zap.Uint8("platform_fee_pct", fees.PlatformFeePercentage),
		zap.Uint8("publisher_rev_share_pct", fees.PublisherRevShare),
		zap.String("token_mint", tokenMint))
	return cfg, nil
}

// SetPaused sets the protocol halt flag. Only the config authority may call it.
func (e *Exchange) SetPaused(ctx context.Context, authority string, paused bool) error {
	err := e.store.Update(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		cfg, err := r.Config(ctx)
		if err != nil {
			return err
		}
		if cfg.Authority != authority {
			return fmt.Errorf("%w: %s is not the protocol authority", core.ErrUnauthorized, authority)
		}
		cfg.IsPaused = paused
		return r.PutConfig(ctx, cfg)
	})
	if err != nil {
		return err
	}
	e.log.Info("protocol pause flag set", zap.Bool("paused", paused))
	return nil
}

// MintTokens issues tokens to an existing token account. Only the config authority may
// mint.
func (e *Exchange) MintTokens(ctx context.Context, authority, address string, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: mint amount must be positive", core.ErrInvalidAmount)
	}
	return e.store.Update(ctx, func(tx store.Tx) error {
		cfg, err := store.NewRecords(tx).Config(ctx)
		if err != nil {
			return err
		}
		if cfg.Authority != authority {
			return fmt.Errorf("%w: %s may not mint", core.ErrUnauthorized, authority)
		}
		return rail.NewLedger(cfg.TokenMint).Issue(ctx, tx, address, amount)
	})
}

// Balance returns the token balance of an account.
func (e *Exchange) Balance(ctx context.Context, address string) (uint64, error) {
	var balance uint64
	err := e.store.View(ctx, func(tx store.Tx) error {
		cfg, err := store.NewRecords(tx).Config(ctx)
		if err != nil {
			return err
		}
		balance, err = rail.NewLedger(cfg.TokenMint).Balance(ctx, tx, address)
		return err
	})
	return balance, err
}

func (e *Exchange) Config(ctx context.Context) (*core.ProtocolConfig, error) {
	var cfg *core.ProtocolConfig
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		cfg, err = store.NewRecords(tx).Config(ctx)
		return err
	})
	return cfg, err
}

func (e *Exchange) Vault(ctx context.Context) (*ledger.Vault, error) {
	var vault *ledger.Vault
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		vault, err = store.NewRecords(tx).Vault(ctx)
		return err
	})
	return vault, err
}

func (e *Exchange) publishVault(vault *ledger.Vault) {
	e.metrics.SetVault(vault.TotalBalance, vault.PendingSettlements, vault.FeeBalance)
	e.log.Debug("vault balances", zap.Any("vault", vault.Summary(displayDecimals)))
}

// authorizeParty accepts the party itself or the protocol authority acting for it.
func authorizeParty(cfg *core.ProtocolConfig, authority, party string) error {
	if authority == party || authority == cfg.Authority {
		return nil
	}
	return fmt.Errorf("%w: %s may not act for %s", core.ErrUnauthorized, authority, party)
}
