// Package rail moves fungible tokens between accounts.
//
// The exchange never holds balances itself: bidder escrow and publisher payouts travel
// over a Rail inside the same store transaction as the ledger update they belong to, so
// a failed transfer aborts the whole operation.
package rail

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/store"
)

// Transfer moves Amount from one account to another. Authority must own From.
type Transfer struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Authority string `json:"authority"`
	Amount    uint64 `json:"amount"`
}

// Rail executes transfers within a store transaction.
type Rail interface {
	Transfer(ctx context.Context, tx store.Tx, t Transfer) error
}

// Ledger is a Rail backed by token account records in the exchange store.
type Ledger struct {
	mint string
}

// NewLedger returns a token ledger for a single mint.
func NewLedger(mint string) *Ledger {
	return &Ledger{mint: mint}
}

func (l *Ledger) Mint() string {
	return l.mint
}

// Open creates an empty token account. Opening an existing account owned by the same
// party is a no-op.
func (l *Ledger) Open(ctx context.Context, tx store.Tx, address, owner string) (*core.TokenAccount, error) {
	records := store.NewRecords(tx)
	acct, err := records.TokenAccount(ctx, address)
	switch {
	case err == nil:
		if acct.Owner != owner || acct.Mint != l.mint {
			return nil, fmt.Errorf("%w: token account %s", core.ErrAlreadyExists, address)
		}
		return acct, nil
	case !errors.Is(err, core.ErrNotFound):
		return nil, err
	}

	acct = &core.TokenAccount{Address: address, Owner: owner, Mint: l.mint}
	if err := records.PutTokenAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Issue credits new tokens to an account.
func (l *Ledger) Issue(ctx context.Context, tx store.Tx, address string, amount uint64) error {
	records := store.NewRecords(tx)
	acct, err := l.account(ctx, records, address)
	if err != nil {
		return err
	}
	if acct.Balance, err = core.CheckedAdd(acct.Balance, amount); err != nil {
		return fmt.Errorf("issue to %s: %w", address, err)
	}
	return records.PutTokenAccount(ctx, acct)
}

func (l *Ledger) Balance(ctx context.Context, tx store.Tx, address string) (uint64, error) {
	acct, err := l.account(ctx, store.NewRecords(tx), address)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

func (l *Ledger) Transfer(ctx context.Context, tx store.Tx, t Transfer) error {
	if t.Amount == 0 {
		return nil
	}
	if t.From == t.To {
		return fmt.Errorf("%w: transfer from %s to itself", core.ErrInvalidArgument, t.From)
	}

	records := store.NewRecords(tx)
	from, err := l.account(ctx, records, t.From)
	if err != nil {
		return err
	}
	to, err := l.account(ctx, records, t.To)
	if err != nil {
		return err
	}
	if from.Owner != t.Authority {
		return fmt.Errorf("%w: %s does not own token account %s", core.ErrUnauthorized, t.Authority, t.From)
	}

	fromBalance, err := core.CheckedSub(from.Balance, t.Amount)
	if err != nil {
		return fmt.Errorf("%w: account %s holds %d, transfer needs %d",
			core.ErrInsufficientFunds, t.From, from.Balance, t.Amount)
	}
	toBalance, err := core.CheckedAdd(to.Balance, t.Amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", t.To, err)
	}

	from.Balance = fromBalance
	to.Balance = toBalance
	if err := records.PutTokenAccount(ctx, from); err != nil {
		return err
	}
	return records.PutTokenAccount(ctx, to)
}

func (l *Ledger) account(ctx context.Context, records *store.Records, address string) (*core.TokenAccount, error) {
	acct, err := records.TokenAccount(ctx, address)
	if err != nil {
		return nil, err
	}
	if acct.Mint != l.mint {
		return nil, fmt.Errorf("%w: token account %s holds %s, expected %s",
			core.ErrInvalidArgument, address, acct.Mint, l.mint)
	}
	return acct, nil
}
