// Package delegation moves write authority over records between the primary store and
// the secondary execution context.
//
// Each delegable record carries a core.Residency. Delegate hands a record to the
// secondary and flips its residency to Secondary only once the secondary has accepted
// it. Commit pulls snapshots back while the records stay delegated. Undelegate pulls the
// final snapshots and returns authority to the primary. Snapshots are verified before
// anything is written, and every batch is written in a single store transaction.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/enclaveapi"
	"github.com/cloudx-io/adexchange/store"
)

const releaseTimeout = 5 * time.Second

// AttestationVerifier checks that an attestation binds the given batch hash and nonce.
type AttestationVerifier interface {
	VerifyCommit(attestation enclaveapi.AttestationCOSE, batchHash, nonce string) error
}

type Coordinator struct {
	store     store.Store
	secondary Secondary

	verifier           AttestationVerifier
	requireAttestation bool

	log        *zap.Logger
	now        func() time.Time
	newSession func() string
	newNonce   func() string
}

type Option func(*Coordinator)

// WithVerifier checks commit attestations with v. When require is set, unattested
// commits are rejected.
func WithVerifier(v AttestationVerifier, require bool) Option {
	return func(c *Coordinator) {
		c.verifier = v
		c.requireAttestation = require
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(s store.Store, secondary Secondary, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      s,
		secondary:  secondary,
		log:        zap.NewNop(),
		now:        time.Now,
		newSession: uuid.NewString,
		newNonce:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Delegate hands the records to the secondary context. authority must control every
// record. On failure the records stay in the primary context and the call can be
// retried: each record keeps the session it was first offered under until delegation is
// recorded, so a retry reaches any copy an earlier attempt left in the secondary.
func (c *Coordinator) Delegate(ctx context.Context, authority string, refs ...core.RecordRef) ([]enclaveapi.Handle, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: nothing to delegate", core.ErrInvalidArgument)
	}
	session := c.newSession()

	var records []enclaveapi.DelegatedRecord
	err := c.store.Update(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		cfg, err := r.Config(ctx)
		if err != nil {
			return err
		}
		if err := cfg.CheckActive(); err != nil {
			return err
		}

		for _, ref := range refs {
			res, err := checkDelegable(ctx, r, ref, authority)
			if err != nil {
				return err
			}
			data, err := r.Raw(ctx, ref)
			if err != nil {
				return err
			}
			records = append(records, enclaveapi.DelegatedRecord{
				Ref:     ref,
				Session: res.Offer(session),
				Data:    data,
				Version: res.Version,
				Digest:  res.Digest,
			})
			if err := r.PutResidency(ctx, ref, res); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	handles := make([]enclaveapi.Handle, len(records))
	for i, rec := range records {
		handles[i] = rec.Handle()
	}

	if _, err := c.secondary.Delegate(ctx, &enclaveapi.DelegateRequest{Records: records, Now: c.now().Unix()}); err != nil {
		c.release(ctx, handles)
		return nil, fmt.Errorf("delegate: %w", err)
	}

	err = c.store.Update(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		at := c.now().Unix()
		for _, rec := range records {
			res, err := r.Residency(ctx, rec.Ref)
			if err != nil {
				return err
			}
			if res.Delegated() && res.Session == rec.Session {
				// a concurrent attempt under the same session got here first
				continue
			}
			if res, err = checkDelegable(ctx, r, rec.Ref, authority); err != nil {
				return err
			}
			if res.PendingSession != rec.Session {
				return fmt.Errorf("%w: %s was re-offered under another session", core.ErrSessionMismatch, rec.Ref)
			}
			if res.Version != rec.Version || res.Digest != rec.Digest {
				return fmt.Errorf("%w: %s changed while delegating", core.ErrStaleSnapshot, rec.Ref)
			}
			if err := res.Delegate(rec.Session, at); err != nil {
				return err
			}
			if err := r.PutResidency(ctx, rec.Ref, res); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.release(ctx, handles)
		return nil, err
	}

	c.log.Info("records delegated",
		zap.String("authority", authority),
		zap.String("session", handles[0].Session),
		zap.Int("records", len(records)))
	return handles, nil
}

func checkDelegable(ctx context.Context, r *store.Records, ref core.RecordRef, authority string) (*core.Residency, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	res, err := r.Residency(ctx, ref)
	if err != nil {
		return nil, err
	}
	if res.Controller != authority || ref.Owner != authority {
		return nil, fmt.Errorf("%w: %s is controlled by %s", core.ErrUnauthorized, ref, res.Controller)
	}
	if res.Delegated() {
		return nil, fmt.Errorf("%w: %s", core.ErrAlreadyDelegated, ref)
	}
	return res, nil
}

// ProcessAuction runs the auction of a delegated request in the secondary context.
// Bids that are not delegated are passed along and reported back as excluded.
func (c *Coordinator) ProcessAuction(ctx context.Context, publisher string, requestID core.ID, bids []core.RecordRef) (*enclaveapi.ProcessAuctionResponse, error) {
	req := &enclaveapi.ProcessAuctionRequest{Now: c.now().Unix()}

	err := c.store.View(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		cfg, err := r.Config(ctx)
		if err != nil {
			return err
		}
		if err := cfg.CheckActive(); err != nil {
			return err
		}
		req.Config = *cfg

		if req.Request, err = delegatedHandle(ctx, r, core.RequestRef(publisher, requestID)); err != nil {
			return err
		}
		if req.Record, err = delegatedHandle(ctx, r, core.AuctionRecordRef(publisher, requestID)); err != nil {
			return err
		}

		req.Bids = make([]enclaveapi.Handle, 0, len(bids))
		for _, ref := range bids {
			h := enclaveapi.Handle{Ref: ref}
			if res, err := r.Residency(ctx, ref); err == nil && res.Delegated() {
				h.Session = res.Session
			}
			req.Bids = append(req.Bids, h)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.secondary.ProcessAuction(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("process auction: %w", err)
	}
	return resp, nil
}

// Handles returns the delegation handles of the given records.
func (c *Coordinator) Handles(ctx context.Context, refs ...core.RecordRef) ([]enclaveapi.Handle, error) {
	handles := make([]enclaveapi.Handle, 0, len(refs))
	err := c.store.View(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		for _, ref := range refs {
			h, err := delegatedHandle(ctx, r, ref)
			if err != nil {
				return err
			}
			handles = append(handles, h)
		}
		return nil
	})
	return handles, err
}

func delegatedHandle(ctx context.Context, r *store.Records, ref core.RecordRef) (enclaveapi.Handle, error) {
	res, err := r.Residency(ctx, ref)
	if err != nil {
		return enclaveapi.Handle{}, err
	}
	if !res.Delegated() {
		return enclaveapi.Handle{}, fmt.Errorf("%w: %s", core.ErrNotDelegated, ref)
	}
	return enclaveapi.Handle{Ref: ref, Session: res.Session}, nil
}

// Commit checkpoints delegated records: their current snapshots become visible in the
// primary context together, and the records stay delegated.
func (c *Coordinator) Commit(ctx context.Context, refs ...core.RecordRef) error {
	handles, err := c.Handles(ctx, refs...)
	if err != nil {
		return err
	}

	nonce := c.newNonce()
	resp, err := c.secondary.Commit(ctx, &enclaveapi.CommitRequest{Handles: handles, Nonce: nonce})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if err := c.apply(ctx, handles, nonce, resp, false); err != nil {
		return err
	}

	c.log.Info("records committed", zap.Int("records", len(handles)), zap.String("batch_hash", resp.BatchHash))
	return nil
}

// Undelegate writes the final snapshots and returns authority over the records to the
// primary context, then lets the secondary drop its copies.
func (c *Coordinator) Undelegate(ctx context.Context, refs ...core.RecordRef) error {
	handles, err := c.Handles(ctx, refs...)
	if err != nil {
		return err
	}

	nonce := c.newNonce()
	resp, err := c.secondary.Undelegate(ctx, &enclaveapi.UndelegateRequest{Handles: handles, Nonce: nonce})
	if err != nil {
		return fmt.Errorf("undelegate: %w", err)
	}
	if err := c.apply(ctx, handles, nonce, (*enclaveapi.CommitResponse)(resp), true); err != nil {
		return err
	}
	c.release(ctx, handles)

	c.log.Info("records undelegated", zap.Int("records", len(handles)), zap.String("batch_hash", resp.BatchHash))
	return nil
}

// apply verifies a batch of snapshots and writes it. Either every record is written or
// none is.
func (c *Coordinator) apply(ctx context.Context, handles []enclaveapi.Handle, nonce string, resp *enclaveapi.CommitResponse, final bool) error {
	if err := c.verifyBatch(handles, nonce, resp); err != nil {
		return err
	}

	return c.store.Update(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		at := c.now().Unix()
		for _, rec := range resp.Records {
			res, err := r.Residency(ctx, rec.Ref)
			if err != nil {
				return err
			}
			prev, err := r.Raw(ctx, rec.Ref)
			if err != nil {
				return err
			}
			if rec.Version == res.Version && rec.Digest != res.Digest {
				return fmt.Errorf("%w: %s version %d differs from the committed copy", core.ErrDigestMismatch, rec.Ref, rec.Version)
			}
			if err := core.CheckTransition(rec.Ref.Kind, prev, rec.Data); err != nil {
				return err
			}

			if final {
				err = res.Undelegate(rec.Session, rec.Version, rec.Digest, at)
			} else {
				err = res.Commit(rec.Session, rec.Version, rec.Digest, at)
			}
			if err != nil {
				return fmt.Errorf("%s: %w", rec.Ref, err)
			}
			if err := r.WriteSnapshot(ctx, rec.Ref, rec.Data, res); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Coordinator) verifyBatch(handles []enclaveapi.Handle, nonce string, resp *enclaveapi.CommitResponse) error {
	if len(resp.Records) != len(handles) {
		return fmt.Errorf("%w: asked for %d records, got %d", core.ErrDigestMismatch, len(handles), len(resp.Records))
	}
	for i, rec := range resp.Records {
		if rec.Handle() != handles[i] {
			return fmt.Errorf("%w: snapshot %d is %s, expected %s", core.ErrSessionMismatch, i, rec.Ref, handles[i].Ref)
		}
		if digest := core.ComputeRecordDigest(rec.Ref.Key(), rec.Version, rec.Data); digest != rec.Digest {
			return fmt.Errorf("%w: %s", core.ErrDigestMismatch, rec.Ref)
		}
	}
	if hash := core.ComputeBatchHash(resp.Digests(), nonce); hash != resp.BatchHash {
		return fmt.Errorf("%w: batch hash does not cover the snapshots", core.ErrDigestMismatch)
	}

	if len(resp.Attestation) == 0 {
		if c.requireAttestation {
			return fmt.Errorf("%w: commit is not attested", core.ErrAttestationInvalid)
		}
		return nil
	}
	if c.verifier == nil {
		return nil
	}
	if err := c.verifier.VerifyCommit(resp.Attestation, resp.BatchHash, nonce); err != nil {
		if errors.Is(err, core.ErrAttestationInvalid) {
			return err
		}
		return fmt.Errorf("%w: %v", core.ErrAttestationInvalid, err)
	}
	return nil
}

// release drops the secondary's copies. Failures are logged and otherwise ignored:
// a copy left behind is never authoritative.
func (c *Coordinator) release(ctx context.Context, handles []enclaveapi.Handle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if _, err := c.secondary.Release(ctx, &enclaveapi.ReleaseRequest{Handles: handles}); err != nil {
		c.log.Warn("releasing secondary copies failed", zap.Int("records", len(handles)), zap.Error(err))
	}
}
