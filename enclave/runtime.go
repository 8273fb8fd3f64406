// Package enclave is the secondary execution context: it holds delegated records in
// memory, runs auctions against them, and hands snapshots back to the primary context.
package enclave

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/enclaveapi"
)

type heldRecord struct {
	ref     core.RecordRef
	session string
	data    []byte
	version uint64
	digest  string

	// frozen records were undelegated and only wait to be released
	frozen bool

	// processed records were mutated by an auction and can no longer be re-offered
	processed bool
}

// Runtime holds delegated records. All methods are safe for concurrent use; each call
// runs under the runtime lock so a record sees one mutation at a time.
type Runtime struct {
	mu       sync.Mutex
	records  map[string]*heldRecord
	attester EnclaveAttester
	log      *zap.Logger
	now      func() time.Time
}

// NewRuntime creates an empty runtime. A nil attester produces unattested commits.
func NewRuntime(attester EnclaveAttester, log *zap.Logger) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runtime{
		records:  make(map[string]*heldRecord),
		attester: attester,
		log:      log,
		now:      time.Now,
	}
}

func (r *Runtime) Ping(_ context.Context) (*enclaveapi.PingResponse, error) {
	return &enclaveapi.PingResponse{Message: "secondary context is healthy", Timestamp: r.now().Unix()}, nil
}

// Delegate accepts record snapshots from the primary context. The batch is accepted
// whole or not at all. A delegated open request moves to AuctionInProgress.
//
// A copy still held under the offered session is replaced as long as no auction has
// touched it: the primary re-offers a session only when it never learned that an
// earlier attempt succeeded.
func (r *Runtime) Delegate(_ context.Context, req *enclaveapi.DelegateRequest) (*enclaveapi.DelegateResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	incoming := make([]*heldRecord, 0, len(req.Records))
	for _, rec := range req.Records {
		if err := rec.Ref.Validate(); err != nil {
			return nil, err
		}
		if rec.Session == "" {
			return nil, fmt.Errorf("%w: %s delegated without a session", core.ErrSessionMismatch, rec.Ref)
		}
		if digest := core.ComputeRecordDigest(rec.Ref.Key(), rec.Version, rec.Data); digest != rec.Digest {
			return nil, fmt.Errorf("%w: %s", core.ErrDigestMismatch, rec.Ref)
		}
		if held, ok := r.records[rec.Ref.Key()]; ok && !held.replaceableBy(rec.Session) {
			return nil, fmt.Errorf("%w: %s", core.ErrAlreadyDelegated, rec.Ref)
		}

		held := &heldRecord{
			ref:     rec.Ref,
			session: rec.Session,
			data:    rec.Data,
			version: rec.Version,
			digest:  rec.Digest,
		}
		if rec.Ref.Kind == core.KindRequest {
			if err := markInProgress(held); err != nil {
				return nil, err
			}
		}
		incoming = append(incoming, held)
	}

	resp := &enclaveapi.DelegateResponse{Accepted: make([]enclaveapi.Handle, 0, len(incoming))}
	for _, held := range incoming {
		r.records[held.ref.Key()] = held
		resp.Accepted = append(resp.Accepted, enclaveapi.Handle{Ref: held.ref, Session: held.session})
		r.log.Info("record delegated",
			zap.String("record", held.ref.Key()),
			zap.String("session", held.session),
			zap.Uint64("version", held.version))
	}
	return resp, nil
}

func (h *heldRecord) replaceableBy(session string) bool {
	return h.frozen || (h.session == session && !h.processed)
}

func markInProgress(held *heldRecord) error {
	req, err := core.DecodeRecord[core.Request](held.data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrInvalidArgument, held.ref, err)
	}
	if req.Status != core.RequestOpen {
		return nil
	}
	req.Status = core.RequestAuctionInProgress
	return held.store(req)
}

// store replaces the record contents with v at the next version.
func (h *heldRecord) store(v any) error {
	data, digest, err := core.EncodeRecord(h.ref, h.version+1, v)
	if err != nil {
		return err
	}
	h.data = data
	h.version++
	h.digest = digest
	return nil
}

// lookup returns a held, unfrozen record matching the handle.
func (r *Runtime) lookup(h enclaveapi.Handle) (*heldRecord, error) {
	held, ok := r.records[h.Ref.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNotDelegated, h.Ref)
	}
	if held.session != h.Session {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionMismatch, h.Ref)
	}
	if held.frozen {
		return nil, fmt.Errorf("%w: %s", core.ErrRecordFrozen, h.Ref)
	}
	return held, nil
}

// ProcessAuction runs the auction of a delegated request against the delegated bids.
// Bid handles that are not held here, or whose data does not decode, are skipped and
// reported as excluded.
func (r *Runtime) ProcessAuction(_ context.Context, req *enclaveapi.ProcessAuctionRequest) (*enclaveapi.ProcessAuctionResponse, error) {
	startTime := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	heldRequest, err := r.lookup(req.Request)
	if err != nil {
		return nil, err
	}
	heldAuction, err := r.lookup(req.Record)
	if err != nil {
		return nil, err
	}
	if req.Request.Ref.Kind != core.KindRequest || req.Record.Ref.Kind != core.KindAuctionRecord {
		return nil, fmt.Errorf("%w: process needs a request and its auction record", core.ErrInvalidRecordRef)
	}

	request, err := core.DecodeRecord[core.Request](heldRequest.data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidArgument, req.Request.Ref, err)
	}
	record, err := core.DecodeRecord[core.AuctionRecord](heldAuction.data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidArgument, req.Record.Ref, err)
	}

	var excluded []core.ExcludedBid
	bids := make([]*core.Bid, 0, len(req.Bids))
	heldBids := make(map[core.RecordRef]*heldRecord, len(req.Bids))
	for _, h := range req.Bids {
		if _, dup := heldBids[h.Ref]; dup {
			continue
		}
		held, err := r.lookup(h)
		if err != nil || h.Ref.Kind != core.KindBid {
			excluded = append(excluded, core.ExcludedBid{Bid: h.Ref, Reason: core.ReasonNotDelegated})
			continue
		}
		bid, err := core.DecodeRecord[core.Bid](held.data)
		if err != nil || bid.Ref() != h.Ref {
			r.log.Info("skipping undecodable bid", zap.String("record", h.Ref.Key()), zap.Error(err))
			excluded = append(excluded, core.ExcludedBid{Bid: h.Ref, Reason: core.ReasonUndecodable})
			continue
		}
		heldBids[h.Ref] = held
		bids = append(bids, bid)
	}

	cfg := req.Config
	result, err := core.RunAuction(&cfg, request, record, bids, req.Now)
	if err != nil {
		return nil, err
	}

	// Nothing is written back until every encoding has succeeded.
	type pending struct {
		held *heldRecord
		v    any
	}
	writes := []pending{{heldRequest, request}, {heldAuction, record}}
	for _, bid := range result.EligibleBids {
		writes = append(writes, pending{heldBids[bid.Ref()], bid})
	}
	staged := make([]heldRecord, len(writes))
	for i, w := range writes {
		staged[i] = *w.held
		if err := staged[i].store(w.v); err != nil {
			return nil, err
		}
		staged[i].processed = true
	}

	resp := &enclaveapi.ProcessAuctionResponse{
		ClearingPrice: result.ClearingPrice,
		Updated:       make([]enclaveapi.Handle, 0, len(writes)),
		Excluded:      append(excluded, result.Excluded...),
		FloorRejected: result.FloorRejected,
	}
	for i, w := range writes {
		*w.held = staged[i]
		resp.Updated = append(resp.Updated, enclaveapi.Handle{Ref: w.held.ref, Session: w.held.session})
	}
	if result.Winner != nil {
		ref := result.Winner.Ref()
		resp.Winner = &ref
	}
	if result.RunnerUp != nil {
		ref := result.RunnerUp.Ref()
		resp.RunnerUp = &ref
	}
	resp.ProcessingTime = r.now().Sub(startTime).Milliseconds()

	r.log.Info("auction processed",
		zap.String("request", req.Request.Ref.Key()),
		zap.String("winner", getBidderName(result.Winner)),
		zap.Uint64("clearing_price", result.ClearingPrice),
		zap.Int("eligible", len(result.EligibleBids)),
		zap.Int("floor_rejected", len(result.FloorRejected)),
		zap.Int("excluded", len(resp.Excluded)),
		zap.Int64("processing_ms", resp.ProcessingTime))

	return resp, nil
}

func getBidderName(bid *core.Bid) string {
	if bid == nil {
		return "none"
	}
	return bid.Bidder
}

// Commit returns the current snapshots of the named records, bound together by a batch
// hash over their digests and the caller's nonce.
func (r *Runtime) Commit(_ context.Context, req *enclaveapi.CommitRequest) (*enclaveapi.CommitResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := make([]*heldRecord, 0, len(req.Handles))
	for _, h := range req.Handles {
		rec, err := r.lookup(h)
		if err != nil {
			return nil, err
		}
		held = append(held, rec)
	}
	return r.snapshot(held, req.Nonce)
}

// Undelegate is a final commit. The records are frozen: they can no longer be processed,
// and repeating the call returns the same snapshots.
func (r *Runtime) Undelegate(_ context.Context, req *enclaveapi.UndelegateRequest) (*enclaveapi.UndelegateResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := make([]*heldRecord, 0, len(req.Handles))
	for _, h := range req.Handles {
		rec, ok := r.records[h.Ref.Key()]
		if !ok {
			return nil, fmt.Errorf("%w: %s", core.ErrNotDelegated, h.Ref)
		}
		if rec.session != h.Session {
			return nil, fmt.Errorf("%w: %s", core.ErrSessionMismatch, h.Ref)
		}
		held = append(held, rec)
	}

	resp, err := r.snapshot(held, req.Nonce)
	if err != nil {
		return nil, err
	}
	for _, rec := range held {
		rec.frozen = true
	}
	return (*enclaveapi.UndelegateResponse)(resp), nil
}

// Release drops held records. Unknown handles and stale sessions are ignored so the
// call can be repeated safely.
func (r *Runtime) Release(_ context.Context, req *enclaveapi.ReleaseRequest) (*enclaveapi.ReleaseResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := 0
	for _, h := range req.Handles {
		rec, ok := r.records[h.Ref.Key()]
		if !ok || rec.session != h.Session {
			continue
		}
		delete(r.records, h.Ref.Key())
		released++
	}
	return &enclaveapi.ReleaseResponse{Released: released}, nil
}

// Held reports how many records the runtime holds.
func (r *Runtime) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *Runtime) snapshot(held []*heldRecord, nonce string) (*enclaveapi.CommitResponse, error) {
	if nonce == "" {
		return nil, fmt.Errorf("%w: commit nonce is required", core.ErrInvalidArgument)
	}

	resp := &enclaveapi.CommitResponse{Records: make([]enclaveapi.DelegatedRecord, 0, len(held))}
	for _, rec := range held {
		resp.Records = append(resp.Records, enclaveapi.DelegatedRecord{
			Ref:     rec.ref,
			Session: rec.session,
			Data:    rec.data,
			Version: rec.version,
			Digest:  rec.digest,
		})
	}
	resp.BatchHash = core.ComputeBatchHash(resp.Digests(), nonce)

	if r.attester != nil {
		attestation, err := GenerateCommitAttestation(r.attester, resp.BatchHash, nonce, len(resp.Records), r.now())
		if err != nil {
			return nil, err
		}
		resp.Attestation = attestation
	}
	return resp, nil
}
