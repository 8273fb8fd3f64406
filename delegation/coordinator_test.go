package delegation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/enclave"
	"github.com/cloudx-io/adexchange/enclaveapi"
	"github.com/cloudx-io/adexchange/store"
)

var (
	testNow       = time.Unix(1_700_000_000, 0)
	testRequestID = core.ID{0xab, 0xcd}
)

type testEnv struct {
	store   *store.MemoryStore
	runtime *enclave.Runtime
	coord   *Coordinator
	request *core.Request
	record  *core.AuctionRecord
	bids    []*core.Bid
}

func (e *testEnv) askRefs() []core.RecordRef {
	return []core.RecordRef{e.request.Ref(), e.record.Ref()}
}

func (e *testEnv) bidRefs() []core.RecordRef {
	refs := make([]core.RecordRef, len(e.bids))
	for i, bid := range e.bids {
		refs[i] = bid.Ref()
	}
	return refs
}

// newTestEnv stores a request with floor 100 and one bid per amount, then wires a
// coordinator to an in-process runtime.
func newTestEnv(t *testing.T, secondary func(*enclave.Runtime) Secondary, opts ...Option) *testEnv {
	t.Helper()
	ctx := context.Background()
	env := &testEnv{
		store:   store.NewMemoryStore(),
		runtime: enclave.NewRuntime(nil, nil),
		request: &core.Request{
			Publisher:  "publisher_a",
			RequestID:  testRequestID,
			FloorPrice: 100,
			Expiration: testNow.Unix() + 12*3600,
			Status:     core.RequestOpen,
			CreatedAt:  testNow.Unix(),
		},
	}
	env.record = core.NewAuctionRecord(env.request.Publisher, env.request.RequestID)

	err := env.store.Update(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		if err := r.PutConfig(ctx, &core.ProtocolConfig{
			Authority: "admin",
			Fees:      core.FeeSchedule{PlatformFeePercentage: 10, PublisherRevShare: 80},
			TokenMint: "usdc",
		}); err != nil {
			return err
		}
		return r.CreateRequest(ctx, env.request, env.record)
	})
	assert.NoError(t, err)

	var s Secondary = env.runtime
	if secondary != nil {
		s = secondary(env.runtime)
	}
	opts = append([]Option{WithClock(func() time.Time { return testNow.Add(10 * time.Second) })}, opts...)
	env.coord = NewCoordinator(env.store, s, opts...)
	return env
}

func (e *testEnv) addBid(t *testing.T, bidder string, amount uint64) *core.Bid {
	t.Helper()
	ctx := context.Background()
	bid := &core.Bid{
		Bidder:           bidder,
		RequestPublisher: e.request.Publisher,
		RequestID:        e.request.RequestID,
		Amount:           amount,
		CreativeID:       core.ID{byte(len(e.bids) + 1)},
		CreatedAt:        testNow.Unix() + int64(len(e.bids)),
		Status:           core.BidSubmitted,
	}
	assert.NoError(t, e.store.Update(ctx, func(tx store.Tx) error {
		return store.NewRecords(tx).CreateBid(ctx, bid)
	}))
	e.bids = append(e.bids, bid)
	return bid
}

func (e *testEnv) residency(t *testing.T, ref core.RecordRef) *core.Residency {
	t.Helper()
	var res *core.Residency
	assert.NoError(t, e.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		res, err = store.NewRecords(tx).Residency(context.Background(), ref)
		return err
	}))
	return res
}

func (e *testEnv) delegateAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := e.coord.Delegate(ctx, e.request.Publisher, e.askRefs()...)
	assert.NoError(t, err)
	for _, bid := range e.bids {
		_, err := e.coord.Delegate(ctx, bid.Bidder, bid.Ref())
		assert.NoError(t, err)
	}
}

func TestCoordinator_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.addBid(t, "bidder_a", 150)
	env.addBid(t, "bidder_b", 120)
	env.addBid(t, "bidder_c", 90)
	env.delegateAll(t)

	check.True(t, env.residency(t, env.request.Ref()).Delegated())
	check.Equal(t, 5, env.runtime.Held())

	resp, err := env.coord.ProcessAuction(ctx, env.request.Publisher, env.request.RequestID, env.bidRefs())
	assert.NoError(t, err)
	assert.NotNil(t, resp.Winner)
	check.Equal(t, env.bids[0].Ref(), *resp.Winner)
	check.Equal(t, uint64(120), resp.ClearingPrice)

	all := append(env.askRefs(), env.bidRefs()...)
	assert.NoError(t, env.coord.Undelegate(ctx, all...))
	check.Equal(t, 0, env.runtime.Held())

	assert.NoError(t, env.store.View(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		req, err := r.Request(ctx, env.request.Publisher, env.request.RequestID)
		assert.NoError(t, err)
		check.Equal(t, core.RequestCompleted, req.Status)

		record, err := r.AuctionRecord(ctx, env.request.Publisher, env.request.RequestID)
		assert.NoError(t, err)
		assert.NotNil(t, record.Winner)
		check.Equal(t, "bidder_a", *record.Winner)
		check.Equal(t, uint64(120), record.ClearingPrice)

		win, err := r.Bid(ctx, "bidder_a", env.bids[0].CreativeID)
		assert.NoError(t, err)
		check.Equal(t, core.BidWin, win.Status)

		below, err := r.Bid(ctx, "bidder_c", env.bids[2].CreativeID)
		assert.NoError(t, err)
		check.Equal(t, core.BidSubmitted, below.Status)
		return nil
	}))

	res := env.residency(t, env.record.Ref())
	check.False(t, res.Delegated())
	check.Equal(t, uint64(2), res.Version)
	check.Equal(t, "", res.Session)
}

func TestCoordinator_CommitKeepsDelegation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.delegateAll(t)

	assert.NoError(t, env.coord.Commit(ctx, env.request.Ref()))

	res := env.residency(t, env.request.Ref())
	check.True(t, res.Delegated())
	check.Equal(t, uint64(2), res.Version)

	assert.NoError(t, env.store.View(ctx, func(tx store.Tx) error {
		req, err := store.NewRecords(tx).Request(ctx, env.request.Publisher, env.request.RequestID)
		assert.NoError(t, err)
		check.Equal(t, core.RequestAuctionInProgress, req.Status)
		return nil
	}))

	// primary-side writes stay blocked while delegated
	err := env.store.Update(ctx, func(tx store.Tx) error {
		return store.NewRecords(tx).PutRequest(ctx, env.request)
	})
	check.True(t, errors.Is(err, core.ErrRecordDelegated))
}

func TestCoordinator_DelegateRejections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	bid := env.addBid(t, "bidder_a", 150)

	_, err := env.coord.Delegate(ctx, "bidder_b", bid.Ref())
	check.True(t, errors.Is(err, core.ErrUnauthorized))

	_, err = env.coord.Delegate(ctx, env.request.Publisher)
	check.True(t, errors.Is(err, core.ErrInvalidArgument))

	_, err = env.coord.Delegate(ctx, "bidder_a", core.BidRef("bidder_a", core.ID{0x77}))
	check.True(t, errors.Is(err, core.ErrNotFound))

	_, err = env.coord.Delegate(ctx, "bidder_a", bid.Ref())
	assert.NoError(t, err)
	_, err = env.coord.Delegate(ctx, "bidder_a", bid.Ref())
	check.True(t, errors.Is(err, core.ErrAlreadyDelegated))
	check.Equal(t, 1, env.runtime.Held())
}

func TestCoordinator_DelegateWhilePaused(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	assert.NoError(t, env.store.Update(ctx, func(tx store.Tx) error {
		r := store.NewRecords(tx)
		cfg, err := r.Config(ctx)
		if err != nil {
			return err
		}
		cfg.IsPaused = true
		return r.PutConfig(ctx, cfg)
	}))

	_, err := env.coord.Delegate(ctx, env.request.Publisher, env.askRefs()...)
	check.True(t, errors.Is(err, core.ErrProtocolPaused))
	check.Equal(t, 0, env.runtime.Held())
}

type failingDelegate struct {
	Secondary
}

func (failingDelegate) Delegate(context.Context, *enclaveapi.DelegateRequest) (*enclaveapi.DelegateResponse, error) {
	return nil, core.ErrSecondaryUnavailable
}

func TestCoordinator_DelegateFailureLeavesPrimary(t *testing.T) {
	env := newTestEnv(t, func(rt *enclave.Runtime) Secondary { return failingDelegate{rt} })

	_, err := env.coord.Delegate(context.Background(), env.request.Publisher, env.askRefs()...)
	check.True(t, errors.Is(err, core.ErrSecondaryUnavailable))
	check.True(t, core.IsRetryable(err))
	check.False(t, env.residency(t, env.request.Ref()).Delegated())
}

// lostReply applies the first delegation but reports it as failed, and fails the first
// release that follows.
type lostReply struct {
	Secondary
	delegated, released bool
}

func (l *lostReply) Delegate(ctx context.Context, req *enclaveapi.DelegateRequest) (*enclaveapi.DelegateResponse, error) {
	resp, err := l.Secondary.Delegate(ctx, req)
	if err != nil || l.delegated {
		return resp, err
	}
	l.delegated = true
	return nil, core.ErrSecondaryUnavailable
}

func (l *lostReply) Release(ctx context.Context, req *enclaveapi.ReleaseRequest) (*enclaveapi.ReleaseResponse, error) {
	if !l.released {
		l.released = true
		return nil, core.ErrSecondaryUnavailable
	}
	return l.Secondary.Release(ctx, req)
}

func TestCoordinator_DelegateRetryAfterLostReply(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(rt *enclave.Runtime) Secondary { return &lostReply{Secondary: rt} })
	env.addBid(t, "bidder_a", 150)

	_, err := env.coord.Delegate(ctx, env.request.Publisher, env.askRefs()...)
	check.True(t, core.IsRetryable(err))
	// the secondary still holds the copies the failed release left behind
	check.Equal(t, 2, env.runtime.Held())
	res := env.residency(t, env.request.Ref())
	check.False(t, res.Delegated())
	pending := res.PendingSession
	check.NotEqual(t, "", pending)

	handles, err := env.coord.Delegate(ctx, env.request.Publisher, env.askRefs()...)
	assert.NoError(t, err)
	check.Equal(t, 2, len(handles))
	check.Equal(t, pending, handles[0].Session)
	check.Equal(t, 2, env.runtime.Held())
	for _, ref := range env.askRefs() {
		res := env.residency(t, ref)
		check.True(t, res.Delegated())
		check.Equal(t, pending, res.Session)
		check.Equal(t, "", res.PendingSession)
	}

	_, err = env.coord.Delegate(ctx, "bidder_a", env.bids[0].Ref())
	assert.NoError(t, err)
	resp, err := env.coord.ProcessAuction(ctx, env.request.Publisher, env.request.RequestID, env.bidRefs())
	assert.NoError(t, err)
	assert.NotNil(t, resp.Winner)
	check.Equal(t, env.bids[0].Ref(), *resp.Winner)
}

func TestCoordinator_ProcessRequiresDelegatedRequest(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.coord.ProcessAuction(context.Background(), env.request.Publisher, env.request.RequestID, nil)
	check.True(t, errors.Is(err, core.ErrNotDelegated))
}

func TestCoordinator_ProcessReportsUndelegatedBids(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.addBid(t, "bidder_a", 150)
	late := env.addBid(t, "bidder_b", 300)

	_, err := env.coord.Delegate(ctx, env.request.Publisher, env.askRefs()...)
	assert.NoError(t, err)
	_, err = env.coord.Delegate(ctx, "bidder_a", env.bids[0].Ref())
	assert.NoError(t, err)

	resp, err := env.coord.ProcessAuction(ctx, env.request.Publisher, env.request.RequestID, env.bidRefs())
	assert.NoError(t, err)
	check.Equal(t, env.bids[0].Ref(), *resp.Winner)
	check.Equal(t, uint64(100), resp.ClearingPrice)
	assert.Equal(t, 1, len(resp.Excluded))
	check.Equal(t, late.Ref(), resp.Excluded[0].Bid)
	check.Equal(t, core.ReasonNotDelegated, resp.Excluded[0].Reason)
}

// tamperingCommit flips a byte of the first snapshot.
type tamperingCommit struct {
	Secondary
}

func (s tamperingCommit) Commit(ctx context.Context, req *enclaveapi.CommitRequest) (*enclaveapi.CommitResponse, error) {
	resp, err := s.Secondary.Commit(ctx, req)
	if err != nil {
		return nil, err
	}
	data := append([]byte(nil), resp.Records[0].Data...)
	data[len(data)-1] ^= 0xff
	resp.Records[0].Data = data
	return resp, nil
}

func TestCoordinator_CommitRejectsTamperedSnapshot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(rt *enclave.Runtime) Secondary { return tamperingCommit{rt} })
	env.delegateAll(t)

	err := env.coord.Commit(ctx, env.request.Ref())
	check.True(t, errors.Is(err, core.ErrDigestMismatch))

	res := env.residency(t, env.request.Ref())
	check.Equal(t, uint64(1), res.Version)
}

// replayingCommit returns a batch hash computed over a different nonce.
type replayingCommit struct {
	Secondary
}

func (s replayingCommit) Commit(ctx context.Context, req *enclaveapi.CommitRequest) (*enclaveapi.CommitResponse, error) {
	return s.Secondary.Commit(ctx, &enclaveapi.CommitRequest{Handles: req.Handles, Nonce: "old-nonce"})
}

func TestCoordinator_CommitRejectsReplayedBatch(t *testing.T) {
	env := newTestEnv(t, func(rt *enclave.Runtime) Secondary { return replayingCommit{rt} })
	env.delegateAll(t)

	err := env.coord.Commit(context.Background(), env.askRefs()...)
	check.True(t, errors.Is(err, core.ErrDigestMismatch))
}

type stubVerifier struct {
	calls int
	err   error
}

func (v *stubVerifier) VerifyCommit(_ enclaveapi.AttestationCOSE, _, _ string) error {
	v.calls++
	return v.err
}

func TestCoordinator_RequiredAttestationMissing(t *testing.T) {
	verifier := &stubVerifier{}
	env := newTestEnv(t, nil, WithVerifier(verifier, true))
	env.delegateAll(t)

	err := env.coord.Commit(context.Background(), env.request.Ref())
	check.True(t, errors.Is(err, core.ErrAttestationInvalid))
	check.Equal(t, 0, verifier.calls)
	check.Equal(t, uint64(1), env.residency(t, env.request.Ref()).Version)
}

func TestCoordinator_AttestationChecked(t *testing.T) {
	mock, err := enclave.CreateMockEnclave()
	assert.NoError(t, err)

	verifier := &stubVerifier{err: errors.New("bad signature")}
	env := newTestEnv(t, nil, WithVerifier(verifier, true))
	env.coord.secondary = enclave.NewRuntime(mock, nil)
	env.delegateAll(t)

	err = env.coord.Commit(context.Background(), env.request.Ref())
	check.True(t, errors.Is(err, core.ErrAttestationInvalid))
	check.Equal(t, 1, verifier.calls)

	verifier.err = nil
	assert.NoError(t, env.coord.Commit(context.Background(), env.request.Ref()))
	check.Equal(t, 2, verifier.calls)
	check.Equal(t, uint64(2), env.residency(t, env.request.Ref()).Version)
}
