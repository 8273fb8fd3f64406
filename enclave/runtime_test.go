package enclave

import (
	"context"
	"errors"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/enclaveapi"
)

const testNow int64 = 1_700_000_000

var testRequestID = core.ID{0xab, 0xcd}

func testConfig() core.ProtocolConfig {
	return core.ProtocolConfig{
		Authority: "admin",
		Fees:      core.FeeSchedule{PlatformFeePercentage: 10, PublisherRevShare: 80},
		TokenMint: "usdc",
	}
}

func delegated(t *testing.T, ref core.RecordRef, session string, v any) enclaveapi.DelegatedRecord {
	t.Helper()
	data, digest, err := core.EncodeRecord(ref, 1, v)
	assert.NoError(t, err)
	return enclaveapi.DelegatedRecord{Ref: ref, Session: session, Data: data, Version: 1, Digest: digest}
}

type fixture struct {
	runtime *Runtime
	request enclaveapi.Handle
	record  enclaveapi.Handle
	bids    []enclaveapi.Handle
}

// newFixture delegates a request with floor 100, its record, and one bid per amount.
func newFixture(t *testing.T, attester EnclaveAttester, amounts ...uint64) *fixture {
	t.Helper()
	req := &core.Request{
		Publisher:  "publisher_a",
		RequestID:  testRequestID,
		FloorPrice: 100,
		Expiration: testNow + 12*3600,
		Status:     core.RequestOpen,
		CreatedAt:  testNow,
	}
	record := core.NewAuctionRecord(req.Publisher, req.RequestID)

	records := []enclaveapi.DelegatedRecord{
		delegated(t, req.Ref(), "session-ask", req),
		delegated(t, record.Ref(), "session-ask", record),
	}
	for i, amount := range amounts {
		bid := &core.Bid{
			Bidder:           string(rune('a'+i)) + "_bidder",
			RequestPublisher: req.Publisher,
			RequestID:        req.RequestID,
			Amount:           amount,
			CreativeID:       core.ID{byte(i + 1)},
			CreatedAt:        testNow + int64(i),
			Status:           core.BidSubmitted,
		}
		records = append(records, delegated(t, bid.Ref(), "session-bid", bid))
	}

	rt := NewRuntime(attester, nil)
	resp, err := rt.Delegate(context.Background(), &enclaveapi.DelegateRequest{Records: records, Now: testNow})
	assert.NoError(t, err)
	assert.Equal(t, len(records), len(resp.Accepted))

	return &fixture{
		runtime: rt,
		request: resp.Accepted[0],
		record:  resp.Accepted[1],
		bids:    resp.Accepted[2:],
	}
}

func (f *fixture) process(t *testing.T) (*enclaveapi.ProcessAuctionResponse, error) {
	t.Helper()
	return f.runtime.ProcessAuction(context.Background(), &enclaveapi.ProcessAuctionRequest{
		Config:  testConfig(),
		Request: f.request,
		Record:  f.record,
		Bids:    f.bids,
		Now:     testNow + 10,
	})
}

func (f *fixture) all() []enclaveapi.Handle {
	return append([]enclaveapi.Handle{f.request, f.record}, f.bids...)
}

func decodeSnapshot[T any](t *testing.T, resp *enclaveapi.CommitResponse, ref core.RecordRef) *T {
	t.Helper()
	for _, rec := range resp.Records {
		if rec.Ref == ref {
			v, err := core.DecodeRecord[T](rec.Data)
			assert.NoError(t, err)
			return v
		}
	}
	t.Fatalf("no snapshot for %s", ref)
	return nil
}

func TestRuntime_DelegateMarksRequestInProgress(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.runtime.Commit(context.Background(), &enclaveapi.CommitRequest{Handles: []enclaveapi.Handle{f.request}, Nonce: "n"})
	assert.NoError(t, err)
	check.Equal(t, uint64(2), resp.Records[0].Version)

	req := decodeSnapshot[core.Request](t, resp, f.request.Ref)
	check.Equal(t, core.RequestAuctionInProgress, req.Status)
}

func TestRuntime_DelegateRejections(t *testing.T) {
	f := newFixture(t, nil, 150)
	bid := &core.Bid{Bidder: "z_bidder", RequestPublisher: "publisher_a", RequestID: testRequestID, Amount: 1, CreativeID: core.ID{9}}

	t.Run("digest mismatch", func(t *testing.T) {
		rec := delegated(t, bid.Ref(), "s", bid)
		rec.Digest = "bogus"
		_, err := f.runtime.Delegate(context.Background(), &enclaveapi.DelegateRequest{Records: []enclaveapi.DelegatedRecord{rec}})
		check.True(t, errors.Is(err, core.ErrDigestMismatch))
	})

	t.Run("already held", func(t *testing.T) {
		fresh := delegated(t, bid.Ref(), "s", bid)
		again := delegated(t, f.bids[0].Ref, "s", bid)
		_, err := f.runtime.Delegate(context.Background(), &enclaveapi.DelegateRequest{Records: []enclaveapi.DelegatedRecord{fresh, again}})
		check.True(t, errors.Is(err, core.ErrAlreadyDelegated))
		// the batch is rejected whole
		check.Equal(t, 3, f.runtime.Held())
	})

	t.Run("missing session", func(t *testing.T) {
		rec := delegated(t, bid.Ref(), "", bid)
		_, err := f.runtime.Delegate(context.Background(), &enclaveapi.DelegateRequest{Records: []enclaveapi.DelegatedRecord{rec}})
		check.True(t, errors.Is(err, core.ErrSessionMismatch))
	})
}

func TestRuntime_DelegateReofferedSession(t *testing.T) {
	f := newFixture(t, nil, 150)
	bid := &core.Bid{
		Bidder:           "a_bidder",
		RequestPublisher: "publisher_a",
		RequestID:        testRequestID,
		Amount:           150,
		CreativeID:       core.ID{1},
		CreatedAt:        testNow,
		Status:           core.BidSubmitted,
	}
	reoffer := func() error {
		_, err := f.runtime.Delegate(context.Background(), &enclaveapi.DelegateRequest{
			Records: []enclaveapi.DelegatedRecord{delegated(t, bid.Ref(), "session-bid", bid)},
		})
		return err
	}

	// an untouched copy is replaced under its own session
	check.NoError(t, reoffer())
	check.Equal(t, 3, f.runtime.Held())

	_, err := f.process(t)
	assert.NoError(t, err)

	err = reoffer()
	check.True(t, errors.Is(err, core.ErrAlreadyDelegated))
}

func TestRuntime_ProcessAuction_SecondPrice(t *testing.T) {
	f := newFixture(t, nil, 150, 120, 90)

	resp, err := f.process(t)
	assert.NoError(t, err)
	assert.NotNil(t, resp.Winner)
	check.Equal(t, f.bids[0].Ref, *resp.Winner)
	check.Equal(t, f.bids[1].Ref, *resp.RunnerUp)
	check.Equal(t, uint64(120), resp.ClearingPrice)
	check.Equal(t, 1, len(resp.FloorRejected))
	// request, record, winner and loser changed; the below-floor bid did not
	check.Equal(t, 4, len(resp.Updated))

	commit, err := f.runtime.Commit(context.Background(), &enclaveapi.CommitRequest{Handles: f.all(), Nonce: "n-1"})
	assert.NoError(t, err)

	record := decodeSnapshot[core.AuctionRecord](t, commit, f.record.Ref)
	check.Equal(t, "a_bidder", *record.Winner)
	check.Equal(t, uint64(120), record.ClearingPrice)
	check.Equal(t, testNow+10, record.ResolvedAt)

	check.Equal(t, core.RequestCompleted, decodeSnapshot[core.Request](t, commit, f.request.Ref).Status)
	check.Equal(t, core.BidWin, decodeSnapshot[core.Bid](t, commit, f.bids[0].Ref).Status)
	check.Equal(t, core.BidLoss, decodeSnapshot[core.Bid](t, commit, f.bids[1].Ref).Status)
	check.Equal(t, core.BidSubmitted, decodeSnapshot[core.Bid](t, commit, f.bids[2].Ref).Status)

	for _, rec := range commit.Records {
		check.Equal(t, core.ComputeRecordDigest(rec.Ref.Key(), rec.Version, rec.Data), rec.Digest)
	}
	check.Equal(t, core.ComputeBatchHash(commit.Digests(), "n-1"), commit.BatchHash)
	check.Nil(t, commit.Attestation)
}

func TestRuntime_ProcessAuction_SkipsUnheldBids(t *testing.T) {
	f := newFixture(t, nil, 150)
	stranger := enclaveapi.Handle{Ref: core.BidRef("ghost", core.ID{0x77}), Session: "x"}
	wrongSession := enclaveapi.Handle{Ref: f.bids[0].Ref, Session: "not-it"}
	f.bids = append(f.bids, stranger, wrongSession)

	resp, err := f.process(t)
	assert.NoError(t, err)
	check.Equal(t, f.bids[0].Ref, *resp.Winner)
	check.Equal(t, uint64(100), resp.ClearingPrice)

	reasons := map[core.RecordRef]string{}
	for _, ex := range resp.Excluded {
		reasons[ex.Bid] = ex.Reason
	}
	check.Equal(t, core.ReasonNotDelegated, reasons[stranger.Ref])
}

func TestRuntime_ProcessAuction_SkipsUndecodableBids(t *testing.T) {
	f := newFixture(t, nil, 150)

	garbage := enclaveapi.DelegatedRecord{
		Ref:     core.BidRef("broken", core.ID{0x55}),
		Session: "session-bid",
		Data:    []byte{0xff, 0x00},
		Version: 1,
	}
	garbage.Digest = core.ComputeRecordDigest(garbage.Ref.Key(), 1, garbage.Data)
	_, err := f.runtime.Delegate(context.Background(), &enclaveapi.DelegateRequest{Records: []enclaveapi.DelegatedRecord{garbage}})
	assert.NoError(t, err)
	f.bids = append(f.bids, garbage.Handle())

	resp, err := f.process(t)
	assert.NoError(t, err)
	check.Equal(t, 1, len(resp.Excluded))
	check.Equal(t, core.ReasonUndecodable, resp.Excluded[0].Reason)
	check.NotNil(t, resp.Winner)
}

func TestRuntime_ProcessAuction_Rejections(t *testing.T) {
	t.Run("rerun", func(t *testing.T) {
		f := newFixture(t, nil, 150)
		_, err := f.process(t)
		assert.NoError(t, err)

		_, err = f.process(t)
		check.True(t, errors.Is(err, core.ErrRequestClosed))
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t, nil, 150)
		_, err := f.runtime.ProcessAuction(context.Background(), &enclaveapi.ProcessAuctionRequest{
			Config: testConfig(), Request: f.request, Record: f.record, Bids: f.bids, Now: testNow + 12*3600,
		})
		check.True(t, errors.Is(err, core.ErrRequestExpired))

		commit, err := f.runtime.Commit(context.Background(), &enclaveapi.CommitRequest{Handles: f.all(), Nonce: "n"})
		assert.NoError(t, err)
		check.Equal(t, core.BidSubmitted, decodeSnapshot[core.Bid](t, commit, f.bids[0].Ref).Status)
		check.Equal(t, uint64(1), commit.Records[2].Version)
	})

	t.Run("paused", func(t *testing.T) {
		f := newFixture(t, nil, 150)
		cfg := testConfig()
		cfg.IsPaused = true
		_, err := f.runtime.ProcessAuction(context.Background(), &enclaveapi.ProcessAuctionRequest{
			Config: cfg, Request: f.request, Record: f.record, Bids: f.bids, Now: testNow,
		})
		check.True(t, errors.Is(err, core.ErrProtocolPaused))
	})

	t.Run("request not held", func(t *testing.T) {
		f := newFixture(t, nil, 150)
		f.request.Session = "other"
		_, err := f.process(t)
		check.True(t, errors.Is(err, core.ErrSessionMismatch))
	})
}

func TestRuntime_UndelegateFreezes(t *testing.T) {
	f := newFixture(t, nil, 150)
	ctx := context.Background()

	first, err := f.runtime.Undelegate(ctx, &enclaveapi.UndelegateRequest{Handles: f.all(), Nonce: "n-1"})
	assert.NoError(t, err)

	_, err = f.process(t)
	check.True(t, errors.Is(err, core.ErrRecordFrozen))

	_, err = f.runtime.Commit(ctx, &enclaveapi.CommitRequest{Handles: f.all(), Nonce: "n-2"})
	check.True(t, errors.Is(err, core.ErrRecordFrozen))

	second, err := f.runtime.Undelegate(ctx, &enclaveapi.UndelegateRequest{Handles: f.all(), Nonce: "n-1"})
	assert.NoError(t, err)
	check.Equal(t, first.BatchHash, second.BatchHash)

	released, err := f.runtime.Release(ctx, &enclaveapi.ReleaseRequest{Handles: f.all()})
	assert.NoError(t, err)
	check.Equal(t, 3, released.Released)
	check.Equal(t, 0, f.runtime.Held())

	released, err = f.runtime.Release(ctx, &enclaveapi.ReleaseRequest{Handles: f.all()})
	assert.NoError(t, err)
	check.Equal(t, 0, released.Released)
}

func TestRuntime_FrozenRecordCanBeDelegatedAgain(t *testing.T) {
	f := newFixture(t, nil, 150)
	ctx := context.Background()

	undelegated, err := f.runtime.Undelegate(ctx, &enclaveapi.UndelegateRequest{Handles: []enclaveapi.Handle{f.bids[0]}, Nonce: "n"})
	assert.NoError(t, err)

	rec := undelegated.Records[0]
	rec.Session = "session-2"
	_, err = f.runtime.Delegate(ctx, &enclaveapi.DelegateRequest{Records: []enclaveapi.DelegatedRecord{rec}})
	check.NoError(t, err)
}

func TestRuntime_CommitRequiresNonce(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.runtime.Commit(context.Background(), &enclaveapi.CommitRequest{Handles: f.all()})
	check.True(t, errors.Is(err, core.ErrInvalidArgument))
}
