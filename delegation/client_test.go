package delegation

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/enclave"
	"github.com/cloudx-io/adexchange/enclaveapi"
)

func startSecondary(t *testing.T, rt *enclave.Runtime) *Client {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- enclave.NewServer(rt, 4, nil).Serve(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("secondary did not stop")
		}
	})

	return NewClient(TCPDialer(listener.Addr().String()), 5*time.Second, nil)
}

func TestClient_Ping(t *testing.T) {
	client := startSecondary(t, enclave.NewRuntime(nil, nil))

	resp, err := client.Ping(context.Background())
	assert.NoError(t, err)
	check.NotEqual(t, int64(0), resp.Timestamp)
}

func TestClient_MapsSecondaryErrors(t *testing.T) {
	client := startSecondary(t, enclave.NewRuntime(nil, nil))

	_, err := client.Commit(context.Background(), &enclaveapi.CommitRequest{
		Handles: []enclaveapi.Handle{{Ref: core.BidRef("bidder_a", core.ID{1}), Session: "s"}},
		Nonce:   "n",
	})
	check.True(t, errors.Is(err, core.ErrNotDelegated))
	check.False(t, core.IsRetryable(err))
}

func TestClient_Unavailable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	addr := listener.Addr().String()
	assert.NoError(t, listener.Close())

	client := NewClient(TCPDialer(addr), time.Second, nil)
	_, err = client.Ping(context.Background())
	check.True(t, errors.Is(err, core.ErrSecondaryUnavailable))
	check.True(t, core.IsRetryable(err))
}

func TestCoordinator_OverTheWire(t *testing.T) {
	ctx := context.Background()
	rt := enclave.NewRuntime(nil, nil)
	client := startSecondary(t, rt)

	env := newTestEnv(t, func(*enclave.Runtime) Secondary { return client })
	env.addBid(t, "bidder_a", 150)
	env.addBid(t, "bidder_b", 120)
	env.delegateAll(t)
	check.Equal(t, 4, rt.Held())

	resp, err := env.coord.ProcessAuction(ctx, env.request.Publisher, env.request.RequestID, env.bidRefs())
	assert.NoError(t, err)
	check.Equal(t, uint64(120), resp.ClearingPrice)

	assert.NoError(t, env.coord.Undelegate(ctx, append(env.askRefs(), env.bidRefs()...)...))
	check.Equal(t, 0, rt.Held())
	check.False(t, env.residency(t, env.bids[0].Ref()).Delegated())
}
