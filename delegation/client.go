package delegation

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/mdlayher/vsock"
	"go.uber.org/zap"

	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/enclaveapi"
)

// Secondary is the secondary execution context as seen from the primary. Both the
// in-process enclave.Runtime and the network Client implement it.
type Secondary interface {
	Delegate(ctx context.Context, req *enclaveapi.DelegateRequest) (*enclaveapi.DelegateResponse, error)
	ProcessAuction(ctx context.Context, req *enclaveapi.ProcessAuctionRequest) (*enclaveapi.ProcessAuctionResponse, error)
	Commit(ctx context.Context, req *enclaveapi.CommitRequest) (*enclaveapi.CommitResponse, error)
	Undelegate(ctx context.Context, req *enclaveapi.UndelegateRequest) (*enclaveapi.UndelegateResponse, error)
	Release(ctx context.Context, req *enclaveapi.ReleaseRequest) (*enclaveapi.ReleaseResponse, error)
}

// Dialer opens a connection to the secondary context.
type Dialer func(ctx context.Context) (net.Conn, error)

// VsockDialer dials an enclave over vsock.
func VsockDialer(cid, port uint32) Dialer {
	return func(_ context.Context) (net.Conn, error) {
		return vsock.Dial(cid, port, nil)
	}
}

// TCPDialer dials a secondary context running as a plain process.
func TCPDialer(address string) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", address)
	}
}

// Client speaks the secondary wire protocol, one connection per call. Transport failures
// are reported as core.ErrSecondaryUnavailable; errors raised by the secondary are mapped
// back to their sentinels by code.
type Client struct {
	dial    Dialer
	timeout time.Duration
	log     *zap.Logger
}

func NewClient(dial Dialer, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{dial: dial, timeout: timeout, log: log}
}

func (c *Client) Ping(ctx context.Context) (*enclaveapi.PingResponse, error) {
	var resp enclaveapi.PingResponse
	return &resp, c.call(ctx, enclaveapi.TypePing, nil, &resp)
}

func (c *Client) Delegate(ctx context.Context, req *enclaveapi.DelegateRequest) (*enclaveapi.DelegateResponse, error) {
	var resp enclaveapi.DelegateResponse
	return &resp, c.call(ctx, enclaveapi.TypeDelegate, req, &resp)
}

func (c *Client) ProcessAuction(ctx context.Context, req *enclaveapi.ProcessAuctionRequest) (*enclaveapi.ProcessAuctionResponse, error) {
	var resp enclaveapi.ProcessAuctionResponse
	return &resp, c.call(ctx, enclaveapi.TypeProcessAuction, req, &resp)
}

func (c *Client) Commit(ctx context.Context, req *enclaveapi.CommitRequest) (*enclaveapi.CommitResponse, error) {
	var resp enclaveapi.CommitResponse
	return &resp, c.call(ctx, enclaveapi.TypeCommit, req, &resp)
}

func (c *Client) Undelegate(ctx context.Context, req *enclaveapi.UndelegateRequest) (*enclaveapi.UndelegateResponse, error) {
	var resp enclaveapi.UndelegateResponse
	return &resp, c.call(ctx, enclaveapi.TypeUndelegate, req, &resp)
}

func (c *Client) Release(ctx context.Context, req *enclaveapi.ReleaseRequest) (*enclaveapi.ReleaseResponse, error) {
	var resp enclaveapi.ReleaseResponse
	return &resp, c.call(ctx, enclaveapi.TypeRelease, req, &resp)
}

func (c *Client) call(ctx context.Context, msgType string, req, out any) error {
	env := enclaveapi.Envelope{Type: msgType}
	if req != nil {
		body, err := cbor.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", msgType, err)
		}
		env.Body = body
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", core.ErrSecondaryUnavailable, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := cbor.NewEncoder(conn).Encode(env); err != nil {
		return fmt.Errorf("%w: send %s: %v", core.ErrSecondaryUnavailable, msgType, err)
	}

	var resp enclaveapi.Response
	if err := cbor.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("%w: receive %s: %v", core.ErrSecondaryUnavailable, msgType, err)
	}

	if !resp.Success {
		c.log.Debug("secondary rejected request",
			zap.String("type", msgType),
			zap.String("code", resp.Code),
			zap.String("message", resp.Message))
		if sentinel := core.ErrorFromCode(resp.Code); sentinel != nil {
			return fmt.Errorf("%w: secondary: %s", sentinel, resp.Message)
		}
		return fmt.Errorf("secondary %s failed: %s", msgType, resp.Message)
	}

	if err := cbor.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", msgType, err)
	}
	return nil
}
