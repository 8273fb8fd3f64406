package enclave

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/mdlayher/vsock"
	"go.uber.org/zap"

	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/enclaveapi"
)

// DefaultPort is the vsock port the secondary context listens on.
const DefaultPort = 5000

const connectionDeadline = 30 * time.Second

// Server serves the secondary wire protocol: one request envelope per connection, handled
// by a bounded pool of workers. Connections arriving while the pool is full are closed
// immediately.
type Server struct {
	runtime    *Runtime
	maxWorkers int
	log        *zap.Logger

	wg sync.WaitGroup
}

func NewServer(runtime *Runtime, maxWorkers int, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Server{runtime: runtime, maxWorkers: maxWorkers, log: log}
}

// ListenAndServe serves on the given vsock port until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, port uint32) error {
	listener, err := vsock.Listen(port, nil)
	if err != nil {
		return fmt.Errorf("failed to create vsock listener: %w", err)
	}
	s.log.Info("secondary context listening", zap.Uint32("vsock_port", port))
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is canceled or the listener fails,
// then waits for in-flight requests to finish.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil {
			s.log.Debug("closing listener", zap.Error(err))
		}
	}()

	semaphore := make(chan struct{}, s.maxWorkers)
	s.log.Info("worker pool initialized", zap.Int("max_workers", s.maxWorkers))

	defer s.wg.Wait()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("failed to accept connection", zap.Error(err))
			continue
		}

		// Acquire worker slot - immediate rejection if pool full
		select {
		case semaphore <- struct{}{}:
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer func() { <-semaphore }()
				s.handleConnection(ctx, c)
			}(conn)
		default:
			s.log.Info("no workers available, rejecting connection")
			if err := conn.Close(); err != nil {
				s.log.Error("failed to close rejected connection", zap.Error(err))
			}
		}
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic recovered in handleConnection", zap.Any("panic", r))
		}
		if err := conn.Close(); err != nil {
			s.log.Debug("failed to close connection", zap.Error(err))
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(connectionDeadline))

	var env enclaveapi.Envelope
	if err := cbor.NewDecoder(conn).Decode(&env); err != nil {
		s.log.Error("failed to decode request", zap.Error(err))
		return
	}

	s.log.Debug("received request", zap.String("type", env.Type))
	resp := s.Dispatch(ctx, &env)

	if err := cbor.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Error("failed to encode response", zap.String("type", env.Type), zap.Error(err))
	}
}

// Dispatch handles one envelope against the runtime. It never fails: errors are carried
// in the response.
func (s *Server) Dispatch(ctx context.Context, env *enclaveapi.Envelope) *enclaveapi.Response {
	var (
		body any
		err  error
	)

	switch env.Type {
	case enclaveapi.TypePing:
		body, err = s.runtime.Ping(ctx)
	case enclaveapi.TypeDelegate:
		body, err = handle(ctx, env, s.runtime.Delegate)
	case enclaveapi.TypeProcessAuction:
		body, err = handle(ctx, env, s.runtime.ProcessAuction)
	case enclaveapi.TypeCommit:
		body, err = handle(ctx, env, s.runtime.Commit)
	case enclaveapi.TypeUndelegate:
		body, err = handle(ctx, env, s.runtime.Undelegate)
	case enclaveapi.TypeRelease:
		body, err = handle(ctx, env, s.runtime.Release)
	default:
		err = fmt.Errorf("%w: unknown request type %q", core.ErrInvalidArgument, env.Type)
	}

	if err != nil {
		s.log.Info("request failed", zap.String("type", env.Type), zap.Error(err))
		return errorResponse(err)
	}

	respType := env.Type
	if env.Type == enclaveapi.TypePing {
		respType = enclaveapi.TypePong
	}
	raw, err := cbor.Marshal(body)
	if err != nil {
		return errorResponse(fmt.Errorf("encode %s response: %w", env.Type, err))
	}
	return &enclaveapi.Response{Type: respType, Success: true, Body: raw}
}

func handle[Req any, Resp any](ctx context.Context, env *enclaveapi.Envelope, fn func(context.Context, *Req) (*Resp, error)) (*Resp, error) {
	var req Req
	if err := cbor.Unmarshal(env.Body, &req); err != nil {
		return nil, fmt.Errorf("%w: decode %s request: %v", core.ErrInvalidArgument, env.Type, err)
	}
	return fn(ctx, &req)
}

func errorResponse(err error) *enclaveapi.Response {
	return &enclaveapi.Response{
		Type:      enclaveapi.TypeError,
		Code:      core.CodeOf(err),
		Message:   err.Error(),
		Retryable: core.IsRetryable(err),
	}
}
