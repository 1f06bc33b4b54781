package agentrpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/lablup/backend.ai-sub022/pkg/config"
	"github.com/lablup/backend.ai-sub022/pkg/log"
	"github.com/lablup/backend.ai-sub022/pkg/types"
)

// Pool keeps one client connection per agent address and multiplexes
// concurrent calls over it. Connections are lazy; gRPC reconnects a broken
// channel on its own, and a connection that has shut down is dropped so
// the next call re-dials.
//
// The pool never retries a call. Callers decide per operation whether a
// failure is retryable; destroy calls in particular must report the
// failure upward instead of masking it.
type Pool struct {
	cfg config.RPCConfig

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn

	dial func(addr string) (*grpc.ClientConn, error)
}

// NewPool builds an empty pool.
func NewPool(cfg config.RPCConfig) *Pool {
	p := &Pool{
		cfg:   cfg,
		conns: make(map[string]*grpc.ClientConn),
	}
	p.dial = p.dialGRPC
	return p
}

func (p *Pool) dialGRPC(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
}

func (p *Pool) conn(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cc, ok := p.conns[addr]; ok {
		if cc.GetState() != connectivity.Shutdown {
			return cc, nil
		}
		delete(p.conns, addr)
	}
	cc, err := p.dial(addr)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = cc
	return cc, nil
}

func (p *Pool) invoke(ctx context.Context, addr, method string, req, resp any) error {
	cc, err := p.conn(addr)
	if err != nil {
		return &types.TransportError{AgentAddr: addr, Op: method, Err: err}
	}
	if err := cc.Invoke(ctx, method, req, resp); err != nil {
		return &types.TransportError{AgentAddr: addr, Op: method, Err: err}
	}
	return nil
}

// CreateKernel asks the agent at addr to create one kernel container and
// returns the container id on success.
func (p *Pool) CreateKernel(ctx context.Context, addr string, req *CreateKernelRequest) (*CreateKernelResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.CreateTimeout))
	defer cancel()

	resp := new(CreateKernelResult)
	if err := p.invoke(callCtx, addr, methodCreateKernel, req, resp); err != nil {
		return nil, err
	}
	if resp.Status != StatusOK {
		return nil, fmt.Errorf("agent %s rejected create of kernel %s: %s", addr, req.KernelID, resp.Error)
	}
	return resp, nil
}

// DestroyKernel asks the agent at addr to destroy one kernel container.
// It succeeds only on an explicit acknowledgement; transport errors,
// timeouts and agent-side rejections are all failures.
func (p *Pool) DestroyKernel(ctx context.Context, addr string, req *DestroyKernelRequest) error {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.DestroyTimeout))
	defer cancel()

	resp := new(DestroyKernelAck)
	if err := p.invoke(callCtx, addr, methodDestroyKernel, req, resp); err != nil {
		return err
	}
	if resp.Status != StatusOK {
		return fmt.Errorf("agent %s rejected destroy of kernel %s: %s", addr, req.KernelID, resp.Error)
	}
	return nil
}

// GetTelemetry fetches a usage snapshot for one kernel.
func (p *Pool) GetTelemetry(ctx context.Context, addr string, req *TelemetryRequest) (*TelemetrySnapshot, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.DestroyTimeout))
	defer cancel()

	resp := new(TelemetrySnapshot)
	if err := p.invoke(callCtx, addr, methodGetTelemetry, req, resp); err != nil {
		return nil, err
	}
	if resp.Status != StatusOK {
		return nil, fmt.Errorf("agent %s has no telemetry for kernel %s: %s", addr, req.KernelID, resp.Error)
	}
	return resp, nil
}

// Close tears down every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	logger := log.WithComponent("agentrpc")
	for addr, cc := range p.conns {
		if err := cc.Close(); err != nil {
			logger.Debug().Err(err).Str("agent_addr", addr).Msg("connection close failed")
		}
		delete(p.conns, addr)
	}
	return nil
}
