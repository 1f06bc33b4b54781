// Package agentrpc is the manager-side client for the agent control RPC.
//
// The service is registered by hand instead of through protoc codegen: the
// wire payloads are msgpack maps carried over gRPC with a custom codec,
// matching the agent's native framing. Every request carries request,
// kernel and session ids; every response echoes the request id with a
// status and optional error.
package agentrpc

import (
	"context"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype used on every call.
const CodecName = "msgpack"

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "backendai.agent.v1.Agent"

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (msgpackCodec) Name() string { return CodecName }

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// CreateKernelRequest asks an agent to create and start one kernel
// container.
type CreateKernelRequest struct {
	RequestID   string            `msgpack:"request_id"`
	KernelID    string            `msgpack:"kernel_id"`
	SessionID   string            `msgpack:"session_id"`
	Image       string            `msgpack:"image"`
	ClusterRole string            `msgpack:"cluster_role"`
	Slots       map[string]string `msgpack:"slots"`
}

// CreateKernelResult is the agent's answer to a create call.
type CreateKernelResult struct {
	RequestID   string `msgpack:"request_id"`
	Status      string `msgpack:"status"`
	ContainerID string `msgpack:"container_id"`
	Error       string `msgpack:"error"`
}

// DestroyKernelRequest asks an agent to destroy one kernel container.
type DestroyKernelRequest struct {
	RequestID string `msgpack:"request_id"`
	KernelID  string `msgpack:"kernel_id"`
	SessionID string `msgpack:"session_id"`
	Reason    string `msgpack:"reason"`
}

// DestroyKernelAck is the agent's answer to a destroy call.
type DestroyKernelAck struct {
	RequestID string `msgpack:"request_id"`
	Status    string `msgpack:"status"`
	Error     string `msgpack:"error"`
}

// TelemetryRequest asks for a point-in-time usage snapshot of one kernel.
type TelemetryRequest struct {
	RequestID string `msgpack:"request_id"`
	KernelID  string `msgpack:"kernel_id"`
}

// TelemetrySnapshot is the per-kernel usage report.
type TelemetrySnapshot struct {
	RequestID    string            `msgpack:"request_id"`
	Status       string            `msgpack:"status"`
	KernelID     string            `msgpack:"kernel_id"`
	UsedSlots    map[string]string `msgpack:"used_slots"`
	UptimeMillis int64             `msgpack:"uptime_millis"`
	Error        string            `msgpack:"error"`
}

// Full method names for client invocation.
const (
	methodCreateKernel  = "/" + ServiceName + "/CreateKernel"
	methodDestroyKernel = "/" + ServiceName + "/DestroyKernel"
	methodGetTelemetry  = "/" + ServiceName + "/GetTelemetry"
)

// AgentServer is the server-side contract, implemented by real agents and
// by the in-process fake used in tests.
type AgentServer interface {
	CreateKernel(ctx context.Context, req *CreateKernelRequest) (*CreateKernelResult, error)
	DestroyKernel(ctx context.Context, req *DestroyKernelRequest) (*DestroyKernelAck, error)
	GetTelemetry(ctx context.Context, req *TelemetryRequest) (*TelemetrySnapshot, error)
}

// RegisterAgentServer wires an implementation into a gRPC server.
func RegisterAgentServer(s *grpc.Server, srv AgentServer) {
	s.RegisterService(&agentServiceDesc, srv)
}
