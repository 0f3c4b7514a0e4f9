package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	wrpc "github.com/bytecodealliance/wrpc/go"
	wrpcnats "github.com/bytecodealliance/wrpc/go/nats"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// DefaultRPCTimeout applies to outgoing invocations unless the host data or
// the caller overrides it.
const DefaultRPCTimeout = 10 * time.Second

// Invocation headers identifying the two ends of a call. Written with exact
// case: lattice peers match them byte-for-byte.
const (
	wrpcSourceIDHeader = "source-id"
	wrpcTargetIDHeader = "target-id"
)

// WrpcClient performs typed invocations against a single lattice target. Every
// outgoing call carries the provider id as source and the scoped target id, and
// is bounded by the client's timeout. Inbound invocations served through it get
// the calling component's id and any distributed-trace headers attached to
// their context before the handler runs.
type WrpcClient struct {
	transport  *wrpcnats.Client
	providerID string
	target     string
	timeout    time.Duration
}

// OutgoingRpcClient returns an invocation client scoped to the given target
// with the default timeout. Clients are derived on demand, not cached.
func (pc *ProviderConnection) OutgoingRpcClient(target string) *WrpcClient {
	return pc.OutgoingRpcClientWithTimeout(target, pc.defaultTimeout)
}

// OutgoingRpcClientWithTimeout is OutgoingRpcClient with a caller-chosen
// per-invocation timeout.
func (pc *ProviderConnection) OutgoingRpcClientWithTimeout(target string, timeout time.Duration) *WrpcClient {
	prefix := fmt.Sprintf("%s.%s", pc.lattice, target)
	return &WrpcClient{
		transport:  wrpcnats.NewClient(pc.nats, prefix),
		providerID: pc.providerID,
		target:     target,
		timeout:    timeout,
	}
}

// rpcServer builds the queue-group client the provider serves its own exports
// on.
func (pc *ProviderConnection) rpcServer() *WrpcClient {
	prefix := fmt.Sprintf("%s.%s", pc.lattice, pc.providerID)
	return &WrpcClient{
		transport:  wrpcnats.NewClientWithQueueGroup(pc.nats, prefix, prefix),
		providerID: pc.providerID,
		target:     pc.providerID,
		timeout:    pc.defaultTimeout,
	}
}

func (c *WrpcClient) Invoke(ctx context.Context, instance string, name string, buf []byte, paths ...wrpc.SubscribePath) (wrpc.IndexWriteCloser, wrpc.IndexReadCloser, error) {
	header, ok := wrpcnats.HeaderFromContext(ctx)
	if !ok {
		header = make(nats.Header)
	}
	header[wrpcSourceIDHeader] = []string{c.providerID}
	header[wrpcTargetIDHeader] = []string{c.target}
	ctx = wrpcnats.ContextWithHeader(ctx, header)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	w, r, err := c.transport.Invoke(ctx, instance, name, buf, paths...)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	// the invocation deadline is released when the caller closes the result
	// stream
	return w, &cancelOnCloseReader{IndexReadCloser: r, cancel: cancel}, nil
}

func (c *WrpcClient) Serve(instance string, name string, handler func(context.Context, wrpc.IndexWriteCloser, wrpc.IndexReadCloser) error, paths ...wrpc.SubscribePath) (func() error, error) {
	return c.transport.Serve(instance, name, func(ctx context.Context, w wrpc.IndexWriteCloser, r wrpc.IndexReadCloser) error {
		return handler(invocationContext(ctx), w, r)
	}, paths...)
}

type cancelOnCloseReader struct {
	wrpc.IndexReadCloser
	cancel context.CancelFunc
}

func (r *cancelOnCloseReader) Close() error {
	r.cancel()
	return r.IndexReadCloser.Close()
}

type invocationSourceKey struct{}

// InvocationSource returns the component id that originated an inbound
// invocation, as recorded in its per-call context.
func InvocationSource(ctx context.Context) string {
	if source, ok := ctx.Value(invocationSourceKey{}).(string); ok {
		return source
	}
	return "<unknown>"
}

// invocationContext attaches the calling component's id and any propagated
// trace context to the per-call context of an inbound invocation.
func invocationContext(ctx context.Context) context.Context {
	header, ok := wrpcnats.HeaderFromContext(ctx)
	if !ok {
		return context.WithValue(ctx, invocationSourceKey{}, "<unknown>")
	}

	carrier := propagation.MapCarrier{}
	for k, vs := range header {
		if len(vs) > 0 {
			carrier[strings.ToLower(k)] = vs[0]
		}
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	source := header.Get(wrpcSourceIDHeader)
	if source == "" {
		source = "<unknown>"
	}
	return context.WithValue(ctx, invocationSourceKey{}, source)
}
