package provider

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	nats "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

// listenerPending is the ChanSubscribe buffer. It only holds raw bus messages
// the listener has not looked at yet; at most one decoded command per kind is
// ever in flight downstream.
const listenerPending = 64

// shutdownSignal is the process-wide quit broadcast. It is level-triggered:
// observers arriving after the broadcast still see it. It fires at most once;
// a second broadcast is a programming error and is logged, not escalated.
type shutdownSignal struct {
	once   sync.Once
	done   chan struct{}
	logger *slog.Logger
}

func newShutdownSignal(logger *slog.Logger) *shutdownSignal {
	return &shutdownSignal{
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (s *shutdownSignal) Broadcast() {
	fired := false
	s.once.Do(func() {
		close(s.done)
		fired = true
	})
	if !fired {
		s.logger.Warn("shutdown signal broadcast more than once, ignoring")
	}
}

func (s *shutdownSignal) Wait() <-chan struct{} {
	return s.done
}

// commandEnvelope pairs a decoded command with its single-use reply channel.
// The dispatch loop must signal the reply exactly once per envelope; the
// listener that created it is blocked until then.
type commandEnvelope[Req, Resp any] struct {
	request Req
	reply   chan Resp
}

func newCommandEnvelope[Req, Resp any](req Req) commandEnvelope[Req, Resp] {
	return commandEnvelope[Req, Resp]{request: req, reply: make(chan Resp, 1)}
}

func decodeJSON[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// subscribeCommand subscribes to a lattice control subject and spawns a
// listener that races the shutdown signal against inbound messages. Decoded
// commands go into a single-slot queue and the listener waits on the
// envelope's reply before pulling the next message: the bus effectively pauses
// redelivery of this command kind until the previous command is fully handled.
func subscribeCommand[Req, Resp any](
	nc *nats.Conn,
	quit *shutdownSignal,
	logger *slog.Logger,
	subject string,
	decode func([]byte) (Req, error),
	respond func(m *nats.Msg, resp Resp),
) (<-chan commandEnvelope[Req, Resp], error) {
	msgs := make(chan *nats.Msg, listenerPending)
	sub, err := nc.ChanSubscribe(subject, msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	out := make(chan commandEnvelope[Req, Resp], 1)
	go runCommandListener(quit, logger.With("subject", subject), sub.Unsubscribe, msgs, out, decode, respond)
	return out, nil
}

// runCommandListener is the body shared by the health, link put/del and config
// update listeners. Invalid payloads are logged and skipped; they never stop
// the listener or occupy the queue slot.
func runCommandListener[Req, Resp any](
	quit *shutdownSignal,
	logger *slog.Logger,
	unsubscribe func() error,
	msgs <-chan *nats.Msg,
	out chan<- commandEnvelope[Req, Resp],
	decode func([]byte) (Req, error),
	respond func(m *nats.Msg, resp Resp),
) {
	defer close(out)
	for {
		select {
		case <-quit.Wait():
			if err := unsubscribe(); err != nil {
				logger.Warn("failed to unsubscribe", slog.Any("error", err))
			}
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			req, err := decode(m.Data)
			if err != nil {
				logger.Error("failed to decode command", slog.Any("error", err))
				continue
			}

			env := newCommandEnvelope[Req, Resp](req)
			select {
			case out <- env:
			case <-quit.Wait():
				if err := unsubscribe(); err != nil {
					logger.Warn("failed to unsubscribe", slog.Any("error", err))
				}
				return
			}

			select {
			case resp := <-env.reply:
				if respond != nil {
					respond(m, resp)
				}
			case <-quit.Wait():
				if err := unsubscribe(); err != nil {
					logger.Warn("failed to unsubscribe", slog.Any("error", err))
				}
				return
			}
		}
	}
}

func subscribeHealth(nc *nats.Conn, quit *shutdownSignal, logger *slog.Logger, subject string) (<-chan commandEnvelope[HealthCheckRequest, HealthCheckResponse], error) {
	return subscribeCommand(nc, quit, logger, subject,
		func([]byte) (HealthCheckRequest, error) {
			// health requests carry no payload
			return HealthCheckRequest{}, nil
		},
		func(m *nats.Msg, resp HealthCheckResponse) {
			if m.Reply == "" {
				return
			}
			data, err := json.Marshal(resp)
			if err != nil {
				logger.Error("failed to encode health check response", slog.Any("error", err))
				return
			}
			if err := nc.Publish(m.Reply, data); err != nil {
				logger.Error("failed to publish health check response", slog.Any("error", err))
			}
		})
}

func subscribeLinkPut(nc *nats.Conn, quit *shutdownSignal, logger *slog.Logger, subject string) (<-chan commandEnvelope[linkWithEncryptedSecrets, struct{}], error) {
	return subscribeCommand[linkWithEncryptedSecrets, struct{}](nc, quit, logger, subject, decodeJSON[linkWithEncryptedSecrets], nil)
}

func subscribeLinkDel(nc *nats.Conn, quit *shutdownSignal, logger *slog.Logger, subject string) (<-chan commandEnvelope[InterfaceLinkDefinition, struct{}], error) {
	return subscribeCommand[InterfaceLinkDefinition, struct{}](nc, quit, logger, subject, decodeJSON[InterfaceLinkDefinition], nil)
}

func subscribeConfigUpdate(nc *nats.Conn, quit *shutdownSignal, logger *slog.Logger, subject string) (<-chan commandEnvelope[map[string]string, struct{}], error) {
	return subscribeCommand[map[string]string, struct{}](nc, quit, logger, subject, decodeJSON[map[string]string], nil)
}

// subscribeShutdown handles the shutdown subject. Unlike the other listeners
// it filters on the addressed host id, and on a match it drives the shutdown
// handshake itself: hand the command to the dispatch loop, wait for the
// acknowledgment, publish the bus reply, unsubscribe, and only then raise the
// shared shutdown signal that stops everything else.
func subscribeShutdown(nc *nats.Conn, quit *shutdownSignal, logger *slog.Logger, subject string, hostID string) (<-chan commandEnvelope[shutdownMessage, struct{}], error) {
	msgs := make(chan *nats.Msg, listenerPending)
	sub, err := nc.ChanSubscribe(subject, msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	out := make(chan commandEnvelope[shutdownMessage, struct{}], 1)
	go runShutdownListener(quit, logger.With("subject", subject), sub.Unsubscribe, msgs, out, hostID, func(m *nats.Msg) {
		if m.Reply == "" {
			return
		}
		if err := nc.Publish(m.Reply, []byte("shutting down")); err != nil {
			logger.Warn("failed to publish shutdown acknowledgment", slog.Any("error", err))
		}
	})
	return out, nil
}

func runShutdownListener(
	quit *shutdownSignal,
	logger *slog.Logger,
	unsubscribe func() error,
	msgs <-chan *nats.Msg,
	out chan<- commandEnvelope[shutdownMessage, struct{}],
	hostID string,
	respond func(m *nats.Msg),
) {
	defer close(out)
	for {
		var m *nats.Msg
		select {
		case <-quit.Wait():
			// shutdown raised elsewhere (programmatic Shutdown or a fatal
			// dispatch failure), nothing left to wait for
			if err := unsubscribe(); err != nil {
				logger.Warn("failed to unsubscribe from shutdown subject", slog.Any("error", err))
			}
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			m = msg
		}

		// A garbled payload decodes to an empty host id, which never matches.
		var req shutdownMessage
		if err := json.Unmarshal(m.Data, &req); err != nil {
			logger.Error("failed to decode shutdown command", slog.Any("error", err))
		}
		if req.HostID != hostID {
			logger.Debug("ignoring shutdown addressed to a different host", "host_id", req.HostID)
			continue
		}

		logger.Info("received termination signal, stopping")
		env := newCommandEnvelope[shutdownMessage, struct{}](req)
		out <- env
		<-env.reply
		respond(m)
		if err := unsubscribe(); err != nil {
			logger.Warn("failed to unsubscribe from shutdown subject", slog.Any("error", err))
		}
		quit.Broadcast()
		return
	}
}

// providerCommandReceivers bundles the receiving ends of the five command
// queues for the dispatch loop.
type providerCommandReceivers struct {
	health       <-chan commandEnvelope[HealthCheckRequest, HealthCheckResponse]
	shutdown     <-chan commandEnvelope[shutdownMessage, struct{}]
	linkPut      <-chan commandEnvelope[linkWithEncryptedSecrets, struct{}]
	linkDel      <-chan commandEnvelope[InterfaceLinkDefinition, struct{}]
	configUpdate <-chan commandEnvelope[map[string]string, struct{}]
}

// newProviderCommandReceivers performs the five subscribes concurrently. A
// provider missing even one command channel is not safely operable, so any
// subscribe failure fails the whole group.
func newProviderCommandReceivers(nc *nats.Conn, quit *shutdownSignal, logger *slog.Logger, topics Topics, hostID string) (providerCommandReceivers, error) {
	var r providerCommandReceivers
	var g errgroup.Group
	g.Go(func() (err error) {
		r.health, err = subscribeHealth(nc, quit, logger, topics.LATTICE_HEALTH)
		return err
	})
	g.Go(func() (err error) {
		r.shutdown, err = subscribeShutdown(nc, quit, logger, topics.LATTICE_SHUTDOWN, hostID)
		return err
	})
	g.Go(func() (err error) {
		r.linkPut, err = subscribeLinkPut(nc, quit, logger, topics.LATTICE_LINK_PUT)
		return err
	})
	g.Go(func() (err error) {
		r.linkDel, err = subscribeLinkDel(nc, quit, logger, topics.LATTICE_LINK_DEL)
		return err
	})
	g.Go(func() (err error) {
		r.configUpdate, err = subscribeConfigUpdate(nc, quit, logger, topics.LATTICE_CONFIG_UPDATE)
		return err
	})
	if err := g.Wait(); err != nil {
		return providerCommandReceivers{}, err
	}
	return r, nil
}
