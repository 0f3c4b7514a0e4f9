package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
)

// hostDataTimeout bounds the wait for the bootstrap record on stdin. The host
// sends it immediately after spawning the provider.
const hostDataTimeout = 5 * time.Second

// WasmcloudProvider brokers lifecycle commands between the lattice and a
// user-supplied provider implementation: it bootstraps the bus connection,
// runs the five command listeners and the dispatch loop, and hands out typed
// invocation clients.
type WasmcloudProvider struct {
	Id        string
	Logger    *slog.Logger
	RPCClient *WrpcClient

	hostData HostData
	topics   Topics

	natsConnection *nats.Conn
	connection     *ProviderConnection
	commands       providerCommandReceivers
	quit           *shutdownSignal

	// links present in the bootstrap record, replayed at Start
	initialLinks []linkWithEncryptedSecrets

	initFunc          func(*WasmcloudProvider) error
	healthFunc        func(HealthCheckRequest) (HealthCheckResponse, error)
	shutdownFunc      func() error
	configUpdateFunc  func(map[string]string) error
	putSourceLinkFunc func(LinkConfig) error
	putTargetLinkFunc func(LinkConfig) error
	delSourceLinkFunc func(InterfaceLinkDefinition) error
	delTargetLinkFunc func(InterfaceLinkDefinition) error

	// internalShutdownFuncs holds callbacks triggered during shutdown (ex:
	// opentelemetry exporter graceful shutdown). They run after the user
	// provided shutdown callback.
	internalShutdownFuncs []func(context.Context) error
	internalShutdownOnce  sync.Once
}

func New(options ...ProviderHandler) (*WasmcloudProvider, error) {
	// All host data is sent immediately after the provider starts; time out if
	// it never arrives.
	hostDataCh := make(chan HostData, 1)
	errCh := make(chan error, 1)
	go func() {
		hostData, err := loadHostData(os.Stdin)
		if err != nil {
			errCh <- err
			return
		}
		hostDataCh <- hostData
	}()

	var hostData HostData
	select {
	case hostData = <-hostDataCh:
	case err := <-errCh:
		return nil, err
	case <-time.After(hostDataTimeout):
		return nil, fmt.Errorf("failed to read host data, did not receive after %s", hostDataTimeout)
	}

	logger := newLogger(hostData)

	internalShutdownFuncs, err := initObservability(context.Background(), hostData)
	if err != nil {
		return nil, err
	}

	// If the host does not supply xkeys (pre-secrets hosts), substitute freshly
	// generated ones: secrets won't be sent to this provider, and the
	// placeholder keys can never open anything.
	hostXkeyPublicKey := hostData.HostXKeyPublicKey
	if len(hostXkeyPublicKey) == 0 {
		logger.Warn("host does not provide an xkey, secrets will not be supported")
		placeholder, err := nkeys.CreateCurveKeys()
		if err != nil {
			return nil, err
		}
		if hostXkeyPublicKey, err = placeholder.PublicKey(); err != nil {
			return nil, err
		}
	}

	var providerXkey nkeys.KeyPair
	if len(hostData.ProviderXKeyPrivateKey.Reveal()) == 0 {
		logger.Warn("host does not provide a provider xkey, secrets will not be supported")
		if providerXkey, err = nkeys.CreateCurveKeys(); err != nil {
			return nil, err
		}
	} else {
		providerXkey, err = nkeys.FromCurveSeed([]byte(hostData.ProviderXKeyPrivateKey.Reveal()))
		if err != nil {
			return nil, fmt.Errorf("failed to create provider xkey from private key: %w", err)
		}
	}

	nc, err := connectBus(hostData, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("starting capability provider",
		"provider_id", hostData.ProviderKey,
		"instance_id", hostData.InstanceID,
		"lattice", hostData.LatticeRPCPrefix,
	)

	quit := newShutdownSignal(logger)
	topics := LatticeTopics(hostData, providerXkey)

	commands, err := newProviderCommandReceivers(nc, quit, logger, topics, hostData.HostID)
	if err != nil {
		nc.Close()
		return nil, err
	}

	timeout := DefaultRPCTimeout
	if hostData.DefaultRPCTimeoutMS != nil {
		timeout = time.Duration(*hostData.DefaultRPCTimeoutMS) * time.Millisecond
	}

	connection := newProviderConnection(
		nc,
		logger,
		hostData.LatticeRPCPrefix,
		hostData.HostID,
		hostData.ProviderKey,
		hostData.Config,
		providerXkey,
		hostXkeyPublicKey,
		timeout,
	)

	provider := &WasmcloudProvider{
		Id:        hostData.ProviderKey,
		Logger:    logger,
		RPCClient: connection.rpcServer(),

		hostData: hostData,
		topics:   topics,

		natsConnection: nc,
		connection:     connection,
		commands:       commands,
		quit:           quit,

		initialLinks: hostData.LinkDefinitions,

		healthFunc: func(HealthCheckRequest) (HealthCheckResponse, error) {
			return HealthCheckResponse{Healthy: true, Message: "healthy"}, nil
		},
		shutdownFunc:      func() error { return nil },
		configUpdateFunc:  func(map[string]string) error { return nil },
		putSourceLinkFunc: func(LinkConfig) error { return nil },
		putTargetLinkFunc: func(LinkConfig) error { return nil },
		delSourceLinkFunc: func(InterfaceLinkDefinition) error { return nil },
		delTargetLinkFunc: func(InterfaceLinkDefinition) error { return nil },

		internalShutdownFuncs: internalShutdownFuncs,
	}

	for _, opt := range options {
		if err := opt(provider); err != nil {
			return nil, err
		}
	}

	return provider, nil
}

// connectBus resolves the bus credentials from the bootstrap record and
// connects: anonymous when no JWT/seed pair is supplied, signed otherwise.
func connectBus(hostData HostData, logger *slog.Logger) (*nats.Conn, error) {
	url := hostData.LatticeRPCURL
	if url == "" {
		url = nats.DefaultURL
	}

	opts := []nats.Option{
		nats.Name(fmt.Sprintf("provider-%s", hostData.ProviderKey)),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from NATS", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.Any("error", err))
		}),
	}
	if hostData.LatticeRPCUserJWT != "" && hostData.LatticeRPCUserSeed != "" {
		opts = append(opts, nats.UserJWTAndSeed(hostData.LatticeRPCUserJWT, hostData.LatticeRPCUserSeed))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

func (wp *WasmcloudProvider) HostData() HostData {
	return wp.hostData
}

func (wp *WasmcloudProvider) NatsConnection() *nats.Conn {
	return wp.natsConnection
}

// Connection is the long-lived lattice handle: link registry, identity and
// invocation client factory.
func (wp *WasmcloudProvider) Connection() *ProviderConnection {
	return wp.connection
}

func (wp *WasmcloudProvider) OutgoingRpcClient(target string) *WrpcClient {
	return wp.connection.OutgoingRpcClient(target)
}

// Start establishes the provider's initial link state and runs the dispatch
// loop. It blocks until a shutdown command addressed to this host arrives, a
// fatal failure escalates, or Shutdown is called.
func (wp *WasmcloudProvider) Start() error {
	if wp.initFunc != nil {
		if err := wp.initFunc(wp); err != nil {
			return fmt.Errorf("provider init failed: %w", err)
		}
	}

	// Links known at startup go through the same path as live link put
	// commands.
	for _, link := range wp.initialLinks {
		wp.handleLinkPut(link)
	}

	wp.Logger.Info("provider started", "id", wp.Id)
	wp.handleCommands()
	wp.runInternalShutdown()
	wp.Logger.Info("provider exiting", "id", wp.Id)
	return nil
}

// handleCommands is the single sequential consumer of the five command queues.
// Each iteration races all inputs and the shutdown signal, and handles exactly
// one ready input. All link registry mutation happens here.
func (wp *WasmcloudProvider) handleCommands() {
	for {
		select {
		case <-wp.quit.Wait():
			wp.connection.flush()
			return

		case env, ok := <-wp.commands.health:
			if !ok {
				wp.fatal("health command queue closed")
				return
			}
			resp, err := wp.healthFunc(env.request)
			if err != nil {
				wp.Logger.Error("provider health request failed", slog.Any("error", err))
				wp.fatal("health check failed")
				return
			}
			env.reply <- resp

		case env, ok := <-wp.commands.shutdown:
			if !ok {
				wp.fatal("shutdown command queue closed")
				return
			}
			// The shutdown listener is waiting on this acknowledgment to
			// publish the bus reply and raise the shutdown signal.
			if err := wp.shutdownFunc(); err != nil {
				wp.Logger.Error("provider shutdown function failed", slog.Any("error", err))
			}
			env.reply <- struct{}{}

		case env, ok := <-wp.commands.linkPut:
			if !ok {
				wp.fatal("link put command queue closed")
				return
			}
			wp.handleLinkPut(env.request)
			env.reply <- struct{}{}

		case env, ok := <-wp.commands.linkDel:
			if !ok {
				wp.fatal("link del command queue closed")
				return
			}
			wp.handleLinkDel(env.request)
			env.reply <- struct{}{}

		case env, ok := <-wp.commands.configUpdate:
			if !ok {
				wp.fatal("config update command queue closed")
				return
			}
			if err := wp.configUpdateFunc(env.request); err != nil {
				wp.Logger.Error("provider config update failed", slog.Any("error", err))
			}
			env.reply <- struct{}{}
		}
	}
}

// fatal escalates an unrecoverable dispatch failure: the provider shutdown
// callback runs once more defensively, then the shutdown signal stops every
// listener and the loop.
func (wp *WasmcloudProvider) fatal(reason string) {
	wp.Logger.Error("fatal provider failure, shutting down", "reason", reason)
	if err := wp.shutdownFunc(); err != nil {
		wp.Logger.Error("provider shutdown function failed", slog.Any("error", err))
	}
	wp.quit.Broadcast()
}

// handleLinkPut applies a link attach. Duplicates are dropped without invoking
// callbacks; a failed attach leaves the registry unchanged so a retry is not
// treated as a duplicate.
func (wp *WasmcloudProvider) handleLinkPut(link linkWithEncryptedSecrets) {
	if wp.connection.IsLinked(link.SourceID, link.Target, link.WitNamespace, link.WitPackage, link.Name) {
		wp.Logger.Warn("ignoring duplicate link put",
			"source_id", link.SourceID,
			"target", link.Target,
			"link_name", link.Name,
		)
		return
	}

	if err := wp.receiveLink(link); err != nil {
		wp.Logger.Error("failed to receive link",
			slog.Any("error", err),
			"source_id", link.SourceID,
			"target", link.Target,
			"link_name", link.Name,
		)
		return
	}
	wp.connection.putLink(link.definition())
}

// receiveLink resolves the provider's role in the link, decrypts the secrets
// for that side, and invokes the matching callback.
func (wp *WasmcloudProvider) receiveLink(link linkWithEncryptedSecrets) error {
	config := LinkConfig{
		SourceID:     link.SourceID,
		TargetID:     link.Target,
		LinkName:     link.Name,
		WitNamespace: link.WitNamespace,
		WitPackage:   link.WitPackage,
		Interfaces:   link.Interfaces,
	}

	switch wp.Id {
	case link.SourceID:
		secrets, err := decryptSecrets(link.SourceSecrets, wp.connection.providerXkey, wp.connection.hostXkeyPublicKey)
		if err != nil {
			return err
		}
		config.Config = link.SourceConfig
		config.Secrets = secrets
		return wp.putSourceLinkFunc(config)
	case link.Target:
		secrets, err := decryptSecrets(link.TargetSecrets, wp.connection.providerXkey, wp.connection.hostXkeyPublicKey)
		if err != nil {
			return err
		}
		config.Config = link.TargetConfig
		config.Secrets = secrets
		return wp.putTargetLinkFunc(config)
	default:
		return fmt.Errorf("received link put where provider is neither source nor target")
	}
}

// handleLinkDel applies a link detach: the matching delete callback runs
// (failures logged, never fatal), then the link is removed from the registry
// unconditionally.
func (wp *WasmcloudProvider) handleLinkDel(link InterfaceLinkDefinition) {
	if link.SourceID == wp.Id {
		if err := wp.delSourceLinkFunc(link); err != nil {
			wp.Logger.Error("failed to delete link to component",
				slog.Any("error", err), "target", link.Target)
		}
	} else if link.Target == wp.Id {
		if err := wp.delTargetLinkFunc(link); err != nil {
			wp.Logger.Error("failed to delete link from component",
				slog.Any("error", err), "source_id", link.SourceID)
		}
	}
	wp.connection.deleteLink(link.SourceID, link.Target)
}

// Shutdown terminates the provider from within the process, without a host
// command: user shutdown callback, bus drain, shutdown broadcast, exporter
// shutdown hooks.
func (wp *WasmcloudProvider) Shutdown() error {
	defer wp.quit.Broadcast()

	if err := wp.shutdownFunc(); err != nil {
		return err
	}
	if err := wp.natsConnection.Drain(); err != nil {
		return err
	}
	wp.runInternalShutdown()
	return nil
}

func (wp *WasmcloudProvider) runInternalShutdown() {
	wp.internalShutdownOnce.Do(func() {
		for _, shutdown := range wp.internalShutdownFuncs {
			if err := shutdown(context.Background()); err != nil {
				wp.Logger.Error("failed to run internal shutdown hook", slog.Any("error", err))
			}
		}
	})
}
